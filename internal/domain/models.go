// Package domain contains the core entities of the Coffer ingestion platform.
// The domain layer is pure: no database, HTTP, or provider dependencies.
package domain

import "time"

// Role is a membership role within a tenant.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// CanWrite reports whether the role permits mutating tenant data.
func (r Role) CanWrite() bool {
	return r == RoleOwner || r == RoleAdmin || r == RoleEditor
}

// IntegrationType describes how a provider authorizes a connection.
type IntegrationType string

const (
	IntegrationOAuthRedirect     IntegrationType = "oauth_redirect"
	IntegrationLinkTokenExchange IntegrationType = "link_token_exchange"
	IntegrationDirectCredentials IntegrationType = "direct_credentials"
)

// ConnectionStatus is the lifecycle state of a connection.
type ConnectionStatus string

const (
	ConnectionPending ConnectionStatus = "pending"
	ConnectionActive  ConnectionStatus = "active"
	ConnectionError   ConnectionStatus = "error"
	ConnectionRevoked ConnectionStatus = "revoked"
)

// SyncSchedule is a named schedule bucket.
type SyncSchedule string

const (
	ScheduleManual  SyncSchedule = "manual"
	ScheduleHourly  SyncSchedule = "hourly"
	ScheduleEvery4h SyncSchedule = "every_4h"
	ScheduleEvery12h SyncSchedule = "every_12h"
	ScheduleDaily   SyncSchedule = "daily"
	ScheduleWeekly  SyncSchedule = "weekly"
)

// Interval returns the nominal cadence of the schedule bucket.
// Manual schedules have no cadence and return 0.
func (s SyncSchedule) Interval() time.Duration {
	switch s {
	case ScheduleHourly:
		return time.Hour
	case ScheduleEvery4h:
		return 4 * time.Hour
	case ScheduleEvery12h:
		return 12 * time.Hour
	case ScheduleDaily:
		return 24 * time.Hour
	case ScheduleWeekly:
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

// Valid reports whether the bucket is a known schedule.
func (s SyncSchedule) Valid() bool {
	switch s {
	case ScheduleManual, ScheduleHourly, ScheduleEvery4h, ScheduleEvery12h, ScheduleDaily, ScheduleWeekly:
		return true
	}
	return false
}

// Tenant is a customer organization and the isolation boundary for all data.
type Tenant struct {
	ID       string
	Slug     string
	Plan     string
	Settings TenantSettings
	CreatedAt time.Time
}

// TenantSettings holds per-tenant display and locale preferences.
type TenantSettings struct {
	Currency   string `json:"currency"`
	Timezone   string `json:"timezone"`
	DateFormat string `json:"date_format"`
}

// Membership links a user to a tenant with a role.
type Membership struct {
	UserID   string
	TenantID string
	Role     Role
}

// Connection is a durable authorization between a tenant and one external
// banking provider instance.
type Connection struct {
	ID                     string
	TenantID               string
	ProviderID             string
	DisplayName            string
	Status                 ConnectionStatus
	IntegrationType        IntegrationType
	SyncSchedule           SyncSchedule
	SyncEnabled            bool
	LastSyncAt             *time.Time
	NextSyncAt             *time.Time
	LastSuccessAt          *time.Time
	LastError              string
	LastErrorAt            *time.Time
	ConsecutiveFailures    int
	HealthScore            int
	OAuthState             string // one-time, cleared on callback
	IsReconnection         bool
	ReconnectedFrom        string
	ReconnectionConfidence string
	LeaseExpiresAt         *time.Time
	CreatedBy              string
	CreatedAt              time.Time
}

// TokenStatus is the lifecycle state of a stored provider token.
type TokenStatus string

const (
	TokenActive  TokenStatus = "active"
	TokenRevoked TokenStatus = "revoked"
)

// Tokens is an ephemeral plaintext token bundle returned by the vault or a
// provider exchange. Never persisted unencrypted.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    *time.Time
	Scopes       []string
}

// ExpiresWithin reports whether the token is expired or expires within d.
// Tokens without an expiry never expire.
func (t Tokens) ExpiresWithin(d time.Duration, now time.Time) bool {
	if t.ExpiresAt == nil {
		return false
	}
	return !t.ExpiresAt.After(now.Add(d))
}

// ProviderToken is the encrypted-at-rest record of an OAuth token bundle.
// At most one active token exists per connection.
type ProviderToken struct {
	ID               string
	ConnectionID     string
	ProviderID       string
	AccessToken      []byte // ciphertext
	RefreshToken     []byte // ciphertext, may be empty
	TokenType        string
	ExpiresAt        *time.Time
	Scopes           []string
	ProviderUserID   string
	ProviderMetadata map[string]any
	Status           TokenStatus
	CreatedAt        time.Time
}

// BankingProviderCredential stores client-supplied direct-bank secrets as a
// map of named encrypted fields.
type BankingProviderCredential struct {
	ID              string
	TenantID        string
	ConnectionID    string
	ProviderID      string
	Environment     string
	EncryptedFields map[string][]byte
	Notes           string
	CreatedAt       time.Time
}

// ProviderAccount is the raw, provider-shaped account row.
type ProviderAccount struct {
	ID                string
	TenantID          string
	ConnectionID      string
	ProviderID        string
	ExternalAccountID string
	AccountType       string
	Currency          string
	Balance           int64 // minor units
	IBAN              string
	Status            string
	ProviderMetadata  map[string]any
	LastSyncedAt      *time.Time
	AccountID         string // canonical link, empty until created
}

// Account is the canonical, provider-agnostic account.
type Account struct {
	ID                string // surrogate
	AccountID         string // stable text key
	TenantID          string
	EntityID          string // empty means null
	AccountName       string
	AccountType       string
	Currency          string
	BalanceCurrent    int64
	BalanceAvailable  int64
	BalanceLedger     int64
	IBAN              string
	BIC               string
	BankName          string
	AccountStatus     string
	ConnectionID      string // empty for manual accounts
	ProviderID        string
	ExternalAccountID string
	CreatedBy         string
	CreatedAt         time.Time
}

// ConnectionSnapshot enriches an account with the state of its connection.
// Manual accounts carry a nil snapshot.
type ConnectionSnapshot struct {
	ProviderID       string `json:"provider_id"`
	ConnectionName   string `json:"connection_name"`
	ConnectionStatus string `json:"connection_status"`
}

// EnrichedAccount is the store projection used by callers of List.
type EnrichedAccount struct {
	Account
	Connection *ConnectionSnapshot
}

// TransactionType classifies the direction of a transaction.
type TransactionType string

const (
	TransactionCredit TransactionType = "credit"
	TransactionDebit  TransactionType = "debit"
)

// BookingStatus is the provider-reported settlement state.
type BookingStatus string

const (
	BookingBooked  BookingStatus = "booked"
	BookingPending BookingStatus = "pending"
)

// Transaction is the canonical transaction row.
type Transaction struct {
	TransactionID         string // surrogate
	TenantID              string
	AccountID             string
	Date                  time.Time
	ValueDate             *time.Time
	Amount                int64 // signed minor units
	Currency              string
	Type                  TransactionType
	Description           string
	Category              string
	MerchantName          string
	CounterpartyName      string
	CounterpartyIBAN      string
	Reference             string
	BookingStatus         BookingStatus
	TransactionTypeCode   string
	ConnectionID          string
	ExternalTransactionID string
	ImportJobID           string
	Removed               bool // soft delete, set by removed sync actions
	Metadata              map[string]any
}

// TypeForAmount derives credit/debit from the sign of a signed amount.
func TypeForAmount(amount int64) TransactionType {
	if amount >= 0 {
		return TransactionCredit
	}
	return TransactionDebit
}

// SyncAction is the change kind reported by a provider for a transaction.
type SyncAction string

const (
	SyncAdded    SyncAction = "added"
	SyncModified SyncAction = "modified"
	SyncRemoved  SyncAction = "removed"
)

// ProviderSyncCursor tracks incremental sync progress for one connection.
// A nil/empty cursor means the connection has never synced.
type ProviderSyncCursor struct {
	ConnectionID  string
	Cursor        string
	LastSyncAt    *time.Time
	LastPageCount int
	Added         int
	Modified      int
	Removed       int
	HasMore       bool
}

// RawTransaction is a staged, provider-shaped transaction awaiting import.
type RawTransaction struct {
	ID                    string
	TenantID              string
	ConnectionID          string
	ExternalTransactionID string
	SyncAction            SyncAction
	RawData               []byte // msgpack-encoded provider record
	LastUpdatedAt         time.Time
	ImportedToCanonical   bool
}

// JobStatus is the lifecycle state of an ingestion job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// IngestionJob records one sync run and its outcome counts.
type IngestionJob struct {
	ID               string
	TenantID         string
	ConnectionID     string
	JobType          string
	Status           JobStatus
	StartedAt        time.Time
	CompletedAt      *time.Time
	RecordsFetched   int
	RecordsProcessed int
	RecordsImported  int
	RecordsSkipped   int
	RecordsFailed    int
	ErrorMessage     string
	Summary          map[string]any
}

// ConnectionEventType classifies connection history events.
type ConnectionEventType string

const (
	EventConnected    ConnectionEventType = "connected"
	EventReconnection ConnectionEventType = "reconnection"
	EventTokenRefresh ConnectionEventType = "token_refresh"
	EventRevocation   ConnectionEventType = "revocation"
	EventError        ConnectionEventType = "error"
)

// ConnectionHistoryEvent is an append-only record of connection lifecycle
// transitions (reconnections, refreshes, revocations, errors).
type ConnectionHistoryEvent struct {
	ID                   string
	TenantID             string
	ConnectionID         string
	PreviousConnectionID string
	EventType            ConnectionEventType
	Payload              map[string]any
	CreatedAt            time.Time
}

// AdminAuditEvent is an append-only record of an administrative mutation.
type AdminAuditEvent struct {
	ID          string
	ActorUserID string
	Action      string
	TargetType  string
	TargetID    string
	Payload     map[string]any
	CreatedAt   time.Time
}

// HealthStatus classifies a health score or metric.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
)

// SystemHealthMetric is a fleet-level metric sample.
type SystemHealthMetric struct {
	ID         string
	MetricName string
	Value      float64
	Unit       string
	Status     HealthStatus
	RecordedAt time.Time
}
