// Package tenancy manages tenants, memberships, and the access scopes that
// every tenant-scoped repository operation requires. A Scope proves that a
// principal is a member of the tenant it targets; repositories refuse to
// operate without one.
package tenancy

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cofferbank/coffer/internal/database"
	"github.com/cofferbank/coffer/internal/domain"
)

// Principal identifies an authenticated user. SuperAdmin principals may
// obtain fleet-wide read scopes through the admin service (which audits the
// access); they get no implicit tenant membership.
type Principal struct {
	UserID     string
	SuperAdmin bool
}

// Scope is a proven (principal, tenant, role) triple. All tenant-scoped
// repository operations take a Scope and bind their queries to its TenantID.
type Scope struct {
	UserID   string
	TenantID string
	Role     domain.Role
}

// CanWrite reports whether the scope permits mutations.
func (s Scope) CanWrite() bool { return s.Role.CanWrite() }

// Repository handles tenant and membership persistence on core.db.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new tenancy repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "tenancy").Logger(),
	}
}

// CreateTenant creates a tenant and its first owner membership atomically.
// Every tenant has at least one owner from the moment it exists.
func (r *Repository) CreateTenant(slug, plan, ownerUserID string, settings domain.TenantSettings) (*domain.Tenant, error) {
	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tenant settings: %w", err)
	}

	tenant := &domain.Tenant{
		ID:        uuid.NewString(),
		Slug:      slug,
		Plan:      plan,
		Settings:  settings,
		CreatedAt: time.Now().UTC(),
	}

	err = database.WithTransaction(r.db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO tenants (id, slug, plan, settings, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, tenant.ID, tenant.Slug, tenant.Plan, string(settingsJSON), tenant.CreatedAt.Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("failed to insert tenant: %w", err)
		}

		_, err = tx.Exec(`
			INSERT INTO memberships (user_id, tenant_id, role)
			VALUES (?, ?, ?)
		`, ownerUserID, tenant.ID, string(domain.RoleOwner))
		if err != nil {
			return fmt.Errorf("failed to insert owner membership: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.log.Info().Str("tenant_id", tenant.ID).Str("slug", slug).Msg("Tenant created")
	return tenant, nil
}

// GetTenant retrieves a tenant by id.
func (r *Repository) GetTenant(tenantID string) (*domain.Tenant, error) {
	var t domain.Tenant
	var settingsJSON, createdAt string

	err := r.db.QueryRow(`
		SELECT id, slug, plan, settings, created_at FROM tenants WHERE id = ?
	`, tenantID).Scan(&t.ID, &t.Slug, &t.Plan, &settingsJSON, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant %s: %w", tenantID, err)
	}

	if err := json.Unmarshal([]byte(settingsJSON), &t.Settings); err != nil {
		return nil, fmt.Errorf("failed to parse tenant settings: %w", err)
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)

	return &t, nil
}

// AddMembership adds or updates a user's role within a tenant.
func (r *Repository) AddMembership(tenantID, userID string, role domain.Role) error {
	_, err := r.db.Exec(`
		INSERT INTO memberships (user_id, tenant_id, role)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id, tenant_id) DO UPDATE SET role = excluded.role
	`, userID, tenantID, string(role))
	if err != nil {
		return fmt.Errorf("failed to add membership: %w", err)
	}
	return nil
}

// RemoveMembership removes a user from a tenant. Removing the last owner is
// refused: a tenant always keeps at least one owner.
func (r *Repository) RemoveMembership(tenantID, userID string) error {
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		var role string
		err := tx.QueryRow(`
			SELECT role FROM memberships WHERE user_id = ? AND tenant_id = ?
		`, userID, tenantID).Scan(&role)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to look up membership: %w", err)
		}

		if domain.Role(role) == domain.RoleOwner {
			var owners int
			err := tx.QueryRow(`
				SELECT COUNT(*) FROM memberships WHERE tenant_id = ? AND role = 'owner'
			`, tenantID).Scan(&owners)
			if err != nil {
				return fmt.Errorf("failed to count owners: %w", err)
			}
			if owners <= 1 {
				return fmt.Errorf("cannot remove the last owner of tenant %s", tenantID)
			}
		}

		_, err = tx.Exec(`DELETE FROM memberships WHERE user_id = ? AND tenant_id = ?`, userID, tenantID)
		if err != nil {
			return fmt.Errorf("failed to remove membership: %w", err)
		}
		return nil
	})
}

// ScopeFor resolves a principal's scope on a tenant. Principals without a
// membership get domain.ErrTenantIsolation; this is the single entry point
// through which every tenant-scoped operation is authorized.
func (r *Repository) ScopeFor(p Principal, tenantID string) (Scope, error) {
	var role string
	err := r.db.QueryRow(`
		SELECT role FROM memberships WHERE user_id = ? AND tenant_id = ?
	`, p.UserID, tenantID).Scan(&role)
	if err == sql.ErrNoRows {
		return Scope{}, fmt.Errorf("%w: user %s has no membership in tenant %s",
			domain.ErrTenantIsolation, p.UserID, tenantID)
	}
	if err != nil {
		return Scope{}, fmt.Errorf("failed to resolve scope: %w", err)
	}

	return Scope{UserID: p.UserID, TenantID: tenantID, Role: domain.Role(role)}, nil
}

// SystemScope returns an internal scope used by the sync engine and
// scheduler, which operate on behalf of the platform rather than a user.
func SystemScope(tenantID string) Scope {
	return Scope{UserID: "system", TenantID: tenantID, Role: domain.RoleAdmin}
}
