package config

import (
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cofferbank/coffer/internal/domain"
)

func validConfig() *Config {
	return &Config{
		VaultKey:       make([]byte, VaultKeySize),
		TickSecret:     "tick-secret",
		WorkerPoolSize: 8,
		Providers:      map[string]ProviderConfig{},
	}
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidateRejectsShortVaultKey(t *testing.T) {
	cfg := validConfig()
	cfg.VaultKey = make([]byte, 16)

	err := cfg.Validate()
	assert.ErrorIs(t, err, domain.ErrConfiguration)
	assert.Contains(t, err.Error(), "vault key")
}

func TestValidateRequiresTickSecret(t *testing.T) {
	cfg := validConfig()
	cfg.TickSecret = ""

	assert.ErrorIs(t, cfg.Validate(), domain.ErrConfiguration)
}

func TestValidateRejectsEnabledProviderWithoutCredentials(t *testing.T) {
	cfg := validConfig()
	cfg.Providers["plaid"] = ProviderConfig{Enabled: true}

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
	assert.Contains(t, err.Error(), "plaid")

	// Disabled providers may stay unconfigured.
	cfg.Providers["plaid"] = ProviderConfig{Enabled: false}
	assert.NoError(t, cfg.Validate())
}

func TestDecodeVaultKeyAcceptsHexAndBase64(t *testing.T) {
	raw := []byte(strings.Repeat("k", VaultKeySize))

	fromHex, err := decodeVaultKey(hex.EncodeToString(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, fromHex)

	fromB64, err := decodeVaultKey(base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, fromB64)

	_, err = decodeVaultKey("!!not-a-key!!")
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestBatchLimitPerBucket(t *testing.T) {
	cfg := validConfig()
	cfg.BatchHourly = 20
	cfg.BatchDaily = 50
	cfg.BatchDefault = 25

	assert.Equal(t, 20, cfg.BatchLimit(domain.ScheduleHourly))
	assert.Equal(t, 50, cfg.BatchLimit(domain.ScheduleDaily))
	assert.Equal(t, 25, cfg.BatchLimit(domain.ScheduleEvery4h))
	assert.Equal(t, 25, cfg.BatchLimit(domain.ScheduleWeekly))
}

func TestEnabledProviders(t *testing.T) {
	cfg := validConfig()
	cfg.Providers = map[string]ProviderConfig{
		"plaid":      {Enabled: true, ClientID: "id", ClientSecret: "secret"},
		"gocardless": {Enabled: false},
	}

	assert.Equal(t, []string{"plaid"}, cfg.EnabledProviders())
}
