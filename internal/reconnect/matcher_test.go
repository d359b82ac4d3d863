package reconnect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cofferbank/coffer/internal/domain"
	"github.com/cofferbank/coffer/internal/providers"
)

func TestMatcherPrefersExternalIDOverIBAN(t *testing.T) {
	prior := []candidate{
		{account: domain.ProviderAccount{ID: "pa-1", ExternalAccountID: "ext-1", IBAN: "IT60X0542811101000000123456", AccountID: "acc-1"}},
		{account: domain.ProviderAccount{ID: "pa-2", ExternalAccountID: "ext-2", IBAN: "IT60X0542811101000000999999", AccountID: "acc-2"}},
	}
	raw := []providers.RawAccount{
		{ExternalAccountID: "ext-2", IBAN: "IT60X0542811101000000123456"},
	}

	matches := matchAccounts(prior, raw)
	require.Len(t, matches, 1)
	assert.Equal(t, "external_id", matches[0].Basis)
	assert.Equal(t, "pa-2", matches[0].Prior.ID)
}

func TestMatcherClaimsEachPriorOnce(t *testing.T) {
	prior := []candidate{
		{account: domain.ProviderAccount{ID: "pa-1", IBAN: "IT60X0542811101000000123456"}},
	}
	raw := []providers.RawAccount{
		{ExternalAccountID: "a", IBAN: "IT60X0542811101000000123456"},
		{ExternalAccountID: "b", IBAN: "IT60X0542811101000000123456"},
	}

	matches := matchAccounts(prior, raw)
	assert.Len(t, matches, 1)
}
