package providers

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cofferbank/coffer/internal/domain"
)

type stubAdapter struct {
	Adapter
	id string
}

func (s *stubAdapter) Descriptor() Descriptor {
	return Descriptor{ID: s.id, IntegrationType: domain.IntegrationLinkTokenExchange}
}

func TestRegistryResolvesById(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	reg.Register(&stubAdapter{id: "plaid"})
	reg.Register(&stubAdapter{id: "sella"})

	a, err := reg.Get("plaid")
	require.NoError(t, err)
	assert.Equal(t, "plaid", a.Descriptor().ID)

	descriptors := reg.Descriptors()
	require.Len(t, descriptors, 2)
	assert.Equal(t, "plaid", descriptors[0].ID)
	assert.Equal(t, "sella", descriptors[1].ID)
}

func TestRegistryUnknownProvider(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())

	_, err := reg.Get("monzo")
	require.Error(t, err)

	var notFound *domain.ProviderNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "monzo", notFound.ProviderID)
}

func TestGateLimitsConcurrency(t *testing.T) {
	g := NewGate(6000, 2) // high rate so only the slots matter

	ctx := context.Background()
	require.NoError(t, g.Acquire(ctx))
	require.NoError(t, g.Acquire(ctx))

	// Third acquire must block until a slot frees.
	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := g.Acquire(blocked)
	assert.ErrorIs(t, err, domain.ErrRateLimited)

	g.Release()
	require.NoError(t, g.Acquire(ctx))
}

func TestGateRateLimitMapsToRateLimited(t *testing.T) {
	g := NewGate(1, 10) // one call per minute

	ctx := context.Background()
	require.NoError(t, g.Acquire(ctx))

	fast, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := g.Acquire(fast)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestGateSetDefaultsAndConfiguration(t *testing.T) {
	set := NewGateSet()
	set.Configure("plaid", 600, 8)

	assert.Same(t, set.For("plaid"), set.For("plaid"))
	assert.NotNil(t, set.For("never-configured"))
}
