package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphonse-agent/nerve/pkg/models"
)

func TestHouseholdStorePrincipals(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	p := models.Principal{
		ID: "anna", Name: "anna", DisplayName: "Anna",
		ChannelType: "api", Address: "anna@home",
	}
	require.NoError(t, s.Household.UpsertPrincipal(ctx, p))

	p.DisplayName = "Anna B."
	require.NoError(t, s.Household.UpsertPrincipal(ctx, p))

	got, err := s.Household.PrincipalByName(ctx, "anna")
	require.NoError(t, err)
	assert.Equal(t, "Anna B.", got.DisplayName)

	all, err := s.Household.ListPrincipals(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = s.Household.GetPrincipal(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHouseholdStorePreferences(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	_, err := s.Household.GetPreference(ctx, "tone")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Household.SetPreference(ctx, "tone", "brief"))
	got, err := s.Household.GetPreference(ctx, "tone")
	require.NoError(t, err)
	assert.Equal(t, "brief", got)

	require.NoError(t, s.Household.DeletePreference(ctx, "tone"))
	_, err = s.Household.GetPreference(ctx, "tone")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHouseholdStoreDNDUntil(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	until, err := s.Household.DNDUntil(ctx)
	require.NoError(t, err)
	assert.True(t, until.IsZero(), "unset reads as zero")

	horizon := time.Now().Add(8 * time.Hour).Truncate(time.Second)
	require.NoError(t, s.Household.SetPreference(ctx, PrefDNDUntil, horizon.Format(time.RFC3339)))

	until, err = s.Household.DNDUntil(ctx)
	require.NoError(t, err)
	assert.True(t, until.Equal(horizon))

	// Garbage reads as unset rather than wedging delivery.
	require.NoError(t, s.Household.SetPreference(ctx, PrefDNDUntil, "whenever"))
	until, err = s.Household.DNDUntil(ctx)
	require.NoError(t, err)
	assert.True(t, until.IsZero())
}

func TestHouseholdStoreLocations(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	require.NoError(t, s.Household.UpsertLocation(ctx, models.Location{
		Name: "home", Latitude: 52.52, Longitude: 13.405, Address: "Berlin",
	}))
	require.NoError(t, s.Household.UpsertLocation(ctx, models.Location{
		Name: "home", Latitude: 52.53, Longitude: 13.41, Address: "Berlin, moved",
	}))

	got, err := s.Household.LocationByName(ctx, "home")
	require.NoError(t, err)
	assert.Equal(t, "Berlin, moved", got.Address)

	all, err := s.Household.ListLocations(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestTemplateStoreEnsureVersusSet(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	require.NoError(t, s.Templates.Ensure(ctx, "clarify.intent", "Could you say more?"))
	require.NoError(t, s.Templates.Ensure(ctx, "clarify.intent", "OVERWRITE ATTEMPT"))

	got, err := s.Templates.Get(ctx, "clarify.intent")
	require.NoError(t, err)
	assert.Equal(t, "Could you say more?", got, "Ensure never overwrites")

	require.NoError(t, s.Templates.Set(ctx, "clarify.intent", "Tell me more."))
	got, err = s.Templates.Get(ctx, "clarify.intent")
	require.NoError(t, err)
	assert.Equal(t, "Tell me more.", got)

	all, err := s.Templates.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = s.Templates.Get(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}
