package registry

import (
	"errors"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helix-runtime/helixd/pkg/models"
)

func testDescriptors() []models.ModelDescriptor {
	return []models.ModelDescriptor{
		{ModelID: "cheap", ProviderID: "prov-a", PriceOutPer1K: 0.001, CapabilityTags: []string{"chat"}, Health: models.HealthUp},
		{ModelID: "mid", ProviderID: "prov-a", PriceOutPer1K: 0.005, CapabilityTags: []string{"chat", "agent-exec"}, Health: models.HealthUp},
		{ModelID: "premium", ProviderID: "prov-b", PriceOutPer1K: 0.015, CapabilityTags: []string{"chat", "agent-exec"}, Health: models.HealthUp},
	}
}

func TestRegistry_Candidates(t *testing.T) {
	r := New(testDescriptors())

	t.Run("sorted cheapest first", func(t *testing.T) {
		got := r.Candidates("chat")
		require.Len(t, got, 3)
		assert.Equal(t, "cheap", got[0].ModelID)
		assert.Equal(t, "premium", got[2].ModelID)
	})

	t.Run("input price ranks before output price", func(t *testing.T) {
		r2 := New([]models.ModelDescriptor{
			{ModelID: "pricey-in", ProviderID: "p", PriceInPer1K: 0.003, PriceOutPer1K: 0.001, CapabilityTags: []string{"chat"}, Health: models.HealthUp},
			{ModelID: "cheap-in", ProviderID: "p", PriceInPer1K: 0.001, PriceOutPer1K: 0.010, CapabilityTags: []string{"chat"}, Health: models.HealthUp},
			{ModelID: "cheap-in-b", ProviderID: "p", PriceInPer1K: 0.001, PriceOutPer1K: 0.002, CapabilityTags: []string{"chat"}, Health: models.HealthUp},
		})
		got := r2.Candidates("chat")
		require.Len(t, got, 3)
		assert.Equal(t, "cheap-in-b", got[0].ModelID, "output price breaks the input tie")
		assert.Equal(t, "cheap-in", got[1].ModelID)
		assert.Equal(t, "pricey-in", got[2].ModelID, "cheapest output alone does not win")
	})

	t.Run("capability filter", func(t *testing.T) {
		got := r.Candidates("agent-exec")
		require.Len(t, got, 2)
		assert.Equal(t, "mid", got[0].ModelID)
	})

	t.Run("down models excluded", func(t *testing.T) {
		r.SetHealth("cheap", models.HealthDown)
		got := r.Candidates("chat")
		require.Len(t, got, 2)
		assert.Equal(t, "mid", got[0].ModelID)
		r.SetHealth("cheap", models.HealthUp)
	})
}

func TestRegistry_BreakerDrivesHealth(t *testing.T) {
	r := New(testDescriptors())
	cb := r.Breaker("prov-a")
	require.NotNil(t, cb)

	boom := errors.New("provider exploded")
	for i := 0; i < 3; i++ {
		_, err := cb.Execute(func() (any, error) { return nil, boom })
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	// Open breaker marks every model of the provider down.
	for _, id := range []string{"cheap", "mid"} {
		d, ok := r.Get(id)
		require.True(t, ok)
		assert.Equal(t, models.HealthDown, d.Health)
	}
	d, _ := r.Get("premium")
	assert.Equal(t, models.HealthUp, d.Health)
}

func TestRegistry_GetUnknown(t *testing.T) {
	r := New(nil)
	_, ok := r.Get("nope")
	assert.False(t, ok)
	assert.Nil(t, r.Breaker("nope"))
}
