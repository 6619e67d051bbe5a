package health

import (
	"errors"
	"math/rand/v2"
	"sort"
	"testing"
	"time"

	"github.com/retailshift/relay/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := NewRegistry(DefaultSeed(), time.Unix(1700000000, 0).UTC())
	require.NoError(t, err)
	return reg
}

func TestRegistryDefaultSeed(t *testing.T) {
	reg := newTestRegistry(t)

	services := reg.Services()
	require.Len(t, services, 5)
	assert.Equal(t, "legacy-adapter-1", services[0].ID)
	assert.Equal(t, domain.StatusWarning, services[2].Status)

	databases := reg.Databases()
	require.Len(t, databases, 3)
	assert.Equal(t, "redis", databases[2].Type)

	assert.Equal(t, domain.StatusActive, reg.Bus().Status)
	assert.Equal(t, 4, reg.Bus().Topics)
	assert.Len(t, reg.IDs(), 8)
}

func TestRegistryRejectsInvalidSeed(t *testing.T) {
	_, err := NewRegistry(Seed{Services: []ServiceSeed{
		{ID: "a", Status: domain.StatusActive},
		{ID: "a", Status: domain.StatusActive},
	}}, time.Now())
	assert.Error(t, err)

	_, err = NewRegistry(Seed{Services: []ServiceSeed{{ID: "a", Status: "sleepy"}}}, time.Now())
	assert.Error(t, err)

	_, err = NewRegistry(Seed{Databases: []DatabaseSeed{{ID: "", Status: domain.StatusActive}}}, time.Now())
	assert.Error(t, err)
}

func TestRegistryApply(t *testing.T) {
	reg := newTestRegistry(t)
	at := time.Unix(1700000100, 0).UTC()

	changed, err := reg.Apply(Update{ID: "inventory-service-1", Status: domain.StatusError, At: at})
	require.NoError(t, err)
	assert.True(t, changed)

	status, ok := reg.Status("inventory-service-1")
	require.True(t, ok)
	assert.Equal(t, domain.StatusError, status)
	assert.Equal(t, at, reg.Services()[1].LastSeen)

	// Same status only refreshes last seen
	later := at.Add(time.Minute)
	changed, err = reg.Apply(Update{ID: "inventory-service-1", Status: domain.StatusError, At: later})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, later, reg.Services()[1].LastSeen)

	changed, err = reg.Apply(Update{ID: "redis-1", Status: domain.StatusWarning, At: at})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, domain.StatusWarning, reg.Databases()[2].Status)
}

func TestRegistryApplyUnknownID(t *testing.T) {
	reg := newTestRegistry(t)
	before := reg.IDs()

	_, err := reg.Apply(Update{ID: "payments-service-1", Status: domain.StatusError, At: time.Now()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownService))
	assert.Equal(t, before, reg.IDs())

	_, err = reg.Apply(Update{ID: "redis-1", Status: "degraded", At: time.Now()})
	assert.Error(t, err)
}

func TestRegistrySnapshotsAreCopies(t *testing.T) {
	reg := newTestRegistry(t)

	services := reg.Services()
	services[0].Status = domain.StatusError

	status, _ := reg.Status(services[0].ID)
	assert.Equal(t, domain.StatusActive, status)
}

func TestPerturbationNeverChangesMembership(t *testing.T) {
	reg := newTestRegistry(t)
	p := NewPerturber(1.0, rand.New(rand.NewPCG(1, 2)), nil)

	want := reg.IDs()
	sort.Strings(want)

	for i := 0; i < 500; i++ {
		u, ok := p.Perturb(reg.ServiceIDs())
		require.True(t, ok)
		_, err := reg.Apply(u)
		require.NoError(t, err)
	}

	got := reg.IDs()
	sort.Strings(got)
	assert.Equal(t, want, got)
}

func TestPerturberProbability(t *testing.T) {
	ids := []string{"a", "b", "c"}

	never := NewPerturber(0, rand.New(rand.NewPCG(3, 4)), nil)
	for i := 0; i < 100; i++ {
		_, ok := never.Perturb(ids)
		assert.False(t, ok)
	}

	always := NewPerturber(1, rand.New(rand.NewPCG(5, 6)), nil)
	seen := make(map[string]bool)
	statuses := make(map[domain.ServiceStatus]bool)
	for i := 0; i < 300; i++ {
		u, ok := always.Perturb(ids)
		require.True(t, ok)
		seen[u.ID] = true
		statuses[u.Status] = true
	}
	assert.Len(t, seen, 3)
	assert.Len(t, statuses, 3)

	_, ok := always.Perturb(nil)
	assert.False(t, ok)
}

func TestPerturberDefaultRateIsRare(t *testing.T) {
	p := NewPerturber(DefaultPerturbProbability, rand.New(rand.NewPCG(7, 8)), nil)

	hits := 0
	for i := 0; i < 10000; i++ {
		if _, ok := p.Perturb([]string{"a"}); ok {
			hits++
		}
	}
	assert.InDelta(t, 500, hits, 150)
}
