package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twcharge/ocpp-cs/models"
)

func TestLiveStatusFreshSnapshot(t *testing.T) {
	cache := NewLiveStatusCache(15 * time.Second)
	cache.Update("CP-1", func(s *models.LiveStatus) {
		s.Voltage = 230
		s.Current = 16
		s.PowerKW = 3.68
		s.EnergyKWh = 1.25
		s.EstimatedAmount = 7.5
	})

	snap, ok := cache.Snapshot("CP-1")
	require.True(t, ok)
	assert.Equal(t, 230.0, snap.Voltage)
	assert.Equal(t, 3.68, snap.PowerKW)
	assert.False(t, snap.Stale)
}

func TestLiveStatusStaleZeroesElectricsKeepsBill(t *testing.T) {
	now := time.Now()
	cache := NewLiveStatusCache(15 * time.Second)
	cache.now = func() time.Time { return now }

	cache.Update("CP-1", func(s *models.LiveStatus) {
		s.Voltage = 230
		s.Current = 16
		s.PowerKW = 3.68
		s.EnergyKWh = 2.0
		s.EstimatedAmount = 12.0
	})

	cache.now = func() time.Time { return now.Add(16 * time.Second) }

	snap, ok := cache.Snapshot("CP-1")
	require.True(t, ok)
	assert.True(t, snap.Stale)
	assert.True(t, snap.Derived)
	assert.Zero(t, snap.Voltage)
	assert.Zero(t, snap.Current)
	assert.Zero(t, snap.PowerKW)
	assert.Equal(t, 2.0, snap.EnergyKWh)
	assert.Equal(t, 12.0, snap.EstimatedAmount)
}

func TestLiveStatusClearOnStopCarriesEnergy(t *testing.T) {
	cache := NewLiveStatusCache(15 * time.Second)
	cache.Update("CP-1", func(s *models.LiveStatus) {
		s.Voltage = 230
		s.PowerKW = 3.68
		s.EnergyKWh = 4.5
		s.EstimatedAmount = 27.0
	})

	cache.ClearOnStop("CP-1")

	snap, ok := cache.Snapshot("CP-1")
	require.True(t, ok)
	assert.Zero(t, snap.Voltage)
	assert.Zero(t, snap.PowerKW)
	assert.Zero(t, snap.EstimatedAmount)
	assert.Equal(t, 4.5, snap.EnergyKWh)
}

func TestLiveStatusResetSession(t *testing.T) {
	cache := NewLiveStatusCache(15 * time.Second)
	cache.Update("CP-1", func(s *models.LiveStatus) {
		s.EnergyKWh = 4.5
		s.EstimatedAmount = 27.0
	})

	cache.ResetSession("CP-1")

	snap, ok := cache.Snapshot("CP-1")
	require.True(t, ok)
	assert.Zero(t, snap.EnergyKWh)
	assert.Zero(t, snap.EstimatedAmount)
	assert.False(t, snap.Stale)
}

func TestLiveStatusUnknownChargePoint(t *testing.T) {
	cache := NewLiveStatusCache(15 * time.Second)
	snap, ok := cache.Snapshot("CP-404")
	assert.False(t, ok)
	assert.Equal(t, "CP-404", snap.ChargePointID)
}
