package services

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/twcharge/ocpp-cs/models"
)

func TestSharePolicyDisabled(t *testing.T) {
	cs := models.CommunitySettings{Enabled: false, ContractKW: 10, VoltageV: 220}
	_, ok, coordinated := sharePolicy(cs, 2)
	assert.True(t, ok)
	assert.False(t, coordinated)

	cs = models.CommunitySettings{Enabled: true, ContractKW: 0, VoltageV: 220}
	_, ok, coordinated = sharePolicy(cs, 2)
	assert.True(t, ok)
	assert.False(t, coordinated)
}

func TestSharePolicyRejectsBelowMinimum(t *testing.T) {
	cs := models.CommunitySettings{
		Enabled: true, ContractKW: 7, VoltageV: 220,
		MinCurrentA: 16, MaxCurrentA: 32,
	}
	// total ≈ 31.8 A; a third session would average ≈ 10.6 A.
	_, ok, coordinated := sharePolicy(cs, 3)
	assert.True(t, coordinated)
	assert.False(t, ok)
}

func TestSharePolicyCapsAtMaximum(t *testing.T) {
	cs := models.CommunitySettings{
		Enabled: true, ContractKW: 22, VoltageV: 220,
		MinCurrentA: 6, MaxCurrentA: 32,
	}
	// total = 100 A; two sessions would average 50 A, above the cap.
	limit, ok, coordinated := sharePolicy(cs, 2)
	assert.True(t, coordinated)
	assert.True(t, ok)
	assert.Equal(t, 32.0, limit)
}

func TestSharePolicyEvenSplitRounded(t *testing.T) {
	cs := models.CommunitySettings{
		Enabled: true, ContractKW: 7, VoltageV: 220,
		MinCurrentA: 6, MaxCurrentA: 32,
	}
	limit, ok, coordinated := sharePolicy(cs, 2)
	assert.True(t, coordinated)
	assert.True(t, ok)
	assert.InDelta(t, 15.91, limit, 0.001)
}

func TestSharePolicyRebalanceAfterStop(t *testing.T) {
	cs := models.CommunitySettings{
		Enabled: true, ContractKW: 6.6, VoltageV: 220,
		MinCurrentA: 6, MaxCurrentA: 32,
	}
	// 30 A total: three sessions get 10 A each, two get 15 A.
	limit, ok, _ := sharePolicy(cs, 3)
	assert.True(t, ok)
	assert.Equal(t, 10.0, limit)

	limit, ok, _ = sharePolicy(cs, 2)
	assert.True(t, ok)
	assert.Equal(t, 15.0, limit)
}

func TestSettingsRoundTrip(t *testing.T) {
	db := newTestDB(t)
	smart := NewSmartCharging(db, nil)

	settings, err := smart.Settings()
	assert.NoError(t, err)
	assert.False(t, settings.Enabled)

	settings.Enabled = true
	settings.ContractKW = 7
	settings.VoltageV = 220
	settings.MinCurrentA = 6
	settings.MaxCurrentA = 32
	assert.NoError(t, smart.SaveSettings(settings))

	loaded, err := smart.Settings()
	assert.NoError(t, err)
	assert.True(t, loaded.Enabled)
	assert.Equal(t, 7.0, loaded.ContractKW)
	assert.Equal(t, 220.0, loaded.VoltageV)
}
