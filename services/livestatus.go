package services

import (
	"sync"
	"time"

	"github.com/twcharge/ocpp-cs/models"
)

// DefaultLiveStatusTTL marks a charge point's snapshot stale when no
// sample arrived within it.
const DefaultLiveStatusTTL = 15 * time.Second

type liveEntry struct {
	status     models.LiveStatus
	lastUpdate time.Time
}

// LiveStatusCache holds the rolling V/I/P/kWh/cost view per charge
// point. Stale reads zero the instantaneous electrics but keep the last
// known energy and estimated amount so the bill survives a quiet wire.
type LiveStatusCache struct {
	mu  sync.RWMutex
	m   map[string]*liveEntry
	ttl time.Duration

	// test hook
	now func() time.Time
}

func NewLiveStatusCache(ttl time.Duration) *LiveStatusCache {
	if ttl <= 0 {
		ttl = DefaultLiveStatusTTL
	}
	return &LiveStatusCache{
		m:   make(map[string]*liveEntry),
		ttl: ttl,
		now: time.Now,
	}
}

// Update applies mutate to the charge point's record under the lock and
// refreshes its liveness clock.
func (c *LiveStatusCache) Update(cpID string, mutate func(*models.LiveStatus)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[cpID]
	if !ok {
		e = &liveEntry{status: models.LiveStatus{ChargePointID: cpID}}
		c.m[cpID] = e
	}
	mutate(&e.status)
	e.lastUpdate = c.now()
}

// Snapshot returns the current view. After the TTL the instantaneous
// fields read as zero and the snapshot is flagged stale/derived.
func (c *LiveStatusCache) Snapshot(cpID string) (models.LiveStatus, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.m[cpID]
	if !ok {
		return models.LiveStatus{ChargePointID: cpID}, false
	}
	s := e.status
	if c.now().Sub(e.lastUpdate) > c.ttl {
		s.Voltage = 0
		s.Current = 0
		s.PowerKW = 0
		s.Stale = true
		s.Derived = true
	}
	return s, true
}

// ResetSession zeroes the record for a fresh transaction.
func (c *LiveStatusCache) ResetSession(cpID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[cpID] = &liveEntry{
		status:     models.LiveStatus{ChargePointID: cpID},
		lastUpdate: c.now(),
	}
}

// ClearOnStop zeroes everything except the session's final energy,
// which carries over so the UI can show what was just delivered.
func (c *LiveStatusCache) ClearOnStop(cpID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[cpID]
	if !ok {
		return
	}
	energy := e.status.EnergyKWh
	c.m[cpID] = &liveEntry{
		status: models.LiveStatus{
			ChargePointID: cpID,
			EnergyKWh:     energy,
		},
		lastUpdate: c.now(),
	}
}

func (c *LiveStatusCache) Remove(cpID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, cpID)
}
