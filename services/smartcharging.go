package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/twcharge/ocpp-cs/models"
	"github.com/twcharge/ocpp-cs/ocpp"
)

// SmartCharging distributes the community's contracted capacity across
// active sessions by pushing TxProfile SetChargingProfile calls.
type SmartCharging struct {
	db       *sql.DB
	registry *ocpp.Registry

	mu      sync.Mutex
	applied map[string]AppliedLimit
}

// AppliedLimit is the last limit outcome per charge point.
type AppliedLimit struct {
	LimitA    float64 `json:"limit_a"`
	Accepted  bool    `json:"accepted"`
	AppliedAt string  `json:"applied_at"`
}

func NewSmartCharging(db *sql.DB, registry *ocpp.Registry) *SmartCharging {
	return &SmartCharging{
		db:       db,
		registry: registry,
		applied:  make(map[string]AppliedLimit),
	}
}

func (s *SmartCharging) Settings() (models.CommunitySettings, error) {
	var cs models.CommunitySettings
	var enabled int
	err := s.db.QueryRow(`
		SELECT enabled, contract_kw, voltage_v, phases, min_current_a, max_current_a
		FROM community_settings WHERE id = 1
	`).Scan(&enabled, &cs.ContractKW, &cs.VoltageV, &cs.Phases, &cs.MinCurrentA, &cs.MaxCurrentA)
	if err != nil {
		return cs, fmt.Errorf("load community settings: %w", err)
	}
	cs.Enabled = enabled != 0
	return cs, nil
}

func (s *SmartCharging) SaveSettings(cs models.CommunitySettings) error {
	enabled := 0
	if cs.Enabled {
		enabled = 1
	}
	_, err := s.db.Exec(`
		UPDATE community_settings
		SET enabled = ?, contract_kw = ?, voltage_v = ?, phases = ?, min_current_a = ?, max_current_a = ?
		WHERE id = 1
	`, enabled, cs.ContractKW, cs.VoltageV, cs.Phases, cs.MinCurrentA, cs.MaxCurrentA)
	if err != nil {
		return fmt.Errorf("save community settings: %w", err)
	}
	return nil
}

// SharePolicy returns the per-session current for activeCount sessions.
// coordinated is false when the feature is off (sessions run at their
// CP's own ceiling); ok is false when the average would fall below the
// configured per-session minimum.
func (s *SmartCharging) SharePolicy(activeCount int) (limit float64, ok bool, coordinated bool) {
	cs, err := s.Settings()
	if err != nil {
		log.Printf("[SMART] settings unavailable, skipping coordination: %v", err)
		return 0, true, false
	}
	return sharePolicy(cs, activeCount)
}

func sharePolicy(cs models.CommunitySettings, activeCount int) (limit float64, ok bool, coordinated bool) {
	if !cs.Enabled || cs.ContractKW <= 0 || cs.VoltageV <= 0 || activeCount < 1 {
		return 0, true, false
	}
	totalA := cs.ContractKW * 1000 / cs.VoltageV
	avg := totalA / float64(activeCount)
	if avg < cs.MinCurrentA {
		return 0, false, true
	}
	if avg > cs.MaxCurrentA {
		return cs.MaxCurrentA, true, true
	}
	return Round2(avg), true, true
}

type activeSession struct {
	txID        int64
	cpID        string
	connectorID int
}

func (s *SmartCharging) activeSessions() ([]activeSession, error) {
	rows, err := s.db.Query(`
		SELECT transaction_id, charge_point_id, connector_id
		FROM transactions WHERE stop_timestamp IS NULL
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := []activeSession{}
	for rows.Next() {
		var a activeSession
		if err := rows.Scan(&a.txID, &a.cpID, &a.connectorID); err != nil {
			continue
		}
		sessions = append(sessions, a)
	}
	return sessions, nil
}

// Rebalance recomputes the shared limit and pushes it to every
// connected, capable charge point with an active session. Failures are
// logged per CP and never block the others.
func (s *SmartCharging) Rebalance(reason string) {
	sessions, err := s.activeSessions()
	if err != nil {
		log.Printf("[SMART] rebalance (%s): cannot list sessions: %v", reason, err)
		return
	}
	if len(sessions) == 0 {
		return
	}

	limit, ok, coordinated := s.SharePolicy(len(sessions))
	if !coordinated {
		return
	}
	if !ok {
		// Over capacity already; existing sessions keep their last
		// applied limit, admission stops new ones.
		log.Printf("[SMART] rebalance (%s): %d sessions exceed capacity, holding limits",
			reason, len(sessions))
		return
	}

	log.Printf("[SMART] rebalance (%s): %d active sessions, %.2f A each", reason, len(sessions), limit)
	for _, a := range sessions {
		if err := s.ApplyLimit(a.cpID, a.connectorID, a.txID, limit); err != nil {
			log.Printf("[SMART] %s: apply %.2f A failed: %v", a.cpID, limit, err)
		}
	}
}

// ApplyLimit pushes a transaction-scoped charging profile. The first
// attempt doubles as the capability probe: a NotImplemented/NotSupported
// answer latches the session as incapable and later rebalances skip it.
func (s *SmartCharging) ApplyLimit(cpID string, connectorID int, txID int64, limitA float64) error {
	session, ok := s.registry.Get(cpID)
	if !ok {
		return ErrNotConnected
	}
	if supported, known := session.SmartChargingCapability(); known && !supported {
		return nil
	}

	payload := map[string]any{
		"connectorId": connectorID,
		"csChargingProfiles": map[string]any{
			"chargingProfileId":      txID % 100000,
			"transactionId":          txID,
			"stackLevel":             1,
			"chargingProfilePurpose": "TxProfile",
			"chargingProfileKind":    "Absolute",
			"chargingSchedule": map[string]any{
				"chargingRateUnit": "A",
				"chargingSchedulePeriod": []map[string]any{
					{"startPeriod": 0, "limit": limitA, "numberPhases": 1},
				},
			},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), ocpp.DefaultCallTimeout)
	defer cancel()

	var result struct {
		Status string `json:"status"`
	}
	err := session.Call(ctx, "SetChargingProfile", payload, &result)
	if err != nil {
		if isNotSupported(err) {
			log.Printf("[SMART] %s: does not support SetChargingProfile, latching off", cpID)
			session.LatchSmartCharging(false)
			return nil
		}
		return err
	}

	session.LatchSmartCharging(true)
	accepted := result.Status == "Accepted"
	s.mu.Lock()
	s.applied[cpID] = AppliedLimit{LimitA: limitA, Accepted: accepted, AppliedAt: NowUTC()}
	s.mu.Unlock()

	if !accepted {
		log.Printf("[SMART] %s: SetChargingProfile answered %s", cpID, result.Status)
	} else {
		log.Printf("[SMART] %s: limit %.2f A applied (tx %d)", cpID, limitA, txID)
	}
	return nil
}

func isNotSupported(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "NotImplemented") || strings.Contains(msg, "NotSupported")
}

// PushCurrentLimit applies a charge point's own ceiling immediately to
// its in-progress session. Used when an admin changes the per-CP limit
// while coordination is disabled.
func (s *SmartCharging) PushCurrentLimit(cpID string, limitA float64) error {
	var txID int64
	var connectorID int
	err := s.db.QueryRow(`
		SELECT transaction_id, connector_id FROM transactions
		WHERE charge_point_id = ? AND stop_timestamp IS NULL
	`, cpID).Scan(&txID, &connectorID)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	return s.ApplyLimit(cpID, connectorID, txID, limitA)
}

func (s *SmartCharging) AppliedLimits() map[string]AppliedLimit {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]AppliedLimit, len(s.applied))
	for k, v := range s.applied {
		out[k] = v
	}
	return out
}
