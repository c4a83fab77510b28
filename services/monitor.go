package services

import (
	"database/sql"
	"log"
	"time"
)

// BalanceMonitor is the safety net behind the streaming auto-stop: a
// periodic sweep that remote-stops any active session whose card ran
// dry while MeterValues were silent.
type BalanceMonitor struct {
	db       *sql.DB
	engine   *TransactionEngine
	interval time.Duration
	stopCh   chan struct{}
}

func NewBalanceMonitor(db *sql.DB, engine *TransactionEngine, interval time.Duration) *BalanceMonitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &BalanceMonitor{
		db:       db,
		engine:   engine,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

func (m *BalanceMonitor) Start() {
	log.Printf("[MONITOR] balance sweep every %v", m.interval)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopCh:
			return
		}
	}
}

func (m *BalanceMonitor) Stop() {
	close(m.stopCh)
}

func (m *BalanceMonitor) sweep() {
	rows, err := m.db.Query(`
		SELECT t.transaction_id, t.charge_point_id, c.balance
		FROM transactions t
		JOIN cards c ON c.card_id = t.id_tag
		WHERE t.stop_timestamp IS NULL
	`)
	if err != nil {
		log.Printf("[MONITOR] sweep query failed: %v", err)
		return
	}
	defer rows.Close()

	for rows.Next() {
		var txID int64
		var cpID string
		var balance float64
		if err := rows.Scan(&txID, &cpID, &balance); err != nil {
			continue
		}
		if balance <= 0 {
			log.Printf("[MONITOR] %s: tx %d has empty card, requesting stop", cpID, txID)
			m.engine.RequestRemoteStop(cpID, txID)
		}
	}
}
