package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twcharge/ocpp-cs/models"
	"github.com/twcharge/ocpp-cs/ocpp"
)

// RemoteStopWait bounds the end-to-end wait for a charge point to
// answer a RemoteStopTransaction with its own StopTransaction.
const RemoteStopWait = 15 * time.Second

var (
	ErrNotConnected        = errors.New("charge point not connected")
	ErrNoActiveTransaction = errors.New("no active transaction")
	ErrStopTimeout         = errors.New("charge point did not stop in time")
)

// StartDecision is the admission result for a StartTransaction, also
// exposed through the dry-run debug endpoint.
type StartDecision struct {
	Status string  `json:"status"`
	Reason string  `json:"reason,omitempty"`
	Limit  float64 `json:"allowed_current_a,omitempty"`
}

// TransactionEngine owns the per-transaction state machine.
type TransactionEngine struct {
	db       *sql.DB
	registry *ocpp.Registry
	cache    *LiveStatusCache
	tariff   *TariffService
	smart    *SmartCharging

	stop *stopCoordinator

	events EventSink
}

// EventSink receives lifecycle notifications (MQTT fanout). May be nil.
type EventSink interface {
	PublishEvent(cpID, event string, detail map[string]any)
}

func NewTransactionEngine(db *sql.DB, registry *ocpp.Registry, cache *LiveStatusCache, tariff *TariffService) *TransactionEngine {
	return &TransactionEngine{
		db:       db,
		registry: registry,
		cache:    cache,
		tariff:   tariff,
		stop:     newStopCoordinator(),
	}
}

func (e *TransactionEngine) SetSmartCharging(s *SmartCharging) { e.smart = s }
func (e *TransactionEngine) SetEventSink(sink EventSink)       { e.events = sink }

// ActiveTransaction returns the open transaction for a charge point, or
// ErrNoActiveTransaction.
func (e *TransactionEngine) ActiveTransaction(cpID string) (*models.Transaction, error) {
	row := e.db.QueryRow(`
		SELECT transaction_id, charge_point_id, connector_id, id_tag,
		       meter_start, start_timestamp, meter_stop, stop_timestamp, stop_reason
		FROM transactions
		WHERE charge_point_id = ? AND stop_timestamp IS NULL
		ORDER BY start_timestamp DESC LIMIT 1
	`, cpID)
	return scanTransaction(row)
}

func (e *TransactionEngine) ActiveOnConnector(cpID string, connectorID int) (*models.Transaction, error) {
	row := e.db.QueryRow(`
		SELECT transaction_id, charge_point_id, connector_id, id_tag,
		       meter_start, start_timestamp, meter_stop, stop_timestamp, stop_reason
		FROM transactions
		WHERE charge_point_id = ? AND connector_id = ? AND stop_timestamp IS NULL
	`, cpID, connectorID)
	return scanTransaction(row)
}

func (e *TransactionEngine) Transaction(txID int64) (*models.Transaction, error) {
	row := e.db.QueryRow(`
		SELECT transaction_id, charge_point_id, connector_id, id_tag,
		       meter_start, start_timestamp, meter_stop, stop_timestamp, stop_reason
		FROM transactions WHERE transaction_id = ?
	`, txID)
	return scanTransaction(row)
}

func (e *TransactionEngine) LastFinishedTransaction(cpID string) (*models.Transaction, error) {
	row := e.db.QueryRow(`
		SELECT transaction_id, charge_point_id, connector_id, id_tag,
		       meter_start, start_timestamp, meter_stop, stop_timestamp, stop_reason
		FROM transactions
		WHERE charge_point_id = ? AND stop_timestamp IS NOT NULL
		ORDER BY stop_timestamp DESC LIMIT 1
	`, cpID)
	return scanTransaction(row)
}

func scanTransaction(row *sql.Row) (*models.Transaction, error) {
	var t models.Transaction
	err := row.Scan(
		&t.TransactionID, &t.ChargePointID, &t.ConnectorID, &t.IdTag,
		&t.MeterStart, &t.StartTime, &t.MeterStop, &t.StopTime, &t.StopReason,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNoActiveTransaction
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (e *TransactionEngine) countActive() (int, error) {
	var n int
	err := e.db.QueryRow(
		"SELECT COUNT(*) FROM transactions WHERE stop_timestamp IS NULL",
	).Scan(&n)
	return n, err
}

// CheckStart runs the admission checks without side effects. A real
// StartTransaction at the same instant reaches the same decision.
func (e *TransactionEngine) CheckStart(cpID, idTag string) StartDecision {
	var tagStatus string
	var expiry sql.NullString
	err := e.db.QueryRow(
		"SELECT status, expiry_date FROM id_tags WHERE id_tag = ?", idTag,
	).Scan(&tagStatus, &expiry)
	if err == sql.ErrNoRows {
		return StartDecision{Status: "Invalid", Reason: "unknown idTag"}
	}
	if err != nil {
		return StartDecision{Status: "Invalid", Reason: "database error"}
	}
	if expiry.Valid {
		if exp, ok := ParseTimestamp(expiry.String); ok && exp.Before(time.Now()) {
			return StartDecision{Status: "Expired", Reason: "idTag expired"}
		}
	}
	if tagStatus != "Accepted" {
		return StartDecision{Status: "Blocked", Reason: "idTag not accepted"}
	}

	// Whitelist: rows restrict the tag to listed charge points; no rows
	// means unrestricted.
	var wlTotal, wlHere int
	e.db.QueryRow("SELECT COUNT(*) FROM card_whitelist WHERE id_tag = ?", idTag).Scan(&wlTotal)
	if wlTotal > 0 {
		e.db.QueryRow(
			"SELECT COUNT(*) FROM card_whitelist WHERE id_tag = ? AND charge_point_id = ?",
			idTag, cpID,
		).Scan(&wlHere)
		if wlHere == 0 {
			return StartDecision{Status: "Blocked", Reason: "card not allowed at this charge point"}
		}
	}

	var balance float64
	err = e.db.QueryRow("SELECT balance FROM cards WHERE card_id = ?", idTag).Scan(&balance)
	if err == sql.ErrNoRows {
		return StartDecision{Status: "Blocked", Reason: "no prepaid card"}
	}
	if err != nil {
		return StartDecision{Status: "Invalid", Reason: "database error"}
	}
	if balance <= 0 {
		return StartDecision{Status: "Blocked", Reason: "insufficient balance"}
	}

	decision := StartDecision{Status: "Accepted"}
	if e.smart != nil {
		active, err := e.countActive()
		if err == nil {
			limit, ok, coordinated := e.smart.SharePolicy(active + 1)
			if coordinated {
				if !ok {
					return StartDecision{Status: "Blocked", Reason: "community capacity exhausted"}
				}
				decision.Limit = limit
			}
		}
	}
	return decision
}

// Start implements the StartTransaction path. Returns the assigned
// transaction id (0 on reject) and the idTagInfo status.
func (e *TransactionEngine) Start(cpID string, connectorID int, idTag string, meterStart int64, timestamp string) (int64, string) {
	decision := e.CheckStart(cpID, idTag)
	if decision.Status != "Accepted" {
		log.Printf("[TX] %s: start rejected for %s: %s", cpID, idTag, decision.Reason)
		return 0, decision.Status
	}

	if existing, err := e.ActiveOnConnector(cpID, connectorID); err == nil {
		log.Printf("[TX] %s connector %d: closing orphaned tx %d before new start",
			cpID, connectorID, existing.TransactionID)
		e.Stop(cpID, existing.TransactionID, existing.MeterStart, NowUTC(), "PowerLoss")
	}

	txID := nextTransactionID()
	startTS := NormalizeTimestamp(timestamp)

	_, err := e.db.Exec(`
		INSERT INTO transactions
			(transaction_id, charge_point_id, connector_id, id_tag, meter_start, start_timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, txID, cpID, connectorID, idTag, meterStart, startTS)
	if err != nil {
		log.Printf("[TX] %s: failed to insert transaction: %v", cpID, err)
		return 0, "Blocked"
	}

	// Seed the energy replay with the opening register reading.
	if _, err := e.db.Exec(`
		INSERT INTO meter_values
			(transaction_id, charge_point_id, connector_id, timestamp, measurand, unit, value, phase)
		VALUES (?, ?, ?, ?, 'Energy.Active.Import.Register', 'Wh', ?, '')
	`, txID, cpID, connectorID, startTS, float64(meterStart)); err != nil {
		log.Printf("[TX] %s: failed to record opening meter reading: %v", cpID, err)
	}

	e.cache.ResetSession(cpID)
	log.Printf("[TX] %s connector %d: transaction %d started by %s (meter %d Wh)",
		cpID, connectorID, txID, idTag, meterStart)

	if e.events != nil {
		e.events.PublishEvent(cpID, "transaction_started", map[string]any{
			"transaction_id": txID, "id_tag": idTag,
		})
	}
	if e.smart != nil {
		go e.smart.Rebalance("transaction start")
	}
	return txID, "Accepted"
}

// Stop implements the StopTransaction path: stop record, transaction
// close, residual debit, payment row and cursor cleanup run as one
// database transaction.
func (e *TransactionEngine) Stop(cpID string, txID int64, meterStop int64, timestamp, reason string) error {
	tx, err := e.Transaction(txID)
	if err != nil {
		return fmt.Errorf("stop for unknown transaction %d: %w", txID, err)
	}
	if !tx.Active() {
		log.Printf("[TX] %s: duplicate stop for transaction %d, ignoring", cpID, txID)
		e.stop.fulfill(txID)
		return nil
	}

	stopTS := NormalizeTimestamp(timestamp)
	energyKWh := float64(meterStop-tx.MeterStart) / 1000.0
	if energyKWh < 0 {
		energyKWh = 0
	}

	// Record the final register reading so the segmented replay covers
	// energy delivered after the last MeterValues.
	if _, err := e.db.Exec(`
		INSERT INTO meter_values
			(transaction_id, charge_point_id, connector_id, timestamp, measurand, unit, value, phase)
		VALUES (?, ?, ?, ?, 'Energy.Active.Import.Register', 'Wh', ?, '')
	`, txID, cpID, tx.ConnectorID, stopTS, float64(meterStop)); err != nil {
		log.Printf("[TX] %s: failed to record final meter reading: %v", cpID, err)
	}

	finalCost, _, costErr := e.tariff.SegmentedCost(txID)
	if costErr != nil || finalCost == 0 {
		stopTime, _ := ParseTimestamp(stopTS)
		finalCost = Round2(e.tariff.PriceAt(stopTime) * energyKWh)
	}

	dbtx, err := e.db.Begin()
	if err != nil {
		return fmt.Errorf("begin stop tx: %w", err)
	}
	defer dbtx.Rollback()

	if _, err := dbtx.Exec(`
		INSERT INTO stop_transactions (transaction_id, meter_stop, timestamp, reason)
		VALUES (?, ?, ?, ?)
	`, txID, meterStop, stopTS, reason); err != nil {
		return fmt.Errorf("insert stop record: %w", err)
	}

	if _, err := dbtx.Exec(`
		UPDATE transactions
		SET meter_stop = ?, stop_timestamp = ?, stop_reason = ?
		WHERE transaction_id = ? AND stop_timestamp IS NULL
	`, meterStop, stopTS, reason, txID); err != nil {
		return fmt.Errorf("close transaction: %w", err)
	}

	// Residual debit: whatever the streaming cursor has not collected
	// yet, bounded by the remaining balance. Overshoot is never
	// refunded, and the payment records what was actually charged.
	var debited float64
	err = dbtx.QueryRow(
		"SELECT amount_total FROM realtime_deductions WHERE transaction_id = ?", txID,
	).Scan(&debited)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read deduction cursor: %w", err)
	}
	charged := debited
	if residual := Round2(finalCost - debited); residual > 0 {
		var balance float64
		if err := dbtx.QueryRow(
			"SELECT balance FROM cards WHERE card_id = ?", tx.IdTag,
		).Scan(&balance); err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("read balance: %w", err)
		}
		collect := residual
		if collect > balance {
			collect = balance
		}
		if collect > 0 {
			if _, err := dbtx.Exec(`
				UPDATE cards SET balance = balance - ?, updated_at = CURRENT_TIMESTAMP
				WHERE card_id = ?
			`, collect, tx.IdTag); err != nil {
				return fmt.Errorf("debit residual: %w", err)
			}
		}
		charged = Round2(debited + collect)
	}

	if _, err := dbtx.Exec(`
		INSERT INTO payments (transaction_id, base_fee, energy_fee, overuse_fee, total_amount, paid_at)
		VALUES (?, 0, ?, 0, ?, ?)
	`, txID, charged, charged, stopTS); err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}

	if _, err := dbtx.Exec(
		"DELETE FROM realtime_deductions WHERE transaction_id = ?", txID,
	); err != nil {
		return fmt.Errorf("delete deduction cursor: %w", err)
	}

	if err := dbtx.Commit(); err != nil {
		return fmt.Errorf("commit stop: %w", err)
	}

	log.Printf("[TX] %s: transaction %d stopped (%s), %.4f kWh, charged %.2f",
		cpID, txID, reason, energyKWh, charged)

	e.stop.fulfill(txID)
	e.stop.clearRequested(txID)
	e.cache.ClearOnStop(cpID)

	if e.events != nil {
		e.events.PublishEvent(cpID, "transaction_stopped", map[string]any{
			"transaction_id": txID, "energy_kwh": energyKWh, "amount": finalCost,
		})
	}
	if e.smart != nil {
		go e.smart.Rebalance("transaction stop")
	}
	return nil
}

// RemoteStart pushes a RemoteStartTransaction to a connected charge
// point.
func (e *TransactionEngine) RemoteStart(ctx context.Context, cpID, idTag string, connectorID int) error {
	session, ok := e.registry.Get(cpID)
	if !ok {
		return ErrNotConnected
	}
	payload := map[string]any{"idTag": idTag}
	if connectorID > 0 {
		payload["connectorId"] = connectorID
	}
	var result struct {
		Status string `json:"status"`
	}
	if err := session.Call(ctx, "RemoteStartTransaction", payload, &result); err != nil {
		return err
	}
	if result.Status != "Accepted" {
		return fmt.Errorf("remote start rejected: %s", result.Status)
	}
	return nil
}

// RemoteStop asks the charge point to stop its active transaction and
// waits up to RemoteStopWait for the resulting StopTransaction. On
// timeout the transaction stays open; the next inbound frame
// reconciles.
func (e *TransactionEngine) RemoteStop(ctx context.Context, cpID string) error {
	tx, err := e.ActiveTransaction(cpID)
	if err != nil {
		return err
	}

	done := e.stop.register(tx.TransactionID)
	defer e.stop.unregister(tx.TransactionID, done)

	if err := e.sendRemoteStop(ctx, cpID, tx.TransactionID); err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-time.After(RemoteStopWait):
		return ErrStopTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestRemoteStop fires a RemoteStopTransaction without waiting for
// the StopTransaction, deduplicated per transaction. The dedup flag is
// cleared on send failure so the next trigger can retry.
func (e *TransactionEngine) RequestRemoteStop(cpID string, txID int64) {
	if !e.stop.markRequested(txID) {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), ocpp.DefaultCallTimeout)
		defer cancel()
		if err := e.sendRemoteStop(ctx, cpID, txID); err != nil {
			log.Printf("[TX] %s: remote stop for %d failed, will retry: %v", cpID, txID, err)
			e.stop.clearRequested(txID)
		}
	}()
}

func (e *TransactionEngine) sendRemoteStop(ctx context.Context, cpID string, txID int64) error {
	session, ok := e.registry.Get(cpID)
	if !ok {
		return ErrNotConnected
	}
	var result struct {
		Status string `json:"status"`
	}
	err := session.Call(ctx, "RemoteStopTransaction", map[string]any{"transactionId": txID}, &result)
	if err != nil {
		return err
	}
	if result.Status != "Accepted" {
		return fmt.Errorf("remote stop rejected: %s", result.Status)
	}
	log.Printf("[TX] %s: RemoteStopTransaction accepted for %d", cpID, txID)
	return nil
}

// Summary assembles the reporting view of a transaction: energy from
// meters, amount from the payment row when closed or segmented cost
// while running.
func (e *TransactionEngine) Summary(tx *models.Transaction) models.TransactionSummary {
	s := models.TransactionSummary{Transaction: *tx, Finished: !tx.Active()}

	if tx.MeterStop != nil {
		s.EnergyKWh = roundKWh(float64(*tx.MeterStop-tx.MeterStart) / 1000.0)
	} else if snap, ok := e.cache.Snapshot(tx.ChargePointID); ok {
		s.EnergyKWh = snap.EnergyKWh
	}

	if tx.Active() {
		amount, _, err := e.tariff.SegmentedCost(tx.TransactionID)
		if err == nil {
			s.Amount = amount
		}
	} else {
		e.db.QueryRow(
			"SELECT total_amount FROM payments WHERE transaction_id = ?", tx.TransactionID,
		).Scan(&s.Amount)
	}
	if s.EnergyKWh > 0 {
		s.PricePerKWh = Round2(s.Amount / s.EnergyKWh)
	}
	return s
}

var lastTxID atomic.Int64

// nextTransactionID hands out millisecond timestamps, bumped past the
// previous value so two starts in the same millisecond never collide.
func nextTransactionID() int64 {
	for {
		id := time.Now().UnixMilli()
		last := lastTxID.Load()
		if id <= last {
			id = last + 1
		}
		if lastTxID.CompareAndSwap(last, id) {
			return id
		}
	}
}

// stopCoordinator carries the pending remote-stop futures and the
// per-transaction dedup set for auto-stop.
type stopCoordinator struct {
	mu        sync.Mutex
	waiters   map[int64][]chan struct{}
	requested map[int64]bool
}

func newStopCoordinator() *stopCoordinator {
	return &stopCoordinator{
		waiters:   make(map[int64][]chan struct{}),
		requested: make(map[int64]bool),
	}
}

func (c *stopCoordinator) register(txID int64) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan struct{})
	c.waiters[txID] = append(c.waiters[txID], ch)
	return ch
}

func (c *stopCoordinator) unregister(txID int64, ch chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.waiters[txID]
	for i, w := range list {
		if w == ch {
			c.waiters[txID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(c.waiters[txID]) == 0 {
		delete(c.waiters, txID)
	}
}

func (c *stopCoordinator) fulfill(txID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.waiters[txID] {
		close(ch)
	}
	delete(c.waiters, txID)
}

func (c *stopCoordinator) markRequested(txID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.requested[txID] {
		return false
	}
	c.requested[txID] = true
	return true
}

func (c *stopCoordinator) clearRequested(txID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.requested, txID)
}
