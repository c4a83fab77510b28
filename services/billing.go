package services

import (
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/twcharge/ocpp-cs/models"
	"github.com/twcharge/ocpp-cs/ocpp"
)

// errTransactionSettled aborts a streaming debit whose transaction was
// closed by a concurrent StopTransaction.
var errTransactionSettled = errors.New("transaction already settled")

const (
	// debitEpsilon suppresses sub-rounding debits on the streaming
	// cursor.
	debitEpsilon = 0.0005
	// maxSampleJumpKWh drops register samples that leap further than a
	// plausible charging interval can deliver (counter roll-over,
	// firmware garbage).
	maxSampleJumpKWh = 10.0
)

// BillingStreamer processes MeterValues: persists samples, maintains
// the live view, debits the card incrementally and fires the auto-stop
// when the balance runs out.
type BillingStreamer struct {
	db     *sql.DB
	tariff *TariffService
	cache  *LiveStatusCache
	engine *TransactionEngine
}

func NewBillingStreamer(db *sql.DB, tariff *TariffService, cache *LiveStatusCache, engine *TransactionEngine) *BillingStreamer {
	return &BillingStreamer{db: db, tariff: tariff, cache: cache, engine: engine}
}

// HandleMeterValues is the MeterValues entry point.
func (b *BillingStreamer) HandleMeterValues(cpID string, p ocpp.Payload) error {
	connectorID, ok := p.Int("connectorId")
	if !ok || connectorID < 1 {
		connectorID = 1
	}

	tx := b.resolveTransaction(cpID, connectorID, p)

	var (
		voltage, current, powerKW float64
		haveV, haveI, haveP       bool
		latestEnergyKWh           float64
		haveEnergy                bool
		lastSampleTS              string
	)

	for _, mv := range p.Slice("meterValue") {
		entry, ok := mv.(map[string]any)
		if !ok {
			continue
		}
		ep := ocpp.Payload(entry)
		ts := NormalizeTimestamp(ep.String("timestamp"))
		lastSampleTS = ts

		for _, sv := range ep.Slice("sampledValue") {
			sample, ok := sv.(map[string]any)
			if !ok {
				continue
			}
			sp := ocpp.Payload(sample)
			value, ok := sp.Float("value")
			if !ok {
				continue
			}
			measurand := sp.String("measurand")
			if measurand == "" {
				measurand = "Energy.Active.Import.Register"
			}
			unit := sp.String("unit")
			phase := sp.String("phase")

			switch measurand {
			case "Voltage":
				voltage, haveV = value, true
			case "Current.Import":
				current, haveI = value, true
			case "Power.Active.Import":
				powerKW, haveP = powerToKW(value, unit), true
			case "Energy.Active.Import.Register":
				kwh := EnergyToKWh(value, unit)
				if tx != nil && b.isAnomalousJump(tx.TransactionID, kwh) {
					log.Printf("[BILLING] %s: dropping anomalous register sample %.3f kWh (tx %d)",
						cpID, kwh, tx.TransactionID)
					continue
				}
				latestEnergyKWh, haveEnergy = kwh, true
			}

			if tx != nil {
				if err := b.persistSample(tx, cpID, connectorID, ts, measurand, unit, value, phase); err != nil {
					log.Printf("[BILLING] %s: persist sample failed: %v", cpID, err)
				}
			}
		}
	}

	derivedP := false
	if !haveP && haveV && haveI {
		powerKW = voltage * current / 1000.0
		haveP = true
		derivedP = true
	}

	b.cache.Update(cpID, func(s *models.LiveStatus) {
		if haveV {
			s.Voltage = voltage
		}
		if haveI {
			s.Current = current
		}
		if haveP {
			s.PowerKW = Round2(powerKW)
		}
		if lastSampleTS != "" {
			s.SampleTime = lastSampleTS
		}
		s.Stale = false
		s.Derived = derivedP
	})

	if tx == nil {
		return nil
	}

	if haveEnergy {
		sessionKWh := latestEnergyKWh - float64(tx.MeterStart)/1000.0
		if sessionKWh < 0 {
			sessionKWh = 0
		}
		b.settle(cpID, tx, sessionKWh, lastSampleTS)
	}
	return nil
}

func (b *BillingStreamer) resolveTransaction(cpID string, connectorID int, p ocpp.Payload) *models.Transaction {
	if txID, ok := p.Int64("transactionId"); ok && txID > 0 {
		if tx, err := b.engine.Transaction(txID); err == nil && tx.Active() {
			return tx
		}
	}
	tx, err := b.engine.ActiveOnConnector(cpID, connectorID)
	if err != nil {
		return nil
	}
	return tx
}

func (b *BillingStreamer) persistSample(tx *models.Transaction, cpID string, connectorID int, ts, measurand, unit string, value float64, phase string) error {
	_, err := b.db.Exec(`
		INSERT INTO meter_values
			(transaction_id, charge_point_id, connector_id, timestamp, measurand, unit, value, phase)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, tx.TransactionID, cpID, connectorID, ts, measurand, unit, value, phase)
	return err
}

// isAnomalousJump compares against the last persisted register sample
// for the transaction.
func (b *BillingStreamer) isAnomalousJump(txID int64, newKWh float64) bool {
	var value float64
	var unit string
	err := b.db.QueryRow(`
		SELECT value, unit FROM meter_values
		WHERE transaction_id = ? AND measurand = 'Energy.Active.Import.Register'
		ORDER BY timestamp DESC, id DESC LIMIT 1
	`, txID).Scan(&value, &unit)
	if err != nil {
		return false
	}
	return newKWh-EnergyToKWh(value, unit) > maxSampleJumpKWh
}

// settle recomputes the running cost and debits the uncollected delta
// inside one short database transaction keyed on the deduction cursor,
// then checks the balance for auto-stop.
func (b *BillingStreamer) settle(cpID string, tx *models.Transaction, sessionKWh float64, sampleTS string) {
	costSoFar, _, err := b.tariff.SegmentedCost(tx.TransactionID)
	if err != nil {
		log.Printf("[BILLING] %s: segmented cost failed for tx %d: %v", cpID, tx.TransactionID, err)
		return
	}

	sampleTime, _ := ParseTimestamp(sampleTS)
	price := b.tariff.PriceAt(sampleTime)

	b.cache.Update(cpID, func(s *models.LiveStatus) {
		s.EnergyKWh = roundKWh(sessionKWh)
		s.EstimatedEnergy = roundKWh(sessionKWh)
		s.EstimatedAmount = costSoFar
		s.PricePerKWh = price
	})

	balance, debited, err := b.debitDelta(tx, sessionKWh, costSoFar)
	if errors.Is(err, errTransactionSettled) {
		// A concurrent stop already wrote the payment; this sample
		// arrived too late to bill.
		return
	}
	if err != nil {
		log.Printf("[BILLING] %s: incremental debit failed for tx %d: %v", cpID, tx.TransactionID, err)
		return
	}

	if balance <= 0 || costSoFar >= balance+debited {
		log.Printf("[BILLING] %s: balance exhausted on tx %d (cost %.2f, balance %.2f), requesting stop",
			cpID, tx.TransactionID, costSoFar, balance)
		b.engine.RequestRemoteStop(cpID, tx.TransactionID)
	}
}

// debitDelta advances the RealtimeDeduction cursor to costSoFar and
// debits the difference from the card, clamped at zero. Returns the
// post-debit balance and the total debited so far. Replayed samples
// leave the cursor where it is, so nothing is billed twice.
func (b *BillingStreamer) debitDelta(tx *models.Transaction, sessionKWh, costSoFar float64) (balance, debitedTotal float64, err error) {
	dbtx, err := b.db.Begin()
	if err != nil {
		return 0, 0, fmt.Errorf("begin debit tx: %w", err)
	}
	defer dbtx.Rollback()

	// The handler resolved the transaction before entering this
	// critical section; a Stop may have settled it in between. Debiting
	// past that point would bill the session twice and resurrect the
	// cursor, so the open check must happen inside the same tx.
	var open int
	if err = dbtx.QueryRow(
		"SELECT COUNT(*) FROM transactions WHERE transaction_id = ? AND stop_timestamp IS NULL",
		tx.TransactionID,
	).Scan(&open); err != nil {
		return 0, 0, fmt.Errorf("check transaction state: %w", err)
	}
	if open == 0 {
		return 0, 0, errTransactionSettled
	}

	var already float64
	err = dbtx.QueryRow(
		"SELECT amount_total FROM realtime_deductions WHERE transaction_id = ?", tx.TransactionID,
	).Scan(&already)
	if err != nil && err != sql.ErrNoRows {
		return 0, 0, fmt.Errorf("read cursor: %w", err)
	}

	if err = dbtx.QueryRow(
		"SELECT balance FROM cards WHERE card_id = ?", tx.IdTag,
	).Scan(&balance); err != nil {
		return 0, 0, fmt.Errorf("read balance: %w", err)
	}

	delta := costSoFar - already
	if delta > debitEpsilon {
		// The card never goes negative: collect what it can cover. The
		// cursor tracks money actually taken, so the final payment
		// reflects what was charged, not the theoretical cost.
		collect := delta
		if collect > balance {
			collect = balance
		}
		if collect > 0 {
			if _, err = dbtx.Exec(`
				UPDATE cards SET balance = balance - ?, updated_at = CURRENT_TIMESTAMP
				WHERE card_id = ?
			`, collect, tx.IdTag); err != nil {
				return 0, 0, fmt.Errorf("debit card: %w", err)
			}
		}
		already = Round2(already + collect)
		balance -= collect
		if _, err = dbtx.Exec(`
			INSERT INTO realtime_deductions (transaction_id, kwh_total, amount_total, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(transaction_id) DO UPDATE SET
				kwh_total = excluded.kwh_total,
				amount_total = excluded.amount_total,
				updated_at = excluded.updated_at
		`, tx.TransactionID, sessionKWh, already, NowUTC()); err != nil {
			return 0, 0, fmt.Errorf("advance cursor: %w", err)
		}
	}

	if err = dbtx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit debit: %w", err)
	}
	return balance, already, nil
}

func powerToKW(value float64, unit string) float64 {
	switch unit {
	case "kW", "KW", "kw":
		return value
	default:
		// OCPP defaults Power.Active.Import to watts.
		return value / 1000.0
	}
}
