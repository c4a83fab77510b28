package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twcharge/ocpp-cs/ocpp"
)

func meterValuesPayload(txID int64, ts string, registerWh float64) ocpp.Payload {
	return ocpp.Payload{
		"connectorId":   float64(1),
		"transactionId": float64(txID),
		"meterValue": []any{
			map[string]any{
				"timestamp": ts,
				"sampledValue": []any{
					map[string]any{
						"value":     registerWh,
						"measurand": "Energy.Active.Import.Register",
						"unit":      "Wh",
					},
				},
			},
		},
	}
}

func TestIncrementalDebitIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	engine, cache, tariff := newTestEngine(t, db)
	billing := NewBillingStreamer(db, tariff, cache, engine)

	seedChargePoint(t, db, "CP-1")
	seedCard(t, db, "TAG-1", 100)

	txID, status := engine.Start("CP-1", 1, "TAG-1", 0, "2026-03-10T02:00:00Z")
	require.Equal(t, "Accepted", status)
	require.NotZero(t, txID)

	payload := meterValuesPayload(txID, "2026-03-10T02:01:00Z", 500)
	require.NoError(t, billing.HandleMeterValues("CP-1", payload))
	assert.InDelta(t, 97.0, cardBalance(t, db, "TAG-1"), 0.001)

	// The same samples again advance nothing: the deduction cursor is
	// the idempotence key.
	require.NoError(t, billing.HandleMeterValues("CP-1", payload))
	assert.InDelta(t, 97.0, cardBalance(t, db, "TAG-1"), 0.001)

	var amount float64
	require.NoError(t, db.QueryRow(
		"SELECT amount_total FROM realtime_deductions WHERE transaction_id = ?", txID,
	).Scan(&amount))
	assert.InDelta(t, 3.0, amount, 0.001)
}

func TestHappyPathStopSettlesResidual(t *testing.T) {
	db := newTestDB(t)
	engine, cache, tariff := newTestEngine(t, db)
	billing := NewBillingStreamer(db, tariff, cache, engine)

	seedChargePoint(t, db, "CP-1")
	seedCard(t, db, "TAG-1", 100)

	txID, status := engine.Start("CP-1", 1, "TAG-1", 0, "2026-03-10T02:00:00Z")
	require.Equal(t, "Accepted", status)

	for i, wh := range []float64{500, 1500, 3500} {
		ts := []string{"2026-03-10T02:01:00Z", "2026-03-10T02:02:00Z", "2026-03-10T02:03:00Z"}[i]
		require.NoError(t, billing.HandleMeterValues("CP-1", meterValuesPayload(txID, ts, wh)))
	}
	assert.InDelta(t, 79.0, cardBalance(t, db, "TAG-1"), 0.001)

	require.NoError(t, engine.Stop("CP-1", txID, 5000, "2026-03-10T02:05:00Z", "Remote"))

	// 5 kWh at 6.0: 30 total, residual 9 collected on stop.
	assert.InDelta(t, 70.0, cardBalance(t, db, "TAG-1"), 0.001)

	var payments int
	var total float64
	require.NoError(t, db.QueryRow(
		"SELECT COUNT(*), COALESCE(SUM(total_amount), 0) FROM payments WHERE transaction_id = ?", txID,
	).Scan(&payments, &total))
	assert.Equal(t, 1, payments)
	assert.InDelta(t, 30.0, total, 0.001)

	var cursors int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM realtime_deductions").Scan(&cursors))
	assert.Zero(t, cursors)

	snap, _ := cache.Snapshot("CP-1")
	assert.Zero(t, snap.EstimatedAmount)
}

func TestBalanceClampNeverGoesNegative(t *testing.T) {
	db := newTestDB(t)
	engine, cache, tariff := newTestEngine(t, db)
	billing := NewBillingStreamer(db, tariff, cache, engine)

	seedChargePoint(t, db, "CP-1")
	seedCard(t, db, "TAG-1", 1.00)

	txID, status := engine.Start("CP-1", 1, "TAG-1", 0, "2026-03-10T02:00:00Z")
	require.Equal(t, "Accepted", status)

	// 0.2 kWh at 6.0 costs 1.20, more than the card holds.
	require.NoError(t, billing.HandleMeterValues("CP-1",
		meterValuesPayload(txID, "2026-03-10T02:01:00Z", 200)))
	assert.Zero(t, cardBalance(t, db, "TAG-1"))

	require.NoError(t, engine.Stop("CP-1", txID, 800, "2026-03-10T02:02:00Z", "Remote"))

	// The payment records what the card actually covered.
	var total float64
	require.NoError(t, db.QueryRow(
		"SELECT total_amount FROM payments WHERE transaction_id = ?", txID,
	).Scan(&total))
	assert.LessOrEqual(t, total, 1.00)
	assert.Zero(t, cardBalance(t, db, "TAG-1"))
}

func TestAnomalousRegisterJumpDropped(t *testing.T) {
	db := newTestDB(t)
	engine, cache, tariff := newTestEngine(t, db)
	billing := NewBillingStreamer(db, tariff, cache, engine)

	seedChargePoint(t, db, "CP-1")
	seedCard(t, db, "TAG-1", 100)

	txID, _ := engine.Start("CP-1", 1, "TAG-1", 0, "2026-03-10T02:00:00Z")

	require.NoError(t, billing.HandleMeterValues("CP-1",
		meterValuesPayload(txID, "2026-03-10T02:01:00Z", 500)))
	balanceAfterFirst := cardBalance(t, db, "TAG-1")

	// 12,000 kWh in one tick is a counter roll-over, not charging.
	require.NoError(t, billing.HandleMeterValues("CP-1",
		meterValuesPayload(txID, "2026-03-10T02:02:00Z", 12000000)))

	assert.InDelta(t, balanceAfterFirst, cardBalance(t, db, "TAG-1"), 0.001)

	var count int
	require.NoError(t, db.QueryRow(
		"SELECT COUNT(*) FROM meter_values WHERE transaction_id = ? AND value = 12000000", txID,
	).Scan(&count))
	assert.Zero(t, count)
}

func TestDerivedPowerFromVoltageAndCurrent(t *testing.T) {
	db := newTestDB(t)
	engine, cache, tariff := newTestEngine(t, db)
	billing := NewBillingStreamer(db, tariff, cache, engine)

	seedChargePoint(t, db, "CP-1")
	seedCard(t, db, "TAG-1", 100)

	txID, _ := engine.Start("CP-1", 1, "TAG-1", 0, "2026-03-10T02:00:00Z")

	payload := ocpp.Payload{
		"connector_id":   float64(1), // snake_case on purpose
		"transaction_id": float64(txID),
		"meterValue": []any{
			map[string]any{
				"timestamp": "2026-03-10T02:01:00Z",
				"sampledValue": []any{
					map[string]any{"value": "230", "measurand": "Voltage"},
					map[string]any{"value": "16", "measurand": "Current.Import"},
				},
			},
		},
	}
	require.NoError(t, billing.HandleMeterValues("CP-1", payload))

	snap, ok := cache.Snapshot("CP-1")
	require.True(t, ok)
	assert.InDelta(t, 3.68, snap.PowerKW, 0.001)
	assert.True(t, snap.Derived)
}

func TestLateSettleAfterStopDebitsNothing(t *testing.T) {
	db := newTestDB(t)
	engine, cache, tariff := newTestEngine(t, db)
	billing := NewBillingStreamer(db, tariff, cache, engine)

	seedChargePoint(t, db, "CP-1")
	seedCard(t, db, "TAG-1", 100)

	txID, status := engine.Start("CP-1", 1, "TAG-1", 0, "2026-03-10T02:00:00Z")
	require.Equal(t, "Accepted", status)

	require.NoError(t, billing.HandleMeterValues("CP-1",
		meterValuesPayload(txID, "2026-03-10T02:01:00Z", 500)))
	assert.InDelta(t, 97.0, cardBalance(t, db, "TAG-1"), 0.001)

	// A MeterValues handler running concurrently with the stop resolves
	// the transaction while it is still open and only reaches the debit
	// afterwards.
	staleTx, err := engine.Transaction(txID)
	require.NoError(t, err)
	require.True(t, staleTx.Active())

	require.NoError(t, engine.Stop("CP-1", txID, 500, "2026-03-10T02:02:00Z", "Remote"))
	assert.InDelta(t, 97.0, cardBalance(t, db, "TAG-1"), 0.001)

	billing.settle("CP-1", staleTx, 0.5, "2026-03-10T02:02:00Z")

	// The session cost stays collected exactly once and the cursor stays
	// deleted.
	assert.InDelta(t, 97.0, cardBalance(t, db, "TAG-1"), 0.001)

	var cursors int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM realtime_deductions").Scan(&cursors))
	assert.Zero(t, cursors)

	var total float64
	require.NoError(t, db.QueryRow(
		"SELECT total_amount FROM payments WHERE transaction_id = ?", txID,
	).Scan(&total))
	assert.InDelta(t, 3.0, total, 0.001)
}

func TestStopRequestDeduplication(t *testing.T) {
	c := newStopCoordinator()

	assert.True(t, c.markRequested(42))
	assert.False(t, c.markRequested(42))

	// A send failure re-arms the retry.
	c.clearRequested(42)
	assert.True(t, c.markRequested(42))
}
