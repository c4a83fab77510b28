package services

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/twcharge/ocpp-cs/database"
	"github.com/twcharge/ocpp-cs/ocpp"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.InitDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, database.RunMigrations(db))
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestTariff(t *testing.T, db *sql.DB) *TariffService {
	t.Helper()
	tariff, err := NewTariffService(db, "Asia/Taipei", 6.0)
	require.NoError(t, err)
	return tariff
}

func newTestEngine(t *testing.T, db *sql.DB) (*TransactionEngine, *LiveStatusCache, *TariffService) {
	t.Helper()
	tariff := newTestTariff(t, db)
	cache := NewLiveStatusCache(DefaultLiveStatusTTL)
	engine := NewTransactionEngine(db, ocpp.NewRegistry(), cache, tariff)
	return engine, cache, tariff
}

func seedChargePoint(t *testing.T, db *sql.DB, cpID string) {
	t.Helper()
	_, err := db.Exec(
		"INSERT INTO charge_points (charge_point_id, name) VALUES (?, ?)", cpID, cpID,
	)
	require.NoError(t, err)
}

func seedCard(t *testing.T, db *sql.DB, idTag string, balance float64) {
	t.Helper()
	_, err := db.Exec("INSERT INTO cards (card_id, balance) VALUES (?, ?)", idTag, balance)
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO id_tags (id_tag, status) VALUES (?, 'Accepted')", idTag)
	require.NoError(t, err)
}

func seedSegment(t *testing.T, db *sql.DB, date, start, end string, price float64) {
	t.Helper()
	_, err := db.Exec(
		"INSERT INTO daily_pricing (date, start_time, end_time, price) VALUES (?, ?, ?, ?)",
		date, start, end, price,
	)
	require.NoError(t, err)
}

func insertEnergySample(t *testing.T, db *sql.DB, txID int64, ts time.Time, wh float64) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO meter_values
			(transaction_id, charge_point_id, connector_id, timestamp, measurand, unit, value, phase)
		VALUES (?, 'CP-1', 1, ?, 'Energy.Active.Import.Register', 'Wh', ?, '')
	`, txID, ts.UTC().Format(time.RFC3339), wh)
	require.NoError(t, err)
}

func cardBalance(t *testing.T, db *sql.DB, idTag string) float64 {
	t.Helper()
	var balance float64
	require.NoError(t, db.QueryRow("SELECT balance FROM cards WHERE card_id = ?", idTag).Scan(&balance))
	return balance
}

func taipei(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Taipei")
	require.NoError(t, err)
	return loc
}
