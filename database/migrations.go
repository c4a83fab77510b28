package database

import (
	"database/sql"
	"fmt"
	"log"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

func RunMigrations(db *sql.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS admin_users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS charge_points (
			charge_point_id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			max_current_a REAL NOT NULL DEFAULT 16,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS cards (
			card_id TEXT PRIMARY KEY,
			balance REAL NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS id_tags (
			id_tag TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'Accepted',
			expiry_date TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS card_whitelist (
			id_tag TEXT NOT NULL,
			charge_point_id TEXT NOT NULL,
			PRIMARY KEY (id_tag, charge_point_id)
		)`,

		`CREATE TABLE IF NOT EXISTS transactions (
			transaction_id INTEGER PRIMARY KEY,
			charge_point_id TEXT NOT NULL,
			connector_id INTEGER NOT NULL,
			id_tag TEXT NOT NULL,
			meter_start INTEGER NOT NULL,
			start_timestamp TEXT NOT NULL,
			meter_stop INTEGER,
			stop_timestamp TEXT,
			stop_reason TEXT
		)`,

		`CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_active
			ON transactions(charge_point_id, connector_id)
			WHERE stop_timestamp IS NULL`,

		`CREATE TABLE IF NOT EXISTS meter_values (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			transaction_id INTEGER NOT NULL,
			charge_point_id TEXT NOT NULL,
			connector_id INTEGER NOT NULL,
			timestamp TEXT NOT NULL,
			measurand TEXT NOT NULL DEFAULT '',
			unit TEXT NOT NULL DEFAULT '',
			value REAL NOT NULL,
			phase TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE INDEX IF NOT EXISTS idx_meter_values_tx
			ON meter_values(transaction_id, timestamp)`,

		`CREATE TABLE IF NOT EXISTS stop_transactions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			transaction_id INTEGER NOT NULL,
			meter_stop INTEGER NOT NULL,
			timestamp TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE TABLE IF NOT EXISTS payments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			transaction_id INTEGER NOT NULL UNIQUE,
			base_fee REAL NOT NULL DEFAULT 0,
			energy_fee REAL NOT NULL DEFAULT 0,
			overuse_fee REAL NOT NULL DEFAULT 0,
			total_amount REAL NOT NULL DEFAULT 0,
			paid_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS realtime_deductions (
			transaction_id INTEGER PRIMARY KEY,
			kwh_total REAL NOT NULL DEFAULT 0,
			amount_total REAL NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS daily_pricing (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			date TEXT NOT NULL,
			start_time TEXT NOT NULL,
			end_time TEXT NOT NULL,
			price REAL NOT NULL,
			label TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE INDEX IF NOT EXISTS idx_daily_pricing_date
			ON daily_pricing(date)`,

		`CREATE TABLE IF NOT EXISTS community_settings (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			enabled INTEGER NOT NULL DEFAULT 0,
			contract_kw REAL NOT NULL DEFAULT 0,
			voltage_v REAL NOT NULL DEFAULT 220,
			phases INTEGER NOT NULL DEFAULT 1,
			min_current_a REAL NOT NULL DEFAULT 6,
			max_current_a REAL NOT NULL DEFAULT 32
		)`,

		`INSERT OR IGNORE INTO community_settings (id) VALUES (1)`,

		`CREATE TABLE IF NOT EXISTS status_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			charge_point_id TEXT NOT NULL,
			connector_id INTEGER NOT NULL,
			status TEXT NOT NULL,
			error_code TEXT NOT NULL DEFAULT '',
			timestamp TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS connection_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			charge_point_id TEXT NOT NULL,
			event TEXT NOT NULL,
			peer_addr TEXT NOT NULL DEFAULT '',
			timestamp TEXT NOT NULL
		)`,
	}

	for _, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			if !strings.Contains(err.Error(), "already exists") {
				return fmt.Errorf("migration failed: %w", err)
			}
		}
	}

	// Columns added after first release. Older database files get them
	// through introspection so an in-place upgrade keeps working.
	columnUpgrades := []struct {
		table  string
		column string
		ddl    string
	}{
		{"charge_points", "max_current_a", "ALTER TABLE charge_points ADD COLUMN max_current_a REAL NOT NULL DEFAULT 16"},
		{"daily_pricing", "label", "ALTER TABLE daily_pricing ADD COLUMN label TEXT NOT NULL DEFAULT ''"},
		{"payments", "overuse_fee", "ALTER TABLE payments ADD COLUMN overuse_fee REAL NOT NULL DEFAULT 0"},
		{"meter_values", "phase", "ALTER TABLE meter_values ADD COLUMN phase TEXT NOT NULL DEFAULT ''"},
	}

	for _, u := range columnUpgrades {
		hasColumn, err := tableHasColumn(db, u.table, u.column)
		if err != nil {
			return err
		}
		if !hasColumn {
			log.Printf("Adding missing column %s.%s", u.table, u.column)
			if _, err := db.Exec(u.ddl); err != nil {
				return fmt.Errorf("failed to add column %s.%s: %w", u.table, u.column, err)
			}
		}
	}

	if err := createDefaultAdmin(db); err != nil {
		return err
	}

	log.Println("Database migrations completed")
	return nil
}

func tableHasColumn(db *sql.DB, table, column string) (bool, error) {
	var ddl string
	err := db.QueryRow(
		"SELECT sql FROM sqlite_master WHERE type='table' AND name=?", table,
	).Scan(&ddl)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	return strings.Contains(ddl, column), nil
}

func createDefaultAdmin(db *sql.DB) error {
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM admin_users").Scan(&count); err != nil {
		return fmt.Errorf("failed to count admin users: %w", err)
	}
	if count > 0 {
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte("admin123"), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash default password: %w", err)
	}

	_, err = db.Exec(
		"INSERT INTO admin_users (username, password_hash) VALUES (?, ?)",
		"admin", string(hash),
	)
	if err != nil {
		return fmt.Errorf("failed to create default admin: %w", err)
	}

	log.Println("Created default admin user (admin / admin123)")
	return nil
}
