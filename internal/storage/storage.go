// Package storage provides SQLite-backed persistence for alerts and alarm states.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rewired-gh/tickwatch/internal/models"
	_ "modernc.org/sqlite"
)

// Storage wraps a SQLite database for the alert journal and alarm checkpoints.
type Storage struct {
	db        *sql.DB
	maxAlerts int
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/tickwatch/data.db.
func New(maxAlerts int, dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "tickwatch", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	s := &Storage{db: db, maxAlerts: maxAlerts}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			id           TEXT PRIMARY KEY,
			symbol       TEXT NOT NULL,
			kind         TEXT NOT NULL,
			tick_ts      INTEGER NOT NULL,
			price        REAL NOT NULL,
			traded_value REAL NOT NULL,
			magnitude    REAL NOT NULL,
			lookback     INTEGER NOT NULL DEFAULT 0,
			detected_at  INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS alarm_state (
			symbol        TEXT PRIMARY KEY,
			last_kind     TEXT NOT NULL,
			last_fired_at INTEGER NOT NULL,
			updated_at    INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_detected_at ON alerts(detected_at)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_symbol ON alerts(symbol, detected_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// AddAlert journals an alert and trims the journal to maxAlerts rows.
func (s *Storage) AddAlert(alert models.Alert) error {
	if alert.ID == "" || alert.Symbol == "" {
		return fmt.Errorf("invalid alert: id and symbol are required")
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.Exec(`
		INSERT INTO alerts
			(id, symbol, kind, tick_ts, price, traded_value, magnitude, lookback, detected_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		alert.ID, alert.Symbol, string(alert.Kind), alert.Timestamp,
		alert.Price, alert.TradedValue, alert.Magnitude, alert.Offset,
		alert.DetectedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	if err := rotateAlerts(tx, s.maxAlerts); err != nil {
		return err
	}
	return tx.Commit()
}

// GetRecentAlerts returns up to k alerts, newest first. An empty symbol matches all.
func (s *Storage) GetRecentAlerts(symbol string, k int) ([]models.Alert, error) {
	rows, err := s.db.Query(`
		SELECT id, symbol, kind, tick_ts, price, traded_value, magnitude, lookback, detected_at
		FROM alerts
		WHERE ? = '' OR symbol = ?
		ORDER BY detected_at DESC, tick_ts DESC
		LIMIT ?`, symbol, symbol, k)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		var a models.Alert
		var kind string
		var detectedAtNano int64
		err := rows.Scan(
			&a.ID, &a.Symbol, &kind, &a.Timestamp,
			&a.Price, &a.TradedValue, &a.Magnitude, &a.Offset,
			&detectedAtNano,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		a.Kind = models.AlertKind(kind)
		a.DetectedAt = time.Unix(0, detectedAtNano)
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// RotateAlerts keeps at most maxAlerts newest alerts by detected_at.
func (s *Storage) RotateAlerts() error {
	return rotateAlerts(s.db, s.maxAlerts)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func rotateAlerts(db execer, maxAlerts int) error {
	if maxAlerts <= 0 {
		return nil
	}
	_, err := db.Exec(`
		DELETE FROM alerts WHERE id NOT IN (
			SELECT id FROM alerts ORDER BY detected_at DESC LIMIT ?
		)`, maxAlerts)
	if err != nil {
		return fmt.Errorf("failed to rotate alerts: %w", err)
	}
	return nil
}

// SaveAlarmState upserts the alarm state for symbol.
func (s *Storage) SaveAlarmState(symbol string, st models.AlarmState) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO alarm_state (symbol, last_kind, last_fired_at, updated_at)
		VALUES (?,?,?,?)`,
		symbol, st.LastKind.String(), st.LastFiredAt.UnixNano(), time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save alarm state: %w", err)
	}
	return nil
}

// LoadAlarmStates returns every checkpointed alarm state keyed by symbol.
func (s *Storage) LoadAlarmStates() (map[string]models.AlarmState, error) {
	rows, err := s.db.Query(`SELECT symbol, last_kind, last_fired_at FROM alarm_state`)
	if err != nil {
		return nil, fmt.Errorf("failed to query alarm states: %w", err)
	}
	defer rows.Close()

	states := make(map[string]models.AlarmState)
	for rows.Next() {
		var symbol, kind string
		var firedAtNano int64
		if err := rows.Scan(&symbol, &kind, &firedAtNano); err != nil {
			return nil, fmt.Errorf("failed to scan alarm state: %w", err)
		}
		states[symbol] = models.AlarmState{
			LastKind:    models.ParseAlarmKind(kind),
			LastFiredAt: time.Unix(0, firedAtNano),
		}
	}
	return states, rows.Err()
}
