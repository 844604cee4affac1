// Package store provides data persistence implementations.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	apperrors "stock-alerter/internal/errors"
	"stock-alerter/internal/models"
)

// SQLiteStore implements DataStore using SQLite.
//
// Every transaction is opened with BEGIN IMMEDIATE so an evaluation pass
// holds the database write lock from the moment it reads alerts until it
// commits, which serializes passes across processes sharing the file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-based data store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for concurrent access
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		email TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS instruments (
		id TEXT PRIMARY KEY,
		ticker TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	-- Prices are stored as decimal text to keep them exact
	CREATE TABLE IF NOT EXISTS observations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		instrument_id TEXT NOT NULL,
		price TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		FOREIGN KEY (instrument_id) REFERENCES instruments(id)
	);

	CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		instrument_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		comparator TEXT NOT NULL,
		threshold TEXT,
		duration_minutes INTEGER,
		condition_open INTEGER NOT NULL DEFAULT 0,
		condition_opened_at DATETIME,
		last_observed_price TEXT,
		active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		last_triggered_at DATETIME,
		FOREIGN KEY (user_id) REFERENCES users(id),
		FOREIGN KEY (instrument_id) REFERENCES instruments(id)
	);

	CREATE TABLE IF NOT EXISTS alert_triggers (
		id TEXT PRIMARY KEY,
		alert_id TEXT NOT NULL,
		triggered_at DATETIME NOT NULL,
		price TEXT NOT NULL,
		message TEXT NOT NULL,
		FOREIGN KEY (alert_id) REFERENCES alerts(id)
	);

	-- Indexes
	CREATE INDEX IF NOT EXISTS idx_observations_instrument_ts ON observations(instrument_id, timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_alerts_instrument_active ON alerts(instrument_id, active);
	CREATE INDEX IF NOT EXISTS idx_alerts_user ON alerts(user_id);
	CREATE INDEX IF NOT EXISTS idx_triggers_alert_ts ON alert_triggers(alert_id, triggered_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ============================================================================
// Evaluation passes
// ============================================================================

// BeginPass starts an immediate transaction scoped to one instrument.
func (s *SQLiteStore) BeginPass(ctx context.Context, instrumentID string) (AlertPass, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &sqlitePass{tx: tx, instrumentID: instrumentID}, nil
}

type sqlitePass struct {
	tx           *sql.Tx
	instrumentID string
}

const alertColumns = `
	a.id, a.user_id, a.instrument_id, i.ticker, a.name, a.kind, a.comparator,
	a.threshold, a.duration_minutes, a.condition_open, a.condition_opened_at,
	a.last_observed_price, a.active, a.created_at, a.last_triggered_at`

func (p *sqlitePass) ListActive(ctx context.Context) ([]models.Alert, error) {
	rows, err := p.tx.QueryContext(ctx, `
		SELECT`+alertColumns+`
		FROM alerts a JOIN instruments i ON i.id = a.instrument_id
		WHERE a.instrument_id = ? AND a.active = 1
		ORDER BY a.created_at ASC, a.id ASC
	`, p.instrumentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	return scanAlerts(rows)
}

func (p *sqlitePass) SaveMutations(ctx context.Context, updates []models.AlertStateUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	stmt, err := p.tx.PrepareContext(ctx, `
		UPDATE alerts
		SET condition_open = ?, condition_opened_at = ?, last_observed_price = ?, last_triggered_at = ?
		WHERE id = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, u := range updates {
		_, err := stmt.ExecContext(ctx,
			boolToInt(u.Window.Open),
			nullableTime(u.Window.OpenedAt),
			u.Window.LastObservedPrice,
			nullableTime(u.LastTriggeredAt),
			u.AlertID,
		)
		if err != nil {
			return fmt.Errorf("failed to update alert %s: %w", u.AlertID, err)
		}
	}
	return nil
}

func (p *sqlitePass) CreateTriggers(ctx context.Context, triggers []models.Trigger) error {
	if len(triggers) == 0 {
		return nil
	}

	stmt, err := p.tx.PrepareContext(ctx, `
		INSERT INTO alert_triggers (id, alert_id, triggered_at, price, message)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, t := range triggers {
		if _, err := stmt.ExecContext(ctx, t.ID, t.AlertID, t.TriggeredAt.UTC(), t.Price, t.Message); err != nil {
			return fmt.Errorf("failed to insert trigger: %w", err)
		}
	}
	return nil
}

func (p *sqlitePass) Commit() error {
	if err := p.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (p *sqlitePass) Rollback() error {
	err := p.tx.Rollback()
	if err == sql.ErrTxDone {
		return nil
	}
	return err
}

// ============================================================================
// Observations
// ============================================================================

// RecordObservation appends a price observation.
func (s *SQLiteStore) RecordObservation(ctx context.Context, obs *models.Observation) error {
	if obs.Timestamp.IsZero() {
		obs.Timestamp = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO observations (instrument_id, price, timestamp)
		VALUES (?, ?, ?)
	`, obs.InstrumentID, obs.Price, obs.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to record observation: %w", err)
	}

	if id, err := res.LastInsertId(); err == nil {
		obs.ID = id
	}
	return nil
}

// Latest returns the most recent observation for an instrument, or nil.
func (s *SQLiteStore) Latest(ctx context.Context, instrumentID string) (*models.Observation, error) {
	var obs models.Observation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, instrument_id, price, timestamp
		FROM observations
		WHERE instrument_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT 1
	`, instrumentID).Scan(&obs.ID, &obs.InstrumentID, &obs.Price, &obs.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest observation: %w", err)
	}
	return &obs, nil
}

// LatestPrices returns every instrument with its latest price, if any.
func (s *SQLiteStore) LatestPrices(ctx context.Context) ([]models.PriceDigestEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.ticker,
			(SELECT o.price FROM observations o WHERE o.instrument_id = i.id
				ORDER BY o.timestamp DESC, o.id DESC LIMIT 1) AS price,
			(SELECT o.timestamp FROM observations o WHERE o.instrument_id = i.id
				ORDER BY o.timestamp DESC, o.id DESC LIMIT 1) AS ts
		FROM instruments i
		ORDER BY i.ticker ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest prices: %w", err)
	}
	defer rows.Close()

	var entries []models.PriceDigestEntry
	for rows.Next() {
		var e models.PriceDigestEntry
		// Subquery columns carry no declared type, so the timestamp comes back as text.
		var ts sql.NullString
		if err := rows.Scan(&e.Ticker, &e.Price, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan price: %w", err)
		}
		if ts.Valid {
			if t, ok := parseSQLiteTime(ts.String); ok {
				e.AsOf = &t
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ============================================================================
// Instruments
// ============================================================================

// CreateInstrument inserts a new instrument. Tickers are stored upper-case.
func (s *SQLiteStore) CreateInstrument(ctx context.Context, inst *models.Instrument) error {
	ticker, err := models.NormalizeTicker(inst.Ticker)
	if err != nil {
		return err
	}
	inst.Ticker = ticker
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO instruments (id, ticker, name, created_at)
		VALUES (?, ?, ?, ?)
	`, inst.ID, inst.Ticker, inst.Name, inst.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create instrument: %w", err)
	}
	return nil
}

// GetInstrument retrieves an instrument by ID.
func (s *SQLiteStore) GetInstrument(ctx context.Context, id string) (*models.Instrument, error) {
	return s.getInstrument(ctx, "id = ?", id)
}

// GetInstrumentByTicker retrieves an instrument by its ticker.
func (s *SQLiteStore) GetInstrumentByTicker(ctx context.Context, ticker string) (*models.Instrument, error) {
	return s.getInstrument(ctx, "ticker = ?", strings.ToUpper(strings.TrimSpace(ticker)))
}

func (s *SQLiteStore) getInstrument(ctx context.Context, where string, arg interface{}) (*models.Instrument, error) {
	var inst models.Instrument
	err := s.db.QueryRowContext(ctx,
		`SELECT id, ticker, name, created_at FROM instruments WHERE `+where, arg,
	).Scan(&inst.ID, &inst.Ticker, &inst.Name, &inst.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("instrument %v: %w", arg, apperrors.ErrDataNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instrument: %w", err)
	}
	return &inst, nil
}

// ListInstruments returns all instruments ordered by ticker.
func (s *SQLiteStore) ListInstruments(ctx context.Context) ([]models.Instrument, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ticker, name, created_at FROM instruments ORDER BY ticker ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query instruments: %w", err)
	}
	defer rows.Close()

	var instruments []models.Instrument
	for rows.Next() {
		var inst models.Instrument
		if err := rows.Scan(&inst.ID, &inst.Ticker, &inst.Name, &inst.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan instrument: %w", err)
		}
		instruments = append(instruments, inst)
	}
	return instruments, rows.Err()
}

// ============================================================================
// Users
// ============================================================================

// CreateUser inserts a new user.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, active, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, user.ID, user.Username, user.Email, boolToInt(user.Active), user.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	var active int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, email, active, created_at FROM users WHERE id = ?
	`, id).Scan(&u.ID, &u.Username, &u.Email, &active, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user %s: %w", id, apperrors.ErrDataNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.Active = active == 1
	return &u, nil
}

// ListUsers returns users matching the filter.
func (s *SQLiteStore) ListUsers(ctx context.Context, filter UserFilter) ([]models.User, error) {
	query := `SELECT id, username, email, active, created_at FROM users WHERE 1=1`
	if filter.ActiveOnly {
		query += " AND active = 1"
	}
	if filter.WithEmail {
		query += " AND email != ''"
	}
	query += " ORDER BY username ASC"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		var active int
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &active, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		u.Active = active == 1
		users = append(users, u)
	}
	return users, rows.Err()
}

// ============================================================================
// Alerts
// ============================================================================

// CreateAlert validates and inserts a new alert with a closed window.
func (s *SQLiteStore) CreateAlert(ctx context.Context, alert *models.Alert) error {
	if err := alert.Validate(); err != nil {
		return err
	}
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now()
	}
	alert.Window = models.ConditionWindow{}
	alert.LastTriggeredAt = nil

	var duration sql.NullInt64
	if alert.DurationMinutes != nil {
		duration = sql.NullInt64{Int64: int64(*alert.DurationMinutes), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, user_id, instrument_id, name, kind, comparator, threshold,
			duration_minutes, condition_open, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`, alert.ID, alert.UserID, alert.InstrumentID, alert.Name, string(alert.Kind), string(alert.Comparator),
		alert.Threshold, duration, boolToInt(alert.Active), alert.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}
	return nil
}

// GetAlert retrieves an alert by ID.
func (s *SQLiteStore) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT`+alertColumns+`
		FROM alerts a JOIN instruments i ON i.id = a.instrument_id
		WHERE a.id = ?
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query alert: %w", err)
	}
	defer rows.Close()

	alerts, err := scanAlerts(rows)
	if err != nil {
		return nil, err
	}
	if len(alerts) == 0 {
		return nil, fmt.Errorf("alert %s: %w", id, apperrors.ErrDataNotFound)
	}
	return &alerts[0], nil
}

// ListAlerts returns alerts matching the filter.
func (s *SQLiteStore) ListAlerts(ctx context.Context, filter AlertFilter) ([]models.Alert, error) {
	query := `SELECT` + alertColumns + `
		FROM alerts a JOIN instruments i ON i.id = a.instrument_id
		WHERE 1=1`
	var args []interface{}

	if filter.UserID != "" {
		query += " AND a.user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.InstrumentID != "" {
		query += " AND a.instrument_id = ?"
		args = append(args, filter.InstrumentID)
	}
	if filter.ActiveOnly {
		query += " AND a.active = 1"
	}

	query += " ORDER BY a.created_at ASC, a.id ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	return scanAlerts(rows)
}

// SetAlertActive enables or disables an alert. Disabling closes its window.
func (s *SQLiteStore) SetAlertActive(ctx context.Context, id string, active bool) error {
	query := `UPDATE alerts SET active = ? WHERE id = ?`
	if !active {
		query = `UPDATE alerts SET active = ?, condition_open = 0, condition_opened_at = NULL WHERE id = ?`
	}

	result, err := s.db.ExecContext(ctx, query, boolToInt(active), id)
	if err != nil {
		return fmt.Errorf("failed to update alert: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("alert %s: %w", id, apperrors.ErrDataNotFound)
	}
	return nil
}

// ============================================================================
// Triggers
// ============================================================================

// ListTriggers returns an alert's triggers, most recent first.
func (s *SQLiteStore) ListTriggers(ctx context.Context, alertID string, limit int) ([]models.Trigger, error) {
	query := `
		SELECT id, alert_id, triggered_at, price, message
		FROM alert_triggers
		WHERE alert_id = ?
		ORDER BY triggered_at DESC, rowid DESC`
	args := []interface{}{alertID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query triggers: %w", err)
	}
	defer rows.Close()

	var triggers []models.Trigger
	for rows.Next() {
		var t models.Trigger
		if err := rows.Scan(&t.ID, &t.AlertID, &t.TriggeredAt, &t.Price, &t.Message); err != nil {
			return nil, fmt.Errorf("failed to scan trigger: %w", err)
		}
		triggers = append(triggers, t)
	}
	return triggers, rows.Err()
}

// ============================================================================
// Helpers
// ============================================================================

func scanAlerts(rows *sql.Rows) ([]models.Alert, error) {
	var alerts []models.Alert
	for rows.Next() {
		var (
			a           models.Alert
			kind        string
			comparator  string
			threshold   decimal.NullDecimal
			duration    sql.NullInt64
			open        int
			openedAt    sql.NullTime
			lastPrice   decimal.NullDecimal
			active      int
			lastTrigger sql.NullTime
		)
		if err := rows.Scan(&a.ID, &a.UserID, &a.InstrumentID, &a.Ticker, &a.Name, &kind, &comparator,
			&threshold, &duration, &open, &openedAt, &lastPrice, &active, &a.CreatedAt, &lastTrigger); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}

		// Kind and comparator are passed through unchecked so evaluation can
		// reject corrupt values rather than silently defaulting them.
		a.Kind = models.AlertKind(kind)
		a.Comparator = models.Comparator(comparator)
		a.Threshold = threshold
		if duration.Valid {
			d := int(duration.Int64)
			a.DurationMinutes = &d
		}
		a.Window.Open = open == 1
		if openedAt.Valid {
			t := openedAt.Time
			a.Window.OpenedAt = &t
		}
		a.Window.LastObservedPrice = lastPrice
		a.Active = active == 1
		if lastTrigger.Valid {
			t := lastTrigger.Time
			a.LastTriggeredAt = &t
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// sqliteTimeFormats mirrors the layouts the sqlite3 driver writes.
var sqliteTimeFormats = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

func parseSQLiteTime(s string) (time.Time, bool) {
	s = strings.TrimSuffix(s, "Z")
	for _, layout := range sqliteTimeFormats {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
