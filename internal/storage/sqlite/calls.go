// Package sqlite provides SQLite-backed persistence for call records.
package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/m-check1B/telephony-core/internal/telephony"
	"github.com/m-check1B/telephony-core/pkg/logger"
)

// Import logger functions
var (
	String = logger.String
	Error  = logger.Error
)

// CallRecord is one call leg's row in the call log. Phone numbers are
// stored masked.
type CallRecord struct {
	ID           int64                   `json:"id"`
	CallSID      string                  `json:"call_sid"`
	Provider     string                  `json:"provider"`
	Direction    telephony.CallDirection `json:"direction"`
	From         string                  `json:"from"`
	To           string                  `json:"to"`
	Status       telephony.CallStatus    `json:"status"`
	Duration     int                     `json:"duration,omitempty"`
	RecordingURL string                  `json:"recording_url,omitempty"`
	ErrorCode    string                  `json:"error_code,omitempty"`
	CreatedAt    time.Time               `json:"created_at"`
	UpdatedAt    time.Time               `json:"updated_at"`
}

// CallStorage handles storage of call records
type CallStorage struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewCallStorage opens (or creates) the call log database at dbPath
func NewCallStorage(dbPath string, log *logger.Logger) (*CallStorage, error) {
	storageLogger := log.Named("sqlite")

	storageLogger.Info("Initializing SQLite call storage", String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	storage := &CallStorage{
		db:     db,
		logger: storageLogger,
	}
	if err := storage.initDB(); err != nil {
		return nil, err
	}
	return storage, nil
}

// initDB initializes the database tables
func (s *CallStorage) initDB() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			call_sid TEXT NOT NULL UNIQUE,
			provider TEXT NOT NULL,
			direction TEXT NOT NULL,
			from_number TEXT NOT NULL,
			to_number TEXT NOT NULL,
			status TEXT NOT NULL,
			duration INTEGER NOT NULL DEFAULT 0,
			recording_url TEXT,
			error_code TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create calls table: %w", err)
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_calls_status ON calls(status)`)
	if err != nil {
		return fmt.Errorf("failed to create status index: %w", err)
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_calls_created_at ON calls(created_at)`)
	if err != nil {
		return fmt.Errorf("failed to create created_at index: %w", err)
	}
	return nil
}

// StoreCall inserts a new call record. Numbers are masked before they
// touch the database.
func (s *CallStorage) StoreCall(record *CallRecord) (int64, error) {
	now := time.Now().UTC()
	result, err := s.db.Exec(
		`INSERT INTO calls
		(call_sid, provider, direction, from_number, to_number, status, duration, recording_url, error_code, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.CallSID,
		record.Provider,
		string(record.Direction),
		telephony.MaskNumber(record.From),
		telephony.MaskNumber(record.To),
		string(record.Status),
		record.Duration,
		record.RecordingURL,
		record.ErrorCode,
		now.Format(time.RFC3339),
		now.Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert call: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}
	return id, nil
}

// UpdateCallStatus applies a status update to an existing call record.
// Empty update fields leave the stored values untouched.
func (s *CallStorage) UpdateCallStatus(update *telephony.CallStatusUpdate) error {
	now := time.Now().UTC().Format(time.RFC3339)
	result, err := s.db.Exec(
		`UPDATE calls SET
			status = ?,
			duration = CASE WHEN ? > 0 THEN ? ELSE duration END,
			recording_url = CASE WHEN ? != '' THEN ? ELSE recording_url END,
			error_code = CASE WHEN ? != '' THEN ? ELSE error_code END,
			updated_at = ?
		WHERE call_sid = ?`,
		string(update.Status),
		update.Duration, update.Duration,
		update.RecordingURL, update.RecordingURL,
		update.ErrorCode, update.ErrorCode,
		now,
		update.CallSID,
	)
	if err != nil {
		return fmt.Errorf("failed to update call %s: %w", update.CallSID, err)
	}
	rows, err := result.RowsAffected()
	if err == nil && rows == 0 {
		s.logger.Debug("Status update for unknown call", String("call_sid", update.CallSID))
	}
	return nil
}

// GetCall returns the record for one call SID, or nil when unknown
func (s *CallStorage) GetCall(callSID string) (*CallRecord, error) {
	row := s.db.QueryRow(
		`SELECT id, call_sid, provider, direction, from_number, to_number, status, duration, recording_url, error_code, created_at, updated_at
		FROM calls WHERE call_sid = ?`, callSID)

	record, err := scanCall(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query call %s: %w", callSID, err)
	}
	return record, nil
}

// GetCalls returns recent call records, newest first
func (s *CallStorage) GetCalls(limit, offset int) ([]*CallRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, call_sid, provider, direction, from_number, to_number, status, duration, recording_url, error_code, created_at, updated_at
		FROM calls ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query calls: %w", err)
	}
	defer rows.Close()

	var records []*CallRecord
	for rows.Next() {
		record, err := scanCall(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call row: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// scanCall scans one calls row via the given Scan function
func scanCall(scan func(dest ...interface{}) error) (*CallRecord, error) {
	var record CallRecord
	var direction, status, createdAt, updatedAt string
	var recordingURL, errorCode sql.NullString

	if err := scan(
		&record.ID,
		&record.CallSID,
		&record.Provider,
		&direction,
		&record.From,
		&record.To,
		&status,
		&record.Duration,
		&recordingURL,
		&errorCode,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	record.Direction = telephony.CallDirection(direction)
	record.Status = telephony.CallStatus(status)
	record.RecordingURL = recordingURL.String
	record.ErrorCode = errorCode.String
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		record.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		record.UpdatedAt = t
	}
	return &record, nil
}

// Close closes the database
func (s *CallStorage) Close() error {
	return s.db.Close()
}
