package history

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a record id does not exist.
var ErrNotFound = errors.New("history record not found")

// Record is one stored transcription.
type Record struct {
	ID           string
	Source       string
	Text         string
	Language     string
	Model        string
	DurationMs   int64
	ProcessingMs int64
	CreatedAt    time.Time
}

// Store provides SQLite-backed persistence for finished transcriptions. Batch
// files point at records here through their result references.
type Store struct {
	db *sql.DB
}

// NewStore opens the SQLite database at dbPath and creates the table if it
// doesn't exist.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS transcriptions (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		text TEXT NOT NULL,
		language TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		processing_ms INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := db.Exec(schema)
	return err
}

// Save persists one transcription and returns its record with the generated
// id filled in.
func (s *Store) Save(record Record) (Record, error) {
	record.ID = uuid.New().String()
	record.CreatedAt = time.Now()

	_, err := s.db.Exec(
		`INSERT INTO transcriptions (id, source, text, language, model, duration_ms, processing_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.Source, record.Text, record.Language, record.Model,
		record.DurationMs, record.ProcessingMs, record.CreatedAt,
	)
	if err != nil {
		return Record{}, fmt.Errorf("insert transcription: %w", err)
	}

	return record, nil
}

// Get retrieves one transcription by id.
func (s *Store) Get(id string) (Record, error) {
	row := s.db.QueryRow(
		`SELECT id, source, text, language, model, duration_ms, processing_ms, created_at
		 FROM transcriptions WHERE id = ?`,
		id,
	)

	var record Record
	err := row.Scan(&record.ID, &record.Source, &record.Text, &record.Language,
		&record.Model, &record.DurationMs, &record.ProcessingMs, &record.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("scan transcription: %w", err)
	}

	return record, nil
}

// List returns the most recent transcriptions, newest first. limit <= 0
// selects a default of 50.
func (s *Store) List(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT id, source, text, language, model, duration_ms, processing_ms, created_at
		 FROM transcriptions ORDER BY created_at DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query transcriptions: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var record Record
		if err := rows.Scan(&record.ID, &record.Source, &record.Text, &record.Language,
			&record.Model, &record.DurationMs, &record.ProcessingMs, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transcription: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// Delete removes one transcription. Returns false if the id was unknown.
func (s *Store) Delete(id string) (bool, error) {
	result, err := s.db.Exec(`DELETE FROM transcriptions WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete transcription: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}
