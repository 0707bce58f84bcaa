package batch

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the persistence contract the orchestrator writes through. Jobs
// live in memory during processing; the store is the durable mirror that
// survives restarts.
type Store interface {
	InsertJob(job *Job) error
	UpdateJobStatus(job *Job) error
	UpdateFileStatus(file *File) error
	DeleteJob(jobID string) (bool, error)
	LoadAll() ([]*Job, error)
	Close() error
}

// SQLiteStore persists jobs and their files in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database at dbPath and creates the schema if it
// doesn't exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS batch_jobs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		completed_at DATETIME,
		current_file_index INTEGER DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS batch_files (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		filename TEXT NOT NULL,
		file_path TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		error TEXT,
		result_reference TEXT,
		position INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (job_id) REFERENCES batch_jobs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_batch_files_job_id ON batch_files(job_id);
	`
	_, err := db.Exec(schema)
	return err
}

// InsertJob writes the job and all of its files in one transaction.
func (s *SQLiteStore) InsertJob(job *Job) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(
		`INSERT INTO batch_jobs (id, status, created_at, current_file_index)
		 VALUES (?, ?, ?, ?)`,
		job.ID, string(job.Status), job.CreatedAt, job.CurrentFileIndex,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	for position, file := range job.Files {
		_, err = tx.Exec(
			`INSERT INTO batch_files (id, job_id, filename, file_path, status, position)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			file.ID, file.JobID, file.Filename, file.Path, string(file.Status), position,
		)
		if err != nil {
			return fmt.Errorf("insert file %s: %w", file.Filename, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit job insert: %w", err)
	}
	return nil
}

// UpdateJobStatus writes the job's mutable columns.
func (s *SQLiteStore) UpdateJobStatus(job *Job) error {
	var completedAt any
	if job.CompletedAt != nil {
		completedAt = *job.CompletedAt
	}

	_, err := s.db.Exec(
		`UPDATE batch_jobs SET status = ?, completed_at = ?, current_file_index = ? WHERE id = ?`,
		string(job.Status), completedAt, job.CurrentFileIndex, job.ID,
	)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return nil
}

// UpdateFileStatus writes the file's mutable columns.
func (s *SQLiteStore) UpdateFileStatus(file *File) error {
	_, err := s.db.Exec(
		`UPDATE batch_files SET status = ?, error = ?, result_reference = ? WHERE id = ?`,
		string(file.Status), nullable(file.Error), nullable(file.ResultReference), file.ID,
	)
	if err != nil {
		return fmt.Errorf("update file status: %w", err)
	}
	return nil
}

// DeleteJob removes a job and cascades to its files. Returns false when the
// id was unknown.
func (s *SQLiteStore) DeleteJob(jobID string) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM batch_files WHERE job_id = ?`, jobID); err != nil {
		return false, fmt.Errorf("delete files: %w", err)
	}

	result, err := tx.Exec(`DELETE FROM batch_jobs WHERE id = ?`, jobID)
	if err != nil {
		return false, fmt.Errorf("delete job: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit job delete: %w", err)
	}
	return affected > 0, nil
}

// LoadAll rehydrates every persisted job, newest first, with files in their
// submission order.
func (s *SQLiteStore) LoadAll() ([]*Job, error) {
	rows, err := s.db.Query(
		`SELECT id, status, created_at, completed_at, current_file_index
		 FROM batch_jobs ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var job Job
		var completedAt sql.NullTime
		if err := rows.Scan(&job.ID, &job.Status, &job.CreatedAt, &completedAt, &job.CurrentFileIndex); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		if completedAt.Valid {
			stamp := completedAt.Time
			job.CompletedAt = &stamp
		}
		jobs = append(jobs, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, job := range jobs {
		files, err := s.loadFiles(job.ID)
		if err != nil {
			return nil, err
		}
		job.Files = files
	}
	return jobs, nil
}

func (s *SQLiteStore) loadFiles(jobID string) ([]File, error) {
	rows, err := s.db.Query(
		`SELECT id, job_id, filename, file_path, status, error, result_reference
		 FROM batch_files WHERE job_id = ? ORDER BY position`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	defer rows.Close()

	var files []File
	for rows.Next() {
		var file File
		var errMsg, resultRef sql.NullString
		if err := rows.Scan(&file.ID, &file.JobID, &file.Filename, &file.Path, &file.Status, &errMsg, &resultRef); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		file.Error = errMsg.String
		file.ResultReference = resultRef.String
		files = append(files, file)
	}
	return files, rows.Err()
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}
