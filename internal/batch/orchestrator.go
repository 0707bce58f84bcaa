package batch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/speakeasy-voice/speakeasy/internal/history"
	"github.com/speakeasy-voice/speakeasy/internal/notify"
	"github.com/speakeasy-voice/speakeasy/internal/session"
)

var (
	ErrEmptyJob      = errors.New("job requires at least one file")
	ErrJobNotFound   = errors.New("job not found")
	ErrJobNotPending = errors.New("job is not pending")
)

// Transcriber is the slice of the session controller the orchestrator drives:
// one file at a time, plus the reload used to recover from fatal faults.
type Transcriber interface {
	TranscribeFile(ctx context.Context, path, language string, onChunk session.ChunkProgressFunc) (session.TranscriptionResult, error)
	ReloadModel(ctx context.Context) error
}

// ResultSink stores finished transcriptions. The returned record's ID becomes
// the file's result reference.
type ResultSink interface {
	Save(record history.Record) (history.Record, error)
}

// Options configures an Orchestrator. Store is required.
type Options struct {
	Store  Store
	Logger *zap.Logger
	// Fatal classifies failure messages as accelerator faults. Defaults to
	// DefaultFatalPredicate.
	Fatal FatalPredicate
	// RetryPause is the wait between the two attempts on an ordinary
	// failure. Defaults to one second.
	RetryPause time.Duration
	// Sleep exists so tests can skip the retry pause.
	Sleep func(time.Duration)
}

// Orchestrator manages durable batch jobs: creation, sequential processing,
// cooperative cancellation, retry and deletion. One mutex guards the in-memory
// job table; a per-job lock keeps a job from being processed twice at once.
type Orchestrator struct {
	store      Store
	logger     *zap.Logger
	fatal      FatalPredicate
	retryPause time.Duration
	sleep      func(time.Duration)

	mu          sync.Mutex
	jobs        map[string]*Job
	cancelFlags map[string]bool
	procLocks   map[string]*sync.Mutex
}

// NewOrchestrator builds an orchestrator and rehydrates persisted jobs from
// the store.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	fatal := opts.Fatal
	if fatal == nil {
		fatal = DefaultFatalPredicate
	}
	retryPause := opts.RetryPause
	if retryPause <= 0 {
		retryPause = time.Second
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	o := &Orchestrator{
		store:       opts.Store,
		logger:      logger,
		fatal:       fatal,
		retryPause:  retryPause,
		sleep:       sleep,
		jobs:        make(map[string]*Job),
		cancelFlags: make(map[string]bool),
		procLocks:   make(map[string]*sync.Mutex),
	}

	persisted, err := opts.Store.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	for _, job := range persisted {
		o.jobs[job.ID] = job
	}
	if len(persisted) > 0 {
		logger.Info("rehydrated batch jobs", zap.Int("count", len(persisted)))
	}

	return o, nil
}

// CreateJob persists a new pending job with one file per path.
func (o *Orchestrator) CreateJob(filePaths []string) (Job, error) {
	if len(filePaths) == 0 {
		return Job{}, ErrEmptyJob
	}

	job := &Job{
		ID:        uuid.New().String(),
		Status:    JobStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	for _, path := range filePaths {
		job.Files = append(job.Files, File{
			ID:       uuid.New().String(),
			JobID:    job.ID,
			Filename: filepath.Base(path),
			Path:     path,
			Status:   FileStatusPending,
		})
	}

	if err := o.store.InsertJob(job); err != nil {
		return Job{}, fmt.Errorf("persist job: %w", err)
	}

	o.mu.Lock()
	o.jobs[job.ID] = job
	o.cancelFlags[job.ID] = false
	snapshot := job.clone()
	o.mu.Unlock()

	o.logger.Info("created batch job",
		zap.String("job_id", job.ID),
		zap.Int("files", len(filePaths)))
	return snapshot, nil
}

// GetJob returns a snapshot of one job.
func (o *Orchestrator) GetJob(jobID string) (Job, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	job, ok := o.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	return job.clone(), true
}

// ListJobs returns snapshots of the most recent jobs, newest first. limit <= 0
// selects a default of 50.
func (o *Orchestrator) ListJobs(limit int) []Job {
	if limit <= 0 {
		limit = 50
	}

	o.mu.Lock()
	jobs := make([]Job, 0, len(o.jobs))
	for _, job := range o.jobs {
		jobs = append(jobs, job.clone())
	}
	o.mu.Unlock()

	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
	})
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs
}

// ProcessJob transcribes every file of a pending job, strictly in order. It
// blocks until the job finishes; a concurrent call for the same job waits on
// the per-job lock and then fails because the job has left Pending.
func (o *Orchestrator) ProcessJob(ctx context.Context, jobID string, transcriber Transcriber, sink ResultSink, notifyFn notify.Func, language string) error {
	o.mu.Lock()
	job, ok := o.jobs[jobID]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if job.Status != JobStatusPending {
		status := job.Status
		o.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrJobNotPending, jobID, status)
	}
	procLock, ok := o.procLocks[jobID]
	if !ok {
		procLock = &sync.Mutex{}
		o.procLocks[jobID] = procLock
	}
	o.mu.Unlock()

	procLock.Lock()
	defer procLock.Unlock()

	// Re-check under the processing lock: a concurrent caller may have
	// driven the job to completion while this one waited.
	o.mu.Lock()
	if job.Status != JobStatusPending {
		status := job.Status
		o.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrJobNotPending, jobID, status)
	}
	job.Status = JobStatusProcessing
	total := len(job.Files)
	o.persistJobLocked(job)
	o.mu.Unlock()

	o.emit(notifyFn, map[string]any{
		"job_id":        jobID,
		"status":        string(JobStatusProcessing),
		"current_file":  nil,
		"current_index": 0,
		"total_files":   total,
		"completed":     0,
		"failed":        0,
	})

	completed := 0
	failed := 0

	for index := 0; index < total; index++ {
		o.mu.Lock()
		if o.cancelFlags[jobID] {
			o.mu.Unlock()
			o.logger.Info("job cancelled, stopping at file boundary",
				zap.String("job_id", jobID),
				zap.Int("index", index))
			break
		}
		job.CurrentFileIndex = index
		file := &job.Files[index]
		file.Status = FileStatusProcessing
		o.persistFileLocked(file)
		filename := file.Filename
		path := file.Path
		o.mu.Unlock()

		o.emit(notifyFn, map[string]any{
			"job_id":        jobID,
			"status":        string(JobStatusProcessing),
			"current_file":  filename,
			"current_index": index,
			"total_files":   total,
			"completed":     completed,
			"failed":        failed,
		})

		status, errMsg, resultRef := o.processFile(ctx, transcriber, sink, filename, path, language)

		o.mu.Lock()
		file.Status = status
		file.Error = errMsg
		file.ResultReference = resultRef
		o.persistFileLocked(file)
		o.mu.Unlock()

		switch status {
		case FileStatusCompleted:
			completed++
		case FileStatusFailed:
			failed++
		}

		o.emit(notifyFn, map[string]any{
			"job_id":        jobID,
			"status":        string(JobStatusProcessing),
			"current_file":  filename,
			"current_index": index + 1,
			"total_files":   total,
			"completed":     completed,
			"failed":        failed,
			"file_status":   string(status),
		})
	}

	o.mu.Lock()
	switch {
	case o.cancelFlags[jobID]:
		job.Status = JobStatusCancelled
	case failed == total:
		job.Status = JobStatusFailed
	default:
		job.Status = JobStatusCompleted
	}
	now := time.Now().UTC()
	job.CompletedAt = &now
	finalStatus := job.Status
	o.persistJobLocked(job)
	o.mu.Unlock()

	o.emit(notifyFn, map[string]any{
		"job_id":        jobID,
		"status":        string(finalStatus),
		"current_file":  nil,
		"current_index": total,
		"total_files":   total,
		"completed":     completed,
		"failed":        failed,
	})

	o.logger.Info("batch job finished",
		zap.String("job_id", jobID),
		zap.String("status", string(finalStatus)),
		zap.Int("completed", completed),
		zap.Int("failed", failed))
	return nil
}

// processFile runs one file through the transcriber with at most one retry on
// ordinary failures. Fatal accelerator faults skip the retry and trigger a
// single best-effort session reload.
func (o *Orchestrator) processFile(ctx context.Context, transcriber Transcriber, sink ResultSink, filename, path, language string) (FileStatus, string, string) {
	const maxAttempts = 2

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := transcriber.TranscribeFile(ctx, path, language, nil)
		if err == nil {
			record, saveErr := sink.Save(history.Record{
				Source:       filename,
				Text:         result.Text,
				Language:     result.Language,
				Model:        result.Model,
				ProcessingMs: result.ProcessingMs,
				DurationMs:   result.RecordedDuration.Milliseconds(),
			})
			if saveErr == nil {
				return FileStatusCompleted, "", record.ID
			}
			err = fmt.Errorf("store result: %w", saveErr)
		}

		if o.fatal(err.Error()) {
			o.logger.Error("accelerator fault during transcription, reloading model",
				zap.String("file", filename),
				zap.Error(err))
			if reloadErr := transcriber.ReloadModel(ctx); reloadErr != nil {
				o.logger.Error("model reload after fault failed", zap.Error(reloadErr))
			}
			return FileStatusFailed, FatalFaultDiagnostic, ""
		}

		lastErr = err
		if attempt < maxAttempts {
			o.logger.Warn("transcription failed, retrying",
				zap.String("file", filename),
				zap.Int("attempt", attempt),
				zap.Error(err))
			o.sleep(o.retryPause)
		}
	}

	o.logger.Error("transcription failed after retries",
		zap.String("file", filename),
		zap.Error(lastErr))
	return FileStatusFailed, lastErr.Error(), ""
}

// CancelJob raises the job's cancellation flag and marks it cancelled
// immediately. Pending files become Skipped; an in-flight processing loop
// observes the flag at its next file boundary. Returns false for unknown or
// already-terminal jobs.
func (o *Orchestrator) CancelJob(jobID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	job, ok := o.jobs[jobID]
	if !ok || job.Terminal() {
		return false
	}

	o.cancelFlags[jobID] = true
	for i := range job.Files {
		if job.Files[i].Status == FileStatusPending {
			job.Files[i].Status = FileStatusSkipped
			o.persistFileLocked(&job.Files[i])
		}
	}

	job.Status = JobStatusCancelled
	now := time.Now().UTC()
	job.CompletedAt = &now
	o.persistJobLocked(job)

	o.logger.Info("cancelled batch job", zap.String("job_id", jobID))
	return true
}

// RetryFailed resets failed files back to Pending so the job can be
// processed again. A nil fileIDs resets every failed file; otherwise only the
// named ones. The caller must invoke ProcessJob to resume.
func (o *Orchestrator) RetryFailed(jobID string, fileIDs []string) (Job, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	job, ok := o.jobs[jobID]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	selected := make(map[string]struct{}, len(fileIDs))
	for _, id := range fileIDs {
		selected[id] = struct{}{}
	}

	for i := range job.Files {
		file := &job.Files[i]
		if file.Status != FileStatusFailed {
			continue
		}
		if fileIDs != nil {
			if _, ok := selected[file.ID]; !ok {
				continue
			}
		}
		file.Status = FileStatusPending
		file.Error = ""
		o.persistFileLocked(file)
	}

	job.Status = JobStatusPending
	job.CompletedAt = nil
	job.CurrentFileIndex = 0
	o.cancelFlags[jobID] = false
	o.persistJobLocked(job)

	o.logger.Info("reset batch job for retry", zap.String("job_id", jobID))
	return job.clone(), nil
}

// DeleteJob removes a job and its files from durable storage and memory.
// Returns false for an unknown id.
func (o *Orchestrator) DeleteJob(jobID string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.jobs[jobID]; !ok {
		return false, nil
	}

	deleted, err := o.store.DeleteJob(jobID)
	if err != nil {
		return false, fmt.Errorf("delete job: %w", err)
	}

	delete(o.jobs, jobID)
	delete(o.cancelFlags, jobID)
	delete(o.procLocks, jobID)

	o.logger.Info("deleted batch job", zap.String("job_id", jobID))
	return deleted, nil
}

func (o *Orchestrator) persistJobLocked(job *Job) {
	if err := o.store.UpdateJobStatus(job); err != nil {
		o.logger.Error("persist job status", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (o *Orchestrator) persistFileLocked(file *File) {
	if err := o.store.UpdateFileStatus(file); err != nil {
		o.logger.Error("persist file status", zap.String("file_id", file.ID), zap.Error(err))
	}
}

// emit delivers one progress event, best effort. A panicking notifier never
// aborts job processing.
func (o *Orchestrator) emit(notifyFn notify.Func, payload map[string]any) {
	if notifyFn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Warn("progress notifier panicked", zap.Any("panic", r))
		}
	}()
	notifyFn("batch_progress", payload)
}
