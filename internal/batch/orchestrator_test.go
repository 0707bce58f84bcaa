package batch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/speakeasy-voice/speakeasy/internal/history"
	"github.com/speakeasy-voice/speakeasy/internal/notify"
	"github.com/speakeasy-voice/speakeasy/internal/session"
)

// fakeTranscriber scripts per-path failures: outcomes[path][n] is the error
// returned on attempt n+1, with nil meaning success. Attempts beyond the
// scripted ones succeed.
type fakeTranscriber struct {
	mu       sync.Mutex
	attempts map[string]int
	outcomes map[string][]error
	reloads  int
	onCall   func(path string, attempt int)
}

func newFakeTranscriber() *fakeTranscriber {
	return &fakeTranscriber{
		attempts: make(map[string]int),
		outcomes: make(map[string][]error),
	}
}

func (f *fakeTranscriber) TranscribeFile(_ context.Context, path, language string, _ session.ChunkProgressFunc) (session.TranscriptionResult, error) {
	f.mu.Lock()
	f.attempts[path]++
	attempt := f.attempts[path]
	var err error
	if scripted := f.outcomes[path]; attempt <= len(scripted) {
		err = scripted[attempt-1]
	}
	hook := f.onCall
	f.mu.Unlock()

	if hook != nil {
		hook(path, attempt)
	}
	if err != nil {
		return session.TranscriptionResult{}, err
	}
	return session.TranscriptionResult{
		Text:     "transcript of " + filepath.Base(path),
		Language: language,
		Model:    "stub",
	}, nil
}

func (f *fakeTranscriber) ReloadModel(context.Context) error {
	f.mu.Lock()
	f.reloads++
	f.mu.Unlock()
	return nil
}

func (f *fakeTranscriber) attemptCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[path]
}

type testEnv struct {
	orch    *Orchestrator
	sink    *history.Store
	dbPath  string
	slept   []time.Duration
	sleepMu sync.Mutex
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()
	env := &testEnv{dbPath: filepath.Join(dir, "batch.db")}

	store, err := NewSQLiteStore(env.dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	env.orch, err = NewOrchestrator(Options{
		Store: store,
		Sleep: func(d time.Duration) {
			env.sleepMu.Lock()
			env.slept = append(env.slept, d)
			env.sleepMu.Unlock()
		},
	})
	require.NoError(t, err)

	env.sink, err = history.NewStore(filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.sink.Close() })

	return env
}

func TestCreateJobRequiresFiles(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	_, err := env.orch.CreateJob(nil)
	require.ErrorIs(t, err, ErrEmptyJob)
}

func TestCreateJobPersistsAndRehydrates(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	created, err := env.orch.CreateJob([]string{"/audio/a.wav", "/audio/b.wav"})
	require.NoError(t, err)
	require.Equal(t, JobStatusPending, created.Status)
	require.Len(t, created.Files, 2)
	require.Equal(t, "a.wav", created.Files[0].Filename)
	require.Equal(t, FileStatusPending, created.Files[0].Status)

	reopened, err := NewSQLiteStore(env.dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	fresh, err := NewOrchestrator(Options{Store: reopened})
	require.NoError(t, err)

	job, ok := fresh.GetJob(created.ID)
	require.True(t, ok)
	require.Equal(t, JobStatusPending, job.Status)
	require.Equal(t, []string{"a.wav", "b.wav"}, []string{job.Files[0].Filename, job.Files[1].Filename})
}

func TestProcessJobCompletesAllFiles(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	created, err := env.orch.CreateJob([]string{"/audio/a.wav", "/audio/b.wav"})
	require.NoError(t, err)

	bus := notify.NewBus(100, nil)
	transcriber := newFakeTranscriber()
	require.NoError(t, env.orch.ProcessJob(context.Background(), created.ID, transcriber, env.sink, bus.Emit, "en"))

	job, ok := env.orch.GetJob(created.ID)
	require.True(t, ok)
	require.Equal(t, JobStatusCompleted, job.Status)
	require.NotNil(t, job.CompletedAt)
	for _, file := range job.Files {
		require.Equal(t, FileStatusCompleted, file.Status)
		require.NotEmpty(t, file.ResultReference)

		record, err := env.sink.Get(file.ResultReference)
		require.NoError(t, err)
		require.Equal(t, "transcript of "+file.Filename, record.Text)
	}

	// Initial event, start+finish per file, final event.
	events := bus.Since(0)
	require.Len(t, events, 6)
	require.Equal(t, "batch_progress", events[0].Type)
	final := events[len(events)-1]
	require.Equal(t, string(JobStatusCompleted), final.Payload["status"])
	require.Equal(t, 2, final.Payload["completed"])
	require.Equal(t, 0, final.Payload["failed"])
}

func TestProcessJobRetriesOnceThenSucceeds(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	created, err := env.orch.CreateJob([]string{"/audio/flaky.wav"})
	require.NoError(t, err)

	transcriber := newFakeTranscriber()
	transcriber.outcomes["/audio/flaky.wav"] = []error{errors.New("read timeout"), nil}

	require.NoError(t, env.orch.ProcessJob(context.Background(), created.ID, transcriber, env.sink, nil, "en"))

	require.Equal(t, 2, transcriber.attemptCount("/audio/flaky.wav"))
	require.Equal(t, []time.Duration{time.Second}, env.slept)

	job, _ := env.orch.GetJob(created.ID)
	require.Equal(t, JobStatusCompleted, job.Status)
	require.Equal(t, FileStatusCompleted, job.Files[0].Status)
	require.Empty(t, job.Files[0].Error)
}

func TestProcessJobFatalFaultShortCircuits(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	paths := []string{"/audio/one.wav", "/audio/two.wav", "/audio/three.wav"}
	created, err := env.orch.CreateJob(paths)
	require.NoError(t, err)

	transcriber := newFakeTranscriber()
	transcriber.outcomes["/audio/two.wav"] = []error{errors.New("CUDA error: an illegal memory access was encountered")}

	require.NoError(t, env.orch.ProcessJob(context.Background(), created.ID, transcriber, env.sink, nil, "en"))

	job, _ := env.orch.GetJob(created.ID)
	require.Equal(t, JobStatusCompleted, job.Status)
	require.Equal(t, FileStatusCompleted, job.Files[0].Status)
	require.Equal(t, FileStatusFailed, job.Files[1].Status)
	require.Equal(t, FatalFaultDiagnostic, job.Files[1].Error)
	require.Equal(t, FileStatusCompleted, job.Files[2].Status)

	// No retry for the fatal file, exactly one reload, and no retry pause.
	require.Equal(t, 1, transcriber.attemptCount("/audio/two.wav"))
	require.Equal(t, 1, transcriber.reloads)
	require.Empty(t, env.slept)
}

func TestProcessJobAllFailedMarksJobFailed(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	created, err := env.orch.CreateJob([]string{"/audio/bad.wav"})
	require.NoError(t, err)

	transcriber := newFakeTranscriber()
	transcriber.outcomes["/audio/bad.wav"] = []error{errors.New("file corrupt"), errors.New("file corrupt")}

	require.NoError(t, env.orch.ProcessJob(context.Background(), created.ID, transcriber, env.sink, nil, "en"))

	require.Equal(t, 2, transcriber.attemptCount("/audio/bad.wav"))

	job, _ := env.orch.GetJob(created.ID)
	require.Equal(t, JobStatusFailed, job.Status)
	require.Equal(t, FileStatusFailed, job.Files[0].Status)
	require.Contains(t, job.Files[0].Error, "file corrupt")
}

func TestProcessJobPreconditions(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	transcriber := newFakeTranscriber()

	err := env.orch.ProcessJob(context.Background(), "missing", transcriber, env.sink, nil, "en")
	require.ErrorIs(t, err, ErrJobNotFound)

	created, err := env.orch.CreateJob([]string{"/audio/a.wav"})
	require.NoError(t, err)
	require.NoError(t, env.orch.ProcessJob(context.Background(), created.ID, transcriber, env.sink, nil, "en"))

	err = env.orch.ProcessJob(context.Background(), created.ID, transcriber, env.sink, nil, "en")
	require.ErrorIs(t, err, ErrJobNotPending)
}

func TestCancelJobSkipsPendingFiles(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	paths := []string{"/audio/one.wav", "/audio/two.wav", "/audio/three.wav"}
	created, err := env.orch.CreateJob(paths)
	require.NoError(t, err)

	transcriber := newFakeTranscriber()
	transcriber.onCall = func(path string, _ int) {
		if path == "/audio/one.wav" {
			require.True(t, env.orch.CancelJob(created.ID))
		}
	}

	require.NoError(t, env.orch.ProcessJob(context.Background(), created.ID, transcriber, env.sink, nil, "en"))

	job, _ := env.orch.GetJob(created.ID)
	require.Equal(t, JobStatusCancelled, job.Status)
	require.Equal(t, FileStatusCompleted, job.Files[0].Status)
	require.Equal(t, FileStatusSkipped, job.Files[1].Status)
	require.Equal(t, FileStatusSkipped, job.Files[2].Status)

	// Files two and three were never transcribed.
	require.Zero(t, transcriber.attemptCount("/audio/two.wav"))
	require.Zero(t, transcriber.attemptCount("/audio/three.wav"))

	// Terminal and unknown jobs refuse cancellation.
	require.False(t, env.orch.CancelJob(created.ID))
	require.False(t, env.orch.CancelJob("missing"))
}

func TestRetryFailedResetsFilesForReprocessing(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	created, err := env.orch.CreateJob([]string{"/audio/bad.wav", "/audio/good.wav"})
	require.NoError(t, err)

	transcriber := newFakeTranscriber()
	transcriber.outcomes["/audio/bad.wav"] = []error{errors.New("boom"), errors.New("boom")}
	require.NoError(t, env.orch.ProcessJob(context.Background(), created.ID, transcriber, env.sink, nil, "en"))

	job, _ := env.orch.GetJob(created.ID)
	require.Equal(t, FileStatusFailed, job.Files[0].Status)

	reset, err := env.orch.RetryFailed(created.ID, nil)
	require.NoError(t, err)
	require.Equal(t, JobStatusPending, reset.Status)
	require.Equal(t, 0, reset.CurrentFileIndex)
	require.Nil(t, reset.CompletedAt)
	require.Equal(t, FileStatusPending, reset.Files[0].Status)
	require.Empty(t, reset.Files[0].Error)

	// The scripted failures are exhausted, so the rerun succeeds.
	require.NoError(t, env.orch.ProcessJob(context.Background(), created.ID, transcriber, env.sink, nil, "en"))
	job, _ = env.orch.GetJob(created.ID)
	require.Equal(t, JobStatusCompleted, job.Status)
	require.Equal(t, FileStatusCompleted, job.Files[0].Status)

	_, err = env.orch.RetryFailed("missing", nil)
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestDeleteJobCascades(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	created, err := env.orch.CreateJob([]string{"/audio/a.wav"})
	require.NoError(t, err)

	deleted, err := env.orch.DeleteJob(created.ID)
	require.NoError(t, err)
	require.True(t, deleted)

	_, ok := env.orch.GetJob(created.ID)
	require.False(t, ok)

	deleted, err = env.orch.DeleteJob(created.ID)
	require.NoError(t, err)
	require.False(t, deleted)

	reopened, err := NewSQLiteStore(env.dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	jobs, err := reopened.LoadAll()
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestListJobsNewestFirst(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	var ids []string
	for i := 0; i < 3; i++ {
		created, err := env.orch.CreateJob([]string{fmt.Sprintf("/audio/%d.wav", i)})
		require.NoError(t, err)
		ids = append(ids, created.ID)
		time.Sleep(2 * time.Millisecond)
	}

	jobs := env.orch.ListJobs(2)
	require.Len(t, jobs, 2)
	require.Equal(t, ids[2], jobs[0].ID)
	require.Equal(t, ids[1], jobs[1].ID)
}

func TestJobProjection(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	created, err := env.orch.CreateJob([]string{"/audio/a.wav", "/audio/b.wav"})
	require.NoError(t, err)

	projected, err := created.Project([]string{"id", "status", "total_files", "completed_count"})
	require.NoError(t, err)
	require.Equal(t, created.ID, projected["id"])
	require.Equal(t, "pending", projected["status"])
	require.Equal(t, 2, projected["total_files"])
	require.Equal(t, 0, projected["completed_count"])
	require.NotContains(t, projected, "files")

	_, err = created.Project([]string{"id", "bogus"})
	require.ErrorContains(t, err, `unknown job field "bogus"`)
}
