package transfer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrDownloadInProgress = errors.New("a download is already in progress")
	ErrStalled            = errors.New("download stalled")
	ErrCancelled          = errors.New("download cancelled")
)

// DefaultStallWindow is how long the byte counter may sit still before the
// download is declared stalled.
const DefaultStallWindow = 30 * time.Second

type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
	StatusError       Status = "error"
)

// Progress is a snapshot of the tracked download. Values are copies; mutating
// a snapshot has no effect on the tracker.
type Progress struct {
	ID              string
	Subject         string
	Kind            string
	DownloadedBytes int64
	TotalBytes      int64
	Status          Status
	ErrorMessage    string
	StartedAt       time.Time
	LastUpdateAt    time.Time
}

// Ratio reports completion in [0, 1]. Unknown totals report 0.
func (p Progress) Ratio() float64 {
	if p.TotalBytes <= 0 {
		return 0
	}
	ratio := float64(p.DownloadedBytes) / float64(p.TotalBytes)
	if ratio > 1 {
		return 1
	}
	return ratio
}

func (p Progress) Active() bool {
	return p.Status == StatusPending || p.Status == StatusDownloading
}

// BytesPerSecond derives the average rate from the span between the start
// and the last update, which keeps snapshots deterministic.
func (p Progress) BytesPerSecond() float64 {
	elapsed := p.LastUpdateAt.Sub(p.StartedAt).Seconds()
	if elapsed <= 0 || p.DownloadedBytes <= 0 {
		return 0
	}
	return float64(p.DownloadedBytes) / elapsed
}

// EstimatedRemaining reports the projected time to completion. ok is false
// when the rate or total is unknown.
func (p Progress) EstimatedRemaining() (time.Duration, bool) {
	if p.TotalBytes <= 0 || p.DownloadedBytes <= 0 {
		return 0, false
	}
	rate := p.BytesPerSecond()
	if rate <= 0 {
		return 0, false
	}
	remaining := float64(p.TotalBytes-p.DownloadedBytes) / rate
	return time.Duration(remaining * float64(time.Second)), true
}

// Options configures a Tracker. The zero value is usable.
type Options struct {
	StallWindow time.Duration
	Logger      *zap.Logger
	Clock       func() time.Time
}

// Tracker follows a single download at a time: byte progress, stall
// detection and cooperative cancellation. It is constructed and injected by
// the composing application; there is no process-wide instance.
type Tracker struct {
	logger      *zap.Logger
	clock       func() time.Time
	stallWindow time.Duration

	mu                sync.Mutex
	current           *Progress
	cancelRequested   bool
	lastProgressBytes int64
	lastProgressTime  time.Time
	subscribers       []func(Progress)
}

func NewTracker(opts Options) *Tracker {
	if opts.StallWindow <= 0 {
		opts.StallWindow = DefaultStallWindow
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Tracker{
		logger:      opts.Logger,
		clock:       opts.Clock,
		stallWindow: opts.StallWindow,
	}
}

// Start begins tracking a new download. It fails while another download is
// active.
func (t *Tracker) Start(kind, subject string) (Progress, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current != nil && t.current.Active() {
		return Progress{}, fmt.Errorf("%w: %s", ErrDownloadInProgress, t.current.Subject)
	}

	now := t.clock()
	t.cancelRequested = false
	t.lastProgressBytes = 0
	t.lastProgressTime = now

	t.current = &Progress{
		ID:           uuid.New().String(),
		Subject:      subject,
		Kind:         kind,
		Status:       StatusDownloading,
		StartedAt:    now,
		LastUpdateAt: now,
	}

	t.logger.Info("download tracking started", zap.String("kind", kind), zap.String("subject", subject))
	return *t.current, nil
}

// UpdateProgress records new byte counts and reports whether the transfer
// should continue. It must be called as often as the transfer layer produces
// progress; stall detection relies on call frequency reflecting real
// activity.
func (t *Tracker) UpdateProgress(downloadedBytes, totalBytes int64) bool {
	t.mu.Lock()

	if t.current == nil {
		t.mu.Unlock()
		return false
	}

	if t.cancelRequested {
		t.current.Status = StatusCancelled
		snapshot := *t.current
		t.mu.Unlock()
		t.notify(snapshot)
		return false
	}

	now := t.clock()

	if downloadedBytes > t.lastProgressBytes {
		t.lastProgressBytes = downloadedBytes
		t.lastProgressTime = now
	} else if now.Sub(t.lastProgressTime) > t.stallWindow {
		t.current.Status = StatusError
		t.current.ErrorMessage = fmt.Sprintf("download stalled: no progress for %s", t.stallWindow)
		snapshot := *t.current
		t.mu.Unlock()
		t.logger.Warn("download stalled", zap.String("subject", snapshot.Subject), zap.Duration("window", t.stallWindow))
		t.notify(snapshot)
		return false
	}

	t.current.DownloadedBytes = downloadedBytes
	t.current.TotalBytes = totalBytes
	t.current.LastUpdateAt = now
	snapshot := *t.current
	t.mu.Unlock()

	t.notify(snapshot)
	return true
}

// Complete marks the current download finished. Safe to call repeatedly.
func (t *Tracker) Complete() {
	t.setTerminal(StatusCompleted, "")
}

// Fail marks the current download failed. Safe to call repeatedly.
func (t *Tracker) Fail(message string) {
	t.setTerminal(StatusError, message)
}

func (t *Tracker) setTerminal(status Status, message string) {
	t.mu.Lock()
	if t.current == nil || !t.current.Active() {
		t.mu.Unlock()
		return
	}

	t.current.Status = status
	if message != "" {
		t.current.ErrorMessage = message
	}
	snapshot := *t.current
	t.mu.Unlock()

	if status == StatusError {
		t.logger.Error("download failed", zap.String("subject", snapshot.Subject), zap.String("error", message))
	} else {
		t.logger.Info("download finished", zap.String("subject", snapshot.Subject), zap.String("status", string(status)))
	}
	t.notify(snapshot)
}

// RequestCancel raises the cancellation signal observed by the next
// UpdateProgress call. It reports false when nothing is being tracked.
func (t *Tracker) RequestCancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current == nil || !t.current.Active() {
		return false
	}

	t.cancelRequested = true
	t.logger.Info("download cancellation requested", zap.String("subject", t.current.Subject))
	return true
}

// CancelRequested reports whether cancellation has been raised.
func (t *Tracker) CancelRequested() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelRequested
}

// Current returns a snapshot of the tracked download, if any.
func (t *Tracker) Current() (Progress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current == nil {
		return Progress{}, false
	}
	return *t.current, true
}

// Clear drops the tracked record. Callers give UIs a short grace period to
// show the terminal state before clearing.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = nil
	t.cancelRequested = false
}

// Subscribe registers a progress listener. Listeners run outside the tracker
// lock and must be quick.
func (t *Tracker) Subscribe(fn func(Progress)) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribers = append(t.subscribers, fn)
}

func (t *Tracker) notify(snapshot Progress) {
	t.mu.Lock()
	subscribers := make([]func(Progress), len(t.subscribers))
	copy(subscribers, t.subscribers)
	t.mu.Unlock()

	for _, fn := range subscribers {
		fn(snapshot)
	}
}
