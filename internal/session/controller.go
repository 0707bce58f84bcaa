package session

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/speakeasy-voice/speakeasy/internal/audio"
	"github.com/speakeasy-voice/speakeasy/internal/capture"
	"github.com/speakeasy-voice/speakeasy/internal/engine"
)

// State is the session lifecycle position. Transitions are driven exclusively
// by Controller methods under its mutex.
type State string

const (
	StateIdle         State = "idle"
	StateLoading      State = "loading"
	StateReady        State = "ready"
	StateRecording    State = "recording"
	StateTranscribing State = "transcribing"
	StateError        State = "error"
)

// CaptureSampleRate is the fixed mono capture rate. Engines receive audio at
// this rate; file input is resampled to it before inference.
const CaptureSampleRate = 16000

const (
	// Audio longer than chunkThreshold is split into chunkDuration pieces and
	// transcribed sequentially.
	chunkThreshold = 5 * time.Minute
	chunkDuration  = 2 * time.Minute
	// A trailing chunk shorter than this carries no usable speech and is
	// dropped rather than sent to the engine.
	minTailDuration = 500 * time.Millisecond

	defaultSilenceThresholdDBFS = -55.0
)

// RecordingResult is the audio captured by one recording, consumed once by a
// transcription call.
type RecordingResult struct {
	Samples    []float32
	SampleRate int
	// Duration is wall-clock elapsed time, not a frame count, so dropped
	// frames under load do not shorten the reported recording.
	Duration time.Duration
}

// TranscriptionResult is one finished transcription.
type TranscriptionResult struct {
	Text         string
	Language     string
	Model        string
	ProcessingMs int64
	// RecordedDuration is set only when the result came from a live
	// recording, via StopAndTranscribe.
	RecordedDuration time.Duration
}

// ChunkProgressFunc observes per-chunk transcription progress. Index is
// 1-based; single-pass transcriptions fire it once with (1, 1, text).
type ChunkProgressFunc func(chunkIndex, totalChunks int, chunkText string)

// EngineFactory builds an engine for a set of load parameters. The controller
// constructs a fresh engine on every load so a faulted one is never reused.
type EngineFactory func(params engine.LoadParams) (engine.Engine, error)

// Options configures a Controller. Zero values fall back to sane defaults;
// Backend may be nil when only file transcription is needed.
type Options struct {
	Backend              capture.Backend
	NewEngine            EngineFactory
	SampleRate           int
	SilenceThresholdDBFS float64
	Logger               *zap.Logger
	// OnStateChange fires on every state transition. Panics inside the
	// callback are caught and logged, never propagated.
	OnStateChange func(State)
}

// Controller owns one capture stream and one loaded engine, and serializes
// every operation on them through a single mutex. The mutex guards only
// bookkeeping; blocking engine calls always run with it released.
type Controller struct {
	backend          capture.Backend
	newEngine        EngineFactory
	sampleRate       int
	silenceThreshold float64
	logger           *zap.Logger
	onState          func(State)

	mu                 sync.Mutex
	state              State
	eng                engine.Engine
	lastParams         engine.LoadParams
	hasLoaded          bool
	deviceID           string
	stream             capture.Stream
	buffer             []float32
	recordingStartedAt time.Time
}

func NewController(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	sampleRate := opts.SampleRate
	if sampleRate <= 0 {
		sampleRate = CaptureSampleRate
	}

	silenceThreshold := opts.SilenceThresholdDBFS
	if silenceThreshold == 0 {
		silenceThreshold = defaultSilenceThresholdDBFS
	}

	newEngine := opts.NewEngine
	if newEngine == nil {
		newEngine = func(params engine.LoadParams) (engine.Engine, error) {
			return engine.New(params, engine.Deps{Logger: logger})
		}
	}

	return &Controller{
		backend:          opts.Backend,
		newEngine:        newEngine,
		sampleRate:       sampleRate,
		silenceThreshold: silenceThreshold,
		logger:           logger,
		onState:          opts.OnStateChange,
		state:            StateIdle,
	}
}

// State reports the current lifecycle position.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Loaded reports whether an engine is ready for transcription.
func (c *Controller) Loaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eng != nil
}

// ModelName reports the loaded model's name, or "" when nothing is loaded.
func (c *Controller) ModelName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eng == nil {
		return ""
	}
	return c.eng.ModelName()
}

// LoadModel builds and loads an engine for the given parameters, unloading
// any previous one first. Calls made while loading, recording or transcribing
// are logged and ignored. On failure the session lands in StateError and the
// error is returned to the caller.
func (c *Controller) LoadModel(ctx context.Context, params engine.LoadParams, onProgress engine.ProgressFunc) error {
	c.mu.Lock()
	switch c.state {
	case StateLoading, StateRecording, StateTranscribing:
		state := c.state
		c.mu.Unlock()
		c.logger.Info("ignoring model load request",
			zap.String("state", string(state)),
			zap.String("model", params.ModelName))
		return nil
	}
	previous := c.eng
	c.eng = nil
	c.setStateLocked(StateLoading)
	c.mu.Unlock()

	if previous != nil {
		if err := previous.Unload(); err != nil {
			c.logger.Warn("unload previous engine", zap.Error(err))
		}
	}

	eng, err := c.newEngine(params)
	if err == nil {
		err = eng.Load(ctx, onProgress)
	}

	c.mu.Lock()
	if err != nil {
		c.setStateLocked(StateError)
		c.mu.Unlock()
		return fmt.Errorf("load %s model %q: %w", params.Kind, params.ModelName, err)
	}
	c.eng = eng
	c.lastParams = params
	c.hasLoaded = true
	c.setStateLocked(StateReady)
	c.mu.Unlock()

	c.logger.Info("model loaded",
		zap.String("kind", string(params.Kind)),
		zap.String("model", eng.ModelName()))
	return nil
}

// ReloadModel tears the engine down and loads it again with the parameters of
// the last successful load. Used to recover from fatal accelerator faults.
func (c *Controller) ReloadModel(ctx context.Context) error {
	c.mu.Lock()
	if !c.hasLoaded {
		c.mu.Unlock()
		return ErrNoPriorLoad
	}
	params := c.lastParams
	c.mu.Unlock()

	c.logger.Info("reloading model", zap.String("model", params.ModelName))
	if err := c.UnloadModel(); err != nil {
		c.logger.Warn("unload before reload", zap.Error(err))
	}

	// Give the runtime a chance to release native buffers held by the old
	// engine before the replacement allocates its own.
	runtime.GC()

	return c.LoadModel(ctx, params, nil)
}

// UnloadModel releases the engine and returns the session to StateIdle. The
// last load parameters are kept so ReloadModel keeps working afterwards.
func (c *Controller) UnloadModel() error {
	c.mu.Lock()
	eng := c.eng
	c.eng = nil
	c.setStateLocked(StateIdle)
	c.mu.Unlock()

	if eng == nil {
		return nil
	}
	if err := eng.Unload(); err != nil {
		return fmt.Errorf("unload engine: %w", err)
	}
	return nil
}

// SetInputDevice selects the capture device by case-insensitive substring
// match against the backend's input devices. An empty query resets to the
// system default.
func (c *Controller) SetInputDevice(ctx context.Context, query string) error {
	if strings.TrimSpace(query) == "" {
		c.mu.Lock()
		c.deviceID = ""
		c.mu.Unlock()
		c.logger.Info("input device reset to system default")
		return nil
	}

	if c.backend == nil {
		return capture.ErrNoBackendAvailable
	}

	devices, err := c.backend.Devices(ctx)
	if err != nil {
		return fmt.Errorf("enumerate input devices: %w", err)
	}
	device, err := capture.MatchDevice(devices, query)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.deviceID = device.ID
	c.mu.Unlock()
	c.logger.Info("input device selected", zap.String("device", device.Name))
	return nil
}

// StartRecording opens the capture stream and starts buffering frames.
// Requires StateReady; a call while already recording is a logged no-op.
func (c *Controller) StartRecording(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateRecording {
		c.mu.Unlock()
		c.logger.Info("already recording, ignoring start request")
		return nil
	}
	if c.state != StateReady || c.eng == nil {
		c.mu.Unlock()
		return ErrNoModelLoaded
	}
	if c.backend == nil {
		c.mu.Unlock()
		return capture.ErrNoBackendAvailable
	}
	deviceID := c.deviceID
	c.buffer = c.buffer[:0]
	c.recordingStartedAt = time.Now()
	c.setStateLocked(StateRecording)
	c.mu.Unlock()

	stream, err := c.backend.Open(ctx, deviceID, c.sampleRate, c.appendFrames)
	if err != nil {
		c.mu.Lock()
		c.buffer = nil
		c.recordingStartedAt = time.Time{}
		c.setStateLocked(StateReady)
		c.mu.Unlock()
		return fmt.Errorf("open capture stream: %w", err)
	}

	c.mu.Lock()
	c.stream = stream
	c.mu.Unlock()
	c.logger.Info("recording started", zap.Int("sample_rate", c.sampleRate))
	return nil
}

// appendFrames runs on the capture stream's reader goroutine. It only copies
// into the guarded buffer; anything slower would back-pressure the stream.
func (c *Controller) appendFrames(frames []float32) {
	c.mu.Lock()
	if c.state == StateRecording {
		c.buffer = append(c.buffer, frames...)
	}
	c.mu.Unlock()
}

// StopRecording closes the stream and hands back the buffered audio. Buffer
// and timer state are reset on every exit path, including the empty-buffer
// failure, so the session is always cleanly back in StateReady.
func (c *Controller) StopRecording() (RecordingResult, error) {
	c.mu.Lock()
	if c.state != StateRecording {
		c.mu.Unlock()
		return RecordingResult{}, ErrNotRecording
	}
	stream := c.stream
	c.stream = nil
	c.mu.Unlock()

	if stream != nil {
		if err := stream.Close(); err != nil {
			c.logger.Warn("close capture stream", zap.Error(err))
		}
	}

	c.mu.Lock()
	samples := c.buffer
	startedAt := c.recordingStartedAt
	c.buffer = nil
	c.recordingStartedAt = time.Time{}
	c.setStateLocked(StateReady)
	c.mu.Unlock()

	if len(samples) == 0 {
		return RecordingResult{}, ErrNoAudioCaptured
	}

	duration := time.Since(startedAt)
	c.logger.Info("recording stopped",
		zap.Duration("duration", duration),
		zap.Int("samples", len(samples)))
	return RecordingResult{Samples: samples, SampleRate: c.sampleRate, Duration: duration}, nil
}

// CancelRecording discards buffered audio without transcribing. A no-op when
// not recording.
func (c *Controller) CancelRecording() {
	c.mu.Lock()
	if c.state != StateRecording {
		c.mu.Unlock()
		return
	}
	stream := c.stream
	c.stream = nil
	c.buffer = nil
	c.recordingStartedAt = time.Time{}
	next := StateReady
	if c.eng == nil {
		next = StateIdle
	}
	c.setStateLocked(next)
	c.mu.Unlock()

	if stream != nil {
		if err := stream.Close(); err != nil {
			c.logger.Warn("close capture stream", zap.Error(err))
		}
	}
	c.logger.Info("recording cancelled")
}

// Transcribe runs the loaded engine over the given audio. Long audio is split
// into sequential chunks; onChunk fires after every chunk, and exactly once
// for single-pass audio. Requires StateReady so transcriptions and recordings
// never overlap.
func (c *Controller) Transcribe(ctx context.Context, samples []float32, sampleRate int, language string, onChunk ChunkProgressFunc) (TranscriptionResult, error) {
	c.mu.Lock()
	if c.eng == nil {
		c.mu.Unlock()
		return TranscriptionResult{}, ErrNoModelLoaded
	}
	if c.state != StateReady {
		state := c.state
		c.mu.Unlock()
		return TranscriptionResult{}, fmt.Errorf("cannot transcribe while %s", state)
	}
	eng := c.eng
	c.setStateLocked(StateTranscribing)
	c.mu.Unlock()

	start := time.Now()
	text, err := c.transcribeChunked(ctx, eng, samples, sampleRate, language, onChunk)

	c.mu.Lock()
	if err != nil {
		c.setStateLocked(StateError)
		c.mu.Unlock()
		return TranscriptionResult{}, fmt.Errorf("transcribe: %w", err)
	}
	c.setStateLocked(StateReady)
	c.mu.Unlock()

	return TranscriptionResult{
		Text:         text,
		Language:     language,
		Model:        eng.ModelName(),
		ProcessingMs: time.Since(start).Milliseconds(),
	}, nil
}

// StopAndTranscribe composes StopRecording and Transcribe. The result's
// RecordedDuration is the captured wall-clock duration; inference time stays
// in ProcessingMs.
func (c *Controller) StopAndTranscribe(ctx context.Context, language string, onChunk ChunkProgressFunc) (TranscriptionResult, error) {
	recording, err := c.StopRecording()
	if err != nil {
		return TranscriptionResult{}, err
	}

	result, err := c.Transcribe(ctx, recording.Samples, recording.SampleRate, language, onChunk)
	if err != nil {
		return TranscriptionResult{}, err
	}
	result.RecordedDuration = recording.Duration
	return result, nil
}

// TranscribeFile decodes a WAV file, resamples it to the capture rate and
// transcribes it. Silent audio is gated out before it reaches the engine.
func (c *Controller) TranscribeFile(ctx context.Context, path, language string, onChunk ChunkProgressFunc) (TranscriptionResult, error) {
	c.mu.Lock()
	loaded := c.eng != nil
	c.mu.Unlock()
	if !loaded {
		return TranscriptionResult{}, ErrNoModelLoaded
	}

	samples, sampleRate, err := audio.DecodeWAVFile(path)
	if err != nil {
		return TranscriptionResult{}, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if sampleRate != c.sampleRate {
		samples = audio.Resample(samples, sampleRate, c.sampleRate)
		sampleRate = c.sampleRate
	}

	if silent, metrics := audio.IsSilent(samples, c.silenceThreshold); silent {
		c.logger.Info("audio below silence threshold, skipping inference",
			zap.String("file", filepath.Base(path)),
			zap.Float64("rms_dbfs", metrics.RMSdBFS))
		return TranscriptionResult{Language: language, Model: c.ModelName()}, nil
	}

	return c.Transcribe(ctx, samples, sampleRate, language, onChunk)
}

// Cleanup cancels any active recording and unloads the engine. Idempotent and
// safe during shutdown.
func (c *Controller) Cleanup() {
	c.CancelRecording()
	if err := c.UnloadModel(); err != nil {
		c.logger.Warn("unload during cleanup", zap.Error(err))
	}
}

func (c *Controller) transcribeChunked(ctx context.Context, eng engine.Engine, samples []float32, sampleRate int, language string, onChunk ChunkProgressFunc) (string, error) {
	threshold := int(chunkThreshold.Seconds()) * sampleRate
	if len(samples) <= threshold {
		text, err := eng.Transcribe(ctx, samples, sampleRate, language)
		if err != nil {
			return "", err
		}
		text = strings.TrimSpace(text)
		c.emitChunk(onChunk, 1, 1, text)
		return text, nil
	}

	chunkSize := int(chunkDuration.Seconds()) * sampleRate
	minTail := int(float64(sampleRate) * minTailDuration.Seconds())

	type span struct{ start, end int }
	var spans []span
	for start := 0; start < len(samples); start += chunkSize {
		end := start + chunkSize
		if end > len(samples) {
			end = len(samples)
		}
		if end-start < minTail {
			break
		}
		spans = append(spans, span{start, end})
	}

	total := len(spans)
	c.logger.Info("transcribing in chunks",
		zap.Int("chunks", total),
		zap.Float64("audio_seconds", float64(len(samples))/float64(sampleRate)))

	// Sequential on purpose: parallel chunks would scramble text order and
	// multiply peak memory by the chunk count.
	parts := make([]string, 0, total)
	for i, s := range spans {
		text, err := eng.Transcribe(ctx, samples[s.start:s.end], sampleRate, language)
		if err != nil {
			return "", fmt.Errorf("chunk %d/%d: %w", i+1, total, err)
		}
		text = strings.TrimSpace(text)
		if text != "" {
			parts = append(parts, text)
		}
		c.emitChunk(onChunk, i+1, total, text)
	}

	return strings.Join(parts, " "), nil
}

func (c *Controller) emitChunk(onChunk ChunkProgressFunc, index, total int, text string) {
	if onChunk == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("chunk progress callback panicked", zap.Any("panic", r))
		}
	}()
	onChunk(index, total, text)
}

// setStateLocked updates the state and fires the state-change callback. The
// caller must hold c.mu; the callback runs inside the critical section and
// must therefore never call back into the controller.
func (c *Controller) setStateLocked(next State) {
	if c.state == next {
		return
	}
	c.state = next
	if c.onState == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("state change callback panicked", zap.Any("panic", r))
		}
	}()
	c.onState(next)
}
