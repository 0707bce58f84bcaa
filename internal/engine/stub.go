package engine

import (
	"context"
	"fmt"
	"sync"
)

// StubEngine is an in-process engine that fabricates transcripts from the
// audio it receives. It exists so the session and batch layers can run end to
// end on machines without the native whisper binary, and so tests can script
// failures.
type StubEngine struct {
	modelName string

	mu     sync.Mutex
	loaded bool
	calls  int

	// TranscribeFunc, when set, replaces the default fabricated transcript.
	TranscribeFunc func(call int, samples []float32, sampleRate int, language string) (string, error)
	// LoadErr, when set, is returned by Load.
	LoadErr error
}

func NewStubEngine(modelName string) *StubEngine {
	if modelName == "" {
		modelName = "stub"
	}
	return &StubEngine{modelName: modelName}
}

func (e *StubEngine) Load(ctx context.Context, onProgress ProgressFunc) error {
	if e.LoadErr != nil {
		return e.LoadErr
	}

	// Simulate a short staged pull so progress consumers see a full cycle.
	if onProgress != nil {
		for _, downloaded := range []int64{0, 512, 1024} {
			if !onProgress(downloaded, 1024) {
				return context.Canceled
			}
		}
	}

	e.mu.Lock()
	e.loaded = true
	e.mu.Unlock()
	return nil
}

func (e *StubEngine) Unload() error {
	e.mu.Lock()
	e.loaded = false
	e.mu.Unlock()
	return nil
}

func (e *StubEngine) Loaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded
}

func (e *StubEngine) ModelName() string { return e.modelName }

func (e *StubEngine) Transcribe(ctx context.Context, samples []float32, sampleRate int, language string) (string, error) {
	e.mu.Lock()
	if !e.loaded {
		e.mu.Unlock()
		return "", ErrNotLoaded
	}
	e.calls++
	call := e.calls
	fn := e.TranscribeFunc
	e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}

	if fn != nil {
		return fn(call, samples, sampleRate, language)
	}

	seconds := 0.0
	if sampleRate > 0 {
		seconds = float64(len(samples)) / float64(sampleRate)
	}
	return fmt.Sprintf("[stub transcript %d: %.1fs of audio]", call, seconds), nil
}

// Calls reports how many transcriptions the stub has served.
func (e *StubEngine) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}
