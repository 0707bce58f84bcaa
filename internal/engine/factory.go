package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// ModelResolver maps a model name to a local model file, downloading it if
// needed. Progress flows through onProgress; returning false from the
// callback aborts the resolution.
type ModelResolver func(ctx context.Context, modelName string, onProgress ProgressFunc) (string, error)

// Deps carries the collaborators an engine implementation may need.
type Deps struct {
	Logger       *zap.Logger
	ResolveModel ModelResolver
}

// New constructs the engine implementation for the given parameters. The
// kind set is closed: every supported family has exactly one implementation.
func New(params LoadParams, deps Deps) (Engine, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	switch params.Kind {
	case KindWhisper:
		return newWhisperCPPEngine(params, deps), nil
	case KindStub:
		return NewStubEngine(params.ModelName), nil
	case KindParakeet, KindCanary, KindVoxtral:
		return &unsupportedEngine{params: params}, nil
	default:
		return nil, fmt.Errorf("unknown engine kind %q", params.Kind)
	}
}

// unsupportedEngine stands in for declared-but-unbuilt kinds so the session
// layer sees a uniform load failure instead of a nil capability.
type unsupportedEngine struct {
	params LoadParams
}

func (e *unsupportedEngine) Load(context.Context, ProgressFunc) error {
	return fmt.Errorf("load %s model %q: %w", e.params.Kind, e.params.ModelName, ErrUnsupportedKind)
}

func (e *unsupportedEngine) Unload() error { return nil }

func (e *unsupportedEngine) Loaded() bool { return false }

func (e *unsupportedEngine) ModelName() string { return e.params.ModelName }

func (e *unsupportedEngine) Transcribe(context.Context, []float32, int, string) (string, error) {
	return "", ErrNotLoaded
}
