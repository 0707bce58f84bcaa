package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotLoaded       = errors.New("engine is not loaded")
	ErrUnsupportedKind = errors.New("engine kind is not supported in this build")
)

// Kind identifies one of the supported inference engine families.
type Kind string

const (
	KindWhisper  Kind = "whisper"
	KindParakeet Kind = "parakeet"
	KindCanary   Kind = "canary"
	KindVoxtral  Kind = "voxtral"
	KindStub     Kind = "stub"
)

func Kinds() []Kind {
	return []Kind{KindWhisper, KindParakeet, KindCanary, KindVoxtral, KindStub}
}

func ParseKind(value string) (Kind, error) {
	normalized := Kind(strings.ToLower(strings.TrimSpace(value)))
	for _, kind := range Kinds() {
		if kind == normalized {
			return kind, nil
		}
	}
	return "", fmt.Errorf("unknown engine kind %q (known kinds: %s)", value, joinKinds())
}

func joinKinds() string {
	names := make([]string, 0, len(Kinds()))
	for _, kind := range Kinds() {
		names = append(names, string(kind))
	}
	return strings.Join(names, ", ")
}

// LoadParams describes everything needed to load an engine, and to load it
// again after a fault.
type LoadParams struct {
	Kind      Kind
	ModelName string
	Device    string
	Precision string
}

// ProgressFunc receives byte-level progress while an engine pulls model data.
// Returning false aborts the load.
type ProgressFunc func(downloadedBytes, totalBytes int64) bool

// Engine is the opaque inference capability consumed by the session layer.
// Load and Transcribe are blocking; callers are responsible for keeping them
// off any latency-sensitive thread.
type Engine interface {
	Load(ctx context.Context, onProgress ProgressFunc) error
	Unload() error
	Loaded() bool
	ModelName() string
	Transcribe(ctx context.Context, samples []float32, sampleRate int, language string) (string, error)
}
