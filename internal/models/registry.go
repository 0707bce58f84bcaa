package models

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/speakeasy-voice/speakeasy/internal/engine"
)

// DefaultModel is used when no model name is configured.
const DefaultModel = "small"

// Model is one downloadable catalog entry.
type Model struct {
	Kind      engine.Kind
	Name      string
	FileName  string
	URL       string
	SHA256    string
	SHA256URL string
}

// Resolved is the outcome of mapping a model reference to a local file.
type Resolved struct {
	Name          string
	Path          string
	URL           string
	SHA256        string
	SHA256URL     string
	NeedsDownload bool
	IsCustomPath  bool
}

var registry = map[engine.Kind]map[string]Model{
	engine.KindWhisper: {
		"tiny": {
			Kind:     engine.KindWhisper,
			Name:     "tiny",
			FileName: "ggml-tiny.bin",
			URL:      "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-tiny.bin",
			SHA256:   "be07e048e1e599ad46341c8d2a135645097a538221678b7acdd1b1919c6e1b21",
		},
		"base": {
			Kind:     engine.KindWhisper,
			Name:     "base",
			FileName: "ggml-base.bin",
			URL:      "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-base.bin",
			SHA256:   "60ed5bc3dd14eea856493d334349b405782ddcaf0028d4b5df4088345fba2efe",
		},
		"small": {
			Kind:     engine.KindWhisper,
			Name:     "small",
			FileName: "ggml-small.bin",
			URL:      "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-small.bin",
			SHA256:   "1be3a9b2063867b937e64e2ec7483364a79917e157fa98c5d94b5c1fffea987b",
		},
		"medium": {
			Kind:     engine.KindWhisper,
			Name:     "medium",
			FileName: "ggml-medium.bin",
			URL:      "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-medium.bin",
			SHA256:   "6c14d5adee5f86394037b4e4e8b59f1673b6cee10e3cf0b11bbdbee79c156208",
		},
		"large-v3": {
			Kind:     engine.KindWhisper,
			Name:     "large-v3",
			FileName: "ggml-large-v3.bin",
			URL:      "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-large-v3.bin",
			SHA256:   "64d182b440b98d5203c4f9bd541544d84c605196c4f7b845dfa11fb23594d1e2",
		},
	},
}

// Names lists the catalog entries for a kind, sorted.
func Names(kind engine.Kind) []string {
	entries := registry[kind]
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func Lookup(kind engine.Kind, name string) (Model, bool) {
	model, ok := registry[kind][name]
	return model, ok
}

// Resolve maps a model reference (catalog name or file path) to a local
// model file for the given kind.
func Resolve(kind engine.Kind, modelRef, modelDir string) (Resolved, error) {
	if strings.TrimSpace(modelRef) == "" {
		modelRef = DefaultModel
	}

	if model, ok := Lookup(kind, modelRef); ok {
		if strings.TrimSpace(modelDir) == "" {
			return Resolved{}, errors.New("model directory must not be empty for named model")
		}

		modelPath := filepath.Join(modelDir, model.FileName)
		_, statErr := os.Stat(modelPath)
		needsDownload := errors.Is(statErr, os.ErrNotExist)
		if statErr != nil && !errors.Is(statErr, os.ErrNotExist) {
			return Resolved{}, fmt.Errorf("stat model path: %w", statErr)
		}

		return Resolved{
			Name:          model.Name,
			Path:          modelPath,
			URL:           model.URL,
			SHA256:        model.SHA256,
			SHA256URL:     model.SHA256URL,
			NeedsDownload: needsDownload,
		}, nil
	}

	if !looksLikePath(modelRef) {
		known := Names(kind)
		if len(known) == 0 {
			return Resolved{}, fmt.Errorf("no catalog models for engine kind %q", kind)
		}
		return Resolved{}, fmt.Errorf("unknown model %q (known models: %s)", modelRef, strings.Join(known, ", "))
	}

	customPath := filepath.Clean(modelRef)
	if _, err := os.Stat(customPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Resolved{}, fmt.Errorf("custom model path does not exist: %s", customPath)
		}
		return Resolved{}, fmt.Errorf("stat custom model path: %w", err)
	}

	return Resolved{
		Path:         customPath,
		IsCustomPath: true,
	}, nil
}

func looksLikePath(input string) bool {
	return strings.ContainsRune(input, os.PathSeparator) || strings.HasSuffix(strings.ToLower(input), ".bin")
}
