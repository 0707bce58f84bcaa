package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/speakeasy-voice/speakeasy/internal/audio"
	"go.uber.org/zap"
)

// EnvWhisperPath overrides the whisper-cli executable location.
const EnvWhisperPath = "SPEAKEASY_WHISPER_PATH"

// whisperCPPEngine runs transcription through a whisper.cpp whisper-cli
// binary shipped alongside the speakeasy executable. Sample buffers are
// written to a temporary WAV file per call.
type whisperCPPEngine struct {
	params  LoadParams
	resolve ModelResolver
	logger  *zap.Logger

	mu         sync.Mutex
	executable string
	modelPath  string
	loaded     bool
}

func newWhisperCPPEngine(params LoadParams, deps Deps) *whisperCPPEngine {
	return &whisperCPPEngine{
		params:  params,
		resolve: deps.ResolveModel,
		logger:  deps.Logger,
	}
}

func (e *whisperCPPEngine) Load(ctx context.Context, onProgress ProgressFunc) error {
	executable, err := resolveWhisperExecutable()
	if err != nil {
		return err
	}

	if e.resolve == nil {
		return errors.New("model resolver is required to load a whisper model")
	}

	modelPath, err := e.resolve(ctx, e.params.ModelName, onProgress)
	if err != nil {
		return fmt.Errorf("resolve whisper model %q: %w", e.params.ModelName, err)
	}

	e.mu.Lock()
	e.executable = executable
	e.modelPath = modelPath
	e.loaded = true
	e.mu.Unlock()

	e.logger.Info("whisper engine loaded",
		zap.String("model", e.params.ModelName),
		zap.String("path", modelPath),
		zap.String("device", e.params.Device))
	return nil
}

func (e *whisperCPPEngine) Unload() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executable = ""
	e.modelPath = ""
	e.loaded = false
	return nil
}

func (e *whisperCPPEngine) Loaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded
}

func (e *whisperCPPEngine) ModelName() string {
	return e.params.ModelName
}

func (e *whisperCPPEngine) Transcribe(ctx context.Context, samples []float32, sampleRate int, language string) (string, error) {
	e.mu.Lock()
	executable := e.executable
	modelPath := e.modelPath
	loaded := e.loaded
	e.mu.Unlock()

	if !loaded {
		return "", ErrNotLoaded
	}

	outBase := filepath.Join(os.TempDir(), fmt.Sprintf("speakeasy-%d", time.Now().UnixNano()))
	wavPath := outBase + ".wav"
	txtPath := outBase + ".txt"

	if err := audio.WriteWAVFile(wavPath, samples, sampleRate); err != nil {
		return "", fmt.Errorf("write temp wav: %w", err)
	}
	defer os.Remove(wavPath)

	args := []string{"-m", modelPath, "-f", wavPath, "-nt", "-otxt", "-of", outBase}
	lang := strings.TrimSpace(language)
	if lang != "" && lang != "auto" {
		args = append(args, "-l", lang)
	}

	cmd := exec.CommandContext(ctx, executable, args...)
	var stderr bytes.Buffer
	cmd.Stdout = nil
	cmd.Stderr = &stderr

	e.logger.Debug("running whisper engine", zap.String("engine", executable), zap.Strings("args", args))
	if err := cmd.Run(); err != nil {
		errText := strings.TrimSpace(stderr.String())
		if isMissingSharedLibraryError(errText) {
			return "", fmt.Errorf("whisper engine at %s is missing required shared libraries (%s); reinstall speakeasy or rebuild whisper-cli with BUILD_SHARED_LIBS=OFF", executable, errText)
		}
		if errText != "" {
			return "", fmt.Errorf("whisper transcribe failed: %w (%s)", err, errText)
		}
		return "", fmt.Errorf("whisper transcribe failed: %w", err)
	}

	defer os.Remove(txtPath)
	content, err := os.ReadFile(txtPath)
	if err != nil {
		return "", fmt.Errorf("read whisper output: %w", err)
	}

	return strings.TrimSpace(string(content)), nil
}

func resolveWhisperExecutable() (string, error) {
	if override := strings.TrimSpace(os.Getenv(EnvWhisperPath)); override != "" {
		if err := ensureExecutable(override); err != nil {
			return "", fmt.Errorf("%s is not executable: %w", EnvWhisperPath, err)
		}
		return override, nil
	}

	selfExe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve speakeasy executable path: %w", err)
	}

	for _, candidate := range whisperPathCandidates(selfExe) {
		if err := ensureExecutable(candidate); err == nil {
			return candidate, nil
		}
	}

	if path, err := exec.LookPath(whisperBinaryName()); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("whisper engine not found near %s; expected at ../libexec/whisper/%s or on PATH", selfExe, whisperBinaryName())
}

func whisperPathCandidates(selfExecutable string) []string {
	binDir := filepath.Dir(selfExecutable)
	name := whisperBinaryName()

	return []string{
		filepath.Join(binDir, "..", "libexec", "whisper", name),
		filepath.Join(binDir, "libexec", "whisper", name),
		filepath.Join(binDir, name),
	}
}

func whisperBinaryName() string {
	if runtime.GOOS == "windows" {
		return "whisper-cli.exe"
	}
	return "whisper-cli"
}

func ensureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if runtime.GOOS != "windows" && info.Mode()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}

func isMissingSharedLibraryError(stderr string) bool {
	value := strings.ToLower(strings.TrimSpace(stderr))
	if value == "" {
		return false
	}

	patterns := []string{
		"error while loading shared libraries",
		"cannot open shared object file",
		"dyld: library not loaded",
		"image not found",
	}

	for _, pattern := range patterns {
		if strings.Contains(value, pattern) {
			return true
		}
	}

	return false
}
