package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/speakeasy-voice/speakeasy/internal/batch"
	"github.com/speakeasy-voice/speakeasy/internal/capture"
	"github.com/speakeasy-voice/speakeasy/internal/config"
	"github.com/speakeasy-voice/speakeasy/internal/engine"
	"github.com/speakeasy-voice/speakeasy/internal/history"
	"github.com/speakeasy-voice/speakeasy/internal/logging"
	"github.com/speakeasy-voice/speakeasy/internal/models"
	"github.com/speakeasy-voice/speakeasy/internal/platform"
	"github.com/speakeasy-voice/speakeasy/internal/session"
	"github.com/speakeasy-voice/speakeasy/internal/transfer"
	"github.com/speakeasy-voice/speakeasy/internal/version"

	"github.com/spf13/cobra"
)

type appState struct {
	configPath   string
	verbose      bool
	jsonLogs     bool
	noProgress   bool
	engineKind   string
	model        string
	modelDir     string
	language     string
	inputDevice  string
	device       string
	precision    string
	autoDownload bool
	duration     time.Duration

	settings config.Settings
	logger   *zap.Logger
	out      io.Writer

	// Test seams; nil means the real implementation.
	openSessionFn      func(ctx context.Context, needCapture bool) (*session.Controller, error)
	openOrchestratorFn func() (*batch.Orchestrator, func(), error)
	openHistoryFn      func() (*history.Store, func(), error)
}

func NewRootCmd() *cobra.Command {
	defaults := config.Defaults()
	app := &appState{
		engineKind:   defaults.Engine.Kind,
		model:        defaults.Engine.Model,
		language:     defaults.Engine.Language,
		device:       defaults.Engine.Device,
		precision:    defaults.Engine.Precision,
		autoDownload: defaults.Downloads.Auto,
		settings:     defaults,
		out:          os.Stdout,
	}

	cmd := &cobra.Command{
		Use:           "speakeasy",
		Short:         "Record, transcribe and batch-process speech with local models",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Resolve(),
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := logging.New(logging.Options{Verbose: app.verbose, JSON: app.jsonLogs})
			if err != nil {
				return fmt.Errorf("initialize logger: %w", err)
			}
			app.logger = logger

			settings, err := config.Load(app.configPath)
			if err != nil {
				// "config init" may point at a file it is about to create.
				if !(cmd.Name() == "init" && errors.Is(err, os.ErrNotExist)) {
					return err
				}
				settings = config.Defaults()
			}
			app.settings = settings
			app.applySettings(cmd)
			app.language = sanitizeLanguage(app.language)
			return nil
		},
	}

	cmd.SetVersionTemplate("{{.Name}} v{{.Version}}\n")

	pf := cmd.PersistentFlags()
	pf.StringVar(&app.configPath, "config", "", "Path to a config file")
	pf.BoolVar(&app.verbose, "verbose", app.verbose, "Enable verbose logs")
	pf.BoolVar(&app.jsonLogs, "json", app.jsonLogs, "Enable JSON logging")
	pf.BoolVar(&app.noProgress, "no-progress", app.noProgress, "Disable progress indicators")
	pf.StringVar(&app.engineKind, "engine", app.engineKind, "Engine kind: whisper|parakeet|canary|voxtral|stub")
	pf.StringVar(&app.model, "model", app.model, "Model name or model file path")
	pf.StringVar(&app.modelDir, "model-dir", app.modelDir, "Directory where models are stored")
	pf.StringVar(&app.language, "language", app.language, "Language code (auto|en|de|...) for transcription")
	pf.StringVar(&app.inputDevice, "input", app.inputDevice, "Input device by substring match (run \"speakeasy devices\" to list)")
	pf.StringVar(&app.device, "device", app.device, "Compute device hint (auto|cpu|cuda)")
	pf.StringVar(&app.precision, "precision", app.precision, "Compute precision hint (auto|float16|int8)")
	pf.BoolVar(&app.autoDownload, "auto-download", app.autoDownload, "Automatically download missing models")

	cmd.AddCommand(newRecordCmd(app))
	cmd.AddCommand(newTranscribeCmd(app))
	cmd.AddCommand(newJobsCmd(app))
	cmd.AddCommand(newDevicesCmd(app))
	cmd.AddCommand(newModelsCmd(app))
	cmd.AddCommand(newConfigCmd(app))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// applySettings fills in every value the user did not set on the command
// line from the loaded config file.
func (a *appState) applySettings(cmd *cobra.Command) {
	flags := cmd.Flags()
	if !flags.Changed("engine") {
		a.engineKind = a.settings.Engine.Kind
	}
	if !flags.Changed("model") {
		a.model = a.settings.Engine.Model
	}
	if !flags.Changed("model-dir") && a.settings.Storage.ModelDir != "" {
		a.modelDir = a.settings.Storage.ModelDir
	}
	if !flags.Changed("language") {
		a.language = a.settings.Engine.Language
	}
	if !flags.Changed("input") {
		a.inputDevice = a.settings.Audio.InputDevice
	}
	if !flags.Changed("device") {
		a.device = a.settings.Engine.Device
	}
	if !flags.Changed("precision") {
		a.precision = a.settings.Engine.Precision
	}
	if !flags.Changed("auto-download") {
		a.autoDownload = a.settings.Downloads.Auto
	}
}

// openSession builds the session controller, wiring the capture backend, the
// tracker-backed model resolver and the engine factory, then loads the model.
func (a *appState) openSession(ctx context.Context, needCapture bool) (*session.Controller, error) {
	if a.openSessionFn != nil {
		return a.openSessionFn(ctx, needCapture)
	}

	kind, err := engine.ParseKind(a.engineKind)
	if err != nil {
		return nil, err
	}

	modelDir, err := a.modelStorageDir()
	if err != nil {
		return nil, err
	}

	tracker := transfer.NewTracker(transfer.Options{
		StallWindow: a.settings.Downloads.StallWindow,
		Logger:      a.log(),
	})
	resolver := models.Resolver(kind, models.EnsureOptions{
		ModelDir:     modelDir,
		AutoDownload: a.autoDownload,
		NoProgress:   !a.progressEnabled(),
		Tracker:      tracker,
		Logger:       a.log(),
	})

	var backend capture.Backend
	if needCapture {
		backend, err = capture.NewBackend()
		if err != nil {
			return nil, fmt.Errorf("audio capture unavailable: %w", err)
		}
	}

	ctrl := session.NewController(session.Options{
		Backend:              backend,
		Logger:               a.log(),
		SilenceThresholdDBFS: a.settings.Audio.SilenceThresholdDBFS,
		NewEngine: func(params engine.LoadParams) (engine.Engine, error) {
			return engine.New(params, engine.Deps{Logger: a.log(), ResolveModel: resolver})
		},
	})

	params := engine.LoadParams{
		Kind:      kind,
		ModelName: a.model,
		Device:    a.device,
		Precision: a.precision,
	}
	if err := ctrl.LoadModel(ctx, params, nil); err != nil {
		return nil, err
	}

	if a.inputDevice != "" && needCapture {
		if err := ctrl.SetInputDevice(ctx, a.inputDevice); err != nil {
			ctrl.Cleanup()
			return nil, err
		}
	}
	return ctrl, nil
}

func (a *appState) openOrchestrator() (*batch.Orchestrator, func(), error) {
	if a.openOrchestratorFn != nil {
		return a.openOrchestratorFn()
	}

	dbPath, err := platform.ResolveDatabasePath(a.settings.Storage.BatchDB, "batch.db")
	if err != nil {
		return nil, nil, err
	}
	store, err := batch.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, nil, err
	}

	orch, err := batch.NewOrchestrator(batch.Options{Store: store, Logger: a.log()})
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return orch, func() { _ = store.Close() }, nil
}

func (a *appState) openHistory() (*history.Store, func(), error) {
	if a.openHistoryFn != nil {
		return a.openHistoryFn()
	}

	dbPath, err := platform.ResolveDatabasePath(a.settings.Storage.HistoryDB, "history.db")
	if err != nil {
		return nil, nil, err
	}
	store, err := history.NewStore(dbPath)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { _ = store.Close() }, nil
}

func (a *appState) modelStorageDir() (string, error) {
	dir, err := platform.ResolveModelDir(a.modelDir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create model directory %s: %w", dir, err)
	}
	return dir, nil
}

func (a *appState) log() *zap.Logger {
	if a.logger == nil {
		return zap.NewNop()
	}
	return a.logger
}

func (a *appState) progressEnabled() bool {
	if a.noProgress {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}

func (a *appState) outWriter() io.Writer {
	if a.out == nil {
		return os.Stdout
	}
	return a.out
}

func sanitizeLanguage(language string) string {
	language = strings.ToLower(strings.TrimSpace(language))
	if language == "" {
		return "auto"
	}
	return language
}
