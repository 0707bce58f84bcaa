package models

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/speakeasy-voice/speakeasy/internal/download"
	"github.com/speakeasy-voice/speakeasy/internal/engine"
	"github.com/speakeasy-voice/speakeasy/internal/transfer"
	"go.uber.org/zap"
)

// EnsureOptions configures Ensure. Tracker is optional; when present it
// observes the download and can cancel or stall-fail it.
type EnsureOptions struct {
	ModelDir     string
	AutoDownload bool
	NoProgress   bool
	Tracker      *transfer.Tracker
	HTTPClient   *http.Client
	Logger       *zap.Logger
}

// Ensure resolves a model reference and downloads the file when it is
// missing, feeding byte progress into the tracker.
func Ensure(ctx context.Context, kind engine.Kind, modelRef string, opts EnsureOptions) (string, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	resolved, err := Resolve(kind, modelRef, opts.ModelDir)
	if err != nil {
		return "", err
	}

	if !resolved.NeedsDownload {
		return resolved.Path, nil
	}

	if !opts.AutoDownload {
		return "", fmt.Errorf("model %q is missing at %s; download it first or enable auto-download", resolved.Name, resolved.Path)
	}

	var onProgress download.ProgressFunc
	if opts.Tracker != nil {
		if _, err := opts.Tracker.Start(string(kind), resolved.Name); err != nil {
			return "", err
		}
		onProgress = opts.Tracker.UpdateProgress
	}

	logger.Info("model not found, downloading",
		zap.String("kind", string(kind)),
		zap.String("model", resolved.Name),
		zap.String("destination", resolved.Path))

	err = download.DownloadFile(ctx, download.Options{
		URL:            resolved.URL,
		Destination:    resolved.Path,
		ExpectedSHA256: resolved.SHA256,
		ChecksumURL:    resolved.SHA256URL,
		NoProgress:     opts.NoProgress,
		OnProgress:     onProgress,
		HTTPClient:     opts.HTTPClient,
		Logger:         logger,
	})

	if err != nil {
		if opts.Tracker != nil {
			if errors.Is(err, download.ErrAborted) {
				return "", abortCause(opts.Tracker, resolved.Name)
			}
			opts.Tracker.Fail(err.Error())
		}
		return "", fmt.Errorf("download model %q: %w", resolved.Name, err)
	}

	if opts.Tracker != nil {
		opts.Tracker.Complete()
	}

	return resolved.Path, nil
}

// Resolver adapts Ensure into the engine factory's model resolver, wiring
// the engine's own progress callback through the tracker-backed download.
func Resolver(kind engine.Kind, opts EnsureOptions) engine.ModelResolver {
	return func(ctx context.Context, modelName string, onProgress engine.ProgressFunc) (string, error) {
		path, err := Ensure(ctx, kind, modelName, opts)
		if err != nil {
			return "", err
		}
		if onProgress != nil {
			// The file is local now; report a completed pull so the
			// session's progress contract stays uniform.
			onProgress(1, 1)
		}
		return path, nil
	}
}

// abortCause translates a tracker-initiated abort into the matching
// sentinel error.
func abortCause(tracker *transfer.Tracker, modelName string) error {
	if progress, ok := tracker.Current(); ok {
		switch progress.Status {
		case transfer.StatusCancelled:
			return fmt.Errorf("download model %q: %w", modelName, transfer.ErrCancelled)
		case transfer.StatusError:
			return fmt.Errorf("download model %q: %w: %s", modelName, transfer.ErrStalled, progress.ErrorMessage)
		}
	}
	return fmt.Errorf("download model %q: %w", modelName, download.ErrAborted)
}
