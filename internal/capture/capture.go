package capture

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

var (
	ErrDeviceNotFound     = errors.New("audio input device not found")
	ErrNoBackendAvailable = errors.New("no capture backend available")
)

// Device describes one input-capable audio device.
type Device struct {
	ID        string
	Name      string
	IsDefault bool
}

// FrameFunc receives batches of mono float32 frames from the capture thread.
// Implementations must only do short bookkeeping; they are called from the
// stream's reader goroutine and must never block on I/O or inference.
type FrameFunc func(frames []float32)

// Stream is an open capture stream. Close stops the underlying capture and
// waits for the reader to drain.
type Stream interface {
	Close() error
}

// Backend opens capture streams and enumerates devices.
type Backend interface {
	Name() string
	Available() bool
	Devices(ctx context.Context) ([]Device, error)
	Open(ctx context.Context, deviceID string, sampleRate int, onFrames FrameFunc) (Stream, error)
}

// NewBackend picks the first available backend for the current OS.
func NewBackend() (Backend, error) {
	backends := defaultBackends(runtime.GOOS)
	if len(backends) == 0 {
		return nil, fmt.Errorf("unsupported OS: %s", runtime.GOOS)
	}

	for _, backend := range backends {
		if backend.Available() {
			return backend, nil
		}
	}

	return nil, ErrNoBackendAvailable
}

func defaultBackends(goos string) []Backend {
	switch goos {
	case "linux":
		return []Backend{newPipeWireBackend()}
	default:
		return nil
	}
}

// MatchDevice resolves a device by case-insensitive substring match against
// the given devices. An empty query selects the default device.
func MatchDevice(devices []Device, query string) (Device, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		for _, device := range devices {
			if device.IsDefault {
				return device, nil
			}
		}
		if len(devices) > 0 {
			return devices[0], nil
		}
		return Device{}, fmt.Errorf("%w: no input devices", ErrDeviceNotFound)
	}

	lowered := strings.ToLower(query)
	for _, device := range devices {
		if strings.Contains(strings.ToLower(device.Name), lowered) || strings.Contains(strings.ToLower(device.ID), lowered) {
			return device, nil
		}
	}

	return Device{}, fmt.Errorf("%w: %q", ErrDeviceNotFound, query)
}

func commandAvailable(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

func commandOutput(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	trimmed := strings.TrimSpace(string(out))
	if err != nil {
		if trimmed != "" {
			return "", fmt.Errorf("%s %s failed: %w (%s)", name, strings.Join(args, " "), err, trimmed)
		}
		return "", fmt.Errorf("%s %s failed: %w", name, strings.Join(args, " "), err)
	}
	return trimmed, nil
}
