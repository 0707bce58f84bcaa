package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	settings, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "whisper", settings.Engine.Kind)
	require.Equal(t, "small", settings.Engine.Model)
	require.Equal(t, "auto", settings.Engine.Language)
	require.True(t, settings.Downloads.Auto)
	require.Equal(t, 30*time.Second, settings.Downloads.StallWindow)
	require.InDelta(t, -55, settings.Audio.SilenceThresholdDBFS, 0.001)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
engine:
  kind: stub
  model: tiny
  language: de
audio:
  input_device: yeti
downloads:
  auto: false
  stall_window: 45s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	settings, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "stub", settings.Engine.Kind)
	require.Equal(t, "tiny", settings.Engine.Model)
	require.Equal(t, "de", settings.Engine.Language)
	require.Equal(t, "yeti", settings.Audio.InputDevice)
	require.False(t, settings.Downloads.Auto)
	require.Equal(t, 45*time.Second, settings.Downloads.StallWindow)

	// Unset keys keep their defaults.
	require.Equal(t, "auto", settings.Engine.Device)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	settings := Defaults()
	settings.Engine.Model = "medium"
	settings.Engine.Language = "en"
	settings.Audio.InputDevice = "yeti"
	settings.Downloads.StallWindow = 45 * time.Second
	require.NoError(t, Save(path, settings))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, settings, loaded)
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("SPEAKEASY_ENGINE_MODEL", "medium")

	settings, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "medium", settings.Engine.Model)
}
