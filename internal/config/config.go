package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings holds everything configurable about the app. Values come from
// defaults, then an optional YAML file, then SPEAKEASY_* environment
// variables, highest last.
type Settings struct {
	Engine    EngineSettings   `mapstructure:"engine"`
	Audio     AudioSettings    `mapstructure:"audio"`
	Storage   StorageSettings  `mapstructure:"storage"`
	Downloads DownloadSettings `mapstructure:"downloads"`
	Logging   LoggingSettings  `mapstructure:"logging"`
}

type EngineSettings struct {
	Kind      string `mapstructure:"kind"`
	Model     string `mapstructure:"model"`
	Device    string `mapstructure:"device"`
	Precision string `mapstructure:"precision"`
	Language  string `mapstructure:"language"`
}

type AudioSettings struct {
	InputDevice          string  `mapstructure:"input_device"`
	SilenceThresholdDBFS float64 `mapstructure:"silence_threshold_dbfs"`
}

type StorageSettings struct {
	ModelDir  string `mapstructure:"model_dir"`
	BatchDB   string `mapstructure:"batch_db"`
	HistoryDB string `mapstructure:"history_db"`
}

type DownloadSettings struct {
	Auto        bool          `mapstructure:"auto"`
	StallWindow time.Duration `mapstructure:"stall_window"`
}

type LoggingSettings struct {
	Verbose bool `mapstructure:"verbose"`
	JSON    bool `mapstructure:"json"`
}

// Defaults returns the built-in settings.
func Defaults() Settings {
	return Settings{
		Engine: EngineSettings{
			Kind:      "whisper",
			Model:     "small",
			Device:    "auto",
			Precision: "auto",
			Language:  "auto",
		},
		Audio: AudioSettings{
			SilenceThresholdDBFS: -55,
		},
		Downloads: DownloadSettings{
			Auto:        true,
			StallWindow: 30 * time.Second,
		},
	}
}

// Load reads settings from the given file, or from the default location when
// path is empty. A missing default file is not an error; a missing explicit
// file is.
func Load(path string) (Settings, error) {
	v := viper.New()
	bindDefaults(v)

	v.SetEnvPrefix("SPEAKEASY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = defaultConfigPath()
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if explicit || !os.IsNotExist(err) {
				return Settings{}, fmt.Errorf("read config file %s: %w", path, err)
			}
		}
	}

	var settings Settings
	if err := v.Unmarshal(&settings); err != nil {
		return Settings{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return settings, nil
}

// Save writes settings as a YAML config file, creating the directory when
// needed. An empty path targets the default location.
func Save(path string, settings Settings) error {
	if path == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			return fmt.Errorf("resolve config dir: %w", err)
		}
		path = filepath.Join(configDir, "speakeasy", "config.yaml")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	v := viper.New()
	v.Set("engine.kind", settings.Engine.Kind)
	v.Set("engine.model", settings.Engine.Model)
	v.Set("engine.device", settings.Engine.Device)
	v.Set("engine.precision", settings.Engine.Precision)
	v.Set("engine.language", settings.Engine.Language)
	v.Set("audio.input_device", settings.Audio.InputDevice)
	v.Set("audio.silence_threshold_dbfs", settings.Audio.SilenceThresholdDBFS)
	v.Set("storage.model_dir", settings.Storage.ModelDir)
	v.Set("storage.batch_db", settings.Storage.BatchDB)
	v.Set("storage.history_db", settings.Storage.HistoryDB)
	v.Set("downloads.auto", settings.Downloads.Auto)
	v.Set("downloads.stall_window", settings.Downloads.StallWindow.String())
	v.Set("logging.verbose", settings.Logging.Verbose)
	v.Set("logging.json", settings.Logging.JSON)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config file %s: %w", path, err)
	}
	return nil
}

func bindDefaults(v *viper.Viper) {
	defaults := Defaults()
	v.SetDefault("engine.kind", defaults.Engine.Kind)
	v.SetDefault("engine.model", defaults.Engine.Model)
	v.SetDefault("engine.device", defaults.Engine.Device)
	v.SetDefault("engine.precision", defaults.Engine.Precision)
	v.SetDefault("engine.language", defaults.Engine.Language)
	v.SetDefault("audio.input_device", defaults.Audio.InputDevice)
	v.SetDefault("audio.silence_threshold_dbfs", defaults.Audio.SilenceThresholdDBFS)
	v.SetDefault("storage.model_dir", defaults.Storage.ModelDir)
	v.SetDefault("storage.batch_db", defaults.Storage.BatchDB)
	v.SetDefault("storage.history_db", defaults.Storage.HistoryDB)
	v.SetDefault("downloads.auto", defaults.Downloads.Auto)
	v.SetDefault("downloads.stall_window", defaults.Downloads.StallWindow)
	v.SetDefault("logging.verbose", defaults.Logging.Verbose)
	v.SetDefault("logging.json", defaults.Logging.JSON)
}

func defaultConfigPath() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	path := filepath.Join(configDir, "speakeasy", "config.yaml")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}
