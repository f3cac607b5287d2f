package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to environment overrides, e.g. TEXBRIDGE_GPU_BACKEND.
const EnvPrefix = "TEXBRIDGE"

type Config struct {
	GPU      GPUConfig      `mapstructure:"gpu" yaml:"gpu"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Playback PlaybackConfig `mapstructure:"playback" yaml:"playback"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
}

type GPUConfig struct {
	// Backend is "auto", "d3d11" or "soft".
	Backend        string `mapstructure:"backend" yaml:"backend"`
	DebugLayer     bool   `mapstructure:"debug_layer" yaml:"debug_layer"`
	DefaultWidth   int    `mapstructure:"default_width" yaml:"default_width"`
	DefaultHeight  int    `mapstructure:"default_height" yaml:"default_height"`
	AbortOnFailure bool   `mapstructure:"abort_on_failure" yaml:"abort_on_failure"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
}

type PlaybackConfig struct {
	Frames int `mapstructure:"frames" yaml:"frames"`
	FPS    int `mapstructure:"fps" yaml:"fps"`
	// ResizeEvery renegotiates the output size every N frames; 0 disables.
	ResizeEvery int      `mapstructure:"resize_every" yaml:"resize_every"`
	Sizes       []string `mapstructure:"sizes" yaml:"sizes"`
	Readers     int      `mapstructure:"readers" yaml:"readers"`
}

type MetricsConfig struct {
	// Listen is the address for the /metrics endpoint; empty disables it.
	Listen string `mapstructure:"listen" yaml:"listen"`
}

func Default() *Config {
	return &Config{
		GPU: GPUConfig{
			Backend:        "auto",
			DefaultWidth:   100,
			DefaultHeight:  100,
			AbortOnFailure: true,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  20,
			MaxBackups: 3,
		},
		Playback: PlaybackConfig{
			Frames:      600,
			FPS:         60,
			ResizeEvery: 120,
			Sizes:       []string{"1920x1080", "1280x720", "640x480"},
			Readers:     1,
		},
	}
}

// Load reads the config file (explicit path, or texbridge.yaml in the
// platform config dir or the working directory) and applies TEXBRIDGE_*
// environment overrides on top of Default(). A missing file is not an error.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := newViper(cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("texbridge")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newViper registers every default so AutomaticEnv can resolve nested keys
// that are absent from the file.
func newViper(cfg *Config) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("gpu.backend", cfg.GPU.Backend)
	v.SetDefault("gpu.debug_layer", cfg.GPU.DebugLayer)
	v.SetDefault("gpu.default_width", cfg.GPU.DefaultWidth)
	v.SetDefault("gpu.default_height", cfg.GPU.DefaultHeight)
	v.SetDefault("gpu.abort_on_failure", cfg.GPU.AbortOnFailure)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.file", cfg.Log.File)
	v.SetDefault("log.max_size_mb", cfg.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", cfg.Log.MaxBackups)
	v.SetDefault("playback.frames", cfg.Playback.Frames)
	v.SetDefault("playback.fps", cfg.Playback.FPS)
	v.SetDefault("playback.resize_every", cfg.Playback.ResizeEvery)
	v.SetDefault("playback.sizes", cfg.Playback.Sizes)
	v.SetDefault("playback.readers", cfg.Playback.Readers)
	v.SetDefault("metrics.listen", cfg.Metrics.Listen)
	return v
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "TexBridge")
	case "darwin":
		return "/Library/Application Support/TexBridge"
	default:
		return "/etc/texbridge"
	}
}
