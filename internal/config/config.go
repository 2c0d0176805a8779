// Package config loads the quforia YAML configuration file.
package config

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/ayusman/quforia/internal/logging"
)

// Source kinds.
const (
	SourceNone   = "none"
	SourceCamera = "camera"
	SourceReplay = "replay"
)

// ServerConfig configures the monitoring HTTP server.
type ServerConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	StaticDir string `yaml:"static_dir"`
}

// StoreConfig configures session recording.
type StoreConfig struct {
	Path string `yaml:"path"`
	// Record stores every ingested sample in a new session while running.
	Record bool `yaml:"record"`
	// FrameEvery keeps one recorded frame out of every N. Poses are always recorded. Kept frames
	// are written off the ingestion path and dropped when the writer falls behind.
	FrameEvery int `yaml:"frame_every"`
}

// SourceConfig selects what feeds the driver.
type SourceConfig struct {
	Kind string `yaml:"kind"`

	CameraID     int  `yaml:"camera_id"`
	FPS          int  `yaml:"fps"`
	FlipVertical bool `yaml:"flip_vertical"`
	// Intrinsics uses the [width, height, fx, fy, cx, cy, d0..d7] layout. Empty means none.
	Intrinsics []float32 `yaml:"intrinsics"`

	Session string `yaml:"session"`
	Loop    bool   `yaml:"loop"`
}

// EngineConfig configures the local engine monitor.
type EngineConfig struct {
	// Attach starts camera and tracker delivery on startup.
	Attach bool `yaml:"attach"`
}

// TrayConfig configures the system tray icon.
type TrayConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Config is the top-level structure of quforia.yaml.
type Config struct {
	Log    logging.Config `yaml:"log"`
	Server ServerConfig   `yaml:"server"`
	Store  StoreConfig    `yaml:"store"`
	Source SourceConfig   `yaml:"source"`
	Engine EngineConfig   `yaml:"engine"`
	Tray   TrayConfig     `yaml:"tray"`
}

// DataDir returns ~/.quforia, or .quforia when the home directory is unknown.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".quforia"
	}
	return filepath.Join(home, ".quforia")
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Log: logging.DefaultConfig(),
		Server: ServerConfig{
			Enabled: true,
			Addr:    ":8080",
		},
		Store: StoreConfig{
			Path:       filepath.Join(DataDir(), "quforia.db"),
			FrameEvery: 1,
		},
		Source: SourceConfig{
			Kind: SourceCamera,
			FPS:  30,
		},
		Engine: EngineConfig{
			Attach: true,
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// Validate checks field ranges and cross-field requirements.
func (c Config) Validate() error {
	if _, err := logging.NewZapConfig(c.Log); err != nil {
		return errors.Wrap(err, "log")
	}
	if c.Server.Enabled && c.Server.Addr == "" {
		return errors.New("server: addr is required when enabled")
	}
	if c.Store.Path == "" {
		return errors.New("store: path is required")
	}
	if c.Store.FrameEvery < 0 {
		return errors.Errorf("store: frame_every must be >= 0, got %d", c.Store.FrameEvery)
	}

	switch c.Source.Kind {
	case SourceNone:
	case SourceCamera:
		if c.Source.FPS <= 0 {
			return errors.Errorf("source: fps must be positive, got %d", c.Source.FPS)
		}
		if n := len(c.Source.Intrinsics); n > 0 && n < 6 {
			return errors.Errorf("source: intrinsics need at least 6 values, got %d", n)
		}
	case SourceReplay:
		if c.Source.Session == "" {
			return errors.New("source: session is required for replay")
		}
	default:
		return errors.Errorf("source: unknown kind %q", c.Source.Kind)
	}
	return nil
}
