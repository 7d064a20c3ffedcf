package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/technosupport/ts-fas/internal/camera"
)

// ErrConfigInvalid is wrapped with the offending field name.
var ErrConfigInvalid = errors.New("invalid configuration")

// Config is the full service configuration snapshot.
type Config struct {
	Cameras  []camera.Descriptor `yaml:"cameras"`
	Discover DiscoverConfig      `yaml:"discover"`
	Models   ModelConfig         `yaml:"models"`
	Detect   DetectConfig        `yaml:"detect"`
	Identify IdentifyConfig      `yaml:"identify"`
	Track    TrackConfig         `yaml:"track"`
	Pipeline PipelineConfig      `yaml:"pipeline"`
	Recorder RecorderConfig      `yaml:"recorder"`
	MJPEG    MJPEGConfig         `yaml:"mjpeg"`
	Store    StoreConfig         `yaml:"store"`
	Bus      BusConfig           `yaml:"bus"`
	Cache    CacheConfig         `yaml:"cache"`
	HTTP     HTTPConfig          `yaml:"http"`

	ShutdownDeadlineSeconds int `yaml:"shutdown_deadline_seconds"`
}

type DiscoverConfig struct {
	Subnet         string `yaml:"subnet"` // CIDR; empty = primary interface /24
	Ports          []int  `yaml:"ports"`
	ProbeTimeoutMs int    `yaml:"probe_timeout_ms"`
	MaxDeviceIndex int    `yaml:"max_device_index"`
	MaxInflight    int    `yaml:"max_inflight"`
}

type ModelConfig struct {
	DetectorPath string `yaml:"detector_path"`
	EmbedderPath string `yaml:"embedder_path"`
	RuntimePath  string `yaml:"runtime_path"` // onnxruntime shared library
	Dimension    int    `yaml:"dimension"`
	PoolSize     int    `yaml:"pool_size"`
	IndexPath    string `yaml:"index_path"`
}

type DetectConfig struct {
	Threshold float64 `yaml:"threshold"`
}

type IdentifyConfig struct {
	Threshold  float64 `yaml:"threshold"`
	ReidMargin float64 `yaml:"reid_margin"`
}

type TrackConfig struct {
	IOUThreshold float64 `yaml:"iou_threshold"`
	ExpireFrames int     `yaml:"expire_frames"`
}

type PipelineConfig struct {
	FailThresholdPerMinute int `yaml:"fail_threshold_per_minute"`
	ReadFailLimit          int `yaml:"read_fail_limit"`
}

type RecorderConfig struct {
	DebounceWindowSeconds int    `yaml:"debounce_window_seconds"`
	SpillPath             string `yaml:"spill_path"`
	SpillMaxBytes         int64  `yaml:"spill_max_bytes"`
	RetryMax              int    `yaml:"retry_max"`
}

type MJPEGConfig struct {
	PlaceholderHz    int `yaml:"placeholder_hz"`
	SubscriberBuffer int `yaml:"subscriber_buffer"`
	Quality          int `yaml:"quality"`
}

// StoreConfig describes the relational attendance sink. Disabled means the
// recorder runs spill-only.
type StoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	User    string `yaml:"user"`
	Pass    string `yaml:"pass"`
	Name    string `yaml:"name"`
}

type BusConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

type CacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

func (s StoreConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable", s.User, s.Pass, s.Host, s.Port, s.Name)
}

// Default returns the documented defaults. Cameras start empty.
func Default() Config {
	return Config{
		Discover: DiscoverConfig{
			Ports:          []int{80, 554, 8080, 8554},
			ProbeTimeoutMs: 500,
			MaxDeviceIndex: 10,
			MaxInflight:    50,
		},
		Models: ModelConfig{
			Dimension: 128,
			PoolSize:  2,
		},
		Detect:   DetectConfig{Threshold: 0.5},
		Identify: IdentifyConfig{Threshold: 0.6, ReidMargin: 0.15},
		Track:    TrackConfig{IOUThreshold: 0.3, ExpireFrames: 30},
		Pipeline: PipelineConfig{FailThresholdPerMinute: 60, ReadFailLimit: 30},
		Recorder: RecorderConfig{
			DebounceWindowSeconds: 300,
			SpillMaxBytes:         256 * 1024 * 1024,
			RetryMax:              5,
		},
		MJPEG: MJPEGConfig{PlaceholderHz: 1, SubscriberBuffer: 1, Quality: 85},
		Store: StoreConfig{Port: 5432},
		Bus:   BusConfig{Subject: "attendance.events"},
		HTTP:  HTTPConfig{Addr: ":8080"},

		ShutdownDeadlineSeconds: 10,
	}
}

func (c Config) ShutdownDeadline() time.Duration {
	return time.Duration(c.ShutdownDeadlineSeconds) * time.Second
}

func (c Config) DebounceWindow() time.Duration {
	return time.Duration(c.Recorder.DebounceWindowSeconds) * time.Second
}

// Load reads path, applies defaults and env overrides, and validates.
func Load(path string) (Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv layers secret-bearing values from the environment, matching the
// deployment convention of the control plane.
func (c *Config) applyEnv() {
	if v := os.Getenv("DB_HOST"); v != "" {
		c.Store.Host = v
	}
	if v := os.Getenv("DB_USER"); v != "" {
		c.Store.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		c.Store.Pass = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		c.Store.Name = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.Bus.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Cache.Addr = v
	}
}

// Validate fails with ErrConfigInvalid naming the first missing field.
func (c Config) Validate() error {
	if c.Models.DetectorPath == "" {
		return fmt.Errorf("%w: models.detector_path", ErrConfigInvalid)
	}
	if c.Models.EmbedderPath == "" {
		return fmt.Errorf("%w: models.embedder_path", ErrConfigInvalid)
	}
	if c.Models.IndexPath == "" {
		return fmt.Errorf("%w: models.index_path", ErrConfigInvalid)
	}
	if c.Models.Dimension <= 0 {
		return fmt.Errorf("%w: models.dimension", ErrConfigInvalid)
	}
	if c.Store.Enabled {
		if c.Store.Host == "" {
			return fmt.Errorf("%w: store.host", ErrConfigInvalid)
		}
		if c.Store.User == "" {
			return fmt.Errorf("%w: store.user", ErrConfigInvalid)
		}
		if c.Store.Pass == "" {
			return fmt.Errorf("%w: store.pass", ErrConfigInvalid)
		}
		if c.Store.Name == "" {
			return fmt.Errorf("%w: store.name", ErrConfigInvalid)
		}
	}
	if c.Bus.Enabled && c.Bus.URL == "" {
		return fmt.Errorf("%w: bus.url", ErrConfigInvalid)
	}
	if c.Cache.Enabled && c.Cache.Addr == "" {
		return fmt.Errorf("%w: cache.addr", ErrConfigInvalid)
	}
	seen := make(map[string]bool, len(c.Cameras))
	for _, d := range c.Cameras {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("%w: cameras: %v", ErrConfigInvalid, err)
		}
		if seen[d.ID] {
			return fmt.Errorf("%w: cameras: duplicate id %s", ErrConfigInvalid, d.ID)
		}
		seen[d.ID] = true
	}
	return nil
}
