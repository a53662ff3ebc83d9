// Package config manages the application configuration file. Profile
// records live in the SQLite store; this file holds machine-level settings
// and the detection tunables that are deliberately overridable.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/frametrace/frametrace/internal/logger"
)

// CaptureSettings control the frame pipeline defaults.
type CaptureSettings struct {
	QueueLen            int     `yaml:"queue_len"`
	RetryBudget         int     `yaml:"retry_budget"`
	StartupGraceSec     float64 `yaml:"startup_grace_sec"`
	StopTimeoutSec      float64 `yaml:"stop_timeout_sec"`
	ReacquireCooldownMS int     `yaml:"reacquire_cooldown_ms"`
}

// DetectionSettings hold the empirically tuned matcher constants. The
// coarse threshold formula is max(coarse_floor, threshold*coarse_factor);
// the values have no documented derivation, so they stay configurable.
type DetectionSettings struct {
	CanonicalWidth       int     `yaml:"canonical_width"`
	CanonicalHeight      int     `yaml:"canonical_height"`
	CoarseScale          int     `yaml:"coarse_scale"`
	CoarseFloor          float64 `yaml:"coarse_floor"`
	CoarseFactor         float64 `yaml:"coarse_factor"`
	ExitTimeoutSec       float64 `yaml:"exit_timeout_sec"`
	DebugSaveIntervalSec float64 `yaml:"debug_save_interval_sec"`
	DebugLimitBytes      int64   `yaml:"debug_limit_bytes"`
	DebugLimitCount      int     `yaml:"debug_limit_count"`
}

// Config is the persisted application configuration.
type Config struct {
	DataDir    string            `yaml:"data_dir"`
	FFmpegPath string            `yaml:"ffmpeg_path"`
	ServerPort int               `yaml:"server_port"`
	LogLevel   string            `yaml:"log_level"`
	AlertCmd   string            `yaml:"alert_cmd"`
	Capture    CaptureSettings   `yaml:"capture"`
	Detection  DetectionSettings `yaml:"detection"`
}

// Manager loads, serves, and saves the configuration.
type Manager struct {
	configPath string
	config     *Config
	mu         sync.RWMutex
}

// NewManager loads the config file, creating it with defaults when missing.
func NewManager(configFile string) (*Manager, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := filepath.Join(homeDir, ".config", "frametrace")
	actualConfigPath := filepath.Join(configDir, "config.yaml")
	if configFile != "" {
		actualConfigPath = configFile
	}

	if err := os.MkdirAll(filepath.Dir(actualConfigPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	m := &Manager{configPath: actualConfigPath}

	if err := m.load(); err != nil {
		if os.IsNotExist(err) {
			logger.WithComponent("config").Info().
				Str("path", m.configPath).
				Msg("Config file not found, creating new config")
			m.config = Defaults()
			if err := m.Save(); err != nil {
				return nil, fmt.Errorf("failed to create default config: %w", err)
			}
		} else {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Msg("Config loaded")
	return m, nil
}

// Defaults returns the default configuration.
func Defaults() *Config {
	return &Config{
		DataDir:    "Data",
		FFmpegPath: "",
		ServerPort: 8080,
		LogLevel:   "info",
		AlertCmd:   "",
		Capture: CaptureSettings{
			QueueLen:            8,
			RetryBudget:         3,
			StartupGraceSec:     0.6,
			StopTimeoutSec:      5.0,
			ReacquireCooldownMS: 400,
		},
		Detection: DetectionSettings{
			CanonicalWidth:       1280,
			CanonicalHeight:      720,
			CoarseScale:          4,
			CoarseFloor:          0.35,
			CoarseFactor:         0.75,
			ExitTimeoutSec:       0.6,
			DebugSaveIntervalSec: 10.0,
			DebugLimitBytes:      1 << 30,
			DebugLimitCount:      2000,
		},
	}
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return err
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	normalize(cfg)

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// normalize clamps values a hand-edited file could break.
func normalize(cfg *Config) {
	if cfg.Capture.QueueLen < 1 {
		cfg.Capture.QueueLen = 1
	}
	if cfg.Capture.RetryBudget < 1 {
		cfg.Capture.RetryBudget = 1
	}
	if cfg.Detection.CoarseScale < 2 {
		cfg.Detection.CoarseScale = 2
	}
	if cfg.Detection.CanonicalWidth <= 0 || cfg.Detection.CanonicalHeight <= 0 {
		cfg.Detection.CanonicalWidth = 1280
		cfg.Detection.CanonicalHeight = 720
	}
	if cfg.Detection.DebugLimitBytes <= 0 {
		cfg.Detection.DebugLimitBytes = 1 << 30
	}
	if cfg.Detection.DebugLimitCount <= 0 {
		cfg.Detection.DebugLimitCount = 2000
	}
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.config == nil {
		return Defaults()
	}
	cfg := *m.config
	return &cfg
}

// Save writes the configuration to disk.
func (m *Manager) Save() error {
	m.mu.RLock()
	cfg := m.config
	m.mu.RUnlock()
	if cfg == nil {
		cfg = Defaults()
	}

	if err := os.MkdirAll(filepath.Dir(m.configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// SetPort sets the HTTP server port.
func (m *Manager) SetPort(port int) error {
	m.mu.Lock()
	m.config.ServerPort = port
	m.mu.Unlock()
	return m.Save()
}

// SetLogLevel sets the log level.
func (m *Manager) SetLogLevel(level string) error {
	m.mu.Lock()
	m.config.LogLevel = level
	m.mu.Unlock()
	return m.Save()
}

// GetConfigPath returns the path to the config file.
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

// StopTimeout returns the capture stop timeout as a duration.
func (c *Config) StopTimeout() time.Duration {
	return time.Duration(c.Capture.StopTimeoutSec * float64(time.Second))
}

// StartupGrace returns the capture startup grace period as a duration.
func (c *Config) StartupGrace() time.Duration {
	return time.Duration(c.Capture.StartupGraceSec * float64(time.Second))
}

// ReacquireCooldown returns the camera reacquire cooldown as a duration.
func (c *Config) ReacquireCooldown() time.Duration {
	return time.Duration(c.Capture.ReacquireCooldownMS) * time.Millisecond
}
