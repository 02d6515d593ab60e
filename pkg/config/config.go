package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Serial   SerialConfig   `yaml:"serial"`
	Session  SessionConfig  `yaml:"session"`
	Filter   FilterConfig   `yaml:"filter"`
	Cache    CacheConfig    `yaml:"cache"`
	Drain    DrainConfig    `yaml:"drain"`
	Cycle    CycleConfig    `yaml:"cycle"`
	Server   ServerConfig   `yaml:"server"`
	NATS     NATSConfig     `yaml:"nats"`
	Recorder RecorderConfig `yaml:"recorder"`
	Mock     MockConfig     `yaml:"mock"`
	Log      LogConfig      `yaml:"log"`
}

// SerialConfig contains serial port configuration.
type SerialConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
}

// SessionConfig controls the connection lifecycle.
type SessionConfig struct {
	AutoReconnect  bool          `yaml:"auto_reconnect"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	ReadBufferSize int           `yaml:"read_buffer_size"`
}

// FilterConfig selects the per-channel filter and its parameters.
type FilterConfig struct {
	Mode    string  `yaml:"mode"`     // none, moving_avg, median, kalman
	Window  int     `yaml:"window"`   // Forced odd, minimum 3
	KalmanQ float64 `yaml:"kalman_q"` // Process noise
	KalmanR float64 `yaml:"kalman_r"` // Measurement noise
}

// CacheConfig bounds the drained data kept in memory.
type CacheConfig struct {
	TimeWindowSeconds float64 `yaml:"time_window_seconds"` // glucose vs time series
	MaxVoltPoints     int     `yaml:"max_volt_points"`     // voltage series
	MaxRecords        int     `yaml:"max_records"`
	PendingCapacity   int     `yaml:"pending_capacity"`
}

// DrainConfig controls the periodic drain of the pending queue.
type DrainConfig struct {
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
}

// CycleConfig contains CV sweep segmentation parameters.
type CycleConfig struct {
	Deadband  float64 `yaml:"deadband"`   // Voltage step (V) treated as noise
	MinPoints int     `yaml:"min_points"` // Minimum points for a cycle to be emitted
	MaxPoints int     `yaml:"max_points"` // Most recent points considered
}

// ServerConfig contains HTTP API configuration.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// NATSConfig enables publishing drained samples. Empty URL disables it.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// RecorderConfig contains CSV recording configuration.
type RecorderConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	MaxRows int    `yaml:"max_rows"`
}

// MockConfig contains simulated sensor configuration.
type MockConfig struct {
	SampleRate time.Duration `yaml:"sample_rate"` // Time between frames
	SweepLow   float64       `yaml:"sweep_low"`   // Lowest sweep voltage (V)
	SweepHigh  float64       `yaml:"sweep_high"`  // Highest sweep voltage (V)
	SweepStep  float64       `yaml:"sweep_step"`  // Voltage step per frame (V)
	NoiseLevel float64       `yaml:"noise_level"` // Relative current noise
}

// LogConfig contains logging configuration.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Serial: SerialConfig{
			Port:     "/dev/rfcomm0",
			BaudRate: 115200,
		},
		Session: SessionConfig{
			AutoReconnect:  false,
			ReconnectDelay: 3 * time.Second,
			ReadBufferSize: 1024,
		},
		Filter: FilterConfig{
			Mode:    "moving_avg",
			Window:  5,
			KalmanQ: 0.01,
			KalmanR: 0.1,
		},
		Cache: CacheConfig{
			TimeWindowSeconds: 300,
			MaxVoltPoints:     600,
			MaxRecords:        2000,
			PendingCapacity:   10000,
		},
		Drain: DrainConfig{
			Interval:  50 * time.Millisecond,
			BatchSize: 50,
		},
		Cycle: CycleConfig{
			Deadband:  0.002,
			MinPoints: 10,
			MaxPoints: 600,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
		NATS: NATSConfig{
			URL:     "",
			Subject: "cgm.samples",
		},
		Recorder: RecorderConfig{
			Enabled: false,
			Path:    "records",
			MaxRows: 100_000,
		},
		Mock: MockConfig{
			SampleRate: 20 * time.Millisecond,
			SweepLow:   -0.2,
			SweepHigh:  0.8,
			SweepStep:  0.01,
			NoiseLevel: 0.01,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values. Environment overrides are
// applied last.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ensureDefaults replaces missing or out-of-range values with defaults.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Serial.Port == "" {
		c.Serial.Port = def.Serial.Port
	}
	if c.Serial.BaudRate <= 0 {
		c.Serial.BaudRate = def.Serial.BaudRate
	}

	if c.Session.ReconnectDelay <= 0 {
		c.Session.ReconnectDelay = def.Session.ReconnectDelay
	}
	if c.Session.ReadBufferSize <= 0 {
		c.Session.ReadBufferSize = def.Session.ReadBufferSize
	}

	if c.Filter.Mode == "" {
		c.Filter.Mode = def.Filter.Mode
	}
	if c.Filter.Window < 3 {
		c.Filter.Window = def.Filter.Window
	}
	if c.Filter.Window%2 == 0 {
		c.Filter.Window++
	}
	if c.Filter.KalmanQ <= 0 {
		c.Filter.KalmanQ = def.Filter.KalmanQ
	}
	if c.Filter.KalmanR <= 0 {
		c.Filter.KalmanR = def.Filter.KalmanR
	}

	if c.Cache.TimeWindowSeconds <= 0 {
		c.Cache.TimeWindowSeconds = def.Cache.TimeWindowSeconds
	}
	if c.Cache.MaxVoltPoints <= 0 {
		c.Cache.MaxVoltPoints = def.Cache.MaxVoltPoints
	}
	if c.Cache.MaxRecords <= 0 {
		c.Cache.MaxRecords = def.Cache.MaxRecords
	}
	if c.Cache.PendingCapacity <= 0 {
		c.Cache.PendingCapacity = def.Cache.PendingCapacity
	}

	if c.Drain.Interval <= 0 {
		c.Drain.Interval = def.Drain.Interval
	}
	if c.Drain.BatchSize <= 0 {
		c.Drain.BatchSize = def.Drain.BatchSize
	}

	if c.Cycle.Deadband <= 0 {
		c.Cycle.Deadband = def.Cycle.Deadband
	}
	if c.Cycle.MinPoints <= 0 {
		c.Cycle.MinPoints = def.Cycle.MinPoints
	}
	if c.Cycle.MaxPoints <= 0 {
		c.Cycle.MaxPoints = def.Cycle.MaxPoints
	}

	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = def.Server.ListenAddr
	}
	if c.NATS.Subject == "" {
		c.NATS.Subject = def.NATS.Subject
	}
	if c.Recorder.Path == "" {
		c.Recorder.Path = def.Recorder.Path
	}
	if c.Recorder.MaxRows <= 0 {
		c.Recorder.MaxRows = def.Recorder.MaxRows
	}

	if c.Mock.SampleRate <= 0 {
		c.Mock.SampleRate = def.Mock.SampleRate
	}
	if c.Mock.SweepStep <= 0 {
		c.Mock.SweepStep = def.Mock.SweepStep
	}
	if c.Mock.SweepHigh <= c.Mock.SweepLow {
		c.Mock.SweepLow = def.Mock.SweepLow
		c.Mock.SweepHigh = def.Mock.SweepHigh
	}

	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: CGM_PORT, CGM_BAUD, CGM_LISTEN, CGM_NATS_URL, CGM_LOG_LEVEL,
// CGM_AUTO_RECONNECT.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CGM_PORT"); v != "" {
		c.Serial.Port = v
	}
	if v := os.Getenv("CGM_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Serial.BaudRate = n
		}
	}
	if v := os.Getenv("CGM_LISTEN"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("CGM_NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("CGM_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("CGM_AUTO_RECONNECT"); v != "" {
		c.Session.AutoReconnect = v == "1" || v == "true" || v == "yes"
	}
}
