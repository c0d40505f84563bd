package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds configuration for the assay server.
type ServerConfig struct {
	Port           int           `yaml:"port"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	APIKey         string        `yaml:"api_key"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	ConfigFile     string        `yaml:"-"`
	LogLevel       string        `yaml:"log_level"`
	RedisAddr      string        `yaml:"redis_addr"`
	Engine         EngineConfig  `yaml:"engine"`
}

// EngineConfig carries the calibration constants of the detection
// pipeline. These are empirical policy values, so they live in
// configuration rather than code.
type EngineConfig struct {
	// DetectorURL is the base URL of the remote inference endpoint. When
	// empty the server runs with a null detector and only operator
	// overrides advance a session.
	DetectorURL string `yaml:"detector_url"`
	// ConfirmThreshold is the number of motion-confirming frames required
	// before the rubbing stage completes.
	ConfirmThreshold int `yaml:"confirm_threshold"`
	// FluctuationThreshold is the minimum stone/gold distance delta, in
	// pixels, counted as meaningful motion.
	FluctuationThreshold float64 `yaml:"fluctuation_threshold"`
	// HistoryWindow bounds the rubbing distance history.
	HistoryWindow int `yaml:"history_window"`
	// MaskStaleness is how long a confirmed gold mask survives frames
	// with no gold detection.
	MaskStaleness time.Duration `yaml:"mask_staleness"`
	// DetectorTimeout bounds a single detector invocation; a timeout is
	// treated as a non-detection for that frame.
	DetectorTimeout time.Duration `yaml:"detector_timeout"`
	// FrameWidth and FrameHeight define the processing resolution every
	// inbound frame is normalized to.
	FrameWidth  int `yaml:"frame_width"`
	FrameHeight int `yaml:"frame_height"`
	// JPEGQuality is used when re-encoding annotated frames.
	JPEGQuality int `yaml:"jpeg_quality"`
	// PurityTable maps acid-strip detector label substrings to reported
	// purity grades.
	PurityTable map[string]string `yaml:"purity_table"`
}

// SetDefaults initializes c with built-in defaults.
func (c *ServerConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = fmt.Sprintf(":%d", c.Port)
	}
	if c.SessionTimeout == 0 {
		c.SessionTimeout = 2 * time.Minute
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 30 * time.Second
	}
	c.Engine.SetDefaults()
}

// SetDefaults fills in the reference calibration values.
func (e *EngineConfig) SetDefaults() {
	if e.ConfirmThreshold == 0 {
		e.ConfirmThreshold = 3
	}
	if e.FluctuationThreshold == 0 {
		e.FluctuationThreshold = 2.0
	}
	if e.HistoryWindow == 0 {
		e.HistoryWindow = 10
	}
	if e.MaskStaleness == 0 {
		e.MaskStaleness = 2 * time.Second
	}
	if e.DetectorTimeout == 0 {
		e.DetectorTimeout = 250 * time.Millisecond
	}
	if e.FrameWidth == 0 {
		e.FrameWidth = 640
	}
	if e.FrameHeight == 0 {
		e.FrameHeight = 480
	}
	if e.JPEGQuality == 0 {
		e.JPEGQuality = 80
	}
	if e.PurityTable == nil {
		e.PurityTable = map[string]string{
			"18k": "18K",
			"22k": "22K",
			"24k": "24K",
		}
	}
}

// LoadFile overlays values from a YAML config file.
func (c *ServerConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *ServerConfig) ApplyEnv() {
	if v := getEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := getEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := getEnv("PORT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := getEnv("METRICS_PORT", ""); v != "" {
		if strings.Contains(v, ":") {
			c.MetricsAddr = v
		} else {
			c.MetricsAddr = ":" + v
		}
	}
	if v := getEnv("API_KEY", ""); v != "" {
		c.APIKey = v
	}
	if v := getEnv("REDIS_ADDR", ""); v != "" {
		c.RedisAddr = v
	}
	if v := getEnv("DETECTOR_URL", ""); v != "" {
		c.Engine.DetectorURL = v
	}
	if v := getEnv("SESSION_TIMEOUT", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.SessionTimeout = d
		}
	}
	if v := getEnv("DRAIN_TIMEOUT", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.DrainTimeout = d
		}
	}
	if v := getEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
}

// BindFlags binds command line flags using the current config values as
// defaults so main can call flag.Parse().
func (c *ServerConfig) BindFlags() {
	flag.StringVar(&c.ConfigFile, "config", c.ConfigFile, "server config file path")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	flag.IntVar(&c.Port, "port", c.Port, "HTTP listen port for the public API")
	flag.StringVar(&c.MetricsAddr, "metrics-port", c.MetricsAddr, "Prometheus metrics listen address or port; defaults to the value of --port")
	flag.StringVar(&c.APIKey, "api-key", c.APIKey, "client API key required for HTTP requests; leave empty to disable auth")
	flag.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for the session status store")
	flag.StringVar(&c.Engine.DetectorURL, "detector-url", c.Engine.DetectorURL, "base URL of the remote inference endpoint")
	flag.DurationVar(&c.SessionTimeout, "session-timeout", c.SessionTimeout, "inactivity timeout before an abandoned session is torn down")
	flag.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "time to wait for in-flight frames on shutdown")
	flag.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
}

func splitComma(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}
