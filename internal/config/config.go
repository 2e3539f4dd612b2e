package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// =============================================================================
// PDES Runner - Configuration with Environment Overrides
// =============================================================================

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Simulation SimulationConfig `yaml:"simulation"`
	Transport  TransportConfig  `yaml:"transport"`
	Output     OutputConfig     `yaml:"output"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

type ServerConfig struct {
	Port             string   `yaml:"port"`
	Env              string   `yaml:"env"`
	Interface        string   `yaml:"interface"`
	ReadTimeoutSec   int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec  int      `yaml:"write_timeout_sec"`
	IdleTimeoutSec   int      `yaml:"idle_timeout_sec"`
	ShutdownTimeout  int      `yaml:"shutdown_timeout_sec"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// SimulationConfig holds the PDES tunables common to every model: how many
// PEs host how many LPs, the minimum recv_ts - send_ts delta an event may
// be scheduled with (lookahead), the requested synch mode, and the
// pool/reporting cadence.
type SimulationConfig struct {
	NumPE         int     `yaml:"num_pe"`
	LPsPerPE      int     `yaml:"lps_per_pe"`
	Lookahead     float64 `yaml:"lookahead"`
	SynchMode     int     `yaml:"synch_mode"` // 1=serial 2=conservative 3=optimistic
	GVTInterval   int     `yaml:"gvt_interval"`
	EventsPerPE   int     `yaml:"events_per_pe"`
	EndTime       float64 `yaml:"end_time"`
	CloningEnabled bool   `yaml:"cloning_enabled"`
	BaseSeed      uint64  `yaml:"base_seed"`
}

// TransportConfig selects the inter-PE message backend and its dial
// parameters. Backend is one of "local", "pubsub", or "redis-reduce";
// "pubsub" and "redis-reduce" select the same backend, a Pub/Sub data
// plane with Redis-backed ack counters for the GVT reduction.
type TransportConfig struct {
	Backend         string `yaml:"backend"`
	ChannelDepth    int    `yaml:"channel_depth"`
	PubSubProjectID string `yaml:"pubsub_project_id"`
	PubSubTopicID   string `yaml:"pubsub_topic_id"`
	RedisAddr       string `yaml:"redis_addr"`
}

// OutputConfig selects where model drivers persist results (grid dumps,
// search renders) at Final.
type OutputConfig struct {
	Dir             string `yaml:"dir"`
	Store           string `yaml:"store"` // "file", "postgres", "spanner"
	PostgresDSN     string `yaml:"postgres_dsn"`
	SpannerDatabase string `yaml:"spanner_database"`
}

type MonitoringConfig struct {
	EnableLiveStream bool `yaml:"enable_live_stream"`
	LatencyAlertMs   int  `yaml:"latency_alert_ms"`
}

// =============================================================================
// Singleton Pattern with Environment Overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance
func Get() *Config {
	once.Do(func() {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			slog.Warn("config: failed to load .env file", "error", err)
		}
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from YAML file
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	// Server
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Env = getEnv("PDES_ENV", c.Server.Env)
	c.Server.Interface = getEnv("PDES_INTERFACE", c.Server.Interface)
	if origins := getEnv("CORS_ALLOW_ORIGINS", ""); origins != "" {
		c.Server.CORSAllowOrigins = splitCSV(origins)
	}

	// Simulation
	if v := getEnvInt("PDES_NUM_PE", 0); v > 0 {
		c.Simulation.NumPE = v
	}
	if v := getEnvInt("PDES_LPS_PER_PE", 0); v > 0 {
		c.Simulation.LPsPerPE = v
	}
	if v := getEnvFloat("PDES_LOOKAHEAD", 0); v > 0 {
		c.Simulation.Lookahead = v
	}
	if v := getEnvInt("PDES_SYNCH_MODE", 0); v > 0 {
		c.Simulation.SynchMode = v
	}
	if v := getEnvInt("PDES_GVT_INTERVAL", 0); v > 0 {
		c.Simulation.GVTInterval = v
	}
	if v := getEnvInt("PDES_EVENTS_PER_PE", 0); v > 0 {
		c.Simulation.EventsPerPE = v
	}
	if v := getEnvFloat("PDES_END_TIME", 0); v > 0 {
		c.Simulation.EndTime = v
	}
	c.Simulation.CloningEnabled = getEnvBool("PDES_CLONING_ENABLED", c.Simulation.CloningEnabled)
	if v := getEnvInt("PDES_BASE_SEED", 0); v > 0 {
		c.Simulation.BaseSeed = uint64(v)
	}

	// Transport
	c.Transport.Backend = getEnv("PDES_TRANSPORT_BACKEND", c.Transport.Backend)
	if v := getEnvInt("PDES_CHANNEL_DEPTH", 0); v > 0 {
		c.Transport.ChannelDepth = v
	}
	c.Transport.PubSubProjectID = getEnv("GCP_PROJECT_ID", c.Transport.PubSubProjectID)
	c.Transport.PubSubTopicID = getEnv("PDES_PUBSUB_TOPIC_ID", c.Transport.PubSubTopicID)
	c.Transport.RedisAddr = getEnv("PDES_REDIS_ADDR", c.Transport.RedisAddr)

	// Output
	c.Output.Dir = getEnv("PDES_OUTPUT_DIR", c.Output.Dir)
	c.Output.Store = getEnv("PDES_OUTPUT_STORE", c.Output.Store)
	c.Output.PostgresDSN = getEnv("PDES_POSTGRES_DSN", c.Output.PostgresDSN)
	c.Output.SpannerDatabase = getEnv("PDES_SPANNER_DATABASE", c.Output.SpannerDatabase)

	// Monitoring
	c.Monitoring.EnableLiveStream = getEnvBool("PDES_ENABLE_LIVE_STREAM", c.Monitoring.EnableLiveStream)
	if v := getEnvInt("PDES_LATENCY_ALERT_MS", 0); v > 0 {
		c.Monitoring.LatencyAlertMs = v
	}

	// Apply defaults for zero values
	c.applyDefaults()
}

// applyDefaults sets sensible defaults for zero-valued config fields
func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}
	if len(c.Server.CORSAllowOrigins) == 0 {
		c.Server.CORSAllowOrigins = []string{"*"}
	}

	if c.Simulation.NumPE == 0 {
		c.Simulation.NumPE = 4
	}
	if c.Simulation.LPsPerPE == 0 {
		c.Simulation.LPsPerPE = 1
	}
	if c.Simulation.Lookahead == 0 {
		c.Simulation.Lookahead = 1
	}
	if c.Simulation.SynchMode == 0 {
		c.Simulation.SynchMode = 3 // optimistic
	}
	if c.Simulation.GVTInterval == 0 {
		c.Simulation.GVTInterval = 50
	}
	if c.Simulation.EventsPerPE == 0 {
		c.Simulation.EventsPerPE = 4096
	}
	if c.Simulation.EndTime == 0 {
		c.Simulation.EndTime = 100
	}

	if c.Transport.Backend == "" {
		c.Transport.Backend = "local"
	}
	if c.Transport.ChannelDepth == 0 {
		c.Transport.ChannelDepth = 64
	}

	if c.Output.Dir == "" {
		c.Output.Dir = "./out"
	}
	if c.Output.Store == "" {
		c.Output.Store = "file"
	}

	if c.Monitoring.LatencyAlertMs == 0 {
		c.Monitoring.LatencyAlertMs = 500
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// =============================================================================
// Convenience Methods
// =============================================================================

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

func (c *Config) GetPort() string {
	if c.Server.Port == "" {
		return "8080"
	}
	return c.Server.Port
}
