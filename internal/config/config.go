package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// PathSpace Remote Mount - Configuration with Environment Overrides
// =============================================================================

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Security    SecurityConfig    `yaml:"security"`
	Throttle    ThrottleConfig    `yaml:"throttle"`
	Exports     []ExportConfig    `yaml:"exports"`
	Mounts      []MountConfig     `yaml:"mounts"`
	Redis       RedisConfig       `yaml:"redis"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	PubSub      PubSubConfig      `yaml:"pubsub"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Admin       AdminConfig       `yaml:"admin"`
}

type ServerConfig struct {
	Address              string   `yaml:"address"`
	CertFile             string   `yaml:"cert_file"`
	KeyFile              string   `yaml:"key_file"`
	ClientCAFile         string   `yaml:"client_ca_file"`
	RequireClientCert    bool     `yaml:"require_client_cert"`
	LeaseDurationSec     int      `yaml:"lease_duration_sec"`
	HeartbeatIntervalSec int      `yaml:"heartbeat_interval_sec"`
	AutocertEnabled      bool     `yaml:"autocert_enabled"`
	AutocertDomains      []string `yaml:"autocert_domains"`
	AutocertCacheDir     string   `yaml:"autocert_cache_dir"`
}

// SecurityConfig configures the optional SPIFFE/SPIRE identity source
// (internal/identity.SPIFFESource); plain certificate-DN/SHA-256 mTLS
// remains the default when SpiffeSocketPath is empty (spec.md §4.E).
type SecurityConfig struct {
	SpiffeSocketPath string `yaml:"spiffe_socket_path"`
	TrustDomain      string `yaml:"trust_domain"`
}

// ThrottleConfig mirrors mountserver.ThrottleOpts in millisecond form so it
// can round-trip through YAML; see ThrottleConfig.ToThrottleOpts.
type ThrottleConfig struct {
	RequestWindowMs         int `yaml:"request_window_ms"`
	MaxRequestsPerWindow    int `yaml:"max_requests_per_window"`
	PenaltyCapMs            int `yaml:"penalty_cap_ms"`
	PenaltyIncrementMs      int `yaml:"penalty_increment_ms"`
	MaxWaitersPerSession    int `yaml:"max_waiters_per_session"`
	StreamThrottleThreshold int `yaml:"stream_throttle_threshold"`
	StreamHardCap           int `yaml:"stream_hard_cap"`
	StreamThrottleWindowMs  int `yaml:"stream_throttle_window_ms"`
	WaitRetryAfterMs        int `yaml:"wait_retry_after_ms"`
}

// ExportConfig binds one alias to a root path within the hosted local
// PathSpace tree and the capabilities a mount may request against it
// (spec.md §3 "Export").
type ExportConfig struct {
	Alias        string   `yaml:"alias"`
	Root         string   `yaml:"root"`
	Capabilities []string `yaml:"capabilities"`
}

// MountConfig describes one client-side remote mount this process should
// establish at startup (spec.md §4.G).
type MountConfig struct {
	Alias               string   `yaml:"alias"`
	ServerAddress        string   `yaml:"server_address"`
	ExportRoot           string   `yaml:"export_root"`
	MountPath            string   `yaml:"mount_path"`
	RequestCapabilities  []string `yaml:"request_capabilities"`
	ClientCertFile       string   `yaml:"client_cert_file"`
	ClientKeyFile        string   `yaml:"client_key_file"`
	ServerCAFile         string   `yaml:"server_ca_file"`
	InsecureSkipVerify   bool     `yaml:"insecure_skip_verify"`
}

// RedisConfig selects the optional Redis-backed per-path version counter and
// cross-instance notification fan-out (internal/rediscoord), used instead of
// the default in-process version map when a mount server is horizontally
// scaled (spec.md §3, §4.F). Request-throttle state stays in-process.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
}

// PostgresConfig selects the Postgres diagnostics sink alternative to the
// default filesystem layout (internal/diagnostics.PostgresSink).
type PostgresConfig struct {
	DSN     string `yaml:"dsn"`
	Enabled bool   `yaml:"enabled"`
}

// PubSubConfig enables CloudEvents fan-out of diagnostics events in
// addition to the required filesystem/Postgres sink.
type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
	Enabled   bool   `yaml:"enabled"`
}

type DiagnosticsConfig struct {
	FilesystemRoot string `yaml:"filesystem_root"`
}

// AdminConfig configures the read-only HTTP introspection server
// (internal/adminhttp).
type AdminConfig struct {
	Address string `yaml:"address"`
}

// =============================================================================
// Singleton Pattern with Environment Overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance, loading from CONFIG_PATH (or
// "config.yaml") on first call and falling back to defaults if the file is
// absent.
func Get() *Config {
	once.Do(func() {
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

// LoadConfig loads config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides applies PATHSPACE_* environment variable overrides,
// matching the env-var-over-YAML precedence the teacher's config uses.
func (c *Config) applyEnvOverrides() {
	c.Server.Address = getEnv("PATHSPACE_SERVER_ADDRESS", c.Server.Address)
	c.Server.CertFile = getEnv("PATHSPACE_SERVER_CERT_FILE", c.Server.CertFile)
	c.Server.KeyFile = getEnv("PATHSPACE_SERVER_KEY_FILE", c.Server.KeyFile)
	c.Server.ClientCAFile = getEnv("PATHSPACE_SERVER_CLIENT_CA_FILE", c.Server.ClientCAFile)
	c.Server.RequireClientCert = getEnvBool("PATHSPACE_SERVER_REQUIRE_CLIENT_CERT", c.Server.RequireClientCert)
	if v := getEnvInt("PATHSPACE_SERVER_LEASE_DURATION_SEC", 0); v > 0 {
		c.Server.LeaseDurationSec = v
	}
	if v := getEnvInt("PATHSPACE_SERVER_HEARTBEAT_INTERVAL_SEC", 0); v > 0 {
		c.Server.HeartbeatIntervalSec = v
	}
	c.Server.AutocertEnabled = getEnvBool("PATHSPACE_AUTOCERT_ENABLED", c.Server.AutocertEnabled)
	if domains := getEnv("PATHSPACE_AUTOCERT_DOMAINS", ""); domains != "" {
		c.Server.AutocertDomains = splitCSV(domains)
	}
	c.Server.AutocertCacheDir = getEnv("PATHSPACE_AUTOCERT_CACHE_DIR", c.Server.AutocertCacheDir)

	c.Security.SpiffeSocketPath = getEnv("PATHSPACE_SPIFFE_SOCKET_PATH", c.Security.SpiffeSocketPath)
	c.Security.TrustDomain = getEnv("PATHSPACE_TRUST_DOMAIN", c.Security.TrustDomain)

	c.Redis.Address = getEnv("PATHSPACE_REDIS_ADDRESS", c.Redis.Address)
	c.Redis.Password = getEnv("PATHSPACE_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.Enabled = getEnvBool("PATHSPACE_REDIS_ENABLED", c.Redis.Enabled)

	c.Postgres.DSN = getEnv("PATHSPACE_POSTGRES_DSN", c.Postgres.DSN)
	c.Postgres.Enabled = getEnvBool("PATHSPACE_POSTGRES_ENABLED", c.Postgres.Enabled)

	if projectID := getEnv("PATHSPACE_PUBSUB_PROJECT_ID", ""); projectID != "" {
		c.PubSub.ProjectID = projectID
	}
	c.PubSub.TopicID = getEnv("PATHSPACE_PUBSUB_TOPIC_ID", c.PubSub.TopicID)
	c.PubSub.Enabled = getEnvBool("PATHSPACE_PUBSUB_ENABLED", c.PubSub.Enabled)

	c.Diagnostics.FilesystemRoot = getEnv("PATHSPACE_DIAGNOSTICS_ROOT", c.Diagnostics.FilesystemRoot)
	c.Admin.Address = getEnv("PATHSPACE_ADMIN_ADDRESS", c.Admin.Address)

	c.applyDefaults()
}

// applyDefaults sets sensible defaults for zero-valued config fields.
func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":7420"
	}
	if c.Server.LeaseDurationSec == 0 {
		c.Server.LeaseDurationSec = 15
	}
	if c.Server.HeartbeatIntervalSec == 0 {
		c.Server.HeartbeatIntervalSec = 3
	}
	if c.Server.AutocertCacheDir == "" {
		c.Server.AutocertCacheDir = "./autocert-cache"
	}
	if c.Throttle.RequestWindowMs == 0 {
		c.Throttle.RequestWindowMs = 1000
	}
	if c.Throttle.MaxRequestsPerWindow == 0 {
		c.Throttle.MaxRequestsPerWindow = 50
	}
	if c.Throttle.PenaltyCapMs == 0 {
		c.Throttle.PenaltyCapMs = 2000
	}
	if c.Throttle.PenaltyIncrementMs == 0 {
		c.Throttle.PenaltyIncrementMs = 1
	}
	if c.Throttle.MaxWaitersPerSession == 0 {
		c.Throttle.MaxWaitersPerSession = 64
	}
	if c.Throttle.StreamThrottleThreshold == 0 {
		c.Throttle.StreamThrottleThreshold = 128
	}
	if c.Throttle.StreamHardCap == 0 {
		c.Throttle.StreamHardCap = 1024
	}
	if c.Throttle.StreamThrottleWindowMs == 0 {
		c.Throttle.StreamThrottleWindowMs = 250
	}
	if c.Throttle.WaitRetryAfterMs == 0 {
		c.Throttle.WaitRetryAfterMs = 250
	}
	if c.Diagnostics.FilesystemRoot == "" {
		c.Diagnostics.FilesystemRoot = "./diagnostics"
	}
	if c.Admin.Address == "" {
		c.Admin.Address = ":7421"
	}
	if c.PubSub.TopicID == "" {
		c.PubSub.TopicID = "pathspace-diagnostics"
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
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
