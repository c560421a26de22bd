// Package config assembles the typed configuration struct passed to every
// component at construction. Values come from the environment with an
// optional YAML file overlay; there are no module-level mutable globals.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the single configuration object for the control plane process.
type Config struct {
	ListenAddr string `yaml:"listenAddr"`
	DataDir    string `yaml:"dataDir"`
	LogLevel   string `yaml:"logLevel"`
	LogJSON    bool   `yaml:"logJSON"`

	// ControlPlaneToken authenticates nodes and operators against the admin
	// HTTP surface and is forwarded as bearer credential on engine calls.
	ControlPlaneToken string `yaml:"controlPlaneToken"`

	// APITokenSecret verifies operator tokens minted by issue-api-token.
	APITokenSecret string `yaml:"apiTokenSecret"`

	Store      StoreConfig      `yaml:"store"`
	Nodes      NodesConfig      `yaml:"nodes"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Autoscaler AutoscalerConfig `yaml:"autoscaler"`
	Auth       AuthConfig       `yaml:"auth"`
	HTTP       HTTPConfig       `yaml:"http"`
}

// StoreConfig configures the shared state store client.
type StoreConfig struct {
	// Hosts is the REDIS_HOSTS list, "host:port[,host:port...]".
	Hosts    string `yaml:"hosts"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// NodesConfig configures the node registry and its sweeps.
type NodesConfig struct {
	// TTLSeconds is how long a node stays healthy without a heartbeat.
	TTLSeconds int `yaml:"ttlSeconds"`
	// GraceFactor multiplies the TTL to obtain the removal deadline.
	GraceFactor int `yaml:"graceFactor"`
	// HeartbeatIntervalSeconds is advertised to nodes at registration.
	HeartbeatIntervalSeconds int `yaml:"heartbeatIntervalSeconds"`
	// MaxContainers caps the containers scheduled onto a single node.
	MaxContainers int `yaml:"maxContainers"`
	// SweepIntervalSeconds is the cadence of the TTL/orphan sweeper.
	SweepIntervalSeconds int `yaml:"sweepIntervalSeconds"`
	// OrphanGraceSeconds is how long terminal matches of a removed node are
	// preserved for observability before pruning.
	OrphanGraceSeconds int `yaml:"orphanGraceSeconds"`
}

// SchedulerConfig configures match placement.
type SchedulerConfig struct {
	// TieBreakSeed perturbs the deterministic tie-break; zero keeps pure
	// lexicographic order, which tests rely on.
	TieBreakSeed int64 `yaml:"tieBreakSeed"`
}

// AutoscalerConfig configures the scaling control loop.
type AutoscalerConfig struct {
	IntervalSeconds    int     `yaml:"intervalSeconds"`
	ScaleUpThreshold   float64 `yaml:"scaleUpThreshold"`
	ScaleDownThreshold float64 `yaml:"scaleDownThreshold"`
	MinNodes           int     `yaml:"minNodes"`
	MaxNodes           int     `yaml:"maxNodes"`
	CooldownSeconds    int     `yaml:"cooldownSeconds"`
}

// AuthConfig configures the broker toward the external auth service.
type AuthConfig struct {
	ServiceURL       string `yaml:"serviceURL"`
	ClientID         string `yaml:"clientID"`
	ClientSecret     string `yaml:"clientSecret"`
	RemoteValidation bool   `yaml:"remoteValidation"`
}

// HTTPConfig bounds outbound HTTP calls (engine, auth service).
type HTTPConfig struct {
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
}

// Default returns the configuration with all documented defaults applied.
func Default() Config {
	return Config{
		ListenAddr: ":8090",
		DataDir:    "./stormstack-data",
		LogLevel:   "info",
		Store: StoreConfig{
			Hosts: "127.0.0.1:6379",
		},
		Nodes: NodesConfig{
			TTLSeconds:               30,
			GraceFactor:              3,
			HeartbeatIntervalSeconds: 10,
			MaxContainers:            32,
			SweepIntervalSeconds:     10,
			OrphanGraceSeconds:       300,
		},
		Autoscaler: AutoscalerConfig{
			IntervalSeconds:    30,
			ScaleUpThreshold:   0.8,
			ScaleDownThreshold: 0.3,
			MinNodes:           1,
			MaxNodes:           16,
			CooldownSeconds:    300,
		},
		HTTP: HTTPConfig{
			ConnectTimeout: 3 * time.Second,
			RequestTimeout: 5 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// the environment, in that order of precedence (environment wins).
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the control loops cannot run with.
func (c Config) Validate() error {
	if c.Nodes.TTLSeconds <= 0 {
		return fmt.Errorf("node TTL must be positive, got %d", c.Nodes.TTLSeconds)
	}
	if c.Nodes.GraceFactor < 1 {
		return fmt.Errorf("node grace factor must be >= 1, got %d", c.Nodes.GraceFactor)
	}
	if c.Autoscaler.MinNodes < 0 || c.Autoscaler.MaxNodes < c.Autoscaler.MinNodes {
		return fmt.Errorf("autoscaler bounds invalid: min=%d max=%d",
			c.Autoscaler.MinNodes, c.Autoscaler.MaxNodes)
	}
	if c.Autoscaler.ScaleUpThreshold <= c.Autoscaler.ScaleDownThreshold {
		return fmt.Errorf("scale-up threshold %.2f must exceed scale-down threshold %.2f",
			c.Autoscaler.ScaleUpThreshold, c.Autoscaler.ScaleDownThreshold)
	}
	return nil
}

// NodeTTL returns the heartbeat TTL as a duration.
func (c NodesConfig) NodeTTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// RemovalTTL returns how long a node entry survives in the store without a
// heartbeat before it is dropped entirely.
func (c NodesConfig) RemovalTTL() time.Duration {
	return time.Duration(c.TTLSeconds*c.GraceFactor) * time.Second
}

func applyEnv(cfg *Config) {
	envStr("LISTEN_ADDR", &cfg.ListenAddr)
	envStr("DATA_DIR", &cfg.DataDir)
	envStr("LOG_LEVEL", &cfg.LogLevel)
	envStr("CONTROL_PLANE_TOKEN", &cfg.ControlPlaneToken)
	envStr("API_TOKEN_SECRET", &cfg.APITokenSecret)

	envStr("REDIS_HOSTS", &cfg.Store.Hosts)
	envStr("REDIS_PASSWORD", &cfg.Store.Password)
	envInt("REDIS_DB", &cfg.Store.DB)

	envInt("NODE_TTL_SECONDS", &cfg.Nodes.TTLSeconds)
	envInt("NODE_GRACE_FACTOR", &cfg.Nodes.GraceFactor)
	envInt("HEARTBEAT_INTERVAL_SECONDS", &cfg.Nodes.HeartbeatIntervalSeconds)
	envInt("MAX_CONTAINERS", &cfg.Nodes.MaxContainers)
	envInt("SWEEP_INTERVAL_SECONDS", &cfg.Nodes.SweepIntervalSeconds)
	envInt("ORPHAN_GRACE_SECONDS", &cfg.Nodes.OrphanGraceSeconds)

	envInt("AUTOSCALER_INTERVAL_SECONDS", &cfg.Autoscaler.IntervalSeconds)
	envFloat("AUTOSCALER_SCALE_UP_THRESHOLD", &cfg.Autoscaler.ScaleUpThreshold)
	envFloat("AUTOSCALER_SCALE_DOWN_THRESHOLD", &cfg.Autoscaler.ScaleDownThreshold)
	envInt("AUTOSCALER_MIN_NODES", &cfg.Autoscaler.MinNodes)
	envInt("AUTOSCALER_MAX_NODES", &cfg.Autoscaler.MaxNodes)
	envInt("AUTOSCALER_COOLDOWN_SECONDS", &cfg.Autoscaler.CooldownSeconds)

	envStr("AUTH_SERVICE_URL", &cfg.Auth.ServiceURL)
	envStr("AUTH_CLIENT_ID", &cfg.Auth.ClientID)
	envStr("AUTH_CLIENT_SECRET", &cfg.Auth.ClientSecret)
	envBool("AUTH_REMOTE_VALIDATION", &cfg.Auth.RemoteValidation)
}

func envStr(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*dst = b
		}
	}
}
