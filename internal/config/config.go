// Package config loads service configuration from defaults, an optional YAML
// file and AUTOPILOT_ environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bissquit/incident-autopilot/internal/domain"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AUTOPILOT_"

// Storage backends.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
	StorageBadger   = "badger"
)

// Metrics sources.
const (
	MetricsPrometheus    = "prometheus"
	MetricsMetricsServer = "metrics-server"
)

// Config is the complete service configuration.
type Config struct {
	Log        LogConfig        `koanf:"log"`
	Server     ServerConfig     `koanf:"server"`
	Database   DatabaseConfig   `koanf:"database"`
	Storage    StorageConfig    `koanf:"storage"`
	Policy     PolicyConfig     `koanf:"policy"`
	Thresholds ThresholdsConfig `koanf:"thresholds"`
	Metrics    MetricsConfig    `koanf:"metrics"`
	Kubernetes KubernetesConfig `koanf:"kubernetes"`
	GitHub     GitHubConfig     `koanf:"github"`
	Grafana    GrafanaConfig    `koanf:"grafana"`
	Mattermost MattermostConfig `koanf:"mattermost"`
	LLM        LLMConfig        `koanf:"llm"`
	Scheduler  SchedulerConfig  `koanf:"scheduler"`
	Retry      RetryConfig      `koanf:"retry"`
	JWT        JWTConfig        `koanf:"jwt"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port"`
	MetricsPort       string        `koanf:"metrics_port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectAttempts int           `koanf:"connect_attempts"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
}

type StorageConfig struct {
	Backend    string `koanf:"backend"` // memory, postgres, badger
	BadgerPath string `koanf:"badger_path"`
}

type PolicyConfig struct {
	AnalysisThreshold int `koanf:"analysis_threshold"`
	MaxRestartsPerDay int `koanf:"max_restarts_per_day"`
}

// ThresholdsConfig holds breach thresholds. CPU is percent of one core, memory is MiB.
type ThresholdsConfig struct {
	CPU    float64 `koanf:"cpu"`
	Memory float64 `koanf:"memory"`
}

type MetricsConfig struct {
	Source        string `koanf:"source"` // prometheus, metrics-server
	PrometheusURL string `koanf:"prometheus_url"`
	CPUQuery      string `koanf:"cpu_query"`
	MemoryQuery   string `koanf:"memory_query"`
}

type KubernetesConfig struct {
	Kubeconfig            string `koanf:"kubeconfig"`
	Namespace             string `koanf:"namespace"`
	SourceConfigMapSuffix string `koanf:"source_configmap_suffix"`
	LogTailLines          int    `koanf:"log_tail_lines"`
}

type GitHubConfig struct {
	APIURL            string  `koanf:"api_url"`
	Token             string  `koanf:"token"`
	Owner             string  `koanf:"owner"`
	Repo              string  `koanf:"repo"`
	BaseBranch        string  `koanf:"base_branch"`
	RequestsPerSecond float64 `koanf:"requests_per_second"`
}

type GrafanaConfig struct {
	URL          string `koanf:"url"`
	APIKey       string `koanf:"api_key"`
	DashboardUID string `koanf:"dashboard_uid"`
}

// MattermostConfig enables incident notifications when WebhookURL is set.
type MattermostConfig struct {
	WebhookURL string `koanf:"webhook_url"`
	Username   string `koanf:"username"`
	IconURL    string `koanf:"icon_url"`
}

type LLMConfig struct {
	BaseURL string        `koanf:"base_url"`
	APIKey  string        `koanf:"api_key"`
	Model   string        `koanf:"model"`
	Timeout time.Duration `koanf:"timeout"`
}

type SchedulerConfig struct {
	Enabled      bool          `koanf:"enabled"`
	PollInterval time.Duration `koanf:"poll_interval"`
	MinInterval  time.Duration `koanf:"min_interval"`
}

type RetryConfig struct {
	MaxAttempts    int           `koanf:"max_attempts"`
	InitialBackoff time.Duration `koanf:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff"`
	Multiplier     float64       `koanf:"multiplier"`
	AttemptTimeout time.Duration `koanf:"attempt_timeout"`
}

type JWTConfig struct {
	SecretKey string `koanf:"secret_key"`
}

var defaults = map[string]any{
	"log.level":  "info",
	"log.format": "json",

	"server.host":                "0.0.0.0",
	"server.port":                "8080",
	"server.metrics_port":        "9090",
	"server.read_timeout":        "15s",
	"server.read_header_timeout": "5s",
	"server.write_timeout":       "5m",
	"server.idle_timeout":        "60s",
	"server.shutdown_timeout":    "30s",

	"database.max_open_conns":    10,
	"database.max_idle_conns":    2,
	"database.conn_max_lifetime": "1h",
	"database.connect_attempts":  5,
	"database.connect_timeout":   "30s",

	"storage.backend":     StorageMemory,
	"storage.badger_path": "data/autopilot",

	"policy.analysis_threshold":   4,
	"policy.max_restarts_per_day": 10,

	"thresholds.cpu":    80.0,
	"thresholds.memory": 512.0,

	"metrics.source": MetricsPrometheus,

	"kubernetes.namespace":               "default",
	"kubernetes.source_configmap_suffix": "-source",
	"kubernetes.log_tail_lines":          1000,

	"github.api_url":             "https://api.github.com",
	"github.base_branch":         "main",
	"github.requests_per_second": 5.0,

	"llm.model":   "gpt-4o",
	"llm.timeout": "2m",

	"scheduler.enabled":       false,
	"scheduler.poll_interval": "1m",
	"scheduler.min_interval":  "5m",

	"retry.max_attempts":    3,
	"retry.initial_backoff": "500ms",
	"retry.max_backoff":     "5s",
	"retry.multiplier":      2.0,
	"retry.attempt_timeout": "30s",
}

// Load reads defaults, then the YAML file at path if path is set, then the
// environment (AUTOPILOT_POLICY_ANALYSIS_THRESHOLD -> policy.analysis_threshold).
// The returned config is not validated.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	for key, value := range defaults {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("set default %s: %w", key, err)
		}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// envKey maps AUTOPILOT_SECTION_SOME_KEY to section.some_key. Only the first
// underscore after the prefix separates the section.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, key, found := strings.Cut(s, "_")
	if !found {
		return section
	}
	return section + "." + key
}

// Validate checks the configuration. Every error wraps domain.ErrConfiguration.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{domain.ErrConfiguration}, args...)...))
	}

	if c.Thresholds.CPU <= 0 {
		add("thresholds.cpu must be positive")
	}
	if c.Thresholds.Memory <= 0 {
		add("thresholds.memory must be positive")
	}
	if c.Policy.AnalysisThreshold <= 0 {
		add("policy.analysis_threshold must be positive")
	}
	if c.Policy.MaxRestartsPerDay <= 0 {
		add("policy.max_restarts_per_day must be positive")
	}

	switch c.Storage.Backend {
	case StorageMemory:
	case StoragePostgres:
		if c.Database.URL == "" {
			add("database.url is required for the postgres backend")
		}
	case StorageBadger:
		if c.Storage.BadgerPath == "" {
			add("storage.badger_path is required for the badger backend")
		}
	default:
		add("unknown storage.backend %q", c.Storage.Backend)
	}

	switch c.Metrics.Source {
	case MetricsPrometheus:
		if c.Metrics.PrometheusURL == "" {
			add("metrics.prometheus_url is required for the prometheus source")
		}
	case MetricsMetricsServer:
	default:
		add("unknown metrics.source %q", c.Metrics.Source)
	}

	if c.GitHub.Token == "" {
		add("github.token is required")
	}
	if c.GitHub.Owner == "" || c.GitHub.Repo == "" {
		add("github.owner and github.repo are required")
	}
	if c.LLM.APIKey == "" {
		add("llm.api_key is required")
	}

	if c.Scheduler.PollInterval <= 0 {
		add("scheduler.poll_interval must be positive")
	}
	if c.Scheduler.MinInterval < 0 {
		add("scheduler.min_interval must not be negative")
	}
	if c.Retry.MaxAttempts <= 0 {
		add("retry.max_attempts must be positive")
	}
	if c.Retry.Multiplier < 1 {
		add("retry.multiplier must be at least 1")
	}

	return errors.Join(errs...)
}
