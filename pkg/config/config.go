package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	envConfigPath     = "FLOWGATE_CONFIG"
	envStage          = "STAGE"
	envDirty          = "DIRTY"
	envCommit         = "COMMIT_SHA"
	envBugsnagAPIKey  = "BUGSNAG_API_KEY"
	envEngineURL      = "ENGINE_URL"
	envPort           = "PORT"
	envRedisAddr      = "REDIS_ADDR"
	defaultStage      = "local"
	defaultPort       = 3000
	defaultMaxBody    = 50 << 20
	defaultTopic      = "flowgate.batches"
	defaultGroup      = "flowgate"
	defaultConsumer   = "flowgate-1"
	defaultEngineWait = 30 * time.Second
)

const (
	QueueDriverMemory = "memory"
	QueueDriverRedis  = "redis"
)

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Config is the root runtime configuration.
type Config struct {
	Stage    string         `yaml:"stage" json:"stage"`
	Build    BuildConfig    `yaml:"build" json:"build"`
	Reporter ReporterConfig `yaml:"reporter" json:"reporter"`
	Server   ServerConfig   `yaml:"server" json:"server"`
	Engine   EngineConfig   `yaml:"engine" json:"engine"`
	Queue    QueueConfig    `yaml:"queue" json:"queue"`
	Batch    BatchConfig    `yaml:"batch" json:"batch"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `yaml:"format" json:"format,omitempty"`
	Level     string `yaml:"level" json:"level,omitempty"`
	AddSource bool   `yaml:"add_source" json:"add_source,omitempty"`
}

// BuildConfig identifies the running build.
type BuildConfig struct {
	Commit string `yaml:"commit" json:"commit"`
	Dirty  bool   `yaml:"dirty" json:"dirty"`
}

// ReporterConfig configures the crash-reporting sink. An empty APIKey means offline mode.
type ReporterConfig struct {
	APIKey           string `yaml:"api_key" json:"api_key"`
	NotifyEndpoint   string `yaml:"notify_endpoint" json:"notify_endpoint"`
	SessionsEndpoint string `yaml:"sessions_endpoint" json:"sessions_endpoint"`
}

// ServerConfig configures the HTTP ingress bind settings.
type ServerConfig struct {
	Host         string `yaml:"host" json:"host"`
	Port         int    `yaml:"port" json:"port"`
	MaxBodyBytes int64  `yaml:"max_body_bytes" json:"max_body_bytes"`
	// StatusPort serves gateway /healthz and /readyz; 0 disables the status server.
	StatusPort int `yaml:"status_port" json:"status_port"`
}

// EngineConfig points at the remote conversation engine.
type EngineConfig struct {
	BaseURL string        `yaml:"base_url" json:"base_url"`
	Timeout time.Duration `yaml:"-" json:"-"`

	TimeoutRaw string `yaml:"timeout" json:"timeout"`
}

// QueueConfig configures the batch-notification queue channel.
type QueueConfig struct {
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	Driver        string `yaml:"driver" json:"driver"`
	Addr          string `yaml:"addr" json:"addr"`
	Topic         string `yaml:"topic" json:"topic"`
	ConsumerGroup string `yaml:"consumer_group" json:"consumer_group"`
	Consumer      string `yaml:"consumer" json:"consumer"`
}

// BatchConfig tunes the batch dispatcher. Zero MaxConcurrency means unbounded fan-out.
type BatchConfig struct {
	MaxConcurrency int `yaml:"max_concurrency" json:"max_concurrency"`
}

// AppVersion returns the build identifier, suffixed with -dirty for unclean builds.
func (b BuildConfig) AppVersion() string {
	version := strings.TrimSpace(b.Commit)
	if b.Dirty {
		return version + "-dirty"
	}
	return version
}

// Default returns a configuration usable without any file.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// LoadConfig resolves the config file, unmarshals it, and applies environment overrides.
// A missing file is not an error: defaults plus environment are used.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if configPath != "" {
		loaded, err := LoadFromPath(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// LoadFromPath reads one config file. ${VAR} references are expanded before parsing.
func LoadFromPath(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(content))), &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parse durations: %w", err)
	}

	return &cfg, nil
}

// Validate checks settings that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	switch c.Queue.Driver {
	case QueueDriverMemory, QueueDriverRedis:
	default:
		return fmt.Errorf("queue.driver %q is not supported", c.Queue.Driver)
	}
	if c.Queue.Enabled && c.Queue.Driver == QueueDriverRedis && strings.TrimSpace(c.Queue.Addr) == "" {
		return errors.New("queue.addr is required for the redis driver")
	}
	if c.Batch.MaxConcurrency < 0 {
		return errors.New("batch.max_concurrency must not be negative")
	}
	if c.Server.MaxBodyBytes < 0 {
		return errors.New("server.max_body_bytes must not be negative")
	}
	if c.Engine.Timeout < 0 {
		return errors.New("engine.timeout must not be negative")
	}
	return nil
}

// applyEnvOverrides injects deployment settings on top of file config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if stage := strings.TrimSpace(os.Getenv(envStage)); stage != "" {
		cfg.Stage = stage
	}
	if dirty := strings.TrimSpace(os.Getenv(envDirty)); dirty != "" {
		cfg.Build.Dirty = parseBool(dirty)
	}
	if commit := strings.TrimSpace(os.Getenv(envCommit)); commit != "" {
		cfg.Build.Commit = commit
	}
	if key := strings.TrimSpace(os.Getenv(envBugsnagAPIKey)); key != "" {
		cfg.Reporter.APIKey = key
	}
	if url := strings.TrimSpace(os.Getenv(envEngineURL)); url != "" {
		cfg.Engine.BaseURL = url
	}
	if raw := strings.TrimSpace(os.Getenv(envPort)); raw != "" {
		if port, err := strconv.Atoi(raw); err == nil {
			cfg.Server.Port = port
		}
	}
	if addr := strings.TrimSpace(os.Getenv(envRedisAddr)); addr != "" {
		cfg.Queue.Addr = addr
	}
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Stage) == "" {
		cfg.Stage = defaultStage
	}
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = defaultPort
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = defaultMaxBody
	}
	if cfg.Engine.Timeout == 0 {
		cfg.Engine.Timeout = defaultEngineWait
	}
	if strings.TrimSpace(cfg.Queue.Driver) == "" {
		cfg.Queue.Driver = QueueDriverMemory
	}
	cfg.Queue.Driver = strings.ToLower(strings.TrimSpace(cfg.Queue.Driver))
	if cfg.Queue.Topic == "" {
		cfg.Queue.Topic = defaultTopic
	}
	if cfg.Queue.ConsumerGroup == "" {
		cfg.Queue.ConsumerGroup = defaultGroup
	}
	if cfg.Queue.Consumer == "" {
		cfg.Queue.Consumer = defaultConsumer
	}
}

func parseDurations(cfg *Config) error {
	if raw := strings.TrimSpace(cfg.Engine.TimeoutRaw); raw != "" {
		timeout, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parsing engine.timeout %q: %w", raw, err)
		}
		cfg.Engine.Timeout = timeout
	}
	return nil
}

// expandEnvVars replaces ${VAR_NAME} with the variable's value, or an empty string when unset.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

func parseBool(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// findConfigPath resolves the active config file location.
//
// Precedence is FLOWGATE_CONFIG first, then cwd-local fallback paths. An empty
// path with a nil error means no file was found.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.yaml"),
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.yaml"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", nil
}
