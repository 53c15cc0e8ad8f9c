// Package config assembles the daemon configuration from built-in defaults,
// an optional YAML file, and process environment variables. Environment
// values always win over file values, which win over defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the merged daemon configuration.
	Config struct {
		// HTTP is the control API listen address.
		HTTP string `yaml:"http"`

		// Debug enables debug logging.
		Debug bool `yaml:"debug"`

		// ServersFile is the path to the tool server configuration document.
		ServersFile string `yaml:"servers_file"`

		// StateStoreURL selects the shared state store. Empty runs on the
		// in-process store, which is single-node only.
		StateStoreURL string `yaml:"state_store_url"`

		Provider     Provider     `yaml:"provider"`
		Sandbox      Sandbox      `yaml:"sandbox"`
		Pool         Pool         `yaml:"pool"`
		Worker       Worker       `yaml:"worker"`
		Conversation Conversation `yaml:"conversation"`
		Session      Session      `yaml:"session"`
	}

	// Provider selects the language model backend and its turn limits.
	Provider struct {
		// Name is the backend: anthropic, openai or bedrock.
		Name string `yaml:"name"`

		// Model is the model identifier passed to the backend. Empty uses
		// the backend's default.
		Model string `yaml:"model"`

		// SystemPrompt seeds every session's turn engine.
		SystemPrompt string `yaml:"system_prompt"`

		// MaxOutputTokens caps completion length. Zero uses the backend
		// default.
		MaxOutputTokens int `yaml:"max_output_tokens"`

		// Temperature is the sampling temperature. Zero means backend
		// default.
		Temperature float32 `yaml:"temperature"`
	}

	// Sandbox describes the default sandbox image used when a session or
	// pool does not specify its own.
	Sandbox struct {
		Image     string            `yaml:"image"`
		Cmd       []string          `yaml:"cmd"`
		Env       map[string]string `yaml:"env"`
		MemoryMiB int64             `yaml:"memory_mib"`
		CPUs      float64           `yaml:"cpus"`
	}

	// Pool sizes the warm sandbox pool.
	Pool struct {
		Enabled   bool `yaml:"enabled"`
		MinIdle   int  `yaml:"min_idle"`
		MaxTotal  int  `yaml:"max_total"`
		IdleTTLMs int  `yaml:"idle_ttl_ms"`
	}

	// Worker configures the dispatch-plane worker.
	Worker struct {
		Enabled      bool `yaml:"enabled"`
		Concurrency  int  `yaml:"concurrency"`
		JobTimeoutMs int  `yaml:"job_timeout_ms"`
	}

	// Conversation bounds stored history.
	Conversation struct {
		Compression      bool `yaml:"compression"`
		MaxHistoryTokens int  `yaml:"max_history_tokens"`
		TTLSeconds       int  `yaml:"ttl_seconds"`

		// MongoURL moves history off the state store and onto MongoDB.
		MongoURL      string `yaml:"mongo_url"`
		MongoDatabase string `yaml:"mongo_database"`
	}

	// Session controls session lifecycle sweeping.
	Session struct {
		IdleTTLMs int `yaml:"idle_ttl_ms"`
	}
)

// Defaults applied before file and environment values.
const (
	DefaultHTTP             = ":8080"
	DefaultServersFile      = "tool-servers.json"
	DefaultProvider         = "anthropic"
	DefaultPoolMinIdle      = 1
	DefaultPoolMaxTotal     = 10
	DefaultPoolIdleTTLMs    = 600000
	DefaultConcurrency      = 10
	DefaultJobTimeoutMs     = 300000
	DefaultMaxHistoryTokens = 30000
	DefaultSessionIdleTTLMs = 900000
)

// Default returns the configuration before any file or environment values
// are applied.
func Default() Config {
	return Config{
		HTTP:        DefaultHTTP,
		ServersFile: DefaultServersFile,
		Provider: Provider{
			Name: DefaultProvider,
		},
		Pool: Pool{
			MinIdle:   DefaultPoolMinIdle,
			MaxTotal:  DefaultPoolMaxTotal,
			IdleTTLMs: DefaultPoolIdleTTLMs,
		},
		Worker: Worker{
			Concurrency:  DefaultConcurrency,
			JobTimeoutMs: DefaultJobTimeoutMs,
		},
		Conversation: Conversation{
			MaxHistoryTokens: DefaultMaxHistoryTokens,
		},
		Session: Session{
			IdleTTLMs: DefaultSessionIdleTTLMs,
		},
	}
}

// Load merges defaults, the YAML file at path and the process environment,
// in that order. An empty path skips the file. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv merges defaults and the process environment without a file.
func FromEnv() (Config, error) {
	return Load("")
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	switch c.Provider.Name {
	case "anthropic", "openai", "bedrock":
	default:
		return fmt.Errorf("unknown provider %q (want anthropic, openai or bedrock)", c.Provider.Name)
	}
	if c.Pool.MinIdle < 0 || c.Pool.MaxTotal < 0 || c.Pool.IdleTTLMs < 0 {
		return errors.New("pool sizes must not be negative")
	}
	if c.Pool.Enabled && c.Pool.MinIdle > c.Pool.MaxTotal {
		return fmt.Errorf("pool min_idle %d exceeds max_total %d", c.Pool.MinIdle, c.Pool.MaxTotal)
	}
	if c.Worker.Concurrency < 0 || c.Worker.JobTimeoutMs < 0 {
		return errors.New("worker settings must not be negative")
	}
	if c.Conversation.MaxHistoryTokens < 0 || c.Conversation.TTLSeconds < 0 {
		return errors.New("conversation settings must not be negative")
	}
	if c.Session.IdleTTLMs < 0 {
		return errors.New("session idle_ttl_ms must not be negative")
	}
	return nil
}

// IdleTTL converts the configured idle lifetime.
func (p Pool) IdleTTL() time.Duration { return time.Duration(p.IdleTTLMs) * time.Millisecond }

// JobTimeout converts the configured job lifetime.
func (w Worker) JobTimeout() time.Duration { return time.Duration(w.JobTimeoutMs) * time.Millisecond }

// TTL converts the configured history lifetime. Zero disables expiry.
func (c Conversation) TTL() time.Duration { return time.Duration(c.TTLSeconds) * time.Second }

// IdleTTL converts the configured idle lifetime.
func (s Session) IdleTTL() time.Duration { return time.Duration(s.IdleTTLMs) * time.Millisecond }

// applyEnv overlays the environment variables the core recognizes.
func (c *Config) applyEnv() error {
	var errs []error
	setString(&c.StateStoreURL, "STATE_STORE_URL")
	setBool(&c.Pool.Enabled, "ENABLE_SANDBOX_POOL", &errs)
	setInt(&c.Pool.MinIdle, "POOL_MIN_IDLE", &errs)
	setInt(&c.Pool.MaxTotal, "POOL_MAX_TOTAL", &errs)
	setInt(&c.Pool.IdleTTLMs, "POOL_IDLE_TTL_MS", &errs)
	setBool(&c.Worker.Enabled, "ENABLE_WORKER_MODE", &errs)
	setInt(&c.Worker.Concurrency, "WORKER_CONCURRENCY", &errs)
	setInt(&c.Worker.JobTimeoutMs, "JOB_TIMEOUT_MS", &errs)
	setBool(&c.Conversation.Compression, "ENABLE_CONVERSATION_COMPRESSION", &errs)
	setInt(&c.Conversation.MaxHistoryTokens, "MAX_HISTORY_TOKENS", &errs)
	setInt(&c.Provider.MaxOutputTokens, "MAX_OUTPUT_TOKENS", &errs)
	setInt(&c.Conversation.TTLSeconds, "HISTORY_TTL_SECONDS", &errs)
	setInt(&c.Session.IdleTTLMs, "IDLE_SESSION_TTL_MS", &errs)
	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string, errs *[]error) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = n
}

func setBool(dst *bool, key string, errs *[]error) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = b
}
