// Package config loads the process configuration: YAML (or JSON5) with
// $include resolution and environment-variable expansion, decoded into
// per-subsystem sections.
package config

import (
	"fmt"
	"time"

	"github.com/edgemind/edgemind/internal/memory"
)

// Config is the root configuration document.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	LLM      LLMConfig      `yaml:"llm"`
	Agent    AgentConfig    `yaml:"agent"`
	Memory   MemoryConfig   `yaml:"memory"`
	Devices  DevicesConfig  `yaml:"devices"`
	Workflow WorkflowConfig `yaml:"workflow"`
	Messages MessagesConfig `yaml:"messages"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// WebhookPathPrefix mounts the webhook adapter.
	WebhookPathPrefix string `yaml:"webhook_path_prefix"`
	WebhookToken      string `yaml:"webhook_token"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Backend is "memory" or "cockroach".
	Backend string `yaml:"backend"`
	DSN     string `yaml:"dsn"`
}

// LLMConfig configures the model backend.
type LLMConfig struct {
	// Provider is anthropic, openai, google, bedrock, or ollama; empty
	// disables the LLM and the agent runs on fallback rules.
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	// StreamConcurrency bounds concurrent streaming calls per backend.
	StreamConcurrency int `yaml:"stream_concurrency"`
	EnableThinking    bool `yaml:"enable_thinking"`
}

// AgentConfig bounds agent behavior per request.
type AgentConfig struct {
	SystemPrompt            string        `yaml:"system_prompt"`
	MaxToolCallsPerRequest  int           `yaml:"max_tool_calls_per_request"`
	MaxLLMCalls             int           `yaml:"max_llm_calls"`
	MaxLLMCallsOrchestrated int           `yaml:"max_llm_calls_orchestrated"`
	Orchestrated            bool          `yaml:"orchestrated"`
	ThinkingChunkCeiling    int           `yaml:"thinking_chunk_ceiling"`
	ContextTokenBudget      int           `yaml:"context_token_budget"`
	RequestTimeout          time.Duration `yaml:"request_timeout"`
	ToolTimeout             time.Duration `yaml:"tool_timeout"`
}

// MemoryConfig tunes the tiers.
type MemoryConfig struct {
	ShortTermMaxMessages int     `yaml:"short_term_max_messages"`
	ShortTermMaxTokens   int     `yaml:"short_term_max_tokens"`
	MidTermMaxEntries    int     `yaml:"mid_term_max_entries"`
	SearchMethod         string  `yaml:"search_method"` // semantic, bm25, hybrid
	HybridAlpha          float64 `yaml:"hybrid_alpha"`
	HybridBeta           float64 `yaml:"hybrid_beta"`
	// EmbeddingProvider is hash, openai, or ollama.
	EmbeddingProvider string `yaml:"embedding_provider"`
	EmbeddingModel    string `yaml:"embedding_model"`
	EmbeddingAPIKey   string `yaml:"embedding_api_key"`
	EmbeddingBaseURL  string `yaml:"embedding_base_url"`
	Dimension         int    `yaml:"dimension"`

	// Vector enables the persistent vector store behind mid-term memory.
	Vector memory.Config `yaml:"vector"`
}

// MQTTBrokerConfig is one broker connection.
type MQTTBrokerConfig struct {
	ID                string        `yaml:"id"`
	URL               string        `yaml:"url"`
	ClientID          string        `yaml:"client_id"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	UseTLS            bool          `yaml:"use_tls"`
	TopicPrefix       string        `yaml:"topic_prefix"`
	SubscribeTopics   []string      `yaml:"subscribe_topics"`
	DiscoveryTopic    string        `yaml:"discovery_topic"`
	DefaultDeviceType string        `yaml:"default_device_type"`
	Enabled           bool          `yaml:"enabled"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
}

// HTTPDeviceConfig is one polled device.
type HTTPDeviceConfig struct {
	DeviceID     string            `yaml:"device_id"`
	DeviceType   string            `yaml:"device_type"`
	URL          string            `yaml:"url"`
	Method       string            `yaml:"method"`
	PollInterval time.Duration     `yaml:"poll_interval"`
	Headers      map[string]string `yaml:"headers"`
	BearerToken  string            `yaml:"bearer_token"`
	DataPath     string            `yaml:"data_path"`
	CommandURL   string            `yaml:"command_url"`
}

// DevicesConfig configures adapters and extraction.
type DevicesConfig struct {
	MQTTBrokers    []MQTTBrokerConfig `yaml:"mqtt_brokers"`
	HTTPDevices    []HTTPDeviceConfig `yaml:"http_devices"`
	PollTimeout    time.Duration      `yaml:"poll_timeout"`
	ExtractMaxDepth int               `yaml:"extract_max_depth"`
	StoreRaw       bool               `yaml:"store_raw"`
	AutoExtract    bool               `yaml:"auto_extract"`
	// ExtensionDirs are scanned for device-type extension descriptors.
	ExtensionDirs []string `yaml:"extension_dirs"`
	// CacheCapacity and CacheTTL size the device-state read cache.
	CacheCapacity int           `yaml:"cache_capacity"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
}

// WorkflowConfig bounds the workflow executor.
type WorkflowConfig struct {
	MaxParallel int           `yaml:"max_parallel"`
	HTTPTimeout time.Duration `yaml:"http_timeout"`
}

// MessagesConfig tunes message retention.
type MessagesConfig struct {
	Retention time.Duration `yaml:"retention"`
}

// LoggingConfig configures slog output and optional OTLP tracing.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	// TracingEndpoint is an OTLP collector address; empty disables tracing.
	TracingEndpoint string `yaml:"tracing_endpoint"`
}

// Default returns a runnable baseline configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8087",
			WebhookPathPrefix: "/webhooks/devices",
		},
		Storage: StorageConfig{Backend: "memory"},
		LLM:     LLMConfig{StreamConcurrency: 3},
		Agent: AgentConfig{
			MaxToolCallsPerRequest: 5,
			MaxLLMCalls:            2,
			ThinkingChunkCeiling:   10,
			ContextTokenBudget:     8000,
			RequestTimeout:         2 * time.Minute,
			ToolTimeout:            30 * time.Second,
		},
		Memory: MemoryConfig{
			ShortTermMaxMessages: 100,
			ShortTermMaxTokens:   4000,
			MidTermMaxEntries:    1000,
			SearchMethod:         "hybrid",
			HybridAlpha:          0.7,
			HybridBeta:           0.3,
			EmbeddingProvider:    "hash",
		},
		Devices: DevicesConfig{
			PollTimeout:     10 * time.Second,
			ExtractMaxDepth: 10,
			StoreRaw:        true,
			AutoExtract:     true,
			CacheCapacity:   1000,
			CacheTTL:        5 * time.Minute,
		},
		Workflow: WorkflowConfig{HTTPTimeout: 10 * time.Second},
		Messages: MessagesConfig{Retention: 30 * 24 * time.Hour},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads, merges, and decodes the config at path over the defaults.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	defaults := Default()
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaults.Server.Addr
	}
	if cfg.Server.WebhookPathPrefix == "" {
		cfg.Server.WebhookPathPrefix = defaults.Server.WebhookPathPrefix
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = defaults.Storage.Backend
	}
	if cfg.LLM.StreamConcurrency <= 0 {
		cfg.LLM.StreamConcurrency = defaults.LLM.StreamConcurrency
	}
	if cfg.Agent.MaxToolCallsPerRequest <= 0 {
		cfg.Agent.MaxToolCallsPerRequest = defaults.Agent.MaxToolCallsPerRequest
	}
	if cfg.Agent.MaxLLMCalls <= 0 {
		cfg.Agent.MaxLLMCalls = defaults.Agent.MaxLLMCalls
	}
	if cfg.Agent.ThinkingChunkCeiling <= 0 {
		cfg.Agent.ThinkingChunkCeiling = defaults.Agent.ThinkingChunkCeiling
	}
	if cfg.Agent.ContextTokenBudget <= 0 {
		cfg.Agent.ContextTokenBudget = defaults.Agent.ContextTokenBudget
	}
	if cfg.Agent.RequestTimeout <= 0 {
		cfg.Agent.RequestTimeout = defaults.Agent.RequestTimeout
	}
	if cfg.Agent.ToolTimeout <= 0 {
		cfg.Agent.ToolTimeout = defaults.Agent.ToolTimeout
	}
	if cfg.Memory.ShortTermMaxMessages <= 0 {
		cfg.Memory.ShortTermMaxMessages = defaults.Memory.ShortTermMaxMessages
	}
	if cfg.Memory.ShortTermMaxTokens <= 0 {
		cfg.Memory.ShortTermMaxTokens = defaults.Memory.ShortTermMaxTokens
	}
	if cfg.Memory.MidTermMaxEntries <= 0 {
		cfg.Memory.MidTermMaxEntries = defaults.Memory.MidTermMaxEntries
	}
	if cfg.Memory.SearchMethod == "" {
		cfg.Memory.SearchMethod = defaults.Memory.SearchMethod
	}
	if cfg.Memory.HybridAlpha <= 0 {
		cfg.Memory.HybridAlpha = defaults.Memory.HybridAlpha
	}
	if cfg.Memory.HybridBeta <= 0 {
		cfg.Memory.HybridBeta = defaults.Memory.HybridBeta
	}
	if cfg.Memory.EmbeddingProvider == "" {
		cfg.Memory.EmbeddingProvider = defaults.Memory.EmbeddingProvider
	}
	if cfg.Devices.PollTimeout <= 0 {
		cfg.Devices.PollTimeout = defaults.Devices.PollTimeout
	}
	if cfg.Devices.ExtractMaxDepth <= 0 {
		cfg.Devices.ExtractMaxDepth = defaults.Devices.ExtractMaxDepth
	}
	if cfg.Devices.CacheCapacity <= 0 {
		cfg.Devices.CacheCapacity = defaults.Devices.CacheCapacity
	}
	if cfg.Devices.CacheTTL <= 0 {
		cfg.Devices.CacheTTL = defaults.Devices.CacheTTL
	}
	if cfg.Workflow.HTTPTimeout <= 0 {
		cfg.Workflow.HTTPTimeout = defaults.Workflow.HTTPTimeout
	}
	if cfg.Messages.Retention <= 0 {
		cfg.Messages.Retention = defaults.Messages.Retention
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaults.Logging.Format
	}
}

// Validate rejects configurations whose required components cannot start.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "memory":
	case "cockroach", "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for backend %q", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	for _, broker := range c.Devices.MQTTBrokers {
		if broker.ID == "" || broker.URL == "" {
			return fmt.Errorf("mqtt broker entries require id and url")
		}
	}
	for _, dev := range c.Devices.HTTPDevices {
		if dev.DeviceID == "" || dev.URL == "" {
			return fmt.Errorf("http device entries require device_id and url")
		}
	}
	return nil
}
