// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Agent backend identifiers.
const (
	BackendGRPC   = "grpc"
	BackendDocker = "docker"
	BackendNone   = "none"
)

// Session store identifiers.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// Config holds all application configuration.
type Config struct {
	Host            string
	Port            string
	CORSOrigins     []string
	LogLevel        slog.Level
	Agent           AgentConfig
	Chain           ChainConfig
	Session         SessionConfig
	SSE             SSEConfig
	RateLimit       RateLimitConfig
	ConversationLog ConversationLogConfig
}

// AgentConfig holds process-wide defaults for the research agent.
type AgentConfig struct {
	Backend          string
	Addr             string   // gRPC sidecar address
	Container        string   // container running the agent runner (docker backend)
	ExecCmd          []string // runner command executed inside Container
	Model            string
	Source           string
	APIKey           string
	DataPath         string
	Timeout          time.Duration
	UseToolRetriever bool
	Workers          int
}

// ChainConfig holds research registry settings.
type ChainConfig struct {
	RPCURL              string
	ContractAddress     string
	PrivateKey          string
	ChainID             int64 // 0 = ask the node
	ABIPath             string
	DefaultGasLimit     uint64
	ReceiptTimeout      time.Duration
	ReceiptPollInterval time.Duration
}

// SessionConfig controls chat session storage and eviction.
type SessionConfig struct {
	Store         string
	DBPath        string
	RedisURL      string
	TTL           time.Duration // 0 disables expiry
	MaxSessions   int           // memory store only, 0 = unbounded
	SweepInterval time.Duration
}

// SSEConfig controls chat streaming behavior.
type SSEConfig struct {
	KeepaliveInterval  time.Duration
	StreamLogEntries   bool
	LogChunkDelay      time.Duration
	CancelOnDisconnect bool
	MaxRequestBodySize int64
}

// RateLimitConfig controls per-client throttling of chat turns.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	agentAddr := getEnv("BIOMNI_AGENT_ADDR", "")
	defaultBackend := BackendNone
	if agentAddr != "" {
		defaultBackend = BackendGRPC
	}

	cfg := &Config{
		Host:        getEnv("HOST", "0.0.0.0"),
		Port:        getEnv("PORT", "8000"),
		CORSOrigins: splitList(getEnv("CORS_ORIGINS", "http://localhost:3000")),
		LogLevel:    parseLevel(getEnv("LOG_LEVEL", "info")),
		Agent: AgentConfig{
			Backend:          strings.ToLower(getEnv("AGENT_BACKEND", defaultBackend)),
			Addr:             agentAddr,
			Container:        getEnv("BIOMNI_CONTAINER", "biomni-agent"),
			ExecCmd:          strings.Fields(getEnv("BIOMNI_EXEC_CMD", "python -m biomni_runner")),
			Model:            getEnv("BIOMNI_LLM", "gemini-2.5-flash-lite"),
			Source:           getEnv("LLM_SOURCE", ""),
			APIKey:           getEnv("LLM_API_KEY", ""),
			DataPath:         getEnv("BIOMNI_DATA_PATH", "./data"),
			Timeout:          time.Duration(getEnvInt("AGENT_TIMEOUT_SECONDS", 1200)) * time.Second,
			UseToolRetriever: getEnvBool("AGENT_USE_TOOL_RETRIEVER", true),
			Workers:          getEnvInt("AGENT_WORKERS", 1),
		},
		Chain: ChainConfig{
			RPCURL:              getEnv("BASE_SEPOLIA_RPC_URL", "https://sepolia.base.org"),
			ContractAddress:     getEnv("RESEARCH_REGISTRY_ADDRESS", ""),
			PrivateKey:          getEnv("SERVER_PRIVATE_KEY", ""),
			ChainID:             int64(getEnvInt("CHAIN_ID", 0)),
			ABIPath:             getEnv("CONTRACT_ABI_PATH", "contract_abi.json"),
			DefaultGasLimit:     uint64(getEnvInt("DEFAULT_GAS_LIMIT", 1_000_000)),
			ReceiptTimeout:      getEnvDuration("RECEIPT_TIMEOUT", 5*time.Minute),
			ReceiptPollInterval: getEnvDuration("RECEIPT_POLL_INTERVAL", 2*time.Second),
		},
		Session: SessionConfig{
			Store:         strings.ToLower(getEnv("SESSION_STORE", StoreMemory)),
			DBPath:        getEnv("DB_PATH", "./data/sessions.db"),
			RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
			TTL:           getEnvDuration("SESSION_TTL", 24*time.Hour),
			MaxSessions:   getEnvInt("SESSION_MAX", 10000),
			SweepInterval: getEnvDuration("SESSION_SWEEP_INTERVAL", 5*time.Minute),
		},
		SSE: SSEConfig{
			KeepaliveInterval:  getEnvDuration("SSE_KEEPALIVE_INTERVAL", 10*time.Second),
			StreamLogEntries:   getEnvBool("STREAM_LOG_ENTRIES", false),
			LogChunkDelay:      getEnvDuration("LOG_CHUNK_DELAY", 50*time.Millisecond),
			CancelOnDisconnect: getEnvBool("CANCEL_ON_DISCONNECT", false),
			MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 1<<20)),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 10),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.Agent.Backend {
	case BackendGRPC:
		if c.Agent.Addr == "" {
			return fmt.Errorf("BIOMNI_AGENT_ADDR is required for the grpc agent backend")
		}
	case BackendDocker:
		if c.Agent.Container == "" || len(c.Agent.ExecCmd) == 0 {
			return fmt.Errorf("BIOMNI_CONTAINER and BIOMNI_EXEC_CMD are required for the docker agent backend")
		}
	case BackendNone:
	default:
		return fmt.Errorf("unknown AGENT_BACKEND %q", c.Agent.Backend)
	}
	if c.Agent.Timeout <= 0 {
		return fmt.Errorf("AGENT_TIMEOUT_SECONDS must be > 0")
	}
	if c.Agent.Workers <= 0 {
		return fmt.Errorf("AGENT_WORKERS must be > 0")
	}
	switch c.Session.Store {
	case StoreMemory:
	case StoreSQLite:
		if c.Session.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case StoreRedis:
		if c.Session.RedisURL == "" {
			return fmt.Errorf("REDIS_URL cannot be empty")
		}
	default:
		return fmt.Errorf("unknown SESSION_STORE %q", c.Session.Store)
	}
	if c.Chain.DefaultGasLimit == 0 {
		return fmt.Errorf("DEFAULT_GAS_LIMIT must be > 0")
	}
	if c.Chain.ReceiptPollInterval <= 0 {
		return fmt.Errorf("RECEIPT_POLL_INTERVAL must be > 0")
	}
	if c.SSE.KeepaliveInterval <= 0 {
		return fmt.Errorf("SSE_KEEPALIVE_INTERVAL must be > 0")
	}
	if c.SSE.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_SIZE must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

// ChainEnabled reports whether transactions can be sent to the research registry.
func (c *Config) ChainEnabled() bool {
	return c.Chain.ContractAddress != "" && c.Chain.PrivateKey != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go duration strings ("90s") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
