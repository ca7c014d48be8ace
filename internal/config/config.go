// Package config defines the YAML configuration schema for a sessioncore
// deployment and the provider Registry used to turn configured backend names
// into live TranscriptionClient/StructuringClient/NoteStore instances.
package config

// Config is the top-level deployment configuration, loaded from a single
// YAML file via Load.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Gateway       GatewayConfig       `yaml:"gateway"`
	Bus           BusConfig           `yaml:"bus"`
	Providers     ProvidersConfig     `yaml:"providers"`
	NoteStore     NoteStoreConfig     `yaml:"note_store"`
	JobDispatcher JobDispatcherConfig `yaml:"job_dispatcher"`
	Session       SessionConfig       `yaml:"session"`
}

// BusConfig tunes the MessageBus's per-subscriber delivery queues.
type BusConfig struct {
	SubscriberQueueCapacity int `yaml:"subscriber_queue_capacity"`
}

// ServerConfig holds process-wide options: the internal metrics/health
// listener and log verbosity.
type ServerConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

// GatewayConfig configures the ChannelGateway's HTTP/websocket listener.
type GatewayConfig struct {
	ListenAddr      string  `yaml:"listen_addr"`
	AdminListenAddr string  `yaml:"admin_listen_addr"`
	RateLimitRPS    float64 `yaml:"rate_limit_rps"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
}

// ProviderEntry names one external backend and the credentials/options it
// needs. It mirrors the shape of a single provider block in the teacher's
// provider config, generalized to any provider kind.
type ProviderEntry struct {
	Name    string         `yaml:"name"`
	APIKey  string         `yaml:"api_key"`
	BaseURL string         `yaml:"base_url"`
	Model   string         `yaml:"model"`
	Options map[string]any `yaml:"options"`
}

// ProvidersConfig selects and configures the TranscriptionClient and
// StructuringClient backends.
type ProvidersConfig struct {
	Transcription ProviderEntry `yaml:"transcription"`
	// TranscriptionFallback is an optional secondary transcription backend.
	// When set, TranscriptionClient tries Transcription first and falls back
	// to this entry (typically an on-prem/offline backend such as
	// whisper-native) once the primary's circuit breaker opens or its call
	// fails outright.
	TranscriptionFallback ProviderEntry    `yaml:"transcription_fallback"`
	Structuring           ProviderEntry    `yaml:"structuring"`
	Resilience            ResilienceConfig `yaml:"resilience"`
}

// ResilienceConfig carries the shared retry/breaker/timeout knobs from
// spec §6's configuration table, applied to both TranscriptionClient and
// StructuringClient (§4.3, §4.4 name separate per-attempt/overall budgets,
// wired per-client in supervisor.initClients).
type ResilienceConfig struct {
	TranscriptionTimeoutMS        int     `yaml:"transcription_timeout_ms"`
	TranscriptionOverallTimeoutMS int     `yaml:"transcription_overall_timeout_ms"`
	StructuringTimeoutMS          int     `yaml:"structuring_timeout_ms"`
	StructuringOverallTimeoutMS   int     `yaml:"structuring_overall_timeout_ms"`
	BreakerFailThreshold          int     `yaml:"breaker_fail_threshold"`
	BreakerHalfOpenAfterMS        int     `yaml:"breaker_half_open_after_ms"`
	RetryBaseMS                   int     `yaml:"retry_base_ms"`
	RetryFactor                    float64 `yaml:"retry_factor"`
	RetryJitterPct                 float64 `yaml:"retry_jitter_pct"`
	RetryCapMS                     int     `yaml:"retry_cap_ms"`
	RetryMaxAttempts                int    `yaml:"retry_max_attempts"`
}

// NoteStoreConfig selects the NoteStore backend: "postgres" or "memory".
type NoteStoreConfig struct {
	Backend    string `yaml:"backend"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// MCPServerConfig describes the single MCP server the JobDispatcher's
// refine_with_vision job calls, mirroring the teacher's MCPServerConfig
// shape but scoped to exactly one server rather than a list.
type MCPServerConfig struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // "stdio" or "sse"
	Command   string            `yaml:"command"`
	URL       string            `yaml:"url"`
	Env       map[string]string `yaml:"env"`
}

// JobDispatcherConfig tunes the background job worker pool.
type JobDispatcherConfig struct {
	Workers         int             `yaml:"workers"`
	MaxAttempts     int             `yaml:"max_attempts"`
	IdempotencyTTL  int             `yaml:"idempotency_ttl_seconds"`
	VisionMCPServer MCPServerConfig `yaml:"vision_mcp_server"`
}

// SessionConfig tunes the mailbox, checkpoint, and pipeline thresholds
// shared by every SessionActor. Zero values fall back to sessionactor's own
// defaults.
type SessionConfig struct {
	MailboxSoft         int     `yaml:"mailbox_soft"`
	MailboxHard         int     `yaml:"mailbox_hard"`
	ConfidenceFloor     float64 `yaml:"confidence_floor"`
	AutoPostThreshold   float64 `yaml:"auto_post_threshold"`
	ConfirmGraceMS      int     `yaml:"confirm_grace_ms"`
	AudioBytesLimit     int     `yaml:"audio_bytes_limit"`
	AudioDurationLimitS int     `yaml:"audio_duration_limit_s"`
	CheckpointIntervalS int     `yaml:"checkpoint_interval_s"`
	OutboxRetain        int     `yaml:"outbox_retain"`
	CheckpointBackend   string  `yaml:"checkpoint_backend"` // "memory" or "postgres"
	CheckpointPostgres  string  `yaml:"checkpoint_postgres_dsn"`
	// IdleTimeoutS is how long a session actor sits without a mailbox
	// message before it checkpoints, stops itself, and is destroyed from
	// the registry. Zero falls back to sessionactor's own default.
	IdleTimeoutS int `yaml:"idle_timeout_s"`
}
