// Package config provides centralized configuration management for the application.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
//
// Per-type schema overrides do not fit in environment variables; they come
// from an optional YAML file named by CONVERTER_CONFIG_FILE (see Overlay).
package config

import "time"

// Config holds all application configuration.
// All scalar settings can be configured via environment variables.
type Config struct {
	Server    ServerConfig
	Input     InputConfig
	Output    OutputConfig
	Converter ConverterConfig
	Schema    SchemaConfig
	Security  SecurityConfig
	Logging   LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Enabled controls whether the status API is served (default: true)
	Enabled bool `env:"SERVER_ENABLED" default:"true"`

	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 15s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`

	// WriteTimeout is the maximum duration for writing response (default: 30s)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"30s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for requests (default: 60s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`
}

// InputConfig locates the source append blobs.
type InputConfig struct {
	// Connection is the store connection string (required):
	// "memory:", "file:///path" or a postgres:// URL
	Connection string `env:"INPUT_CONNECTION" required:"true"`

	// Container is the container holding the source blobs
	Container string `env:"INPUT_CONTAINER"`

	// Prefix limits the listed source blobs
	Prefix string `env:"INPUT_PREFIX"`
}

// OutputConfig locates the table outputs and converter state.
type OutputConfig struct {
	// Connection is the store connection string (required)
	Connection string `env:"OUTPUT_CONNECTION" required:"true"`

	// Container is the container receiving the table outputs
	Container string `env:"OUTPUT_CONTAINER"`
}

// ConverterConfig holds conversion settings.
type ConverterConfig struct {
	// ScanPeriod is how often a conversion pass runs (default: 1m)
	ScanPeriod time.Duration `env:"SCAN_PERIOD" mapstructure:"scan_period" default:"1m"`

	// ProcessingType is the root type of every message (required)
	ProcessingType string `env:"PROCESSING_TYPE" mapstructure:"processing_type" required:"true"`

	// DescriptorSource is a descriptor file path or "blob:<name>" in the input store (required)
	DescriptorSource string `env:"DESCRIPTOR_SOURCE" mapstructure:"descriptor_source" required:"true"`

	// MessageMode is the payload root shape: single, list or array (default: single)
	MessageMode string `env:"MESSAGE_MODE" mapstructure:"message_mode" default:"single"`

	// SkipCorrupted skips messages that cannot be flattened instead of failing the blob
	SkipCorrupted bool `env:"SKIP_CORRUPTED" mapstructure:"skip_corrupted" default:"false"`

	// InstanceTag is appended to every table name
	InstanceTag string `env:"INSTANCE_TAG" mapstructure:"instance_tag"`

	// StrictRelations fails schema derivation on an unresolved relation (default: true)
	StrictRelations bool `env:"STRICT_RELATIONS" mapstructure:"strict_relations" default:"true"`

	// NullIDPolicy is error or warn (default: error)
	NullIDPolicy string `env:"NULL_ID_POLICY" mapstructure:"null_id_policy" default:"error"`

	// MaxCandidates bounds unresolved delimiter candidates per blob (default: 50)
	MaxCandidates int `env:"MAX_CANDIDATES" mapstructure:"max_candidates" default:"50"`

	// GzipRetries bounds consecutive undecompressable chunks (default: 0, same as MaxCandidates)
	GzipRetries int `env:"GZIP_RETRIES" mapstructure:"gzip_retries" default:"0"`

	// BufferSize is the initial read buffer in bytes (default: 4MiB)
	BufferSize int `env:"BUFFER_SIZE" mapstructure:"buffer_size" default:"4194304"`

	// FlushRows is the buffered row count that triggers a flush (default: 1000000)
	FlushRows int `env:"FLUSH_ROWS" mapstructure:"flush_rows" default:"1000000"`

	// MaxBlockSize caps one staged output block in bytes (default: 100MiB)
	MaxBlockSize int `env:"MAX_BLOCK_SIZE" mapstructure:"max_block_size" default:"104857600"`

	// WatchInput triggers a pass when a file store input directory changes
	WatchInput bool `env:"WATCH_INPUT" mapstructure:"watch_input" default:"false"`

	// RunOnStart runs a pass immediately on startup (default: true)
	RunOnStart bool `env:"RUN_ON_START" mapstructure:"run_on_start" default:"true"`

	// HistorySize is the number of run summaries kept for the status API (default: 50)
	HistorySize int `env:"RUN_HISTORY_SIZE" mapstructure:"history_size" default:"50"`

	// ConfigFile is an optional YAML file with schema overrides
	ConfigFile string `env:"CONVERTER_CONFIG_FILE"`
}

// SchemaConfig holds per-type schema overrides. It is only read from the
// YAML config file.
type SchemaConfig struct {
	Types []TypeOverride `mapstructure:"types"`
}

// TypeOverride adjusts how one type is laid out.
type TypeOverride struct {
	// Name is the type name, matched case-sensitively
	Name string `mapstructure:"name"`

	// Exclude lists fields dropped from the type
	Exclude []string `mapstructure:"exclude"`

	// IDField replaces "Id" as the type's own id field
	IDField string `mapstructure:"id_field"`

	// RelationField relates children when the type has no id
	RelationField string `mapstructure:"relation_field"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	// RequireAPIKey protects the run trigger with X-API-Key (default: false)
	RequireAPIKey bool `env:"REQUIRE_API_KEY" default:"false"`

	// APIKeys is a comma-separated list of accepted API keys
	APIKeys []string `env:"API_KEYS"`

	// EnableCSP enables Content-Security-Policy headers (default: true)
	EnableCSP bool `env:"SECURITY_ENABLE_CSP" default:"true"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`

	// SeqURL ships logs to a Seq server when set
	SeqURL string `env:"LOG_SEQ_URL"`
}

// ExcludedFields returns the excluded fields keyed by type name.
func (s SchemaConfig) ExcludedFields() map[string][]string {
	out := make(map[string][]string)
	for _, t := range s.Types {
		if len(t.Exclude) > 0 {
			out[t.Name] = append(out[t.Name], t.Exclude...)
		}
	}
	return out
}

// IDFields returns the id field overrides keyed by type name.
func (s SchemaConfig) IDFields() map[string]string {
	out := make(map[string]string)
	for _, t := range s.Types {
		if t.IDField != "" {
			out[t.Name] = t.IDField
		}
	}
	return out
}

// RelationFields returns the relation field overrides keyed by type name.
func (s SchemaConfig) RelationFields() map[string]string {
	out := make(map[string]string)
	for _, t := range s.Types {
		if t.RelationField != "" {
			out[t.Name] = t.RelationField
		}
	}
	return out
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	if c.Host == "" {
		return ":" + itoa(c.Port)
	}
	return c.Host + ":" + itoa(c.Port)
}

// itoa converts an int to string without importing strconv in this file.
func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var b [20]byte
	n := len(b)
	neg := i < 0
	if neg {
		i = -i
	}
	for i > 0 {
		n--
		b[n] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		n--
		b[n] = '-'
	}
	return string(b[n:])
}
