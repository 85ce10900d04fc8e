package config

import (
	"fmt"
	"net/url"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Load reads configuration from environment variables.
// It applies defaults for unset values, overlays the optional YAML config
// file and validates the result.
// Returns an error if required values are missing or validation fails.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := loadStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	if cfg.Converter.ConfigFile != "" {
		if err := cfg.Overlay(cfg.Converter.ConfigFile); err != nil {
			return nil, fmt.Errorf("config load: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration and panics on error.
// Use this only in main() where early termination is desired.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// fileConfig is the layout of the YAML config file.
type fileConfig struct {
	Converter ConverterConfig `mapstructure:"converter"`
	Schema    SchemaConfig    `mapstructure:"schema"`
}

// Overlay reads the YAML file at path. Its schema section replaces the
// schema overrides; converter keys present in the file override the values
// loaded from the environment.
//
// Example:
//
//	converter:
//	  instance_tag: eu
//	  skip_corrupted: true
//	schema:
//	  types:
//	    - name: Order
//	      exclude: [Secret]
//	      id_field: OrderNo
func (c *Config) Overlay(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var file fileConfig
	if err := v.Unmarshal(&file); err != nil {
		return fmt.Errorf("unmarshal config file: %w", err)
	}

	c.Schema = file.Schema

	// Only keys set in the file win over the environment.
	src := reflect.ValueOf(file.Converter)
	dst := reflect.ValueOf(&c.Converter).Elem()
	t := src.Type()
	for i := 0; i < t.NumField(); i++ {
		key := t.Field(i).Tag.Get("mapstructure")
		if key == "" || !v.IsSet("converter."+key) {
			continue
		}
		dst.Field(i).Set(src.Field(i))
	}

	return nil
}

// loadStruct recursively populates struct fields from environment variables.
func loadStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		// Skip unexported fields
		if !fieldVal.CanSet() {
			continue
		}

		// Recurse into nested structs
		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
			if err := loadStruct(fieldVal); err != nil {
				return err
			}
			continue
		}

		// Get tags
		envName := field.Tag.Get("env")
		envAlt := field.Tag.Get("envAlt")
		defaultVal := field.Tag.Get("default")
		required := field.Tag.Get("required") == "true"

		if envName == "" {
			continue
		}

		// Try primary env var, then alternate
		value := os.Getenv(envName)
		if value == "" && envAlt != "" {
			value = os.Getenv(envAlt)
		}

		// Apply default if not set
		if value == "" {
			if required {
				return fmt.Errorf("required environment variable %s is not set", envName)
			}
			value = defaultVal
		}

		if value == "" {
			continue
		}

		// Set the field value
		if err := setField(fieldVal, value); err != nil {
			return fmt.Errorf("invalid value for %s=%q: %w", envName, value, err)
		}
	}

	return nil
}

// setField sets a reflect.Value from a string based on its type.
func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int64:
		// Handle time.Duration specially
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			field.Set(reflect.ValueOf(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			// Split comma-separated values, trim whitespace
			parts := strings.Split(value, ",")
			result := make([]string, 0, len(parts))
			for _, p := range parts {
				p = strings.TrimSpace(p)
				if p != "" {
					result = append(result, p)
				}
			}
			field.Set(reflect.ValueOf(result))
		} else {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// Validate checks that the configuration is valid.
// Returns an error describing all validation failures.
func (c *Config) Validate() error {
	var errs []string

	// Store validation
	if c.Input.Connection == "" {
		errs = append(errs, "INPUT_CONNECTION is required")
	}
	if c.Output.Connection == "" {
		errs = append(errs, "OUTPUT_CONNECTION is required")
	}

	// Converter validation
	if c.Converter.ProcessingType == "" {
		errs = append(errs, "PROCESSING_TYPE is required")
	}
	if c.Converter.DescriptorSource == "" {
		errs = append(errs, "DESCRIPTOR_SOURCE is required")
	}
	if c.Converter.ScanPeriod < time.Second {
		errs = append(errs, fmt.Sprintf("SCAN_PERIOD (%s) must be at least 1s", c.Converter.ScanPeriod))
	}
	validModes := map[string]bool{"single": true, "list": true, "array": true}
	if !validModes[strings.ToLower(c.Converter.MessageMode)] {
		errs = append(errs, fmt.Sprintf("MESSAGE_MODE (%q) must be one of: single, list, array", c.Converter.MessageMode))
	}
	validPolicies := map[string]bool{"error": true, "warn": true, "warning": true}
	if !validPolicies[strings.ToLower(c.Converter.NullIDPolicy)] {
		errs = append(errs, fmt.Sprintf("NULL_ID_POLICY (%q) must be one of: error, warn", c.Converter.NullIDPolicy))
	}
	if c.Converter.MaxCandidates <= 0 {
		errs = append(errs, "MAX_CANDIDATES must be positive")
	}
	if c.Converter.GzipRetries < 0 {
		errs = append(errs, "GZIP_RETRIES must be non-negative")
	}
	if c.Converter.BufferSize <= 0 {
		errs = append(errs, "BUFFER_SIZE must be positive")
	}
	if c.Converter.FlushRows <= 0 {
		errs = append(errs, "FLUSH_ROWS must be positive")
	}
	if c.Converter.MaxBlockSize <= 0 {
		errs = append(errs, "MAX_BLOCK_SIZE must be positive")
	}
	for i, t := range c.Schema.Types {
		if t.Name == "" {
			errs = append(errs, fmt.Sprintf("schema.types[%d] has no name", i))
		}
	}

	// Server validation
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT (%d) must be 1-65535", c.Server.Port))
	}
	if c.Server.ReadTimeout < 0 {
		errs = append(errs, "SERVER_READ_TIMEOUT must be non-negative")
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "SERVER_SHUTDOWN_TIMEOUT must be positive")
	}

	// Security validation
	if c.Security.RequireAPIKey && len(c.Security.APIKeys) == 0 {
		errs = append(errs, "REQUIRE_API_KEY is true but API_KEYS is empty; configure at least one API key or disable auth")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// String returns a safe string representation of the config for logging.
// Connection strings are reduced to their scheme and host.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	b.WriteString(fmt.Sprintf("Server: {Host: %q, Port: %d}, ", c.Server.Host, c.Server.Port))
	b.WriteString(fmt.Sprintf("Input: {Connection: %s, Container: %q}, ",
		maskConnection(c.Input.Connection), c.Input.Container))
	b.WriteString(fmt.Sprintf("Output: {Connection: %s, Container: %q}, ",
		maskConnection(c.Output.Connection), c.Output.Container))
	b.WriteString(fmt.Sprintf("Converter: {ProcessingType: %q, ScanPeriod: %s, MessageMode: %q, SkipCorrupted: %v}, ",
		c.Converter.ProcessingType, c.Converter.ScanPeriod, c.Converter.MessageMode, c.Converter.SkipCorrupted))
	b.WriteString(fmt.Sprintf("Logging: {Level: %q, Format: %q, Seq: %v}",
		c.Logging.Level, c.Logging.Format, c.Logging.SeqURL != ""))
	b.WriteString("}")
	return b.String()
}

// maskConnection hides credentials and paths of a connection string.
func maskConnection(conn string) string {
	u, err := url.Parse(conn)
	if err != nil || u.Scheme == "" {
		return "[MASKED]"
	}
	if u.Host == "" {
		return u.Scheme + ":[MASKED]"
	}
	return u.Scheme + "://" + u.Host + "/[MASKED]"
}
