package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// Environment variables that override secrets from the config file
const (
	EnvSigningKey  = "LABELER_SIGNING_KEY"
	EnvWriteSecret = "LABELER_WRITE_SECRET"
)

// DatastoreConfiguration selects the SQL datastore holding the log and queue
type DatastoreConfiguration struct {
	Driver        string `toml:"driver"` // "sqlite3", "postgres" or "mysql"
	DSN           string `toml:"dsn"`    // Defaults to {data_dir}/labels.db for sqlite3
	MaxOpenConns  int    `toml:"max_open_conns"`
	MaxIdleConns  int    `toml:"max_idle_conns"`
	BusyTimeoutMS int    `toml:"busy_timeout_ms"` // sqlite3 only
}

// PollerConfiguration controls the outbound queue poller
type PollerConfiguration struct {
	IntervalMS     int `toml:"interval_ms"`
	BatchSize      int `toml:"batch_size"`
	ClaimTimeoutMS int `toml:"claim_timeout_ms"` // sqlite3 claim expiry
	MaxAttempts    int `toml:"max_attempts"`     // Failures before dead-lettering (0 = never)
}

// SubscriptionConfiguration controls the label subscription stream
type SubscriptionConfiguration struct {
	ReplayPageSize int      `toml:"replay_page_size"`
	SendBuffer     int      `toml:"send_buffer"` // Entries buffered per connection
	WriteTimeoutMS int      `toml:"write_timeout_ms"`
	OriginPatterns []string `toml:"origin_patterns"`
}

// QueryConfiguration controls the label query endpoint
type QueryConfiguration struct {
	DefaultLimit     int `toml:"default_limit"`
	MaxLimit         int `toml:"max_limit"`
	PatternCacheSize int `toml:"pattern_cache_size"`
}

// HTTPConfiguration for the XRPC server
type HTTPConfiguration struct {
	BindAddress       string `toml:"bind_address"`
	Port              int    `toml:"port"`
	WriteSecret       string `toml:"write_secret"` // Pre-shared key for write and admin endpoints
	Compress          bool   `toml:"compress"`     // gzip query responses
	ReadTimeoutMS     int    `toml:"read_timeout_ms"`
	ShutdownTimeoutMS int    `toml:"shutdown_timeout_ms"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled           bool `toml:"enabled"`
	CollectIntervalMS int  `toml:"collect_interval_ms"`
}

// SinkConfiguration describes one external broker mirroring the label log
type SinkConfiguration struct {
	Name            string   `toml:"name"`
	Type            string   `toml:"type"`   // "nats" or "kafka"
	Format          string   `toml:"format"` // "json", "msgpack" or "cbor"
	NatsURL         string   `toml:"nats_url"`
	Brokers         []string `toml:"brokers"`
	TopicPrefix     string   `toml:"topic_prefix"`
	FilterURIs      []string `toml:"filter_uris"`   // Glob patterns on label uri
	FilterValues    []string `toml:"filter_values"` // Glob patterns on label val
	BatchSize       int      `toml:"batch_size"`
	PollIntervalMS  int      `toml:"poll_interval_ms"`
	RetryInitialMS  int      `toml:"retry_initial_ms"`
	RetryMaxMS      int      `toml:"retry_max_ms"`
	RetryMultiplier float64  `toml:"retry_multiplier"`
}

// Configuration is the main configuration structure
type Configuration struct {
	DID            string `toml:"did"`              // Issuer identity stamped into every label
	SigningKey     string `toml:"signing_key"`      // Hex encoded 32-byte Ed25519 seed or P-256 scalar
	SigningKeyType string `toml:"signing_key_type"` // ed25519 (default) or p256
	InstanceID     string `toml:"instance_id"`      // Auto-derived from machine ID when empty
	DataDir        string `toml:"data_dir"`

	Datastore    DatastoreConfiguration    `toml:"datastore"`
	Poller       PollerConfiguration       `toml:"poller"`
	Subscription SubscriptionConfiguration `toml:"subscription"`
	Query        QueryConfiguration        `toml:"query"`
	HTTP         HTTPConfiguration         `toml:"http"`
	Logging      LoggingConfiguration      `toml:"logging"`
	Prometheus   PrometheusConfiguration   `toml:"prometheus"`
	Sinks        []SinkConfiguration       `toml:"sinks"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	HTTPPortFlag   = flag.Int("http-port", 0, "HTTP port (overrides config)")
	DSNFlag        = flag.String("dsn", "", "Datastore DSN (overrides config)")
)

// Default configuration
var Config = NewDefault()

// NewDefault returns the built-in defaults.
func NewDefault() *Configuration {
	return &Configuration{
		DataDir: "./labeler-data",

		Datastore: DatastoreConfiguration{
			Driver:        "sqlite3",
			MaxOpenConns:  8,
			MaxIdleConns:  4,
			BusyTimeoutMS: 5000,
		},

		Poller: PollerConfiguration{
			IntervalMS:     1000,
			BatchSize:      20,
			ClaimTimeoutMS: 30000,
			MaxAttempts:    5,
		},

		Subscription: SubscriptionConfiguration{
			ReplayPageSize: 50,
			SendBuffer:     1024,
			WriteTimeoutMS: 10000,
		},

		Query: QueryConfiguration{
			DefaultLimit:     50,
			MaxLimit:         250,
			PatternCacheSize: 1024,
		},

		HTTP: HTTPConfiguration{
			BindAddress:       "0.0.0.0",
			Port:              4100,
			Compress:          true,
			ReadTimeoutMS:     15000,
			ShutdownTimeoutMS: 10000,
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled:           true,
			CollectIntervalMS: 15000,
		},
	}
}

// Load loads configuration from file and applies CLI and environment overrides
func Load(configPath string) error {
	// Load from file if it exists
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *HTTPPortFlag != 0 {
		Config.HTTP.Port = *HTTPPortFlag
	}
	if *DSNFlag != "" {
		Config.Datastore.DSN = *DSNFlag
	}

	// Secrets from the environment win over the file
	if v := os.Getenv(EnvSigningKey); v != "" {
		Config.SigningKey = v
	}
	if v := os.Getenv(EnvWriteSecret); v != "" {
		Config.HTTP.WriteSecret = v
	}

	if Config.InstanceID == "" {
		id, err := generateInstanceID()
		if err != nil {
			return fmt.Errorf("failed to generate instance ID: %w", err)
		}
		Config.InstanceID = id
		log.Info().Str("instance_id", Config.InstanceID).Msg("Auto-generated instance ID")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if Config.Datastore.DSN == "" && (Config.Datastore.Driver == "" || Config.Datastore.Driver == "sqlite3") {
		Config.Datastore.DSN = filepath.Join(Config.DataDir, "labels.db")
	}

	return nil
}

// generateInstanceID derives a stable instance ID from the machine ID
func generateInstanceID() (string, error) {
	id, err := machineid.ProtectedID("labeler")
	if err != nil {
		return "", err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	pid := os.Getpid()
	return fmt.Sprintf("%016x-%d", h.Sum64(), pid), nil
}

var (
	validDrivers = map[string]bool{"sqlite3": true, "postgres": true, "mysql": true}
	validSinks   = map[string]bool{"nats": true, "kafka": true}
	validFormats = map[string]bool{"json": true, "msgpack": true, "cbor": true}
	validKeys    = map[string]bool{"": true, "ed25519": true, "p256": true}
)

// Validate checks configuration for errors
func Validate() error {
	if !strings.HasPrefix(Config.DID, "did:") {
		return fmt.Errorf("did must be a DID, got %q", Config.DID)
	}

	if Config.SigningKey == "" {
		return fmt.Errorf("signing_key is required (or set %s)", EnvSigningKey)
	}

	if !validKeys[Config.SigningKeyType] {
		return fmt.Errorf("invalid signing_key_type: %s", Config.SigningKeyType)
	}

	if !validDrivers[Config.Datastore.Driver] {
		return fmt.Errorf("invalid datastore driver: %s", Config.Datastore.Driver)
	}

	if Config.Datastore.Driver != "sqlite3" && Config.Datastore.DSN == "" {
		return fmt.Errorf("datastore dsn is required for %s", Config.Datastore.Driver)
	}

	if Config.Poller.IntervalMS < 1 {
		return fmt.Errorf("poller interval must be >= 1ms")
	}

	if Config.Poller.BatchSize < 1 || Config.Poller.BatchSize > 1000 {
		return fmt.Errorf("poller batch size must be in [1, 1000], got %d", Config.Poller.BatchSize)
	}

	if Config.Poller.ClaimTimeoutMS < 1 {
		return fmt.Errorf("poller claim timeout must be >= 1ms")
	}

	if Config.Poller.MaxAttempts < 0 {
		return fmt.Errorf("poller max attempts must be >= 0")
	}

	if Config.Subscription.ReplayPageSize < 1 {
		return fmt.Errorf("subscription replay page size must be >= 1")
	}

	if Config.Subscription.SendBuffer < 1 {
		return fmt.Errorf("subscription send buffer must be >= 1")
	}

	if Config.Subscription.WriteTimeoutMS < 1 {
		return fmt.Errorf("subscription write timeout must be >= 1ms")
	}

	if Config.Query.MaxLimit < 1 {
		return fmt.Errorf("query max limit must be >= 1")
	}

	if Config.Query.DefaultLimit < 1 || Config.Query.DefaultLimit > Config.Query.MaxLimit {
		return fmt.Errorf("query default limit must be in [1, %d], got %d", Config.Query.MaxLimit, Config.Query.DefaultLimit)
	}

	if Config.HTTP.Port < 1 || Config.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", Config.HTTP.Port)
	}

	if Config.HTTP.WriteSecret == "" {
		log.Warn().Msg("No write secret configured, write and admin endpoints will reject every request")
	}

	if Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %s", Config.Logging.Format)
	}

	names := make(map[string]bool, len(Config.Sinks))
	for i, sink := range Config.Sinks {
		if sink.Name == "" {
			return fmt.Errorf("sink %d: name is required", i)
		}
		if names[sink.Name] {
			return fmt.Errorf("sink %q: duplicate name", sink.Name)
		}
		names[sink.Name] = true

		if !validSinks[sink.Type] {
			return fmt.Errorf("sink %q: invalid type %q", sink.Name, sink.Type)
		}
		if !validFormats[sink.Format] {
			return fmt.Errorf("sink %q: invalid format %q", sink.Name, sink.Format)
		}
		if sink.RetryMultiplier < 0 {
			return fmt.Errorf("sink %q: retry multiplier must be >= 0", sink.Name)
		}
	}

	return nil
}

// GetSinkCursorPath returns the path of the sink cursor store
func GetSinkCursorPath() string {
	return filepath.Join(Config.DataDir, "sink_cursors")
}
