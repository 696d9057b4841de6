package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server        ServerConfig       `mapstructure:"server"`
	Logging       LoggingConfig      `mapstructure:"logging"`
	StateStorage  DatabaseConnection `mapstructure:"state_storage"`
	DocumentStore DatabaseConnection `mapstructure:"document_store"`
	Audit         AuditConfig        `mapstructure:"audit"`
	Connectivity  ConnectivityConfig `mapstructure:"connectivity"`
	Scheduler     SchedulerConfig    `mapstructure:"scheduler"`
	ChangeFeed    ChangeFeedConfig   `mapstructure:"change_feed"`
	Engine        EngineConfig       `mapstructure:"engine"`
	Queue         QueueConfig        `mapstructure:"queue"`
	Conflict      ConflictConfig     `mapstructure:"conflict"`
	Stores        []StoreConfig      `mapstructure:"stores"`
}

// DatabaseConnection selects a backend: memory, sqlite or mysql.
type DatabaseConnection struct {
	Type         string `mapstructure:"type"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	FilePath     string `mapstructure:"file_path"` // For SQLite
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type AuditConfig struct {
	Type       string `mapstructure:"type"` // log, redis or none
	Addr       string `mapstructure:"addr"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	Key        string `mapstructure:"key"`
	MaxEntries int64  `mapstructure:"max_entries"`
}

type ConnectivityConfig struct {
	Mode          string        `mapstructure:"mode"` // static or http
	ProbeURL      string        `mapstructure:"probe_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	InitialOnline bool          `mapstructure:"initial_online"`
}

type SchedulerConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	RetryInterval    string `mapstructure:"retry_interval"`
	PollInterval     string `mapstructure:"poll_interval"`
	HousekeepingSpec string `mapstructure:"housekeeping"`
}

type ChangeFeedConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	Host                string        `mapstructure:"host"`
	Port                int           `mapstructure:"port"`
	ReplicationUser     string        `mapstructure:"replication_user"`
	ReplicationPassword string        `mapstructure:"replication_password"`
	ServerID            uint32        `mapstructure:"server_id"`
	Workers             int           `mapstructure:"workers"`
	BatchSize           int           `mapstructure:"batch_size"`
	FlushInterval       time.Duration `mapstructure:"flush_interval"`
}

type DebounceRule struct {
	Delay     time.Duration `mapstructure:"delay"`
	KeyFields []string      `mapstructure:"key_fields"`
	Merge     string        `mapstructure:"merge"`
}

type CoalesceRule struct {
	GroupBy  string        `mapstructure:"group_by"`
	MaxAge   time.Duration `mapstructure:"max_age"`
	MaxSize  int           `mapstructure:"max_size"`
	Strategy string        `mapstructure:"strategy"`
}

type EngineConfig struct {
	DefaultDebounce    time.Duration           `mapstructure:"default_debounce"`
	Debounce           map[string]DebounceRule `mapstructure:"debounce"`
	Coalescing         map[string]CoalesceRule `mapstructure:"coalescing"`
	MaxEventsPerSecond int                     `mapstructure:"max_events_per_second"`
	EventLogSize       int                     `mapstructure:"event_log_size"`
	ShutdownGrace      time.Duration           `mapstructure:"shutdown_grace"`
	MaxConcurrentSyncs int                     `mapstructure:"max_concurrent_syncs"`
	OfflineQueueWarn   int                     `mapstructure:"offline_queue_warn"`
}

type QueueConfig struct {
	MaxRetries      int           `mapstructure:"max_retries"`
	MaxBatchRetries int           `mapstructure:"max_batch_retries"`
	BaseDelay       time.Duration `mapstructure:"base_delay"`
	MaxDelay        time.Duration `mapstructure:"max_delay"`
	MaxJitter       time.Duration `mapstructure:"max_jitter"`
}

type ConflictConfig struct {
	TimestampThreshold time.Duration       `mapstructure:"timestamp_threshold"`
	VersionField       string              `mapstructure:"version_field"`
	TimestampField     string              `mapstructure:"timestamp_field"`
	DefaultStrategy    string              `mapstructure:"default_strategy"`
	Strategies         map[string]string   `mapstructure:"strategies"`
	CriticalFields     map[string][]string `mapstructure:"critical_fields"`
}

type StoreConfig struct {
	Name              string   `mapstructure:"name"`
	Dependencies      []string `mapstructure:"dependencies"`
	SignificantFields []string `mapstructure:"significant_fields"`
	NoiseFields       []string `mapstructure:"noise_fields"`
}

type ServerConfig struct {
	Port         int      `mapstructure:"port"`
	Host         string   `mapstructure:"host"`
	JWTSecret    string   `mapstructure:"jwt_secret"`
	ReadTimeout  string   `mapstructure:"read_timeout"`
	WriteTimeout string   `mapstructure:"write_timeout"`
	CorsOrigins  []string `mapstructure:"cors_origins"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	d, _ := time.ParseDuration(s.ReadTimeout)
	return d
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	d, _ := time.ParseDuration(s.WriteTimeout)
	return d
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			Host:         "0.0.0.0",
			ReadTimeout:  "15s",
			WriteTimeout: "15s",
			CorsOrigins:  []string{"*"},
		},
		Logging:       LoggingConfig{Level: "info", Format: "json"},
		StateStorage:  DatabaseConnection{Type: "memory"},
		DocumentStore: DatabaseConnection{Type: "memory"},
		Audit:         AuditConfig{Type: "log", Key: "sync:audit", MaxEntries: 10000},
		Connectivity: ConnectivityConfig{
			Mode:          "static",
			Timeout:       3 * time.Second,
			InitialOnline: true,
		},
		Scheduler: SchedulerConfig{
			Enabled:          true,
			RetryInterval:    "@every 5s",
			PollInterval:     "@every 10s",
			HousekeepingSpec: "@every 1m",
		},
		ChangeFeed: ChangeFeedConfig{
			Port:          3306,
			ServerID:      1001,
			Workers:       2,
			BatchSize:     100,
			FlushInterval: 500 * time.Millisecond,
		},
		Engine: EngineConfig{
			DefaultDebounce: 100 * time.Millisecond,
			Debounce: map[string]DebounceRule{
				"store:state_changed": {
					Delay:     100 * time.Millisecond,
					KeyFields: []string{"store"},
					Merge:     "latest",
				},
				"store:dependency_update": {
					Delay:     200 * time.Millisecond,
					KeyFields: []string{"sourceStore", "dependentStore"},
					Merge:     "deep",
				},
			},
			MaxEventsPerSecond: 50,
			EventLogSize:       256,
			ShutdownGrace:      5 * time.Second,
			MaxConcurrentSyncs: 4,
			OfflineQueueWarn:   100,
		},
		Queue: QueueConfig{
			MaxRetries:      5,
			MaxBatchRetries: 3,
			BaseDelay:       time.Second,
			MaxDelay:        30 * time.Second,
			MaxJitter:       time.Second,
		},
		Conflict: ConflictConfig{
			TimestampThreshold: time.Second,
			VersionField:       "version",
			TimestampField:     "lastModified",
			DefaultStrategy:    "merge_with_validation",
			Strategies: map[string]string{
				"inventory": "merge_with_validation",
				"sales":     "timestamp_based",
				"audit":     "append_only",
				"auth":      "server_authoritative",
				"settings":  "manual_review",
			},
			CriticalFields: map[string][]string{
				"inventory": {"products", "batches", "stock"},
				"sales":     {"transactions", "receipts", "totalRevenue"},
			},
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.cors_origins", d.Server.CorsOrigins)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("state_storage.type", d.StateStorage.Type)
	v.SetDefault("document_store.type", d.DocumentStore.Type)
	v.SetDefault("audit.type", d.Audit.Type)
	v.SetDefault("audit.key", d.Audit.Key)
	v.SetDefault("audit.max_entries", d.Audit.MaxEntries)
	v.SetDefault("connectivity.mode", d.Connectivity.Mode)
	v.SetDefault("connectivity.timeout", d.Connectivity.Timeout)
	v.SetDefault("connectivity.initial_online", d.Connectivity.InitialOnline)
	v.SetDefault("scheduler.enabled", d.Scheduler.Enabled)
	v.SetDefault("scheduler.retry_interval", d.Scheduler.RetryInterval)
	v.SetDefault("scheduler.poll_interval", d.Scheduler.PollInterval)
	v.SetDefault("scheduler.housekeeping", d.Scheduler.HousekeepingSpec)
	v.SetDefault("change_feed.port", d.ChangeFeed.Port)
	v.SetDefault("change_feed.server_id", d.ChangeFeed.ServerID)
	v.SetDefault("change_feed.workers", d.ChangeFeed.Workers)
	v.SetDefault("change_feed.batch_size", d.ChangeFeed.BatchSize)
	v.SetDefault("change_feed.flush_interval", d.ChangeFeed.FlushInterval)
	v.SetDefault("engine.default_debounce", d.Engine.DefaultDebounce)
	v.SetDefault("engine.max_events_per_second", d.Engine.MaxEventsPerSecond)
	v.SetDefault("engine.event_log_size", d.Engine.EventLogSize)
	v.SetDefault("engine.shutdown_grace", d.Engine.ShutdownGrace)
	v.SetDefault("engine.max_concurrent_syncs", d.Engine.MaxConcurrentSyncs)
	v.SetDefault("engine.offline_queue_warn", d.Engine.OfflineQueueWarn)
	v.SetDefault("queue.max_retries", d.Queue.MaxRetries)
	v.SetDefault("queue.max_batch_retries", d.Queue.MaxBatchRetries)
	v.SetDefault("queue.base_delay", d.Queue.BaseDelay)
	v.SetDefault("queue.max_delay", d.Queue.MaxDelay)
	v.SetDefault("queue.max_jitter", d.Queue.MaxJitter)
	v.SetDefault("conflict.timestamp_threshold", d.Conflict.TimestampThreshold)
	v.SetDefault("conflict.version_field", d.Conflict.VersionField)
	v.SetDefault("conflict.timestamp_field", d.Conflict.TimestampField)
	v.SetDefault("conflict.default_strategy", d.Conflict.DefaultStrategy)
}

// LoadConfig reads path (YAML) when it exists, then applies SYNC_* environment
// overrides, e.g. SYNC_SERVER_PORT or SYNC_QUEUE_MAX_RETRIES.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.fillPolicies()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// fillPolicies applies the default debounce rules and conflict policy when the
// file does not define them.
func (c *Config) fillPolicies() {
	d := Default()
	if c.Engine.Debounce == nil {
		c.Engine.Debounce = d.Engine.Debounce
	}
	if c.Conflict.Strategies == nil {
		c.Conflict.Strategies = d.Conflict.Strategies
	}
	if c.Conflict.CriticalFields == nil {
		c.Conflict.CriticalFields = d.Conflict.CriticalFields
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Stores))
	for _, s := range c.Stores {
		if s.Name == "" {
			return errors.New("store with empty name")
		}
		if seen[s.Name] {
			return fmt.Errorf("store %q declared twice", s.Name)
		}
		seen[s.Name] = true
	}
	for _, db := range []DatabaseConnection{c.StateStorage, c.DocumentStore} {
		switch db.Type {
		case "memory", "sqlite", "mysql":
		default:
			return fmt.Errorf("unsupported storage type %q", db.Type)
		}
	}
	switch c.Audit.Type {
	case "log", "redis", "none":
	default:
		return fmt.Errorf("unsupported audit sink %q", c.Audit.Type)
	}
	switch c.Connectivity.Mode {
	case "static":
	case "http":
		if c.Connectivity.ProbeURL == "" {
			return errors.New("connectivity.probe_url is required in http mode")
		}
	default:
		return fmt.Errorf("unsupported connectivity mode %q", c.Connectivity.Mode)
	}
	if c.Queue.MaxRetries < 0 || c.Queue.MaxBatchRetries < 0 {
		return errors.New("queue retry limits must not be negative")
	}
	return nil
}
