package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Server defaults
const (
	DefaultPort        = "8080"
	DefaultBackend     = BackendMemory
	DefaultDataDir     = "./data"
	DefaultMaxMemoryMB = 48
	DefaultLogLevel    = "info"
)

// Storage backends
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// Maintenance intervals
const (
	BadgerGCInterval     = 10 * time.Minute
	BadgerGCDiscardRatio = 0.5
)

// Request timeouts and limits
const (
	StoreTimeout         = 5 * time.Second
	FindTimeout          = 10 * time.Second
	TypesTimeout         = 5 * time.Second
	StatsTimeout         = 5 * time.Second
	MaxMetricsPerRequest = 1000
	MaxRequestBytes      = 4 << 20
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)

// EnvPrefix prefixes every environment override, e.g. TINYKEEP_PORT.
const EnvPrefix = "TINYKEEP"

// Config is the runtime configuration of the server.
type Config struct {
	Port            string
	Backend         string
	DataDir         string
	LogLevel        logrus.Level
	UniformMatching bool

	SQLite SQLite
	Badger Badger
}

// SQLite configures the relational backend.
type SQLite struct {
	// Path of the database file; defaults to <data_dir>/tinykeep.db.
	Path         string
	TablePrefix  string
	TagCacheSize int
}

// Badger configures the key-value backend.
type Badger struct {
	MaxMemoryMB int64
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("port", DefaultPort)
	v.SetDefault("backend", DefaultBackend)
	v.SetDefault("data_dir", DefaultDataDir)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("uniform_matching", false)
	v.SetDefault("sqlite.path", "")
	v.SetDefault("sqlite.table_prefix", "")
	v.SetDefault("sqlite.tag_cache_size", 4096)
	v.SetDefault("badger.max_memory_mb", DefaultMaxMemoryMB)
}

// Load reads the configuration from v, which may carry flags, a config
// file and environment overrides. A nil v uses a fresh instance.
func Load(v *viper.Viper) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Config{
		Port:            v.GetString("port"),
		Backend:         strings.ToLower(v.GetString("backend")),
		DataDir:         v.GetString("data_dir"),
		UniformMatching: v.GetBool("uniform_matching"),
		SQLite: SQLite{
			Path:         v.GetString("sqlite.path"),
			TablePrefix:  v.GetString("sqlite.table_prefix"),
			TagCacheSize: v.GetInt("sqlite.tag_cache_size"),
		},
		Badger: Badger{
			MaxMemoryMB: v.GetInt64("badger.max_memory_mb"),
		},
	}

	level, err := logrus.ParseLevel(v.GetString("log_level"))
	if err != nil {
		return Config{}, errors.Wrap(err, "invalid log_level")
	}
	cfg.LogLevel = level

	switch cfg.Backend {
	case BackendMemory, BackendSQLite, BackendBadger:
	default:
		return Config{}, errors.Errorf("unknown backend %q (want memory, sqlite or badger)", cfg.Backend)
	}

	if cfg.Port == "" {
		return Config{}, errors.New("port must not be empty")
	}
	if cfg.SQLite.TagCacheSize < 0 {
		return Config{}, errors.New("sqlite.tag_cache_size must not be negative")
	}
	if cfg.SQLite.Path == "" {
		cfg.SQLite.Path = filepath.Join(cfg.DataDir, "tinykeep.db")
	}
	return cfg, nil
}

// BadgerPath is the directory of the badger database.
func (c Config) BadgerPath() string {
	return filepath.Join(c.DataDir, "badger")
}
