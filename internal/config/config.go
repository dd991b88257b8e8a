package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Database  DatabaseConnection `mapstructure:"database"`
	Cache     CacheConfig        `mapstructure:"cache"`
	Scheduler SchedulerConfig    `mapstructure:"scheduler"`
	Server    ServerConfig       `mapstructure:"server"`
	Logging   LoggingConfig      `mapstructure:"logging"`
}

type DatabaseConnection struct {
	Driver              string `mapstructure:"driver"` // mysql, sqlite or memory
	Host                string `mapstructure:"host"`
	Port                int    `mapstructure:"port"`
	User                string `mapstructure:"user"`
	Password            string `mapstructure:"password"`
	Database            string `mapstructure:"database"`
	FilePath            string `mapstructure:"file_path"` // For SQLite
	ReplicationUser     string `mapstructure:"replication_user"`
	ReplicationPassword string `mapstructure:"replication_password"`
	ServerID            uint32 `mapstructure:"server_id"`
}

type CacheConfig struct {
	Tables       []TableConfig   `mapstructure:"tables"`
	Realtime     bool            `mapstructure:"realtime"`
	WarmOnStart  bool            `mapstructure:"warm_on_start"`
	FetchTimeout string          `mapstructure:"fetch_timeout"`
	Reconnect    ReconnectConfig `mapstructure:"reconnect"`
}

func (c CacheConfig) GetFetchTimeout() time.Duration {
	d, _ := time.ParseDuration(c.FetchTimeout)
	return d
}

// Table returns the configuration for name.
func (c CacheConfig) Table(name string) (TableConfig, bool) {
	for _, t := range c.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableConfig{}, false
}

type TableConfig struct {
	Name       string `mapstructure:"name"`
	PrimaryKey string `mapstructure:"primary_key"`
	OrderBy    string `mapstructure:"order_by"`
	Descending bool   `mapstructure:"descending"`
	Limit      int    `mapstructure:"limit"`
}

type ReconnectConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	InitialInterval string `mapstructure:"initial_interval"`
	MaxInterval     string `mapstructure:"max_interval"`
	MaxElapsed      string `mapstructure:"max_elapsed"`
}

func (r ReconnectConfig) GetInitialInterval() time.Duration {
	d, _ := time.ParseDuration(r.InitialInterval)
	return d
}

func (r ReconnectConfig) GetMaxInterval() time.Duration {
	d, _ := time.ParseDuration(r.MaxInterval)
	return d
}

func (r ReconnectConfig) GetMaxElapsed() time.Duration {
	d, _ := time.ParseDuration(r.MaxElapsed)
	return d
}

type SchedulerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Interval string `mapstructure:"interval"`
}

type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	Host           string   `mapstructure:"host"`
	AuthToken      string   `mapstructure:"auth_token"`
	ReadTimeout    string   `mapstructure:"read_timeout"`
	WriteTimeout   string   `mapstructure:"write_timeout"`
	CorsOrigins    []string `mapstructure:"cors_origins"`
	WriteRateLimit float64  `mapstructure:"write_rate_limit"` // writes per second, 0 disables
	WriteBurst     int      `mapstructure:"write_burst"`
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

// LoadConfig reads a YAML config file. Every key can be overridden from the
// environment with the REGISTRY_ prefix, e.g. REGISTRY_SERVER_PORT.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetEnvPrefix("REGISTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	for i := range cfg.Cache.Tables {
		if cfg.Cache.Tables[i].PrimaryKey == "" {
			cfg.Cache.Tables[i].PrimaryKey = "id"
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.server_id", 100)
	v.SetDefault("cache.realtime", false)
	v.SetDefault("cache.reconnect.initial_interval", "500ms")
	v.SetDefault("cache.reconnect.max_interval", "30s")
	v.SetDefault("scheduler.interval", "@every 5m")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "0s")
	v.SetDefault("server.write_burst", 10)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "mysql", "sqlite", "memory":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.Driver == "sqlite" && c.Database.FilePath == "" {
		return fmt.Errorf("database.file_path is required for sqlite")
	}
	if c.Cache.Realtime && c.Database.Driver != "mysql" {
		return fmt.Errorf("cache.realtime requires the mysql driver")
	}
	if len(c.Cache.Tables) == 0 {
		return fmt.Errorf("cache.tables must list at least one table")
	}

	seen := make(map[string]bool)
	for _, t := range c.Cache.Tables {
		if t.Name == "" {
			return fmt.Errorf("cache.tables: table name is required")
		}
		if seen[t.Name] {
			return fmt.Errorf("cache.tables: duplicate table %q", t.Name)
		}
		seen[t.Name] = true
		if t.Limit < 0 {
			return fmt.Errorf("cache.tables: %s: negative limit", t.Name)
		}
	}

	for key, val := range map[string]string{
		"cache.fetch_timeout":              c.Cache.FetchTimeout,
		"cache.reconnect.initial_interval": c.Cache.Reconnect.InitialInterval,
		"cache.reconnect.max_interval":     c.Cache.Reconnect.MaxInterval,
		"cache.reconnect.max_elapsed":      c.Cache.Reconnect.MaxElapsed,
		"server.read_timeout":              c.Server.ReadTimeout,
		"server.write_timeout":             c.Server.WriteTimeout,
	} {
		if val == "" {
			continue
		}
		if _, err := time.ParseDuration(val); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}
