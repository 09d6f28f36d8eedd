// Package config loads the server configuration.
//
// Sources in order of precedence:
//  1. Command line flags (bound by the caller)
//  2. Environment variables (DOCMODEL_*, e.g. DOCMODEL_STORE_BACKEND)
//  3. The configuration file (DOCMODEL_CONFIG, --config, or docmodel.yaml
//     in ., $HOME/.docmodel or /etc/docmodel)
//  4. Defaults
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/stevemurr/docmodel/store"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "DOCMODEL"

type Config struct {
	Server      ServerConfig                `mapstructure:"server"`
	Store       StoreConfig                 `mapstructure:"store"`
	Log         LogConfig                   `mapstructure:"log"`
	Collections map[string]CollectionConfig `mapstructure:"-"`
}

type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowedOrigins"`
}

// Addr is host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type StoreConfig struct {
	Backend string `mapstructure:"backend"`
	DataDir string `mapstructure:"dataDir"`
	DSN     string `mapstructure:"dsn"`
	// Indexes is an optional YAML file of index declarations per collection.
	Indexes string `mapstructure:"indexes"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// CollectionConfig is the per-collection section of the configuration file.
type CollectionConfig struct {
	Indexes  []store.IndexSpec `yaml:"indexes"`
	ReadOnly bool              `yaml:"readOnly"`
}

// New returns a viper instance with defaults and environment binding. Flags
// may be bound to it before Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowedOrigins", []string{"*"})
	v.SetDefault("store.backend", "file")
	v.SetDefault("store.dataDir", "./data")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.indexes", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the configuration file, if any, and decodes everything into a
// Config. file overrides the discovery of docmodel.yaml.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file == "" {
		file = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("docmodel")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.docmodel")
		v.AddConfigPath("/etc/docmodel")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	collections, err := loadCollections(v.ConfigFileUsed())
	if err != nil {
		return nil, err
	}
	if cfg.Store.Indexes != "" {
		extra, err := store.LoadIndexes(cfg.Store.Indexes)
		if err != nil {
			return nil, err
		}
		for name, specs := range extra {
			c := collections[name]
			c.Indexes = append(c.Indexes, specs...)
			collections[name] = c
		}
	}
	cfg.Collections = collections
	return cfg, cfg.Validate()
}

// loadCollections decodes the collections section with yaml.v3 so index
// fields keep their declared order.
func loadCollections(path string) (map[string]CollectionConfig, error) {
	out := map[string]CollectionConfig{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return out, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var doc struct {
		Collections map[string]CollectionConfig `yaml:"collections"`
	}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decode collections: %w", err)
	}
	for name, c := range doc.Collections {
		out[name] = c
	}
	return out, nil
}

// Validate checks the settings the server cannot start without.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "file", "json", "sqlite":
	case "postgres":
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	for name, coll := range c.Collections {
		if err := store.ValidateIndexes(coll.Indexes); err != nil {
			return fmt.Errorf("collection %s: %w", name, err)
		}
	}
	return nil
}

// ReadOnly lists the read-only collections, sorted.
func (c *Config) ReadOnly() []string {
	var out []string
	for name, coll := range c.Collections {
		if coll.ReadOnly {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Indexes returns the declared indexes of collection.
func (c *Config) Indexes(collection string) []store.IndexSpec {
	return c.Collections[collection].Indexes
}

// StoreOptions converts the store section for store.Open.
func (c *Config) StoreOptions() store.Config {
	return store.Config{
		Backend: c.Store.Backend,
		DataDir: c.Store.DataDir,
		DSN:     c.Store.DSN,
	}
}
