// Package config loads lotsync settings: defaults, then an optional YAML
// file, then a .env file and the environment, then validation. The result
// is passed explicitly into constructors.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"github.com/robinfolio/lotsync/internal/normalize"
	"github.com/robinfolio/lotsync/internal/retry"
	"github.com/robinfolio/lotsync/internal/syncer"
)

// Store backends.
const (
	StoreNotion   = "notion"
	StorePostgres = "postgres"
	StoreBolt     = "bolt"
	StoreMemory   = "memory"
)

// NotionConfig addresses the HTTP record store.
type NotionConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
	Version string `yaml:"version"`
	// Databases and Icons are keyed by collection name.
	Databases map[string]string `yaml:"databases"`
	Icons     map[string]string `yaml:"icons"`
}

// BrokerConfig addresses the order source. OrdersFile, when set, is used
// instead of the API.
type BrokerConfig struct {
	BaseURL    string `yaml:"base_url"`
	Token      string `yaml:"token"`
	OrdersFile string `yaml:"orders_file"`
}

type Config struct {
	Store          string        `yaml:"store"`
	BoltPath       string        `yaml:"bolt_path"`
	DatabaseURL    string        `yaml:"database_url"`
	RedisURL       string        `yaml:"redis_url"`
	SchemaCacheTTL time.Duration `yaml:"schema_cache_ttl"`
	LockTTL        time.Duration `yaml:"lock_ttl"`
	Port           string        `yaml:"port"`
	Workers        int           `yaml:"workers"`
	Symbols        []string      `yaml:"symbols"`

	Notion      NotionConfig       `yaml:"notion"`
	Broker      BrokerConfig       `yaml:"broker"`
	Collections syncer.Collections `yaml:"collections"`
	Paths       normalize.Paths    `yaml:"paths"`
	Retry       retry.Policy       `yaml:"retry"`
}

// Load reads configuration. An empty or missing configPath is not an error.
func Load(configPath string) (Config, error) {
	_ = loadDotEnv(".env")
	cfg := Default()
	if err := applyYAML(&cfg, configPath); err != nil {
		return Config{}, err
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Store:          StoreBolt,
		BoltPath:       "lotsync.db",
		SchemaCacheTTL: 10 * time.Minute,
		LockTTL:        15 * time.Minute,
		Port:           "8080",
		Workers:        4,
		Notion:         NotionConfig{Databases: map[string]string{}, Icons: map[string]string{}},
		Collections:    syncer.DefaultCollections(),
		Paths:          normalize.DefaultPaths(),
		Retry:          retry.DefaultPolicy(),
	}
}

func applyYAML(cfg *Config, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	// Decoding onto the defaults keeps every field the file leaves out.
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse yaml config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	str("LOTSYNC_STORE", &cfg.Store)
	str("BOLT_PATH", &cfg.BoltPath)
	str("DATABASE_URL", &cfg.DatabaseURL)
	str("REDIS_URL", &cfg.RedisURL)
	str("PORT", &cfg.Port)
	str("RH_BASE_URL", &cfg.Broker.BaseURL)
	str("RH_TOKEN", &cfg.Broker.Token)
	str("ORDERS_FILE", &cfg.Broker.OrdersFile)
	str("NOTION_URL", &cfg.Notion.BaseURL)
	str("NOTION_TOKEN", &cfg.Notion.Token)

	if cfg.Notion.Databases == nil {
		cfg.Notion.Databases = map[string]string{}
	}
	if cfg.Notion.Icons == nil {
		cfg.Notion.Icons = map[string]string{}
	}
	for prefix, collection := range map[string]string{
		"NOTION_SUMMARY_DB": cfg.Collections.Positions,
		"NOTION_ORDERS_DB":  cfg.Collections.Orders,
		"NOTION_LOTS_DB":    cfg.Collections.Allocations,
	} {
		if v := strings.TrimSpace(os.Getenv(prefix)); v != "" {
			cfg.Notion.Databases[collection] = v
		}
		if v := strings.TrimSpace(os.Getenv(prefix + "_ICON")); v != "" {
			cfg.Notion.Icons[collection] = v
		}
	}

	if v := strings.TrimSpace(os.Getenv("WORKERS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("WORKERS: %w", err)
		}
		cfg.Workers = n
	}
	if v := strings.TrimSpace(os.Getenv("SYMBOLS")); v != "" {
		cfg.Symbols = SplitSymbols(v)
	}
	return nil
}

// Validate checks the settings needed by the selected store backend.
func (c *Config) Validate() error {
	c.Store = strings.ToLower(strings.TrimSpace(c.Store))
	switch c.Store {
	case StoreNotion:
		if c.Notion.Token == "" {
			return errors.New("notion store: token is required (NOTION_TOKEN)")
		}
		for _, col := range []string{c.Collections.Positions, c.Collections.Orders, c.Collections.Allocations} {
			if c.Notion.Databases[col] == "" {
				return fmt.Errorf("notion store: no database id for collection %q", col)
			}
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("postgres store: database_url is required (DATABASE_URL)")
		}
	case StoreBolt:
		if strings.TrimSpace(c.BoltPath) == "" {
			return errors.New("bolt store: bolt_path is required")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown store %q (want notion, postgres, bolt or memory)", c.Store)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.Retry.Attempts < 1 {
		return fmt.Errorf("retry.attempts must be at least 1, got %d", c.Retry.Attempts)
	}
	cols := c.Collections
	if cols.Positions == "" || cols.Orders == "" || cols.Allocations == "" {
		return errors.New("collections: positions, orders and allocations must be named")
	}
	c.Symbols = SplitSymbols(strings.Join(c.Symbols, ","))
	return nil
}

// RequireSource checks that an order source is configured.
func (c Config) RequireSource() error {
	if c.Broker.OrdersFile == "" && c.Broker.Token == "" {
		return errors.New("no order source: set RH_TOKEN or ORDERS_FILE")
	}
	return nil
}

// SplitSymbols parses a comma-separated symbol list, uppercased and
// deduplicated in order.
func SplitSymbols(s string) []string {
	seen := map[string]bool{}
	var out []string
	for _, item := range strings.Split(s, ",") {
		item = strings.ToUpper(strings.TrimSpace(item))
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}

func loadDotEnv(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		k = strings.TrimSpace(strings.TrimPrefix(k, "export "))
		if !ok || k == "" {
			continue
		}
		v = strings.TrimSpace(v)
		if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
			v = v[1 : len(v)-1]
		}
		if os.Getenv(k) == "" {
			_ = os.Setenv(k, v)
		}
	}
	return nil
}
