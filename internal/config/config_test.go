package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Store != StoreBolt || cfg.BoltPath != "lotsync.db" || cfg.Workers != 4 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Collections.Props.Remaining != "Remaining shares" || cfg.Paths.Price != "$.average_price" {
		t.Fatalf("unexpected collection/path defaults: %+v %+v", cfg.Collections.Props, cfg.Paths)
	}
}

func TestLoadFromYAML(t *testing.T) {
	chdir(t, t.TempDir())
	content := `
store: memory
workers: 2
symbols: [abt, " msft", ABT]
schema_cache_ttl: 90s
retry:
  attempts: 5
  base_delay: 250ms
collections:
  allocations: sell_lots
  remaining_formula: true
  properties:
    avg_cost: Average cost
paths:
  fee: $.fees_total
`
	if err := os.WriteFile("lotsync.yaml", []byte(content), 0o644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	cfg, err := Load("lotsync.yaml")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Store != StoreMemory || cfg.Workers != 2 {
		t.Errorf("store/workers = %s/%d", cfg.Store, cfg.Workers)
	}
	if got := strings.Join(cfg.Symbols, ","); got != "ABT,MSFT" {
		t.Errorf("symbols = %s", got)
	}
	if cfg.SchemaCacheTTL != 90*time.Second || cfg.Retry.Attempts != 5 || cfg.Retry.BaseDelay != 250*time.Millisecond {
		t.Errorf("durations = %v %+v", cfg.SchemaCacheTTL, cfg.Retry)
	}
	if cfg.Retry.MaxDelay != 10*time.Second {
		t.Errorf("unset retry field lost its default: %v", cfg.Retry.MaxDelay)
	}
	cols := cfg.Collections
	if cols.Allocations != "sell_lots" || !cols.RemainingFormula || cols.Props.AvgCost != "Average cost" {
		t.Errorf("collections = %+v", cols)
	}
	if cols.Orders != "orders" || cols.Props.Shares != "Shares" {
		t.Errorf("unset collection fields lost their defaults: %+v", cols)
	}
	if cfg.Paths.Fee != "$.fees_total" || cfg.Paths.ID != "$.id" {
		t.Errorf("paths = %+v", cfg.Paths)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("LOTSYNC_STORE", "notion")
	t.Setenv("NOTION_TOKEN", "secret")
	t.Setenv("NOTION_SUMMARY_DB", "db-summary")
	t.Setenv("NOTION_ORDERS_DB", "db-orders")
	t.Setenv("NOTION_LOTS_DB", "db-lots")
	t.Setenv("NOTION_ORDERS_DB_ICON", "https://example.com/o.png")
	t.Setenv("WORKERS", "8")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Store != StoreNotion || cfg.Notion.Token != "secret" || cfg.Workers != 8 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Notion.Databases["positions"] != "db-summary" || cfg.Notion.Databases["lots"] != "db-lots" {
		t.Errorf("databases = %v", cfg.Notion.Databases)
	}
	if cfg.Notion.Icons["orders"] != "https://example.com/o.png" {
		t.Errorf("icons = %v", cfg.Notion.Icons)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	t.Setenv("RH_TOKEN", "")
	t.Setenv("ORDERS_FILE", "")
	env := "# comment\nexport RH_TOKEN=\"from-dotenv\"\nORDERS_FILE='orders.json'\nbroken line\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Broker.Token != "from-dotenv" || cfg.Broker.OrdersFile != "orders.json" {
		t.Errorf("broker = %+v", cfg.Broker)
	}
	if err := cfg.RequireSource(); err != nil {
		t.Errorf("RequireSource = %v", err)
	}
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown store", func(c *Config) { c.Store = "s3" }, "unknown store"},
		{"notion without token", func(c *Config) { c.Store = StoreNotion }, "token is required"},
		{"notion without databases", func(c *Config) {
			c.Store = StoreNotion
			c.Notion.Token = "x"
		}, "no database id"},
		{"postgres without url", func(c *Config) { c.Store = StorePostgres }, "database_url"},
		{"zero workers", func(c *Config) { c.Workers = 0 }, "workers"},
		{"zero attempts", func(c *Config) { c.Retry.Attempts = 0 }, "retry.attempts"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tc.want)
			}
		})
	}
	cfg := Default()
	if err := cfg.RequireSource(); err == nil {
		t.Errorf("RequireSource with nothing configured should fail")
	}
}

// chdir changes the working directory for the duration of the test
// (equivalent of testing.T.Chdir, which needs Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatal(err)
		}
	})
}
