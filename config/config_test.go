package config_test

import (
	"testing"
	"time"

	"github.com/resumly/metering/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":8080" {
		t.Errorf("addr = %q", cfg.Addr)
	}
	if cfg.StoreDriver != config.DriverSQLite {
		t.Errorf("driver = %q", cfg.StoreDriver)
	}
	if cfg.UsageFlushInterval != 5*time.Second {
		t.Errorf("flush interval = %v", cfg.UsageFlushInterval)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", config.DriverPostgres)
	t.Setenv("DATABASE_URL", "postgres://localhost/metering")
	t.Setenv("USAGE_BATCH_SIZE", "50")
	t.Setenv("USAGE_FLUSH_INTERVAL", "2s")

	cfg, err := config.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.StoreDriver != config.DriverPostgres {
		t.Errorf("driver = %q", cfg.StoreDriver)
	}
	if cfg.UsageBatchSize != 50 {
		t.Errorf("batch size = %d", cfg.UsageBatchSize)
	}
	if cfg.UsageFlushInterval != 2*time.Second {
		t.Errorf("flush interval = %v", cfg.UsageFlushInterval)
	}
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Setenv("STORE_DRIVER", "cassandra")
	if _, err := config.Load(); err == nil {
		t.Error("expected error for unknown driver")
	}
}

func TestLoadMalformedValuesFallBack(t *testing.T) {
	t.Setenv("USAGE_BATCH_SIZE", "lots")
	t.Setenv("USAGE_FLUSH_INTERVAL", "soon")

	cfg, err := config.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.UsageBatchSize != 100 {
		t.Errorf("batch size = %d, want default 100", cfg.UsageBatchSize)
	}
	if cfg.UsageFlushInterval != 5*time.Second {
		t.Errorf("flush interval = %v, want default 5s", cfg.UsageFlushInterval)
	}
}
