package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Environment != EnvProd {
		t.Errorf("environment = %s, want prod", cfg.Environment)
	}
	if cfg.Risk.MaxNotionalUSD != "10000" || cfg.Risk.MaxSlippage != "0.05" {
		t.Errorf("risk limits = %+v", cfg.Risk)
	}
	if cfg.Risk.MinWindow != time.Second || cfg.Risk.MaxWindow != time.Hour {
		t.Errorf("window bounds = %v..%v", cfg.Risk.MinWindow, cfg.Risk.MaxWindow)
	}
	if cfg.Bus.Kind != BusMemory {
		t.Errorf("bus kind = %s, want memory", cfg.Bus.Kind)
	}
	if cfg.Orchestrator.MaxAttempts != 3 {
		t.Errorf("max attempts = %d, want 3", cfg.Orchestrator.MaxAttempts)
	}
	if cfg.Bus.DedupWindow != 120*time.Second {
		t.Errorf("dedup window = %v, want 120s", cfg.Bus.DedupWindow)
	}
	if cfg.Coordinator.GapWindow != 256 || cfg.Coordinator.GapWait != 30*time.Second {
		t.Errorf("coordinator = %+v", cfg.Coordinator)
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "intentd.yaml")
	body := `
environment: dev
bus:
  kind: nats
  nats_url: nats://broker:4222
risk:
  max_notional_usd: "25000"
  supported_venues: [uniswap_v3, sushiswap]
gateway:
  addr: ":9090"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Environment != EnvDev {
		t.Errorf("environment = %s", cfg.Environment)
	}
	if cfg.Bus.Kind != BusNATS || cfg.Bus.NATSURL != "nats://broker:4222" {
		t.Errorf("bus = %+v", cfg.Bus)
	}
	if cfg.Risk.MaxNotionalUSD != "25000" {
		t.Errorf("notional = %s", cfg.Risk.MaxNotionalUSD)
	}
	if len(cfg.Risk.SupportedVenues) != 2 {
		t.Errorf("venues = %v", cfg.Risk.SupportedVenues)
	}
	if cfg.Gateway.Addr != ":9090" {
		t.Errorf("addr = %s", cfg.Gateway.Addr)
	}
	// untouched sections keep their defaults.
	if cfg.Orchestrator.MaxAttempts != 3 {
		t.Errorf("max attempts = %d", cfg.Orchestrator.MaxAttempts)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/intentd.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Risk.MaxNotionalUSD != "10000" {
		t.Errorf("defaults not returned: %+v", cfg.Risk)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("INTENTD_ENV", "staging")
	t.Setenv("MAX_NOTIONAL_USD", "5000")
	t.Setenv("MAX_SLIPPAGE", "0.02")
	t.Setenv("MIN_TIME_WINDOW", "2s")
	t.Setenv("SUPPORTED_VENUES", "uniswap_v3, curve")
	t.Setenv("INTENTD_BUS", "NATS")
	t.Setenv("INTENTD_SUBMIT_RATE", "25")
	t.Setenv("BUS_DEDUP_WINDOW_SECONDS", "60")
	t.Setenv("COORDINATOR_GAP_WINDOW", "64")

	cfg := FromEnv(Default())
	if cfg.Environment != EnvStaging {
		t.Errorf("environment = %s", cfg.Environment)
	}
	if cfg.Risk.MaxNotionalUSD != "5000" || cfg.Risk.MaxSlippage != "0.02" {
		t.Errorf("risk = %+v", cfg.Risk)
	}
	if cfg.Risk.MinWindow != 2*time.Second {
		t.Errorf("min window = %v", cfg.Risk.MinWindow)
	}
	if len(cfg.Risk.SupportedVenues) != 2 || cfg.Risk.SupportedVenues[1] != "curve" {
		t.Errorf("venues = %v", cfg.Risk.SupportedVenues)
	}
	if cfg.Bus.Kind != BusNATS {
		t.Errorf("bus kind = %s", cfg.Bus.Kind)
	}
	if cfg.Intent.SubmitRate != 25 {
		t.Errorf("submit rate = %v", cfg.Intent.SubmitRate)
	}
	if cfg.Bus.DedupWindow != time.Minute {
		t.Errorf("dedup window = %v, want 1m", cfg.Bus.DedupWindow)
	}
	if cfg.Coordinator.GapWindow != 64 {
		t.Errorf("gap window = %d, want 64", cfg.Coordinator.GapWindow)
	}
}

func TestFromEnvIgnoresMalformedValues(t *testing.T) {
	t.Setenv("MIN_TIME_WINDOW", "not-a-duration")
	t.Setenv("INTENTD_SUBMIT_RATE", "-3")

	cfg := FromEnv(Default())
	if cfg.Risk.MinWindow != time.Second {
		t.Errorf("min window = %v, want default", cfg.Risk.MinWindow)
	}
	if cfg.Intent.SubmitRate != 50 {
		t.Errorf("submit rate = %v, want default", cfg.Intent.SubmitRate)
	}
}
