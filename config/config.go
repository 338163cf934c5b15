// Package config centralises runtime configuration for intentd services.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/helixtrade/intentd/errs"
)

// Environment identifies the runtime environment where intentd operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Bus transport kinds.
const (
	BusMemory = "memory"
	BusNATS   = "nats"
)

// TelemetryConfig configures the OTLP metric exporter. An empty endpoint
// keeps telemetry on noop providers.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// BusConfig selects the event transport.
type BusConfig struct {
	Kind       string `yaml:"kind"`
	NATSURL    string `yaml:"nats_url"`
	StreamName string `yaml:"stream_name"`
	// DedupWindow is how long the bus suppresses republished event ids.
	DedupWindow time.Duration `yaml:"dedup_window"`
}

// StorageConfig selects the persistence backends. Empty connection strings
// fall back to in-memory stores.
type StorageConfig struct {
	PostgresDSN   string `yaml:"postgres_dsn"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// RiskConfig bounds what the risk gate lets through.
type RiskConfig struct {
	MaxNotionalUSD   string        `yaml:"max_notional_usd"`
	MaxSlippage      string        `yaml:"max_slippage"`
	MinWindow        time.Duration `yaml:"min_window"`
	MaxWindow        time.Duration `yaml:"max_window"`
	SupportedVenues  []string      `yaml:"supported_venues"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerWindow    time.Duration `yaml:"breaker_window"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
	// ReferencePrices maps asset symbols to USD prices used for notional
	// checks when no live price source is wired.
	ReferencePrices map[string]string `yaml:"reference_prices"`
}

// AssetConfig identifies a token leg in configuration.
type AssetConfig struct {
	Symbol   string `yaml:"symbol"`
	ChainID  int64  `yaml:"chain_id"`
	Address  string `yaml:"address"`
	Decimals int32  `yaml:"decimals"`
}

// StaticPoolConfig describes one fixed-price pool, used when no live pool
// source is configured.
type StaticPoolConfig struct {
	Venue  string      `yaml:"venue"`
	Base   AssetConfig `yaml:"base"`
	Quote  AssetConfig `yaml:"quote"`
	Price  string      `yaml:"price"`
	FeeBPS int64       `yaml:"fee_bps"`
}

// PoolRefConfig points at a watched on-chain pool.
type PoolRefConfig struct {
	Address string      `yaml:"address"`
	Token0  AssetConfig `yaml:"token0"`
	Token1  AssetConfig `yaml:"token1"`
}

// PlannerConfig tunes route planning.
type PlannerConfig struct {
	Recipient    string        `yaml:"recipient"`
	MaxHops      int           `yaml:"max_hops"`
	RouteTimeout time.Duration `yaml:"route_timeout"`
	// StaticPools feed the route engine when the venue layer has no live
	// pool source.
	StaticPools []StaticPoolConfig `yaml:"static_pools"`
}

// CoordinatorConfig tunes the single-writer projection loop.
type CoordinatorConfig struct {
	// GapWindow caps out-of-order events buffered per correlation before
	// the coordinator fails forward.
	GapWindow int `yaml:"gap_window"`
	// GapWait bounds how long a buffered event waits for its predecessors.
	GapWait time.Duration `yaml:"gap_wait"`
}

// OrchestratorConfig tunes step execution.
type OrchestratorConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	AwaitCap    time.Duration `yaml:"await_cap"`
}

// VenueConfig configures on-chain execution. An empty RPC URL leaves the
// venue layer unwired.
type VenueConfig struct {
	EthRPCURL      string          `yaml:"eth_rpc_url"`
	RouterAddress  string          `yaml:"router_address"`
	PrivateKeyHex  string          `yaml:"private_key_hex"`
	ChainID        int64           `yaml:"chain_id"`
	DefaultFeeTier int64           `yaml:"default_fee_tier"`
	Pools          []PoolRefConfig `yaml:"pools"`
}

// IntentConfig tunes submission admission.
type IntentConfig struct {
	SubmitRate  float64 `yaml:"submit_rate"`
	SubmitBurst int     `yaml:"submit_burst"`
}

// GatewayConfig tunes the HTTP surface.
type GatewayConfig struct {
	Addr       string `yaml:"addr"`
	SendBuffer int    `yaml:"send_buffer"`
}

// Settings is the intentd configuration tree loaded from defaults, an
// optional YAML file, and environment overrides, in that order.
type Settings struct {
	Environment  Environment        `yaml:"environment"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Bus          BusConfig          `yaml:"bus"`
	Storage      StorageConfig      `yaml:"storage"`
	Risk         RiskConfig         `yaml:"risk"`
	Planner      PlannerConfig      `yaml:"planner"`
	Coordinator  CoordinatorConfig  `yaml:"coordinator"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Venue        VenueConfig        `yaml:"venue"`
	Intent       IntentConfig       `yaml:"intent"`
	Gateway      GatewayConfig      `yaml:"gateway"`
}

// Default returns the default intentd configuration.
func Default() Settings {
	return Settings{
		Environment: EnvProd,
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "",
			ServiceName:  "intentd",
		},
		Bus: BusConfig{
			Kind:        BusMemory,
			NATSURL:     "nats://127.0.0.1:4222",
			StreamName:  "INTENTD",
			DedupWindow: 120 * time.Second,
		},
		Storage: StorageConfig{},
		Risk: RiskConfig{
			MaxNotionalUSD:   "10000",
			MaxSlippage:      "0.05",
			MinWindow:        time.Second,
			MaxWindow:        time.Hour,
			SupportedVenues:  []string{"uniswap_v3"},
			BreakerThreshold: 5,
			BreakerWindow:    time.Minute,
			BreakerCooldown:  5 * time.Minute,
			ReferencePrices: map[string]string{
				"WETH": "2500",
				"USDC": "1",
				"USDT": "1",
				"DAI":  "1",
			},
		},
		Planner: PlannerConfig{
			MaxHops:      3,
			RouteTimeout: 2 * time.Second,
		},
		Coordinator: CoordinatorConfig{
			GapWindow: 256,
			GapWait:   30 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			MaxAttempts: 3,
			BackoffBase: 200 * time.Millisecond,
			AwaitCap:    2 * time.Minute,
		},
		Venue: VenueConfig{
			RouterAddress:  "0xE592427A0AEce92De3Edee1F18E0157C05861564",
			ChainID:        1,
			DefaultFeeTier: 3000,
		},
		Intent: IntentConfig{
			SubmitRate:  50,
			SubmitBurst: 10,
		},
		Gateway: GatewayConfig{
			Addr:       ":8080",
			SendBuffer: 1024,
		},
	}
}

// Load reads a YAML settings file over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (Settings, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errs.New("config/load", errs.CodeInvalid,
			errs.WithMessage("read config file"), errs.WithCause(err))
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errs.New("config/load", errs.CodeInvalid,
			errs.WithMessage("parse config file"), errs.WithCause(err))
	}
	return cfg, nil
}

// FromEnv loads configuration from environment variables, overriding base.
func FromEnv(base Settings) Settings {
	cfg := base
	if v := strings.TrimSpace(os.Getenv("INTENTD_ENV")); v != "" {
		cfg.Environment = Environment(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("INTENTD_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("INTENTD_BUS")); v != "" {
		cfg.Bus.Kind = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("INTENTD_NATS_URL")); v != "" {
		cfg.Bus.NATSURL = v
	}
	if v := strings.TrimSpace(os.Getenv("INTENTD_POSTGRES_DSN")); v != "" {
		cfg.Storage.PostgresDSN = v
	}
	if v := strings.TrimSpace(os.Getenv("INTENTD_REDIS_ADDR")); v != "" {
		cfg.Storage.RedisAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("INTENTD_REDIS_PASSWORD")); v != "" {
		cfg.Storage.RedisPassword = v
	}
	if v := strings.TrimSpace(os.Getenv("MAX_NOTIONAL_USD")); v != "" {
		cfg.Risk.MaxNotionalUSD = v
	}
	if v := strings.TrimSpace(os.Getenv("MAX_SLIPPAGE")); v != "" {
		cfg.Risk.MaxSlippage = v
	}
	if v := strings.TrimSpace(os.Getenv("MIN_TIME_WINDOW")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Risk.MinWindow = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("MAX_TIME_WINDOW")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Risk.MaxWindow = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("SUPPORTED_VENUES")); v != "" {
		parts := strings.Split(v, ",")
		venues := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				venues = append(venues, p)
			}
		}
		if len(venues) > 0 {
			cfg.Risk.SupportedVenues = venues
		}
	}
	if v := strings.TrimSpace(os.Getenv("INTENTD_RECIPIENT")); v != "" {
		cfg.Planner.Recipient = v
	}
	if v := strings.TrimSpace(os.Getenv("INTENTD_ETH_RPC_URL")); v != "" {
		cfg.Venue.EthRPCURL = v
	}
	if v := strings.TrimSpace(os.Getenv("INTENTD_ETH_PRIVATE_KEY")); v != "" {
		cfg.Venue.PrivateKeyHex = v
	}
	if v := strings.TrimSpace(os.Getenv("INTENTD_GATEWAY_ADDR")); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("INTENTD_SUBMIT_RATE")); v != "" {
		if rate, err := strconv.ParseFloat(v, 64); err == nil && rate > 0 {
			cfg.Intent.SubmitRate = rate
		}
	}
	if v := strings.TrimSpace(os.Getenv("INTENTD_MAX_ATTEMPTS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Orchestrator.MaxAttempts = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("GATEWAY_QUEUE_DEPTH")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Gateway.SendBuffer = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("BUS_DEDUP_WINDOW_SECONDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Bus.DedupWindow = time.Duration(n) * time.Second
		}
	}
	if v := strings.TrimSpace(os.Getenv("COORDINATOR_GAP_WINDOW")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Coordinator.GapWindow = n
		}
	}
	return cfg
}
