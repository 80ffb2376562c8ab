// Package config defines all configuration for the trading engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via ENGINE_* environment variables, and a
// local .env file (if present) pre-loaded ahead of viper's own layers.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Strategy identifies which StrategyCore variant an engine process runs.
type Strategy string

const (
	StrategyGrid       Strategy = "grid"        // plain grid market-maker (TollGate)
	StrategyHedgedGrid Strategy = "hedged_grid" // grid + secondary-ticker hedge (TG Grid)
	StrategyRatio      Strategy = "ratio"       // pair mean-reversion (AMM)
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun     bool             `mapstructure:"dry_run"`
	Strategy   Strategy         `mapstructure:"strategy"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Grid       GridConfig       `mapstructure:"grid"`
	Ratio      RatioConfig      `mapstructure:"ratio"`
	Loop       LoopConfig       `mapstructure:"loop"`
	Store      StoreConfig      `mapstructure:"store"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Operations OperationsConfig `mapstructure:"operations"`
}

// BrokerConfig holds the XTS-style interactive + market-data API credentials
// and endpoints. AppKey/SecretKey/TOTPSecret are sensitive and may be
// supplied via environment variables instead of the file.
type BrokerConfig struct {
	InteractiveBaseURL string `mapstructure:"interactive_base_url"`
	MarketDataBaseURL  string `mapstructure:"market_data_base_url"`
	WSURL              string `mapstructure:"ws_url"`
	AppKey             string `mapstructure:"app_key"`
	SecretKey          string `mapstructure:"secret_key"`
	TOTPSecret         string `mapstructure:"totp_secret"`
	Product            string `mapstructure:"product"` // CNC, NRML, MIS
	SessionDir         string `mapstructure:"session_dir"`
	SessionMaxAge      time.Duration `mapstructure:"session_max_age"`
}

// GridConfig parameterises the grid / hedged-grid StrategyCore variant
// (spec §3, §4.4, §6). HasPair / secondary fields are only meaningful when
// Strategy == hedged_grid.
type GridConfig struct {
	Symbol               string  `mapstructure:"symbol"`
	AnchorPrice          float64 `mapstructure:"anchor_price"`
	AutoAnchor           bool    `mapstructure:"auto_anchor"`
	BaseSpacing          float64 `mapstructure:"base_spacing"`
	RoundTripProfit      float64 `mapstructure:"round_trip_profit"`
	LevelsPerSide        int     `mapstructure:"levels_per_side"`
	QtyPerLevel          float64 `mapstructure:"qty_per_level"`
	MaxReanchors         int     `mapstructure:"max_reanchors"`
	ReanchorCooldown     time.Duration `mapstructure:"reanchor_cooldown"`
	Slippage             float64 `mapstructure:"slippage"`
	ReanchorFlattenSlip  float64 `mapstructure:"reanchor_flatten_slippage"`

	// Hedged-grid only.
	HasPair           bool    `mapstructure:"has_pair"`
	SecondarySymbol   string  `mapstructure:"secondary_symbol"`
	HedgeRatio        float64 `mapstructure:"hedge_ratio"`
	PartialHedgeRatio float64 `mapstructure:"partial_hedge_ratio"`
}

// RatioConfig parameterises the pair mean-reversion StrategyCore variant
// (spec §4.5, §6).
type RatioConfig struct {
	NumeratorSymbol       string        `mapstructure:"numerator_symbol"`
	DenominatorSymbol     string        `mapstructure:"denominator_symbol"`
	SampleInterval        time.Duration `mapstructure:"sample_interval"`
	RollingWindow         int           `mapstructure:"rolling_window"`
	WarmupSamples         int           `mapstructure:"warmup_samples"`
	EntrySD               float64       `mapstructure:"entry_sd"`
	MeanReversionTolerance float64      `mapstructure:"mean_reversion_tolerance"`
	MaxPositionsPerPair   int           `mapstructure:"max_positions_per_pair"`
	BaseQty               float64       `mapstructure:"base_qty"`
	PerLegPct             float64       `mapstructure:"per_leg_pct"`
	Slippage              float64       `mapstructure:"slippage"`
}

// LoopConfig tunes the EngineLoop poll cadence (spec §4.6).
type LoopConfig struct {
	PollInterval          time.Duration `mapstructure:"poll_interval"`
	ProactiveRefreshEvery time.Duration `mapstructure:"proactive_refresh_every"`
	MaxConsecutiveErrors  int           `mapstructure:"max_consecutive_errors"`
}

// StoreConfig sets where engine state (StateJournal) and the fill ledger live.
type StoreConfig struct {
	DataDir    string `mapstructure:"data_dir"`
	LedgerPath string `mapstructure:"ledger_path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// OperationsConfig controls the read-only status/control HTTP surface (§10).
type OperationsConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	ControlToken   string   `mapstructure:"control_token"`
}

// Load reads config from a YAML file with env var overrides.
// A local .env (if present) is loaded first so POSIX env inherits its
// values before viper's AutomaticEnv layer reads them (grounded on
// poorman-SynapseStrike's main.go). Sensitive fields use env vars:
// ENGINE_APP_KEY, ENGINE_SECRET_KEY, ENGINE_TOTP_SECRET, ENGINE_CONTROL_TOKEN.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // best-effort; absence of .env is not an error

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("ENGINE_APP_KEY"); key != "" {
		cfg.Broker.AppKey = key
	}
	if secret := os.Getenv("ENGINE_SECRET_KEY"); secret != "" {
		cfg.Broker.SecretKey = secret
	}
	if totp := os.Getenv("ENGINE_TOTP_SECRET"); totp != "" {
		cfg.Broker.TOTPSecret = totp
	}
	if tok := os.Getenv("ENGINE_CONTROL_TOKEN"); tok != "" {
		cfg.Operations.ControlToken = tok
	}
	if os.Getenv("ENGINE_DRY_RUN") == "true" || os.Getenv("ENGINE_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Broker.AppKey == "" {
		return fmt.Errorf("broker.app_key is required (set ENGINE_APP_KEY)")
	}
	if c.Broker.SecretKey == "" {
		return fmt.Errorf("broker.secret_key is required (set ENGINE_SECRET_KEY)")
	}
	if c.Broker.InteractiveBaseURL == "" {
		return fmt.Errorf("broker.interactive_base_url is required")
	}
	switch c.Broker.Product {
	case "CNC", "NRML", "MIS":
	default:
		return fmt.Errorf("broker.product must be one of: CNC, NRML, MIS")
	}

	switch c.Strategy {
	case StrategyGrid, StrategyHedgedGrid:
		if c.Grid.Symbol == "" {
			return fmt.Errorf("grid.symbol is required")
		}
		if c.Grid.BaseSpacing <= 0 {
			return fmt.Errorf("grid.base_spacing must be > 0")
		}
		if c.Grid.LevelsPerSide <= 0 {
			return fmt.Errorf("grid.levels_per_side must be > 0")
		}
		if c.Grid.QtyPerLevel <= 0 {
			return fmt.Errorf("grid.qty_per_level must be > 0")
		}
		if !c.Grid.AutoAnchor && c.Grid.AnchorPrice <= 0 {
			return fmt.Errorf("grid.anchor_price must be > 0 unless grid.auto_anchor is set")
		}
		if c.Strategy == StrategyHedgedGrid {
			if c.Grid.SecondarySymbol == "" {
				return fmt.Errorf("grid.secondary_symbol is required for strategy=hedged_grid")
			}
			if c.Grid.HedgeRatio <= 0 || c.Grid.PartialHedgeRatio <= 0 {
				return fmt.Errorf("grid.hedge_ratio and grid.partial_hedge_ratio must be > 0 for strategy=hedged_grid")
			}
			c.Grid.HasPair = true
		}
	case StrategyRatio:
		if c.Ratio.NumeratorSymbol == "" || c.Ratio.DenominatorSymbol == "" {
			return fmt.Errorf("ratio.numerator_symbol and ratio.denominator_symbol are required")
		}
		if c.Ratio.RollingWindow <= 1 {
			return fmt.Errorf("ratio.rolling_window must be > 1")
		}
		if c.Ratio.EntrySD <= 0 {
			return fmt.Errorf("ratio.entry_sd must be > 0")
		}
		if c.Ratio.BaseQty <= 0 {
			return fmt.Errorf("ratio.base_qty must be > 0")
		}
	default:
		return fmt.Errorf("strategy must be one of: grid, hedged_grid, ratio")
	}

	if c.Loop.PollInterval <= 0 {
		return fmt.Errorf("loop.poll_interval must be > 0")
	}
	if c.Loop.MaxConsecutiveErrors <= 0 {
		return fmt.Errorf("loop.max_consecutive_errors must be > 0")
	}

	return nil
}
