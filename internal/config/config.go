package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

type SignalCfg struct {
	StrategyVersion string  `yaml:"strategy_version"`
	LookbackDays    int     `yaml:"lookback_days"`
	EWMALambda      float64 `yaml:"ewma_lambda"`
	TargetVol       float64 `yaml:"target_vol"`
	MaxWeight       float64 `yaml:"max_weight"` // clamp against near-zero vol blow-up
}

type OptimizerCfg struct {
	SingleCap         float64 `yaml:"single_cap"`
	GrossCap          float64 `yaml:"gross_cap"`
	DrawdownThreshold float64 `yaml:"drawdown_threshold"`
	DeriskFactor      float64 `yaml:"derisk_factor"`
	BarrierTimeoutMs  int     `yaml:"barrier_timeout_ms"`
	MaxOpenDates      int     `yaml:"max_open_dates"`
}

type OrdersCfg struct {
	MinNotionalMode  string  `yaml:"min_notional_mode"` // "fixed" | "nav_scaled"
	MinNotionalUSD   float64 `yaml:"min_notional_usd"`
	MinNotionalPct   float64 `yaml:"min_notional_pct"` // of NAV, for nav_scaled mode
	FractionalShares bool    `yaml:"fractional_shares"`
	AllowShort       bool    `yaml:"allow_short"`
	TimeInForce      string  `yaml:"time_in_force"`
	CancelOnKill     bool    `yaml:"cancel_on_kill"`
}

type ConsumerCfg struct {
	MaxBatch            int `yaml:"max_batch"`
	MaxRetries          int `yaml:"max_retries"`
	BackoffBaseMs       int `yaml:"backoff_base_ms"`
	BackoffMaxMs        int `yaml:"backoff_max_ms"`
	PollIntervalMs      int `yaml:"poll_interval_ms"`
	VisibilityTimeoutMs int `yaml:"visibility_timeout_ms"`
}

type PaperCfg struct {
	SlippageBpsMin int     `yaml:"slippage_bps_min"`
	SlippageBpsMax int     `yaml:"slippage_bps_max"`
	LatencyMsMin   int     `yaml:"latency_ms_min"`
	LatencyMsMax   int     `yaml:"latency_ms_max"`
	CommissionPerShare float64 `yaml:"commission_per_share"`
	CommissionMin      float64 `yaml:"commission_min"`
	PartialFillProb    float64 `yaml:"partial_fill_prob"`
}

type LiveCfg struct {
	BaseURL       string `yaml:"base_url"`
	StreamURL     string `yaml:"stream_url"`
	APIKey        string `yaml:"api_key"`
	TimeoutMs     int    `yaml:"timeout_ms"`
	RatePerSecond int    `yaml:"rate_per_second"`
	RateBurst     int    `yaml:"rate_burst"`
}

type LedgerCfg struct {
	PortfolioID       string  `yaml:"portfolio_id"`
	InitialCash       float64 `yaml:"initial_cash"`
	KillDrawdown      float64 `yaml:"kill_drawdown"` // daily-loss kill switch, tighter than derisk
	StatePath         string  `yaml:"state_path"`
	FillsJournalPath  string  `yaml:"fills_journal_path"`
}

type MonitorCfg struct {
	StalenessWindowMs int    `yaml:"staleness_window_ms"`
	CheckIntervalMs   int    `yaml:"check_interval_ms"`
	SlackWebhookURL   string `yaml:"slack_webhook_url"`
}

type Root struct {
	TradingMode   string       `yaml:"trading_mode"` // paper | live
	Universe      []string     `yaml:"universe"`
	Signal        SignalCfg    `yaml:"signal"`
	Optimizer     OptimizerCfg `yaml:"optimizer"`
	Orders        OrdersCfg    `yaml:"orders"`
	Consumer      ConsumerCfg  `yaml:"consumer"`
	Paper         PaperCfg     `yaml:"paper"`
	Live          LiveCfg      `yaml:"live"`
	Ledger        LedgerCfg    `yaml:"ledger"`
	Monitor       MonitorCfg   `yaml:"monitor"`
	OutboxPath    string       `yaml:"outbox_path"`
	KillStatePath string       `yaml:"kill_state_path"`
	MetricsAddr   string       `yaml:"metrics_addr"`
}

func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	ApplyDefaults(&c)
	return c, nil
}

// ApplyDefaults fills zero values with the documented defaults.
func ApplyDefaults(c *Root) {
	if c.TradingMode == "" {
		c.TradingMode = "paper"
	}
	if c.Signal.StrategyVersion == "" {
		c.Signal.StrategyVersion = "tsmom-v1"
	}
	if c.Signal.LookbackDays == 0 {
		c.Signal.LookbackDays = 126
	}
	if c.Signal.EWMALambda == 0 {
		c.Signal.EWMALambda = 0.94
	}
	if c.Signal.TargetVol == 0 {
		c.Signal.TargetVol = 0.10
	}
	if c.Signal.MaxWeight == 0 {
		c.Signal.MaxWeight = 4.0
	}
	if c.Optimizer.SingleCap == 0 {
		c.Optimizer.SingleCap = 0.35
	}
	if c.Optimizer.GrossCap == 0 {
		c.Optimizer.GrossCap = 1.50
	}
	if c.Optimizer.DrawdownThreshold == 0 {
		c.Optimizer.DrawdownThreshold = 0.10
	}
	if c.Optimizer.DeriskFactor == 0 {
		c.Optimizer.DeriskFactor = 0.5
	}
	if c.Optimizer.BarrierTimeoutMs == 0 {
		c.Optimizer.BarrierTimeoutMs = 30000
	}
	if c.Optimizer.MaxOpenDates == 0 {
		c.Optimizer.MaxOpenDates = 5
	}
	if c.Orders.MinNotionalMode == "" {
		c.Orders.MinNotionalMode = "fixed"
	}
	if c.Orders.MinNotionalUSD == 0 {
		c.Orders.MinNotionalUSD = 100
	}
	if c.Orders.MinNotionalPct == 0 {
		c.Orders.MinNotionalPct = 0.001
	}
	if c.Orders.TimeInForce == "" {
		c.Orders.TimeInForce = "day"
	}
	if c.Consumer.MaxBatch == 0 {
		c.Consumer.MaxBatch = 32
	}
	if c.Consumer.MaxRetries == 0 {
		c.Consumer.MaxRetries = 3
	}
	if c.Consumer.BackoffBaseMs == 0 {
		c.Consumer.BackoffBaseMs = 100
	}
	if c.Consumer.BackoffMaxMs == 0 {
		c.Consumer.BackoffMaxMs = 5000
	}
	if c.Consumer.PollIntervalMs == 0 {
		c.Consumer.PollIntervalMs = 250
	}
	if c.Consumer.VisibilityTimeoutMs == 0 {
		c.Consumer.VisibilityTimeoutMs = 30000
	}
	if c.Paper.SlippageBpsMin == 0 {
		c.Paper.SlippageBpsMin = 1
	}
	if c.Paper.SlippageBpsMax == 0 {
		c.Paper.SlippageBpsMax = 5
	}
	if c.Paper.LatencyMsMin == 0 {
		c.Paper.LatencyMsMin = 10
	}
	if c.Paper.LatencyMsMax == 0 {
		c.Paper.LatencyMsMax = 50
	}
	if c.Paper.CommissionPerShare == 0 {
		c.Paper.CommissionPerShare = 0.005
	}
	if c.Paper.CommissionMin == 0 {
		c.Paper.CommissionMin = 1.0
	}
	if c.Live.TimeoutMs == 0 {
		c.Live.TimeoutMs = 5000
	}
	if c.Live.RatePerSecond == 0 {
		c.Live.RatePerSecond = 5
	}
	if c.Live.RateBurst == 0 {
		c.Live.RateBurst = 10
	}
	if c.Ledger.PortfolioID == "" {
		c.Ledger.PortfolioID = "default"
	}
	if c.Ledger.InitialCash == 0 {
		c.Ledger.InitialCash = 1_000_000
	}
	if c.Ledger.KillDrawdown == 0 {
		c.Ledger.KillDrawdown = 0.05
	}
	if c.Ledger.StatePath == "" {
		c.Ledger.StatePath = "data/ledger_state.json"
	}
	if c.Ledger.FillsJournalPath == "" {
		c.Ledger.FillsJournalPath = "data/fills.jsonl"
	}
	if c.Monitor.StalenessWindowMs == 0 {
		c.Monitor.StalenessWindowMs = 120000
	}
	if c.Monitor.CheckIntervalMs == 0 {
		c.Monitor.CheckIntervalMs = 10000
	}
	if c.OutboxPath == "" {
		c.OutboxPath = "data/orders.jsonl"
	}
	if c.KillStatePath == "" {
		c.KillStatePath = "data/kill_switch.json"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":8092"
	}
}
