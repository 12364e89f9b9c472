package config

import (
	"fmt"
	"strings"
)

// validate 对配置进行基础校验。任何一条不过都视为致命配置错误，
// 直接中断装配。
func validate(c *Config) error {
	if err := c.App.validate(); err != nil {
		return err
	}
	if err := c.Engine.validate(); err != nil {
		return err
	}
	if err := c.Risk.validate(); err != nil {
		return err
	}
	if err := c.Strategy.validate(); err != nil {
		return err
	}
	if err := c.Data.validate(); err != nil {
		return err
	}
	if err := c.Venue.validate(); err != nil {
		return err
	}
	if err := c.Store.validate(); err != nil {
		return err
	}
	if err := c.HTTP.validate(); err != nil {
		return err
	}
	if err := c.Report.validate(); err != nil {
		return err
	}
	// 文件源一个路径只写一个 symbol 的行情，纸面会话多 symbol 时对不上。
	if c.Engine.Mode == ModePaper && len(c.Engine.Symbols) > 1 {
		switch c.Data.Source {
		case "csv", "jsonl":
			return fmt.Errorf("data.source=%s supports a single symbol in paper mode", c.Data.Source)
		}
	}
	return nil
}

func (a *AppConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(a.LogLevel)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("app.log_level must be one of debug/info/warn/error, got %q", a.LogLevel)
	}
	return nil
}

func (e *EngineConfig) validate() error {
	switch e.Mode {
	case ModeServer, ModePaper:
	default:
		return fmt.Errorf("engine.mode only supports 'server' or 'paper', got %q", e.Mode)
	}
	if !IsValidInterval(e.Interval) {
		return fmt.Errorf("engine.interval %q is not a valid interval", e.Interval)
	}
	if e.Mode == ModePaper && len(e.Symbols) == 0 {
		return fmt.Errorf("engine.symbols requires at least one symbol in paper mode")
	}
	if e.InitialCash <= 0 {
		return fmt.Errorf("engine.initial_cash must be > 0")
	}
	return nil
}

func (r *RiskConfig) validate() error {
	if r.MaxPositionSize <= 0 {
		return fmt.Errorf("risk.max_position_size must be > 0")
	}
	if r.MaxGrossExposure <= 0 {
		return fmt.Errorf("risk.max_gross_exposure must be > 0")
	}
	if r.MaxOrderQuantity <= 0 {
		return fmt.Errorf("risk.max_order_quantity must be > 0")
	}
	return nil
}

func (s *StrategyConfig) validate() error {
	if strings.TrimSpace(s.Profile) == "" {
		return fmt.Errorf("strategy.profile cannot be empty")
	}
	return nil
}

func (d *DataConfig) validate() error {
	switch d.Source {
	case "synthetic", "csv", "jsonl", "binance":
	default:
		return fmt.Errorf("data.source only supports synthetic/csv/jsonl/binance, got %q", d.Source)
	}
	if (d.Source == "csv" || d.Source == "jsonl") && strings.TrimSpace(d.Path) == "" {
		return fmt.Errorf("data.path cannot be empty when data.source=%s", d.Source)
	}
	if d.Bars < 0 {
		return fmt.Errorf("data.bars must be >= 0")
	}
	if strings.TrimSpace(d.Binance.RESTBaseURL) == "" {
		return fmt.Errorf("data.binance.rest_base_url cannot be empty")
	}
	if d.Binance.TimeoutSeconds <= 0 {
		return fmt.Errorf("data.binance.timeout_seconds must be > 0")
	}
	if d.Binance.RateLimitPerMin <= 0 {
		return fmt.Errorf("data.binance.rate_limit_per_min must be > 0")
	}
	if d.Binance.MaxBatch < 1 || d.Binance.MaxBatch > 1500 {
		return fmt.Errorf("data.binance.max_batch must be in [1,1500]")
	}
	return nil
}

func (v *VenueConfig) validate() error {
	if v.AckDelayTicks < 0 {
		return fmt.Errorf("venue.ack_delay_ticks must be >= 0")
	}
	if v.FillDelayTicks < 0 {
		return fmt.Errorf("venue.fill_delay_ticks must be >= 0")
	}
	if v.PartialSplits < 1 {
		return fmt.Errorf("venue.partial_splits must be >= 1")
	}
	if v.SlippageBps < 0 {
		return fmt.Errorf("venue.slippage_bps must be >= 0")
	}
	if v.FeeRate < 0 || v.FeeRate > 0.05 {
		return fmt.Errorf("venue.fee_rate must be in [0, 0.05]")
	}
	if v.LotStep < 0 {
		return fmt.Errorf("venue.lot_step must be >= 0")
	}
	if v.QueueCapacity < 1 {
		return fmt.Errorf("venue.queue_capacity must be >= 1")
	}
	if v.SubmitTimeoutSeconds < 1 {
		return fmt.Errorf("venue.submit_timeout_seconds must be >= 1")
	}
	if v.MaxRetries < 0 {
		return fmt.Errorf("venue.max_retries must be >= 0")
	}
	if v.BreakerThreshold < 1 {
		return fmt.Errorf("venue.breaker_threshold must be >= 1")
	}
	if v.BreakerCooldownSeconds < 1 {
		return fmt.Errorf("venue.breaker_cooldown_seconds must be >= 1")
	}
	return nil
}

func (s *StoreConfig) validate() error {
	if strings.TrimSpace(s.ResultsDir) == "" {
		return fmt.Errorf("store.results_dir cannot be empty")
	}
	if strings.TrimSpace(s.AuditPath) == "" {
		return fmt.Errorf("store.audit_path cannot be empty")
	}
	return nil
}

func (h *HTTPConfig) validate() error {
	if !h.Enabled {
		return nil
	}
	if strings.TrimSpace(h.Addr) == "" {
		return fmt.Errorf("http.addr cannot be empty when http is enabled")
	}
	if h.MaxConcurrentRuns < 1 {
		return fmt.Errorf("http.max_concurrent_runs must be >= 1")
	}
	return nil
}

func (r *ReportConfig) validate() error {
	if r.EquityMaxPoints < 100 {
		return fmt.Errorf("report.equity_max_points must be >= 100")
	}
	return nil
}

// IsValidInterval 简易校验：以数字开头，以 m/h/d/w 结尾
func IsValidInterval(s string) bool {
	if s == "" {
		return false
	}
	suf := s[len(s)-1]
	if suf != 'm' && suf != 'h' && suf != 'd' && suf != 'w' {
		return false
	}
	for i := 0; i < len(s)-1; i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
