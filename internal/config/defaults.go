package config

import "strings"

// 默认值常量
const (
	defaultAppEnv      = "dev"
	defaultAppLogLevel = "info"
	defaultAppLogPath  = "data/logs/ebb.log"

	defaultEngineMode     = "server"
	defaultEngineInterval = "1m"
	defaultEngineCash     = 10_000

	defaultRiskMaxPosition = 100
	defaultRiskMaxExposure = 1_000_000
	defaultRiskMaxOrder    = 100

	defaultStrategyProfile = "ma-fast"
	defaultProfilesPath    = "configs/profiles.yaml"

	defaultDataDir        = "data"
	defaultDataCacheDir   = "data/candles"
	defaultDataSource     = "synthetic"
	defaultDataBars       = 500
	defaultBinanceREST    = "https://fapi.binance.com"
	defaultBinanceTimeout = 15
	defaultBinanceRate    = 480
	defaultBinanceBatch   = 1000

	defaultVenueAckTicks    = 1
	defaultVenueFillTicks   = 1
	defaultVenueSplits      = 1
	defaultVenueFeeRate     = 0.0004
	defaultVenueQueue       = 256
	defaultVenueTimeout     = 5
	defaultVenueRetries     = 3
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30

	defaultStoreResultsDir = "data/db"
	defaultStoreAuditPath  = "data/db/audit.db"

	defaultHTTPAddr    = ":9991"
	defaultHTTPMaxRuns = 2

	defaultReportEquityMax = 5000
)

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Engine.applyDefaults(keys)
	c.Risk.applyDefaults(keys)
	c.Strategy.applyDefaults(keys)
	c.Data.applyDefaults(keys)
	c.Venue.applyDefaults(keys)
	c.Store.applyDefaults(keys)
	c.HTTP.applyDefaults(keys)
	c.Report.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
	)
}

func (e *EngineConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("engine.mode", &e.Mode, defaultEngineMode),
		stringFieldDefault("engine.interval", &e.Interval, defaultEngineInterval),
		fieldDefault{
			key:   "engine.initial_cash",
			need:  func() bool { return e.InitialCash <= 0 },
			apply: func() { e.InitialCash = defaultEngineCash },
		},
	)
	e.Symbols = normalizeSymbolList(e.Symbols)
}

func (r *RiskConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "risk.max_position_size",
			need:  func() bool { return r.MaxPositionSize <= 0 },
			apply: func() { r.MaxPositionSize = defaultRiskMaxPosition },
		},
		fieldDefault{
			key:   "risk.max_gross_exposure",
			need:  func() bool { return r.MaxGrossExposure <= 0 },
			apply: func() { r.MaxGrossExposure = defaultRiskMaxExposure },
		},
		fieldDefault{
			key:   "risk.max_order_quantity",
			need:  func() bool { return r.MaxOrderQuantity <= 0 },
			apply: func() { r.MaxOrderQuantity = defaultRiskMaxOrder },
		},
	)
}

func (s *StrategyConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("strategy.profile", &s.Profile, defaultStrategyProfile),
		stringFieldDefault("strategy.profiles_path", &s.ProfilesPath, defaultProfilesPath),
	)
}

func (d *DataConfig) applyDefaults(keys keySet) {
	if d == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("data.dir", &d.Dir, defaultDataDir),
		stringFieldDefault("data.cache_dir", &d.CacheDir, defaultDataCacheDir),
		stringFieldDefault("data.source", &d.Source, defaultDataSource),
		fieldDefault{
			key:   "data.bars",
			need:  func() bool { return d.Bars <= 0 },
			apply: func() { d.Bars = defaultDataBars },
		},
	)
	d.Source = strings.ToLower(strings.TrimSpace(d.Source))
	d.Binance.applyDefaults(keys)
}

func (b *BinanceConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("data.binance.rest_base_url", &b.RESTBaseURL, defaultBinanceREST),
		fieldDefault{
			key:   "data.binance.timeout_seconds",
			need:  func() bool { return b.TimeoutSeconds <= 0 },
			apply: func() { b.TimeoutSeconds = defaultBinanceTimeout },
		},
		fieldDefault{
			key:   "data.binance.rate_limit_per_min",
			need:  func() bool { return b.RateLimitPerMin <= 0 },
			apply: func() { b.RateLimitPerMin = defaultBinanceRate },
		},
		fieldDefault{
			key:   "data.binance.max_batch",
			need:  func() bool { return b.MaxBatch <= 0 },
			apply: func() { b.MaxBatch = defaultBinanceBatch },
		},
	)
	b.ProxyURL = strings.TrimSpace(b.ProxyURL)
}

func (v *VenueConfig) applyDefaults(keys keySet) {
	if v == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "venue.ack_delay_ticks",
			need:  func() bool { return v.AckDelayTicks <= 0 },
			apply: func() { v.AckDelayTicks = defaultVenueAckTicks },
		},
		fieldDefault{
			key:   "venue.fill_delay_ticks",
			need:  func() bool { return v.FillDelayTicks <= 0 },
			apply: func() { v.FillDelayTicks = defaultVenueFillTicks },
		},
		fieldDefault{
			key:   "venue.partial_splits",
			need:  func() bool { return v.PartialSplits <= 0 },
			apply: func() { v.PartialSplits = defaultVenueSplits },
		},
		fieldDefault{
			key:   "venue.fee_rate",
			need:  func() bool { return v.FeeRate <= 0 },
			apply: func() { v.FeeRate = defaultVenueFeeRate },
		},
		fieldDefault{
			key:   "venue.queue_capacity",
			need:  func() bool { return v.QueueCapacity <= 0 },
			apply: func() { v.QueueCapacity = defaultVenueQueue },
		},
		fieldDefault{
			key:   "venue.submit_timeout_seconds",
			need:  func() bool { return v.SubmitTimeoutSeconds <= 0 },
			apply: func() { v.SubmitTimeoutSeconds = defaultVenueTimeout },
		},
		fieldDefault{
			key:   "venue.max_retries",
			need:  func() bool { return v.MaxRetries <= 0 },
			apply: func() { v.MaxRetries = defaultVenueRetries },
		},
		fieldDefault{
			key:   "venue.breaker_threshold",
			need:  func() bool { return v.BreakerThreshold <= 0 },
			apply: func() { v.BreakerThreshold = defaultBreakerThreshold },
		},
		fieldDefault{
			key:   "venue.breaker_cooldown_seconds",
			need:  func() bool { return v.BreakerCooldownSeconds <= 0 },
			apply: func() { v.BreakerCooldownSeconds = defaultBreakerCooldown },
		},
	)
	if v.SlippageBps < 0 {
		v.SlippageBps = 0
	}
	if v.LotStep < 0 {
		v.LotStep = 0
	}
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("store.results_dir", &s.ResultsDir, defaultStoreResultsDir),
		stringFieldDefault("store.audit_path", &s.AuditPath, defaultStoreAuditPath),
	)
}

func (h *HTTPConfig) applyDefaults(keys keySet) {
	if h == nil {
		return
	}
	applyFieldDefaults(keys,
		boolFieldDefault("http.enabled", &h.Enabled, true),
		stringFieldDefault("http.addr", &h.Addr, defaultHTTPAddr),
		fieldDefault{
			key:   "http.max_concurrent_runs",
			need:  func() bool { return h.MaxConcurrentRuns <= 0 },
			apply: func() { h.MaxConcurrentRuns = defaultHTTPMaxRuns },
		},
	)
}

func (r *ReportConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		boolFieldDefault("report.chart_png", &r.ChartPNG, true),
		fieldDefault{
			key:   "report.equity_max_points",
			need:  func() bool { return r.EquityMaxPoints <= 0 },
			apply: func() { r.EquityMaxPoints = defaultReportEquityMax },
		},
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func normalizeSymbolList(symbols []string) []string {
	if len(symbols) == 0 {
		return nil
	}
	out := make([]string, 0, len(symbols))
	seen := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
