package app

import (
	"context"
	"fmt"
	"os"
	"sort"

	"ebb/internal/backtest"
	brcfg "ebb/internal/config"
	"ebb/internal/logger"
	"ebb/internal/market"
	"ebb/internal/profile"
	"ebb/internal/risk"
	"ebb/internal/store/audit"
	backtesthttp "ebb/internal/transport/http/backtest"
	livehttp "ebb/internal/transport/http/live"
)

// AppBuilder 按配置逐层组装应用。函数字段都可被选项替换，
// 缺省实现即生产路径，测试用替身注入。
type AppBuilder struct {
	cfg *brcfg.Config

	profilesFn func(brcfg.StrategyConfig) (profileSetup, error)
	fetcherFn  func(brcfg.BinanceConfig) (market.HistoryFetcher, error)
}

// profileSetup 聚合档案解析器及其来源描述，启动摘要用。
type profileSetup struct {
	resolver backtest.ProfileResolver
	names    []string
	source   string
}

type AppBuilderOption func(*AppBuilder)

// WithProfileResolver 替换档案解析器。
func WithProfileResolver(r backtest.ProfileResolver, names ...string) AppBuilderOption {
	return func(b *AppBuilder) {
		b.profilesFn = func(brcfg.StrategyConfig) (profileSetup, error) {
			return profileSetup{resolver: r, names: names, source: "override"}, nil
		}
	}
}

// WithHistoryFetcher 替换历史行情抓取器，测试里避免真实出网。
func WithHistoryFetcher(f market.HistoryFetcher) AppBuilderOption {
	return func(b *AppBuilder) {
		b.fetcherFn = func(brcfg.BinanceConfig) (market.HistoryFetcher, error) {
			return f, nil
		}
	}
}

func NewAppBuilder(cfg *brcfg.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:        cfg,
		profilesFn: loadProfiles,
		fetcherFn:  buildBinanceFetcher,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// loadProfiles 优先用档案文件（带热更新），文件不存在退回内置档案。
func loadProfiles(cfg brcfg.StrategyConfig) (profileSetup, error) {
	if path := cfg.ProfilesPath; path != "" {
		if _, err := os.Stat(path); err == nil {
			reg, err := profile.NewRegistry(path)
			if err != nil {
				return profileSetup{}, fmt.Errorf("加载策略档案失败: %w", err)
			}
			return profileSetup{resolver: reg, names: reg.Names(), source: path}, nil
		}
		logger.Warnf("策略档案 %s 不存在，使用内置档案", path)
	}
	static := profile.Defaults()
	names := make([]string, 0, len(static))
	for id := range static {
		names = append(names, id)
	}
	sort.Strings(names)
	return profileSetup{resolver: static, names: names, source: "builtin"}, nil
}

func buildBinanceFetcher(cfg brcfg.BinanceConfig) (market.HistoryFetcher, error) {
	return market.NewBinanceFetcher(market.BinanceConfig{
		RESTBaseURL:  cfg.RESTBaseURL,
		HTTPTimeout:  cfg.Timeout(),
		ProxyEnabled: cfg.ProxyURL != "",
		ProxyURL:     cfg.ProxyURL,
	})
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)

	profiles, err := b.profilesFn(cfg.Strategy)
	if err != nil {
		return nil, err
	}
	logger.Infof("✓ 策略档案就绪 source=%s profiles=%v", profiles.source, profiles.names)

	results, err := backtest.NewResultStore(cfg.Store.ResultsDir)
	if err != nil {
		return nil, fmt.Errorf("打开回放结果库失败: %w", err)
	}
	cache, err := market.NewCache(cfg.Data.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("打开行情缓存失败: %w", err)
	}
	fetcher, err := b.fetcherFn(cfg.Data.Binance)
	if err != nil {
		return nil, fmt.Errorf("构建行情抓取器失败: %w", err)
	}
	prefetch, err := market.NewPrefetchService(market.PrefetchConfig{
		Cache:           cache,
		Fetcher:         fetcher,
		RateLimitPerMin: cfg.Data.Binance.RateLimitPerMin,
		MaxBatch:        cfg.Data.Binance.MaxBatch,
	})
	if err != nil {
		return nil, fmt.Errorf("构建预取服务失败: %w", err)
	}
	logger.Infof("✓ 行情缓存就绪 dir=%s fetcher=%s", cfg.Data.CacheDir, fetcher.Name())

	svc, err := backtest.NewService(backtest.ServiceConfig{
		Store:    results,
		Profiles: profiles.resolver,
		Cache:    cache,
		Prefetch: prefetch,
		DataDir:  cfg.Data.Dir,
		Defaults: backtest.RunDefaults{
			Profile:     cfg.Strategy.Profile,
			Interval:    cfg.Engine.Interval,
			InitialCash: cfg.Engine.InitialCash,
			FeeRate:     cfg.Venue.FeeRate,
			SlippageBps: cfg.Venue.SlippageBps,
			Bars:        cfg.Data.Bars,
			Limits:      riskLimits(cfg.Risk),
		},
		MaxConcurrent: cfg.HTTP.MaxConcurrentRuns,
	})
	if err != nil {
		return nil, fmt.Errorf("构建回放服务失败: %w", err)
	}

	auditStore, err := audit.Open(cfg.Store.AuditPath)
	if err != nil {
		return nil, fmt.Errorf("打开审计库失败: %w", err)
	}
	logger.Infof("✓ 存储就绪 results=%s audit=%s", cfg.Store.ResultsDir, cfg.Store.AuditPath)

	var server *backtesthttp.Server
	if cfg.HTTP.Enabled {
		server, err = backtesthttp.NewServer(backtesthttp.Config{
			Addr:            cfg.HTTP.Addr,
			Svc:             svc,
			Prefetch:        prefetch,
			Cache:           cache,
			Live:            livehttp.NewRouter(auditStore),
			EquityMaxPoints: cfg.Report.EquityMaxPoints,
			DisableChartPNG: !cfg.Report.ChartPNG,
		})
		if err != nil {
			return nil, fmt.Errorf("构建 HTTP 服务失败: %w", err)
		}
		logger.Infof("✓ HTTP 服务就绪 addr=%s", server.Addr())
	}

	var session *PaperSession
	if cfg.Engine.Mode == brcfg.ModePaper {
		session = NewPaperSession(PaperSessionParams{
			Config:   cfg,
			Store:    auditStore,
			Profiles: profiles.resolver,
			Cache:    cache,
			Prefetch: prefetch,
		})
		logger.Infof("✓ 纸面会话就绪 id=%s symbols=%v", session.ID(), cfg.Engine.Symbols)
	}

	return &App{
		cfg:      cfg,
		server:   server,
		session:  session,
		svc:      svc,
		prefetch: prefetch,
		results:  results,
		cache:    cache,
		audit:    auditStore,
		Summary:  buildSummary(cfg, profiles, server),
	}, nil
}

func riskLimits(cfg brcfg.RiskConfig) risk.Limits {
	return risk.Limits{
		MaxPositionSize:  cfg.MaxPositionSize,
		MaxGrossExposure: cfg.MaxGrossExposure,
		MaxOrderQuantity: cfg.MaxOrderQuantity,
		MarginEnabled:    cfg.MarginEnabled,
	}
}

func buildSummary(cfg *brcfg.Config, profiles profileSetup, server *backtesthttp.Server) *StartupSummary {
	sum := &StartupSummary{
		Mode:          cfg.Engine.Mode,
		Symbols:       cfg.Engine.Symbols,
		Interval:      cfg.Engine.Interval,
		InitialCash:   cfg.Engine.InitialCash,
		Profile:       cfg.Strategy.Profile,
		ProfileSource: profiles.source,
		ProfileNames:  profiles.names,
		DataSource:    cfg.Data.Source,
		ResultsDir:    cfg.Store.ResultsDir,
		AuditPath:     cfg.Store.AuditPath,
	}
	if server != nil {
		sum.HTTPAddr = server.Addr()
	}
	return sum
}
