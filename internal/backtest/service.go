package backtest

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"ebb/internal/engine"
	"ebb/internal/execution"
	"ebb/internal/gateway/paper"
	"ebb/internal/logger"
	"ebb/internal/market"
	"ebb/internal/pkg/circuit"
	"ebb/internal/portfolio"
	"ebb/internal/risk"
	"ebb/internal/strategy"

	"github.com/google/uuid"
)

// ProfileResolver 把 profile 名解析成策略配置。由 profile 包实现，
// 这里只依赖接口，避免回放服务绑死热加载细节。
type ProfileResolver interface {
	Resolve(name string) (strategy.Spec, error)
}

// RunDefaults 是 RunRequest 留空字段的补齐值。
type RunDefaults struct {
	Profile     string
	Interval    string
	InitialCash float64
	FeeRate     float64
	SlippageBps float64
	Bars        int
	Limits      risk.Limits
}

func (d RunDefaults) withDefaults() RunDefaults {
	if d.Profile == "" {
		d.Profile = "ma-fast"
	}
	if d.Interval == "" {
		d.Interval = "1m"
	}
	if d.InitialCash <= 0 {
		d.InitialCash = 10_000
	}
	if d.FeeRate < 0 {
		d.FeeRate = 0
	}
	if d.Bars <= 0 {
		d.Bars = 500
	}
	if d.Limits == (risk.Limits{}) {
		d.Limits = risk.Limits{
			MaxPositionSize:  100,
			MaxGrossExposure: 1_000_000,
			MaxOrderQuantity: 100,
		}
	}
	return d
}

// ServiceConfig 配置回放服务。
type ServiceConfig struct {
	Store    *ResultStore
	Profiles ProfileResolver

	// Cache/Prefetch 支撑 binance 数据源：先补缺口再从缓存回放。
	Cache    *market.Cache
	Prefetch *market.PrefetchService

	// DataDir 是 csv/jsonl 相对路径的根目录。
	DataDir string

	Defaults      RunDefaults
	MaxConcurrent int
}

// Service 负责接收回放请求、占位落库、后台跑完并回写结果。
type Service struct {
	store    *ResultStore
	profiles ProfileResolver
	cache    *market.Cache
	prefetch *market.PrefetchService
	dataDir  string
	defaults RunDefaults

	sem     chan struct{}
	baseCtx context.Context
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("result store 不能为空")
	}
	if cfg.Profiles == nil {
		return nil, fmt.Errorf("profile resolver 不能为空")
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &Service{
		store:    cfg.Store,
		profiles: cfg.Profiles,
		cache:    cfg.Cache,
		prefetch: cfg.Prefetch,
		dataDir:  cfg.DataDir,
		defaults: cfg.Defaults.withDefaults(),
		sem:      make(chan struct{}, maxConcurrent),
		baseCtx:  context.Background(),
	}, nil
}

// SetContext 注入宿主 ctx，用于任务取消。
func (s *Service) SetContext(ctx context.Context) {
	if ctx != nil {
		s.baseCtx = ctx
	}
}

func (s *Service) ctx() context.Context {
	if s.baseCtx == nil {
		return context.Background()
	}
	return s.baseCtx
}

// StartRun 校验请求、落一条 pending 记录，然后后台执行。
func (s *Service) StartRun(req RunRequest) (Run, error) {
	cfg, err := s.normalize(req)
	if err != nil {
		return Run{}, err
	}
	run := Run{
		ID:          uuid.NewString(),
		Symbol:      cfg.Symbol,
		Profile:     cfg.Profile,
		Status:      RunStatusPending,
		Interval:    cfg.Interval,
		StartTS:     cfg.StartTS,
		EndTS:       cfg.EndTS,
		InitialCash: cfg.InitialCash,
		Config:      cfg,
	}
	if err := s.store.InsertRun(s.ctx(), run); err != nil {
		return Run{}, fmt.Errorf("落库 run 失败: %w", err)
	}
	logger.Infof("[backtest] run %s 提交：%s %s profile=%s source=%s cash=%.2f",
		run.ID, cfg.Symbol, cfg.Interval, cfg.Profile, cfg.Source, cfg.InitialCash)
	go s.execute(run.ID, cfg)
	return run, nil
}

func (s *Service) normalize(req RunRequest) (RunConfig, error) {
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		return RunConfig{}, fmt.Errorf("symbol 不能为空")
	}
	profile := strings.TrimSpace(req.Profile)
	if profile == "" {
		profile = s.defaults.Profile
	}
	if _, err := s.profiles.Resolve(profile); err != nil {
		return RunConfig{}, fmt.Errorf("profile %q 无法解析: %w", profile, err)
	}
	interval := strings.TrimSpace(req.Interval)
	if interval == "" {
		interval = s.defaults.Interval
	}
	if _, ok := market.ParseInterval(interval); !ok {
		return RunConfig{}, fmt.Errorf("不认识的 interval: %s", interval)
	}
	source := strings.ToLower(strings.TrimSpace(req.Source))
	if source == "" {
		source = SourceSynthetic
	}
	switch source {
	case SourceSynthetic:
	case SourceCSV, SourceJSONL:
		if strings.TrimSpace(req.SourcePath) == "" {
			return RunConfig{}, fmt.Errorf("%s 数据源需要 source_path", source)
		}
	case SourceBinance:
		if s.cache == nil {
			return RunConfig{}, fmt.Errorf("未配置行情缓存，binance 数据源不可用")
		}
		if req.StartTS <= 0 || req.EndTS <= req.StartTS {
			return RunConfig{}, fmt.Errorf("binance 数据源需要 start_ts < end_ts")
		}
	default:
		return RunConfig{}, fmt.Errorf("未知数据源: %s", req.Source)
	}

	cfg := RunConfig{
		Profile:        profile,
		Symbol:         symbol,
		Interval:       interval,
		StartTS:        req.StartTS,
		EndTS:          req.EndTS,
		InitialCash:    req.InitialCash,
		Source:         source,
		SourcePath:     strings.TrimSpace(req.SourcePath),
		Seed:           req.Seed,
		Bars:           req.Bars,
		FeeRate:        req.FeeRate,
		SlippageBps:    req.SlippageBps,
		AckDelayTicks:  req.AckDelayTicks,
		FillDelayTicks: req.FillDelayTicks,
		PartialSplits:  req.PartialSplits,
		LotStep:        req.LotStep,
		Limits:         s.defaults.Limits,
	}
	if cfg.InitialCash <= 0 {
		cfg.InitialCash = s.defaults.InitialCash
	}
	if cfg.FeeRate == 0 {
		cfg.FeeRate = s.defaults.FeeRate
	}
	if cfg.SlippageBps == 0 {
		cfg.SlippageBps = s.defaults.SlippageBps
	}
	if cfg.Source == SourceSynthetic && cfg.Bars <= 0 {
		cfg.Bars = s.defaults.Bars
	}
	return cfg, nil
}

func (s *Service) execute(runID string, cfg RunConfig) {
	select {
	case s.sem <- struct{}{}:
	case <-s.ctx().Done():
		_ = s.store.UpdateRunStatus(context.Background(), runID, RunStatusFailed, "服务已关闭")
		return
	}
	defer func() { <-s.sem }()

	ctx := s.ctx()
	if err := s.store.UpdateRunStatus(ctx, runID, RunStatusRunning, ""); err != nil {
		logger.Warnf("[backtest] run %s 状态更新失败: %v", runID, err)
	}
	started := time.Now()
	if err := s.run(ctx, runID, cfg); err != nil {
		logger.Errorf("[backtest] run %s 失败: %v", runID, err)
		_ = s.store.UpdateRunStatus(context.Background(), runID, RunStatusFailed, err.Error())
		return
	}
	logger.Infof("[backtest] run %s 完成，用时 %s", runID, time.Since(started).Round(time.Millisecond))
}

// run 组装 行情源 → 策略 → 风控 → 纸面场所 → 引擎 并跑到数据耗尽。
func (s *Service) run(ctx context.Context, runID string, cfg RunConfig) error {
	source, err := s.buildSource(ctx, cfg)
	if err != nil {
		return err
	}
	defer source.Close()

	spec, err := s.profiles.Resolve(cfg.Profile)
	if err != nil {
		return fmt.Errorf("profile %q 无法解析: %w", cfg.Profile, err)
	}
	strat, err := strategy.New(spec)
	if err != nil {
		return err
	}
	riskMgr, err := risk.NewManager(cfg.Limits)
	if err != nil {
		return err
	}

	ledger := portfolio.NewLedger(cfg.InitialCash)
	venue := paper.NewVenue(paper.Config{
		AckDelayTicks:  cfg.AckDelayTicks,
		FillDelayTicks: cfg.FillDelayTicks,
		PartialSplits:  cfg.PartialSplits,
		SlippageBps:    cfg.SlippageBps,
		FeeRate:        cfg.FeeRate,
	})
	breaker := circuit.NewCircuitBreaker("paper-"+runID[:8], 5, 30*time.Second)
	exec, err := execution.NewExecutor(execution.ExecutorParams{
		Venue:    venue,
		Ledger:   ledger,
		Breaker:  breaker,
		LotStep:  cfg.LotStep,
		IDPrefix: "bt",
	})
	if err != nil {
		return err
	}
	recorder := NewStoreRecorder(s.store, runID, cfg.InitialCash)
	eng, err := engine.NewEngine(engine.EngineParams{
		Source:   source,
		Strategy: strat,
		Risk:     riskMgr,
		Executor: exec,
		Ledger:   ledger,
		Venue:    venue,
		Recorder: recorder,
		Symbols:  []string{cfg.Symbol},
	})
	if err != nil {
		return err
	}

	runErr := eng.Run(ctx)

	// 成交晚于下单 tick 的订单，终态只反映在执行器里，统一再刷一遍。
	for _, o := range exec.Orders() {
		if err := s.store.UpsertOrder(context.Background(), orderRecord(runID, o)); err != nil {
			logger.Warnf("[backtest] run %s 刷新订单 %s 失败: %v", runID, o.ID, err)
		}
	}

	summary := recorder.Finalize()
	stats := statsFromEngine(eng.Stats())
	stats.DuplicateFills = exec.DuplicateFills()
	stats.Trips = summary.RoundTrips
	stats.Wins = summary.Wins
	stats.Losses = summary.Losses
	stats.WinRate = summary.WinRate
	stats.MaxDrawdownPct = summary.MaxDrawdownPct
	stats.Snapshots = recorder.Snapshots()
	snap := ledger.Snapshot(cfg.EndTS)
	stats.FinalEquity = snap.Equity
	stats.Profit = snap.Equity - cfg.InitialCash
	if cfg.InitialCash > 0 {
		stats.ReturnPct = stats.Profit / cfg.InitialCash
	}
	stats.FinishedAt = time.Now()

	status := RunStatusDone
	message := ""
	if runErr != nil {
		status = RunStatusFailed
		message = runErr.Error()
	}
	if err := s.store.UpdateRunSummary(context.Background(), runID, status, stats, summary, message); err != nil {
		return fmt.Errorf("回写结果失败: %w", err)
	}
	return runErr
}

func (s *Service) buildSource(ctx context.Context, cfg RunConfig) (market.BarSource, error) {
	switch cfg.Source {
	case SourceSynthetic:
		syn := market.SyntheticConfig{
			Symbol:   cfg.Symbol,
			Interval: cfg.Interval,
			Bars:     cfg.Bars,
			Seed:     cfg.Seed,
		}
		if cfg.StartTS > 0 {
			syn.StartTime = timeFromMillis(cfg.StartTS)
		}
		return market.NewSyntheticSource(syn), nil
	case SourceCSV:
		return market.NewCSVSource(s.resolvePath(cfg.SourcePath), cfg.Symbol, cfg.Interval)
	case SourceJSONL:
		return market.NewJSONLSource(s.resolvePath(cfg.SourcePath), cfg.Symbol, cfg.Interval)
	case SourceBinance:
		if s.prefetch != nil {
			if err := s.prefetch.EnsureRange(ctx, cfg.Symbol, cfg.Interval, cfg.StartTS, cfg.EndTS); err != nil {
				return nil, fmt.Errorf("补齐缓存失败: %w", err)
			}
		}
		return s.cache.SourceForRange(ctx, cfg.Symbol, cfg.Interval, cfg.StartTS, cfg.EndTS)
	default:
		return nil, fmt.Errorf("未知数据源: %s", cfg.Source)
	}
}

func (s *Service) resolvePath(path string) string {
	if filepath.IsAbs(path) || s.dataDir == "" {
		return path
	}
	return filepath.Join(s.dataDir, path)
}

// GetRun 返回单个 run。
func (s *Service) GetRun(ctx context.Context, id string) (Run, error) {
	return s.store.GetRun(ctx, id)
}

// ListRuns 返回最近的 run 列表。
func (s *Service) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	return s.store.ListRuns(ctx, limit)
}

// Store 暴露结果库，HTTP 层读明细用。
func (s *Service) Store() *ResultStore { return s.store }
