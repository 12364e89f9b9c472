package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"ebb/internal/backtest"
	brcfg "ebb/internal/config"
	"ebb/internal/engine"
	"ebb/internal/execution"
	"ebb/internal/gateway/paper"
	"ebb/internal/logger"
	"ebb/internal/market"
	"ebb/internal/pkg/circuit"
	"ebb/internal/portfolio"
	"ebb/internal/risk"
	"ebb/internal/store/audit"
	"ebb/internal/strategy"

	"github.com/google/uuid"
)

// PaperSession 是常驻的纸面实盘会话：按配置的数据源连续喂引擎，
// 决策留痕写入审计库，/api/live 可回看。
type PaperSession struct {
	cfg      *brcfg.Config
	store    *audit.Store
	profiles backtest.ProfileResolver
	cache    *market.Cache
	prefetch *market.PrefetchService

	id string
}

// PaperSessionParams 聚合会话依赖。
type PaperSessionParams struct {
	Config   *brcfg.Config
	Store    *audit.Store
	Profiles backtest.ProfileResolver
	Cache    *market.Cache
	Prefetch *market.PrefetchService
}

func NewPaperSession(p PaperSessionParams) *PaperSession {
	return &PaperSession{
		cfg:      p.Config,
		store:    p.Store,
		profiles: p.Profiles,
		cache:    p.Cache,
		prefetch: p.Prefetch,
		id:       uuid.NewString(),
	}
}

// ID 返回会话标识，审计库与 /api/live 以它定位会话。
func (s *PaperSession) ID() string { return s.id }

// Run 组装 行情源 → 策略 → 风控 → 纸面场所 → 引擎 并跑到数据耗尽或
// ctx 取消。终态与统计快照写回审计库；操作员主动停止不算错误。
func (s *PaperSession) Run(ctx context.Context) error {
	cfg := s.cfg
	spec, err := s.profiles.Resolve(cfg.Strategy.Profile)
	if err != nil {
		return fmt.Errorf("profile %q 无法解析: %w", cfg.Strategy.Profile, err)
	}
	strat, err := strategy.New(spec)
	if err != nil {
		return err
	}
	riskMgr, err := risk.NewManager(riskLimits(cfg.Risk))
	if err != nil {
		return err
	}

	source, err := s.buildSource(ctx)
	if err != nil {
		return err
	}
	defer source.Close()

	ledger := portfolio.NewLedger(cfg.Engine.InitialCash)
	venue := paper.NewVenue(paper.Config{
		AckDelayTicks:  cfg.Venue.AckDelayTicks,
		FillDelayTicks: cfg.Venue.FillDelayTicks,
		PartialSplits:  cfg.Venue.PartialSplits,
		SlippageBps:    cfg.Venue.SlippageBps,
		FeeRate:        cfg.Venue.FeeRate,
		QueueCapacity:  cfg.Venue.QueueCapacity,
	})
	breaker := circuit.NewCircuitBreaker("paper-"+s.id[:8], cfg.Venue.BreakerThreshold, cfg.Venue.BreakerCooldown())
	exec, err := execution.NewExecutor(execution.ExecutorParams{
		Venue:  venue,
		Ledger: ledger,
		Policy: execution.SubmitPolicy{
			AttemptTimeout: cfg.Venue.SubmitTimeout(),
			MaxRetries:     cfg.Venue.MaxRetries,
		},
		Breaker:  breaker,
		LotStep:  cfg.Venue.LotStep,
		IDPrefix: "pp",
	})
	if err != nil {
		return err
	}

	if err := s.store.StartSession(ctx, audit.Session{
		ID:      s.id,
		Mode:    cfg.Engine.Mode,
		Profile: cfg.Strategy.Profile,
		Symbols: cfg.Engine.Symbols,
	}); err != nil {
		return fmt.Errorf("登记会话失败: %w", err)
	}
	recorder := audit.NewSessionRecorder(s.store, s.id)

	eng, err := engine.NewEngine(engine.EngineParams{
		Source:   source,
		Strategy: strat,
		Risk:     riskMgr,
		Executor: exec,
		Ledger:   ledger,
		Venue:    venue,
		Recorder: recorder,
		Symbols:  cfg.Engine.Symbols,
	})
	if err != nil {
		return err
	}

	logger.Infof("[paper] 会话 %s 启动 symbols=%v interval=%s profile=%s source=%s",
		s.id, cfg.Engine.Symbols, cfg.Engine.Interval, cfg.Strategy.Profile, cfg.Data.Source)
	runErr := eng.Run(ctx)

	// 收尾统一走独立 ctx：停机路径上原 ctx 多半已经取消。
	final := context.Background()
	if err := recorder.SyncOrders(final, exec.Orders()); err != nil {
		logger.Warnf("[paper] 会话 %s 刷新订单失败: %v", s.id, err)
	}

	status := audit.SessionFinished
	message := ""
	switch {
	case runErr == nil:
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
		status = audit.SessionStopped
		runErr = nil
	default:
		status = audit.SessionFailed
		message = runErr.Error()
	}

	stats := sessionStats{
		EngineStats:    eng.Stats(),
		DuplicateFills: exec.DuplicateFills(),
		FinalEquity:    ledger.Snapshot(time.Now().UnixMilli()).Equity,
	}
	if err := s.store.FinishSession(final, s.id, status, message, stats); err != nil {
		logger.Warnf("[paper] 会话 %s 收尾落库失败: %v", s.id, err)
	}
	logger.Infof("[paper] 会话 %s 结束 status=%s ticks=%d orders=%d fills=%d",
		s.id, status, stats.Ticks, stats.Orders, stats.FillsApplied)
	return runErr
}

// sessionStats 是写进审计库的统计快照。
type sessionStats struct {
	engine.EngineStats
	DuplicateFills int64   `json:"duplicate_fills"`
	FinalEquity    float64 `json:"final_equity"`
}

// buildSource 为每个 symbol 建一路行情源，多路按时间归并。
func (s *PaperSession) buildSource(ctx context.Context) (market.BarSource, error) {
	symbols := s.cfg.Engine.Symbols
	sources := make([]market.BarSource, 0, len(symbols))
	for i, sym := range symbols {
		src, err := s.symbolSource(ctx, sym, int64(i))
		if err != nil {
			for _, opened := range sources {
				opened.Close()
			}
			return nil, err
		}
		sources = append(sources, src)
	}
	if len(sources) == 1 {
		return sources[0], nil
	}
	return market.NewMergeSource(sources...), nil
}

func (s *PaperSession) symbolSource(ctx context.Context, symbol string, seedOffset int64) (market.BarSource, error) {
	data := s.cfg.Data
	interval := s.cfg.Engine.Interval
	switch data.Source {
	case "synthetic":
		return market.NewSyntheticSource(market.SyntheticConfig{
			Symbol:   symbol,
			Interval: interval,
			Bars:     data.Bars,
			// 每路错开种子，免得多 symbol 走出同一条价格。
			Seed: data.Seed + seedOffset,
		}), nil
	case "csv":
		return market.NewCSVSource(s.resolvePath(data.Path), symbol, interval)
	case "jsonl":
		return market.NewJSONLSource(s.resolvePath(data.Path), symbol, interval)
	case "binance":
		step, ok := market.ParseInterval(interval)
		if !ok {
			return nil, fmt.Errorf("不认识的 interval: %s", interval)
		}
		bars := data.Bars
		if bars <= 0 {
			bars = 500
		}
		end := time.Now().Truncate(step)
		start := end.Add(-time.Duration(bars) * step)
		if err := s.prefetch.EnsureRange(ctx, symbol, interval, start.UnixMilli(), end.UnixMilli()); err != nil {
			return nil, fmt.Errorf("补齐缓存失败: %w", err)
		}
		return s.cache.SourceForRange(ctx, symbol, interval, start.UnixMilli(), end.UnixMilli())
	default:
		return nil, fmt.Errorf("未知数据源: %s", data.Source)
	}
}

func (s *PaperSession) resolvePath(path string) string {
	if filepath.IsAbs(path) || s.cfg.Data.Dir == "" {
		return path
	}
	return filepath.Join(s.cfg.Data.Dir, path)
}
