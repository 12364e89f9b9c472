// Package engine 实现决策主循环：拉取 bar、喂窗口、评估策略、过风控、
// 递交订单、排干场所回报并对账。所有决策都在单一 goroutine 内顺序
// 执行，场所回报经有界队列进入，顺序由 (timestamp, sequence) 决定。
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"ebb/internal/execution"
	"ebb/internal/logger"
	"ebb/internal/market"
	"ebb/internal/portfolio"
	"ebb/internal/risk"
	"ebb/internal/strategy"
)

// EngineParams 聚合引擎依赖。Recorder 与 Symbols 可选，其余必填。
type EngineParams struct {
	Source   market.BarSource
	Strategy strategy.Strategy
	Risk     *risk.Manager
	Executor *execution.Executor
	Ledger   *portfolio.Ledger
	Venue    execution.VenueAdapter
	Recorder Recorder

	// Symbols 非空时只处理列出的 symbol，其余 bar 直接忽略。
	Symbols []string
}

// EngineStats 是循环的累计计数，状态接口与收尾日志用。
type EngineStats struct {
	Ticks        int64 `json:"ticks"`
	SkippedBars  int64 `json:"skipped_bars"`
	Signals      int64 `json:"signals"`
	Orders       int64 `json:"orders"`
	Rejections   int64 `json:"rejections"`
	FillsApplied int64 `json:"fills_applied"`
	Anomalies    int64 `json:"anomalies"`
}

// Engine 驱动 策略 → 风控 → 执行 → 组合回填 的闭环。
type Engine struct {
	source   market.BarSource
	strategy strategy.Strategy
	risk     *risk.Manager
	executor *execution.Executor
	ledger   *portfolio.Ledger
	venue    execution.VenueAdapter
	recorder Recorder
	barObs   execution.BarObserver

	allow     map[string]struct{}
	windows   map[string]*strategy.Window
	lastClose map[string]int64

	mu    sync.Mutex
	stats EngineStats
}

func NewEngine(p EngineParams) (*Engine, error) {
	if p.Source == nil {
		return nil, errors.New("engine: 缺少行情源")
	}
	if p.Strategy == nil {
		return nil, errors.New("engine: 缺少策略")
	}
	if p.Risk == nil {
		return nil, errors.New("engine: 缺少风控")
	}
	if p.Executor == nil {
		return nil, errors.New("engine: 缺少执行器")
	}
	if p.Ledger == nil {
		return nil, errors.New("engine: 缺少账本")
	}
	if p.Venue == nil {
		return nil, errors.New("engine: 缺少场所适配器")
	}

	allow := make(map[string]struct{}, len(p.Symbols))
	for _, sym := range p.Symbols {
		s := strings.ToUpper(strings.TrimSpace(sym))
		if s != "" {
			allow[s] = struct{}{}
		}
	}

	e := &Engine{
		source:    p.Source,
		strategy:  p.Strategy,
		risk:      p.Risk,
		executor:  p.Executor,
		ledger:    p.Ledger,
		venue:     p.Venue,
		recorder:  p.Recorder,
		allow:     allow,
		windows:   make(map[string]*strategy.Window),
		lastClose: make(map[string]int64),
	}
	if obs, ok := p.Venue.(execution.BarObserver); ok {
		e.barObs = obs
	}
	return e, nil
}

// Run 执行决策循环直到数据流结束或 ctx 取消。停止检查发生在两个
// tick 之间，当前 tick 一定完整走完，不会留下做了一半的决策。
func (e *Engine) Run(ctx context.Context) error {
	logger.Infof("[engine] 决策循环启动 strategy=%s lookback=%d venue=%s", e.strategy.Name(), e.strategy.Lookback(), e.venue.Name())
	for {
		if err := ctx.Err(); err != nil {
			logger.Infof("[engine] 收到停止信号，循环退出: %v", err)
			return err
		}
		bar, err := e.source.Next(ctx)
		if errors.Is(err, io.EOF) {
			st := e.Stats()
			logger.Infof("[engine] 数据流结束 ticks=%d skipped=%d orders=%d fills=%d anomalies=%d",
				st.Ticks, st.SkippedBars, st.Orders, st.FillsApplied, st.Anomalies)
			return nil
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("拉取行情失败: %w", err)
		}
		e.step(ctx, bar)
	}
}

// step 处理一根 bar。畸形或时间回退的 bar 跳过并记日志，决策时钟
// 不前进；正常 bar 依次走 窗口 → 策略 → 风控 → 递交 → 对账。
func (e *Engine) step(ctx context.Context, bar market.Bar) {
	if !bar.Valid() {
		logger.Warnf("[engine] 丢弃畸形 bar symbol=%q close_time=%d close=%v", bar.Symbol, bar.CloseTime, bar.Close)
		e.bump(func(s *EngineStats) { s.SkippedBars++ })
		return
	}
	sym := strings.ToUpper(bar.Symbol)
	if len(e.allow) > 0 {
		if _, ok := e.allow[sym]; !ok {
			logger.Debugf("[engine] 忽略未订阅 symbol=%s", sym)
			return
		}
	}
	if last, ok := e.lastClose[sym]; ok && bar.CloseTime <= last {
		logger.Warnf("[engine] 丢弃乱序 bar symbol=%s close_time=%d last=%d", sym, bar.CloseTime, last)
		e.bump(func(s *EngineStats) { s.SkippedBars++ })
		return
	}
	e.lastClose[sym] = bar.CloseTime

	w := e.windowFor(sym)
	w.Append(bar)
	e.ledger.SetMark(sym, bar.Close)

	sig := e.strategy.Evaluate(w.Bars())
	if sig.IsActionable() {
		e.bump(func(s *EngineStats) { s.Signals++ })
	}

	snap := e.ledger.Snapshot(bar.CloseTime)
	dec := e.risk.Evaluate(sig, snap)

	var order *execution.Order
	switch {
	case dec.Rejected():
		logger.Infof("[engine] 风控拒绝 symbol=%s reason=%s target=%v", sym, dec.Reason, sig.SignedQuantity())
		e.bump(func(s *EngineStats) { s.Rejections++ })
	case dec.Actionable():
		order = e.executor.Submit(ctx, dec, bar.CloseTime)
		if order != nil {
			e.bump(func(s *EngineStats) { s.Orders++ })
		}
	}

	if e.barObs != nil {
		e.barObs.OnBar(bar)
	}

	events := e.venue.Queue().Drain()
	execution.SortEvents(events)
	var fills []execution.Event
	var deltas []portfolio.Delta
	for _, ev := range events {
		delta, err := e.executor.Reconcile(ev)
		if err != nil {
			// 异常已由执行器落账并打错误日志，这里只留调试痕迹。
			logger.Debugf("[engine] 回报未入账 type=%s order=%s seq=%d: %v", ev.Type, ev.OrderID, ev.Sequence, err)
			continue
		}
		if ev.Type == execution.EventFill {
			fills = append(fills, ev)
			deltas = append(deltas, delta)
		}
	}
	if len(fills) > 0 {
		e.bump(func(s *EngineStats) { s.FillsApplied += int64(len(fills)) })
	}

	// 留痕要的是对账后的订单状态，不是递交瞬间的快照。
	if order != nil {
		if cur, ok := e.executor.Order(order.ID); ok {
			order = &cur
		}
	}

	anoms := e.executor.TakeAnomalies()
	if len(anoms) > 0 {
		e.bump(func(s *EngineStats) { s.Anomalies += int64(len(anoms)) })
	}

	e.bump(func(s *EngineStats) { s.Ticks++ })

	if e.recorder != nil {
		rec := TickRecord{
			Bar:       bar,
			Signal:    sig,
			Decision:  dec,
			Order:     order,
			Fills:     fills,
			Deltas:    deltas,
			Anomalies: anoms,
			Snapshot:  e.ledger.Snapshot(bar.CloseTime),
		}
		if err := e.recorder.RecordTick(ctx, rec); err != nil {
			logger.Warnf("[engine] 记录 tick 失败 symbol=%s close_time=%d: %v", sym, bar.CloseTime, err)
		}
	}
}

// Stats 返回统计快照，可与 Run 并发调用。
func (e *Engine) Stats() EngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *Engine) bump(fn func(*EngineStats)) {
	e.mu.Lock()
	fn(&e.stats)
	e.mu.Unlock()
}

func (e *Engine) windowFor(symbol string) *strategy.Window {
	w, ok := e.windows[symbol]
	if !ok {
		w = strategy.NewWindow(e.strategy.Lookback())
		e.windows[symbol] = w
	}
	return w
}
