package engine

import (
	"context"
	"io"
	"testing"

	"ebb/internal/execution"
	"ebb/internal/gateway/paper"
	"ebb/internal/market"
	"ebb/internal/portfolio"
	"ebb/internal/risk"
	"ebb/internal/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubStrategy 按脚本出信号：signals[i] 是第 i 次评估的结果，越界后恒 flat。
type stubStrategy struct {
	lookback int
	signals  []strategy.Signal
	calls    int
}

func (s *stubStrategy) Name() string  { return "stub" }
func (s *stubStrategy) Lookback() int { return s.lookback }

func (s *stubStrategy) Evaluate(bars []market.Bar) strategy.Signal {
	idx := s.calls
	s.calls++
	if idx < len(s.signals) {
		sig := s.signals[idx]
		if sig.Symbol == "" && len(bars) > 0 {
			sig.Symbol = bars[len(bars)-1].Symbol
		}
		return sig
	}
	sym := ""
	if len(bars) > 0 {
		sym = bars[len(bars)-1].Symbol
	}
	return strategy.Flat(sym)
}

func longSig(qty float64) strategy.Signal {
	return strategy.Signal{Direction: strategy.DirectionLong, TargetQuantity: qty}
}

func seqBars(symbol string, closes ...float64) []market.Bar {
	bars := make([]market.Bar, 0, len(closes))
	for i, c := range closes {
		open := int64(i) * 60_000
		bars = append(bars, market.Bar{
			Symbol:    symbol,
			OpenTime:  open,
			CloseTime: open + 60_000 - 1,
			Open:      c,
			High:      c,
			Low:       c,
			Close:     c,
			Volume:    1,
		})
	}
	return bars
}

type harness struct {
	engine   *Engine
	venue    *paper.Venue
	ledger   *portfolio.Ledger
	executor *execution.Executor
	records  []TickRecord
}

type harnessOptions struct {
	venueCfg paper.Config
	limits   risk.Limits
	cash     float64
	symbols  []string
}

func newHarness(t *testing.T, source market.BarSource, strat strategy.Strategy, opt harnessOptions) *harness {
	t.Helper()
	if opt.cash == 0 {
		opt.cash = 100_000
	}
	if opt.limits == (risk.Limits{}) {
		opt.limits = risk.Limits{
			MaxPositionSize:  1_000,
			MaxGrossExposure: 1e9,
			MaxOrderQuantity: 1_000,
			MarginEnabled:    true,
		}
	}
	h := &harness{
		venue:  paper.NewVenue(opt.venueCfg),
		ledger: portfolio.NewLedger(opt.cash),
	}
	exec, err := execution.NewExecutor(execution.ExecutorParams{
		Venue:  h.venue,
		Ledger: h.ledger,
	})
	require.NoError(t, err)
	h.executor = exec

	rm, err := risk.NewManager(opt.limits)
	require.NoError(t, err)

	eng, err := NewEngine(EngineParams{
		Source:   source,
		Strategy: strat,
		Risk:     rm,
		Executor: exec,
		Ledger:   h.ledger,
		Venue:    h.venue,
		Symbols:  opt.symbols,
		Recorder: RecorderFunc(func(ctx context.Context, rec TickRecord) error {
			h.records = append(h.records, rec)
			return nil
		}),
	})
	require.NoError(t, err)
	h.engine = eng
	return h
}

func TestNewEngine_Validation(t *testing.T) {
	src := market.NewSliceSource(nil)
	strat := &stubStrategy{lookback: 1}
	ledger := portfolio.NewLedger(1000)
	venue := paper.NewVenue(paper.Config{})
	exec, err := execution.NewExecutor(execution.ExecutorParams{Venue: venue, Ledger: ledger})
	require.NoError(t, err)
	rm, err := risk.NewManager(risk.Limits{MaxPositionSize: 1, MaxGrossExposure: 1, MaxOrderQuantity: 1})
	require.NoError(t, err)

	base := EngineParams{Source: src, Strategy: strat, Risk: rm, Executor: exec, Ledger: ledger, Venue: venue}

	_, err = NewEngine(base)
	require.NoError(t, err)

	cases := []struct {
		name   string
		mutate func(p EngineParams) EngineParams
	}{
		{"缺行情源", func(p EngineParams) EngineParams { p.Source = nil; return p }},
		{"缺策略", func(p EngineParams) EngineParams { p.Strategy = nil; return p }},
		{"缺风控", func(p EngineParams) EngineParams { p.Risk = nil; return p }},
		{"缺执行器", func(p EngineParams) EngineParams { p.Executor = nil; return p }},
		{"缺账本", func(p EngineParams) EngineParams { p.Ledger = nil; return p }},
		{"缺场所", func(p EngineParams) EngineParams { p.Venue = nil; return p }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewEngine(tc.mutate(base))
			assert.Error(t, err)
		})
	}
}

// 均线下穿触发做空，同步场所当根 bar 收盘价成交。
func TestEngine_CrossDrivesOrderAndFill(t *testing.T) {
	strat, err := strategy.New(strategy.Spec{
		Kind:   strategy.KindMACross,
		Params: map[string]any{"short": 2, "long": 4, "quantity": 5},
	})
	require.NoError(t, err)

	bars := seqBars("BTCUSDT", 10, 11, 12, 9, 8)
	h := newHarness(t, market.NewSliceSource(bars), strat, harnessOptions{})

	require.NoError(t, h.engine.Run(context.Background()))

	st := h.engine.Stats()
	assert.Equal(t, int64(5), st.Ticks)
	assert.Equal(t, int64(1), st.Signals)
	assert.Equal(t, int64(1), st.Orders)
	assert.Equal(t, int64(1), st.FillsApplied)
	assert.Zero(t, st.SkippedBars)
	assert.Zero(t, st.Anomalies)

	orders := h.executor.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, execution.StatusFilled, orders[0].Status)
	assert.Equal(t, execution.SideSell, orders[0].Side)
	assert.InDelta(t, 8.0, orders[0].AvgPrice, 1e-12)

	snap := h.ledger.Snapshot(bars[len(bars)-1].CloseTime)
	assert.InDelta(t, -5.0, snap.PositionQuantity("BTCUSDT"), 1e-12)
	assert.InDelta(t, 100_040.0, snap.Cash, 1e-9)
}

func TestEngine_SkipsMalformedAndOutOfOrderBars(t *testing.T) {
	good := seqBars("BTCUSDT", 10, 11, 12)
	malformed := market.Bar{Symbol: "BTCUSDT", OpenTime: 300_000, CloseTime: 360_000 - 1, Volume: 1}
	stale := good[0]
	bars := []market.Bar{good[0], malformed, stale, good[1], good[2]}

	strat := &stubStrategy{lookback: 2}
	h := newHarness(t, market.NewSliceSource(bars), strat, harnessOptions{})

	require.NoError(t, h.engine.Run(context.Background()))

	st := h.engine.Stats()
	assert.Equal(t, int64(3), st.Ticks)
	assert.Equal(t, int64(2), st.SkippedBars)
	// 被跳过的 bar 不进窗口，也不产生留痕。
	assert.Equal(t, 3, strat.calls)
	assert.Len(t, h.records, 3)
}

// 等时间戳视为重复，同样跳过。
func TestEngine_SkipsDuplicateCloseTime(t *testing.T) {
	bars := seqBars("BTCUSDT", 10, 11)
	bars = append(bars, bars[1])

	h := newHarness(t, market.NewSliceSource(bars), &stubStrategy{lookback: 1}, harnessOptions{})
	require.NoError(t, h.engine.Run(context.Background()))

	st := h.engine.Stats()
	assert.Equal(t, int64(2), st.Ticks)
	assert.Equal(t, int64(1), st.SkippedBars)
}

type cancellingSource struct {
	bars   []market.Bar
	idx    int
	after  int
	cancel context.CancelFunc
}

func (s *cancellingSource) Next(ctx context.Context) (market.Bar, error) {
	if s.idx >= len(s.bars) {
		return market.Bar{}, io.EOF
	}
	b := s.bars[s.idx]
	s.idx++
	if s.idx == s.after {
		s.cancel()
	}
	return b, nil
}

func (s *cancellingSource) Close() error { return nil }

// 取消发生在 tick 中途时，当前 tick 仍然完整走完，下一轮才退出。
func TestEngine_StopsBetweenTicks(t *testing.T) {
	t.Run("预先取消", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		h := newHarness(t, market.NewSliceSource(seqBars("BTCUSDT", 10, 11)), &stubStrategy{lookback: 1}, harnessOptions{})
		err := h.engine.Run(ctx)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, h.engine.Stats().Ticks)
	})

	t.Run("中途取消", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		src := &cancellingSource{bars: seqBars("BTCUSDT", 10, 11, 12, 13), after: 2, cancel: cancel}
		h := newHarness(t, src, &stubStrategy{lookback: 1}, harnessOptions{})
		err := h.engine.Run(ctx)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, int64(2), h.engine.Stats().Ticks)
		assert.Len(t, h.records, 2)
	})
}

// 成交延迟一个 tick：订单在下一根 bar 的收盘价入账。
func TestEngine_AsyncFillAppliesNextTick(t *testing.T) {
	strat := &stubStrategy{lookback: 1, signals: []strategy.Signal{longSig(10)}}
	bars := seqBars("BTCUSDT", 100, 110, 111)
	h := newHarness(t, market.NewSliceSource(bars), strat, harnessOptions{
		venueCfg: paper.Config{FillDelayTicks: 1},
	})

	require.NoError(t, h.engine.Run(context.Background()))

	require.Len(t, h.records, 3)
	require.NotNil(t, h.records[0].Order)
	assert.Equal(t, execution.StatusSubmitted, h.records[0].Order.Status)
	assert.Empty(t, h.records[0].Fills)

	assert.Nil(t, h.records[1].Order)
	require.Len(t, h.records[1].Fills, 1)
	assert.InDelta(t, 110.0, h.records[1].Fills[0].Price, 1e-12)

	orders := h.executor.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, execution.StatusFilled, orders[0].Status)
	assert.InDelta(t, 110.0, orders[0].AvgPrice, 1e-12)

	snap := h.ledger.Snapshot(bars[2].CloseTime)
	assert.InDelta(t, 10.0, snap.PositionQuantity("BTCUSDT"), 1e-12)
	assert.InDelta(t, 100_000-1_100.0, snap.Cash, 1e-9)
}

// 风控拒绝只留日志与计数，不会产生订单。
func TestEngine_RiskRejectionShortCircuits(t *testing.T) {
	strat := &stubStrategy{lookback: 1, signals: []strategy.Signal{longSig(50), longSig(50)}}
	bars := seqBars("BTCUSDT", 100, 101)
	h := newHarness(t, market.NewSliceSource(bars), strat, harnessOptions{
		limits: risk.Limits{MaxPositionSize: 10, MaxGrossExposure: 1e9, MaxOrderQuantity: 100, MarginEnabled: true},
	})

	require.NoError(t, h.engine.Run(context.Background()))

	st := h.engine.Stats()
	assert.Equal(t, int64(2), st.Signals)
	assert.Equal(t, int64(1), st.Orders)
	assert.Equal(t, int64(1), st.Rejections)

	require.Len(t, h.records, 2)
	assert.Equal(t, risk.ReasonPositionLimit, h.records[1].Decision.Reason)
	assert.Nil(t, h.records[1].Order)
	assert.Len(t, h.executor.Orders(), 1)
	assert.InDelta(t, 10.0, h.ledger.Snapshot(0).PositionQuantity("BTCUSDT"), 1e-12)
}

func TestEngine_SymbolFilter(t *testing.T) {
	btc := seqBars("BTCUSDT", 10, 11, 12)
	eth := seqBars("ETHUSDT", 20, 21)
	bars := append(append([]market.Bar{}, btc...), eth...)

	h := newHarness(t, market.NewSliceSource(bars), &stubStrategy{lookback: 1}, harnessOptions{
		symbols: []string{"ethusdt "},
	})
	require.NoError(t, h.engine.Run(context.Background()))

	st := h.engine.Stats()
	assert.Equal(t, int64(2), st.Ticks)
	assert.Zero(t, st.SkippedBars)
	for _, rec := range h.records {
		assert.Equal(t, "ETHUSDT", rec.Bar.Symbol)
	}
}

// 留痕里的快照取自对账之后，当根 bar 的成交已经反映在持仓里。
func TestEngine_RecorderSeesPostReconcileState(t *testing.T) {
	strat := &stubStrategy{lookback: 1, signals: []strategy.Signal{longSig(10)}}
	bars := seqBars("BTCUSDT", 100)
	h := newHarness(t, market.NewSliceSource(bars), strat, harnessOptions{})

	require.NoError(t, h.engine.Run(context.Background()))

	require.Len(t, h.records, 1)
	rec := h.records[0]
	require.NotNil(t, rec.Order)
	assert.Equal(t, execution.StatusFilled, rec.Order.Status)
	require.Len(t, rec.Fills, 1)
	require.Len(t, rec.Deltas, 1)
	assert.InDelta(t, 10.0, rec.Deltas[0].QuantityDelta, 1e-12)
	assert.InDelta(t, 10.0, rec.Snapshot.PositionQuantity("BTCUSDT"), 1e-12)
	assert.InDelta(t, 100_000-1_000.0, rec.Snapshot.Cash, 1e-9)
}
