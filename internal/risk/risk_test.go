package risk

import (
	"math"
	"testing"

	"ebb/internal/portfolio"
	"ebb/internal/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLimits() Limits {
	return Limits{
		MaxPositionSize:  100,
		MaxGrossExposure: 1_000_000,
		MaxOrderQuantity: 1000,
		MarginEnabled:    true,
	}
}

func newTestManager(t *testing.T, limits Limits) *Manager {
	t.Helper()
	m, err := NewManager(limits)
	require.NoError(t, err)
	return m
}

func testSnapshot(cash float64, positions map[string]portfolio.Position, marks map[string]float64) portfolio.Snapshot {
	gross := 0.0
	for sym, pos := range positions {
		mark := marks[sym]
		if mark <= 0 {
			mark = pos.AvgCost
		}
		gross += math.Abs(pos.Quantity) * mark
	}
	return portfolio.Snapshot{
		Cash:          cash,
		Positions:     positions,
		Marks:         marks,
		GrossExposure: gross,
	}
}

func longSignal(symbol string, qty float64) strategy.Signal {
	return strategy.Signal{Symbol: symbol, Direction: strategy.DirectionLong, TargetQuantity: qty}
}

func shortSignal(symbol string, qty float64) strategy.Signal {
	return strategy.Signal{Symbol: symbol, Direction: strategy.DirectionShort, TargetQuantity: qty}
}

func TestManager_ClampsToPositionHeadroom(t *testing.T) {
	m := newTestManager(t, testLimits())
	snap := testSnapshot(1_000_000,
		map[string]portfolio.Position{"BTCUSDT": {Symbol: "BTCUSDT", Quantity: 80, AvgCost: 10}},
		map[string]float64{"BTCUSDT": 10},
	)

	// 持仓 80、上限 100，目标 40 收缩到余量 20，放行且无拒绝原因。
	d := m.Evaluate(longSignal("BTCUSDT", 40), snap)
	assert.Equal(t, 20.0, d.ApprovedQuantity)
	assert.Empty(t, d.Reason)
	assert.True(t, d.Actionable())
}

func TestManager_ClampsShortSide(t *testing.T) {
	m := newTestManager(t, testLimits())
	snap := testSnapshot(1_000_000,
		map[string]portfolio.Position{"BTCUSDT": {Symbol: "BTCUSDT", Quantity: -80, AvgCost: 10}},
		map[string]float64{"BTCUSDT": 10},
	)

	d := m.Evaluate(shortSignal("BTCUSDT", 40), snap)
	assert.Equal(t, -20.0, d.ApprovedQuantity)
	assert.Empty(t, d.Reason)
}

func TestManager_CapsAtMaxOrderQuantity(t *testing.T) {
	limits := testLimits()
	limits.MaxOrderQuantity = 50
	limits.MaxPositionSize = 1000
	m := newTestManager(t, limits)
	snap := testSnapshot(1_000_000, nil, map[string]float64{"BTCUSDT": 10})

	d := m.Evaluate(longSignal("BTCUSDT", 60), snap)
	assert.Equal(t, 50.0, d.ApprovedQuantity)
	assert.Empty(t, d.Reason)
}

func TestManager_OrderCapAfterPositionClamp(t *testing.T) {
	limits := testLimits()
	limits.MaxOrderQuantity = 10
	m := newTestManager(t, limits)
	snap := testSnapshot(1_000_000,
		map[string]portfolio.Position{"BTCUSDT": {Symbol: "BTCUSDT", Quantity: 80, AvgCost: 10}},
		map[string]float64{"BTCUSDT": 10},
	)

	d := m.Evaluate(longSignal("BTCUSDT", 40), snap)
	assert.Equal(t, 10.0, d.ApprovedQuantity)
}

func TestManager_RejectsWhenNoHeadroom(t *testing.T) {
	m := newTestManager(t, testLimits())

	t.Run("AtLimit", func(t *testing.T) {
		snap := testSnapshot(1_000_000,
			map[string]portfolio.Position{"BTCUSDT": {Symbol: "BTCUSDT", Quantity: 100, AvgCost: 10}},
			map[string]float64{"BTCUSDT": 10},
		)
		d := m.Evaluate(longSignal("BTCUSDT", 10), snap)
		assert.Equal(t, ReasonPositionLimit, d.Reason)
		assert.Equal(t, 0.0, d.ApprovedQuantity)
		assert.True(t, d.Rejected())
	})

	t.Run("AlreadyOverLimit", func(t *testing.T) {
		// 越限持仓没有同向余量，收缩不能反向，只能拒绝。
		snap := testSnapshot(1_000_000,
			map[string]portfolio.Position{"BTCUSDT": {Symbol: "BTCUSDT", Quantity: 120, AvgCost: 10}},
			map[string]float64{"BTCUSDT": 10},
		)
		d := m.Evaluate(longSignal("BTCUSDT", 1), snap)
		assert.Equal(t, ReasonPositionLimit, d.Reason)
		assert.Equal(t, 0.0, d.ApprovedQuantity)
	})
}

func TestManager_ExposureAllOrNothing(t *testing.T) {
	limits := testLimits()
	limits.MaxGrossExposure = 1000
	m := newTestManager(t, limits)
	snap := testSnapshot(1_000_000,
		map[string]portfolio.Position{"ETHUSDT": {Symbol: "ETHUSDT", Quantity: 9, AvgCost: 100}},
		map[string]float64{"ETHUSDT": 100, "BTCUSDT": 100},
	)

	// 投影敞口 900+200 超限，整单拒绝而不是缩到恰好贴线。
	d := m.Evaluate(longSignal("BTCUSDT", 2), snap)
	assert.Equal(t, ReasonExposureLimit, d.Reason)
	assert.Equal(t, 0.0, d.ApprovedQuantity)
}

func TestManager_ReductionLowersExposure(t *testing.T) {
	limits := testLimits()
	limits.MaxGrossExposure = 1000
	m := newTestManager(t, limits)
	snap := testSnapshot(1_000_000,
		map[string]portfolio.Position{"BTCUSDT": {Symbol: "BTCUSDT", Quantity: 10, AvgCost: 100}},
		map[string]float64{"BTCUSDT": 100},
	)

	// 减仓让该交易对的投影名义下降，贴线持仓也能放行反向单。
	d := m.Evaluate(shortSignal("BTCUSDT", 5), snap)
	assert.Equal(t, -5.0, d.ApprovedQuantity)
	assert.Empty(t, d.Reason)
}

func TestManager_InsufficientCash(t *testing.T) {
	limits := testLimits()
	limits.MarginEnabled = false
	m := newTestManager(t, limits)
	snap := testSnapshot(100, nil, map[string]float64{"BTCUSDT": 50})

	t.Run("BuyOverCash", func(t *testing.T) {
		d := m.Evaluate(longSignal("BTCUSDT", 3), snap)
		assert.Equal(t, ReasonInsufficientCash, d.Reason)
	})

	t.Run("BuyWithinCash", func(t *testing.T) {
		d := m.Evaluate(longSignal("BTCUSDT", 2), snap)
		assert.Equal(t, 2.0, d.ApprovedQuantity)
		assert.Empty(t, d.Reason)
	})

	t.Run("SellNeverGated", func(t *testing.T) {
		d := m.Evaluate(shortSignal("BTCUSDT", 2), snap)
		assert.Equal(t, -2.0, d.ApprovedQuantity)
	})

	t.Run("MarginBypasses", func(t *testing.T) {
		withMargin := testLimits()
		d := newTestManager(t, withMargin).Evaluate(longSignal("BTCUSDT", 3), snap)
		assert.Equal(t, 3.0, d.ApprovedQuantity)
	})
}

func TestManager_Idempotent(t *testing.T) {
	m := newTestManager(t, testLimits())
	snap := testSnapshot(1_000_000,
		map[string]portfolio.Position{"BTCUSDT": {Symbol: "BTCUSDT", Quantity: 80, AvgCost: 10}},
		map[string]float64{"BTCUSDT": 10},
	)
	sig := longSignal("BTCUSDT", 40)

	first := m.Evaluate(sig, snap)
	second := m.Evaluate(sig, snap)
	assert.Equal(t, first, second)
}

func TestManager_NeverAmplifiesOrFlips(t *testing.T) {
	m := newTestManager(t, testLimits())
	snap := testSnapshot(1_000_000,
		map[string]portfolio.Position{"BTCUSDT": {Symbol: "BTCUSDT", Quantity: 30, AvgCost: 10}},
		map[string]float64{"BTCUSDT": 10},
	)

	cases := []strategy.Signal{
		longSignal("BTCUSDT", 40),
		longSignal("BTCUSDT", 90),
		shortSignal("BTCUSDT", 40),
		shortSignal("BTCUSDT", 200),
		strategy.Flat("BTCUSDT"),
	}
	for _, sig := range cases {
		d := m.Evaluate(sig, snap)
		target := sig.SignedQuantity()
		assert.LessOrEqual(t, math.Abs(d.ApprovedQuantity), math.Abs(target), "signal=%+v", sig)
		if d.ApprovedQuantity != 0 {
			assert.Equal(t, math.Signbit(target), math.Signbit(d.ApprovedQuantity), "signal=%+v", sig)
		}
	}
}

func TestManager_FlatSignalIsNoAction(t *testing.T) {
	m := newTestManager(t, testLimits())
	d := m.Evaluate(strategy.Flat("BTCUSDT"), portfolio.Snapshot{})

	assert.Equal(t, 0.0, d.ApprovedQuantity)
	assert.Empty(t, d.Reason)
	assert.False(t, d.Actionable())
	assert.False(t, d.Rejected())
}

func TestLimits_Validate(t *testing.T) {
	cases := []Limits{
		{MaxPositionSize: 0, MaxGrossExposure: 1, MaxOrderQuantity: 1},
		{MaxPositionSize: 1, MaxGrossExposure: -5, MaxOrderQuantity: 1},
		{MaxPositionSize: 1, MaxGrossExposure: 1, MaxOrderQuantity: 0},
		{MaxPositionSize: math.NaN(), MaxGrossExposure: 1, MaxOrderQuantity: 1},
	}
	for _, limits := range cases {
		_, err := NewManager(limits)
		assert.Error(t, err, "limits=%+v", limits)
	}
}
