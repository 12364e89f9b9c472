package portfolio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger_OpenAndScaleLong(t *testing.T) {
	l := NewLedger(10_000)

	delta, err := l.ApplyFill(Fill{Symbol: "BTCUSDT", Quantity: 10, Price: 100, Fee: 1})
	require.NoError(t, err)
	assert.Equal(t, -1001.0, delta.CashDelta)
	assert.Equal(t, 10.0, delta.Quantity)
	assert.Equal(t, 100.0, delta.AvgCost)
	assert.Equal(t, 0.0, delta.RealizedDelta)

	// 加仓后均价按数量加权。
	delta, err = l.ApplyFill(Fill{Symbol: "BTCUSDT", Quantity: 10, Price: 110})
	require.NoError(t, err)
	assert.Equal(t, 20.0, delta.Quantity)
	assert.Equal(t, 105.0, delta.AvgCost)

	snap := l.Snapshot(0)
	assert.Equal(t, 10_000-1001-1100.0, snap.Cash)
	assert.Equal(t, 20.0, snap.PositionQuantity("BTCUSDT"))
}

func TestLedger_ReduceRealizesPnL(t *testing.T) {
	l := NewLedger(100_000)
	_, err := l.ApplyFill(Fill{Symbol: "BTCUSDT", Quantity: 20, Price: 105})
	require.NoError(t, err)

	delta, err := l.ApplyFill(Fill{Symbol: "BTCUSDT", Quantity: -5, Price: 120})
	require.NoError(t, err)
	assert.Equal(t, 75.0, delta.RealizedDelta)
	assert.Equal(t, 15.0, delta.Quantity)
	assert.Equal(t, 105.0, delta.AvgCost)
	assert.Equal(t, 600.0, delta.CashDelta)

	// 全平后持仓从映射移除，缺失视为零。
	delta, err = l.ApplyFill(Fill{Symbol: "BTCUSDT", Quantity: -15, Price: 100})
	require.NoError(t, err)
	assert.Equal(t, -75.0, delta.RealizedDelta)
	assert.Equal(t, 0.0, delta.Quantity)

	snap := l.Snapshot(0)
	assert.NotContains(t, snap.Positions, "BTCUSDT")
	assert.Equal(t, 0.0, snap.PositionQuantity("BTCUSDT"))
	assert.Equal(t, 0.0, snap.RealizedPnL)
}

func TestLedger_ReverseOpensAtFillPrice(t *testing.T) {
	l := NewLedger(100_000)
	_, err := l.ApplyFill(Fill{Symbol: "ETHUSDT", Quantity: 10, Price: 100})
	require.NoError(t, err)

	delta, err := l.ApplyFill(Fill{Symbol: "ETHUSDT", Quantity: -25, Price: 90})
	require.NoError(t, err)
	assert.Equal(t, -100.0, delta.RealizedDelta)
	assert.Equal(t, -15.0, delta.Quantity)
	assert.Equal(t, 90.0, delta.AvgCost)
}

func TestLedger_ShortSide(t *testing.T) {
	l := NewLedger(10_000)

	delta, err := l.ApplyFill(Fill{Symbol: "BTCUSDT", Quantity: -10, Price: 100})
	require.NoError(t, err)
	assert.Equal(t, 1000.0, delta.CashDelta)

	// 空头在价跌时盈利。
	delta, err = l.ApplyFill(Fill{Symbol: "BTCUSDT", Quantity: 10, Price: 90})
	require.NoError(t, err)
	assert.Equal(t, 100.0, delta.RealizedDelta)

	snap := l.Snapshot(0)
	assert.Equal(t, 10_000+1000-900.0, snap.Cash)
	assert.Equal(t, 100.0, snap.RealizedPnL)
}

func TestLedger_SnapshotValuation(t *testing.T) {
	l := NewLedger(10_000)
	_, err := l.ApplyFill(Fill{Symbol: "BTCUSDT", Quantity: 10, Price: 100})
	require.NoError(t, err)
	l.SetMark("BTCUSDT", 110)

	snap := l.Snapshot(42)
	assert.Equal(t, int64(42), snap.TS)
	assert.Equal(t, 9000.0, snap.Cash)
	assert.Equal(t, 100.0, snap.UnrealizedPnL)
	assert.Equal(t, 1100.0, snap.GrossExposure)
	assert.Equal(t, 9000+1100.0, snap.Equity)
	assert.Equal(t, 110.0, snap.MarkFor("BTCUSDT"))

	// 快照是深拷贝，改它不影响账本。
	snap.Positions["BTCUSDT"] = Position{Symbol: "BTCUSDT", Quantity: 999}
	assert.Equal(t, 10.0, l.Snapshot(0).PositionQuantity("BTCUSDT"))
}

func TestLedger_MarkFallsBackToAvgCost(t *testing.T) {
	l := NewLedger(10_000)
	_, err := l.ApplyFill(Fill{Symbol: "BTCUSDT", Quantity: 2, Price: 50})
	require.NoError(t, err)

	// 尚无行情时按成本价估值，未实现盈亏为零。
	snap := l.Snapshot(0)
	assert.Equal(t, 0.0, snap.UnrealizedPnL)
	assert.Equal(t, 100.0, snap.GrossExposure)
	assert.Equal(t, 50.0, snap.MarkFor("BTCUSDT"))
}

func TestLedger_RejectsMalformedFills(t *testing.T) {
	l := NewLedger(1000)

	_, err := l.ApplyFill(Fill{Symbol: "", Quantity: 1, Price: 10})
	assert.Error(t, err)
	_, err = l.ApplyFill(Fill{Symbol: "BTCUSDT", Quantity: 0, Price: 10})
	assert.Error(t, err)
	_, err = l.ApplyFill(Fill{Symbol: "BTCUSDT", Quantity: 1, Price: 0})
	assert.Error(t, err)

	snap := l.Snapshot(0)
	assert.Equal(t, 1000.0, snap.Cash)
	assert.Empty(t, snap.Positions)
}
