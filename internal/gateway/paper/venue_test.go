package paper

import (
	"context"
	"fmt"
	"testing"

	"ebb/internal/execution"
	"ebb/internal/market"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOrder(id string, side execution.Side, qty float64) execution.Order {
	return execution.Order{
		ID:       id,
		Symbol:   "BTCUSDT",
		Side:     side,
		Quantity: qty,
		Status:   execution.StatusPending,
	}
}

func testBar(closeTime int64, close float64) market.Bar {
	return market.Bar{
		Symbol:    "BTCUSDT",
		OpenTime:  closeTime - 59_999,
		CloseTime: closeTime,
		Open:      close,
		High:      close,
		Low:       close,
		Close:     close,
		Volume:    1,
	}
}

func TestBuildFillPlan_SumsExactly(t *testing.T) {
	cases := []struct {
		qty    float64
		splits int
	}{
		{100, 1},
		{100, 2},
		{100, 3},
		{0.1, 3},
		{7.5, 4},
		{1, 7},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%v_x%d", tc.qty, tc.splits), func(t *testing.T) {
			plan := buildFillPlan(tc.qty, tc.splits)
			require.Len(t, plan, tc.splits)
			sum := decimal.Zero
			for _, q := range plan {
				assert.Positive(t, q)
				sum = sum.Add(decimal.NewFromFloat(q))
			}
			assert.True(t, sum.Equal(decimal.NewFromFloat(tc.qty)),
				"拆单合计 %s != %v", sum, tc.qty)
		})
	}
}

func TestVenue_SyncAckAndFill(t *testing.T) {
	v := NewVenue(Config{SlippageBps: 10, FeeRate: 0.001})
	require.NoError(t, v.SubmitOrder(context.Background(), testOrder("ORD-1", execution.SideBuy, 10)))

	v.OnBar(testBar(59_999, 100))
	events := v.Queue().Drain()
	require.Len(t, events, 2)

	assert.Equal(t, execution.EventAck, events[0].Type)
	assert.Equal(t, "ORD-1", events[0].OrderID)

	fill := events[1]
	assert.Equal(t, execution.EventFill, fill.Type)
	assert.InDelta(t, 10.0, fill.Quantity, 1e-12)
	// 买单滑点向上：100 + 100*10/10000 = 100.1。
	assert.InDelta(t, 100.1, fill.Price, 1e-9)
	assert.InDelta(t, 10*100.1*0.001, fill.Fee, 1e-9)
	assert.Greater(t, fill.Sequence, events[0].Sequence)
	assert.Equal(t, int64(59_999), fill.Timestamp)
	assert.Zero(t, v.PendingOrders())
}

func TestVenue_SellSlippageGoesDown(t *testing.T) {
	v := NewVenue(Config{SlippageBps: 20})
	require.NoError(t, v.SubmitOrder(context.Background(), testOrder("ORD-1", execution.SideSell, 3)))

	v.OnBar(testBar(59_999, 50))
	events := v.Queue().Drain()
	require.Len(t, events, 2)
	assert.InDelta(t, 50-50*20.0/10000, events[1].Price, 1e-9)
}

func TestVenue_DelaysSpanTicks(t *testing.T) {
	v := NewVenue(Config{AckDelayTicks: 1, FillDelayTicks: 1})
	require.NoError(t, v.SubmitOrder(context.Background(), testOrder("ORD-1", execution.SideBuy, 5)))

	v.OnBar(testBar(59_999, 100))
	assert.Empty(t, v.Queue().Drain(), "确认要到第二个 tick")

	v.OnBar(testBar(119_999, 101))
	events := v.Queue().Drain()
	require.Len(t, events, 1)
	assert.Equal(t, execution.EventAck, events[0].Type)

	v.OnBar(testBar(179_999, 102))
	events = v.Queue().Drain()
	require.Len(t, events, 1)
	assert.Equal(t, execution.EventFill, events[0].Type)
	assert.InDelta(t, 102.0, events[0].Price, 1e-12)
}

func TestVenue_PartialSplitsAcrossTicks(t *testing.T) {
	v := NewVenue(Config{PartialSplits: 3})
	require.NoError(t, v.SubmitOrder(context.Background(), testOrder("ORD-1", execution.SideBuy, 100)))

	v.OnBar(testBar(59_999, 100))
	first := v.Queue().Drain()
	require.Len(t, first, 2)
	assert.Equal(t, execution.EventAck, first[0].Type)
	assert.Equal(t, execution.EventFill, first[1].Type)
	assert.Equal(t, 1, v.PendingOrders())

	v.OnBar(testBar(119_999, 101))
	second := v.Queue().Drain()
	require.Len(t, second, 1)

	v.OnBar(testBar(179_999, 102))
	third := v.Queue().Drain()
	require.Len(t, third, 1)
	assert.Zero(t, v.PendingOrders())

	sum := decimal.NewFromFloat(first[1].Quantity).
		Add(decimal.NewFromFloat(second[0].Quantity)).
		Add(decimal.NewFromFloat(third[0].Quantity))
	assert.True(t, sum.Equal(decimal.NewFromInt(100)), "三笔成交合计 %s", sum)
}

func TestVenue_ScriptedReject(t *testing.T) {
	v := NewVenue(Config{Outcome: func(o execution.Order) Outcome { return OutcomeReject }})
	require.NoError(t, v.SubmitOrder(context.Background(), testOrder("ORD-1", execution.SideBuy, 5)))

	v.OnBar(testBar(59_999, 100))
	events := v.Queue().Drain()
	require.Len(t, events, 1)
	assert.Equal(t, execution.EventReject, events[0].Type)
	assert.Equal(t, "scripted_reject", events[0].Reason)
	assert.Zero(t, v.PendingOrders())

	v.OnBar(testBar(119_999, 101))
	assert.Empty(t, v.Queue().Drain())
}

func TestVenue_DuplicateFillInjection(t *testing.T) {
	v := NewVenue(Config{Outcome: func(o execution.Order) Outcome { return OutcomeDuplicateFill }})
	require.NoError(t, v.SubmitOrder(context.Background(), testOrder("ORD-1", execution.SideBuy, 5)))

	v.OnBar(testBar(59_999, 100))
	events := v.Queue().Drain()
	require.Len(t, events, 3)
	assert.Equal(t, execution.EventFill, events[1].Type)
	assert.Equal(t, execution.EventFill, events[2].Type)
	// 重投保持同一 (order_id, sequence)，由执行器去重。
	assert.Equal(t, events[1].Sequence, events[2].Sequence)
	assert.Equal(t, events[1].Quantity, events[2].Quantity)
}

func TestVenue_OverFillInjection(t *testing.T) {
	v := NewVenue(Config{Outcome: func(o execution.Order) Outcome { return OutcomeOverFill }})
	require.NoError(t, v.SubmitOrder(context.Background(), testOrder("ORD-1", execution.SideBuy, 5)))

	v.OnBar(testBar(59_999, 100))
	events := v.Queue().Drain()
	require.Len(t, events, 3)
	extra := events[2]
	assert.Equal(t, execution.EventFill, extra.Type)
	assert.Greater(t, extra.Sequence, events[1].Sequence)
	assert.InDelta(t, 5.0, extra.Quantity, 1e-12)
}

func TestVenue_CancelAfterPartial(t *testing.T) {
	v := NewVenue(Config{PartialSplits: 2, Outcome: func(o execution.Order) Outcome { return OutcomeCancelAfterPartial }})
	require.NoError(t, v.SubmitOrder(context.Background(), testOrder("ORD-1", execution.SideBuy, 10)))

	v.OnBar(testBar(59_999, 100))
	events := v.Queue().Drain()
	require.Len(t, events, 3)
	assert.Equal(t, execution.EventAck, events[0].Type)
	assert.Equal(t, execution.EventFill, events[1].Type)
	assert.InDelta(t, 5.0, events[1].Quantity, 1e-12)
	assert.Equal(t, execution.EventCancel, events[2].Type)
	assert.Equal(t, "scripted_cancel", events[2].Reason)
	assert.Zero(t, v.PendingOrders())

	v.OnBar(testBar(119_999, 101))
	assert.Empty(t, v.Queue().Drain(), "撤单后不再有成交")
}

func TestVenue_FailSubmits(t *testing.T) {
	v := NewVenue(Config{FailSubmits: 1})
	err := v.SubmitOrder(context.Background(), testOrder("ORD-1", execution.SideBuy, 5))
	require.Error(t, err)
	require.NoError(t, v.SubmitOrder(context.Background(), testOrder("ORD-1", execution.SideBuy, 5)))
}

func TestVenue_SubmitValidation(t *testing.T) {
	v := NewVenue(Config{})

	t.Run("数量非法", func(t *testing.T) {
		assert.Error(t, v.SubmitOrder(context.Background(), testOrder("ORD-1", execution.SideBuy, 0)))
	})
	t.Run("重复递交", func(t *testing.T) {
		require.NoError(t, v.SubmitOrder(context.Background(), testOrder("ORD-2", execution.SideBuy, 5)))
		assert.Error(t, v.SubmitOrder(context.Background(), testOrder("ORD-2", execution.SideBuy, 5)))
	})
	t.Run("上下文已取消", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, v.SubmitOrder(ctx, testOrder("ORD-3", execution.SideBuy, 5)), context.Canceled)
	})
}

// 没有标记价时成交挂起，等到该 symbol 第一根 bar 到来。
func TestVenue_WaitsForMark(t *testing.T) {
	v := NewVenue(Config{})
	order := testOrder("ORD-1", execution.SideBuy, 5)
	order.Symbol = "ETHUSDT"
	require.NoError(t, v.SubmitOrder(context.Background(), order))

	v.OnBar(testBar(59_999, 100))
	events := v.Queue().Drain()
	require.Len(t, events, 1)
	assert.Equal(t, execution.EventAck, events[0].Type)
	assert.Equal(t, 1, v.PendingOrders())

	eth := testBar(119_999, 2_000)
	eth.Symbol = "ETHUSDT"
	v.OnBar(eth)
	events = v.Queue().Drain()
	require.Len(t, events, 1)
	assert.Equal(t, execution.EventFill, events[0].Type)
	assert.InDelta(t, 2_000.0, events[0].Price, 1e-12)
}
