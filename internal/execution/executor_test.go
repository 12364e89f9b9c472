package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"ebb/internal/pkg/circuit"
	"ebb/internal/portfolio"
	"ebb/internal/risk"
	"ebb/internal/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockVenue struct {
	mock.Mock
	queue *EventQueue
}

func newMockVenue() *MockVenue {
	return &MockVenue{queue: NewEventQueue(0)}
}

func (m *MockVenue) Name() string { return "mock" }

func (m *MockVenue) SubmitOrder(ctx context.Context, order Order) error {
	args := m.Called(ctx, order)
	return args.Error(0)
}

func (m *MockVenue) Queue() *EventQueue { return m.queue }

func approvedDecision(symbol string, qty float64) risk.Decision {
	dir := strategy.DirectionLong
	abs := qty
	if qty < 0 {
		dir = strategy.DirectionShort
		abs = -qty
	}
	return risk.Decision{
		Signal:           strategy.Signal{Symbol: symbol, Direction: dir, TargetQuantity: abs},
		ApprovedQuantity: qty,
	}
}

func fastPolicy() SubmitPolicy {
	return SubmitPolicy{
		AttemptTimeout: 50 * time.Millisecond,
		MaxRetries:     1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}
}

func newTestExecutor(t *testing.T, venue VenueAdapter, ledger *portfolio.Ledger) *Executor {
	t.Helper()
	exec, err := NewExecutor(ExecutorParams{
		Venue:  venue,
		Ledger: ledger,
		Policy: fastPolicy(),
	})
	require.NoError(t, err)
	return exec
}

func TestExecutor_PartialFillsWalkToFilled(t *testing.T) {
	venue := newMockVenue()
	venue.On("SubmitOrder", mock.Anything, mock.Anything).Return(nil)
	ledger := portfolio.NewLedger(10_000)
	exec := newTestExecutor(t, venue, ledger)

	order := exec.Submit(context.Background(), approvedDecision("BTCUSDT", 100), 1000)
	require.NotNil(t, order)
	assert.Equal(t, StatusPending, order.Status)
	assert.Equal(t, 100.0, order.Quantity)

	_, err := exec.Reconcile(Event{Type: EventAck, OrderID: order.ID, Sequence: 1, Timestamp: 1001})
	require.NoError(t, err)
	got, _ := exec.Order(order.ID)
	assert.Equal(t, StatusSubmitted, got.Status)

	delta, err := exec.Reconcile(Event{Type: EventFill, OrderID: order.ID, Sequence: 2, Timestamp: 1002, Quantity: 40, Price: 10})
	require.NoError(t, err)
	assert.Equal(t, 40.0, delta.QuantityDelta)
	got, _ = exec.Order(order.ID)
	assert.Equal(t, StatusPartiallyFilled, got.Status)
	assert.Equal(t, 40.0, got.Filled)

	delta, err = exec.Reconcile(Event{Type: EventFill, OrderID: order.ID, Sequence: 3, Timestamp: 1003, Quantity: 60, Price: 11})
	require.NoError(t, err)
	assert.Equal(t, 100.0, delta.Quantity)
	got, _ = exec.Order(order.ID)
	assert.Equal(t, StatusFilled, got.Status)
	assert.Equal(t, 100.0, got.Filled)
	assert.InDelta(t, 10.6, got.AvgPrice, 1e-9)

	snap := ledger.Snapshot(0)
	assert.Equal(t, 100.0, snap.PositionQuantity("BTCUSDT"))
	assert.Equal(t, 10_000-400-660.0, snap.Cash)
	assert.Empty(t, exec.TakeAnomalies())
}

func TestExecutor_OverFillDiscardedAndFlagged(t *testing.T) {
	venue := newMockVenue()
	venue.On("SubmitOrder", mock.Anything, mock.Anything).Return(nil)
	ledger := portfolio.NewLedger(10_000)
	exec := newTestExecutor(t, venue, ledger)

	order := exec.Submit(context.Background(), approvedDecision("BTCUSDT", 100), 1000)
	require.NotNil(t, order)
	_, err := exec.Reconcile(Event{Type: EventFill, OrderID: order.ID, Sequence: 1, Timestamp: 1001, Quantity: 100, Price: 10})
	require.NoError(t, err)

	// 已打满的订单再来一笔 70，丢弃、记诊断，账本保持不动。
	_, err = exec.Reconcile(Event{Type: EventFill, OrderID: order.ID, Sequence: 2, Timestamp: 1002, Quantity: 70, Price: 10})
	assert.ErrorIs(t, err, ErrOverFill)

	got, _ := exec.Order(order.ID)
	assert.Equal(t, StatusFilled, got.Status)
	assert.Equal(t, 100.0, got.Filled)
	assert.Equal(t, 100.0, ledger.Snapshot(0).PositionQuantity("BTCUSDT"))

	anomalies := exec.TakeAnomalies()
	require.Len(t, anomalies, 1)
	assert.Equal(t, AnomalyOverFill, anomalies[0].Kind)
}

func TestExecutor_DuplicateFillDropsQuietly(t *testing.T) {
	venue := newMockVenue()
	venue.On("SubmitOrder", mock.Anything, mock.Anything).Return(nil)
	ledger := portfolio.NewLedger(10_000)
	exec := newTestExecutor(t, venue, ledger)

	order := exec.Submit(context.Background(), approvedDecision("BTCUSDT", 100), 1000)
	require.NotNil(t, order)
	fill := Event{Type: EventFill, OrderID: order.ID, Sequence: 1, Timestamp: 1001, Quantity: 40, Price: 10}
	_, err := exec.Reconcile(fill)
	require.NoError(t, err)

	// 同一 (order_id, sequence) 重投：丢弃计数但不算异常。
	_, err = exec.Reconcile(fill)
	assert.ErrorIs(t, err, ErrDuplicateFill)
	assert.Equal(t, int64(1), exec.DuplicateFills())
	assert.Empty(t, exec.TakeAnomalies())

	got, _ := exec.Order(order.ID)
	assert.Equal(t, 40.0, got.Filled)
	assert.Equal(t, 40.0, ledger.Snapshot(0).PositionQuantity("BTCUSDT"))
}

func TestExecutor_UnknownOrderFlagged(t *testing.T) {
	venue := newMockVenue()
	exec := newTestExecutor(t, venue, portfolio.NewLedger(1000))

	_, err := exec.Reconcile(Event{Type: EventFill, OrderID: "ORD-999999", Sequence: 1, Timestamp: 1, Quantity: 1, Price: 1})
	assert.ErrorIs(t, err, ErrUnknownOrder)

	anomalies := exec.TakeAnomalies()
	require.Len(t, anomalies, 1)
	assert.Equal(t, AnomalyUnknownOrder, anomalies[0].Kind)
}

func TestExecutor_RetryExhaustionReasons(t *testing.T) {
	t.Run("TransportError", func(t *testing.T) {
		venue := newMockVenue()
		venue.On("SubmitOrder", mock.Anything, mock.Anything).Return(errors.New("connection refused"))
		exec := newTestExecutor(t, venue, portfolio.NewLedger(1000))

		order := exec.Submit(context.Background(), approvedDecision("BTCUSDT", 1), 1000)
		require.NotNil(t, order)
		assert.Equal(t, StatusRejected, order.Status)
		assert.Equal(t, RejectReasonVenueError, order.Reason)
		venue.AssertNumberOfCalls(t, "SubmitOrder", 2)
	})

	t.Run("Timeout", func(t *testing.T) {
		venue := newMockVenue()
		venue.On("SubmitOrder", mock.Anything, mock.Anything).Return(context.DeadlineExceeded)
		exec := newTestExecutor(t, venue, portfolio.NewLedger(1000))

		order := exec.Submit(context.Background(), approvedDecision("BTCUSDT", 1), 1000)
		require.NotNil(t, order)
		assert.Equal(t, StatusRejected, order.Status)
		assert.Equal(t, RejectReasonTimeout, order.Reason)
	})
}

func TestExecutor_BreakerOpenFailsFast(t *testing.T) {
	venue := newMockVenue()
	breaker := circuit.NewCircuitBreaker("venue", 1, time.Minute)
	breaker.RecordFailure()
	ledger := portfolio.NewLedger(1000)
	exec, err := NewExecutor(ExecutorParams{
		Venue:   venue,
		Ledger:  ledger,
		Policy:  fastPolicy(),
		Breaker: breaker,
	})
	require.NoError(t, err)

	order := exec.Submit(context.Background(), approvedDecision("BTCUSDT", 1), 1000)
	require.NotNil(t, order)
	assert.Equal(t, StatusRejected, order.Status)
	assert.Equal(t, RejectReasonVenueUnavailable, order.Reason)
	venue.AssertNotCalled(t, "SubmitOrder", mock.Anything, mock.Anything)
}

func TestExecutor_ZeroQuantityIsNoAction(t *testing.T) {
	venue := newMockVenue()
	exec := newTestExecutor(t, venue, portfolio.NewLedger(1000))

	order := exec.Submit(context.Background(), risk.Decision{}, 1000)
	assert.Nil(t, order)
	assert.Empty(t, exec.Orders())
}

func TestExecutor_LotStepRoundsToZero(t *testing.T) {
	venue := newMockVenue()
	exec, err := NewExecutor(ExecutorParams{
		Venue:   venue,
		Ledger:  portfolio.NewLedger(1000),
		Policy:  fastPolicy(),
		LotStep: 1,
	})
	require.NoError(t, err)

	order := exec.Submit(context.Background(), approvedDecision("BTCUSDT", 0.4), 1000)
	require.NotNil(t, order)
	assert.Equal(t, StatusRejected, order.Status)
	assert.Equal(t, RejectReasonLotRoundedZero, order.Reason)
	venue.AssertNotCalled(t, "SubmitOrder", mock.Anything, mock.Anything)
}

func TestExecutor_VenueRejectThenLateFill(t *testing.T) {
	venue := newMockVenue()
	venue.On("SubmitOrder", mock.Anything, mock.Anything).Return(nil)
	ledger := portfolio.NewLedger(1000)
	exec := newTestExecutor(t, venue, ledger)

	order := exec.Submit(context.Background(), approvedDecision("BTCUSDT", 10), 1000)
	require.NotNil(t, order)
	_, err := exec.Reconcile(Event{Type: EventReject, OrderID: order.ID, Sequence: 1, Timestamp: 1001, Reason: "insufficient margin"})
	require.NoError(t, err)
	got, _ := exec.Order(order.ID)
	assert.Equal(t, StatusRejected, got.Status)
	assert.Equal(t, "insufficient margin", got.Reason)

	// 拒绝后的迟到成交必须丢弃并告警，账本不动。
	_, err = exec.Reconcile(Event{Type: EventFill, OrderID: order.ID, Sequence: 2, Timestamp: 1002, Quantity: 10, Price: 5})
	assert.ErrorIs(t, err, ErrTerminalOrder)
	anomalies := exec.TakeAnomalies()
	require.Len(t, anomalies, 1)
	assert.Equal(t, AnomalyTerminalOrder, anomalies[0].Kind)
	assert.Equal(t, 0.0, ledger.Snapshot(0).PositionQuantity("BTCUSDT"))
}

func TestExecutor_CancelKeepsPartialFill(t *testing.T) {
	venue := newMockVenue()
	venue.On("SubmitOrder", mock.Anything, mock.Anything).Return(nil)
	exec := newTestExecutor(t, venue, portfolio.NewLedger(10_000))

	order := exec.Submit(context.Background(), approvedDecision("BTCUSDT", 100), 1000)
	require.NotNil(t, order)
	_, err := exec.Reconcile(Event{Type: EventFill, OrderID: order.ID, Sequence: 1, Timestamp: 1001, Quantity: 40, Price: 10})
	require.NoError(t, err)
	_, err = exec.Reconcile(Event{Type: EventCancel, OrderID: order.ID, Sequence: 2, Timestamp: 1002})
	require.NoError(t, err)

	got, _ := exec.Order(order.ID)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, 40.0, got.Filled)

	// 终态不可变，再来 cancel 只会得到哨兵错误。
	_, err = exec.Reconcile(Event{Type: EventCancel, OrderID: order.ID, Sequence: 3, Timestamp: 1003})
	assert.ErrorIs(t, err, ErrTerminalOrder)
}

func TestExecutor_MonotonicOrderIDs(t *testing.T) {
	venue := newMockVenue()
	venue.On("SubmitOrder", mock.Anything, mock.Anything).Return(nil)
	exec := newTestExecutor(t, venue, portfolio.NewLedger(10_000))

	first := exec.Submit(context.Background(), approvedDecision("BTCUSDT", 1), 1)
	second := exec.Submit(context.Background(), approvedDecision("BTCUSDT", 1), 2)
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Less(t, first.ID, second.ID)
}
