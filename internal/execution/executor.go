// Package execution 负责把风控放行的裁决变成订单，并把场所回报对账
// 进账本。订单状态只随场所回报推进，成交按 (order_id, sequence) 去重，
// 恰好落账一次；超额与未知订单的成交被丢弃并记为诊断，账本不受污染。
package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"ebb/internal/logger"
	"ebb/internal/pkg/circuit"
	"ebb/internal/pkg/trading"
	"ebb/internal/portfolio"
	"ebb/internal/risk"

	"github.com/shopspring/decimal"
)

// 本地拒绝原因。场所主动拒绝时使用场所给出的原因。
const (
	RejectReasonTimeout          = "timeout"
	RejectReasonVenueError       = "venue_error"
	RejectReasonVenueUnavailable = "venue_unavailable"
	RejectReasonLotRoundedZero   = "lot_rounded_zero"
	RejectReasonVenueReject      = "venue_reject"
)

// SubmitPolicy 约束场所边界上的递交行为：每次尝试的超时、额外重试
// 次数与退避区间。超时与传输错误共享同一份重试预算。
type SubmitPolicy struct {
	AttemptTimeout time.Duration `json:"attempt_timeout"`
	MaxRetries     int           `json:"max_retries"`
	InitialBackoff time.Duration `json:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff"`
}

func (p SubmitPolicy) withDefaults() SubmitPolicy {
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = 5 * time.Second
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = time.Second
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 30 * time.Second
	}
	return p
}

// ExecutorParams 聚合执行器的依赖。
type ExecutorParams struct {
	Venue    VenueAdapter
	Ledger   *portfolio.Ledger
	Policy   SubmitPolicy
	Breaker  *circuit.CircuitBreaker
	LotStep  float64
	IDPrefix string
}

// Executor 是订单的唯一记录处。Submit 与 Reconcile 都在引擎的决策
// 线程上调用，互斥锁只为并发只读方（HTTP 面板）服务。
type Executor struct {
	venue   VenueAdapter
	ledger  *portfolio.Ledger
	policy  SubmitPolicy
	breaker *circuit.CircuitBreaker
	lotStep float64
	ids     *IDGenerator

	mu         sync.Mutex
	orders     map[string]*Order
	orderIDs   []string
	seenFills  map[string]struct{}
	anomalies  []Anomaly
	duplicates int64
}

func NewExecutor(params ExecutorParams) (*Executor, error) {
	if params.Venue == nil {
		return nil, fmt.Errorf("executor 缺少场所适配器")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("executor 缺少账本")
	}
	return &Executor{
		venue:     params.Venue,
		ledger:    params.Ledger,
		policy:    params.Policy.withDefaults(),
		breaker:   params.Breaker,
		lotStep:   params.LotStep,
		ids:       NewIDGenerator(params.IDPrefix),
		orders:    make(map[string]*Order),
		seenFills: make(map[string]struct{}),
	}, nil
}

// Submit 把放行的裁决递交场所。数量为零是无动作 tick，不产生订单；
// lot 步长归零的数量以 lot_rounded_zero 拒绝入账，保住审计痕迹。
// 递交失败按策略退避重试，预算耗尽后订单转 Rejected：最后一次是
// 超时记 timeout，否则记 venue_error；熔断器打开时不消耗重试预算，
// 直接以 venue_unavailable 拒绝。
func (e *Executor) Submit(ctx context.Context, d risk.Decision, now int64) *Order {
	signed := d.ApprovedQuantity
	if signed == 0 {
		return nil
	}
	side := SideBuy
	qty := signed
	if signed < 0 {
		side = SideSell
		qty = -signed
	}

	order := &Order{
		ID:        e.ids.Next(),
		Symbol:    d.Signal.Symbol,
		Side:      side,
		Quantity:  qty,
		Status:    StatusPending,
		OriginID:  fmt.Sprintf("%s@%d", d.Signal.Symbol, now),
		CreatedAt: now,
		UpdatedAt: now,
	}

	normalized := trading.NormalizeQuantity(qty, e.lotStep)
	if normalized <= 0 {
		order.Status = StatusRejected
		order.Reason = RejectReasonLotRoundedZero
		e.track(order)
		logger.Debugf("[executor] 数量 %v 按步长 %v 归零，订单 %s 拒绝", qty, e.lotStep, order.ID)
		return e.orderCopy(order.ID)
	}
	order.Quantity = normalized
	snapshot := *order
	e.track(order)

	if e.breaker != nil && !e.breaker.Allow() {
		e.transitionLocal(order.ID, StatusRejected, RejectReasonVenueUnavailable, now)
		logger.Warnf("[executor] 熔断器打开，订单 %s 以 %s 拒绝", order.ID, RejectReasonVenueUnavailable)
		return e.orderCopy(order.ID)
	}

	delay := e.policy.InitialBackoff
	attempts := e.policy.MaxRetries + 1
	var lastErr error
	lastTimeout := false
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if !sleepWithContext(ctx, delay) {
				lastErr = ctx.Err()
				lastTimeout = true
				break
			}
			delay = nextDelay(delay, e.policy.MaxBackoff)
		}
		attemptCtx, cancel := context.WithTimeout(ctx, e.policy.AttemptTimeout)
		err := e.venue.SubmitOrder(attemptCtx, snapshot)
		cancel()
		if err == nil {
			if e.breaker != nil {
				e.breaker.RecordSuccess()
			}
			return e.orderCopy(order.ID)
		}
		lastErr = err
		lastTimeout = errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
		if e.breaker != nil {
			e.breaker.RecordFailure()
		}
		logger.Warnf("[executor] 订单 %s 第 %d/%d 次递交失败: %v", order.ID, attempt, attempts, err)
		if ctx.Err() != nil {
			break
		}
	}

	reason := RejectReasonVenueError
	if lastTimeout {
		reason = RejectReasonTimeout
	}
	e.transitionLocal(order.ID, StatusRejected, reason, now)
	logger.Warnf("[executor] 订单 %s 重试预算耗尽，以 %s 拒绝: %v", order.ID, reason, lastErr)
	return e.orderCopy(order.ID)
}

// Reconcile 把一条场所回报推进到订单与账本上。返回的 Delta 仅在
// 成交落账时非空。重复成交与迟到回报返回对应哨兵错误，便于调用方
// 降级为 debug 日志；异常事件已在内部记为诊断。
func (e *Executor) Reconcile(ev Event) (portfolio.Delta, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, ok := e.orders[ev.OrderID]
	if !ok {
		e.flag(Anomaly{
			Kind:      AnomalyUnknownOrder,
			OrderID:   ev.OrderID,
			Sequence:  ev.Sequence,
			Timestamp: ev.Timestamp,
			Detail:    fmt.Sprintf("%s 回报引用未知订单", ev.Type),
		})
		return portfolio.Delta{}, fmt.Errorf("处理 %s 回报: %w", ev.Type, ErrUnknownOrder)
	}

	switch ev.Type {
	case EventAck:
		return portfolio.Delta{}, e.applyAck(order, ev)
	case EventFill:
		return e.applyFill(order, ev)
	case EventReject:
		return portfolio.Delta{}, e.applyReject(order, ev)
	case EventCancel:
		return portfolio.Delta{}, e.applyCancel(order, ev)
	default:
		e.flag(Anomaly{
			Kind:      AnomalyMalformed,
			OrderID:   ev.OrderID,
			Sequence:  ev.Sequence,
			Timestamp: ev.Timestamp,
			Detail:    fmt.Sprintf("未知回报类型 %q", ev.Type),
		})
		return portfolio.Delta{}, fmt.Errorf("回报类型 %q: %w", ev.Type, ErrMalformedEvent)
	}
}

func (e *Executor) applyAck(order *Order, ev Event) error {
	if order.Status.Terminal() {
		return fmt.Errorf("订单 %s 已是 %s: %w", order.ID, order.Status, ErrTerminalOrder)
	}
	if order.Status == StatusPending {
		order.Status = StatusSubmitted
		order.UpdatedAt = ev.Timestamp
	}
	return nil
}

func (e *Executor) applyFill(order *Order, ev Event) (portfolio.Delta, error) {
	key := fmt.Sprintf("%s#%d", ev.OrderID, ev.Sequence)
	if _, seen := e.seenFills[key]; seen {
		// 重投是 at-least-once 投递的正常现象，不算账本异常。
		e.duplicates++
		logger.Debugf("[executor] 丢弃重复成交 %s", key)
		return portfolio.Delta{}, fmt.Errorf("成交 %s: %w", key, ErrDuplicateFill)
	}
	if !isFinite(ev.Quantity) || ev.Quantity <= 0 || !isFinite(ev.Price) || ev.Price <= 0 || !isFinite(ev.Fee) || ev.Fee < 0 {
		e.flag(Anomaly{
			Kind:      AnomalyMalformed,
			OrderID:   ev.OrderID,
			Sequence:  ev.Sequence,
			Timestamp: ev.Timestamp,
			Detail:    fmt.Sprintf("成交字段非法 qty=%v price=%v fee=%v", ev.Quantity, ev.Price, ev.Fee),
		})
		return portfolio.Delta{}, fmt.Errorf("成交 %s 字段非法: %w", key, ErrMalformedEvent)
	}
	if order.Status == StatusRejected || order.Status == StatusCancelled {
		e.flag(Anomaly{
			Kind:      AnomalyTerminalOrder,
			OrderID:   ev.OrderID,
			Sequence:  ev.Sequence,
			Timestamp: ev.Timestamp,
			Detail:    fmt.Sprintf("订单已是 %s 仍收到成交", order.Status),
		})
		return portfolio.Delta{}, fmt.Errorf("订单 %s 状态 %s 收到成交: %w", order.ID, order.Status, ErrTerminalOrder)
	}

	filled := decimal.NewFromFloat(order.Filled)
	fillQty := decimal.NewFromFloat(ev.Quantity)
	total := filled.Add(fillQty)
	if total.GreaterThan(decimal.NewFromFloat(order.Quantity)) {
		e.flag(Anomaly{
			Kind:      AnomalyOverFill,
			OrderID:   ev.OrderID,
			Sequence:  ev.Sequence,
			Timestamp: ev.Timestamp,
			Detail:    fmt.Sprintf("成交 %v 超出余量 %v", ev.Quantity, order.Remaining()),
		})
		return portfolio.Delta{}, fmt.Errorf("订单 %s 超额成交 %v/余量 %v: %w", order.ID, ev.Quantity, order.Remaining(), ErrOverFill)
	}

	signedQty := ev.Quantity
	if order.Side == SideSell {
		signedQty = -ev.Quantity
	}
	delta, err := e.ledger.ApplyFill(portfolio.Fill{
		Symbol:   order.Symbol,
		Quantity: signedQty,
		Price:    ev.Price,
		Fee:      ev.Fee,
	})
	if err != nil {
		e.flag(Anomaly{
			Kind:      AnomalyMalformed,
			OrderID:   ev.OrderID,
			Sequence:  ev.Sequence,
			Timestamp: ev.Timestamp,
			Detail:    fmt.Sprintf("落账失败: %v", err),
		})
		return portfolio.Delta{}, fmt.Errorf("成交 %s 落账: %w", key, err)
	}

	e.seenFills[key] = struct{}{}
	prevNotional := decimal.NewFromFloat(order.AvgPrice).Mul(filled)
	addNotional := decimal.NewFromFloat(ev.Price).Mul(fillQty)
	avg, _ := prevNotional.Add(addNotional).Div(total).Float64()
	order.AvgPrice = avg
	order.Filled, _ = total.Float64()
	if total.Equal(decimal.NewFromFloat(order.Quantity)) {
		order.Status = StatusFilled
	} else {
		order.Status = StatusPartiallyFilled
	}
	order.UpdatedAt = ev.Timestamp
	return delta, nil
}

func (e *Executor) applyReject(order *Order, ev Event) error {
	if order.Status.Terminal() {
		return fmt.Errorf("订单 %s 已是 %s: %w", order.ID, order.Status, ErrTerminalOrder)
	}
	if order.Filled > 0 {
		e.flag(Anomaly{
			Kind:      AnomalyMalformed,
			OrderID:   ev.OrderID,
			Sequence:  ev.Sequence,
			Timestamp: ev.Timestamp,
			Detail:    fmt.Sprintf("已成交 %v 的订单收到 reject", order.Filled),
		})
		return fmt.Errorf("订单 %s 已有成交仍收到 reject: %w", order.ID, ErrMalformedEvent)
	}
	order.Status = StatusRejected
	order.Reason = ev.Reason
	if order.Reason == "" {
		order.Reason = RejectReasonVenueReject
	}
	order.UpdatedAt = ev.Timestamp
	return nil
}

func (e *Executor) applyCancel(order *Order, ev Event) error {
	if order.Status.Terminal() {
		return fmt.Errorf("订单 %s 已是 %s: %w", order.ID, order.Status, ErrTerminalOrder)
	}
	order.Status = StatusCancelled
	if ev.Reason != "" {
		order.Reason = ev.Reason
	}
	order.UpdatedAt = ev.Timestamp
	return nil
}

// Order 返回订单副本。
func (e *Executor) Order(id string) (Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if o, ok := e.orders[id]; ok {
		return *o, true
	}
	return Order{}, false
}

// Orders 按创建顺序返回全部订单的副本。
func (e *Executor) Orders() []Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Order, 0, len(e.orderIDs))
	for _, id := range e.orderIDs {
		out = append(out, *e.orders[id])
	}
	return out
}

// OpenOrders 返回尚未到终态的订单副本。
func (e *Executor) OpenOrders() []Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Order
	for _, id := range e.orderIDs {
		if o := e.orders[id]; !o.Status.Terminal() {
			out = append(out, *o)
		}
	}
	return out
}

// TakeAnomalies 取走累积的诊断记录，通常由引擎每个 tick 调用。
func (e *Executor) TakeAnomalies() []Anomaly {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.anomalies
	e.anomalies = nil
	return out
}

// DuplicateFills 返回被丢弃的重复成交总数。
func (e *Executor) DuplicateFills() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.duplicates
}

func (e *Executor) track(o *Order) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.orders[o.ID] = o
	e.orderIDs = append(e.orderIDs, o.ID)
}

func (e *Executor) transitionLocal(id string, status Status, reason string, now int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o := e.orders[id]
	if o == nil || o.Status.Terminal() {
		return
	}
	o.Status = status
	o.Reason = reason
	o.UpdatedAt = now
}

func (e *Executor) orderCopy(id string) *Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	if o, ok := e.orders[id]; ok {
		c := *o
		return &c
	}
	return nil
}

func (e *Executor) flag(a Anomaly) {
	e.anomalies = append(e.anomalies, a)
	logger.Errorf("[executor] 账本诊断 %s: order=%s seq=%d %s", a.Kind, a.OrderID, a.Sequence, a.Detail)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
