// Package paper 提供纸面撮合场所：收单异步化、按 tick 推进，成交价
// 带滑点、按名义价值收费，订单可拆成多笔成交。所有回报写入有界事件
// 队列，由引擎每个 tick 排干。Outcome 钩子可以按单注入拒绝、撤单、
// 重复成交与超额成交，用来演练对账路径。
package paper

import (
	"context"
	"fmt"
	"sync"

	"ebb/internal/execution"
	"ebb/internal/logger"
	"ebb/internal/market"

	"github.com/shopspring/decimal"
)

// Outcome 是脚本化的订单结局。
type Outcome int

const (
	OutcomeFill Outcome = iota
	OutcomeReject
	OutcomeCancelAfterPartial
	OutcomeDuplicateFill
	OutcomeOverFill
)

// OutcomeFunc 按订单决定结局，nil 表示全部正常成交。
type OutcomeFunc func(order execution.Order) Outcome

// Config 控制撮合行为。延迟以 tick 计：0 表示订单在提交的同一个
// tick 内确认/成交（同步场所），≥1 表示跨 tick 异步到达。
type Config struct {
	AckDelayTicks  int     `json:"ack_delay_ticks"`
	FillDelayTicks int     `json:"fill_delay_ticks"`
	PartialSplits  int     `json:"partial_splits"`
	SlippageBps    float64 `json:"slippage_bps"`
	FeeRate        float64 `json:"fee_rate"`
	QueueCapacity  int     `json:"queue_capacity"`

	// FailSubmits 让最初 N 次递交返回传输错误，演练重试路径。
	FailSubmits int `json:"fail_submits,omitempty"`

	Outcome OutcomeFunc `json:"-"`
}

func (c Config) withDefaults() Config {
	if c.AckDelayTicks < 0 {
		c.AckDelayTicks = 0
	}
	if c.FillDelayTicks < 0 {
		c.FillDelayTicks = 0
	}
	if c.PartialSplits <= 0 {
		c.PartialSplits = 1
	}
	if c.SlippageBps < 0 {
		c.SlippageBps = 0
	}
	if c.FeeRate < 0 {
		c.FeeRate = 0
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = execution.DefaultQueueCapacity
	}
	return c
}

type pendingOrder struct {
	order     execution.Order
	outcome   Outcome
	acked     bool
	ackTick   int64
	fillTick  int64
	plan      []float64
	nextFill  int
	seq       int64
	cancelled bool
}

func (p *pendingOrder) nextSeq() int64 {
	p.seq++
	return p.seq
}

func (p *pendingOrder) filledOut() bool { return p.nextFill >= len(p.plan) }

// buildFillPlan 把订单数量拆成 splits 笔，在 decimal 空间里配平，
// 保证各笔相加与订单数量严格相等。
func buildFillPlan(quantity float64, splits int) []float64 {
	if splits <= 1 {
		return []float64{quantity}
	}
	total := decimal.NewFromFloat(quantity)
	per := total.Div(decimal.NewFromInt(int64(splits))).RoundDown(8)
	if per.IsZero() {
		return []float64{quantity}
	}
	plan := make([]float64, 0, splits)
	acc := decimal.Zero
	for i := 0; i < splits-1; i++ {
		f, _ := per.Float64()
		plan = append(plan, f)
		acc = acc.Add(per)
	}
	last, _ := total.Sub(acc).Float64()
	plan = append(plan, last)
	return plan
}

// Venue 是 VenueAdapter 的纸面实现，同时实现 BarObserver 以跟随
// 引擎 tick 推进内部时钟。
type Venue struct {
	cfg   Config
	queue *execution.EventQueue

	mu            sync.Mutex
	tick          int64
	marks         map[string]float64
	pending       map[string]*pendingOrder
	submitOrder   []string
	failRemaining int
}

func NewVenue(cfg Config) *Venue {
	cfg = cfg.withDefaults()
	return &Venue{
		cfg:           cfg,
		queue:         execution.NewEventQueue(cfg.QueueCapacity),
		marks:         make(map[string]float64),
		pending:       make(map[string]*pendingOrder),
		failRemaining: cfg.FailSubmits,
	}
}

func (v *Venue) Name() string { return "paper" }

func (v *Venue) Queue() *execution.EventQueue { return v.queue }

// SubmitOrder 收单并排进撮合计划。回报从下一次 OnBar 起按延迟出现。
func (v *Venue) SubmitOrder(ctx context.Context, order execution.Order) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if order.Quantity <= 0 {
		return fmt.Errorf("paper: 订单 %s 数量非法 %v", order.ID, order.Quantity)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.failRemaining > 0 {
		v.failRemaining--
		return fmt.Errorf("paper: 模拟递交失败（剩余 %d 次）", v.failRemaining)
	}
	if _, dup := v.pending[order.ID]; dup {
		return fmt.Errorf("paper: 订单 %s 重复递交", order.ID)
	}

	outcome := OutcomeFill
	if v.cfg.Outcome != nil {
		outcome = v.cfg.Outcome(order)
	}
	po := &pendingOrder{
		order:   order,
		outcome: outcome,
		ackTick: v.tick + 1 + int64(v.cfg.AckDelayTicks),
		plan:    buildFillPlan(order.Quantity, v.cfg.PartialSplits),
	}
	po.fillTick = po.ackTick + int64(v.cfg.FillDelayTicks)
	v.pending[order.ID] = po
	v.submitOrder = append(v.submitOrder, order.ID)
	return nil
}

// OnBar 推进撮合时钟：记录标记价，发出到期的确认与成交。每个订单
// 每 tick 至多成交一笔，多笔拆单跨 tick 展开。
func (v *Venue) OnBar(bar market.Bar) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.marks[bar.Symbol] = bar.Close
	v.tick++
	now := bar.CloseTime

	var done []string
	for _, id := range v.submitOrder {
		po, ok := v.pending[id]
		if !ok {
			continue
		}
		if v.tick < po.ackTick {
			continue
		}
		if !po.acked {
			if po.outcome == OutcomeReject {
				v.push(execution.Event{
					Type:      execution.EventReject,
					OrderID:   id,
					Sequence:  po.nextSeq(),
					Timestamp: now,
					Reason:    "scripted_reject",
				})
				done = append(done, id)
				continue
			}
			v.push(execution.Event{
				Type:      execution.EventAck,
				OrderID:   id,
				Sequence:  po.nextSeq(),
				Timestamp: now,
			})
			po.acked = true
		}
		if v.tick < po.fillTick || po.filledOut() || po.cancelled {
			continue
		}
		mark := v.marks[po.order.Symbol]
		if mark <= 0 {
			continue
		}

		qty := po.plan[po.nextFill]
		po.nextFill++
		price := v.execPrice(mark, po.order.Side)
		fill := execution.Event{
			Type:      execution.EventFill,
			OrderID:   id,
			Sequence:  po.nextSeq(),
			Timestamp: now,
			Quantity:  qty,
			Price:     price,
			Fee:       qty * price * v.cfg.FeeRate,
		}
		v.push(fill)

		switch po.outcome {
		case OutcomeDuplicateFill:
			// 同一 (order_id, sequence) 原样重投。
			v.push(fill)
		case OutcomeCancelAfterPartial:
			if !po.filledOut() {
				v.push(execution.Event{
					Type:      execution.EventCancel,
					OrderID:   id,
					Sequence:  po.nextSeq(),
					Timestamp: now,
					Reason:    "scripted_cancel",
				})
				po.cancelled = true
				done = append(done, id)
				continue
			}
		}

		if po.filledOut() {
			if po.outcome == OutcomeOverFill {
				extra := fill
				extra.Sequence = po.nextSeq()
				extra.Quantity = po.plan[0]
				v.push(extra)
			}
			done = append(done, id)
		}
	}
	for _, id := range done {
		delete(v.pending, id)
	}
}

// PendingOrders 返回仍在撮合计划里的订单数，测试与面板用。
func (v *Venue) PendingOrders() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.pending)
}

func (v *Venue) execPrice(mark float64, side execution.Side) float64 {
	slip := mark * v.cfg.SlippageBps / 10000
	if side == execution.SideBuy {
		return mark + slip
	}
	return mark - slip
}

func (v *Venue) push(ev execution.Event) {
	if err := v.queue.Push(ev); err != nil {
		logger.Errorf("[paper] 事件队列已满，丢弃 %s 回报 order=%s seq=%d", ev.Type, ev.OrderID, ev.Sequence)
	}
}
