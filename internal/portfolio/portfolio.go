// Package portfolio 维护资金与持仓账本。账本是持仓、现金与已实现
// 盈亏的唯一权威记录，只能通过对账后的成交来修改；任何读取方拿到的
// 都是快照副本。
package portfolio

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// Position 描述单个交易对的净持仓，Quantity 带符号，正为多头。
type Position struct {
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity"`
	AvgCost  float64 `json:"avg_cost"`
}

// Snapshot 是账本在某一时刻的只读快照。Positions 里查不到的交易对
// 视为零持仓。
type Snapshot struct {
	TS            int64               `json:"ts"`
	Cash          float64             `json:"cash"`
	RealizedPnL   float64             `json:"realized_pnl"`
	UnrealizedPnL float64             `json:"unrealized_pnl"`
	Equity        float64             `json:"equity"`
	GrossExposure float64             `json:"gross_exposure"`
	Positions     map[string]Position `json:"positions"`
	Marks         map[string]float64  `json:"marks"`
}

// PositionQuantity 返回快照中某交易对的带符号持仓，缺失视为零。
func (s Snapshot) PositionQuantity(symbol string) float64 {
	if pos, ok := s.Positions[symbol]; ok {
		return pos.Quantity
	}
	return 0
}

// MarkFor 返回快照中的标记价，没有行情时退回持仓均价。
func (s Snapshot) MarkFor(symbol string) float64 {
	if mark, ok := s.Marks[symbol]; ok && mark > 0 {
		return mark
	}
	if pos, ok := s.Positions[symbol]; ok {
		return pos.AvgCost
	}
	return 0
}

// Fill 是账本接受的最小成交描述，方向由 Quantity 的符号表达。
type Fill struct {
	Symbol   string
	Quantity float64
	Price    float64
	Fee      float64
}

// Delta 描述一笔成交落账后的增量，供记录与诊断使用。
type Delta struct {
	Symbol        string  `json:"symbol"`
	QuantityDelta float64 `json:"quantity_delta"`
	CashDelta     float64 `json:"cash_delta"`
	RealizedDelta float64 `json:"realized_delta"`
	Quantity      float64 `json:"quantity"`
	AvgCost       float64 `json:"avg_cost"`
}

type positionState struct {
	qty decimal.Decimal
	avg decimal.Decimal
}

// Ledger 以 decimal 内部记账，浮点只出现在出入口。所有修改持互斥锁，
// 一次成交落账是原子的。
type Ledger struct {
	mu        sync.Mutex
	cash      decimal.Decimal
	realized  decimal.Decimal
	positions map[string]*positionState
	marks     map[string]decimal.Decimal
}

func NewLedger(initialCash float64) *Ledger {
	return &Ledger{
		cash:      decFromFloat(initialCash),
		positions: make(map[string]*positionState),
		marks:     make(map[string]decimal.Decimal),
	}
}

// SetMark 用最新收盘价更新标记价，非法价格直接忽略。
func (l *Ledger) SetMark(symbol string, price float64) {
	if symbol == "" || price <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.marks[symbol] = decFromFloat(price)
}

// ApplyFill 把一笔成交落账：现金按 price×quantity 增减再扣手续费，
// 同向加仓重算加权均价，减仓按旧均价结转已实现盈亏，反手先平旧仓
// 再以成交价开新仓。持平后的交易对从映射中移除。
func (l *Ledger) ApplyFill(f Fill) (Delta, error) {
	if f.Symbol == "" {
		return Delta{}, fmt.Errorf("落账缺少交易对")
	}
	if f.Quantity == 0 {
		return Delta{}, fmt.Errorf("落账数量为零（symbol=%s）", f.Symbol)
	}
	if f.Price <= 0 {
		return Delta{}, fmt.Errorf("落账价格非法（symbol=%s price=%v）", f.Symbol, f.Price)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	qty := decFromFloat(f.Quantity)
	price := decFromFloat(f.Price)
	fee := decFromFloat(f.Fee)

	pos := l.positions[f.Symbol]
	if pos == nil {
		pos = &positionState{}
		l.positions[f.Symbol] = pos
	}

	oldQty := pos.qty
	newQty := oldQty.Add(qty)
	realizedDelta := decimal.Zero

	switch {
	case oldQty.IsZero() || oldQty.Sign() == qty.Sign():
		// 开仓或加仓，成本按数量加权。
		oldNotional := oldQty.Abs().Mul(pos.avg)
		addNotional := qty.Abs().Mul(price)
		pos.avg = oldNotional.Add(addNotional).Div(newQty.Abs())
	case qty.Abs().LessThanOrEqual(oldQty.Abs()):
		// 减仓或平仓，均价不变。
		realizedDelta = closePnL(oldQty, pos.avg, price, qty.Abs())
	default:
		// 反手：旧仓全部结转，余量按成交价重新开仓。
		realizedDelta = closePnL(oldQty, pos.avg, price, oldQty.Abs())
		pos.avg = price
	}
	pos.qty = newQty
	if newQty.IsZero() {
		delete(l.positions, f.Symbol)
	}

	cashDelta := qty.Mul(price).Neg().Sub(fee)
	l.cash = l.cash.Add(cashDelta)
	l.realized = l.realized.Add(realizedDelta)

	return Delta{
		Symbol:        f.Symbol,
		QuantityDelta: f.Quantity,
		CashDelta:     decToFloat(cashDelta),
		RealizedDelta: decToFloat(realizedDelta),
		Quantity:      decToFloat(newQty),
		AvgCost:       decToFloat(pos.avg),
	}, nil
}

// closePnL 结转 closed 数量的已实现盈亏，多头赚在价涨、空头赚在价跌。
func closePnL(oldQty, avg, price, closed decimal.Decimal) decimal.Decimal {
	pnl := price.Sub(avg).Mul(closed)
	if oldQty.Sign() < 0 {
		pnl = pnl.Neg()
	}
	return pnl
}

// Snapshot 返回 ts 时刻的深拷贝快照，持有方随意修改不影响账本。
func (l *Ledger) Snapshot(ts int64) Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	positions := make(map[string]Position, len(l.positions))
	unrealized := decimal.Zero
	gross := decimal.Zero
	posValue := decimal.Zero
	for sym, pos := range l.positions {
		mark, ok := l.marks[sym]
		if !ok || mark.Sign() <= 0 {
			mark = pos.avg
		}
		positions[sym] = Position{
			Symbol:   sym,
			Quantity: decToFloat(pos.qty),
			AvgCost:  decToFloat(pos.avg),
		}
		unrealized = unrealized.Add(mark.Sub(pos.avg).Mul(pos.qty))
		gross = gross.Add(pos.qty.Abs().Mul(mark))
		posValue = posValue.Add(pos.qty.Mul(mark))
	}
	marks := make(map[string]float64, len(l.marks))
	for sym, m := range l.marks {
		marks[sym] = decToFloat(m)
	}

	return Snapshot{
		TS:            ts,
		Cash:          decToFloat(l.cash),
		RealizedPnL:   decToFloat(l.realized),
		UnrealizedPnL: decToFloat(unrealized),
		Equity:        decToFloat(l.cash.Add(posValue)),
		GrossExposure: decToFloat(gross),
		Positions:     positions,
		Marks:         marks,
	}
}
