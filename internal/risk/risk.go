// Package risk 把策略信号挡在持仓、敞口与资金约束之内。Evaluate 是
// (signal, snapshot, limits) 的纯函数，风控层自身不持可变状态，同样的
// 输入永远给出同样的裁决。
package risk

import (
	"fmt"
	"math"

	"ebb/internal/portfolio"
	"ebb/internal/strategy"

	"github.com/shopspring/decimal"
)

// 拒绝原因，空字符串表示放行。
const (
	ReasonPositionLimit    = "position_limit"
	ReasonExposureLimit    = "exposure_limit"
	ReasonInsufficientCash = "insufficient_cash"
)

// Limits 是风控的全部配置。
type Limits struct {
	// MaxPositionSize 限制单交易对净持仓的绝对数量。
	MaxPositionSize float64 `json:"max_position_size"`
	// MaxGrossExposure 限制全部持仓名义价值之和。
	MaxGrossExposure float64 `json:"max_gross_exposure"`
	// MaxOrderQuantity 限制单笔订单数量，与持仓无关。
	MaxOrderQuantity float64 `json:"max_order_quantity"`
	// MarginEnabled 为 false 时拒绝会把现金打成负数的买单。
	MarginEnabled bool `json:"margin_enabled"`
}

// Validate 在启动期把非法配置挡下来，引擎据此拒绝启动。
func (l Limits) Validate() error {
	if l.MaxPositionSize <= 0 || math.IsNaN(l.MaxPositionSize) || math.IsInf(l.MaxPositionSize, 0) {
		return fmt.Errorf("max_position_size 必须为正（got %v）", l.MaxPositionSize)
	}
	if l.MaxGrossExposure <= 0 || math.IsNaN(l.MaxGrossExposure) || math.IsInf(l.MaxGrossExposure, 0) {
		return fmt.Errorf("max_gross_exposure 必须为正（got %v）", l.MaxGrossExposure)
	}
	if l.MaxOrderQuantity <= 0 || math.IsNaN(l.MaxOrderQuantity) || math.IsInf(l.MaxOrderQuantity, 0) {
		return fmt.Errorf("max_order_quantity 必须为正（got %v）", l.MaxOrderQuantity)
	}
	return nil
}

// Decision 是风控对一个信号的裁决。ApprovedQuantity 带符号，绝对值
// 不会超过信号的目标数量，符号与信号一致，永不放大。
type Decision struct {
	Signal           strategy.Signal `json:"signal"`
	ApprovedQuantity float64         `json:"approved_quantity"`
	Reason           string          `json:"reason,omitempty"`
}

// Actionable 表示裁决通过且数量非零，应当下单。
func (d Decision) Actionable() bool { return d.Reason == "" && d.ApprovedQuantity != 0 }

// Rejected 表示信号被明确拒绝。拒绝是正常裁决结果，不是错误。
func (d Decision) Rejected() bool { return d.Reason != "" }

// Manager 持有校验过的限额。
type Manager struct {
	limits Limits
}

func NewManager(limits Limits) (*Manager, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	return &Manager{limits: limits}, nil
}

func (m *Manager) Limits() Limits { return m.limits }

// Evaluate 按固定顺序裁决：
//  1. 投影完全成交后的净持仓，越过 max_position_size 时向余量收缩，
//     保持符号、永不反向；
//  2. 收缩到零则拒绝 position_limit；
//  3. 投影总敞口（现有总敞口 − 该交易对当前名义 + 投影后名义）越过
//     max_gross_exposure 则整单拒绝 exposure_limit，不做部分收缩；
//  4. 用 max_order_quantity 做最后一道数量封顶；
//  5. 未开保证金时，买入成本超过现金则拒绝 insufficient_cash。
func (m *Manager) Evaluate(sig strategy.Signal, snap portfolio.Snapshot) Decision {
	target := decFromFloat(sig.SignedQuantity())
	if target.IsZero() {
		return Decision{Signal: sig}
	}

	current := decFromFloat(snap.PositionQuantity(sig.Symbol))
	maxPos := decFromFloat(m.limits.MaxPositionSize)

	approved := target
	resulting := current.Add(target)
	if resulting.Abs().GreaterThan(maxPos) {
		if target.Sign() > 0 {
			approved = maxPos.Sub(current)
		} else {
			approved = maxPos.Neg().Sub(current)
		}
		// 已越限的持仓没有同向余量，收缩只减不反向。
		if approved.Sign() != target.Sign() {
			approved = decimal.Zero
		}
	}
	if approved.IsZero() {
		return Decision{Signal: sig, Reason: ReasonPositionLimit}
	}

	mark := decFromFloat(snap.MarkFor(sig.Symbol))
	currentNotional := current.Abs().Mul(mark)
	projectedNotional := current.Add(approved).Abs().Mul(mark)
	projectedGross := decFromFloat(snap.GrossExposure).Sub(currentNotional).Add(projectedNotional)
	if projectedGross.GreaterThan(decFromFloat(m.limits.MaxGrossExposure)) {
		return Decision{Signal: sig, Reason: ReasonExposureLimit}
	}

	maxOrder := decFromFloat(m.limits.MaxOrderQuantity)
	if approved.Abs().GreaterThan(maxOrder) {
		if approved.Sign() > 0 {
			approved = maxOrder
		} else {
			approved = maxOrder.Neg()
		}
	}

	if !m.limits.MarginEnabled && approved.Sign() > 0 {
		cost := approved.Mul(mark)
		if cost.GreaterThan(decFromFloat(snap.Cash)) {
			return Decision{Signal: sig, Reason: ReasonInsufficientCash}
		}
	}

	return Decision{Signal: sig, ApprovedQuantity: decToFloat(approved)}
}

func decFromFloat(val float64) decimal.Decimal {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(val)
}

func decToFloat(val decimal.Decimal) float64 {
	f, _ := val.Float64()
	return f
}
