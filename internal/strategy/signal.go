package strategy

// Direction 是策略对单个 symbol 的方向建议。
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
	DirectionFlat  Direction = "flat"
)

// Signal 是一次评估的产物，只在当前 tick 内有效。
// TargetQuantity 为本次希望成交的数量（正数），方向由 Direction 表达。
type Signal struct {
	Symbol         string    `json:"symbol"`
	Direction      Direction `json:"direction"`
	TargetQuantity float64   `json:"target_quantity"`
	Confidence     float64   `json:"confidence,omitempty"`
}

// Flat 返回指定 symbol 的不动作信号。
func Flat(symbol string) Signal {
	return Signal{Symbol: symbol, Direction: DirectionFlat}
}

// IsActionable 为 true 时该信号会进入风控。
func (s Signal) IsActionable() bool {
	return s.Direction != DirectionFlat && s.TargetQuantity > 0
}

// SignedQuantity 把方向折算成带符号数量，long 为正。
func (s Signal) SignedQuantity() float64 {
	switch s.Direction {
	case DirectionLong:
		return s.TargetQuantity
	case DirectionShort:
		return -s.TargetQuantity
	default:
		return 0
	}
}
