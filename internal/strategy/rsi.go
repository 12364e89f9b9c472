package strategy

import (
	"fmt"

	"ebb/internal/market"

	talib "github.com/markcheno/go-talib"
)

const KindRSIReversion = "rsi_reversion"

// RSIReversionParams 配置 RSI 超买超卖回归策略。
type RSIReversionParams struct {
	Period     int     `mapstructure:"period"`
	Oversold   float64 `mapstructure:"oversold"`
	Overbought float64 `mapstructure:"overbought"`
	Quantity   float64 `mapstructure:"quantity"`
}

func (p RSIReversionParams) validate() error {
	if p.Period < 2 {
		return fmt.Errorf("rsi_reversion 的 period 至少为 2（period=%d）", p.Period)
	}
	if p.Oversold <= 0 || p.Overbought >= 100 || p.Oversold >= p.Overbought {
		return fmt.Errorf("rsi_reversion 要求 0 < oversold < overbought < 100（oversold=%v overbought=%v）", p.Oversold, p.Overbought)
	}
	if p.Quantity <= 0 {
		return fmt.Errorf("rsi_reversion 的 quantity 必须为正（quantity=%v）", p.Quantity)
	}
	return nil
}

// RSIReversion 在 RSI 刚跌入超卖区时做多、刚升入超买区时做空。
// 只在穿越发生的那根 bar 触发，区间内停留不再重复发信号。
type RSIReversion struct {
	params RSIReversionParams
}

func NewRSIReversion(params RSIReversionParams) (*RSIReversion, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	return &RSIReversion{params: params}, nil
}

func newRSIReversionFromParams(raw map[string]any) (Strategy, error) {
	var params RSIReversionParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	return NewRSIReversion(params)
}

func (r *RSIReversion) Name() string { return KindRSIReversion }

// Lookback 取 period+2，保证当前与上一根的 RSI 都已脱离预热段。
func (r *RSIReversion) Lookback() int { return r.params.Period + 2 }

func (r *RSIReversion) Evaluate(bars []market.Bar) Signal {
	symbol := ""
	if len(bars) > 0 {
		symbol = bars[len(bars)-1].Symbol
	}
	if len(bars) < r.Lookback() {
		return Flat(symbol)
	}
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	rsi := talib.Rsi(closes, r.params.Period)
	last := len(closes) - 1
	cur, prev := rsi[last], rsi[last-1]
	if !finite(cur, prev) {
		return Flat(symbol)
	}

	var direction Direction
	switch {
	case prev >= r.params.Oversold && cur < r.params.Oversold:
		direction = DirectionLong
	case prev <= r.params.Overbought && cur > r.params.Overbought:
		direction = DirectionShort
	default:
		return Flat(symbol)
	}
	return Signal{
		Symbol:         symbol,
		Direction:      direction,
		TargetQuantity: r.params.Quantity,
		Confidence:     zoneConfidence(cur, r.params.Oversold, r.params.Overbought),
	}
}

// zoneConfidence 按 RSI 深入区间的程度给出 0~1 的置信度。
func zoneConfidence(cur, oversold, overbought float64) float64 {
	var depth, span float64
	if cur < oversold {
		depth, span = oversold-cur, oversold
	} else {
		depth, span = cur-overbought, 100-overbought
	}
	if span <= 0 {
		return 0
	}
	conf := depth / span
	if conf > 1 {
		conf = 1
	}
	return conf
}
