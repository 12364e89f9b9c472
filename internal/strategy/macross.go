package strategy

import (
	"fmt"
	"math"

	"ebb/internal/market"

	talib "github.com/markcheno/go-talib"
)

const KindMACross = "ma_cross"

// MACrossParams 配置均线交叉策略。
type MACrossParams struct {
	Short    int     `mapstructure:"short"`
	Long     int     `mapstructure:"long"`
	Quantity float64 `mapstructure:"quantity"`
}

func (p MACrossParams) validate() error {
	if p.Short <= 0 || p.Long <= 0 {
		return fmt.Errorf("ma_cross 的 short/long 必须为正（short=%d long=%d）", p.Short, p.Long)
	}
	if p.Short >= p.Long {
		return fmt.Errorf("ma_cross 要求 short < long（short=%d long=%d）", p.Short, p.Long)
	}
	if p.Quantity <= 0 {
		return fmt.Errorf("ma_cross 的 quantity 必须为正（quantity=%v）", p.Quantity)
	}
	return nil
}

// MACross 是经典双均线交叉：短均线上穿长均线做多、下穿做空，
// 其余情况 flat。信号只在交叉发生的那根 bar 上发出。
//
// 窗口容量取 long+1，当前与上一根的两组均线都能从窗口本身推出，
// Evaluate 保持窗口内容的纯函数。
type MACross struct {
	params MACrossParams
}

func NewMACross(params MACrossParams) (*MACross, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	return &MACross{params: params}, nil
}

func newMACrossFromParams(raw map[string]any) (Strategy, error) {
	var params MACrossParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	return NewMACross(params)
}

func (m *MACross) Name() string { return KindMACross }

func (m *MACross) Lookback() int { return m.params.Long + 1 }

func (m *MACross) Evaluate(bars []market.Bar) Signal {
	symbol := ""
	if len(bars) > 0 {
		symbol = bars[len(bars)-1].Symbol
	}
	if len(bars) < m.Lookback() {
		return Flat(symbol)
	}
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	shortMA := talib.Sma(closes, m.params.Short)
	longMA := talib.Sma(closes, m.params.Long)
	last := len(closes) - 1
	short, prevShort := shortMA[last], shortMA[last-1]
	long, prevLong := longMA[last], longMA[last-1]
	if !finite(short, prevShort, long, prevLong) {
		return Flat(symbol)
	}

	crossAbove := prevShort <= prevLong && short > long
	crossBelow := prevShort >= prevLong && short < long
	if !crossAbove && !crossBelow {
		return Flat(symbol)
	}
	direction := DirectionLong
	if crossBelow {
		direction = DirectionShort
	}
	return Signal{
		Symbol:         symbol,
		Direction:      direction,
		TargetQuantity: m.params.Quantity,
		Confidence:     crossConfidence(short, long),
	}
}

// crossConfidence 用均线偏离度给出 0~1 的粗略置信度。
func crossConfidence(short, long float64) float64 {
	if long == 0 {
		return 0
	}
	conf := math.Abs(short-long) / math.Abs(long)
	if conf > 1 {
		conf = 1
	}
	return conf
}

func finite(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
