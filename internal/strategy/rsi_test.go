package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRSI(t *testing.T) *RSIReversion {
	t.Helper()
	s, err := NewRSIReversion(RSIReversionParams{
		Period:     3,
		Oversold:   30,
		Overbought: 70,
		Quantity:   2,
	})
	require.NoError(t, err)
	return s
}

func TestRSIReversion_LongOnDropIntoOversold(t *testing.T) {
	s := newTestRSI(t)

	// 连涨后急跌，RSI 从 100 跌到 20，刚好穿入超卖区。
	sig := s.Evaluate(testBars("BTCUSDT", []float64{100, 101, 102, 103, 95}))
	assert.Equal(t, DirectionLong, sig.Direction)
	assert.Equal(t, 2.0, sig.TargetQuantity)
	assert.Greater(t, sig.Confidence, 0.0)
}

func TestRSIReversion_ShortOnRiseIntoOverbought(t *testing.T) {
	s := newTestRSI(t)

	sig := s.Evaluate(testBars("BTCUSDT", []float64{100, 99, 98, 97, 105}))
	assert.Equal(t, DirectionShort, sig.Direction)
}

func TestRSIReversion_NoRepeatInsideZone(t *testing.T) {
	s := newTestRSI(t)

	// 上一根 RSI 已在超卖区内，继续下跌不再触发。
	sig := s.Evaluate(testBars("BTCUSDT", []float64{101, 102, 103, 95, 90}))
	assert.Equal(t, DirectionFlat, sig.Direction)
}

func TestRSIReversion_FlatUntilWarm(t *testing.T) {
	s := newTestRSI(t)

	sig := s.Evaluate(testBars("BTCUSDT", []float64{100, 101, 102, 103}))
	assert.Equal(t, DirectionFlat, sig.Direction)
}

func TestRSIReversion_ParamValidation(t *testing.T) {
	cases := []RSIReversionParams{
		{Period: 1, Oversold: 30, Overbought: 70, Quantity: 1},
		{Period: 3, Oversold: 70, Overbought: 30, Quantity: 1},
		{Period: 3, Oversold: 0, Overbought: 70, Quantity: 1},
		{Period: 3, Oversold: 30, Overbought: 100, Quantity: 1},
		{Period: 3, Oversold: 30, Overbought: 70, Quantity: 0},
	}
	for _, params := range cases {
		_, err := NewRSIReversion(params)
		assert.Error(t, err, "params=%+v", params)
	}
}
