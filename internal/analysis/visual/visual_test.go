package visual

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ebb/internal/market"
	"ebb/internal/report"
)

func TestMarkerIndex(t *testing.T) {
	axis := []int64{100, 200, 300}

	assert.Equal(t, -1, markerIndex(axis, 50), "早于第一根 bar 的成交没有落点")
	assert.Equal(t, 0, markerIndex(axis, 100))
	assert.Equal(t, 1, markerIndex(axis, 250))
	assert.Equal(t, 2, markerIndex(axis, 999), "晚于最后一根也标在最后一根上")
}

func TestToLineDataPadsWarmup(t *testing.T) {
	data := toLineData([]float64{1.5, 2.5}, 4)
	require.Len(t, data, 4)
	assert.Nil(t, data[0].Value)
	assert.Nil(t, data[1].Value)
	assert.Equal(t, 1.5, data[2].Value)
	assert.Equal(t, 2.5, data[3].Value)
}

func TestRenderRunHTMLBuildsAllPanels(t *testing.T) {
	input := RunChartInput{
		ID:       "run-abc",
		Title:    "BTCUSDT ma-fast",
		Subtitle: "return 1.2% | trips 3",
		Equity: []report.EquityPoint{
			{TS: 60_000, Equity: 10_000},
			{TS: 120_000, Equity: 10_050},
			{TS: 180_000, Equity: 10_020},
		},
		Drawdown: []SeriesPoint{
			{TS: 60_000, Value: 0},
			{TS: 120_000, Value: 0},
			{TS: 180_000, Value: 0.002985},
		},
		Exposure: []SeriesPoint{
			{TS: 60_000, Value: 0},
			{TS: 120_000, Value: 201},
			{TS: 180_000, Value: 201},
		},
		Trades: []TradeMarker{
			{TS: 120_000, Price: 100.5, Quantity: 2, Side: "buy"},
		},
	}

	html, err := RenderRunHTML(input)
	require.NoError(t, err)
	body := string(html)
	assert.Contains(t, body, "Equity")
	assert.Contains(t, body, "Drawdown")
	assert.Contains(t, body, "Exposure")
	assert.Contains(t, body, "BTCUSDT ma-fast")
}

func TestRenderRunHTMLRequiresEquity(t *testing.T) {
	_, err := RenderRunHTML(RunChartInput{ID: "empty"})
	assert.Error(t, err)
}

func TestRenderMarketHTMLUsesBars(t *testing.T) {
	bars := make([]market.Bar, 0, 30)
	for i := 0; i < 30; i++ {
		open := 100 + float64(i%5)
		bars = append(bars, market.Bar{
			Symbol:    "ETHUSDT",
			OpenTime:  int64(i) * 60_000,
			CloseTime: int64(i)*60_000 + 59_999,
			Open:      open,
			High:      open + 1,
			Low:       open - 1,
			Close:     open + 0.5,
			Volume:    10,
		})
	}
	html, err := RenderMarketHTML(MarketChartInput{
		Symbol:   "ethusdt",
		Interval: "1m",
		Bars:     bars,
		Trades:   []TradeMarker{{TS: bars[10].CloseTime, Price: bars[10].Close, Quantity: 1, Side: "sell"}},
	})
	require.NoError(t, err)
	body := string(html)
	assert.Contains(t, body, "ETHUSDT 1m")
	assert.Contains(t, body, "MACD")
}
