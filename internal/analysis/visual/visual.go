package visual

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"
	talib "github.com/markcheno/go-talib"

	"ebb/internal/market"
	"ebb/internal/report"
)

type ImageResult struct {
	Bytes       []byte `json:"-"`
	Base64      string `json:"base64"`
	Filename    string `json:"filename"`
	Description string `json:"description"`
}

func (r *ImageResult) DataURI() string {
	if r == nil {
		return ""
	}
	if r.Base64 == "" && len(r.Bytes) > 0 {
		r.Base64 = base64.StdEncoding.EncodeToString(r.Bytes)
	}
	if r.Base64 == "" {
		return ""
	}
	return "data:image/png;base64," + r.Base64
}

type SeriesPoint struct {
	TS    int64   `json:"ts"`
	Value float64 `json:"value"`
}

type TradeMarker struct {
	TS       int64   `json:"ts"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
	Side     string  `json:"side"`
}

type RunChartInput struct {
	Context  context.Context
	ID       string
	Title    string
	Subtitle string
	Equity   []report.EquityPoint
	Drawdown []SeriesPoint
	Exposure []SeriesPoint
	Trades   []TradeMarker
}

type MarketChartInput struct {
	Context  context.Context
	Symbol   string
	Interval string
	Bars     []market.Bar
	Trades   []TradeMarker
}

const (
	colorBackground    = "#060c1b"
	colorTextPrimary   = "#eceff4"
	colorTextSecondary = "#9ca3af"
	colorBuy           = "#34d399"
	colorSell          = "#f87171"
	colorEquity        = "#3b82f6"
	colorDrawdown      = "#fb7185"
	colorExposure      = "#a78bfa"
	colorDIF           = "#22d3ee"
	colorDEA           = "#fb7185"

	chartWidthPx  = 1600
	mainHeightPx  = 600
	panelHeightPx = 260
)

var (
	headlessOnce sync.Once
	headlessErr  error
)

func EnsureHeadlessAvailable(ctx context.Context) error {
	headlessOnce.Do(func() {
		targetCtx := ctx
		if targetCtx == nil {
			targetCtx = context.Background()
		}
		parent, cancel := chromedp.NewContext(targetCtx)
		if cancel != nil {
			defer cancel()
		}
		headlessErr = chromedp.Run(parent)
	})
	return headlessErr
}

func RenderRunComposite(input RunChartInput) (ImageResult, error) {
	if err := EnsureHeadlessAvailable(input.Context); err != nil {
		return ImageResult{}, err
	}
	html, err := RenderRunHTML(input)
	if err != nil {
		return ImageResult{}, err
	}
	height := mainHeightPx
	if len(input.Drawdown) > 0 {
		height += panelHeightPx
	}
	if len(input.Exposure) > 0 {
		height += panelHeightPx
	}
	if height < 520 {
		height = 520
	}
	png, err := renderHTMLToPNG(input.Context, html, chartWidthPx, height)
	if err != nil {
		return ImageResult{}, err
	}
	return ImageResult{
		Bytes:       png,
		Base64:      base64.StdEncoding.EncodeToString(png),
		Filename:    fmt.Sprintf("run_%s_performance.png", fileSlug(input.ID)),
		Description: input.Subtitle,
	}, nil
}

func RenderRunHTML(input RunChartInput) ([]byte, error) {
	if len(input.Equity) == 0 {
		return nil, fmt.Errorf("no equity points for %s", input.ID)
	}
	page := components.NewPage()
	page.SetLayout(components.PageFlexLayout)

	page.AddCharts(buildEquityChart(input))
	if len(input.Drawdown) > 0 {
		page.AddCharts(buildDrawdownChart(input.Drawdown))
	}
	if len(input.Exposure) > 0 {
		page.AddCharts(buildExposureChart(input.Exposure))
	}

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func RenderMarketComposite(input MarketChartInput) (ImageResult, error) {
	if err := EnsureHeadlessAvailable(input.Context); err != nil {
		return ImageResult{}, err
	}
	html, err := RenderMarketHTML(input)
	if err != nil {
		return ImageResult{}, err
	}
	height := mainHeightPx + 2*panelHeightPx
	png, err := renderHTMLToPNG(input.Context, html, chartWidthPx, height)
	if err != nil {
		return ImageResult{}, err
	}
	return ImageResult{
		Bytes:       png,
		Base64:      base64.StdEncoding.EncodeToString(png),
		Filename:    fmt.Sprintf("%s_%s_market.png", strings.ToLower(input.Symbol), input.Interval),
		Description: fmt.Sprintf("%s %s | %d bars | %d trades", strings.ToUpper(input.Symbol), input.Interval, len(input.Bars), len(input.Trades)),
	}, nil
}

func RenderMarketHTML(input MarketChartInput) ([]byte, error) {
	if input.Symbol == "" {
		return nil, fmt.Errorf("symbol required for market render")
	}
	if len(input.Bars) == 0 {
		return nil, fmt.Errorf("no bars for %s %s", input.Symbol, input.Interval)
	}
	page := components.NewPage()
	page.SetLayout(components.PageFlexLayout)

	axisTS := make([]int64, len(input.Bars))
	for i, b := range input.Bars {
		axisTS[i] = b.CloseTime
	}
	xAxis := timeAxis(axisTS)

	page.AddCharts(
		buildKlineChart(input, axisTS, xAxis),
		buildVolumeChart(input.Interval, xAxis, input.Bars),
		buildMACDChart(input.Interval, xAxis, input.Bars),
	)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func buildEquityChart(input RunChartInput) *charts.Line {
	points := input.Equity
	minEq, maxEq := equityBounds(points)
	padding := (maxEq - minEq) * 0.05
	if padding <= 0 {
		padding = math.Max(1, math.Abs(maxEq)*0.01)
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:           types.ThemeWesteros,
			Width:           fmt.Sprintf("%dpx", chartWidthPx),
			Height:          fmt.Sprintf("%dpx", mainHeightPx),
			BackgroundColor: colorBackground,
		}),
		charts.WithTitleOpts(opts.Title{
			Title:         input.Title,
			Subtitle:      input.Subtitle,
			Left:          "left",
			Top:           "10",
			TitleStyle:    &opts.TextStyle{Color: colorTextPrimary, FontSize: 18},
			SubtitleStyle: &opts.TextStyle{Color: colorTextSecondary},
		}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), TextStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", XAxisIndex: []int{0}}),
		charts.WithXAxisOpts(opts.XAxis{
			Type:      "category",
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(false)},
		}),
		charts.WithYAxisOpts(opts.YAxis{
			Scale:     opts.Bool(true),
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			Min:       round(minEq-padding, 2),
			Max:       round(maxEq+padding, 2),
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.2)}},
		}),
	)

	axisTS := make([]int64, len(points))
	data := make([]opts.LineData, len(points))
	for i, p := range points {
		axisTS[i] = p.TS
		data[i] = opts.LineData{Value: round(p.Equity, 2)}
	}
	line.SetXAxis(timeAxis(axisTS))
	line.AddSeries("Equity", data,
		charts.WithLineStyleOpts(opts.LineStyle{Color: colorEquity, Width: 2}),
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
		charts.WithAreaStyleOpts(opts.AreaStyle{Opacity: opts.Float(0.15)}),
	)

	if len(input.Trades) > 0 {
		// 成交标在权益曲线上：取成交时刻对应的权益值做 y。
		yAt := func(idx int) float64 { return round(points[idx].Equity, 2) }
		scatter := tradeScatter(axisTS, input.Trades, yAt)
		scatter.SetXAxis(timeAxis(axisTS))
		line.Overlap(scatter)
	}
	return line
}

func buildDrawdownChart(points []SeriesPoint) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:           types.ThemeWesteros,
			Width:           fmt.Sprintf("%dpx", chartWidthPx),
			Height:          fmt.Sprintf("%dpx", panelHeightPx),
			BackgroundColor: colorBackground,
		}),
		charts.WithTitleOpts(opts.Title{Title: "Drawdown %", Left: "left", TitleStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(false)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{AxisLabel: &opts.AxisLabel{Show: opts.Bool(false)}}),
		charts.WithYAxisOpts(opts.YAxis{
			AxisLabel: &opts.AxisLabel{Show: opts.Bool(true), Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.15)}},
		}),
	)

	axisTS := make([]int64, len(points))
	data := make([]opts.LineData, len(points))
	for i, p := range points {
		axisTS[i] = p.TS
		data[i] = opts.LineData{Value: round(p.Value*100, 2)}
	}
	line.SetXAxis(timeAxis(axisTS))
	line.AddSeries("Drawdown", data,
		charts.WithLineStyleOpts(opts.LineStyle{Color: colorDrawdown, Width: 2}),
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
		charts.WithAreaStyleOpts(opts.AreaStyle{Opacity: opts.Float(0.25)}),
	)
	return line
}

func buildExposureChart(points []SeriesPoint) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:           types.ThemeWesteros,
			Width:           fmt.Sprintf("%dpx", chartWidthPx),
			Height:          fmt.Sprintf("%dpx", panelHeightPx),
			BackgroundColor: colorBackground,
		}),
		charts.WithTitleOpts(opts.Title{Title: "Gross Exposure", Left: "left", TitleStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(false)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{
			SplitNumber: 6,
			AxisLabel:   &opts.AxisLabel{Show: opts.Bool(false)},
		}),
		charts.WithYAxisOpts(opts.YAxis{
			AxisLabel: &opts.AxisLabel{Show: opts.Bool(true), Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.15)}},
		}),
	)

	axisTS := make([]int64, len(points))
	data := make([]opts.BarData, len(points))
	for i, p := range points {
		axisTS[i] = p.TS
		data[i] = opts.BarData{
			Value:     round(p.Value, 2),
			ItemStyle: &opts.ItemStyle{Color: colorExposure, Opacity: opts.Float(0.6)},
		}
	}
	bar.SetXAxis(timeAxis(axisTS))
	bar.AddSeries("Exposure", data)
	return bar
}

func buildKlineChart(input MarketChartInput, axisTS []int64, xAxis []string) *charts.Kline {
	bars := input.Bars
	minPrice, maxPrice := priceBounds(bars)
	padding := (maxPrice - minPrice) * 0.05
	if padding <= 0 {
		padding = math.Max(1, math.Abs(maxPrice)*0.01)
	}

	kline := charts.NewKLine()
	kline.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:           types.ThemeWesteros,
			Width:           fmt.Sprintf("%dpx", chartWidthPx),
			Height:          fmt.Sprintf("%dpx", mainHeightPx),
			BackgroundColor: colorBackground,
		}),
		charts.WithTitleOpts(opts.Title{
			Title:      fmt.Sprintf("%s %s", strings.ToUpper(input.Symbol), input.Interval),
			Left:       "left",
			Top:        "10",
			TitleStyle: &opts.TextStyle{Color: colorTextPrimary, FontSize: 18},
		}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), TextStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", XAxisIndex: []int{0}}),
		charts.WithXAxisOpts(opts.XAxis{
			Type:      "category",
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(false)},
		}),
		charts.WithYAxisOpts(opts.YAxis{
			Scale:     opts.Bool(true),
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			Min:       round(minPrice-padding, 4),
			Max:       round(maxPrice+padding, 4),
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.2)}},
		}),
	)
	kline.SetSeriesOptions(
		charts.WithItemStyleOpts(opts.ItemStyle{
			Color:        colorBuy,
			Color0:       colorSell,
			BorderColor:  colorBuy,
			BorderColor0: colorSell,
		}),
	)

	data := make([]opts.KlineData, 0, len(bars))
	for _, b := range bars {
		data = append(data, opts.KlineData{Value: [4]float64{b.Open, b.Close, b.Low, b.High}})
	}
	kline.SetXAxis(xAxis)
	kline.AddSeries(fmt.Sprintf("Price_%s", input.Interval), data)

	if len(input.Trades) > 0 {
		scatter := tradeScatterAtPrice(axisTS, input.Trades)
		scatter.SetXAxis(xAxis)
		kline.Overlap(scatter)
	}
	return kline
}

func buildVolumeChart(interval string, xAxis []string, bars []market.Bar) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:           types.ThemeWesteros,
			Width:           fmt.Sprintf("%dpx", chartWidthPx),
			Height:          fmt.Sprintf("%dpx", panelHeightPx),
			BackgroundColor: colorBackground,
		}),
		charts.WithTitleOpts(opts.Title{Title: fmt.Sprintf("Volume %s", interval), Left: "left", TitleStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(false)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{
			SplitNumber: 6,
			AxisLabel:   &opts.AxisLabel{Show: opts.Bool(false)},
		}),
		charts.WithYAxisOpts(opts.YAxis{
			AxisLabel: &opts.AxisLabel{Show: opts.Bool(true), Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.15)}},
		}),
	)
	vols := make([]opts.BarData, len(bars))
	for i, b := range bars {
		color := colorSell
		if b.Close >= b.Open {
			color = colorBuy
		}
		vols[i] = opts.BarData{
			Value: b.Volume,
			ItemStyle: &opts.ItemStyle{
				Color:   color,
				Opacity: opts.Float(0.6),
			},
		}
	}
	bar.SetXAxis(xAxis)
	bar.AddSeries("Volume", vols)
	return bar
}

func buildMACDChart(interval string, xAxis []string, bars []market.Bar) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:           types.ThemeWesteros,
			Width:           fmt.Sprintf("%dpx", chartWidthPx),
			Height:          fmt.Sprintf("%dpx", panelHeightPx),
			BackgroundColor: colorBackground,
		}),
		charts.WithTitleOpts(opts.Title{Title: fmt.Sprintf("MACD %s", interval), Left: "left", TitleStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), TextStyle: &opts.TextStyle{Color: colorTextSecondary}}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{AxisLabel: &opts.AxisLabel{Show: opts.Bool(false)}}),
		charts.WithYAxisOpts(opts.YAxis{
			AxisLabel: &opts.AxisLabel{Show: opts.Bool(true), Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.15)}},
		}),
	)
	dif, dea, hist := calcMACDSeries(bars)
	histData := make([]opts.BarData, len(bars))
	for i := range histData {
		histData[i] = opts.BarData{Value: nil}
	}
	offset := len(bars) - len(hist)
	for i, v := range hist {
		if math.IsNaN(v) {
			continue
		}
		color := colorSell
		if v >= 0 {
			color = colorBuy
		}
		histData[offset+i] = opts.BarData{
			Value:     round(v, 4),
			ItemStyle: &opts.ItemStyle{Color: color},
		}
	}
	bar.SetXAxis(xAxis)
	bar.AddSeries("MACD Hist", histData)

	line := charts.NewLine()
	line.SetSeriesOptions(
		charts.WithLineStyleOpts(opts.LineStyle{Width: 2}),
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
	)
	line.SetXAxis(xAxis)
	line.AddSeries("DIF", toLineData(dif, len(bars)), charts.WithLineStyleOpts(opts.LineStyle{Color: colorDIF, Width: 2}))
	line.AddSeries("DEA", toLineData(dea, len(bars)), charts.WithLineStyleOpts(opts.LineStyle{Color: colorDEA, Width: 2}))
	bar.Overlap(line)
	return bar
}

func tradeScatter(axisTS []int64, trades []TradeMarker, yAt func(idx int) float64) *charts.Scatter {
	buys := make([]opts.ScatterData, len(axisTS))
	sells := make([]opts.ScatterData, len(axisTS))
	for i := range axisTS {
		buys[i] = opts.ScatterData{Value: nil}
		sells[i] = opts.ScatterData{Value: nil}
	}
	sorted := append([]TradeMarker(nil), trades...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TS < sorted[j].TS })
	for _, t := range sorted {
		idx := markerIndex(axisTS, t.TS)
		if idx < 0 {
			continue
		}
		point := opts.ScatterData{
			Name:       fmt.Sprintf("%s %.4g", t.Side, t.Quantity),
			Value:      yAt(idx),
			Symbol:     "triangle",
			SymbolSize: 12,
		}
		if strings.EqualFold(t.Side, "sell") {
			point.SymbolRotate = 180
			sells[idx] = point
		} else {
			buys[idx] = point
		}
	}
	scatter := charts.NewScatter()
	scatter.AddSeries("Buy", buys, charts.WithItemStyleOpts(opts.ItemStyle{Color: colorBuy}))
	scatter.AddSeries("Sell", sells, charts.WithItemStyleOpts(opts.ItemStyle{Color: colorSell}))
	return scatter
}

func tradeScatterAtPrice(axisTS []int64, trades []TradeMarker) *charts.Scatter {
	prices := make(map[int]float64, len(trades))
	for _, t := range trades {
		if idx := markerIndex(axisTS, t.TS); idx >= 0 {
			prices[idx] = t.Price
		}
	}
	yAt := func(idx int) float64 { return round(prices[idx], 4) }
	return tradeScatter(axisTS, trades, yAt)
}

// markerIndex 返回 ts 落在的 bar 下标：最后一个 close_time <= ts 的位置。
func markerIndex(axisTS []int64, ts int64) int {
	idx := sort.Search(len(axisTS), func(i int) bool { return axisTS[i] > ts })
	return idx - 1
}

func timeAxis(ts []int64) []string {
	x := make([]string, len(ts))
	for i, v := range ts {
		x[i] = time.UnixMilli(v).UTC().Format("01-02 15:04")
	}
	return x
}

func toLineData(series []float64, length int) []opts.LineData {
	line := make([]opts.LineData, length)
	offset := length - len(series)
	if offset < 0 {
		offset = 0
	}
	for i := 0; i < offset; i++ {
		line[i] = opts.LineData{Value: nil}
	}
	for i := 0; i < len(series) && offset+i < length; i++ {
		val := series[i]
		if math.IsNaN(val) {
			line[offset+i] = opts.LineData{Value: nil}
		} else {
			line[offset+i] = opts.LineData{Value: round(val, 4)}
		}
	}
	return line
}

func calcMACDSeries(bars []market.Bar) (dif, dea, hist []float64) {
	const slow = 26
	if len(bars) < slow {
		return nil, nil, nil
	}
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	dif, dea, hist = talib.Macd(closes, 12, 26, 9)
	return dif, dea, hist
}

func round(val float64, decimals int) float64 {
	if decimals <= 0 {
		return math.Round(val)
	}
	scale := math.Pow10(decimals)
	return math.Round(val*scale) / scale
}

func priceBounds(bars []market.Bar) (minVal, maxVal float64) {
	if len(bars) == 0 {
		return 0, 0
	}
	minVal = bars[0].Low
	maxVal = bars[0].High
	for _, b := range bars {
		if b.Low < minVal {
			minVal = b.Low
		}
		if b.High > maxVal {
			maxVal = b.High
		}
	}
	return minVal, maxVal
}

func equityBounds(points []report.EquityPoint) (minVal, maxVal float64) {
	if len(points) == 0 {
		return 0, 0
	}
	minVal = points[0].Equity
	maxVal = points[0].Equity
	for _, p := range points {
		if p.Equity < minVal {
			minVal = p.Equity
		}
		if p.Equity > maxVal {
			maxVal = p.Equity
		}
	}
	return minVal, maxVal
}

func fileSlug(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if len(id) > 8 {
		id = id[:8]
	}
	if id == "" {
		id = "latest"
	}
	return id
}

func renderHTMLToPNG(ctx context.Context, html []byte, width, height int) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	parent, cancel := chromedp.NewContext(ctx)
	defer cancel()

	timeoutCtx, cancelTimeout := context.WithTimeout(parent, 20*time.Second)
	defer cancelTimeout()

	dataURI := "data:text/html;base64," + base64.StdEncoding.EncodeToString(html)
	var screenshot []byte
	tasks := chromedp.Tasks{
		chromedp.EmulateViewport(int64(width), int64(height)),
		chromedp.Navigate(dataURI),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(1500 * time.Millisecond),
		chromedp.FullScreenshot(&screenshot, 0),
	}
	if err := chromedp.Run(timeoutCtx, tasks...); err != nil {
		return nil, err
	}
	return screenshot, nil
}
