// Package report 从资金曲线与平仓回合计算绩效指标，供运行详情与
// 图表接口使用。比率一律用小数表示（0.1 = 10%），展示层自行乘百。
package report

import (
	"math"
	"sort"
)

const msPerYear = 365 * 24 * 3600 * 1000

// EquityPoint 是资金曲线上的一个采样点。
type EquityPoint struct {
	TS     int64   `json:"ts"`
	Equity float64 `json:"equity"`
}

// Summary 汇总一次运行的绩效。年化类指标基于采样间隔外推，样本
// 不足两个点时只有余额类字段有意义。
type Summary struct {
	InitialEquity    float64 `json:"initial_equity"`
	FinalEquity      float64 `json:"final_equity"`
	Profit           float64 `json:"profit"`
	ReturnPct        float64 `json:"return_pct"`
	AnnualizedReturn float64 `json:"annualized_return"`
	Volatility       float64 `json:"volatility"`
	Sharpe           float64 `json:"sharpe"`
	Sortino          float64 `json:"sortino"`
	Calmar           float64 `json:"calmar"`
	MaxDrawdownPct   float64 `json:"max_drawdown_pct"`
	EquityPeak       float64 `json:"equity_peak"`
	EquityValley     float64 `json:"equity_valley"`

	RoundTrips        int     `json:"round_trips"`
	Wins              int     `json:"wins"`
	Losses            int     `json:"losses"`
	WinRate           float64 `json:"win_rate"`
	GrossProfit       float64 `json:"gross_profit"`
	GrossLoss         float64 `json:"gross_loss"`
	ProfitFactor      float64 `json:"profit_factor"`
	AvgHoldingMinutes float64 `json:"avg_holding_minutes"`

	Samples int `json:"samples"`
}

// Summarize 计算绩效汇总。points 会按时间排序后使用；trips 来自
// TripTracker 或存储层回放。
func Summarize(points []EquityPoint, trips []RoundTrip) Summary {
	pts := make([]EquityPoint, len(points))
	copy(pts, points)
	sort.Slice(pts, func(i, j int) bool { return pts[i].TS < pts[j].TS })

	var s Summary
	s.Samples = len(pts)
	if len(pts) > 0 {
		s.InitialEquity = pts[0].Equity
		s.FinalEquity = pts[len(pts)-1].Equity
		s.Profit = s.FinalEquity - s.InitialEquity
		if s.InitialEquity > 0 {
			s.ReturnPct = s.Profit / s.InitialEquity
		}
	}

	s.EquityPeak, s.EquityValley, s.MaxDrawdownPct = drawdown(pts)
	s.AnnualizedReturn = annualize(pts)
	s.Volatility, s.Sharpe, s.Sortino = ratios(pts)
	if s.MaxDrawdownPct > 0 {
		s.Calmar = s.AnnualizedReturn / s.MaxDrawdownPct
	}

	var holdMs float64
	for _, trip := range trips {
		pnl := trip.PnL
		if pnl > 0 {
			s.Wins++
			s.GrossProfit += pnl
		} else {
			s.Losses++
			s.GrossLoss += -pnl
		}
		holdMs += float64(trip.ClosedTS - trip.OpenedTS)
	}
	s.RoundTrips = len(trips)
	if s.RoundTrips > 0 {
		s.WinRate = float64(s.Wins) / float64(s.RoundTrips)
		s.AvgHoldingMinutes = holdMs / float64(s.RoundTrips) / 60_000
	}
	if s.GrossLoss > 0 {
		s.ProfitFactor = s.GrossProfit / s.GrossLoss
	}

	return sanitize(s)
}

func drawdown(pts []EquityPoint) (peak, valley, maxDD float64) {
	for i, p := range pts {
		if i == 0 {
			peak, valley = p.Equity, p.Equity
		}
		peak = math.Max(peak, p.Equity)
		valley = math.Min(valley, p.Equity)
		if peak > 0 {
			dd := (peak - p.Equity) / peak
			maxDD = math.Max(maxDD, dd)
		}
	}
	return peak, valley, maxDD
}

func annualize(pts []EquityPoint) float64 {
	if len(pts) < 2 {
		return 0
	}
	first, last := pts[0], pts[len(pts)-1]
	if first.Equity <= 0 || last.Equity <= 0 || last.TS <= first.TS {
		return 0
	}
	years := float64(last.TS-first.TS) / msPerYear
	growth := last.Equity / first.Equity
	return math.Pow(growth, 1/years) - 1
}

// ratios 计算年化波动率、夏普与索提诺。无风险利率按 0 处理，
// 年化系数从采样点的平均间隔推出。
func ratios(pts []EquityPoint) (vol, sharpe, sortino float64) {
	if len(pts) < 3 {
		return 0, 0, 0
	}
	returns := make([]float64, 0, len(pts)-1)
	for i := 1; i < len(pts); i++ {
		prev := pts[i-1].Equity
		if prev <= 0 {
			continue
		}
		returns = append(returns, pts[i].Equity/prev-1)
	}
	if len(returns) < 2 {
		return 0, 0, 0
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance, downside float64
	for _, r := range returns {
		d := r - mean
		variance += d * d
		if r < 0 {
			downside += r * r
		}
	}
	variance /= float64(len(returns) - 1)
	std := math.Sqrt(variance)
	downDev := math.Sqrt(downside / float64(len(returns)))

	spanMs := float64(pts[len(pts)-1].TS-pts[0].TS) / float64(len(returns))
	if spanMs <= 0 {
		return 0, 0, 0
	}
	annual := math.Sqrt(msPerYear / spanMs)

	vol = std * annual
	if std > 0 {
		sharpe = mean / std * annual
	}
	if downDev > 0 {
		sortino = mean / downDev * annual
	}
	return vol, sharpe, sortino
}

// sanitize 把 NaN/Inf 归零，保证汇总可以安全进 JSON。
func sanitize(s Summary) Summary {
	clean := func(v *float64) {
		if math.IsNaN(*v) || math.IsInf(*v, 0) {
			*v = 0
		}
	}
	clean(&s.ReturnPct)
	clean(&s.AnnualizedReturn)
	clean(&s.Volatility)
	clean(&s.Sharpe)
	clean(&s.Sortino)
	clean(&s.Calmar)
	clean(&s.MaxDrawdownPct)
	clean(&s.WinRate)
	clean(&s.ProfitFactor)
	clean(&s.AvgHoldingMinutes)
	return s
}
