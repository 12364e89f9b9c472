// Package backtest 负责一次完整回放：构造行情源与纸面场所、拉起决策
// 引擎、落库订单成交与资金曲线，跑完后计算绩效汇总。
package backtest

import (
	"encoding/json"
	"time"

	"ebb/internal/engine"
	"ebb/internal/execution"
	"ebb/internal/report"
	"ebb/internal/risk"
)

const (
	RunStatusPending = "pending"
	RunStatusRunning = "running"
	RunStatusDone    = "done"
	RunStatusFailed  = "failed"
)

// 行情来源种类。binance 走本地缓存，缺口先补齐再回放。
const (
	SourceSynthetic = "synthetic"
	SourceCSV       = "csv"
	SourceJSONL     = "jsonl"
	SourceBinance   = "binance"
)

// RunConfig 记录本次回放的参数快照，便于重放。
type RunConfig struct {
	Profile     string  `json:"profile"`
	Symbol      string  `json:"symbol"`
	Interval    string  `json:"interval"`
	StartTS     int64   `json:"start_ts"`
	EndTS       int64   `json:"end_ts"`
	InitialCash float64 `json:"initial_cash"`

	Source     string `json:"source"`
	SourcePath string `json:"source_path,omitempty"`
	Seed       int64  `json:"seed,omitempty"`
	Bars       int    `json:"bars,omitempty"`

	FeeRate        float64 `json:"fee_rate"`
	SlippageBps    float64 `json:"slippage_bps"`
	AckDelayTicks  int     `json:"ack_delay_ticks"`
	FillDelayTicks int     `json:"fill_delay_ticks"`
	PartialSplits  int     `json:"partial_splits"`
	LotStep        float64 `json:"lot_step,omitempty"`

	Limits risk.Limits `json:"limits"`

	Notes string `json:"notes,omitempty"`
}

// RunStats 汇总循环计数与收益概览，供列表页展示。
type RunStats struct {
	FinalEquity    float64 `json:"final_equity"`
	Profit         float64 `json:"profit"`
	ReturnPct      float64 `json:"return_pct"`
	WinRate        float64 `json:"win_rate"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`

	Ticks          int64 `json:"ticks"`
	SkippedBars    int64 `json:"skipped_bars"`
	Signals        int64 `json:"signals"`
	Orders         int64 `json:"orders"`
	Rejections     int64 `json:"rejections"`
	Fills          int64 `json:"fills"`
	Anomalies      int64 `json:"anomalies"`
	DuplicateFills int64 `json:"duplicate_fills"`
	Trips          int   `json:"trips"`
	Wins           int   `json:"wins"`
	Losses         int   `json:"losses"`
	Snapshots      int   `json:"snapshots"`

	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Run 表示一次回放任务。
type Run struct {
	ID          string         `json:"id"`
	Symbol      string         `json:"symbol"`
	Profile     string         `json:"profile"`
	Status      string         `json:"status"`
	Interval    string         `json:"interval"`
	StartTS     int64          `json:"start_ts"`
	EndTS       int64          `json:"end_ts"`
	InitialCash float64        `json:"initial_cash"`
	FinalEquity float64        `json:"final_equity"`
	Profit      float64        `json:"profit"`
	ReturnPct   float64        `json:"return_pct"`
	WinRate     float64        `json:"win_rate"`
	MaxDrawdown float64        `json:"max_drawdown_pct"`
	Orders      int64          `json:"orders"`
	Trips       int            `json:"trips"`
	Message     string         `json:"message,omitempty"`
	Config      RunConfig      `json:"config"`
	Stats       RunStats       `json:"stats"`
	Report      report.Summary `json:"report"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt time.Time      `json:"completed_at,omitempty"`
}

// MarshalStats 返回 stats JSON。
func (r Run) MarshalStats() ([]byte, error) {
	return json.Marshal(r.Stats)
}

// MarshalConfig 返回 config JSON。
func (r Run) MarshalConfig() ([]byte, error) {
	return json.Marshal(r.Config)
}

// OrderRecord 是订单在结果库里的行形态，字段取对账后的终值。
type OrderRecord struct {
	ID        int64   `json:"id"`
	RunID     string  `json:"run_id"`
	OrderID   string  `json:"order_id"`
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"`
	Quantity  float64 `json:"quantity"`
	Filled    float64 `json:"filled"`
	AvgPrice  float64 `json:"avg_price"`
	Status    string  `json:"status"`
	Reason    string  `json:"reason,omitempty"`
	CreatedTS int64   `json:"created_ts"`
	UpdatedTS int64   `json:"updated_ts"`
}

func orderRecord(runID string, o execution.Order) OrderRecord {
	return OrderRecord{
		RunID:     runID,
		OrderID:   o.ID,
		Symbol:    o.Symbol,
		Side:      string(o.Side),
		Quantity:  o.Quantity,
		Filled:    o.Filled,
		AvgPrice:  o.AvgPrice,
		Status:    string(o.Status),
		Reason:    o.Reason,
		CreatedTS: o.CreatedAt,
		UpdatedTS: o.UpdatedAt,
	}
}

// FillRecord 是一笔已入账的成交。(order_id, sequence) 在 run 内唯一，
// 重复推送靠它去重。
type FillRecord struct {
	ID       int64   `json:"id"`
	RunID    string  `json:"run_id"`
	OrderID  string  `json:"order_id"`
	Sequence int64   `json:"sequence"`
	TS       int64   `json:"ts"`
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity"`
	Price    float64 `json:"price"`
	Fee      float64 `json:"fee"`
}

// TripRecord 是一段已平仓回合的落库形态。
type TripRecord struct {
	ID    int64  `json:"id"`
	RunID string `json:"run_id"`
	report.RoundTrip
}

// SnapshotRecord 保存每个 tick 的资金曲线采样。Drawdown 为距峰值回撤比例。
type SnapshotRecord struct {
	ID            int64   `json:"id"`
	RunID         string  `json:"run_id"`
	TS            int64   `json:"ts"`
	Equity        float64 `json:"equity"`
	Cash          float64 `json:"cash"`
	RealizedPnL   float64 `json:"realized_pnl"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	GrossExposure float64 `json:"gross_exposure"`
	Drawdown      float64 `json:"drawdown"`
}

// AnomalyRecord 保存对账异常，审计页用。
type AnomalyRecord struct {
	ID       int64  `json:"id"`
	RunID    string `json:"run_id"`
	Kind     string `json:"kind"`
	OrderID  string `json:"order_id"`
	Sequence int64  `json:"sequence"`
	TS       int64  `json:"ts"`
	Detail   string `json:"detail,omitempty"`
}

// RunRequest 为 HTTP 提交使用，零值字段由服务端默认值补齐。
type RunRequest struct {
	Symbol      string  `json:"symbol" binding:"required"`
	Profile     string  `json:"profile"`
	Interval    string  `json:"interval"`
	StartTS     int64   `json:"start_ts"`
	EndTS       int64   `json:"end_ts"`
	InitialCash float64 `json:"initial_cash"`

	Source     string `json:"source"`
	SourcePath string `json:"source_path"`
	Seed       int64  `json:"seed"`
	Bars       int    `json:"bars"`

	FeeRate        float64 `json:"fee_rate"`
	SlippageBps    float64 `json:"slippage_bps"`
	AckDelayTicks  int     `json:"ack_delay_ticks"`
	FillDelayTicks int     `json:"fill_delay_ticks"`
	PartialSplits  int     `json:"partial_splits"`
	LotStep        float64 `json:"lot_step"`
}

func statsFromEngine(st engine.EngineStats) RunStats {
	return RunStats{
		Ticks:       st.Ticks,
		SkippedBars: st.SkippedBars,
		Signals:     st.Signals,
		Orders:      st.Orders,
		Rejections:  st.Rejections,
		Fills:       st.FillsApplied,
		Anomalies:   st.Anomalies,
	}
}
