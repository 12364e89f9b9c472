package engine

import (
	"context"

	"ebb/internal/execution"
	"ebb/internal/market"
	"ebb/internal/portfolio"
	"ebb/internal/risk"
	"ebb/internal/strategy"
)

// TickRecord 是一个 tick 的完整决策留痕：输入 bar、信号、风控结论、
// 产生的订单、本 tick 入账的成交与异常，以及对账后的组合快照。
type TickRecord struct {
	Bar       market.Bar          `json:"bar"`
	Signal    strategy.Signal     `json:"signal"`
	Decision  risk.Decision       `json:"decision"`
	Order     *execution.Order    `json:"order,omitempty"`
	Fills     []execution.Event   `json:"fills,omitempty"`
	Deltas    []portfolio.Delta   `json:"deltas,omitempty"`
	Anomalies []execution.Anomaly `json:"anomalies,omitempty"`
	Snapshot  portfolio.Snapshot  `json:"snapshot"`
}

// Recorder 消费决策留痕。实现自行决定落库粒度；返回错误只记日志，
// 不会中断决策循环。
type Recorder interface {
	RecordTick(ctx context.Context, rec TickRecord) error
}

// RecorderFunc 便于用函数充当 Recorder。
type RecorderFunc func(ctx context.Context, rec TickRecord) error

func (f RecorderFunc) RecordTick(ctx context.Context, rec TickRecord) error {
	return f(ctx, rec)
}
