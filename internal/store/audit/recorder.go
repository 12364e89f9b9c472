package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"ebb/internal/engine"
	"ebb/internal/execution"
)

// SessionRecorder 把引擎留痕写进审计库，是纸面实盘模式下的
// engine.Recorder 实现。回放模式走 backtest 包自己的落库。
type SessionRecorder struct {
	store     *Store
	sessionID string
}

func NewSessionRecorder(store *Store, sessionID string) *SessionRecorder {
	return &SessionRecorder{store: store, sessionID: sessionID}
}

func (r *SessionRecorder) RecordTick(ctx context.Context, rec engine.TickRecord) error {
	if r == nil || r.store == nil {
		return fmt.Errorf("session recorder 未初始化")
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("序列化留痕: %w", err)
	}
	row := TickRow{
		SessionID: r.sessionID,
		Symbol:    rec.Bar.Symbol,
		CloseTime: rec.Bar.CloseTime,
		Direction: string(rec.Signal.Direction),
		Approved:  rec.Decision.ApprovedQuantity,
		Reason:    rec.Decision.Reason,
		Fills:     len(rec.Fills),
		Equity:    rec.Snapshot.Equity,
		Cash:      rec.Snapshot.Cash,
		Exposure:  rec.Snapshot.GrossExposure,
		Payload:   payload,
	}
	if rec.Order != nil {
		row.OrderID = rec.Order.ID
	}
	if err := r.store.InsertTick(ctx, row); err != nil {
		return fmt.Errorf("写留痕: %w", err)
	}
	if rec.Order != nil {
		if err := r.store.UpsertOrder(ctx, orderRow(r.sessionID, *rec.Order)); err != nil {
			return fmt.Errorf("写订单: %w", err)
		}
	}
	for _, a := range rec.Anomalies {
		err := r.store.InsertAnomaly(ctx, AnomalyRow{
			SessionID: r.sessionID,
			Kind:      a.Kind,
			OrderID:   a.OrderID,
			Sequence:  a.Sequence,
			TS:        a.Timestamp,
			Detail:    a.Detail,
		})
		if err != nil {
			return fmt.Errorf("写异常: %w", err)
		}
	}
	return nil
}

// SyncOrders 收尾时全量刷一遍订单终态。成交晚于下单 tick 的订单，
// 最新状态只在执行器里，单靠留痕行会停在递交瞬间。
func (r *SessionRecorder) SyncOrders(ctx context.Context, orders []execution.Order) error {
	if r == nil || r.store == nil {
		return fmt.Errorf("session recorder 未初始化")
	}
	for _, o := range orders {
		if err := r.store.UpsertOrder(ctx, orderRow(r.sessionID, o)); err != nil {
			return fmt.Errorf("刷订单 %s: %w", o.ID, err)
		}
	}
	return nil
}

func orderRow(sessionID string, o execution.Order) OrderRow {
	return OrderRow{
		SessionID: sessionID,
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
