package backtest

import (
	"context"
	"fmt"
	"sync"

	"ebb/internal/engine"
	"ebb/internal/report"
)

// StoreRecorder 实现 engine.Recorder，把每个 tick 的留痕拆成行写进
// ResultStore，同时在内存里攒资金曲线与回合，收尾时出绩效汇总。
type StoreRecorder struct {
	store *ResultStore
	runID string

	mu     sync.Mutex
	seeded bool
	peak   float64
	points []report.EquityPoint
	trips  *report.TripTracker
	closed []report.RoundTrip
	snaps  int
}

func NewStoreRecorder(store *ResultStore, runID string, initialCash float64) *StoreRecorder {
	return &StoreRecorder{
		store: store,
		runID: runID,
		peak:  initialCash,
		trips: report.NewTripTracker(),
	}
}

// RecordTick 落库顺序：订单终态、成交、回合、快照、异常。
// 成交按 (order_id, sequence) 去重，重复推送不会二次驱动回合统计。
func (r *StoreRecorder) RecordTick(ctx context.Context, rec engine.TickRecord) error {
	if r == nil || r.store == nil {
		return fmt.Errorf("store recorder 未初始化")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec.Order != nil {
		if err := r.store.UpsertOrder(ctx, orderRecord(r.runID, *rec.Order)); err != nil {
			return fmt.Errorf("写订单 %s: %w", rec.Order.ID, err)
		}
	}

	for i, ev := range rec.Fills {
		if i >= len(rec.Deltas) {
			break
		}
		delta := rec.Deltas[i]
		inserted, err := r.store.InsertFill(ctx, FillRecord{
			RunID:    r.runID,
			OrderID:  ev.OrderID,
			Sequence: ev.Sequence,
			TS:       ev.Timestamp,
			Symbol:   delta.Symbol,
			Quantity: delta.QuantityDelta,
			Price:    ev.Price,
			Fee:      ev.Fee,
		})
		if err != nil {
			return fmt.Errorf("写成交 %s#%d: %w", ev.OrderID, ev.Sequence, err)
		}
		if !inserted {
			continue
		}
		done := r.trips.Observe(report.FillObservation{
			Symbol:        delta.Symbol,
			TS:            ev.Timestamp,
			QuantityDelta: delta.QuantityDelta,
			Price:         ev.Price,
			Fee:           ev.Fee,
			RealizedDelta: delta.RealizedDelta,
			PositionAfter: delta.Quantity,
		})
		for _, trip := range done {
			if _, err := r.store.InsertTrip(ctx, TripRecord{RunID: r.runID, RoundTrip: trip}); err != nil {
				return fmt.Errorf("写回合 %s: %w", trip.Symbol, err)
			}
		}
		r.closed = append(r.closed, done...)
	}

	// 第一条快照前补一个原点，资金曲线从初始资金起画。
	if !r.seeded {
		r.seeded = true
		origin := SnapshotRecord{RunID: r.runID, TS: rec.Bar.OpenTime, Equity: r.peak, Cash: r.peak}
		if _, err := r.store.InsertSnapshot(ctx, origin); err != nil {
			return fmt.Errorf("写初始快照: %w", err)
		}
		r.points = append(r.points, report.EquityPoint{TS: origin.TS, Equity: origin.Equity})
		r.snaps++
	}

	equity := rec.Snapshot.Equity
	if equity > r.peak {
		r.peak = equity
	}
	var dd float64
	if r.peak > 0 {
		dd = (r.peak - equity) / r.peak
	}
	snap := SnapshotRecord{
		RunID:         r.runID,
		TS:            rec.Bar.CloseTime,
		Equity:        equity,
		Cash:          rec.Snapshot.Cash,
		RealizedPnL:   rec.Snapshot.RealizedPnL,
		UnrealizedPnL: rec.Snapshot.UnrealizedPnL,
		GrossExposure: rec.Snapshot.GrossExposure,
		Drawdown:      dd,
	}
	if _, err := r.store.InsertSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("写快照 ts=%d: %w", snap.TS, err)
	}
	r.points = append(r.points, report.EquityPoint{TS: snap.TS, Equity: snap.Equity})
	r.snaps++

	for _, an := range rec.Anomalies {
		err := r.store.InsertAnomaly(ctx, AnomalyRecord{
			RunID:    r.runID,
			Kind:     an.Kind,
			OrderID:  an.OrderID,
			Sequence: an.Sequence,
			TS:       an.Timestamp,
			Detail:   an.Detail,
		})
		if err != nil {
			return fmt.Errorf("写异常 %s: %w", an.Kind, err)
		}
	}
	return nil
}

// Finalize 用积累的曲线和回合算绩效汇总。
func (r *StoreRecorder) Finalize() report.Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return report.Summarize(r.points, r.closed)
}

// Snapshots 返回已落库的曲线采样条数。
func (r *StoreRecorder) Snapshots() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snaps
}

// Trips 返回已平仓回合数。
func (r *StoreRecorder) Trips() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.closed)
}
