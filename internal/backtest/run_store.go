package backtest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"ebb/internal/report"

	_ "modernc.org/sqlite"
)

// ResultStore 管理 backtest_runs/orders/fills/trips/snapshots/anomalies 表。
type ResultStore struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

func NewResultStore(root string) (*ResultStore, error) {
	if root == "" {
		return nil, fmt.Errorf("result store root 不能为空")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(root, "runs.db")
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureResultSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &ResultStore{db: db, path: path}, nil
}

func (s *ResultStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func ensureResultSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS backtest_runs (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			profile TEXT NOT NULL,
			status TEXT NOT NULL,
			interval TEXT NOT NULL,
			start_ts INTEGER NOT NULL,
			end_ts INTEGER NOT NULL,
			initial_cash REAL NOT NULL,
			final_equity REAL NOT NULL DEFAULT 0,
			profit REAL NOT NULL DEFAULT 0,
			return_pct REAL NOT NULL DEFAULT 0,
			win_rate REAL NOT NULL DEFAULT 0,
			max_drawdown REAL NOT NULL DEFAULT 0,
			orders INTEGER NOT NULL DEFAULT 0,
			trips INTEGER NOT NULL DEFAULT 0,
			config_json TEXT NOT NULL,
			stats_json TEXT,
			report_json TEXT,
			message TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			completed_at INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS backtest_orders (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			order_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			quantity REAL NOT NULL,
			filled REAL NOT NULL DEFAULT 0,
			avg_price REAL NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			reason TEXT,
			created_ts INTEGER NOT NULL,
			updated_ts INTEGER NOT NULL,
			UNIQUE(run_id, order_id),
			FOREIGN KEY(run_id) REFERENCES backtest_runs(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS backtest_fills (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			order_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			ts INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			quantity REAL NOT NULL,
			price REAL NOT NULL,
			fee REAL NOT NULL,
			UNIQUE(run_id, order_id, sequence),
			FOREIGN KEY(run_id) REFERENCES backtest_runs(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS backtest_trips (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			quantity REAL NOT NULL,
			entry_price REAL NOT NULL,
			exit_price REAL NOT NULL,
			pnl REAL NOT NULL,
			fees REAL NOT NULL,
			opened_ts INTEGER NOT NULL,
			closed_ts INTEGER NOT NULL,
			FOREIGN KEY(run_id) REFERENCES backtest_runs(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS backtest_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			equity REAL NOT NULL,
			cash REAL NOT NULL,
			realized_pnl REAL NOT NULL,
			unrealized_pnl REAL NOT NULL,
			gross_exposure REAL NOT NULL,
			drawdown REAL NOT NULL,
			FOREIGN KEY(run_id) REFERENCES backtest_runs(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS backtest_anomalies (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			order_id TEXT NOT NULL,
			sequence INTEGER NOT NULL DEFAULT 0,
			ts INTEGER NOT NULL,
			detail TEXT,
			FOREIGN KEY(run_id) REFERENCES backtest_runs(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_run ON backtest_orders(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_fills_run ON backtest_fills(run_id, order_id);`,
		`CREATE INDEX IF NOT EXISTS idx_trips_run ON backtest_trips(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_run ON backtest_snapshots(run_id, ts);`,
		`CREATE INDEX IF NOT EXISTS idx_anomalies_run ON backtest_anomalies(run_id);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return ensureRunColumns(db)
}

func ensureRunColumns(db *sql.DB) error {
	columns := []struct {
		table string
		name  string
		typ   string
	}{
		{"backtest_runs", "report_json", "TEXT"},
		{"backtest_orders", "reason", "TEXT"},
	}
	for _, col := range columns {
		if err := addColumnIfMissing(db, col.table, col.name, col.typ); err != nil {
			return err
		}
	}
	return nil
}

// InsertRun 写入一条 run 记录。
func (s *ResultStore) InsertRun(ctx context.Context, run Run) error {
	cfgJSON, err := json.Marshal(run.Config)
	if err != nil {
		return err
	}
	statsJSON, err := json.Marshal(run.Stats)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO backtest_runs
			(id, symbol, profile, status, interval, start_ts, end_ts, initial_cash,
			final_equity, profit, return_pct, win_rate, max_drawdown, orders, trips,
			config_json, stats_json, message, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Symbol, run.Profile, run.Status, run.Interval, run.StartTS, run.EndTS,
		run.InitialCash, run.FinalEquity, run.Stats.Profit, run.Stats.ReturnPct, run.Stats.WinRate,
		run.Stats.MaxDrawdownPct, run.Orders, run.Trips, string(cfgJSON), bytesOrNil(statsJSON),
		run.Message, now, now, nullableTime(run.CompletedAt))
	return err
}

func bytesOrNil(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

// UpdateRunSummary 回放结束后更新状态、指标与绩效报告。
func (s *ResultStore) UpdateRunSummary(ctx context.Context, id string, status string, stats RunStats, summary report.Summary, message string) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	reportJSON, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	var completed interface{}
	if status == RunStatusDone || status == RunStatusFailed {
		completed = now
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE backtest_runs
		SET status=?, final_equity=?, profit=?, return_pct=?, win_rate=?, max_drawdown=?,
		    orders=?, trips=?, stats_json=?, report_json=?, message=?, updated_at=?,
		    completed_at=CASE WHEN ? IS NULL THEN completed_at ELSE ? END
		WHERE id=?`,
		status, stats.FinalEquity, stats.Profit, stats.ReturnPct, stats.WinRate,
		stats.MaxDrawdownPct, stats.Orders, stats.Trips, string(statsJSON), string(reportJSON),
		message, now, completed, completed, id)
	return err
}

// UpdateRunStatus 仅更新状态与提示。
func (s *ResultStore) UpdateRunStatus(ctx context.Context, id, status, message string) error {
	now := time.Now().UnixMilli()
	var completed interface{}
	if status == RunStatusDone || status == RunStatusFailed {
		completed = now
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE backtest_runs
		SET status=?, message=?, updated_at=?, completed_at=CASE WHEN ? IS NULL THEN completed_at ELSE ? END
		WHERE id=?`, status, message, now, completed, completed, id)
	return err
}

// UpsertOrder 按 (run_id, order_id) 写入或刷新订单终态。
// 引擎每个 tick 对账后都会重写一次，冲突时只更新可变字段。
func (s *ResultStore) UpsertOrder(ctx context.Context, rec OrderRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backtest_orders
			(run_id, order_id, symbol, side, quantity, filled, avg_price, status, reason, created_ts, updated_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, order_id) DO UPDATE SET
			filled=excluded.filled,
			avg_price=excluded.avg_price,
			status=excluded.status,
			reason=excluded.reason,
			updated_ts=excluded.updated_ts`,
		rec.RunID, rec.OrderID, rec.Symbol, rec.Side, rec.Quantity, rec.Filled,
		rec.AvgPrice, rec.Status, rec.Reason, rec.CreatedTS, rec.UpdatedTS)
	return err
}

// InsertFill 写入成交，(run_id, order_id, sequence) 冲突时忽略。
// 返回值表示本次是否真正落库，重复推送会得到 false。
func (s *ResultStore) InsertFill(ctx context.Context, rec FillRecord) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO backtest_fills
			(run_id, order_id, sequence, ts, symbol, quantity, price, fee)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.OrderID, rec.Sequence, rec.TS, rec.Symbol, rec.Quantity, rec.Price, rec.Fee)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *ResultStore) InsertTrip(ctx context.Context, rec TripRecord) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO backtest_trips
			(run_id, symbol, side, quantity, entry_price, exit_price, pnl, fees, opened_ts, closed_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Symbol, rec.Side, rec.Quantity, rec.EntryPrice, rec.ExitPrice,
		rec.PnL, rec.Fees, rec.OpenedTS, rec.ClosedTS)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *ResultStore) InsertSnapshot(ctx context.Context, rec SnapshotRecord) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO backtest_snapshots
			(run_id, ts, equity, cash, realized_pnl, unrealized_pnl, gross_exposure, drawdown)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.TS, rec.Equity, rec.Cash, rec.RealizedPnL, rec.UnrealizedPnL,
		rec.GrossExposure, rec.Drawdown)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *ResultStore) InsertAnomaly(ctx context.Context, rec AnomalyRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backtest_anomalies
			(run_id, kind, order_id, sequence, ts, detail)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Kind, rec.OrderID, rec.Sequence, rec.TS, rec.Detail)
	return err
}

func (s *ResultStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, profile, status, interval, start_ts, end_ts, initial_cash,
		       final_equity, profit, return_pct, win_rate, max_drawdown, orders, trips,
		       config_json, stats_json, report_json, message, created_at, updated_at, completed_at
		FROM backtest_runs
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, run)
	}
	return list, rows.Err()
}

func (s *ResultStore) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, symbol, profile, status, interval, start_ts, end_ts, initial_cash,
		       final_equity, profit, return_pct, win_rate, max_drawdown, orders, trips,
		       config_json, stats_json, report_json, message, created_at, updated_at, completed_at
		FROM backtest_runs WHERE id=?`, id)
	return scanRun(row)
}

func (s *ResultStore) ListOrders(ctx context.Context, runID string, limit int) ([]OrderRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, symbol, side, quantity, filled, avg_price, status, reason, created_ts, updated_ts
		FROM backtest_orders
		WHERE run_id=?
		ORDER BY created_ts ASC, id ASC
		LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []OrderRecord
	for rows.Next() {
		var rec OrderRecord
		var reason sql.NullString
		if err := rows.Scan(&rec.ID, &rec.OrderID, &rec.Symbol, &rec.Side, &rec.Quantity,
			&rec.Filled, &rec.AvgPrice, &rec.Status, &reason, &rec.CreatedTS, &rec.UpdatedTS); err != nil {
			return nil, err
		}
		rec.RunID = runID
		if reason.Valid {
			rec.Reason = reason.String
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *ResultStore) ListFills(ctx context.Context, runID string, limit int) ([]FillRecord, error) {
	if limit <= 0 || limit > 2000 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, sequence, ts, symbol, quantity, price, fee
		FROM backtest_fills
		WHERE run_id=?
		ORDER BY ts ASC, id ASC
		LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FillRecord
	for rows.Next() {
		var rec FillRecord
		if err := rows.Scan(&rec.ID, &rec.OrderID, &rec.Sequence, &rec.TS, &rec.Symbol,
			&rec.Quantity, &rec.Price, &rec.Fee); err != nil {
			return nil, err
		}
		rec.RunID = runID
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *ResultStore) ListTrips(ctx context.Context, runID string, limit int) ([]TripRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, side, quantity, entry_price, exit_price, pnl, fees, opened_ts, closed_ts
		FROM backtest_trips
		WHERE run_id=?
		ORDER BY closed_ts ASC, id ASC
		LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TripRecord
	for rows.Next() {
		var rec TripRecord
		if err := rows.Scan(&rec.ID, &rec.Symbol, &rec.Side, &rec.Quantity, &rec.EntryPrice,
			&rec.ExitPrice, &rec.PnL, &rec.Fees, &rec.OpenedTS, &rec.ClosedTS); err != nil {
			return nil, err
		}
		rec.RunID = runID
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *ResultStore) ListSnapshots(ctx context.Context, runID string, limit int) ([]SnapshotRecord, error) {
	if limit <= 0 || limit > 5000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, equity, cash, realized_pnl, unrealized_pnl, gross_exposure, drawdown
		FROM backtest_snapshots
		WHERE run_id=?
		ORDER BY ts ASC
		LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SnapshotRecord
	for rows.Next() {
		var rec SnapshotRecord
		if err := rows.Scan(&rec.ID, &rec.TS, &rec.Equity, &rec.Cash, &rec.RealizedPnL,
			&rec.UnrealizedPnL, &rec.GrossExposure, &rec.Drawdown); err != nil {
			return nil, err
		}
		rec.RunID = runID
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *ResultStore) ListAnomalies(ctx context.Context, runID string, limit int) ([]AnomalyRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, order_id, sequence, ts, detail
		FROM backtest_anomalies
		WHERE run_id=?
		ORDER BY ts ASC, id ASC
		LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AnomalyRecord
	for rows.Next() {
		var rec AnomalyRecord
		var detail sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.OrderID, &rec.Sequence, &rec.TS, &detail); err != nil {
			return nil, err
		}
		rec.RunID = runID
		if detail.Valid {
			rec.Detail = detail.String
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// EquityPoints 按时间序返回该 run 的资金曲线，供绩效计算与绘图。
func (s *ResultStore) EquityPoints(ctx context.Context, runID string) ([]report.EquityPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, equity FROM backtest_snapshots WHERE run_id=? ORDER BY ts ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []report.EquityPoint
	for rows.Next() {
		var p report.EquityPoint
		if err := rows.Scan(&p.TS, &p.Equity); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func addColumnIfMissing(db *sql.DB, table, column, typ string) error {
	exists, err := columnExists(db, table, column)
	if err != nil || exists {
		return err
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, typ)
	_, err = db.Exec(stmt)
	return err
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	query := fmt.Sprintf("SELECT COUNT(1) FROM pragma_table_info('%s') WHERE name='%s'", table, column)
	var cnt int
	if err := db.QueryRow(query).Scan(&cnt); err != nil {
		return false, err
	}
	return cnt > 0, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (Run, error) {
	var run Run
	var cfgStr string
	var statsStr, reportStr, msgStr sql.NullString
	var createdAt, updatedAt int64
	var completedAt sql.NullInt64
	if err := row.Scan(&run.ID, &run.Symbol, &run.Profile, &run.Status, &run.Interval,
		&run.StartTS, &run.EndTS, &run.InitialCash,
		&run.FinalEquity, &run.Profit, &run.ReturnPct, &run.WinRate, &run.MaxDrawdown,
		&run.Orders, &run.Trips, &cfgStr, &statsStr, &reportStr, &msgStr,
		&createdAt, &updatedAt, &completedAt); err != nil {
		return Run{}, err
	}
	run.CreatedAt = timeFromMillis(createdAt)
	run.UpdatedAt = timeFromMillis(updatedAt)
	if completedAt.Valid {
		run.CompletedAt = timeFromMillis(completedAt.Int64)
	}
	if msgStr.Valid {
		run.Message = msgStr.String
	}
	if err := json.Unmarshal([]byte(cfgStr), &run.Config); err != nil {
		return Run{}, err
	}
	if statsStr.Valid && statsStr.String != "" {
		if err := json.Unmarshal([]byte(statsStr.String), &run.Stats); err != nil {
			return Run{}, err
		}
	} else {
		run.Stats = RunStats{
			FinalEquity:    run.FinalEquity,
			Profit:         run.Profit,
			ReturnPct:      run.ReturnPct,
			WinRate:        run.WinRate,
			MaxDrawdownPct: run.MaxDrawdown,
			Orders:         run.Orders,
			Trips:          run.Trips,
		}
	}
	if reportStr.Valid && reportStr.String != "" {
		if err := json.Unmarshal([]byte(reportStr.String), &run.Report); err != nil {
			return Run{}, err
		}
	}
	return run, nil
}

func timeFromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.Unix(0, ms*int64(time.Millisecond))
}
