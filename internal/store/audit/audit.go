// Package audit 把纸面实盘会话的决策留痕落到 SQLite：每个 tick 一行、
// 订单终态可更新、对账异常单独成表，供 HTTP 面板回看与问题追查。
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const (
	SessionRunning  = "running"
	SessionStopped  = "stopped"
	SessionFailed   = "failed"
	SessionFinished = "finished"
)

// Store 基于 gorm + SQLite 管理 sessions/ticks/orders/anomalies 表。
type Store struct {
	db *gorm.DB
}

func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("audit store: 路径不能为空")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&sessionModel{}, &tickModel{}, &orderModel{}, &anomalyModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// WAL 下留一点并发余量给 HTTP 只读查询。
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Session 描述一次引擎会话的生命周期。
type Session struct {
	ID         string          `json:"id"`
	Mode       string          `json:"mode"`
	Profile    string          `json:"profile"`
	Symbols    []string        `json:"symbols"`
	Status     string          `json:"status"`
	Message    string          `json:"message,omitempty"`
	Stats      json.RawMessage `json:"stats,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at,omitempty"`
}

// TickRow 是单个 tick 的留痕行。Payload 是完整留痕 JSON，
// 索引列只为列表页筛选服务。
type TickRow struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	Symbol    string          `json:"symbol"`
	CloseTime int64           `json:"close_time"`
	Direction string          `json:"direction"`
	Approved  float64         `json:"approved_quantity"`
	Reason    string          `json:"reason,omitempty"`
	OrderID   string          `json:"order_id,omitempty"`
	Fills     int             `json:"fills"`
	Equity    float64         `json:"equity"`
	Cash      float64         `json:"cash"`
	Exposure  float64         `json:"gross_exposure"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// OrderRow 是订单在审计库里的最新形态。
type OrderRow struct {
	SessionID string  `json:"session_id"`
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

// AnomalyRow 是一条对账异常。
type AnomalyRow struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	OrderID   string    `json:"order_id,omitempty"`
	Sequence  int64     `json:"sequence,omitempty"`
	TS        int64     `json:"ts"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// StartSession 登记一次新会话。
func (s *Store) StartSession(ctx context.Context, sess Session) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("audit store 未初始化")
	}
	if strings.TrimSpace(sess.ID) == "" {
		return fmt.Errorf("session id 不能为空")
	}
	if sess.Status == "" {
		sess.Status = SessionRunning
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now()
	}
	model := sessionModel{
		SessionID: sess.ID,
		Mode:      sess.Mode,
		Profile:   sess.Profile,
		Symbols:   strings.Join(sess.Symbols, ","),
		Status:    sess.Status,
		Message:   sess.Message,
		StartedAt: sess.StartedAt.UnixMilli(),
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

// FinishSession 收尾：终态、提示与统计快照一次写入。
func (s *Store) FinishSession(ctx context.Context, id, status, message string, stats any) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("audit store 未初始化")
	}
	payload := map[string]interface{}{
		"status":      status,
		"message":     message,
		"finished_at": time.Now().UnixMilli(),
	}
	if stats != nil {
		raw, err := json.Marshal(stats)
		if err != nil {
			return err
		}
		payload["stats_json"] = datatypes.JSON(raw)
	}
	res := s.db.WithContext(ctx).Model(&sessionModel{}).
		Where("session_id = ?", id).
		Updates(payload)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// TouchSessionStats 仅刷新统计快照，不动状态。
func (s *Store) TouchSessionStats(ctx context.Context, id string, stats any) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("audit store 未初始化")
	}
	raw, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&sessionModel{}).
		Where("session_id = ?", id).
		Update("stats_json", datatypes.JSON(raw)).Error
}

func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	if s == nil || s.db == nil {
		return Session{}, fmt.Errorf("audit store 未初始化")
	}
	var model sessionModel
	if err := s.db.WithContext(ctx).Where("session_id = ?", id).First(&model).Error; err != nil {
		return Session{}, err
	}
	return sessionModelToRecord(model), nil
}

func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("audit store 未初始化")
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var models []sessionModel
	if err := s.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]Session, 0, len(models))
	for _, m := range models {
		out = append(out, sessionModelToRecord(m))
	}
	return out, nil
}

// InsertTick 记一行决策留痕。
func (s *Store) InsertTick(ctx context.Context, row TickRow) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("audit store 未初始化")
	}
	model := tickModel{
		SessionID: row.SessionID,
		Symbol:    strings.ToUpper(strings.TrimSpace(row.Symbol)),
		CloseTime: row.CloseTime,
		Direction: row.Direction,
		Approved:  row.Approved,
		Reason:    row.Reason,
		OrderID:   row.OrderID,
		Fills:     row.Fills,
		Equity:    row.Equity,
		Cash:      row.Cash,
		Exposure:  row.Exposure,
		Payload:   datatypes.JSON(row.Payload),
		CreatedAt: time.Now().UnixMilli(),
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

// ListTicks 按收盘时间升序返回留痕，withPayload 控制是否带全量 JSON。
func (s *Store) ListTicks(ctx context.Context, sessionID string, limit int, withPayload bool) ([]TickRow, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("audit store 未初始化")
	}
	if limit <= 0 || limit > 5000 {
		limit = 1000
	}
	query := s.db.WithContext(ctx).Model(&tickModel{}).
		Where("session_id = ?", sessionID).
		Order("close_time ASC, id ASC").
		Limit(limit)
	if !withPayload {
		query = query.Omit("payload")
	}
	var models []tickModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]TickRow, 0, len(models))
	for _, m := range models {
		out = append(out, tickModelToRecord(m))
	}
	return out, nil
}

// UpsertOrder 按 (session_id, order_id) 写入或刷新订单。
func (s *Store) UpsertOrder(ctx context.Context, row OrderRow) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("audit store 未初始化")
	}
	if row.OrderID == "" {
		return fmt.Errorf("order_id 不能为空")
	}
	model := orderModel{
		SessionID: row.SessionID,
		OrderID:   row.OrderID,
		Symbol:    strings.ToUpper(strings.TrimSpace(row.Symbol)),
		Side:      row.Side,
		Quantity:  row.Quantity,
		Filled:    row.Filled,
		AvgPrice:  row.AvgPrice,
		Status:    row.Status,
		Reason:    row.Reason,
		CreatedTS: row.CreatedTS,
		UpdatedTS: row.UpdatedTS,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}, {Name: "order_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"filled", "avg_price", "status", "reason", "updated_ts"}),
		}).
		Create(&model).Error
}

func (s *Store) ListOrders(ctx context.Context, sessionID string, limit int) ([]OrderRow, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("audit store 未初始化")
	}
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	var models []orderModel
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_ts ASC, id ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]OrderRow, 0, len(models))
	for _, m := range models {
		out = append(out, OrderRow{
			SessionID: m.SessionID,
			OrderID:   m.OrderID,
			Symbol:    m.Symbol,
			Side:      m.Side,
			Quantity:  m.Quantity,
			Filled:    m.Filled,
			AvgPrice:  m.AvgPrice,
			Status:    m.Status,
			Reason:    m.Reason,
			CreatedTS: m.CreatedTS,
			UpdatedTS: m.UpdatedTS,
		})
	}
	return out, nil
}

func (s *Store) InsertAnomaly(ctx context.Context, row AnomalyRow) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("audit store 未初始化")
	}
	model := anomalyModel{
		SessionID: row.SessionID,
		Kind:      row.Kind,
		OrderID:   row.OrderID,
		Sequence:  row.Sequence,
		TS:        row.TS,
		Detail:    row.Detail,
		CreatedAt: time.Now().UnixMilli(),
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

func (s *Store) ListAnomalies(ctx context.Context, sessionID string, limit int) ([]AnomalyRow, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("audit store 未初始化")
	}
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	var models []anomalyModel
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("ts ASC, id ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]AnomalyRow, 0, len(models))
	for _, m := range models {
		out = append(out, AnomalyRow{
			ID:        m.ID,
			SessionID: m.SessionID,
			Kind:      m.Kind,
			OrderID:   m.OrderID,
			Sequence:  m.Sequence,
			TS:        m.TS,
			Detail:    m.Detail,
			CreatedAt: millisToTime(m.CreatedAt),
		})
	}
	return out, nil
}

// EquitySeries 返回某会话的 (close_time, equity) 序列，绘图用。
func (s *Store) EquitySeries(ctx context.Context, sessionID string) ([][2]float64, error) {
	rows, err := s.ListTicks(ctx, sessionID, 0, false)
	if err != nil {
		return nil, err
	}
	out := make([][2]float64, 0, len(rows))
	for _, r := range rows {
		out = append(out, [2]float64{float64(r.CloseTime), r.Equity})
	}
	return out, nil
}

// IsNotFound 判断是否记录缺失。
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// --------------------------- models ------------------------------------

type sessionModel struct {
	ID         int64          `gorm:"column:id;primaryKey"`
	SessionID  string         `gorm:"column:session_id;uniqueIndex"`
	Mode       string         `gorm:"column:mode"`
	Profile    string         `gorm:"column:profile"`
	Symbols    string         `gorm:"column:symbols"`
	Status     string         `gorm:"column:status;index"`
	Message    string         `gorm:"column:message"`
	StatsJSON  datatypes.JSON `gorm:"column:stats_json"`
	StartedAt  int64          `gorm:"column:started_at;index"`
	FinishedAt int64          `gorm:"column:finished_at"`
}

func (sessionModel) TableName() string { return "engine_sessions" }

type tickModel struct {
	ID        int64          `gorm:"column:id;primaryKey"`
	SessionID string         `gorm:"column:session_id;index:idx_ticks_session"`
	Symbol    string         `gorm:"column:symbol;index"`
	CloseTime int64          `gorm:"column:close_time;index"`
	Direction string         `gorm:"column:direction"`
	Approved  float64        `gorm:"column:approved_qty"`
	Reason    string         `gorm:"column:reason"`
	OrderID   string         `gorm:"column:order_id"`
	Fills     int            `gorm:"column:fills"`
	Equity    float64        `gorm:"column:equity"`
	Cash      float64        `gorm:"column:cash"`
	Exposure  float64        `gorm:"column:gross_exposure"`
	Payload   datatypes.JSON `gorm:"column:payload"`
	CreatedAt int64          `gorm:"column:created_at"`
}

func (tickModel) TableName() string { return "engine_ticks" }

type orderModel struct {
	ID        int64   `gorm:"column:id;primaryKey"`
	SessionID string  `gorm:"column:session_id;uniqueIndex:uniq_session_order"`
	OrderID   string  `gorm:"column:order_id;uniqueIndex:uniq_session_order"`
	Symbol    string  `gorm:"column:symbol;index"`
	Side      string  `gorm:"column:side"`
	Quantity  float64 `gorm:"column:quantity"`
	Filled    float64 `gorm:"column:filled"`
	AvgPrice  float64 `gorm:"column:avg_price"`
	Status    string  `gorm:"column:status;index"`
	Reason    string  `gorm:"column:reason"`
	CreatedTS int64   `gorm:"column:created_ts"`
	UpdatedTS int64   `gorm:"column:updated_ts"`
}

func (orderModel) TableName() string { return "engine_orders" }

type anomalyModel struct {
	ID        int64  `gorm:"column:id;primaryKey"`
	SessionID string `gorm:"column:session_id;index"`
	Kind      string `gorm:"column:kind"`
	OrderID   string `gorm:"column:order_id"`
	Sequence  int64  `gorm:"column:sequence"`
	TS        int64  `gorm:"column:ts"`
	Detail    string `gorm:"column:detail"`
	CreatedAt int64  `gorm:"column:created_at"`
}

func (anomalyModel) TableName() string { return "engine_anomalies" }

func sessionModelToRecord(m sessionModel) Session {
	sess := Session{
		ID:        m.SessionID,
		Mode:      m.Mode,
		Profile:   m.Profile,
		Status:    m.Status,
		Message:   m.Message,
		StartedAt: millisToTime(m.StartedAt),
	}
	if m.Symbols != "" {
		sess.Symbols = strings.Split(m.Symbols, ",")
	}
	if len(m.StatsJSON) > 0 {
		sess.Stats = json.RawMessage(m.StatsJSON)
	}
	if m.FinishedAt > 0 {
		sess.FinishedAt = millisToTime(m.FinishedAt)
	}
	return sess
}

func tickModelToRecord(m tickModel) TickRow {
	row := TickRow{
		ID:        m.ID,
		SessionID: m.SessionID,
		Symbol:    m.Symbol,
		CloseTime: m.CloseTime,
		Direction: m.Direction,
		Approved:  m.Approved,
		Reason:    m.Reason,
		OrderID:   m.OrderID,
		Fills:     m.Fills,
		Equity:    m.Equity,
		Cash:      m.Cash,
		Exposure:  m.Exposure,
		CreatedAt: millisToTime(m.CreatedAt),
	}
	if len(m.Payload) > 0 {
		row.Payload = json.RawMessage(m.Payload)
	}
	return row
}

func millisToTime(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}
