package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ebb/internal/logger"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	PrefetchPending = "pending"
	PrefetchRunning = "running"
	PrefetchDone    = "done"
	PrefetchPartial = "partial"
	PrefetchFailed  = "failed"
)

// Gap 是缓存里缺失的一段连续区间，端点为对齐后的 open_time（含）。
type Gap struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

// PrefetchJob 跟踪一次补数任务的进度。
type PrefetchJob struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Interval  string    `json:"interval"`
	Start     int64     `json:"start"`
	End       int64     `json:"end"`
	Status    string    `json:"status"`
	Expected  int64     `json:"expected"`
	Present   int64     `json:"present"`
	Fetched   int64     `json:"fetched"`
	Message   string    `json:"message,omitempty"`
	Gaps      []Gap     `json:"gaps,omitempty"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (j *PrefetchJob) copy() PrefetchJob {
	out := *j
	out.Gaps = append([]Gap{}, j.Gaps...)
	return out
}

// PrefetchConfig 配置补数服务。
type PrefetchConfig struct {
	Cache           *Cache
	Fetcher         HistoryFetcher
	RateLimitPerMin int
	MaxBatch        int
	MaxConcurrent   int
}

// PrefetchService 负责把请求区间内缺失的 K 线从行情商补进本地缓存。
// 同一服务实例可以并发提交多个任务，worker 数与请求频率都有上限。
type PrefetchService struct {
	cache    *Cache
	fetcher  HistoryFetcher
	maxBatch int

	limiter *rate.Limiter
	sem     chan struct{}

	mu   sync.RWMutex
	jobs map[string]*PrefetchJob

	baseCtx context.Context
}

func NewPrefetchService(cfg PrefetchConfig) (*PrefetchService, error) {
	if cfg.Cache == nil {
		return nil, fmt.Errorf("prefetch: cache 不能为空")
	}
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("prefetch: fetcher 不能为空")
	}
	ratePerSec := rate.Limit(float64(cfg.RateLimitPerMin) / 60.0)
	if cfg.RateLimitPerMin <= 0 {
		ratePerSec = 8
	}
	maxBatch := cfg.MaxBatch
	if maxBatch <= 0 {
		maxBatch = 1000
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &PrefetchService{
		cache:    cfg.Cache,
		fetcher:  cfg.Fetcher,
		maxBatch: maxBatch,
		limiter:  rate.NewLimiter(ratePerSec, maxBatch),
		sem:      make(chan struct{}, maxConcurrent),
		jobs:     make(map[string]*PrefetchJob),
		baseCtx:  context.Background(),
	}, nil
}

// SetContext 注入宿主 ctx，停机时取消在途任务。
func (s *PrefetchService) SetContext(ctx context.Context) {
	if ctx != nil {
		s.baseCtx = ctx
	}
}

func (s *PrefetchService) ctx() context.Context {
	if s.baseCtx == nil {
		return context.Background()
	}
	return s.baseCtx
}

// Submit 提交异步补数任务。区间已完整时任务直接置 done。
func (s *PrefetchService) Submit(symbol, interval string, start, end int64) (PrefetchJob, error) {
	step, alStart, alEnd, err := alignRange(interval, start, end)
	if err != nil {
		return PrefetchJob{}, err
	}
	present, gaps, err := s.integrity(s.ctx(), symbol, interval, step, alStart, alEnd)
	if err != nil {
		return PrefetchJob{}, err
	}
	expected := (alEnd-alStart)/step + 1
	job := &PrefetchJob{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Interval:  interval,
		Start:     alStart,
		End:       alEnd,
		Status:    PrefetchPending,
		Expected:  expected,
		Present:   present,
		Gaps:      gaps,
		StartedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
	logger.Infof("[prefetch] 任务 %s 提交：%s %s [%d,%d] 预计=%d 缺口=%d", job.ID, symbol, interval, alStart, alEnd, expected, len(gaps))

	if len(gaps) == 0 {
		s.update(job.ID, func(j *PrefetchJob) {
			j.Status = PrefetchDone
			j.Message = "数据已完整，无需拉取"
		})
		return s.snapshot(job.ID), nil
	}
	go s.runJob(job.ID, step)
	return job.copy(), nil
}

// EnsureRange 同步补齐区间，回测启动前用。仍有缺口时返回错误。
func (s *PrefetchService) EnsureRange(ctx context.Context, symbol, interval string, start, end int64) error {
	step, alStart, alEnd, err := alignRange(interval, start, end)
	if err != nil {
		return err
	}
	_, gaps, err := s.integrity(ctx, symbol, interval, step, alStart, alEnd)
	if err != nil {
		return err
	}
	if len(gaps) == 0 {
		return nil
	}
	if _, err := s.fillGaps(ctx, symbol, interval, step, gaps, nil); err != nil {
		return err
	}
	_, left, err := s.integrity(ctx, symbol, interval, step, alStart, alEnd)
	if err != nil {
		return err
	}
	if len(left) > 0 {
		return fmt.Errorf("prefetch: %s@%s 补数后仍有 %d 个缺口", symbol, interval, len(left))
	}
	return nil
}

func (s *PrefetchService) runJob(jobID string, step int64) {
	select {
	case s.sem <- struct{}{}:
	case <-s.ctx().Done():
		s.update(jobID, func(j *PrefetchJob) {
			j.Status = PrefetchFailed
			j.Message = "服务已关闭"
		})
		return
	}
	defer func() { <-s.sem }()

	job := s.snapshot(jobID)
	if job.ID == "" {
		return
	}
	s.update(jobID, func(j *PrefetchJob) {
		j.Status = PrefetchRunning
		j.Message = ""
	})
	ctx := s.ctx()
	fetched, err := s.fillGaps(ctx, job.Symbol, job.Interval, step, job.Gaps, func(n int) {
		s.update(jobID, func(j *PrefetchJob) { j.Fetched += int64(n) })
	})
	if err != nil {
		s.update(jobID, func(j *PrefetchJob) {
			j.Status = PrefetchFailed
			j.Message = err.Error()
		})
		logger.Warnf("[prefetch] 任务 %s 失败: %v", jobID, err)
		return
	}

	present, left, err := s.integrity(ctx, job.Symbol, job.Interval, step, job.Start, job.End)
	status := PrefetchDone
	message := "拉取完成"
	if err != nil {
		status, message = PrefetchFailed, "完整性检查失败: "+err.Error()
	} else if len(left) > 0 {
		status, message = PrefetchPartial, "已完成，但仍存在缺口"
	}
	s.update(jobID, func(j *PrefetchJob) {
		j.Status = status
		j.Message = message
		j.Present = present
		j.Gaps = left
	})
	logger.Infof("[prefetch] 任务 %s 完成，状态=%s 新增=%d 剩余缺口=%d", jobID, status, fetched, len(left))
}

func (s *PrefetchService) fillGaps(ctx context.Context, symbol, interval string, step int64, gaps []Gap, progress func(int)) (int, error) {
	total := 0
	for _, gap := range gaps {
		cursor := gap.From
		for cursor <= gap.To {
			if err := ctx.Err(); err != nil {
				return total, err
			}
			if err := s.limiter.Wait(ctx); err != nil {
				return total, err
			}
			remaining := int((gap.To-cursor)/step) + 1
			if remaining > s.maxBatch {
				remaining = s.maxBatch
			}
			bars, err := s.fetcher.Fetch(ctx, FetchRequest{
				Symbol:   symbol,
				Interval: interval,
				Start:    cursor,
				End:      gap.To,
				Limit:    remaining,
			})
			if err != nil {
				return total, fmt.Errorf("%s 拉取失败: %w", s.fetcher.Name(), err)
			}
			if len(bars) == 0 {
				// 行情商没有这段数据（上市前等），跳过该缺口。
				break
			}
			inserted, err := s.cache.InsertBars(ctx, symbol, interval, bars)
			if err != nil {
				return total, fmt.Errorf("写入缓存失败: %w", err)
			}
			total += inserted
			if progress != nil {
				progress(inserted)
			}
			cursor = bars[len(bars)-1].OpenTime + step
			if inserted == 0 {
				break
			}
		}
	}
	return total, nil
}

// integrity 对照周期网格统计已有行数与缺失区间。
func (s *PrefetchService) integrity(ctx context.Context, symbol, interval string, step, start, end int64) (int64, []Gap, error) {
	bars, err := s.cache.QueryRange(ctx, symbol, interval, start, end, 0)
	if err != nil {
		return 0, nil, err
	}
	var gaps []Gap
	cursor := start
	for _, b := range bars {
		open := alignDown(b.OpenTime, step)
		if open > cursor {
			gaps = append(gaps, Gap{From: cursor, To: open - step})
		}
		if open+step > cursor {
			cursor = open + step
		}
	}
	if cursor <= end {
		gaps = append(gaps, Gap{From: cursor, To: end})
	}
	return int64(len(bars)), gaps, nil
}

// Job 返回任务副本。
func (s *PrefetchService) Job(id string) (PrefetchJob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return PrefetchJob{}, false
	}
	return job.copy(), true
}

// Jobs 返回全部任务副本。
func (s *PrefetchService) Jobs() []PrefetchJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PrefetchJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.copy())
	}
	return out
}

func (s *PrefetchService) snapshot(id string) PrefetchJob {
	job, _ := s.Job(id)
	return job
}

func (s *PrefetchService) update(id string, fn func(*PrefetchJob)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok && fn != nil {
		fn(job)
		job.UpdatedAt = time.Now()
	}
}

func alignRange(interval string, start, end int64) (step, alStart, alEnd int64, err error) {
	d, ok := ParseInterval(interval)
	if !ok {
		return 0, 0, 0, fmt.Errorf("prefetch: 不支持的周期 %q", interval)
	}
	step = d.Milliseconds()
	if end < start {
		start, end = end, start
	}
	alStart = alignDown(start, step)
	alEnd = alignDown(end, step)
	if alEnd < alStart {
		alEnd = alStart
	}
	return step, alStart, alEnd, nil
}

func alignDown(ts, step int64) int64 {
	if step <= 0 {
		return ts
	}
	rem := ts % step
	if rem < 0 {
		rem += step
	}
	return ts - rem
}
