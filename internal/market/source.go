package market

import (
	"context"
	"io"
)

// BarSource 是拉取式的 bar 序列：每次 Next 返回下一根已收盘 K 线，
// 单 symbol 内时间戳不回退；流结束返回 io.EOF。
type BarSource interface {
	Next(ctx context.Context) (Bar, error)
	Close() error
}

// FetchRequest 描述一次批量历史拉取。时间为毫秒。
type FetchRequest struct {
	Symbol   string
	Interval string
	Start    int64
	End      int64
	Limit    int
}

// HistoryFetcher 从外部行情商批量拉取历史 K 线（用于缓存预热）。
type HistoryFetcher interface {
	Name() string
	Fetch(ctx context.Context, req FetchRequest) ([]Bar, error)
}

// SliceSource 包装内存中的 bar 序列，测试与合成数据复用。
type SliceSource struct {
	bars []Bar
	idx  int
}

func NewSliceSource(bars []Bar) *SliceSource {
	return &SliceSource{bars: bars}
}

func (s *SliceSource) Next(ctx context.Context) (Bar, error) {
	if err := ctx.Err(); err != nil {
		return Bar{}, err
	}
	if s.idx >= len(s.bars) {
		return Bar{}, io.EOF
	}
	b := s.bars[s.idx]
	s.idx++
	return b, nil
}

func (s *SliceSource) Close() error { return nil }

// MergeSource 把多路单 symbol 的 BarSource 按 OpenTime 归并成一路，
// 多 symbol 会话用。各路内部有序即可，时间相同时按入参顺序出。
type MergeSource struct {
	sources   []BarSource
	heads     []*Bar
	exhausted []bool
}

func NewMergeSource(sources ...BarSource) *MergeSource {
	return &MergeSource{
		sources:   sources,
		heads:     make([]*Bar, len(sources)),
		exhausted: make([]bool, len(sources)),
	}
}

func (m *MergeSource) Next(ctx context.Context) (Bar, error) {
	// 先把空槽补满再挑最小，出错时已缓冲的 bar 不会丢。
	for i, src := range m.sources {
		if m.heads[i] != nil || m.exhausted[i] {
			continue
		}
		bar, err := src.Next(ctx)
		if err != nil {
			if err == io.EOF {
				m.exhausted[i] = true
				continue
			}
			return Bar{}, err
		}
		m.heads[i] = &bar
	}
	pick := -1
	for i, head := range m.heads {
		if head == nil {
			continue
		}
		if pick < 0 || head.OpenTime < m.heads[pick].OpenTime {
			pick = i
		}
	}
	if pick < 0 {
		return Bar{}, io.EOF
	}
	bar := *m.heads[pick]
	m.heads[pick] = nil
	return bar, nil
}

func (m *MergeSource) Close() error {
	var firstErr error
	for _, src := range m.sources {
		if src == nil {
			continue
		}
		if err := src.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
