package market

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedFetcher 按请求区间合成网格上的 bar，模拟行情商历史接口。
type scriptedFetcher struct {
	step  int64
	calls atomic.Int64
	fail  bool
}

func (f *scriptedFetcher) Name() string { return "scripted" }

func (f *scriptedFetcher) Fetch(ctx context.Context, req FetchRequest) ([]Bar, error) {
	f.calls.Add(1)
	if f.fail {
		return nil, assert.AnError
	}
	var out []Bar
	for open := req.Start; open <= req.End && len(out) < req.Limit; open += f.step {
		out = append(out, Bar{
			Symbol:    req.Symbol,
			OpenTime:  open,
			CloseTime: open + f.step - 1,
			Open:      100, High: 100, Low: 100, Close: 100,
			Volume: 1,
		})
	}
	return out, nil
}

func newPrefetch(t *testing.T, fetcher HistoryFetcher) (*PrefetchService, *Cache) {
	t.Helper()
	cache, err := NewCache(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })
	svc, err := NewPrefetchService(PrefetchConfig{
		Cache:           cache,
		Fetcher:         fetcher,
		RateLimitPerMin: 100_000,
		MaxBatch:        2,
	})
	require.NoError(t, err)
	return svc, cache
}

func TestPrefetch_IntegrityFindsGaps(t *testing.T) {
	svc, cache := newPrefetch(t, &scriptedFetcher{step: 60_000})
	ctx := context.Background()

	// 缓存里有第 0 根和第 3 根，缺 1、2 和 4。
	_, err := cache.InsertBars(ctx, "BTCUSDT", "1m", gridBars(0, 10))
	require.NoError(t, err)
	_, err = cache.InsertBars(ctx, "BTCUSDT", "1m", gridBars(180_000, 13))
	require.NoError(t, err)

	present, gaps, err := svc.integrity(ctx, "BTCUSDT", "1m", 60_000, 0, 240_000)
	require.NoError(t, err)
	assert.Equal(t, int64(2), present)
	require.Len(t, gaps, 2)
	assert.Equal(t, Gap{From: 60_000, To: 120_000}, gaps[0])
	assert.Equal(t, Gap{From: 240_000, To: 240_000}, gaps[1])
}

func TestPrefetch_EnsureRangeFillsGaps(t *testing.T) {
	fetcher := &scriptedFetcher{step: 60_000}
	svc, cache := newPrefetch(t, fetcher)
	ctx := context.Background()

	_, err := cache.InsertBars(ctx, "BTCUSDT", "1m", gridBars(0, 10))
	require.NoError(t, err)

	require.NoError(t, svc.EnsureRange(ctx, "BTCUSDT", "1m", 0, 240_000))

	bars, err := cache.QueryRange(ctx, "BTCUSDT", "1m", 0, 240_000, 0)
	require.NoError(t, err)
	assert.Len(t, bars, 5)
	// MaxBatch=2，缺 4 根至少两次请求。
	assert.GreaterOrEqual(t, fetcher.calls.Load(), int64(2))
}

func TestPrefetch_EnsureRangeNoGapsSkipsFetch(t *testing.T) {
	fetcher := &scriptedFetcher{step: 60_000}
	svc, cache := newPrefetch(t, fetcher)
	ctx := context.Background()

	_, err := cache.InsertBars(ctx, "BTCUSDT", "1m", gridBars(0, 10, 11, 12))
	require.NoError(t, err)

	require.NoError(t, svc.EnsureRange(ctx, "BTCUSDT", "1m", 0, 120_000))
	assert.Zero(t, fetcher.calls.Load())
}

func TestPrefetch_SubmitCompleteRange(t *testing.T) {
	svc, cache := newPrefetch(t, &scriptedFetcher{step: 60_000})
	ctx := context.Background()

	_, err := cache.InsertBars(ctx, "BTCUSDT", "1m", gridBars(0, 10, 11))
	require.NoError(t, err)

	job, err := svc.Submit("BTCUSDT", "1m", 0, 60_000)
	require.NoError(t, err)
	assert.Equal(t, PrefetchDone, job.Status)
	assert.Equal(t, int64(2), job.Expected)
	assert.Empty(t, job.Gaps)

	got, ok := svc.Job(job.ID)
	require.True(t, ok)
	assert.Equal(t, PrefetchDone, got.Status)
}

func TestPrefetch_FetchFailureSurfaces(t *testing.T) {
	svc, _ := newPrefetch(t, &scriptedFetcher{step: 60_000, fail: true})
	err := svc.EnsureRange(context.Background(), "BTCUSDT", "1m", 0, 120_000)
	assert.Error(t, err)
}

func TestPrefetch_AlignRange(t *testing.T) {
	step, start, end, err := alignRange("1m", 61_234, 185_000)
	require.NoError(t, err)
	assert.Equal(t, int64(60_000), step)
	assert.Equal(t, int64(60_000), start)
	assert.Equal(t, int64(180_000), end)

	_, _, _, err = alignRange("9z", 0, 1)
	assert.Error(t, err)
}
