package market

import (
	"math"
	"math/rand"
	"time"
)

// SyntheticConfig 控制确定性合成行情的形态。
type SyntheticConfig struct {
	Symbol    string
	Interval  string
	StartTime time.Time
	Bars      int
	BasePrice float64
	Amplitude float64 // 周期波动占 BasePrice 的比例
	NoiseBps  float64 // 每根 bar 的随机噪声（基点）
	Seed      int64
}

// NewSyntheticSource 生成一段确定性的正弦+噪声行情，离线回放与演示用。
// 相同 Seed 产生相同序列。
func NewSyntheticSource(cfg SyntheticConfig) *SliceSource {
	if cfg.Bars <= 0 {
		cfg.Bars = 500
	}
	if cfg.BasePrice <= 0 {
		cfg.BasePrice = 100
	}
	if cfg.Amplitude <= 0 {
		cfg.Amplitude = 0.05
	}
	step, ok := ParseInterval(cfg.Interval)
	if !ok {
		step = time.Minute
	}
	start := cfg.StartTime
	if start.IsZero() {
		start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	bars := make([]Bar, 0, cfg.Bars)
	prevClose := cfg.BasePrice
	for i := 0; i < cfg.Bars; i++ {
		phase := float64(i) / 48 * 2 * math.Pi
		trend := cfg.BasePrice * (1 + cfg.Amplitude*math.Sin(phase))
		noise := 1 + (rng.Float64()*2-1)*cfg.NoiseBps/10000
		close := trend * noise
		open := prevClose
		high := math.Max(open, close) * (1 + rng.Float64()*0.001)
		low := math.Min(open, close) * (1 - rng.Float64()*0.001)
		openTime := start.Add(time.Duration(i) * step)
		bars = append(bars, Bar{
			Symbol:    cfg.Symbol,
			OpenTime:  openTime.UnixMilli(),
			CloseTime: openTime.Add(step).UnixMilli(),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     close,
			Volume:    1000 + rng.Float64()*500,
			Trades:    int64(100 + rng.Intn(100)),
		})
		prevClose = close
	}
	return NewSliceSource(bars)
}
