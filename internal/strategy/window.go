package strategy

import "ebb/internal/market"

// Window 是固定容量的滚动 bar 窗口：追加新 bar，满了淘汰最旧的。
// 引擎为每个 symbol 持有一个，策略 Evaluate 只读其内容。
type Window struct {
	buf      []market.Bar
	capacity int
	head     int
	size     int
}

func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = 1
	}
	return &Window{
		buf:      make([]market.Bar, capacity),
		capacity: capacity,
	}
}

// Append 追加一根 bar，容量满时覆盖最旧的一根。均摊 O(1)。
func (w *Window) Append(bar market.Bar) {
	idx := (w.head + w.size) % w.capacity
	w.buf[idx] = bar
	if w.size < w.capacity {
		w.size++
		return
	}
	w.head = (w.head + 1) % w.capacity
}

// Len 返回当前持有的 bar 数。
func (w *Window) Len() int { return w.size }

// Cap 返回窗口容量。
func (w *Window) Cap() int { return w.capacity }

// Bars 按时间升序复制出窗口内容，调用方可安全持有。
func (w *Window) Bars() []market.Bar {
	out := make([]market.Bar, w.size)
	for i := 0; i < w.size; i++ {
		out[i] = w.buf[(w.head+i)%w.capacity]
	}
	return out
}

// Last 返回最近一根 bar；窗口为空时 ok 为 false。
func (w *Window) Last() (market.Bar, bool) {
	if w.size == 0 {
		return market.Bar{}, false
	}
	return w.buf[(w.head+w.size-1)%w.capacity], true
}

// Closes 抽取窗口内的收盘价序列，指标计算用。
func (w *Window) Closes() []float64 {
	out := make([]float64, w.size)
	for i := 0; i < w.size; i++ {
		out[i] = w.buf[(w.head+i)%w.capacity].Close
	}
	return out
}
