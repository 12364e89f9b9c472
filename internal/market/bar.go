package market

// Bar 表示单个 symbol 在固定周期内的一根 OHLCV K 线。
// 一经产生不可修改；引擎按 CloseTime 推进时钟。
type Bar struct {
	Symbol    string  `json:"symbol"`
	OpenTime  int64   `json:"open_time"`
	CloseTime int64   `json:"close_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Trades    int64   `json:"trades"`
}

// Valid 检查时间与价格字段是否可用于决策。
func (b Bar) Valid() bool {
	if b.Symbol == "" || b.CloseTime <= 0 {
		return false
	}
	if b.Open <= 0 || b.High <= 0 || b.Low <= 0 || b.Close <= 0 {
		return false
	}
	if b.High < b.Low {
		return false
	}
	if b.Volume < 0 {
		return false
	}
	return true
}
