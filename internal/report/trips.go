package report

// RoundTrip 描述一段从开仓到回到零仓的完整持仓。翻仓拆成两段：
// 旧方向在翻仓那笔成交上结束，新方向同时开始。
type RoundTrip struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Quantity   float64 `json:"quantity"`
	EntryPrice float64 `json:"entry_price"`
	ExitPrice  float64 `json:"exit_price"`
	PnL        float64 `json:"pnl"`
	Fees       float64 `json:"fees"`
	OpenedTS   int64   `json:"opened_ts"`
	ClosedTS   int64   `json:"closed_ts"`
}

// HoldingMs 返回持仓毫秒数。
func (r RoundTrip) HoldingMs() int64 { return r.ClosedTS - r.OpenedTS }

// FillObservation 是回合跟踪需要的成交事实，字段与账本增量对齐。
type FillObservation struct {
	Symbol        string
	TS            int64
	QuantityDelta float64
	Price         float64
	Fee           float64
	RealizedDelta float64
	PositionAfter float64
}

type openTrip struct {
	side      string
	openedTS  int64
	entryQty  float64
	entryCost float64
	exitQty   float64
	exitCost  float64
	realized  float64
	fees      float64
}

// TripTracker 按成交流水切分回合。喂入顺序必须与账本入账顺序一致，
// PositionAfter 以账本为准。
type TripTracker struct {
	pos  map[string]float64
	open map[string]*openTrip
}

func NewTripTracker() *TripTracker {
	return &TripTracker{
		pos:  make(map[string]float64),
		open: make(map[string]*openTrip),
	}
}

// OpenTrips 返回尚未回到零仓的回合数。
func (t *TripTracker) OpenTrips() int { return len(t.open) }

// Observe 消化一笔成交，返回因此关闭的回合（至多一个）。
func (t *TripTracker) Observe(obs FillObservation) []RoundTrip {
	before := t.pos[obs.Symbol]
	after := obs.PositionAfter
	t.pos[obs.Symbol] = after
	if after == 0 {
		delete(t.pos, obs.Symbol)
	}

	var closed []RoundTrip
	switch {
	case before == 0 && after != 0:
		t.open[obs.Symbol] = newTrip(obs, after)

	case before != 0 && sameSign(before, after):
		trip := t.open[obs.Symbol]
		if trip == nil {
			// 中途接入的流水：没有开仓上下文，等下一个完整回合。
			return nil
		}
		if abs(after) > abs(before) {
			trip.addEntry(abs(obs.QuantityDelta), obs.Price)
		} else {
			trip.addExit(abs(obs.QuantityDelta), obs.Price, obs.RealizedDelta)
		}
		trip.fees += obs.Fee

	case before != 0 && after == 0:
		trip := t.open[obs.Symbol]
		if trip == nil {
			return nil
		}
		trip.addExit(abs(obs.QuantityDelta), obs.Price, obs.RealizedDelta)
		trip.fees += obs.Fee
		closed = append(closed, trip.finish(obs.Symbol, obs.TS))
		delete(t.open, obs.Symbol)

	case before != 0 && !sameSign(before, after):
		// 翻仓：旧回合吃掉全部平仓收益与本笔手续费，新回合干净开始。
		if trip := t.open[obs.Symbol]; trip != nil {
			trip.addExit(abs(before), obs.Price, obs.RealizedDelta)
			trip.fees += obs.Fee
			closed = append(closed, trip.finish(obs.Symbol, obs.TS))
		}
		t.open[obs.Symbol] = newTrip(obs, after)
	}
	return closed
}

func newTrip(obs FillObservation, after float64) *openTrip {
	side := "long"
	if after < 0 {
		side = "short"
	}
	trip := &openTrip{side: side, openedTS: obs.TS}
	trip.addEntry(abs(after), obs.Price)
	if sameSign(obs.QuantityDelta, after) && abs(obs.QuantityDelta) <= abs(after) {
		// 非翻仓开仓时手续费归本回合；翻仓的那笔已计入旧回合。
		trip.fees += obs.Fee
	}
	return trip
}

func (p *openTrip) addEntry(qty, price float64) {
	p.entryQty += qty
	p.entryCost += qty * price
}

func (p *openTrip) addExit(qty, price, realized float64) {
	p.exitQty += qty
	p.exitCost += qty * price
	p.realized += realized
}

func (p *openTrip) finish(symbol string, ts int64) RoundTrip {
	trip := RoundTrip{
		Symbol:   symbol,
		Side:     p.side,
		Quantity: p.entryQty,
		PnL:      p.realized - p.fees,
		Fees:     p.fees,
		OpenedTS: p.openedTS,
		ClosedTS: ts,
	}
	if p.entryQty > 0 {
		trip.EntryPrice = p.entryCost / p.entryQty
	}
	if p.exitQty > 0 {
		trip.ExitPrice = p.exitCost / p.exitQty
	}
	return trip
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
