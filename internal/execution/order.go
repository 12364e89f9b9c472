package execution

import (
	"fmt"
	"sync/atomic"
)

// Side 是订单方向。引擎内部用带符号数量表达方向，落到订单上拆成
// side + 正数数量。
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Status 是订单状态机的节点。
type Status string

const (
	StatusPending         Status = "pending"
	StatusSubmitted       Status = "submitted"
	StatusPartiallyFilled Status = "partially_filled"
	StatusFilled          Status = "filled"
	StatusRejected        Status = "rejected"
	StatusCancelled       Status = "cancelled"
)

// Terminal 报告状态是否为终态。终态订单不可再变。
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// Order 由执行器创建，状态只随场所回报推进。OriginID 仅作审计回溯，
// 订单创建后不再引用产生它的信号。
type Order struct {
	ID        string  `json:"id"`
	Symbol    string  `json:"symbol"`
	Side      Side    `json:"side"`
	Quantity  float64 `json:"quantity"`
	Filled    float64 `json:"filled_quantity"`
	AvgPrice  float64 `json:"avg_fill_price"`
	Status    Status  `json:"status"`
	Reason    string  `json:"reason,omitempty"`
	OriginID  string  `json:"origin_id,omitempty"`
	CreatedAt int64   `json:"created_at"`
	UpdatedAt int64   `json:"updated_at"`
}

// SignedQuantity 把 side+quantity 还原成带符号数量，买为正。
func (o Order) SignedQuantity() float64 {
	if o.Side == SideSell {
		return -o.Quantity
	}
	return o.Quantity
}

// Remaining 返回未成交余量。
func (o Order) Remaining() float64 {
	rem := o.Quantity - o.Filled
	if rem < 0 {
		return 0
	}
	return rem
}

// IDGenerator 生成引擎运行期内单调递增的订单号。
type IDGenerator struct {
	prefix string
	seq    atomic.Int64
}

func NewIDGenerator(prefix string) *IDGenerator {
	if prefix == "" {
		prefix = "ORD"
	}
	return &IDGenerator{prefix: prefix}
}

func (g *IDGenerator) Next() string {
	return fmt.Sprintf("%s-%06d", g.prefix, g.seq.Add(1))
}
