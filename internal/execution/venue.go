package execution

import (
	"context"

	"ebb/internal/market"
)

// VenueAdapter 是执行器与撮合场所之间的边界。SubmitOrder 只负责把
// 订单递出去：返回 nil 表示场所已收单，后续的确认、成交、拒绝都以
// 事件形式出现在 Queue 里；返回错误表示这次递交失败，由执行器的
// 重试策略处理。
type VenueAdapter interface {
	Name() string
	SubmitOrder(ctx context.Context, order Order) error
	Queue() *EventQueue
}

// BarObserver 由跟随行情推进内部时钟的场所实现（纸面撮合）。引擎在
// 每个 tick 提交之后、排干回报之前通知一次。
type BarObserver interface {
	OnBar(bar market.Bar)
}
