package execution

import "errors"

// 对账路径的哨兵错误，调用方用 errors.Is 区分处理。
var (
	// ErrUnknownOrder 表示事件引用了本引擎不认识的订单。
	ErrUnknownOrder = errors.New("execution: unknown order")
	// ErrOverFill 表示成交会把订单打成超额，成交被丢弃。
	ErrOverFill = errors.New("execution: fill exceeds order quantity")
	// ErrDuplicateFill 表示 (order_id, sequence) 已经落账过，属正常重投。
	ErrDuplicateFill = errors.New("execution: duplicate fill")
	// ErrTerminalOrder 表示订单已处于终态，事件被丢弃。
	ErrTerminalOrder = errors.New("execution: order already terminal")
	// ErrQueueFull 表示待处理事件队列已满。
	ErrQueueFull = errors.New("execution: event queue full")
	// ErrMalformedEvent 表示事件缺少必要字段或数值非法。
	ErrMalformedEvent = errors.New("execution: malformed event")
)
