package execution

import (
	"sort"
	"sync"
)

// EventType 是场所回报的种类。
type EventType string

const (
	EventAck    EventType = "ack"
	EventFill   EventType = "fill"
	EventReject EventType = "reject"
	EventCancel EventType = "cancel"
)

// Event 是场所回报的统一载体。Fill 事件携带数量、价格与手续费，
// Sequence 由场所按订单单调分配，(OrderID, Sequence) 是成交去重键。
type Event struct {
	Type      EventType `json:"type"`
	OrderID   string    `json:"order_id"`
	Sequence  int64     `json:"sequence"`
	Timestamp int64     `json:"timestamp"`
	Quantity  float64   `json:"quantity,omitempty"`
	Price     float64   `json:"price,omitempty"`
	Fee       float64   `json:"fee,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// SortEvents 按事件自身的时间戳排序，时间相同再按序号，保证异步
// 回报以场所视角的先后落账，而不是到达先后。
func SortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Timestamp != events[j].Timestamp {
			return events[i].Timestamp < events[j].Timestamp
		}
		return events[i].Sequence < events[j].Sequence
	})
}

// EventQueue 是场所与决策线程之间唯一的并发边界：场所从任意
// goroutine 推入，引擎每个 tick 排干一次。队列有界，满了拒收并计数。
type EventQueue struct {
	mu       sync.Mutex
	buf      []Event
	capacity int
	dropped  int64
}

const DefaultQueueCapacity = 1024

func NewEventQueue(capacity int) *EventQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &EventQueue{capacity: capacity}
}

// Push 入队一条回报。队列已满返回 ErrQueueFull，事件被丢弃并计数。
func (q *EventQueue) Push(ev Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) >= q.capacity {
		q.dropped++
		return ErrQueueFull
	}
	q.buf = append(q.buf, ev)
	return nil
}

// Drain 取走当前全部事件并清空队列。
func (q *EventQueue) Drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return nil
	}
	out := q.buf
	q.buf = nil
	return out
}

func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Dropped 返回因队列满而被丢弃的事件总数。
func (q *EventQueue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
