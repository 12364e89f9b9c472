package execution

// 账本不一致类诊断的种类。
const (
	AnomalyUnknownOrder  = "unknown_order"
	AnomalyOverFill      = "over_fill"
	AnomalyTerminalOrder = "terminal_order"
	AnomalyMalformed     = "malformed_event"
	AnomalyQueueOverflow = "queue_overflow"
)

// Anomaly 记录一次被丢弃的异常事件。异常不致命：事件被丢弃、账本
// 不受影响，引擎继续跑，诊断交给外围系统告警。
type Anomaly struct {
	Kind      string `json:"kind"`
	OrderID   string `json:"order_id,omitempty"`
	Sequence  int64  `json:"sequence,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Detail    string `json:"detail"`
}
