package config

import (
	"strings"
	"time"
)

// Config 是 ebb 的主配置载体。风控、场所、数据源等各段在 Load 里
// 补默认值并校验，引擎只消费校验过的结构体。
type Config struct {
	App      AppConfig      `toml:"app"`
	Engine   EngineConfig   `toml:"engine"`
	Risk     RiskConfig     `toml:"risk"`
	Strategy StrategyConfig `toml:"strategy"`
	Data     DataConfig     `toml:"data"`
	Venue    VenueConfig    `toml:"venue"`
	Store    StoreConfig    `toml:"store"`
	HTTP     HTTPConfig     `toml:"http"`
	Report   ReportConfig   `toml:"report"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	LogPath  string `toml:"log_path"`
}

// 引擎运行模式。
const (
	ModeServer = "server"
	ModePaper  = "paper"
)

// EngineConfig 控制决策循环的启动方式。
type EngineConfig struct {
	Mode        string   `toml:"mode"` // "server" 只开查询接口；"paper" 额外跑一条纸面会话
	Symbols     []string `toml:"symbols"`
	Interval    string   `toml:"interval"`
	InitialCash float64  `toml:"initial_cash"`
}

// RiskConfig 与风控限额一一对应，数值都按数量/名义金额理解。
type RiskConfig struct {
	MaxPositionSize  float64 `toml:"max_position_size"`
	MaxGrossExposure float64 `toml:"max_gross_exposure"`
	MaxOrderQuantity float64 `toml:"max_order_quantity"`
	MarginEnabled    bool    `toml:"margin_enabled"`
}

type StrategyConfig struct {
	Profile      string `toml:"profile"`
	ProfilesPath string `toml:"profiles_path"`
}

// DataConfig 描述行情来源。source 决定纸面会话吃哪路数据；回放请求
// 自带 source，不受这里限制。
type DataConfig struct {
	Dir      string        `toml:"dir"`       // csv/jsonl 相对路径的根目录
	CacheDir string        `toml:"cache_dir"` // binance K 线的本地缓存
	Source   string        `toml:"source"`    // synthetic | csv | jsonl | binance
	Path     string        `toml:"path"`
	Bars     int           `toml:"bars"`
	Seed     int64         `toml:"seed"`
	Binance  BinanceConfig `toml:"binance"`
}

type BinanceConfig struct {
	RESTBaseURL     string `toml:"rest_base_url"`
	ProxyURL        string `toml:"proxy_url"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	RateLimitPerMin int    `toml:"rate_limit_per_min"`
	MaxBatch        int    `toml:"max_batch"`
}

func (b BinanceConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}

// VenueConfig 既配置纸面场所的撮合行为，也配置递交一侧的超时、
// 重试与熔断。
type VenueConfig struct {
	AckDelayTicks  int     `toml:"ack_delay_ticks"`
	FillDelayTicks int     `toml:"fill_delay_ticks"`
	PartialSplits  int     `toml:"partial_splits"`
	SlippageBps    float64 `toml:"slippage_bps"`
	FeeRate        float64 `toml:"fee_rate"`
	LotStep        float64 `toml:"lot_step"`
	QueueCapacity  int     `toml:"queue_capacity"`

	SubmitTimeoutSeconds int `toml:"submit_timeout_seconds"`
	MaxRetries           int `toml:"max_retries"`

	BreakerThreshold       int `toml:"breaker_threshold"`
	BreakerCooldownSeconds int `toml:"breaker_cooldown_seconds"`
}

func (v VenueConfig) SubmitTimeout() time.Duration {
	return time.Duration(v.SubmitTimeoutSeconds) * time.Second
}

func (v VenueConfig) BreakerCooldown() time.Duration {
	return time.Duration(v.BreakerCooldownSeconds) * time.Second
}

type StoreConfig struct {
	ResultsDir string `toml:"results_dir"` // 回放结果库所在目录
	AuditPath  string `toml:"audit_path"`  // 纸面会话审计库文件
}

type HTTPConfig struct {
	Enabled           bool   `toml:"enabled"`
	Addr              string `toml:"addr"`
	MaxConcurrentRuns int    `toml:"max_concurrent_runs"`
}

// ReportConfig 控制报表接口的输出口径。
type ReportConfig struct {
	EquityMaxPoints int  `toml:"equity_max_points"` // 图表接口最多取多少权益采样点
	ChartPNG        bool `toml:"chart_png"`         // 关掉后 png 导出直接拒绝，省得部署环境没有 Chrome
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
