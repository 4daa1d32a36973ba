package models

import "time"

// Config 结构体定义了网格引擎进程的所有配置参数
type Config struct {
	IsTestnet      bool     `json:"is_testnet"`      // 是否使用测试网
	Gateway        string   `json:"gateway"`         // 交易网关: "binance" 或 "paper"
	DBPath         string   `json:"db_path"`         // 网格快照数据库 (Badger) 目录
	JournalPath    string   `json:"journal_path"`    // 订单流水数据库 (SQLite) 文件路径
	ListenAddr     string   `json:"listen_addr"`     // HTTP 控制接口监听地址
	AllowedOrigins []string `json:"allowed_origins"` // CORS 允许的来源

	PollIntervalSec    int     `json:"poll_interval_sec"`     // 监控循环的轮询间隔(秒)
	FetchRetryDelaySec int     `json:"fetch_retry_delay_sec"` // 获取挂单失败后的重试等待(秒)
	ErrorBackoffSec    int     `json:"error_backoff_sec"`     // 监控周期内出现意外错误后的等待(秒)
	PriceDiscovery     string  `json:"price_discovery"`       // 参考价获取方式: "ticker" 或 "market_probe"
	ProbeSize          float64 `json:"probe_size"`            // market_probe 模式下的探测市价单数量
	ReportIntervalSec  int     `json:"report_interval_sec"`   // 控制台状态报告间隔(秒), 0 表示关闭

	RetryAttempts       int `json:"retry_attempts"`         // 成交后反向挂单的尝试次数 (1 = 不重试)
	RetryInitialDelayMs int `json:"retry_initial_delay_ms"` // 重试前的初始延迟毫秒数

	RateLimitPerSec float64 `json:"rate_limit_per_sec"` // 网关每秒请求上限
	RateLimitBurst  int     `json:"rate_limit_burst"`   // 网关突发请求上限

	Paper     PaperConfig `json:"paper"`
	LogConfig LogConfig   `json:"log"` // 日志配置
}

// 参考价获取方式
const (
	PriceDiscoveryTicker      = "ticker"
	PriceDiscoveryMarketProbe = "market_probe"
)

// 交易网关类型
const (
	GatewayBinance = "binance"
	GatewayPaper   = "paper"
)

// PaperConfig 定义了模拟交易网关的配置
type PaperConfig struct {
	InitialPrice float64 `json:"initial_price"` // 无行情来源时使用的固定价格
	LivePrices   bool    `json:"live_prices"`   // 是否使用币安公开行情作为价格来源
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}

// PollInterval 返回监控轮询间隔
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// FetchRetryDelay 返回获取挂单失败后的等待时间
func (c *Config) FetchRetryDelay() time.Duration {
	return time.Duration(c.FetchRetryDelaySec) * time.Second
}

// ErrorBackoff 返回意外错误后的等待时间
func (c *Config) ErrorBackoff() time.Duration {
	return time.Duration(c.ErrorBackoffSec) * time.Second
}

// RetryInitialDelay 返回重试初始延迟
func (c *Config) RetryInitialDelay() time.Duration {
	return time.Duration(c.RetryInitialDelayMs) * time.Millisecond
}

// CreateGridParams 是创建网格时调用方提供的参数
type CreateGridParams struct {
	Symbol          string   `json:"symbol"`
	UpperPrice      float64  `json:"upper_price"`
	LowerPrice      float64  `json:"lower_price"`
	NumLevels       int      `json:"num_levels"`
	TotalInvestment float64  `json:"total_investment"`
	IsPerpetual     bool     `json:"is_perpetual"`
	Leverage        int      `json:"leverage"`
	TakeProfit      *float64 `json:"take_profit,omitempty"`
	StopLoss        *float64 `json:"stop_loss,omitempty"`
}

// ExitThresholds 是网格的止盈止损价格, nil 表示未设置
type ExitThresholds struct {
	TakeProfit *float64 `json:"take_profit,omitempty"`
	StopLoss   *float64 `json:"stop_loss,omitempty"`
}

// StatusSnapshot 是某个网格在某一时刻的只读状态
type StatusSnapshot struct {
	GridID          string     `json:"grid_id"`
	Symbol          string     `json:"symbol"`
	Status          GridStatus `json:"status"`
	Active          bool       `json:"active"`
	IsPerpetual     bool       `json:"is_perpetual"`
	Leverage        int        `json:"leverage"`
	LowerPrice      float64    `json:"lower_price"`
	UpperPrice      float64    `json:"upper_price"`
	NumLevels       int        `json:"num_levels"`
	TotalInvestment float64    `json:"total_investment"`
	TakeProfit      *float64   `json:"take_profit,omitempty"`
	StopLoss        *float64   `json:"stop_loss,omitempty"`
	FilledOrders    int        `json:"filled_orders"`
	OpenOrders      int        `json:"open_orders"`
	// EstimatedPnL 只是粗略估算: 已成交卖单金额 - 已成交买单金额, 不计手续费和未配对的持仓
	EstimatedPnL float64    `json:"estimated_pnl"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	StoppedAt    *time.Time `json:"stopped_at,omitempty"`
	StopReason   StopReason `json:"stop_reason,omitempty"`
}

// GridList 按是否运行对网格进行分组
type GridList struct {
	Active   []StatusSnapshot `json:"active"`
	Inactive []StatusSnapshot `json:"inactive"`
}

// StopAllResult 汇总了批量停止的结果
type StopAllResult struct {
	StoppedCount int      `json:"stopped_count"`
	Errors       []string `json:"errors"`
}
