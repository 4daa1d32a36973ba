package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"elysium-grid-bot-go/internal/models"
)

// 默认值与原始监控循环的节奏一致
const (
	DefaultPollIntervalSec     = 30
	DefaultFetchRetryDelaySec  = 10
	DefaultErrorBackoffSec     = 60
	DefaultProbeSize           = 0.001
	DefaultRetryAttempts       = 1
	DefaultRetryInitialDelayMs = 500
	DefaultRateLimitPerSec     = 10
	DefaultRateLimitBurst      = 20
	DefaultListenAddr          = ":8080"
	DefaultDBPath              = "data/grids"
	DefaultJournalPath         = "data/journal.db"
	DefaultReportIntervalSec   = 300
)

// ErrInvalidConfig 表示配置文件内容不合法
var ErrInvalidConfig = errors.New("invalid config")

// LoadConfig 从指定路径加载JSON配置文件并解析到Config结构体中, 缺省字段填入默认值
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	decoder.DisallowUnknownFields()
	config := &models.Config{}
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	ApplyDefaults(config)
	if err := Validate(config); err != nil {
		return nil, err
	}
	return config, nil
}

// Default 返回一份全部使用默认值的配置 (模拟网关, 本地存储)
func Default() *models.Config {
	cfg := &models.Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills every zero-valued field with its default.
func ApplyDefaults(cfg *models.Config) {
	if cfg.Gateway == "" {
		cfg.Gateway = models.GatewayPaper
	}
	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath
	}
	if cfg.JournalPath == "" {
		cfg.JournalPath = DefaultJournalPath
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.PollIntervalSec == 0 {
		cfg.PollIntervalSec = DefaultPollIntervalSec
	}
	if cfg.FetchRetryDelaySec == 0 {
		cfg.FetchRetryDelaySec = DefaultFetchRetryDelaySec
	}
	if cfg.ErrorBackoffSec == 0 {
		cfg.ErrorBackoffSec = DefaultErrorBackoffSec
	}
	if cfg.PriceDiscovery == "" {
		cfg.PriceDiscovery = models.PriceDiscoveryTicker
	}
	if cfg.ProbeSize == 0 {
		cfg.ProbeSize = DefaultProbeSize
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = DefaultRetryAttempts
	}
	if cfg.RetryInitialDelayMs == 0 {
		cfg.RetryInitialDelayMs = DefaultRetryInitialDelayMs
	}
	if cfg.RateLimitPerSec == 0 {
		cfg.RateLimitPerSec = DefaultRateLimitPerSec
	}
	if cfg.RateLimitBurst == 0 {
		cfg.RateLimitBurst = DefaultRateLimitBurst
	}
	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = "info"
	}
	if cfg.LogConfig.Output == "" {
		cfg.LogConfig.Output = "console"
	}
}

// Validate 检查配置中互相矛盾或越界的值
func Validate(cfg *models.Config) error {
	var problems []string

	switch cfg.Gateway {
	case models.GatewayBinance, models.GatewayPaper:
	default:
		problems = append(problems, fmt.Sprintf("gateway must be %q or %q, got %q", models.GatewayBinance, models.GatewayPaper, cfg.Gateway))
	}
	switch cfg.PriceDiscovery {
	case models.PriceDiscoveryTicker, models.PriceDiscoveryMarketProbe:
	default:
		problems = append(problems, fmt.Sprintf("price_discovery must be %q or %q, got %q", models.PriceDiscoveryTicker, models.PriceDiscoveryMarketProbe, cfg.PriceDiscovery))
	}
	if cfg.PollIntervalSec < 0 || cfg.FetchRetryDelaySec < 0 || cfg.ErrorBackoffSec < 0 || cfg.ReportIntervalSec < 0 {
		problems = append(problems, "intervals must not be negative")
	}
	if cfg.ProbeSize < 0 {
		problems = append(problems, "probe_size must not be negative")
	}
	if cfg.RetryAttempts < 1 {
		problems = append(problems, "retry_attempts must be at least 1")
	}
	if cfg.RetryInitialDelayMs < 0 {
		problems = append(problems, "retry_initial_delay_ms must not be negative")
	}
	if cfg.RateLimitPerSec < 0 || cfg.RateLimitBurst < 0 {
		problems = append(problems, "rate limits must not be negative")
	}
	if cfg.Paper.InitialPrice < 0 {
		problems = append(problems, "paper.initial_price must not be negative")
	}
	switch strings.ToLower(cfg.LogConfig.Output) {
	case "console", "file", "both":
	default:
		problems = append(problems, fmt.Sprintf("log.output must be console, file or both, got %q", cfg.LogConfig.Output))
	}
	if o := strings.ToLower(cfg.LogConfig.Output); (o == "file" || o == "both") && cfg.LogConfig.File == "" {
		problems = append(problems, "log.file is required when logging to a file")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
