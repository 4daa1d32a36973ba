package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"elysium-grid-bot-go/internal/api"
	"elysium-grid-bot-go/internal/bot"
	"elysium-grid-bot-go/internal/config"
	"elysium-grid-bot-go/internal/logger"
	"elysium-grid-bot-go/internal/models"
	"elysium-grid-bot-go/internal/persistence"
	"elysium-grid-bot-go/internal/reporter"
	"elysium-grid-bot-go/internal/statemanager"
	"elysium-grid-bot-go/internal/storage"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file")
	envPath := flag.String("env", ".env", "path to the .env file holding BINANCE_API_KEY / BINANCE_SECRET_KEY")
	gateway := flag.String("gateway", "", "override the gateway from the config: binance or paper")
	listen := flag.String("listen", "", "override the HTTP listen address from the config")
	flag.Parse()

	// 在加载配置之前先用默认配置初始化日志
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	if err := godotenv.Load(*envPath); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	cfg, err := config.LoadConfig(*configPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.S().Warnf("配置文件 %s 不存在，使用默认配置 (模拟网关)。", *configPath)
		cfg = config.Default()
	case err != nil:
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}
	if *gateway != "" {
		cfg.Gateway = *gateway
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if err := config.Validate(cfg); err != nil {
		logger.S().Fatalf("配置无效: %v", err)
	}

	// --- 使用文件中的配置重新初始化日志 ---
	zl := logger.InitLogger(cfg.LogConfig)
	defer zl.Sync() // 确保在main函数退出时刷新所有缓冲的日志

	if err := run(cfg, zl); err != nil {
		logger.S().Fatalf("网格引擎异常退出: %v", err)
	}
	logger.S().Info("网格引擎已成功停止，状态已保存。")
}

func run(cfg *models.Config, zl *zap.Logger) (err error) {
	log := zl.Sugar()

	gw, err := buildGateway(cfg, os.Getenv("BINANCE_API_KEY"), os.Getenv("BINANCE_SECRET_KEY"), zl)
	if err != nil {
		return err
	}

	// --- 存储: Badger 保存网格快照, SQLite 保存订单流水 ---
	repo, err := persistence.NewBadgerRepository(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, repo.Close()) }()

	if dir := filepath.Dir(cfg.JournalPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	journal, err := storage.OpenJournal(cfg.JournalPath)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, journal.Close()) }()

	// --- 组装引擎 ---
	sm := statemanager.NewStateManager(repo, journal, zl)
	engine := bot.NewEngine(bot.OptionsFromConfig(cfg), gw, sm, zl)
	sm.SetStateProvider(engine)

	server := api.NewServer(engine, journal, cfg.AllowedOrigins, zl)
	sm.AddListener(server.Hub().Broadcast)
	sm.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	states, err := repo.LoadGrids()
	if err != nil {
		log.Warnf("无法加载网格快照: %v，将以空状态启动。", err)
	} else {
		engine.RestoreGrids(ctx, states)
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(cfg.ListenAddr)
	}()

	if cfg.ReportIntervalSec > 0 {
		go reportLoop(ctx, engine, time.Duration(cfg.ReportIntervalSec)*time.Second, zl)
	}

	log.Infof("网格引擎已启动: gateway=%s, price_discovery=%s, listen=%s", cfg.Gateway, cfg.PriceDiscovery, cfg.ListenAddr)

	// 等待中断信号或 HTTP 服务异常
	select {
	case <-ctx.Done():
		log.Info("收到退出信号，开始停止所有网格...")
	case serveErr := <-serverErr:
		if serveErr != nil {
			err = multierr.Append(err, serveErr)
			log.Errorf("HTTP 服务异常: %v", serveErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	result, shutdownErr := engine.Shutdown(shutdownCtx)
	log.Infof("已停止 %d 个网格", result.StoppedCount)
	for _, msg := range result.Errors {
		log.Warnf("停止网格时出错: %s", msg)
	}
	err = multierr.Combine(err, shutdownErr, server.Shutdown(shutdownCtx))

	// 引擎停止后再停止 StateManager, 保证最后的事件都已落盘
	sm.Stop()
	reporter.GenerateReport(engine.ListGrids(), zl)
	return err
}

// reportLoop 定期打印所有网格的状态
func reportLoop(ctx context.Context, engine *bot.Engine, every time.Duration, zl *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reporter.GenerateReport(engine.ListGrids(), zl)
		}
	}
}
