package main

import (
	"context"
	"errors"
	"fmt"

	"elysium-grid-bot-go/internal/exchange"
	"elysium-grid-bot-go/internal/models"

	"go.uber.org/zap"
)

// buildGateway 根据配置选择交易网关
func buildGateway(cfg *models.Config, apiKey, secretKey string, zl *zap.Logger) (exchange.Gateway, error) {
	switch cfg.Gateway {
	case models.GatewayBinance:
		if apiKey == "" || secretKey == "" {
			return nil, errors.New("BINANCE_API_KEY 和 BINANCE_SECRET_KEY 环境变量必须被设置")
		}
		if cfg.IsTestnet {
			zl.Sugar().Info("正在使用币安测试网...")
		} else {
			zl.Sugar().Info("正在使用币安生产网...")
		}
		return exchange.NewBinanceGateway(apiKey, secretKey, cfg.IsTestnet, cfg.RateLimitPerSec, cfg.RateLimitBurst, zl), nil

	case models.GatewayPaper:
		source := paperPriceSource(cfg, zl)
		zl.Sugar().Info("正在使用模拟网关，不会向交易所发送任何订单。")
		return exchange.NewPaperGateway(source, zl), nil
	}
	return nil, fmt.Errorf("未知的交易网关: %s", cfg.Gateway)
}

// paperPriceSource 返回模拟网关的价格来源: 配置了固定价格时使用固定价格, 否则使用币安公开行情
func paperPriceSource(cfg *models.Config, zl *zap.Logger) exchange.PriceFunc {
	if cfg.Paper.InitialPrice > 0 && !cfg.Paper.LivePrices {
		price := cfg.Paper.InitialPrice
		return func(context.Context, string, bool) (float64, error) {
			return price, nil
		}
	}
	// 行情接口是公开的, 不需要密钥
	public := exchange.NewBinanceGateway("", "", cfg.IsTestnet, cfg.RateLimitPerSec, cfg.RateLimitBurst, zl)
	return public.GetPrice
}
