package bot

import (
	"fmt"
	"math"
	"strings"

	"elysium-grid-bot-go/internal/models"

	"github.com/google/uuid"
	"github.com/jxskiss/base62"
)

// newGridID 生成形如 grid_<base62(uuid)> 的网格ID
func newGridID() string {
	u := uuid.New()
	return "grid_" + base62.EncodeToString(u[:])
}

// validateParams 校验创建参数, 返回规范化后的副本。任何错误都包装 ErrValidation。
func validateParams(p models.CreateGridParams) (models.CreateGridParams, error) {
	p.Symbol = strings.TrimSpace(p.Symbol)
	if p.Symbol == "" {
		return p, fmt.Errorf("%w: symbol is required", ErrValidation)
	}
	for name, v := range map[string]float64{
		"lower price":      p.LowerPrice,
		"upper price":      p.UpperPrice,
		"total investment": p.TotalInvestment,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return p, fmt.Errorf("%w: %s must be a finite number", ErrValidation, name)
		}
	}
	if p.LowerPrice <= 0 {
		return p, fmt.Errorf("%w: lower price %v must be positive", ErrValidation, p.LowerPrice)
	}
	if p.UpperPrice <= p.LowerPrice {
		return p, fmt.Errorf("%w: upper price %v must be greater than lower price %v", ErrValidation, p.UpperPrice, p.LowerPrice)
	}
	if p.NumLevels < 2 {
		return p, fmt.Errorf("%w: number of levels %d must be at least 2", ErrValidation, p.NumLevels)
	}
	if p.TotalInvestment <= 0 {
		return p, fmt.Errorf("%w: total investment %v must be positive", ErrValidation, p.TotalInvestment)
	}

	// 现货固定为 1 倍杠杆, 合约未填写时默认 1 倍
	switch {
	case !p.IsPerpetual:
		p.Leverage = 1
	case p.Leverage == 0:
		p.Leverage = 1
	case p.Leverage < 1:
		return p, fmt.Errorf("%w: leverage %d must be at least 1", ErrValidation, p.Leverage)
	}

	if p.TakeProfit != nil && !(*p.TakeProfit > p.UpperPrice) {
		return p, fmt.Errorf("%w: take profit %v must be above upper price %v", ErrValidation, *p.TakeProfit, p.UpperPrice)
	}
	if p.StopLoss != nil && !(*p.StopLoss < p.LowerPrice && *p.StopLoss > 0) {
		return p, fmt.Errorf("%w: stop loss %v must be positive and below lower price %v", ErrValidation, *p.StopLoss, p.LowerPrice)
	}
	return p, nil
}

// computeLevels 计算等间距的价格档位, 两端直接取上下边界, 不依赖累加
func computeLevels(lower, upper float64, n int, perLevel float64) []models.GridLevel {
	step := (upper - lower) / float64(n-1)
	levels := make([]models.GridLevel, n)
	for i := range levels {
		price := lower + float64(i)*step
		switch i {
		case 0:
			price = lower
		case n - 1:
			price = upper
		}
		levels[i] = models.GridLevel{Index: i, Price: price, Size: perLevel / price}
	}
	return levels
}

// buildSnapshot 根据运行时状态计算只读快照
func buildSnapshot(s *models.GridRuntimeState) models.StatusSnapshot {
	def := s.Definition
	snap := models.StatusSnapshot{
		GridID:          def.ID,
		Symbol:          def.Symbol,
		Status:          s.Status,
		Active:          s.Active,
		IsPerpetual:     def.IsPerpetual,
		Leverage:        def.Leverage,
		LowerPrice:      def.LowerPrice,
		UpperPrice:      def.UpperPrice,
		NumLevels:       def.NumLevels,
		TotalInvestment: def.TotalInvestment,
		TakeProfit:      copyFloat(s.TakeProfit),
		StopLoss:        copyFloat(s.StopLoss),
		CreatedAt:       s.CreatedAt,
		StartedAt:       copyTime(s.StartedAt),
		StoppedAt:       copyTime(s.StoppedAt),
		StopReason:      s.StopReason,
	}
	for _, o := range s.Orders {
		switch o.Status {
		case models.OrderOpen:
			snap.OpenOrders++
		case models.OrderFilled:
			snap.FilledOrders++
			if o.Side == models.Sell {
				snap.EstimatedPnL += o.Price * o.Size
			} else {
				snap.EstimatedPnL -= o.Price * o.Size
			}
		}
	}
	return snap
}
