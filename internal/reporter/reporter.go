package reporter

import (
	"fmt"
	"strings"

	"elysium-grid-bot-go/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"go.uber.org/zap"
)

// Metrics 汇总所有网格的运行指标
type Metrics struct {
	TotalGrids     int
	ActiveGrids    int
	InactiveGrids  int
	FilledOrders   int
	OpenOrders     int
	TotalInvested  float64 // 运行中网格的投资总额
	EstimatedPnL   float64
	TakeProfitHits int
	StopLossHits   int
}

// Summarize 从网格列表计算汇总指标
func Summarize(list models.GridList) Metrics {
	m := Metrics{
		ActiveGrids:   len(list.Active),
		InactiveGrids: len(list.Inactive),
	}
	m.TotalGrids = m.ActiveGrids + m.InactiveGrids

	for _, s := range list.Active {
		m.TotalInvested += s.TotalInvestment
		m.add(s)
	}
	for _, s := range list.Inactive {
		m.add(s)
	}
	return m
}

func (m *Metrics) add(s models.StatusSnapshot) {
	m.FilledOrders += s.FilledOrders
	m.OpenOrders += s.OpenOrders
	m.EstimatedPnL += s.EstimatedPnL
	switch s.StopReason {
	case models.StopTakeProfit:
		m.TakeProfitHits++
	case models.StopStopLoss:
		m.StopLossHits++
	}
}

// RenderGridList 把网格列表渲染成一张表格, 运行中的网格排在前面
func RenderGridList(list models.GridList) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "Symbol", "Status", "Market", "Range", "Levels", "Filled", "Open", "TP", "SL", "Est. PnL"})

	for _, group := range [][]models.StatusSnapshot{list.Active, list.Inactive} {
		for _, s := range group {
			t.AppendRow(table.Row{
				s.GridID,
				s.Symbol,
				statusLabel(s),
				marketLabel(s),
				fmt.Sprintf("%s - %s", formatPrice(s.LowerPrice), formatPrice(s.UpperPrice)),
				s.NumLevels,
				s.FilledOrders,
				s.OpenOrders,
				formatThreshold(s.TakeProfit),
				formatThreshold(s.StopLoss),
				fmt.Sprintf("%.2f", s.EstimatedPnL),
			})
		}
	}

	m := Summarize(list)
	t.AppendFooter(table.Row{
		fmt.Sprintf("%d grids", m.TotalGrids),
		"",
		fmt.Sprintf("%d active", m.ActiveGrids),
		"", "", "",
		m.FilledOrders,
		m.OpenOrders,
		"", "",
		fmt.Sprintf("%.2f", m.EstimatedPnL),
	})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Levels", Align: text.AlignRight},
		{Name: "Filled", Align: text.AlignRight, AlignFooter: text.AlignRight},
		{Name: "Open", Align: text.AlignRight, AlignFooter: text.AlignRight},
		{Name: "Est. PnL", Align: text.AlignRight, AlignFooter: text.AlignRight},
	})
	return t.Render()
}

// RenderStatus 以两列表格展示单个网格的详细状态
func RenderStatus(s models.StatusSnapshot) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetTitle("Grid " + s.GridID)

	t.AppendRows([]table.Row{
		{"交易对", s.Symbol},
		{"状态", statusLabel(s)},
		{"市场", marketLabel(s)},
		{"价格区间", fmt.Sprintf("%s - %s", formatPrice(s.LowerPrice), formatPrice(s.UpperPrice))},
		{"档位数", s.NumLevels},
		{"总投资", fmt.Sprintf("%.2f", s.TotalInvestment)},
		{"止盈", formatThreshold(s.TakeProfit)},
		{"止损", formatThreshold(s.StopLoss)},
		{"已成交", s.FilledOrders},
		{"挂单中", s.OpenOrders},
		{"预估盈亏", fmt.Sprintf("%.2f", s.EstimatedPnL)},
		{"创建时间", s.CreatedAt.Format("2006-01-02 15:04:05")},
	})
	if s.StartedAt != nil {
		t.AppendRow(table.Row{"启动时间", s.StartedAt.Format("2006-01-02 15:04:05")})
	}
	if s.StoppedAt != nil {
		t.AppendRow(table.Row{"停止时间", s.StoppedAt.Format("2006-01-02 15:04:05")})
	}
	return t.Render()
}

// GenerateReport 把当前所有网格的状态打印到日志
func GenerateReport(list models.GridList, logger *zap.Logger) {
	m := Summarize(list)
	log := logger.Sugar()

	log.Info("========== 网格运行报告 ==========")
	log.Infof("网格总数:         %d (运行中 %d, 已停止 %d)", m.TotalGrids, m.ActiveGrids, m.InactiveGrids)
	log.Infof("运行中投资总额:   %.2f", m.TotalInvested)
	log.Infof("已成交订单:       %d", m.FilledOrders)
	log.Infof("挂单中订单:       %d", m.OpenOrders)
	log.Infof("预估盈亏:         %.2f", m.EstimatedPnL)
	log.Infof("止盈/止损触发:    %d / %d", m.TakeProfitHits, m.StopLossHits)
	if m.TotalGrids > 0 {
		for _, line := range strings.Split(RenderGridList(list), "\n") {
			log.Info(line)
		}
	}
	log.Info("===================================")
}

func statusLabel(s models.StatusSnapshot) string {
	if s.StopReason != "" && s.Status == models.StatusStopped {
		return fmt.Sprintf("%s (%s)", s.Status, s.StopReason)
	}
	return string(s.Status)
}

func marketLabel(s models.StatusSnapshot) string {
	if s.IsPerpetual {
		return fmt.Sprintf("perp %dx", s.Leverage)
	}
	return "spot"
}

func formatThreshold(v *float64) string {
	if v == nil {
		return "-"
	}
	return formatPrice(*v)
}

func formatPrice(p float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.8f", p), "0"), ".")
}
