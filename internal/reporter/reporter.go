package reporter

import (
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"grid-trading-engine/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// BacktestSource 回测结束后可供统计的模拟交易所数据
type BacktestSource interface {
	TradeLog() []models.CompletedTrade
	EquityCurve() []float64
	TotalFees() float64
	MaxWalletExposure() float64
	IsLiquidated() bool
}

// Metrics 存储计算出的所有回测性能指标
type Metrics struct {
	InitialBalance    float64
	FinalEquity       float64
	TotalProfit       float64
	ProfitPercentage  float64
	TotalTrades       int
	WinningTrades     int
	LosingTrades      int
	WinRate           float64
	AvgProfitLoss     float64
	MaxDrawdown       float64
	TotalFees         float64
	MaxWalletExposure float64
	Liquidated        bool
	StartTime         time.Time
	EndTime           time.Time
}

// Calculate 根据回测交易所的状态计算性能指标
func Calculate(src BacktestSource, initialBalance float64) Metrics {
	m := Metrics{InitialBalance: initialBalance}
	trades := src.TradeLog()
	m.TotalTrades = len(trades)

	var totalProfit, totalLoss float64
	for _, trade := range trades {
		if trade.Profit > 0 {
			m.WinningTrades++
			totalProfit += trade.Profit
		} else {
			m.LosingTrades++
			totalLoss += trade.Profit
		}
	}
	if m.TotalTrades > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades) * 100
	}
	if m.LosingTrades > 0 && m.WinningTrades > 0 && totalLoss != 0 {
		avgWin := totalProfit / float64(m.WinningTrades)
		avgLoss := math.Abs(totalLoss / float64(m.LosingTrades))
		m.AvgProfitLoss = avgWin / avgLoss
	}

	curve := src.EquityCurve()
	m.FinalEquity = initialBalance
	if len(curve) > 0 {
		m.FinalEquity = curve[len(curve)-1]
	}
	m.TotalProfit = m.FinalEquity - m.InitialBalance
	if m.InitialBalance != 0 {
		m.ProfitPercentage = m.TotalProfit / m.InitialBalance * 100
	}
	m.MaxDrawdown = MaxDrawdown(curve) * 100
	m.TotalFees = src.TotalFees()
	m.MaxWalletExposure = src.MaxWalletExposure()
	m.Liquidated = src.IsLiquidated()
	return m
}

// MaxDrawdown 权益曲线的最大回撤比例
func MaxDrawdown(equityCurve []float64) float64 {
	if len(equityCurve) < 2 {
		return 0.0
	}
	peak := equityCurve[0]
	maxDrawdown := 0.0

	for _, equity := range equityCurve {
		if equity > peak {
			peak = equity
		}
		if peak <= 0 {
			continue
		}
		drawdown := (peak - equity) / peak
		if drawdown > maxDrawdown {
			maxDrawdown = drawdown
		}
	}
	return maxDrawdown
}

// WriteReport 打印回测结果报告
func WriteReport(w io.Writer, m Metrics, dataPath string, symbols []string) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("回测结果报告")
	t.SetStyle(table.StyleLight)
	t.AppendRows([]table.Row{
		{"数据文件", dataPath},
		{"交易对", fmt.Sprint(symbols)},
		{"回测周期", fmt.Sprintf("%s 到 %s", m.StartTime.Format("2006-01-02 15:04"), m.EndTime.Format("2006-01-02 15:04"))},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"初始资金", fmt.Sprintf("%.2f USDT", m.InitialBalance)},
		{"最终权益", fmt.Sprintf("%.2f USDT", m.FinalEquity)},
		{"总利润", fmt.Sprintf("%.2f USDT", m.TotalProfit)},
		{"收益率", fmt.Sprintf("%.2f%%", m.ProfitPercentage)},
		{"手续费", fmt.Sprintf("%.2f USDT", m.TotalFees)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"总交易次数", m.TotalTrades},
		{"盈利次数", m.WinningTrades},
		{"亏损次数", m.LosingTrades},
		{"胜率", fmt.Sprintf("%.2f%%", m.WinRate)},
		{"平均盈亏比", fmt.Sprintf("%.2f", m.AvgProfitLoss)},
		{"最大回撤", fmt.Sprintf("%.2f%%", m.MaxDrawdown)},
		{"最大保证金占用", fmt.Sprintf("%.2f USDT", m.MaxWalletExposure)},
	})
	if m.Liquidated {
		t.AppendFooter(table.Row{"状态", text.FgRed.Sprint("已爆仓")})
	}
	t.Render()
}

// WriteStatus 以表格打印运行状态快照
func WriteStatus(w io.Writer, s models.Snapshot) {
	head := table.NewWriter()
	head.SetOutputMirror(w)
	head.SetStyle(table.StyleLight)
	head.AppendRow(table.Row{"会话", s.SessionID, "状态", s.Status})
	head.AppendRow(table.Row{"余额", fmt.Sprintf("%.2f", s.Account.Balance), "可用", fmt.Sprintf("%.2f", s.Account.Available)})
	head.AppendRow(table.Row{"当日盈亏", fmt.Sprintf("%.2f", s.Risk.DailyPnL), "当日成交", s.Risk.DailyTradeCount})
	head.AppendRow(table.Row{"补亏倍数", fmt.Sprintf("%.4f", s.CoverLoss.CurrentMultiplier), "连亏/连赢", fmt.Sprintf("%d/%d", s.Risk.ConsecutiveLosses, s.Risk.ConsecutiveWins)})
	if s.Risk.EmergencyStopped {
		head.AppendRow(table.Row{"紧急停止", text.FgRed.Sprint(s.Risk.EmergencyReason), "", ""})
	}
	head.Render()

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"交易对", "价格", "行情", "持仓", "开仓价", "浮盈", "已实现", "网格", "挂单", "已成交"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
		{Number: 7, Align: text.AlignRight},
	})

	names := make([]string, 0, len(s.Symbols))
	for name := range s.Symbols {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		sym := s.Symbols[name]
		feed := "stream"
		if sym.FeedDegraded {
			feed = text.FgYellow.Sprint("poll")
		}
		var pending, filled int
		for _, l := range sym.Levels {
			switch l.State {
			case models.LevelPending:
				pending++
			case models.LevelFilled:
				filled++
			}
		}
		pnl := fmt.Sprintf("%.2f", sym.Position.UnrealizedPnL)
		if sym.Position.UnrealizedPnL < 0 {
			pnl = text.FgRed.Sprint(pnl)
		}
		t.AppendRow(table.Row{
			name,
			fmt.Sprintf("%.2f", sym.LastTick.Price),
			feed,
			fmt.Sprintf("%.4f", sym.Position.Size),
			fmt.Sprintf("%.2f", sym.Position.EntryPrice),
			pnl,
			fmt.Sprintf("%.2f", sym.Position.RealizedPnL),
			fmt.Sprintf("%.2f-%.2f #%d", sym.GridLow, sym.GridHigh, sym.GridGeneration),
			pending,
			filled,
		})
	}
	t.Render()

	if len(s.Events) > 0 {
		ev := table.NewWriter()
		ev.SetOutputMirror(w)
		ev.SetStyle(table.StyleLight)
		ev.AppendHeader(table.Row{"时间", "交易对", "事件", "说明"})
		start := 0
		if len(s.Events) > 10 {
			start = len(s.Events) - 10
		}
		for _, e := range s.Events[start:] {
			ev.AppendRow(table.Row{e.At.Format("15:04:05"), e.Symbol, e.Code, e.Message})
		}
		ev.Render()
	}
}
