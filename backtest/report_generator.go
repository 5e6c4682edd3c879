package backtest

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/template"
	"time"

	"dcabot/logger"
	"dcabot/position"
)

// ExportCSV 导出成交记录和资金曲线，返回写出的文件路径
func ExportCSV(result *Result, dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}

	tradesPath := filepath.Join(dir, result.Symbol+"_trades.csv")
	tradeRows := make([][]string, 0, len(result.Trades))
	for _, t := range result.Trades {
		tradeRows = append(tradeRows, []string{
			formatTime(t.Timestamp),
			t.Symbol,
			string(t.Side),
			string(t.PosSide),
			string(t.Action),
			t.Quantity.String(),
			ff(t.Price),
			ff(t.Notional),
			ff(t.Fee),
			ff(t.RealizedPnl),
			t.PositionSize.String(),
			ff(t.Balance),
			t.Reason,
		})
	}
	if err := writeCSV(tradesPath, []string{
		"time", "symbol", "side", "pos_side", "action", "quantity", "price",
		"notional", "fee", "realized_pnl", "position_size", "balance", "reason",
	}, tradeRows); err != nil {
		return nil, err
	}

	historyPath := filepath.Join(dir, result.Symbol+"_balance_history.csv")
	historyRows := make([][]string, 0, len(result.BalanceHistory))
	for _, p := range result.BalanceHistory {
		historyRows = append(historyRows, []string{
			formatTime(p.Timestamp),
			ff(p.Price),
			ff(p.Balance),
			ff(p.UnrealizedPnl),
			ff(p.Equity),
			ff(p.MarginLevel),
			ff(p.PositionSize),
		})
	}
	if err := writeCSV(historyPath, []string{
		"time", "price", "balance", "unrealized_pnl", "equity", "margin_level", "position_size",
	}, historyRows); err != nil {
		return nil, err
	}

	return []string{tradesPath, historyPath}, nil
}

func writeCSV(path string, header []string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("创建 CSV 文件失败: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return fmt.Errorf("写入表头失败: %w", err)
	}
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("写入 %s 失败: %w", filepath.Base(path), err)
	}
	return nil
}

func ff(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func formatTime(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02 15:04:05")
}

// LogSummary 通过日志输出多个交易对的汇总表
func LogSummary(results []*Result) {
	if len(results) == 0 {
		return
	}
	logger.Info("📊 ==================== 回测汇总 ====================")
	logger.Info("%-12s %-6s %12s %12s %9s %6s %8s %6s %9s %10s",
		"交易对", "方向", "初始资金", "最终资金", "收益率", "周期", "胜率", "强平", "最大回撤", "手续费")
	var initial, final float64
	for _, r := range results {
		m := r.Metrics
		logger.Info("%-12s %-6s %12.2f %12.2f %8.2f%% %6d %7.2f%% %6d %8.2f%% %10.2f",
			r.Symbol, r.Side, r.InitialBalance, r.FinalBalance, m.TotalReturn,
			m.TotalTrades, m.WinRate, m.Liquidations, m.MaxDrawdown, m.TotalFees)
		initial += r.InitialBalance
		final += r.FinalBalance
	}
	logger.Info("合计: 初始资金 %.2f → 最终资金 %.2f (%.2f%%)", initial, final, totalReturn(final, initial))
}

// GenerateReport 生成 Markdown 回测报告，返回文件路径
func GenerateReport(result *Result, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("创建报告目录失败: %w", err)
	}

	content, err := renderReport(prepareReportData(result))
	if err != nil {
		return "", fmt.Errorf("渲染报告模板失败: %w", err)
	}

	path := filepath.Join(dir, result.Symbol+"_report.md")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("写入报告文件失败: %w", err)
	}
	return path, nil
}

// ReportData 报告数据
type ReportData struct {
	Symbol      string
	Side        string
	GeneratedAt string
	StartDate   string
	EndDate     string
	Duration    string
	Candles     int

	InitialBalance string
	FinalBalance   string
	TotalReturn    string
	MaxDrawdown    string
	SharpeRatio    string

	TotalTrades  int
	Wins         int
	Losses       int
	WinRate      string
	ProfitFactor string
	AvgWin       string
	AvgLoss      string
	LargestWin   string
	LargestLoss  string
	Liquidations int
	TotalFees    string

	Decisions     []DecisionRow
	SkippedOrders int
	CycleErrors   int
	Trades        []TradeRow

	Conclusion string
}

// DecisionRow 决策统计行
type DecisionRow struct {
	Action position.Action
	Count  int
}

// TradeRow 交易行
type TradeRow struct {
	Time     string
	Action   TradeAction
	Price    string
	Quantity string
	PnL      string
	Reason   string
}

const maxReportTrades = 20

func prepareReportData(r *Result) ReportData {
	m := r.Metrics

	decisions := make([]DecisionRow, 0, len(r.Decisions))
	for action, n := range r.Decisions {
		decisions = append(decisions, DecisionRow{Action: action, Count: n})
	}
	sort.Slice(decisions, func(i, j int) bool { return decisions[i].Action < decisions[j].Action })

	trades := make([]TradeRow, 0, maxReportTrades)
	for _, t := range r.Trades {
		if len(trades) == maxReportTrades {
			break
		}
		trades = append(trades, TradeRow{
			Time:     formatTime(t.Timestamp),
			Action:   t.Action,
			Price:    fmt.Sprintf("%.4f", t.Price),
			Quantity: t.Quantity.String(),
			PnL:      fmt.Sprintf("%.2f", t.RealizedPnl),
			Reason:   t.Reason,
		})
	}

	return ReportData{
		Symbol:      r.Symbol,
		Side:        string(r.Side),
		GeneratedAt: time.Now().Format("2006-01-02 15:04:05"),
		StartDate:   r.StartTime.UTC().Format("2006-01-02"),
		EndDate:     r.EndTime.UTC().Format("2006-01-02"),
		Duration:    fmt.Sprintf("%d 天", int(r.EndTime.Sub(r.StartTime).Hours()/24)),
		Candles:     r.Candles,

		InitialBalance: fmt.Sprintf("%.2f", r.InitialBalance),
		FinalBalance:   fmt.Sprintf("%.2f", r.FinalBalance),
		TotalReturn:    fmt.Sprintf("%.2f%%", m.TotalReturn),
		MaxDrawdown:    fmt.Sprintf("%.2f%%", m.MaxDrawdown),
		SharpeRatio:    fmt.Sprintf("%.4f", m.SharpeRatio),

		TotalTrades:  m.TotalTrades,
		Wins:         m.Wins,
		Losses:       m.Losses,
		WinRate:      fmt.Sprintf("%.2f%%", m.WinRate),
		ProfitFactor: fmt.Sprintf("%.2f", m.ProfitFactor),
		AvgWin:       fmt.Sprintf("%.2f", m.AvgWin),
		AvgLoss:      fmt.Sprintf("%.2f", m.AvgLoss),
		LargestWin:   fmt.Sprintf("%.2f", m.LargestWin),
		LargestLoss:  fmt.Sprintf("%.2f", m.LargestLoss),
		Liquidations: m.Liquidations,
		TotalFees:    fmt.Sprintf("%.2f", m.TotalFees),

		Decisions:     decisions,
		SkippedOrders: r.SkippedOrders,
		CycleErrors:   r.CycleErrors,
		Trades:        trades,

		Conclusion: generateConclusion(r),
	}
}

func generateConclusion(r *Result) string {
	m := r.Metrics
	var lines []string

	switch {
	case m.TotalReturn > 20:
		lines = append(lines, "✅ 总收益率超过 20%")
	case m.TotalReturn > 0:
		lines = append(lines, "⚠️ 策略盈利，但收益率较低")
	default:
		lines = append(lines, "❌ 策略亏损，需要调整参数")
	}

	switch {
	case m.Liquidations > 0:
		lines = append(lines, fmt.Sprintf("❌ 发生 %d 次强制平仓，杠杆或加仓上限过高", m.Liquidations))
	case m.MaxDrawdown < 10:
		lines = append(lines, "✅ 最大回撤小于 10%")
	case m.MaxDrawdown < 20:
		lines = append(lines, "⚠️ 最大回撤在 10-20% 之间")
	default:
		lines = append(lines, "❌ 最大回撤超过 20%")
	}

	if r.SkippedOrders > 0 {
		lines = append(lines, fmt.Sprintf("⚠️ %d 笔订单因保证金不足或超过上限被拒绝", r.SkippedOrders))
	}
	return strings.Join(lines, "\n\n")
}

const reportTemplate = `# {{.Symbol}} 逢低加仓回测报告

生成时间: {{.GeneratedAt}}

## 执行摘要

- **交易对**: {{.Symbol}} ({{.Side}})
- **回测期间**: {{.StartDate}} 至 {{.EndDate}} ({{.Duration}}, {{.Candles}} 根K线)
- **初始资金**: {{.InitialBalance}}
- **最终资金**: {{.FinalBalance}}
- **总收益率**: {{.TotalReturn}}
- **最大回撤**: {{.MaxDrawdown}}
- **强制平仓**: {{.Liquidations}} 次

## 持仓周期

| 指标 | 数值 |
|------|------|
| 周期数 | {{.TotalTrades}} |
| 盈利 / 亏损 | {{.Wins}} / {{.Losses}} |
| 胜率 | {{.WinRate}} |
| 利润因子 | {{.ProfitFactor}} |
| 平均盈利 | {{.AvgWin}} |
| 平均亏损 | {{.AvgLoss}} |
| 最大单周期盈利 | {{.LargestWin}} |
| 最大单周期亏损 | {{.LargestLoss}} |
| 夏普比率（未年化） | {{.SharpeRatio}} |
| 手续费 | {{.TotalFees}} |

## 决策统计

| 动作 | 次数 |
|------|------|
{{range .Decisions}}| {{.Action}} | {{.Count}} |
{{end}}
被拒绝订单: {{.SkippedOrders}}，中止周期: {{.CycleErrors}}

## 成交明细（前20笔）

| 时间 | 动作 | 价格 | 数量 | 盈亏 | 原因 |
|------|------|------|------|------|------|
{{range .Trades}}| {{.Time}} | {{.Action}} | {{.Price}} | {{.Quantity}} | {{.PnL}} | {{.Reason}} |
{{end}}
## 结论

{{.Conclusion}}
`

var reportTmpl = template.Must(template.New("report").Parse(reportTemplate))

func renderReport(data ReportData) (string, error) {
	var buf strings.Builder
	if err := reportTmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
