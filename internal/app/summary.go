package app

import (
	"fmt"
	"strings"
)

// StartupSummary 汇总一次启动的关键配置，Run 开头整块打出来。
type StartupSummary struct {
	Mode        string
	Symbols     []string
	Interval    string
	InitialCash float64

	Profile       string
	ProfileSource string
	ProfileNames  []string

	DataSource string
	ResultsDir string
	AuditPath  string
	HTTPAddr   string
}

func (s *StartupSummary) Print() {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("%*s\n", 40+len("启动配置摘要 (STARTUP SUMMARY)")/2, "启动配置摘要 (STARTUP SUMMARY)")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Println("[引擎 (ENGINE)]")
	fmt.Printf("  运行模式: %s\n", s.Mode)
	fmt.Printf("  交易对: %s\n", formatList(s.Symbols))
	fmt.Printf("  周期: %s\n", s.Interval)
	fmt.Printf("  初始资金: %.2f\n", s.InitialCash)
	fmt.Println()

	fmt.Println("[策略档案 (PROFILES)]")
	fmt.Printf("  当前档案: %s\n", s.Profile)
	fmt.Printf("  档案来源: %s\n", s.ProfileSource)
	fmt.Printf("  可用档案: %s\n", formatList(s.ProfileNames))
	fmt.Println()

	fmt.Println("[数据与存储 (DATA & STORES)]")
	fmt.Printf("  行情源: %s\n", s.DataSource)
	fmt.Printf("  结果库: %s\n", s.ResultsDir)
	fmt.Printf("  审计库: %s\n", s.AuditPath)
	fmt.Println()

	fmt.Println("[HTTP]")
	if s.HTTPAddr == "" {
		fmt.Println("  (未启用)")
	} else {
		fmt.Printf("  监听地址: %s\n", s.HTTPAddr)
	}
	fmt.Println(strings.Repeat("=", 80))
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
