package market

import (
	"strconv"
	"strings"
	"time"
)

// DefaultCloseGrace 允许交易所时钟的少量偏差。
const DefaultCloseGrace = 10 * time.Second

// ParseInterval 解析 "1m"、"15m"、"1h"、"4h"、"1d"、"1w" 为 time.Duration。
// 非法输入返回 (0, false)。
func ParseInterval(interval string) (time.Duration, bool) {
	interval = strings.ToLower(strings.TrimSpace(interval))
	if interval == "" {
		return 0, false
	}
	unit := interval[len(interval)-1]
	numStr := strings.TrimSpace(interval[:len(interval)-1])
	if numStr == "" {
		return 0, false
	}
	n, err := strconv.Atoi(numStr)
	if err != nil || n <= 0 {
		return 0, false
	}
	switch unit {
	case 'm':
		return time.Duration(n) * time.Minute, true
	case 'h':
		return time.Duration(n) * time.Hour, true
	case 'd':
		return time.Duration(n) * 24 * time.Hour, true
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, true
	default:
		return 0, false
	}
}

// DropUnclosed 去掉尾部仍未收盘的 bar。交易所风格的最后一根可能是进行中的。
func DropUnclosed(bars []Bar, interval time.Duration) []Bar {
	return dropUnclosedAt(bars, interval, time.Now().UTC(), DefaultCloseGrace)
}

func dropUnclosedAt(bars []Bar, interval time.Duration, now time.Time, grace time.Duration) []Bar {
	if len(bars) == 0 || interval <= 0 {
		return bars
	}
	if grace < 0 {
		grace = 0
	}
	last := bars[len(bars)-1]
	if last.OpenTime <= 0 {
		return bars
	}
	closeMs := last.OpenTime + interval.Milliseconds()
	if now.UnixMilli() < closeMs+grace.Milliseconds() {
		return bars[:len(bars)-1]
	}
	return bars
}
