package market

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"ebb/internal/logger"

	"github.com/tidwall/gjson"
)

// JSONLSource 逐行读取 JSON Lines 行情文件。
// 不同导出工具字段名不一致，这里按候选键依次取值，坏行跳过并告警。
type JSONLSource struct {
	symbol   string
	interval string
	file     *os.File
	scanner  *bufio.Scanner
	stepMs   int64
	line     int
}

func NewJSONLSource(path, symbol, interval string) (*JSONLSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开 JSONL 行情文件失败: %w", err)
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var stepMs int64
	if dur, ok := ParseInterval(interval); ok {
		stepMs = dur.Milliseconds()
	}
	return &JSONLSource{
		symbol:   strings.ToUpper(strings.TrimSpace(symbol)),
		interval: interval,
		file:     f,
		scanner:  sc,
		stepMs:   stepMs,
	}, nil
}

func (s *JSONLSource) Next(ctx context.Context) (Bar, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Bar{}, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return Bar{}, fmt.Errorf("读取 JSONL 失败: %w", err)
			}
			return Bar{}, io.EOF
		}
		s.line++
		raw := strings.TrimSpace(s.scanner.Text())
		if raw == "" {
			continue
		}
		if !gjson.Valid(raw) {
			logger.Warnf("[data] %s 第 %d 行不是合法 JSON，跳过", s.file.Name(), s.line)
			continue
		}
		parsed := gjson.Parse(raw)
		bar := Bar{
			Symbol:   s.symbol,
			OpenTime: firstInt(parsed, "open_time", "openTime", "t", "ts"),
			Open:     firstFloat(parsed, "open", "o"),
			High:     firstFloat(parsed, "high", "h"),
			Low:      firstFloat(parsed, "low", "l"),
			Close:    firstFloat(parsed, "close", "c"),
			Volume:   firstFloat(parsed, "volume", "v"),
			Trades:   firstInt(parsed, "trades", "n"),
		}
		bar.CloseTime = firstInt(parsed, "close_time", "closeTime", "T")
		if bar.CloseTime <= 0 && s.stepMs > 0 {
			bar.CloseTime = bar.OpenTime + s.stepMs
		}
		if sym := parsed.Get("symbol"); sym.Exists() && s.symbol == "" {
			bar.Symbol = strings.ToUpper(sym.String())
		}
		return bar, nil
	}
}

func (s *JSONLSource) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

// firstFloat 依次尝试候选键，gjson 对带引号的数字同样能取 Float。
func firstFloat(v gjson.Result, keys ...string) float64 {
	for _, key := range keys {
		if field := v.Get(key); field.Exists() {
			return field.Float()
		}
	}
	return 0
}

func firstInt(v gjson.Result, keys ...string) int64 {
	for _, key := range keys {
		if field := v.Get(key); field.Exists() {
			return field.Int()
		}
	}
	return 0
}
