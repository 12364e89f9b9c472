package market

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// CSVSource 逐行读取 CSV 行情文件。
// 预期表头: open_time,open,high,low,close,volume[,close_time][,trades]，
// 顺序以表头为准，缺失 close_time 时由 interval 推导。
type CSVSource struct {
	symbol   string
	interval string
	file     *os.File
	reader   *csv.Reader
	cols     map[string]int
	stepMs   int64
}

func NewCSVSource(path, symbol, interval string) (*CSVSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开行情文件失败: %w", err)
	}
	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	header, err := r.Read()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("读取 CSV 表头失败: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"open_time", "open", "high", "low", "close", "volume"} {
		if _, ok := cols[required]; !ok {
			f.Close()
			return nil, fmt.Errorf("CSV 缺少列 %s", required)
		}
	}
	var stepMs int64
	if dur, ok := ParseInterval(interval); ok {
		stepMs = dur.Milliseconds()
	}
	return &CSVSource{
		symbol:   strings.ToUpper(strings.TrimSpace(symbol)),
		interval: interval,
		file:     f,
		reader:   r,
		cols:     cols,
		stepMs:   stepMs,
	}, nil
}

func (s *CSVSource) Next(ctx context.Context) (Bar, error) {
	if err := ctx.Err(); err != nil {
		return Bar{}, err
	}
	record, err := s.reader.Read()
	if err == io.EOF {
		return Bar{}, io.EOF
	}
	if err != nil {
		return Bar{}, fmt.Errorf("读取 CSV 行失败: %w", err)
	}
	bar := Bar{
		Symbol:   s.symbol,
		OpenTime: s.int64At(record, "open_time"),
		Open:     s.floatAt(record, "open"),
		High:     s.floatAt(record, "high"),
		Low:      s.floatAt(record, "low"),
		Close:    s.floatAt(record, "close"),
		Volume:   s.floatAt(record, "volume"),
	}
	bar.CloseTime = s.int64At(record, "close_time")
	if bar.CloseTime <= 0 && s.stepMs > 0 {
		bar.CloseTime = bar.OpenTime + s.stepMs
	}
	bar.Trades = s.int64At(record, "trades")
	return bar, nil
}

func (s *CSVSource) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

func (s *CSVSource) floatAt(record []string, col string) float64 {
	idx, ok := s.cols[col]
	if !ok || idx >= len(record) {
		return 0
	}
	v, _ := strconv.ParseFloat(strings.TrimSpace(record[idx]), 64)
	return v
}

func (s *CSVSource) int64At(record []string, col string) int64 {
	idx, ok := s.cols[col]
	if !ok || idx >= len(record) {
		return 0
	}
	v, _ := strconv.ParseInt(strings.TrimSpace(record[idx]), 10, 64)
	return v
}
