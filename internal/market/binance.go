package market

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	symbolpkg "ebb/internal/pkg/symbol"

	"github.com/adshao/go-binance/v2/futures"
)

const maxKlineLimit = 1500

// BinanceConfig 描述 USDT 合约行情源。
type BinanceConfig struct {
	RESTBaseURL  string
	HTTPTimeout  time.Duration
	ProxyEnabled bool
	ProxyURL     string
}

func (c BinanceConfig) withDefaults() BinanceConfig {
	if strings.TrimSpace(c.RESTBaseURL) == "" {
		c.RESTBaseURL = "https://fapi.binance.com"
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 15 * time.Second
	}
	return c
}

// BinanceFetcher 基于 go-binance SDK 拉取合约历史 K 线。
type BinanceFetcher struct {
	cfg    BinanceConfig
	client *futures.Client
}

func NewBinanceFetcher(cfg BinanceConfig) (*BinanceFetcher, error) {
	final := cfg.withDefaults()
	client := futures.NewClient("", "")
	client.BaseURL = strings.TrimSpace(final.RESTBaseURL)
	httpClient := &http.Client{Timeout: final.HTTPTimeout}
	if final.ProxyEnabled && final.ProxyURL != "" {
		proxyURL, err := url.Parse(final.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	client.HTTPClient = httpClient
	return &BinanceFetcher{cfg: final, client: client}, nil
}

func (f *BinanceFetcher) Name() string { return "binance" }

func (f *BinanceFetcher) Fetch(ctx context.Context, req FetchRequest) ([]Bar, error) {
	sym := strings.TrimSpace(req.Symbol)
	if sym == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	interval := strings.ToLower(strings.TrimSpace(req.Interval))
	if interval == "" {
		return nil, fmt.Errorf("interval is required")
	}
	limit := req.Limit
	if limit <= 0 || limit > maxKlineLimit {
		limit = 1000
	}
	// Binance 的 symbol 不含斜杠（ETH/USDT -> ETHUSDT）。
	clean := symbolpkg.ToExchange(sym)
	svc := f.client.NewKlinesService().Symbol(clean).Interval(interval).Limit(limit)
	if req.Start > 0 {
		svc = svc.StartTime(req.Start)
	}
	if req.End > 0 {
		svc = svc.EndTime(req.End)
	}
	kls, err := svc.Do(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Bar, 0, len(kls))
	upper := strings.ToUpper(clean)
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		out = append(out, Bar{
			Symbol:    upper,
			OpenTime:  kl.OpenTime,
			CloseTime: kl.CloseTime,
			Open:      parseKlineFloat(kl.Open),
			High:      parseKlineFloat(kl.High),
			Low:       parseKlineFloat(kl.Low),
			Close:     parseKlineFloat(kl.Close),
			Volume:    parseKlineFloat(kl.Volume),
			Trades:    kl.TradeNum,
		})
	}
	if dur, ok := ParseInterval(interval); ok {
		out = DropUnclosed(out, dur)
	}
	return out, nil
}

func parseKlineFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}
