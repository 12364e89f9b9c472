// Package symbol 在内部书写格式（BASE/QUOTE，如 "ETH/USDT"）与交易所
// 紧凑格式（BASEQUOTE，如 "ETHUSDT"）之间转换。行情源发请求前统一
// 转交易所格式，展示与配置侧用内部格式。
package symbol

import "strings"

// Pair 是拆开的交易对。
type Pair struct {
	Base  string
	Quote string
}

func (p Pair) Internal() string {
	if p.Base == "" || p.Quote == "" {
		return ""
	}
	return p.Base + "/" + p.Quote
}

func (p Pair) Exchange() string {
	if p.Base == "" || p.Quote == "" {
		return ""
	}
	return p.Base + p.Quote
}

// 紧凑格式只能按已知计价币后缀拆分。长后缀排前面，避免先被短的
// 截走。
var quoteCurrencies = []string{"USDT", "BUSD", "USDC", "TUSD", "BTC", "ETH", "BNB"}

// Parse 接受两种格式（大小写不敏感），解不开时返回零值。
// 带结算后缀的写法（"ETH/USDT:USDT"）先剥掉冒号部分。
func Parse(s string) Pair {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return Pair{}
	}
	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}
	if parts := strings.SplitN(s, "/", 2); len(parts) == 2 {
		return Pair{
			Base:  strings.TrimSpace(parts[0]),
			Quote: strings.TrimSpace(parts[1]),
		}
	}
	for _, quote := range quoteCurrencies {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return Pair{Base: s[:len(s)-len(quote)], Quote: quote}
		}
	}
	return Pair{}
}

// ToExchange 把任意写法转成交易所紧凑格式。解析不出交易对时退化为
// 去斜杠大写，未知计价币也能发出去。
func ToExchange(s string) string {
	if p := Parse(s); p.Base != "" {
		return p.Exchange()
	}
	s = strings.ToUpper(strings.TrimSpace(s))
	return strings.ReplaceAll(s, "/", "")
}

// FromExchange 把交易所格式转回内部格式，解不开时返回空串。
func FromExchange(raw string) string {
	return Parse(raw).Internal()
}

// Normalize 统一为内部格式。
func Normalize(s string) string {
	return Parse(s).Internal()
}

// NormalizeList 归一并去重，保持输入顺序。解析失败的条目按大写原样
// 保留，留给上层报错而不是悄悄丢掉。
func NormalizeList(symbols []string) []string {
	if len(symbols) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		norm := Normalize(s)
		if norm == "" {
			norm = strings.ToUpper(strings.TrimSpace(s))
			if norm == "" {
				continue
			}
		}
		if _, ok := seen[norm]; ok {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, norm)
	}
	return out
}

func IsValid(s string) bool {
	p := Parse(s)
	return p.Base != "" && p.Quote != ""
}
