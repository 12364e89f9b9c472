// Package strategy 定义信号生成接口与内置策略实现。
//
// 策略是窗口内容的纯函数：相同窗口必然给出相同信号，错误在构造期暴露，
// Evaluate 本身永不失败。
package strategy

import (
	"fmt"
	"sort"
	"strings"

	"ebb/internal/market"

	"github.com/mitchellh/mapstructure"
)

// Strategy 把最近 N 根 bar 映射为一个信号。
type Strategy interface {
	Name() string
	// Lookback 是窗口容量 N：观察到的 bar 少于 N 时必须返回 flat。
	Lookback() int
	Evaluate(bars []market.Bar) Signal
}

// Spec 描述一次策略实例化请求（kind + 原始参数）。
type Spec struct {
	Kind   string
	Params map[string]any
}

type factoryFunc func(params map[string]any) (Strategy, error)

var factories = map[string]factoryFunc{
	KindMACross:      newMACrossFromParams,
	KindRSIReversion: newRSIReversionFromParams,
}

// Kinds 返回内置策略种类，输出给校验错误与启动摘要。
func Kinds() []string {
	out := make([]string, 0, len(factories))
	for kind := range factories {
		out = append(out, kind)
	}
	sort.Strings(out)
	return out
}

// New 按 Spec 构建策略；未知 kind 或非法参数属于配置错误。
func New(spec Spec) (Strategy, error) {
	kind := strings.ToLower(strings.TrimSpace(spec.Kind))
	factory, ok := factories[kind]
	if !ok {
		return nil, fmt.Errorf("未知策略 kind %q（可用: %s）", spec.Kind, strings.Join(Kinds(), ", "))
	}
	return factory(spec.Params)
}

// decodeParams 将 profile 里的弱类型参数映射到策略参数结构。
func decodeParams(raw map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("解析策略参数失败: %w", err)
	}
	return nil
}
