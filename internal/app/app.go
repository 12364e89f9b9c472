package app

import (
	"context"
	"fmt"

	"ebb/internal/backtest"
	brcfg "ebb/internal/config"
	"ebb/internal/logger"
	"ebb/internal/market"
	"ebb/internal/store/audit"
	backtesthttp "ebb/internal/transport/http/backtest"

	"golang.org/x/sync/errgroup"
)

// App 负责应用级编排：加载配置→初始化依赖→启动 HTTP 与纸面会话。
type App struct {
	cfg     *brcfg.Config
	server  *backtesthttp.Server
	session *PaperSession

	svc      *backtest.Service
	prefetch *market.PrefetchService
	results  *backtest.ResultStore
	cache    *market.Cache
	audit    *audit.Store

	Summary *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）。
func NewApp(cfg *brcfg.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run 启动 HTTP 服务与纸面会话，阻塞到 ctx 取消或任一组件出错。
// 纸面会话把数据跑完属于正常收尾，不会连带停掉 HTTP 服务。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.server == nil && a.session == nil {
		return fmt.Errorf("http 未启用且没有纸面会话，无事可做")
	}

	if a.Summary != nil {
		a.Summary.Print()
	}

	group, ctx := errgroup.WithContext(ctx)
	a.svc.SetContext(ctx)
	a.prefetch.SetContext(ctx)

	if a.server != nil {
		group.Go(func() error {
			if err := a.server.Start(ctx); err != nil {
				return fmt.Errorf("http 服务异常退出: %w", err)
			}
			return nil
		})
	}
	if a.session != nil {
		group.Go(func() error {
			return a.session.Run(ctx)
		})
	}
	return group.Wait()
}

// Close 释放存储句柄，Run 返回后调用。
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	var firstErr error
	record := func(name string, err error) {
		if err != nil {
			logger.Warnf("关闭%s失败: %v", name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if a.results != nil {
		record("结果库", a.results.Close())
	}
	if a.cache != nil {
		record("行情缓存", a.cache.Close())
	}
	if a.audit != nil {
		record("审计库", a.audit.Close())
	}
	return firstErr
}

// Session 暴露纸面会话实例，测试与回放脚本用。
func (a *App) Session() *PaperSession {
	if a == nil {
		return nil
	}
	return a.session
}
