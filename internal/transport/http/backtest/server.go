package backtesthttp

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"ebb/internal/analysis/visual"
	"ebb/internal/backtest"
	"ebb/internal/logger"
	"ebb/internal/market"
	"ebb/internal/report"
	livehttp "ebb/internal/transport/http/live"
)

// Server 提供回放与数据缓存的 HTTP API，可选挂载实盘会话查询。
type Server struct {
	addr       string
	svc        *backtest.Service
	results    *backtest.ResultStore
	prefetch   *market.PrefetchService
	cache      *market.Cache
	router     *gin.Engine
	live       *livehttp.Router
	equityMax  int
	disablePNG bool
}

// Config 描述 HTTP Server 的依赖。
type Config struct {
	Addr     string
	Svc      *backtest.Service
	Results  *backtest.ResultStore
	Prefetch *market.PrefetchService
	Cache    *market.Cache
	Live     *livehttp.Router

	// EquityMaxPoints 限制权益/图表接口返回的采样点数，0 不限。
	EquityMaxPoints int
	// DisableChartPNG 关掉 png 导出，部署环境没有 Chrome 时用。
	DisableChartPNG bool
}

// NewServer 构建 HTTP Server。
func NewServer(cfg Config) (*Server, error) {
	if cfg.Svc == nil {
		return nil, errors.New("service 不能为空")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9991"
	}
	if cfg.Results == nil {
		cfg.Results = cfg.Svc.Store()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	s := &Server{
		addr:       cfg.Addr,
		svc:        cfg.Svc,
		results:    cfg.Results,
		prefetch:   cfg.Prefetch,
		cache:      cfg.Cache,
		router:     router,
		live:       cfg.Live,
		equityMax:  cfg.EquityMaxPoints,
		disablePNG: cfg.DisableChartPNG,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := s.router.Group("/api/backtest")
	api.POST("/fetch", s.handleFetch)
	api.GET("/fetch/:id", s.handleFetchStatus)
	api.GET("/jobs", s.handleJobs)
	api.GET("/data", s.handleManifest)
	api.GET("/bars", s.handleBars)
	api.POST("/runs", s.handleRunStart)
	api.GET("/runs", s.handleRunList)
	api.GET("/runs/:id", s.handleRunDetail)
	api.GET("/runs/:id/orders", s.handleRunOrders)
	api.GET("/runs/:id/fills", s.handleRunFills)
	api.GET("/runs/:id/trips", s.handleRunTrips)
	api.GET("/runs/:id/snapshots", s.handleRunSnapshots)
	api.GET("/runs/:id/anomalies", s.handleRunAnomalies)
	api.GET("/runs/:id/report", s.handleRunReport)
	api.GET("/runs/:id/equity", s.handleRunEquity)
	api.GET("/runs/:id/chart", s.handleRunChart)
	api.GET("/runs/:id/market-chart", s.handleRunMarketChart)

	if s.live != nil {
		s.live.Register(s.router.Group("/api/live"))
	}
}

func (s *Server) handleFetch(c *gin.Context) {
	if s.prefetch == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "数据预取未启用"})
		return
	}
	var req struct {
		Symbol   string `json:"symbol" binding:"required"`
		Interval string `json:"interval" binding:"required"`
		StartTS  int64  `json:"start_ts" binding:"required"`
		EndTS    int64  `json:"end_ts" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := s.prefetch.Submit(req.Symbol, req.Interval, req.StartTS, req.EndTS)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

func (s *Server) handleFetchStatus(c *gin.Context) {
	if s.prefetch == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "数据预取未启用"})
		return
	}
	job, ok := s.prefetch.Job(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

func (s *Server) handleJobs(c *gin.Context) {
	if s.prefetch == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "数据预取未启用"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": s.prefetch.Jobs()})
}

func (s *Server) handleManifest(c *gin.Context) {
	if s.cache == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "行情缓存未启用"})
		return
	}
	symbol := c.Query("symbol")
	interval := c.Query("interval")
	if symbol == "" || interval == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol/interval 必填"})
		return
	}
	m, err := s.cache.Manifest(c.Request.Context(), symbol, interval)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"manifest": m})
}

func (s *Server) handleBars(c *gin.Context) {
	if s.cache == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "行情缓存未启用"})
		return
	}
	symbol := c.Query("symbol")
	interval := c.Query("interval")
	if symbol == "" || interval == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol/interval 必填"})
		return
	}
	start, _ := strconv.ParseInt(c.Query("start_ts"), 10, 64)
	end, _ := strconv.ParseInt(c.Query("end_ts"), 10, 64)
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "500"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit 非法"})
		return
	}
	bars, err := s.cache.QueryRange(c.Request.Context(), symbol, interval, start, end, limit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"bars": bars})
}

func (s *Server) handleRunStart(c *gin.Context) {
	var req backtest.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	run, err := s.svc.StartRun(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run": run})
}

func (s *Server) handleRunList(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	runs, err := s.results.ListRuns(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) handleRunDetail(c *gin.Context) {
	run, err := s.results.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run})
}

func (s *Server) handleRunOrders(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	orders, err := s.results.ListOrders(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) handleRunFills(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "500"))
	fills, err := s.results.ListFills(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"fills": fills})
}

func (s *Server) handleRunTrips(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	trips, err := s.results.ListTrips(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trips": trips})
}

func (s *Server) handleRunSnapshots(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "1000"))
	snaps, err := s.results.ListSnapshots(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snaps})
}

func (s *Server) handleRunAnomalies(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	anomalies, err := s.results.ListAnomalies(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"anomalies": anomalies})
}

func (s *Server) handleRunReport(c *gin.Context) {
	run, err := s.results.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": run.Status, "report": run.Report})
}

func (s *Server) handleRunEquity(c *gin.Context) {
	points, err := s.results.EquityPoints(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"points": downsampleEquity(points, s.equityMax)})
}

func (s *Server) handleRunChart(c *gin.Context) {
	ctx := c.Request.Context()
	run, err := s.results.GetRun(ctx, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	input, err := s.runChartInput(ctx, run)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	switch c.DefaultQuery("format", "html") {
	case "png":
		if s.disablePNG {
			c.JSON(http.StatusBadRequest, gin.H{"error": "png 导出已关闭"})
			return
		}
		input.Context = ctx
		img, err := visual.RenderRunComposite(input)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.Data(http.StatusOK, "image/png", img.Bytes)
	default:
		html, err := visual.RenderRunHTML(input)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Data(http.StatusOK, "text/html; charset=utf-8", html)
	}
}

func (s *Server) runChartInput(ctx context.Context, run backtest.Run) (visual.RunChartInput, error) {
	points, err := s.results.EquityPoints(ctx, run.ID)
	if err != nil {
		return visual.RunChartInput{}, err
	}
	snaps, err := s.results.ListSnapshots(ctx, run.ID, 0)
	if err != nil {
		return visual.RunChartInput{}, err
	}
	fills, err := s.results.ListFills(ctx, run.ID, 0)
	if err != nil {
		return visual.RunChartInput{}, err
	}

	snaps = downsampleSnapshots(snaps, s.equityMax)
	drawdown := make([]visual.SeriesPoint, 0, len(snaps))
	exposure := make([]visual.SeriesPoint, 0, len(snaps))
	for _, sn := range snaps {
		drawdown = append(drawdown, visual.SeriesPoint{TS: sn.TS, Value: sn.Drawdown})
		exposure = append(exposure, visual.SeriesPoint{TS: sn.TS, Value: sn.GrossExposure})
	}
	return visual.RunChartInput{
		ID:       run.ID,
		Title:    fmt.Sprintf("%s %s %s", run.Symbol, run.Profile, run.Interval),
		Subtitle: runSubtitle(run),
		Equity:   downsampleEquity(points, s.equityMax),
		Drawdown: drawdown,
		Exposure: exposure,
		Trades:   fillMarkers(fills),
	}, nil
}

// downsampleEquity 等距抽稀到 max 个点，首尾都保留。长跑的权益序列
// 可能有几十万个 tick，整段进图表会把页面拖垮。
func downsampleEquity(points []report.EquityPoint, max int) []report.EquityPoint {
	if max <= 0 || len(points) <= max {
		return points
	}
	step := float64(len(points)-1) / float64(max-1)
	out := make([]report.EquityPoint, 0, max)
	for i := 0; i < max; i++ {
		idx := int(math.Round(float64(i) * step))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		out = append(out, points[idx])
	}
	return out
}

func downsampleSnapshots(snaps []backtest.SnapshotRecord, max int) []backtest.SnapshotRecord {
	if max <= 0 || len(snaps) <= max {
		return snaps
	}
	step := float64(len(snaps)-1) / float64(max-1)
	out := make([]backtest.SnapshotRecord, 0, max)
	for i := 0; i < max; i++ {
		idx := int(math.Round(float64(i) * step))
		if idx >= len(snaps) {
			idx = len(snaps) - 1
		}
		out = append(out, snaps[idx])
	}
	return out
}

func runSubtitle(run backtest.Run) string {
	return fmt.Sprintf("return %.2f%% | max drawdown %.2f%% | trips %d | win rate %.1f%%",
		run.ReturnPct*100, run.MaxDrawdown*100, run.Trips, run.WinRate*100)
}

func fillMarkers(fills []backtest.FillRecord) []visual.TradeMarker {
	markers := make([]visual.TradeMarker, 0, len(fills))
	for _, f := range fills {
		side := "buy"
		if f.Quantity < 0 {
			side = "sell"
		}
		markers = append(markers, visual.TradeMarker{
			TS:       f.TS,
			Price:    f.Price,
			Quantity: f.Quantity,
			Side:     side,
		})
	}
	return markers
}

func (s *Server) handleRunMarketChart(c *gin.Context) {
	if s.cache == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "行情缓存未启用"})
		return
	}
	ctx := c.Request.Context()
	run, err := s.results.GetRun(ctx, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if run.Config.Source != backtest.SourceBinance {
		c.JSON(http.StatusBadRequest, gin.H{"error": "该数据源不落缓存，无法重建行情图"})
		return
	}
	bars, err := s.cache.QueryRange(ctx, run.Symbol, run.Interval, run.StartTS, run.EndTS, 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	fills, err := s.results.ListFills(ctx, run.ID, 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	input := visual.MarketChartInput{
		Symbol:   run.Symbol,
		Interval: run.Interval,
		Bars:     bars,
		Trades:   fillMarkers(fills),
	}
	if c.DefaultQuery("format", "html") == "png" {
		if s.disablePNG {
			c.JSON(http.StatusBadRequest, gin.H{"error": "png 导出已关闭"})
			return
		}
		input.Context = ctx
		img, err := visual.RenderMarketComposite(input)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.Data(http.StatusOK, "image/png", img.Bytes)
		return
	}
	html, err := visual.RenderMarketHTML(input)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", html)
}

// requestLogger 记录接口调用，便于追踪后台操作。
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery
		client := c.ClientIP()
		c.Next()
		dur := time.Since(start)
		status := c.Writer.Status()
		fullPath := path
		if query != "" {
			fullPath = path + "?" + query
		}
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s", method, fullPath, status, client, dur)
	}
}

// Addr 返回监听地址。
func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Start 启动 HTTP 服务，阻塞直到 ctx 取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// Handler 暴露底层路由，测试用。
func (s *Server) Handler() http.Handler {
	return s.router
}
