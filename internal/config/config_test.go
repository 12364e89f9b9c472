package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_DefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", `
app:
  log_level: debug
engine:
  mode: paper
  symbols: ["ETHUSDT", " ", "ETHUSDT", "BTCUSDT"]
risk:
  max_position_size: 50
venue:
  fee_rate: 0.001
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	t.Run("显式字段生效", func(t *testing.T) {
		assert.Equal(t, "debug", cfg.App.LogLevel)
		assert.Equal(t, "paper", cfg.Engine.Mode)
		assert.Equal(t, 50.0, cfg.Risk.MaxPositionSize)
		assert.Equal(t, 0.001, cfg.Venue.FeeRate)
	})

	t.Run("留空字段补默认值", func(t *testing.T) {
		assert.Equal(t, "dev", cfg.App.Env)
		assert.Equal(t, "1m", cfg.Engine.Interval)
		assert.Equal(t, 10_000.0, cfg.Engine.InitialCash)
		assert.Equal(t, "data/db", cfg.Store.ResultsDir)
		assert.Equal(t, "data/db/audit.db", cfg.Store.AuditPath)
		assert.Equal(t, 1_000_000.0, cfg.Risk.MaxGrossExposure)
		assert.Equal(t, "ma-fast", cfg.Strategy.Profile)
		assert.Equal(t, "synthetic", cfg.Data.Source)
		assert.Equal(t, 500, cfg.Data.Bars)
		assert.Equal(t, "https://fapi.binance.com", cfg.Data.Binance.RESTBaseURL)
		assert.Equal(t, 1, cfg.Venue.AckDelayTicks)
		assert.Equal(t, 256, cfg.Venue.QueueCapacity)
		assert.Equal(t, ":9991", cfg.HTTP.Addr)
		assert.True(t, cfg.HTTP.Enabled)
		assert.Equal(t, 2, cfg.HTTP.MaxConcurrentRuns)
		assert.Equal(t, 5000, cfg.Report.EquityMaxPoints)
		assert.True(t, cfg.Report.ChartPNG)
	})

	t.Run("symbol 列表去重去空白", func(t *testing.T) {
		assert.Equal(t, []string{"ETHUSDT", "BTCUSDT"}, cfg.Engine.Symbols)
	})
}

func TestLoad_ExplicitFalseSurvivesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", `
http:
  enabled: false
report:
  chart_png: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.HTTP.Enabled, "显式 false 不应被默认 true 覆盖")
	assert.False(t, cfg.Report.ChartPNG)
}

func TestLoad_ExplicitZeroFailsValidation(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", `
http:
  max_concurrent_runs: 0
`)

	// 显式写 0 时不补默认值，由校验挡下来。
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http.max_concurrent_runs")
}

func TestLoad_IncludeMerge(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "base.yaml", `
risk:
  max_position_size: 10
  max_order_quantity: 5
venue:
  fee_rate: 0.002
`)
	path := writeConfigFile(t, dir, "config.yaml", `
include:
  - base.yaml
risk:
  max_position_size: 80
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	t.Run("主文件覆盖被包含文件", func(t *testing.T) {
		assert.Equal(t, 80.0, cfg.Risk.MaxPositionSize)
	})
	t.Run("未覆盖的键沿用被包含文件", func(t *testing.T) {
		assert.Equal(t, 5.0, cfg.Risk.MaxOrderQuantity)
		assert.Equal(t, 0.002, cfg.Venue.FeeRate)
	})
}

func TestLoad_IncludeCycleDetected(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "a.yaml", "include: [b.yaml]\n")
	writeConfigFile(t, dir, "b.yaml", "include: [a.yaml]\n")

	_, err := Load(filepath.Join(dir, "a.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "include cycle")
}

func TestLoad_ValidationFailures(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		errPart string
	}{
		{"风控限额必须为正", "risk:\n  max_position_size: -1\n", "risk.max_position_size"},
		{"引擎模式受限", "engine:\n  mode: hedge\n", "engine.mode"},
		{"周期格式受限", "engine:\n  interval: abc\n", "engine.interval"},
		{"paper 模式必须给 symbol", "engine:\n  mode: paper\n", "engine.symbols"},
		{"数据源受限", "data:\n  source: kafka\n", "data.source"},
		{"csv 源必须给路径", "data:\n  source: csv\n", "data.path"},
		{"费率上限", "venue:\n  fee_rate: 0.5\n", "venue.fee_rate"},
		{"成交拆分下限", "venue:\n  partial_splits: -2\n", "venue.partial_splits"},
		{"日志级别受限", "app:\n  log_level: verbose\n", "app.log_level"},
		{"权益采样点下限", "report:\n  equity_max_points: 10\n", "report.equity_max_points"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			path := writeConfigFile(t, dir, "config.yaml", tc.yaml)
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errPart)
		})
	}
}

func TestLoad_WeakTypingAcceptsStrings(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", `
risk:
  max_position_size: "25"
venue:
  ack_delay_ticks: "3"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 25.0, cfg.Risk.MaxPositionSize)
	assert.Equal(t, 3, cfg.Venue.AckDelayTicks)
}

func TestLoad_MissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestIsValidInterval(t *testing.T) {
	assert.True(t, IsValidInterval("1m"))
	assert.True(t, IsValidInterval("15m"))
	assert.True(t, IsValidInterval("4h"))
	assert.True(t, IsValidInterval("1d"))
	assert.False(t, IsValidInterval(""))
	assert.False(t, IsValidInterval("m"))
	assert.False(t, IsValidInterval("1x"))
	assert.False(t, IsValidInterval("h1"))
}

func TestVenueConfigDurations(t *testing.T) {
	v := VenueConfig{SubmitTimeoutSeconds: 7, BreakerCooldownSeconds: 45}
	assert.Equal(t, "7s", v.SubmitTimeout().String())
	assert.Equal(t, "45s", v.BreakerCooldown().String())
}
