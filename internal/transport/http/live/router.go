package livehttp

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"ebb/internal/store/audit"
)

// Router 暴露纸面实盘会话的查询接口（会话/留痕/订单/异常）。
type Router struct {
	Audit *audit.Store
}

// NewRouter 构造 live HTTP router。
func NewRouter(store *audit.Store) *Router {
	return &Router{Audit: store}
}

// Register 将 /api/live 路由挂载到给定分组下。
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/sessions", r.handleSessions)
	group.GET("/sessions/:id", r.handleSessionDetail)
	group.GET("/sessions/:id/ticks", r.handleSessionTicks)
	group.GET("/sessions/:id/orders", r.handleSessionOrders)
	group.GET("/sessions/:id/anomalies", r.handleSessionAnomalies)
	group.GET("/sessions/:id/equity", r.handleSessionEquity)
}

func (r *Router) handleSessions(c *gin.Context) {
	if r.Audit == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "审计库未启用"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	sessions, err := r.Audit.ListSessions(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (r *Router) handleSessionDetail(c *gin.Context) {
	if r.Audit == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "审计库未启用"})
		return
	}
	sess, err := r.Audit.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		if audit.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

func (r *Router) handleSessionTicks(c *gin.Context) {
	if r.Audit == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "审计库未启用"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "1000"))
	withPayload, _ := strconv.ParseBool(c.DefaultQuery("payload", "false"))
	ticks, err := r.Audit.ListTicks(c.Request.Context(), c.Param("id"), limit, withPayload)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ticks": ticks})
}

func (r *Router) handleSessionOrders(c *gin.Context) {
	if r.Audit == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "审计库未启用"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	orders, err := r.Audit.ListOrders(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (r *Router) handleSessionAnomalies(c *gin.Context) {
	if r.Audit == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "审计库未启用"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	anomalies, err := r.Audit.ListAnomalies(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"anomalies": anomalies})
}

func (r *Router) handleSessionEquity(c *gin.Context) {
	if r.Audit == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "审计库未启用"})
		return
	}
	points, err := r.Audit.EquitySeries(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"points": points})
}
