package handler

import (
	"net/http"
	"time"

	"charityledger/internal/model"

	"github.com/gin-gonic/gin"
)

// HealthHandler 健康检查
type HealthHandler struct {
	pipeline PipelineControl
	chain    ChainInspector
	dbCheck  func() error
	dbStats  func() map[string]interface{}
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(p PipelineControl, c ChainInspector) *HealthHandler {
	return &HealthHandler{
		pipeline: p,
		chain:    c,
		dbCheck:  model.CheckDBHealth,
		dbStats:  model.GetDBStats,
	}
}

// Health 简单版本, 用于负载均衡器
func (h *HealthHandler) Health(c *gin.Context) {
	if err := h.dbCheck(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  "database connection failed",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HealthDetail 详细版本, 用于监控系统
func (h *HealthHandler) HealthDetail(c *gin.Context) {
	health := gin.H{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	}

	// 检查数据库
	dbStatus := "ok"
	if err := h.dbCheck(); err != nil {
		dbStatus = "error: " + err.Error()
		health["status"] = "degraded"
	}
	health["database"] = gin.H{
		"status": dbStatus,
		"stats":  h.dbStats(),
	}

	// 流水线
	pipeline := gin.H{"running": h.pipeline.Running()}
	if r := h.pipeline.LastReport(); r != nil {
		pipeline["last_run"] = r.FinishedAt.Format(time.RFC3339)
		pipeline["last_gaps"] = r.Gaps()
	}
	health["pipeline"] = pipeline

	if h.chain != nil {
		health["chain"] = h.chain.Stats()
	}

	c.JSON(http.StatusOK, health)
}
