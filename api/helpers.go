package api

import (
	"context"
	"net/http"

	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/infra"

	"github.com/gin-gonic/gin"
)

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// ReadinessResponse 就绪检查响应
type ReadinessResponse struct {
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
	Database string `json:"database,omitempty"`
	Redis    string `json:"redis,omitempty"`
	Tenants  int    `json:"tenants"`
}

const serviceName = "accaddons-escalation"

// HealthCheck 存活检查
func HealthCheck() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, HealthResponse{Status: "healthy", Service: serviceName})
	}
}

// ReadinessCheck 就绪检查：中心库与（如已配置）Redis 均可用
func ReadinessCheck(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := ReadinessResponse{Status: "ready"}
		if d.Pool != nil {
			resp.Tenants = d.Pool.Len()
		}

		if err := infra.Ping(d.DB); err != nil {
			resp.Status = "not_ready"
			resp.Reason = "database ping failed"
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
		resp.Database = "connected"

		if d.Redis != nil {
			if err := infra.PingRedis(d.Redis); err != nil {
				resp.Status = "not_ready"
				resp.Reason = "redis ping failed"
				c.JSON(http.StatusServiceUnavailable, resp)
				return
			}
			resp.Redis = "connected"
		}

		c.JSON(http.StatusOK, resp)
	}
}

// detached 手动触发的运行不随客户端断开而中止
func detached(c *gin.Context) context.Context {
	return context.WithoutCancel(c.Request.Context())
}
