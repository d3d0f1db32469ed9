package api

import (
	"github.com/gin-gonic/gin"

	"github.com/caregohq/carego-sync/internal/metrics"
)

// NewRouter wires the bridge routes. hub may be nil to run without the
// websocket stream (syncctl talks REST only).
func NewRouter(h *Handler, hub *Hub) *gin.Engine {
	r := gin.New()

	r.Use(
		RequestLogger(),
		Recovery(),
	)
	r.SetTrustedProxies(nil)

	r.GET("/health", h.HealthCheck)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	if hub != nil {
		r.GET("/ws", hub.Serve)
	}

	v1 := r.Group("/v1")
	{
		v1.POST("/queue", h.EnqueueOperation)
		v1.GET("/queue", h.ListOperations)
		v1.GET("/queue/counts", h.QueueCounts)
		v1.DELETE("/queue/terminal", h.DiscardTerminal)
		v1.GET("/queue/:id", h.GetOperation)
		v1.DELETE("/queue/:id", h.RemoveOperation)
		v1.POST("/queue/:id/requeue", h.RequeueOperation)

		v1.POST("/flush", h.TriggerFlush)
		v1.GET("/status", h.SyncStatus)
		v1.GET("/conflicts", h.ListConflicts)
		v1.POST("/network", h.SetNetworkStatus)
	}
	return r
}
