package gateway

import (
	"github.com/gin-gonic/gin"

	"github.com/kynetic/kynetic/internal/common/logger"
)

// SetupRoutes mounts the ops endpoints on the router.
func SetupRoutes(router *gin.Engine, status Status, log *logger.Logger) {
	handler := NewHandler(status, log)

	router.GET("/healthz", handler.Healthz)
	router.GET("/status", handler.GetStatus)
	router.GET("/sessions", handler.ListSessions)
}

// NewRouter builds a release-mode engine with the ops endpoints mounted.
func NewRouter(status Status, log *logger.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(log))
	SetupRoutes(router, status, log)
	return router
}
