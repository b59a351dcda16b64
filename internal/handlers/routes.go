package handlers

import (
	"github.com/gin-gonic/gin"
)

// NewRouter builds the gin engine with middleware and all routes.
func NewRouter(h *Handler) *gin.Engine {
	router := gin.New()
	router.Use(
		Recovery(h.logger),
		RequestIDMiddleware(),
		AccessLog(h.logger.Named("http"), h.metrics),
		CORS(),
	)
	RegisterRoutes(router, h)
	return router
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, h *Handler) {
	router.GET("/", h.Root)
	router.GET("/health", h.Health)
	router.GET("/classes", h.Classes)
	router.POST("/predict", h.Predict)

	if h.metrics != nil {
		router.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	}
}
