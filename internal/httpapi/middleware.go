package httpapi

import (
	"time"

	"github.com/MarkoPoloResearchLab/creditmarket/internal/telemetry"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const unmatchedRoute = "unmatched"

func metricsMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		started := time.Now()
		ctx.Next()
		route := ctx.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		telemetry.ObserveHTTPRequest(ctx.Request.Method, route, ctx.Writer.Status(), time.Since(started))
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		started := time.Now()
		ctx.Next()
		status := ctx.Writer.Status()
		fields := []zap.Field{
			zap.String("method", ctx.Request.Method),
			zap.String("path", ctx.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("elapsed", time.Since(started)),
		}
		if status >= 500 {
			logger.Error("request failed", fields...)
			return
		}
		logger.Debug("request served", fields...)
	}
}
