package server

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	slogGin "github.com/samber/slog-gin"

	authHandler "github.com/driftfs/driftfs/internal/server/handlers/auth"
	"github.com/driftfs/driftfs/internal/server/handlers/ws"
	"github.com/driftfs/driftfs/internal/server/middlewares"
	"github.com/driftfs/driftfs/internal/version"
)

func SetupRoutes(svc *Services, hub *ws.WebsocketHub) http.Handler {
	r := gin.New()

	authH := authHandler.New(svc.Auth)

	httpLogger := slog.Default().WithGroup("http")
	r.Use(slogGin.NewWithConfig(httpLogger, slogGin.Config{
		DefaultLevel:     slog.LevelInfo,
		ClientErrorLevel: slog.LevelWarn,
		ServerErrorLevel: slog.LevelError,
		WithRequestID:    true,
	}))
	r.Use(gin.Recovery())

	r.GET("/", IndexHandler)
	r.GET("/healthz", HealthHandler)

	r.POST("/auth/refresh", authH.Refresh)

	v1 := r.Group("/api/v1")
	v1.Use(middlewares.JWTAuth(svc.Auth))
	{
		// websocket sync sessions
		v1.GET("/sync", hub.WebsocketHandler)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "method not allowed"})
	})

	return r.Handler()
}

func IndexHandler(ctx *gin.Context) {
	ctx.String(http.StatusOK, version.Detailed())
}

func HealthHandler(ctx *gin.Context) {
	ctx.PureJSON(http.StatusOK, gin.H{"status": "ok"})
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}
