package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/schrodylab/schrody/internal/bot"
	"github.com/schrodylab/schrody/internal/common"
	"github.com/schrodylab/schrody/internal/config"
	"github.com/schrodylab/schrody/internal/httpapi/handlers"
	"github.com/schrodylab/schrody/internal/httpapi/middleware"
	"github.com/schrodylab/schrody/internal/store"
)

func NewRouter(repo *store.Repo, engine *bot.Engine, cfg config.Config) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	h := handlers.NewHandler(repo, engine, cfg)

	r.GET("/ping", h.Ping)

	// ops auth
	r.POST("/login", h.Login)
	opsGroup := r.Group("/")
	opsGroup.Use(middleware.AuthRequired(cfg.JWTSecret))
	opsGroup.GET("/stats", h.Stats)
	opsGroup.GET("/sessions/active", h.ActiveSessions)
	opsGroup.GET("/feedback/pending", h.PendingFeedback)

	// platform relay (shared token)
	relayGroup := r.Group("/")
	relayGroup.Use(middleware.RelayAuth(cfg.RelayToken))
	relayGroup.POST("/interactions", h.Interaction)
	relayGroup.POST("/events/messages", h.MessageEvent)

	return r
}
