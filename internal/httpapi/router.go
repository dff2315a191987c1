package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatsync/internal/httpapi/middleware"
)

func NewRouter(h *Handler, jwtSecret string) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery(h.log))
	r.Use(middleware.RequestID())

	r.NoRoute(func(c *gin.Context) {
		Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", h.Ping)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(jwtSecret))
	authGroup.POST("/conversations/:conversation_id/open", h.OpenConversation)
	authGroup.GET("/conversations/:conversation_id/messages", h.ListMessages)
	authGroup.POST("/conversations/:conversation_id/messages", h.SendMessage)
	authGroup.POST("/conversations/:conversation_id/messages/:temp_id/retry", h.RetryMessage)
	authGroup.POST("/conversations/:conversation_id/earlier", h.LoadEarlier)
	authGroup.GET("/conversations/:conversation_id/events", h.StreamChanges)
	return r
}
