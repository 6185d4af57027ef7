package httpserver

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"homebase/internal/handler"
	"homebase/pkg/otel"
)

// NewRouter wires every HTTP route. Auth and health endpoints stay
// public; everything touching workflow or notification state requires
// a valid token.
func NewRouter(
	authHandler *handler.AuthHandler,
	workflowHandler *handler.WorkflowHandler,
	notificationHandler *handler.NotificationHandler,
	jwtSecret string,
) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(TraceMiddleware())
	r.Use(otel.GinMiddleware())
	r.Use(MetricsMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/register", authHandler.Register)
	r.POST("/login", authHandler.Login)

	api := r.Group("/")
	api.Use(AuthMiddleware(jwtSecret))
	{
		api.POST("/workflow/advance", workflowHandler.Advance)
		api.GET("/workflow/by-request/:service_request_id", workflowHandler.GetByServiceRequest)
		api.GET("/workflows", workflowHandler.List)

		api.POST("/notifications/dispatch", notificationHandler.Dispatch)
		api.GET("/notifications", notificationHandler.ListByUser)
		api.GET("/preferences", notificationHandler.GetPreferences)
		api.PUT("/preferences", notificationHandler.UpdatePreferences)
	}

	return r
}
