package httpapi

import (
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	logx "promosched/pkg/logx"
)

// DefaultCORSOrigins are the dashboard development origins.
var DefaultCORSOrigins = []string{
	"http://localhost:5173",
	"http://localhost:8080",
	"http://127.0.0.1:5173",
}

func (s *Server) routes(cfg Config) *gin.Engine {
	r := gin.New()
	r.Use(s.recovery(), s.requestLog(), cors.New(s.corsConfig(cfg.CORSOrigins)), bodyLimit(cfg.MaxBodyBytes))

	api := r.Group("/api")
	api.GET("/health", s.health)
	api.POST("/auth/login", s.login)
	api.POST("/auth/logout", s.logout)
	api.GET("/auth/validate", s.validate)

	protected := api.Group("")
	protected.Use(s.requireAuth())
	{
		protected.POST("/whatsapp/connect", s.connect)
		protected.POST("/whatsapp/disconnect", s.disconnect)
		protected.POST("/whatsapp/refresh-qr", s.refreshQR)
		protected.GET("/whatsapp/status", s.gatewayStatusHandler)
		protected.GET("/whatsapp/groups", s.groups)

		protected.GET("/messages", s.listMessages)
		protected.POST("/messages", s.createMessage)
		protected.POST("/messages/send-now", s.sendNow)
		protected.POST("/messages/compose", s.compose)
		protected.GET("/messages/jobs", s.jobs)
		protected.POST("/messages/reschedule", s.reschedule)
		protected.DELETE("/messages/:id", s.deleteMessage)
		protected.POST("/messages/:id/cancel", s.cancelMessage)

		protected.GET("/events", s.events)
	}

	if cfg.Pprof {
		r.GET("/debug/pprof/*name", s.requireAuth(), pprofHandler)
		r.POST("/debug/pprof/*name", s.requireAuth(), pprofHandler)
	}
	return r
}

// corsConfig accepts http(s) origins only; "*" allows any origin without
// credentials.
func (s *Server) corsConfig(origins []string) cors.Config {
	c := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	valid := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		switch {
		case o == "*":
			c.AllowAllOrigins = true
			c.AllowCredentials = false
			return c
		case strings.HasPrefix(o, "http://"), strings.HasPrefix(o, "https://"):
			valid = append(valid, strings.TrimSuffix(o, "/"))
		case o != "":
			s.log.Warn("ignoring invalid cors origin", logx.String("origin", o))
		}
	}
	if len(valid) == 0 {
		valid = append(valid, DefaultCORSOrigins...)
	}
	c.AllowOrigins = valid
	return c
}
