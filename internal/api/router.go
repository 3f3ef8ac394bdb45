package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"sutfleet/internal/eventbus"
	"sutfleet/internal/session"
)

func health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: formatTime(time.Now()),
	})
}

func newEngine(logger *slog.Logger, quiet ...string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(logger, append(quiet, "/health")...))
	r.Use(CORSMiddleware())
	r.GET("/health", health)
	return r
}

// NewBrokerRouter exposes the inference broker.
func NewBrokerRouter(b Broker, target string, logger *slog.Logger) *gin.Engine {
	r := newEngine(logger, "/probe", "/stats")
	h := NewBrokerHandler(b, target, logger)

	r.GET("/", h.Info)
	r.POST("/parse", h.Parse)
	r.POST("/parse/", h.Parse)
	r.GET("/probe", h.Probe)
	r.GET("/stats", h.Stats)
	return r
}

type ControlDeps struct {
	Manager   *session.Manager
	Bus       eventbus.EventBus
	Scheduler session.Scheduler
	SUT       SUTPinger
	FleetFile string
	Logger    *slog.Logger
}

// NewControlRouter exposes fleet and session control.
func NewControlRouter(deps ControlDeps) *gin.Engine {
	r := newEngine(deps.Logger,
		"/api/v1/sessions",
		"/api/v1/sessions/:name",
		"/api/v1/sessions/:name/logs",
		"/api/v1/sessions/:name/ping",
	)

	sessionHandler := NewSessionHandler(deps.Manager, deps.Scheduler, deps.SUT, deps.Logger)
	fleetHandler := NewFleetHandler(deps.Manager, deps.FleetFile, deps.Logger)
	eventsHandler := NewEventsHandler(deps.Manager, deps.Bus, deps.Logger)

	v1 := r.Group("/api/v1")
	{
		sessions := v1.Group("/sessions")
		{
			sessions.GET("", sessionHandler.ListSessions)
			sessions.POST("", sessionHandler.CreateSession)
			sessions.GET("/:name", sessionHandler.GetSession)
			sessions.PUT("/:name", sessionHandler.UpdateSession)
			sessions.DELETE("/:name", sessionHandler.DeleteSession)

			// Lifecycle
			sessions.POST("/:name/start", sessionHandler.StartSession)
			sessions.POST("/:name/stop", sessionHandler.StopSession)

			// Output
			sessions.GET("/:name/logs", sessionHandler.GetLogs)
			sessions.DELETE("/:name/logs", sessionHandler.ClearLogs)
			sessions.GET("/:name/batches", sessionHandler.ListBatches)
			sessions.GET("/:name/archive", sessionHandler.ExportBatch)
			sessions.GET("/:name/events", eventsHandler.StreamEvents)

			sessions.GET("/:name/ping", sessionHandler.PingSUT)
		}

		fleet := v1.Group("/fleet")
		{
			fleet.POST("/start", fleetHandler.StartAll)
			fleet.POST("/stop", fleetHandler.StopAll)
			fleet.POST("/save", fleetHandler.Save)
			fleet.POST("/load", fleetHandler.Reload)
			fleet.GET("/settings", fleetHandler.GetSettings)
			fleet.PUT("/settings", fleetHandler.PutSettings)
		}
	}

	return r
}
