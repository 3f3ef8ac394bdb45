package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"sutfleet/internal/broker"
)

// Broker is the queue the broker surface fronts.
type Broker interface {
	Enqueue(ctx context.Context, payload []byte) ([]byte, error)
	Stats() broker.Stats
	HealthCheck(ctx context.Context) broker.Health
}

type BrokerHandler struct {
	broker Broker
	target string
	logger *slog.Logger
}

func NewBrokerHandler(b Broker, target string, logger *slog.Logger) *BrokerHandler {
	return &BrokerHandler{broker: b, target: target, logger: logger}
}

// Parse POST /parse/
func (h *BrokerHandler) Parse(c *gin.Context) {
	req := broker.DefaultParseRequest()
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBrokerError(c, http.StatusUnprocessableEntity, "invalid parse request: "+err.Error())
		return
	}
	payload, err := json.Marshal(req)
	if err != nil {
		respondBrokerError(c, http.StatusInternalServerError, "Internal server error: "+err.Error())
		return
	}

	h.logger.Info("Received parse request", "image_bytes", len(req.Base64Image))
	body, err := h.broker.Enqueue(c.Request.Context(), payload)
	if err != nil {
		code, detail := mapBrokerError(err)
		h.logger.Warn("Parse request failed", "status", code, "error", err)
		respondBrokerError(c, code, detail)
		return
	}
	c.Data(http.StatusOK, "application/json", body)
}

// Probe GET /probe
func (h *BrokerHandler) Probe(c *gin.Context) {
	stats := h.broker.Stats()
	status := "running"
	if !stats.WorkerRunning {
		status = "stopped"
	}
	c.JSON(http.StatusOK, ProbeResponse{
		Service:            "sutfleet_broker",
		Version:            serviceVersion,
		QueueServiceStatus: status,
		OmniparserStatus:   h.broker.HealthCheck(c.Request.Context()),
		Stats:              stats,
	})
}

// Stats GET /stats
func (h *BrokerHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.broker.Stats())
}

// Info GET /
func (h *BrokerHandler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, ServiceInfoResponse{
		Service:      "sutfleet broker",
		Version:      serviceVersion,
		TargetServer: h.target,
		Endpoints: map[string]string{
			"parse":  "/parse/",
			"health": "/probe",
			"stats":  "/stats",
		},
	})
}
