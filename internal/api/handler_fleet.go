package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"sutfleet/internal/session"
)

type FleetHandler struct {
	manager   *session.Manager
	fleetFile string
	logger    *slog.Logger
}

func NewFleetHandler(m *session.Manager, fleetFile string, logger *slog.Logger) *FleetHandler {
	return &FleetHandler{manager: m, fleetFile: fleetFile, logger: logger}
}

func (h *FleetHandler) StartAll(c *gin.Context) {
	started := h.manager.StartAll()
	if started == nil {
		started = []string{}
	}
	c.JSON(http.StatusOK, FleetStartResponse{Started: started})
}

func (h *FleetHandler) StopAll(c *gin.Context) {
	c.JSON(http.StatusOK, FleetStopResponse{Stopped: h.manager.StopAll()})
}

// Save POST /api/v1/fleet/save
func (h *FleetHandler) Save(c *gin.Context) {
	if err := h.manager.Save(h.fleetFile); err != nil {
		h.logger.Error("Failed to save fleet", "path", h.fleetFile, "error", err)
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, FleetSaveResponse{Path: h.fleetFile, Sessions: len(h.manager.List())})
}

// Reload POST /api/v1/fleet/load
func (h *FleetHandler) Reload(c *gin.Context) {
	if err := h.manager.Load(h.fleetFile); err != nil {
		respondError(c, mapSessionError(err), err)
		return
	}
	c.JSON(http.StatusOK, FleetSaveResponse{Path: h.fleetFile, Sessions: len(h.manager.List())})
}

func (h *FleetHandler) GetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.Settings())
}

// PutSettings PUT /api/v1/fleet/settings
// Fields absent from the body keep their current values.
func (h *FleetHandler) PutSettings(c *gin.Context) {
	settings := h.manager.Settings()
	if err := c.ShouldBindJSON(&settings); err != nil {
		respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, err.Error())
		return
	}
	h.manager.SetSettings(settings)
	h.logger.Info("Shared settings updated", "vision_model", settings.VisionModel, "broker", settings.OmniparserURL)
	c.JSON(http.StatusOK, settings)
}
