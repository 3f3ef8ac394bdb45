package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"sutfleet/internal/automation"
	"sutfleet/internal/session"
)

// SUTPinger reports the status of a SUT service.
type SUTPinger interface {
	Status(ctx context.Context, ep session.Endpoint) (*automation.SUTStatus, error)
}

type SessionHandler struct {
	manager   *session.Manager
	scheduler session.Scheduler
	sut       SUTPinger
	logger    *slog.Logger
}

func NewSessionHandler(m *session.Manager, scheduler session.Scheduler, sut SUTPinger, logger *slog.Logger) *SessionHandler {
	if sut == nil {
		sut = automation.NewSUTClient(nil)
	}
	return &SessionHandler{manager: m, scheduler: scheduler, sut: sut, logger: logger}
}

func sessionResponse(c *session.Controller) SessionResponse {
	return SessionResponse{Record: c.Record(), Snapshot: c.Snapshot()}
}

func (h *SessionHandler) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, SessionListResponse{Sessions: h.manager.Snapshots()})
}

func (h *SessionHandler) CreateSession(c *gin.Context) {
	var rec session.Record
	if err := c.ShouldBindJSON(&rec); err != nil {
		respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, err.Error())
		return
	}

	ctrl, err := h.manager.Add(rec)
	if err != nil {
		respondError(c, mapSessionError(err), err)
		return
	}
	c.JSON(http.StatusCreated, sessionResponse(ctrl))
}

func (h *SessionHandler) GetSession(c *gin.Context) {
	ctrl, err := h.manager.Get(c.Param("name"))
	if err != nil {
		respondError(c, mapSessionError(err), err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse(ctrl))
}

func (h *SessionHandler) UpdateSession(c *gin.Context) {
	name := c.Param("name")
	var rec session.Record
	if err := c.ShouldBindJSON(&rec); err != nil {
		respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, err.Error())
		return
	}
	if rec.Name == "" {
		rec.Name = name
	}
	if err := h.manager.Update(name, rec); err != nil {
		respondError(c, mapSessionError(err), err)
		return
	}

	ctrl, err := h.manager.Get(name)
	if err != nil {
		respondError(c, mapSessionError(err), err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse(ctrl))
}

func (h *SessionHandler) DeleteSession(c *gin.Context) {
	name := c.Param("name")
	if err := h.manager.Remove(name); err != nil {
		respondError(c, mapSessionError(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed", "name": name})
}

// StartSession POST /api/v1/sessions/:name/start
// A positive delay_seconds defers the start through the task queue.
func (h *SessionHandler) StartSession(c *gin.Context) {
	name := c.Param("name")
	var req StartRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, err.Error())
			return
		}
	}

	ctrl, err := h.manager.Get(name)
	if err != nil {
		respondError(c, mapSessionError(err), err)
		return
	}

	if req.DelaySeconds > 0 {
		if h.scheduler == nil {
			respondError(c, http.StatusServiceUnavailable, ErrSchedulerDisabled)
			return
		}
		taskID, err := h.scheduler.Schedule(c.Request.Context(), name, req.Settings, time.Duration(req.DelaySeconds)*time.Second)
		if err != nil {
			respondError(c, http.StatusInternalServerError, err)
			return
		}
		c.JSON(http.StatusAccepted, StartResponse{Status: string(ctrl.Snapshot().Status), TaskID: taskID})
		return
	}

	started, err := h.manager.Start(name, req.Settings)
	if err != nil {
		respondError(c, mapSessionError(err), err)
		return
	}
	resp := StartResponse{Started: started, Status: string(ctrl.Snapshot().Status)}
	if !started {
		c.JSON(http.StatusConflict, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *SessionHandler) StopSession(c *gin.Context) {
	name := c.Param("name")
	stopped, err := h.manager.Stop(name)
	if err != nil {
		respondError(c, mapSessionError(err), err)
		return
	}
	ctrl, err := h.manager.Get(name)
	if err != nil {
		respondError(c, mapSessionError(err), err)
		return
	}
	c.JSON(http.StatusOK, StopResponse{Stopped: stopped, Status: string(ctrl.Snapshot().Status)})
}

// GetLogs GET /api/v1/sessions/:name/logs?since=<seq>
func (h *SessionHandler) GetLogs(c *gin.Context) {
	ctrl, err := h.manager.Get(c.Param("name"))
	if err != nil {
		respondError(c, mapSessionError(err), err)
		return
	}

	var since uint64
	if s := c.Query("since"); s != "" {
		since, err = strconv.ParseUint(s, 10, 64)
		if err != nil {
			respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, "since must be a sequence number")
			return
		}
	}

	entries := ctrl.Logs().Since(since)
	last := since
	if len(entries) > 0 {
		last = entries[len(entries)-1].Seq
	}
	c.JSON(http.StatusOK, LogsResponse{Entries: entries, LastSeq: last})
}

func (h *SessionHandler) ClearLogs(c *gin.Context) {
	ctrl, err := h.manager.Get(c.Param("name"))
	if err != nil {
		respondError(c, mapSessionError(err), err)
		return
	}
	ctrl.Logs().Clear()
	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) ListBatches(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	batches, err := h.manager.Batches(c.Request.Context(), c.Param("name"), limit)
	if err != nil {
		respondError(c, mapSessionError(err), err)
		return
	}
	c.JSON(http.StatusOK, BatchListResponse{Batches: batches})
}

// ExportBatch GET /api/v1/sessions/:name/archive
// Streams the newest batch directory as a tar archive.
func (h *SessionHandler) ExportBatch(c *gin.Context) {
	name := c.Param("name")
	dir, err := h.manager.LatestBatchDir(c.Request.Context(), name)
	if err != nil {
		respondError(c, mapSessionError(err), err)
		return
	}

	archive, err := session.ArchiveDir(dir)
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}

	filename := fmt.Sprintf("%s_%s.tar", name, filepath.Base(dir))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Header("Content-Type", "application/x-tar")
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, archive); err != nil {
		h.logger.Warn("Failed to stream archive", "session", name, "error", err)
	}
}

// PingSUT GET /api/v1/sessions/:name/ping
func (h *SessionHandler) PingSUT(c *gin.Context) {
	ctrl, err := h.manager.Get(c.Param("name"))
	if err != nil {
		respondError(c, mapSessionError(err), err)
		return
	}

	ep := ctrl.Record().Endpoint
	status, err := h.sut.Status(c.Request.Context(), ep)
	if err != nil {
		respondErrorWithDetails(c, http.StatusBadGateway, session.ErrEndpointUnreachable, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"endpoint": ep.String(), "sut": status})
}
