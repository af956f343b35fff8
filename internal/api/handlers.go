package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/opendatalabs/databridge/internal/buildinfo"
	"github.com/opendatalabs/databridge/internal/logging"
	"github.com/opendatalabs/databridge/internal/runner"
	"github.com/opendatalabs/databridge/internal/sidecar"
	log "github.com/sirupsen/logrus"
)

// Handler implements the control API endpoints.
type Handler struct {
	backend Backend

	streamsMu sync.Mutex
	streams   map[*eventStream]struct{}
}

// NewHandler creates a handler over backend.
func NewHandler(backend Backend) *Handler {
	return &Handler{
		backend: backend,
		streams: make(map[*eventStream]struct{}),
	}
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	logging.SkipGinRequestLogging(c)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Version reports build metadata.
func (h *Handler) Version(c *gin.Context) {
	c.JSON(http.StatusOK, buildinfo.Current())
}

// StartAuth starts a browser auth flow.
func (h *Handler) StartAuth(c *gin.Context) {
	if h.backend.Auth == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "auth flow unavailable"})
		return
	}
	info, err := h.backend.Auth.StartFlow(c.Request.Context())
	if err != nil {
		requestLog(c).WithError(err).Error("start auth flow failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

// AuthStatus reports the callback server state.
func (h *Handler) AuthStatus(c *gin.Context) {
	if h.backend.Auth == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "auth flow unavailable"})
		return
	}
	c.JSON(http.StatusOK, h.backend.Auth.Status())
}

// StartSidecar starts the personal server. A running server is reported, not restarted.
func (h *Handler) StartSidecar(c *gin.Context) {
	if h.backend.Sidecar == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "personal server unavailable"})
		return
	}
	var opts sidecar.StartOptions
	if !bindOptionalJSON(c, &opts) {
		return
	}
	status, err := h.backend.Sidecar.Start(c.Request.Context(), opts)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, sidecar.ErrBinaryNotFound) {
			code = http.StatusNotFound
		}
		c.JSON(code, gin.H{"error": err.Error(), "status": status})
		return
	}
	c.JSON(http.StatusOK, status)
}

// StopSidecar stops the personal server.
func (h *Handler) StopSidecar(c *gin.Context) {
	if h.backend.Sidecar == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "personal server unavailable"})
		return
	}
	if err := h.backend.Sidecar.Stop(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.backend.Sidecar.Status())
}

// SidecarStatus reports the personal server state.
func (h *Handler) SidecarStatus(c *gin.Context) {
	if h.backend.Sidecar == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "personal server unavailable"})
		return
	}
	c.JSON(http.StatusOK, h.backend.Sidecar.Status())
}

// StartRun starts an automation run.
func (h *Handler) StartRun(c *gin.Context) {
	if h.backend.Runs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "runner unavailable"})
		return
	}
	var req runner.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run request"})
		return
	}
	if strings.TrimSpace(req.ConnectorPath) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "connectorPath is required"})
		return
	}
	info, err := h.backend.Runs.Start(c.Request.Context(), req)
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, info)
	case errors.Is(err, runner.ErrRunExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, runner.ErrRunnerNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		requestLog(c).WithError(err).Error("start run failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// StopRun stops a run, or closes its window when it has no process.
func (h *Handler) StopRun(c *gin.Context) {
	if h.backend.Runs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "runner unavailable"})
		return
	}
	id := strings.TrimSpace(c.Param("id"))
	err := h.backend.Runs.Stop(c.Request.Context(), id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"ok": true})
	case errors.Is(err, runner.ErrRunNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// ListRuns lists tracked runs.
func (h *Handler) ListRuns(c *gin.Context) {
	if h.backend.Runs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "runner unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": h.backend.Runs.List()})
}

// RunHistory lists finished runs from the run history table.
func (h *Handler) RunHistory(c *gin.Context) {
	if h.backend.History == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run history not configured"})
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
			return
		}
		limit = n
	}
	records, err := h.backend.History.Recent(c.Request.Context(), limit)
	if err != nil {
		requestLog(c).WithError(err).Warn("list run history failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": records})
}

func requestLog(c *gin.Context) *log.Entry {
	return logging.Component("api").WithField("request_id", logging.GetRequestID(c.Request.Context()))
}

// bindOptionalJSON decodes the body into dst when there is one. It writes a 400 and
// returns false on malformed JSON.
func bindOptionalJSON(c *gin.Context, dst any) bool {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return false
	}
	return true
}
