package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/san-kum/liftform/server/models"
	"github.com/san-kum/liftform/server/processor"
)

type SessionHandler struct {
	registry *processor.Registry
	logger   *zap.Logger
}

type CreateSessionRequest struct {
	SessionID string `json:"session_id"`
}

func NewSessionHandler(registry *processor.Registry, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{
		registry: registry,
		logger:   logger,
	}
}

// Register mounts the session routes on the group.
func (h *SessionHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/sessions", h.CreateSession)
	rg.GET("/sessions/:id", h.GetSession)
	rg.POST("/sessions/:id/frames", h.ProcessFrame)
	rg.POST("/sessions/:id/sets", h.NewSet)
	rg.POST("/sessions/:id/reset", h.Reset)
	rg.DELETE("/sessions/:id", h.EndSession)
	rg.GET("/stats", h.GetStats)
}

func (h *SessionHandler) CreateSession(c *gin.Context) {
	var request CreateSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
			return
		}
	}

	info, err := h.registry.Create(c.Request.Context(), request.SessionID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, info)
}

func (h *SessionHandler) GetSession(c *gin.Context) {
	summary, err := h.registry.Summary(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, summary)
}

func (h *SessionHandler) ProcessFrame(c *gin.Context) {
	startTime := time.Now()

	var request models.FrameRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.logger.Debug("Invalid frame request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}

	result, err := h.registry.Process(c.Request.Context(), c.Param("id"), request.Landmarks, captureTime(request.Timestamp))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"analysis":        result,
		"processing_time": time.Since(startTime).Milliseconds(),
	})
}

func (h *SessionHandler) NewSet(c *gin.Context) {
	ev, err := h.registry.NewSet(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, ev)
}

func (h *SessionHandler) Reset(c *gin.Context) {
	id := c.Param("id")
	if err := h.registry.Reset(c.Request.Context(), id); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"session_id": id, "reset": true})
}

func (h *SessionHandler) EndSession(c *gin.Context) {
	ended, err := h.registry.End(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, ended)
}

func (h *SessionHandler) GetStats(c *gin.Context) {
	stats := h.registry.Stats()

	response := gin.H{
		"processor":      stats,
		"uptime_seconds": time.Since(stats.StartTime).Seconds(),
	}
	if cacheStats, err := h.registry.AnnotationStats(c.Request.Context()); err == nil {
		response["annotations"] = cacheStats
	}

	c.JSON(http.StatusOK, response)
}

func (h *SessionHandler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, processor.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
	case errors.Is(err, processor.ErrSessionExists):
		c.JSON(http.StatusConflict, gin.H{"error": "Session already exists"})
	default:
		h.logger.Error("Session request failed", zap.Error(err), zap.String("path", c.FullPath()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Processing failed"})
	}
}

// captureTime converts a client timestamp in Unix milliseconds, falling back
// to the arrival time when the client sent none.
func captureTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}
