package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/san-kum/liftform/server/history"
	"github.com/san-kum/liftform/server/models"
)

const apiVersion = "v1"

type HistoryHandler struct {
	store        history.Store
	defaultLimit int
	logger       *zap.Logger
}

func NewHistoryHandler(store history.Store, defaultLimit int, logger *zap.Logger) *HistoryHandler {
	return &HistoryHandler{
		store:        store,
		defaultLimit: defaultLimit,
		logger:       logger,
	}
}

func (h *HistoryHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/history", h.ListRecords)
	rg.GET("/history/:started_at", h.GetRecord)
}

func (h *HistoryHandler) ListRecords(c *gin.Context) {
	startTime := time.Now()

	limit := h.defaultLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.fail(c, startTime, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	records, err := h.store.List(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list training history", zap.Error(err))
		h.fail(c, startTime, http.StatusInternalServerError, "store_error", "failed to load training history")
		return
	}

	h.ok(c, startTime, records)
}

// GetRecord looks a record up by its session start time in RFC 3339 form.
func (h *HistoryHandler) GetRecord(c *gin.Context) {
	startTime := time.Now()

	startedAt, err := time.Parse(time.RFC3339Nano, c.Param("started_at"))
	if err != nil {
		h.fail(c, startTime, http.StatusBadRequest, "invalid_started_at", "started_at must be an RFC 3339 timestamp")
		return
	}

	record, err := h.store.Get(c.Request.Context(), startedAt)
	switch {
	case errors.Is(err, history.ErrNotFound):
		h.fail(c, startTime, http.StatusNotFound, "not_found", "no training record for that start time")
		return
	case err != nil:
		h.logger.Error("Failed to load training record", zap.Error(err))
		h.fail(c, startTime, http.StatusInternalServerError, "store_error", "failed to load training record")
		return
	}

	h.ok(c, startTime, record)
}

func (h *HistoryHandler) ok(c *gin.Context, startTime time.Time, data any) {
	c.JSON(http.StatusOK, models.APIResponse{
		Success: true,
		Data:    data,
		Meta:    meta(c, startTime),
	})
}

func (h *HistoryHandler) fail(c *gin.Context, startTime time.Time, status int, code, message string) {
	c.JSON(status, models.APIResponse{
		Error: &models.APIError{Code: code, Message: message},
		Meta:  meta(c, startTime),
	})
}

func meta(c *gin.Context, startTime time.Time) *models.ResponseMeta {
	return &models.ResponseMeta{
		RequestID:      c.GetHeader("X-Request-ID"),
		Timestamp:      time.Now(),
		ProcessingTime: float64(time.Since(startTime).Microseconds()) / 1000,
		Version:        apiVersion,
	}
}
