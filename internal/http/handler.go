package http

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"anpr-reconciler/internal/config"
	"anpr-reconciler/internal/domain/parking"
	"anpr-reconciler/internal/repository"
	"anpr-reconciler/internal/service"
)

type Handler struct {
	reconciler *service.ReconciliationService
	query      *service.QueryService
	config     *config.Config
	log        zerolog.Logger
}

func NewHandler(
	reconciler *service.ReconciliationService,
	query *service.QueryService,
	cfg *config.Config,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		reconciler: reconciler,
		query:      query,
		config:     cfg,
		log:        log,
	}
}

func (h *Handler) Register(r *gin.Engine, authMiddleware gin.HandlerFunc) {
	// Review UI reads
	public := r.Group("/api/v1")
	{
		public.GET("/movements/anomalies/first-in-last-out", h.listFirstInLastOut)
		public.GET("/movements", h.listMovements)
		public.GET("/movements/:id", h.getMovement)
		public.GET("/sessions", h.listSessions)
		public.GET("/sessions/:id", h.getSession)
	}

	// Anything that writes is attributed to an operator
	protected := r.Group("/api/v1")
	protected.Use(authMiddleware)
	{
		protected.POST("/movements", h.createMovement)
		protected.PATCH("/movements/:id/flip-direction", h.flipDirection)
		protected.PATCH("/movements/:id/direction", h.setDirection)
		protected.PATCH("/movements/:id/discard", h.discardMovement)
		protected.POST("/sessions/rematch", h.rematchSessions)
	}
}

func (h *Handler) listFirstInLastOut(c *gin.Context) {
	minHours := h.config.Anomaly.DefaultMinHours
	if raw := strings.TrimSpace(c.Query("minHours")); raw != "" {
		parsed, err := parseInt(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse("minHours must be an integer"))
			return
		}
		minHours = parsed
	}

	anomalies, err := h.query.FindAnomalies(c.Request.Context(), minHours)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"sessions": anomalies})
}

func (h *Handler) getMovement(c *gin.Context) {
	movement, err := h.query.GetMovement(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, movement)
}

type flipRequest struct {
	ReprocessSession *bool `json:"reprocessSession"`
}

func (h *Handler) flipDirection(c *gin.Context) {
	var req flipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	if req.ReprocessSession == nil {
		c.JSON(http.StatusBadRequest, errorResponse("reprocessSession is required"))
		return
	}

	result, err := h.reconciler.FlipDirection(c.Request.Context(), c.Param("id"), *req.ReprocessSession, operatorFrom(c))
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

type setDirectionRequest struct {
	Direction        string `json:"direction" binding:"required"`
	ReprocessSession *bool  `json:"reprocessSession"`
}

func (h *Handler) setDirection(c *gin.Context) {
	var req setDirectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	if req.ReprocessSession == nil {
		c.JSON(http.StatusBadRequest, errorResponse("reprocessSession is required"))
		return
	}

	target := parking.Direction(strings.ToUpper(strings.TrimSpace(req.Direction)))
	result, err := h.reconciler.SetDirection(c.Request.Context(), c.Param("id"), target, *req.ReprocessSession, operatorFrom(c))
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

type discardRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) discardMovement(c *gin.Context) {
	var req discardRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	result, err := h.reconciler.Discard(c.Request.Context(), c.Param("id"), strings.TrimSpace(req.Reason), operatorFrom(c))
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) createMovement(c *gin.Context) {
	var payload parking.MovementPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	result, err := h.reconciler.IngestMovement(c.Request.Context(), payload, "http")
	if err != nil {
		h.handleError(c, err)
		return
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, successResponse(result))
}

func (h *Handler) listMovements(c *gin.Context) {
	limit := repository.DefaultLimit
	if l := c.Query("limit"); l != "" {
		if parsed, err := parseInt(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	offset := 0
	if o := c.Query("offset"); o != "" {
		if parsed, err := parseInt(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	movements, err := h.query.FindMovements(c.Request.Context(), service.MovementQuery{
		SiteID: strings.TrimSpace(c.Query("siteId")),
		VRM:    strings.TrimSpace(c.Query("vrm")),
		From:   strings.TrimSpace(c.Query("from")),
		To:     strings.TrimSpace(c.Query("to")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(movements))
}

func (h *Handler) getSession(c *gin.Context) {
	session, err := h.query.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(session))
}

func (h *Handler) listSessions(c *gin.Context) {
	sessions, err := h.query.ListVehicleSessions(c.Request.Context(),
		strings.TrimSpace(c.Query("siteId")), strings.TrimSpace(c.Query("vrm")))
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(sessions))
}

type rematchRequest struct {
	SiteID string `json:"siteId" binding:"required"`
	VRM    string `json:"vrm" binding:"required"`
}

func (h *Handler) rematchSessions(c *gin.Context) {
	var req rematchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	sessions, err := h.reconciler.Rematch(c.Request.Context(), req.SiteID, req.VRM)
	if err != nil {
		h.handleError(c, err)
		return
	}

	h.log.Info().
		Str("site_id", req.SiteID).
		Str("vrm", req.VRM).
		Str("operator", operatorFrom(c)).
		Msg("re-match requested")
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	case errors.Is(err, service.ErrInvalidOperation):
		c.JSON(http.StatusUnprocessableEntity, errorResponse(err.Error()))
	case errors.Is(err, service.ErrConcurrencyConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "retryable": true})
	default:
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("handler error")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
	}
}

func successResponse(data interface{}) gin.H {
	return gin.H{
		"data": data,
	}
}

func errorResponse(message string) gin.H {
	return gin.H{
		"error": message,
	}
}

func parseInt(s string) (int, error) {
	return strconv.Atoi(s)
}
