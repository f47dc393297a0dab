package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"plate-alert-service/internal/domain/detection"
	"plate-alert-service/internal/pipeline"
	"plate-alert-service/internal/repository"
	"plate-alert-service/internal/utils"
)

type Handler struct {
	orchestrator *pipeline.Orchestrator
	repo         *repository.Repository
	log          zerolog.Logger
}

func NewHandler(orchestrator *pipeline.Orchestrator, repo *repository.Repository, log zerolog.Logger) *Handler {
	return &Handler{
		orchestrator: orchestrator,
		repo:         repo,
		log:          log,
	}
}

func (h *Handler) Register(r *gin.Engine, authMiddleware gin.HandlerFunc) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Public endpoints
	public := r.Group("/api/v1")
	{
		public.POST("/captures", h.submitCapture)
		public.GET("/events", h.listEvents)
		public.GET("/stats", h.stats)
	}

	// Directory management, consumed by the external UI layer
	protected := r.Group("/api/v1")
	protected.Use(authMiddleware)
	{
		protected.POST("/owners", h.createOwner)
		protected.POST("/plates", h.createPlate)
		protected.GET("/plates", h.listPlates)
		protected.POST("/plates/:id/deactivate", h.deactivatePlate)
	}
}

type capturePayload struct {
	ImageRef string `json:"image_ref"`
	CameraID string `json:"camera_id"`
	Location string `json:"location"`
}

func (h *Handler) submitCapture(c *gin.Context) {
	var payload capturePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	event, err := h.orchestrator.SubmitCapture(c.Request.Context(), detection.Capture{
		ImageRef:    payload.ImageRef,
		CameraID:    payload.CameraID,
		Location:    payload.Location,
		SubmittedAt: time.Now(),
	})
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrInvalidInput):
			c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		case errors.Is(err, pipeline.ErrBackpressure):
			c.JSON(http.StatusServiceUnavailable, errorResponse(err.Error()))
		default:
			h.log.Error().Err(err).Msg("failed to process capture")
			c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
		}
		return
	}

	c.JSON(http.StatusOK, successResponse(event))
}

func (h *Handler) listEvents(c *gin.Context) {
	var filter detection.EventFilter

	if plate := strings.TrimSpace(c.Query("plate")); plate != "" {
		normalized := utils.NormalizePlate(plate)
		filter.Plate = &normalized
	}
	if camera := strings.TrimSpace(c.Query("camera_id")); camera != "" {
		filter.CameraID = &camera
	}
	if from := strings.TrimSpace(c.Query("from")); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse("invalid from time format"))
			return
		}
		filter.From = &t
	}
	if to := strings.TrimSpace(c.Query("to")); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse("invalid to time format"))
			return
		}
		filter.To = &t
	}

	filter.Limit = 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			filter.Limit = parsed
		}
	}
	if o := c.Query("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			filter.Offset = parsed
		}
	}

	events, err := h.orchestrator.RecentEvents(c.Request.Context(), filter)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to find events")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
		return
	}

	c.JSON(http.StatusOK, successResponse(events))
}

func (h *Handler) stats(c *gin.Context) {
	stats, err := h.orchestrator.Stats(c.Request.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("failed to compute stats")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
		return
	}
	c.JSON(http.StatusOK, successResponse(stats))
}

type ownerPayload struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

func (h *Handler) createOwner(c *gin.Context) {
	var payload ownerPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	if strings.TrimSpace(payload.Name) == "" {
		c.JSON(http.StatusBadRequest, errorResponse("name is required"))
		return
	}
	if !utils.ValidPhone(payload.Phone) {
		c.JSON(http.StatusBadRequest, errorResponse("invalid phone number"))
		return
	}

	owner := detection.Owner{Name: strings.TrimSpace(payload.Name), Phone: payload.Phone}
	if err := h.repo.CreateOwner(c.Request.Context(), &owner); err != nil {
		h.log.Error().Err(err).Msg("failed to create owner")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
		return
	}
	c.JSON(http.StatusCreated, successResponse(owner))
}

type platePayload struct {
	OwnerID   int64  `json:"owner_id"`
	Number    string `json:"number"`
	IsPrimary bool   `json:"is_primary"`
}

func (h *Handler) createPlate(c *gin.Context) {
	var payload platePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	if payload.OwnerID <= 0 {
		c.JSON(http.StatusBadRequest, errorResponse("owner_id is required"))
		return
	}
	if !utils.ValidPlateFormat(payload.Number) {
		c.JSON(http.StatusBadRequest, errorResponse("invalid plate format, expected e.g. GR-1234-21"))
		return
	}

	normalized := utils.NormalizePlate(payload.Number)
	plate, err := h.repo.CreatePlate(c.Request.Context(), payload.OwnerID, strings.ToUpper(strings.TrimSpace(payload.Number)), normalized, payload.IsPrimary)
	if err != nil {
		if errors.Is(err, repository.ErrDuplicatePlate) {
			c.JSON(http.StatusConflict, errorResponse(err.Error()))
			return
		}
		h.log.Error().Err(err).Msg("failed to create plate")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
		return
	}
	c.JSON(http.StatusCreated, successResponse(plate))
}

func (h *Handler) listPlates(c *gin.Context) {
	var ownerID *int64
	if o := strings.TrimSpace(c.Query("owner_id")); o != "" {
		parsed, err := strconv.ParseInt(o, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse("invalid owner_id"))
			return
		}
		ownerID = &parsed
	}

	plates, err := h.repo.ListPlates(c.Request.Context(), ownerID)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list plates")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
		return
	}
	c.JSON(http.StatusOK, successResponse(plates))
}

func (h *Handler) deactivatePlate(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid plate id"))
		return
	}
	if err := h.repo.DeactivatePlate(c.Request.Context(), id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, errorResponse("plate not found"))
			return
		}
		h.log.Error().Err(err).Int64("plate_id", id).Msg("failed to deactivate plate")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
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
