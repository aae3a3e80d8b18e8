package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"tirescan-service/internal/config"
	"tirescan-service/internal/dispatch"
	"tirescan-service/internal/domain/vehicle"
	"tirescan-service/internal/service"
	"tirescan-service/internal/status"
)

type Handler struct {
	sessions   *service.SessionService
	dispatcher *dispatch.Dispatcher
	bus        *status.Bus
	config     *config.Config
	log        zerolog.Logger
}

func NewHandler(
	sessions *service.SessionService,
	dispatcher *dispatch.Dispatcher,
	bus *status.Bus,
	cfg *config.Config,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		sessions:   sessions,
		dispatcher: dispatcher,
		bus:        bus,
		config:     cfg,
		log:        log,
	}
}

func (h *Handler) Register(r *gin.Engine, authMiddleware gin.HandlerFunc) {
	r.GET("/healthz", h.health)

	r.POST("/session", h.startSession)
	r.GET("/session/:session_id", h.getSession)
	r.POST("/session/:session_id/upload/license", h.uploadLicense)
	r.POST("/session/:session_id/upload/tire-brand", h.uploadTireBrand)
	r.GET("/session/:session_id/status", h.streamStatus)

	// Protected endpoints
	protected := r.Group("/api/v1")
	protected.Use(authMiddleware)
	{
		protected.GET("/sessions", h.listSessions)
	}
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) startSession(c *gin.Context) {
	id := h.sessions.NewID()
	if err := h.sessions.Initialize(c.Request.Context(), id); err != nil {
		h.log.Error().Err(err).Msg("failed to start session")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session_id": id})
}

func (h *Handler) getSession(c *gin.Context) {
	id := c.Param("session_id")
	if !h.sessions.ValidFormat(id) {
		c.JSON(http.StatusBadRequest, errorResponse("malformed session id"))
		return
	}

	// A well-formed id without a record is (re)initialized so a client
	// can resume a session from a bookmarked page.
	if !h.sessions.Validate(c.Request.Context(), id) {
		if err := h.sessions.Initialize(c.Request.Context(), id); err != nil {
			h.log.Error().Err(err).Str("session_id", id).Msg("failed to reinitialize session")
			c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
			return
		}
	}

	session, err := h.sessions.Get(c.Request.Context(), id)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(session))
}

func (h *Handler) uploadLicense(c *gin.Context) {
	h.handleUpload(c, vehicle.StageLicense)
}

func (h *Handler) uploadTireBrand(c *gin.Context) {
	h.handleUpload(c, vehicle.StageTireBrand)
}

// handleUpload saves the artifact and dispatches a pipeline run. It
// replies 202 before any stage executes; everything downstream is
// reported on the status stream.
func (h *Handler) handleUpload(c *gin.Context, kind vehicle.Stage) {
	id := c.Param("session_id")
	if !h.sessions.ValidFormat(id) {
		c.JSON(http.StatusBadRequest, errorResponse("malformed session id"))
		return
	}

	file, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("No image file provided"))
		return
	}

	if !h.sessions.Validate(c.Request.Context(), id) {
		if err := h.sessions.Initialize(c.Request.Context(), id); err != nil {
			h.log.Error().Err(err).Str("session_id", id).Msg("failed to initialize session for upload")
			c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
			return
		}
	}

	dst := filepath.Join(h.config.Upload.Dir, fmt.Sprintf("%s_%s.jpg", kind, id))
	if err := c.SaveUploadedFile(file, dst); err != nil {
		h.log.Error().Err(err).Str("session_id", id).Msg("failed to save uploaded file")
		c.JSON(http.StatusInternalServerError, errorResponse("Failed to save uploaded file"))
		return
	}

	err = h.dispatcher.Dispatch(dispatch.Task{
		ArtifactPath: dst,
		SessionID:    id,
		Kind:         kind,
	})
	if err != nil {
		if errors.Is(err, dispatch.ErrBusy) {
			c.JSON(http.StatusServiceUnavailable, errorResponse("server busy, try again later"))
			return
		}
		h.log.Error().Err(err).Str("session_id", id).Msg("failed to dispatch pipeline run")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"message": "File upload started"})
}

// streamStatus drains the session's status channel onto an SSE
// connection: heartbeats on idle, terminal frame on Done, silent stop on
// client disconnect.
func (h *Handler) streamStatus(c *gin.Context) {
	id := c.Param("session_id")
	if !h.sessions.ValidFormat(id) {
		c.JSON(http.StatusBadRequest, errorResponse("malformed session id"))
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	sub := h.bus.Subscribe(id)
	defer h.bus.Release(id)

	ctx := c.Request.Context()
	log := h.log.With().Str("session_id", id).Str("client", c.ClientIP()).Logger()
	log.Info().Msg("status stream opened")

	for {
		ev, err := sub.Next(ctx, h.config.Stream.Heartbeat)
		switch {
		case errors.Is(err, status.ErrTimeout):
			if writeErr := writeFrame(c, vehicle.Heartbeat{}); writeErr != nil {
				log.Info().Msg("client disconnected")
				return
			}
		case err != nil:
			// Request context cancelled: the client went away.
			log.Info().Msg("client disconnected")
			return
		default:
			if writeErr := writeFrame(c, ev); writeErr != nil {
				log.Info().Msg("client disconnected")
				return
			}
			if _, done := ev.(vehicle.Done); done {
				log.Info().Msg("status stream completed")
				return
			}
		}
	}
}

func writeFrame(c *gin.Context, ev vehicle.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		// Best-effort error frame, then give up on the stream.
		fmt.Fprintf(c.Writer, "data: {\"type\":\"error\",\"message\":\"internal error\"}\n\n")
		c.Writer.Flush()
		return err
	}
	if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", payload); err != nil {
		return err
	}
	c.Writer.Flush()
	return nil
}

func (h *Handler) listSessions(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	offset := 0
	if o := c.Query("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	sessions, err := h.sessions.List(c.Request.Context(), limit, offset)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list sessions")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
		return
	}
	c.JSON(http.StatusOK, successResponse(sessions))
}

func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	default:
		h.log.Error().Err(err).Msg("handler error")
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
