package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/smartfarmdiy/strawbydetet/internal/domain"
	"github.com/smartfarmdiy/strawbydetet/internal/handler/ml"
)

// Session контроллер сессии детекции, как его видит UI
type Session interface {
	SubmitImage(ctx context.Context, file domain.File) domain.Snapshot
	SubmitVideo(ctx context.Context, file domain.File) domain.Snapshot
	Cancel() domain.Snapshot
	Snapshot() domain.Snapshot
	Subscribe() (<-chan domain.Snapshot, func())
}

// Inference прямые вызовы сервиса в обход сессии (камера, health)
type Inference interface {
	SendCameraFrame(ctx context.Context, frame string) ([]byte, error)
	CameraCounts(ctx context.Context) (domain.ClassificationResult, error)
	StopCamera(ctx context.Context) error
	CheckHealth(ctx context.Context) error
}

type Handler struct {
	session   Session
	inference Inference
	maxUpload int64
	log       zerolog.Logger
}

func NewHandler(session Session, inference Inference, maxUpload int64, log zerolog.Logger) *Handler {
	return &Handler{
		session:   session,
		inference: inference,
		maxUpload: maxUpload,
		log:       log.With().Str("component", "http").Logger(),
	}
}

// Register вешает маршруты API на роутер
func (h *Handler) Register(r gin.IRouter) {
	api := r.Group("/api")

	s := api.Group("/session")
	s.GET("", h.GetSession)
	s.DELETE("", h.CancelSession)
	s.POST("/image", h.SubmitImage)
	s.POST("/video", h.SubmitVideo)
	s.GET("/events", h.Events)

	cam := api.Group("/camera")
	cam.POST("/frame", h.CameraFrame)
	cam.GET("/counts", h.CameraCounts)
	cam.POST("/stop", h.StopCamera)

	r.GET("/health", h.HealthHandler)
}

// SubmitImage обрабатывает POST /api/session/image (поле image)
func (h *Handler) SubmitImage(c *gin.Context) {
	h.submit(c, "image", h.session.SubmitImage)
}

// SubmitVideo обрабатывает POST /api/session/video (поле video)
func (h *Handler) SubmitVideo(c *gin.Context) {
	h.submit(c, "video", h.session.SubmitVideo)
}

func (h *Handler) submit(c *gin.Context, field string, fn func(context.Context, domain.File) domain.Snapshot) {
	if h.maxUpload > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)
	}

	header, err := c.FormFile(field)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(c, "File is too large", http.StatusRequestEntityTooLarge)
			return
		}
		h.log.Debug().Err(err).Str("field", field).Msg("read file from form")
		respondError(c, fmt.Sprintf("No %s uploaded", field), http.StatusBadRequest)
		return
	}

	snap := fn(c.Request.Context(), fileFromHeader(header))
	c.JSON(statusFor(snap), snap)
}

// GetSession текущее состояние
func (h *Handler) GetSession(c *gin.Context) {
	c.JSON(http.StatusOK, h.session.Snapshot())
}

// CancelSession кнопка «очистить» в UI
func (h *Handler) CancelSession(c *gin.Context) {
	c.JSON(http.StatusOK, h.session.Cancel())
}

// Events отдаёт снимки состояния как server-sent events
func (h *Handler) Events(c *gin.Context) {
	updates, unsubscribe := h.session.Subscribe()
	defer unsubscribe()

	c.Stream(func(w io.Writer) bool {
		select {
		case snap, ok := <-updates:
			if !ok {
				return false
			}
			c.SSEvent("session", snap)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

type cameraFrameRequest struct {
	Image string `json:"image" binding:"required"`
}

// CameraFrame передаёт кадр камеры в сервис и возвращает размеченный JPEG
func (h *Handler) CameraFrame(c *gin.Context) {
	var req cameraFrameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, "No image data provided", http.StatusBadRequest)
		return
	}

	jpeg, err := h.inference.SendCameraFrame(c.Request.Context(), req.Image)
	if err != nil {
		h.upstreamError(c, "camera frame", err)
		return
	}
	c.Data(http.StatusOK, "image/jpeg", jpeg)
}

func (h *Handler) CameraCounts(c *gin.Context) {
	counts, err := h.inference.CameraCounts(c.Request.Context())
	if err != nil {
		h.upstreamError(c, "camera counts", err)
		return
	}
	c.JSON(http.StatusOK, counts)
}

func (h *Handler) StopCamera(c *gin.Context) {
	if err := h.inference.StopCamera(c.Request.Context()); err != nil {
		h.upstreamError(c, "stop camera", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": "Camera stopped"})
}

// HealthHandler проверка здоровья сервиса и доступности ML-сервиса
func (h *Handler) HealthHandler(c *gin.Context) {
	if err := h.inference.CheckHealth(c.Request.Context()); err != nil {
		h.log.Warn().Err(err).Msg("inference service unavailable")
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "inference": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "inference": "ok"})
}

func (h *Handler) upstreamError(c *gin.Context, op string, err error) {
	h.log.Error().Err(err).Str("op", op).Msg("inference call failed")

	var se *ml.ServiceError
	switch {
	case errors.Is(err, ml.ErrUnauthorized):
		respondError(c, "Not authorized", http.StatusUnauthorized)
	case errors.Is(err, ml.ErrTimeout):
		respondError(c, "The inference service did not respond in time", http.StatusGatewayTimeout)
	case errors.As(err, &se):
		respondError(c, se.Message, http.StatusBadGateway)
	default:
		respondError(c, "Could not reach the inference service", http.StatusBadGateway)
	}
}

func fileFromHeader(header *multipart.FileHeader) domain.File {
	mediaType := header.Header.Get("Content-Type")
	if mediaType == "" || mediaType == "application/octet-stream" {
		if guessed := mime.TypeByExtension(filepath.Ext(header.Filename)); guessed != "" {
			mediaType = guessed
		}
	}
	return domain.File{
		Name:      header.Filename,
		MediaType: mediaType,
		Size:      header.Size,
		Open: func() (io.ReadCloser, error) {
			return header.Open()
		},
	}
}

// statusFor переводит ошибку сессии в HTTP-статус, в теле всегда снимок
func statusFor(snap domain.Snapshot) int {
	if snap.LastError == nil {
		return http.StatusOK
	}
	switch snap.LastError.Kind {
	case domain.ErrValidation:
		return http.StatusBadRequest
	case domain.ErrRateLimited:
		return http.StatusTooManyRequests
	case domain.ErrAuth:
		return http.StatusUnauthorized
	case domain.ErrTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func respondError(c *gin.Context, message string, status int) {
	c.AbortWithStatusJSON(status, gin.H{"error": message})
}
