package handlers

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/medscan/internal/auth"
	"github.com/example/medscan/internal/media"
	"github.com/example/medscan/internal/prediction"
	"github.com/example/medscan/internal/preview"
	"github.com/example/medscan/internal/repository"
	"github.com/example/medscan/internal/session"
	"github.com/example/medscan/internal/usecase"
	"github.com/example/medscan/internal/workflow"
)

// MaxUploadSize is the default upper bound for a selected image.
const MaxUploadSize = 10 << 20

// multipartSlack covers boundaries and part headers around the file.
const multipartSlack = 64 << 10

// AnalysisService reports on recorded analyses.
type AnalysisService interface {
	GetAnalysis(ctx context.Context, userID, taskID string) (*repository.AnalysisLog, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// Handler serves the workflow API.
type Handler struct {
	sessions       *session.Manager
	previews       preview.Store
	analyses       AnalysisService
	logger         *zap.Logger
	maxUploadBytes int64
}

// NewHandler constructs a handler. analyses may be nil, in which case the
// reporting routes are not registered.
func NewHandler(sessions *session.Manager, previews preview.Store, analyses AnalysisService, maxUploadBytes int64, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxUploadBytes <= 0 {
		maxUploadBytes = MaxUploadSize
	}
	return &Handler{
		sessions:       sessions,
		previews:       previews,
		analyses:       analyses,
		logger:         logger.Named("handlers"),
		maxUploadBytes: maxUploadBytes,
	}
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, h *Handler, authMiddleware gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	secured := router.Group("")
	if authMiddleware != nil {
		secured.Use(authMiddleware)
	}

	secured.GET(preview.PathPrefix+":id", h.servePreview)

	api := secured.Group("/api")
	api.GET("/workflow", h.getWorkflow)
	api.POST("/workflow/select", h.selectFile)
	api.POST("/workflow/submit", h.submit)
	api.POST("/workflow/reset", h.reset)

	if h.analyses != nil {
		api.GET("/metrics", h.metrics)
		api.GET("/analyses/:id", h.getAnalysis)
	}
}

func (h *Handler) getWorkflow(c *gin.Context) {
	wf, ok := h.workflowFor(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, newWorkflowView(wf.Snapshot(), nil))
}

func (h *Handler) selectFile(c *gin.Context) {
	userID, ok := userIDFrom(c)
	if !ok {
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+multipartSlack)
	file, err := c.FormFile(prediction.FormField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return
	}
	if file.Size > h.maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
		return
	}

	data, err := readFormFile(file)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
		return
	}

	img, err := media.Validate(file.Filename, file.Header.Get("Content-Type"), data)
	switch {
	case errors.Is(err, media.ErrInvalidFileType):
		c.JSON(http.StatusUnsupportedMediaType, gin.H{
			"error": "Please select a PNG or JPEG image",
			"kind":  workflow.KindInvalidFileType,
		})
		return
	case errors.Is(err, media.ErrEmptyFile):
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is empty"})
		return
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	wf, err := h.sessions.Get(c.Request.Context(), userID)
	if err != nil {
		h.sessionError(c, err)
		return
	}
	if _, err := wf.SelectFile(c.Request.Context(), img); err != nil {
		if errors.Is(err, workflow.ErrClosed) {
			c.JSON(http.StatusConflict, gin.H{"error": "workflow expired, please retry"})
			return
		}
		h.logger.Error("select file failed", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store preview"})
		return
	}

	c.JSON(http.StatusOK, newWorkflowView(wf.Snapshot(), nil))
}

func (h *Handler) submit(c *gin.Context) {
	wf, ok := h.workflowFor(c)
	if !ok {
		return
	}

	task, err := wf.Submit(c.Request.Context())
	switch {
	case errors.Is(err, workflow.ErrNoFileSelected), errors.Is(err, workflow.ErrSubmitInFlight):
		c.JSON(http.StatusOK, newWorkflowView(wf.Snapshot(), nil))
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if wait, _ := strconv.ParseBool(c.Query("wait")); wait {
		if err := task.Wait(c.Request.Context()); err != nil {
			c.JSON(http.StatusAccepted, newWorkflowView(wf.Snapshot(), task))
			return
		}
		c.JSON(http.StatusOK, newWorkflowView(wf.Snapshot(), task))
		return
	}

	c.JSON(http.StatusAccepted, newWorkflowView(wf.Snapshot(), task))
}

func (h *Handler) reset(c *gin.Context) {
	wf, ok := h.workflowFor(c)
	if !ok {
		return
	}
	wf.Reset(c.Request.Context())
	c.JSON(http.StatusOK, newWorkflowView(wf.Snapshot(), nil))
}

func (h *Handler) servePreview(c *gin.Context) {
	obj, err := h.previews.Open(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, preview.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "preview not found"})
			return
		}
		h.logger.Error("open preview failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load preview"})
		return
	}
	c.Header("Cache-Control", "private, no-store")
	c.Data(http.StatusOK, obj.ContentType, obj.Data)
}

func (h *Handler) metrics(c *gin.Context) {
	summary, err := h.analyses.GetMetricsSummary(c.Request.Context())
	if err != nil {
		h.logger.Error("metrics summary failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load metrics"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) getAnalysis(c *gin.Context) {
	userID, ok := userIDFrom(c)
	if !ok {
		return
	}

	log, err := h.analyses.GetAnalysis(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			h.logger.Error("load analysis failed", zap.Error(err))
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "analysis not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"task_id":    log.TaskID,
		"file_name":  log.FileName,
		"outcome":    log.Outcome,
		"class":      log.Label,
		"confidence": log.Confidence,
		"message":    log.Message,
		"latency_ms": log.LatencyMs,
		"created_at": log.CreatedAt.Format(time.RFC3339),
	})
}

func (h *Handler) workflowFor(c *gin.Context) (*workflow.Workflow, bool) {
	userID, ok := userIDFrom(c)
	if !ok {
		return nil, false
	}
	wf, err := h.sessions.Get(c.Request.Context(), userID)
	if err != nil {
		h.sessionError(c, err)
		return nil, false
	}
	return wf, true
}

func (h *Handler) sessionError(c *gin.Context, err error) {
	if errors.Is(err, session.ErrShutdown) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func userIDFrom(c *gin.Context) (string, bool) {
	id, ok := auth.GetIdentity(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return "", false
	}
	return id.Subject, true
}

func readFormFile(file *multipart.FileHeader) ([]byte, error) {
	src, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer src.Close()
	return io.ReadAll(src)
}
