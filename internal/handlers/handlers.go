package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/facefinder/internal/auth"
	"github.com/example/facefinder/internal/detector"
	"github.com/example/facefinder/internal/livefeed"
	"github.com/example/facefinder/internal/session"
	"github.com/example/facefinder/internal/upload"
)

// MaxUploadSize bounds the accepted image size.
const MaxUploadSize = 10 << 20

// multipartOverhead leaves room for boundaries and part headers.
const multipartOverhead = 64 << 10

// StatusLookup resolves the cached status of an upload request.
type StatusLookup interface {
	Lookup(ctx context.Context, requestID string) (string, *upload.Record, error)
}

// StreamOpener opens the remote live stream for a token.
type StreamOpener interface {
	OpenStream(ctx context.Context, token string) (string, io.ReadCloser, error)
}

// Dependencies are the collaborators behind the routes. Lookup and Metrics may be nil.
type Dependencies struct {
	Sessions *session.Registry
	Lookup   StatusLookup
	Metrics  upload.MetricsSource
	Streams  StreamOpener
	Logger   *zap.Logger
}

type liveView struct {
	Token     string `json:"token"`
	Active    bool   `json:"active"`
	StreamURL string `json:"stream_url"`
}

type sessionView struct {
	Mode         session.Mode    `json:"mode"`
	Processing   bool            `json:"processing"`
	Error        string          `json:"error,omitempty"`
	RequestID    string          `json:"request_id,omitempty"`
	Faces        []detector.Face `json:"faces"`
	FaceCount    int             `json:"face_count"`
	EyeCount     int             `json:"eye_count"`
	Summary      string          `json:"summary,omitempty"`
	DisplayImage string          `json:"display_image,omitempty"`
	Live         *liveView       `json:"live,omitempty"`
}

type toggleLiveRequest struct {
	Consent bool `json:"consent"`
}

func newSessionView(m *session.Machine, s session.State) sessionView {
	view := sessionView{
		Mode:       s.Mode,
		Processing: s.Processing,
		Error:      s.Error,
	}
	switch s.Mode {
	case session.ImageMode:
		if s.Image != nil {
			view.RequestID = s.Image.RequestID
		}
		if s.Result != nil {
			view.Faces = s.Result.Faces
		}
		view.FaceCount = s.Result.FaceCount()
		view.EyeCount = s.Result.TotalEyes()
		view.Summary = s.Summary()
		view.DisplayImage = s.DisplayImage()
	case session.LiveMode:
		view.Live = &liveView{Token: s.Live.Token, Active: s.Live.Active, StreamURL: m.StreamURL()}
	}
	return view
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, deps Dependencies, authMiddleware gin.HandlerFunc) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("handlers")

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/")
	protected.Use(authMiddleware)

	protected.GET("/session", func(c *gin.Context) {
		m := machineFor(c, deps.Sessions)
		c.JSON(http.StatusOK, newSessionView(m, m.Snapshot()))
	})

	protected.POST("/session/image", func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartOverhead)

		file, err := c.FormFile("image")
		if err != nil {
			if isTooLarge(err) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
			return
		}
		if file.Size > MaxUploadSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
			return
		}

		src, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
			return
		}
		defer src.Close()

		data, err := io.ReadAll(src)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
			return
		}
		if len(data) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "image file is empty"})
			return
		}

		detected := mimetype.Detect(data)
		if !strings.HasPrefix(detected.String(), "image/") {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported image type " + detected.String()})
			return
		}

		m := machineFor(c, deps.Sessions)
		state, err := m.SelectImage(c.Request.Context(), detector.Image{
			Data:        data,
			Filename:    file.Filename,
			ContentType: detected.String(),
		})
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, newSessionView(m, state))
	})

	protected.POST("/session/reset", func(c *gin.Context) {
		m := machineFor(c, deps.Sessions)
		state, err := m.ResetImage()
		if errors.Is(err, session.ErrNotInImageMode) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, newSessionView(m, state))
	})

	protected.POST("/session/live", func(c *gin.Context) {
		var req toggleLiveRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		m := machineFor(c, deps.Sessions)
		state, err := m.ToggleLive(c.Request.Context(), session.StaticConsent(req.Consent))
		switch {
		case errors.Is(err, session.ErrConsentRefused):
			c.JSON(http.StatusForbidden, newSessionView(m, state))
		case errors.Is(err, livefeed.ErrCameraBusy):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "mode": state.Mode})
		case err != nil:
			logger.Warn("live session stop notification failed", zap.String("session_id", m.ID()), zap.Error(err))
			c.JSON(http.StatusBadGateway, newSessionView(m, state))
		default:
			c.JSON(http.StatusOK, newSessionView(m, state))
		}
	})

	protected.GET("/session/image", func(c *gin.Context) {
		m := machineFor(c, deps.Sessions)
		contentType, data, err := m.Snapshot().DisplayImageBytes()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to decode image"})
			return
		}
		if len(data) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "no image"})
			return
		}
		c.Data(http.StatusOK, contentType, data)
	})

	protected.GET("/session/stream", func(c *gin.Context) {
		m := machineFor(c, deps.Sessions)
		live, liveCtx, ok := m.LiveStream()
		if !ok || deps.Streams == nil {
			c.JSON(http.StatusConflict, gin.H{"error": "live feed is not running"})
			return
		}

		// The relay ends with the request or with the live session.
		ctx, cancel := context.WithCancel(c.Request.Context())
		defer cancel()
		stopWithSession := context.AfterFunc(liveCtx, cancel)
		defer stopWithSession()

		contentType, body, err := deps.Streams.OpenStream(ctx, live.Token)
		if err != nil {
			logger.Warn("failed to open live stream", zap.String("session_id", m.ID()), zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": "failed to open live stream"})
			return
		}
		defer body.Close()
		closeOnCancel := context.AfterFunc(ctx, func() { _ = body.Close() })
		defer closeOnCancel()

		c.Header("Content-Type", contentType)
		c.Header("Cache-Control", "no-cache, no-store")
		c.Status(http.StatusOK)

		buf := make([]byte, 32<<10)
		c.Stream(func(w io.Writer) bool {
			n, err := body.Read(buf)
			if n > 0 {
				if _, werr := w.Write(buf[:n]); werr != nil {
					return false
				}
			}
			return err == nil
		})
		logger.Debug("live stream relay ended", zap.String("session_id", m.ID()), zap.String("token", live.Token))
	})

	protected.GET("/detections/:id", func(c *gin.Context) {
		if deps.Lookup == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "status cache disabled"})
			return
		}
		requestID := c.Param("id")
		status, record, err := deps.Lookup.Lookup(c.Request.Context(), requestID)
		if err != nil {
			if upload.IsMiss(err) {
				c.JSON(http.StatusNotFound, gin.H{"error": "detection not found"})
				return
			}
			logger.Error("detection lookup failed", zap.String("request_id", requestID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
			return
		}
		owner, _ := auth.SessionOwner(c.Request.Context())
		if record == nil || record.SessionID != owner {
			c.JSON(http.StatusNotFound, gin.H{"error": "detection not found"})
			return
		}
		if status == upload.StatusProcessing {
			c.JSON(http.StatusOK, gin.H{"request_id": requestID, "status": status})
			return
		}
		c.JSON(http.StatusOK, gin.H{"request_id": requestID, "status": status, "record": record})
	})

	protected.GET("/metrics/summary", func(c *gin.Context) {
		if deps.Metrics == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history disabled"})
			return
		}
		summary, err := upload.GetMetricsSummary(c.Request.Context(), deps.Metrics)
		if err != nil {
			logger.Error("metrics aggregation failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "metrics unavailable"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

func machineFor(c *gin.Context, sessions *session.Registry) *session.Machine {
	owner, _ := auth.SessionOwner(c.Request.Context())
	return sessions.Get(owner)
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return true
	}
	return strings.Contains(err.Error(), "request body too large")
}
