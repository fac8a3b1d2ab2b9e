package livefeed

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/facefinder/internal/logging"
)

// CameraService is the part of the detection service the controller drives.
type CameraService interface {
	StopCamera(ctx context.Context) error
	StreamURL(token string) string
}

// Session identifies one live streaming run. Token only defeats caching of the
// stream resource; the server attaches no meaning to it.
type Session struct {
	Token     string    `json:"token"`
	Active    bool      `json:"active"`
	StartedAt time.Time `json:"started_at"`
}

// ErrCameraBusy is returned by Start while another owner holds the camera.
var ErrCameraBusy = errors.New("camera is in use by another session")

// Controller starts and stops live sessions over the single camera owned by
// the detection service. One owner at a time may hold it.
type Controller struct {
	camera CameraService
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	lastToken int64
	owner     string
	current   Session
}

// NewController builds a controller over camera.
func NewController(camera CameraService, logger *zap.Logger) *Controller {
	return &Controller{
		camera: camera,
		logger: logger.Named("livefeed"),
		now:    time.Now,
	}
}

// Start opens a new local session for owner with a fresh token. It does not
// contact the server; the stream is pulled by whoever renders StreamURL.
// Callers must have obtained consent first.
func (c *Controller) Start(owner string) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current.Active && c.owner != owner {
		c.logger.Info("camera busy", zap.String("owner", c.owner), zap.String("requested_by", owner))
		return Session{}, ErrCameraBusy
	}

	now := c.now()
	token := now.UnixMilli()
	if token <= c.lastToken {
		token = c.lastToken + 1
	}
	c.lastToken = token

	c.owner = owner
	c.current = Session{
		Token:     strconv.FormatInt(token, 10),
		Active:    true,
		StartedAt: now,
	}
	c.logger.Info("live session started", zap.String("owner", owner), zap.String("token", c.current.Token))
	return c.current, nil
}

// Stop releases the camera held by owner and notifies the server. The local
// session becomes inactive whatever the outcome; a failed notification is
// reported once and not retried. Owners that do not hold the camera leave it
// alone.
func (c *Controller) Stop(ctx context.Context, owner string) error {
	c.mu.Lock()
	if !c.current.Active || c.owner != owner {
		c.mu.Unlock()
		c.logger.Debug("stop ignored, camera not held", zap.String("owner", owner))
		return nil
	}
	token := c.current.Token
	c.current.Active = false
	c.owner = ""
	c.mu.Unlock()

	if err := c.camera.StopCamera(ctx); err != nil {
		wrapped := logging.NewOperationError("livefeed.stop", token, err)
		c.logger.Error("failed to stop camera", zap.String("owner", owner), zap.Error(wrapped))
		return wrapped
	}
	c.logger.Info("live session stopped", zap.String("owner", owner), zap.String("token", token))
	return nil
}

// Current returns the latest session.
func (c *Controller) Current() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// StreamURL is the cache-busted address of the stream for session.
func (c *Controller) StreamURL(session Session) string {
	if session.Token == "" {
		return ""
	}
	return c.camera.StreamURL(session.Token)
}
