package session

import (
	"context"
	"errors"
	"sync"

	evbus "github.com/asaskevich/EventBus"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/facefinder/internal/detector"
	"github.com/example/facefinder/internal/livefeed"
	"github.com/example/facefinder/internal/logging"
)

// TopicStateChanged is published with (sessionID string, state State) after
// every applied transition.
const TopicStateChanged = "session:state_changed"

const (
	detectFailedMessage = "Failed to detect faces. Please try again."
	stopFailedMessage   = "Failed to stop the camera feed."
)

var (
	// ErrConsentRefused is returned when the user declines camera access.
	ErrConsentRefused = errors.New("camera access was not allowed")
	// ErrNotInImageMode is returned by ResetImage outside image mode.
	ErrNotInImageMode = errors.New("no image selected")
)

// Uploader runs one detection request and waits for its outcome.
type Uploader interface {
	Detect(ctx context.Context, sessionID, requestID string, image *detector.Image) (*detector.Result, error)
}

// LiveFeed starts and stops live streaming sessions on behalf of an owner.
type LiveFeed interface {
	Start(owner string) (livefeed.Session, error)
	Stop(ctx context.Context, owner string) error
	StreamURL(session livefeed.Session) string
}

// Config wires a Machine to its collaborators. Bus may be nil.
type Config struct {
	ID       string
	Uploader Uploader
	LiveFeed LiveFeed
	Bus      evbus.Bus
	Logger   *zap.Logger
}

// Machine is the per-user session controller. User operations are serialized
// and update the visible state before they return; detection requests resolve
// in the background.
type Machine struct {
	id       string
	uploader Uploader
	live     LiveFeed
	bus      evbus.Bus
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	opMu sync.Mutex

	mu         sync.Mutex
	state      State
	liveCtx    context.Context
	liveCancel context.CancelFunc
}

// NewMachine returns a Machine in the Idle state.
func NewMachine(cfg Config) *Machine {
	ctx, cancel := context.WithCancel(context.Background())
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		id:       cfg.ID,
		uploader: cfg.Uploader,
		live:     cfg.LiveFeed,
		bus:      cfg.Bus,
		logger:   logging.WithSession(logger.Named("session"), cfg.ID),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// ID returns the session identifier.
func (m *Machine) ID() string {
	return m.id
}

// Snapshot returns the current state.
func (m *Machine) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// StreamURL is the address of the live stream, empty outside live mode.
func (m *Machine) StreamURL() string {
	s := m.Snapshot()
	if s.Mode != LiveMode {
		return ""
	}
	return m.live.StreamURL(s.Live)
}

// LiveStream returns the running live session and a context that is done as
// soon as the session leaves live mode. ok is false outside live mode.
func (m *Machine) LiveStream() (session livefeed.Session, ctx context.Context, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Mode != LiveMode || m.liveCtx == nil {
		return livefeed.Session{}, nil, false
	}
	return m.state.Live, m.liveCtx, true
}

// SelectImage enters image mode with image and dispatches exactly one
// detection request for it. A live session is stopped first. The returned
// state already shows the image as processing.
func (m *Machine) SelectImage(ctx context.Context, image detector.Image) (State, error) {
	if image.Empty() {
		return m.Snapshot(), detector.ErrEmptyImage
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	requestID := uuid.NewString()
	wasLive := m.Snapshot().Mode == LiveMode
	next := m.apply(imageSelected{image: newUploadedImage(image, requestID)})
	seq := next.Seq

	if wasLive {
		m.endLive()
		_ = m.stopLive(ctx, seq)
	}

	m.wg.Add(1)
	go m.detect(seq, requestID, next.Image.Image)

	return m.Snapshot(), nil
}

// ToggleLive stops a running live session, or starts one after consent.
// Refusal leaves the state untouched and issues no request. Starting fails
// with livefeed.ErrCameraBusy while another session holds the camera.
func (m *Machine) ToggleLive(ctx context.Context, consent Consent) (State, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if m.Snapshot().Mode == LiveMode {
		next := m.apply(liveStopped{})
		m.endLive()
		if err := m.stopLive(ctx, next.Seq); err != nil {
			return m.Snapshot(), err
		}
		return m.Snapshot(), nil
	}

	if consent == nil || !consent.Confirm(ctx, CameraPrompt) {
		m.logger.Info("camera consent refused")
		return m.Snapshot(), ErrConsentRefused
	}

	session, err := m.live.Start(m.id)
	if err != nil {
		m.logger.Info("live session not started", zap.Error(err))
		return m.Snapshot(), err
	}

	liveCtx, liveCancel := context.WithCancel(m.ctx)
	m.mu.Lock()
	m.liveCtx, m.liveCancel = liveCtx, liveCancel
	m.mu.Unlock()
	return m.apply(liveStarted{session: session}), nil
}

// ResetImage discards the image, its result and any error, returning to Idle.
func (m *Machine) ResetImage() (State, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if m.Snapshot().Mode != ImageMode {
		return m.Snapshot(), ErrNotInImageMode
	}
	return m.apply(imageReset{}), nil
}

// Wait blocks until every in-flight detection request has resolved.
func (m *Machine) Wait() {
	m.wg.Wait()
}

// Close abandons in-flight requests and waits for them to return.
func (m *Machine) Close() {
	m.cancel()
	m.wg.Wait()
}

func (m *Machine) detect(seq uint64, requestID string, image detector.Image) {
	defer m.wg.Done()

	result, err := m.uploader.Detect(m.ctx, m.id, requestID, &image)
	if err != nil {
		m.logger.Warn("detection failed",
			zap.String("request_id", requestID),
			zap.String("failed_operation", logging.OperationOf(err)),
			zap.Error(err))
		m.resolve(seq, detectFailed{seq: seq, message: detectFailedMessage})
		return
	}
	m.resolve(seq, detectSucceeded{seq: seq, result: result})
}

// stopLive notifies the server; local state has already left live mode.
func (m *Machine) stopLive(ctx context.Context, seq uint64) error {
	if err := m.live.Stop(ctx, m.id); err != nil {
		m.resolve(seq, stopFailed{seq: seq, message: stopFailedMessage})
		return err
	}
	return nil
}

// endLive ends every stream observing the live session.
func (m *Machine) endLive() {
	m.mu.Lock()
	cancel := m.liveCancel
	m.liveCtx, m.liveCancel = nil, nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (m *Machine) resolve(seq uint64, ev event) {
	m.mu.Lock()
	if stale(m.state, seq) {
		current := m.state.Seq
		m.mu.Unlock()
		m.logger.Debug("discarding stale resolution", zap.Uint64("seq", seq), zap.Uint64("current_seq", current))
		return
	}
	next := transition(m.state, ev)
	m.state = next
	m.mu.Unlock()
	m.publish(next)
}

func (m *Machine) apply(ev event) State {
	m.mu.Lock()
	next := transition(m.state, ev)
	m.state = next
	m.mu.Unlock()
	m.publish(next)
	return next
}

func (m *Machine) publish(next State) {
	m.logger.Debug("session state changed",
		zap.Stringer("mode", next.Mode),
		zap.Bool("processing", next.Processing),
		zap.String("error", next.Error),
		zap.Uint64("seq", next.Seq))
	if m.bus != nil {
		m.bus.Publish(TopicStateChanged, m.id, next)
	}
}
