package upload

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/facefinder/internal/detector"
	"github.com/example/facefinder/internal/logging"
	"github.com/example/facefinder/internal/repository"
)

// ErrEmptyImage is returned when detect is asked to send nothing.
var ErrEmptyImage = detector.ErrEmptyImage

// Request statuses reported by Lookup.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// ErrNotFound is returned by Lookup when neither the cache nor the history
// knows the request.
var ErrNotFound = errors.New("detection not found")

// History persists detection outcomes and answers for requests that have
// left the cache.
type History interface {
	SaveLog(ctx context.Context, log *repository.DetectionLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.DetectionLog, error)
}

// Record is the cached view of a detection request. While the request is in
// flight only the identifiers and Status are set.
type Record struct {
	RequestID string           `json:"request_id"`
	SessionID string           `json:"session_id"`
	Status    string           `json:"status"`
	Success   bool             `json:"success"`
	Error     string           `json:"error,omitempty"`
	FaceCount int              `json:"face_count"`
	EyeCount  int              `json:"eye_count"`
	Result    *detector.Result `json:"result,omitempty"`
	Hash      string           `json:"sha1_hash"`
	CreatedAt time.Time        `json:"created_at"`
}

// Coordinator owns the lifecycle of single detect requests. Cache and history
// are optional; their failures are logged and never change a detect outcome.
type Coordinator struct {
	client         detector.Client
	cache          Cache
	history        History
	logger         *zap.Logger
	now            func() time.Time
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewCoordinator constructs a coordinator. cache and history may be nil.
func NewCoordinator(client detector.Client, cache Cache, history History, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		client:         client,
		cache:          cache,
		history:        history,
		logger:         logger.Named("upload_coordinator"),
		now:            time.Now,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// NewRequestID issues an identifier for one detect call.
func NewRequestID() string {
	return uuid.NewString()
}

// Detect sends image to the detection service exactly once and waits for the answer.
func (c *Coordinator) Detect(ctx context.Context, sessionID, requestID string, image *detector.Image) (*detector.Result, error) {
	if image.Empty() {
		return nil, logging.NewOperationError("upload.detect", requestID, ErrEmptyImage)
	}
	if requestID == "" {
		requestID = NewRequestID()
	}
	opLogger := logging.WithSession(logging.WithOperation(c.logger, "upload.detect", requestID), sessionID)

	c.cacheRecord(ctx, opLogger, "cache.set.processing", Record{
		RequestID: requestID,
		SessionID: sessionID,
		Status:    StatusProcessing,
		CreatedAt: c.now().UTC(),
	}, time.Minute)

	started := c.now()
	result, err := c.client.DetectFaces(ctx, image)
	latency := c.now().Sub(started)

	hash := sha1.Sum(image.Data)
	record := Record{
		RequestID: requestID,
		SessionID: sessionID,
		Status:    StatusCompleted,
		Success:   err == nil,
		Hash:      hex.EncodeToString(hash[:]),
		CreatedAt: c.now().UTC(),
	}
	if err != nil {
		record.Status = StatusFailed
		record.Error = err.Error()
		opLogger.Error("face detection failed", zap.Error(err), zap.Duration("latency", latency))
	} else {
		record.Result = result
		record.FaceCount = result.FaceCount()
		record.EyeCount = result.TotalEyes()
		opLogger.Info("face detection completed",
			zap.Int("faces", record.FaceCount),
			zap.Int("eyes", record.EyeCount),
			zap.Duration("latency", latency))
	}

	c.persist(ctx, opLogger, record, latency)
	c.cacheRecord(ctx, opLogger, "cache.set.result", record, 5*time.Minute)

	if err != nil {
		return nil, logging.NewOperationError("upload.detect", requestID, err)
	}
	return result, nil
}

// Lookup returns the status of a request together with its record. Requests
// that have expired from the cache are answered from the history.
func (c *Coordinator) Lookup(ctx context.Context, requestID string) (string, *Record, error) {
	record, err := c.lookupCache(ctx, requestID)
	if err == nil {
		return record.Status, record, nil
	}
	if c.history == nil || (c.cache != nil && !IsMiss(err)) {
		return "", nil, err
	}

	log, err := c.history.FindByRequestID(ctx, requestID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil, logging.NewOperationError("upload.lookup", requestID, ErrNotFound)
		}
		return "", nil, err
	}
	record = recordFromLog(log)
	return record.Status, record, nil
}

func (c *Coordinator) lookupCache(ctx context.Context, requestID string) (*Record, error) {
	if c.cache == nil {
		return nil, logging.NewOperationError("upload.lookup", requestID, errors.New("status cache disabled"))
	}
	var value string
	err := c.withCacheRetry(ctx, requestID, "cache.get.result", func() error {
		v, err := c.cache.Get(ctx, CacheKey(requestID))
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	var record Record
	if err := json.Unmarshal([]byte(value), &record); err != nil {
		return nil, logging.NewOperationError("upload.lookup", requestID, err)
	}
	if record.Status == "" {
		record.Status = statusOf(record.Success)
	}
	return &record, nil
}

func recordFromLog(log *repository.DetectionLog) *Record {
	return &Record{
		RequestID: log.RequestID,
		SessionID: log.SessionID,
		Status:    statusOf(log.Success),
		Success:   log.Success,
		Error:     log.Error,
		FaceCount: log.FaceCount,
		EyeCount:  log.EyeCount,
		Hash:      log.SHA1Hash,
		CreatedAt: log.CreatedAt,
	}
}

func statusOf(success bool) string {
	if success {
		return StatusCompleted
	}
	return StatusFailed
}

// CacheKey is the Redis key holding the status of requestID.
func CacheKey(requestID string) string {
	return fmt.Sprintf("detection:%s", requestID)
}

func (c *Coordinator) persist(ctx context.Context, opLogger *zap.Logger, record Record, latency time.Duration) {
	if c.history == nil {
		return
	}
	log := &repository.DetectionLog{
		RequestID: record.RequestID,
		SessionID: record.SessionID,
		SHA1Hash:  record.Hash,
		FaceCount: record.FaceCount,
		EyeCount:  record.EyeCount,
		Success:   record.Success,
		Error:     record.Error,
		LatencyMs: latency.Milliseconds(),
		CreatedAt: record.CreatedAt,
	}
	if err := c.history.SaveLog(ctx, log); err != nil {
		opLogger.Warn("failed to persist detection log", zap.Error(err))
	}
}

func (c *Coordinator) cacheRecord(ctx context.Context, opLogger *zap.Logger, operation string, record Record, ttl time.Duration) {
	if c.cache == nil {
		return
	}
	serialized, err := json.Marshal(record)
	if err != nil {
		opLogger.Warn("failed to serialize detection record", zap.Error(err))
		return
	}
	if err := c.withCacheRetry(ctx, record.RequestID, operation, func() error {
		return c.cache.Set(ctx, CacheKey(record.RequestID), string(serialized), ttl)
	}); err != nil {
		opLogger.Warn("failed to cache detection record", zap.String("status", record.Status), zap.Error(err))
	}
}

func (c *Coordinator) withCacheRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if c.cache == nil {
		return nil
	}
	if c.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := c.initialBackoff
	opLogger := logging.WithOperation(c.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= c.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !logging.IsTransient(err) || attempt == c.retryAttempts-1 {
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}
