package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/example/facefinder/internal/auth"
	"github.com/example/facefinder/internal/detector"
	"github.com/example/facefinder/internal/livefeed"
	"github.com/example/facefinder/internal/logging"
	"github.com/example/facefinder/internal/session"
	"github.com/example/facefinder/internal/upload"
)

const testJWTSecret = "test-secret"

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type stubUploader struct {
	mu     sync.Mutex
	result *detector.Result
	err    error
	calls  int
}

func (s *stubUploader) Detect(ctx context.Context, sessionID, requestID string, image *detector.Image) (*detector.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.result, s.err
}

type stubCamera struct {
	mu      sync.Mutex
	stopErr error
	stops   int
}

func (s *stubCamera) StopCamera(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	return s.stopErr
}

func (s *stubCamera) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopErr = err
}

func (s *stubCamera) stopCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

func (s *stubCamera) StreamURL(token string) string {
	return "http://camera/video_feed?t=" + token
}

type stubStreams struct {
	mu    sync.Mutex
	token string
}

func (s *stubStreams) OpenStream(ctx context.Context, token string) (string, io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	return "multipart/x-mixed-replace; boundary=frame", io.NopCloser(strings.NewReader("--frame\r\n")), nil
}

func (s *stubStreams) openedWith() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// endlessStreams keeps emitting frames until the reader is closed, like the
// detection service does after the camera has been released.
type endlessStreams struct{}

func (endlessStreams) OpenStream(ctx context.Context, token string) (string, io.ReadCloser, error) {
	pr, pw := io.Pipe()
	go func() {
		for {
			if _, err := pw.Write([]byte("--frame\r\n")); err != nil {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()
	return "multipart/x-mixed-replace; boundary=frame", pr, nil
}

type stubLookup struct {
	status string
	record *upload.Record
	err    error
}

func (s stubLookup) Lookup(ctx context.Context, requestID string) (string, *upload.Record, error) {
	return s.status, s.record, s.err
}

type testEnv struct {
	router   *gin.Engine
	sessions *session.Registry
	uploader *stubUploader
	camera   *stubCamera
	streams  *stubStreams
}

func newTestEnv(t *testing.T, deps Dependencies) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	env := &testEnv{
		uploader: &stubUploader{result: &detector.Result{Faces: []detector.Face{{Eyes: []detector.Region{{}, {}}}}}},
		camera:   &stubCamera{},
		streams:  &stubStreams{},
	}
	camera := livefeed.NewController(env.camera, zap.NewNop())
	env.sessions = session.NewRegistry(func(id string) *session.Machine {
		return session.NewMachine(session.Config{
			ID:       id,
			Uploader: env.uploader,
			LiveFeed: camera,
			Logger:   zap.NewNop(),
		})
	})
	t.Cleanup(env.sessions.Close)

	deps.Sessions = env.sessions
	if deps.Streams == nil {
		deps.Streams = env.streams
	}
	deps.Logger = zap.NewNop()

	env.router = gin.New()
	env.router.MaxMultipartMemory = MaxUploadSize
	RegisterRoutes(env.router, deps, auth.Middleware(auth.Config{Secret: testJWTSecret}))
	return env
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	return e.doAs(t, "user-123", req)
}

func (e *testEnv) doAs(t *testing.T, subject string, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, subject))
	resp := httptest.NewRecorder()
	e.router.ServeHTTP(resp, req)
	return resp
}

// openStream requests the live stream over a real connection, which the
// streaming relay needs to detect client disconnects.
func (e *testEnv) openStream(t *testing.T, server *httptest.Server) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, server.URL+"/session/stream", nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "user-123"))
	resp, err := server.Client().Do(req)
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	return resp
}

func startLive(t *testing.T, e *testEnv, subject string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/session/live", strings.NewReader(`{"consent":true}`))
	req.Header.Set("Content-Type", "application/json")
	return e.doAs(t, subject, req)
}

func decodeView(t *testing.T, resp *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var view map[string]interface{}
	if err := json.Unmarshal(resp.Body.Bytes(), &view); err != nil {
		t.Fatalf("invalid json %q: %v", resp.Body.String(), err)
	}
	return view
}

func TestUploadRejectsLargeUpload(t *testing.T) {
	env := newTestEnv(t, Dependencies{})
	body, contentType := buildMultipartBody(t, "image/png", bytes.Repeat([]byte("a"), MaxUploadSize+1))

	req := httptest.NewRequest(http.MethodPost, "/session/image", body)
	req.Header.Set("Content-Type", contentType)
	resp := env.do(t, req)

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
}

func TestUploadRejectsUnsupportedContentType(t *testing.T) {
	env := newTestEnv(t, Dependencies{})
	body, contentType := buildMultipartBody(t, "text/plain", []byte("hello"))

	req := httptest.NewRequest(http.MethodPost, "/session/image", body)
	req.Header.Set("Content-Type", contentType)
	resp := env.do(t, req)

	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}
	if env.uploader.calls != 0 {
		t.Fatalf("expected no detect call, got %d", env.uploader.calls)
	}
}

func TestUploadSelectsImageAndDetects(t *testing.T) {
	env := newTestEnv(t, Dependencies{})
	body, contentType := buildMultipartBody(t, "image/png", pngHeader)

	req := httptest.NewRequest(http.MethodPost, "/session/image", body)
	req.Header.Set("Content-Type", contentType)
	resp := env.do(t, req)

	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", resp.Code, resp.Body.String())
	}
	view := decodeView(t, resp)
	if view["mode"] != "image" || view["processing"] != true {
		t.Fatalf("unexpected view %v", view)
	}

	env.sessions.Get("user-123").Wait()

	resp = env.do(t, httptest.NewRequest(http.MethodGet, "/session", nil))
	view = decodeView(t, resp)
	if view["processing"] != false || view["face_count"] != float64(1) || view["eye_count"] != float64(2) {
		t.Fatalf("unexpected final view %v", view)
	}
	if view["summary"] != "1 face detected" {
		t.Fatalf("unexpected summary %v", view["summary"])
	}

	resp = env.do(t, httptest.NewRequest(http.MethodGet, "/session/image", nil))
	if resp.Code != http.StatusOK || !bytes.Equal(resp.Body.Bytes(), pngHeader) {
		t.Fatalf("expected raw upload as display image, got %d", resp.Code)
	}
}

func TestResetOutsideImageModeConflicts(t *testing.T) {
	env := newTestEnv(t, Dependencies{})

	resp := env.do(t, httptest.NewRequest(http.MethodPost, "/session/reset", nil))
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.Code)
	}
}

func TestToggleLiveRequiresConsent(t *testing.T) {
	env := newTestEnv(t, Dependencies{})

	req := httptest.NewRequest(http.MethodPost, "/session/live", strings.NewReader(`{"consent":false}`))
	req.Header.Set("Content-Type", "application/json")
	resp := env.do(t, req)

	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.Code)
	}
	if view := decodeView(t, resp); view["mode"] != "idle" {
		t.Fatalf("expected idle, got %v", view["mode"])
	}
	if env.camera.stopCalls() != 0 {
		t.Fatalf("expected no stop request, got %d", env.camera.stopCalls())
	}
}

func TestToggleLiveStartStreamStop(t *testing.T) {
	env := newTestEnv(t, Dependencies{})

	resp := startLive(t, env, "user-123")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	live, ok := decodeView(t, resp)["live"].(map[string]interface{})
	if !ok || live["active"] != true {
		t.Fatalf("expected active live view, got %s", resp.Body.String())
	}
	token := live["token"].(string)
	if live["stream_url"] != "http://camera/video_feed?t="+token {
		t.Fatalf("unexpected stream url %v", live["stream_url"])
	}

	server := httptest.NewServer(env.router)
	defer server.Close()
	stream := env.openStream(t, server)
	frames, err := io.ReadAll(stream.Body)
	stream.Body.Close()
	if err != nil || stream.StatusCode != http.StatusOK || string(frames) != "--frame\r\n" {
		t.Fatalf("unexpected stream response %d %q %v", stream.StatusCode, frames, err)
	}
	if got := env.streams.openedWith(); got != token {
		t.Fatalf("expected stream opened with %q, got %q", token, got)
	}

	env.camera.fail(errors.New("connection refused"))
	resp = env.do(t, httptest.NewRequest(http.MethodPost, "/session/live", nil))
	if resp.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 on failed stop, got %d", resp.Code)
	}
	view := decodeView(t, resp)
	if view["mode"] != "idle" || view["error"] != "Failed to stop the camera feed." {
		t.Fatalf("unexpected view after failed stop %v", view)
	}

	resp = env.do(t, httptest.NewRequest(http.MethodGet, "/session/stream", nil))
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 when idle, got %d", resp.Code)
	}
}

func TestLiveStreamEndsWhenSessionLeavesLiveMode(t *testing.T) {
	cases := []struct {
		name  string
		leave func(t *testing.T, env *testEnv) int
	}{
		{"toggle off", func(t *testing.T, env *testEnv) int {
			return env.do(t, httptest.NewRequest(http.MethodPost, "/session/live", nil)).Code
		}},
		{"select image", func(t *testing.T, env *testEnv) int {
			body, contentType := buildMultipartBody(t, "image/png", pngHeader)
			req := httptest.NewRequest(http.MethodPost, "/session/image", body)
			req.Header.Set("Content-Type", contentType)
			return env.do(t, req).Code
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, Dependencies{Streams: endlessStreams{}})
			server := httptest.NewServer(env.router)
			defer server.Close()

			if resp := startLive(t, env, "user-123"); resp.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", resp.Code)
			}
			stream := env.openStream(t, server)
			defer stream.Body.Close()
			if stream.StatusCode != http.StatusOK {
				t.Fatalf("expected 200, got %d", stream.StatusCode)
			}
			first := make([]byte, len("--frame\r\n"))
			if _, err := io.ReadFull(stream.Body, first); err != nil {
				t.Fatalf("expected a first frame: %v", err)
			}

			if code := tc.leave(t, env); code >= http.StatusBadRequest {
				t.Fatalf("leaving live mode failed with %d", code)
			}

			done := make(chan struct{})
			go func() {
				_, _ = io.Copy(io.Discard, stream.Body)
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(2 * time.Second):
				t.Fatal("stream still relaying after the live session ended")
			}
		})
	}
}

func TestToggleLiveCameraBusy(t *testing.T) {
	env := newTestEnv(t, Dependencies{})

	if resp := startLive(t, env, "user-123"); resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	resp := startLive(t, env, "user-456")
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 while another session streams, got %d", resp.Code)
	}
	if view := decodeView(t, resp); view["mode"] != "idle" {
		t.Fatalf("expected second session idle, got %v", view["mode"])
	}
	if env.camera.stopCalls() != 0 {
		t.Fatalf("expected camera left running, got %d stops", env.camera.stopCalls())
	}

	if resp := env.do(t, httptest.NewRequest(http.MethodPost, "/session/live", nil)); resp.Code != http.StatusOK {
		t.Fatalf("expected stop to succeed, got %d", resp.Code)
	}
	if resp := startLive(t, env, "user-456"); resp.Code != http.StatusOK {
		t.Fatalf("expected camera free for the next session, got %d", resp.Code)
	}
}

func TestDetectionLookup(t *testing.T) {
	missing := logging.NewOperationError("cache.get.result", "req-1", redis.Nil)

	cases := []struct {
		name   string
		lookup StatusLookup
		want   int
	}{
		{"disabled", nil, http.StatusServiceUnavailable},
		{"miss", stubLookup{err: missing}, http.StatusNotFound},
		{"processing", stubLookup{status: upload.StatusProcessing, record: &upload.Record{SessionID: "user-123", Status: upload.StatusProcessing}}, http.StatusOK},
		{"other owner processing", stubLookup{status: upload.StatusProcessing, record: &upload.Record{SessionID: "someone-else", Status: upload.StatusProcessing}}, http.StatusNotFound},
		{"no record", stubLookup{status: upload.StatusProcessing}, http.StatusNotFound},
		{"expired", stubLookup{err: logging.NewOperationError("upload.lookup", "req-1", upload.ErrNotFound)}, http.StatusNotFound},
		{"other owner", stubLookup{status: "completed", record: &upload.Record{SessionID: "someone-else"}}, http.StatusNotFound},
		{"own record", stubLookup{status: "completed", record: &upload.Record{SessionID: "user-123"}}, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, Dependencies{Lookup: tc.lookup})
			resp := env.do(t, httptest.NewRequest(http.MethodGet, "/detections/req-1", nil))
			if resp.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, resp.Code)
			}
		})
	}
}

func TestSessionRequiresToken(t *testing.T) {
	env := newTestEnv(t, Dependencies{})

	resp := httptest.NewRecorder()
	env.router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/session", nil))
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}

	resp = httptest.NewRecorder()
	env.router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected open health route, got %d", resp.Code)
	}
}

func buildMultipartBody(t *testing.T, contentType string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="image"; filename="upload"`)
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}

func buildTestToken(t *testing.T, subject string) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}
