package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tirescan-service/internal/config"
	"tirescan-service/internal/dispatch"
	"tirescan-service/internal/domain/vehicle"
	"tirescan-service/internal/service"
	"tirescan-service/internal/status"
)

type stubRepo struct {
	mu       sync.Mutex
	sessions map[string]*vehicle.Session
}

func newStubRepo() *stubRepo {
	return &stubRepo{sessions: make(map[string]*vehicle.Session)}
}

func (s *stubRepo) Create(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		s.sessions[sessionID] = &vehicle.Session{SessionID: sessionID}
	}
	return nil
}

func (s *stubRepo) GetByID(ctx context.Context, sessionID string) (*vehicle.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	copied := *sess
	return &copied, nil
}

func (s *stubRepo) Upsert(ctx context.Context, sessionID string, fields vehicle.SessionFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &vehicle.Session{SessionID: sessionID}
		s.sessions[sessionID] = sess
	}
	if fields.LicensePlate != nil {
		sess.LicensePlate = *fields.LicensePlate
	}
	return nil
}

func (s *stubRepo) List(ctx context.Context, limit, offset int) ([]vehicle.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]vehicle.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	return out, nil
}

type testEnv struct {
	router     *gin.Engine
	bus        *status.Bus
	dispatched chan dispatch.Task
	dispatcher *dispatch.Dispatcher
}

func newTestEnv(t *testing.T, heartbeat time.Duration) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{}
	cfg.Stream.Heartbeat = heartbeat
	cfg.Stream.Buffer = 16
	cfg.Upload.Dir = t.TempDir()
	cfg.Auth.JWTSecret = "test-secret"

	env := &testEnv{
		bus:        status.NewBus(16, zerolog.Nop()),
		dispatched: make(chan dispatch.Task, 8),
	}
	env.dispatcher = dispatch.New(func(ctx context.Context, task dispatch.Task) {
		env.dispatched <- task
	}, 2, 4, zerolog.Nop())
	t.Cleanup(env.dispatcher.Close)

	sessions := service.NewSessionService(newStubRepo(), zerolog.Nop())
	handler := NewHandler(sessions, env.dispatcher, env.bus, cfg, zerolog.Nop())

	env.router = gin.New()
	handler.Register(env.router, JWTAuthMiddleware(cfg.Auth.JWTSecret, zerolog.Nop()))
	return env
}

const testSessionID = "20240101120000123"

func readFrame(t *testing.T, r *bufio.Reader) map[string]interface{} {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		require.True(t, strings.HasPrefix(line, "data: "), "unexpected frame line %q", line)
		var obj map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &obj))
		return obj
	}
}

func TestStreamForwardsEventsUntilDone(t *testing.T) {
	env := newTestEnv(t, 30*time.Second)
	ts := httptest.NewServer(env.router)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/session/" + testSessionID + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	go func() {
		time.Sleep(20 * time.Millisecond)
		env.bus.Publish(testSessionID, vehicle.StageStatus{
			Stage:   vehicle.StageLicense,
			State:   vehicle.StateProcessing,
			Message: "Processing license plate...",
		})
		env.bus.Publish(testSessionID, vehicle.Progress{Percent: 100})
		env.bus.Publish(testSessionID, vehicle.Done{})
	}()

	reader := bufio.NewReader(resp.Body)

	frame := readFrame(t, reader)
	assert.Equal(t, "license", frame["type"])
	assert.Equal(t, "processing", frame["status"])

	frame = readFrame(t, reader)
	assert.Equal(t, "progress", frame["type"])
	assert.Equal(t, float64(100), frame["progress"])

	frame = readFrame(t, reader)
	assert.Equal(t, "done", frame["status"])

	// The terminal frame closes the stream.
	rest, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Empty(t, strings.TrimSpace(string(rest)))
}

func TestStreamEmitsHeartbeatOnIdle(t *testing.T) {
	env := newTestEnv(t, 50*time.Millisecond)
	ts := httptest.NewServer(env.router)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/session/" + testSessionID + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	frame := readFrame(t, reader)
	assert.Equal(t, "heartbeat", frame["type"])

	// The loop resumes waiting and heartbeats again.
	frame = readFrame(t, reader)
	assert.Equal(t, "heartbeat", frame["type"])
}

func TestStreamStopsOnClientDisconnect(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	ts := httptest.NewServer(env.router)

	resp, err := http.Get(ts.URL + "/session/" + testSessionID + "/status")
	require.NoError(t, err)
	resp.Body.Close()

	// With the client gone the handler must exit promptly; Close blocks
	// until all handlers have returned.
	closed := make(chan struct{})
	go func() {
		ts.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("stream handler kept running after client disconnect")
	}
}

func TestStreamRejectsMalformedSessionID(t *testing.T) {
	env := newTestEnv(t, time.Second)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/session/not-an-id/status", nil)
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func multipartImage(t *testing.T) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("image", "photo.jpg")
	require.NoError(t, err)
	_, err = part.Write([]byte("jpeg bytes"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func TestUploadAcceptedAndDispatched(t *testing.T) {
	env := newTestEnv(t, time.Second)

	body, contentType := multipartImage(t)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/session/"+testSessionID+"/upload/license", body)
	req.Header.Set("Content-Type", contentType)
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), "File upload started")

	select {
	case task := <-env.dispatched:
		assert.Equal(t, testSessionID, task.SessionID)
		assert.Equal(t, vehicle.StageLicense, task.Kind)
		assert.FileExists(t, task.ArtifactPath)
	case <-time.After(time.Second):
		t.Fatal("upload was not dispatched")
	}
}

func TestUploadWithoutImageIsRejected(t *testing.T) {
	env := newTestEnv(t, time.Second)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/session/"+testSessionID+"/upload/license", nil)
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "No image file provided")
	assert.Empty(t, env.dispatched)
}

func TestUploadRejectedWhenDispatcherSaturated(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{}
	cfg.Stream.Heartbeat = time.Second
	cfg.Stream.Buffer = 16
	cfg.Upload.Dir = t.TempDir()
	cfg.Auth.JWTSecret = "test-secret"

	bus := status.NewBus(16, zerolog.Nop())
	release := make(chan struct{})
	dispatcher := dispatch.New(func(ctx context.Context, task dispatch.Task) {
		<-release
	}, 1, 1, zerolog.Nop())
	t.Cleanup(func() {
		close(release)
		dispatcher.Close()
	})

	sessions := service.NewSessionService(newStubRepo(), zerolog.Nop())
	handler := NewHandler(sessions, dispatcher, bus, cfg, zerolog.Nop())
	router := gin.New()
	handler.Register(router, JWTAuthMiddleware(cfg.Auth.JWTSecret, zerolog.Nop()))

	upload := func() *httptest.ResponseRecorder {
		body, contentType := multipartImage(t)
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/session/"+testSessionID+"/upload/license", body)
		req.Header.Set("Content-Type", contentType)
		router.ServeHTTP(w, req)
		return w
	}

	// One run blocks the worker, one is held by the pool feed, one waits
	// in the queue; the next upload must be turned away. The sleeps let
	// the feed goroutine settle between admissions.
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusAccepted, upload().Code)
		time.Sleep(20 * time.Millisecond)
	}

	w := upload()
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "server busy")
}

func TestGetSessionConcurrentReinitialize(t *testing.T) {
	env := newTestEnv(t, time.Second)

	var wg sync.WaitGroup
	codes := make([]int, 2)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/session/"+testSessionID, nil)
			env.router.ServeHTTP(w, req)
			codes[i] = w.Code
		}(i)
	}
	wg.Wait()

	assert.Equal(t, []int{http.StatusOK, http.StatusOK}, codes)
}

func TestUploadMalformedSessionID(t *testing.T) {
	env := newTestEnv(t, time.Second)

	body, contentType := multipartImage(t)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/session/nope/upload/license", body)
	req.Header.Set("Content-Type", contentType)
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartSessionReturnsWellFormedID(t *testing.T) {
	env := newTestEnv(t, time.Second)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/session", nil)
	env.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp["session_id"], vehicle.SessionIDLength)
}

func TestListSessionsRequiresToken(t *testing.T) {
	env := newTestEnv(t, time.Second)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ops",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
