package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"nodeimage/internal/admission"
	"nodeimage/internal/blacklist"
	"nodeimage/internal/clock"
	"nodeimage/internal/config"
	"nodeimage/internal/middleware"
	"nodeimage/internal/models"
	"nodeimage/internal/moderation"
	"nodeimage/internal/repository"
	"nodeimage/internal/security"
	"nodeimage/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var pngBody = append([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, bytes.Repeat([]byte{3}, 32)...)

type stubLinks struct{}

func (stubLinks) SignedURL(_ context.Context, key string) (string, error) {
	return "https://objects.example/" + key, nil
}

type stubProvider struct{}

func (stubProvider) Moderate(context.Context, moderation.Request) (models.Verdict, error) {
	return models.Verdict{Score: 0.01, Provider: "stub"}, nil
}

type env struct {
	engine    *gin.Engine
	cfg       *config.AppConfig
	images    *repository.MemoryImageStore
	tasks     *repository.MemoryTaskStore
	blacklist *blacklist.Memory
	processor *moderation.Processor
}

func newEnv(t *testing.T) *env {
	t.Helper()

	hash, err := security.HashPasswordWithParams("hunter2", security.Argon2Params{Time: 1, Memory: 8 * 1024, Threads: 1, KeyLen: 32, SaltLen: 16})
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}

	cfg := &config.AppConfig{Environment: "test"}
	cfg.Upload.MaxBytes = 4096
	cfg.Upload.AllowedFormats = []string{"png", "jpeg"}
	cfg.Admission.MaxPerWindow = 10
	cfg.Admission.Window = time.Minute
	cfg.Security = config.SecurityConfig{
		JWTAccessSecret:   "jwt-secret",
		JWTAccessTTL:      time.Minute,
		AdminUser:         "admin",
		AdminPasswordHash: hash,
		SignatureSecret:   "sig-secret",
	}

	clk := clock.NewManual(time.Now().UTC())
	e := &env{
		cfg:       cfg,
		images:    repository.NewMemoryImageStore(clk.Now),
		tasks:     repository.NewMemoryTaskStore(),
		blacklist: blacklist.NewMemory(),
	}
	e.processor = moderation.NewProcessor(moderation.DefaultConfig(), moderation.Deps{
		Store:    e.tasks,
		Provider: stubProvider{},
		Subjects: e.images,
		Detacher: &moderation.RecordingDetacher{},
		Clock:    clk,
		Logger:   zerolog.Nop(),
	})
	uploads := service.NewUploadService(cfg, service.UploadDeps{
		Objects:   objectSink{},
		Images:    e.images,
		Tasks:     e.tasks,
		Blocked:   e.blacklist,
		Admission: admission.NewDefaultController(cfg.Admission.Window, clk),
		Clock:     clk,
		Logger:    zerolog.Nop(),
	})

	hs := NewHandlerSet(zerolog.Nop(), cfg, Deps{
		Uploads:   uploads,
		Processor: e.processor,
		Images:    e.images,
		Tasks:     e.tasks,
		Blacklist: e.blacklist,
		Links:     stubLinks{},
		Checks:    map[string]HealthCheck{"database": func(context.Context) error { return nil }},
		Clock:     clk,
	})

	e.engine = gin.New()
	e.engine.Use(middleware.RequestID(zerolog.Nop()))
	hs.Register(e.engine.Group("/api"))
	return e
}

type objectSink struct{}

func (objectSink) Bucket() string { return "originals" }

func (objectSink) Put(context.Context, string, io.Reader, int64, string) error {
	return nil
}

func uploadRequest(t *testing.T, data []byte, contentType string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="pic.png"`)
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	_, _ = part.Write(data)
	_ = w.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/media/upload", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func (e *env) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.engine.ServeHTTP(rec, req)
	return rec
}

func (e *env) login(t *testing.T) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/login", strings.NewReader(`{"username":"admin","password":"hunter2"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := e.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		AccessToken string `json:"accessToken"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.AccessToken == "" {
		t.Fatalf("decode login: %v %s", err, rec.Body.String())
	}
	return resp.AccessToken
}

func TestUploadThenRateLimited(t *testing.T) {
	e := newEnv(t)

	for i := 0; i < 10; i++ {
		rec := e.do(uploadRequest(t, pngBody, "image/png"))
		if rec.Code != http.StatusOK {
			t.Fatalf("upload %d: status %d %s", i, rec.Code, rec.Body.String())
		}
	}

	rec := e.do(uploadRequest(t, pngBody, "image/png"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}
	if !strings.Contains(rec.Body.String(), "rate_limited") {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}

	counts, _ := e.tasks.CountByStatus(context.Background())
	if counts[models.TaskStatusPending] != 10 {
		t.Fatalf("pending tasks = %d, want 10", counts[models.TaskStatusPending])
	}
}

func TestUploadValidationStatus(t *testing.T) {
	e := newEnv(t)

	rec := e.do(uploadRequest(t, []byte("GIF89a......"), "image/gif"))
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), service.CodeUnsupportedFormat) {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}

	rec = e.do(uploadRequest(t, append(pngBody, make([]byte, 8192)...), "image/png"))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d %s", rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/media/upload", strings.NewReader(""))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=x")
	if rec := e.do(req); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing file, got %d", rec.Code)
	}
}

func TestUploadBlockedClient(t *testing.T) {
	e := newEnv(t)
	_ = e.blacklist.Add(context.Background(), "192.0.2.1", "flagged")

	rec := e.do(uploadRequest(t, pngBody, "image/png"))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestServeImageFollowsModeration(t *testing.T) {
	e := newEnv(t)
	rec := e.do(uploadRequest(t, pngBody, "image/png"))
	var resp struct {
		Image struct {
			ID  string `json:"id"`
			URL string `json:"url"`
		} `json:"image"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode upload: %v", err)
	}

	if rec := e.do(httptest.NewRequest(http.MethodGet, resp.Image.URL, nil)); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 while processing, got %d", rec.Code)
	}
	bad := httptest.NewRequest(http.MethodGet, "/api/v1/i/"+resp.Image.ID+"?sig=forged", nil)
	if rec := e.do(bad); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for forged signature, got %d", rec.Code)
	}

	if _, err := e.processor.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	rec = e.do(httptest.NewRequest(http.MethodGet, resp.Image.URL, nil))
	if rec.Code != http.StatusFound || !strings.HasPrefix(rec.Header().Get("Location"), "https://objects.example/") {
		t.Fatalf("expected redirect, got %d %v", rec.Code, rec.Header())
	}

	_ = e.images.UpdateModeration(context.Background(), resp.Image.ID, models.ModerationRecord{
		Status:    models.TaskStatusCompleted,
		Checked:   true,
		IsFlagged: true,
	})
	if rec := e.do(httptest.NewRequest(http.MethodGet, resp.Image.URL, nil)); rec.Code != http.StatusUnavailableForLegalReasons {
		t.Fatalf("expected 451 for blocked image, got %d", rec.Code)
	}
}

func TestAdminRequiresToken(t *testing.T) {
	e := newEnv(t)

	rec := e.do(httptest.NewRequest(http.MethodGet, "/api/v1/admin/queue", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/login", strings.NewReader(`{"username":"admin","password":"nope"}`))
	req.Header.Set("Content-Type", "application/json")
	if rec := e.do(req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad password, got %d", rec.Code)
	}
}

func TestAdminQueueLifecycle(t *testing.T) {
	e := newEnv(t)
	token := e.login(t)
	authed := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+token)
		if body != "" {
			req.Header.Set("Content-Type", "application/json")
		}
		return e.do(req)
	}

	e.do(uploadRequest(t, pngBody, "image/png"))

	rec := authed(http.MethodGet, "/api/v1/admin/queue", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("queue status %d", rec.Code)
	}
	var status moderation.QueueStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Counts[models.TaskStatusPending] != 1 || status.State != "idle" {
		t.Fatalf("unexpected status %+v", status)
	}

	rec = authed(http.MethodPut, "/api/v1/admin/settings", `{"screeningEnabled":false}`)
	if rec.Code != http.StatusOK || e.processor.ScreeningEnabled() {
		t.Fatalf("settings not applied: %d %s", rec.Code, rec.Body.String())
	}

	rec = authed(http.MethodPost, "/api/v1/admin/processor/poll", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"skipped"`) {
		t.Fatalf("unexpected poll response %d %s", rec.Code, rec.Body.String())
	}

	rec = authed(http.MethodGet, "/api/v1/admin/tasks?status=completed", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"completed"`) {
		t.Fatalf("unexpected task list %d %s", rec.Code, rec.Body.String())
	}
	if rec := authed(http.MethodGet, "/api/v1/admin/tasks?status=bogus", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad status, got %d", rec.Code)
	}

	rec = authed(http.MethodPost, "/api/v1/admin/processor/start", "")
	if rec.Code != http.StatusOK || e.processor.State() != moderation.StatePolling {
		t.Fatalf("processor not started: %d %s", rec.Code, rec.Body.String())
	}
	authed(http.MethodPost, "/api/v1/admin/processor/stop", "")
	if e.processor.State() != moderation.StateIdle {
		t.Fatalf("processor not stopped: %s", e.processor.State())
	}

	rec = authed(http.MethodPost, "/api/v1/admin/queue/retry-failed", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"reset":0`) {
		t.Fatalf("unexpected retry response %d %s", rec.Code, rec.Body.String())
	}
}

func TestAdminBlacklist(t *testing.T) {
	e := newEnv(t)
	token := e.login(t)
	_ = e.blacklist.Add(context.Background(), "198.51.100.7", "flagged")

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/admin/blacklist/198.51.100.7", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	if rec := e.do(req); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/admin/blacklist/198.51.100.7", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	if rec := e.do(req); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	rec := e.do(httptest.NewRequest(http.MethodGet, "/api/healthz", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"processor":"idle"`) {
		t.Fatalf("unexpected health %d %s", rec.Code, rec.Body.String())
	}
}
