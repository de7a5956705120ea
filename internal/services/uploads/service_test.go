package uploads

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asad/blobgate/internal/blobapi"
	"github.com/asad/blobgate/internal/config"
	"github.com/asad/blobgate/internal/core"
	"github.com/asad/blobgate/internal/credentials"
	"github.com/asad/blobgate/internal/drivers"
	"github.com/asad/blobgate/internal/httpx"
	"github.com/asad/blobgate/internal/logging"
)

func setupRouter(t *testing.T, settings credentials.Settings, enabled ...string) http.Handler {
	t.Helper()
	provider := drivers.New(drivers.Options{
		Kind:          drivers.FS,
		Storage:       settings,
		DataDir:       t.TempDir(),
		PublicBaseURL: "http://localhost:4000",
	})
	api := blobapi.NewService(provider, blobapi.Options{})

	registry := core.NewRegistry()
	registry.Register(NewSigningService(api))
	registry.Register(NewDirectUploadService(api))

	cfg := &config.Config{Services: config.ServicesConfig{Enabled: enabled}}
	return httpx.NewEdgeRouter(cfg, registry, nil, logging.Nop())
}

var devSettings = credentials.Settings{Account: "devaccount", Container: "media", AccountKey: "dev-key"}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestSign_OverHTTP(t *testing.T) {
	router := setupRouter(t, devSettings, "uploads")

	req := httptest.NewRequest(http.MethodPost, "/api/uploads/sign", strings.NewReader(`{"filename":"Report Final.PDF","contentType":"application/pdf","dir":"report","mediaId":"m1"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Regexp(t, `^report/m1/\d+-report-final\.pdf$`, body["blobPath"])
	assert.Contains(t, body["putUrl"], "sig=")
	assert.NotEmpty(t, body["publicUrl"])
	assert.NotEmpty(t, body["expiresAt"])
}

func TestSign_Liveness(t *testing.T) {
	router := setupRouter(t, devSettings, "uploads")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/uploads/delete", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{"ok": true, "endpoint": "/api/uploads/delete", "method": "GET"}, decode(t, w))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPatch, "/api/uploads/sign", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, map[string]any{"error": "Method not allowed"}, decode(t, w))
}

func TestNotConfigured_OverHTTP(t *testing.T) {
	router := setupRouter(t, credentials.Settings{Account: "devaccount", Container: "media"}, "uploads")

	for _, path := range []string{"/api/uploads/sign", "/api/uploads/delete"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"blobPath":"a/b.png"}`)))
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
		assert.Equal(t, map[string]any{"error": "Storage not configured"}, decode(t, w), path)
	}
}

func TestDirectUpload_OverHTTP(t *testing.T) {
	router := setupRouter(t, devSettings, "uploads", "storage")

	req := httptest.NewRequest(http.MethodPost, "/api/storage/upload?blobName=docs/a.pdf", bytes.NewReader([]byte("%PDF-1.7")))
	req.Header.Set("Content-Type", "application/pdf")
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, map[string]any{"url": "http://localhost:4000/files/media/docs/a.pdf"}, decode(t, w))
}

func TestDirectUpload_Preflight(t *testing.T) {
	router := setupRouter(t, devSettings, "storage")

	req := httptest.NewRequest(http.MethodOptions, "/api/storage/upload", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "x-blob-name")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "POST, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type, x-blob-name, x-content-type", w.Header().Get("Access-Control-Allow-Headers"))
}

func TestDirectUpload_Disabled(t *testing.T) {
	router := setupRouter(t, devSettings, "uploads")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/storage/upload?blobName=a.bin", strings.NewReader("x")))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
