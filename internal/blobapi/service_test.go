package blobapi

import (
	"bytes"
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asad/blobgate/internal/credentials"
	"github.com/asad/blobgate/internal/drivers"
	"github.com/asad/blobgate/internal/signing"
	"github.com/asad/blobgate/internal/storage"
)

const testAccountKey = "local-dev-key"

func setupService(t *testing.T, opts Options) (*Service, *drivers.Provider) {
	t.Helper()
	provider := drivers.New(drivers.Options{
		Kind:          drivers.FS,
		Storage:       credentials.Settings{Account: "devaccount", Container: "media", AccountKey: testAccountKey},
		DataDir:       t.TempDir(),
		PublicBaseURL: "http://localhost:4000",
		Now:           opts.Now,
	})
	return NewService(provider, opts), provider
}

func unconfiguredService() *Service {
	provider := drivers.New(drivers.Options{
		Storage: credentials.Settings{Account: "acct", Container: "media"},
	})
	return NewService(provider, Options{})
}

func post(body string) Request {
	return Request{Method: http.MethodPost, Path: "/api/uploads/sign", Header: http.Header{}, Body: strings.NewReader(body)}
}

func errorMessage(t *testing.T, resp Response) string {
	t.Helper()
	body, ok := resp.Body.(ErrorBody)
	require.True(t, ok, "expected an error body, got %T", resp.Body)
	return body.Error
}

func TestIsAllowedContentType(t *testing.T) {
	tests := []struct {
		contentType string
		want        bool
	}{
		{"image/png", true},
		{"IMAGE/JPEG", true},
		{"video/mp4", true},
		{"audio/mpeg", true},
		{"application/pdf", true},
		{"application/vnd.openxmlformats-officedocument.wordprocessingml.document", true},
		{"application/vnd", true},
		{"text/html", false},
		{"application/json", false},
		{"application/pdfx", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			assert.Equal(t, tt.want, IsAllowedContentType(tt.contentType))
		})
	}
}

func TestHandleSign_ReportScenario(t *testing.T) {
	svc, _ := setupService(t, Options{})

	resp := svc.HandleSign(context.Background(), post(`{"filename":"Report Final.PDF","contentType":"application/pdf","dir":"report","mediaId":"m1"}`))
	require.Equal(t, http.StatusOK, resp.Status)

	grant, ok := resp.Body.(SignResponse)
	require.True(t, ok)
	assert.Regexp(t, regexp.MustCompile(`^report/m1/\d+-report-final\.pdf$`), grant.BlobPath)
	assert.True(t, strings.HasPrefix(grant.PutURL, "http://localhost:4000/files/media/"+grant.BlobPath+"?"))
	assert.Equal(t, "http://localhost:4000/files/media/"+grant.BlobPath, grant.PublicURL)

	expiresAt, err := time.Parse(time.RFC3339, grant.ExpiresAt)
	require.NoError(t, err)
	until := time.Until(expiresAt)
	assert.Greater(t, until, 9*time.Minute)
	assert.Less(t, until, 11*time.Minute)
	assert.True(t, strings.HasSuffix(grant.ExpiresAt, ".000Z"))
}

func TestHandleSign_GrantVerifiesForDeclaredContentType(t *testing.T) {
	svc, _ := setupService(t, Options{})

	resp := svc.HandleSign(context.Background(), post(`{"filename":"clip.mp4","contentType":"video/mp4","dir":"videos"}`))
	require.Equal(t, http.StatusOK, resp.Status)
	grant := resp.Body.(SignResponse)
	assert.Regexp(t, `^videos/misc/\d+-clip\.mp4$`, grant.BlobPath)

	u, err := url.Parse(grant.PutURL)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "cw", q.Get(signing.ParamPermissions))

	now := time.Now()
	require.NoError(t, signing.VerifyLocal([]byte(testAccountKey), "media", grant.BlobPath, q, "video/mp4", now))
	assert.ErrorIs(t, signing.VerifyLocal([]byte(testAccountKey), "media", grant.BlobPath, q, "image/png", now), signing.ErrContentTypeMismatch)
	assert.ErrorIs(t, signing.VerifyLocal([]byte(testAccountKey), "media", "videos/misc/other.mp4", q, "video/mp4", now), signing.ErrSignatureMismatch)
}

func TestHandleSign_TTLIsClamped(t *testing.T) {
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	svc, _ := setupService(t, Options{Now: func() time.Time { return now }})

	tests := []struct {
		body string
		want time.Duration
	}{
		{`{"filename":"a.png","contentType":"image/png","dir":"d"}`, 600 * time.Second},
		{`{"filename":"a.png","contentType":"image/png","dir":"d","ttlSeconds":5}`, 60 * time.Second},
		{`{"filename":"a.png","contentType":"image/png","dir":"d","ttlSeconds":999999}`, 3600 * time.Second},
		{`{"filename":"a.png","contentType":"image/png","dir":"d","ttlSeconds":120}`, 120 * time.Second},
	}
	for _, tt := range tests {
		resp := svc.HandleSign(context.Background(), post(tt.body))
		require.Equal(t, http.StatusOK, resp.Status, tt.body)
		expiresAt, err := time.Parse(time.RFC3339, resp.Body.(SignResponse).ExpiresAt)
		require.NoError(t, err)
		assert.Equal(t, tt.want, expiresAt.Sub(now), tt.body)
	}
}

func TestHandleSign_Validation(t *testing.T) {
	svc, _ := setupService(t, Options{})

	tests := []struct {
		name string
		body string
		want string
	}{
		{"unsupported type", `{"filename":"a.html","contentType":"text/html","dir":"d"}`, MsgUnsupportedType},
		{"missing filename", `{"contentType":"image/png","dir":"d"}`, MsgSignRequired},
		{"missing dir", `{"filename":"a.png","contentType":"image/png"}`, MsgSignRequired},
		{"blank content type", `{"filename":"a.png","contentType":"  ","dir":"d"}`, MsgSignRequired},
		{"non-string filename", `{"filename":42,"contentType":"image/png","dir":"d"}`, MsgSignRequired},
		{"empty body", ``, MsgSignRequired},
		{"traversal dir", `{"filename":"a.png","contentType":"image/png","dir":"../etc"}`, MsgInvalidDir},
		{"traversal media id", `{"filename":"a.png","contentType":"image/png","dir":"d","mediaId":".."}`, MsgInvalidMediaID},
		{"bad json", `{"filename":`, MsgInvalidJSON},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := svc.HandleSign(context.Background(), post(tt.body))
			assert.Equal(t, http.StatusBadRequest, resp.Status)
			assert.Equal(t, tt.want, errorMessage(t, resp))
		})
	}
}

func TestHandleSign_MethodGate(t *testing.T) {
	svc, _ := setupService(t, Options{})

	resp := svc.HandleSign(context.Background(), Request{Method: http.MethodGet, Path: "/api/uploads/sign"})
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, map[string]any{"ok": true, "endpoint": "/api/uploads/sign", "method": "GET"}, resp.Body)

	resp = svc.HandleSign(context.Background(), Request{Method: http.MethodPut})
	assert.Equal(t, http.StatusMethodNotAllowed, resp.Status)
	assert.Equal(t, MsgMethodNotAllowed, errorMessage(t, resp))
}

func TestNotConfigured(t *testing.T) {
	svc := unconfiguredService()
	ctx := context.Background()

	resp := svc.HandleSign(ctx, post(`{"filename":"a.png","contentType":"image/png","dir":"d"}`))
	assert.Equal(t, http.StatusUnauthorized, resp.Status)
	assert.Equal(t, MsgNotConfigured, errorMessage(t, resp))

	// Configuration is checked before the body is looked at.
	resp = svc.HandleSign(ctx, post(`not json`))
	assert.Equal(t, http.StatusUnauthorized, resp.Status)

	resp = svc.HandleDelete(ctx, post(`{"blobPath":"a/b.png"}`))
	assert.Equal(t, http.StatusUnauthorized, resp.Status)
	assert.Equal(t, MsgNotConfigured, errorMessage(t, resp))

	resp = svc.HandleUpload(ctx, Request{Method: http.MethodPost, Query: url.Values{"blobName": {"a.bin"}}, Body: strings.NewReader("x")})
	assert.Equal(t, http.StatusUnauthorized, resp.Status)

	_, err := svc.Sign(ctx, UploadRequest{Filename: "a.png", ContentType: "image/png", Dir: "d"})
	assert.ErrorIs(t, err, credentials.ErrStorageNotConfigured)
}

func TestInvalidConnectionString(t *testing.T) {
	provider := drivers.New(drivers.Options{
		Storage: credentials.Settings{Container: "media", ConnectionString: "AccountName=acct"},
	})
	svc := NewService(provider, Options{})

	resp := svc.HandleSign(context.Background(), post(`{}`))
	assert.Equal(t, http.StatusUnauthorized, resp.Status)
	assert.Equal(t, MsgInvalidConnString, errorMessage(t, resp))
}

func TestHandleDelete_Idempotent(t *testing.T) {
	svc, provider := setupService(t, Options{})
	ctx := context.Background()

	files, _, err := provider.FileBackend()
	require.NoError(t, err)
	require.NoError(t, files.Upload(ctx, "report/m1/1-a.pdf", []byte("%PDF"), "application/pdf"))

	for i := 0; i < 2; i++ {
		resp := svc.HandleDelete(ctx, post(`{"blobPath":"report/m1/1-a.pdf"}`))
		assert.Equal(t, http.StatusOK, resp.Status)
		assert.Equal(t, map[string]any{"ok": true}, resp.Body)
	}

	_, err = files.Get(ctx, "report/m1/1-a.pdf")
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)
}

func TestHandleDelete_PrefixIsNotAnObject(t *testing.T) {
	svc, provider := setupService(t, Options{})
	ctx := context.Background()

	files, _, err := provider.FileBackend()
	require.NoError(t, err)
	require.NoError(t, files.Upload(ctx, "report/m1/1-a.png", []byte("png"), "image/png"))

	start := time.Now()
	resp := svc.HandleDelete(ctx, post(`{"blobPath":"report/m1"}`))
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, map[string]any{"ok": true}, resp.Body)
	assert.Less(t, time.Since(start), time.Second)

	_, err = files.Get(ctx, "report/m1/1-a.png")
	assert.NoError(t, err)
}

func TestHandleDelete_Validation(t *testing.T) {
	svc, _ := setupService(t, Options{})
	ctx := context.Background()

	for body, want := range map[string]string{
		`{}`:                  MsgBlobPathRequired,
		`{"blobPath":""}`:     MsgBlobPathRequired,
		`{"blobPath":7}`:      MsgBlobPathRequired,
		`{"blobPath":"../x"}`: MsgInvalidBlobPath,
	} {
		resp := svc.HandleDelete(ctx, post(body))
		assert.Equal(t, http.StatusBadRequest, resp.Status, body)
		assert.Equal(t, want, errorMessage(t, resp), body)
	}

	resp := svc.HandleDelete(ctx, Request{Method: http.MethodGet, Path: "/api/uploads/delete"})
	assert.Equal(t, http.StatusOK, resp.Status)
	resp = svc.HandleDelete(ctx, Request{Method: http.MethodDelete})
	assert.Equal(t, http.StatusMethodNotAllowed, resp.Status)
}

// fakeCaps serves a fixed backend and counts container checks.
type fakeCaps struct {
	backend   storage.Backend
	ensure    int
	ensureErr error
	failing   error
}

func (f *fakeCaps) Issuer(context.Context) (signing.Issuer, error) {
	return signing.NewLocalIssuer([]byte("k"), "http://localhost/files", "media", "", nil), nil
}

func (f *fakeCaps) Backend(context.Context) (storage.Backend, error) {
	return f, nil
}

func (f *fakeCaps) EnsureContainer(context.Context) error {
	f.ensure++
	err := f.ensureErr
	f.ensureErr = nil
	return err
}

func (f *fakeCaps) Upload(ctx context.Context, name string, data []byte, contentType string) error {
	if f.failing != nil {
		return f.failing
	}
	return f.backend.Upload(ctx, name, data, contentType)
}

func (f *fakeCaps) DeleteIfExists(ctx context.Context, name string) (bool, error) {
	if f.failing != nil {
		return false, f.failing
	}
	return f.backend.DeleteIfExists(ctx, name)
}

func (f *fakeCaps) ObjectURL(name string) string {
	return "http://localhost/files/media/" + name
}

func newFakeCaps(t *testing.T) *fakeCaps {
	t.Helper()
	files, err := storage.NewFileBackend(t.TempDir(), "devaccount", "media", "http://localhost/files/media")
	require.NoError(t, err)
	return &fakeCaps{backend: files}
}

func TestSign_EnsuresContainerOnce(t *testing.T) {
	caps := newFakeCaps(t)
	svc := NewService(caps, Options{})

	for i := 0; i < 3; i++ {
		_, err := svc.Sign(context.Background(), UploadRequest{Filename: "a.png", ContentType: "image/png", Dir: "d"})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, caps.ensure)
}

func TestSign_RetriesFailedEnsure(t *testing.T) {
	caps := newFakeCaps(t)
	caps.ensureErr = &azcore.ResponseError{StatusCode: http.StatusServiceUnavailable}
	svc := NewService(caps, Options{})
	req := UploadRequest{Filename: "a.png", ContentType: "image/png", Dir: "d"}

	_, err := svc.Sign(context.Background(), req)
	require.Error(t, err)
	_, err = svc.Sign(context.Background(), req)
	require.NoError(t, err)
	_, err = svc.Sign(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, caps.ensure)
}

// gatedCaps blocks the container check until release is closed.
type gatedCaps struct {
	*fakeCaps
	calls   atomic.Int32
	release chan struct{}
}

func (g *gatedCaps) Backend(context.Context) (storage.Backend, error) {
	return g, nil
}

func (g *gatedCaps) EnsureContainer(context.Context) error {
	g.calls.Add(1)
	<-g.release
	return nil
}

func TestSign_ConcurrentFirstCallsShareEnsure(t *testing.T) {
	caps := &gatedCaps{fakeCaps: newFakeCaps(t), release: make(chan struct{})}
	svc := NewService(caps, Options{})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Sign(context.Background(), UploadRequest{Filename: "a.png", ContentType: "image/png", Dir: "d"})
			errs <- err
		}()
	}

	assert.Eventually(t, func() bool { return caps.calls.Load() == 1 }, time.Second, time.Millisecond)
	close(caps.release)
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), caps.calls.Load())
}

func TestHandleDelete_BackendError(t *testing.T) {
	caps := newFakeCaps(t)
	caps.failing = errors.New("connection reset by peer")
	svc := NewService(caps, Options{})

	resp := svc.HandleDelete(context.Background(), post(`{"blobPath":"a/b.png"}`))
	assert.Equal(t, http.StatusInternalServerError, resp.Status)
	assert.Equal(t, "connection reset by peer", errorMessage(t, resp))
}

func TestHandleUpload_Raw(t *testing.T) {
	svc, provider := setupService(t, Options{})
	ctx := context.Background()

	resp := svc.HandleUpload(ctx, Request{
		Method: http.MethodPost,
		Header: http.Header{"Content-Type": {"text/plain"}, "X-Content-Type": {"image/png"}},
		Query:  url.Values{"blobName": {"avatars/u1.png"}},
		Body:   strings.NewReader("png-bytes"),
	})
	require.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, map[string]any{"url": "http://localhost:4000/files/media/avatars/u1.png"}, resp.Body)

	files, _, err := provider.FileBackend()
	require.NoError(t, err)
	obj, err := files.Get(ctx, "avatars/u1.png")
	require.NoError(t, err)
	assert.Equal(t, "image/png", obj.ContentType)
	assert.Equal(t, []byte("png-bytes"), obj.Content)

	resp = svc.HandleUpload(ctx, Request{
		Method: http.MethodPost,
		Header: http.Header{"X-Blob-Name": {"raw.bin"}},
		Body:   strings.NewReader("x"),
	})
	require.Equal(t, http.StatusCreated, resp.Status)
	obj, err = files.Get(ctx, "raw.bin")
	require.NoError(t, err)
	assert.Equal(t, "application/octet-stream", obj.ContentType)
}

func TestHandleUpload_RawValidation(t *testing.T) {
	svc, _ := setupService(t, Options{MaxBodyBytes: 4})
	ctx := context.Background()

	tests := []struct {
		name  string
		query url.Values
		body  string
		want  string
	}{
		{"missing name", nil, "data", MsgBlobNameRequired},
		{"traversal name", url.Values{"blobName": {"../x"}}, "data", MsgInvalidBlobName},
		{"empty body", url.Values{"blobName": {"a.bin"}}, "", MsgEmptyBody},
		{"too large", url.Values{"blobName": {"a.bin"}}, "12345", MsgBodyTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := svc.HandleUpload(ctx, Request{Method: http.MethodPost, Header: http.Header{}, Query: tt.query, Body: strings.NewReader(tt.body)})
			assert.Equal(t, http.StatusBadRequest, resp.Status)
			assert.Equal(t, tt.want, errorMessage(t, resp))
		})
	}
}

func multipartBody(t *testing.T, files map[string]string, field string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for name, content := range files {
		h := textproto.MIMEHeader{}
		h.Set("Content-Disposition", `form-data; name="file"; filename="`+name+`"`)
		h.Set("Content-Type", "image/png")
		part, err := w.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	if field != "" {
		require.NoError(t, w.WriteField("note", field))
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestHandleUpload_Multipart(t *testing.T) {
	tempDir := t.TempDir()
	svc, provider := setupService(t, Options{TempDir: tempDir})
	ctx := context.Background()

	body, contentType := multipartBody(t, map[string]string{"a.png": "aaa", "b.png": "bbb"}, "ignored")
	resp := svc.HandleUpload(ctx, Request{Method: http.MethodPost, Header: http.Header{"Content-Type": {contentType}}, Body: body})
	require.Equal(t, http.StatusCreated, resp.Status)

	urls := resp.Body.(map[string]any)["urls"].([]string)
	assert.ElementsMatch(t, []string{
		"http://localhost:4000/files/media/a.png",
		"http://localhost:4000/files/media/b.png",
	}, urls)

	files, _, err := provider.FileBackend()
	require.NoError(t, err)
	obj, err := files.Get(ctx, "b.png")
	require.NoError(t, err)
	assert.Equal(t, "image/png", obj.ContentType)
	assert.Equal(t, []byte("bbb"), obj.Content)

	spooled, err := os.ReadDir(tempDir)
	require.NoError(t, err)
	assert.Empty(t, spooled)
}

func TestHandleUpload_MultipartFallbackName(t *testing.T) {
	now := time.UnixMilli(1760000000000)
	svc, _ := setupService(t, Options{Now: func() time.Time { return now }})

	body, contentType := multipartBody(t, map[string]string{"": "data"}, "")
	resp := svc.HandleUpload(context.Background(), Request{Method: http.MethodPost, Header: http.Header{"Content-Type": {contentType}}, Body: body})
	require.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, []string{"http://localhost:4000/files/media/upload-1760000000000"}, resp.Body.(map[string]any)["urls"])
}

func TestHandleUpload_MultipartNoFiles(t *testing.T) {
	svc, _ := setupService(t, Options{})

	body, contentType := multipartBody(t, nil, "only a field")
	resp := svc.HandleUpload(context.Background(), Request{Method: http.MethodPost, Header: http.Header{"Content-Type": {contentType}}, Body: body})
	assert.Equal(t, http.StatusBadRequest, resp.Status)
	assert.Equal(t, MsgNoFiles, errorMessage(t, resp))
}

func TestHandleUpload_BackendFailure(t *testing.T) {
	caps := newFakeCaps(t)
	caps.failing = &azcore.ResponseError{StatusCode: http.StatusForbidden, ErrorCode: "AuthorizationFailure"}
	svc := NewService(caps, Options{})

	resp := svc.HandleUpload(context.Background(), Request{
		Method: http.MethodPost,
		Query:  url.Values{"blobName": {"a.bin"}},
		Body:   strings.NewReader("x"),
	})
	assert.Equal(t, http.StatusInternalServerError, resp.Status)
	assert.Equal(t, "Upload failed: 403 Forbidden", errorMessage(t, resp))
}

func TestHandleUpload_PreflightAndMethods(t *testing.T) {
	svc := unconfiguredService()

	resp := svc.HandleUpload(context.Background(), Request{Method: http.MethodOptions})
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Nil(t, resp.Body)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "POST, OPTIONS", resp.Header.Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type, x-blob-name, x-content-type", resp.Header.Get("Access-Control-Allow-Headers"))

	resp = svc.HandleUpload(context.Background(), Request{Method: http.MethodGet})
	assert.Equal(t, http.StatusMethodNotAllowed, resp.Status)
}
