package blobapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/asad/blobgate/internal/blobpath"
	"github.com/asad/blobgate/internal/logging"
	"github.com/asad/blobgate/internal/signing"
	"github.com/asad/blobgate/internal/storage"
)

// Capabilities hands out the two storage capabilities. The SAS path only ever needs an
// Issuer; Backend is the server-held write credential used by delete and direct upload.
type Capabilities interface {
	Issuer(ctx context.Context) (signing.Issuer, error)
	Backend(ctx context.Context) (storage.Backend, error)
}

// Options tunes a Service. Zero values fall back to sensible defaults.
type Options struct {
	Paths        blobpath.Builder
	DefaultTTL   time.Duration
	MaxBodyBytes int64
	TempDir      string
	Observer     storage.Observer
	Logger       logging.Logger
	Now          func() time.Time
}

// DefaultMaxBodyBytes caps a direct upload body.
const DefaultMaxBodyBytes int64 = 64 << 20

// Service implements the sign, delete and direct upload endpoints.
type Service struct {
	caps Capabilities
	opts Options

	ensures singleflight.Group
	ensured atomic.Bool
}

// NewService creates a Service over caps.
func NewService(caps Capabilities, opts Options) *Service {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = signing.DefaultTTL
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.Observer == nil {
		opts.Observer = storage.NopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Paths.Now == nil {
		opts.Paths.Now = opts.Now
	}
	return &Service{caps: caps, opts: opts}
}

// UploadRequest asks for a signed upload grant.
type UploadRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Dir         string `json:"dir"`
	MediaID     string `json:"mediaId,omitempty"`
	TTLSeconds  *int   `json:"ttlSeconds,omitempty"`
}

// SignResponse is the SignedUploadGrant returned to callers.
type SignResponse struct {
	PutURL    string `json:"putUrl"`
	PublicURL string `json:"publicUrl"`
	BlobPath  string `json:"blobPath"`
	ExpiresAt string `json:"expiresAt"`
}

// ExpiresAtLayout is an ISO-8601 timestamp with millisecond precision.
const ExpiresAtLayout = "2006-01-02T15:04:05.000Z07:00"

var allowedPrefixes = []string{"image/", "video/", "audio/", "application/vnd"}

// IsAllowedContentType reports whether contentType is on the upload allow-list: any
// image, video or audio type, application/pdf, or anything under application/vnd.
func IsAllowedContentType(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if ct == "application/pdf" {
		return true
	}
	for _, prefix := range allowedPrefixes {
		if strings.HasPrefix(ct, prefix) {
			return true
		}
	}
	return false
}

// Sign validates req and mints a grant for a freshly built blob path.
func (s *Service) Sign(ctx context.Context, req UploadRequest) (SignResponse, error) {
	issuer, err := s.caps.Issuer(ctx)
	if err != nil {
		return SignResponse{}, err
	}
	return s.sign(ctx, issuer, req)
}

func (s *Service) sign(ctx context.Context, issuer signing.Issuer, req UploadRequest) (SignResponse, error) {
	filename := strings.TrimSpace(req.Filename)
	contentType := strings.TrimSpace(req.ContentType)
	dir := strings.TrimSpace(req.Dir)
	if filename == "" || contentType == "" || dir == "" {
		return SignResponse{}, invalid(MsgSignRequired)
	}
	if !IsAllowedContentType(contentType) {
		return SignResponse{}, invalid(MsgUnsupportedType)
	}
	dir, err := blobpath.CleanPrefix(dir)
	if err != nil {
		return SignResponse{}, invalid(MsgInvalidDir)
	}
	owner := strings.TrimSpace(req.MediaID)
	if owner != "" {
		if owner, err = blobpath.CleanPrefix(owner); err != nil {
			return SignResponse{}, invalid(MsgInvalidMediaID)
		}
	}

	if err := s.ensureContainer(ctx); err != nil {
		return SignResponse{}, err
	}

	blobPath := s.opts.Paths.Build(dir, owner, filename)
	start := time.Now()
	grant, err := issuer.IssueUploadGrant(ctx, blobPath, contentType, signing.TTLFromSeconds(req.TTLSeconds, s.opts.DefaultTTL))
	s.opts.Observer.RecordOperation(storage.OpSign, time.Since(start), err)
	if err != nil {
		return SignResponse{}, err
	}

	s.opts.Logger.Info("Upload grant issued",
		logging.String("blob_path", blobPath),
		logging.String("content_type", contentType),
		logging.String("expires_at", grant.ExpiresAt.UTC().Format(time.RFC3339)),
	)
	return SignResponse{
		PutURL:    grant.PutURL,
		PublicURL: grant.PublicURL,
		BlobPath:  grant.BlobPath,
		ExpiresAt: grant.ExpiresAt.UTC().Format(ExpiresAtLayout),
	}, nil
}

// HandleSign serves the sign endpoint.
func (s *Service) HandleSign(ctx context.Context, req Request) Response {
	switch req.Method {
	case http.MethodGet:
		return liveness(req)
	case http.MethodPost:
	default:
		return MethodNotAllowed()
	}

	issuer, err := s.caps.Issuer(ctx)
	if err != nil {
		return s.fail("Sign rejected", err)
	}
	fields, err := decodeObject(req.Body)
	if err != nil {
		return s.fail("Sign rejected", err)
	}
	grant, err := s.sign(ctx, issuer, UploadRequest{
		Filename:    stringField(fields, "filename"),
		ContentType: stringField(fields, "contentType"),
		Dir:         stringField(fields, "dir"),
		MediaID:     stringField(fields, "mediaId"),
		TTLSeconds:  intField(fields, "ttlSeconds"),
	})
	if err != nil {
		return s.fail("Sign failed", err)
	}
	return JSON(http.StatusOK, grant)
}

// Delete removes blobPath if it exists. It reports whether an object was removed.
func (s *Service) Delete(ctx context.Context, blobPath string) (bool, error) {
	backend, err := s.caps.Backend(ctx)
	if err != nil {
		return false, err
	}
	return s.delete(ctx, backend, blobPath)
}

func (s *Service) delete(ctx context.Context, backend storage.Backend, blobPath string) (bool, error) {
	if strings.TrimSpace(blobPath) == "" {
		return false, invalid(MsgBlobPathRequired)
	}
	name, err := blobpath.CleanPrefix(blobPath)
	if err != nil {
		return false, invalid(MsgInvalidBlobPath)
	}
	existed, err := backend.DeleteIfExists(ctx, name)
	if err != nil {
		return false, err
	}
	s.opts.Logger.Info("Blob deleted", logging.String("blob_path", name), logging.Bool("existed", existed))
	return existed, nil
}

// HandleDelete serves the delete endpoint. Deleting a missing object still answers ok.
func (s *Service) HandleDelete(ctx context.Context, req Request) Response {
	switch req.Method {
	case http.MethodGet:
		return liveness(req)
	case http.MethodPost:
	default:
		return MethodNotAllowed()
	}

	backend, err := s.caps.Backend(ctx)
	if err != nil {
		return s.fail("Delete rejected", err)
	}
	fields, err := decodeObject(req.Body)
	if err != nil {
		return s.fail("Delete rejected", err)
	}
	// A non-string blobPath is treated as missing.
	if _, err := s.delete(ctx, backend, stringField(fields, "blobPath")); err != nil {
		return s.fail("Delete failed", err)
	}
	return JSON(http.StatusOK, map[string]any{"ok": true})
}

// ensureContainer creates the container on first use and remembers success. Concurrent
// first calls share one create request; no lock is held across it.
func (s *Service) ensureContainer(ctx context.Context) error {
	if s.ensured.Load() {
		return nil
	}
	_, err, _ := s.ensures.Do("container", func() (any, error) {
		if s.ensured.Load() {
			return nil, nil
		}
		backend, err := s.caps.Backend(ctx)
		if err != nil {
			return nil, err
		}
		if err := backend.EnsureContainer(ctx); err != nil {
			return nil, err
		}
		s.ensured.Store(true)
		return nil, nil
	})
	return err
}

// fail converts err to a response, logging server-side failures.
func (s *Service) fail(msg string, err error) Response {
	resp := errorResponse(err)
	var vErr *ValidationError
	switch {
	case resp.Status >= http.StatusInternalServerError:
		s.opts.Logger.Error(msg, logging.ErrorField(err))
	case errors.As(err, &vErr):
		s.opts.Logger.Debug(msg, logging.String("reason", vErr.Message))
	default:
		s.opts.Logger.Warn(msg, logging.ErrorField(err))
	}
	return resp
}
