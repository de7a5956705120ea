// Package files serves the fs driver's objects: signed PUTs from upload grants and
// unsigned GETs at the public URL. It stands in for the object store during local
// development.
package files

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/asad/blobgate/internal/blobapi"
	"github.com/asad/blobgate/internal/core"
	"github.com/asad/blobgate/internal/credentials"
	"github.com/asad/blobgate/internal/drivers"
	"github.com/asad/blobgate/internal/logging"
	"github.com/asad/blobgate/internal/signing"
	"github.com/asad/blobgate/internal/storage"
)

// Store exposes the fs driver's backend together with its resolved configuration.
type Store interface {
	FileBackend() (*storage.FileBackend, credentials.StorageConfig, error)
}

// FilesService implements the signed-URL object endpoint.
type FilesService struct {
	store        Store
	logger       logging.Logger
	maxBodyBytes int64
	now          func() time.Time
}

// NewFilesService creates a new files service instance. now may be nil.
func NewFilesService(store Store, maxBodyBytes int64, logger logging.Logger, now func() time.Time) *FilesService {
	if now == nil {
		now = time.Now
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = blobapi.DefaultMaxBodyBytes
	}
	return &FilesService{
		store:        store,
		logger:       logger,
		maxBodyBytes: maxBodyBytes,
		now:          now,
	}
}

// Name returns the service identifier.
func (s *FilesService) Name() string {
	return "files"
}

// Prefix returns the mount path, which is where local grants point.
func (s *FilesService) Prefix() string {
	return drivers.FilesPrefix
}

// RegisterRoutes sets up HTTP routes for object operations:
//   - PUT /{container}/{blobName} - Upload with a signed grant
//   - GET /{container}/{blobName} - Download
func (s *FilesService) RegisterRoutes(router chi.Router) {
	router.Put("/{container}/*", s.handlePutObject)
	router.Get("/{container}/*", s.handleGetObject)
}

// resolve returns the backend and blob name for the request, or writes an error.
func (s *FilesService) resolve(w http.ResponseWriter, r *http.Request) (*storage.FileBackend, credentials.StorageConfig, string, bool) {
	backend, cfg, err := s.store.FileBackend()
	if err != nil {
		s.logger.Warn("files service unavailable", logging.ErrorField(err))
		s.writeError(w, http.StatusServiceUnavailable, "StorageNotConfigured", "Storage not configured")
		return nil, cfg, "", false
	}

	containerName := chi.URLParam(r, "container")
	blobName := chi.URLParam(r, "*")
	if r.URL.RawPath != "" {
		if unescaped, err := url.PathUnescape(blobName); err == nil {
			blobName = unescaped
		}
	}

	if containerName != cfg.ContainerName {
		s.writeError(w, http.StatusNotFound, "ContainerNotFound", "The specified container does not exist.")
		return nil, cfg, "", false
	}
	if blobName == "" {
		s.writeError(w, http.StatusBadRequest, "InvalidRequest", "Blob name is required")
		return nil, cfg, "", false
	}
	return backend, cfg, blobName, true
}

// handlePutObject handles PUT /{container}/{blobName}. The query string must carry a local
// grant for this exact object and the request's Content-Type.
func (s *FilesService) handlePutObject(w http.ResponseWriter, r *http.Request) {
	backend, cfg, blobName, ok := s.resolve(w, r)
	if !ok {
		return
	}

	contentType := r.Header.Get("Content-Type")
	err := signing.VerifyLocal([]byte(cfg.AccountKey), cfg.ContainerName, blobName, r.URL.Query(), contentType, s.now())
	if err != nil {
		s.logger.Warn("rejected upload",
			logging.String("container", cfg.ContainerName),
			logging.String("blob", blobName),
			logging.ErrorField(err),
		)
		code := "AuthenticationFailed"
		if errors.Is(err, signing.ErrPermissionDenied) {
			code = "AuthorizationPermissionMismatch"
		}
		s.writeError(w, http.StatusForbidden, code, err.Error())
		return
	}
	if blobType := r.Header.Get("x-ms-blob-type"); blobType != "" && blobType != "BlockBlob" {
		s.writeError(w, http.StatusBadRequest, "InvalidHeaderValue", "Only BlockBlob is supported")
		return
	}

	content, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "RequestBodyTooLarge", "The request body is too large")
			return
		}
		s.logger.Error("failed to read request body",
			logging.ErrorField(err),
		)
		s.writeError(w, http.StatusBadRequest, "InvalidRequest", "Failed to read request body")
		return
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	if err := backend.Upload(r.Context(), blobName, content, contentType); err != nil {
		if errors.Is(err, storage.ErrInvalidObjectName) {
			s.writeError(w, http.StatusBadRequest, "InvalidResourceName", "The specified resource name is not valid.")
			return
		}
		s.logger.Error("failed to put object",
			logging.String("container", cfg.ContainerName),
			logging.String("blob", blobName),
			logging.ErrorField(err),
		)
		s.writeError(w, http.StatusInternalServerError, "InternalError", "Failed to upload blob")
		return
	}

	s.logger.Info("object uploaded",
		logging.String("container", cfg.ContainerName),
		logging.String("blob", blobName),
		logging.Int("size", len(content)),
	)
	w.WriteHeader(http.StatusCreated)
}

// handleGetObject handles GET /{container}/{blobName}.
func (s *FilesService) handleGetObject(w http.ResponseWriter, r *http.Request) {
	backend, cfg, blobName, ok := s.resolve(w, r)
	if !ok {
		return
	}

	obj, err := backend.Get(r.Context(), blobName)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrObjectNotFound), errors.Is(err, storage.ErrInvalidObjectName):
			s.writeError(w, http.StatusNotFound, "BlobNotFound", "The specified blob does not exist.")
		default:
			s.logger.Error("failed to get object",
				logging.String("container", cfg.ContainerName),
				logging.String("blob", blobName),
				logging.ErrorField(err),
			)
			s.writeError(w, http.StatusInternalServerError, "InternalError", "Failed to retrieve blob")
		}
		return
	}

	w.Header().Set("Content-Type", obj.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	w.Header().Set("Last-Modified", obj.ModifiedAt.UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(obj.Content)
}

// writeError writes an error response in a consistent format.
func (s *FilesService) writeError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

// Ensure FilesService implements the Service interface.
var _ core.Service = (*FilesService)(nil)
