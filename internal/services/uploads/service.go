// Package uploads mounts the upload endpoints: the SAS signing pair under /api/uploads and
// the direct upload path under /api/storage. They are two services so the higher-trust
// direct path can be switched off on its own.
package uploads

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/asad/blobgate/internal/blobapi"
	"github.com/asad/blobgate/internal/httpx"
)

// SigningService serves grant signing and delete-if-exists.
type SigningService struct {
	api *blobapi.Service
}

// NewSigningService creates the "uploads" service.
func NewSigningService(api *blobapi.Service) *SigningService {
	return &SigningService{api: api}
}

// Name returns the service identifier.
func (s *SigningService) Name() string {
	return "uploads"
}

// Prefix returns the mount path.
func (s *SigningService) Prefix() string {
	return "/api/uploads"
}

// RegisterRoutes sets up:
//   - POST /sign   - mint a signed upload grant (GET answers a liveness echo)
//   - POST /delete - delete an object if it exists (GET answers a liveness echo)
//
// Every method reaches the handler, which answers 405 itself.
func (s *SigningService) RegisterRoutes(router chi.Router) {
	router.HandleFunc("/sign", httpx.Adapt(s.api.HandleSign))
	router.HandleFunc("/delete", httpx.Adapt(s.api.HandleDelete))
}

// DirectUploadService serves server-side uploads with the process's own credential.
type DirectUploadService struct {
	api *blobapi.Service
}

// NewDirectUploadService creates the "storage" service.
func NewDirectUploadService(api *blobapi.Service) *DirectUploadService {
	return &DirectUploadService{api: api}
}

// Name returns the service identifier.
func (s *DirectUploadService) Name() string {
	return "storage"
}

// Prefix returns the mount path.
func (s *DirectUploadService) Prefix() string {
	return "/api/storage"
}

// RegisterRoutes sets up POST /upload for multipart or raw bodies. Preflight requests pass
// through the CORS middleware to the handler, which owns the preflight answer.
func (s *DirectUploadService) RegisterRoutes(router chi.Router) {
	router.With(cors.Handler(cors.Options{
		AllowedOrigins:     []string{"*"},
		AllowedMethods:     []string{http.MethodPost, http.MethodOptions},
		AllowedHeaders:     []string{"Content-Type", blobapi.HeaderBlobName, blobapi.HeaderContentType},
		OptionsPassthrough: true,
		MaxAge:             300,
	})).HandleFunc("/upload", httpx.Adapt(s.api.HandleUpload))
}
