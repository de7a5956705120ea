package blobapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/asad/blobgate/internal/blobpath"
	"github.com/asad/blobgate/internal/logging"
	"github.com/asad/blobgate/internal/storage"
)

// Direct upload headers.
const (
	HeaderBlobName    = "x-blob-name"
	HeaderContentType = "x-content-type"

	defaultContentType = "application/octet-stream"
)

// UploadCORSHeaders are the preflight headers of the direct upload endpoint.
func UploadCORSHeaders() http.Header {
	h := http.Header{}
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, "+HeaderBlobName+", "+HeaderContentType)
	return h
}

// HandleUpload serves the direct upload endpoint. The body is either multipart/form-data
// with one or more file parts, or raw bytes named by the blobName query parameter or the
// x-blob-name header. The server's own credential performs the write.
func (s *Service) HandleUpload(ctx context.Context, req Request) Response {
	switch req.Method {
	case http.MethodOptions:
		return Response{Status: http.StatusOK, Header: UploadCORSHeaders()}
	case http.MethodPost:
	default:
		return MethodNotAllowed()
	}

	backend, err := s.caps.Backend(ctx)
	if err != nil {
		return s.fail("Upload rejected", err)
	}
	if req.Body == nil {
		req.Body = strings.NewReader("")
	}
	req.Body = http.MaxBytesReader(nil, io.NopCloser(req.Body), s.opts.MaxBodyBytes)

	mediaType, params, _ := mime.ParseMediaType(req.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		return s.uploadMultipart(ctx, backend, req, params["boundary"])
	}
	return s.uploadRaw(ctx, backend, req)
}

func (s *Service) uploadMultipart(ctx context.Context, backend storage.Backend, req Request, boundary string) Response {
	if boundary == "" {
		return s.fail("Upload rejected", invalid(MsgInvalidMultipart))
	}
	reader := multipart.NewReader(req.Body, boundary)
	urls := []string{}
	for i := 0; ; i++ {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return s.fail("Upload rejected", multipartError(err))
		}
		if !isFilePart(part) {
			_ = part.Close()
			continue
		}

		name := part.FileName()
		if strings.TrimSpace(name) == "" {
			name = "upload-" + strconv.FormatInt(s.opts.Now().UnixMilli(), 10)
			if i > 0 {
				name += "-" + strconv.Itoa(i)
			}
		}
		url, resp, ok := s.uploadPart(ctx, backend, part, name)
		_ = part.Close()
		if !ok {
			return resp
		}
		urls = append(urls, url)
	}
	if len(urls) == 0 {
		return s.fail("Upload rejected", invalid(MsgNoFiles))
	}
	return JSON(http.StatusCreated, map[string]any{"urls": urls})
}

// uploadPart spools one part to a temp file, then uploads its full contents. The temp
// file is removed on every path.
func (s *Service) uploadPart(ctx context.Context, backend storage.Backend, part *multipart.Part, name string) (string, Response, bool) {
	name, err := blobpath.CleanPrefix(name)
	if err != nil {
		return "", s.fail("Upload rejected", invalid(MsgInvalidBlobName)), false
	}

	tmp, err := os.CreateTemp(s.opts.TempDir, "blobgate-upload-*")
	if err != nil {
		return "", s.fail("Upload failed", fmt.Errorf("spool upload: %w", err)), false
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	if _, err := io.Copy(tmp, part); err != nil {
		return "", s.fail("Upload rejected", multipartError(err)), false
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return "", s.fail("Upload failed", fmt.Errorf("spool upload: %w", err)), false
	}
	data, err := io.ReadAll(tmp)
	if err != nil {
		return "", s.fail("Upload failed", fmt.Errorf("spool upload: %w", err)), false
	}

	contentType := part.Header.Get("Content-Type")
	if contentType == "" {
		contentType = defaultContentType
	}
	return s.put(ctx, backend, name, data, contentType)
}

func (s *Service) uploadRaw(ctx context.Context, backend storage.Backend, req Request) Response {
	name := strings.TrimSpace(req.Query.Get("blobName"))
	if name == "" {
		name = strings.TrimSpace(req.Header.Get(HeaderBlobName))
	}
	if name == "" {
		return s.fail("Upload rejected", invalid(MsgBlobNameRequired))
	}
	name, err := blobpath.CleanPrefix(name)
	if err != nil {
		return s.fail("Upload rejected", invalid(MsgInvalidBlobName))
	}

	data, err := io.ReadAll(req.Body)
	if err != nil {
		return s.fail("Upload rejected", err)
	}
	if len(data) == 0 {
		return s.fail("Upload rejected", invalid(MsgEmptyBody))
	}

	contentType := strings.TrimSpace(req.Header.Get(HeaderContentType))
	if contentType == "" {
		contentType = strings.TrimSpace(req.Header.Get("Content-Type"))
	}
	if contentType == "" {
		contentType = defaultContentType
	}

	url, resp, ok := s.put(ctx, backend, name, data, contentType)
	if !ok {
		return resp
	}
	return JSON(http.StatusCreated, map[string]any{"url": url})
}

func (s *Service) put(ctx context.Context, backend storage.Backend, name string, data []byte, contentType string) (string, Response, bool) {
	if err := s.ensureContainer(ctx); err != nil {
		return "", s.uploadFailed(name, err), false
	}
	if err := backend.Upload(ctx, name, data, contentType); err != nil {
		return "", s.uploadFailed(name, err), false
	}
	s.opts.Logger.Info("Blob uploaded",
		logging.String("blob_path", name),
		logging.String("content_type", contentType),
		logging.Int("size", len(data)),
	)
	return backend.ObjectURL(name), Response{}, true
}

func (s *Service) uploadFailed(name string, err error) Response {
	s.opts.Logger.Error("Upload failed", logging.String("blob_path", name), logging.ErrorField(err))
	return Fail(http.StatusInternalServerError, "Upload failed: "+storage.StatusText(err))
}

// isFilePart reports whether the part's Content-Disposition carries a filename parameter,
// even an empty one.
func isFilePart(part *multipart.Part) bool {
	_, params, err := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
	if err != nil {
		return false
	}
	_, ok := params["filename"]
	return ok
}

// multipartError keeps body-limit errors and reports every other read failure as a
// malformed body.
func multipartError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return err
	}
	return invalid(MsgInvalidMultipart)
}
