// Package blobapi is the transport-independent core of the upload endpoints.
//
// Each endpoint is a function from Request to Response. Validation, path building and
// signing live here and are unit-testable without an HTTP server; httpx adapts them to
// net/http at the edge.
package blobapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"

	"github.com/asad/blobgate/internal/credentials"
	"github.com/asad/blobgate/internal/storage"
)

// Request is the minimal inbound shape an endpoint needs.
type Request struct {
	Method string
	Path   string
	Header http.Header
	Query  url.Values
	Body   io.Reader
}

// Response is what an endpoint produces. A nil Body writes no payload.
type Response struct {
	Status int
	Header http.Header
	Body   any
}

// ErrorBody is the payload of every error response.
type ErrorBody struct {
	Error string `json:"error"`
}

// ValidationError is a caller mistake, reported as 400 with Message.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(msg string) error {
	return &ValidationError{Message: msg}
}

// Messages surfaced to callers.
const (
	MsgNotConfigured     = "Storage not configured"
	MsgInvalidConnString = "Invalid storage connection string"
	MsgInvalidAccountKey = "Invalid storage account key"
	MsgMethodNotAllowed  = "Method not allowed"
	MsgSignRequired      = "filename, contentType and dir are required"
	MsgUnsupportedType   = "Unsupported content type"
	MsgInvalidDir        = "Invalid dir"
	MsgInvalidMediaID    = "Invalid mediaId"
	MsgBlobPathRequired  = "blobPath is required"
	MsgInvalidBlobPath   = "Invalid blobPath"
	MsgInvalidJSON       = "Invalid JSON body"
	MsgBodyTooLarge      = "Request body too large"
	MsgNoFiles           = "No files uploaded"
	MsgBlobNameRequired  = "blobName is required"
	MsgInvalidBlobName   = "Invalid blobName"
	MsgInvalidMultipart  = "Invalid multipart body"
	MsgEmptyBody         = "Empty body"
	MsgInternal          = "Internal server error"
)

const maxJSONBodyBytes = 1 << 20

// JSON builds a response with a JSON body.
func JSON(status int, body any) Response {
	return Response{Status: status, Body: body}
}

// Fail builds an error response.
func Fail(status int, msg string) Response {
	return JSON(status, ErrorBody{Error: msg})
}

// Health is the process liveness response.
func Health() Response {
	return JSON(http.StatusOK, map[string]any{"ok": true})
}

// MethodNotAllowed is the response for unsupported verbs.
func MethodNotAllowed() Response {
	return Fail(http.StatusMethodNotAllowed, MsgMethodNotAllowed)
}

func liveness(req Request) Response {
	return JSON(http.StatusOK, map[string]any{"ok": true, "endpoint": req.Path, "method": req.Method})
}

// errorResponse classifies err into the status taxonomy: validation 400, configuration 401,
// everything else 500 with the error's own message.
func errorResponse(err error) Response {
	var vErr *ValidationError
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &vErr):
		return Fail(http.StatusBadRequest, vErr.Message)
	case errors.As(err, &tooLarge):
		return Fail(http.StatusBadRequest, MsgBodyTooLarge)
	case errors.Is(err, credentials.ErrInvalidConnectionString):
		return Fail(http.StatusUnauthorized, MsgInvalidConnString)
	case errors.Is(err, credentials.ErrInvalidAccountKey):
		return Fail(http.StatusUnauthorized, MsgInvalidAccountKey)
	case errors.Is(err, credentials.ErrStorageNotConfigured):
		return Fail(http.StatusUnauthorized, MsgNotConfigured)
	case errors.Is(err, storage.ErrInvalidObjectName):
		return Fail(http.StatusBadRequest, MsgInvalidBlobPath)
	}
	msg := err.Error()
	if strings.TrimSpace(msg) == "" {
		msg = MsgInternal
	}
	return Fail(http.StatusInternalServerError, msg)
}

// decodeObject reads a JSON object body. An empty body decodes to an empty object.
func decodeObject(body io.Reader) (map[string]any, error) {
	fields := map[string]any{}
	if body == nil {
		return fields, nil
	}
	raw, err := io.ReadAll(http.MaxBytesReader(nil, io.NopCloser(body), maxJSONBodyBytes))
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return fields, nil
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, invalid(MsgInvalidJSON)
	}
	return fields, nil
}

// stringField returns fields[key] when it is a string, trimmed; anything else is "".
func stringField(fields map[string]any, key string) string {
	v, _ := fields[key].(string)
	return strings.TrimSpace(v)
}

// intField returns fields[key] as an int when it is a JSON number.
func intField(fields map[string]any, key string) *int {
	v, ok := fields[key].(float64)
	if !ok {
		return nil
	}
	v = math.Max(math.Min(v, math.MaxInt32), math.MinInt32)
	n := int(v)
	return &n
}
