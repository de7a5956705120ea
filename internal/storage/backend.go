// Package storage holds the server-side object store backends.
//
// A Backend holds write credentials. It serves the delete endpoint and the direct upload
// path; signed uploads never pass through it.
package storage

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
)

// Backend is a single-container object store.
type Backend interface {
	// EnsureContainer creates the container if it does not exist. An existing container
	// is not an error.
	EnsureContainer(ctx context.Context) error

	// Upload writes data under name, replacing any existing object.
	Upload(ctx context.Context, name string, data []byte, contentType string) error

	// DeleteIfExists removes name. A missing object is not an error; existed reports
	// whether there was something to delete.
	DeleteIfExists(ctx context.Context, name string) (existed bool, err error)

	// ObjectURL is the URL the object is readable at after upload.
	ObjectURL(name string) string
}

// Object is a stored object as returned by backends that support reads.
type Object struct {
	Name        string
	Container   string
	ContentType string
	Content     []byte
	Size        int64
	ModifiedAt  time.Time
}

// ErrObjectNotFound is returned by reads of a missing object.
var ErrObjectNotFound = errors.New("object not found")

// ErrInvalidObjectName is returned for names that would escape the container.
var ErrInvalidObjectName = errors.New("invalid object name")

// ErrLocalStore wraps filesystem failures of the fs driver. They are not retried.
var ErrLocalStore = errors.New("local store failure")

// StatusCode extracts the HTTP status of a backend response error, or 0.
func StatusCode(err error) int {
	var azErr *azcore.ResponseError
	if errors.As(err, &azErr) {
		return azErr.StatusCode
	}
	var awsErr interface{ HTTPStatusCode() int }
	if errors.As(err, &awsErr) {
		return awsErr.HTTPStatusCode()
	}
	return 0
}

// StatusText describes a backend failure as "<code> <reason>" when the backend answered,
// and falls back to the error message otherwise.
func StatusText(err error) string {
	if err == nil {
		return ""
	}
	if code := StatusCode(err); code != 0 {
		return strconv.Itoa(code) + " " + http.StatusText(code)
	}
	return err.Error()
}
