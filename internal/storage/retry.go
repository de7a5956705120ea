package storage

import (
	"context"
	"errors"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
)

// RetryingBackend retries the idempotent operations (ensure-container, delete-if-exists)
// on transient failures. Uploads pass straight through.
type RetryingBackend struct {
	delegate     Backend
	buildBackoff func() backoff.BackOff
}

// NewRetryingBackend wraps delegate. A nil factory means exponential backoff capped at 3s.
func NewRetryingBackend(delegate Backend, factory func() backoff.BackOff) *RetryingBackend {
	if factory == nil {
		factory = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxElapsedTime = 3 * time.Second
			return b
		}
	}
	return &RetryingBackend{delegate: delegate, buildBackoff: factory}
}

func (r *RetryingBackend) EnsureContainer(ctx context.Context) error {
	return r.retry(ctx, func() error { return r.delegate.EnsureContainer(ctx) })
}

func (r *RetryingBackend) Upload(ctx context.Context, name string, data []byte, contentType string) error {
	return r.delegate.Upload(ctx, name, data, contentType)
}

func (r *RetryingBackend) DeleteIfExists(ctx context.Context, name string) (bool, error) {
	var existed bool
	err := r.retry(ctx, func() error {
		var err error
		existed, err = r.delegate.DeleteIfExists(ctx, name)
		return err
	})
	return existed, err
}

func (r *RetryingBackend) ObjectURL(name string) string {
	return r.delegate.ObjectURL(name)
}

func (r *RetryingBackend) retry(ctx context.Context, fn func() error) error {
	b := backoff.WithContext(r.buildBackoff(), ctx)
	return backoff.Retry(func() error {
		err := fn()
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

// retryable treats 408, 429 and 5xx answers, and remote failures without a status
// (connection resets, timeouts), as transient.
func retryable(err error) bool {
	if errors.Is(err, ErrInvalidObjectName) || errors.Is(err, ErrLocalStore) {
		return false
	}
	code := StatusCode(err)
	switch {
	case code == 0:
		return true
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}

var _ Backend = (*RetryingBackend)(nil)
