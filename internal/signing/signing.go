// Package signing mints short-lived, single-object upload grants.
//
// A grant authorizes create+write on exactly one object key and nothing else. The master
// credential never leaves the process: callers only ever see the signed URL.
package signing

import (
	"context"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultTTL applies when the caller does not ask for a specific lifetime.
	DefaultTTL = 600 * time.Second
	// MinTTL and MaxTTL bound every grant lifetime.
	MinTTL = 60 * time.Second
	MaxTTL = 3600 * time.Second
	// ClockSkew backdates the start of a grant's validity window.
	ClockSkew = 5 * time.Minute
)

// Grant is a signed upload authorization for one object.
type Grant struct {
	PutURL    string
	PublicURL string
	BlobPath  string
	StartsAt  time.Time
	ExpiresAt time.Time
}

// Issuer mints upload grants. Implementations must fail before doing any signing work when
// their credentials are absent or malformed.
type Issuer interface {
	IssueUploadGrant(ctx context.Context, blobName, contentType string, ttl time.Duration) (Grant, error)
}

// ClampTTL bounds ttl to [MinTTL, MaxTTL].
func ClampTTL(ttl time.Duration) time.Duration {
	if ttl < MinTTL {
		return MinTTL
	}
	if ttl > MaxTTL {
		return MaxTTL
	}
	return ttl
}

// TTLFromSeconds turns an optional lifetime in seconds into a clamped duration.
func TTLFromSeconds(seconds *int, def time.Duration) time.Duration {
	if seconds == nil {
		if def <= 0 {
			def = DefaultTTL
		}
		return ClampTTL(def)
	}
	return ClampTTL(time.Duration(*seconds) * time.Second)
}

// EscapePath escapes each segment of a slash-separated object key.
func EscapePath(key string) string {
	segs := strings.Split(key, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

// ObjectURL joins a base URL and an object key.
func ObjectURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + EscapePath(key)
}

func nowFunc(now func() time.Time) func() time.Time {
	if now == nil {
		return time.Now
	}
	return now
}
