// Package blobpath derives storage object keys of the form
// {dir}/{owner|misc}/{epochMillis}-{slug}.
package blobpath

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultOwner is used when a request names no owning entity.
const DefaultOwner = "misc"

var unsafeRun = regexp.MustCompile(`[^a-z0-9.]+`)

// ErrInvalidSegment is returned for empty, dot or dot-dot path segments and backslashes.
var ErrInvalidSegment = errors.New("invalid path segment")

// Slugify lowercases name, collapses every run of characters outside [a-z0-9.] into a
// single hyphen and trims hyphens from both ends. The result never contains '/' or '\',
// and Slugify(Slugify(x)) == Slugify(x).
func Slugify(name string) string {
	s := unsafeRun.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(s, "-")
}

// CleanPrefix validates a caller-supplied directory or owner id. Surrounding slashes are
// dropped; every remaining segment must be non-empty and neither "." nor "..".
func CleanPrefix(p string) (string, error) {
	p = strings.Trim(strings.TrimSpace(p), "/")
	if p == "" || strings.Contains(p, `\`) {
		return "", ErrInvalidSegment
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", ErrInvalidSegment
		}
	}
	return p, nil
}

// Builder composes blob paths. The zero value uses the wall clock and no random suffix.
type Builder struct {
	// Now returns the current time; nil means time.Now.
	Now func() time.Time

	// UniqueSuffix inserts 8 random hex characters after the timestamp, so two uploads of
	// the same name in the same millisecond no longer collide.
	UniqueSuffix bool
}

// Build returns {dir}/{ownerID|misc}/{epochMillis}-{slug(filename)}. dir and ownerID are
// expected to have passed CleanPrefix.
func (b Builder) Build(dir, ownerID, filename string) string {
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	if ownerID == "" {
		ownerID = DefaultOwner
	}

	var sb strings.Builder
	sb.WriteString(dir)
	sb.WriteByte('/')
	sb.WriteString(ownerID)
	sb.WriteByte('/')
	sb.WriteString(strconv.FormatInt(now().UnixMilli(), 10))
	sb.WriteByte('-')
	if b.UniqueSuffix {
		sb.WriteString(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
		sb.WriteByte('-')
	}
	sb.WriteString(Slugify(filename))
	return sb.String()
}
