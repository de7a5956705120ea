package signing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/url"
	"strings"
	"time"
)

// Query parameter names of a local grant. They mirror the Azure SAS names.
const (
	ParamStart       = "st"
	ParamExpiry      = "se"
	ParamPermissions = "sp"
	ParamContentType = "rsct"
	ParamSignature   = "sig"

	localPermissions = "cw"
)

var (
	ErrSignatureMismatch   = errors.New("signature mismatch")
	ErrGrantExpired        = errors.New("grant expired")
	ErrGrantNotYetValid    = errors.New("grant not yet valid")
	ErrPermissionDenied    = errors.New("grant does not allow this operation")
	ErrContentTypeMismatch = errors.New("content type does not match grant")
)

// LocalIssuer signs grants for the built-in file emulator. The scheme follows the Azure SAS
// shape (start, expiry, permissions, content type, HMAC-SHA256 signature) so clients treat
// both the same way.
type LocalIssuer struct {
	key        []byte
	endpoint   string
	container  string
	publicBase string
	now        func() time.Time
}

// NewLocalIssuer creates an issuer whose PUT URLs live under endpoint/container.
// publicBase overrides the read URL prefix (a CDN); empty means endpoint/container.
func NewLocalIssuer(key []byte, endpoint, container, publicBase string, now func() time.Time) *LocalIssuer {
	endpoint = strings.TrimRight(endpoint, "/")
	if publicBase == "" {
		publicBase = endpoint + "/" + container
	}
	return &LocalIssuer{
		key:        key,
		endpoint:   endpoint,
		container:  container,
		publicBase: publicBase,
		now:        nowFunc(now),
	}
}

func (l *LocalIssuer) IssueUploadGrant(_ context.Context, blobName, contentType string, ttl time.Duration) (Grant, error) {
	now := l.now().UTC().Truncate(time.Second)
	start := now.Add(-ClockSkew)
	expiry := now.Add(ClampTTL(ttl))

	q := url.Values{}
	q.Set(ParamStart, start.Format(time.RFC3339))
	q.Set(ParamExpiry, expiry.Format(time.RFC3339))
	q.Set(ParamPermissions, localPermissions)
	q.Set(ParamContentType, contentType)
	q.Set(ParamSignature, localSignature(l.key, l.container, blobName, q))

	return Grant{
		PutURL:    ObjectURL(l.endpoint+"/"+l.container, blobName) + "?" + q.Encode(),
		PublicURL: ObjectURL(l.publicBase, blobName),
		BlobPath:  blobName,
		StartsAt:  start,
		ExpiresAt: expiry,
	}, nil
}

// VerifyLocal checks a local grant presented on a PUT of blobName with the given content type.
func VerifyLocal(key []byte, container, blobName string, q url.Values, contentType string, now time.Time) error {
	want := localSignature(key, container, blobName, q)
	if !hmac.Equal([]byte(want), []byte(q.Get(ParamSignature))) {
		return ErrSignatureMismatch
	}
	if !strings.Contains(q.Get(ParamPermissions), "w") {
		return ErrPermissionDenied
	}
	start, err := time.Parse(time.RFC3339, q.Get(ParamStart))
	if err != nil {
		return ErrSignatureMismatch
	}
	expiry, err := time.Parse(time.RFC3339, q.Get(ParamExpiry))
	if err != nil {
		return ErrSignatureMismatch
	}
	if now.Before(start) {
		return ErrGrantNotYetValid
	}
	if !now.Before(expiry) {
		return ErrGrantExpired
	}
	if q.Get(ParamContentType) != contentType {
		return ErrContentTypeMismatch
	}
	return nil
}

func localSignature(key []byte, container, blobName string, q url.Values) string {
	toSign := strings.Join([]string{
		q.Get(ParamPermissions),
		q.Get(ParamStart),
		q.Get(ParamExpiry),
		"/" + container + "/" + blobName,
		q.Get(ParamContentType),
	}, "\n")
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(toSign))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

var _ Issuer = (*LocalIssuer)(nil)
