package signing

import (
	"context"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"

	"github.com/asad/blobgate/internal/credentials"
)

// SASIssuer signs blob-scoped Azure shared access signatures with the account key.
// SAS generation is local HMAC work; it never calls the storage service.
type SASIssuer struct {
	cfg  credentials.StorageConfig
	cred *azblob.SharedKeyCredential
	now  func() time.Time
}

// NewSASIssuer validates the key up front so a bad credential surfaces before any grant
// is attempted.
func NewSASIssuer(cfg credentials.StorageConfig, now func() time.Time) (*SASIssuer, error) {
	if !cfg.CanSign() {
		return nil, fmt.Errorf("%w: signing requires an account key", credentials.ErrStorageNotConfigured)
	}
	cred, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", credentials.ErrInvalidAccountKey, err)
	}
	return &SASIssuer{cfg: cfg, cred: cred, now: nowFunc(now)}, nil
}

// IssueUploadGrant returns an HTTPS-only create+write SAS for blobName. The content type is
// part of the signed values, so the signature only verifies for that type.
func (s *SASIssuer) IssueUploadGrant(_ context.Context, blobName, contentType string, ttl time.Duration) (Grant, error) {
	// SAS times carry second precision.
	now := s.now().UTC().Truncate(time.Second)
	start := now.Add(-ClockSkew)
	expiry := now.Add(ClampTTL(ttl))

	perms := sas.BlobPermissions{Create: true, Write: true}
	qp, err := sas.BlobSignatureValues{
		Protocol:      sas.ProtocolHTTPS,
		StartTime:     start,
		ExpiryTime:    expiry,
		Permissions:   perms.String(),
		ContainerName: s.cfg.ContainerName,
		BlobName:      blobName,
		ContentType:   contentType,
	}.SignWithSharedKey(s.cred)
	if err != nil {
		return Grant{}, fmt.Errorf("sign blob %q: %w", blobName, err)
	}

	publicBase := s.cfg.ContainerURL()
	if s.cfg.CDNBaseURL != "" {
		publicBase = s.cfg.CDNBaseURL
	}

	return Grant{
		PutURL:    ObjectURL(s.cfg.ContainerURL(), blobName) + "?" + qp.Encode(),
		PublicURL: ObjectURL(publicBase, blobName),
		BlobPath:  blobName,
		StartsAt:  start,
		ExpiresAt: expiry,
	}, nil
}

var _ Issuer = (*SASIssuer)(nil)
