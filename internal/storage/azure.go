package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/asad/blobgate/internal/credentials"
	"github.com/asad/blobgate/internal/signing"
)

// AzureBackend talks to one Azure Blob Storage container.
type AzureBackend struct {
	client     *azblob.Client
	container  string
	publicBase string
}

// NewAzureBackend builds a client from the account key, or from the static SAS token when
// no key is configured.
func NewAzureBackend(cfg credentials.StorageConfig) (*AzureBackend, error) {
	var (
		client *azblob.Client
		err    error
	)
	serviceURL := cfg.BlobEndpoint + "/"
	switch {
	case cfg.AccountKey != "":
		cred, credErr := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("%w: %v", credentials.ErrInvalidAccountKey, credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	case cfg.SASToken != "":
		client, err = azblob.NewClientWithNoCredential(serviceURL+"?"+strings.TrimPrefix(cfg.SASToken, "?"), nil)
	default:
		return nil, fmt.Errorf("%w: no account key or SAS token", credentials.ErrStorageNotConfigured)
	}
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}

	publicBase := cfg.ContainerURL()
	if cfg.CDNBaseURL != "" {
		publicBase = cfg.CDNBaseURL
	}
	return &AzureBackend{
		client:     client,
		container:  cfg.ContainerName,
		publicBase: publicBase,
	}, nil
}

func (s *AzureBackend) EnsureContainer(ctx context.Context) error {
	_, err := s.client.CreateContainer(ctx, s.container, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return fmt.Errorf("azure: create container %q: %w", s.container, err)
	}
	return nil
}

func (s *AzureBackend) Upload(ctx context.Context, name string, data []byte, contentType string) error {
	_, err := s.client.UploadBuffer(ctx, s.container, name, data, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr(contentType)},
	})
	if err != nil {
		return fmt.Errorf("azure: upload %q: %w", name, err)
	}
	return nil
}

func (s *AzureBackend) DeleteIfExists(ctx context.Context, name string) (bool, error) {
	_, err := s.client.DeleteBlob(ctx, s.container, name, &azblob.DeleteBlobOptions{
		DeleteSnapshots: to.Ptr(blob.DeleteSnapshotsOptionTypeInclude),
	})
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("azure: delete %q: %w", name, err)
	}
	return true, nil
}

func (s *AzureBackend) ObjectURL(name string) string {
	return signing.ObjectURL(s.publicBase, name)
}

var _ Backend = (*AzureBackend)(nil)
