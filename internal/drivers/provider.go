// Package drivers selects the issuer and backend implementations for the configured
// storage driver and builds them lazily, failing closed on missing credentials.
package drivers

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/asad/blobgate/internal/credentials"
	"github.com/asad/blobgate/internal/signing"
	"github.com/asad/blobgate/internal/storage"
)

// Kind names a storage driver.
type Kind string

const (
	Azure Kind = "azure"
	S3    Kind = "s3"
	FS    Kind = "fs"
)

// ParseKind validates a driver name.
func ParseKind(name string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(name))); k {
	case Azure, S3, FS:
		return k, nil
	case "":
		return Azure, nil
	default:
		return "", fmt.Errorf("unknown storage driver %q (want azure, s3 or fs)", name)
	}
}

// FilesPrefix is the route prefix the fs driver's emulator is served under.
const FilesPrefix = "/files"

// Options configures a Provider.
type Options struct {
	Kind    Kind
	Storage credentials.Settings
	S3      storage.S3Settings

	// DataDir and PublicBaseURL are used by the fs driver only.
	DataDir       string
	PublicBaseURL string

	Observer storage.Observer
	Now      func() time.Time
	Backoff  func() backoff.BackOff
}

// Provider hands out the configured issuer and backend. Both are built on first use.
type Provider struct {
	opts     Options
	resolver *credentials.Resolver

	// Builds are cached on success, and on configuration errors, which cannot change
	// for the life of the process. Anything else is retried on the next call.
	issuerMu  sync.Mutex
	issuer    signing.Issuer
	issuerErr error

	backendMu  sync.Mutex
	backend    storage.Backend
	backendErr error

	fileMu sync.Mutex
	files  *storage.FileBackend
}

// New creates a provider. Nothing is validated until first use.
func New(opts Options) *Provider {
	if opts.Kind == "" {
		opts.Kind = Azure
	}
	if opts.Observer == nil {
		opts.Observer = storage.NopObserver{}
	}
	return &Provider{
		opts:     opts,
		resolver: credentials.NewResolver(opts.Storage),
	}
}

// Kind returns the driver in use.
func (p *Provider) Kind() Kind {
	return p.opts.Kind
}

// StorageConfig resolves the account/container configuration.
func (p *Provider) StorageConfig() (credentials.StorageConfig, error) {
	return p.resolver.Resolve()
}

// Issuer returns the grant issuer, or a configuration error.
func (p *Provider) Issuer(ctx context.Context) (signing.Issuer, error) {
	p.issuerMu.Lock()
	defer p.issuerMu.Unlock()
	if p.issuer != nil || p.issuerErr != nil {
		return p.issuer, p.issuerErr
	}
	issuer, err := p.buildIssuer(ctx)
	if err != nil {
		if credentials.IsConfigError(err) {
			p.issuerErr = err
		}
		return nil, err
	}
	p.issuer = issuer
	return issuer, nil
}

// Backend returns the write-capable backend, or a configuration error.
func (p *Provider) Backend(ctx context.Context) (storage.Backend, error) {
	p.backendMu.Lock()
	defer p.backendMu.Unlock()
	if p.backend != nil || p.backendErr != nil {
		return p.backend, p.backendErr
	}
	base, err := p.buildBackend(ctx)
	if err != nil {
		if credentials.IsConfigError(err) {
			p.backendErr = err
		}
		return nil, err
	}
	p.backend = storage.NewInstrumentedBackend(
		storage.NewRetryingBackend(base, p.opts.Backoff),
		p.opts.Observer,
	)
	return p.backend, nil
}

// FileBackend returns the fs driver's backend for the files emulator.
func (p *Provider) FileBackend() (*storage.FileBackend, credentials.StorageConfig, error) {
	if p.opts.Kind != FS {
		return nil, credentials.StorageConfig{}, fmt.Errorf("driver %q has no file backend", p.opts.Kind)
	}
	cfg, err := p.resolver.Resolve()
	if err != nil {
		return nil, credentials.StorageConfig{}, err
	}
	store, err := p.fileBackend(cfg)
	return store, cfg, err
}

func (p *Provider) buildIssuer(ctx context.Context) (signing.Issuer, error) {
	switch p.opts.Kind {
	case Azure:
		cfg, err := p.resolver.ResolveForSigning()
		if err != nil {
			return nil, err
		}
		return signing.NewSASIssuer(cfg, p.opts.Now)
	case FS:
		cfg, err := p.resolver.ResolveForSigning()
		if err != nil {
			return nil, err
		}
		return signing.NewLocalIssuer([]byte(cfg.AccountKey), p.filesEndpoint(), cfg.ContainerName, cfg.CDNBaseURL, p.opts.Now), nil
	case S3:
		bucket, err := p.s3Bucket()
		if err != nil {
			return nil, err
		}
		client, err := storage.NewS3Client(ctx, p.opts.S3)
		if err != nil {
			return nil, err
		}
		return signing.NewS3Issuer(client, bucket, p.s3PublicBase(bucket), p.opts.Now), nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", p.opts.Kind)
}

func (p *Provider) buildBackend(ctx context.Context) (storage.Backend, error) {
	switch p.opts.Kind {
	case Azure:
		cfg, err := p.resolver.Resolve()
		if err != nil {
			return nil, err
		}
		return storage.NewAzureBackend(cfg)
	case FS:
		cfg, err := p.resolver.Resolve()
		if err != nil {
			return nil, err
		}
		return p.fileBackend(cfg)
	case S3:
		bucket, err := p.s3Bucket()
		if err != nil {
			return nil, err
		}
		client, err := storage.NewS3Client(ctx, p.opts.S3)
		if err != nil {
			return nil, err
		}
		return storage.NewS3Backend(client, bucket, p.s3PublicBase(bucket)), nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", p.opts.Kind)
}

// fileBackend builds the fs driver's store once, so the upload path and the files
// emulator share its lock.
func (p *Provider) fileBackend(cfg credentials.StorageConfig) (*storage.FileBackend, error) {
	p.fileMu.Lock()
	defer p.fileMu.Unlock()
	if p.files != nil {
		return p.files, nil
	}
	urlBase := p.filesEndpoint() + "/" + cfg.ContainerName
	if cfg.CDNBaseURL != "" {
		urlBase = cfg.CDNBaseURL
	}
	store, err := storage.NewFileBackend(p.opts.DataDir, cfg.AccountName, cfg.ContainerName, urlBase)
	if err != nil {
		return nil, err
	}
	p.files = store
	return store, nil
}

func (p *Provider) filesEndpoint() string {
	return strings.TrimRight(p.opts.PublicBaseURL, "/") + FilesPrefix
}

func (p *Provider) s3Bucket() (string, error) {
	bucket := credentials.Clean(p.opts.Storage.Container)
	if bucket == "" {
		return "", fmt.Errorf("%w: bucket name is missing", credentials.ErrStorageNotConfigured)
	}
	if credentials.Clean(p.opts.S3.AccessKeyID) == "" || credentials.Clean(p.opts.S3.SecretAccessKey) == "" {
		return "", fmt.Errorf("%w: S3 access keys are missing", credentials.ErrStorageNotConfigured)
	}
	return bucket, nil
}

func (p *Provider) s3PublicBase(bucket string) string {
	if cdn := strings.TrimRight(credentials.Clean(p.opts.Storage.CDNURL), "/"); cdn != "" {
		return cdn
	}
	if p.opts.S3.Endpoint != "" {
		return strings.TrimRight(p.opts.S3.Endpoint, "/") + "/" + bucket
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", bucket, p.opts.S3.Region)
}
