// Package credentials resolves object-storage credentials from deploy-time settings.
//
// Resolution fails closed: an incomplete or unparsable configuration is reported as an
// error the HTTP layer turns into a 401, never as a silent fallback to an unsigned path.
package credentials

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	// ErrStorageNotConfigured means account, container or every usable credential is missing.
	ErrStorageNotConfigured = errors.New("storage not configured")

	// ErrInvalidConnectionString means a connection string was supplied but lacks
	// AccountName or AccountKey.
	ErrInvalidConnectionString = errors.New("invalid storage connection string")

	// ErrInvalidAccountKey means the account key could not be turned into a signing credential.
	ErrInvalidAccountKey = errors.New("invalid storage account key")
)

// IsConfigError reports whether err is one of the configuration failures above.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrStorageNotConfigured) ||
		errors.Is(err, ErrInvalidConnectionString) ||
		errors.Is(err, ErrInvalidAccountKey)
}

// Settings are the raw values read from the environment, before cleaning.
type Settings struct {
	Account          string
	Container        string
	AccountKey       string
	ConnectionString string
	CDNURL           string
	SASToken         string
}

// StorageConfig is the resolved, read-only storage configuration.
type StorageConfig struct {
	AccountName   string
	ContainerName string
	AccountKey    string
	// SASToken is a static account or container SAS, without the leading '?'.
	// It can authorize backend calls but never signing.
	SASToken     string
	CDNBaseURL   string
	BlobEndpoint string
}

// CanSign reports whether the config holds a key able to mint new grants.
func (c StorageConfig) CanSign() bool {
	return c.AccountKey != ""
}

// ContainerURL is the direct URL of the configured container, without a trailing slash.
func (c StorageConfig) ContainerURL() string {
	return c.BlobEndpoint + "/" + c.ContainerName
}

// Clean trims whitespace and strips one pair of surrounding quotes.
func Clean(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 2 {
		first, last := v[0], v[len(v)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			v = strings.TrimSpace(v[1 : len(v)-1])
		}
	}
	return v
}

// Resolve turns raw settings into a StorageConfig.
//
// A connection string, when present, is authoritative for the account name, the key and
// the endpoint. The static SAS token is accepted as a backend credential only; callers that
// sign must also check CanSign.
func Resolve(s Settings) (StorageConfig, error) {
	cfg := StorageConfig{
		AccountName:   Clean(s.Account),
		ContainerName: Clean(s.Container),
		AccountKey:    Clean(s.AccountKey),
		SASToken:      strings.TrimPrefix(Clean(s.SASToken), "?"),
		CDNBaseURL:    strings.TrimRight(Clean(s.CDNURL), "/"),
	}

	if raw := Clean(s.ConnectionString); raw != "" {
		cs, err := ParseConnectionString(raw)
		if err != nil {
			return StorageConfig{}, err
		}
		cfg.AccountName = cs.AccountName
		cfg.AccountKey = cs.AccountKey
		cfg.BlobEndpoint = cs.Endpoint()
	}

	if cfg.AccountName == "" {
		return StorageConfig{}, fmt.Errorf("%w: account name is missing", ErrStorageNotConfigured)
	}
	if cfg.ContainerName == "" {
		return StorageConfig{}, fmt.Errorf("%w: container name is missing", ErrStorageNotConfigured)
	}
	if cfg.AccountKey == "" && cfg.SASToken == "" {
		return StorageConfig{}, fmt.Errorf("%w: neither account key nor connection string is set", ErrStorageNotConfigured)
	}
	if cfg.BlobEndpoint == "" {
		cfg.BlobEndpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AccountName)
	}
	return cfg, nil
}

// Resolver resolves settings once and hands out the cached result.
// The settings come from deploy-time configuration, so the result never changes for the
// life of the process.
type Resolver struct {
	settings Settings

	once sync.Once
	cfg  StorageConfig
	err  error
}

// NewResolver creates a resolver over the given settings.
func NewResolver(s Settings) *Resolver {
	return &Resolver{settings: s}
}

// Resolve returns the storage config or a configuration error.
func (r *Resolver) Resolve() (StorageConfig, error) {
	r.once.Do(func() {
		r.cfg, r.err = Resolve(r.settings)
	})
	return r.cfg, r.err
}

// ResolveForSigning is Resolve plus the requirement that a signing key is present.
func (r *Resolver) ResolveForSigning() (StorageConfig, error) {
	cfg, err := r.Resolve()
	if err != nil {
		return StorageConfig{}, err
	}
	if !cfg.CanSign() {
		return StorageConfig{}, fmt.Errorf("%w: signing requires an account key", ErrStorageNotConfigured)
	}
	return cfg, nil
}
