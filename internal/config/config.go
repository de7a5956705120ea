package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/asad/blobgate/internal/credentials"
	"github.com/asad/blobgate/internal/drivers"
	"github.com/asad/blobgate/internal/storage"
)

// Config holds the application configuration loaded from the environment, an optional
// .env file and an optional config file.
type Config struct {
	API      APIConfig      `mapstructure:"api"`
	Log      LogConfig      `mapstructure:"log"`
	Services ServicesConfig `mapstructure:"services"`
	Storage  StorageConfig  `mapstructure:"storage"`
	S3       S3Config       `mapstructure:"s3"`
	Uploads  UploadsConfig  `mapstructure:"uploads"`
}

type APIConfig struct {
	// Port is the HTTP port the edge router listens on.
	// Default: 4000
	Port int `mapstructure:"port"`
}

type LogConfig struct {
	// Level controls the verbosity of logging (debug, info, warn, error).
	// Default: "info"
	Level string `mapstructure:"level"`
}

type ServicesConfig struct {
	// Enabled lists the services mounted at startup.
	// Example: "uploads,files" leaves the direct upload path off.
	// Default: "uploads,storage,files"
	Enabled []string `mapstructure:"enabled"`
}

// StorageConfig is the raw storage configuration. Values are cleaned and validated by the
// credentials package on first use, not here.
type StorageConfig struct {
	// Driver selects the storage implementation: azure, s3 or fs.
	// Default: "azure"
	Driver string `mapstructure:"driver"`

	Account          string `mapstructure:"account"`
	Container        string `mapstructure:"container"`
	AccountKey       string `mapstructure:"account_key"`
	ConnectionString string `mapstructure:"connection_string"`
	CDNURL           string `mapstructure:"cdn_url"`
	SASToken         string `mapstructure:"sas_token"`

	// DataDir is where the fs driver keeps objects.
	// Default: ./data
	DataDir string `mapstructure:"data_dir"`

	// PublicBaseURL is the externally reachable base of this process, used by the fs driver
	// to build upload and read URLs.
	// Default: http://localhost:{api.port}
	PublicBaseURL string `mapstructure:"public_base_url"`
}

type S3Config struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

type UploadsConfig struct {
	// DefaultTTL is the grant lifetime in seconds when a request names none.
	// Default: 600
	DefaultTTL int `mapstructure:"default_ttl"`

	// UniqueSuffix adds a random component to every blob path.
	// Default: false
	UniqueSuffix bool `mapstructure:"unique_suffix"`

	// MaxBodyBytes caps a direct upload body.
	// Default: 64 MiB
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`

	// TempDir is where multipart parts are spooled. Empty means the OS temp dir.
	TempDir string `mapstructure:"temp_dir"`
}

// envBindings maps each key to its environment variables, first non-empty wins.
var envBindings = map[string][]string{
	"api.port":                  {"API_PORT"},
	"log.level":                 {"LOG_LEVEL"},
	"services.enabled":          {"ENABLED_SERVICES"},
	"storage.driver":            {"STORAGE_DRIVER"},
	"storage.account":           {"AZURE_STORAGE_ACCOUNT", "STORAGE_ACCOUNT_NAME"},
	"storage.container":         {"AZURE_STORAGE_CONTAINER", "CONTAINER_NAME"},
	"storage.account_key":       {"AZURE_STORAGE_ACCOUNT_KEY"},
	"storage.connection_string": {"AZURE_STORAGE_CONNECTION_STRING"},
	"storage.cdn_url":           {"AZURE_CDN_URL"},
	"storage.sas_token":         {"SAS_TOKEN"},
	"storage.data_dir":          {"DATA_DIR"},
	"storage.public_base_url":   {"PUBLIC_BASE_URL"},
	"s3.endpoint":               {"S3_ENDPOINT"},
	"s3.region":                 {"S3_REGION"},
	"s3.access_key_id":          {"S3_ACCESS_KEY_ID"},
	"s3.secret_access_key":      {"S3_SECRET_ACCESS_KEY"},
	"uploads.default_ttl":       {"UPLOAD_DEFAULT_TTL"},
	"uploads.unique_suffix":     {"UPLOAD_UNIQUE_SUFFIX"},
	"uploads.max_body_bytes":    {"UPLOAD_MAX_BODY_BYTES"},
	"uploads.temp_dir":          {"UPLOAD_TEMP_DIR"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.port", 4000)
	v.SetDefault("log.level", "info")
	v.SetDefault("services.enabled", "uploads,storage,files")
	v.SetDefault("storage.driver", string(drivers.Azure))
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("uploads.default_ttl", 600)
	v.SetDefault("uploads.unique_suffix", false)
	v.SetDefault("uploads.max_body_bytes", 64<<20)
}

// Load reads a .env file in the working directory when present, then the environment, then
// configFile when given. Missing values get defaults.
func Load(configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	for key, envs := range envBindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	enabled := make([]string, 0, len(c.Services.Enabled))
	for _, entry := range c.Services.Enabled {
		for _, s := range strings.Split(entry, ",") {
			if s = strings.TrimSpace(s); s != "" {
				enabled = append(enabled, s)
			}
		}
	}
	c.Services.Enabled = enabled
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if strings.TrimSpace(c.Storage.PublicBaseURL) == "" {
		c.Storage.PublicBaseURL = "http://localhost:" + strconv.Itoa(c.API.Port)
	}
}

// IsServiceEnabled checks if a given service name is in the enabled list.
func (c *Config) IsServiceEnabled(serviceName string) bool {
	for _, s := range c.Services.Enabled {
		if s == serviceName {
			return true
		}
	}
	return false
}

// Validate rejects structurally invalid settings. Missing storage credentials are not a
// startup error; they surface per request.
func (c *Config) Validate() error {
	if c.API.Port <= 0 || c.API.Port >= 65536 {
		return fmt.Errorf("invalid API_PORT: %d (must be 1-65535)", c.API.Port)
	}
	if _, err := drivers.ParseKind(c.Storage.Driver); err != nil {
		return fmt.Errorf("invalid STORAGE_DRIVER: %w", err)
	}
	if c.Storage.Driver == string(drivers.FS) && c.Storage.DataDir == "" {
		return fmt.Errorf("DATA_DIR cannot be empty")
	}
	if c.Uploads.DefaultTTL <= 0 {
		return fmt.Errorf("invalid UPLOAD_DEFAULT_TTL: %d (must be positive)", c.Uploads.DefaultTTL)
	}
	if c.Uploads.MaxBodyBytes <= 0 {
		return fmt.Errorf("invalid UPLOAD_MAX_BODY_BYTES: %d (must be positive)", c.Uploads.MaxBodyBytes)
	}
	return nil
}

// DriverOptions converts the storage settings into provider options.
func (c *Config) DriverOptions() drivers.Options {
	kind, _ := drivers.ParseKind(c.Storage.Driver)
	return drivers.Options{
		Kind: kind,
		Storage: credentials.Settings{
			Account:          c.Storage.Account,
			Container:        c.Storage.Container,
			AccountKey:       c.Storage.AccountKey,
			ConnectionString: c.Storage.ConnectionString,
			CDNURL:           c.Storage.CDNURL,
			SASToken:         c.Storage.SASToken,
		},
		S3: storage.S3Settings{
			Endpoint:        c.S3.Endpoint,
			Region:          c.S3.Region,
			AccessKeyID:     c.S3.AccessKeyID,
			SecretAccessKey: c.S3.SecretAccessKey,
		},
		DataDir:       c.Storage.DataDir,
		PublicBaseURL: c.Storage.PublicBaseURL,
	}
}
