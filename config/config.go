// Package config loads the settings of a datasheet cache session.
//
// Settings are resolved in three layers, later layers winning:
//
//  1. Defaults from Default
//  2. A YAML file, if one is given and exists
//  3. Environment variables named DATASHEET_<FIELD>, e.g.
//     DATASHEET_MAX_DOCUMENT_CACHE_BYTES=52428800
//
// Example file:
//
//	storage_root: /home/user/.local/share/datasheet
//	max_document_cache_bytes: 104857600
//	evict_interval: 10m
//	saved_list_backend: sqlite
//	log_level: debug
package config

import (
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/jmgilman/go/datasheet/internal/logging"
	"github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/fs/core"
	"github.com/mattn/go-shellwords"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DATASHEET"

// Saved list backends.
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
)

// Config holds session settings.
type Config struct {
	// StorageRoot is the base directory of all artifact namespaces.
	StorageRoot string `yaml:"storage_root" env:"STORAGE_ROOT"`

	// MaxDocumentCacheBytes is the document cache budget. Exceeding it
	// triggers eviction.
	MaxDocumentCacheBytes int64 `yaml:"max_document_cache_bytes" env:"MAX_DOCUMENT_CACHE_BYTES"`

	// EvictInterval runs eviction periodically. Zero runs it only at startup.
	EvictInterval Duration `yaml:"evict_interval" env:"EVICT_INTERVAL"`

	// FetchTimeout bounds one document download. Zero disables the bound.
	FetchTimeout Duration `yaml:"fetch_timeout" env:"FETCH_TIMEOUT"`

	// WaitTimeout bounds waiting on a download started by another caller.
	WaitTimeout Duration `yaml:"wait_timeout" env:"WAIT_TIMEOUT"`

	// ImageTimeout bounds one image load.
	ImageTimeout Duration `yaml:"image_timeout" env:"IMAGE_TIMEOUT"`

	// SavedListBackend is "json" or "sqlite".
	SavedListBackend string `yaml:"saved_list_backend" env:"SAVED_LIST_BACKEND"`

	// UserAgent is sent with every remote request.
	UserAgent string `yaml:"user_agent" env:"USER_AGENT"`

	// FetchRetries is the number of extra attempts for retryable remote
	// failures.
	FetchRetries int `yaml:"fetch_retries" env:"FETCH_RETRIES"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`

	// LogFormat is text or json.
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`

	// Viewer is the command used to open documents. Empty uses the platform
	// default.
	Viewer string `yaml:"viewer" env:"VIEWER"`
}

// Duration is a time.Duration that reads from YAML as a string like "90s".
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler. Plain integers are taken as
// seconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func parseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Duration(time.Duration(n) * time.Second), nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, errors.CodeInvalidConfig, "invalid duration %q", s)
	}
	return Duration(v), nil
}

// Default returns the default settings.
func Default() *Config {
	return &Config{
		StorageRoot:           DefaultStorageRoot(),
		MaxDocumentCacheBytes: 100 << 20,
		FetchTimeout:          Duration(60 * time.Second),
		WaitTimeout:           Duration(2 * time.Minute),
		ImageTimeout:          Duration(30 * time.Second),
		SavedListBackend:      BackendJSON,
		LogLevel:              "info",
		LogFormat:             "text",
	}
}

// DefaultStorageRoot returns the per-user data directory for the cache.
func DefaultStorageRoot() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "datasheet")
	}
	return filepath.Join(os.TempDir(), "datasheet")
}

// SetDefaults fills unset fields with defaults.
func (c *Config) SetDefaults() {
	def := Default()
	if c.StorageRoot == "" {
		c.StorageRoot = def.StorageRoot
	}
	if c.MaxDocumentCacheBytes == 0 {
		c.MaxDocumentCacheBytes = def.MaxDocumentCacheBytes
	}
	if c.WaitTimeout == 0 {
		c.WaitTimeout = def.WaitTimeout
	}
	if c.ImageTimeout == 0 {
		c.ImageTimeout = def.ImageTimeout
	}
	if c.SavedListBackend == "" {
		c.SavedListBackend = def.SavedListBackend
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = def.LogFormat
	}
}

// Validate checks the settings.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.StorageRoot) == "" {
		return errors.New(errors.CodeInvalidConfig, "storage_root must not be empty")
	}
	if c.MaxDocumentCacheBytes <= 0 {
		return errors.WithContext(
			errors.New(errors.CodeInvalidConfig, "max_document_cache_bytes must be positive"),
			"value", c.MaxDocumentCacheBytes,
		)
	}
	for name, d := range map[string]Duration{
		"evict_interval": c.EvictInterval,
		"fetch_timeout":  c.FetchTimeout,
		"wait_timeout":   c.WaitTimeout,
		"image_timeout":  c.ImageTimeout,
	} {
		if d < 0 {
			return errors.Newf(errors.CodeInvalidConfig, "%s must not be negative", name)
		}
	}
	if c.FetchRetries < 0 {
		return errors.New(errors.CodeInvalidConfig, "fetch_retries must not be negative")
	}
	switch c.SavedListBackend {
	case BackendJSON, BackendSQLite:
	default:
		return errors.Newf(errors.CodeInvalidConfig, "unknown saved_list_backend %q", c.SavedListBackend)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if _, err := logging.ParseFormat(c.LogFormat); err != nil {
		return err
	}
	if _, err := shellwords.Parse(c.Viewer); err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "invalid viewer command")
	}
	return nil
}

// Logger builds the logger described by the settings.
func (c *Config) Logger() (*logging.Logger, error) {
	level, err := logging.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.LogFormat)
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Config{Level: level, Format: format}), nil
}

// Loader resolves a Config from defaults, a file and the environment.
type Loader struct {
	fs      core.FS
	path    string
	prefix  string
	environ func(string) (string, bool)
}

// NewLoader returns a loader reading files from fsys and variables from the
// process environment.
func NewLoader(fsys core.FS) *Loader {
	return &Loader{fs: fsys, prefix: EnvPrefix, environ: os.LookupEnv}
}

// WithPath sets the YAML file to read. A missing file is not an error.
func (l *Loader) WithPath(path string) *Loader {
	l.path = path
	return l
}

// WithEnv replaces the environment lookup, mainly for tests.
func (l *Loader) WithEnv(lookup func(string) (string, bool)) *Loader {
	l.environ = lookup
	return l
}

// Load resolves, completes and validates the settings.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	if l.path != "" {
		if err := l.loadFile(cfg); err != nil {
			return nil, err
		}
	}
	if err := l.loadEnv(cfg); err != nil {
		return nil, err
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) loadFile(cfg *Config) error {
	data, err := l.fs.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return errors.WrapWithContext(err, errors.CodeInvalidConfig, "failed to read config file", map[string]interface{}{
			"path": l.path,
		})
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return errors.WrapWithContext(err, errors.CodeInvalidConfig, "failed to parse config file", map[string]interface{}{
			"path": l.path,
		})
	}
	return nil
}

var durationType = reflect.TypeOf(Duration(0))

func (l *Loader) loadEnv(cfg *Config) error {
	v := reflect.ValueOf(cfg).Elem()
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("env")
		if tag == "" {
			continue
		}
		key := l.prefix + "_" + tag
		raw, ok := l.environ(key)
		if !ok || raw == "" {
			continue
		}
		if err := setField(v.Field(i), raw); err != nil {
			return errors.WithContext(
				errors.Wrapf(err, errors.CodeInvalidConfig, "invalid value for %s", key),
				"value", raw,
			)
		}
	}
	return nil
}

func setField(field reflect.Value, raw string) error {
	switch {
	case field.Type() == durationType:
		d, err := parseDuration(raw)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
	case field.Kind() == reflect.String:
		field.SetString(raw)
	case field.Kind() == reflect.Int, field.Kind() == reflect.Int64:
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	}
	return nil
}
