// Package config loads the registry server's configuration from a TOML
// file and environment variables (prefixed REGISTRY_); no setting is
// bound to a command-line flag. It follows the same spf13/viper layering nikhilcodewing-elephant-copilot-provider
// uses for its copilot.toml.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the server's settings. There is no separate mirror root:
// mirrored tarballs are stored under BlobRoot alongside published ones.
// There are no git credential settings either.
type Config struct {
	// ListenAddr is the HTTP surface's bind address.
	ListenAddr string `mapstructure:"listen_addr"`

	// BlobRoot is the tarball content-addressed storage root.
	BlobRoot string `mapstructure:"blob_root"`

	// IndexOrigin is the git remote URL the index working copy tracks.
	IndexOrigin string `mapstructure:"index_origin"`
	// IndexWorkDir is the local working copy path.
	IndexWorkDir string `mapstructure:"index_work_dir"`
	// IndexBranch is the branch the index is committed and pushed to.
	IndexBranch string `mapstructure:"index_branch"`
	// IndexAuthorName/Email is the commit identity used for index writes.
	IndexAuthorName  string `mapstructure:"index_author_name"`
	IndexAuthorEmail string `mapstructure:"index_author_email"`
	// IndexTimeout is loaded (default 30s) and shown by print-config; no
	// git fetch/push operation reads it, so those are not bounded by it.
	IndexTimeout time.Duration `mapstructure:"index_timeout"`

	// MetadataDriver selects the metadata.Store implementation: "bolt",
	// "redis", or "mongo".
	MetadataDriver string `mapstructure:"metadata_driver"`
	// MetadataDSN is the driver-specific connection string (bolt: file
	// path; redis: redis:// URL; mongo: mongodb:// URI).
	MetadataDSN string `mapstructure:"metadata_dsn"`

	// MirrorEnabled turns on the read-through upstream mirror.
	MirrorEnabled bool `mapstructure:"mirror_enabled"`
	// MirrorUpstreamURL overrides the default crates.io upstream.
	MirrorUpstreamURL string `mapstructure:"mirror_upstream_url"`
	// MirrorTimeout is loaded (default 60s) and shown by print-config; no
	// upstream mirror fetch reads it, so those are not bounded by it.
	MirrorTimeout time.Duration `mapstructure:"mirror_timeout"`

	// AllowedUpstreamRegistries is the alternate-registry allow-list
	// dependency entries are checked against.
	AllowedUpstreamRegistries []string `mapstructure:"allowed_upstream_registries"`

	// LogLevel is one of logrus's level names ("debug", "info", "warn",
	// "error").
	LogLevel string `mapstructure:"log_level"`
}

// Defaults returns the configuration spec.md's scenarios assume when a
// value isn't overridden.
func Defaults() Config {
	return Config{
		ListenAddr:       ":8080",
		BlobRoot:         "./data/blobs",
		IndexWorkDir:     "./data/index",
		IndexBranch:      "main",
		IndexAuthorName:  "registry-server",
		IndexAuthorEmail: "registry-server@localhost",
		IndexTimeout:     30 * time.Second,
		MetadataDriver:   "bolt",
		MetadataDSN:      "./data/metadata.db",
		MirrorTimeout:    60 * time.Second,
		LogLevel:         "info",
	}
}

// Load reads configuration from configPath (if non-empty), environment
// variables prefixed REGISTRY_ (REGISTRY_LISTEN_ADDR, etc.), and falls
// back to Defaults for anything unset.
func Load(configPath string) (Config, error) {
	v := viper.New()

	defaults := Defaults()
	v.SetDefault("listen_addr", defaults.ListenAddr)
	v.SetDefault("blob_root", defaults.BlobRoot)
	v.SetDefault("index_work_dir", defaults.IndexWorkDir)
	v.SetDefault("index_branch", defaults.IndexBranch)
	v.SetDefault("index_author_name", defaults.IndexAuthorName)
	v.SetDefault("index_author_email", defaults.IndexAuthorEmail)
	v.SetDefault("index_timeout", defaults.IndexTimeout)
	v.SetDefault("metadata_driver", defaults.MetadataDriver)
	v.SetDefault("metadata_dsn", defaults.MetadataDSN)
	v.SetDefault("mirror_timeout", defaults.MirrorTimeout)
	v.SetDefault("log_level", defaults.LogLevel)

	v.SetEnvPrefix("REGISTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
