// Package config handles configuration loading and validation for distcache.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/maresync/distcache/pkg/bytesize"
)

// Config holds the full server configuration.
type Config struct {
	// CacheDirectory is the hot tier root. Required.
	CacheDirectory string `yaml:"cache_directory"`

	// ColdStorageDirectory is the cold tier root. Required when
	// UseColdStorage is set.
	ColdStorageDirectory string `yaml:"cold_storage_directory"`

	// UseColdStorage enables the two-tier model.
	UseColdStorage bool `yaml:"use_cold_storage"`

	// DistributionFileServerAddress is the upstream peer base URI.
	// Empty means this node is authoritative and misses are final.
	DistributionFileServerAddress string `yaml:"distribution_file_server_address"`

	// DistributionAuthToken is the bearer token presented when pulling
	// from the peer.
	DistributionAuthToken string `yaml:"distribution_auth_token"`

	// IsDistributionNode marks this node as serving peer-pull requests.
	IsDistributionNode bool `yaml:"is_distribution_node"`

	// DistributionFileServerForceHTTP2 pins outbound peer requests to
	// HTTP/2.
	DistributionFileServerForceHTTP2 bool `yaml:"distribution_file_server_force_http2"`

	// UnusedFileRetentionPeriodInDays is the hot retention window by
	// last access (default 14).
	UnusedFileRetentionPeriodInDays int `yaml:"unused_file_retention_period_in_days"`

	// ForcedDeletionOfFilesAfterHours deletes hot files by last write
	// age regardless of access. <=0 disables (default).
	ForcedDeletionOfFilesAfterHours int `yaml:"forced_deletion_of_files_after_hours"`

	// CacheSizeHardLimitInGiB caps the hot tier. <=0 disables.
	CacheSizeHardLimitInGiB int `yaml:"cache_size_hard_limit_in_gib"`

	// ColdStorageUnusedFileRetentionPeriodInDays is the cold retention
	// window (default 60).
	ColdStorageUnusedFileRetentionPeriodInDays int `yaml:"cold_storage_unused_file_retention_period_in_days"`

	// ColdStorageSizeHardLimitInGiB caps the cold tier. <=0 disables.
	ColdStorageSizeHardLimitInGiB int `yaml:"cold_storage_size_hard_limit_in_gib"`

	// CleanupCheckInMinutes is the janitor cadence (default 15).
	CleanupCheckInMinutes int `yaml:"cleanup_check_in_minutes"`

	// MetadataDirectory holds the file registry. Defaults to the hot
	// tier root.
	MetadataDirectory string `yaml:"metadata_directory"`

	// MetricsListen is the address of the Prometheus endpoint
	// (default ":9090").
	MetricsListen string `yaml:"metrics_listen"`

	// LogLevel is the zerolog level name (default "info").
	LogLevel string `yaml:"log_level"`

	// LogFile, when set, additionally writes logs to a rotating file.
	LogFile string `yaml:"log_file"`
}

// Load reads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills in unset options.
func (c *Config) ApplyDefaults() {
	if c.UnusedFileRetentionPeriodInDays == 0 {
		c.UnusedFileRetentionPeriodInDays = 14
	}
	if c.ColdStorageUnusedFileRetentionPeriodInDays == 0 {
		c.ColdStorageUnusedFileRetentionPeriodInDays = 60
	}
	if c.CleanupCheckInMinutes == 0 {
		c.CleanupCheckInMinutes = 15
	}
	if c.MetadataDirectory == "" {
		c.MetadataDirectory = c.CacheDirectory
	}
	if c.MetricsListen == "" {
		c.MetricsListen = ":9090"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	// Expand home directory in paths
	for _, dir := range []*string{&c.CacheDirectory, &c.ColdStorageDirectory, &c.MetadataDirectory} {
		if strings.HasPrefix(*dir, "~/") {
			homeDir, err := os.UserHomeDir()
			if err == nil {
				*dir = filepath.Join(homeDir, (*dir)[2:])
			}
		}
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.CacheDirectory == "" {
		return fmt.Errorf("cache_directory is required")
	}
	if !filepath.IsAbs(c.CacheDirectory) {
		return fmt.Errorf("cache_directory must be absolute")
	}
	if c.UseColdStorage {
		if c.ColdStorageDirectory == "" {
			return fmt.Errorf("cold_storage_directory is required when use_cold_storage is set")
		}
		if !filepath.IsAbs(c.ColdStorageDirectory) {
			return fmt.Errorf("cold_storage_directory must be absolute")
		}
	}
	if c.DistributionFileServerAddress != "" {
		u, err := url.Parse(c.DistributionFileServerAddress)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid distribution_file_server_address: %q", c.DistributionFileServerAddress)
		}
		if c.DistributionAuthToken == "" {
			return fmt.Errorf("distribution_auth_token is required when a distribution peer is configured")
		}
	}
	if c.CleanupCheckInMinutes <= 0 {
		return fmt.Errorf("cleanup_check_in_minutes must be positive")
	}
	if c.UnusedFileRetentionPeriodInDays < 0 {
		return fmt.Errorf("unused_file_retention_period_in_days must not be negative")
	}
	if c.ColdStorageUnusedFileRetentionPeriodInDays < 0 {
		return fmt.Errorf("cold_storage_unused_file_retention_period_in_days must not be negative")
	}
	return nil
}

// HotSizeLimit returns the hot tier cap in bytes, 0 when disabled.
func (c *Config) HotSizeLimit() int64 {
	if c.CacheSizeHardLimitInGiB <= 0 {
		return 0
	}
	return int64(c.CacheSizeHardLimitInGiB) * bytesize.GB
}

// ColdSizeLimit returns the cold tier cap in bytes, 0 when disabled.
func (c *Config) ColdSizeLimit() int64 {
	if c.ColdStorageSizeHardLimitInGiB <= 0 {
		return 0
	}
	return int64(c.ColdStorageSizeHardLimitInGiB) * bytesize.GB
}
