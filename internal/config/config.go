// Package config loads runtime configuration for casd from a TOML file with
// environment-variable overrides. Precedence for scalar settings is
// flag > environment > config file > default.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"casd/internal/digest"
)

const (
	DefaultAPIURL        = "http://127.0.0.1:7433"
	DefaultDBFileName    = ".casd.db"
	DefaultBlobDirName   = ".casd-blobs"
	DefaultConfigName    = ".casd.toml"
	DefaultLogLevel      = "info"
	DefaultHashAlgorithm = string(digest.AlgorithmSHA256)

	DefaultUploadMaxBytes        int64 = 100 * 1024 * 1024
	DefaultUploadMultipartMemory int64 = 8 * 1024 * 1024
	DefaultUploadRejectMismatch        = true

	DefaultSweepBatchSize       = 500
	DefaultOrphanGraceMinutes   = 60
	DefaultLogRetentionDays     = 90
	DefaultHistoryRetentionDays = 365

	configDirEnvKey   = "CASD_CONFIG_DIR"
	dbPathEnvKey      = "CASD_DB_PATH"
	blobRootEnvKey    = "CASD_BLOB_ROOT"
	apiURLEnvKey      = "CASD_API_URL"
	hashAlgoEnvKey    = "CASD_HASH_ALGORITHM"
	allowedMediaEnv   = "CASD_ALLOWED_MEDIA_TYPES"
	rejectMismatchEnv = "CASD_REJECT_MEDIA_TYPE_MISMATCH"
)

// UploadConfig bounds and policies for ingestion uploads.
type UploadConfig struct {
	MaxUploadBytes          int64    `toml:"max_upload_bytes"`
	MultipartMaxMemory      int64    `toml:"multipart_max_memory"`
	AllowedMediaTypes       []string `toml:"allowed_media_types"`
	RejectMediaTypeMismatch bool     `toml:"reject_media_type_mismatch"`
}

// SweepConfig tunes the cleanup sweeper.
type SweepConfig struct {
	BatchSize            int `toml:"batch_size"`
	OrphanGraceMinutes   int `toml:"orphan_grace_minutes"`
	LogRetentionDays     int `toml:"log_retention_days"`
	HistoryRetentionDays int `toml:"history_retention_days"`
}

// AuthConfig holds bcrypt hashes of the bearer tokens accepted by the server.
// Empty hashes disable the respective check (local trusted use).
type AuthConfig struct {
	APITokenHash   string `toml:"api_token_hash"`
	AdminTokenHash string `toml:"admin_token_hash"`
}

// Config defines runtime configuration for casd.
type Config struct {
	APIURL        string       `toml:"api_url"`
	DBPath        string       `toml:"db_path"`
	BlobRoot      string       `toml:"blob_root"`
	HashAlgorithm string       `toml:"hash_algorithm"`
	LogLevel      string       `toml:"log_level"`
	Upload        UploadConfig `toml:"upload"`
	Sweep         SweepConfig  `toml:"sweep"`
	Auth          AuthConfig   `toml:"auth"`
}

// Default returns default configuration values.
func Default() Config {
	return Config{
		APIURL:        DefaultAPIURL,
		DBPath:        "",
		BlobRoot:      "",
		HashAlgorithm: DefaultHashAlgorithm,
		LogLevel:      DefaultLogLevel,
		Upload: UploadConfig{
			MaxUploadBytes:          DefaultUploadMaxBytes,
			MultipartMaxMemory:      DefaultUploadMultipartMemory,
			AllowedMediaTypes:       nil,
			RejectMediaTypeMismatch: DefaultUploadRejectMismatch,
		},
		Sweep: SweepConfig{
			BatchSize:            DefaultSweepBatchSize,
			OrphanGraceMinutes:   DefaultOrphanGraceMinutes,
			LogRetentionDays:     DefaultLogRetentionDays,
			HistoryRetentionDays: DefaultHistoryRetentionDays,
		},
	}
}

// Load reads configuration from the config file (if present), applies
// environment overrides, fills derived defaults, and validates.
func Load() (*Config, error) {
	cfg := Default()

	path, err := configPath()
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := loadFileIfExists(path, &cfg); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(&cfg)

	if err := fillDerivedDefaults(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field config invariants.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is required")
	}
	if _, err := digest.ParseAlgorithm(c.HashAlgorithm); err != nil {
		return err
	}
	if c.Upload.MaxUploadBytes <= 0 {
		return fmt.Errorf("upload.max_upload_bytes must be > 0")
	}
	if c.Upload.MultipartMaxMemory <= 0 {
		return fmt.Errorf("upload.multipart_max_memory must be > 0")
	}
	if c.Sweep.BatchSize <= 0 {
		return fmt.Errorf("sweep.batch_size must be > 0")
	}
	if c.Sweep.OrphanGraceMinutes < 0 {
		return fmt.Errorf("sweep.orphan_grace_minutes must be >= 0")
	}
	if c.Sweep.LogRetentionDays <= 0 {
		return fmt.Errorf("sweep.log_retention_days must be > 0")
	}
	if c.Sweep.HistoryRetentionDays <= 0 {
		return fmt.Errorf("sweep.history_retention_days must be > 0")
	}
	return nil
}

// Algorithm returns the validated content-hash algorithm.
func (c *Config) Algorithm() digest.Algorithm {
	algo, err := digest.ParseAlgorithm(c.HashAlgorithm)
	if err != nil {
		return digest.AlgorithmSHA256
	}
	return algo
}

func configPath() (string, error) {
	if dir := strings.TrimSpace(os.Getenv(configDirEnvKey)); dir != "" {
		return filepath.Join(dir, DefaultConfigName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		// No home directory is fine; run on defaults.
		return "", nil
	}
	return filepath.Join(home, DefaultConfigName), nil
}

func loadFileIfExists(path string, cfg *Config) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.IsDir() {
		return nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(apiURLEnvKey)); v != "" {
		cfg.APIURL = v
	}
	if v := strings.TrimSpace(os.Getenv(dbPathEnvKey)); v != "" {
		cfg.DBPath = v
	}
	if v := strings.TrimSpace(os.Getenv(blobRootEnvKey)); v != "" {
		cfg.BlobRoot = v
	}
	if v := strings.TrimSpace(os.Getenv(hashAlgoEnvKey)); v != "" {
		cfg.HashAlgorithm = v
	}
	if v := strings.TrimSpace(os.Getenv(allowedMediaEnv)); v != "" {
		parts := []string{}
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				parts = append(parts, part)
			}
		}
		cfg.Upload.AllowedMediaTypes = parts
	}
	if v := strings.TrimSpace(os.Getenv(rejectMismatchEnv)); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.Upload.RejectMediaTypeMismatch = parsed
		}
	}
}

func fillDerivedDefaults(cfg *Config) error {
	if strings.TrimSpace(cfg.DBPath) == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		cfg.DBPath = filepath.Join(wd, DefaultDBFileName)
	}
	if strings.TrimSpace(cfg.BlobRoot) == "" {
		cfg.BlobRoot = filepath.Join(filepath.Dir(cfg.DBPath), DefaultBlobDirName)
	}
	if strings.TrimSpace(cfg.HashAlgorithm) == "" {
		cfg.HashAlgorithm = DefaultHashAlgorithm
	}
	return nil
}
