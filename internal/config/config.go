package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for hbk.
type Config struct {
	HostID     string           `toml:"host_id"`
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	AllowRoot  bool             `toml:"allow_root"`
	Paths      PathsConfig      `toml:"paths"`
	Keys       KeysConfig       `toml:"keys"`
	Cipher     CipherConfig     `toml:"cipher"`
	Retention  RetentionConfig  `toml:"retention"`
	Repository RepositoryConfig `toml:"repository"`
	Pack       PackConfig       `toml:"pack"`
	Database   DatabaseConfig   `toml:"database"`
	Mirror     MirrorConfig     `toml:"mirror"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Log        LogConfig        `toml:"log"`
}

// PathsConfig holds the working root and everything placed in it.
type PathsConfig struct {
	WorkDir       string `toml:"work_dir"`
	RepositoryDir string `toml:"repository_dir"`
	LockPath      string `toml:"lock_path"`
	PayloadPath   string `toml:"payload_path"` // plaintext archive produced by the dump job or pack step
}

// KeysConfig holds the key pair paths. The private key normally lives only
// on the restore host.
type KeysConfig struct {
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path,omitempty"`
}

// CipherConfig selects the envelope cipher.
// This uses a tagged union pattern - the Backend field determines which other fields are relevant.
type CipherConfig struct {
	Backend     string `toml:"backend"`                // "native" (default), "openssl" or "test"
	Mode        string `toml:"mode"`                   // "auto" (default), "pbkdf2" or "legacy"
	OpenSSLPath string `toml:"openssl_path,omitempty"` // only used for backend=openssl
}

// RetentionConfig controls pruning.
type RetentionConfig struct {
	MaxAgeDays int    `toml:"max_age_days"` // 0 disables pruning
	Mode       string `toml:"mode"`         // "pair" (default) or "file"
}

// RepositoryConfig controls artifact naming.
type RepositoryConfig struct {
	UniqueSuffix bool `toml:"unique_suffix"`
}

// PackConfig configures the optional pack step.
type PackConfig struct {
	Sources     []string `toml:"sources"`
	Ignore      []string `toml:"ignore"`
	Compression string   `toml:"compression"` // "zstd" (default) or "none"
}

// DatabaseConfig represents configuration for the run catalog.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// MirrorConfig represents configuration for the offsite mirror.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type MirrorConfig struct {
	Type string `toml:"type"` // "" (no mirror), "memory", "s3" or "filesystem"
	Name string `toml:"name"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket          string `toml:"s3_bucket,omitempty"`
	S3Prefix          string `toml:"s3_prefix,omitempty"`
	S3Region          string `toml:"s3_region,omitempty"`
	S3Endpoint        string `toml:"s3_endpoint,omitempty"`
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSRoot string `toml:"fs_root,omitempty"`
}

// MetricsConfig configures node_exporter textfile output. Each operation
// writes hbk_<operation>.prom in TextfileDir. An empty dir disables metrics.
type MetricsConfig struct {
	TextfileDir string `toml:"textfile_dir,omitempty"`
}

// LogConfig controls the log file.
type LogConfig struct {
	Level      string `toml:"level"`       // "debug", "info" (default), "warn" or "error"
	MaxSizeMB  int    `toml:"max_size_mb"` // rotate after this many megabytes
	MaxBackups int    `toml:"max_backups"` // rotated files to keep
}

// NewConfig creates a new Config rooted at baseDir with default paths and policy.
func NewConfig(hostID, baseDir string) *Config {
	workDir := filepath.Join(baseDir, "work")
	return &Config{
		HostID:  hostID,
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Paths: PathsConfig{
			WorkDir:       workDir,
			RepositoryDir: filepath.Join(baseDir, "repository"),
			LockPath:      filepath.Join(workDir, "hbk.lock"),
			PayloadPath:   filepath.Join(workDir, "backup.tar"),
		},
		Keys: KeysConfig{
			PublicKeyPath: filepath.Join(baseDir, "keys", "hbk.pub"),
		},
		Cipher: CipherConfig{
			Backend: "native",
			Mode:    "auto",
		},
		Retention: RetentionConfig{
			MaxAgeDays: 30,
			Mode:       "pair",
		},
		Pack: PackConfig{
			Compression: "zstd",
		},
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "db"),
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 5,
		},
	}
}

// Validate checks required values and enum fields.
func (c *Config) Validate() error {
	if c.HostID == "" {
		return fmt.Errorf("host_id is required")
	}
	for _, p := range []struct {
		key, value string
	}{
		{"paths.work_dir", c.Paths.WorkDir},
		{"paths.repository_dir", c.Paths.RepositoryDir},
		{"paths.lock_path", c.Paths.LockPath},
		{"paths.payload_path", c.Paths.PayloadPath},
		{"keys.public_key_path", c.Keys.PublicKeyPath},
	} {
		if p.value == "" {
			return fmt.Errorf("%s is required", p.key)
		}
	}

	switch c.Cipher.Backend {
	case "", "native", "test":
	case "openssl":
		if c.Cipher.OpenSSLPath == "" {
			return fmt.Errorf("cipher.openssl_path required for openssl backend")
		}
	default:
		return fmt.Errorf("unknown cipher backend: %q", c.Cipher.Backend)
	}
	switch c.Cipher.Mode {
	case "", "auto", "pbkdf2", "legacy":
	default:
		return fmt.Errorf("unknown cipher mode: %q", c.Cipher.Mode)
	}

	if c.Retention.MaxAgeDays < 0 {
		return fmt.Errorf("retention.max_age_days must not be negative")
	}
	switch c.Retention.Mode {
	case "", "pair", "file":
	default:
		return fmt.Errorf("unknown retention mode: %q", c.Retention.Mode)
	}

	switch c.Pack.Compression {
	case "", "zstd", "none":
	default:
		return fmt.Errorf("unknown pack compression: %q", c.Pack.Compression)
	}

	switch c.Database.Type {
	case "memory":
	case "sqlite":
		if c.Database.DataDir == "" {
			return fmt.Errorf("database.data_dir required for sqlite database")
		}
	default:
		return fmt.Errorf("unknown database type: %q", c.Database.Type)
	}

	switch c.Mirror.Type {
	case "", "memory":
	case "s3":
		if c.Mirror.S3Bucket == "" {
			return fmt.Errorf("mirror.s3_bucket required for s3 mirror")
		}
	case "filesystem":
		if c.Mirror.FSRoot == "" {
			return fmt.Errorf("mirror.fs_root required for filesystem mirror")
		}
	default:
		return fmt.Errorf("unknown mirror type: %q", c.Mirror.Type)
	}

	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level: %q", c.Log.Level)
	}
	return nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to path with owner-only permissions; it may
// carry mirror credentials.
func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init writes cfg to a new config file at path. An existing file is left alone.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
