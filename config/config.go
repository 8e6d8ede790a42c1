package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultLanguage is the language used when a submission does not name one.
const DefaultLanguage = "java"

// Config represents the application configuration
type Config struct {
	Server    ServerConfig        `mapstructure:"server"`
	Sandbox   SandboxConfig       `mapstructure:"sandbox"`
	Logging   LoggingConfig       `mapstructure:"logging"`
	Storage   StorageConfig       `mapstructure:"storage"`
	Languages map[string]Language `mapstructure:"languages"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// SandboxConfig holds sandbox configuration
type SandboxConfig struct {
	Backend            string `mapstructure:"backend"`
	TimeoutSec         int    `mapstructure:"timeout_sec"`
	MaxTimeoutSec      int    `mapstructure:"max_timeout_sec"`
	MemoryMB           int    `mapstructure:"memory_mb"`
	MaxConcurrent      int    `mapstructure:"max_concurrent"`
	MaxEntrySizeKB     int    `mapstructure:"max_entry_size_kb"`
	MaxArtifactSizeMB  int    `mapstructure:"max_artifact_size_mb"`
	CompressBundles    bool   `mapstructure:"compress_bundles"`
	NetworkEnabled     bool   `mapstructure:"network_enabled"`
	EnableLocalBackend bool   `mapstructure:"enable_local_backend"`
	CleanupTimeoutSec  int    `mapstructure:"cleanup_timeout_sec"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// StorageConfig holds the job archive configuration. An empty DBPath keeps
// the archive in memory.
type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// Language describes the image and file layout used to run one language.
type Language struct {
	Image                 string            `mapstructure:"image"`
	BuildContext          string            `mapstructure:"build_context"`
	Dockerfile            string            `mapstructure:"dockerfile"`
	Workdir               string            `mapstructure:"workdir"`
	SourceFile            string            `mapstructure:"source_file"`
	TestsFile             string            `mapstructure:"tests_file"`
	ResultFile            string            `mapstructure:"result_file"`
	RunCmd                string            `mapstructure:"run_cmd"`
	InternalFramePrefixes []string          `mapstructure:"internal_frame_prefixes"`
	Environment           map[string]string `mapstructure:"environment"`
}

// New loads and validates the application configuration
func New() (*Config, error) {
	v := newViper()
	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	return load(v)
}

// newViper returns a viper instance with defaults and CODUS_ environment
// overrides applied.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("CODUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func load(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.http_port", 8080)

	v.SetDefault("sandbox.backend", "docker")
	v.SetDefault("sandbox.timeout_sec", 10)
	v.SetDefault("sandbox.max_timeout_sec", 60)
	v.SetDefault("sandbox.memory_mb", 512)
	v.SetDefault("sandbox.max_concurrent", 4)
	v.SetDefault("sandbox.max_entry_size_kb", 256)
	v.SetDefault("sandbox.max_artifact_size_mb", 20)
	v.SetDefault("sandbox.compress_bundles", false)
	v.SetDefault("sandbox.network_enabled", false)
	v.SetDefault("sandbox.enable_local_backend", false)
	v.SetDefault("sandbox.cleanup_timeout_sec", 10)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	v.SetDefault("storage.db_path", "")

	// Java defaults
	v.SetDefault("languages.java.image", "codus-execute-java")
	v.SetDefault("languages.java.build_context", "./execute/java")
	v.SetDefault("languages.java.dockerfile", "Dockerfile")
	v.SetDefault("languages.java.workdir", "/app")
	v.SetDefault("languages.java.source_file", "Solution.java")
	v.SetDefault("languages.java.tests_file", "tests.json")
	v.SetDefault("languages.java.result_file", "results.json")
	v.SetDefault("languages.java.run_cmd", "") // empty runs the image's own CMD
	v.SetDefault("languages.java.internal_frame_prefixes", []string{"at sun.reflect", "at jdk.internal.reflect"})
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	switch c.Server.Transport {
	case "stdio", "http", "rest":
	default:
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio', 'http' or 'rest'", c.Server.Transport)
	}

	if c.Server.Transport != "stdio" && (c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535) {
		return fmt.Errorf("invalid server.http_port: %d", c.Server.HTTPPort)
	}

	if c.Sandbox.TimeoutSec <= 0 {
		return fmt.Errorf("sandbox.timeout_sec must be positive, got: %d", c.Sandbox.TimeoutSec)
	}

	if c.Sandbox.MaxTimeoutSec < c.Sandbox.TimeoutSec {
		return fmt.Errorf("sandbox.max_timeout_sec must be at least sandbox.timeout_sec, got: %d", c.Sandbox.MaxTimeoutSec)
	}

	if c.Sandbox.MemoryMB <= 0 {
		return fmt.Errorf("sandbox.memory_mb must be positive, got: %d", c.Sandbox.MemoryMB)
	}

	if c.Sandbox.MaxConcurrent <= 0 {
		return fmt.Errorf("sandbox.max_concurrent must be positive, got: %d", c.Sandbox.MaxConcurrent)
	}

	if c.Sandbox.MaxEntrySizeKB <= 0 {
		return fmt.Errorf("sandbox.max_entry_size_kb must be positive, got: %d", c.Sandbox.MaxEntrySizeKB)
	}

	if c.Sandbox.MaxArtifactSizeMB <= 0 {
		return fmt.Errorf("sandbox.max_artifact_size_mb must be positive, got: %d", c.Sandbox.MaxArtifactSizeMB)
	}

	if c.Sandbox.CleanupTimeoutSec <= 0 {
		return fmt.Errorf("sandbox.cleanup_timeout_sec must be positive, got: %d", c.Sandbox.CleanupTimeoutSec)
	}

	supportedBackends := map[string]bool{
		"docker": true,
		"podman": true,
		"local":  c.Sandbox.EnableLocalBackend, // local only enabled if specifically allowed
	}

	if !supportedBackends[c.Sandbox.Backend] {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error", "dpanic", "panic", "fatal":
	default:
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	if len(c.Languages) == 0 {
		return errors.New("at least one language must be configured")
	}

	for name, lang := range c.Languages {
		if err := lang.validate(); err != nil {
			return fmt.Errorf("languages.%s: %w", name, err)
		}
	}

	return nil
}

func (l Language) validate() error {
	if l.Image == "" {
		return errors.New("image is required")
	}
	if l.Workdir == "" || !strings.HasPrefix(l.Workdir, "/") {
		return fmt.Errorf("workdir must be an absolute path, got: %q", l.Workdir)
	}
	if l.SourceFile == "" || l.TestsFile == "" || l.ResultFile == "" {
		return errors.New("source_file, tests_file and result_file are required")
	}
	if l.SourceFile == l.TestsFile {
		return fmt.Errorf("source_file and tests_file must differ, both are %q", l.SourceFile)
	}
	return nil
}

// Language returns the configuration for name, falling back to
// DefaultLanguage when name is empty.
func (c *Config) Language(name string) (Language, string, bool) {
	if name == "" {
		name = DefaultLanguage
	}
	lang, ok := c.Languages[strings.ToLower(name)]
	return lang, strings.ToLower(name), ok
}

// GetTimeout returns the execution timeout as a duration
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSec) * time.Second
}

// GetMaxTimeout returns the upper bound for per-problem timeout overrides
func (c *Config) GetMaxTimeout() time.Duration {
	return time.Duration(c.Sandbox.MaxTimeoutSec) * time.Second
}

// GetCleanupTimeout returns how long sandbox teardown may take
func (c *Config) GetCleanupTimeout() time.Duration {
	return time.Duration(c.Sandbox.CleanupTimeoutSec) * time.Second
}

// MaxEntrySize returns the largest bundle entry accepted, in bytes
func (c *Config) MaxEntrySize() int64 {
	return int64(c.Sandbox.MaxEntrySizeKB) * 1024
}

// MaxArtifactSize returns the largest result artifact accepted, in bytes
func (c *Config) MaxArtifactSize() int64 {
	return int64(c.Sandbox.MaxArtifactSizeMB) * 1024 * 1024
}
