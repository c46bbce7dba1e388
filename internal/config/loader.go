package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "RUNTIMED_"
)

// sections are the top-level keys, longest first so CIRCUIT_BREAKER_* is
// not read as a "circuit" section.
var sections = []string{
	"circuit_breaker",
	"observability",
	"persistence",
	"workers",
	"logging",
	"runtime",
	"server",
	"kernel",
	"queue",
	"retry",
	"nats",
}

// Load returns the defaults overridden by environment variables.
func Load() (*Config, error) {
	return load(nil)
}

// LoadWithFile loads configuration from a YAML file, then overrides it with
// environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (RUNTIMED_SERVER_HTTP_PORT, ...)
//  2. YAML config file (~/.config/runtimed/config.yaml)
//  3. Built-in defaults
//
// An empty configPath uses the default path. A missing file is not an error.
//
// # Security Considerations
//
// The file must be mode 0600 or 0400, at most 1MB, and live under
// ~/.config/runtimed/ or /etc/runtimed/. Symlinks are resolved before the
// directory check.
//
// # Environment Variable Mapping
//
// The RUNTIMED_ prefix is stripped and the first known section name becomes
// the key's first segment:
//
//	RUNTIMED_SERVER_HTTP_PORT                  -> server.http_port
//	RUNTIMED_CIRCUIT_BREAKER_FAILURE_THRESHOLD -> circuit_breaker.failure_threshold
//	RUNTIMED_QUEUE_CRITICAL_TYPES=a,b          -> queue.critical_types
//
// Variables that name no known section are ignored.
func LoadWithFile(configPath string) (*Config, error) {
	configPath, err := resolvePath(configPath)
	if err != nil {
		return nil, err
	}
	content, err := readConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	return load(content)
}

// resolvePath applies the default path and the directory allowlist.
func resolvePath(configPath string) (string, error) {
	if configPath == "" {
		dir, err := DefaultConfigDir()
		if err != nil {
			return "", err
		}
		configPath = filepath.Join(dir, "config.yaml")
	}
	if err := validateConfigPath(configPath); err != nil {
		return "", fmt.Errorf("config path validation failed: %w", err)
	}
	return configPath, nil
}

// readConfigFile returns nil when the file does not exist.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	// Validate the opened descriptor, not the path, to avoid a TOCTOU race.
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

func load(yamlContent []byte) (*Config, error) {
	k := koanf.New(".")

	if len(yamlContent) > 0 {
		if err := k.Load(rawbytes.Provider(yamlContent), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Unmarshal over the defaults so absent keys keep their default value.
	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envKey maps RUNTIMED_SECTION_FIELD_NAME to section.field_name. An empty
// result tells koanf to skip the variable.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	for _, section := range sections {
		if field, ok := strings.CutPrefix(lower, section+"_"); ok && field != "" {
			return section + "." + field
		}
	}
	return ""
}

// DefaultConfigDir returns ~/.config/runtimed.
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "runtimed"), nil
}

// EnsureConfigDir creates the runtimed config directory with 0700
// permissions if it doesn't exist.
func EnsureConfigDir() error {
	configDir, err := DefaultConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}
	return nil
}

// validateConfigPath checks if path is in an allowed directory. It runs
// even if the file doesn't exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		// Paths that don't exist yet are validated as given.
		resolvedPath = absPath
	}

	userDir, err := DefaultConfigDir()
	if err != nil {
		return err
	}
	allowedDirs := []string{userDir, "/etc/runtimed"}

	inside := func(dir string) bool {
		rel, err := filepath.Rel(dir, resolvedPath)
		return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
	}
	if !slices.ContainsFunc(allowedDirs, inside) {
		return fmt.Errorf("config file must be in ~/.config/runtimed/ or /etc/runtimed/")
	}
	return nil
}

// validateConfigFileProperties checks file permissions and size. Takes
// FileInfo from an already-opened descriptor.
func validateConfigFileProperties(info os.FileInfo) error {
	// Windows has a different permission model.
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}

	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}
