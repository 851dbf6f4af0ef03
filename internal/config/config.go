// Package config manages the data directory layout and config.yaml.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const fileName = "config.yaml"

// Config stores the settings read from config.yaml in the data directory.
// Loaded from the file, created with defaults if missing.
type Config struct {
	// TagsFile is the tag database file name, relative to the data
	// directory unless absolute.
	TagsFile string `yaml:"tags_file"`

	// LibraryFile is the library catalog file name, relative to the data
	// directory unless absolute.
	LibraryFile string `yaml:"library_file"`

	// OrphanScanLimit bounds concurrent stat calls when listing orphans.
	// 0 means GOMAXPROCS.
	OrphanScanLimit int `yaml:"orphan_scan_limit"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		TagsFile:        "tags.json",
		LibraryFile:     "library.json",
		OrphanScanLimit: 16,
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.TagsFile == "" {
		return errors.New("tags_file is required")
	}
	if c.LibraryFile == "" {
		return errors.New("library_file is required")
	}
	if c.OrphanScanLimit < 0 {
		return errors.New("orphan_scan_limit must be non-negative")
	}
	return nil
}

// Load loads configuration from dataDir/config.yaml.
// Creates the file with defaults if it doesn't exist.
func Load(dataDir string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(filepath.Join(dataDir, fileName)) //nolint:gosec // G304: path is constructed from dataDir flag
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read %s: %w", fileName, err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", fileName, err)
		}
	} else if err := cfg.Save(dataDir); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", fileName, err)
	}
	return &cfg, nil
}

// Save saves configuration to dataDir/config.yaml.
func (c *Config) Save(dataDir string) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dataDir, fileName), data, 0o644); err != nil { //nolint:gosec // G306: not secret
		return fmt.Errorf("failed to write %s: %w", fileName, err)
	}
	return nil
}

// TagsPath returns the absolute tag database path.
func (c *Config) TagsPath(dataDir string) string {
	return resolve(dataDir, c.TagsFile)
}

// LibraryPath returns the absolute library catalog path.
func (c *Config) LibraryPath(dataDir string) string {
	return resolve(dataDir, c.LibraryFile)
}

// Ensure creates the directories holding the store files. The stores never
// create directories themselves.
func (c *Config) Ensure(dataDir string) error {
	for _, p := range []string{c.TagsPath(dataDir), c.LibraryPath(dataDir)} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
			return fmt.Errorf("failed to create directory for %s: %w", p, err)
		}
	}
	return nil
}

// LoadEnv reads dataDir/.env. A missing file yields an empty map.
func LoadEnv(dataDir string) (map[string]string, error) {
	env, err := godotenv.Read(filepath.Join(dataDir, ".env"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}
	return env, nil
}

func resolve(dataDir, name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(dataDir, name)
}
