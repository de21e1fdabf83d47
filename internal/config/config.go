package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/schaermu/kcmdline/internal/cmdline"
)

// Default locations, relative to the root prefix
const (
	DefaultVendorDir  = "usr/share/kernel/cmdline.d"
	DefaultAdminDir   = "etc/kernel/cmdline.d"
	DefaultRemovalDir = "etc/kernel/cmdline-removal.d"
	DefaultLegacyFile = "etc/kernel/cmdline"
	DefaultStateDir   = "/var/lib/kcmdline"
	DefaultPath       = "/etc/kcmdline/config.yaml"
)

// Config represents the complete kcmdline configuration
type Config struct {
	Root   string       `yaml:"root"`
	Paths  PathsConfig  `yaml:"paths"`
	Scan   ScanConfig   `yaml:"scan"`
	Output OutputConfig `yaml:"output"`
}

// PathsConfig configures the fragment layers and state location.
// Relative layer paths are joined onto Root.
type PathsConfig struct {
	VendorDir  string `yaml:"vendor_dir"`
	AdminDir   string `yaml:"admin_dir"`
	RemovalDir string `yaml:"removal_dir"`
	LegacyFile string `yaml:"legacy_file"` // "none" disables
	StateDir   string `yaml:"state_dir"`
}

// ScanConfig configures layer directory listing
type ScanConfig struct {
	Recursive bool `yaml:"recursive"`
}

// OutputConfig configures where the resolved command line goes
type OutputConfig struct {
	File       string   `yaml:"file"`
	AllowEmpty *bool    `yaml:"allow_empty"`
	Hook       []string `yaml:"hook"`
}

// Default returns the configuration used when no config file exists
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// LoadOrDefault loads path, falling back to Default when path does not
// exist and was not explicitly requested.
func LoadOrDefault(path string, explicit bool) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if !explicit && errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return nil, err
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Root = os.ExpandEnv(c.Root)
	c.Paths.VendorDir = os.ExpandEnv(c.Paths.VendorDir)
	c.Paths.AdminDir = os.ExpandEnv(c.Paths.AdminDir)
	c.Paths.RemovalDir = os.ExpandEnv(c.Paths.RemovalDir)
	c.Paths.LegacyFile = os.ExpandEnv(c.Paths.LegacyFile)
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
	c.Output.File = os.ExpandEnv(c.Output.File)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Root == "" {
		c.Root = "/"
	}
	if c.Paths.VendorDir == "" {
		c.Paths.VendorDir = DefaultVendorDir
	}
	if c.Paths.AdminDir == "" {
		c.Paths.AdminDir = DefaultAdminDir
	}
	if c.Paths.RemovalDir == "" {
		c.Paths.RemovalDir = DefaultRemovalDir
	}
	if c.Paths.LegacyFile == "" {
		c.Paths.LegacyFile = DefaultLegacyFile
	}
	if c.Paths.StateDir == "" {
		c.Paths.StateDir = DefaultStateDir
	}
	if c.Output.AllowEmpty == nil {
		allow := true
		c.Output.AllowEmpty = &allow
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if !filepath.IsAbs(c.Root) {
		return fmt.Errorf("root must be an absolute path: %s", c.Root)
	}
	if !filepath.IsAbs(c.Paths.StateDir) {
		return fmt.Errorf("paths.state_dir must be an absolute path: %s", c.Paths.StateDir)
	}
	if c.Output.File != "" && !filepath.IsAbs(c.Output.File) {
		return fmt.Errorf("output.file must be an absolute path: %s", c.Output.File)
	}
	if len(c.Output.Hook) > 0 && c.Output.Hook[0] == "" {
		return fmt.Errorf("output.hook: command must not be empty")
	}
	return nil
}

// SetRoot overrides the root prefix, e.g. from a command line flag
func (c *Config) SetRoot(root string) error {
	if root == "" {
		return nil
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("failed to resolve root %s: %w", root, err)
	}
	c.Root = abs
	return nil
}

// VendorDir returns the vendor layer directory
func (c *Config) VendorDir() string {
	return c.underRoot(c.Paths.VendorDir)
}

// AdminDir returns the admin layer directory
func (c *Config) AdminDir() string {
	return c.underRoot(c.Paths.AdminDir)
}

// RemovalDir returns the removal spec directory
func (c *Config) RemovalDir() string {
	return c.underRoot(c.Paths.RemovalDir)
}

// LegacyFile returns the single-file admin command line, or "" when disabled
func (c *Config) LegacyFile() string {
	if c.Paths.LegacyFile == "none" {
		return ""
	}
	return c.underRoot(c.Paths.LegacyFile)
}

// StateFilePath returns the path to the state tracking file
func (c *Config) StateFilePath() string {
	return filepath.Join(c.Paths.StateDir, "state.json")
}

// AllowEmpty reports whether an empty command line may be written
func (c *Config) AllowEmpty() bool {
	return c.Output.AllowEmpty == nil || *c.Output.AllowEmpty
}

// ScanOptions returns the layer scan options
func (c *Config) ScanOptions() cmdline.ScanOptions {
	return cmdline.ScanOptions{Recursive: c.Scan.Recursive}
}

// Sources returns every input of a resolution pass
func (c *Config) Sources() cmdline.Sources {
	return cmdline.Sources{
		VendorDir:  c.VendorDir(),
		AdminDir:   c.AdminDir(),
		RemovalDir: c.RemovalDir(),
		LegacyFile: c.LegacyFile(),
	}
}

func (c *Config) underRoot(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Root, p)
}
