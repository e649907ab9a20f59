// Package config loads the abus configuration from a YAML file and ABUS_
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	EnvPrefix       = "ABUS"
	IndexFileName   = "index.db"
	DefaultLogLevel = "info"

	DefaultMaxFilesPerDir = 1000
)

var ErrInvalid = errors.New("invalid configuration")

// Retention controls which runs purge removes when no flags are given.
type Retention struct {
	KeepRuns  int           `mapstructure:"keep_runs" yaml:"keep_runs"`   // Keep at least this many of the newest runs
	OlderThan time.Duration `mapstructure:"older_than" yaml:"older_than"` // Remove runs started before now minus this
}

// Config is the effective abus configuration.
type Config struct {
	ArchiveRoot      string    `mapstructure:"archive_root" yaml:"archive_root"`           // Directory holding archive.json, runs/ and content/
	IndexPath        string    `mapstructure:"index_path" yaml:"index_path"`               // bbolt index; defaults to <archive_root>/index.db
	Include          []string  `mapstructure:"include" yaml:"include"`                     // Files or directories to back up
	Exclude          []string  `mapstructure:"exclude" yaml:"exclude"`                     // Doublestar globs matched against the path and the base name
	MaxFilesPerDir   int       `mapstructure:"max_files_per_dir" yaml:"max_files_per_dir"` // Content files per content/NNNN directory, used by init
	Workers          int       `mapstructure:"workers" yaml:"workers"`                     // Parallel hashing and storing workers
	CompressionLevel int       `mapstructure:"compression_level" yaml:"compression_level"` // zstd level, 0 for the default
	LogLevel         string    `mapstructure:"log_level" yaml:"log_level"`                 // debug, info, warn, error or none
	Retention        Retention `mapstructure:"retention" yaml:"retention"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Include:        []string{},
		Exclude:        []string{},
		MaxFilesPerDir: DefaultMaxFilesPerDir,
		Workers:        runtime.NumCPU(),
		LogLevel:       DefaultLogLevel,
	}
}

// DefaultPath returns $XDG_CONFIG_HOME/abus/config.yaml or its platform equivalent.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "abus.yaml"
	}
	return filepath.Join(dir, "abus", "config.yaml")
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("archive_root", d.ArchiveRoot)
	v.SetDefault("index_path", d.IndexPath)
	v.SetDefault("include", d.Include)
	v.SetDefault("exclude", d.Exclude)
	v.SetDefault("max_files_per_dir", d.MaxFilesPerDir)
	v.SetDefault("workers", d.Workers)
	v.SetDefault("compression_level", d.CompressionLevel)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("retention.keep_runs", d.Retention.KeepRuns)
	v.SetDefault("retention.older_than", d.Retention.OlderThan)
}

// Load reads the config file at filePath, then applies ABUS_ environment
// overrides. An empty filePath means DefaultPath, which may be absent; an
// explicitly named file must exist.
func Load(filePath string) (*Config, error) {
	explicit := filePath != ""
	if !explicit {
		filePath = DefaultPath()
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(filePath)
	v.SetConfigType("yaml")
	_, statErr := os.Stat(filePath)
	switch {
	case statErr == nil:
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", filePath, err)
		}
	case explicit || !errors.Is(statErr, fs.ErrNotExist):
		return nil, fmt.Errorf("failed to read %s: %w", filePath, statErr)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	cfg.expand()
	return cfg, nil
}

func expandPath(p string) string {
	if p == "" {
		return p
	}
	p = os.ExpandEnv(p)
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return filepath.Clean(p)
}

func (c *Config) expand() {
	c.ArchiveRoot = expandPath(c.ArchiveRoot)
	c.IndexPath = expandPath(c.IndexPath)
	if c.IndexPath == "" && c.ArchiveRoot != "" {
		c.IndexPath = filepath.Join(c.ArchiveRoot, IndexFileName)
	}
	for i, inc := range c.Include {
		c.Include[i] = expandPath(inc)
	}
}

// Validate checks the fields every command relies on.
func (c *Config) Validate() error {
	var problems []string
	if c.ArchiveRoot == "" {
		problems = append(problems, "archive_root is required")
	}
	if c.Workers < 1 {
		problems = append(problems, "workers must be at least 1")
	}
	if c.MaxFilesPerDir < 1 {
		problems = append(problems, "max_files_per_dir must be at least 1")
	}
	if c.CompressionLevel < 0 || c.CompressionLevel > 22 {
		problems = append(problems, "compression_level must be between 0 and 22")
	}
	if c.Retention.KeepRuns < 0 {
		problems = append(problems, "retention.keep_runs must not be negative")
	}
	if c.Retention.OlderThan < 0 {
		problems = append(problems, "retention.older_than must not be negative")
	}
	for _, pattern := range c.Exclude {
		if !doublestar.ValidatePattern(filepath.ToSlash(pattern)) {
			problems = append(problems, fmt.Sprintf("bad exclude pattern %q", pattern))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Show writes the effective configuration as YAML.
func (c *Config) Show(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}

var fieldComments = map[string]string{
	"archive_root":      "Directory holding archive.json, runs/ and content/ (required)",
	"index_path":        "Index database; empty means <archive_root>/index.db",
	"include":           "Files and directories to back up",
	"exclude":           "Glob patterns matched against each path and its base name",
	"max_files_per_dir": "Content files per content/NNNN directory (used by init)",
	"workers":           "Parallel hashing and storing workers",
	"compression_level": "zstd compression level, 0 for the library default",
	"log_level":         "debug, info, warn, error or none",
	"retention":         "Defaults for purge",
	"keep_runs":         "Always keep this many of the newest runs",
	"older_than":        "Purge runs older than this duration, e.g. 720h",
}

// Generate writes a commented configuration file holding cfg.
func Generate(w io.Writer, cfg *Config) error {
	var doc yaml.Node
	if err := doc.Encode(cfg); err != nil {
		return err
	}
	doc.HeadComment = "abus configuration\nEvery key can be overridden with an ABUS_ environment variable,\ne.g. ABUS_ARCHIVE_ROOT or ABUS_RETENTION_KEEP_RUNS."
	commentKeys(&doc)

	// yaml.v3 encodes durations as integers; write them the way viper reads them
	setScalar(&doc, "older_than", cfg.Retention.OlderThan.String())

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return err
	}
	return enc.Close()
}

func commentKeys(node *yaml.Node) {
	if node.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(node.Content); i += 2 {
			if comment, ok := fieldComments[node.Content[i].Value]; ok {
				node.Content[i].HeadComment = comment
			}
		}
	}
	for _, child := range node.Content {
		commentKeys(child)
	}
}

func setScalar(node *yaml.Node, key, value string) {
	if node.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(node.Content); i += 2 {
			if node.Content[i].Value == key && node.Content[i+1].Kind == yaml.ScalarNode {
				node.Content[i+1].Value = value
				node.Content[i+1].Tag = "!!str"
			}
		}
	}
	for _, child := range node.Content {
		setScalar(child, key, value)
	}
}
