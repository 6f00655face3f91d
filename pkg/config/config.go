// Package config provides conversion job configuration with YAML loading
// and ${VAR_NAME} environment variable substitution.
package config

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/geostreamio/geostream/pkg/errors"
)

// Insert modes for the target. Overwrite replaces the target outputs,
// Append adds to them where the format supports it.
const (
	ModeOverwrite = "overwrite"
	ModeAppend    = "append"
)

// SourceConfig describes where records come from. Path may be a single
// file or a directory of partition files; Partitions bounds how many
// partition files are decoded concurrently.
type SourceConfig struct {
	Path       string `yaml:"path"`
	Format     string `yaml:"format"`
	Partitions int    `yaml:"partitions"`
}

// TargetConfig describes where converted records go
type TargetConfig struct {
	Path       string `yaml:"path"`
	Format     string `yaml:"format"`
	Mode       string `yaml:"mode"`
	Partitions int    `yaml:"partitions"`
}

// BatchConfig tunes the decoder-to-sink handoff
type BatchConfig struct {
	Size        int   `yaml:"size"`
	BufferLimit int64 `yaml:"buffer_limit"`
}

// SampleConfig bounds the schema inference pass. Inference reads at most
// MaxBytes of input or MaxRecords records, whichever comes first.
type SampleConfig struct {
	MaxBytes   int64 `yaml:"max_bytes"`
	MaxRecords int   `yaml:"max_records"`
}

// GeometryConfig names the geometry column and optional type hint
type GeometryConfig struct {
	Column   string `yaml:"column"`
	TypeHint string `yaml:"type_hint"`
	CRS      string `yaml:"crs"`
}

// Config is the full configuration of one conversion job
type Config struct {
	Source   SourceConfig   `yaml:"source"`
	Target   TargetConfig   `yaml:"target"`
	Batch    BatchConfig    `yaml:"batch"`
	Sample   SampleConfig   `yaml:"sample"`
	Geometry GeometryConfig `yaml:"geometry"`
}

// New returns a Config with defaults applied
func New() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields with production defaults
func (c *Config) ApplyDefaults() {
	if c.Source.Partitions == 0 {
		c.Source.Partitions = 1
	}
	if c.Target.Mode == "" {
		c.Target.Mode = ModeOverwrite
	}
	if c.Target.Partitions == 0 {
		c.Target.Partitions = 1
	}
	if c.Batch.Size == 0 {
		c.Batch.Size = 8192
	}
	if c.Batch.BufferLimit == 0 {
		c.Batch.BufferLimit = 1 << 20
	}
	if c.Sample.MaxBytes == 0 {
		c.Sample.MaxBytes = 10 << 20
	}
	if c.Sample.MaxRecords == 0 {
		c.Sample.MaxRecords = 1024
	}
	if c.Geometry.Column == "" {
		c.Geometry.Column = "geometry"
	}
}

// Validate checks the configuration for internal consistency. Format
// names are validated by the format package when the job is planned.
func (c *Config) Validate() error {
	if c.Source.Path == "" {
		return errors.Newf(errors.ErrorTypeConfig, "source path is required")
	}
	if c.Source.Format == "" {
		return errors.Newf(errors.ErrorTypeConfig, "source format is required")
	}
	if c.Source.Partitions < 1 {
		return errors.Newf(errors.ErrorTypeConfig, "source partitions must be at least 1, got %d", c.Source.Partitions)
	}
	if c.Target.Path == "" {
		return errors.Newf(errors.ErrorTypeConfig, "target path is required")
	}
	if c.Target.Format == "" {
		return errors.Newf(errors.ErrorTypeConfig, "target format is required")
	}
	if c.Target.Mode != ModeOverwrite && c.Target.Mode != ModeAppend {
		return errors.Newf(errors.ErrorTypeConfig, "target mode must be %q or %q, got %q", ModeOverwrite, ModeAppend, c.Target.Mode)
	}
	if c.Target.Partitions < 1 {
		return errors.Newf(errors.ErrorTypeConfig, "target partitions must be at least 1, got %d", c.Target.Partitions)
	}
	if c.Batch.Size < 1 {
		return errors.Newf(errors.ErrorTypeConfig, "batch size must be at least 1, got %d", c.Batch.Size)
	}
	if c.Batch.BufferLimit < 1 {
		return errors.Newf(errors.ErrorTypeConfig, "batch buffer limit must be positive, got %d", c.Batch.BufferLimit)
	}
	if c.Sample.MaxBytes < 1 {
		return errors.Newf(errors.ErrorTypeConfig, "sample max bytes must be positive, got %d", c.Sample.MaxBytes)
	}
	if c.Sample.MaxRecords < 1 {
		return errors.Newf(errors.ErrorTypeConfig, "sample max records must be positive, got %d", c.Sample.MaxRecords)
	}
	if c.Geometry.Column == "" {
		return errors.Newf(errors.ErrorTypeConfig, "geometry column name is required")
	}
	return nil
}

// Load loads a configuration from a YAML file
func Load(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath) //nolint:gosec // G304: File path is controlled by caller
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to read config file")
	}

	// Substitute environment variables
	content := substituteEnvVars(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse YAML")
	}
	cfg.ApplyDefaults()

	return cfg, nil
}

// Save saves a configuration to a YAML file
func Save(filePath string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to marshal YAML")
	}

	if err := os.WriteFile(filePath, data, 0644); err != nil { //nolint:gosec
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to write config file")
	}

	return nil
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values
func substituteEnvVars(content string) string {
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		varName := content[start+2 : end]
		envValue := os.Getenv(varName)
		content = content[:start] + envValue + content[end+1:]
	}
	return content
}
