package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models thesisline.yml.
type Config struct {
	Provider Provider `yaml:"provider"`
	Pipeline Pipeline `yaml:"pipeline"`
	Fetch    Fetch    `yaml:"fetch"`
}

// Provider selects the OpenAI-compatible endpoint and the model used by
// each generation stage.
type Provider struct {
	BaseURL       string `yaml:"base_url"`
	ResearchModel string `yaml:"research_model"`
	OutlineModel  string `yaml:"outline_model"`
	WriterModel   string `yaml:"writer_model"`
}

// Pipeline tunes a generation run.
type Pipeline struct {
	MinSources        int      `yaml:"min_sources"`
	MaxAttempts       int      `yaml:"max_attempts"`
	StageTimeout      Duration `yaml:"stage_timeout"`
	WriterConcurrency int      `yaml:"writer_concurrency"`
}

// Fetch bounds source material downloads.
type Fetch struct {
	Timeout   Duration `yaml:"timeout"`
	MaxBytes  int64    `yaml:"max_bytes"`
	UserAgent string   `yaml:"user_agent"`
}

// Duration parses yaml values like "30s" or "10m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// MinSourcesFloor is the lowest acceptable research source gate. Configs may
// raise the gate but never lower it below this.
const MinSourcesFloor = 10

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with tl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the workspace config, or the defaults if no
// thesisline.yml exists.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Provider.BaseURL == "" {
		return fmt.Errorf("config.provider.base_url is required")
	}
	if c.Provider.ResearchModel == "" || c.Provider.OutlineModel == "" || c.Provider.WriterModel == "" {
		return fmt.Errorf("config.provider must set research_model, outline_model and writer_model")
	}
	if c.Pipeline.MinSources < MinSourcesFloor {
		return fmt.Errorf("config.pipeline.min_sources must be at least %d", MinSourcesFloor)
	}
	if c.Pipeline.MaxAttempts < 1 {
		return fmt.Errorf("config.pipeline.max_attempts must be at least 1")
	}
	if c.Pipeline.StageTimeout <= 0 {
		return fmt.Errorf("config.pipeline.stage_timeout must be positive")
	}
	if c.Pipeline.WriterConcurrency < 1 {
		return fmt.Errorf("config.pipeline.writer_concurrency must be at least 1")
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("config.fetch.timeout must be positive")
	}
	if c.Fetch.MaxBytes <= 0 {
		return fmt.Errorf("config.fetch.max_bytes must be positive")
	}
	if c.Fetch.UserAgent == "" {
		return fmt.Errorf("config.fetch.user_agent is required")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "thesisline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// YAML serializes the config, used to snapshot the effective config onto a
// project at creation time.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `provider:
  base_url: https://api.openai.com/v1
  research_model: gpt-4o-mini
  outline_model: gpt-4o-mini
  writer_model: gpt-4o

pipeline:
  min_sources: 10
  max_attempts: 3
  stage_timeout: 10m
  writer_concurrency: 2

fetch:
  timeout: 30s
  max_bytes: 10485760
  user_agent: thesisline/1.0
`
