package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Pipeline.MinSources != MinSourcesFloor {
		t.Errorf("default min_sources = %d, want %d", cfg.Pipeline.MinSources, MinSourcesFloor)
	}
	if got := time.Duration(cfg.Pipeline.StageTimeout); got != 10*time.Minute {
		t.Errorf("default stage_timeout = %v, want 10m", got)
	}
	if cfg.Provider.WriterModel == "" || cfg.Provider.ResearchModel == "" {
		t.Errorf("default models incomplete: %+v", cfg.Provider)
	}
}

func TestFromYAMLRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(c *Config) string
	}{
		{"min_sources below floor", func(c *Config) string {
			c.Pipeline.MinSources = MinSourcesFloor - 1
			return "min_sources"
		}},
		{"missing base_url", func(c *Config) string {
			c.Provider.BaseURL = ""
			return "base_url"
		}},
		{"missing writer model", func(c *Config) string {
			c.Provider.WriterModel = ""
			return "writer_model"
		}},
		{"zero max_attempts", func(c *Config) string {
			c.Pipeline.MaxAttempts = 0
			return "max_attempts"
		}},
		{"zero writer_concurrency", func(c *Config) string {
			c.Pipeline.WriterConcurrency = 0
			return "writer_concurrency"
		}},
		{"zero fetch timeout", func(c *Config) string {
			c.Fetch.Timeout = 0
			return "fetch.timeout"
		}},
		{"empty user_agent", func(c *Config) string {
			c.Fetch.UserAgent = ""
			return "user_agent"
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			want := tc.mutate(cfg)
			data, err := cfg.YAML()
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if _, err := FromYAML(data); err == nil {
				t.Fatalf("config with %s broken was accepted", want)
			} else if !strings.Contains(err.Error(), want) {
				t.Errorf("error %q does not name %s", err, want)
			}
		})
	}
}

func TestFromYAMLRejectsBadDuration(t *testing.T) {
	data := strings.Replace(GenerateDefault(), "stage_timeout: 10m", "stage_timeout: soon", 1)
	_, err := FromYAML([]byte(data))
	if err == nil || !strings.Contains(err.Error(), "invalid duration") {
		t.Fatalf("err = %v, want invalid duration", err)
	}
}

func TestLoadMissingFileMentionsInit(t *testing.T) {
	_, err := Load(t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "tl config init") {
		t.Fatalf("err = %v, want pointer to tl config init", err)
	}
}

func TestLoadOptionalFallsBackToDefaults(t *testing.T) {
	cfg, err := LoadOptional(t.TempDir())
	if err != nil {
		t.Fatalf("LoadOptional: %v", err)
	}
	if cfg.Pipeline.MinSources != MinSourcesFloor {
		t.Errorf("fallback min_sources = %d, want %d", cfg.Pipeline.MinSources, MinSourcesFloor)
	}
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	workspace := t.TempDir()
	raw := `provider:
  base_url: http://localhost:9999/v1
  research_model: test-r
  outline_model: test-o
  writer_model: test-w

pipeline:
  min_sources: 12
  max_attempts: 2
  stage_timeout: 90s
  writer_concurrency: 4

fetch:
  timeout: 5s
  max_bytes: 1024
  user_agent: thesisline-test/0
`
	if err := os.WriteFile(filepath.Join(workspace, "thesisline.yml"), []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(workspace)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pipeline.MinSources != 12 {
		t.Errorf("min_sources = %d, want 12", cfg.Pipeline.MinSources)
	}
	if got := time.Duration(cfg.Pipeline.StageTimeout); got != 90*time.Second {
		t.Errorf("stage_timeout = %v, want 90s", got)
	}
	if got := time.Duration(cfg.Fetch.Timeout); got != 5*time.Second {
		t.Errorf("fetch timeout = %v, want 5s", got)
	}
	if cfg.Provider.WriterModel != "test-w" {
		t.Errorf("writer_model = %q", cfg.Provider.WriterModel)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Pipeline.MinSources = 15
	data, err := cfg.YAML()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	back, err := FromYAML(data)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if back.Pipeline.MinSources != 15 {
		t.Errorf("round-trip min_sources = %d, want 15", back.Pipeline.MinSources)
	}
	if back.Pipeline.StageTimeout != cfg.Pipeline.StageTimeout {
		t.Errorf("round-trip stage_timeout = %v, want %v", back.Pipeline.StageTimeout, cfg.Pipeline.StageTimeout)
	}
}
