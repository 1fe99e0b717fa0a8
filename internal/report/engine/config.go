package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/dhsmith/reportforge/internal/report/state"
)

// LimitsConfig are the run bounds. Every limit has a conservative default;
// zero means "use the default", negatives are rejected.
type LimitsConfig struct {
	MaxRecursionDepth      int `json:"max_recursion_depth" yaml:"max_recursion_depth"`
	MaxRevisionsPerSection int `json:"max_revisions_per_section" yaml:"max_revisions_per_section"`
	MaxSearchResults       int `json:"max_search_results" yaml:"max_search_results"`
	MaxRetries             int `json:"max_retries" yaml:"max_retries"`
	MaxSections            int `json:"max_sections" yaml:"max_sections"`
}

type BackoffFileConfig struct {
	InitialDelayMS int     `json:"initial_delay_ms" yaml:"initial_delay_ms"`
	BackoffFactor  float64 `json:"backoff_factor" yaml:"backoff_factor"`
	MaxDelayMS     int     `json:"max_delay_ms" yaml:"max_delay_ms"`
	Jitter         *bool   `json:"jitter,omitempty" yaml:"jitter,omitempty"`
}

type GenerateProviderConfig struct {
	BaseURL   string `json:"base_url" yaml:"base_url"`
	Model     string `json:"model" yaml:"model"`
	APIKeyEnv string `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"`
	TimeoutMS int    `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
}

type SearchProviderConfig struct {
	BaseURL   string `json:"base_url" yaml:"base_url"`
	TimeoutMS int    `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
}

type FetchProviderConfig struct {
	TimeoutMS int `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	MaxChars  int `json:"max_chars,omitempty" yaml:"max_chars,omitempty"`
}

// RunConfigFile is the on-disk run configuration (YAML or JSON, decoded
// strictly so typos fail loudly instead of silently using defaults).
type RunConfigFile struct {
	Version int `json:"version" yaml:"version"`

	RunsRoot string `json:"runs_root,omitempty" yaml:"runs_root,omitempty"`

	Limits  LimitsConfig      `json:"limits,omitempty" yaml:"limits,omitempty"`
	Backoff BackoffFileConfig `json:"backoff,omitempty" yaml:"backoff,omitempty"`

	Providers struct {
		Generate GenerateProviderConfig `json:"generate" yaml:"generate"`
		Search   SearchProviderConfig   `json:"search" yaml:"search"`
		Fetch    FetchProviderConfig    `json:"fetch,omitempty" yaml:"fetch,omitempty"`
	} `json:"providers" yaml:"providers"`

	Search struct {
		ExcludeURLGlobs []string `json:"exclude_url_globs,omitempty" yaml:"exclude_url_globs,omitempty"`
	} `json:"search,omitempty" yaml:"search,omitempty"`
}

func LoadRunConfigFile(path string) (*RunConfigFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg RunConfigFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	default:
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	applyConfigDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

func decodeJSONStrict(b []byte, cfg *RunConfigFile) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *RunConfigFile) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyConfigDefaults(cfg *RunConfigFile) {
	if cfg == nil {
		return
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if strings.TrimSpace(cfg.RunsRoot) == "" {
		cfg.RunsRoot = "runs"
	}
	if cfg.Limits.MaxRecursionDepth == 0 {
		cfg.Limits.MaxRecursionDepth = 2
	}
	if cfg.Limits.MaxRevisionsPerSection == 0 {
		cfg.Limits.MaxRevisionsPerSection = 2
	}
	if cfg.Limits.MaxSearchResults == 0 {
		cfg.Limits.MaxSearchResults = 5
	}
	if cfg.Limits.MaxRetries == 0 {
		cfg.Limits.MaxRetries = 3
	}
	if cfg.Limits.MaxSections == 0 {
		cfg.Limits.MaxSections = 6
	}
	if cfg.Backoff.InitialDelayMS == 0 {
		cfg.Backoff.InitialDelayMS = 200
	}
	if cfg.Backoff.BackoffFactor == 0 {
		cfg.Backoff.BackoffFactor = 2.0
	}
	if cfg.Backoff.MaxDelayMS == 0 {
		cfg.Backoff.MaxDelayMS = 60_000
	}
	if cfg.Providers.Fetch.TimeoutMS == 0 {
		cfg.Providers.Fetch.TimeoutMS = 15_000
	}
	if cfg.Providers.Fetch.MaxChars == 0 {
		cfg.Providers.Fetch.MaxChars = 8000
	}
	cfg.Search.ExcludeURLGlobs = trimNonEmpty(cfg.Search.ExcludeURLGlobs)
}

func validateConfig(cfg *RunConfigFile) error {
	if cfg.Version != 1 {
		return fmt.Errorf("config version %d not supported (want 1)", cfg.Version)
	}
	lim := cfg.Limits
	if lim.MaxRecursionDepth < 0 || lim.MaxRevisionsPerSection < 0 ||
		lim.MaxSearchResults < 0 || lim.MaxRetries < 0 || lim.MaxSections < 0 {
		return fmt.Errorf("limits must not be negative")
	}
	if lim.MaxSections < 1 {
		return fmt.Errorf("limits.max_sections must be at least 1")
	}
	if lim.MaxSearchResults < 1 {
		return fmt.Errorf("limits.max_search_results must be at least 1")
	}
	if cfg.Backoff.BackoffFactor <= 0 {
		return fmt.Errorf("backoff.backoff_factor must be positive")
	}
	for _, g := range cfg.Search.ExcludeURLGlobs {
		if !doublestar.ValidatePattern(g) {
			return fmt.Errorf("search.exclude_url_globs: invalid pattern %q", g)
		}
	}
	return nil
}

// StateConfig projects the file limits onto the immutable per-run bounds
// stored in the aggregate.
func (cfg *RunConfigFile) StateConfig() state.Config {
	return state.Config{
		MaxRecursionDepth:      cfg.Limits.MaxRecursionDepth,
		MaxRevisionsPerSection: cfg.Limits.MaxRevisionsPerSection,
		MaxSearchResults:       cfg.Limits.MaxSearchResults,
		MaxRetries:             cfg.Limits.MaxRetries,
	}
}

// BackoffConfig converts the file backoff section. Jitter defaults on.
func (cfg *RunConfigFile) BackoffConfig() BackoffConfig {
	jitter := true
	if cfg.Backoff.Jitter != nil {
		jitter = *cfg.Backoff.Jitter
	}
	return BackoffConfig{
		InitialDelayMS: cfg.Backoff.InitialDelayMS,
		BackoffFactor:  cfg.Backoff.BackoffFactor,
		MaxDelayMS:     cfg.Backoff.MaxDelayMS,
		Jitter:         jitter,
	}
}

func trimNonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
