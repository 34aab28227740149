// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/rewind/lib/preimage"
	"github.com/bureau-foundation/rewind/lib/undo"
)

// EnvVar names the environment variable Load reads.
const EnvVar = "REWIND_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is the master configuration for rewind.
type Config struct {
	Environment Environment `yaml:"environment"`

	Paths PathsConfig `yaml:"paths"`

	// Compression is "none", "lz4", or "zstd".
	Compression string `yaml:"compression"`

	// Clone tries a reflink copy before falling back to streaming.
	Clone bool `yaml:"clone"`

	// Symlinks is "ignore", "read_only", or "read_write".
	Symlinks string `yaml:"symlinks"`

	// ExternalPolicy is "barrier", "warn", or "lock".
	ExternalPolicy string `yaml:"external_policy"`

	// RespectGitignore excludes gitignored paths from capture and
	// from watching.
	RespectGitignore bool `yaml:"respect_gitignore"`

	Limits     LimitsConfig     `yaml:"limits"`
	Safeguards SafeguardsConfig `yaml:"safeguards"`
	Timing     TimingConfig     `yaml:"timing"`
	Watch      WatchConfig      `yaml:"watch"`
	Journal    JournalConfig    `yaml:"journal"`

	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Paths      *PathsConfig      `yaml:"paths,omitempty"`
	Limits     *LimitsConfig     `yaml:"limits,omitempty"`
	Safeguards *SafeguardsConfig `yaml:"safeguards,omitempty"`
	Watch      *WatchConfig      `yaml:"watch,omitempty"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the working tree under undo.
	Root string `yaml:"root"`

	// LogDir holds the undo log. Empty means Root/.rewind.
	LogDir string `yaml:"log_dir"`
}

// LimitsConfig bounds the undo log. Zero means unlimited.
type LimitsConfig struct {
	MaxLogSizeBytes        int64 `yaml:"max_log_size_bytes"`
	MaxStepCount           int   `yaml:"max_step_count"`
	MaxSingleStepSizeBytes int64 `yaml:"max_single_step_size_bytes"`
}

// SafeguardsConfig sets the hold thresholds. Zero disables a threshold.
type SafeguardsConfig struct {
	DeleteThreshold            int      `yaml:"delete_threshold"`
	OverwriteFileSizeThreshold int64    `yaml:"overwrite_file_size_threshold"`
	RenameOverExisting         bool     `yaml:"rename_over_existing"`
	DecisionTimeout            Duration `yaml:"decision_timeout"`
	MaxQueuedOperations        int      `yaml:"max_queued_operations"`
}

// TimingConfig holds the step-boundary timings.
type TimingConfig struct {
	QuiescenceIdle    Duration `yaml:"quiescence_idle"`
	QuiescenceMax     Duration `yaml:"quiescence_max"`
	AmbientInactivity Duration `yaml:"ambient_inactivity"`
	OwnWriteWindow    Duration `yaml:"own_write_window"`
}

// WatchConfig configures external-modification detection.
type WatchConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Debounce Duration `yaml:"debounce"`
}

// JournalConfig configures the event journal in the log directory.
type JournalConfig struct {
	Enabled bool `yaml:"enabled"`

	// Keep is how many events survive pruning at mount. Zero keeps
	// everything.
	Keep int `yaml:"keep"`
}

// Duration is a time.Duration written as a Go duration string ("5s",
// "2m30s") in YAML.
type Duration time.Duration

// UnmarshalYAML accepts duration strings and bare integers (seconds).
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var text string
	if err := value.Decode(&text); err != nil {
		return fmt.Errorf("line %d: duration must be a string: %w", value.Line, err)
	}
	if seconds, ok := parseSeconds(text); ok {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func parseSeconds(text string) (int64, bool) {
	if text == "" {
		return 0, false
	}
	var seconds int64
	for _, r := range text {
		if r < '0' || r > '9' {
			return 0, false
		}
		seconds = seconds*10 + int64(r-'0')
	}
	return seconds, true
}

// Default returns the default configuration. Load and LoadFile start
// from it, so a file only needs the fields it changes.
func Default() *Config {
	return &Config{
		Environment:    Development,
		Paths:          PathsConfig{Root: "."},
		Compression:    preimage.CompressionZstd.String(),
		Clone:          true,
		Symlinks:       undo.SymlinksIgnore.String(),
		ExternalPolicy: undo.ExternalBarrier.String(),
		Limits: LimitsConfig{
			MaxLogSizeBytes:        2 << 30,
			MaxStepCount:           100,
			MaxSingleStepSizeBytes: 512 << 20,
		},
		Safeguards: SafeguardsConfig{
			DecisionTimeout:     Duration(undo.DefaultDecisionTimeout),
			MaxQueuedOperations: undo.DefaultMaxQueuedOperations,
		},
		Timing: TimingConfig{
			QuiescenceIdle:    Duration(undo.DefaultQuiescenceIdle),
			QuiescenceMax:     Duration(undo.DefaultQuiescenceMax),
			AmbientInactivity: Duration(undo.DefaultAmbientInactivity),
			OwnWriteWindow:    Duration(undo.DefaultOwnWriteWindow),
		},
		Watch: WatchConfig{
			Enabled:  true,
			Debounce: Duration(100 * time.Millisecond),
		},
		Journal: JournalConfig{
			Enabled: true,
			Keep:    10000,
		},
	}
}

// Load loads configuration from the file named by REWIND_CONFIG. It
// fails when the variable is unset.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvVar)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your rewind.yaml config file, or use --config flag", EnvVar)
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path on top of Default, applies
// the active environment section, and expands path variables.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// productionSafeguards apply when the environment is production and
// the file has no production section.
var productionSafeguards = SafeguardsConfig{
	DeleteThreshold:            50,
	OverwriteFileSizeThreshold: 64 << 20,
	RenameOverExisting:         true,
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		if overrides == nil {
			safeguards := productionSafeguards
			overrides = &ConfigOverrides{Safeguards: &safeguards}
		}
	}

	if overrides == nil {
		return
	}

	if overrides.Paths != nil {
		if overrides.Paths.Root != "" {
			c.Paths.Root = overrides.Paths.Root
		}
		if overrides.Paths.LogDir != "" {
			c.Paths.LogDir = overrides.Paths.LogDir
		}
	}

	if overrides.Limits != nil {
		if overrides.Limits.MaxLogSizeBytes != 0 {
			c.Limits.MaxLogSizeBytes = overrides.Limits.MaxLogSizeBytes
		}
		if overrides.Limits.MaxStepCount != 0 {
			c.Limits.MaxStepCount = overrides.Limits.MaxStepCount
		}
		if overrides.Limits.MaxSingleStepSizeBytes != 0 {
			c.Limits.MaxSingleStepSizeBytes = overrides.Limits.MaxSingleStepSizeBytes
		}
	}

	if overrides.Safeguards != nil {
		if overrides.Safeguards.DeleteThreshold != 0 {
			c.Safeguards.DeleteThreshold = overrides.Safeguards.DeleteThreshold
		}
		if overrides.Safeguards.OverwriteFileSizeThreshold != 0 {
			c.Safeguards.OverwriteFileSizeThreshold = overrides.Safeguards.OverwriteFileSizeThreshold
		}
		// A bool has no "unset", so an overriding section always wins.
		c.Safeguards.RenameOverExisting = overrides.Safeguards.RenameOverExisting
		if overrides.Safeguards.DecisionTimeout != 0 {
			c.Safeguards.DecisionTimeout = overrides.Safeguards.DecisionTimeout
		}
		if overrides.Safeguards.MaxQueuedOperations != 0 {
			c.Safeguards.MaxQueuedOperations = overrides.Safeguards.MaxQueuedOperations
		}
	}

	if overrides.Watch != nil {
		c.Watch.Enabled = overrides.Watch.Enabled
		if overrides.Watch.Debounce != 0 {
			c.Watch.Debounce = overrides.Watch.Debounce
		}
	}
}

func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["REWIND_ROOT"] = c.Paths.Root
	c.Paths.LogDir = expandVars(c.Paths.LogDir, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default}. vars take precedence
// over the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name := parts[1]
		defaultValue := parts[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors, reporting all of them.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.Paths.Root == "" {
		errs = append(errs, errors.New("paths.root is required"))
	}
	if _, err := preimage.ParseCompression(c.Compression); err != nil {
		errs = append(errs, fmt.Errorf("compression: %w", err))
	}
	if _, err := undo.ParseSymlinkPolicy(c.Symlinks); err != nil {
		errs = append(errs, fmt.Errorf("symlinks: %w", err))
	}
	if _, err := undo.ParseExternalPolicy(c.ExternalPolicy); err != nil {
		errs = append(errs, fmt.Errorf("external_policy: %w", err))
	}
	if err := c.resourceLimits().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("limits: %w", err))
	}
	if err := c.safeguardConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("safeguards: %w", err))
	}
	timings := []struct {
		name  string
		value Duration
	}{
		{"timing.quiescence_idle", c.Timing.QuiescenceIdle},
		{"timing.quiescence_max", c.Timing.QuiescenceMax},
		{"timing.ambient_inactivity", c.Timing.AmbientInactivity},
		{"timing.own_write_window", c.Timing.OwnWriteWindow},
		{"watch.debounce", c.Watch.Debounce},
	}
	for _, timing := range timings {
		if timing.value < 0 {
			errs = append(errs, fmt.Errorf("%s is negative", timing.name))
		}
	}
	if c.Timing.QuiescenceIdle > c.Timing.QuiescenceMax {
		errs = append(errs, errors.New("timing.quiescence_idle exceeds timing.quiescence_max"))
	}
	if c.Journal.Keep < 0 {
		errs = append(errs, errors.New("journal.keep is negative"))
	}

	return errors.Join(errs...)
}

// RootPath returns the absolute working tree path.
func (c *Config) RootPath() (string, error) {
	root, err := filepath.Abs(c.Paths.Root)
	if err != nil {
		return "", fmt.Errorf("resolving root %s: %w", c.Paths.Root, err)
	}
	return root, nil
}

// LogDirPath returns the absolute log directory.
func (c *Config) LogDirPath() (string, error) {
	root, err := c.RootPath()
	if err != nil {
		return "", err
	}
	if c.Paths.LogDir == "" {
		return filepath.Join(root, undo.LogDirName), nil
	}
	if filepath.IsAbs(c.Paths.LogDir) {
		return filepath.Clean(c.Paths.LogDir), nil
	}
	return filepath.Join(root, c.Paths.LogDir), nil
}

// EngineOptions converts the configuration to undo.Options. Runtime
// collaborators (Notifier, SafeguardHandler, Ignore, Clock, Logger)
// are left for the caller to set.
func (c *Config) EngineOptions() (undo.Options, error) {
	if err := c.Validate(); err != nil {
		return undo.Options{}, err
	}
	root, err := c.RootPath()
	if err != nil {
		return undo.Options{}, err
	}
	logDir, err := c.LogDirPath()
	if err != nil {
		return undo.Options{}, err
	}
	compression, _ := preimage.ParseCompression(c.Compression)
	symlinks, _ := undo.ParseSymlinkPolicy(c.Symlinks)
	external, _ := undo.ParseExternalPolicy(c.ExternalPolicy)

	options := undo.DefaultOptions(root)
	options.LogDir = logDir
	options.Compression = compression
	options.Clone = c.Clone
	options.Symlinks = symlinks
	options.ExternalPolicy = external
	options.Limits = c.resourceLimits()
	options.Safeguards = c.safeguardConfig()
	options.QuiescenceIdle = time.Duration(c.Timing.QuiescenceIdle)
	options.QuiescenceMax = time.Duration(c.Timing.QuiescenceMax)
	options.AmbientInactivity = time.Duration(c.Timing.AmbientInactivity)
	options.OwnWriteWindow = time.Duration(c.Timing.OwnWriteWindow)
	return options, nil
}

func (c *Config) resourceLimits() undo.ResourceLimits {
	return undo.ResourceLimits{
		MaxLogSizeBytes:        c.Limits.MaxLogSizeBytes,
		MaxStepCount:           c.Limits.MaxStepCount,
		MaxSingleStepSizeBytes: c.Limits.MaxSingleStepSizeBytes,
	}
}

func (c *Config) safeguardConfig() undo.SafeguardConfig {
	return undo.SafeguardConfig{
		DeleteThreshold:            c.Safeguards.DeleteThreshold,
		OverwriteFileSizeThreshold: c.Safeguards.OverwriteFileSizeThreshold,
		RenameOverExisting:         c.Safeguards.RenameOverExisting,
		DecisionTimeout:            time.Duration(c.Safeguards.DecisionTimeout),
		MaxQueuedOperations:        c.Safeguards.MaxQueuedOperations,
	}
}
