// Package config loads and validates alphaforge configuration from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all alphaforge configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Discovery run settings
	Run RunConfig `yaml:"run"`

	// Candidate producers
	Producer ProducerConfig `yaml:"producer"`

	// Sandboxed execution
	Executor ExecutorConfig `yaml:"executor"`

	// Champion selection
	Champion ChampionConfig `yaml:"champion"`

	// Novelty gating and archive tiers
	Repository RepositoryConfig `yaml:"repository"`

	// Persistence layout
	Storage StorageConfig `yaml:"storage"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// RunConfig configures the iteration loop.
type RunConfig struct {
	// MaxIterations is the iteration budget for one run.
	MaxIterations int64 `yaml:"max_iterations"`

	// FeedbackWindow is how many recent records feed the producer context.
	FeedbackWindow int `yaml:"feedback_window"`

	// SummaryEvery emits a periodic summary after this many iterations.
	SummaryEvery int64 `yaml:"summary_every"`

	// PersistRetries bounds retries of a failed history append before the
	// run pauses.
	PersistRetries int `yaml:"persist_retries"`

	// PersistBackoff is the delay between persistence retries.
	PersistBackoff string `yaml:"persist_backoff"`
}

// ProducerConfig configures the two candidate sources.
type ProducerConfig struct {
	// LLMWeight is the probability of selecting the LLM producer over the
	// recombination producer, in [0,1].
	LLMWeight float64 `yaml:"llm_weight"`

	// Model is the generation model name.
	Model string `yaml:"model"`

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env"`

	// Retries bounds re-generation attempts on an empty or invalid candidate.
	Retries int `yaml:"retries"`
}

// ExecutorConfig configures sandboxed candidate execution.
type ExecutorConfig struct {
	// Timeout is the hard wall-clock deadline for one execution.
	Timeout string `yaml:"timeout"`

	// Retries bounds re-execution of a timed-out candidate within the same
	// iteration slot. Default 0: a timeout is a terminal outcome.
	Retries int `yaml:"retries"`
}

// ChampionConfig configures the adaptive promotion bar.
type ChampionConfig struct {
	// Base is the required improvement at age 0, as a fraction of the
	// champion's primary metric.
	Base float64 `yaml:"base"`

	// Decay lowers the bar by this much per iteration of champion age.
	Decay float64 `yaml:"decay"`

	// Floor and Ceiling clamp the bar.
	Floor   float64 `yaml:"floor"`
	Ceiling float64 `yaml:"ceiling"`

	// AllowDominance enables promotion on secondary-metric dominance within
	// the primary tolerance band.
	AllowDominance bool `yaml:"allow_dominance"`

	// DominanceTolerance is the allowed primary-metric shortfall (fraction)
	// for a dominance promotion.
	DominanceTolerance float64 `yaml:"dominance_tolerance"`

	// RollbackDepth bounds the retained history of previous champions.
	RollbackDepth int `yaml:"rollback_depth"`
}

// RepositoryConfig configures novelty gating and the tiered archive.
type RepositoryConfig struct {
	// DuplicateThreshold rejects candidates whose nearest-neighbor novelty
	// falls below it.
	DuplicateThreshold float64 `yaml:"duplicate_threshold"`

	// SilverCut and GoldCut are the absolute primary-metric band boundaries.
	SilverCut float64 `yaml:"silver_cut"`
	GoldCut   float64 `yaml:"gold_cut"`

	// TierCapacity bounds each tier; overflow evicts the lowest-ranked entry.
	TierCapacity int `yaml:"tier_capacity"`
}

// StorageConfig configures the persisted layout.
type StorageConfig struct {
	// DataDir is the root for all persisted state.
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "alphaforge",
		Version: "0.3.0",
		Run: RunConfig{
			MaxIterations:  500,
			FeedbackWindow: 10,
			SummaryEvery:   25,
			PersistRetries: 3,
			PersistBackoff: "500ms",
		},
		Producer: ProducerConfig{
			LLMWeight: 0.7,
			Model:     "gemini-3-flash-preview",
			APIKeyEnv: "GEMINI_API_KEY",
			Retries:   1,
		},
		Executor: ExecutorConfig{
			Timeout: "30s",
			Retries: 0,
		},
		Champion: ChampionConfig{
			Base:               0.10,
			Decay:              0.001,
			Floor:              0.001,
			Ceiling:            0.10,
			AllowDominance:     false,
			DominanceTolerance: 0.02,
			RollbackDepth:      5,
		},
		Repository: RepositoryConfig{
			DuplicateThreshold: 0.2,
			SilverCut:          0.5,
			GoldCut:            1.5,
			TierCapacity:       50,
		},
		Storage: StorageConfig{
			DataDir: ".forge",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a YAML file, applying defaults for any
// missing fields. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Run.MaxIterations <= 0 {
		return fmt.Errorf("run.max_iterations must be positive, got %d", c.Run.MaxIterations)
	}
	if c.Producer.LLMWeight < 0 || c.Producer.LLMWeight > 1 {
		return fmt.Errorf("producer.llm_weight must be in [0,1], got %g", c.Producer.LLMWeight)
	}
	if c.Champion.Floor < 0 || c.Champion.Ceiling < c.Champion.Floor {
		return fmt.Errorf("champion floor/ceiling invalid: floor=%g ceiling=%g", c.Champion.Floor, c.Champion.Ceiling)
	}
	if c.Champion.Decay < 0 {
		return fmt.Errorf("champion.decay must be non-negative, got %g", c.Champion.Decay)
	}
	if c.Repository.DuplicateThreshold < 0 || c.Repository.DuplicateThreshold > 1 {
		return fmt.Errorf("repository.duplicate_threshold must be in [0,1], got %g", c.Repository.DuplicateThreshold)
	}
	if c.Repository.TierCapacity <= 0 {
		return fmt.Errorf("repository.tier_capacity must be positive, got %d", c.Repository.TierCapacity)
	}
	if c.Repository.GoldCut < c.Repository.SilverCut {
		return fmt.Errorf("repository.gold_cut must be >= silver_cut")
	}
	if _, err := c.ExecTimeout(); err != nil {
		return fmt.Errorf("executor.timeout: %w", err)
	}
	if _, err := c.PersistBackoffDuration(); err != nil {
		return fmt.Errorf("run.persist_backoff: %w", err)
	}
	return nil
}

// ExecTimeout parses the executor timeout.
func (c *Config) ExecTimeout() (time.Duration, error) {
	if c.Executor.Timeout == "" {
		return 30 * time.Second, nil
	}
	return time.ParseDuration(c.Executor.Timeout)
}

// PersistBackoffDuration parses the persistence retry backoff.
func (c *Config) PersistBackoffDuration() (time.Duration, error) {
	if c.Run.PersistBackoff == "" {
		return 500 * time.Millisecond, nil
	}
	return time.ParseDuration(c.Run.PersistBackoff)
}

// HistoryPath returns the history log file path.
func (c *Config) HistoryPath() string {
	return filepath.Join(c.Storage.DataDir, "history.jsonl")
}

// ChampionPath returns the champion state file path.
func (c *Config) ChampionPath() string {
	return filepath.Join(c.Storage.DataDir, "champion.json")
}

// AuditPath returns the audit database path.
func (c *Config) AuditPath() string {
	return filepath.Join(c.Storage.DataDir, "audit.db")
}

// RepositoryDir returns the archive root directory.
func (c *Config) RepositoryDir() string {
	return filepath.Join(c.Storage.DataDir, "repo")
}
