// Package config loads service configuration from the environment and an
// optional YAML workflow file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/aula-app/aula-engine/internal/engine"
)

// Config is the process configuration.
type Config struct {
	HTTPAddr        string        `env:"AULA_HTTP_ADDR"         envDefault:":8080"`
	GRPCAddr        string        `env:"AULA_GRPC_ADDR"         envDefault:":9090"`
	PostgresDSN     string        `env:"AULA_PG_DSN"`
	RedisURL        string        `env:"AULA_REDIS_URL"`
	AuthSecret      string        `env:"AULA_AUTH_SECRET"`
	DevTokens       bool          `env:"AULA_DEV_TOKENS"        envDefault:"false"`
	TokenTTL        time.Duration `env:"AULA_TOKEN_TTL"         envDefault:"15m"`
	WorkflowFile    string        `env:"AULA_WORKFLOW_FILE"`
	RateBurst       int           `env:"AULA_RATE_BURST"        envDefault:"40"`
	RatePerSec      int           `env:"AULA_RATE_PER_SEC"      envDefault:"20"`
	OTLPEndpoint    string        `env:"AULA_OTLP_ENDPOINT"`
	LogLevel        string        `env:"AULA_LOG_LEVEL"         envDefault:"info"`
	TallyCacheTTL   time.Duration `env:"AULA_TALLY_CACHE_TTL"   envDefault:"5m"`
	QuorumVotes     int           `env:"AULA_QUORUM_VOTES"      envDefault:"50"`
	QuorumWildIdeas int           `env:"AULA_QUORUM_WILD_IDEAS" envDefault:"10"`
	ShutdownTimeout time.Duration `env:"AULA_SHUTDOWN_TIMEOUT"  envDefault:"10s"`

	Workflow engine.Workflow `env:"-"`
}

// Load parses the environment, then applies the workflow file if one is named.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.Workflow = engine.DefaultWorkflow()
	if cfg.WorkflowFile != "" {
		wf, err := LoadWorkflow(cfg.WorkflowFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Workflow = wf
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values env parsing cannot.
func (c Config) Validate() error {
	var errs []error
	if c.RateBurst <= 0 || c.RatePerSec <= 0 {
		errs = append(errs, errors.New("rate limits must be positive"))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, errors.New("AULA_TOKEN_TTL must be positive"))
	}
	if err := c.Quorum().Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Workflow.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Quorum returns the initial quorum used to seed the in-memory store.
func (c Config) Quorum() engine.Quorum {
	return engine.Quorum{Votes: c.QuorumVotes, WildIdeas: c.QuorumWildIdeas}
}

type workflowFile struct {
	Transitions []struct {
		From    string `yaml:"from"`
		To      string `yaml:"to"`
		MinRole int    `yaml:"min_role"`
	} `yaml:"transitions"`
	ForceRole     int `yaml:"force_role"`
	ApproveRole   int `yaml:"approve_role"`
	CreateBoxRole int `yaml:"create_box_role"`
}

// LoadWorkflow reads phase thresholds from a YAML file. Entries not present
// keep their defaults.
func LoadWorkflow(path string) (engine.Workflow, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return engine.Workflow{}, fmt.Errorf("read workflow file: %w", err)
	}
	var f workflowFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return engine.Workflow{}, fmt.Errorf("parse workflow file %s: %w", path, err)
	}
	wf := engine.DefaultWorkflow()
	for i, t := range f.Transitions {
		from, err := engine.ParsePhase(t.From)
		if err != nil {
			return engine.Workflow{}, fmt.Errorf("transition %d: %w", i, err)
		}
		to, err := engine.ParsePhase(t.To)
		if err != nil {
			return engine.Workflow{}, fmt.Errorf("transition %d: %w", i, err)
		}
		wf.Thresholds[engine.Transition{From: from, To: to}] = engine.Role(t.MinRole)
	}
	if f.ForceRole != 0 {
		wf.ForceRole = engine.Role(f.ForceRole)
	}
	if f.ApproveRole != 0 {
		wf.ApproveRole = engine.Role(f.ApproveRole)
	}
	if f.CreateBoxRole != 0 {
		wf.CreateBoxRole = engine.Role(f.CreateBoxRole)
	}
	if err := wf.Validate(); err != nil {
		return engine.Workflow{}, fmt.Errorf("workflow file %s: %w", path, err)
	}
	return wf, nil
}
