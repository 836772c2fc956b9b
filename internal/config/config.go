// Package config loads quill.yaml and validates it against an embedded
// CUE schema. The schema also supplies every default.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/roach88/quill/internal/aggregator"
	"github.com/roach88/quill/internal/engine"
)

//go:embed schema.cue
var schema []byte

// DefaultPath is the config file read when none is named.
const DefaultPath = "quill.yaml"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config is the validated configuration.
type Config struct {
	Server      Server      `json:"server" yaml:"server"`
	Store       Store       `json:"store" yaml:"store"`
	Sync        Sync        `json:"sync" yaml:"sync"`
	Discussions Discussions `json:"discussions" yaml:"discussions"`
	Log         Log         `json:"log" yaml:"log"`
}

// Server configures the websocket server.
type Server struct {
	Listen  string `json:"listen" yaml:"listen"`
	Metrics bool   `json:"metrics" yaml:"metrics"`
}

// Store selects the log backend.
type Store struct {
	Driver string `json:"driver" yaml:"driver"`
	Path   string `json:"path" yaml:"path"`
}

// Sync configures the sync engine.
type Sync struct {
	CheckpointInterval int64   `json:"checkpoint_interval" yaml:"checkpoint_interval"`
	Backoff            Backoff `json:"backoff" yaml:"backoff"`
}

// Backoff configures send and fetch retries.
type Backoff struct {
	Initial string `json:"initial" yaml:"initial"`
	Max     string `json:"max" yaml:"max"`
	Factor  int    `json:"factor" yaml:"factor"`
	Jitter  string `json:"jitter" yaml:"jitter"`
}

// Discussions configures remote discussion event batching.
type Discussions struct {
	Wait  string `json:"wait" yaml:"wait"`
	Force string `json:"force" yaml:"force"`
}

// Log configures the slog handler.
type Log struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Load reads path. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Parse(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse validates YAML data against the schema and fills in defaults.
func Parse(data []byte) (*Config, error) {
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: parse yaml: %v", ErrInvalid, err)
	}
	if raw == nil {
		raw = map[string]any{}
	}

	ctx := cuecontext.New()
	def := ctx.CompileBytes(schema).LookupPath(cue.ParsePath("#Config"))
	if err := def.Err(); err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}

	v := def.Unify(ctx.Encode(raw))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	var cfg Config
	if err := v.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalid, err)
	}
	if err := cfg.check(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return &cfg, nil
}

// check covers the constraints the schema cannot express.
func (c *Config) check() error {
	b, err := c.Sync.Backoff.Policy()
	if err != nil {
		return err
	}
	if b.Max < b.Initial {
		return fmt.Errorf("sync.backoff.max %s is below initial %s", b.Max, b.Initial)
	}
	wait, force, err := c.Discussions.intervals()
	if err != nil {
		return err
	}
	if force < wait {
		return fmt.Errorf("discussions.force %s is below wait %s", force, wait)
	}
	return nil
}

// Policy returns the retry policy.
func (b Backoff) Policy() (engine.Backoff, error) {
	initial, err := time.ParseDuration(b.Initial)
	if err != nil {
		return engine.Backoff{}, fmt.Errorf("sync.backoff.initial: %w", err)
	}
	maxDelay, err := time.ParseDuration(b.Max)
	if err != nil {
		return engine.Backoff{}, fmt.Errorf("sync.backoff.max: %w", err)
	}
	pct, err := strconv.Atoi(strings.TrimSuffix(b.Jitter, "%"))
	if err != nil {
		return engine.Backoff{}, fmt.Errorf("sync.backoff.jitter: %w", err)
	}
	policy := engine.DefaultBackoff()
	policy.Initial = initial
	policy.Max = maxDelay
	policy.Factor = float64(b.Factor)
	policy.Jitter = float64(pct) / 100
	return policy, nil
}

// AggregatorOptions returns the batching intervals.
func (d Discussions) AggregatorOptions() ([]aggregator.Option, error) {
	wait, force, err := d.intervals()
	if err != nil {
		return nil, err
	}
	return []aggregator.Option{aggregator.WithWait(wait), aggregator.WithForce(force)}, nil
}

func (d Discussions) intervals() (wait, force time.Duration, err error) {
	if wait, err = time.ParseDuration(d.Wait); err != nil {
		return 0, 0, fmt.Errorf("discussions.wait: %w", err)
	}
	if force, err = time.ParseDuration(d.Force); err != nil {
		return 0, 0, fmt.Errorf("discussions.force: %w", err)
	}
	return wait, force, nil
}

// EngineOptions returns the sync engine options the config implies.
func (c *Config) EngineOptions() ([]engine.Option, error) {
	policy, err := c.Sync.Backoff.Policy()
	if err != nil {
		return nil, err
	}
	return []engine.Option{
		engine.WithBackoff(policy),
		engine.WithCheckpointInterval(c.Sync.CheckpointInterval),
	}, nil
}
