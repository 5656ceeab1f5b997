package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	_ "embed"
)

const (
	ReporterStdout = "stdout"
	ReporterDir    = "dir"
	ReporterURL    = "url"

	// EnvPrefix is the prefix of the environment overrides.
	EnvPrefix = "TRACECHECK_"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx   *cue.Context
	defs     cue.Value
	schema   cue.Value
	scenario cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}
	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	defs = compiled
	schema = lookupDef(compiled, "#Config")
	scenario = lookupDef(compiled, "#Scenario")
}

func lookupDef(root cue.Value, name string) cue.Value {
	v := root.LookupPath(cue.ParsePath(name))
	if v.Err() != nil {
		panic(v.Err())
	}
	if err := v.Validate(); err != nil {
		panic(err)
	}
	return v
}

// Config of the harness, usually read from tracecheck.yaml.
type Config struct {
	Version   int        `json:"version" yaml:"version"`
	Timeout   string     `json:"timeout" yaml:"timeout"`
	Drain     string     `json:"drain" yaml:"drain"`
	Parallel  int        `json:"parallel" yaml:"parallel"`
	Verbose   bool       `json:"verbose" yaml:"verbose"`
	History   string     `json:"history,omitempty" yaml:"history,omitempty"`
	Listen    string     `json:"listen,omitempty" yaml:"listen,omitempty"`
	Cases     []string   `json:"cases,omitempty" yaml:"cases,omitempty"`
	Schedule  *Schedule  `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Reporters []Reporter `json:"reporters" yaml:"reporters"`
}

// Schedule of the soak mode, exactly one field is set.
type Schedule struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// Reporter receives every run record.
type Reporter struct {
	Type  string `json:"type" yaml:"type"`
	Path  string `json:"path,omitempty" yaml:"path,omitempty"`
	URL   string `json:"url,omitempty" yaml:"url,omitempty"`
	Token string `json:"token,omitempty" yaml:"token,omitempty"`
}

// DefaultConfig is used when no configuration file exists.
func DefaultConfig(ctx context.Context) Config {
	v := schema.Unify(cueCtx.CompileString("{version: 0}"))
	var cfg Config
	if err := v.Decode(&cfg); err != nil {
		slog.ErrorContext(ctx, "decoding default config", "error", err)
		return Config{Timeout: "2m", Drain: "1s", Parallel: 1, Reporters: []Reporter{{Type: ReporterStdout}}}
	}
	return cfg
}

// LoadConfig validates YAML from r against the CUE schema and decodes it.
func LoadConfig(r io.Reader) (Config, error) {
	var out Config
	if err := load("tracecheck.yaml", r, schema, &out); err != nil {
		return Config{}, err
	}
	return out, nil
}

func load(name string, r io.Reader, def cue.Value, out any) error {
	file, err := yaml.Extract(name, r)
	if err != nil {
		return err
	}
	value := cueCtx.BuildFile(file)

	unified := def.Unify(value)
	if err := unified.Validate(
		cue.All(),
		cue.Concrete(true),
	); err != nil {
		return err
	}
	return unified.Decode(out)
}

// TimeoutDuration is the wall clock bound of one isolated run.
func (c Config) TimeoutDuration() time.Duration {
	return mustDuration(c.Timeout, 2*time.Minute)
}

// DrainDuration is the grace period after the workload returned.
func (c Config) DrainDuration() time.Duration {
	return mustDuration(c.Drain, time.Second)
}

// mustDuration parses a value the schema already validated.
func mustDuration(s string, dflt time.Duration) time.Duration {
	if s == "" {
		return dflt
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return dflt
	}
	return d
}

// Overrides are the TRACECHECK_* environment variables. Only the variables
// which are set replace the configuration.
type Overrides struct {
	Timeout  *time.Duration `env:"TIMEOUT"`
	Drain    *time.Duration `env:"DRAIN"`
	Parallel *int           `env:"PARALLEL"`
	Verbose  *bool          `env:"VERBOSE"`
	History  *string        `env:"HISTORY"`
	Listen   *string        `env:"LISTEN"`
}

// LoadDotEnv loads the variables from path into the environment without
// replacing those already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// ParseOverrides reads the overrides from the environment.
func ParseOverrides() (Overrides, error) {
	var o Overrides
	if err := env.ParseWithOptions(&o, env.Options{Prefix: EnvPrefix}); err != nil {
		return Overrides{}, fmt.Errorf("%w: parsing environment: %w", ErrConfiguration, err)
	}
	return o, nil
}

// Apply returns cfg with the set overrides.
func (o Overrides) Apply(cfg Config) Config {
	if o.Timeout != nil {
		cfg.Timeout = o.Timeout.String()
	}
	if o.Drain != nil {
		cfg.Drain = o.Drain.String()
	}
	if o.Parallel != nil {
		cfg.Parallel = *o.Parallel
	}
	if o.Verbose != nil {
		cfg.Verbose = *o.Verbose
	}
	if o.History != nil {
		cfg.History = *o.History
	}
	if o.Listen != nil {
		cfg.Listen = *o.Listen
	}
	return cfg
}
