// Package config loads coordinator configuration from YAML files.
//
// Loading is strict: unknown keys are rejected by the YAML decoder, values
// are checked against the embedded CUE schema, and cross-field rules are
// checked in Go after defaults are applied.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaCUE string

// Defaults used for fields a file leaves out.
const (
	DefaultURL                 = "asyncgraph.db"
	DefaultMaxConflictAttempts = 20
	DefaultBarrierTimeout      = 30 * time.Second
	DefaultMaxSessions         = 8
	DefaultMinSessions         = 1
	DefaultAcquireTimeout      = 30 * time.Second
	DefaultLogLevel            = "info"
	DefaultActor               = "asyncgraph"
)

// Duration is a time.Duration written as a Go duration string ("250ms").
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string: %w", node.Line, err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration string form.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// String returns the Go duration string.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Pool bounds the backing session pool.
type Pool struct {
	MinSessions    int      `yaml:"min_sessions"`
	MaxSessions    int      `yaml:"max_sessions"`
	AcquireTimeout Duration `yaml:"acquire_timeout"`
}

// Config is the coordinator configuration.
type Config struct {
	// URL is the backing database address (a SQLite file path).
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Actor is recorded with every journaled mutation.
	Actor string `yaml:"actor"`

	// Workers sizes the mutation worker pool; 0 uses the CPU count.
	Workers int `yaml:"workers"`

	// MaxConflictAttempts bounds edge creation attempts under conflict.
	MaxConflictAttempts int `yaml:"max_conflict_attempts"`

	// BarrierTimeout bounds how long a read waits for earlier mutations.
	BarrierTimeout Duration `yaml:"barrier_timeout"`

	// OperationTimeout bounds a single mutation; 0 means unbounded.
	OperationTimeout Duration `yaml:"operation_timeout"`

	LogLevel string `yaml:"log_level"`

	Pool Pool `yaml:"pool"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		URL:                 DefaultURL,
		Actor:               DefaultActor,
		MaxConflictAttempts: DefaultMaxConflictAttempts,
		BarrierTimeout:      Duration(DefaultBarrierTimeout),
		LogLevel:            DefaultLogLevel,
		Pool: Pool{
			MinSessions:    DefaultMinSessions,
			MaxSessions:    DefaultMaxSessions,
			AcquireTimeout: Duration(DefaultAcquireTimeout),
		},
	}
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates YAML configuration. Fields the document
// omits keep their defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	// Parse YAML with strict field validation (catches typos like "worker:" vs "workers:")
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateSchema(data); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidationError reports a configuration value outside its allowed range.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid config: " + e.Message
	}
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Message)
}

// validateSchema checks the raw document against #Config.
func validateSchema(data []byte) error {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	doc := ctx.Encode(raw)
	if err := doc.Err(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(doc)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return formatCUEError(err)
	}
	return nil
}

// formatCUEError returns the first CUE error as a ValidationError.
func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &ValidationError{Message: err.Error()}
	}
	first := errs[0]
	format, args := first.Msg()
	var path []string
	for _, sel := range first.Path() {
		if !strings.HasPrefix(sel, "#") {
			path = append(path, sel)
		}
	}
	return &ValidationError{
		Field:   strings.Join(path, "."),
		Message: fmt.Sprintf(format, args...),
	}
}

// Validate checks cross-field rules.
func (c *Config) Validate() error {
	if c.URL == "" {
		return &ValidationError{Field: "url", Message: "must not be empty"}
	}
	if c.Pool.MaxSessions < 1 {
		return &ValidationError{Field: "pool.max_sessions", Message: "must be at least 1"}
	}
	if c.Pool.MinSessions > c.Pool.MaxSessions {
		return &ValidationError{
			Field:   "pool.min_sessions",
			Message: fmt.Sprintf("%d exceeds pool.max_sessions %d", c.Pool.MinSessions, c.Pool.MaxSessions),
		}
	}
	if c.MaxConflictAttempts < 1 {
		return &ValidationError{Field: "max_conflict_attempts", Message: "must be at least 1"}
	}
	if c.BarrierTimeout < 0 || c.OperationTimeout < 0 || c.Pool.AcquireTimeout < 0 {
		return &ValidationError{Message: "timeouts must not be negative"}
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return &ValidationError{Field: "log_level", Message: err.Error()}
	}
	return nil
}

// Level returns the configured slog level.
func (c *Config) Level() slog.Level {
	l, _ := ParseLevel(c.LogLevel)
	return l
}

// ParseLevel converts a level name to a slog.Level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown level %q", s)
	}
}
