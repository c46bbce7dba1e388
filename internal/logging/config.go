package logging

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap/zapcore"
)

// Config controls the logger built by NewLogger.
type Config struct {
	Level      zapcore.Level
	Format     string // json or console
	Output     OutputConfig
	Sampling   SamplingConfig
	Caller     CallerConfig
	Stacktrace zapcore.Level
	Fields     map[string]string
	Redaction  RedactionConfig
}

// OutputConfig selects sinks. Writer replaces stdout when set.
type OutputConfig struct {
	Stdout bool
	OTEL   bool
	Writer zapcore.WriteSyncer
}

// SamplingConfig is applied per message per Tick to records below error.
type SamplingConfig struct {
	Enabled    bool
	Tick       time.Duration
	Initial    int
	Thereafter int
}

// CallerConfig controls caller annotation.
type CallerConfig struct {
	Enabled bool
	Skip    int
}

// RedactionConfig lists keys whose values are masked, plus value patterns
// masked under any key.
type RedactionConfig struct {
	Enabled  bool
	Keys     []string
	Patterns []string
}

// maxPatternLen bounds user-supplied redaction patterns.
const maxPatternLen = 200

// NewDefaultConfig returns the daemon defaults: JSON to stdout at info.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  zapcore.InfoLevel,
		Format: "json",
		Output: OutputConfig{Stdout: true},
		Sampling: SamplingConfig{
			Enabled:    true,
			Tick:       time.Second,
			Initial:    100,
			Thereafter: 10,
		},
		Caller:     CallerConfig{Enabled: true, Skip: 2},
		Stacktrace: zapcore.ErrorLevel,
		Fields:     map[string]string{"service": "runtimed"},
		Redaction: RedactionConfig{
			Enabled: true,
			Keys: []string{
				"password", "secret", "token", "api_key",
				"authorization", "credential", "private_key",
			},
			Patterns: []string{
				`(?i)bearer\s+\S+`,
				`(?i)api[_-]?key[=:]\s*\S+`,
			},
		},
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Format != "json" && c.Format != "console" {
		errs = append(errs, fmt.Errorf("format must be json or console, got %q", c.Format))
	}
	if !c.Output.Stdout && !c.Output.OTEL && c.Output.Writer == nil {
		errs = append(errs, errors.New("no output enabled"))
	}
	if c.Sampling.Enabled && c.Sampling.Tick <= 0 {
		errs = append(errs, errors.New("sampling tick must be > 0"))
	}
	if c.Caller.Skip < 0 {
		errs = append(errs, fmt.Errorf("caller skip must be >= 0, got %d", c.Caller.Skip))
	}
	for k, v := range c.Fields {
		if k == "" || v == "" {
			errs = append(errs, fmt.Errorf("constant field %q needs a key and a value", k))
		}
	}
	if c.Redaction.Enabled {
		for _, p := range c.Redaction.Patterns {
			if len(p) > maxPatternLen {
				errs = append(errs, fmt.Errorf("redaction pattern longer than %d: %q", maxPatternLen, p))
				continue
			}
			if _, err := regexp.Compile(p); err != nil {
				errs = append(errs, fmt.Errorf("redaction pattern %q: %w", p, err))
			}
		}
	}
	return errors.Join(errs...)
}
