package logging

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

// otelScope is the instrumentation scope of bridged records.
const otelScope = "github.com/fyrsmithlabs/runtimed"

// newCore tees the configured sinks and wraps them in the sampler.
func newCore(cfg *Config, lp log.LoggerProvider) (zapcore.Core, error) {
	var cores []zapcore.Core

	if cfg.Output.Stdout || cfg.Output.Writer != nil {
		enc, err := newRedactingEncoder(newEncoder(cfg.Format), cfg.Redaction)
		if err != nil {
			return nil, err
		}
		var w zapcore.WriteSyncer = zapcore.Lock(os.Stdout)
		if cfg.Output.Writer != nil {
			w = cfg.Output.Writer
		}
		cores = append(cores, zapcore.NewCore(enc, w, cfg.Level))
	}
	if cfg.Output.OTEL && lp != nil {
		// The bridge has no level of its own.
		cores = append(cores, &levelCore{
			Core:  otelzap.NewCore(otelScope, otelzap.WithLoggerProvider(lp)),
			min:   cfg.Level,
			below: zapcore.InvalidLevel,
		})
	}
	if len(cores) == 0 {
		return nil, errors.New("no log output available")
	}

	core := zapcore.NewTee(cores...)
	if cfg.Sampling.Enabled {
		core = newSampledCore(core, cfg.Sampling)
	}
	return core, nil
}

func newEncoder(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "ts"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeLevel = encodeLevel
	if format == "console" {
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}

func encodeLevel(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	if l == TraceLevel {
		enc.AppendString("trace")
		return
	}
	zapcore.LowercaseLevelEncoder(l, enc)
}

// newSampledCore samples records below error; errors always pass.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	errs := &levelCore{Core: core, min: zapcore.ErrorLevel, below: zapcore.InvalidLevel}
	rest := &levelCore{Core: core, min: TraceLevel, below: zapcore.ErrorLevel}
	return zapcore.NewTee(errs, zapcore.NewSamplerWithOptions(rest, cfg.Tick, cfg.Initial, cfg.Thereafter))
}

// levelCore admits levels in [min, below).
type levelCore struct {
	zapcore.Core
	min   zapcore.Level
	below zapcore.Level
}

func (c *levelCore) admits(l zapcore.Level) bool {
	return l >= c.min && l < c.below
}

func (c *levelCore) Enabled(l zapcore.Level) bool {
	return c.admits(l) && c.Core.Enabled(l)
}

func (c *levelCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.admits(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *levelCore) With(fields []zapcore.Field) zapcore.Core {
	return &levelCore{Core: c.Core.With(fields), min: c.min, below: c.below}
}

// Redacted masks a value while keeping its length visible.
func Redacted(key, val string) zap.Field {
	return zap.String(key, "[REDACTED:"+strconv.Itoa(len(val))+"]")
}

// redactingEncoder masks values of sensitive keys and values matching any
// pattern.
type redactingEncoder struct {
	zapcore.Encoder
	keys     map[string]bool
	patterns []*regexp.Regexp
}

func newRedactingEncoder(base zapcore.Encoder, cfg RedactionConfig) (zapcore.Encoder, error) {
	if !cfg.Enabled {
		return base, nil
	}
	e := &redactingEncoder{Encoder: base, keys: make(map[string]bool, len(cfg.Keys))}
	for _, k := range cfg.Keys {
		e.keys[strings.ToLower(k)] = true
	}
	for _, p := range cfg.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("redaction pattern %q: %w", p, err)
		}
		e.patterns = append(e.patterns, re)
	}
	return e, nil
}

func (e *redactingEncoder) sensitive(key string) bool {
	return e.keys[strings.ToLower(key)]
}

func (e *redactingEncoder) maskString(key, val string) string {
	if strings.HasPrefix(val, "[REDACTED") {
		return val
	}
	if e.sensitive(key) {
		return "[REDACTED]"
	}
	for _, re := range e.patterns {
		if re.MatchString(val) {
			return "[REDACTED:pattern]"
		}
	}
	return val
}

// EncodeEntry masks per-record fields. The embedded encoder adds them to its
// own clone, so the Add overrides below only see fields from With.
func (e *redactingEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	masked, copied := fields, false
	for i, f := range fields {
		var repl zapcore.Field
		switch {
		case f.Type == zapcore.StringType:
			v := e.maskString(f.Key, f.String)
			if v == f.String {
				continue
			}
			repl = zap.String(f.Key, v)
		case e.sensitive(f.Key):
			repl = zap.String(f.Key, "[REDACTED]")
		default:
			continue
		}
		if !copied {
			masked, copied = append([]zapcore.Field(nil), fields...), true
		}
		masked[i] = repl
	}
	return e.Encoder.EncodeEntry(ent, masked)
}

func (e *redactingEncoder) AddString(key, val string) {
	e.Encoder.AddString(key, e.maskString(key, val))
}

func (e *redactingEncoder) AddByteString(key string, val []byte) {
	if e.sensitive(key) {
		e.Encoder.AddString(key, "[REDACTED]")
		return
	}
	e.Encoder.AddByteString(key, val)
}

func (e *redactingEncoder) AddReflected(key string, val any) error {
	if e.sensitive(key) {
		e.Encoder.AddString(key, "[REDACTED]")
		return nil
	}
	return e.Encoder.AddReflected(key, val)
}

func (e *redactingEncoder) AddObject(key string, obj zapcore.ObjectMarshaler) error {
	if e.sensitive(key) {
		e.Encoder.AddString(key, "[REDACTED]")
		return nil
	}
	return e.Encoder.AddObject(key, obj)
}

func (e *redactingEncoder) Clone() zapcore.Encoder {
	return &redactingEncoder{Encoder: e.Encoder.Clone(), keys: e.keys, patterns: e.patterns}
}
