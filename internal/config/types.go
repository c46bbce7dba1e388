package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Duration is a time.Duration that loads from text. Besides Go duration
// strings ("250ms", "1m30s") it accepts a bare integer as seconds, which is
// how most people write RUNTIMED_* timeouts.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	s := string(text)
	parsed, err := time.ParseDuration(s)
	if err != nil {
		secs, convErr := strconv.ParseInt(s, 10, 64)
		if convErr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		parsed = time.Duration(secs) * time.Second
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", s)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration().String())
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

const redacted = "[REDACTED]"

var errRedactedSecret = errors.New("secret value is the redaction placeholder")

// Secret holds a credential. Every formatting and marshaling path prints
// the placeholder; only Value exposes the content.
type Secret string

// masked is what a Secret shows to the outside world. Unset secrets stay
// empty so dumps still show which ones are configured.
func (s Secret) masked() string {
	if s == "" {
		return ""
	}
	return redacted
}

func (s Secret) String() string   { return s.masked() }
func (s Secret) GoString() string { return "config.Secret(" + strconv.Quote(s.masked()) + ")" }

// Value returns the secret itself.
func (s Secret) Value() string { return string(s) }

// IsSet reports whether a value was configured.
func (s Secret) IsSet() bool { return s != "" }

func (s Secret) MarshalJSON() ([]byte, error) { return json.Marshal(s.masked()) }
func (s Secret) MarshalText() ([]byte, error) { return []byte(s.masked()), nil }
func (s Secret) MarshalYAML() (any, error)    { return s.masked(), nil }

// set rejects the placeholder, so a dumped config fed back in fails
// instead of silently configuring "[REDACTED]" as a token.
func (s *Secret) set(raw string) error {
	if raw == redacted {
		return errRedactedSecret
	}
	*s = Secret(raw)
	return nil
}

func (s *Secret) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	return s.set(raw)
}

func (s *Secret) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return s.set(raw)
}

func (s *Secret) UnmarshalText(text []byte) error {
	return s.set(string(text))
}
