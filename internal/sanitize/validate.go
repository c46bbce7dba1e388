package sanitize

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrInvalidTenantID indicates the tenant ID format is invalid.
	ErrInvalidTenantID = errors.New("invalid tenant ID format")

	// ErrInvalidExecutionID indicates the execution ID format is invalid.
	ErrInvalidExecutionID = errors.New("invalid execution ID format")
)

// tenantPattern: lowercase alphanumeric with underscores, 1-64 chars, no
// leading underscore.
var tenantPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_]{0,62}[a-z0-9]?$`)

// executionPattern admits UUIDs and caller-chosen ids such as "review-42".
var executionPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// ValidateTenantID checks that a tenant ID is usable as a queue name and a
// NATS subject token.
func ValidateTenantID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTenantID)
	}
	if strings.ContainsAny(id, `/\.`) {
		return fmt.Errorf("%w: contains path characters", ErrInvalidTenantID)
	}
	if !tenantPattern.MatchString(id) {
		return fmt.Errorf("%w: must be lowercase alphanumeric with underscores (1-64 chars)", ErrInvalidTenantID)
	}
	return nil
}

// ValidateExecutionID checks an execution ID. Empty is allowed; the kernel
// generates one.
func ValidateExecutionID(id string) error {
	if id == "" {
		return nil
	}
	if !executionPattern.MatchString(id) {
		return fmt.Errorf("%w: %q must be alphanumeric with '-' or '_' (1-128 chars)", ErrInvalidExecutionID, id)
	}
	return nil
}

// SanitizeAndValidateTenantID sanitizes a user-provided tenant ID and
// validates the result.
func SanitizeAndValidateTenantID(id string) (string, error) {
	s := Identifier(id)
	if err := ValidateTenantID(s); err != nil {
		return "", err
	}
	return s, nil
}
