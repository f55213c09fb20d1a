package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	apperrors "github.com/louisbranch/eventlog/internal/platform/errors"
)

// Validator is implemented by configuration structs that check invariants
// env tags cannot express (mutually dependent options, enum values).
type Validator interface {
	Validate() error
}

// ParseEnv loads configuration from environment variables and validates the
// result when target implements Validator.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return apperrors.Wrap(apperrors.CodeConfiguration, "parse env", err)
	}
	if validator, ok := target.(Validator); ok {
		if err := validator.Validate(); err != nil {
			return apperrors.Wrap(apperrors.CodeConfiguration, "validate config", err)
		}
	}
	return nil
}

// Require returns an error naming key when value is empty.
func Require(key, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", key)
	}
	return nil
}
