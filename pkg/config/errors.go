package config

import (
	"fmt"

	"github.com/pkg/errors"
)

// ConfigurationError reports a problem with the experiment definition that
// must abort the run before any target invocation.
type ConfigurationError struct {
	Op  string
	Err error
}

func (e *ConfigurationError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("configuration error: %v", e.Err)
	}
	return fmt.Sprintf("configuration error: %s: %v", e.Op, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Errorf builds a ConfigurationError for the given operation.
func Errorf(op string, format string, args ...any) error {
	return &ConfigurationError{Op: op, Err: errors.Errorf(format, args...)}
}

// Wrap wraps err as a ConfigurationError. A nil err returns nil.
func Wrap(err error, op string) error {
	if err == nil {
		return nil
	}
	var ce *ConfigurationError
	if errors.As(err, &ce) {
		return err
	}
	return &ConfigurationError{Op: op, Err: err}
}

func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
