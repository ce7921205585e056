// Package service is the registration and query façade used by the CLI.
package service

import (
	"errors"
	"fmt"
)

// ErrValidation marks requests that can never succeed as given. It is
// never retried.
var ErrValidation = errors.New("validation failed")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
