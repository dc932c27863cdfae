package conf

import (
	"errors"
	"fmt"
)

// Sentinel error kinds, wrapped with fmt.Errorf("%w: ...") at the point of
// occurrence so callers can classify a failure with errors.Is while still
// getting a human-readable message.
var (
	ErrConfig         = errors.New("config error")
	ErrRuleValidation = errors.New("rule validation error")
)

func errConfigf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}
