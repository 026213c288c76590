package processor

import (
	"errors"
	"fmt"
)

var ErrMissingSettings = errors.New("processor: bot has no settings")

// ConfigError reports a setup defect on a bot. ProcessMessage returns it
// together with a displayable reply, so callers should alert the operator and
// still deliver the reply.
type ConfigError struct {
	BotID int64
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("processor: bot %d misconfigured: %v", e.BotID, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// IsConfigError reports whether err carries a *ConfigError.
func IsConfigError(err error) bool {
	var cfgErr *ConfigError
	return errors.As(err, &cfgErr)
}
