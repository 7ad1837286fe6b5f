package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Component returns a child of the process logger tagged with component.
// Call it after logging is configured; the parent is captured at call time.
func Component(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}
