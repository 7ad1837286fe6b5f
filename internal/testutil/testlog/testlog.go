package testlog

import (
	"errors"
	"testing"

	"github.com/danmuck/edgechat/internal/logging"
	"github.com/rs/zerolog/log"
)

// Start installs the test logging profile for the package binary and tags
// the current test in the log stream.
func Start(t *testing.T) {
	t.Helper()
	if _, err := logging.ConfigureTests(); err != nil && !errors.Is(err, logging.ErrAlreadyConfigured) {
		t.Fatalf("configure test logging: %v", err)
	}
	log.Info().Str("test", t.Name()).Msg("test start")
}
