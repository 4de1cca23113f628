package testlog

import (
	"testing"

	"github.com/danmuck/viewsctl/internal/logging"
)

func Start(t *testing.T) {
	t.Helper()
	logger := logging.ConfigureTests("viewsctl-test")
	logger.Info().Str("test", t.Name()).Msg("test start")
}
