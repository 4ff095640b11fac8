package testlog

import (
	"testing"

	"github.com/danmuck/pyremote/internal/logging"
	logs "github.com/danmuck/smplog"
)

// Start configures test logging and tags the log stream with the test name.
func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	logs.Infof("test=%s", t.Name())
}
