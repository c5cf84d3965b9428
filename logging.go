package str

import (
	"os"

	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("str")

func init() {
	format := logging.MustStringFormatter(`%{color}%{time:15:04:05.000} ▶ %{level:.4s} %{shortfile}%{color:reset} %{message}`)
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	backendFormatter := logging.NewBackendFormatter(backend, format)

	logging.SetBackend(backendFormatter)
}

// osExit is overridden in tests so a fatal abort path can be observed
// without killing the test binary.
var osExit = os.Exit

// fatal logs msg at Critical and then terminates the process: every
// escalation path in spec.md §7 relies on fail-stop semantics to
// preserve cluster consistency, so a fatal condition here must never
// be allowed to fall through to ordinary error handling.
func fatal(format string, args ...interface{}) {
	log.Criticalf(format, args...)
	osExit(1)
}
