package authakarin

import (
	"github.com/sagernet/sing/common/logger"
)

// Logging is out of scope for the protocol state machine itself, but a
// host wiring a Session together still wants info/warn/error severities
// per the error-handling design. Session and Listener hold a
// logger.ContextLogger set to this no-op default; no exported field or
// method replaces it, so the package logs nothing.
func defaultLogger() logger.ContextLogger {
	return logger.NOP()
}
