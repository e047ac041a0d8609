// Package logging provides the process-wide logger used by every
// control-plane component. It is a thin leveled wrapper so callers never
// import log directly and tests can silence output wholesale.
package logging

import (
	"log"
	"os"
)

var (
	disabled bool
	logger   = log.New(os.Stdout, "", log.LstdFlags)
)

// Disable turns off all logging (used by tests and quiet CLI mode).
func Disable() {
	disabled = true
}

// Enable turns logging back on.
func Enable() {
	disabled = false
}

// Infof logs a formatted info message.
func Infof(format string, v ...any) {
	if !disabled {
		logger.Printf("INFO "+format, v...)
	}
}

// Warnf logs a formatted warning message.
func Warnf(format string, v ...any) {
	if !disabled {
		logger.Printf("WARN "+format, v...)
	}
}

// Errorf logs a formatted error message.
func Errorf(format string, v ...any) {
	if !disabled {
		logger.Printf("ERROR "+format, v...)
	}
}

// Debugf logs a formatted debug message.
func Debugf(format string, v ...any) {
	if !disabled {
		logger.Printf("DEBUG "+format, v...)
	}
}
