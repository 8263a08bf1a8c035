// Package recovery provides panic-recovered goroutine helpers. A panicking
// backend callback must never take down the whole orchestrator.
package recovery

import (
	"runtime/debug"

	"github.com/colabvibe/colabvibe/internal/logger"
)

// SafeGo runs fn in a goroutine with automatic panic recovery.
func SafeGo(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("panic recovered in goroutine %q: %v", name, r)
				logger.Errorf("stack trace:\n%s", debug.Stack())
			}
		}()
		fn()
	}()
}

// SafeGoWithCleanup runs fn in a goroutine with panic recovery; cleanup runs
// whether or not fn panics.
func SafeGoWithCleanup(name string, fn func(), cleanup func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("panic recovered in goroutine %q: %v", name, r)
				logger.Errorf("stack trace:\n%s", debug.Stack())
			}
			if cleanup != nil {
				cleanup()
			}
		}()
		fn()
	}()
}
