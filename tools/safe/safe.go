package safe

import (
	"pulseim/logger"
)

// Go starts a goroutine that recovers from panics so a single bad
// handler cannot take the gateway process down.
func Go(name string, f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[safe] %s panic recovered: %v", name, r)
			}
		}()
		f()
	}()
}
