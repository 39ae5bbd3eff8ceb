package signals

import (
	"context"
	"sync"
	"time"

	"github.com/go-i2p/logger"
)

const defaultShutdownTimeout = 30 * time.Second

var (
	timeoutMu       sync.RWMutex
	shutdownTimeout = defaultShutdownTimeout
)

// SetShutdownTimeout bounds how long interrupt handlers may run. Zero or
// negative restores the 30 second default.
func SetShutdownTimeout(d time.Duration) {
	timeoutMu.Lock()
	defer timeoutMu.Unlock()
	if d <= 0 {
		d = defaultShutdownTimeout
	}
	shutdownTimeout = d
}

// handleInterrupted runs the interrupt handlers and reports whether they
// finished within the shutdown timeout.
func handleInterrupted() bool {
	handlers := snapshot(&interrupters)
	if len(handlers) == 0 {
		return true
	}

	timeoutMu.RLock()
	timeout := shutdownTimeout
	timeoutMu.RUnlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		runAll("interrupt", handlers)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		log.WithFields(logger.Fields{
			"at":      "signals.handleInterrupted",
			"timeout": timeout,
		}).Warn("interrupt handlers did not finish in time")
		return false
	}
}

// WithShutdown returns a context that is cancelled by the first interrupt.
// The returned stop function releases the registration.
func WithShutdown(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	id := RegisterInterruptHandler(Handler(cancel))
	return ctx, func() {
		Deregister(id)
		cancel()
	}
}
