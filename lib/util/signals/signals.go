// Package signals runs registered handlers on process signals: reload
// handlers on SIGHUP, interrupt handlers on SIGINT and SIGTERM.
package signals

import (
	"os"
	"os/signal"
	"slices"
	"sync"

	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

// sigChan is buffered so a signal arriving while a handler runs is kept.
var sigChan = make(chan os.Signal, 1)

// Handler is a function called when a signal is received.
type Handler func()

// HandlerID identifies a registered handler for Deregister.
type HandlerID int

type registeredHandler struct {
	id HandlerID
	fn Handler
}

var (
	mu           sync.RWMutex
	reloaders    []registeredHandler
	interrupters []registeredHandler
	nextID       HandlerID
	stopOnce     sync.Once
)

func register(list *[]registeredHandler, f Handler) HandlerID {
	if f == nil {
		return -1
	}
	mu.Lock()
	defer mu.Unlock()
	id := nextID
	nextID++
	*list = append(*list, registeredHandler{id: id, fn: f})
	return id
}

// RegisterReloadHandler registers f to run on SIGHUP. Nil handlers are
// ignored and return -1.
func RegisterReloadHandler(f Handler) HandlerID {
	return register(&reloaders, f)
}

// RegisterInterruptHandler registers f to run on SIGINT or SIGTERM. Nil
// handlers are ignored and return -1.
func RegisterInterruptHandler(f Handler) HandlerID {
	return register(&interrupters, f)
}

// Deregister removes the handler registered under id, whichever kind it is.
func Deregister(id HandlerID) {
	mu.Lock()
	defer mu.Unlock()
	match := func(h registeredHandler) bool { return h.id == id }
	reloaders = slices.DeleteFunc(reloaders, match)
	interrupters = slices.DeleteFunc(interrupters, match)
}

func snapshot(list *[]registeredHandler) []Handler {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]Handler, len(*list))
	for i, h := range *list {
		out[i] = h.fn
	}
	return out
}

// runAll calls every handler in order. A panicking handler is logged and
// does not stop the rest.
func runAll(kind string, handlers []Handler) {
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.WithFields(logger.Fields{
						"at":      "signals.runAll",
						"handler": kind,
					}).Errorf("panic in signal handler: %v", r)
				}
			}()
			h()
		}()
	}
}

func handleReload() {
	runAll("reload", snapshot(&reloaders))
}

// Handle dispatches signals until StopHandle is called.
func Handle() {
	for sig := range sigChan {
		dispatch(sig)
	}
}

// StopHandle makes Handle return. Safe to call more than once.
func StopHandle() {
	stopOnce.Do(func() {
		signal.Stop(sigChan)
		close(sigChan)
	})
}
