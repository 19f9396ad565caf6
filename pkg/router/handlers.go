package router

import (
	"fmt"
	"sort"
	"sync"
)

// Handler is a pluggable pre-executor hook for free-form input. A handler
// may claim the input and synthesize a reply without a model turn, or
// decline and let the chain continue.
type Handler interface {
	Name() string
	// Handle inspects input. When claimed is true, reply becomes the
	// assistant response; the router appends input and reply itself.
	Handle(sess Session, input string) (reply string, claimed bool, err error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	HandlerName string
	Fn          func(sess Session, input string) (string, bool, error)
}

// Name returns the handler's name.
func (h HandlerFunc) Name() string { return h.HandlerName }

// Handle invokes the wrapped function.
func (h HandlerFunc) Handle(sess Session, input string) (string, bool, error) {
	return h.Fn(sess, input)
}

// HandlerRegistry holds the ordered handler chain. Order is deterministic:
// lexicographic by name. Replace swaps the whole chain atomically; there is
// no incremental patching, which avoids partial-update races on reload.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers []Handler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{}
}

// Replace installs a new handler set, sorted lexicographically by name.
func (r *HandlerRegistry) Replace(handlers []Handler) {
	sorted := make([]Handler, len(handlers))
	copy(sorted, handlers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name() < sorted[j].Name() })

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = sorted
}

// All returns the current chain in order.
func (r *HandlerRegistry) All() []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Handler, len(r.handlers))
	copy(out, r.handlers)
	return out
}

// runHandlerSafely invokes a handler, converting a panic into an error so
// one faulty handler cannot take down the chain or the connection.
func runHandlerSafely(h Handler, sess Session, input string) (reply string, claimed bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			reply, claimed = "", false
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h.Handle(sess, input)
}
