// Package flow implements the flow execution engine: the interpreter that
// resolves entry nodes and drives execute/advance loops, the node handler
// registry, and the handlers for every built-in node type.
package flow

import (
	"context"
	"log/slog"
	"sync"

	"github.com/FlowBotIO/flowbot/internal/models"
)

// Handler executes one node type against an execution context.
type Handler interface {
	Execute(ctx context.Context, ec *ExecContext) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, ec *ExecContext) error

// Execute calls the wrapped function.
func (f HandlerFunc) Execute(ctx context.Context, ec *ExecContext) error { return f(ctx, ec) }

// Registry maps node type tags to handlers. It is populated explicitly at
// startup; new node types can be registered without touching the dispatch
// loop.
type Registry struct {
	mu       sync.RWMutex
	handlers map[models.NodeType]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[models.NodeType]Handler)}
}

// Register associates a node type with a handler, replacing any previous one.
func (r *Registry) Register(t models.NodeType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
	slog.Debug("Registry.Register", "type", t)
}

// Get retrieves the handler for a node type.
func (r *Registry) Get(t models.NodeType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	return h, ok
}
