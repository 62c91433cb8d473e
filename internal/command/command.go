// Package command maps bot command names to their handlers.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrUnknownCommand = errors.New("command: unknown command")

// Handler executes one command. arg is the raw "arg" member of the request
// envelope ("null" when absent). The result is marshalled as the reply body;
// domain failures should be returned as *protocol.APIError.
type Handler interface {
	Handle(ctx context.Context, arg json.RawMessage) (any, error)
}

type HandlerFunc func(ctx context.Context, arg json.RawMessage) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, arg json.RawMessage) (any, error) {
	return f(ctx, arg)
}

// Registry is safe for concurrent use. Registering a name twice replaces the
// previous handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

func (r *Registry) Register(name string, h Handler) {
	if name == "" || h == nil {
		panic("command: Register requires a name and a handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Lookup returns the handler for name or ErrUnknownCommand.
func (r *Registry) Lookup(name string) (Handler, error) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	return h, nil
}

// Names lists registered commands in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
