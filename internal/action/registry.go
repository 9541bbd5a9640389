// Package action hosts the runtime that routes inbound messages to actions.
package action

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"uniqua/internal/domain"
)

// Registry holds the registered actions in registration order.
type Registry struct {
	mu      sync.RWMutex
	actions []domain.Action
	byName  map[string]domain.Action
	logger  *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byName: make(map[string]domain.Action),
		logger: logger,
	}
}

// Register adds an action under its name and similes. Names are case-insensitive.
func (r *Registry) Register(a domain.Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := append([]string{a.Name()}, a.Similes()...)
	for _, k := range keys {
		if existing, ok := r.byName[strings.ToUpper(k)]; ok {
			return fmt.Errorf("action name %q already registered by %s", k, existing.Name())
		}
	}
	for _, k := range keys {
		r.byName[strings.ToUpper(k)] = a
	}
	r.actions = append(r.actions, a)
	r.logger.Debug("registered action", "name", a.Name(), "similes", a.Similes())
	return nil
}

// Get returns the action registered under name or one of its similes.
func (r *Registry) Get(name string) domain.Action {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[strings.ToUpper(name)]
}

// Match returns the first action whose Validate accepts msg.
func (r *Registry) Match(ctx context.Context, msg domain.InboundMessage) domain.Action {
	r.mu.RLock()
	actions := make([]domain.Action, len(r.actions))
	copy(actions, r.actions)
	r.mu.RUnlock()

	for _, a := range actions {
		if a.Validate(ctx, msg) {
			return a
		}
	}
	return nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for _, a := range r.actions {
		names = append(names, a.Name())
	}
	return names
}

// Actions returns the registered actions in registration order.
func (r *Registry) Actions() []domain.Action {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Action, len(r.actions))
	copy(out, r.actions)
	return out
}
