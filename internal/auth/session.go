// Package auth tracks the current basket owner. It wraps the external auth
// collaborator and translates its identity notifications into owner
// transitions, firing only when the owner actually changes; token
// refreshes and duplicate provider callbacks are swallowed here.
package auth

import (
	"log/slog"
	"sync"

	"github.com/alecthomas/atomic"

	"basket-core/internal/model"
)

// Identity is the auth collaborator's view of a signed-in user.
type Identity struct {
	ID          string
	Email       string
	DisplayName string
}

// Provider is the external auth collaborator. It invokes the callback with
// the current identity immediately on subscribe and again on every auth
// state change; nil means signed out.
type Provider interface {
	Subscribe(onChange func(*Identity)) (unsubscribe func())
}

// TransitionFunc observes an owner change.
type TransitionFunc func(from, to model.Owner)

// Session tracks the current owner and fans out de-duplicated transitions.
type Session struct {
	current *atomic.Value[model.Owner]
	logger  *slog.Logger

	mu          sync.Mutex
	listeners   map[int]TransitionFunc
	nextID      int
	unsubscribe func()
}

// NewSession subscribes to the provider and starts tracking. Close releases
// the provider subscription.
func NewSession(provider Provider, logger *slog.Logger) *Session {
	s := &Session{
		current:   atomic.New(model.Guest()),
		logger:    logger,
		listeners: make(map[int]TransitionFunc),
	}
	s.unsubscribe = provider.Subscribe(s.onProviderChange)
	return s
}

// Current returns the owner as of the last provider notification.
func (s *Session) Current() model.Owner {
	return s.current.Load()
}

// OnTransition registers fn for owner changes. The returned func cancels
// the registration.
func (s *Session) OnTransition(fn TransitionFunc) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// Close releases the provider subscription.
func (s *Session) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

func (s *Session) onProviderChange(identity *Identity) {
	to := model.Guest()
	if identity != nil {
		to = model.User(identity.ID)
	}

	// Serialize transition dispatch so listeners see changes in order.
	s.mu.Lock()
	from := s.current.Load()
	if from == to {
		// Token refresh or duplicate callback; owner unchanged.
		s.mu.Unlock()
		return
	}
	s.current.Store(to)
	fns := make([]TransitionFunc, 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	s.logger.Info("owner transition",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
	for _, fn := range fns {
		fn(from, to)
	}
}
