package auth

import "sync"

// ManualProvider is a Provider driven programmatically. basketd uses it to
// bridge whatever session mechanism the embedding storefront has; tests use
// it to script sign-in/sign-out sequences.
type ManualProvider struct {
	mu        sync.Mutex
	identity  *Identity
	listeners map[int]func(*Identity)
	nextID    int
}

// NewManualProvider creates a signed-out provider.
func NewManualProvider() *ManualProvider {
	return &ManualProvider{listeners: make(map[int]func(*Identity))}
}

func (p *ManualProvider) Subscribe(onChange func(*Identity)) (unsubscribe func()) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = onChange
	current := p.identity
	p.mu.Unlock()

	// Providers deliver current state immediately on subscribe.
	onChange(current)

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.listeners, id)
	}
}

// SignIn notifies listeners of an authenticated identity.
func (p *ManualProvider) SignIn(identity Identity) {
	p.notify(&identity)
}

// SignOut notifies listeners that the session ended.
func (p *ManualProvider) SignOut() {
	p.notify(nil)
}

// Refresh re-delivers the current identity, the way real providers do on
// token refresh. Exists so tests can assert the session swallows it.
func (p *ManualProvider) Refresh() {
	p.mu.Lock()
	current := p.identity
	p.mu.Unlock()
	p.dispatch(current)
}

func (p *ManualProvider) notify(identity *Identity) {
	p.mu.Lock()
	p.identity = identity
	p.mu.Unlock()
	p.dispatch(identity)
}

func (p *ManualProvider) dispatch(identity *Identity) {
	p.mu.Lock()
	fns := make([]func(*Identity), 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(identity)
	}
}
