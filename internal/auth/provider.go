package auth

import "sync"

// Provider holds the current principal of one session and notifies
// listeners when it changes. A nil principal means signed out.
type Provider struct {
	mu        sync.RWMutex
	current   *Principal
	listeners []func(*Principal)
}

func NewProvider(initial *Principal) *Provider {
	p := &Provider{}
	if initial != nil {
		copied := *initial
		p.current = &copied
	}
	return p
}

// Current returns the signed-in principal, or false when signed out.
func (p *Provider) Current() (Principal, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.current == nil {
		return Principal{}, false
	}
	return *p.current, true
}

// OnChange registers fn to run after every Set.
func (p *Provider) OnChange(fn func(*Principal)) {
	p.mu.Lock()
	p.listeners = append(p.listeners, fn)
	p.mu.Unlock()
}

// Set replaces the principal and runs listeners outside the lock.
func (p *Provider) Set(principal *Principal) {
	p.mu.Lock()
	if principal == nil {
		p.current = nil
	} else {
		copied := *principal
		p.current = &copied
	}
	listeners := append([]func(*Principal){}, p.listeners...)
	p.mu.Unlock()

	for _, fn := range listeners {
		if principal == nil {
			fn(nil)
			continue
		}
		copied := *principal
		fn(&copied)
	}
}
