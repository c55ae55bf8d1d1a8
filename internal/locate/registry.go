package locate

import "sync"

// Registry holds at most one active session. Starting a new session
// replaces the current one.
type Registry struct {
	opts Options

	mu      sync.Mutex
	session *Session
}

// NewRegistry creates a registry whose sessions share opts.
func NewRegistry(opts Options) *Registry {
	return &Registry{opts: opts}
}

// StartSession validates cfg, stops any current session and starts a new
// one. An invalid cfg leaves the current session running. If the new
// session fails to start the registry is left empty.
func (r *Registry) StartSession(cfg Config) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := NewSession(cfg, r.opts)
	if err != nil {
		return nil, err
	}
	if r.session != nil {
		r.session.Stop()
		r.session = nil
	}
	if err := s.Start(); err != nil {
		return nil, err
	}
	r.session = s
	return s, nil
}

// StopSession stops and forgets the current session. It reports whether
// there was one.
func (r *Registry) StopSession() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return false
	}
	r.session.Stop()
	r.session = nil
	return true
}

// Session returns the current session, or nil.
func (r *Registry) Session() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}
