package bluetooth

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"time"

	"bt-locate.klederson.com/internal/config"
)

// NameResolver tries to resolve names for unnamed devices in the
// background. It uses hcitool name which sends a name request to the
// device.
type NameResolver struct {
	lookup   func(ctx context.Context, addr string) string
	pause    time.Duration
	onName   func(addr, name string)
	mu       sync.Mutex
	tried    map[string]int // address -> attempt count
	resolved map[string]bool
	stop     chan struct{}
	stopOnce sync.Once
}

// NewNameResolver creates a resolver backed by hcitool.
func NewNameResolver() *NameResolver {
	return &NameResolver{
		lookup:   tryHcitool,
		pause:    config.NameResolvePause,
		tried:    make(map[string]int),
		resolved: make(map[string]bool),
		stop:     make(chan struct{}),
	}
}

// Start sets the function that receives resolved names.
func (r *NameResolver) Start(onName func(addr, name string)) {
	r.mu.Lock()
	r.onName = onName
	r.mu.Unlock()
}

// RequestResolve queues an address for background name resolution.
// Safe to call from any goroutine.
func (r *NameResolver) RequestResolve(addr string) {
	r.mu.Lock()
	if r.resolved[addr] || r.tried[addr] >= config.NameResolveAttempts {
		r.mu.Unlock()
		return
	}
	r.tried[addr]++
	r.mu.Unlock()

	go r.resolve(addr)
}

func (r *NameResolver) resolve(addr string) {
	// Rate limit - don't spam
	select {
	case <-r.stop:
		return
	case <-time.After(r.pause):
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.NameResolveTimeout)
	defer cancel()
	name := r.lookup(ctx, addr)
	if name == "" {
		return
	}

	r.mu.Lock()
	r.resolved[addr] = true
	onName := r.onName
	r.mu.Unlock()

	if onName != nil {
		onName(addr, name)
	}
}

func tryHcitool(ctx context.Context, addr string) string {
	if _, err := exec.LookPath("hcitool"); err != nil {
		return ""
	}
	out, err := exec.CommandContext(ctx, "hcitool", "name", addr).Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// Stop terminates pending resolutions.
func (r *NameResolver) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// IsResolved returns true if this address has been successfully resolved.
func (r *NameResolver) IsResolved(addr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolved[addr]
}
