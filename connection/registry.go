package connection

import "sync"

// registry is the only module-level state: Cores keyed by URI, so multiple
// Consumers/Producers on the same broker share one Core.
var registry = struct {
	mu    sync.Mutex
	cores map[string]*Core
}{cores: map[string]*Core{}}

// Get returns the Core for uri, creating it on first call. Options passed
// on a later call for an already-created URI are ignored — the first
// caller's options win, matching "created on first use".
func Get(uri string, opts ...Option) (*Core, error) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	if c, ok := registry.cores[uri]; ok {
		return c, nil
	}

	o, err := newOptions(uri, opts...)
	if err != nil {
		return nil, err
	}
	c := newCore(o)
	registry.cores[uri] = c
	return c, nil
}

// Reset closes the current instance for uri (best-effort) and drops it, so
// a subsequent Get creates a fresh Core.
func Reset(uri string) {
	registry.mu.Lock()
	c, ok := registry.cores[uri]
	delete(registry.cores, uri)
	registry.mu.Unlock()

	if ok {
		_ = c.Close()
	}
}
