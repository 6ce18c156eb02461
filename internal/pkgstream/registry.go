package pkgstream

import "sync"

// Registry is the single-owner, name-keyed map described in spec §4.2 /
// §9: "A single PkgManager instance keeps an interning map from filename to
// stream so a caller reusing a name gets back the same underlying stream."
// pkgmanager.Manager embeds one of these rather than reimplementing it.
type Registry struct {
	mu      sync.Mutex
	streams map[string]Stream
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{streams: make(map[string]Stream)}
}

// GetOrCreate returns the stream already interned under name, or calls
// create, interns its result, and returns that.
func (r *Registry) GetOrCreate(name string, create func() (Stream, error)) (Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.streams[name]; ok {
		return s, nil
	}
	s, err := create()
	if err != nil {
		return nil, err
	}
	r.streams[name] = s
	return s, nil
}

// Lookup returns the stream interned under name, if any.
func (r *Registry) Lookup(name string) (Stream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[name]
	return s, ok
}

// Close closes every interned stream and empties the registry. Any Stream
// handle a caller is still holding past this point is a bug in the caller
// (spec §9: "A stream kept alive past manager teardown is a bug to be
// prevented statically, not at runtime") — Close still closes it, since Go
// can't enforce that statically, but it logs nothing and simply best-effort
// releases every resource.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for name, s := range r.streams {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.streams, name)
	}
	return firstErr
}
