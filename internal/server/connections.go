package server

import (
	"net"
	"net/http"
	"sync"
)

// connRegistry tracks every live connection accepted by the HTTP server so
// that shutdown can force-close whatever is left when the grace period ends.
// It is fed by http.Server.ConnState.
type connRegistry struct {
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	onChange func(open int) // called with mu held
}

func newConnRegistry(onChange func(open int)) *connRegistry {
	if onChange == nil {
		onChange = func(int) {}
	}
	return &connRegistry{
		conns:    make(map[net.Conn]struct{}),
		onChange: onChange,
	}
}

// track is installed as the server's ConnState hook.
func (r *connRegistry) track(conn net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		r.mu.Lock()
		r.conns[conn] = struct{}{}
		r.onChange(len(r.conns))
		r.mu.Unlock()
	case http.StateClosed, http.StateHijacked:
		r.remove(conn)
	}
}

// remove drops conn from the registry. Removing an unknown or already removed
// connection is a no-op.
func (r *connRegistry) remove(conn net.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[conn]; !ok {
		return
	}
	delete(r.conns, conn)
	r.onChange(len(r.conns))
}

// closeAll closes every tracked connection and empties the registry. It
// returns the number of connections closed.
func (r *connRegistry) closeAll() int {
	r.mu.Lock()
	conns := make([]net.Conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	if len(conns) > 0 {
		clear(r.conns)
		r.onChange(0)
	}
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	return len(conns)
}

func (r *connRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
