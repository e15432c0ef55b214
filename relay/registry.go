package relay

import (
	"fmt"
	"sync"

	"github.com/rcdevgames/cabal-rgs/borrow"
	"github.com/rcdevgames/cabal-rgs/packet"
)

// Key identifies one registered relay connection.
type Key struct {
	Service   packet.ServiceID
	WorldID   byte
	ChannelID byte
}

// Registry maps registered services to borrowers of their live handlers.
// It guards only the map; the handlers themselves stay exclusively owned
// by their goroutines and are reached through the borrow channel.
type Registry struct {
	mu       sync.Mutex
	handlers map[Key]borrow.Borrower[Handler]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Key]borrow.Borrower[Handler])}
}

func (r *Registry) add(key Key, b borrow.Borrower[Handler]) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[key]; ok {
		return fmt.Errorf("service %d world %d channel %d already registered",
			key.Service, key.WorldID, key.ChannelID)
	}
	r.handlers[key] = b
	return nil
}

func (r *Registry) remove(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, key)
}

// Borrower returns a handle for borrowing the live handler registered
// under key, if one is registered. The handle stays valid after the
// handler exits; borrows then fail with borrow.ErrClosed.
func (r *Registry) Borrower(key Key) (borrow.Borrower[Handler], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.handlers[key]
	return b, ok
}
