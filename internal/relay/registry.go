// Package relay implements the signaling relay: identity assignment and
// addressed forwarding of signaling messages between connected parties.
package relay

import (
	"errors"
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/1ureka/rendezvous/internal/signaling"
)

// ErrIdentityNotFound is returned by Resolve for identities not registered.
var ErrIdentityNotFound = errors.New("identity not found")

// Endpoint is the delivery handle of one connected party.
type Endpoint interface {
	// Deliver queues msg for the party. It must not block.
	Deliver(msg signaling.Message)
}

// Registry maps relay-assigned identities to their endpoints. Identities are
// unique among currently registered parties and are never handed out twice
// while still assigned.
type Registry struct {
	mu        sync.Mutex
	endpoints map[string]Endpoint
	newID     func() string
}

// NewRegistry creates an empty registry that mints ULID identities.
func NewRegistry() *Registry {
	return &Registry{
		endpoints: make(map[string]Endpoint),
		newID:     func() string { return ulid.Make().String() },
	}
}

// Assign registers ep under a fresh identity and returns it.
func (r *Registry) Assign(ep Endpoint) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		id := r.newID()
		if _, taken := r.endpoints[id]; taken {
			continue
		}
		r.endpoints[id] = ep
		return id
	}
}

// Release frees identity. Releasing an unknown identity is a no-op.
func (r *Registry) Release(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.endpoints, identity)
}

// Resolve returns the endpoint registered under identity.
func (r *Registry) Resolve(identity string) (Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep, ok := r.endpoints[identity]
	if !ok {
		return nil, ErrIdentityNotFound
	}
	return ep, nil
}

// Identities returns the registered identities in sorted order.
func (r *Registry) Identities() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.endpoints))
	for id := range r.endpoints {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// snapshot returns all registered endpoints.
func (r *Registry) snapshot() []Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	eps := make([]Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		eps = append(eps, ep)
	}
	return eps
}
