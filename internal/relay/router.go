package relay

import (
	"errors"
	"fmt"

	"github.com/1ureka/rendezvous/internal/signaling"
	"github.com/1ureka/rendezvous/internal/util"
)

var (
	// ErrTargetNotFound is returned by Route when the addressee is not connected.
	ErrTargetNotFound = errors.New("target user not found")

	// ErrNotRoutable is returned by Route for kinds only the relay may send.
	ErrNotRoutable = errors.New("message kind is not routable")
)

// Router forwards addressed signaling messages between registered parties.
// It does not interpret descriptions or candidates.
type Router struct {
	registry *Registry
}

// NewRouter creates a router with its own registry.
func NewRouter() *Router {
	return &Router{registry: NewRegistry()}
}

// Join registers ep, sends it its identity, and broadcasts the updated list
// of connected identities to every party.
func (r *Router) Join(ep Endpoint) string {
	id := r.registry.Assign(ep)
	ep.Deliver(signaling.Message{Kind: signaling.KindAssign, Identity: id})

	list := signaling.Message{Kind: signaling.KindConnectedList, Names: r.registry.Identities()}
	for _, peer := range r.registry.snapshot() {
		peer.Deliver(list)
	}

	util.Stats.AddJoin()
	util.LogInfo("party joined: %s", id)
	return id
}

// Leave releases identity. Other parties are not notified.
func (r *Router) Leave(identity string) {
	r.registry.Release(identity)
	util.Stats.AddLeave()
	util.LogInfo("party left: %s", identity)
}

// Route forwards msg from the party identified by from. The from field is
// always overwritten; a client never chooses its own sender identity. When
// the target is unknown the message is dropped and the sender receives a
// target_not_found error.
func (r *Router) Route(from string, msg signaling.Message) error {
	if !msg.Kind.Routable() {
		return fmt.Errorf("%w: %s", ErrNotRoutable, msg.Kind)
	}

	msg.From = from

	target, err := r.registry.Resolve(msg.To)
	if err != nil {
		util.Stats.AddNotFound()
		util.LogDebug("dropping %s from %s: target %q not connected", msg.Kind, from, msg.To)

		if sender, err := r.registry.Resolve(from); err == nil {
			sender.Deliver(signaling.Failure(signaling.CodeTargetNotFound, msg.To,
				fmt.Sprintf("user %s is not in connection", msg.To)))
		}
		return fmt.Errorf("%w: %s", ErrTargetNotFound, msg.To)
	}

	target.Deliver(msg)
	util.Stats.AddForward()
	util.LogDebug("routed %s: %s -> %s", msg.Kind, from, msg.To)
	return nil
}

// Identities returns the currently connected identities.
func (r *Router) Identities() []string {
	return r.registry.Identities()
}
