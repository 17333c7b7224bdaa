// Package test provides an in-memory pub/sub bus implementing the transport
// contract, so multi-party protocol tests run without networking. Delivery
// preserves per-publisher order and never loops a publisher's frames back,
// matching what the real substrate guarantees.
package test

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/luxfi/benchmark/pkg/transport"
)

const busBuffer = 4096

// Network is a set of interconnected buses sharing one topic.
type Network struct {
	mu    sync.Mutex
	buses map[transport.Peer]*Bus
	next  int
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{buses: make(map[transport.Peer]*Bus)}
}

// Join attaches a new peer. Existing peers observe PeerJoined; the newcomer
// observes one PeerJoined per existing peer, as a real subscription does.
func (n *Network) Join() *Bus {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.next++
	b := &Bus{
		net:    n,
		self:   transport.Peer(fmt.Sprintf("mem-%d", n.next)),
		events: make(chan transport.Event, busBuffer),
	}
	for _, other := range n.buses {
		other.deliver(transport.PeerJoined{Peer: b.self})
		b.deliver(transport.PeerJoined{Peer: other.self})
	}
	n.buses[b.self] = b
	return b
}

// Redeliver duplicates a frame on behalf of its original publisher, for
// at-least-once delivery tests. Every peer except the publisher receives
// the copy.
func (n *Network) Redeliver(from transport.Peer, data []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	frame := append([]byte(nil), data...)
	for _, other := range n.buses {
		if other.self == from {
			continue
		}
		other.deliver(transport.Received{From: from, Data: frame})
	}
}

// Partition drops a peer without a clean close, as a crashed process would.
func (n *Network) Partition(peer transport.Peer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	b, ok := n.buses[peer]
	if !ok {
		return
	}
	delete(n.buses, peer)
	for _, other := range n.buses {
		other.deliver(transport.PeerLeft{Peer: peer})
	}
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.events)
	}
	b.mu.Unlock()
}

// Bus is one peer's handle on the network.
type Bus struct {
	net    *Network
	self   transport.Peer
	events chan transport.Event

	mu     sync.Mutex
	closed bool
}

var _ transport.Transport = (*Bus)(nil)

// Publish delivers the frame to every other live peer.
func (b *Bus) Publish(_ context.Context, data []byte) error {
	b.net.mu.Lock()
	defer b.net.mu.Unlock()
	if _, ok := b.net.buses[b.self]; !ok {
		return errors.New("test: bus closed")
	}
	frame := append([]byte(nil), data...)
	for _, other := range b.net.buses {
		if other.self == b.self {
			continue
		}
		other.deliver(transport.Received{From: b.self, Data: frame})
	}
	return nil
}

// Events returns the delivery stream.
func (b *Bus) Events() <-chan transport.Event {
	return b.events
}

// Self returns the peer identifier.
func (b *Bus) Self() transport.Peer {
	return b.self
}

// Close leaves the network, announcing PeerLeft to the others.
func (b *Bus) Close() error {
	b.net.Partition(b.self)
	return nil
}

// ObserveAddress injects an AddressObserved event, standing in for the
// NAT traversal of the real transport.
func (b *Bus) ObserveAddress(addr string) {
	b.deliver(transport.AddressObserved{Addr: addr})
}


func (b *Bus) deliver(ev transport.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return // lost delivery, as on a real network
	}
	select {
	case b.events <- ev:
	default:
		panic("test: bus buffer exhausted")
	}
}
