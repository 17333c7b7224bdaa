// Package p2p implements the transport contract over a libp2p host with
// GossipSub. The leader listens with NAT port mapping and hole punching
// enabled and surfaces its externally reachable multiaddress; joiners dial
// the address the leader printed. All protocol traffic rides one topic.
package p2p

import (
	"context"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/benchmark/pkg/transport"
)

var log = logging.Logger("benchmark/p2p")

const eventBuffer = 256

// Options configures the substrate.
type Options struct {
	// Dial is the leader's advertised multiaddress. Empty means run as
	// the listening side.
	Dial string
}

// Transport is a live subscription to the session topic.
type Transport struct {
	host    host.Host
	ps      *pubsub.PubSub
	topic   *pubsub.Topic
	sub     *pubsub.Subscription
	peers   *pubsub.TopicEventHandler
	events  chan transport.Event
	cancel  context.CancelFunc
	group   *errgroup.Group
	closeMu sync.Once
}

var _ transport.Transport = (*Transport)(nil)

// New brings up the host, joins the session topic and starts the event
// pumps. The returned transport is ready for a session.
func New(ctx context.Context, opts Options) (*Transport, error) {
	h, err := libp2p.New(
		libp2p.ListenAddrStrings(
			"/ip4/0.0.0.0/tcp/0",
			"/ip4/0.0.0.0/udp/0/quic-v1",
		),
		libp2p.NATPortMap(),
		libp2p.EnableHolePunching(),
	)
	if err != nil {
		return nil, fmt.Errorf("p2p: host: %w", err)
	}

	t := &Transport{
		host:   h,
		events: make(chan transport.Event, eventBuffer),
	}
	if err := t.start(ctx, opts); err != nil {
		_ = h.Close()
		return nil, err
	}
	return t, nil
}

func (t *Transport) start(ctx context.Context, opts Options) error {
	if opts.Dial != "" {
		if err := t.dial(ctx, opts.Dial); err != nil {
			return err
		}
	}

	var err error
	if t.ps, err = pubsub.NewGossipSub(ctx, t.host); err != nil {
		return fmt.Errorf("p2p: pubsub: %w", err)
	}
	if t.topic, err = t.ps.Join(transport.Topic); err != nil {
		return fmt.Errorf("p2p: join topic: %w", err)
	}
	if t.sub, err = t.topic.Subscribe(); err != nil {
		return fmt.Errorf("p2p: subscribe: %w", err)
	}
	if t.peers, err = t.topic.EventHandler(); err != nil {
		return fmt.Errorf("p2p: topic events: %w", err)
	}
	addrSub, err := t.host.EventBus().Subscribe(new(event.EvtLocalAddressesUpdated))
	if err != nil {
		return fmt.Errorf("p2p: address events: %w", err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.group, pumpCtx = errgroup.WithContext(pumpCtx)
	t.group.Go(func() error { return t.pumpMessages(pumpCtx) })
	t.group.Go(func() error { return t.pumpPeerEvents(pumpCtx) })
	t.group.Go(func() error { return t.pumpAddresses(pumpCtx, addrSub) })
	go func() {
		_ = t.group.Wait()
		close(t.events)
	}()

	// The host may already know its listen addresses before the first
	// update event fires.
	t.emitAddress(t.host.Addrs())
	return nil
}

func (t *Transport) dial(ctx context.Context, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("p2p: leader address: %w", err)
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return fmt.Errorf("p2p: leader address: %w", err)
	}
	if err := t.host.Connect(ctx, *info); err != nil {
		return fmt.Errorf("p2p: dial leader: %w", err)
	}
	log.Infow("connected to leader", "peer", info.ID)
	return nil
}

func (t *Transport) pumpMessages(ctx context.Context) error {
	for {
		msg, err := t.sub.Next(ctx)
		if err != nil {
			return err
		}
		from := msg.GetFrom()
		if from == t.host.ID() {
			continue
		}
		t.emit(ctx, transport.Received{
			From: transport.Peer(from.String()),
			Data: msg.Data,
		})
	}
}

func (t *Transport) pumpPeerEvents(ctx context.Context) error {
	for {
		ev, err := t.peers.NextPeerEvent(ctx)
		if err != nil {
			return err
		}
		p := transport.Peer(ev.Peer.String())
		switch ev.Type {
		case pubsub.PeerJoin:
			t.emit(ctx, transport.PeerJoined{Peer: p})
		case pubsub.PeerLeave:
			t.emit(ctx, transport.PeerLeft{Peer: p})
		}
	}
}

func (t *Transport) pumpAddresses(ctx context.Context, sub event.Subscription) error {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Out():
			if !ok {
				return nil
			}
			updated := ev.(event.EvtLocalAddressesUpdated)
			addrs := make([]ma.Multiaddr, 0, len(updated.Current))
			for _, a := range updated.Current {
				addrs = append(addrs, a.Address)
			}
			t.emitAddress(addrs)
		}
	}
}

// emitAddress surfaces the most reachable-looking address, fully qualified
// with the peer component, as an AddressObserved event. The session keeps
// only the first one it sees.
func (t *Transport) emitAddress(addrs []ma.Multiaddr) {
	best := pickAddr(addrs)
	if best == nil {
		return
	}
	full, err := ma.NewMultiaddr(fmt.Sprintf("%s/p2p/%s", best, t.host.ID()))
	if err != nil {
		return
	}
	t.emit(context.Background(), transport.AddressObserved{Addr: full.String()})
}

func pickAddr(addrs []ma.Multiaddr) ma.Multiaddr {
	var fallback ma.Multiaddr
	for _, a := range addrs {
		if manet.IsPublicAddr(a) {
			return a
		}
		if fallback == nil && !manet.IsIPLoopback(a) {
			fallback = a
		}
	}
	if fallback == nil && len(addrs) > 0 {
		fallback = addrs[0]
	}
	return fallback
}

func (t *Transport) emit(ctx context.Context, ev transport.Event) {
	select {
	case t.events <- ev:
	case <-ctx.Done():
	}
}

// Publish broadcasts one frame on the session topic.
func (t *Transport) Publish(ctx context.Context, data []byte) error {
	return t.topic.Publish(ctx, data)
}

// Events returns the merged event stream.
func (t *Transport) Events() <-chan transport.Event {
	return t.events
}

// Self returns the local peer ID.
func (t *Transport) Self() transport.Peer {
	return transport.Peer(t.host.ID().String())
}

// Close tears the subscription, topic and host down.
func (t *Transport) Close() error {
	var err error
	t.closeMu.Do(func() {
		t.cancel()
		t.peers.Cancel()
		t.sub.Cancel()
		err = t.topic.Close()
		if herr := t.host.Close(); err == nil {
			err = herr
		}
	})
	return err
}
