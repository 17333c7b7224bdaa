package protocol_test

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/luxfi/benchmark/internal/test"
	"github.com/luxfi/benchmark/pkg/envelope"
	"github.com/luxfi/benchmark/pkg/math/fixed"
	"github.com/luxfi/benchmark/pkg/party"
	"github.com/luxfi/benchmark/pkg/protocol"
	"github.com/luxfi/benchmark/pkg/transport"
	"github.com/luxfi/benchmark/pkg/wire"
)

// fakeFrontend scripts the user without blocking the session loop.
type fakeFrontend struct {
	mu        sync.Mutex
	confirm   bool
	startCh   chan struct{}
	prompts   int
	rosterLen int
	results   []map[string]string
	fatals    []error
	addrs     []string
}

func newFakeFrontend(confirm bool) *fakeFrontend {
	return &fakeFrontend{confirm: confirm, startCh: make(chan struct{}, 1)}
}

func (f *fakeFrontend) pressStart() {
	select {
	case f.startCh <- struct{}{}:
	default:
	}
}

func (f *fakeFrontend) PromptLeaderStart() <-chan struct{} { return f.startCh }

func (f *fakeFrontend) PromptJoinConfirm(*party.Roster) <-chan bool {
	f.mu.Lock()
	f.prompts++
	f.mu.Unlock()
	ch := make(chan bool, 1)
	ch <- f.confirm
	return ch
}

func (f *fakeFrontend) promptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prompts
}

func (f *fakeFrontend) DisplayRoster(r *party.Roster) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.Len() > f.rosterLen {
		f.rosterLen = r.Len()
	}
}

func (f *fakeFrontend) DisplayAddress(addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addrs = append(f.addrs, addr)
}

func (f *fakeFrontend) DisplayResult(res map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, res)
}

func (f *fakeFrontend) DisplayError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fatals = append(f.fatals, err)
}

func (f *fakeFrontend) seen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rosterLen
}

func (f *fakeFrontend) resultCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.results)
}

// peerProc is one participant running in its own goroutine.
type peerProc struct {
	name   string
	fe     *fakeFrontend
	done   chan struct{}
	result map[string]string
	err    error
}

func hundredths(inputs map[string]string) map[string]*big.Int {
	out := make(map[string]*big.Int, len(inputs))
	for k, v := range inputs {
		h, err := fixed.Parse(v)
		Expect(err).NotTo(HaveOccurred())
		out[k] = h
	}
	return out
}

func startPeer(ctx context.Context, net *test.Network, name string, leader, confirm bool, inputs map[string]string) *peerProc {
	bus := net.Join()
	if leader {
		bus.ObserveAddress("/memory/" + string(bus.Self()))
	}
	id, err := envelope.NewIdentity(rand.Reader)
	Expect(err).NotTo(HaveOccurred())

	fe := newFakeFrontend(confirm)
	sess, err := protocol.NewSession(protocol.Config{
		Identity:       id,
		Name:           name,
		Inputs:         hundredths(inputs),
		Leader:         leader,
		Frontend:       fe,
		Transport:      bus,
		Rand:           rand.Reader,
		ConfirmTimeout: 5 * time.Second,
		PhaseTimeout:   5 * time.Second,
		SessionTimeout: 20 * time.Second,
	})
	Expect(err).NotTo(HaveOccurred())

	p := &peerProc{name: name, fe: fe, done: make(chan struct{})}
	go func() {
		defer GinkgoRecover()
		defer close(p.done)
		p.result, p.err = sess.Run(ctx)
	}()
	return p
}

func waitAll(peers ...*peerProc) {
	for _, p := range peers {
		Eventually(p.done, "15s").Should(BeClosed(), "peer %s did not finish", p.name)
	}
}

// gatherAndStart waits for every peer's roster to converge, then presses
// Enter on the leader.
func gatherAndStart(leader *peerProc, peers ...*peerProc) {
	n := len(peers) + 1
	Eventually(leader.fe.seen, "10s").Should(Equal(n))
	for _, p := range peers {
		Eventually(p.fe.seen, "10s").Should(Equal(n))
	}
	leader.fe.pressStart()
}

func reasonOf(err error) protocol.Reason {
	var perr *protocol.Error
	if errors.As(err, &perr) {
		return perr.Reason
	}
	return ""
}

var _ = Describe("Session", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		net    *test.Network
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		net = test.NewNetwork()
		DeferCleanup(cancel)
	})

	It("averages integer inputs across three participants", func() {
		leader := startPeer(ctx, net, "alice", true, true, map[string]string{"revenue": "100"})
		p2 := startPeer(ctx, net, "bob", false, true, map[string]string{"revenue": "200"})
		p3 := startPeer(ctx, net, "carol", false, true, map[string]string{"revenue": "300"})

		gatherAndStart(leader, p2, p3)
		waitAll(leader, p2, p3)

		for _, p := range []*peerProc{leader, p2, p3} {
			Expect(p.err).NotTo(HaveOccurred(), "peer %s", p.name)
			Expect(p.result).To(Equal(map[string]string{"revenue": "200"}), "peer %s", p.name)
		}
	})

	It("averages decimal inputs with two-digit rounding", func() {
		leader := startPeer(ctx, net, "alice", true, true, map[string]string{"cost": "1234.56"})
		p2 := startPeer(ctx, net, "bob", false, true, map[string]string{"cost": "1000"})
		p3 := startPeer(ctx, net, "carol", false, true, map[string]string{"cost": "0"})

		gatherAndStart(leader, p2, p3)
		waitAll(leader, p2, p3)

		for _, p := range []*peerProc{leader, p2, p3} {
			Expect(p.err).NotTo(HaveOccurred(), "peer %s", p.name)
			Expect(p.result).To(Equal(map[string]string{"cost": "744.85"}), "peer %s", p.name)
		}
	})

	It("averages negative inputs", func() {
		leader := startPeer(ctx, net, "alice", true, true, map[string]string{"delta": "-10"})
		p2 := startPeer(ctx, net, "bob", false, true, map[string]string{"delta": "20"})
		p3 := startPeer(ctx, net, "carol", false, true, map[string]string{"delta": "-5"})

		gatherAndStart(leader, p2, p3)
		waitAll(leader, p2, p3)

		for _, p := range []*peerProc{leader, p2, p3} {
			Expect(p.err).NotTo(HaveOccurred(), "peer %s", p.name)
			Expect(p.result).To(Equal(map[string]string{"delta": "1.67"}), "peer %s", p.name)
		}
	})

	It("handles several keys at once", func() {
		leader := startPeer(ctx, net, "alice", true, true, map[string]string{"a": "1", "b": "4"})
		p2 := startPeer(ctx, net, "bob", false, true, map[string]string{"a": "2", "b": "5"})
		p3 := startPeer(ctx, net, "carol", false, true, map[string]string{"a": "3", "b": "6"})

		gatherAndStart(leader, p2, p3)
		waitAll(leader, p2, p3)

		for _, p := range []*peerProc{leader, p2, p3} {
			Expect(p.err).NotTo(HaveOccurred(), "peer %s", p.name)
			Expect(p.result).To(Equal(map[string]string{"a": "2", "b": "5"}), "peer %s", p.name)
		}
	})

	It("ignores the leader's Enter until three participants are present", func() {
		leader := startPeer(ctx, net, "alice", true, true, map[string]string{"revenue": "100"})
		p2 := startPeer(ctx, net, "bob", false, true, map[string]string{"revenue": "200"})

		Eventually(leader.fe.seen, "10s").Should(Equal(2))
		Eventually(p2.fe.seen, "10s").Should(Equal(2))
		leader.fe.pressStart()
		Consistently(p2.fe.promptCount, "300ms").Should(BeZero())

		p3 := startPeer(ctx, net, "carol", false, true, map[string]string{"revenue": "300"})
		gatherAndStart(leader, p2, p3)
		waitAll(leader, p2, p3)

		for _, p := range []*peerProc{leader, p2, p3} {
			Expect(p.err).NotTo(HaveOccurred(), "peer %s", p.name)
			Expect(p.result).To(Equal(map[string]string{"revenue": "200"}), "peer %s", p.name)
		}
		Expect(p2.fe.promptCount()).To(Equal(1))
	})

	It("aborts everywhere on a key-set mismatch without revealing sums", func() {
		leader := startPeer(ctx, net, "alice", true, true, map[string]string{"a": "1", "b": "2"})
		p2 := startPeer(ctx, net, "bob", false, true, map[string]string{"a": "1", "b": "2"})
		p3 := startPeer(ctx, net, "carol", false, true, map[string]string{"a": "1", "c": "2"})

		gatherAndStart(leader, p2, p3)
		waitAll(leader, p2, p3)

		for _, p := range []*peerProc{leader, p2, p3} {
			Expect(p.err).To(HaveOccurred(), "peer %s", p.name)
			Expect(reasonOf(p.err)).To(Equal(protocol.ReasonKeyMismatch), "peer %s", p.name)
			Expect(p.result).To(BeNil(), "peer %s", p.name)
			Expect(p.fe.resultCount()).To(BeZero(), "peer %s", p.name)
		}
	})

	It("terminates the whole group when a joiner declines", func() {
		leader := startPeer(ctx, net, "alice", true, true, map[string]string{"revenue": "100"})
		p2 := startPeer(ctx, net, "bob", false, true, map[string]string{"revenue": "200"})
		p3 := startPeer(ctx, net, "carol", false, false, map[string]string{"revenue": "300"})

		gatherAndStart(leader, p2, p3)
		waitAll(leader, p2, p3)

		for _, p := range []*peerProc{leader, p2, p3} {
			Expect(reasonOf(p.err)).To(Equal(protocol.ReasonUserDeclined), "peer %s", p.name)
			var perr *protocol.Error
			Expect(errors.As(p.err, &perr)).To(BeTrue())
			Expect(perr.Kind).To(Equal(protocol.KindUser))
			Expect(p.result).To(BeNil(), "peer %s", p.name)
		}
	})

	It("aborts on an equivocating Hello", func() {
		leader := startPeer(ctx, net, "alice", true, true, map[string]string{"revenue": "100"})
		p2 := startPeer(ctx, net, "bob", false, true, map[string]string{"revenue": "200"})

		attacker := net.Join()
		idA, err := envelope.NewIdentity(rand.Reader)
		Expect(err).NotTo(HaveOccurred())
		idB, err := envelope.NewIdentity(rand.Reader)
		Expect(err).NotTo(HaveOccurred())

		first, err := wire.Encode(wire.Hello{
			Fingerprint: idA.ID,
			SignKey:     idA.SignKey,
			BoxKey:      idA.BoxKey,
			Name:        "mallory",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(attacker.Publish(ctx, first)).To(Succeed())

		Eventually(leader.fe.seen, "10s").Should(Equal(3))

		// Same fingerprint, different key material.
		second, err := wire.Encode(wire.Hello{
			Fingerprint: idA.ID,
			SignKey:     idB.SignKey,
			BoxKey:      idB.BoxKey,
			Name:        "mallory",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(attacker.Publish(ctx, second)).To(Succeed())

		waitAll(leader, p2)
		for _, p := range []*peerProc{leader, p2} {
			Expect(reasonOf(p.err)).To(Equal(protocol.ReasonEquivocatingPeer), "peer %s", p.name)
			Expect(p.result).To(BeNil())
		}
	})

	It("ignores redelivered frames", func() {
		// The observer taps the topic without ever announcing itself and
		// echoes every frame once on behalf of its publisher, turning the
		// substrate into an aggressively at-least-once one.
		observer := net.Join()
		go func() {
			defer GinkgoRecover()
			echoed := make(map[string]bool)
			for ev := range observer.Events() {
				r, ok := ev.(transport.Received)
				if !ok {
					continue
				}
				key := string(r.From) + "|" + string(r.Data)
				if echoed[key] {
					continue
				}
				echoed[key] = true
				net.Redeliver(r.From, r.Data)
			}
		}()
		DeferCleanup(func() { net.Partition(observer.Self()) })

		leader := startPeer(ctx, net, "alice", true, true, map[string]string{"revenue": "100"})
		p2 := startPeer(ctx, net, "bob", false, true, map[string]string{"revenue": "200"})
		p3 := startPeer(ctx, net, "carol", false, true, map[string]string{"revenue": "300"})

		gatherAndStart(leader, p2, p3)
		waitAll(leader, p2, p3)

		for _, p := range []*peerProc{leader, p2, p3} {
			Expect(p.err).NotTo(HaveOccurred(), "peer %s", p.name)
			Expect(p.result).To(Equal(map[string]string{"revenue": "200"}), "peer %s", p.name)
		}
	})

	It("aborts with ConfirmTimeout when a joiner never answers", func() {
		leader := startPeer(ctx, net, "alice", true, true, map[string]string{"revenue": "100"})
		p2 := startPeer(ctx, net, "bob", false, true, map[string]string{"revenue": "200"})

		// carol's frontend never delivers an answer.
		bus := net.Join()
		id, err := envelope.NewIdentity(rand.Reader)
		Expect(err).NotTo(HaveOccurred())
		silent := newFakeFrontend(true)
		silentPrompt := &silentConfirmFrontend{fakeFrontend: silent}
		sess, err := protocol.NewSession(protocol.Config{
			Identity:       id,
			Name:           "carol",
			Inputs:         hundredths(map[string]string{"revenue": "300"}),
			Leader:         false,
			Frontend:       silentPrompt,
			Transport:      bus,
			Rand:           rand.Reader,
			ConfirmTimeout: 500 * time.Millisecond,
			PhaseTimeout:   5 * time.Second,
			SessionTimeout: 20 * time.Second,
		})
		Expect(err).NotTo(HaveOccurred())
		p3 := &peerProc{name: "carol", fe: silent, done: make(chan struct{})}
		go func() {
			defer GinkgoRecover()
			defer close(p3.done)
			p3.result, p3.err = sess.Run(ctx)
		}()

		gatherAndStart(leader, p2, p3)
		waitAll(leader, p2, p3)

		for _, p := range []*peerProc{leader, p2, p3} {
			Expect(reasonOf(p.err)).To(Equal(protocol.ReasonConfirmTimeout), "peer %s", p.name)
			Expect(p.result).To(BeNil())
		}
	})

	It("aborts when a roster member disappears", func() {
		leader := startPeer(ctx, net, "alice", true, true, map[string]string{"revenue": "100"})
		p2 := startPeer(ctx, net, "bob", false, true, map[string]string{"revenue": "200"})
		victim := net.Join()
		id, err := envelope.NewIdentity(rand.Reader)
		Expect(err).NotTo(HaveOccurred())
		hello, err := wire.Encode(wire.Hello{
			Fingerprint: id.ID,
			SignKey:     id.SignKey,
			BoxKey:      id.BoxKey,
			Name:        "carol",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(victim.Publish(ctx, hello)).To(Succeed())

		Eventually(leader.fe.seen, "10s").Should(Equal(3))
		Eventually(p2.fe.seen, "10s").Should(Equal(3))

		net.Partition(victim.Self())
		waitAll(leader, p2)

		for _, p := range []*peerProc{leader, p2} {
			Expect(reasonOf(p.err)).To(Equal(protocol.ReasonPeerLost), "peer %s", p.name)
		}
	})
})

// silentConfirmFrontend never answers the join prompt.
type silentConfirmFrontend struct {
	*fakeFrontend
}

func (s *silentConfirmFrontend) PromptJoinConfirm(*party.Roster) <-chan bool {
	return make(chan bool)
}
