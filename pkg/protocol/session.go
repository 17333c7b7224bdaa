// Package protocol drives the benchmarking session: roster formation over
// the pub/sub topic, the confirmation barrier, the share exchange and the
// final averaging. The engine is a single-threaded event loop; every
// transition is triggered by exactly one transport, frontend or timer event
// and runs to completion before the next is dequeued.
package protocol

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sort"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/zeebo/blake3"

	"github.com/luxfi/benchmark/pkg/envelope"
	"github.com/luxfi/benchmark/pkg/math/field"
	"github.com/luxfi/benchmark/pkg/math/fixed"
	"github.com/luxfi/benchmark/pkg/party"
	"github.com/luxfi/benchmark/pkg/sharing"
	"github.com/luxfi/benchmark/pkg/transport"
	"github.com/luxfi/benchmark/pkg/wire"
)

var log = logging.Logger("benchmark/session")

// MinParticipants is the smallest group the protocol runs with; below three
// members a partial sum would reveal the other party's input.
const MinParticipants = 3

// Default deadlines. Both are required: without them a single silent peer
// stalls the group indefinitely.
const (
	DefaultConfirmTimeout = 5 * time.Minute
	DefaultPhaseTimeout   = 5 * time.Minute
	DefaultSessionTimeout = 10 * time.Minute
)

// Config assembles a session's capabilities. Identity and Rand are passed
// as values so tests can substitute deterministic ones.
type Config struct {
	Identity *envelope.Identity
	Name     string
	// Inputs maps benchmark keys to values in hundredths.
	Inputs    map[string]*big.Int
	Leader    bool
	Frontend  Frontend
	Transport transport.Transport
	Rand      io.Reader

	ConfirmTimeout time.Duration
	PhaseTimeout   time.Duration
	SessionTimeout time.Duration
}

type queued struct {
	from transport.Peer
	msg  wire.Message
}

// Session is one protocol execution. Not safe for concurrent use; Run owns
// it for the session's lifetime.
type Session struct {
	cfg   Config
	state State

	roster   *party.Roster
	self     party.Participant
	leaderID party.ID

	keys   []string
	inputs map[string]field.Element

	frozen     bool
	rosterHash [sha256.Size]byte
	startVote  *wire.StartVote

	acks       map[party.ID]bool
	residuals  map[string]field.Element
	recvShares map[party.ID]map[string]field.Element
	recvSums   map[party.ID]wire.Sum

	seen    map[[32]byte]struct{}
	pending []queued

	startCh    <-chan struct{}
	confirmCh  <-chan bool
	addrSeen   bool
	result     map[string]string
	fatal      *Error
	phaseTimer *time.Timer
}

// NewSession validates the configuration and prepares the local state. The
// transport must already be subscribed to the session topic.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Identity == nil || cfg.Frontend == nil || cfg.Transport == nil || cfg.Rand == nil {
		return nil, errors.New("protocol: incomplete session config")
	}
	if len(cfg.Inputs) == 0 {
		return nil, errors.New("protocol: empty input map")
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}
	if cfg.PhaseTimeout <= 0 {
		cfg.PhaseTimeout = DefaultPhaseTimeout
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}

	s := &Session{
		cfg:        cfg,
		state:      Bootstrapping,
		roster:     party.NewRoster(),
		inputs:     make(map[string]field.Element, len(cfg.Inputs)),
		acks:       make(map[party.ID]bool),
		residuals:  make(map[string]field.Element),
		recvShares: make(map[party.ID]map[string]field.Element),
		recvSums:   make(map[party.ID]wire.Sum),
		seen:       make(map[[32]byte]struct{}),
	}
	for key, hundredths := range cfg.Inputs {
		elem, err := fixed.Encode(hundredths)
		if err != nil {
			return nil, fmt.Errorf("protocol: input %q: %w", key, err)
		}
		s.inputs[key] = elem
		s.keys = append(s.keys, key)
	}
	sort.Strings(s.keys)

	s.self = cfg.Identity.Participant(cfg.Name, string(cfg.Transport.Self()))
	if err := s.roster.Add(s.self); err != nil {
		return nil, err
	}
	if cfg.Leader {
		s.leaderID = s.self.ID
	}
	return s, nil
}

// Run executes the session to completion and returns the per-key averages.
// Cancelling the context aborts the session and notifies the group.
func (s *Session) Run(ctx context.Context) (map[string]string, error) {
	defer s.cfg.Transport.Close()

	sessionTimer := time.NewTimer(s.cfg.SessionTimeout)
	defer sessionTimer.Stop()
	s.phaseTimer = time.NewTimer(s.cfg.SessionTimeout)
	s.phaseTimer.Stop()
	defer s.phaseTimer.Stop()

	log.Infow("session starting", "leader", s.cfg.Leader, "self", s.self.ID.Format())
	if !s.cfg.Leader {
		// Joiners have nothing to wait for before gathering.
		s.enterGathering(ctx)
	}

	for {
		select {
		case ev, ok := <-s.cfg.Transport.Events():
			if !ok {
				s.abort(ctx, newError(KindTransport, ReasonPeerLost, "transport closed"))
				break
			}
			s.handleTransportEvent(ctx, ev)
		case <-s.startCh:
			s.handleLeaderStart(ctx)
		case yes := <-s.confirmCh:
			s.confirmCh = nil
			s.handleConfirmAnswer(ctx, yes)
		case <-s.phaseTimer.C:
			if s.state == Confirming {
				s.abort(ctx, newError(KindTimeout, ReasonConfirmTimeout, "confirmation barrier expired"))
			} else {
				s.abort(ctx, newError(KindTimeout, ReasonPhaseTimeout, fmt.Sprintf("stalled in %s", s.state)))
			}
		case <-sessionTimer.C:
			s.abort(ctx, newError(KindTimeout, ReasonSessionTimeout, "session deadline expired"))
		case <-ctx.Done():
			s.abort(context.WithoutCancel(ctx), newError(KindUser, ReasonInterrupted, "interrupted"))
		}

		switch s.state {
		case Done:
			return s.result, nil
		case Aborted:
			return nil, s.fatal
		}
	}
}

func (s *Session) enterGathering(ctx context.Context) {
	s.state = Gathering
	s.broadcastHello(ctx)
	if s.cfg.Leader {
		s.startCh = s.cfg.Frontend.PromptLeaderStart()
	}
}

func (s *Session) handleTransportEvent(ctx context.Context, ev transport.Event) {
	switch e := ev.(type) {
	case transport.AddressObserved:
		if !s.cfg.Leader || s.addrSeen {
			return
		}
		s.addrSeen = true
		s.cfg.Frontend.DisplayAddress(e.Addr)
		if s.cfg.Leader && s.state == Bootstrapping {
			s.enterGathering(ctx)
		}
	case transport.PeerJoined:
		log.Debugw("peer joined", "peer", e.Peer)
		if s.frozen {
			// A latecomer: hand it the frozen roster so it can see it is
			// not a member and bow out.
			if s.cfg.Leader {
				s.publish(ctx, *s.startVote)
			}
			return
		}
		if s.state == Gathering {
			s.broadcastHello(ctx)
		}
	case transport.PeerLeft:
		if p, ok := s.roster.ByPeer(string(e.Peer)); ok {
			s.abort(ctx, newError(KindTransport, ReasonPeerLost,
				fmt.Sprintf("%s left the session", p.Name)).withCulprit(p.ID))
		}
	case transport.Received:
		s.handleFrame(ctx, e.From, e.Data)
	}
}

func (s *Session) handleFrame(ctx context.Context, from transport.Peer, data []byte) {
	if s.duplicateDelivery(from, data) {
		return
	}
	msg, err := wire.Decode(data)
	if err != nil {
		log.Debugw("dropping undecodable frame", "peer", from, "err", err)
		return
	}
	s.dispatch(ctx, from, msg)
}

// duplicateDelivery tracks content digests so the at-least-once substrate
// can redeliver without tripping the duplicate-message aborts.
func (s *Session) duplicateDelivery(from transport.Peer, data []byte) bool {
	h := blake3.New()
	_, _ = h.Write([]byte(from))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(data)
	var digest [32]byte
	copy(digest[:], h.Sum(nil))
	if _, ok := s.seen[digest]; ok {
		return true
	}
	s.seen[digest] = struct{}{}
	return false
}

func (s *Session) dispatch(ctx context.Context, from transport.Peer, msg wire.Message) {
	switch m := msg.(type) {
	case wire.Hello:
		s.handleHello(ctx, from, m)
	case wire.StartVote:
		s.handleStartVote(ctx, from, m)
	case wire.Ack:
		s.handleAck(ctx, from, m)
	case wire.Nack:
		s.handleNack(ctx, from, m)
	case wire.Share:
		s.handleShare(ctx, from, m)
	case wire.Sum:
		s.handleSum(ctx, from, m)
	case wire.Abort:
		s.handleRemoteAbort(from, m)
	}
}

func (s *Session) handleHello(ctx context.Context, from transport.Peer, h wire.Hello) {
	if s.frozen {
		// Post-freeze Hellos are latecomers; the leader answers with the
		// frozen StartVote, everyone else stays quiet.
		if !s.roster.Contains(h.Fingerprint) && s.cfg.Leader {
			s.publish(ctx, *s.startVote)
		}
		return
	}
	if s.state != Gathering && s.state != Bootstrapping {
		return
	}

	if known, ok := s.roster.Get(h.Fingerprint); ok {
		if known.SignKey.Equal(h.SignKey) && known.BoxKey == h.BoxKey && known.Peer == string(from) {
			return // idempotent re-broadcast
		}
		s.abort(ctx, newError(KindProtocol, ReasonEquivocatingPeer,
			"fingerprint re-announced with different key material").withCulprit(h.Fingerprint))
		return
	}
	if p, ok := s.roster.ByPeer(string(from)); ok {
		s.abort(ctx, newError(KindProtocol, ReasonEquivocatingPeer,
			"transport peer announced a second identity").withCulprit(p.ID))
		return
	}
	if party.Fingerprint(h.SignKey) != h.Fingerprint {
		s.abort(ctx, newError(KindProtocol, ReasonEquivocatingPeer,
			"fingerprint does not match announced key").withCulprit(h.Fingerprint))
		return
	}

	p := party.Participant{
		ID:      h.Fingerprint,
		SignKey: h.SignKey,
		BoxKey:  h.BoxKey,
		Name:    h.Name,
		Peer:    string(from),
	}
	if err := s.roster.Add(p); err != nil {
		s.abort(ctx, newError(KindProtocol, ReasonEquivocatingPeer, err.Error()).withCulprit(p.ID))
		return
	}
	log.Infow("participant joined", "name", p.Name, "fingerprint", p.ID.Format(), "n", s.roster.Len())
	s.cfg.Frontend.DisplayRoster(s.roster)
	// Answer with our own Hello so the newcomer's roster converges even if
	// its PeerJoined event for us was lost.
	s.broadcastHello(ctx)
}

func (s *Session) handleLeaderStart(ctx context.Context) {
	if !s.cfg.Leader || s.state != Gathering {
		return
	}
	if s.roster.Len() < MinParticipants {
		log.Infof("waiting for participants: have %d, need %d", s.roster.Len(), MinParticipants)
		return
	}
	hash, err := s.roster.Hash()
	if err != nil {
		s.abort(ctx, newError(KindProtocol, ReasonUnexpectedMessage, err.Error()))
		return
	}
	s.rosterHash = hash
	s.frozen = true
	s.startVote = &wire.StartVote{RosterHash: hash, Entries: s.roster.Entries()}
	s.publish(ctx, *s.startVote)
	s.enterConfirming()
	s.replayPending(ctx)
}

func (s *Session) handleStartVote(ctx context.Context, from transport.Peer, v wire.StartVote) {
	sender, ok := s.roster.ByPeer(string(from))
	if s.frozen {
		// The leader re-broadcasts its frozen vote for latecomers; that
		// exact frame is idempotent, anything else is a second vote.
		if ok && sender.ID == s.leaderID && v.RosterHash == s.rosterHash {
			return
		}
		s.abort(ctx, newError(KindProtocol, ReasonUnexpectedMessage, "second StartVote"))
		return
	}
	if s.cfg.Leader {
		s.abort(ctx, newError(KindProtocol, ReasonUnexpectedMessage, "StartVote from non-leader"))
		return
	}
	if s.state != Gathering {
		s.abort(ctx, newError(KindProtocol, ReasonUnexpectedMessage,
			fmt.Sprintf("StartVote in %s", s.state)))
		return
	}
	if !ok {
		s.abort(ctx, newError(KindProtocol, ReasonUnexpectedMessage, "StartVote from unknown peer"))
		return
	}

	// A frozen roster that does not include us means the session closed
	// before we arrived. Leave without taking the group down.
	included := false
	for i := range v.Entries {
		if v.Entries[i].ID == s.self.ID {
			included = true
			break
		}
	}
	if !included {
		s.terminate(newError(KindProtocol, ReasonSessionClosed, "session started without us"))
		return
	}

	s.leaderID = sender.ID
	ownHash, err := s.roster.Hash()
	if err != nil || ownHash != v.RosterHash {
		s.publish(ctx, wire.Nack{RosterHash: v.RosterHash, Reason: string(ReasonRosterMismatch)})
		s.abort(ctx, newError(KindProtocol, ReasonRosterMismatch,
			"leader roster disagrees with local view").withCulprit(sender.ID))
		return
	}

	s.rosterHash = v.RosterHash
	s.frozen = true
	s.startVote = &v
	s.enterConfirming()
	s.cfg.Frontend.DisplayRoster(s.roster)
	s.confirmCh = s.cfg.Frontend.PromptJoinConfirm(s.roster)
	s.replayPending(ctx)
}

func (s *Session) enterConfirming() {
	s.state = Confirming
	s.resetPhaseTimer(s.cfg.ConfirmTimeout)
	log.Infow("roster frozen", "n", s.roster.Len())
}

func (s *Session) handleConfirmAnswer(ctx context.Context, yes bool) {
	if s.state != Confirming || s.cfg.Leader {
		return
	}
	if !yes {
		s.publish(ctx, wire.Nack{RosterHash: s.rosterHash, Reason: string(ReasonUserDeclined)})
		s.terminate(newError(KindUser, ReasonUserDeclined, "declined locally"))
		return
	}
	s.publish(ctx, wire.Ack{RosterHash: s.rosterHash})
	s.acks[s.self.ID] = true
	s.maybeEnterSharing(ctx)
}

func (s *Session) handleAck(ctx context.Context, from transport.Peer, a wire.Ack) {
	if !s.frozen {
		s.pending = append(s.pending, queued{from, a})
		return
	}
	sender, ok := s.roster.ByPeer(string(from))
	if !ok || sender.ID == s.leaderID {
		s.abort(ctx, newError(KindProtocol, ReasonUnexpectedMessage, "Ack from unexpected peer"))
		return
	}
	if a.RosterHash != s.rosterHash {
		s.abort(ctx, newError(KindProtocol, ReasonRosterMismatch,
			"Ack for a different roster").withCulprit(sender.ID))
		return
	}
	s.acks[sender.ID] = true
	s.maybeEnterSharing(ctx)
}

func (s *Session) handleNack(ctx context.Context, from transport.Peer, n wire.Nack) {
	if !s.frozen {
		s.pending = append(s.pending, queued{from, n})
		return
	}
	sender, ok := s.roster.ByPeer(string(from))
	if !ok {
		return
	}
	reason := Reason(n.Reason)
	if reason != ReasonUserDeclined && reason != ReasonRosterMismatch {
		reason = ReasonRosterMismatch
	}
	s.abort(ctx, newError(KindOf(reason), reason,
		fmt.Sprintf("%s rejected the roster", sender.Name)).withCulprit(sender.ID))
}

func (s *Session) maybeEnterSharing(ctx context.Context) {
	if s.state != Confirming || !s.acksComplete() {
		return
	}
	if !s.cfg.Leader && !s.acks[s.self.ID] {
		return
	}
	s.enterSharing(ctx)
}

func (s *Session) acksComplete() bool {
	for _, id := range s.roster.IDs() {
		if id == s.leaderID {
			continue
		}
		if !s.acks[id] {
			return false
		}
	}
	return true
}

func (s *Session) enterSharing(ctx context.Context) {
	s.state = Sharing
	s.resetPhaseTimer(s.cfg.PhaseTimeout)
	log.Infow("all confirmed, exchanging shares", "keys", len(s.keys))

	n := s.roster.Len()
	recipients := make([]party.Participant, 0, n-1)
	for _, id := range s.roster.IDs() {
		if id == s.self.ID {
			continue
		}
		p, _ := s.roster.Get(id)
		recipients = append(recipients, p)
	}

	for _, key := range s.keys {
		residual, shares, err := sharing.Split(s.inputs[key], n, s.cfg.Rand)
		if err != nil {
			s.abort(ctx, newError(KindProtocol, ReasonUnexpectedMessage, err.Error()))
			return
		}
		s.residuals[key] = residual
		for i, recipient := range recipients {
			env, err := envelope.Seal(shares[i], recipient, s.cfg.Identity, s.cfg.Rand)
			if err != nil {
				s.abort(ctx, newError(KindProtocol, ReasonInvalidEnvelope, err.Error()))
				return
			}
			s.publish(ctx, wire.Share{Key: key, Env: *env})
		}
	}
	s.maybeEnterSumming(ctx)
}

func (s *Session) handleShare(ctx context.Context, from transport.Peer, sh wire.Share) {
	if !s.frozen {
		s.pending = append(s.pending, queued{from, sh})
		return
	}
	if sh.Env.Recipient != s.self.ID {
		return // addressed to another participant
	}
	if s.state != Confirming && s.state != Sharing {
		s.abort(ctx, newError(KindProtocol, ReasonUnexpectedMessage,
			fmt.Sprintf("Share in %s", s.state)))
		return
	}
	sender, ok := s.roster.Get(sh.Env.Sender)
	if !ok || sender.Peer != string(from) {
		s.abort(ctx, newError(KindProtocol, ReasonInvalidEnvelope, "Share from outside the roster"))
		return
	}
	if _, ok := s.inputs[sh.Key]; !ok {
		s.abort(ctx, newError(KindProtocol, ReasonKeyMismatch,
			fmt.Sprintf("unknown key %q", sh.Key)).withCulprit(sender.ID))
		return
	}
	if _, ok := s.recvShares[sender.ID][sh.Key]; ok {
		// The digest filter already swallowed redeliveries; a distinct
		// second share for the same key is a protocol violation.
		s.abort(ctx, newError(KindProtocol, ReasonUnexpectedMessage,
			fmt.Sprintf("second share for %q", sh.Key)).withCulprit(sender.ID))
		return
	}

	value, err := envelope.Open(&sh.Env, s.cfg.Identity, sender)
	if err != nil {
		s.abort(ctx, newError(KindProtocol, ReasonInvalidEnvelope, err.Error()).withCulprit(sender.ID))
		return
	}
	if s.recvShares[sender.ID] == nil {
		s.recvShares[sender.ID] = make(map[string]field.Element, len(s.keys))
	}
	s.recvShares[sender.ID][sh.Key] = value
	s.maybeEnterSumming(ctx)
}

func (s *Session) sharesComplete() bool {
	for _, id := range s.roster.IDs() {
		if id == s.self.ID {
			continue
		}
		got := s.recvShares[id]
		if len(got) != len(s.keys) {
			return false
		}
	}
	return true
}

func (s *Session) maybeEnterSumming(ctx context.Context) {
	if s.state != Sharing || !s.sharesComplete() {
		return
	}
	s.state = Summing
	s.resetPhaseTimer(s.cfg.PhaseTimeout)

	partials := make(map[string]field.Element, len(s.keys))
	for _, key := range s.keys {
		received := make([]field.Element, 0, s.roster.Len()-1)
		for id, shares := range s.recvShares {
			if id == s.self.ID {
				continue
			}
			received = append(received, shares[key])
		}
		partials[key] = sharing.PartialSum(s.residuals[key], received)
	}
	sum := wire.Sum{Partials: partials}
	s.publish(ctx, sum)
	s.recvSums[s.self.ID] = sum
	log.Infow("partial sums published")
	s.maybeEnterAveraging()
}

func (s *Session) handleSum(ctx context.Context, from transport.Peer, sum wire.Sum) {
	if !s.frozen {
		s.pending = append(s.pending, queued{from, sum})
		return
	}
	sender, ok := s.roster.ByPeer(string(from))
	if !ok {
		s.abort(ctx, newError(KindProtocol, ReasonUnexpectedMessage, "Sum from outside the roster"))
		return
	}
	if s.state != Sharing && s.state != Summing && s.state != Confirming {
		s.abort(ctx, newError(KindProtocol, ReasonUnexpectedMessage,
			fmt.Sprintf("Sum in %s", s.state)))
		return
	}
	if _, ok := s.recvSums[sender.ID]; ok {
		s.abort(ctx, newError(KindProtocol, ReasonDuplicateSum,
			"conflicting partial sums").withCulprit(sender.ID))
		return
	}
	if len(sum.Partials) != len(s.keys) {
		s.abort(ctx, newError(KindProtocol, ReasonKeyMismatch,
			"partial sums for a different key set").withCulprit(sender.ID))
		return
	}
	for _, key := range s.keys {
		if _, ok := sum.Partials[key]; !ok {
			s.abort(ctx, newError(KindProtocol, ReasonKeyMismatch,
				fmt.Sprintf("partial sums missing key %q", key)).withCulprit(sender.ID))
			return
		}
	}
	s.recvSums[sender.ID] = sum
	s.maybeEnterAveraging()
}

func (s *Session) maybeEnterAveraging() {
	if s.state != Summing || len(s.recvSums) != s.roster.Len() {
		return
	}
	s.state = Averaging
	s.phaseTimer.Stop()

	n := s.roster.Len()
	s.result = make(map[string]string, len(s.keys))
	for _, key := range s.keys {
		total := field.Zero()
		for _, sum := range s.recvSums {
			total = total.Add(sum.Partials[key])
		}
		s.result[key] = fixed.DecodeAverage(total, n)
	}
	s.cfg.Frontend.DisplayResult(s.result)
	s.state = Done
	log.Infow("session complete", "keys", len(s.keys))
}

func (s *Session) handleRemoteAbort(from transport.Peer, a wire.Abort) {
	sender, ok := s.roster.ByPeer(string(from))
	if !ok {
		// A latecomer bowing out must not take the session down.
		log.Debugw("ignoring abort from non-member", "peer", from)
		return
	}
	reason := Reason(a.Reason)
	s.terminate(&Error{
		Kind:    KindOf(reason),
		Reason:  reason,
		Detail:  a.Detail,
		Culprit: sender.ID,
	})
}

func (s *Session) replayPending(ctx context.Context) {
	pending := s.pending
	s.pending = nil
	for _, q := range pending {
		if s.state.terminal() {
			return
		}
		s.dispatch(ctx, q.from, q.msg)
	}
}

// abort broadcasts the failure to the group, then terminates locally.
func (s *Session) abort(ctx context.Context, err *Error) {
	if s.state.terminal() {
		return
	}
	s.publish(ctx, wire.Abort{Reason: string(err.Reason), Detail: err.Detail})
	s.terminate(err)
}

// terminate ends the session without notifying anyone; used for received
// aborts and for bowing out of a session we are not part of.
func (s *Session) terminate(err *Error) {
	if s.state.terminal() {
		return
	}
	s.state = Aborted
	s.fatal = err
	s.cfg.Frontend.DisplayError(err)
	log.Errorw("session aborted", "kind", err.Kind.String(), "reason", err.Reason, "detail", err.Detail)
}

func (s *Session) broadcastHello(ctx context.Context) {
	s.publish(ctx, wire.Hello{
		Fingerprint: s.self.ID,
		SignKey:     s.self.SignKey,
		BoxKey:      s.self.BoxKey,
		Name:        s.self.Name,
	})
}

func (s *Session) publish(ctx context.Context, m wire.Message) {
	frame, err := wire.Encode(m)
	if err != nil {
		log.Errorw("encoding failed", "err", err)
		return
	}
	if err := s.cfg.Transport.Publish(ctx, frame); err != nil {
		log.Warnw("publish failed", "err", err)
	}
}

func (s *Session) resetPhaseTimer(d time.Duration) {
	if !s.phaseTimer.Stop() {
		select {
		case <-s.phaseTimer.C:
		default:
		}
	}
	s.phaseTimer.Reset(d)
}
