// Session drives one offer/answer/ICE exchange with a single remote device.
//
// All exported methods, as well as every continuation handed back through the
// Executor, must run on one goroutine (the owner's control path). Media engine
// callbacks arrive on engine goroutines and are re-posted to that path before
// they touch session state. Work that may block (ICE credential fetch,
// transport creation, description creation) runs through Executor.Go and
// reports back with a continuation; once the session is Closed, continuations
// only dispose what they produced.
//
// The transport is published as ready only after its local description is set
// (streamer) or the remote offer is applied (viewer). Until then answers and
// candidates are held in pendingRemote and pendingCandidates and applied, in
// receipt order, right after publication.

package negotiation

import (
	"context"

	"manyeyes/pkg/log"
	"manyeyes/pkg/signal"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrNoLocalMedia is returned when a streamer transport ends up without any
// local track.
var ErrNoLocalMedia = errors.New("no local media track attached")

var (
	ErrRemoteClosed = errors.New("remote peer disconnected")
	ErrReplaced     = errors.New("session replaced")

	errTransportFailed = errors.New("peer connection failed")
)

// Executor moves blocking work off the control path and back.
type Executor interface {
	// Go runs work on another goroutine. The continuation returned by work, if
	// any, is run on the control path.
	Go(work func() func())

	// Post runs fn on the control path.
	Post(fn func())
}

// Sender delivers outbound envelopes, resolving and checking their target.
type Sender interface {
	Send(env signal.Envelope) error
}

type Hooks struct {
	// OnClosed is called once, on the control path, when the session reaches
	// Closed. reason is nil for an orderly local close.
	OnClosed func(s *Session, reason error)
	OnTrack  func(s *Session, track RemoteTrack)
	OnState  func(s *Session, from, to State)
}

type Config struct {
	Role       Role
	Remote     string
	Generation uint64

	WantAudio bool
	WantVideo bool

	Engine MediaEngine
	ICE    ICEProvider
	Sender Sender
	Exec   Executor
	Hooks  Hooks

	// Early holds candidates from Remote that arrived before the session
	// existed. They are applied first, in order.
	Early []Candidate
}

type Info struct {
	Role       Role
	Remote     string
	State      State
	Generation uint64
}

type Session struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	state     State
	transport Transport
	signalled bool

	pendingRemote      *Description
	pendingCandidates  []Candidate
	outboundCandidates []Candidate

	answerFingerprint string
	offerFingerprint  string
	lastKnownPeerID   string

	log *logrus.Entry
}

func New(cfg Config) *Session {
	ctx, cancel := context.WithCancel(context.Background())

	if cfg.ICE == nil {
		cfg.ICE = StaticICE(nil)
	}

	return &Session{
		cfg:               cfg,
		ctx:               ctx,
		cancel:            cancel,
		pendingCandidates: append([]Candidate(nil), cfg.Early...),
		log: log.WithFields(log.Fields{
			"component": "session",
			"role":      cfg.Role.String(),
			"peer":      cfg.Remote,
			"gen":       cfg.Generation,
		}),
	}
}

func (s *Session) Role() Role         { return s.cfg.Role }
func (s *Session) Remote() string     { return s.cfg.Remote }
func (s *Session) State() State       { return s.state }
func (s *Session) Generation() uint64 { return s.cfg.Generation }

// Ready reports whether the transport has been published.
func (s *Session) Ready() bool { return s.transport != nil }

// LastKnownPeerID is the sender of the OFFER this viewer session answers.
func (s *Session) LastKnownPeerID() string { return s.lastKnownPeerID }

func (s *Session) PendingCandidates() int { return len(s.pendingCandidates) }

func (s *Session) HasPendingRemoteDescription() bool { return s.pendingRemote != nil }

func (s *Session) AnswerFingerprint() string { return s.answerFingerprint }

// OfferFingerprint identifies the OFFER a viewer session was created for.
func (s *Session) OfferFingerprint() string { return s.offerFingerprint }

func (s *Session) Info() Info {
	return Info{
		Role:       s.cfg.Role,
		Remote:     s.cfg.Remote,
		State:      s.state,
		Generation: s.cfg.Generation,
	}
}

func (s *Session) setState(to State) {
	from := s.state
	if from == to {
		return
	}

	s.state = to
	s.log.Infof("%s -> %s", from, to)

	if s.cfg.Hooks.OnState != nil {
		s.cfg.Hooks.OnState(s, from, to)
	}
}

// Start begins a streamer negotiation. Calling it on a session that already
// left Idle is the same as RequestOffer.
func (s *Session) Start() {
	if s.cfg.Role != Streamer {
		s.log.Warn("start called on a viewer session")

		return
	}

	if s.state != Idle {
		s.RequestOffer()

		return
	}

	s.setState(Negotiating)

	ctx := s.ctx
	s.cfg.Exec.Go(func() func() {
		t, offer, err := s.prepareOffer(ctx)

		return func() { s.offerPrepared(t, offer, err) }
	})
}

// RequestOffer handles a repeated stream request for the same peer. Offer
// creation is not re-entrant: while one is being built or awaits its answer
// the request is suppressed; later it is a no-op.
func (s *Session) RequestOffer() {
	switch s.state {
	case Idle:
		s.Start()
	case Negotiating, Offered:
		s.log.Infof("offer already in progress (%s), suppressing", s.state)
	default:
		s.log.Infof("stream request ignored in state %s", s.state)
	}
}

func (s *Session) handlers() TransportHandlers {
	return TransportHandlers{
		OnCandidate: func(c Candidate) {
			s.cfg.Exec.Post(func() { s.localCandidate(c) })
		},
		OnConnectionState: func(cs ConnectionState) {
			s.cfg.Exec.Post(func() { s.connectionState(cs) })
		},
		OnTrack: func(track RemoteTrack) {
			s.cfg.Exec.Post(func() { s.remoteTrack(track) })
		},
	}
}

// createTransport runs off the control path and touches no session state.
func (s *Session) createTransport(ctx context.Context) (Transport, error) {
	ice, err := s.cfg.ICE.ICEServers(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		s.log.WithError(err).Warn("ice servers unavailable, continuing without")
	}

	t, err := s.cfg.Engine.CreateTransport(ctx, ice, s.handlers())
	if err != nil {
		return nil, errors.Wrap(err, "create transport")
	}

	return t, nil
}

func (s *Session) prepareOffer(ctx context.Context) (Transport, Description, error) {
	t, err := s.createTransport(ctx)
	if err != nil {
		return nil, Description{}, err
	}

	fail := func(err error, msg string) (Transport, Description, error) {
		if cerr := t.Close(); cerr != nil {
			s.log.WithError(cerr).Warn("dispose transport")
		}

		return nil, Description{}, errors.Wrap(err, msg)
	}

	attached, err := t.AttachLocalTracks(s.cfg.WantAudio, s.cfg.WantVideo)
	if err != nil {
		return fail(err, "attach local tracks")
	}

	if !attached {
		return fail(ErrNoLocalMedia, "attach local tracks")
	}

	offer, err := t.CreateOffer(s.cfg.WantAudio, s.cfg.WantVideo)
	if err != nil {
		return fail(err, "create offer")
	}

	if err := t.SetLocalDescription(offer); err != nil {
		return fail(err, "set local offer")
	}

	return t, offer, nil
}

func (s *Session) offerPrepared(t Transport, offer Description, err error) {
	if s.state == Closed {
		s.discard(t)

		return
	}

	if err != nil {
		s.fail(err)

		return
	}

	s.transport = t
	s.setState(Offered)

	if err := s.cfg.Sender.Send(signal.Envelope{Kind: signal.KindOffer, To: s.cfg.Remote, SDP: offer.SDP}); err != nil {
		s.fail(errors.Wrap(err, "send offer"))

		return
	}

	s.signalled = true
	s.flushOutbound()
	s.drainPending()
}

// AcceptOffer starts a viewer negotiation for the OFFER in env.
func (s *Session) AcceptOffer(env signal.Envelope) {
	if s.cfg.Role != Viewer || s.state != Idle {
		s.log.Warnf("offer ignored in %s state %s", s.cfg.Role, s.state)

		return
	}

	offer := Description{Type: SDPOffer, SDP: env.SDP}

	s.lastKnownPeerID = env.From
	s.offerFingerprint = offer.Fingerprint()
	s.setState(Negotiating)

	ctx := s.ctx
	s.cfg.Exec.Go(func() func() {
		t, err := s.prepareAnswer(ctx, offer)

		return func() { s.answerPrepared(t, err) }
	})
}

func (s *Session) prepareAnswer(ctx context.Context, offer Description) (Transport, error) {
	t, err := s.createTransport(ctx)
	if err != nil {
		return nil, err
	}

	if err := t.PrepareReceiveOnly(s.cfg.WantAudio, s.cfg.WantVideo); err != nil {
		s.discard(t)

		return nil, errors.Wrap(err, "prepare receive-only")
	}

	if err := t.SetRemoteDescription(offer); err != nil {
		s.discard(t)

		return nil, errors.Wrap(err, "set remote offer")
	}

	return t, nil
}

func (s *Session) answerPrepared(t Transport, err error) {
	if s.state == Closed {
		s.discard(t)

		return
	}

	if err != nil {
		s.fail(err)

		return
	}

	s.transport = t

	if !s.drainCandidates() {
		return
	}

	s.setState(Answering)

	answer, err := t.CreateAnswer()
	if err != nil {
		s.fail(errors.Wrap(err, "create answer"))

		return
	}

	if err := t.SetLocalDescription(answer); err != nil {
		s.fail(errors.Wrap(err, "set local answer"))

		return
	}

	if err := s.cfg.Sender.Send(signal.Envelope{Kind: signal.KindAnswer, To: s.lastKnownPeerID, SDP: answer.SDP}); err != nil {
		s.fail(errors.Wrap(err, "send answer"))

		return
	}

	s.signalled = true
	s.setState(Answered)
	s.flushOutbound()
}

// HandleAnswer applies a streamer's ANSWER at most once.
func (s *Session) HandleAnswer(env signal.Envelope) {
	if s.state == Closed {
		return
	}

	if s.cfg.Role != Streamer {
		s.log.Warn("viewer received an answer, ignoring")

		return
	}

	if env.From != s.cfg.Remote {
		s.log.Warnf("answer from %s ignored", env.From)

		return
	}

	answer := Description{Type: SDPAnswer, SDP: env.SDP}
	fp := answer.Fingerprint()

	if fp == s.answerFingerprint {
		s.log.Debug("duplicate answer ignored")

		return
	}

	if s.transport == nil {
		if s.pendingRemote != nil {
			if s.pendingRemote.Fingerprint() == fp {
				return
			}

			s.log.Warn("replacing queued answer")
		}

		s.pendingRemote = &answer
		s.log.Info("transport not ready, answer queued")

		return
	}

	s.applyAnswer(answer)
}

func (s *Session) applyAnswer(answer Description) {
	fp := answer.Fingerprint()

	if fp == s.answerFingerprint {
		return
	}

	if s.answerFingerprint != "" {
		s.log.Warn("conflicting answer ignored, one was already applied")

		return
	}

	if err := s.transport.SetRemoteDescription(answer); err != nil {
		s.fail(errors.Wrap(err, "set remote answer"))

		return
	}

	s.answerFingerprint = fp
	s.setState(Answered)
}

// HandleICE applies a remote candidate or queues it until the transport is
// published.
func (s *Session) HandleICE(env signal.Envelope) {
	if s.state == Closed {
		return
	}

	if env.From != s.cfg.Remote {
		s.log.Warnf("candidate from %s ignored", env.From)

		return
	}

	c := CandidateFromEnvelope(env)

	if s.transport == nil {
		s.pendingCandidates = append(s.pendingCandidates, c)
		s.log.Debugf("transport not ready, candidate queued (%d)", len(s.pendingCandidates))

		return
	}

	if err := s.transport.AddICECandidate(c); err != nil {
		s.fail(errors.Wrap(err, "add ice candidate"))
	}
}

func (s *Session) drainPending() {
	if s.pendingRemote != nil {
		answer := *s.pendingRemote
		s.pendingRemote = nil

		s.log.Info("applying queued answer")
		s.applyAnswer(answer)

		if s.state == Closed {
			return
		}
	}

	s.drainCandidates()
}

// drainCandidates reports false when applying a queued candidate closed the
// session.
func (s *Session) drainCandidates() bool {
	queued := s.pendingCandidates
	s.pendingCandidates = nil

	if len(queued) > 0 {
		s.log.Infof("applying %d queued candidates", len(queued))
	}

	for _, c := range queued {
		if err := s.transport.AddICECandidate(c); err != nil {
			s.fail(errors.Wrap(err, "add queued ice candidate"))

			return false
		}
	}

	return true
}

func (s *Session) localCandidate(c Candidate) {
	if s.state == Closed {
		return
	}

	if !s.signalled {
		s.outboundCandidates = append(s.outboundCandidates, c)

		return
	}

	s.sendCandidate(c)
}

func (s *Session) flushOutbound() {
	queued := s.outboundCandidates
	s.outboundCandidates = nil

	for _, c := range queued {
		s.sendCandidate(c)
	}
}

func (s *Session) sendCandidate(c Candidate) {
	env := c.Envelope(s.cfg.Remote)

	if err := s.cfg.Sender.Send(env); err != nil {
		s.log.WithError(err).Warn("send local candidate")
	}
}

func (s *Session) connectionState(cs ConnectionState) {
	if s.state == Closed {
		return
	}

	s.log.Infof("peer connection %s", cs)

	switch cs {
	case ConnectionConnected:
		if s.state == Answered {
			s.setState(Connected)
		}
	case ConnectionFailed:
		s.fail(errTransportFailed)
	case ConnectionClosed:
		s.fail(errTransportFailed)
	}
}

func (s *Session) remoteTrack(track RemoteTrack) {
	if s.state == Closed {
		return
	}

	s.log.Infof("remote %s track %s", track.Kind(), track.ID())

	if s.cfg.Hooks.OnTrack != nil {
		s.cfg.Hooks.OnTrack(s, track)
	}
}

// SwitchCamera asks the local transport to change camera. done is called on
// the control path.
func (s *Session) SwitchCamera(done func(ok bool)) {
	if s.cfg.Role != Streamer || s.transport == nil {
		s.log.Warn("cannot switch camera, not streaming")
		done(false)

		return
	}

	s.transport.SwitchCamera(func(ok bool) {
		s.cfg.Exec.Post(func() { done(ok) })
	})
}

// RemoteClosed closes the session after the peer's DISCONNECT.
func (s *Session) RemoteClosed() {
	s.Close(ErrRemoteClosed)
}

// Replaced closes the session because another one takes its place.
func (s *Session) Replaced() {
	s.Close(ErrReplaced)
}

// Close disposes the transport and clears every queue. It is idempotent.
func (s *Session) Close(reason error) {
	if s.state == Closed {
		return
	}

	s.setState(Closed)
	s.cancel()

	t := s.transport
	s.transport = nil
	s.pendingRemote = nil
	s.pendingCandidates = nil
	s.outboundCandidates = nil
	s.answerFingerprint = ""
	s.signalled = false

	s.discard(t)

	if reason != nil {
		s.log.WithError(reason).Info("session closed")
	} else {
		s.log.Info("session closed")
	}

	if s.cfg.Hooks.OnClosed != nil {
		s.cfg.Hooks.OnClosed(s, reason)
	}
}

func (s *Session) fail(err error) {
	s.log.WithError(err).Error("negotiation failed")
	s.Close(err)
}

func (s *Session) discard(t Transport) {
	if t == nil {
		return
	}

	if err := t.Close(); err != nil {
		s.log.WithError(err).Warn("dispose transport")
	}
}

func CandidateFromEnvelope(env signal.Envelope) Candidate {
	return Candidate{
		Candidate:     env.Candidate,
		SDPMid:        env.SDPMid,
		SDPMLineIndex: env.SDPMLineIndex,
	}
}

func (c Candidate) Envelope(to string) signal.Envelope {
	return signal.Envelope{
		Kind:          signal.KindICE,
		To:            to,
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
}
