package negotiation

import (
	"context"
	"testing"

	"manyeyes/pkg/signal"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// manualExecutor queues work and posted functions until the test drains them.
type manualExecutor struct {
	work   []func() func()
	posted []func()
}

func (e *manualExecutor) Go(work func() func()) { e.work = append(e.work, work) }
func (e *manualExecutor) Post(fn func())        { e.posted = append(e.posted, fn) }

// runWork runs queued work without its continuations.
func (e *manualExecutor) runWork() []func() {
	var conts []func()
	for len(e.work) > 0 {
		w := e.work[0]
		e.work = e.work[1:]

		if c := w(); c != nil {
			conts = append(conts, c)
		}
	}

	return conts
}

func (e *manualExecutor) drain() {
	for len(e.work) > 0 || len(e.posted) > 0 {
		for _, c := range e.runWork() {
			c()
		}

		for len(e.posted) > 0 {
			fn := e.posted[0]
			e.posted = e.posted[1:]
			fn()
		}
	}
}

type fakeTransport struct {
	h TransportHandlers

	attachOK  bool
	addErr    error
	remoteErr error

	local      []Description
	remote     []Description
	candidates []string
	closed     int
}

func (t *fakeTransport) AttachLocalTracks(bool, bool) (bool, error) { return t.attachOK, nil }
func (t *fakeTransport) PrepareReceiveOnly(bool, bool) error        { return nil }

func (t *fakeTransport) CreateOffer(bool, bool) (Description, error) {
	return Description{Type: SDPOffer, SDP: "v=0 offer"}, nil
}

func (t *fakeTransport) CreateAnswer() (Description, error) {
	return Description{Type: SDPAnswer, SDP: "v=0 answer"}, nil
}

func (t *fakeTransport) SetLocalDescription(d Description) error {
	t.local = append(t.local, d)
	// Mimic ICE gathering starting as soon as the local description is set.
	t.h.OnCandidate(Candidate{Candidate: "local-" + string(d.Type), SDPMid: strPtr("0")})

	return nil
}

func (t *fakeTransport) SetRemoteDescription(d Description) error {
	if t.remoteErr != nil {
		return t.remoteErr
	}

	t.remote = append(t.remote, d)

	return nil
}

func (t *fakeTransport) AddICECandidate(c Candidate) error {
	if t.addErr != nil {
		return t.addErr
	}

	t.candidates = append(t.candidates, c.Candidate)

	return nil
}

func (t *fakeTransport) SwitchCamera(done func(bool)) { done(true) }

func (t *fakeTransport) Close() error {
	t.closed++

	return nil
}

type fakeEngine struct {
	transports []*fakeTransport
	noMedia    bool
}

func (e *fakeEngine) CreateTransport(_ context.Context, _ []ICEServer, h TransportHandlers) (Transport, error) {
	t := &fakeTransport{h: h, attachOK: !e.noMedia}
	e.transports = append(e.transports, t)

	return t, nil
}

func (e *fakeEngine) last() *fakeTransport {
	return e.transports[len(e.transports)-1]
}

type sentLog struct {
	sent []signal.Envelope
}

func (s *sentLog) Send(env signal.Envelope) error {
	s.sent = append(s.sent, env)

	return nil
}

func (s *sentLog) kinds() []signal.Kind {
	var out []signal.Kind
	for _, env := range s.sent {
		out = append(out, env.Kind)
	}

	return out
}

func strPtr(s string) *string { return &s }

type harness struct {
	exec   *manualExecutor
	engine *fakeEngine
	sent   *sentLog
	closed []error
	tracks []RemoteTrack
}

func newHarness() *harness {
	return &harness{exec: &manualExecutor{}, engine: &fakeEngine{}, sent: &sentLog{}}
}

func (h *harness) session(role Role, remote string, early ...Candidate) *Session {
	return New(Config{
		Role:      role,
		Remote:    remote,
		WantAudio: true,
		WantVideo: true,
		Engine:    h.engine,
		Sender:    h.sent,
		Exec:      h.exec,
		Early:     early,
		Hooks: Hooks{
			OnClosed: func(_ *Session, reason error) { h.closed = append(h.closed, reason) },
			OnTrack:  func(_ *Session, t RemoteTrack) { h.tracks = append(h.tracks, t) },
		},
	})
}

func ice(from, cand string) signal.Envelope {
	return signal.Envelope{Kind: signal.KindICE, From: from, Candidate: cand, SDPMid: strPtr("0")}
}

func TestStreamerOfferAnswerFlow(t *testing.T) {
	h := newHarness()
	s := h.session(Streamer, "viewer")

	s.Start()
	assert.Equal(t, Negotiating, s.State())
	assert.False(t, s.Ready())

	h.exec.drain()

	assert.Equal(t, Offered, s.State())
	assert.True(t, s.Ready())
	require.Equal(t, []signal.Kind{signal.KindOffer, signal.KindICE}, h.sent.kinds())
	assert.Equal(t, "viewer", h.sent.sent[0].To)
	assert.Equal(t, "v=0 offer", h.sent.sent[0].SDP)

	s.HandleAnswer(signal.Envelope{Kind: signal.KindAnswer, From: "viewer", SDP: "v=0 answer"})
	assert.Equal(t, Answered, s.State())
	assert.NotEmpty(t, s.AnswerFingerprint())

	h.engine.last().h.OnConnectionState(ConnectionConnected)
	h.exec.drain()
	assert.Equal(t, Connected, s.State())
}

func TestQueuedCandidatesApplyInReceiptOrder(t *testing.T) {
	h := newHarness()
	s := h.session(Streamer, "viewer")
	s.Start()

	for _, c := range []string{"c1", "c2", "c3"} {
		s.HandleICE(ice("viewer", c))
	}
	assert.Equal(t, 3, s.PendingCandidates())

	h.exec.drain()
	s.HandleICE(ice("viewer", "c4"))

	assert.Equal(t, []string{"c1", "c2", "c3", "c4"}, h.engine.last().candidates)
	assert.Zero(t, s.PendingCandidates())
}

func TestAnswerBeforeTransportIsAppliedOnceReady(t *testing.T) {
	h := newHarness()
	s := h.session(Streamer, "viewer")
	s.Start()

	answer := signal.Envelope{Kind: signal.KindAnswer, From: "viewer", SDP: "v=0 answer"}
	s.HandleAnswer(answer)
	s.HandleICE(ice("viewer", "c1"))
	s.HandleAnswer(answer)
	assert.True(t, s.HasPendingRemoteDescription())

	h.exec.drain()

	tr := h.engine.last()
	require.Len(t, tr.remote, 1)
	assert.Equal(t, []string{"c1"}, tr.candidates)
	assert.Equal(t, Answered, s.State())
	assert.False(t, s.HasPendingRemoteDescription())
}

func TestDuplicateAnswerAppliedOnce(t *testing.T) {
	h := newHarness()
	s := h.session(Streamer, "viewer")
	s.Start()
	h.exec.drain()

	answer := signal.Envelope{Kind: signal.KindAnswer, From: "viewer", SDP: "v=0 answer"}
	s.HandleAnswer(answer)
	s.HandleAnswer(answer)
	s.HandleAnswer(signal.Envelope{Kind: signal.KindAnswer, From: "viewer", SDP: "v=0 other"})

	assert.Len(t, h.engine.last().remote, 1)
	assert.Equal(t, Answered, s.State())
}

func TestRepeatedRequestIsSuppressed(t *testing.T) {
	h := newHarness()
	s := h.session(Streamer, "viewer")

	s.Start()
	s.RequestOffer()
	h.exec.drain()
	s.RequestOffer()
	h.exec.drain()

	assert.Len(t, h.engine.transports, 1)
	assert.Equal(t, 1, countKind(h.sent, signal.KindOffer))
}

func TestNoLocalMediaClosesSession(t *testing.T) {
	h := newHarness()
	h.engine.noMedia = true
	s := h.session(Streamer, "viewer")

	s.Start()
	h.exec.drain()

	assert.Equal(t, Closed, s.State())
	require.Len(t, h.closed, 1)
	assert.True(t, errors.Is(h.closed[0], ErrNoLocalMedia))
	assert.Equal(t, 1, h.engine.last().closed)
	assert.Empty(t, h.sent.sent)
}

func TestLateContinuationDisposesTransport(t *testing.T) {
	h := newHarness()
	s := h.session(Streamer, "viewer")
	s.Start()

	conts := h.exec.runWork()
	s.Close(nil)

	for _, c := range conts {
		c()
	}

	require.Len(t, h.engine.transports, 1)
	assert.Equal(t, 1, h.engine.last().closed)
	assert.False(t, s.Ready())
	assert.Empty(t, h.sent.sent)
	assert.Len(t, h.closed, 1)
}

func TestCandidateAfterCloseIsDropped(t *testing.T) {
	h := newHarness()
	s := h.session(Streamer, "viewer")
	s.Start()
	h.exec.drain()

	tr := h.engine.last()
	s.Close(nil)
	s.HandleICE(ice("viewer", "late"))
	s.HandleAnswer(signal.Envelope{Kind: signal.KindAnswer, From: "viewer", SDP: "v=0 answer"})

	assert.Empty(t, tr.candidates)
	assert.Empty(t, tr.remote)
	assert.Zero(t, s.PendingCandidates())
	assert.Equal(t, 1, tr.closed)
}

func TestCandidateFailureClosesSession(t *testing.T) {
	h := newHarness()
	s := h.session(Streamer, "viewer")
	s.Start()
	h.exec.drain()

	h.engine.last().addErr = errors.New("bad candidate")
	s.HandleICE(ice("viewer", "c1"))

	assert.Equal(t, Closed, s.State())
	require.Len(t, h.closed, 1)
	assert.Error(t, h.closed[0])
}

func TestConnectionFailureClosesSession(t *testing.T) {
	h := newHarness()
	s := h.session(Streamer, "viewer")
	s.Start()
	h.exec.drain()

	h.engine.last().h.OnConnectionState(ConnectionFailed)
	h.exec.drain()

	assert.Equal(t, Closed, s.State())
	assert.Equal(t, 1, h.engine.last().closed)
}

func TestEnvelopesFromOtherPeersIgnored(t *testing.T) {
	h := newHarness()
	s := h.session(Streamer, "viewer")
	s.Start()
	h.exec.drain()

	s.HandleICE(ice("intruder", "c1"))
	s.HandleAnswer(signal.Envelope{Kind: signal.KindAnswer, From: "intruder", SDP: "v=0 answer"})

	assert.Empty(t, h.engine.last().candidates)
	assert.Equal(t, Offered, s.State())
}

func TestViewerAnswersOffer(t *testing.T) {
	h := newHarness()
	s := h.session(Viewer, "streamer", Candidate{Candidate: "early", SDPMid: strPtr("0")})

	s.AcceptOffer(signal.Envelope{Kind: signal.KindOffer, From: "streamer", SDP: "v=0 offer"})
	assert.Equal(t, Negotiating, s.State())
	assert.Equal(t, "streamer", s.LastKnownPeerID())
	assert.NotEmpty(t, s.OfferFingerprint())

	s.HandleICE(ice("streamer", "c1"))
	h.exec.drain()

	tr := h.engine.last()
	require.Len(t, tr.remote, 1)
	assert.Equal(t, SDPOffer, tr.remote[0].Type)
	assert.Equal(t, []string{"early", "c1"}, tr.candidates)
	assert.Equal(t, Answered, s.State())

	require.Equal(t, []signal.Kind{signal.KindAnswer, signal.KindICE}, h.sent.kinds())
	assert.Equal(t, "streamer", h.sent.sent[0].To)
	assert.Equal(t, "v=0 answer", h.sent.sent[0].SDP)

	tr.h.OnTrack(fakeTrack{"video", "v1"})
	tr.h.OnConnectionState(ConnectionConnected)
	h.exec.drain()

	assert.Equal(t, Connected, s.State())
	require.Len(t, h.tracks, 1)
	assert.Equal(t, "video", h.tracks[0].Kind())
}

func TestViewerIgnoresAnswer(t *testing.T) {
	h := newHarness()
	s := h.session(Viewer, "streamer")
	s.AcceptOffer(signal.Envelope{Kind: signal.KindOffer, From: "streamer", SDP: "v=0 offer"})
	h.exec.drain()

	s.HandleAnswer(signal.Envelope{Kind: signal.KindAnswer, From: "streamer", SDP: "v=0 answer"})
	assert.Len(t, h.engine.last().remote, 1)
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newHarness()
	s := h.session(Streamer, "viewer")
	s.Start()
	h.exec.drain()

	s.RemoteClosed()
	s.Close(nil)

	assert.Len(t, h.closed, 1)
	assert.Equal(t, 1, h.engine.last().closed)
}

func TestSwitchCameraRequiresTransport(t *testing.T) {
	h := newHarness()
	s := h.session(Streamer, "viewer")

	var results []bool
	s.SwitchCamera(func(ok bool) { results = append(results, ok) })

	s.Start()
	h.exec.drain()
	s.SwitchCamera(func(ok bool) { results = append(results, ok) })
	h.exec.drain()

	assert.Equal(t, []bool{false, true}, results)
}

type fakeTrack struct{ kind, id string }

func (f fakeTrack) Kind() string { return f.kind }
func (f fakeTrack) ID() string   { return f.id }

func countKind(s *sentLog, kind signal.Kind) int {
	n := 0
	for _, env := range s.sent {
		if env.Kind == kind {
			n++
		}
	}

	return n
}
