package signal

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	sent []Envelope
	err  error
}

func (s *recordingSender) Send(env Envelope) error {
	if s.err != nil {
		return s.err
	}

	s.sent = append(s.sent, env)

	return nil
}

type recordingHandler struct {
	got []Envelope
}

func (h *recordingHandler) record(env Envelope) { h.got = append(h.got, env) }
func (h *recordingHandler) HandleRequestStream(env Envelope) { h.record(env) }
func (h *recordingHandler) HandleOffer(env Envelope) { h.record(env) }
func (h *recordingHandler) HandleAnswer(env Envelope) { h.record(env) }
func (h *recordingHandler) HandleICE(env Envelope) { h.record(env) }
func (h *recordingHandler) HandleSwitchCamera(env Envelope) { h.record(env) }
func (h *recordingHandler) HandleDisconnect(env Envelope) { h.record(env) }
func (h *recordingHandler) HandlePresence(env Envelope) { h.record(env) }

func newTestRouter() (*Router, *recordingSender, *recordingHandler) {
	s := &recordingSender{}
	h := &recordingHandler{}

	return NewRouter("me", s, h), s, h
}

func TestRouteFiltersByTarget(t *testing.T) {
	r, _, h := newTestRouter()

	r.Route(Envelope{Kind: KindRequestStream, From: "peer", To: "someone-else"})
	r.Route(Envelope{Kind: KindRequestStream, From: "me", To: "me"})
	r.Route(Envelope{Kind: KindRequestStream, To: "me"})
	r.Route(Envelope{Kind: KindOffer, From: "peer", To: "me"})
	assert.Empty(t, h.got)

	r.Route(Envelope{Kind: KindRequestStream, From: "peer", To: "me"})
	r.Route(Envelope{Kind: KindPresence})
	r.Route(Envelope{Kind: KindOffer, From: "peer", SDP: "v=0"})

	require.Len(t, h.got, 3)
	assert.Equal(t, KindRequestStream, h.got[0].Kind)
	assert.Equal(t, KindPresence, h.got[1].Kind)
	assert.Equal(t, KindOffer, h.got[2].Kind)
}

func TestRouteFrameDropsMalformedAndKeepsOrder(t *testing.T) {
	r, _, h := newTestRouter()

	frame := `{"type":"ICE","fromDeviceId":"p","toDeviceId":"me","candidate":"c1","sdpMid":"0"}
{"type":"ANSWER","fromDeviceId":"p","toDeviceId":"me"}
garbage
{"type":"ICE","fromDeviceId":"p","toDeviceId":"me","candidate":"c2","sdpMid":"0"}
`
	r.RouteFrame([]byte(frame))

	require.Len(t, h.got, 2)
	assert.Equal(t, "c1", h.got[0].Candidate)
	assert.Equal(t, "c2", h.got[1].Candidate)
}

func TestSendStampsSenderAndRejectsSelf(t *testing.T) {
	r, s, _ := newTestRouter()

	err := r.Send(Envelope{Kind: KindRequestStream, To: "me"})
	assert.True(t, errors.Is(err, ErrSelfTarget))

	err = r.Send(Envelope{Kind: KindOffer, SDP: "v=0"})
	assert.True(t, errors.Is(err, ErrMissingTarget))

	require.NoError(t, r.Send(Envelope{Kind: KindRequestStream, To: "peer", From: "forged"}))
	require.Len(t, s.sent, 1)
	assert.Equal(t, "me", s.sent[0].From)
	assert.Equal(t, "peer", s.sent[0].To)
}

func TestSendPinsBoundPeer(t *testing.T) {
	r, s, _ := newTestRouter()
	r.Bind("streamer")

	for _, kind := range []Kind{KindAnswer, KindICE, KindSwitchCamera, KindDisconnect} {
		require.NoError(t, r.Send(Envelope{Kind: kind, To: "stale"}))
	}

	// Not a pinned kind: the caller's target stands.
	require.NoError(t, r.Send(Envelope{Kind: KindRequestStream, To: "other"}))

	require.Len(t, s.sent, 5)
	for _, env := range s.sent[:4] {
		assert.Equalf(t, "streamer", env.To, "kind %s", env.Kind)
	}
	assert.Equal(t, "other", s.sent[4].To)
}

func TestSendPinnedSelfTargetIsCorrected(t *testing.T) {
	r, s, _ := newTestRouter()
	r.Bind("streamer")

	require.NoError(t, r.Send(Envelope{Kind: KindICE, To: "me", Candidate: "c"}))
	require.Len(t, s.sent, 1)
	assert.Equal(t, "streamer", s.sent[0].To)
}

func TestReleaseKeepsOneDisconnectEcho(t *testing.T) {
	r, s, _ := newTestRouter()
	r.Bind("streamer")
	r.Release()

	assert.Empty(t, r.Bound())

	require.NoError(t, r.Send(Envelope{Kind: KindDisconnect}))
	require.Len(t, s.sent, 1)
	assert.Equal(t, "streamer", s.sent[0].To)

	err := r.Send(Envelope{Kind: KindDisconnect})
	assert.True(t, errors.Is(err, ErrMissingTarget))

	// ICE is no longer pinned after release.
	require.NoError(t, r.Send(Envelope{Kind: KindICE, To: "new-peer", Candidate: "c"}))
	assert.Equal(t, "new-peer", s.sent[1].To)
}

func TestSendPropagatesSenderError(t *testing.T) {
	r, s, _ := newTestRouter()
	s.err = ErrRelayClosed

	err := r.Send(Envelope{Kind: KindRequestStream, To: "peer"})
	assert.True(t, errors.Is(err, ErrRelayClosed))
}

func TestForgetDropsEcho(t *testing.T) {
	r, s, _ := newTestRouter()
	r.Bind("streamer")
	r.Forget()

	require.NoError(t, r.Send(Envelope{Kind: KindDisconnect, To: "other"}))
	require.Len(t, s.sent, 1)
	assert.Equal(t, "other", s.sent[0].To)
}
