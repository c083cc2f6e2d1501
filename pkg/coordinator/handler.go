package coordinator

import (
	"manyeyes/pkg/negotiation"
	"manyeyes/pkg/signal"
)

// handler receives routed envelopes on the control loop.
type handler struct {
	c *Coordinator
}

// active returns the current session when it is talking to peer.
func (c *Coordinator) active(peer string) *negotiation.Session {
	if c.session == nil || c.session.Remote() != peer {
		return nil
	}

	return c.session
}

// HandleRequestStream makes this device the streamer for the requesting peer.
func (h handler) HandleRequestStream(env signal.Envelope) {
	c := h.c

	if s := c.active(env.From); s != nil && s.Role() == negotiation.Streamer {
		s.RequestOffer()

		return
	}

	if c.session != nil {
		c.log.Infof("stream request from %s replaces session with %s", env.From, c.session.Remote())
		c.replace(env.From)
	}

	c.newSession(negotiation.Streamer, env.From, nil).Start()
}

func (h handler) HandleOffer(env signal.Envelope) {
	c := h.c

	if s := c.active(env.From); s != nil && s.Role() == negotiation.Viewer {
		if s.OfferFingerprint() == (negotiation.Description{SDP: env.SDP}).Fingerprint() {
			c.log.Debugf("duplicate offer from %s ignored", env.From)

			return
		}

		c.log.Infof("new offer from %s, renegotiating", env.From)
	}

	c.replace(env.From)

	if c.requested != "" && c.requested != env.From {
		c.log.Warnf("offer from %s while waiting for %s", env.From, c.requested)
	}

	var early []negotiation.Candidate
	if c.requested == env.From {
		early = c.early
	}

	c.requested = ""
	c.early = nil

	c.router.Bind(env.From)
	c.newSession(negotiation.Viewer, env.From, early).AcceptOffer(env)
}

func (h handler) HandleAnswer(env signal.Envelope) {
	c := h.c

	s := c.active(env.From)
	if s == nil {
		c.log.Warnf("answer from %s without a matching session", env.From)

		return
	}

	s.HandleAnswer(env)
}

func (h handler) HandleICE(env signal.Envelope) {
	c := h.c

	if s := c.active(env.From); s != nil {
		s.HandleICE(env)

		return
	}

	if c.requested != "" && c.requested == env.From {
		if len(c.early) >= maxEarlyCandidates {
			c.log.Warnf("too many early candidates from %s, dropping", env.From)

			return
		}

		c.early = append(c.early, negotiation.CandidateFromEnvelope(env))

		return
	}

	c.log.Debugf("candidate from %s without a session dropped", env.From)
}

func (h handler) HandleSwitchCamera(env signal.Envelope) {
	c := h.c

	s := c.active(env.From)
	if s == nil || s.Role() != negotiation.Streamer {
		c.log.Warnf("switch camera from %s ignored", env.From)

		return
	}

	s.SwitchCamera(func(ok bool) {
		c.log.Infof("camera switch requested by %s, ok=%t", env.From, ok)
	})
}

func (h handler) HandleDisconnect(env signal.Envelope) {
	c := h.c

	if c.requested == env.From {
		c.requested = ""
		c.early = nil
	}

	s := c.active(env.From)
	if s == nil {
		c.log.Debugf("disconnect from %s without a session", env.From)

		return
	}

	s.RemoteClosed()
}

func (h handler) HandlePresence(env signal.Envelope) {
	h.c.onPresence(env)
}
