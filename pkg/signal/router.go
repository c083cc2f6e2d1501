package signal

import (
	"manyeyes/pkg/log"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Handler receives envelopes that passed the router's filters, one method per
// kind. Envelopes reaching a handler are addressed to the local device (or are
// broadcasts), carry a sender other than the local device and are valid for
// their kind.
type Handler interface {
	HandleRequestStream(env Envelope)
	HandleOffer(env Envelope)
	HandleAnswer(env Envelope)
	HandleICE(env Envelope)
	HandleSwitchCamera(env Envelope)
	HandleDisconnect(env Envelope)
	HandlePresence(env Envelope)
}

// Sender transmits an envelope whose target has already been resolved.
type Sender interface {
	Send(env Envelope) error
}

// Router is not safe for concurrent use; it lives on the coordinator's control
// loop together with the session it routes for.
type Router struct {
	local   string
	sender  Sender
	handler Handler

	// bound is the peer learned from the most recent OFFER. lingering keeps a
	// released binding alive for a single DISCONNECT echo.
	bound     string
	lingering string

	log *logrus.Entry
}

func NewRouter(local string, sender Sender, handler Handler) *Router {
	return &Router{
		local:   local,
		sender:  sender,
		handler: handler,
		log:     log.WithFields(log.Fields{"component": "router"}),
	}
}

func (r *Router) SetLocalID(id string) {
	r.local = id
}

func (r *Router) Bind(peerID string) {
	if r.bound != "" && r.bound != peerID {
		r.log.Infof("rebinding outbound routing %s -> %s", r.bound, peerID)
	}

	r.bound = peerID
	r.lingering = ""
}

// Release drops the outbound binding. The released peer still receives the
// next DISCONNECT, after which it is forgotten.
func (r *Router) Release() {
	if r.bound != "" {
		r.lingering = r.bound
	}

	r.bound = ""
}

// Forget drops the binding without keeping it for an echo.
func (r *Router) Forget() {
	r.bound = ""
	r.lingering = ""
}

func (r *Router) Bound() string {
	return r.bound
}

// RouteFrame parses every envelope carried by a relay frame and routes them in
// order.
func (r *Router) RouteFrame(frame []byte) {
	for _, line := range SplitFrame(frame) {
		env, err := ParseEnvelope(line)
		if err != nil {
			r.log.WithError(err).Warn("dropping inbound frame")

			continue
		}

		r.Route(env)
	}
}

func (r *Router) Route(env Envelope) {
	if err := env.Validate(); err != nil {
		r.log.WithError(err).Warnf("dropping invalid %s", env.Kind)

		return
	}

	if env.To != "" && env.To != r.local {
		r.log.Debugf("dropping %s not addressed to us (to=%s from=%s)", env.Kind, env.To, env.From)

		return
	}

	if env.From == r.local {
		r.log.Warnf("dropping %s sent by ourselves", env.Kind)

		return
	}

	if env.From == "" && !env.Kind.Broadcast() {
		r.log.Warnf("dropping %s without sender", env.Kind)

		return
	}

	switch env.Kind {
	case KindRequestStream:
		r.handler.HandleRequestStream(env)
	case KindOffer:
		r.handler.HandleOffer(env)
	case KindAnswer:
		r.handler.HandleAnswer(env)
	case KindICE:
		r.handler.HandleICE(env)
	case KindSwitchCamera:
		r.handler.HandleSwitchCamera(env)
	case KindDisconnect:
		r.handler.HandleDisconnect(env)
	case KindPresence:
		r.handler.HandlePresence(env)
	}
}

// Send stamps the local identity, corrects the target of pinned kinds and
// refuses anything that would loop back to this device.
func (r *Router) Send(env Envelope) error {
	env.From = r.local

	if env.Kind.pinned() {
		pin := r.bound
		if pin == "" && env.Kind == KindDisconnect {
			pin = r.lingering
			r.lingering = ""
		}

		if pin != "" && pin != env.To {
			if env.To != "" {
				r.log.Warnf("outbound %s target %s overridden to %s", env.Kind, env.To, pin)
			}

			env.To = pin
		}
	}

	if env.To == "" && !env.Kind.Broadcast() {
		r.log.Errorf("refusing to send %s without target", env.Kind)

		return errors.Wrapf(ErrMissingTarget, "send %s", env.Kind)
	}

	if env.To == r.local {
		r.log.Errorf("refusing to send %s to ourselves (%s)", env.Kind, r.local)

		return errors.Wrapf(ErrSelfTarget, "send %s", env.Kind)
	}

	return errors.Wrapf(r.sender.Send(env), "send %s", env.Kind)
}
