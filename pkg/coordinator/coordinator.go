package coordinator

import (
	"context"
	"sync"
	"time"

	"manyeyes/pkg/log"
	"manyeyes/pkg/negotiation"
	"manyeyes/pkg/signal"
	msync "manyeyes/pkg/sync"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	ErrMissingIdentity    = errors.New("local device id is not configured")
	ErrMissingCredentials = errors.New("relay token is not configured")
	ErrNoSession          = errors.New("no active session")
	ErrStopped            = errors.New("coordinator stopped")

	errRenegotiated = errors.New("peer started a new negotiation")
)

// maxEarlyCandidates bounds the candidates kept for a requested peer whose
// OFFER has not arrived yet.
const maxEarlyCandidates = 64

// Relay is the connection the coordinator signals through. *signal.Relay
// implements it.
type Relay interface {
	Connect(ctx context.Context, creds signal.Credentials) error
	Send(env signal.Envelope) error
	Disconnect()
	Connected() bool
	OnMessage(h func([]byte))
	OnEvent(h func(signal.RelayEvent))
	Close() error
}

type Config struct {
	DeviceID string
	Token    string

	WantAudio bool
	WantVideo bool

	// Reconnect delays grow exponentially from ReconnectMin up to ReconnectMax.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

type Deps struct {
	Relay  Relay
	Engine negotiation.MediaEngine
	ICE    negotiation.ICEProvider
}

// SessionInfo describes a session that has ended.
type SessionInfo struct {
	negotiation.Info

	Reason error
}

type Snapshot struct {
	DeviceID       string
	RelayConnected bool
	Requested      string
	Bound          string
	Session        *negotiation.Info
}

// Coordinator owns at most one negotiation session and serialises everything
// that touches it (inbound envelopes, API calls, media callbacks and async
// continuations) on the goroutine running Run.
type Coordinator struct {
	cfg   Config
	relay Relay
	deps  Deps

	queue *msync.Queue
	done  chan struct{}

	credsMx sync.Mutex
	creds   signal.Credentials

	// Loop-owned state.
	ctx        context.Context
	router     *signal.Router
	session    *negotiation.Session
	generation uint64
	connecting bool
	credsGen   uint64
	requested  string
	early      []negotiation.Candidate

	onEnded    func(SessionInfo)
	onTrack    func(negotiation.RemoteTrack)
	onPresence func(signal.Envelope)

	log *logrus.Entry
}

func New(cfg Config, deps Deps) (*Coordinator, error) {
	if cfg.DeviceID == "" {
		return nil, ErrMissingIdentity
	}

	if cfg.Token == "" {
		return nil, ErrMissingCredentials
	}

	if deps.Relay == nil || deps.Engine == nil {
		return nil, errors.New("coordinator needs a relay and a media engine")
	}

	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 500 * time.Millisecond
	}

	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = 30 * time.Second
	}

	c := &Coordinator{
		cfg:        cfg,
		relay:      deps.Relay,
		deps:       deps,
		queue:      msync.NewQueue(),
		done:       make(chan struct{}),
		creds:      signal.Credentials{DeviceID: cfg.DeviceID, Token: cfg.Token},
		onEnded:    func(SessionInfo) {},
		onTrack:    func(negotiation.RemoteTrack) {},
		onPresence: func(signal.Envelope) {},
		log:        log.WithFields(log.Fields{"component": "coordinator", "device": cfg.DeviceID}),
	}

	c.router = signal.NewRouter(cfg.DeviceID, deps.Relay, handler{c})

	c.relay.OnMessage(func(frame []byte) {
		c.post(func() { c.router.RouteFrame(frame) })
	})
	c.relay.OnEvent(func(ev signal.RelayEvent) {
		c.post(func() { c.relayEvent(ev) })
	})

	return c, nil
}

func (c *Coordinator) post(fn func()) {
	c.queue.Push(fn)
}

// do runs fn on the control loop and waits for its result.
func (c *Coordinator) do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	c.post(func() { errc <- fn() })

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
}

func (c *Coordinator) OnSessionEnded(h func(SessionInfo)) {
	c.post(func() { c.onEnded = h })
}

func (c *Coordinator) OnRemoteTrack(h func(negotiation.RemoteTrack)) {
	c.post(func() { c.onTrack = h })
}

func (c *Coordinator) OnPresence(h func(signal.Envelope)) {
	c.post(func() { c.onPresence = h })
}

// Run connects the relay and runs the control loop until ctx is done. The
// active session is closed and the relay shut down on the way out.
func (c *Coordinator) Run(ctx context.Context) error {
	c.log.Info("coordinator started")
	defer c.log.Info("coordinator stopped")

	c.ctx = ctx
	c.connect()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()

			return nil
		case <-c.queue.Ready():
			for _, fn := range c.queue.Take() {
				fn()
			}
		}
	}
}

func (c *Coordinator) shutdown() {
	for _, fn := range c.queue.Take() {
		fn()
	}

	if c.session != nil {
		c.session.Close(nil)
	}

	if err := c.relay.Close(); err != nil {
		c.log.WithError(err).Warn("close relay")
	}

	close(c.done)

	// Continuations still in flight only dispose what they produced.
	for _, fn := range c.queue.Take() {
		fn()
	}
}

func (c *Coordinator) stopped() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Coordinator) credentials() signal.Credentials {
	c.credsMx.Lock()
	defer c.credsMx.Unlock()

	return c.creds
}

func (c *Coordinator) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.ReconnectMin
	b.MaxInterval = c.cfg.ReconnectMax
	b.MaxElapsedTime = 0

	return backoff.WithContext(b, c.ctx)
}

// connect dials the relay off the loop, retrying until it succeeds or Run's
// context ends.
func (c *Coordinator) connect() {
	if c.connecting || c.stopped() {
		return
	}

	c.connecting = true
	ctx, gen := c.ctx, c.credsGen

	go func() {
		err := backoff.RetryNotify(func() error {
			return c.relay.Connect(ctx, c.credentials())
		}, c.newBackOff(), func(err error, next time.Duration) {
			c.log.WithError(err).Warnf("relay unreachable, retrying in %s", next)
		})

		c.post(func() { c.connectDone(gen, err) })
	}()
}

func (c *Coordinator) connectDone(gen uint64, err error) {
	c.connecting = false

	if err != nil {
		if c.ctx.Err() == nil {
			c.log.WithError(err).Error("giving up on relay")
		}

		return
	}

	// A connection lost before this point, or made with outdated credentials,
	// is replaced.
	if gen != c.credsGen || !c.relay.Connected() {
		c.log.Info("relay connection outdated, reconnecting")
		c.relay.Disconnect()
		c.connect()
	}
}

func (c *Coordinator) relayEvent(ev signal.RelayEvent) {
	if ev.Kind != signal.RelayDisconnected || c.stopped() {
		return
	}

	c.log.WithError(ev.Err).Warn("relay lost, reconnecting")
	c.connect()
}

// UpdateCredentials reconnects the relay with new credentials. Queued
// outbound envelopes and the active session are kept.
func (c *Coordinator) UpdateCredentials(ctx context.Context, creds signal.Credentials) error {
	if creds.DeviceID == "" {
		return ErrMissingIdentity
	}

	if creds.Token == "" {
		return ErrMissingCredentials
	}

	return c.do(ctx, func() error {
		c.credsMx.Lock()
		prev := c.creds
		c.creds = creds
		c.credsMx.Unlock()

		if prev.DeviceID != creds.DeviceID {
			c.log.Infof("local identity %s -> %s", prev.DeviceID, creds.DeviceID)
			c.router.SetLocalID(creds.DeviceID)
		}

		c.credsGen++

		if c.connecting {
			return nil
		}

		c.relay.Disconnect()
		c.connect()

		return nil
	})
}

// HandleEnvelope routes env as if it had arrived from the relay.
func (c *Coordinator) HandleEnvelope(env signal.Envelope) {
	c.post(func() { c.router.Route(env) })
}

// RequestStream asks remote to stream to this device. An active session with
// any other peer, or in the streamer role, is torn down first.
func (c *Coordinator) RequestStream(ctx context.Context, remote string) error {
	return c.do(ctx, func() error {
		if remote == "" {
			return errors.Wrap(signal.ErrMissingTarget, "request stream")
		}

		if remote == c.credentials().DeviceID {
			return errors.Wrap(signal.ErrSelfTarget, "request stream")
		}

		if s := c.session; s != nil {
			if s.Role() == negotiation.Viewer && s.Remote() == remote {
				c.log.Infof("already viewing %s", remote)

				return nil
			}

			s.Replaced()
		}

		if c.requested != remote {
			c.early = nil
		}

		c.requested = remote

		return c.router.Send(signal.Envelope{Kind: signal.KindRequestStream, To: remote})
	})
}

// SwitchCamera switches the local camera when streaming, or asks the
// streamer to switch when viewing.
func (c *Coordinator) SwitchCamera(ctx context.Context) error {
	return c.do(ctx, func() error {
		s := c.session
		if s == nil {
			return ErrNoSession
		}

		if s.Role() == negotiation.Viewer {
			return c.router.Send(signal.Envelope{Kind: signal.KindSwitchCamera, To: s.Remote()})
		}

		s.SwitchCamera(func(ok bool) {
			if !ok {
				c.log.Warn("camera switch failed")
			}
		})

		return nil
	})
}

// Disconnect ends the active session, telling the peer, and forgets a
// pending stream request.
func (c *Coordinator) Disconnect(ctx context.Context) error {
	return c.do(ctx, func() error {
		pending := c.requested
		c.requested = ""
		c.early = nil

		if c.session != nil {
			c.session.Close(nil)

			return nil
		}

		if pending == "" {
			return ErrNoSession
		}

		return c.router.Send(signal.Envelope{Kind: signal.KindDisconnect, To: pending})
	})
}

func (c *Coordinator) State(ctx context.Context) (Snapshot, error) {
	var snap Snapshot

	err := c.do(ctx, func() error {
		snap = Snapshot{
			DeviceID:       c.credentials().DeviceID,
			RelayConnected: c.relay.Connected(),
			Requested:      c.requested,
			Bound:          c.router.Bound(),
		}

		if c.session != nil {
			info := c.session.Info()
			snap.Session = &info
		}

		return nil
	})

	return snap, err
}

func (c *Coordinator) newSession(role negotiation.Role, remote string, early []negotiation.Candidate) *negotiation.Session {
	c.generation++

	s := negotiation.New(negotiation.Config{
		Role:       role,
		Remote:     remote,
		Generation: c.generation,
		WantAudio:  c.cfg.WantAudio,
		WantVideo:  c.cfg.WantVideo,
		Engine:     c.deps.Engine,
		ICE:        c.deps.ICE,
		Sender:     c.router,
		Exec:       executor{c},
		Early:      early,
		Hooks: negotiation.Hooks{
			OnClosed: c.sessionClosed,
			OnTrack: func(_ *negotiation.Session, track negotiation.RemoteTrack) {
				c.onTrack(track)
			},
		},
	})

	c.session = s

	return s
}

// sessionClosed releases everything tied to s. The peer is told unless it
// was the one that disconnected.
func (c *Coordinator) sessionClosed(s *negotiation.Session, reason error) {
	if c.session != s {
		return
	}

	c.session = nil

	if errors.Is(reason, negotiation.ErrRemoteClosed) || errors.Is(reason, errRenegotiated) {
		c.router.Forget()
	} else {
		c.router.Release()

		if err := c.router.Send(signal.Envelope{Kind: signal.KindDisconnect, To: s.Remote()}); err != nil {
			c.log.WithError(err).Warn("disconnect echo")
		}
	}

	c.onEnded(SessionInfo{Info: s.Info(), Reason: reason})
}

// replace closes the active session ahead of a new one with next. The peer is
// only told when it is not the one the new session talks to.
func (c *Coordinator) replace(next string) {
	s := c.session
	if s == nil {
		return
	}

	if s.Remote() == next {
		s.Close(errRenegotiated)

		return
	}

	s.Replaced()
}

// executor runs session work on goroutines and continuations on the loop.
type executor struct {
	c *Coordinator
}

func (e executor) Go(work func() func()) {
	go func() {
		if cont := work(); cont != nil {
			e.c.post(cont)
		}
	}()
}

func (e executor) Post(fn func()) {
	e.c.post(fn)
}
