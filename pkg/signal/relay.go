package signal

import (
	"context"
	"net/url"
	"sync"
	"time"

	"manyeyes/pkg/log"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Credentials identify the device towards the relay. Both fields travel as
// query parameters of the websocket URL.
type Credentials struct {
	DeviceID string
	Token    string
}

func (c Credentials) Valid() bool {
	return c.DeviceID != "" && c.Token != ""
}

type RelayEventKind int

const (
	RelayConnected RelayEventKind = iota
	RelayDisconnected
)

func (k RelayEventKind) String() string {
	if k == RelayConnected {
		return "connected"
	}

	return "disconnected"
}

type RelayEvent struct {
	Kind RelayEventKind
	Err  error
}

type RelayConfig struct {
	// URL is the relay base, e.g. wss://relay.example.com; "/ws" is appended
	// when the URL has no path.
	URL string

	DialTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
	PongWait     time.Duration
}

func (c RelayConfig) withDefaults() RelayConfig {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.PongWait <= c.PingInterval {
		c.PongWait = c.PingInterval * 3 / 2
	}

	return c
}

// Relay owns the single persistent connection to the signaling relay. Sends
// never fail because the relay is unreachable: they are kept in an outbox and
// flushed in order once Connect succeeds.
type Relay struct {
	cfg    RelayConfig
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	epoch   uint64
	outbox  [][]byte
	closed  bool
	onMsg   func([]byte)
	onEvent func(RelayEvent)

	log *logrus.Entry
}

func NewRelay(cfg RelayConfig) *Relay {
	cfg = cfg.withDefaults()

	return &Relay{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.DialTimeout,
		},
		onMsg:   func([]byte) {},
		onEvent: func(RelayEvent) {},
		log:     log.WithFields(log.Fields{"component": "relay"}),
	}
}

// OnMessage sets the receiver of inbound frames. It is called from the read
// goroutine and must not block for long.
func (r *Relay) OnMessage(h func([]byte)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.onMsg = h
}

// OnEvent sets the receiver of connection state changes.
func (r *Relay) OnEvent(h func(RelayEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.onEvent = h
}

func (r *Relay) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.conn != nil
}

// Pending returns the number of frames waiting in the outbox.
func (r *Relay) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.outbox)
}

func (r *Relay) dialURL(creds Credentials) (string, error) {
	u, err := url.Parse(r.cfg.URL)
	if err != nil {
		return "", errors.Wrap(err, "relay url")
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}

	q := u.Query()
	q.Set("deviceId", creds.DeviceID)
	q.Set("token", creds.Token)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// Connect dials the relay and, on success, flushes the outbox before any new
// send can interleave. A previous connection is replaced. Connect blocks for
// the duration of the handshake and must not run on the path that delivers
// inbound envelopes.
func (r *Relay) Connect(ctx context.Context, creds Credentials) error {
	if !creds.Valid() {
		return errors.New("relay credentials incomplete")
	}

	target, err := r.dialURL(creds)
	if err != nil {
		return err
	}

	conn, _, err := r.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return errors.Wrap(err, "dial relay")
	}

	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()
		_ = conn.Close()

		return ErrRelayClosed
	}

	if r.conn != nil {
		_ = r.conn.Close()
	}

	r.epoch++
	epoch := r.epoch
	r.conn = conn

	if err := r.flushLocked(); err != nil {
		r.dropLocked()
		r.mu.Unlock()

		return errors.Wrap(err, "flush outbox")
	}

	onEvent := r.onEvent
	r.mu.Unlock()

	r.log.Infof("connected to relay as %s", creds.DeviceID)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(r.cfg.PongWait))
	})

	stop := make(chan struct{})
	go r.readLoop(conn, epoch, stop)
	go r.pingLoop(conn, epoch, stop)

	onEvent(RelayEvent{Kind: RelayConnected})

	return nil
}

func (r *Relay) flushLocked() error {
	if len(r.outbox) > 0 {
		r.log.Infof("flushing %d queued envelopes", len(r.outbox))
	}

	for len(r.outbox) > 0 {
		if err := r.writeLocked(r.outbox[0]); err != nil {
			return err
		}

		r.outbox[0] = nil
		r.outbox = r.outbox[1:]
	}

	r.outbox = nil

	return nil
}

func (r *Relay) writeLocked(frame []byte) error {
	if err := r.conn.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout)); err != nil {
		return err
	}

	return r.conn.WriteMessage(websocket.TextMessage, frame)
}

func (r *Relay) dropLocked() {
	if r.conn == nil {
		return
	}

	_ = r.conn.Close()
	r.conn = nil
	r.epoch++
}

func (r *Relay) Send(env Envelope) error {
	frame, err := env.Marshal()
	if err != nil {
		return errors.Wrap(err, "encode envelope")
	}

	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()

		return ErrRelayClosed
	}

	if r.conn == nil {
		r.outbox = append(r.outbox, frame)
		r.mu.Unlock()
		r.log.Debugf("queued %s for %s (%d pending)", env.Kind, env.To, len(r.outbox))

		return nil
	}

	if err := r.writeLocked(frame); err != nil {
		r.outbox = append([][]byte{frame}, r.outbox...)
		r.dropLocked()
		onEvent := r.onEvent
		r.mu.Unlock()

		r.log.WithError(err).Warnf("write failed, %s queued for reconnect", env.Kind)
		onEvent(RelayEvent{Kind: RelayDisconnected, Err: err})

		return nil
	}

	r.mu.Unlock()

	return nil
}

// Disconnect drops the current connection but keeps the outbox, so a
// reconnect with fresh credentials resumes where this one stopped. No event is
// emitted for a deliberate disconnect.
func (r *Relay) Disconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.dropLocked()
}

func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	r.closed = true
	r.outbox = nil

	if r.conn == nil {
		return nil
	}

	_ = r.conn.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
	_ = r.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))

	r.dropLocked()

	return nil
}

func (r *Relay) readLoop(conn *websocket.Conn, epoch uint64, stop chan struct{}) {
	defer close(stop)

	_ = conn.SetReadDeadline(time.Now().Add(r.cfg.PongWait))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			r.lost(epoch, err)

			return
		}

		r.mu.Lock()
		current := r.epoch == epoch
		onMsg := r.onMsg
		r.mu.Unlock()

		if !current {
			return
		}

		onMsg(data)
	}
}

func (r *Relay) pingLoop(conn *websocket.Conn, epoch uint64, stop chan struct{}) {
	ticker := time.NewTicker(r.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		r.mu.Lock()
		if r.epoch != epoch {
			r.mu.Unlock()

			return
		}

		err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(r.cfg.WriteTimeout))
		r.mu.Unlock()

		if err != nil {
			r.log.WithError(err).Debug("ping failed")

			return
		}
	}
}

// lost reports a broken connection unless it was already superseded or closed
// on purpose.
func (r *Relay) lost(epoch uint64, cause error) {
	r.mu.Lock()

	if r.epoch != epoch || r.closed {
		r.mu.Unlock()

		return
	}

	r.dropLocked()
	onEvent := r.onEvent
	r.mu.Unlock()

	if websocket.IsUnexpectedCloseError(cause, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		r.log.WithError(cause).Warn("relay connection lost")
	} else {
		r.log.WithError(cause).Info("relay connection closed")
	}

	onEvent(RelayEvent{Kind: RelayDisconnected, Err: cause})
}
