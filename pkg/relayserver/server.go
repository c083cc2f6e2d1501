// Server is a minimal signaling relay for development and tests. Devices
// connect to /ws with deviceId and token query parameters; every envelope they
// send is stamped with their device id and forwarded to the device named in
// toDeviceId, or to every other device for broadcast kinds. Joins and leaves
// are announced with PRESENCE.

package relayserver

import (
	"context"
	"net/http"
	"sync"
	"time"

	"manyeyes/pkg/log"
	"manyeyes/pkg/signal"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const sendBuffer = 64

type ServerConfig struct {
	Addr string

	// Authorize decides whether token is valid for deviceID. Every device is
	// accepted when nil.
	Authorize func(deviceID, token string) bool
}

type Server struct {
	cfg      ServerConfig
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*client

	log *logrus.Entry
}

type client struct {
	id       string
	deviceID string
	conn     *websocket.Conn
	send     chan []byte
	once     sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

func NewServer(cfg ServerConfig) *Server {
	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]*client),
		log:     log.WithFields(log.Fields{"component": "relayserver"}),
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.serveWS)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	return r
}

// ListenAndServe serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)

	go func() {
		s.log.Infof("relay listening on %s", s.cfg.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

// Online returns the ids of connected devices.
func (s *Server) Online() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}

	return ids
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("deviceId")
	token := r.URL.Query().Get("token")

	if deviceID == "" || token == "" {
		http.Error(w, "deviceId and token are required", http.StatusUnauthorized)

		return
	}

	if s.cfg.Authorize != nil && !s.cfg.Authorize(deviceID, token) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)

		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("upgrade failed")

		return
	}

	c := &client{
		id:       uuid.New().String(),
		deviceID: deviceID,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
	}

	l := s.log.WithFields(log.Fields{"device": deviceID, "conn": c.id})
	l.Info("device connected")

	s.join(c)

	go s.writePump(c)

	defer func() {
		s.leave(c)
		_ = conn.Close()
		l.Info("device disconnected")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				l.WithError(err).Warn("unexpected close")
			}

			return
		}

		for _, line := range signal.SplitFrame(data) {
			env, err := signal.ParseEnvelope(line)
			if err != nil {
				l.WithError(err).Warn("dropping malformed envelope")

				continue
			}

			env.From = deviceID
			s.forward(env)
		}
	}
}

func (s *Server) writePump(c *client) {
	for frame := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))

		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			_ = c.conn.Close()

			for range c.send {
			}

			return
		}
	}
}

// join replaces an older connection of the same device.
func (s *Server) join(c *client) {
	s.mu.Lock()
	if old, ok := s.clients[c.deviceID]; ok {
		old.close()
		_ = old.conn.Close()
	}
	s.clients[c.deviceID] = c
	s.mu.Unlock()

	s.forward(signal.Envelope{Kind: signal.KindPresence, From: c.deviceID})
}

func (s *Server) leave(c *client) {
	s.mu.Lock()
	current := s.clients[c.deviceID] == c
	if current {
		delete(s.clients, c.deviceID)
	}
	c.close()
	s.mu.Unlock()

	if current {
		s.forward(signal.Envelope{Kind: signal.KindPresence, From: c.deviceID})
	}
}

func (s *Server) forward(env signal.Envelope) {
	frame, err := env.Marshal()
	if err != nil {
		s.log.WithError(err).Error("encode envelope")

		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if env.To != "" {
		c, ok := s.clients[env.To]
		if !ok {
			s.log.Debugf("%s for offline device %s dropped", env.Kind, env.To)

			return
		}

		s.deliver(c, frame)

		return
	}

	if !env.Kind.Broadcast() {
		return
	}

	for id, c := range s.clients {
		if id != env.From {
			s.deliver(c, frame)
		}
	}
}

// deliver is called with s.mu held, so c.send is still open.
func (s *Server) deliver(c *client, frame []byte) {
	select {
	case c.send <- frame:
	default:
		s.log.Warnf("device %s is not keeping up, dropping frame", c.deviceID)
	}
}
