package peer

import (
	"context"
	"strings"
	"sync"
	"time"

	"manyeyes/pkg/log"
	"manyeyes/pkg/negotiation"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type EngineConfig struct {
	// Cameras are IVF (VP8) files played in a loop; SwitchCamera cycles
	// through them.
	Cameras []string

	// Microphone is an Ogg (Opus) file played in a loop.
	Microphone string

	// RecordDir receives remote tracks as .ivf/.ogg files. Remote media is
	// read and discarded when empty.
	RecordDir string
}

// Engine creates pion peer connections for negotiation sessions.
type Engine struct {
	cfg EngineConfig
	api *webrtc.API

	mu     sync.Mutex
	camera int

	log *logrus.Entry
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	media := &webrtc.MediaEngine{}

	if err := media.RegisterDefaultCodecs(); err != nil {
		return nil, errors.Wrap(err, "register codecs")
	}

	settings := webrtc.SettingEngine{
		LoggerFactory: log.PionFactory(),
	}

	settings.SetICETimeouts(10*time.Second, 25*time.Second, 2*time.Second)

	return &Engine{
		cfg: cfg,
		api: webrtc.NewAPI(webrtc.WithMediaEngine(media), webrtc.WithSettingEngine(settings)),
		log: log.WithFields(log.Fields{"component": "engine"}),
	}, nil
}

// currentCamera is shared by all transports so a switch survives
// renegotiation.
func (e *Engine) currentCamera() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.cfg.Cameras) == 0 {
		return ""
	}

	return e.cfg.Cameras[e.camera%len(e.cfg.Cameras)]
}

func (e *Engine) nextCamera() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.cfg.Cameras) < 2 {
		return false
	}

	e.camera = (e.camera + 1) % len(e.cfg.Cameras)

	return true
}

func (e *Engine) CreateTransport(_ context.Context, ice []negotiation.ICEServer, h negotiation.TransportHandlers) (negotiation.Transport, error) {
	servers := make([]webrtc.ICEServer, len(ice))

	for i, s := range ice {
		servers[i] = webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		}
	}

	conn, err := e.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: servers,
	})
	if err != nil {
		return nil, errors.Wrap(err, "new peer connection")
	}

	t := &transport{
		engine:   e,
		conn:     conn,
		handlers: h,
		switched: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	conn.OnICECandidate(t.onICECandidate)
	conn.OnConnectionStateChange(t.onConnStateChange)
	conn.OnTrack(t.onTrack)

	return t, nil
}

type transport struct {
	engine   *Engine
	conn     *webrtc.PeerConnection
	handlers negotiation.TransportHandlers

	switched chan struct{}
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

func (t *transport) AttachLocalTracks(wantAudio, wantVideo bool) (bool, error) {
	attached := false

	if wantVideo && t.engine.currentCamera() != "" {
		track, err := t.addTrack(webrtc.MimeTypeVP8, "video")
		if err != nil {
			return false, err
		}

		t.run(func() { playCamera(t.done, t.switched, track, t.engine.currentCamera) })
		attached = true
	}

	if wantAudio && t.engine.cfg.Microphone != "" {
		track, err := t.addTrack(webrtc.MimeTypeOpus, "audio")
		if err != nil {
			return false, err
		}

		t.run(func() { playMicrophone(t.done, track, t.engine.cfg.Microphone) })
		attached = true
	}

	return attached, nil
}

func (t *transport) addTrack(mime, id string) (*webrtc.TrackLocalStaticSample, error) {
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, "manyeyes")
	if err != nil {
		return nil, errors.Wrapf(err, "%s track", id)
	}

	sender, err := t.conn.AddTrack(track)
	if err != nil {
		return nil, errors.Wrapf(err, "add %s track", id)
	}

	// RTCP has to be read for interceptors to work.
	t.run(func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	})

	return track, nil
}

func (t *transport) PrepareReceiveOnly(wantAudio, wantVideo bool) error {
	recvonly := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}

	if wantVideo {
		if _, err := t.conn.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, recvonly); err != nil {
			return errors.Wrap(err, "video transceiver")
		}
	}

	if wantAudio {
		if _, err := t.conn.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, recvonly); err != nil {
			return errors.Wrap(err, "audio transceiver")
		}
	}

	return nil
}

func (t *transport) CreateOffer(bool, bool) (negotiation.Description, error) {
	offer, err := t.conn.CreateOffer(nil)
	if err != nil {
		return negotiation.Description{}, err
	}

	return negotiation.Description{Type: negotiation.SDPOffer, SDP: offer.SDP}, nil
}

func (t *transport) CreateAnswer() (negotiation.Description, error) {
	answer, err := t.conn.CreateAnswer(nil)
	if err != nil {
		return negotiation.Description{}, err
	}

	return negotiation.Description{Type: negotiation.SDPAnswer, SDP: answer.SDP}, nil
}

func sessionDescription(d negotiation.Description) webrtc.SessionDescription {
	sdpType := webrtc.SDPTypeOffer
	if d.Type == negotiation.SDPAnswer {
		sdpType = webrtc.SDPTypeAnswer
	}

	return webrtc.SessionDescription{Type: sdpType, SDP: d.SDP}
}

func (t *transport) SetLocalDescription(d negotiation.Description) error {
	return t.conn.SetLocalDescription(sessionDescription(d))
}

func (t *transport) SetRemoteDescription(d negotiation.Description) error {
	return t.conn.SetRemoteDescription(sessionDescription(d))
}

func (t *transport) AddICECandidate(c negotiation.Candidate) error {
	return t.conn.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

func (t *transport) SwitchCamera(done func(ok bool)) {
	if !t.engine.nextCamera() {
		done(false)

		return
	}

	select {
	case t.switched <- struct{}{}:
	default:
	}

	t.engine.log.Infof("camera switched to %s", t.engine.currentCamera())
	done(true)
}

func (t *transport) Close() error {
	var err error

	t.once.Do(func() {
		close(t.done)
		err = t.conn.Close()
	})

	t.wg.Wait()

	return err
}

func (t *transport) run(fn func()) {
	t.wg.Add(1)

	go func() {
		defer t.wg.Done()

		fn()
	}()
}

func (t *transport) onICECandidate(candidate *webrtc.ICECandidate) {
	if candidate == nil {
		return
	}

	init := candidate.ToJSON()

	t.handlers.OnCandidate(negotiation.Candidate{
		Candidate:     init.Candidate,
		SDPMid:        init.SDPMid,
		SDPMLineIndex: init.SDPMLineIndex,
	})
}

func (t *transport) onConnStateChange(state webrtc.PeerConnectionState) {
	var cs negotiation.ConnectionState

	switch state {
	case webrtc.PeerConnectionStateConnecting:
		cs = negotiation.ConnectionConnecting
	case webrtc.PeerConnectionStateConnected:
		cs = negotiation.ConnectionConnected
	case webrtc.PeerConnectionStateDisconnected:
		cs = negotiation.ConnectionDisconnected
	case webrtc.PeerConnectionStateFailed:
		cs = negotiation.ConnectionFailed
	case webrtc.PeerConnectionStateClosed:
		cs = negotiation.ConnectionClosed
	default:
		cs = negotiation.ConnectionNew
	}

	t.handlers.OnConnectionState(cs)
}

func (t *transport) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	sink, err := newSink(t.engine.cfg.RecordDir, track)
	if err != nil {
		t.engine.log.WithError(err).Warnf("cannot record %s track, discarding", track.Kind())
		sink = nil
	}

	t.run(func() { drain(track, sink) })

	t.handlers.OnTrack(remoteTrack{track})
}

type remoteTrack struct {
	track *webrtc.TrackRemote
}

func (r remoteTrack) Kind() string { return r.track.Kind().String() }
func (r remoteTrack) ID() string   { return r.track.ID() }

func (r remoteTrack) Codec() string {
	return strings.ToLower(r.track.Codec().MimeType)
}
