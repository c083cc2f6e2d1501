package negotiation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

type SDPType string

const (
	SDPOffer  SDPType = "offer"
	SDPAnswer SDPType = "answer"
)

type Description struct {
	Type SDPType
	SDP  string
}

// Fingerprint identifies a description for duplicate detection only.
func (d Description) Fingerprint() string {
	sum := sha256.Sum256([]byte(d.SDP))

	return hex.EncodeToString(sum[:])
}

type Candidate struct {
	Candidate     string
	SDPMid        *string
	SDPMLineIndex *uint16
}

type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

type ConnectionState int

const (
	ConnectionNew ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionDisconnected
	ConnectionFailed
	ConnectionClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionNew:
		return "new"
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionFailed:
		return "failed"
	case ConnectionClosed:
		return "closed"
	}

	return "unknown"
}

// RemoteTrack is a media track received from the streamer.
type RemoteTrack interface {
	Kind() string
	ID() string
}

// TransportHandlers are invoked by the media engine from its own goroutines.
type TransportHandlers struct {
	OnCandidate       func(Candidate)
	OnConnectionState func(ConnectionState)
	OnTrack           func(RemoteTrack)
}

// MediaEngine creates peer transports.
type MediaEngine interface {
	CreateTransport(ctx context.Context, ice []ICEServer, h TransportHandlers) (Transport, error)
}

// Transport is one peer connection and its local media.
type Transport interface {
	// AttachLocalTracks reports whether at least one track was attached.
	AttachLocalTracks(wantAudio, wantVideo bool) (bool, error)
	PrepareReceiveOnly(wantAudio, wantVideo bool) error
	CreateOffer(wantAudio, wantVideo bool) (Description, error)
	CreateAnswer() (Description, error)
	SetLocalDescription(Description) error
	SetRemoteDescription(Description) error
	AddICECandidate(Candidate) error
	SwitchCamera(done func(ok bool))
	Close() error
}

// ICEProvider resolves the ICE servers for a new transport. It may go to the
// network (TURN credentials) and is only called off the control path.
type ICEProvider interface {
	ICEServers(ctx context.Context) ([]ICEServer, error)
}

type StaticICE []ICEServer

func (s StaticICE) ICEServers(context.Context) ([]ICEServer, error) {
	return s, nil
}
