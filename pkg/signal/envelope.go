package signal

import (
	"bufio"
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

type Kind string

const (
	KindRequestStream Kind = "REQUEST_STREAM"
	KindOffer         Kind = "OFFER"
	KindAnswer        Kind = "ANSWER"
	KindICE           Kind = "ICE"
	KindSwitchCamera  Kind = "SWITCH_CAMERA"
	KindDisconnect    Kind = "DISCONNECT"
	KindPresence      Kind = "PRESENCE"

	// kindStopStream is sent by older clients and means the same as DISCONNECT.
	kindStopStream Kind = "STOP_STREAM"
)

// Broadcast reports whether envelopes of this kind may omit the destination.
func (k Kind) Broadcast() bool {
	return k == KindPresence
}

// pinned kinds are the ones whose outbound target is forced to the bound peer.
func (k Kind) pinned() bool {
	switch k {
	case KindAnswer, KindICE, KindSwitchCamera, KindDisconnect:
		return true
	}

	return false
}

// Envelope is one signaling message as it travels through the relay. Payload
// fields are flat, matching the wire shape; which of them are set depends on
// Kind (see Validate).
type Envelope struct {
	Kind          Kind    `json:"type"`
	From          string  `json:"fromDeviceId"`
	To            string  `json:"toDeviceId,omitempty"`
	SDP           string  `json:"sdp,omitempty"`
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

func (e Envelope) Validate() error {
	switch e.Kind {
	case KindOffer, KindAnswer:
		if e.SDP == "" {
			return errors.Errorf("%s without sdp", e.Kind)
		}
	case KindICE:
		if e.Candidate == "" {
			return errors.New("ICE without candidate")
		}
		if e.SDPMid == nil && e.SDPMLineIndex == nil {
			return errors.New("ICE without sdpMid or sdpMLineIndex")
		}
	case KindRequestStream, KindSwitchCamera, KindDisconnect, KindPresence:
	default:
		return errors.Errorf("unsupported type %q", e.Kind)
	}

	return nil
}

func (e Envelope) Marshal() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}

	return append(b, '\n'), nil
}

// wireEnvelope accepts the loose shapes older clients produce: a negative
// sdpMLineIndex meaning "unset" and an empty sdpMid.
type wireEnvelope struct {
	Envelope
	SDPMLineIndex *int `json:"sdpMLineIndex,omitempty"`
}

func ParseEnvelope(data []byte) (Envelope, error) {
	var w wireEnvelope

	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, errors.Wrap(ErrMalformed, err.Error())
	}

	env := w.Envelope
	if env.Kind == kindStopStream {
		env.Kind = KindDisconnect
	}

	if w.SDPMLineIndex != nil && *w.SDPMLineIndex >= 0 && *w.SDPMLineIndex <= 0xffff {
		idx := uint16(*w.SDPMLineIndex)
		env.SDPMLineIndex = &idx
	}

	if env.SDPMid != nil && *env.SDPMid == "" {
		env.SDPMid = nil
	}

	if err := env.Validate(); err != nil {
		return Envelope{}, errors.Wrap(ErrMalformed, err.Error())
	}

	return env, nil
}

// SplitFrame returns the newline separated envelopes carried by one frame,
// skipping blank lines.
func SplitFrame(frame []byte) [][]byte {
	var lines [][]byte

	sc := bufio.NewScanner(bytes.NewReader(frame))
	sc.Buffer(make([]byte, 0, 64*1024), len(frame)+1)

	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}

		lines = append(lines, append([]byte(nil), line...))
	}

	return lines
}
