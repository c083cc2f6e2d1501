package negotiation

type Role int

const (
	Streamer Role = iota
	Viewer
)

func (r Role) String() string {
	if r == Streamer {
		return "streamer"
	}

	return "viewer"
}

type State int

const (
	Idle State = iota
	Negotiating
	Offered
	Answering
	Answered
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Negotiating:
		return "negotiating"
	case Offered:
		return "offered"
	case Answering:
		return "answering"
	case Answered:
		return "answered"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	}

	return "unknown"
}

// Active reports whether a session in this state holds or is building a
// transport.
func (s State) Active() bool {
	return s != Idle && s != Closed
}
