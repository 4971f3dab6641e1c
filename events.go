package collab

// Status is the connection health of a session. It is the only state an
// application needs to watch for health monitoring.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusHandshaking
	StatusSynced
	StatusReconnecting
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusHandshaking:
		return "handshaking"
	case StatusSynced:
		return "synced"
	case StatusReconnecting:
		return "reconnecting"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is one entry in a session's ordered event stream. Events caused
// by the same inbound frame are delivered in the order their effects
// occurred. The stream is never dropped: when the consumer falls behind,
// the session blocks rather than discard events. The channel closes
// after Close, and nothing is delivered afterward.
type Event interface {
	event()
}

// DocumentUpdated reports the full document content after a local edit
// or a merged remote update.
type DocumentUpdated struct {
	Content string
}

// StatusChanged reports a connection status transition.
type StatusChanged struct {
	Status Status
}

// UserJoined reports a peer appearing on the document.
type UserJoined struct {
	ClientID string
	Presence Presence
}

// UserLeft reports a peer departing, announced or timed out. It is
// emitted exactly once per departure.
type UserLeft struct {
	ClientID string
}

// Error reports a non-fatal problem (a dropped corrupt update, a
// malformed awareness frame) or, before StatusFailed, the terminal
// authentication failure.
type Error struct {
	Err error
}

func (e Error) Error() string { return e.Err.Error() }
func (e Error) Unwrap() error { return e.Err }

func (DocumentUpdated) event() {}
func (StatusChanged) event()   {}
func (UserJoined) event()      {}
func (UserLeft) event()        {}
func (Error) event()           {}
