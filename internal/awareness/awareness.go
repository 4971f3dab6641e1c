// Package awareness tracks ephemeral peer presence for one session:
// who is on the document, their display name and cursor, and when they
// were last heard from. Entries are never persisted and expire after a
// liveness timeout. The tracker is owned by a single session goroutine
// and is not safe for concurrent use.
package awareness

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is the presence record a client broadcasts about itself.
type State struct {
	User   string  `json:"user"`
	Cursor *Cursor `json:"cursor,omitempty"`
}

// Cursor is a selection inside the document, as rune offsets.
type Cursor struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

// frame is the wire form of an awareness payload. A null state announces
// departure.
type frame struct {
	ClientID string `json:"clientId"`
	State    *State `json:"state"`
}

// Change describes the effect of one inbound awareness payload.
type Change struct {
	ClientID string
	State    *State
	Joined   bool
	Left     bool
}

type entry struct {
	state    State
	lastSeen time.Time
}

// Tracker owns the awareness map for one session.
type Tracker struct {
	localID string
	local   *State
	remote  map[string]*entry
	timeout time.Duration
}

// NewTracker creates a tracker for the given local client identifier.
// Remote entries idle longer than timeout are treated as departed.
func NewTracker(localID string, timeout time.Duration) *Tracker {
	return &Tracker{
		localID: localID,
		remote:  make(map[string]*entry),
		timeout: timeout,
	}
}

// SetLocal records the local presence state and returns the payload to
// broadcast.
func (t *Tracker) SetLocal(s State) []byte {
	t.local = &s
	return mustMarshal(frame{ClientID: t.localID, State: &s})
}

// LocalFrame re-encodes the current local state, used to re-announce
// presence after a reconnect. It returns nil when none was ever set.
func (t *Tracker) LocalFrame() []byte {
	if t.local == nil {
		return nil
	}
	return mustMarshal(frame{ClientID: t.localID, State: t.local})
}

// DepartFrame encodes the departure announcement sent on disconnect.
func (t *Tracker) DepartFrame() []byte {
	return mustMarshal(frame{ClientID: t.localID, State: nil})
}

// Apply merges one inbound awareness payload into the map. The returned
// change is nil when the payload had no observable effect (our own echo,
// or a departure for a client we never saw).
func (t *Tracker) Apply(payload []byte, now time.Time) (*Change, error) {
	var f frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, fmt.Errorf("malformed awareness payload: %w", err)
	}
	if f.ClientID == "" {
		return nil, fmt.Errorf("awareness payload missing clientId")
	}
	if f.ClientID == t.localID {
		return nil, nil
	}

	if f.State == nil {
		if _, ok := t.remote[f.ClientID]; !ok {
			return nil, nil
		}
		delete(t.remote, f.ClientID)
		return &Change{ClientID: f.ClientID, Left: true}, nil
	}

	_, known := t.remote[f.ClientID]
	t.remote[f.ClientID] = &entry{state: *f.State, lastSeen: now}
	return &Change{ClientID: f.ClientID, State: f.State, Joined: !known}, nil
}

// Sweep removes remote entries that have been silent past the timeout
// and returns their identifiers. Each departure is reported exactly
// once: the entry is gone before Sweep returns, so overlapping sweeps
// cannot emit it again.
func (t *Tracker) Sweep(now time.Time) []string {
	var departed []string
	for id, e := range t.remote {
		if now.Sub(e.lastSeen) >= t.timeout {
			delete(t.remote, id)
			departed = append(departed, id)
		}
	}
	return departed
}

// Peers returns a copy of the current remote presence map.
func (t *Tracker) Peers() map[string]State {
	peers := make(map[string]State, len(t.remote))
	for id, e := range t.remote {
		peers[id] = e.state
	}
	return peers
}

// Reset drops all remote entries, returning the identifiers that were
// present. Used when a connection is lost and peer liveness can no
// longer be trusted.
func (t *Tracker) Reset() []string {
	ids := make([]string, 0, len(t.remote))
	for id := range t.remote {
		ids = append(ids, id)
	}
	t.remote = make(map[string]*entry)
	return ids
}

func mustMarshal(f frame) []byte {
	data, err := json.Marshal(f)
	if err != nil {
		// A frame is plain strings and ints; this cannot happen.
		panic(err)
	}
	return data
}
