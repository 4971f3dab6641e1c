// Package collab maintains a live, conflict-free replica of a remote
// document and keeps it synchronized with a collaboration server over a
// WebSocket connection. Each session runs as one goroutine that owns the
// replica and the presence map outright; the application talks to it
// only through SubmitEdit, SubmitPresence and the event channel, so no
// shared mutable state is ever exposed.
package collab

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/outlinekit/collab/internal/awareness"
	"github.com/outlinekit/collab/internal/crdt"
	"github.com/outlinekit/collab/internal/ratelimit"
	"github.com/outlinekit/collab/internal/store"
)

var (
	// ErrSessionClosed is returned by submissions after Close.
	ErrSessionClosed = errors.New("collab: session closed")

	// ErrUnauthorized means the server rejected the credential. The
	// session stops retrying; reconnecting with the same token cannot
	// succeed. Obtain a fresh token and call Start again.
	ErrUnauthorized = errors.New("collab: server rejected credential")
)

// Config describes one collaboration session. Endpoint, Token and
// DocumentID are required; everything else has working defaults.
type Config struct {
	// Endpoint is the server base URL, e.g. https://docs.example.com.
	// The session derives wss://.../collaboration/document.<id> from it.
	Endpoint string

	// Token is the already-refreshed bearer credential. The session
	// never fetches or refreshes credentials itself.
	Token string

	// DocumentID selects the document to collaborate on.
	DocumentID string

	// User is the display name announced to peers.
	User string

	// CachePath, when set, enables the local SQLite cache: the replica
	// is preloaded from it on Start and every update is appended to it.
	CachePath string

	// AwarenessTimeout removes silent peers from the presence map.
	// Default 30s.
	AwarenessTimeout time.Duration

	// InitialBackoff and MaxBackoff bound the reconnect delay.
	// Defaults 500ms and 30s; retries continue until Close.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// HandshakeTimeout bounds the transport dial. Default 5s.
	HandshakeTimeout time.Duration

	// EventBuffer is the event channel capacity. Default 100. When the
	// buffer is full the session blocks instead of dropping events.
	EventBuffer int

	// PresenceRate and PresenceBurst throttle outbound presence frames.
	// Defaults 20/s with a burst of 5.
	PresenceRate  float64
	PresenceBurst int

	// CompactThreshold is the cache log length that triggers snapshot
	// compaction. Default 200.
	CompactThreshold int
}

func (c Config) withDefaults() Config {
	if c.AwarenessTimeout <= 0 {
		c.AwarenessTimeout = 30 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 100
	}
	if c.PresenceRate <= 0 {
		c.PresenceRate = 20
	}
	if c.PresenceBurst <= 0 {
		c.PresenceBurst = 5
	}
	if c.CompactThreshold <= 0 {
		c.CompactThreshold = 200
	}
	return c
}

// Edit is one local change: Delete runes removed at Pos, then Insert
// inserted at Pos. Positions are rune offsets into the visible content
// and are clamped to the document.
type Edit struct {
	Pos    int
	Delete int
	Insert string
}

// Presence is the local user's announced state.
type Presence struct {
	User   string
	Cursor *Cursor
}

// Cursor is a selection as rune offsets.
type Cursor struct {
	Anchor int
	Head   int
}

// Session is one document's collaboration lifetime. All methods are safe
// for concurrent use.
type Session struct {
	cfg      Config
	clientID string

	doc           *crdt.Doc
	tracker       *awareness.Tracker
	cache         *store.Store
	cacheCount    int
	presenceLimit *ratelimit.Limiter
	deferred      [][]byte // local updates awaiting the next Synced state
	synced        bool     // loop-owned: in the Synced protocol state

	events   chan Event
	edits    chan Edit
	presence chan Presence
	done     chan struct{}
	closing  sync.Once

	status atomic.Int32

	mu      sync.RWMutex
	content string
	peers   map[string]Presence
}

// Start opens a collaboration session and returns its handle and event
// stream. The returned channel closes when the session ends; Close (or
// cancelling ctx) is the only way to end it short of an authentication
// failure.
func Start(ctx context.Context, cfg Config) (*Session, <-chan Event, error) {
	if cfg.Endpoint == "" {
		return nil, nil, errors.New("collab: endpoint is required")
	}
	if cfg.Token == "" {
		return nil, nil, errors.New("collab: token is required")
	}
	if cfg.DocumentID == "" {
		return nil, nil, errors.New("collab: document id is required")
	}
	cfg = cfg.withDefaults()

	if _, err := collabURL(cfg.Endpoint, cfg.DocumentID); err != nil {
		return nil, nil, err
	}

	id := uuid.New()
	replica := binary.BigEndian.Uint32(id[:4])
	if replica == 0 {
		replica = 1
	}

	s := &Session{
		cfg:           cfg,
		clientID:      id.String(),
		doc:           crdt.NewDoc(replica),
		tracker:       awareness.NewTracker(id.String(), cfg.AwarenessTimeout),
		presenceLimit: ratelimit.NewLimiter(cfg.PresenceRate, cfg.PresenceBurst),
		events:        make(chan Event, cfg.EventBuffer),
		edits:         make(chan Edit),
		presence:      make(chan Presence),
		done:          make(chan struct{}),
		peers:         make(map[string]Presence),
	}
	s.status.Store(int32(StatusDisconnected))

	// Seed the tracker so the first handshake announces the configured
	// display name without waiting for an explicit SubmitPresence.
	if cfg.User != "" {
		s.tracker.SetLocal(awareness.State{User: cfg.User})
	}

	if cfg.CachePath != "" {
		cache, err := store.Open(cfg.CachePath)
		if err != nil {
			return nil, nil, fmt.Errorf("collab: open cache: %w", err)
		}
		s.cache = cache
		if err := s.preload(); err != nil {
			cache.Close()
			return nil, nil, err
		}
	}

	go s.run(ctx)
	return s, s.events, nil
}

// preload rebuilds the replica from the cache through the normal merge
// path. A corrupt cache entry is skipped, not fatal.
func (s *Session) preload() error {
	entries, err := s.cache.Load(s.cfg.DocumentID)
	if err != nil {
		return fmt.Errorf("collab: load cache: %w", err)
	}
	for _, u := range entries {
		if err := s.doc.ApplyUpdate(u); err != nil {
			log.Printf("collab: skipping corrupt cached update for %s: %v", s.cfg.DocumentID, err)
		}
	}
	count, err := s.cache.UpdateCount(s.cfg.DocumentID)
	if err != nil {
		return fmt.Errorf("collab: load cache: %w", err)
	}
	s.cacheCount = count
	s.content = s.doc.Content()
	return nil
}

// ClientID returns the session's randomly generated client identifier.
func (s *Session) ClientID() string {
	return s.clientID
}

// Status returns the current connection status.
func (s *Session) Status() Status {
	return Status(s.status.Load())
}

// Content returns the replica's current text.
func (s *Session) Content() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.content
}

// Peers returns a snapshot of the presence map.
func (s *Session) Peers() map[string]Presence {
	s.mu.RLock()
	defer s.mu.RUnlock()
	peers := make(map[string]Presence, len(s.peers))
	for id, p := range s.peers {
		peers[id] = p
	}
	return peers
}

// SubmitEdit applies a local edit. The edit mutates the replica even
// while disconnected; transmission is deferred until the session is
// synced again.
func (s *Session) SubmitEdit(e Edit) error {
	select {
	case s.edits <- e:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// SubmitPresence announces the local user's presence state.
func (s *Session) SubmitPresence(p Presence) error {
	select {
	case s.presence <- p:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// Close tears the session down: the transport is closed, any pending
// reconnect is cancelled, status becomes Disconnected and the event
// channel closes. Safe to call from any state, any number of times.
func (s *Session) Close() error {
	s.closing.Do(func() { close(s.done) })
	return nil
}

func toAwarenessState(p Presence) awareness.State {
	st := awareness.State{User: p.User}
	if p.Cursor != nil {
		st.Cursor = &awareness.Cursor{Anchor: p.Cursor.Anchor, Head: p.Cursor.Head}
	}
	return st
}

func fromAwarenessState(st awareness.State) Presence {
	p := Presence{User: st.User}
	if st.Cursor != nil {
		p.Cursor = &Cursor{Anchor: st.Cursor.Anchor, Head: st.Cursor.Head}
	}
	return p
}
