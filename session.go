package collab

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/outlinekit/collab/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
)

var errConnClosed = errors.New("collab: connection closed")

// run is the session goroutine. It owns the replica and the tracker for
// the session's whole lifetime and is the only goroutine that touches
// them. It cycles through connect, serve and backoff until Close, the
// context ending, or a credential rejection.
func (s *Session) run(ctx context.Context) {
	defer close(s.events)
	defer func() {
		if s.cache != nil {
			s.cache.Close()
		}
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.InitialBackoff
	bo.MaxInterval = s.cfg.MaxBackoff
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0 // retry until Close

	s.setStatus(StatusConnecting)
	for {
		conn, err := s.dial(ctx)
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				s.fail(err)
				return
			}
			log.Printf("collab: %s: %v", s.cfg.DocumentID, err)
			s.setStatus(StatusReconnecting)
			if !s.idle(ctx, bo.NextBackOff()) {
				s.setStatus(StatusDisconnected)
				return
			}
			continue
		}
		bo.Reset()

		err = s.serve(ctx, conn)
		conn.Close()
		s.dropPeers()

		switch {
		case err == nil:
			s.setStatus(StatusDisconnected)
			return
		case errors.Is(err, ErrUnauthorized):
			s.fail(err)
			return
		default:
			log.Printf("collab: %s: connection lost: %v", s.cfg.DocumentID, err)
			s.setStatus(StatusReconnecting)
			if !s.idle(ctx, bo.NextBackOff()) {
				s.setStatus(StatusDisconnected)
				return
			}
		}
	}
}

// idle waits out a reconnect delay while staying responsive: local edits
// and presence changes submitted while offline are still applied to the
// replica, just not transmitted. Returns false when the session ended.
func (s *Session) idle(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return true
		case e := <-s.edits:
			s.applyLocalEdit(nil, e)
		case p := <-s.presence:
			s.tracker.SetLocal(toAwarenessState(p))
		case <-s.done:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func (s *Session) fail(err error) {
	s.emit(Error{Err: err})
	s.setStatus(StatusFailed)
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	target, err := collabURL(s.cfg.Endpoint, s.cfg.DocumentID)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.cfg.Token)

	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w (%s)", ErrUnauthorized, resp.Status)
		}
		return nil, fmt.Errorf("connect %s: %w", target, err)
	}
	return conn, nil
}

// collabURL derives the websocket endpoint from the server base URL:
// https://host/base becomes wss://host/base/collaboration/document.<id>.
func collabURL(endpoint, documentID string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("collab: invalid endpoint: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("collab: invalid endpoint scheme %q", u.Scheme)
	}
	u.Path = path.Join(u.Path, "collaboration", "document."+documentID)
	return u.String(), nil
}

// link is the serve-scoped handle to the write side of a connection.
type link struct {
	outbound chan []byte
	dead     <-chan struct{}
}

func (l *link) send(frame []byte) error {
	select {
	case l.outbound <- frame:
		return nil
	case <-l.dead:
		return errConnClosed
	}
}

// serve drives one connection: handshake, then steady-state exchange.
// It returns nil only for a deliberate shutdown (Close or context); any
// other return is a reason to reconnect.
func (s *Session) serve(ctx context.Context, conn *websocket.Conn) error {
	s.setStatus(StatusHandshaking)
	s.synced = false

	quit := make(chan struct{})
	defer close(quit)

	inbound := make(chan []byte, 16)
	readErr := make(chan error, 1)
	go readPump(conn, inbound, readErr, quit)

	dead := make(chan struct{})
	l := &link{outbound: make(chan []byte, 64), dead: dead}
	go writePump(conn, l.outbound, dead)
	defer close(l.outbound)

	// Handshake: authenticate, then offer our state vector. The server
	// answers with SyncStep2 and, independently, its own SyncStep1; both
	// may arrive in either order.
	if err := l.send(protocol.EncodeAuth(s.cfg.Token)); err != nil {
		return err
	}
	if err := l.send(protocol.EncodeSyncStep1(s.doc.StateVector())); err != nil {
		return err
	}
	if frame := s.tracker.LocalFrame(); frame != nil {
		if err := l.send(protocol.EncodeAwareness(frame)); err != nil {
			return err
		}
	}

	sweep := time.NewTicker(s.cfg.AwarenessTimeout / 3)
	defer sweep.Stop()

	for {
		select {
		case data, ok := <-inbound:
			if !ok {
				return <-readErr
			}
			if err := s.handleFrame(l, data); err != nil {
				return err
			}

		case e := <-s.edits:
			if err := s.applyLocalEdit(l, e); err != nil {
				return err
			}

		case p := <-s.presence:
			frame := s.tracker.SetLocal(toAwarenessState(p))
			if s.synced && s.presenceLimit.Allow() {
				if err := l.send(protocol.EncodeAwareness(frame)); err != nil {
					return err
				}
			}

		case <-sweep.C:
			for _, id := range s.tracker.Sweep(time.Now()) {
				s.emit(UserLeft{ClientID: id})
			}
			s.publishPeers()

		case <-s.done:
			l.send(protocol.EncodeAwareness(s.tracker.DepartFrame()))
			return nil

		case <-ctx.Done():
			l.send(protocol.EncodeAwareness(s.tracker.DepartFrame()))
			return nil
		}
	}
}

// handleFrame routes one inbound frame. A malformed frame is a protocol
// error and tears the connection down; a corrupt update payload inside a
// well-formed steady-state frame is dropped on its own.
func (s *Session) handleFrame(l *link, data []byte) error {
	msg, err := protocol.Parse(data)
	if err != nil {
		return fmt.Errorf("protocol error: %w", err)
	}

	switch msg.Type {
	case protocol.MessageAuth:
		if reason := protocol.ParseAuthDenied(msg.Payload); reason != "" {
			return fmt.Errorf("%w: %s", ErrUnauthorized, reason)
		}
		return nil

	case protocol.MessageSync:
		return s.handleSync(l, msg)

	case protocol.MessageAwareness:
		change, err := s.tracker.Apply(msg.Payload, time.Now())
		if err != nil {
			s.emit(Error{Err: err})
			return nil
		}
		if change == nil {
			return nil
		}
		s.publishPeers()
		switch {
		case change.Left:
			s.emit(UserLeft{ClientID: change.ClientID})
		case change.Joined:
			s.emit(UserJoined{ClientID: change.ClientID, Presence: fromAwarenessState(*change.State)})
		}
		return nil
	}
	return nil
}

func (s *Session) handleSync(l *link, msg *protocol.Message) error {
	switch msg.Step {
	case protocol.SyncStep1:
		// The server wants what its state vector is missing.
		diff, err := s.doc.DiffSince(msg.Payload)
		if err != nil {
			return fmt.Errorf("protocol error: %w", err)
		}
		return l.send(protocol.EncodeSyncStep2(diff))

	case protocol.SyncStep2:
		if err := s.doc.ApplyUpdate(msg.Payload); err != nil {
			if !s.synced {
				// A broken handshake reply; resync from scratch.
				return fmt.Errorf("protocol error: %w", err)
			}
			s.emit(Error{Err: fmt.Errorf("dropped corrupt update: %w", err)})
			return nil
		}
		s.persist(msg.Payload)
		s.publishContent()
		s.emit(DocumentUpdated{Content: s.Content()})
		if !s.synced {
			return s.becomeSynced(l)
		}
		return nil

	case protocol.SyncUpdate:
		if err := s.doc.ApplyUpdate(msg.Payload); err != nil {
			// One bad update must not poison the replica.
			s.emit(Error{Err: fmt.Errorf("dropped corrupt update: %w", err)})
			return nil
		}
		s.persist(msg.Payload)
		s.publishContent()
		s.emit(DocumentUpdated{Content: s.Content()})
		return nil
	}
	return nil
}

// becomeSynced flushes every update produced while unsynced. The server
// usually already learned of them through its own SyncStep1/SyncStep2
// round; resending is harmless because merges are idempotent.
func (s *Session) becomeSynced(l *link) error {
	s.synced = true
	s.setStatus(StatusSynced)
	for _, u := range s.deferred {
		if err := l.send(protocol.EncodeUpdate(u)); err != nil {
			return err
		}
	}
	s.deferred = nil

	if frame := s.tracker.LocalFrame(); frame != nil {
		if err := l.send(protocol.EncodeAwareness(frame)); err != nil {
			return err
		}
	}
	return nil
}

// applyLocalEdit mutates the replica and either transmits the resulting
// updates right away or defers them until the next Synced state. The
// serve loop passes its link; the idle loop passes nil.
func (s *Session) applyLocalEdit(l *link, e Edit) error {
	var updates [][]byte
	if e.Delete > 0 {
		updates = append(updates, s.doc.DeleteRange(e.Pos, e.Delete))
	}
	if e.Insert != "" {
		updates = append(updates, s.doc.InsertText(e.Pos, e.Insert))
	}
	if len(updates) == 0 {
		return nil
	}

	for _, u := range updates {
		s.persist(u)
	}
	s.publishContent()
	s.emit(DocumentUpdated{Content: s.Content()})

	for _, u := range updates {
		if s.synced && l != nil {
			if err := l.send(protocol.EncodeUpdate(u)); err != nil {
				return err
			}
		} else {
			s.deferred = append(s.deferred, u)
		}
	}
	return nil
}

// persist appends an update to the cache and compacts the log when it
// grows past the threshold.
func (s *Session) persist(update []byte) {
	if s.cache == nil {
		return
	}
	if err := s.cache.AppendUpdate(s.cfg.DocumentID, update); err != nil {
		log.Printf("collab: cache append failed for %s: %v", s.cfg.DocumentID, err)
		return
	}
	s.cacheCount++
	if s.cacheCount < s.cfg.CompactThreshold {
		return
	}
	if err := s.cache.Compact(s.cfg.DocumentID, s.doc.EncodeStateAsUpdate()); err != nil {
		log.Printf("collab: cache compaction failed for %s: %v", s.cfg.DocumentID, err)
		return
	}
	s.cacheCount = 0
}

func (s *Session) publishContent() {
	content := s.doc.Content()
	s.mu.Lock()
	s.content = content
	s.mu.Unlock()
}

func (s *Session) publishPeers() {
	peers := s.tracker.Peers()
	converted := make(map[string]Presence, len(peers))
	for id, st := range peers {
		converted[id] = fromAwarenessState(st)
	}
	s.mu.Lock()
	s.peers = converted
	s.mu.Unlock()
}

// dropPeers clears the presence map when a connection is lost; peer
// liveness cannot be trusted across an outage.
func (s *Session) dropPeers() {
	for _, id := range s.tracker.Reset() {
		s.emit(UserLeft{ClientID: id})
	}
	s.publishPeers()
}

func (s *Session) setStatus(st Status) {
	if Status(s.status.Swap(int32(st))) == st {
		return
	}
	s.emit(StatusChanged{Status: st})
}

// emit delivers an event, blocking when the consumer is behind. After
// Close the remaining events are abandoned; the channel is about to
// close anyway.
func (s *Session) emit(e Event) {
	select {
	case s.events <- e:
	case <-s.done:
	}
}

// readPump owns the read side of a connection, per the usual gorilla
// pattern: read limit, pong-refreshed deadlines, frames handed to the
// session loop.
func readPump(conn *websocket.Conn, inbound chan<- []byte, readErr chan<- error, quit <-chan struct{}) {
	defer close(inbound)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		select {
		case inbound <- data:
		case <-quit:
			return
		}
	}
}

// writePump owns the write side: queued frames and keepalive pings, with
// write deadlines. It closes the connection and the dead channel on the
// way out so the session loop stops queueing.
func writePump(conn *websocket.Conn, outbound <-chan []byte, dead chan<- struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
		close(dead)
	}()

	for {
		select {
		case frame, ok := <-outbound:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
