// Package crdt implements the replicated text document underlying a
// collaboration session. The structure is a causal tree: every inserted
// atom references the atom to its left at insertion time, concurrent
// siblings are ordered deterministically, and deletions are tombstones.
// Applying the same set of updates in any order, with any duplication,
// converges every replica to the same content.
package crdt

import (
	"errors"
)

var (
	// ErrCorruptUpdate means an update payload could not be decoded.
	ErrCorruptUpdate = errors.New("crdt: corrupt update payload")

	// ErrBadStateVector means a state vector payload could not be decoded.
	ErrBadStateVector = errors.New("crdt: corrupt state vector")
)

// ID identifies one operation: the client that produced it and that
// client's operation counter. Clock 0 is never issued, so the zero ID is
// reserved for the document start sentinel.
type ID struct {
	Client uint32
	Clock  uint32
}

func (id ID) isRoot() bool {
	return id.Client == 0 && id.Clock == 0
}

const (
	opInsert byte = 0
	opDelete byte = 1
)

// op is a single decoded operation. For inserts, ref is the atom to the
// left of the insertion point; for deletes, ref is the atom to remove.
type op struct {
	kind  byte
	id    ID
	ref   ID
	value rune
}

type node struct {
	id      ID
	value   rune
	deleted bool

	// Atoms inserted directly to the right of this one, newest first.
	// A later insert at the same spot lands closer to its parent, which
	// preserves local typing order and is identical on every replica.
	children []*node
}

// Doc is one replica of the shared document. It is not goroutine-safe;
// the owning session serializes all access.
type Doc struct {
	client  uint32
	root    *node
	nodes   map[ID]*node
	applied map[uint32]uint32 // highest contiguous clock applied per client
	log     map[uint32][]op   // applied ops per client, in clock order
	pending []op              // ops waiting for a gap or a missing ref
}

// NewDoc creates an empty replica owned by the given client identifier.
// The identifier must be nonzero and unique among live peers.
func NewDoc(client uint32) *Doc {
	return &Doc{
		client:  client,
		root:    &node{},
		nodes:   make(map[ID]*node),
		applied: make(map[uint32]uint32),
		log:     make(map[uint32][]op),
	}
}

// Content returns the visible text of the replica.
func (d *Doc) Content() string {
	var out []rune
	d.walk(d.root, func(n *node) {
		if !n.deleted {
			out = append(out, n.value)
		}
	})
	return string(out)
}

// Len returns the number of visible runes.
func (d *Doc) Len() int {
	return len(d.visible())
}

// InsertText inserts s at visible rune position pos and returns the
// encoded update to transmit. Positions outside the document are clamped.
func (d *Doc) InsertText(pos int, s string) []byte {
	vis := d.visible()
	if pos < 0 {
		pos = 0
	}
	if pos > len(vis) {
		pos = len(vis)
	}

	ref := ID{}
	if pos > 0 {
		ref = vis[pos-1].id
	}

	var ops []op
	for _, r := range s {
		o := op{kind: opInsert, id: d.nextID(), ref: ref, value: r}
		d.applyOp(o)
		ref = o.id
		ops = append(ops, o)
	}
	return encodeUpdate(ops)
}

// DeleteRange removes n visible runes starting at pos and returns the
// encoded update to transmit. The range is clamped to the document.
func (d *Doc) DeleteRange(pos, n int) []byte {
	vis := d.visible()
	if pos < 0 {
		pos = 0
	}
	if pos > len(vis) {
		pos = len(vis)
	}
	if pos+n > len(vis) {
		n = len(vis) - pos
	}

	var ops []op
	for _, target := range vis[pos : pos+n] {
		o := op{kind: opDelete, id: d.nextID(), ref: target.id}
		d.applyOp(o)
		ops = append(ops, o)
	}
	return encodeUpdate(ops)
}

// ApplyUpdate merges an inbound update into the replica. Already-applied
// operations are skipped, and operations whose causal dependencies have
// not arrived yet are buffered until they become applicable, so the call
// is idempotent and insensitive to delivery order.
func (d *Doc) ApplyUpdate(update []byte) error {
	ops, err := decodeUpdate(update)
	if err != nil {
		return err
	}

	for _, o := range ops {
		if !d.applyOp(o) {
			d.pending = append(d.pending, o)
		}
	}
	d.drainPending()
	return nil
}

// StateVector returns the encoded summary of which operations this
// replica has incorporated.
func (d *Doc) StateVector() []byte {
	return encodeStateVector(d.applied)
}

// DiffSince computes the encoded update containing every operation the
// remote replica, described by its state vector, has not seen.
func (d *Doc) DiffSince(stateVector []byte) ([]byte, error) {
	remote, err := decodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}

	var ops []op
	for _, client := range sortedClients(d.log) {
		have := remote[client]
		for _, o := range d.log[client] {
			if o.id.Clock > have {
				ops = append(ops, o)
			}
		}
	}
	return encodeUpdate(ops), nil
}

// EncodeStateAsUpdate returns the whole replica as a single update, the
// form used for snapshots. Restoring goes back through ApplyUpdate.
func (d *Doc) EncodeStateAsUpdate() []byte {
	diff, _ := d.DiffSince(encodeStateVector(nil))
	return diff
}

// PendingOps reports how many received operations are still waiting for
// their causal dependencies.
func (d *Doc) PendingOps() int {
	return len(d.pending)
}

func (d *Doc) nextID() ID {
	return ID{Client: d.client, Clock: d.applied[d.client] + 1}
}

// applyOp applies one operation if it is currently applicable. It
// returns true when the op was applied or is a known duplicate, false
// when it must wait for earlier ops from the same client or for the atom
// it references.
func (d *Doc) applyOp(o op) bool {
	next := d.applied[o.id.Client] + 1
	if o.id.Clock < next {
		return true
	}
	if o.id.Clock > next {
		return false
	}

	switch o.kind {
	case opInsert:
		parent := d.lookup(o.ref)
		if parent == nil {
			return false
		}
		n := &node{id: o.id, value: o.value}
		d.nodes[o.id] = n
		insertChild(parent, n)
	case opDelete:
		target := d.nodes[o.ref]
		if target == nil {
			return false
		}
		target.deleted = true
	}

	d.applied[o.id.Client] = o.id.Clock
	d.log[o.id.Client] = append(d.log[o.id.Client], o)
	return true
}

// drainPending retries buffered ops until a full pass applies nothing.
func (d *Doc) drainPending() {
	for {
		progress := false
		remaining := d.pending[:0]
		for _, o := range d.pending {
			if d.applyOp(o) {
				progress = true
			} else {
				remaining = append(remaining, o)
			}
		}
		d.pending = remaining
		if !progress || len(d.pending) == 0 {
			return
		}
	}
}

func (d *Doc) lookup(ref ID) *node {
	if ref.isRoot() {
		return d.root
	}
	return d.nodes[ref]
}

// insertChild places n among parent's children, newest first. Ties on
// clock break on client id so every replica picks the same order.
func insertChild(parent, n *node) {
	i := 0
	for i < len(parent.children) {
		c := parent.children[i]
		if c.id.Clock > n.id.Clock ||
			(c.id.Clock == n.id.Clock && c.id.Client > n.id.Client) {
			i++
			continue
		}
		break
	}
	parent.children = append(parent.children, nil)
	copy(parent.children[i+1:], parent.children[i:])
	parent.children[i] = n
}

func (d *Doc) walk(n *node, visit func(*node)) {
	if n != d.root {
		visit(n)
	}
	for _, c := range n.children {
		d.walk(c, visit)
	}
}

func (d *Doc) visible() []*node {
	var vis []*node
	d.walk(d.root, func(n *node) {
		if !n.deleted {
			vis = append(vis, n)
		}
	})
	return vis
}
