package crdt

import (
	"bytes"
	"encoding/binary"
	"sort"
)

// Binary layout, all integers varint-encoded:
//
//	update:       count, then per op: kind byte, id.client, id.clock,
//	              ref.client, ref.clock, and for inserts the rune value
//	state vector: count, then per entry: client, clock (sorted by client)

func encodeUpdate(ops []op) []byte {
	var buf bytes.Buffer
	writeUvarint(&buf, uint64(len(ops)))
	for _, o := range ops {
		buf.WriteByte(o.kind)
		writeUvarint(&buf, uint64(o.id.Client))
		writeUvarint(&buf, uint64(o.id.Clock))
		writeUvarint(&buf, uint64(o.ref.Client))
		writeUvarint(&buf, uint64(o.ref.Clock))
		if o.kind == opInsert {
			writeUvarint(&buf, uint64(uint32(o.value)))
		}
	}
	return buf.Bytes()
}

func decodeUpdate(data []byte) ([]op, error) {
	r := bytes.NewReader(data)
	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, ErrCorruptUpdate
	}

	ops := make([]op, 0, count)
	for i := uint64(0); i < count; i++ {
		kind, err := r.ReadByte()
		if err != nil || kind > opDelete {
			return nil, ErrCorruptUpdate
		}

		var fields [4]uint64
		for j := range fields {
			fields[j], err = binary.ReadUvarint(r)
			if err != nil || fields[j] > 1<<32-1 {
				return nil, ErrCorruptUpdate
			}
		}

		o := op{
			kind: kind,
			id:   ID{Client: uint32(fields[0]), Clock: uint32(fields[1])},
			ref:  ID{Client: uint32(fields[2]), Clock: uint32(fields[3])},
		}
		if o.id.Client == 0 || o.id.Clock == 0 {
			return nil, ErrCorruptUpdate
		}
		if o.kind == opDelete && o.ref.isRoot() {
			return nil, ErrCorruptUpdate
		}
		if o.kind == opInsert {
			v, err := binary.ReadUvarint(r)
			if err != nil || v > 1<<32-1 {
				return nil, ErrCorruptUpdate
			}
			o.value = rune(v)
		}
		ops = append(ops, o)
	}

	if r.Len() != 0 {
		return nil, ErrCorruptUpdate
	}
	return ops, nil
}

func encodeStateVector(applied map[uint32]uint32) []byte {
	var buf bytes.Buffer
	writeUvarint(&buf, uint64(len(applied)))
	for _, client := range sortedVectorClients(applied) {
		writeUvarint(&buf, uint64(client))
		writeUvarint(&buf, uint64(applied[client]))
	}
	return buf.Bytes()
}

func decodeStateVector(data []byte) (map[uint32]uint32, error) {
	r := bytes.NewReader(data)
	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, ErrBadStateVector
	}

	sv := make(map[uint32]uint32, count)
	for i := uint64(0); i < count; i++ {
		client, err := binary.ReadUvarint(r)
		if err != nil || client == 0 || client > 1<<32-1 {
			return nil, ErrBadStateVector
		}
		clock, err := binary.ReadUvarint(r)
		if err != nil || clock > 1<<32-1 {
			return nil, ErrBadStateVector
		}
		sv[uint32(client)] = uint32(clock)
	}

	if r.Len() != 0 {
		return nil, ErrBadStateVector
	}
	return sv, nil
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func sortedClients(log map[uint32][]op) []uint32 {
	clients := make([]uint32, 0, len(log))
	for c := range log {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	return clients
}

func sortedVectorClients(applied map[uint32]uint32) []uint32 {
	clients := make([]uint32, 0, len(applied))
	for c := range applied {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	return clients
}
