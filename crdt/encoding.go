package crdt

import (
	"errors"
	"fmt"
	"sort"

	"github.com/burntcarrot/padsync/wire"
)

var (
	ErrMalformedUpdate      = errors.New("crdt: malformed update")
	ErrMalformedStateVector = errors.New("crdt: malformed state vector")
)

// State vector layout: varint entry count, then (site, clock) varint pairs
// sorted by site. An empty byte slice is accepted as the empty vector.
func encodeStateVector(vector map[uint64]uint64) []byte {
	sites := make([]uint64, 0, len(vector))
	for site := range vector {
		sites = append(sites, site)
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i] < sites[j] })

	e := wire.NewEncoder()
	e.WriteUvarint(uint64(len(sites)))
	for _, site := range sites {
		e.WriteUvarint(site)
		e.WriteUvarint(vector[site])
	}
	return e.Bytes()
}

func decodeStateVector(b []byte) (map[uint64]uint64, error) {
	vector := make(map[uint64]uint64)
	if len(b) == 0 {
		return vector, nil
	}

	d := wire.NewDecoder(b)
	count, err := d.ReadUvarint()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedStateVector, err)
	}
	if count > uint64(d.Remaining()) {
		return nil, fmt.Errorf("%w: %d entries in %d bytes", ErrMalformedStateVector, count, d.Remaining())
	}
	for i := uint64(0); i < count; i++ {
		site, err := d.ReadUvarint()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedStateVector, err)
		}
		clock, err := d.ReadUvarint()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedStateVector, err)
		}
		vector[site] = clock
	}
	if err := d.Done(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedStateVector, err)
	}
	return vector, nil
}

// DecodeStateVector exposes a state vector as a site to clock map.
func DecodeStateVector(b []byte) (map[uint64]uint64, error) {
	return decodeStateVector(b)
}

// Update layout: varint operation count, then per operation a kind byte and
// the operation ID, followed by the inserted character's bounds and value, or
// by the deleted character's ID.
func encodeUpdate(ops []operation) []byte {
	e := wire.NewEncoder()
	e.WriteUvarint(uint64(len(ops)))
	for _, op := range ops {
		e.WriteByte(byte(op.kind))
		writeID(e, op.id)
		switch op.kind {
		case opInsert:
			writeID(e, op.char.IDPrevious)
			writeID(e, op.char.IDNext)
			e.WriteString(op.char.Value)
		case opDelete:
			writeID(e, op.target)
		}
	}
	return e.Bytes()
}

func decodeUpdate(b []byte) ([]operation, error) {
	d := wire.NewDecoder(b)
	count, err := d.ReadUvarint()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	if count > uint64(d.Remaining()) {
		return nil, fmt.Errorf("%w: %d operations in %d bytes", ErrMalformedUpdate, count, d.Remaining())
	}

	ops := make([]operation, 0, count)
	for i := uint64(0); i < count; i++ {
		op, err := readOperation(d)
		if err != nil {
			return nil, fmt.Errorf("%w: operation %d: %v", ErrMalformedUpdate, i, err)
		}
		ops = append(ops, op)
	}
	if err := d.Done(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	return ops, nil
}

func readOperation(d *wire.Decoder) (operation, error) {
	kind, err := d.ReadByte()
	if err != nil {
		return operation{}, err
	}
	id, err := readID(d)
	if err != nil {
		return operation{}, err
	}
	if id.Site == 0 || id.Clock == 0 {
		return operation{}, fmt.Errorf("invalid operation id %+v", id)
	}

	op := operation{kind: opKind(kind), id: id}
	switch op.kind {
	case opInsert:
		prev, err := readID(d)
		if err != nil {
			return operation{}, err
		}
		next, err := readID(d)
		if err != nil {
			return operation{}, err
		}
		value, err := d.ReadString()
		if err != nil {
			return operation{}, err
		}
		if value == "" || next == StartID || prev == EndID {
			return operation{}, errors.New("invalid insert")
		}
		op.char = Character{ID: id, Visible: true, Value: value, IDPrevious: prev, IDNext: next}
	case opDelete:
		op.target, err = readID(d)
		if err != nil {
			return operation{}, err
		}
		if op.target.Site == 0 {
			return operation{}, errors.New("cannot delete document bounds")
		}
	default:
		return operation{}, fmt.Errorf("unknown operation kind %d", kind)
	}
	return op, nil
}

func writeID(e *wire.Encoder, id ID) {
	e.WriteUvarint(id.Site)
	e.WriteUvarint(id.Clock)
}

func readID(d *wire.Decoder) (ID, error) {
	site, err := d.ReadUvarint()
	if err != nil {
		return ID{}, err
	}
	clock, err := d.ReadUvarint()
	if err != nil {
		return ID{}, err
	}
	return ID{Site: site, Clock: clock}, nil
}
