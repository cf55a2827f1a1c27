package crdt

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ID identifies an operation, and for inserts the character it created.
// Site 0 is reserved for the document bounds.
type ID struct {
	Site  uint64
	Clock uint64
}

// Less orders IDs by site, then clock. Concurrent inserts at the same place
// are ordered by it.
func (id ID) Less(other ID) bool {
	if id.Site != other.Site {
		return id.Site < other.Site
	}
	return id.Clock < other.Clock
}

// Character represents a character in the document.
// As per section 3.1, Data Model in the paper (https://hal.inria.fr/inria-00108523/document)
type Character struct {
	ID         ID
	Visible    bool
	Value      string
	IDPrevious ID
	IDNext     ID
}

type opKind byte

const (
	opInsert opKind = iota
	opDelete
)

// operation is the unit carried by updates. Inserts carry the character they
// create; deletes carry the ID of the character they hide.
type operation struct {
	kind   opKind
	id     ID
	char   Character
	target ID
}

var (
	// StartID and EndID are the invisible bounds of every document.
	StartID = ID{Site: 0, Clock: 0}
	EndID   = ID{Site: 0, Clock: 1}

	ErrPositionOutOfBounds = errors.New("position out of bounds")
	ErrEmptyValue          = errors.New("empty value provided")
	ErrInvalidValue        = errors.New("value is not valid UTF-8")
)

// MaxPending bounds the received operations a document holds while their
// dependencies are missing. It also bounds how far ahead of its site's state
// an operation's clock may be.
const MaxPending = 4096

// Document is a WOOT character sequence replicated between sites.
// A Document is not safe for concurrent use.
type Document struct {
	// SiteID is combined with a local clock to identify every operation made on this replica.
	SiteID uint64

	Characters []Character

	vector  map[uint64]uint64
	log     []operation
	pending []operation
}

// New returns an initialized document with a random site ID.
func New() *Document {
	site := uint64(uuid.New().ID())
	if site == 0 {
		site = 1
	}
	return NewWithSite(site)
}

// NewWithSite returns an initialized document using the given site ID, which must not be 0.
func NewWithSite(site uint64) *Document {
	return &Document{
		SiteID: site,
		Characters: []Character{
			{ID: StartID, IDNext: EndID},
			{ID: EndID, IDPrevious: StartID},
		},
		vector: make(map[uint64]uint64),
	}
}

//////////////////////
// Utility functions
//////////////////////

// Content returns the visible content of the document.
func (doc *Document) Content() string {
	var b strings.Builder
	for _, char := range doc.Characters {
		if char.Visible {
			b.WriteString(char.Value)
		}
	}
	return b.String()
}

// Length returns the number of characters, including hidden ones and the bounds.
func (doc *Document) Length() int {
	return len(doc.Characters)
}

// VisibleLength returns the number of visible characters.
func (doc *Document) VisibleLength() int {
	n := 0
	for _, char := range doc.Characters {
		if char.Visible {
			n++
		}
	}
	return n
}

// Pending returns the number of received operations waiting for their dependencies.
func (doc *Document) Pending() int {
	return len(doc.pending)
}

// index returns the position of the character in doc.Characters, or -1.
func (doc *Document) index(id ID) int {
	for i, char := range doc.Characters {
		if char.ID == id {
			return i
		}
	}
	return -1
}

// visibleAt returns the i-th (0-based) visible character.
func (doc *Document) visibleAt(i int) (Character, bool) {
	count := 0
	for _, char := range doc.Characters {
		if char.Visible {
			if count == i {
				return char, true
			}
			count++
		}
	}
	return Character{}, false
}

///////////////
// Operations
///////////////

// integrateInsert places char between the characters prev and next.
func (doc *Document) integrateInsert(char Character, prev, next ID) {
	for {
		ip, in := doc.index(prev), doc.index(next)

		// If no characters are present in the subsequence, insert right before next.
		if in-ip <= 1 {
			doc.insertAt(char, in)
			return
		}

		// Keep only the characters whose own bounds enclose (prev, next).
		bounds := []ID{prev}
		for k := ip + 1; k < in; k++ {
			c := doc.Characters[k]
			if doc.index(c.IDPrevious) <= ip && doc.index(c.IDNext) >= in {
				bounds = append(bounds, c.ID)
			}
		}
		bounds = append(bounds, next)

		if len(bounds) == 2 {
			doc.insertAt(char, in)
			return
		}

		i := 1
		for i < len(bounds)-1 && bounds[i].Less(char.ID) {
			i++
		}
		prev, next = bounds[i-1], bounds[i]
	}
}

func (doc *Document) insertAt(char Character, position int) {
	doc.Characters = append(doc.Characters, Character{})
	copy(doc.Characters[position+1:], doc.Characters[position:])
	doc.Characters[position] = char
}

// integrateDelete marks a character as hidden. Deleting twice is a no-op.
func (doc *Document) integrateDelete(target ID) {
	if i := doc.index(target); i != -1 {
		doc.Characters[i].Visible = false
	}
}

func (doc *Document) integrate(op operation) {
	switch op.kind {
	case opInsert:
		doc.integrateInsert(op.char, op.char.IDPrevious, op.char.IDNext)
	case opDelete:
		doc.integrateDelete(op.target)
	}
	doc.vector[op.id.Site] = op.id.Clock
	doc.log = append(doc.log, op)
}

type readiness int

const (
	integrated readiness = iota
	ready
	waiting
)

// readiness reports whether op can be integrated now. Operations of a site are
// integrated in clock order and only once the characters they reference exist.
func (doc *Document) readiness(op operation) readiness {
	clock := doc.vector[op.id.Site]
	if op.id.Clock <= clock {
		return integrated
	}
	if op.id.Clock != clock+1 {
		return waiting
	}

	switch op.kind {
	case opInsert:
		if doc.index(op.char.IDPrevious) == -1 || doc.index(op.char.IDNext) == -1 {
			return waiting
		}
	case opDelete:
		if doc.index(op.target) == -1 {
			return waiting
		}
	}
	return ready
}

// drain integrates pending operations until none of them can make progress.
func (doc *Document) drain() {
	for progress := true; progress; {
		progress = false
		remaining := make([]operation, 0, len(doc.pending))
		for _, op := range doc.pending {
			switch doc.readiness(op) {
			case ready:
				doc.integrate(op)
				progress = true
			case waiting:
				remaining = append(remaining, op)
			}
		}
		doc.pending = remaining
	}
}

func (doc *Document) nextID() ID {
	return ID{Site: doc.SiteID, Clock: doc.vector[doc.SiteID] + 1}
}

// generateInsert creates and integrates the character for value at the given visible index.
func (doc *Document) generateInsert(index int, value string) (operation, error) {
	if index < 0 || index > doc.VisibleLength() {
		return operation{}, ErrPositionOutOfBounds
	}
	if value == "" {
		return operation{}, ErrEmptyValue
	}

	prev, next := StartID, EndID
	if c, ok := doc.visibleAt(index - 1); ok {
		prev = c.ID
	}
	if c, ok := doc.visibleAt(index); ok {
		next = c.ID
	}

	id := doc.nextID()
	op := operation{
		kind: opInsert,
		id:   id,
		char: Character{ID: id, Visible: true, Value: value, IDPrevious: prev, IDNext: next},
	}
	doc.integrate(op)
	return op, nil
}

// generateDelete hides the character at the given visible index.
func (doc *Document) generateDelete(index int) (operation, error) {
	char, ok := doc.visibleAt(index)
	if !ok {
		return operation{}, ErrPositionOutOfBounds
	}

	op := operation{kind: opDelete, id: doc.nextID(), target: char.ID}
	doc.integrate(op)
	return op, nil
}

////////////////////////////////
// Implement the CRDT interface
////////////////////////////////

// Insert inserts value, one character per rune, starting at the visible index.
// It returns the update to send to the other replicas.
func (doc *Document) Insert(index int, value string) ([]byte, error) {
	if value == "" {
		return nil, ErrEmptyValue
	}
	if !utf8.ValidString(value) {
		return nil, ErrInvalidValue
	}

	ops := make([]operation, 0, utf8.RuneCountInString(value))
	for _, r := range value {
		op, err := doc.generateInsert(index, string(r))
		if err != nil {
			return encodeUpdate(ops), err
		}
		ops = append(ops, op)
		index++
	}
	return encodeUpdate(ops), nil
}

// Delete hides count characters starting at the visible index.
// It returns the update to send to the other replicas.
func (doc *Document) Delete(index, count int) ([]byte, error) {
	ops := make([]operation, 0, count)
	for i := 0; i < count; i++ {
		op, err := doc.generateDelete(index)
		if err != nil {
			return encodeUpdate(ops), err
		}
		ops = append(ops, op)
	}
	return encodeUpdate(ops), nil
}

// StateVector returns the encoded state vector of the document.
func (doc *Document) StateVector() []byte {
	return encodeStateVector(doc.vector)
}

// EncodeStateAsUpdate returns the operations not yet covered by vector, in integration order.
func (doc *Document) EncodeStateAsUpdate(vector []byte) ([]byte, error) {
	remote, err := decodeStateVector(vector)
	if err != nil {
		return nil, err
	}

	var ops []operation
	for _, op := range doc.log {
		if op.id.Clock > remote[op.id.Site] {
			ops = append(ops, op)
		}
	}
	return encodeUpdate(ops), nil
}

// ApplyUpdate merges an update. Operations already integrated are skipped and
// operations whose dependencies are missing wait for a later update.
//
// An update is rejected with ErrMalformedUpdate when one of its operations is
// more than MaxPending clocks ahead of its site, or when the operations left
// waiting would exceed MaxPending. In the latter case every waiting operation
// is dropped; they are not in the state vector, so a later handshake resends them.
func (doc *Document) ApplyUpdate(update []byte) error {
	ops, err := decodeUpdate(update)
	if err != nil {
		return err
	}
	for _, op := range ops {
		if op.id.Clock > doc.vector[op.id.Site]+MaxPending {
			return fmt.Errorf("%w: operation %d of site %d is too far ahead", ErrMalformedUpdate, op.id.Clock, op.id.Site)
		}
	}

	doc.pending = append(doc.pending, ops...)
	doc.drain()
	if n := len(doc.pending); n > MaxPending {
		doc.pending = nil
		return fmt.Errorf("%w: %d operations waiting for missing dependencies", ErrMalformedUpdate, n)
	}
	return nil
}
