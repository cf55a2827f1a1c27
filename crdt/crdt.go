package crdt

// Engine is the primitive a sync layer needs from a replicated document.
// Merges are commutative, associative and idempotent; callers never inspect
// the encoded bytes.
type Engine interface {
	// StateVector summarizes which operations the replica has integrated.
	StateVector() []byte

	// EncodeStateAsUpdate returns an update holding every operation missing
	// from a replica with the given state vector. An empty vector yields the full state.
	EncodeStateAsUpdate(vector []byte) ([]byte, error)

	// ApplyUpdate merges an update produced by any replica.
	ApplyUpdate(update []byte) error
}

// CRDT is an Engine that can also be edited locally.
type CRDT interface {
	Engine
	Insert(index int, value string) ([]byte, error)
	Delete(index, count int) ([]byte, error)
	Content() string
}

var _ CRDT = (*Document)(nil)
