package stream

// entryState tracks where a registry slot is in its life. Only active entries
// are visible to readers; every state occupies the identifier and a capacity slot.
type entryState int

const (
	statePending entryState = iota
	stateActive
	stateStopping
)

type entry struct {
	id    StreamID
	state entryState
	rec   *record
}

// Store is the storage behind the Registry. It is not synchronized; the
// Registry serializes all access.
type Store interface {
	Get(id StreamID) (*entry, bool)
	Put(e *entry)
	Delete(id StreamID)
	IDs() []StreamID
	Len() int
}

// InMemoryStore is a map-backed Store.
type InMemoryStore struct {
	entries map[StreamID]*entry
}

// NewInMemoryStore returns an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: make(map[StreamID]*entry)}
}

func (s *InMemoryStore) Get(id StreamID) (*entry, bool) {
	e, ok := s.entries[id]
	return e, ok
}

func (s *InMemoryStore) Put(e *entry) {
	s.entries[e.id] = e
}

func (s *InMemoryStore) Delete(id StreamID) {
	delete(s.entries, id)
}

func (s *InMemoryStore) IDs() []StreamID {
	ids := make([]StreamID, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	return ids
}

func (s *InMemoryStore) Len() int {
	return len(s.entries)
}
