package fl

import "sync"

// State is the single global parameter blob shared by all sessions. Every
// mutation goes through Apply or Replace and bumps the version; readers get
// consistent copies from Snapshot.
type State struct {
	mu      sync.RWMutex
	version uint64
	blob    []byte
}

func NewState(blob []byte) *State {
	return &State{blob: clone(blob)}
}

func (s *State) Snapshot() (uint64, []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.version, clone(s.blob)
}

func (s *State) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.version
}

func (s *State) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.blob)
}

// Apply runs fn with exclusive access. The state changes only when fn succeeds.
func (s *State) Apply(fn func(cur []byte) ([]byte, error)) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := fn(s.blob)
	if err != nil {
		return s.version, err
	}
	s.blob = next
	s.version++

	return s.version, nil
}

func (s *State) Replace(blob []byte) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.blob = clone(blob)
	s.version++

	return s.version
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)

	return out
}
