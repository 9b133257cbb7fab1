package connectivity

import "sync"

// ManualSource is a Source fed by an external caller, such as the mobile bridge
// forwarding the platform's network callbacks.
type ManualSource struct {
	mu        sync.Mutex
	connected bool
	subs      map[uint64]func(bool)
	nextID    uint64
}

// NewManualSource creates a source reporting initial until Set is called.
func NewManualSource(initial bool) *ManualSource {
	return &ManualSource{connected: initial, subs: make(map[uint64]func(bool))}
}

// Subscribe reports the current value to cb immediately, then every Set.
func (s *ManualSource) Subscribe(cb func(bool)) (func(), error) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs[id] = cb
	current := s.connected
	s.mu.Unlock()

	cb(current)

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}, nil
}

// Set records a new value and reports it to every subscriber.
func (s *ManualSource) Set(connected bool) {
	s.mu.Lock()
	s.connected = connected
	cbs := make([]func(bool), 0, len(s.subs))
	for _, cb := range s.subs {
		cbs = append(cbs, cb)
	}
	s.mu.Unlock()

	for _, cb := range cbs {
		cb(connected)
	}
}

// Connected returns the last value passed to Set.
func (s *ManualSource) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}
