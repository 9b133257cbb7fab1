// Package connectivity tracks network reachability and fans changes out to subscribers.
package connectivity

import (
	"sync"

	"github.com/kimhsiao/fieldsync/internal/logging"
)

// Source is the platform network-state API. Subscribe registers cb for every
// reachability report and returns a function that stops the reports.
type Source interface {
	Subscribe(cb func(connected bool)) (unsubscribe func(), err error)
}

// delivery is one value queued for a fixed set of subscribers.
type delivery struct {
	ids   []uint64
	value bool
}

// Monitor owns the process-wide connectivity flag. It is updated only from its
// Source and read by everyone else.
//
// Deliveries run on a single dispatch goroutine, so every subscriber observes
// values in the order the monitor accepted them. A subscriber is never called
// from inside Subscribe.
type Monitor struct {
	mu        sync.Mutex
	connected bool
	subs      map[uint64]func(bool)
	nextID    uint64
	pending   []delivery
	closed    bool

	wake      chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
	unsub     func()
	closeOnce sync.Once
}

// NewMonitor starts a monitor over src. A nil source or a failing Subscribe
// leaves the monitor reporting connected for its whole lifetime.
func NewMonitor(src Source) *Monitor {
	m := &Monitor{
		connected: true,
		subs:      make(map[uint64]func(bool)),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	m.wg.Add(1)
	go m.run()

	if src == nil {
		logging.Warn("Connectivity source unavailable, assuming online")
		return m
	}

	unsub, err := src.Subscribe(m.report)
	if err != nil {
		logging.Warn("Connectivity subscription failed, assuming online", map[string]interface{}{
			"error": err.Error(),
		})
		return m
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		if unsub != nil {
			unsub()
		}
		return m
	}
	m.unsub = unsub
	m.mu.Unlock()

	return m
}

// IsConnected returns the last accepted reachability value.
func (m *Monitor) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// IsOffline is the negation of IsConnected.
func (m *Monitor) IsOffline() bool {
	return !m.IsConnected()
}

// Subscribe registers cb. The current state is delivered shortly after, then
// every change. The returned function removes cb; values still queued for it
// are dropped.
func (m *Monitor) Subscribe(cb func(connected bool)) func() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return func() {}
	}
	m.nextID++
	id := m.nextID
	m.subs[id] = cb
	m.enqueueLocked(delivery{ids: []uint64{id}, value: m.connected})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// Close stops dispatch and detaches from the source. It is safe to call twice.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		unsub := m.unsub
		m.unsub = nil
		m.pending = nil
		m.mu.Unlock()

		if unsub != nil {
			unsub()
		}
		close(m.done)
		m.wg.Wait()
	})
}

// report receives values from the source. Repeats of the current value are ignored.
func (m *Monitor) report(connected bool) {
	m.mu.Lock()
	if m.closed || connected == m.connected {
		m.mu.Unlock()
		return
	}
	m.connected = connected

	ids := make([]uint64, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	m.enqueueLocked(delivery{ids: ids, value: connected})
	m.mu.Unlock()

	logging.Info("Connectivity changed", map[string]interface{}{"connected": connected})
}

func (m *Monitor) enqueueLocked(d delivery) {
	if len(d.ids) == 0 {
		return
	}
	m.pending = append(m.pending, d)
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// run drains pending deliveries in order until Close.
func (m *Monitor) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case <-m.wake:
		}

		for {
			m.mu.Lock()
			if m.closed || len(m.pending) == 0 {
				m.mu.Unlock()
				break
			}
			d := m.pending[0]
			m.pending = m.pending[1:]
			cbs := make([]func(bool), 0, len(d.ids))
			for _, id := range d.ids {
				if cb, ok := m.subs[id]; ok {
					cbs = append(cbs, cb)
				}
			}
			m.mu.Unlock()

			for _, cb := range cbs {
				cb(d.value)
			}
		}
	}
}
