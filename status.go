package flagstore

import (
	"context"
	"sync"
	"time"
)

// statusManager tracks backend availability and broadcasts changes.
//
// All listener callbacks run on one dedicated worker goroutine fed by a task
// queue, so delivery order is deterministic per manager and a slow or
// panicking listener never blocks the operation that triggered the change.
// While unavailable, a single poller goroutine invokes pollFn at a fixed
// interval until it reports healthy again.
type statusManager struct {
	log               Logger
	refreshOnRecovery bool
	pollFn            func(context.Context) bool
	pollInterval      time.Duration

	mu        sync.Mutex
	last      Status
	listeners map[StatusListener]struct{}
	pollStop  chan struct{}
	closed    bool

	tasks      chan func()
	workerStop chan struct{}
	closeOnce  sync.Once
}

func newStatusManager(pollFn func(context.Context) bool, refreshOnRecovery bool, pollInterval time.Duration, log Logger) *statusManager {
	m := &statusManager{
		log:               log,
		refreshOnRecovery: refreshOnRecovery,
		pollFn:            pollFn,
		pollInterval:      coalesce(pollInterval, statusPollInterval),
		last:              Status{Available: true},
		listeners:         make(map[StatusListener]struct{}),
		tasks:             make(chan func(), statusQueueLen),
		workerStop:        make(chan struct{}),
	}
	go m.workerLoop()
	return m
}

func (m *statusManager) workerLoop() {
	for {
		select {
		case f := <-m.tasks:
			f()
		case <-m.workerStop:
			return
		}
	}
}

func (m *statusManager) status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *statusManager) addListener(l StatusListener) {
	m.mu.Lock()
	m.listeners[l] = struct{}{}
	m.mu.Unlock()
}

func (m *statusManager) removeListener(l StatusListener) {
	m.mu.Lock()
	delete(m.listeners, l)
	m.mu.Unlock()
}

// updateAvailability is the only transition trigger. Calls with the state
// unchanged are no-ops: no duplicate notification, no duplicate poller.
func (m *statusManager) updateAvailability(available bool) {
	m.mu.Lock()
	if m.closed || m.last.Available == available {
		m.mu.Unlock()
		return
	}

	status := Status{Available: available}
	if available && m.refreshOnRecovery {
		status.RefreshNeeded = true
	}
	m.last = status

	if available {
		m.stopPollerLocked()
	} else {
		m.startPollerLocked()
	}

	snapshot := make([]StatusListener, 0, len(m.listeners))
	for l := range m.listeners {
		snapshot = append(snapshot, l)
	}
	m.mu.Unlock()

	m.log.Info("store availability changed", Fields{"available": available})
	m.enqueue(func() { m.broadcast(status, snapshot) })
}

func (m *statusManager) broadcast(status Status, listeners []StatusListener) {
	for _, l := range listeners {
		m.notifyOne(status, l)
	}
}

// notifyOne isolates one listener: a panic is logged and delivery continues
// with the rest.
func (m *statusManager) notifyOne(status Status, l StatusListener) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("status listener panicked", Fields{"panic": r})
		}
	}()
	l.StatusChanged(status)
}

func (m *statusManager) enqueue(f func()) {
	select {
	case m.tasks <- f:
	default:
		// queue full; status flaps faster than the worker drains are a
		// misbehaving-listener problem, not one worth blocking callers on
		m.log.Warn("status task queue full, dropping notification", nil)
	}
}

func (m *statusManager) startPollerLocked() {
	if m.pollStop != nil {
		return
	}
	stop := make(chan struct{})
	m.pollStop = stop
	go m.pollLoop(stop)
}

func (m *statusManager) stopPollerLocked() {
	if m.pollStop != nil {
		close(m.pollStop)
		m.pollStop = nil
	}
}

func (m *statusManager) pollLoop(stop chan struct{}) {
	t := time.NewTicker(m.pollInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if m.safePoll() {
				m.updateAvailability(true)
				return
			}
		case <-stop:
			return
		}
	}
}

// safePoll treats a panicking health check as "still unavailable".
func (m *statusManager) safePoll() (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("availability check panicked", Fields{"panic": r})
			ok = false
		}
	}()
	return m.pollFn(context.Background())
}

// close is idempotent. Queued notifications and a running poller are
// abandoned, not awaited.
func (m *statusManager) close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.stopPollerLocked()
		m.mu.Unlock()
		close(m.workerStop)
	})
}
