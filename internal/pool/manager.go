package pool

import (
	"time"
)

// Manager is the background reaper. It sweeps the pool on every tick and whenever
// a release pushes the pool above its high-water mark.
type Manager struct {
	pool     *Pool
	interval time.Duration
	wakeCh   chan struct{}
	stopCh   chan struct{}
	stopped  chan struct{}
}

func newManager(pool *Pool, interval time.Duration) *Manager {
	return &Manager{
		pool:     pool,
		interval: interval,
		wakeCh:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

func (m *Manager) run() {
	defer close(m.stopped)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.pool.config.Logger.Debug("Connection manager started", "interval", m.interval)
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.pool.sweep()
		case <-m.wakeCh:
			m.pool.sweep()
		}
	}
}

// wake requests a sweep without blocking.
func (m *Manager) wake() {
	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
}

func (m *Manager) stop() {
	close(m.stopCh)
	<-m.stopped
}
