package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/objectfs/iquestfs/pkg/errors"
	"github.com/objectfs/iquestfs/pkg/retry"
	"github.com/objectfs/iquestfs/pkg/types"
)

// Defaults.
const (
	DefaultMaxConns        = 10
	DefaultHighWater       = 5
	DefaultIdleTimeout     = 120 * time.Second
	DefaultManagerInterval = 60 * time.Second
	DefaultWaitTimeout     = 30 * time.Second
)

// Status is a connection's pool state.
type Status int

const (
	StatusFree Status = iota
	StatusInUse
)

func (s Status) String() string {
	if s == StatusFree {
		return "free"
	}
	return "in_use"
}

// Recorder receives pool gauges.
type Recorder interface {
	UpdateActiveConnections(count int)
	UpdateWaiters(count int)
	RecordReconnect()
}

// Config configures a Pool.
type Config struct {
	Endpoint types.Endpoint

	MaxConns        int
	HighWater       int
	IdleTimeout     time.Duration
	ManagerInterval time.Duration
	WaitTimeout     time.Duration

	// InUseBy reports whether an open descriptor still references c.
	InUseBy func(c *Conn) bool
	// BoundTo returns the connection of an open descriptor for path, or nil.
	BoundTo func(path string) *Conn

	Now      func() time.Time
	Logger   *slog.Logger
	Recorder Recorder
}

// Conn is one pooled remote session.
//
// The session is only touched by the holder of the connection lock taken in
// Use and released in Unuse. Status and counters are guarded by the pool lock.
type Conn struct {
	id uint64
	mu sync.Mutex

	session types.Session
	broken  bool

	status       Status
	lastActivity time.Time
	active       int
	pending      int
}

// ID returns a stable identifier for logging.
func (c *Conn) ID() uint64 { return c.id }

// Session returns the remote session. Callers must hold the connection via Use.
func (c *Conn) Session() types.Session { return c.session }

// PoolStats is a snapshot of pool state.
type PoolStats struct {
	Total      int   `json:"total"`
	Free       int   `json:"free"`
	InUse      int   `json:"in_use"`
	Waiters    int   `json:"waiters"`
	Connecting int   `json:"connecting"`
	Created    int64 `json:"created"`
	Reclaimed  int64 `json:"reclaimed"`
	Reconnects int64 `json:"reconnects"`
	Timeouts   int64 `json:"timeouts"`
}

// Pool is a bounded set of remote connections shared by concurrent callers.
type Pool struct {
	mu         sync.Mutex
	conns      []*Conn // newest first
	waiters    []chan struct{}
	connecting int
	closed     bool
	nextID     uint64

	dialer  types.Dialer
	config  Config
	manager *Manager
	stats   PoolStats
}

// New creates a Pool. No connection is opened until the first Acquire.
func New(dialer types.Dialer, config Config) *Pool {
	if config.MaxConns <= 0 {
		config.MaxConns = DefaultMaxConns
	}
	if config.HighWater <= 0 || config.HighWater > config.MaxConns {
		config.HighWater = min(DefaultHighWater, config.MaxConns)
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}
	if config.ManagerInterval <= 0 {
		config.ManagerInterval = DefaultManagerInterval
	}
	if config.WaitTimeout <= 0 {
		config.WaitTimeout = DefaultWaitTimeout
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Pool{
		dialer: dialer,
		config: config,
	}
}

// SetReferenceChecks installs the descriptor lookups after construction.
func (p *Pool) SetReferenceChecks(inUseBy func(*Conn) bool, boundTo func(string) *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.config.InUseBy = inUseBy
	p.config.BoundTo = boundTo
}

// Acquire returns a connection held for exclusive use. It blocks while the pool is
// saturated; a wait timeout only causes another attempt. Release the connection with
// Release when done.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, errors.NewError(errors.ErrCodePoolClosed, "connection pool is closed").
				WithComponent("pool").WithOperation("acquire")
		}

		if c := p.takeFreeLocked(); c != nil {
			p.mu.Unlock()
			p.lockConn(c)
			return c, nil
		}

		if len(p.conns)+p.connecting >= p.config.MaxConns {
			if c := p.stealIdleLocked(); c != nil {
				p.mu.Unlock()
				p.lockConn(c)
				return c, nil
			}
			if err := p.wait(ctx); err != nil {
				return nil, err
			}
			continue
		}

		p.connecting++
		p.mu.Unlock()
		return p.open(ctx)
	}
}

// AcquireBoundTo prefers the connection already serving an open descriptor for path.
func (p *Pool) AcquireBoundTo(ctx context.Context, path string) (*Conn, error) {
	p.mu.Lock()
	boundTo := p.config.BoundTo
	p.mu.Unlock()

	if boundTo != nil {
		if c := boundTo(path); c != nil {
			p.mu.Lock()
			if p.liveLocked(c) {
				c.status = StatusInUse
				c.pending++
				p.mu.Unlock()
				p.lockConn(c)
				return c, nil
			}
			p.mu.Unlock()
		}
	}
	return p.Acquire(ctx)
}

// takeFreeLocked claims the first free connection.
func (p *Pool) takeFreeLocked() *Conn {
	for _, c := range p.conns {
		if c.status == StatusFree && !c.broken {
			c.status = StatusInUse
			c.pending++
			return c
		}
	}
	return nil
}

// stealIdleLocked claims a connection nobody is using even though its status lags.
func (p *Pool) stealIdleLocked() *Conn {
	for _, c := range p.conns {
		if c.active == 0 && c.pending == 0 && !c.broken {
			c.status = StatusInUse
			c.pending++
			return c
		}
	}
	return nil
}

func (p *Pool) liveLocked(c *Conn) bool {
	if c.broken {
		return false
	}
	for _, live := range p.conns {
		if live == c {
			return true
		}
	}
	return false
}

// wait parks the caller on its own channel until capacity is signaled or the wait
// times out. Caller holds p.mu; wait releases it.
func (p *Pool) wait(ctx context.Context) error {
	ch := make(chan struct{}, 1)
	p.waiters = append(p.waiters, ch)
	p.recordWaitersLocked()
	p.mu.Unlock()

	timer := time.NewTimer(p.config.WaitTimeout)
	defer timer.Stop()

	select {
	case <-ch:
		return nil
	case <-timer.C:
		p.mu.Lock()
		p.stats.Timeouts++
		p.abandonLocked(ch)
		p.mu.Unlock()
		return nil
	case <-ctx.Done():
		p.mu.Lock()
		p.abandonLocked(ch)
		p.mu.Unlock()
		return errors.Wrap(errors.ErrCodeWaitCanceled, ctx.Err(), "canceled while waiting for a connection").
			WithComponent("pool").WithOperation("acquire")
	}
}

// abandonLocked removes ch from the queue. A token that already reached ch is handed on.
func (p *Pool) abandonLocked(ch chan struct{}) {
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.recordWaitersLocked()
			return
		}
	}
	select {
	case <-ch:
		p.signalLocked(1)
	default:
	}
}

// signalLocked hands up to n capacity tokens to the oldest waiters.
func (p *Pool) signalLocked(n int) {
	for ; n > 0 && len(p.waiters) > 0; n-- {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		ch <- struct{}{}
	}
	p.recordWaitersLocked()
}

// open connects a new session for a slot already reserved in p.connecting.
func (p *Pool) open(ctx context.Context) (*Conn, error) {
	session, err := p.dial(ctx)

	p.mu.Lock()
	p.connecting--
	if err != nil {
		p.signalLocked(1)
		p.mu.Unlock()
		return nil, err
	}

	p.nextID++
	c := &Conn{
		id:           p.nextID,
		session:      session,
		status:       StatusInUse,
		pending:      1,
		lastActivity: p.config.Now(),
	}
	p.conns = append([]*Conn{c}, p.conns...)
	p.stats.Created++
	if p.stats.Created >= int64(p.config.HighWater) && p.manager == nil && !p.closed {
		p.manager = newManager(p, p.config.ManagerInterval)
		go p.manager.run()
	}
	p.recordConnsLocked()
	p.mu.Unlock()

	p.config.Logger.Debug("Opened remote connection", "conn", c.id, "endpoint", p.config.Endpoint.String())
	p.lockConn(c)
	return c, nil
}

// dial connects with one retry, then authenticates.
func (p *Pool) dial(ctx context.Context) (types.Session, error) {
	var session types.Session
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		session, err = p.dialer.Connect(ctx, p.config.Endpoint)
		if err == nil {
			break
		}
		p.config.Logger.Warn("Remote connect failed", "endpoint", p.config.Endpoint.String(),
			"attempt", attempt+1, "error", err)
	}
	if err != nil {
		if errors.IsAuth(err) {
			return nil, err
		}
		return nil, errors.Wrap(errors.ErrCodeConnectFailed, err, "cannot connect to remote catalog").
			WithComponent("pool").WithOperation("connect")
	}

	if err := session.Authenticate(ctx); err != nil {
		_ = session.Disconnect()
		if errors.IsAuth(err) {
			return nil, err
		}
		return nil, errors.Wrap(errors.ErrCodePermissionDenied, err, "authentication failed").
			WithComponent("pool").WithOperation("authenticate")
	}
	return session, nil
}

// lockConn takes the connection lock for a caller already counted as pending.
func (p *Pool) lockConn(c *Conn) {
	c.mu.Lock()
	p.mu.Lock()
	c.pending--
	c.active++
	c.status = StatusInUse
	p.mu.Unlock()
}

// Use marks c busy, blocking until the connection lock is available.
func (p *Pool) Use(c *Conn) {
	p.mu.Lock()
	c.pending++
	p.mu.Unlock()
	p.lockConn(c)
}

// Unuse marks c idle and releases the connection lock. The connection stays
// claimed until Relinquish.
func (p *Pool) Unuse(c *Conn) {
	p.mu.Lock()
	c.active--
	c.lastActivity = p.config.Now()
	p.mu.Unlock()
	c.mu.Unlock()
}

// MarkBusy is an alias of Use.
func (p *Pool) MarkBusy(c *Conn) { p.Use(c) }

// MarkIdle is an alias of Unuse.
func (p *Pool) MarkIdle(c *Conn) { p.Unuse(c) }

// Relinquish returns c to the free list once nothing uses or references it.
func (p *Pool) Relinquish(c *Conn) {
	p.mu.Lock()
	if c.active+c.pending > 0 {
		p.mu.Unlock()
		return
	}
	if c.broken {
		p.removeLocked(c)
		p.signalLocked(1)
		p.mu.Unlock()
		_ = p.disconnect(c)
		return
	}
	defer p.mu.Unlock()
	if p.config.InUseBy != nil && p.config.InUseBy(c) {
		return
	}
	c.status = StatusFree
	p.signalLocked(1)
	if len(p.conns) > p.config.HighWater && p.manager != nil {
		p.manager.wake()
	}
}

// Release ends a use begun by Acquire.
func (p *Pool) Release(c *Conn) {
	p.Unuse(c)
	p.Relinquish(c)
}

// Reconnect replaces c's session, keeping the Conn identity. The caller must hold c.
func (p *Pool) Reconnect(ctx context.Context, c *Conn) error {
	if c.session != nil {
		if err := c.session.Disconnect(); err != nil {
			p.config.Logger.Debug("Disconnect before reconnect failed", "conn", c.id, "error", err)
		}
	}

	session, err := p.dial(ctx)

	p.mu.Lock()
	p.stats.Reconnects++
	c.broken = err != nil
	p.mu.Unlock()

	if p.config.Recorder != nil {
		p.config.Recorder.RecordReconnect()
	}
	if err != nil {
		c.session = nil
		p.config.Logger.Error("Reconnect failed", "conn", c.id, "error", err)
		return err
	}
	c.session = session
	p.config.Logger.Info("Reconnected remote session", "conn", c.id)
	return nil
}

// Do runs fn against c's session, reconnecting and retrying once on a transport error.
// The caller must hold c.
func (p *Pool) Do(ctx context.Context, c *Conn, fn func(ctx context.Context, s types.Session) error) error {
	if c.session == nil {
		if err := p.Reconnect(ctx, c); err != nil {
			return err
		}
	}
	r := retry.New(retry.Config{
		MaxAttempts: 2,
		ShouldRetry: errors.IsTransport,
		BeforeRetry: func(ctx context.Context, attempt int, err error) error {
			p.config.Logger.Warn("Transport error, reconnecting", "conn", c.id, "error", err)
			return p.Reconnect(ctx, c)
		},
	})
	return r.DoWithContext(ctx, func(ctx context.Context) error {
		return fn(ctx, c.session)
	})
}

// With acquires a connection, runs fn through Do and releases it.
func (p *Pool) With(ctx context.Context, fn func(ctx context.Context, s types.Session) error) error {
	c, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(c)
	return p.Do(ctx, c, fn)
}

func (p *Pool) removeLocked(c *Conn) {
	for i, live := range p.conns {
		if live == c {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			p.recordConnsLocked()
			return
		}
	}
}

func (p *Pool) disconnect(c *Conn) error {
	if c.session == nil {
		return nil
	}
	err := c.session.Disconnect()
	if err != nil {
		p.config.Logger.Debug("Disconnect failed", "conn", c.id, "error", err)
	}
	return err
}

// sweep reclaims idle connections and hands freed capacity to waiters.
func (p *Pool) sweep() {
	p.mu.Lock()
	now := p.config.Now()

	var victims []*Conn
	kept := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		if p.reclaimableLocked(c) && now.Sub(c.lastActivity) > p.config.IdleTimeout {
			victims = append(victims, c)
			continue
		}
		kept = append(kept, c)
	}

	// Over the high-water mark, drop free connections from the oldest end.
	for i := len(kept) - 1; i >= 0 && len(kept) > p.config.HighWater; i-- {
		if p.reclaimableLocked(kept[i]) {
			victims = append(victims, kept[i])
			kept = append(kept[:i], kept[i+1:]...)
		}
	}
	p.conns = kept
	p.stats.Reclaimed += int64(len(victims))

	capacity := p.config.MaxConns - len(p.conns) - p.connecting
	if capacity > 0 {
		p.signalLocked(capacity)
	}
	p.recordConnsLocked()
	p.mu.Unlock()

	for _, c := range victims {
		p.config.Logger.Debug("Reclaimed idle connection", "conn", c.id)
		_ = p.disconnect(c)
	}
}

func (p *Pool) reclaimableLocked(c *Conn) bool {
	return c.status == StatusFree && c.active == 0 && c.pending == 0
}

// DisconnectAll drops every connection. Connections still in use are disconnected too;
// callers do this only at shutdown.
func (p *Pool) DisconnectAll() error {
	p.mu.Lock()
	conns := p.conns
	p.conns = nil
	p.recordConnsLocked()
	p.mu.Unlock()

	var err error
	for _, c := range conns {
		err = multierr.Append(err, p.disconnect(c))
	}
	return err
}

// Close stops the manager, wakes every waiter and disconnects all connections.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	manager := p.manager
	p.signalLocked(len(p.waiters))
	p.mu.Unlock()

	if manager != nil {
		manager.stop()
	}
	return p.DisconnectAll()
}

// Stats returns a snapshot of pool state.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := p.stats
	stats.Total = len(p.conns)
	stats.Waiters = len(p.waiters)
	stats.Connecting = p.connecting
	for _, c := range p.conns {
		if c.status == StatusFree {
			stats.Free++
		} else {
			stats.InUse++
		}
	}
	return stats
}

// ManagerRunning reports whether the background reaper has been started.
func (p *Pool) ManagerRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.manager != nil
}

// Counts returns c's status and counters.
func (p *Pool) Counts(c *Conn) (status Status, active, pending int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return c.status, c.active, c.pending
}

func (p *Pool) recordConnsLocked() {
	if p.config.Recorder != nil {
		p.config.Recorder.UpdateActiveConnections(len(p.conns))
	}
}

func (p *Pool) recordWaitersLocked() {
	if p.config.Recorder != nil {
		p.config.Recorder.UpdateWaiters(len(p.waiters))
	}
}
