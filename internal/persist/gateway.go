// Package persist writes session snapshots to durable storage without
// holding up the engine.
package persist

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/whiteboard/internal/domain"
	"github.com/xiaot623/gogo/whiteboard/internal/metrics"
)

// DefaultInterval is the minimum time between two throttled writes of the
// same session.
const DefaultInterval = 5 * time.Second

// ErrClosed is returned by Flush after Close.
var ErrClosed = errors.New("persistence gateway closed")

// Repository is the durable storage port.
type Repository interface {
	ReadSessionRecord(ctx context.Context, sessionID string) (*domain.SessionRecord, error)
	WriteSessionRecord(ctx context.Context, rec domain.SessionRecord) error
}

type job struct {
	rec     domain.SessionRecord
	gen     uint64
	barrier chan struct{}
}

type pendingSnapshot struct {
	state domain.CanvasState
	gen   uint64
}

// Gateway throttles and serializes snapshot writes. Writes run on a single
// goroutine in the order they were accepted.
type Gateway struct {
	repo     Repository
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
	log      logrus.FieldLogger
	metrics  *metrics.Metrics

	mu        sync.Mutex
	lastFired map[string]time.Time
	pending   map[string]pendingSnapshot
	queue     []job
	gen       uint64
	closed    bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithInterval sets the throttle window.
func WithInterval(d time.Duration) Option {
	return func(g *Gateway) { g.interval = d }
}

// WithTimeout bounds each storage call.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.timeout = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// WithMetrics records persistence results.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// NewGateway creates a gateway and starts its writer.
func NewGateway(repo Repository, log logrus.FieldLogger, opts ...Option) *Gateway {
	g := &Gateway{
		repo:      repo,
		interval:  DefaultInterval,
		timeout:   5 * time.Second,
		now:       time.Now,
		log:       log.WithField("component", "persist"),
		lastFired: make(map[string]time.Time),
		pending:   make(map[string]pendingSnapshot),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	go g.run()
	return g
}

// Persist schedules a write of state. Unless force is set, a session is
// written at most once per interval and calls inside the window are dropped.
// It reports whether a write was scheduled and never blocks on storage.
func (g *Gateway) Persist(sessionID string, state domain.CanvasState, force bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return false
	}
	now := g.now()
	if !force {
		if last, ok := g.lastFired[sessionID]; ok && now.Sub(last) < g.interval {
			g.metrics.Persisted(metrics.PersistSkipped)
			return false
		}
	}

	text, err := state.Marshal()
	if err != nil {
		g.log.WithError(err).WithField("session_id", sessionID).Error("encoding snapshot failed")
		g.metrics.Persisted(metrics.PersistFailed)
		return false
	}
	g.lastFired[sessionID] = now
	g.gen++
	g.pending[sessionID] = pendingSnapshot{state: state.Clone(), gen: g.gen}
	g.queue = append(g.queue, job{
		rec: domain.SessionRecord{
			SessionID:    sessionID,
			CurrentState: text,
			Thumbnail:    state.Thumbnail,
			UpdatedAt:    now,
		},
		gen: g.gen,
	})
	g.signal()
	return true
}

// Load returns the latest snapshot of a session. A snapshot that is still
// queued wins over the stored record. It returns nil when nothing usable is
// stored.
func (g *Gateway) Load(ctx context.Context, sessionID string) (*domain.CanvasState, error) {
	g.mu.Lock()
	if p, ok := g.pending[sessionID]; ok {
		state := p.state.Clone()
		g.mu.Unlock()
		return &state, nil
	}
	g.mu.Unlock()

	rec, err := g.repo.ReadSessionRecord(ctx, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "load snapshot")
	}
	if rec == nil {
		return nil, nil
	}
	state, err := domain.ParseCanvasState(rec.CurrentState)
	if err != nil {
		g.log.WithError(err).WithField("session_id", sessionID).Warn("stored snapshot unreadable, ignoring")
		return nil, nil
	}
	if state.Thumbnail == "" {
		state.Thumbnail = rec.Thumbnail
	}
	return &state, nil
}

// Forget drops the throttle bookkeeping of a session.
func (g *Gateway) Forget(sessionID string) {
	g.mu.Lock()
	delete(g.lastFired, sessionID)
	g.mu.Unlock()
}

// Flush waits until every write accepted so far has been attempted.
func (g *Gateway) Flush(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}
	barrier := make(chan struct{})
	g.queue = append(g.queue, job{barrier: barrier})
	g.signal()
	g.mu.Unlock()

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting writes and waits for the queue to drain.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	if !g.closed {
		g.closed = true
		close(g.stop)
	}
	g.mu.Unlock()

	select {
	case <-g.done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "draining snapshot writes")
	}
}

func (g *Gateway) signal() {
	select {
	case g.wake <- struct{}{}:
	default:
	}
}

func (g *Gateway) run() {
	defer close(g.done)
	for {
		g.drain()
		select {
		case <-g.wake:
		case <-g.stop:
			g.drain()
			return
		}
	}
}

func (g *Gateway) drain() {
	for {
		g.mu.Lock()
		if len(g.queue) == 0 {
			g.mu.Unlock()
			return
		}
		j := g.queue[0]
		g.queue[0] = job{}
		g.queue = g.queue[1:]
		g.mu.Unlock()

		if j.barrier != nil {
			close(j.barrier)
			continue
		}
		g.write(j)
	}
}

func (g *Gateway) write(j job) {
	ctx := context.Background()
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	log := g.log.WithField("session_id", j.rec.SessionID)
	if err := g.repo.WriteSessionRecord(ctx, j.rec); err != nil {
		log.WithError(err).Error("persisting snapshot failed")
		g.metrics.Persisted(metrics.PersistFailed)
	} else {
		log.Debug("snapshot persisted")
		g.metrics.Persisted(metrics.PersistWritten)
	}

	g.mu.Lock()
	if p, ok := g.pending[j.rec.SessionID]; ok && p.gen == j.gen {
		delete(g.pending, j.rec.SessionID)
	}
	g.mu.Unlock()
}
