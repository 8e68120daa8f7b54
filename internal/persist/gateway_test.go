package persist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/whiteboard/internal/domain"
	"github.com/xiaot623/gogo/whiteboard/internal/logging"
	"github.com/xiaot623/gogo/whiteboard/internal/metrics"
	"github.com/xiaot623/gogo/whiteboard/internal/store/storetest"
)

type memRepo struct {
	mu      sync.Mutex
	records map[string]domain.SessionRecord
	writes  []domain.SessionRecord
	failing bool
	gate    chan struct{}
}

func newMemRepo() *memRepo {
	return &memRepo{records: make(map[string]domain.SessionRecord)}
}

func (r *memRepo) ReadSessionRecord(ctx context.Context, sessionID string) (*domain.SessionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[sessionID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (r *memRepo) WriteSessionRecord(ctx context.Context, rec domain.SessionRecord) error {
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failing {
		return errors.New("disk full")
	}
	r.records[rec.SessionID] = rec
	r.writes = append(r.writes, rec)
	return nil
}

func (r *memRepo) writeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.writes)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func canvasWith(ids ...string) domain.CanvasState {
	c := domain.EmptyCanvas()
	for _, id := range ids {
		c.Paths = append(c.Paths, domain.Path{ID: id, Points: domain.Segments{}})
	}
	return c
}

func newTestGateway(t *testing.T, repo Repository, opts ...Option) *Gateway {
	t.Helper()
	g := NewGateway(repo, logging.Discard(), opts...)
	t.Cleanup(func() { _ = g.Close(context.Background()) })
	return g
}

func TestPersistThrottlesPerSession(t *testing.T) {
	repo := newMemRepo()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	g := newTestGateway(t, repo, WithClock(clock.Now))

	assert.True(t, g.Persist("s1", canvasWith("a"), false), "first write in a fresh window")
	clock.Advance(time.Second)
	assert.False(t, g.Persist("s1", canvasWith("a", "b"), false))
	assert.True(t, g.Persist("s2", canvasWith("x"), false), "windows are per session")
	clock.Advance(5 * time.Second)
	assert.True(t, g.Persist("s1", canvasWith("a", "b", "c"), false))

	require.NoError(t, g.Flush(context.Background()))
	assert.Equal(t, 3, repo.writeCount())

	rec, _ := repo.ReadSessionRecord(context.Background(), "s1")
	require.NotNil(t, rec)
	state, err := domain.ParseCanvasState(rec.CurrentState)
	require.NoError(t, err)
	assert.Len(t, state.Paths, 3)
}

func TestPersistForceBypassesAndRestartsWindow(t *testing.T) {
	repo := newMemRepo()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	g := newTestGateway(t, repo, WithClock(clock.Now))

	assert.True(t, g.Persist("s1", canvasWith("a"), false))
	clock.Advance(time.Second)
	assert.True(t, g.Persist("s1", canvasWith(), true))
	clock.Advance(4 * time.Second)
	assert.False(t, g.Persist("s1", canvasWith("b"), false), "window restarted by the forced write")

	g.Forget("s1")
	assert.True(t, g.Persist("s1", canvasWith("b"), false))

	require.NoError(t, g.Flush(context.Background()))
	assert.Equal(t, 3, repo.writeCount())
}

func TestLoadPrefersQueuedSnapshot(t *testing.T) {
	repo := newMemRepo()
	repo.records["s1"] = domain.SessionRecord{SessionID: "s1", CurrentState: `{"paths":[]}`}
	repo.gate = make(chan struct{})
	g := newTestGateway(t, repo)

	require.True(t, g.Persist("s1", canvasWith("fresh"), true))

	got, err := g.Load(context.Background(), "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got.Paths, 1)
	assert.Equal(t, "fresh", got.Paths[0].ID)

	close(repo.gate)
	require.NoError(t, g.Flush(context.Background()))

	got, err = g.Load(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, got.Paths, 1)
	assert.Equal(t, "fresh", got.Paths[0].ID)
}

func TestLoadMissingOrUnreadable(t *testing.T) {
	repo := newMemRepo()
	repo.records["bad"] = domain.SessionRecord{SessionID: "bad", CurrentState: "{not json"}
	g := newTestGateway(t, repo)

	got, err := g.Load(context.Background(), "none")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = g.Load(context.Background(), "bad")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestWriteFailuresAreSwallowed(t *testing.T) {
	repo := newMemRepo()
	repo.failing = true
	m := metrics.New(prometheus.NewRegistry())
	g := newTestGateway(t, repo, WithMetrics(m))

	assert.True(t, g.Persist("s1", canvasWith("a"), true))
	require.NoError(t, g.Flush(context.Background()))
	assert.Equal(t, 0, repo.writeCount())

	got, err := g.Load(context.Background(), "s1")
	require.NoError(t, err)
	assert.Nil(t, got, "failed snapshot is not kept around")
}

func TestCloseDrainsQueue(t *testing.T) {
	repo := newMemRepo()
	g := NewGateway(repo, logging.Discard())

	for _, id := range []string{"a", "b", "c"} {
		g.Persist(id, canvasWith(id), true)
	}
	require.NoError(t, g.Close(context.Background()))
	assert.Equal(t, 3, repo.writeCount())

	assert.False(t, g.Persist("d", canvasWith(), true))
	assert.ErrorIs(t, g.Flush(context.Background()), ErrClosed)
}

func TestRoundTripThroughSQLite(t *testing.T) {
	db := storetest.NewTestSQLiteStore(t)
	g := newTestGateway(t, db)

	state := canvasWith("p1", "p2")
	state.Thumbnail = "data:image/png;base64,AAAA"
	require.True(t, g.Persist("s1", state, true))
	require.NoError(t, g.Flush(context.Background()))

	cold := newTestGateway(t, db)
	got, err := cold.Load(context.Background(), "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, state, *got)
}
