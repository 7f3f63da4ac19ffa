package connection

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/edgeflow/pkg/flowfile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a settable clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestConnection(t *testing.T, clock *fakeClock, mutate func(*Config)) *Connection {
	t.Helper()
	cfg := Config{
		Name:          "test",
		Source:        "producer",
		Destination:   "consumer",
		Relationships: []string{"success"},
		Now:           clock.Now,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func record(name string, size int64, now time.Time) *flowfile.Record {
	r := flowfile.New(now)
	r.Attributes.Set(flowfile.AttrFilename, name)
	r.Size = size
	return r
}

func names(recs []*flowfile.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i], _ = r.Attribute(flowfile.AttrFilename)
	}
	return out
}

func drain(c *Connection) []string {
	var out []string
	for {
		r, ok := c.Poll()
		if !ok {
			return out
		}
		name, _ := r.Attribute(flowfile.AttrFilename)
		out = append(out, name)
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Source: "a", Relationships: []string{"success"}})
	assert.Error(t, err)

	_, err = New(Config{Source: "a", Destination: "b"})
	assert.Error(t, err)

	c, err := New(Config{Source: "a", Destination: "b", Relationships: []string{"success"}})
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID())
	assert.Equal(t, "fifo", c.Prioritizer().Name())
	assert.True(t, c.Accepts("success"))
	assert.False(t, c.Accepts("failure"))
}

func TestConnection_FIFO(t *testing.T) {
	clock := newFakeClock()
	c := newTestConnection(t, clock, nil)

	for _, n := range []string{"a", "b", "c"} {
		c.Enqueue(record(n, 1, clock.Now()))
	}

	assert.Equal(t, []string{"a", "b", "c"}, drain(c))

	_, ok := c.Poll()
	assert.False(t, ok, "empty queue returns immediately")
}

func TestConnection_PriorityPrioritizer(t *testing.T) {
	clock := newFakeClock()
	c := newTestConnection(t, clock, func(cfg *Config) { cfg.Prioritizer = PriorityAttribute{} })

	for i, p := range []string{"5", "", "1", "5", "x"} {
		r := record("r"+strconv.Itoa(i), 1, clock.Now())
		if p != "" {
			r.Attributes.Set(flowfile.AttrPriority, p)
		}
		c.Enqueue(r)
	}

	// Numeric priorities ascending, ties and unparseable values by age.
	assert.Equal(t, []string{"r2", "r0", "r3", "r1", "r4"}, drain(c))
}

func TestConnection_AgePrioritizers(t *testing.T) {
	clock := newFakeClock()
	base := clock.Now()

	build := func(p Prioritizer) []string {
		c := newTestConnection(t, clock, func(cfg *Config) { cfg.Prioritizer = p })
		c.Enqueue(record("mid", 1, base.Add(time.Minute)))
		c.Enqueue(record("new", 1, base.Add(2*time.Minute)))
		c.Enqueue(record("old", 1, base))
		return drain(c)
	}

	assert.Equal(t, []string{"old", "mid", "new"}, build(OldestFirst{}))
	assert.Equal(t, []string{"new", "mid", "old"}, build(NewestFirst{}))
}

func TestConnection_ExpirationPrunedBeforeDelivery(t *testing.T) {
	clock := newFakeClock()
	var expired []string
	c := newTestConnection(t, clock, nil)
	c.SetExpirationHandler(func(conn *Connection, recs []*flowfile.Record) {
		assert.Same(t, c, conn)
		expired = append(expired, names(recs)...)
	})

	a := record("a", 10, clock.Now())
	a.Expiration = time.Second
	b := record("b", 10, clock.Now())
	c.EnqueueAll([]*flowfile.Record{a, b})

	clock.Advance(2 * time.Second)

	got, ok := c.Poll()
	require.True(t, ok)
	name, _ := got.Attribute(flowfile.AttrFilename)
	assert.Equal(t, "b", name)
	assert.Equal(t, []string{"a"}, expired)

	count, bytes := c.Size()
	assert.Equal(t, 1, count, "expired record no longer counted")
	assert.Equal(t, int64(10), bytes)
}

func TestConnection_DefaultExpiration(t *testing.T) {
	clock := newFakeClock()
	c := newTestConnection(t, clock, func(cfg *Config) { cfg.Expiration = time.Minute })

	r := record("a", 1, clock.Now())
	c.Enqueue(r)
	assert.Equal(t, time.Minute, r.Expiration)
	assert.Equal(t, clock.Now(), r.QueueDate)
	assert.Equal(t, c.ID(), r.Connection)

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, c.Expire())
	assert.True(t, c.IsEmpty())
}

func TestConnection_ExpirePrunesPenalized(t *testing.T) {
	clock := newFakeClock()
	var expired []string
	c := newTestConnection(t, clock, func(cfg *Config) { cfg.Expiration = time.Minute })
	c.SetExpirationHandler(func(_ *Connection, recs []*flowfile.Record) {
		expired = append(expired, names(recs)...)
	})

	p := record("penalized", 5, clock.Now())
	p.Penalized = true
	p.PenaltyExpiration = clock.Now().Add(time.Hour)
	c.Enqueue(p)
	c.Enqueue(record("ready", 1, clock.Now()))

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 2, c.Expire())
	assert.ElementsMatch(t, []string{"penalized", "ready"}, expired)

	count, bytes := c.Size()
	assert.Zero(t, count)
	assert.Zero(t, bytes)
	assert.Zero(t, c.Queued())
}

func TestConnection_PenalizedSkipped(t *testing.T) {
	clock := newFakeClock()
	c := newTestConnection(t, clock, nil)

	p := record("penalized", 1, clock.Now())
	p.Penalized = true
	p.PenaltyExpiration = clock.Now().Add(30 * time.Second)
	c.Enqueue(p)
	c.Enqueue(record("ready", 1, clock.Now()))

	assert.Equal(t, []string{"ready"}, names(c.PollBatch(10)))
	_, ok := c.Poll()
	assert.False(t, ok)

	clock.Advance(31 * time.Second)
	got, ok := c.Poll()
	require.True(t, ok)
	assert.False(t, got.Penalized)
}

func TestConnection_AcknowledgeAndRequeue(t *testing.T) {
	clock := newFakeClock()
	c := newTestConnection(t, clock, nil)

	for _, n := range []string{"a", "b", "c", "d"} {
		c.Enqueue(record(n, 5, clock.Now()))
	}

	batch := c.PollBatch(3)
	require.Len(t, batch, 3)
	assert.Equal(t, 3, c.InFlight())

	count, bytes := c.Size()
	assert.Equal(t, 4, count, "in-flight records are still accounted")
	assert.Equal(t, int64(20), bytes)

	// Commit the first, roll back the other two.
	c.Acknowledge(batch[0].ID)
	c.Requeue(batch[1], batch[2])
	assert.Equal(t, 0, c.InFlight())

	count, _ = c.Size()
	assert.Equal(t, 3, count)
	assert.Equal(t, []string{"b", "c", "d"}, drain(c), "requeued records return to the front in order")
}

func TestConnection_RequeueTwiceKeepsFrontOrder(t *testing.T) {
	clock := newFakeClock()
	c := newTestConnection(t, clock, nil)

	for _, n := range []string{"a", "b", "c"} {
		c.Enqueue(record(n, 1, clock.Now()))
	}

	first, _ := c.Poll()
	second, _ := c.Poll()
	c.Requeue(second)
	c.Requeue(first)

	assert.Equal(t, []string{"a", "b", "c"}, drain(c))
}

func TestConnection_Backpressure(t *testing.T) {
	clock := newFakeClock()
	c := newTestConnection(t, clock, func(cfg *Config) {
		cfg.MaxQueueSize = 2
		cfg.MaxQueueBytes = 100
	})

	s := c.Enqueue(record("a", 10, clock.Now()))
	assert.False(t, s.Full)

	s = c.Enqueue(record("b", 10, clock.Now()))
	assert.True(t, s.Full, "count threshold reached")
	assert.Equal(t, 2, s.Count)

	s = c.Enqueue(record("c", 10, clock.Now()))
	assert.True(t, s.Full)
	assert.Equal(t, 3, s.Count, "full is a status, the record is accepted")

	drain(c)
	assert.True(t, c.IsFull(), "in-flight records still count")

	bytesConn := newTestConnection(t, clock, func(cfg *Config) { cfg.MaxQueueBytes = 100 })
	assert.True(t, bytesConn.Enqueue(record("big", 150, clock.Now())).Full)
}

func TestConnection_ConcurrentPollExclusive(t *testing.T) {
	clock := newFakeClock()
	c := newTestConnection(t, clock, nil)

	const total = 1000
	for i := 0; i < total; i++ {
		c.Enqueue(record(strconv.Itoa(i), 1, clock.Now()))
	}

	var mu sync.Mutex
	seen := make(map[flowfile.ID]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				recs := c.PollBatch(3)
				if len(recs) == 0 {
					return
				}
				mu.Lock()
				for _, r := range recs {
					seen[r.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "record %s delivered more than once", id)
	}
}

func TestParsePrioritizer(t *testing.T) {
	for name, want := range map[string]string{
		"":             "fifo",
		"FIFO":         "fifo",
		"priority":     "priority",
		"oldest_first": "oldest_first",
		"newest":       "newest_first",
	} {
		p, err := ParsePrioritizer(name)
		require.NoError(t, err)
		assert.Equal(t, want, p.Name())
	}

	_, err := ParsePrioritizer("random")
	assert.Error(t, err)
}
