// Package connection implements the bounded queue between two processing
// units.
//
// A connection never blocks: Poll returns false when nothing is ready and
// Enqueue always accepts, reporting backpressure through Status.Full. The
// owning scheduler stops triggering the upstream unit while its outgoing
// connections are full.
//
// Records polled by a session stay accounted to the connection (in flight)
// until the session commits (Acknowledge) or rolls back (Requeue).
package connection

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/edgeflow/internal/logger"
	"github.com/marmos91/edgeflow/pkg/flowfile"
)

// Status reports the size of a connection after an enqueue.
type Status struct {
	// Full is set when a backpressure threshold is reached. The records
	// were still accepted.
	Full bool

	Count int
	Bytes int64
}

// ExpirationHandler receives records pruned because they waited longer
// than their expiration. Called without the connection lock held.
type ExpirationHandler func(conn *Connection, expired []*flowfile.Record)

// Metrics observes queue activity. Optional.
type Metrics interface {
	SetDepth(connection string, count int, bytes int64)
	RecordExpired(connection string, count int)
}

type noopMetrics struct{}

func (noopMetrics) SetDepth(string, int, int64) {}
func (noopMetrics) RecordExpired(string, int)   {}

// Config describes a connection.
type Config struct {
	// ID identifies the connection (default: random UUID)
	ID string

	Name string

	// Source and Destination are processing unit ids
	Source      string
	Destination string

	// Relationships accepted from the source unit
	Relationships []string

	// Prioritizer orders queued records (default: FIFO)
	Prioritizer Prioritizer

	// MaxQueueSize and MaxQueueBytes are backpressure thresholds
	// (0 = unlimited)
	MaxQueueSize  int
	MaxQueueBytes int64

	// Expiration is applied to records enqueued without one (0 = never)
	Expiration time.Duration

	Logger  *logger.Logger
	Metrics Metrics

	// Now overrides the clock (tests)
	Now func() time.Time
}

// Connection is a prioritized queue of flow file records.
//
// Thread Safety:
// Safe for concurrent use. The lock is held only for queue manipulation;
// expiration handlers and metrics run outside it.
type Connection struct {
	id            string
	name          string
	source        string
	destination   string
	relationships map[string]struct{}
	prioritizer   Prioritizer
	maxCount      int
	maxBytes      int64
	expiration    time.Duration
	log           *logger.Logger
	metrics       Metrics
	now           func() time.Time

	mu        sync.Mutex
	queue     recordHeap
	penalized []*queued
	inflight  map[flowfile.ID]*queued
	count     int
	bytes     int64
	backSeq   int64
	frontSeq  int64
	onExpire  ExpirationHandler
}

// New creates a connection.
func New(cfg Config) (*Connection, error) {
	if cfg.Source == "" || cfg.Destination == "" {
		return nil, fmt.Errorf("connection %q: source and destination are required", cfg.Name)
	}
	if len(cfg.Relationships) == 0 {
		return nil, fmt.Errorf("connection %q: at least one relationship is required", cfg.Name)
	}
	if cfg.MaxQueueSize < 0 || cfg.MaxQueueBytes < 0 || cfg.Expiration < 0 {
		return nil, fmt.Errorf("connection %q: thresholds must not be negative", cfg.Name)
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}
	if cfg.Prioritizer == nil {
		cfg.Prioritizer = FIFO{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	c := &Connection{
		id:            cfg.ID,
		name:          cfg.Name,
		source:        cfg.Source,
		destination:   cfg.Destination,
		relationships: make(map[string]struct{}, len(cfg.Relationships)),
		prioritizer:   cfg.Prioritizer,
		maxCount:      cfg.MaxQueueSize,
		maxBytes:      cfg.MaxQueueBytes,
		expiration:    cfg.Expiration,
		log:           cfg.Logger.With("connection"),
		metrics:       cfg.Metrics,
		now:           cfg.Now,
		queue:         recordHeap{prioritizer: cfg.Prioritizer},
		inflight:      make(map[flowfile.ID]*queued),
	}
	for _, rel := range cfg.Relationships {
		c.relationships[rel] = struct{}{}
	}
	return c, nil
}

func (c *Connection) ID() string          { return c.id }
func (c *Connection) Name() string        { return c.name }
func (c *Connection) Source() string      { return c.source }
func (c *Connection) Destination() string { return c.destination }

// Expiration is the default expiration applied to enqueued records.
func (c *Connection) Expiration() time.Duration { return c.expiration }

// Prioritizer returns the ordering policy.
func (c *Connection) Prioritizer() Prioritizer { return c.prioritizer }

// Relationships returns the accepted relationship labels.
func (c *Connection) Relationships() []string {
	out := make([]string, 0, len(c.relationships))
	for rel := range c.relationships {
		out = append(out, rel)
	}
	return out
}

// Accepts reports whether records routed to rel flow into this connection.
func (c *Connection) Accepts(rel string) bool {
	_, ok := c.relationships[rel]
	return ok
}

// SetExpirationHandler installs the callback receiving expired records.
func (c *Connection) SetExpirationHandler(h ExpirationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onExpire = h
}

// Enqueue adds a record at the back of the queue. The record is owned by
// the connection from now on.
func (c *Connection) Enqueue(rec *flowfile.Record) Status {
	return c.EnqueueAll([]*flowfile.Record{rec})
}

// EnqueueAll adds records in order.
func (c *Connection) EnqueueAll(recs []*flowfile.Record) Status {
	now := c.now()

	c.mu.Lock()
	for _, rec := range recs {
		c.prepare(rec, now)
		c.backSeq++
		c.insertLocked(&queued{rec: rec, seq: c.backSeq}, now)
	}
	status := c.statusLocked()
	c.mu.Unlock()

	c.metrics.SetDepth(c.name, status.Count, status.Bytes)
	if status.Full {
		c.log.Debug("Connection %s is full: count=%d bytes=%d", c.name, status.Count, status.Bytes)
	}
	return status
}

// prepare fills the queue placement fields the session left empty.
func (c *Connection) prepare(rec *flowfile.Record, now time.Time) {
	rec.Connection = c.id
	if rec.QueueDate.IsZero() {
		rec.QueueDate = now
	}
	if rec.Expiration == 0 {
		rec.Expiration = c.expiration
	}
}

func (c *Connection) insertLocked(q *queued, now time.Time) {
	c.count++
	c.bytes += q.rec.Size
	if q.rec.IsPenalized(now) {
		c.penalized = append(c.penalized, q)
		return
	}
	heap.Push(&c.queue, q)
}

// Poll removes the next ready record and marks it in flight. Expired
// records met on the way are pruned and reported instead of delivered.
func (c *Connection) Poll() (*flowfile.Record, bool) {
	recs := c.PollBatch(1)
	if len(recs) == 0 {
		return nil, false
	}
	return recs[0], true
}

// PollBatch removes up to n ready records.
func (c *Connection) PollBatch(n int) []*flowfile.Record {
	if n <= 0 {
		return nil
	}
	now := c.now()

	c.mu.Lock()
	c.releasePenaltiesLocked(now)

	var out, expired []*flowfile.Record
	for len(out) < n && c.queue.Len() > 0 {
		q := heap.Pop(&c.queue).(*queued)
		if q.rec.Expired(now) {
			c.count--
			c.bytes -= q.rec.Size
			expired = append(expired, q.rec)
			continue
		}
		c.inflight[q.rec.ID] = q
		out = append(out, q.rec)
	}
	handler := c.onExpire
	status := c.statusLocked()
	c.mu.Unlock()

	c.reportExpired(handler, expired)
	if len(expired) > 0 {
		c.metrics.SetDepth(c.name, status.Count, status.Bytes)
	}
	return out
}

// releasePenaltiesLocked moves records whose penalty ran out back into the
// queue.
func (c *Connection) releasePenaltiesLocked(now time.Time) {
	if len(c.penalized) == 0 {
		return
	}
	kept := c.penalized[:0]
	for _, q := range c.penalized {
		if q.rec.IsPenalized(now) {
			kept = append(kept, q)
			continue
		}
		q.rec.Penalized = false
		q.rec.PenaltyExpiration = time.Time{}
		heap.Push(&c.queue, q)
	}
	for i := len(kept); i < len(c.penalized); i++ {
		c.penalized[i] = nil
	}
	c.penalized = kept
}

// Acknowledge permanently removes in-flight records. Unknown ids are
// ignored.
func (c *Connection) Acknowledge(ids ...flowfile.ID) {
	c.mu.Lock()
	for _, id := range ids {
		q, ok := c.inflight[id]
		if !ok {
			continue
		}
		delete(c.inflight, id)
		c.count--
		c.bytes -= q.rec.Size
	}
	status := c.statusLocked()
	c.mu.Unlock()

	c.metrics.SetDepth(c.name, status.Count, status.Bytes)
}

// Requeue returns records to the front of the queue, keeping their relative
// order. Records still in flight are taken out of the in-flight set;
// others are added.
func (c *Connection) Requeue(recs ...*flowfile.Record) {
	if len(recs) == 0 {
		return
	}
	now := c.now()

	c.mu.Lock()
	c.frontSeq -= int64(len(recs))
	for i, rec := range recs {
		if q, ok := c.inflight[rec.ID]; ok {
			delete(c.inflight, rec.ID)
			c.count--
			c.bytes -= q.rec.Size
		}
		c.prepare(rec, now)
		c.insertLocked(&queued{rec: rec, seq: c.frontSeq + int64(i)}, now)
	}
	status := c.statusLocked()
	c.mu.Unlock()

	c.metrics.SetDepth(c.name, status.Count, status.Bytes)
}

// Expire prunes every expired queued record, not only those reached by
// Poll, and returns how many were removed. Penalized records are pruned
// too; a penalty does not stop the expiration clock.
func (c *Connection) Expire() int {
	now := c.now()

	c.mu.Lock()
	var expired []*flowfile.Record
	c.queue.items = c.pruneExpiredLocked(c.queue.items, now, &expired)
	for i, q := range c.queue.items {
		q.index = i
	}
	heap.Init(&c.queue)
	c.penalized = c.pruneExpiredLocked(c.penalized, now, &expired)
	handler := c.onExpire
	status := c.statusLocked()
	c.mu.Unlock()

	c.reportExpired(handler, expired)
	if len(expired) > 0 {
		c.metrics.SetDepth(c.name, status.Count, status.Bytes)
	}
	return len(expired)
}

// pruneExpiredLocked filters items in place, appending expired records
// to expired and uncounting them.
func (c *Connection) pruneExpiredLocked(items []*queued, now time.Time, expired *[]*flowfile.Record) []*queued {
	kept := items[:0]
	for _, q := range items {
		if q.rec.Expired(now) {
			*expired = append(*expired, q.rec)
			c.count--
			c.bytes -= q.rec.Size
			continue
		}
		kept = append(kept, q)
	}
	for i := len(kept); i < len(items); i++ {
		items[i] = nil
	}
	return kept
}

func (c *Connection) reportExpired(handler ExpirationHandler, expired []*flowfile.Record) {
	if len(expired) == 0 {
		return
	}
	c.metrics.RecordExpired(c.name, len(expired))
	c.log.Debug("Connection %s expired %d records", c.name, len(expired))
	if handler != nil {
		handler(c, expired)
	}
}

// Size returns the number of records and bytes held, including records in
// flight.
func (c *Connection) Size() (int, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count, c.bytes
}

// Queued returns the number of records ready or penalized (not in flight).
func (c *Connection) Queued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.Len() + len(c.penalized)
}

// InFlight returns the number of polled, unacknowledged records.
func (c *Connection) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// IsFull reports whether a backpressure threshold is reached.
func (c *Connection) IsFull() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked().Full
}

// IsEmpty reports whether nothing is queued or in flight.
func (c *Connection) IsEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count == 0
}

func (c *Connection) statusLocked() Status {
	full := (c.maxCount > 0 && c.count >= c.maxCount) ||
		(c.maxBytes > 0 && c.bytes >= c.maxBytes)
	return Status{Full: full, Count: c.count, Bytes: c.bytes}
}

func (c *Connection) String() string {
	return fmt.Sprintf("connection[%s %s->%s]", c.name, c.source, c.destination)
}
