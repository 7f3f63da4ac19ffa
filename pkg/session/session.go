// Package session implements the processing session: the transaction scope
// in which a processing unit reads, creates, modifies and routes flow
// files.
//
// Nothing a session does is visible outside it until Commit. Commit writes
// every record mutation to the repository in one Append; only after that
// succeeds are claim counts updated, records enqueued on their
// destinations and inputs acknowledged. A crash between the Append and the
// queue updates is repaired by recovery, which rebuilds queues and counts
// from the repository.
//
// A session is single-use and must not be shared between goroutines,
// except with the Sweeper, which may roll it back concurrently.
package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/edgeflow/internal/logger"
	"github.com/marmos91/edgeflow/pkg/claim"
	"github.com/marmos91/edgeflow/pkg/connection"
	"github.com/marmos91/edgeflow/pkg/flow"
	"github.com/marmos91/edgeflow/pkg/flowerr"
	"github.com/marmos91/edgeflow/pkg/flowfile"
)

// State is the lifecycle state of a session.
type State int

const (
	Open State = iota
	Committed
	RolledBack
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled back"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Metrics observes session outcomes. Optional.
type Metrics interface {
	ObserveCommit(unit string, records int, duration time.Duration, err error)
	RecordRollback(unit string, inputs int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveCommit(string, int, time.Duration, error) {}
func (noopMetrics) RecordRollback(string, int)                      {}

// Config configures sessions.
type Config struct {
	// PenaltyDuration is how long a penalized record is held back
	// (default: 30s)
	PenaltyDuration time.Duration

	// Sweeper tracks the session so it can be rolled back if the unit
	// never finishes it. Optional.
	Sweeper *Sweeper

	Metrics Metrics

	// Now overrides the clock (tests)
	Now func() time.Time
}

// entry is the session's view of one record.
type entry struct {
	// original is the record as polled from its connection; nil for
	// records created in this session
	original *flowfile.Record
	source   *connection.Connection

	// current is the working copy handed to the caller
	current *flowfile.Record

	relationship string
	writing      bool
}

// freshClaim is a claim allocated by this session and not yet committed.
type freshClaim struct {
	claim *claim.ResourceClaim

	// size is the number of bytes written to the claim so far
	size int64

	// owner is the record whose content ends at size
	owner   flowfile.ID
	writing bool
}

// stream is an open read or write stream.
type stream interface {
	abort()
}

// Session is a processing session.
type Session struct {
	id      string
	unit    string
	repos   flow.Repositories
	reg     *flow.Registry
	log     *logger.Logger
	metrics Metrics
	sweeper *Sweeper
	now     func() time.Time
	penalty time.Duration
	started time.Time

	mu      sync.Mutex
	state   State
	records map[flowfile.ID]*entry
	order   []flowfile.ID
	inputs  []flowfile.ID
	fresh   map[claim.ID]*freshClaim
	streams map[stream]struct{}
	next    int // round-robin cursor over incoming connections
}

// New opens a session for the unit of pc.
func New(pc *flow.ProcessContext, cfg Config) *Session {
	if cfg.PenaltyDuration <= 0 {
		cfg.PenaltyDuration = 30 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Session{
		id:      uuid.NewString(),
		unit:    pc.UnitID,
		repos:   pc.Repositories,
		reg:     pc.Registry,
		log:     pc.Logger.With("session"),
		metrics: cfg.Metrics,
		sweeper: cfg.Sweeper,
		now:     cfg.Now,
		penalty: cfg.PenaltyDuration,
		started: cfg.Now(),
		records: make(map[flowfile.ID]*entry),
		fresh:   make(map[claim.ID]*freshClaim),
		streams: make(map[stream]struct{}),
	}
	if s.sweeper != nil {
		s.sweeper.track(s)
	}
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Unit returns the id of the unit owning the session.
func (s *Session) Unit() string { return s.unit }

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// checkOpen returns SessionClosed unless the session is open. Caller holds
// mu.
func (s *Session) checkOpen(op string) error {
	if s.state != Open {
		return flowerr.New(flowerr.SessionClosed, op, "session %s is %s", s.id, s.state)
	}
	return nil
}

// lookup returns the live entry for rec. Caller holds mu.
func (s *Session) lookup(op string, rec *flowfile.Record) (*entry, error) {
	if err := s.checkOpen(op); err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, flowerr.New(flowerr.ContractViolation, op, "nil record")
	}
	e, ok := s.records[rec.ID]
	if !ok {
		return nil, flowerr.New(flowerr.ContractViolation, op, "record %s does not belong to this session", rec.ID)
	}
	if e.current.Deleted {
		return nil, flowerr.New(flowerr.ContractViolation, op, "record %s was removed", rec.ID)
	}
	return e, nil
}

func (s *Session) add(e *entry) {
	s.records[e.current.ID] = e
	s.order = append(s.order, e.current.ID)
}

// ============================================================================
// Acquiring and creating records
// ============================================================================

// Get takes the next ready record from the unit's incoming connections,
// visiting them round robin. It returns nil when no work is available.
func (s *Session) Get() (*flowfile.Record, error) {
	recs, err := s.GetBatch(1)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs[0], nil
}

// GetBatch takes up to n ready records.
func (s *Session) GetBatch(n int) ([]*flowfile.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen("session.Get"); err != nil {
		return nil, err
	}

	incoming := s.reg.Incoming(s.unit)
	if len(incoming) == 0 || n <= 0 {
		return nil, nil
	}

	var out []*flowfile.Record
	for tried := 0; tried < len(incoming) && len(out) < n; tried++ {
		conn := incoming[s.next%len(incoming)]
		s.next++

		for _, rec := range conn.PollBatch(n - len(out)) {
			e := &entry{original: rec, source: conn, current: rec.Clone()}
			s.add(e)
			s.inputs = append(s.inputs, rec.ID)
			out = append(out, e.current)
		}
	}
	return out, nil
}

// Create returns a new empty record.
func (s *Session) Create() (*flowfile.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen("session.Create"); err != nil {
		return nil, err
	}
	e := &entry{current: flowfile.New(s.now())}
	s.add(e)
	return e.current, nil
}

// CreateChild returns a new record inheriting every attribute of parent
// except its uuid. The child starts a new lineage and has no content.
func (s *Session) CreateChild(parent *flowfile.Record) (*flowfile.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.lookup("session.CreateChild", parent)
	if err != nil {
		return nil, err
	}

	child := flowfile.New(s.now())
	inheritAttributes(child, p.current)
	s.add(&entry{current: child})
	return child, nil
}

// Clone returns a new record sharing the whole content of rec.
func (s *Session) Clone(rec *flowfile.Record) (*flowfile.Record, error) {
	return s.CloneRange(rec, 0, -1)
}

// CloneRange returns a new record whose content is the sub-range
// [offset, offset+length) of rec's content. A negative length extends to
// the end. The bytes are not copied: the clone references the same claim,
// and the extra reference is counted at commit.
func (s *Session) CloneRange(rec *flowfile.Record, offset, length int64) (*flowfile.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup("session.Clone", rec)
	if err != nil {
		return nil, err
	}
	src := e.current
	if length < 0 {
		length = src.Size - offset
	}
	if offset < 0 || length < 0 || offset+length > src.Size {
		return nil, flowerr.New(flowerr.ContractViolation, "session.Clone",
			"range [%d, %d) outside content of %s (size %d)", offset, offset+length, src.ID, src.Size)
	}

	clone := duplicate(src, s.now())
	clone.Size = length
	if src.Content != nil {
		clone.Content = &flowfile.ContentRef{
			Claim:  src.Content.Claim,
			Offset: src.Content.Offset + offset,
			Length: length,
		}
	}
	s.add(&entry{current: clone})
	return clone, nil
}

// duplicate copies rec under a fresh id. Queue placement is not copied.
func duplicate(rec *flowfile.Record, now time.Time) *flowfile.Record {
	c := rec.Clone()
	c.ID = uuid.New()
	c.Attributes.Set(flowfile.AttrUUID, c.ID.String())
	c.EntryDate = now
	c.QueueDate = time.Time{}
	c.Connection = ""
	return c
}

func inheritAttributes(child, parent *flowfile.Record) {
	for _, a := range parent.Attributes.Pairs() {
		if a.Key == flowfile.AttrUUID {
			continue
		}
		child.Attributes.Set(a.Key, a.Value)
	}
}

// ============================================================================
// Attributes
// ============================================================================

// PutAttribute sets an attribute on rec. The uuid attribute is read-only.
func (s *Session) PutAttribute(rec *flowfile.Record, key, value string) (*flowfile.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup("session.PutAttribute", rec)
	if err != nil {
		return nil, err
	}
	if key == flowfile.AttrUUID {
		return nil, flowerr.New(flowerr.ContractViolation, "session.PutAttribute", "the %s attribute is read-only", key)
	}
	e.current.Attributes.Set(key, value)
	return e.current, nil
}

// PutAllAttributes sets every attribute of attrs, in key order. A uuid key
// is ignored.
func (s *Session) PutAllAttributes(rec *flowfile.Record, attrs map[string]string) (*flowfile.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup("session.PutAllAttributes", rec)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		if k != flowfile.AttrUUID {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		e.current.Attributes.Set(k, attrs[k])
	}
	return e.current, nil
}

// RemoveAttribute deletes an attribute from rec. The uuid attribute
// cannot be removed.
func (s *Session) RemoveAttribute(rec *flowfile.Record, key string) (*flowfile.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup("session.RemoveAttribute", rec)
	if err != nil {
		return nil, err
	}
	if key == flowfile.AttrUUID {
		return nil, flowerr.New(flowerr.ContractViolation, "session.RemoveAttribute", "the %s attribute cannot be removed", key)
	}
	e.current.Attributes.Remove(key)
	return e.current, nil
}

// ============================================================================
// Routing
// ============================================================================

// Transfer routes rec to relationship at commit.
func (s *Session) Transfer(rec *flowfile.Record, relationship string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup("session.Transfer", rec)
	if err != nil {
		return err
	}
	if relationship == "" {
		return flowerr.New(flowerr.ContractViolation, "session.Transfer", "empty relationship for %s", rec.ID)
	}
	e.relationship = relationship
	return nil
}

// Remove drops rec at commit. Its claim reference is released then.
func (s *Session) Remove(rec *flowfile.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup("session.Remove", rec)
	if err != nil {
		return err
	}
	if e.writing {
		return flowerr.New(flowerr.ContractViolation, "session.Remove", "record %s has an open write stream", rec.ID)
	}
	e.current.Deleted = true
	return nil
}

// Penalize holds rec back for the penalty duration once it is enqueued.
func (s *Session) Penalize(rec *flowfile.Record) (*flowfile.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup("session.Penalize", rec)
	if err != nil {
		return nil, err
	}
	e.current.Penalized = true
	e.current.PenaltyExpiration = s.now().Add(s.penalty)
	return e.current, nil
}
