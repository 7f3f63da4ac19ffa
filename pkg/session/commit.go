package session

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/marmos91/edgeflow/pkg/claim"
	"github.com/marmos91/edgeflow/pkg/connection"
	"github.com/marmos91/edgeflow/pkg/flowerr"
	"github.com/marmos91/edgeflow/pkg/flowfile"
	"github.com/marmos91/edgeflow/pkg/store/repository"
)

// queueSeq numbers placements process-wide. Recovery breaks QueueDate
// ties with it.
var queueSeq atomic.Uint64

// placement is a record bound for a connection.
type placement struct {
	conn *connection.Connection
	rec  *flowfile.Record
}

// commitPlan is everything Commit applies once the repository append
// succeeded.
type commitPlan struct {
	entries    []repository.Entry
	placements []placement
	deltas     map[claim.ID]int64
	acks       map[*connection.Connection][]flowfile.ID
}

// Commit makes every effect of the session visible.
//
// Steps:
//  1. Validate: no open streams, every live record routed to a
//     relationship that has a connection or is auto-terminated
//  2. Plan: repository entries, queue placements (fan-out clones for
//     relationships with several connections), claim deltas
//  3. Append the entries in one batch
//  4. Apply claim increments, seal fresh claims, release unused ones,
//     apply decrements
//  5. Enqueue placements and acknowledge inputs
//
// When validation or the append fails, nothing outside the session has
// changed and the session stays open: the caller may fix the problem and
// commit again, or roll back.
func (s *Session) Commit(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	records := 0
	defer func() {
		s.metrics.ObserveCommit(s.unit, records, time.Since(start), err)
	}()

	if err = s.checkOpen("session.Commit"); err != nil {
		return err
	}

	// ========================================================================
	// Step 1 + 2: Validate and plan
	// ========================================================================

	plan, err := s.plan()
	if err != nil {
		return err
	}
	records = len(plan.placements)

	// ========================================================================
	// Step 3: Durable append
	// ========================================================================

	if len(plan.entries) > 0 {
		if _, err = s.repos.FlowFiles.Append(ctx, plan.entries); err != nil {
			s.log.Error("Commit of session %s failed: %v", s.id, err)
			return err
		}
	}

	// ========================================================================
	// Step 4: Claim references
	// ========================================================================

	for id, d := range plan.deltas {
		for ; d > 0; d-- {
			s.repos.Claims.Increment(id)
		}
	}
	for _, fc := range s.fresh {
		fc.claim.Seal()
		if plan.deltas[fc.claim.ID()] <= 0 {
			s.repos.Claims.Release(fc.claim)
		}
	}
	for id, d := range plan.deltas {
		for ; d < 0; d++ {
			if _, derr := s.repos.Claims.Decrement(id); derr != nil {
				s.log.Error("Session %s: %v", s.id, derr)
			}
		}
	}

	// ========================================================================
	// Step 5: Queues
	// ========================================================================

	byConn := make(map[*connection.Connection][]*flowfile.Record)
	var conns []*connection.Connection
	for _, p := range plan.placements {
		if _, ok := byConn[p.conn]; !ok {
			conns = append(conns, p.conn)
		}
		byConn[p.conn] = append(byConn[p.conn], p.rec)
	}
	for _, conn := range conns {
		conn.EnqueueAll(byConn[conn])
	}
	for conn, ids := range plan.acks {
		conn.Acknowledge(ids...)
	}

	s.state = Committed
	s.finish()
	return nil
}

// plan validates the session and computes the commit. It does not modify
// working copies. Caller holds mu.
func (s *Session) plan() (*commitPlan, error) {
	if len(s.streams) > 0 {
		return nil, flowerr.New(flowerr.ContractViolation, "session.Commit", "%d streams still open", len(s.streams))
	}

	now := s.now()
	plan := &commitPlan{
		deltas: make(map[claim.ID]int64),
		acks:   make(map[*connection.Connection][]flowfile.ID),
	}

	for _, id := range s.order {
		e := s.records[id]

		if e.original != nil {
			plan.acks[e.source] = append(plan.acks[e.source], id)
			if ref := e.original.Content; ref != nil {
				plan.deltas[ref.Claim]--
			}
		}

		if e.current.Deleted {
			if e.original != nil {
				plan.entries = append(plan.entries, repository.NewDelete(id))
			}
			continue
		}

		if e.relationship == "" {
			return nil, flowerr.New(flowerr.ContractViolation, "session.Commit",
				"record %s was not transferred to a relationship", id)
		}

		conns := s.reg.Outgoing(s.unit, e.relationship)
		if len(conns) == 0 {
			if !s.reg.IsAutoTerminated(s.unit, e.relationship) {
				return nil, flowerr.New(flowerr.ContractViolation, "session.Commit",
					"relationship %q of %s has no connection and is not auto-terminated", e.relationship, s.unit)
			}
			if e.original != nil {
				plan.entries = append(plan.entries, repository.NewDelete(id))
			}
			continue
		}

		for i, conn := range conns {
			var rec *flowfile.Record
			op := repository.OpAdd
			if i == 0 {
				rec = e.current.Clone()
				if e.original != nil {
					op = repository.OpUpdate
				}
			} else {
				rec = duplicate(e.current, now)
			}
			rec.Connection = conn.ID()
			rec.QueueDate = now
			rec.QueueSeq = queueSeq.Add(1)
			rec.Expiration = conn.Expiration()

			plan.entries = append(plan.entries, repository.Entry{Op: op, RecordID: rec.ID, Record: rec})
			plan.placements = append(plan.placements, placement{conn: conn, rec: rec})
			if rec.Content != nil {
				plan.deltas[rec.Content.Claim]++
			}
		}
	}
	return plan, nil
}

// Rollback discards every change of the session. Fresh claims are released
// and inputs go back to the front of their connections in the order they
// were taken.
func (s *Session) Rollback(ctx context.Context) error {
	return s.rollback(ctx, false)
}

// RollbackPenalize rolls back and penalizes the inputs, so they are not
// handed out again before the penalty duration.
func (s *Session) RollbackPenalize(ctx context.Context) error {
	return s.rollback(ctx, true)
}

func (s *Session) rollback(_ context.Context, penalize bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen("session.Rollback"); err != nil {
		return err
	}

	for st := range s.streams {
		st.abort()
		delete(s.streams, st)
	}

	for _, fc := range s.fresh {
		s.repos.Claims.Release(fc.claim)
	}

	now := s.now()
	byConn := make(map[*connection.Connection][]*flowfile.Record)
	var conns []*connection.Connection
	for _, id := range s.inputs {
		e := s.records[id]
		rec := e.original
		if penalize {
			rec = rec.Clone()
			rec.Penalized = true
			rec.PenaltyExpiration = now.Add(s.penalty)
		}
		if _, ok := byConn[e.source]; !ok {
			conns = append(conns, e.source)
		}
		byConn[e.source] = append(byConn[e.source], rec)
	}
	for _, conn := range conns {
		conn.Requeue(byConn[conn]...)
	}

	s.metrics.RecordRollback(s.unit, len(s.inputs))
	s.state = RolledBack
	s.finish()
	return nil
}

// finish releases session state after commit or rollback. Caller holds
// mu.
func (s *Session) finish() {
	if s.sweeper != nil {
		s.sweeper.untrack(s)
	}
	s.records = nil
	s.fresh = nil
	s.streams = nil
}
