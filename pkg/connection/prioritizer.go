package connection

import (
	"fmt"
	"strings"

	"github.com/marmos91/edgeflow/pkg/flowfile"
)

// Prioritizer orders queued records. Compare returns a negative number
// when a should be delivered before b. Ties fall back to enqueue order.
type Prioritizer interface {
	Name() string
	Compare(a, b *flowfile.Record) int
}

// FIFO delivers records in enqueue order.
type FIFO struct{}

func (FIFO) Name() string                      { return "fifo" }
func (FIFO) Compare(_, _ *flowfile.Record) int { return 0 }

// PriorityAttribute delivers records by ascending numeric "priority"
// attribute. Records without a parseable priority go last.
type PriorityAttribute struct{}

func (PriorityAttribute) Name() string { return "priority" }

func (PriorityAttribute) Compare(a, b *flowfile.Record) int {
	pa, oka := a.Priority()
	pb, okb := b.Priority()
	switch {
	case oka && !okb:
		return -1
	case !oka && okb:
		return 1
	case !oka && !okb:
		return 0
	case pa < pb:
		return -1
	case pa > pb:
		return 1
	}
	return 0
}

// OldestFirst delivers records with the earliest entry date first.
type OldestFirst struct{}

func (OldestFirst) Name() string { return "oldest_first" }

func (OldestFirst) Compare(a, b *flowfile.Record) int {
	return a.EntryDate.Compare(b.EntryDate)
}

// NewestFirst delivers records with the latest entry date first.
type NewestFirst struct{}

func (NewestFirst) Name() string { return "newest_first" }

func (NewestFirst) Compare(a, b *flowfile.Record) int {
	return b.EntryDate.Compare(a.EntryDate)
}

// ParsePrioritizer resolves a prioritizer by name. An empty name is FIFO.
func ParsePrioritizer(name string) (Prioritizer, error) {
	switch strings.ToLower(name) {
	case "", "fifo":
		return FIFO{}, nil
	case "priority":
		return PriorityAttribute{}, nil
	case "oldest_first", "oldest":
		return OldestFirst{}, nil
	case "newest_first", "newest":
		return NewestFirst{}, nil
	default:
		return nil, fmt.Errorf("unknown prioritizer %q", name)
	}
}
