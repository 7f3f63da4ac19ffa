// Package flow wires processing units, connections and repositories
// together.
//
// Units and connections refer to each other by id only; the Registry
// resolves ids. There are no back-pointers from a connection to the unit
// that feeds it.
package flow

import (
	"fmt"
	"sort"
	"sync"

	"github.com/marmos91/edgeflow/pkg/connection"
)

// Unit is a processing unit known to the registry.
type Unit struct {
	ID   string
	Name string
}

// Registry maps unit and connection ids to their objects.
//
// Thread Safety: Safe for concurrent use. Registration normally happens at
// startup; lookups happen on every session.
type Registry struct {
	mu            sync.RWMutex
	units         map[string]*Unit
	connections   map[string]*connection.Connection
	outgoing      map[string]map[string][]*connection.Connection // unit -> relationship -> connections
	incoming      map[string][]*connection.Connection
	autoTerminate map[string]map[string]struct{}
	onExpire      connection.ExpirationHandler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		units:         make(map[string]*Unit),
		connections:   make(map[string]*connection.Connection),
		outgoing:      make(map[string]map[string][]*connection.Connection),
		incoming:      make(map[string][]*connection.Connection),
		autoTerminate: make(map[string]map[string]struct{}),
	}
}

// AddUnit registers a unit. Registering the same id twice updates its name.
func (r *Registry) AddUnit(id, name string) *Unit {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addUnitLocked(id, name)
}

func (r *Registry) addUnitLocked(id, name string) *Unit {
	if u, ok := r.units[id]; ok {
		if name != "" {
			u.Name = name
		}
		return u
	}
	if name == "" {
		name = id
	}
	u := &Unit{ID: id, Name: name}
	r.units[id] = u
	return u
}

// Unit returns the unit with id.
func (r *Registry) Unit(id string) (*Unit, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.units[id]
	return u, ok
}

// Units returns every unit sorted by id.
func (r *Registry) Units() []*Unit {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Unit, 0, len(r.units))
	for _, u := range r.units {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddConnection registers a connection, implicitly registering its source
// and destination units.
func (r *Registry) AddConnection(c *connection.Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[c.ID()]; exists {
		return fmt.Errorf("connection %s already registered", c.ID())
	}

	r.addUnitLocked(c.Source(), "")
	r.addUnitLocked(c.Destination(), "")

	r.connections[c.ID()] = c
	byRel, ok := r.outgoing[c.Source()]
	if !ok {
		byRel = make(map[string][]*connection.Connection)
		r.outgoing[c.Source()] = byRel
	}
	for _, rel := range c.Relationships() {
		byRel[rel] = append(byRel[rel], c)
	}
	r.incoming[c.Destination()] = append(r.incoming[c.Destination()], c)

	if r.onExpire != nil {
		c.SetExpirationHandler(r.onExpire)
	}
	return nil
}

// Connection returns the connection with id.
func (r *Registry) Connection(id string) (*connection.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connections[id]
	return c, ok
}

// Connections returns every connection sorted by name.
func (r *Registry) Connections() []*connection.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*connection.Connection, 0, len(r.connections))
	for _, c := range r.connections {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Outgoing returns the connections fed by unit's relationship.
func (r *Registry) Outgoing(unit, relationship string) []*connection.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*connection.Connection(nil), r.outgoing[unit][relationship]...)
}

// Incoming returns the connections unit consumes from.
func (r *Registry) Incoming(unit string) []*connection.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*connection.Connection(nil), r.incoming[unit]...)
}

// SetAutoTerminated marks relationships of unit whose records are dropped
// at commit instead of being routed.
func (r *Registry) SetAutoTerminated(unit string, relationships ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.addUnitLocked(unit, "")
	set, ok := r.autoTerminate[unit]
	if !ok {
		set = make(map[string]struct{})
		r.autoTerminate[unit] = set
	}
	for _, rel := range relationships {
		set[rel] = struct{}{}
	}
}

// IsAutoTerminated reports whether unit drops records sent to relationship.
func (r *Registry) IsAutoTerminated(unit, relationship string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.autoTerminate[unit][relationship]
	return ok
}

// ShouldYield reports whether any outgoing connection of unit is full. The
// scheduler stops triggering the unit until it clears.
func (r *Registry) ShouldYield(unit string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, conns := range r.outgoing[unit] {
		for _, c := range conns {
			if c.IsFull() {
				return true
			}
		}
	}
	return false
}

// SetExpirationHandler installs h on every current and future connection.
func (r *Registry) SetExpirationHandler(h connection.ExpirationHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.onExpire = h
	for _, c := range r.connections {
		c.SetExpirationHandler(h)
	}
}
