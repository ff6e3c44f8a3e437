// Package realtime tracks live client connections and delivers envelopes to
// them by connection, by subscriber, by watched case, or to everyone.
package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/pitabwire/caseflow/model"
)

// ErrConnClosed is returned by Conn.Send after the connection was closed.
var ErrConnClosed = errors.New("realtime: connection closed")

// Conn is one persistent, addressable client connection.
type Conn interface {
	// ID returns the connection identifier assigned at registration.
	ID() string
	// Send delivers one envelope. It must honour ctx and be safe for
	// concurrent use.
	Send(ctx context.Context, env model.Envelope) error
	// Close terminates the connection. Closing twice is a no-op.
	Close(reason string)
}

// NewConnectionID returns a fresh connection identifier.
func NewConnectionID() string {
	return uuid.NewString()
}

type entry struct {
	conn         Conn
	subscriberID string
	caseID       string
}

// Registry indexes live connections by id, by subscriber and by watched
// case. Every id in a secondary index is present in the primary index, and
// empty buckets are removed. The zero value is not usable; call NewRegistry.
type Registry struct {
	mu           sync.RWMutex
	all          map[string]*entry
	bySubscriber map[string]map[string]struct{}
	byCase       map[string]map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		all:          make(map[string]*entry),
		bySubscriber: make(map[string]map[string]struct{}),
		byCase:       make(map[string]map[string]struct{}),
	}
}

// Register adds conn. Registering an id that is already present replaces its
// subscriber and case associations.
func (r *Registry) Register(conn Conn, subscriberID, caseID string) {
	id := conn.ID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.all[id]; ok {
		r.unindex(id, old)
	}
	e := &entry{conn: conn, subscriberID: subscriberID, caseID: caseID}
	r.all[id] = e
	if subscriberID != "" {
		addToBucket(r.bySubscriber, subscriberID, id)
	}
	if caseID != "" {
		addToBucket(r.byCase, caseID, id)
	}
}

// Unregister removes a connection from every index and returns it. Unknown
// ids are a no-op.
func (r *Registry) Unregister(connID string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.all[connID]
	if !ok {
		return nil, false
	}
	r.unindex(connID, e)
	delete(r.all, connID)
	return e.conn, true
}

// UnregisterIf removes conn only while it is still the connection registered
// under its id. A newer registration reusing the id is left in place.
func (r *Registry) UnregisterIf(conn Conn) bool {
	id := conn.ID()

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.all[id]
	if !ok || e.conn != conn {
		return false
	}
	r.unindex(id, e)
	delete(r.all, id)
	return true
}

// ResubscribeCase moves a connection to a different watched case. An empty
// caseID clears the subscription. Unknown connections are ignored and false
// is returned.
func (r *Registry) ResubscribeCase(connID, caseID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.all[connID]
	if !ok {
		return false
	}
	if e.caseID != "" {
		removeFromBucket(r.byCase, e.caseID, connID)
	}
	e.caseID = caseID
	if caseID != "" {
		addToBucket(r.byCase, caseID, connID)
	}
	return true
}

// Connection returns the connection with the given id.
func (r *Registry) Connection(connID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.all[connID]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// WatchedCase returns the case the connection currently watches.
func (r *Registry) WatchedCase(connID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.all[connID]; ok {
		return e.caseID
	}
	return ""
}

// BySubscriber returns a snapshot of the subscriber's connections.
func (r *Registry) BySubscriber(subscriberID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(r.bySubscriber[subscriberID])
}

// ByCase returns a snapshot of the connections watching a case.
func (r *Registry) ByCase(caseID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(r.byCase[caseID])
}

// All returns a snapshot of every connection.
func (r *Registry) All() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Conn, 0, len(r.all))
	for _, e := range r.all {
		out = append(out, e.conn)
	}
	return out
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.all)
}

// Snapshot returns connection counts. It never exposes connections.
func (r *Registry) Snapshot() model.ConnectionStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := model.ConnectionStats{
		TotalConnections: len(r.all),
		PerSubscriber:    make(map[string]int, len(r.bySubscriber)),
		PerCase:          make(map[string]int, len(r.byCase)),
	}
	for id, bucket := range r.bySubscriber {
		stats.PerSubscriber[id] = len(bucket)
	}
	for id, bucket := range r.byCase {
		stats.PerCase[id] = len(bucket)
	}
	return stats
}

// collect must be called with r.mu held.
func (r *Registry) collect(bucket map[string]struct{}) []Conn {
	out := make([]Conn, 0, len(bucket))
	for id := range bucket {
		if e, ok := r.all[id]; ok {
			out = append(out, e.conn)
		}
	}
	return out
}

// unindex must be called with r.mu held for writing.
func (r *Registry) unindex(connID string, e *entry) {
	if e.subscriberID != "" {
		removeFromBucket(r.bySubscriber, e.subscriberID, connID)
	}
	if e.caseID != "" {
		removeFromBucket(r.byCase, e.caseID, connID)
	}
}

func addToBucket(index map[string]map[string]struct{}, key, connID string) {
	bucket, ok := index[key]
	if !ok {
		bucket = make(map[string]struct{})
		index[key] = bucket
	}
	bucket[connID] = struct{}{}
}

func removeFromBucket(index map[string]map[string]struct{}, key, connID string) {
	bucket, ok := index[key]
	if !ok {
		return
	}
	delete(bucket, connID)
	if len(bucket) == 0 {
		delete(index, key)
	}
}
