// Package registry tracks remote nodes discovered through pongs and expires
// them once they stop answering.
package registry

import (
	"sort"
	"sync"
	"time"

	logs "github.com/danmuck/smplog"
)

// NodeRecord is one discovered remote endpoint.
type NodeRecord struct {
	NodeID     string
	Attributes Attributes
	LastSeenAt time.Time
}

// Registry is safe for concurrent use; Upsert and Sweep are mutually exclusive.
type Registry struct {
	mu      sync.Mutex
	timeout time.Duration
	nodes   map[string]*NodeRecord
}

func New(timeout time.Duration) *Registry {
	return &Registry{
		timeout: timeout,
		nodes:   make(map[string]*NodeRecord),
	}
}

func (r *Registry) Timeout() time.Duration {
	return r.timeout
}

// Upsert inserts or refreshes a node. Attributes are replaced wholesale.
// It returns true the first time nodeID is seen.
func (r *Registry) Upsert(nodeID string, attrs Attributes, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.nodes[nodeID]
	if !ok {
		rec = &NodeRecord{NodeID: nodeID}
		r.nodes[nodeID] = rec
		logs.Infof("registry: node discovered id=%s machine=%q project=%q", nodeID, attrs.Machine, attrs.ProjectName)
	}
	rec.Attributes = attrs.clone()
	rec.LastSeenAt = now
	return !ok
}

// Sweep drops every node with LastSeenAt+timeout < now and returns the
// removed ids.
func (r *Registry) Sweep(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for id, rec := range r.nodes {
		if rec.LastSeenAt.Add(r.timeout).Before(now) {
			delete(r.nodes, id)
			removed = append(removed, id)
			logs.Infof("registry: node lost id=%s last_seen=%s", id, rec.LastSeenAt.Format(time.RFC3339))
		}
	}
	sort.Strings(removed)
	return removed
}

// Snapshot returns copies of every record. Order is not significant.
func (r *Registry) Snapshot() []NodeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]NodeRecord, 0, len(r.nodes))
	for _, rec := range r.nodes {
		out = append(out, NodeRecord{
			NodeID:     rec.NodeID,
			Attributes: rec.Attributes.clone(),
			LastSeenAt: rec.LastSeenAt,
		})
	}
	return out
}

func (r *Registry) Get(nodeID string) (NodeRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.nodes[nodeID]
	if !ok {
		return NodeRecord{}, false
	}
	return NodeRecord{NodeID: rec.NodeID, Attributes: rec.Attributes.clone(), LastSeenAt: rec.LastSeenAt}, true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.nodes)
}

// Reset discards every record without logging loss transitions.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes = make(map[string]*NodeRecord)
}
