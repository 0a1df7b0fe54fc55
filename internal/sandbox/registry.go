package sandbox

import (
	"sort"
	"sync"
	"time"
)

// DefaultMaxSandboxes is the admission ceiling when config leaves it unset.
const DefaultMaxSandboxes = 5

// Registry is the single source of truth for sandbox state and slot
// accounting. Every transition goes through it under one mutex, so the
// capacity check and the slot reservation are a single atomic step.
type Registry struct {
	mu        sync.Mutex
	limit     int
	byID      map[string]*Record
	byProject map[string]string // project ID -> sandbox ID

	// Per-project locks serialize concurrent Acquire calls for the same
	// project so exactly one caller creates the container.
	projMu    sync.Mutex
	projLocks map[string]*keyedLock
}

// keyedLock is a refcounted mutex. The owning map drops the entry when
// the last holder or waiter releases, so released keys do not pin
// entries forever.
type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// NewRegistry creates a registry with the given admission ceiling.
// limit <= 0 falls back to DefaultMaxSandboxes.
func NewRegistry(limit int) *Registry {
	if limit <= 0 {
		limit = DefaultMaxSandboxes
	}
	return &Registry{
		limit:     limit,
		byID:      make(map[string]*Record),
		byProject: make(map[string]string),
		projLocks: make(map[string]*keyedLock),
	}
}

// Limit returns the admission ceiling.
func (g *Registry) Limit() int { return g.limit }

// LockProject acquires the keyed lock for a project and returns the
// unlock func. Concurrent acquires for the same project serialize on
// it; different projects proceed independently.
func (g *Registry) LockProject(projectID string) func() {
	g.projMu.Lock()
	l, ok := g.projLocks[projectID]
	if !ok {
		l = &keyedLock{}
		g.projLocks[projectID] = l
	}
	l.refs++
	g.projMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		g.projMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(g.projLocks, projectID)
		}
		g.projMu.Unlock()
	}
}

// Reserve atomically checks the ceiling and inserts rec in Creating
// state. Records in Removed or Failed state do not hold slots. A full
// registry fails with a capacity error listing the current holders.
func (g *Registry) Reserve(rec *Record) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	active := g.activeLocked()
	if len(active) >= g.limit {
		return CapacityError(g.limit, active)
	}
	rec.State = StateCreating
	g.byID[rec.ID] = snapshot(rec)
	g.byProject[rec.ProjectID] = rec.ID
	return nil
}

// activeLocked returns slot-holding records sorted by creation time.
func (g *Registry) activeLocked() []*Record {
	var out []*Record
	for _, r := range g.byID {
		switch r.State {
		case StateRemoved, StateFailed:
		default:
			out = append(out, snapshot(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Get returns a snapshot of the sandbox serving projectID.
func (g *Registry) Get(projectID string) (*Record, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.byProject[projectID]
	if !ok {
		return nil, false
	}
	r, ok := g.byID[id]
	if !ok {
		return nil, false
	}
	return snapshot(r), true
}

// GetByID returns a snapshot of the sandbox with the given ID.
func (g *Registry) GetByID(id string) (*Record, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.byID[id]
	if !ok {
		return nil, false
	}
	return snapshot(r), true
}

// SetState transitions a sandbox. Transitions into Removed or Failed
// free the slot; the record stays until Drop for post-mortem listing.
func (g *Registry) SetState(id string, state State) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.byID[id]; ok {
		r.State = state
	}
}

// SetContainer records the engine-side identity once created.
func (g *Registry) SetContainer(id, containerID, containerName string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.byID[id]; ok {
		r.ContainerID = containerID
		r.ContainerName = containerName
	}
}

// SetPorts records the allocated port mappings.
func (g *Registry) SetPorts(id string, ports []PortMapping) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.byID[id]; ok {
		r.Ports = append([]PortMapping(nil), ports...)
	}
}

// SetWorkspace records the host-side workspace path.
func (g *Registry) SetWorkspace(id, path string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.byID[id]; ok {
		r.WorkspaceHost = path
	}
}

// Touch stamps LastActivityAt, shielding the sandbox from the reaper.
func (g *Registry) Touch(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.byID[id]; ok {
		r.LastActivityAt = time.Now().UTC()
	}
}

// Drop removes the record entirely. Called after release completes.
func (g *Registry) Drop(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.byID[id]; ok {
		if g.byProject[r.ProjectID] == id {
			delete(g.byProject, r.ProjectID)
		}
		delete(g.byID, id)
	}
}

// List returns snapshots of all slot-holding sandboxes, oldest first.
func (g *Registry) List() []*Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.activeLocked()
}

// IdleSince returns running sandboxes whose last activity predates cutoff.
func (g *Registry) IdleSince(cutoff time.Time) []*Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*Record
	for _, r := range g.byID {
		if r.State == StateRunning && r.LastActivityAt.Before(cutoff) {
			out = append(out, snapshot(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityAt.Before(out[j].LastActivityAt) })
	return out
}

func snapshot(r *Record) *Record {
	c := *r
	c.Ports = append([]PortMapping(nil), r.Ports...)
	return &c
}
