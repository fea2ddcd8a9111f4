// ABOUTME: In-memory context overlay keyed by session id
// ABOUTME: Holds destination, working directory and routing id for the duration of an invocation

package session

import (
	"sort"
	"sync"

	"github.com/2389/coven-relay/internal/platform"
)

// ContextKind names one of the three overlay maps.
type ContextKind int

const (
	ContextDestination ContextKind = iota
	ContextWorkingDir
	ContextRoutingID
)

func (k ContextKind) String() string {
	switch k {
	case ContextDestination:
		return "destination"
	case ContextWorkingDir:
		return "working_dir"
	case ContextRoutingID:
		return "routing_id"
	default:
		return "unknown"
	}
}

// AllContextKinds lists every overlay kind.
var AllContextKinds = []ContextKind{ContextDestination, ContextWorkingDir, ContextRoutingID}

// Context is a set of overlay values. Zero fields are not written by SetContext.
type Context struct {
	Destination platform.Destination
	WorkingDir  string
	RoutingID   string
}

// Snapshot is a serializable view of one session's overlay.
type Snapshot struct {
	SessionID     string `json:"session_id"`
	DestinationID string `json:"destination_id,omitempty"`
	WorkingDir    string `json:"working_dir,omitempty"`
	RoutingID     string `json:"routing_id,omitempty"`
}

// Overlay is three independent maps from session id to context values, plus
// aliases so a runtime-assigned session id resolves to the invocation's entry.
type Overlay struct {
	mu           sync.RWMutex
	destinations map[string]platform.Destination
	workingDirs  map[string]string
	routingIDs   map[string]string
	aliases      map[string]string // alias -> session id
}

// NewOverlay creates an empty Overlay.
func NewOverlay() *Overlay {
	return &Overlay{
		destinations: make(map[string]platform.Destination),
		workingDirs:  make(map[string]string),
		routingIDs:   make(map[string]string),
		aliases:      make(map[string]string),
	}
}

// resolveLocked maps an alias to its session id. Must be called with mu held.
func (o *Overlay) resolveLocked(id string) string {
	if target, ok := o.aliases[id]; ok {
		return target
	}
	return id
}

// Resolve maps an alias to the session id its entries are stored under.
func (o *Overlay) Resolve(id string) string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.resolveLocked(id)
}

// Set writes the non-zero fields of c for sessionID. Setting a destination
// again replaces it in place.
func (o *Overlay) Set(sessionID string, c Context) {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := o.resolveLocked(sessionID)
	if c.Destination != nil {
		o.destinations[id] = c.Destination
	}
	if c.WorkingDir != "" {
		o.workingDirs[id] = c.WorkingDir
	}
	if c.RoutingID != "" {
		o.routingIDs[id] = c.RoutingID
	}
}

// Clear removes one kind for sessionID.
func (o *Overlay) Clear(sessionID string, kind ContextKind) {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := o.resolveLocked(sessionID)
	switch kind {
	case ContextDestination:
		delete(o.destinations, id)
	case ContextWorkingDir:
		delete(o.workingDirs, id)
	case ContextRoutingID:
		delete(o.routingIDs, id)
	}
}

// ClearAll removes every kind for sessionID and every alias pointing at it.
func (o *Overlay) ClearAll(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := o.resolveLocked(sessionID)
	delete(o.destinations, id)
	delete(o.workingDirs, id)
	delete(o.routingIDs, id)
	for alias, target := range o.aliases {
		if target == id || alias == sessionID {
			delete(o.aliases, alias)
		}
	}
}

// Alias makes lookups for alias read sessionID's entries.
func (o *Overlay) Alias(alias, sessionID string) {
	if alias == "" || alias == sessionID {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.aliases[alias] = o.resolveLocked(sessionID)
}

// Destination returns the destination set for sessionID.
func (o *Overlay) Destination(sessionID string) (platform.Destination, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	d, ok := o.destinations[o.resolveLocked(sessionID)]
	return d, ok
}

// WorkingDir returns the working directory set for sessionID.
func (o *Overlay) WorkingDir(sessionID string) (string, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	d, ok := o.workingDirs[o.resolveLocked(sessionID)]
	return d, ok
}

// RoutingID returns the routing id set for sessionID.
func (o *Overlay) RoutingID(sessionID string) (string, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.routingIDs[o.resolveLocked(sessionID)]
	return r, ok
}

// Has reports whether any kind is set for sessionID.
func (o *Overlay) Has(sessionID string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	id := o.resolveLocked(sessionID)
	_, d := o.destinations[id]
	_, w := o.workingDirs[id]
	_, r := o.routingIDs[id]
	return d || w || r
}

// Snapshot returns the overlay for sessionID.
func (o *Overlay) Snapshot(sessionID string) (Snapshot, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	id := o.resolveLocked(sessionID)
	snap := Snapshot{SessionID: id}
	dest, d := o.destinations[id]
	if d {
		snap.DestinationID = dest.ID()
	}
	wd, w := o.workingDirs[id]
	snap.WorkingDir = wd
	rid, r := o.routingIDs[id]
	snap.RoutingID = rid
	return snap, d || w || r
}

// Sessions returns the session ids with at least one overlay entry, sorted.
func (o *Overlay) Sessions() []string {
	o.mu.RLock()
	seen := make(map[string]struct{})
	for id := range o.destinations {
		seen[id] = struct{}{}
	}
	for id := range o.workingDirs {
		seen[id] = struct{}{}
	}
	for id := range o.routingIDs {
		seen[id] = struct{}{}
	}
	o.mu.RUnlock()

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
