// Package room maintains driver room membership for the Driver Location Relay.
//
// A connection belongs to at most one room. The subscription map
// (connection → driver) is the source of truth; the room index
// (driver → connections) is derived from it and updated incrementally.
package room

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps connections to driver rooms.
type Registry struct {
	mu    sync.RWMutex
	subs  map[string]string              // connection id → driver id
	rooms map[string]map[string]struct{} // driver id → connection ids
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		subs:  make(map[string]string),
		rooms: make(map[string]map[string]struct{}),
	}
}

// Subscribe places connID in driverID's room, leaving any previous room
// first. It returns the previous driver id, or "" when there was none.
func (r *Registry) Subscribe(connID, driverID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous, had := r.subs[connID]
	if had && previous == driverID {
		return previous
	}
	if had {
		r.leaveLocked(connID, previous)
	}

	r.subs[connID] = driverID
	members, ok := r.rooms[driverID]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[driverID] = members
	}
	members[connID] = struct{}{}

	return previous
}

// Unsubscribe removes connID from whichever room it is in. It is a no-op when
// the connection has no subscription.
func (r *Registry) Unsubscribe(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	driverID, ok := r.subs[connID]
	if !ok {
		return "", false
	}
	r.leaveLocked(connID, driverID)
	return driverID, true
}

// MembersOf returns a sorted snapshot of the connections in driverID's room.
func (r *Registry) MembersOf(driverID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[driverID]
	result := make([]string, 0, len(members))
	for connID := range members {
		result = append(result, connID)
	}
	sort.Strings(result)
	return result
}

// CurrentDriverOf returns the driver connID is subscribed to.
func (r *Registry) CurrentDriverOf(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	driverID, ok := r.subs[connID]
	return driverID, ok
}

// Rooms returns the size of every non-empty room.
func (r *Registry) Rooms() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sizes := make(map[string]int, len(r.rooms))
	for driverID, members := range r.rooms {
		sizes[driverID] = len(members)
	}
	return sizes
}

// Len returns the number of subscribed connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// CheckInvariant verifies that the room index agrees with the subscription map.
func (r *Registry) CheckInvariant() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	indexed := 0
	for driverID, members := range r.rooms {
		if len(members) == 0 {
			return fmt.Errorf("room %q is empty but still indexed", driverID)
		}
		for connID := range members {
			current, ok := r.subs[connID]
			if !ok {
				return fmt.Errorf("connection %q indexed under %q has no subscription", connID, driverID)
			}
			if current != driverID {
				return fmt.Errorf("connection %q indexed under %q but subscribed to %q", connID, driverID, current)
			}
			indexed++
		}
	}
	if indexed != len(r.subs) {
		return fmt.Errorf("room index holds %d memberships, subscription map holds %d", indexed, len(r.subs))
	}
	return nil
}

func (r *Registry) leaveLocked(connID, driverID string) {
	delete(r.subs, connID)
	members := r.rooms[driverID]
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, driverID)
	}
}
