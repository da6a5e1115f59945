// Package presence implements the Presence Tracker: an
// in-memory cache of other actors' realtime presence, kept up to date by
// join/leave/update events routed from the Realtime Channel.
package presence

import (
	"sync"
	"time"

	"github.com/adrian-moloca/dental-sub010/pkg/types"
)

// Tracker holds the live presence cache for one device session.
type Tracker struct {
	mu    sync.RWMutex
	users map[string]*types.PresenceUser
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{users: make(map[string]*types.PresenceUser)}
}

// SetActiveResource records actorID as currently viewing resource.
func (t *Tracker) SetActiveResource(actorID string, resource types.ActiveResource) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u := t.ensure(actorID)
	u.ActiveResource = &resource
	u.UpdatedAt = time.Now()
}

// ClearActiveResource removes actorID's active resource, if any.
func (t *Tracker) ClearActiveResource(actorID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u := t.ensure(actorID)
	u.ActiveResource = nil
	u.UpdatedAt = time.Now()
}

// SetStatus updates actorID's presence status.
func (t *Tracker) SetStatus(actorID string, status types.PresenceStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u := t.ensure(actorID)
	u.Status = status
	u.UpdatedAt = time.Now()
}

// Remove drops actorID from the cache entirely (a user_left event).
func (t *Tracker) Remove(actorID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.users, actorID)
}

// GetUsersViewing returns every tracked user whose active resource
// matches resource.
func (t *Tracker) GetUsersViewing(resource types.ActiveResource) []*types.PresenceUser {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*types.PresenceUser
	for _, u := range t.users {
		if u.ActiveResource != nil && *u.ActiveResource == resource {
			copy := *u
			out = append(out, &copy)
		}
	}
	return out
}

// GetAllOnline returns every tracked user whose status is online.
func (t *Tracker) GetAllOnline() []*types.PresenceUser {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*types.PresenceUser
	for _, u := range t.users {
		if u.Status == types.StatusOnline {
			copy := *u
			out = append(out, &copy)
		}
	}
	return out
}

func (t *Tracker) ensure(actorID string) *types.PresenceUser {
	u, ok := t.users[actorID]
	if !ok {
		u = &types.PresenceUser{ActorID: actorID, Status: types.StatusOnline}
		t.users[actorID] = u
	}
	return u
}
