// Package presence tracks which users currently hold live realtime
// connections. State is process-local and rebuilt from scratch on
// restart; nothing here touches durable storage.
package presence

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Tracker maps a user id to the set of its live connection ids. An
// entry exists if and only if the user has at least one live
// connection.
//
// All methods are safe for concurrent use. A single mutex guards the
// whole registry: every operation is a handful of map accesses with no
// blocking calls inside the critical section, so the check that a set
// became empty and the removal of its entry are atomic with respect to
// concurrent connects.
type Tracker struct {
	mu     sync.Mutex
	online map[uuid.UUID]map[string]struct{}
}

func New() *Tracker {
	return &Tracker{online: make(map[uuid.UUID]map[string]struct{})}
}

// Connect registers the connection under the user and reports whether
// it is the user's first live connection. Registering the same
// connection id twice is idempotent.
func (t *Tracker) Connect(userID uuid.UUID, connID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.online[userID]
	if !ok {
		set = make(map[string]struct{})
		t.online[userID] = set
	}
	set[connID] = struct{}{}

	return len(set) == 1
}

// Disconnect removes the connection and reports whether it was the
// user's last live connection. Disconnecting an unknown user or
// connection id is a no-op returning false.
func (t *Tracker) Disconnect(userID uuid.UUID, connID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.online[userID]
	if !ok {
		return false
	}

	if _, ok := set[connID]; !ok {
		return false
	}
	delete(set, connID)

	if len(set) == 0 {
		delete(t.online, userID)
		return true
	}

	return false
}

// IsOnline reports whether the user has at least one live connection
func (t *Tracker) IsOnline(userID uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.online[userID]
	return ok
}

// ListOnline returns the ids of all users with at least one live
// connection, sorted for stable client rendering
func (t *Tracker) ListOnline() []uuid.UUID {
	t.mu.Lock()
	ids := make([]uuid.UUID, 0, len(t.online))
	for id := range t.online {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})

	return ids
}
