package memory

import (
	"sort"
	"sync"
)

// PresenceStore indexes identity labels to the connection that registered them.
type PresenceStore struct {
	mx     *sync.Mutex
	byName map[string]string
}

func NewPresenceStore() *PresenceStore {
	return &PresenceStore{
		mx:     &sync.Mutex{},
		byName: make(map[string]string),
	}
}

// Register maps label to connID, superseding any previous mapping, and
// returns the superseded connection id. announce receives the full online
// set and runs in the same critical section as the update, so consecutive
// announcements always reflect a serial order of registrations.
func (ps *PresenceStore) Register(label, connID string, announce func(online []string)) string {
	ps.mx.Lock()
	defer ps.mx.Unlock()

	prev := ps.byName[label]
	ps.byName[label] = connID

	if announce != nil {
		announce(ps.online())
	}
	if prev == connID {
		return ""
	}
	return prev
}

// UnregisterByConnection removes label only while it still points at connID.
// It reports whether a removal happened; announce runs only in that case.
func (ps *PresenceStore) UnregisterByConnection(label, connID string, announce func(online []string)) bool {
	ps.mx.Lock()
	defer ps.mx.Unlock()

	if cur, ok := ps.byName[label]; !ok || cur != connID {
		return false
	}
	delete(ps.byName, label)

	if announce != nil {
		announce(ps.online())
	}
	return true
}

func (ps *PresenceStore) Resolve(label string) (string, bool) {
	ps.mx.Lock()
	defer ps.mx.Unlock()
	id, ok := ps.byName[label]
	return id, ok
}

// Online returns the sorted set of online labels.
func (ps *PresenceStore) Online() []string {
	ps.mx.Lock()
	defer ps.mx.Unlock()
	return ps.online()
}

func (ps *PresenceStore) online() []string {
	out := make([]string, 0, len(ps.byName))
	for label := range ps.byName {
		out = append(out, label)
	}
	sort.Strings(out)
	return out
}
