package memory

import (
	"sync"
	"time"
)

type InvitationState int

const (
	InvitationPending InvitationState = iota
	InvitationAccepted
	InvitationRejected
	InvitationAbandoned
)

func (s InvitationState) String() string {
	switch s {
	case InvitationPending:
		return "pending"
	case InvitationAccepted:
		return "accepted"
	case InvitationRejected:
		return "rejected"
	case InvitationAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Invitation is a call offer from Caller to Callee.
type Invitation struct {
	Caller     string
	Callee     string
	CallerConn string
	CalleeConn string
	State      InvitationState
	CreatedAt  time.Time
}

type pairKey struct {
	caller, callee string
}

type pending struct {
	inv   Invitation
	seq   uint64
	timer *time.Timer
}

// InvitationStore holds Pending invitations. Every record is consumed
// exactly once: by Resolve, by AbandonByConnection or by its timeout.
type InvitationStore struct {
	mx      *sync.Mutex
	seq     uint64
	timeout time.Duration
	pending map[pairKey]*pending
}

// NewInvitationStore creates a store; timeout <= 0 disables expiry of Pending records.
func NewInvitationStore(timeout time.Duration) *InvitationStore {
	return &InvitationStore{
		mx:      &sync.Mutex{},
		timeout: timeout,
		pending: make(map[pairKey]*pending),
	}
}

// Create stores inv as Pending, replacing an earlier Pending record for the
// same pair. When the replaced record was placed from another caller
// connection it is consumed as Abandoned and returned, so that connection
// can still be told the outcome. onTimeout is called with the abandoned
// record if it is still Pending when the timeout fires.
func (is *InvitationStore) Create(inv Invitation, onTimeout func(Invitation)) (Invitation, bool) {
	inv.State = InvitationPending
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now()
	}
	key := pairKey{caller: inv.Caller, callee: inv.Callee}

	is.mx.Lock()
	defer is.mx.Unlock()

	var (
		displaced Invitation
		replaced  bool
	)
	if old, ok := is.pending[key]; ok {
		if old.timer != nil {
			old.timer.Stop()
		}
		if old.inv.CallerConn != inv.CallerConn {
			displaced = old.inv
			displaced.State = InvitationAbandoned
			replaced = true
		}
	}
	is.seq++
	p := &pending{inv: inv, seq: is.seq}
	is.pending[key] = p

	if is.timeout > 0 {
		seq := p.seq
		p.timer = time.AfterFunc(is.timeout, func() {
			if expired, ok := is.expire(key, seq); ok && onTimeout != nil {
				onTimeout(expired)
			}
		})
	}
	return displaced, replaced
}

func (is *InvitationStore) expire(key pairKey, seq uint64) (Invitation, bool) {
	is.mx.Lock()
	defer is.mx.Unlock()
	p, ok := is.pending[key]
	if !ok || p.seq != seq {
		return Invitation{}, false
	}
	delete(is.pending, key)
	p.inv.State = InvitationAbandoned
	return p.inv, true
}

// Resolve consumes the Pending record for the pair and moves it to state.
// It returns false when there is no Pending record.
func (is *InvitationStore) Resolve(caller, callee string, state InvitationState) (Invitation, bool) {
	key := pairKey{caller: caller, callee: callee}

	is.mx.Lock()
	defer is.mx.Unlock()

	p, ok := is.pending[key]
	if !ok {
		return Invitation{}, false
	}
	delete(is.pending, key)
	if p.timer != nil {
		p.timer.Stop()
	}
	p.inv.State = state
	return p.inv, true
}

// AbandonByConnection consumes every Pending record in which connID is the
// caller or the callee connection.
func (is *InvitationStore) AbandonByConnection(connID string) []Invitation {
	is.mx.Lock()
	defer is.mx.Unlock()

	var out []Invitation
	for key, p := range is.pending {
		if p.inv.CallerConn != connID && p.inv.CalleeConn != connID {
			continue
		}
		delete(is.pending, key)
		if p.timer != nil {
			p.timer.Stop()
		}
		p.inv.State = InvitationAbandoned
		out = append(out, p.inv)
	}
	return out
}

func (is *InvitationStore) Pending(caller, callee string) (Invitation, bool) {
	is.mx.Lock()
	defer is.mx.Unlock()
	p, ok := is.pending[pairKey{caller: caller, callee: callee}]
	if !ok {
		return Invitation{}, false
	}
	return p.inv, true
}

func (is *InvitationStore) Len() int {
	is.mx.Lock()
	defer is.mx.Unlock()
	return len(is.pending)
}

// List returns a copy of all Pending records.
func (is *InvitationStore) List() []Invitation {
	is.mx.Lock()
	defer is.mx.Unlock()
	out := make([]Invitation, 0, len(is.pending))
	for _, p := range is.pending {
		out = append(out, p.inv)
	}
	return out
}
