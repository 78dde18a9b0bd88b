package memory

import (
	"errors"
	"sort"
	"sync"

	"github.com/adwski/zoomlite/backend/model"
)

var (
	ErrRoomNotFound = errors.New("room is not found")
)

type room struct {
	mx      sync.Mutex
	id      string
	order   []string
	members map[string]model.Metadata
	deleted bool
}

func (r *room) peers(except string) []model.Peer {
	out := make([]model.Peer, 0, len(r.order))
	for _, id := range r.order {
		if id == except {
			continue
		}
		out = append(out, model.Peer{PeerID: id, Info: r.members[id].Clone()})
	}
	return out
}

func (r *room) ids(except string) []string {
	out := make([]string, 0, len(r.order))
	for _, id := range r.order {
		if id != except {
			out = append(out, id)
		}
	}
	return out
}

func (r *room) remove(connID string) bool {
	if _, ok := r.members[connID]; !ok {
		return false
	}
	delete(r.members, connID)
	for i, id := range r.order {
		if id == connID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// RoomStore maps room ids to their ordered membership.
//
// The rooms map is guarded by mx, each room by its own lock. Announce
// callbacks run while the affected room is locked: they must not block
// and must not call back into the store.
type RoomStore struct {
	mx    *sync.Mutex
	rooms map[string]*room
}

func NewRoomStore() *RoomStore {
	return &RoomStore{
		mx:    &sync.Mutex{},
		rooms: make(map[string]*room),
	}
}

// lockRoom returns the live room locked, creating it when create is set.
func (rs *RoomStore) lockRoom(roomID string, create bool) *room {
	for {
		rs.mx.Lock()
		r, ok := rs.rooms[roomID]
		if !ok {
			if !create {
				rs.mx.Unlock()
				return nil
			}
			r = &room{
				id:      roomID,
				members: make(map[string]model.Metadata),
			}
			rs.rooms[roomID] = r
		}
		rs.mx.Unlock()

		r.mx.Lock()
		if !r.deleted {
			return r
		}
		// lost the race with the last leave, retry on a fresh room
		r.mx.Unlock()
	}
}

// Join adds connID to the room (creating it if absent) and calls announce
// with every other member in join order. The snapshot and the insertion
// happen in the same critical section.
func (rs *RoomStore) Join(roomID, connID string, meta model.Metadata, announce func(existing []model.Peer)) {
	r := rs.lockRoom(roomID, true)
	defer r.mx.Unlock()

	existing := r.peers(connID)
	if _, ok := r.members[connID]; !ok {
		r.order = append(r.order, connID)
	}
	r.members[connID] = meta.Clone()

	if announce != nil {
		announce(existing)
	}
}

// UpdateMetadata merges partial into the member's metadata. It returns false
// and does nothing when connID is not a member of the room.
func (rs *RoomStore) UpdateMetadata(
	roomID, connID string,
	partial model.Metadata,
	announce func(others []string, merged model.Metadata),
) bool {
	r := rs.lockRoom(roomID, false)
	if r == nil {
		return false
	}
	defer r.mx.Unlock()

	meta, ok := r.members[connID]
	if !ok {
		return false
	}
	meta.Merge(partial)

	if announce != nil {
		announce(r.ids(connID), meta.Clone())
	}
	return true
}

// Leave removes connID from the room, deleting the room when it becomes
// empty. announce gets the remaining members and is skipped for an empty
// room. Leaving twice or leaving an unknown room is a no-op.
func (rs *RoomStore) Leave(roomID, connID string, announce func(remaining []string)) bool {
	r := rs.lockRoom(roomID, false)
	if r == nil {
		return false
	}
	defer r.mx.Unlock()

	if !r.remove(connID) {
		return false
	}

	if len(r.members) == 0 {
		r.deleted = true
		rs.mx.Lock()
		if rs.rooms[roomID] == r {
			delete(rs.rooms, roomID)
		}
		rs.mx.Unlock()
		return true
	}

	if announce != nil {
		announce(r.ids(""))
	}
	return true
}

// Broadcast calls fn with every member of the room while it is locked.
func (rs *RoomStore) Broadcast(roomID string, fn func(members []string)) bool {
	r := rs.lockRoom(roomID, false)
	if r == nil {
		return false
	}
	defer r.mx.Unlock()
	fn(r.ids(""))
	return true
}

func (rs *RoomStore) IsMember(roomID, connID string) bool {
	r := rs.lockRoom(roomID, false)
	if r == nil {
		return false
	}
	defer r.mx.Unlock()
	_, ok := r.members[connID]
	return ok
}

// MemberMetadata returns a copy of the member's metadata.
func (rs *RoomStore) MemberMetadata(roomID, connID string) (model.Metadata, bool) {
	r := rs.lockRoom(roomID, false)
	if r == nil {
		return nil, false
	}
	defer r.mx.Unlock()
	meta, ok := r.members[connID]
	if !ok {
		return nil, false
	}
	return meta.Clone(), true
}

func (rs *RoomStore) Members(roomID string) ([]model.Peer, error) {
	r := rs.lockRoom(roomID, false)
	if r == nil {
		return nil, ErrRoomNotFound
	}
	defer r.mx.Unlock()
	return r.peers(""), nil
}

func (rs *RoomStore) Exists(roomID string) bool {
	rs.mx.Lock()
	defer rs.mx.Unlock()
	_, ok := rs.rooms[roomID]
	return ok
}

func (rs *RoomStore) Count() int {
	rs.mx.Lock()
	defer rs.mx.Unlock()
	return len(rs.rooms)
}

// Rooms lists rooms ordered by member count (desc), then id.
func (rs *RoomStore) Rooms() []model.RoomInfo {
	rs.mx.Lock()
	rooms := make([]*room, 0, len(rs.rooms))
	for _, r := range rs.rooms {
		rooms = append(rooms, r)
	}
	rs.mx.Unlock()

	out := make([]model.RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		r.mx.Lock()
		if !r.deleted {
			out = append(out, model.RoomInfo{ID: r.id, Members: len(r.members)})
		}
		r.mx.Unlock()
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Members == out[j].Members {
			return out[i].ID < out[j].ID
		}
		return out[i].Members > out[j].Members
	})
	return out
}
