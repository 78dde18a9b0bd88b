package _switch

import (
	"sync"

	"github.com/adwski/zoomlite/backend/model"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Endpoint is one live connection.
type Endpoint struct {
	id   string
	wire model.Wire

	mx      sync.Mutex
	label   string
	roomID  string
	closing bool
}

func (ep *Endpoint) ID() string { return ep.id }

func (ep *Endpoint) Label() string {
	ep.mx.Lock()
	defer ep.mx.Unlock()
	return ep.label
}

func (ep *Endpoint) RoomID() string {
	ep.mx.Lock()
	defer ep.mx.Unlock()
	return ep.roomID
}

func (ep *Endpoint) Closing() bool {
	ep.mx.Lock()
	defer ep.mx.Unlock()
	return ep.closing
}

type Switch struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	fwd    map[string]*Endpoint
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger: logger.With().Str("component", "switch").Logger(),
		mx:     &sync.RWMutex{},
		fwd:    make(map[string]*Endpoint),
	}
}

// Connect registers a new endpoint and returns its id. Ids are random uuids and never reused.
func (sw *Switch) Connect(wire model.Wire) string {
	ep := &Endpoint{
		id:   uuid.NewString(),
		wire: wire,
	}

	sw.mx.Lock()
	sw.fwd[ep.id] = ep
	sw.mx.Unlock()

	sw.logger.Debug().Str("connID", ep.id).Msg("endpoint connected")
	return ep.id
}

// Disconnect forgets the endpoint. It is safe to call more than once.
func (sw *Switch) Disconnect(id string) {
	sw.mx.Lock()
	_, ok := sw.fwd[id]
	delete(sw.fwd, id)
	sw.mx.Unlock()

	if ok {
		sw.logger.Debug().Str("connID", id).Msg("endpoint disconnected")
	}
}

func (sw *Switch) Lookup(id string) (*Endpoint, bool) {
	sw.mx.RLock()
	ep, ok := sw.fwd[id]
	sw.mx.RUnlock()
	return ep, ok
}

// MarkClosing flags the endpoint as being torn down. Operations that race
// with the disconnect path use it to avoid creating state for a dying endpoint.
func (sw *Switch) MarkClosing(id string) (*Endpoint, bool) {
	ep, ok := sw.Lookup(id)
	if !ok {
		return nil, false
	}
	ep.mx.Lock()
	ep.closing = true
	ep.mx.Unlock()
	return ep, true
}

// Closing reports whether the endpoint is gone or being torn down.
func (sw *Switch) Closing(id string) bool {
	ep, ok := sw.Lookup(id)
	if !ok {
		return true
	}
	return ep.Closing()
}

// SetLabel binds an identity label and returns the previous one.
func (sw *Switch) SetLabel(id, label string) (string, bool) {
	ep, ok := sw.Lookup(id)
	if !ok {
		return "", false
	}
	ep.mx.Lock()
	prev := ep.label
	ep.label = label
	ep.mx.Unlock()
	return prev, true
}

// SetRoom binds (or clears, with an empty roomID) the endpoint's room.
func (sw *Switch) SetRoom(id, roomID string) bool {
	ep, ok := sw.Lookup(id)
	if !ok {
		return false
	}
	ep.mx.Lock()
	ep.roomID = roomID
	ep.mx.Unlock()
	return true
}

func (sw *Switch) Count() int {
	sw.mx.RLock()
	defer sw.mx.RUnlock()
	return len(sw.fwd)
}

type EndpointInfo struct {
	ID     string
	Label  string
	RoomID string
	Queued int
}

func (sw *Switch) Snapshot() []EndpointInfo {
	sw.mx.RLock()
	eps := make([]*Endpoint, 0, len(sw.fwd))
	for _, ep := range sw.fwd {
		eps = append(eps, ep)
	}
	sw.mx.RUnlock()

	out := make([]EndpointInfo, 0, len(eps))
	for _, ep := range eps {
		ep.mx.Lock()
		out = append(out, EndpointInfo{
			ID:     ep.id,
			Label:  ep.label,
			RoomID: ep.roomID,
			Queued: len(ep.wire.TX),
		})
		ep.mx.Unlock()
	}
	return out
}

// Send enqueues msg for the endpoint. Delivery is best-effort: a missing
// endpoint or a full buffer drops the message.
func (sw *Switch) Send(id string, msg model.Message) bool {
	ep, ok := sw.Lookup(id)
	if !ok {
		sw.logger.Debug().
			Str("dst", id).
			Str("type", msg.Type).
			Msg("cannot forward, dst not found")
		return false
	}
	return sw.send(ep, msg)
}

// Broadcast sends msg to every live endpoint and returns the number reached.
func (sw *Switch) Broadcast(msg model.Message) int {
	sw.mx.RLock()
	eps := make([]*Endpoint, 0, len(sw.fwd))
	for _, ep := range sw.fwd {
		eps = append(eps, ep)
	}
	sw.mx.RUnlock()

	var sent int
	for _, ep := range eps {
		if sw.send(ep, msg) {
			sent++
		}
	}
	if sent == 0 {
		sw.logger.Debug().Str("type", msg.Type).Msg("broadcast did not reach anyone")
	}
	return sent
}

func (sw *Switch) send(ep *Endpoint, msg model.Message) bool {
	select {
	case ep.wire.TX <- msg:
		sw.logger.Trace().
			Str("dst", ep.id).
			Str("type", msg.Type).
			Msg("message is forwarded")
		return true
	default:
		sw.logger.Warn().
			Str("dst", ep.id).
			Str("type", msg.Type).
			Msg("slow endpoint, message dropped")
		return false
	}
}
