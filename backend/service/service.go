package service

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/adwski/zoomlite/backend/metrics"
	"github.com/adwski/zoomlite/backend/model"
	"github.com/adwski/zoomlite/backend/storage/memory"
	_switch "github.com/adwski/zoomlite/backend/switch"
	"github.com/rs/zerolog"
)

var (
	ErrMalformed    = errors.New("malformed event")
	ErrUnknownEvent = errors.New("unknown event")
	ErrNotConnected = errors.New("connection is not registered")
)

type (
	Switch interface {
		Connect(wire model.Wire) string
		Disconnect(id string)
		Lookup(id string) (*_switch.Endpoint, bool)
		MarkClosing(id string) (*_switch.Endpoint, bool)
		Closing(id string) bool
		SetLabel(id, label string) (string, bool)
		SetRoom(id, roomID string) bool
		Send(id string, msg model.Message) bool
		Broadcast(msg model.Message) int
		Count() int
		Snapshot() []_switch.EndpointInfo
	}

	RoomStore interface {
		Join(roomID, connID string, meta model.Metadata, announce func(existing []model.Peer))
		UpdateMetadata(roomID, connID string, partial model.Metadata, announce func(others []string, merged model.Metadata)) bool
		Leave(roomID, connID string, announce func(remaining []string)) bool
		Broadcast(roomID string, fn func(members []string)) bool
		MemberMetadata(roomID, connID string) (model.Metadata, bool)
		Members(roomID string) ([]model.Peer, error)
		Rooms() []model.RoomInfo
		Count() int
	}

	PresenceStore interface {
		Register(label, connID string, announce func(online []string)) string
		UnregisterByConnection(label, connID string, announce func(online []string)) bool
		Resolve(label string) (string, bool)
		Online() []string
	}

	InvitationStore interface {
		Create(inv memory.Invitation, onTimeout func(memory.Invitation)) (memory.Invitation, bool)
		Resolve(caller, callee string, state memory.InvitationState) (memory.Invitation, bool)
		AbandonByConnection(connID string) []memory.Invitation
		List() []memory.Invitation
	}

	// Service is the relay dispatcher. Every registry mutation goes through it.
	Service struct {
		sw          Switch
		rooms       RoomStore
		presence    PresenceStore
		invitations InvitationStore
		identities  *memory.KeyLock
		metrics     *metrics.Metrics
		now         func() time.Time
		logger      zerolog.Logger

		mx       *sync.Mutex
		sessions map[string]*session
	}

	Config struct {
		Switch      Switch
		Rooms       RoomStore
		Presence    PresenceStore
		Invitations InvitationStore
		Metrics     *metrics.Metrics
		Logger      *zerolog.Logger

		// Clock stamps chat messages, time.Now when nil.
		Clock func() time.Time
	}

	session struct {
		mx *sync.Mutex
	}
)

func NewService(cfg Config) *Service {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Service{
		sw:          cfg.Switch,
		rooms:       cfg.Rooms,
		presence:    cfg.Presence,
		invitations: cfg.Invitations,
		identities:  memory.NewKeyLock(),
		metrics:     m,
		now:         clock,
		logger:      cfg.Logger.With().Str("component", "dispatcher").Logger(),
		mx:          &sync.Mutex{},
		sessions:    make(map[string]*session),
	}
}

// Connect registers a new connection whose outbound messages go to wire.
func (svc *Service) Connect(wire model.Wire) string {
	id := svc.sw.Connect(wire)

	svc.mx.Lock()
	svc.sessions[id] = &session{mx: &sync.Mutex{}}
	svc.mx.Unlock()

	svc.metrics.Connections.Inc()
	svc.logger.Debug().Str("connID", id).Msg("connection registered")
	return id
}

func (svc *Service) session(id string) (*session, bool) {
	svc.mx.Lock()
	defer svc.mx.Unlock()
	sess, ok := svc.sessions[id]
	return sess, ok
}

// Dispatch routes one inbound event of connection id. Events of the same
// connection are handled one at a time. Malformed or unknown events are
// dropped; the returned error is informational only.
func (svc *Service) Dispatch(id string, in model.Inbound) error {
	sess, ok := svc.session(id)
	if !ok {
		return ErrNotConnected
	}
	sess.mx.Lock()
	defer sess.mx.Unlock()

	if svc.sw.Closing(id) {
		return ErrNotConnected
	}

	logger := svc.logger.With().Str("connID", id).Str("type", in.Type).Logger()
	logger.Trace().Bytes("payload", in.Payload).Msg("inbound event")

	var err error
	switch in.Type {
	case model.EventJoinRoom:
		var req model.JoinRequest
		if err = decode(in.Payload, &req); err == nil {
			err = svc.JoinRoom(id, req)
		}
	case model.EventLeaveRoom:
		svc.LeaveRoom(id)
	case model.EventSignal:
		var req model.SignalRequest
		if err = decode(in.Payload, &req); err == nil {
			err = svc.Signal(id, req)
		}
	case model.EventSendChat:
		var req model.ChatRequest
		if err = decode(in.Payload, &req); err == nil {
			err = svc.SendChat(id, req)
		}
	case model.EventVideoStateChange:
		var req model.VideoStateRequest
		if err = decode(in.Payload, &req); err == nil {
			err = svc.VideoStateChange(id, req)
		}
	case model.EventRegisterUser:
		var req model.RegisterRequest
		if err = decodeRegister(in.Payload, &req); err == nil {
			err = svc.RegisterUser(id, req)
		}
	case model.EventCallUser:
		var req model.CallRequest
		if err = decode(in.Payload, &req); err == nil {
			err = svc.CallUser(id, req)
		}
	case model.EventAcceptCall:
		var req model.AcceptRequest
		if err = decode(in.Payload, &req); err == nil {
			err = svc.AcceptCall(id, req)
		}
	case model.EventRejectCall:
		var req model.RejectRequest
		if err = decode(in.Payload, &req); err == nil {
			err = svc.RejectCall(id, req)
		}
	default:
		svc.metrics.Events.WithLabelValues("unknown").Inc()
		svc.metrics.Dropped.WithLabelValues("unknown", "unknown").Inc()
		logger.Debug().Msg("unknown event dropped")
		return ErrUnknownEvent
	}

	svc.metrics.Events.WithLabelValues(in.Type).Inc()
	if err != nil {
		// anything not malformed refers to state that has already moved on
		reason := "stale"
		if errors.Is(err, ErrMalformed) {
			reason = "malformed"
		}
		svc.metrics.Dropped.WithLabelValues(in.Type, reason).Inc()
		logger.Debug().Err(err).Str("reason", reason).Msg("event dropped")
	}
	return err
}

// Disconnect tears down every registry entry of the connection: presence
// (announcing offline), room membership (announcing peer-left), pending
// invitations (notifying the other party), and finally the connection
// itself. It is safe to call more than once.
func (svc *Service) Disconnect(id string) {
	sess, ok := svc.session(id)
	if !ok {
		return
	}
	sess.mx.Lock()
	defer sess.mx.Unlock()

	ep, ok := svc.sw.MarkClosing(id)
	if !ok {
		return
	}
	logger := svc.logger.With().Str("connID", id).Logger()

	label := ep.Label()
	if label != "" {
		unlock := svc.identities.Lock(label)
		defer unlock()

		svc.unregisterPresence(label, id)
	}

	svc.leaveRoom(id, ep.RoomID())
	svc.abandonInvitations(id)

	svc.sw.Disconnect(id)

	svc.mx.Lock()
	delete(svc.sessions, id)
	svc.mx.Unlock()

	svc.metrics.Connections.Dec()
	logger.Debug().Str("label", label).Msg("connection cleaned up")
}

// send reports false when dst is gone or its queue is full.
func (svc *Service) send(dst, event string, payload any) bool {
	if svc.sw.Send(dst, model.Message{Type: event, Payload: payload}) {
		return true
	}
	svc.metrics.Dropped.WithLabelValues(event, "undeliverable").Inc()
	return false
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return ErrMalformed
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Join(ErrMalformed, err)
	}
	return nil
}

// decodeRegister accepts both a bare label string and {"name": label}.
func decodeRegister(raw json.RawMessage, req *model.RegisterRequest) error {
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		req.Name = name
		return nil
	}
	return decode(raw, req)
}
