package service

import (
	"errors"
	"strings"

	"github.com/adwski/zoomlite/backend/model"
	"github.com/adwski/zoomlite/backend/storage/memory"
)

var (
	ErrNoIdentity = errors.New("connection has no registered identity")
	ErrNoPending  = errors.New("no pending invitation")
)

// RegisterUser binds an identity label to the connection and announces it
// online to every connection together with the full online set. A later
// registration of the same label on another connection supersedes this one
// without closing it. Re-registering under a new label releases the old one.
func (svc *Service) RegisterUser(id string, req model.RegisterRequest) error {
	label := strings.TrimSpace(req.Name)
	if label == "" {
		return errors.Join(ErrMalformed, errors.New("name is required"))
	}
	ep, ok := svc.sw.Lookup(id)
	if !ok {
		return ErrNotConnected
	}

	prevLabel := ep.Label()
	unlock := svc.identities.Lock(label)
	if prevLabel != "" && prevLabel != label {
		unlock()
		unlock = svc.identities.LockPair(label, prevLabel)
	}
	defer unlock()

	if prevLabel != "" && prevLabel != label {
		svc.unregisterPresence(prevLabel, id)
	}
	svc.sw.SetLabel(id, label)

	superseded := svc.presence.Register(label, id, func(online []string) {
		svc.sw.Broadcast(model.Message{Type: model.EventUserOnline, Payload: label})
		svc.sw.Broadcast(model.Message{Type: model.EventOnlineUsers, Payload: online})
		svc.metrics.Online.Set(float64(len(online)))
	})

	ev := svc.logger.Info().Str("connID", id).Str("label", label)
	if superseded != "" {
		ev = ev.Str("superseded", superseded)
	}
	ev.Msg("user came online")
	return nil
}

// unregisterPresence must be called with the label locked.
func (svc *Service) unregisterPresence(label, id string) {
	removed := svc.presence.UnregisterByConnection(label, id, func(online []string) {
		svc.sw.Broadcast(model.Message{Type: model.EventUserOffline, Payload: label})
		svc.sw.Broadcast(model.Message{Type: model.EventOnlineUsers, Payload: online})
		svc.metrics.Online.Set(float64(len(online)))
	})
	if removed {
		svc.logger.Info().Str("connID", id).Str("label", label).Msg("user went offline")
	}
}

// callerLabel prefers the label registered on the connection over the one claimed in the event.
func callerLabel(registered, claimed string) string {
	if registered != "" {
		return registered
	}
	return strings.TrimSpace(claimed)
}

// CallUser creates a Pending invitation from the caller to req.To and rings
// the callee. An unresolvable callee fails the call immediately.
func (svc *Service) CallUser(id string, req model.CallRequest) error {
	ep, ok := svc.sw.Lookup(id)
	if !ok {
		return ErrNotConnected
	}
	caller := callerLabel(ep.Label(), req.From)
	callee := strings.TrimSpace(req.To)
	if caller == "" || callee == "" {
		return errors.Join(ErrMalformed, errors.New("caller and callee are required"))
	}

	unlock := svc.identities.LockPair(caller, callee)
	defer unlock()

	logger := svc.logger.With().
		Str("connID", id).
		Str("caller", caller).
		Str("callee", callee).
		Logger()

	calleeConn, ok := svc.presence.Resolve(callee)
	if !ok || svc.sw.Closing(calleeConn) {
		svc.send(id, model.EventCallFailed, model.CallFailed{To: callee})
		svc.metrics.Calls.WithLabelValues("failed").Inc()
		logger.Debug().Msg("call failed, callee is not online")
		return nil
	}

	displaced, ok := svc.invitations.Create(memory.Invitation{
		Caller:     caller,
		Callee:     callee,
		CallerConn: id,
		CalleeConn: calleeConn,
	}, svc.expireInvitation)
	if ok {
		// same label calling again from another device
		svc.send(displaced.CallerConn, model.EventCallRejected, model.CallRejected{
			By:     callee,
			Reason: model.RejectReasonAbandoned,
		})
		svc.metrics.Calls.WithLabelValues(displaced.State.String()).Inc()
		logger.Debug().Str("displacedConn", displaced.CallerConn).Msg("earlier call replaced")
	}
	svc.send(calleeConn, model.EventIncomingCall, model.IncomingCall{From: caller})

	logger.Debug().Str("calleeConn", calleeConn).Msg("call is ringing")
	return nil
}

// AcceptCall resolves the Pending invitation from req.From to this
// connection's identity and hands the caller the agreed room.
func (svc *Service) AcceptCall(id string, req model.AcceptRequest) error {
	ep, ok := svc.sw.Lookup(id)
	if !ok {
		return ErrNotConnected
	}
	callee := ep.Label()
	if callee == "" {
		return ErrNoIdentity
	}
	if req.From == "" || req.RoomID == "" {
		return errors.Join(ErrMalformed, errors.New("caller and room id are required"))
	}

	unlock := svc.identities.LockPair(req.From, callee)
	defer unlock()

	inv, ok := svc.invitations.Resolve(req.From, callee, memory.InvitationAccepted)
	if !ok {
		return ErrNoPending
	}
	svc.send(inv.CallerConn, model.EventCallAccepted, model.CallAccepted{RoomID: req.RoomID, By: callee})
	svc.metrics.Calls.WithLabelValues(inv.State.String()).Inc()

	svc.logger.Info().
		Str("caller", inv.Caller).
		Str("callee", callee).
		Str("roomID", req.RoomID).
		Msg("call accepted")
	return nil
}

// RejectCall resolves the Pending invitation from req.From as rejected.
func (svc *Service) RejectCall(id string, req model.RejectRequest) error {
	ep, ok := svc.sw.Lookup(id)
	if !ok {
		return ErrNotConnected
	}
	callee := ep.Label()
	if callee == "" {
		return ErrNoIdentity
	}
	if req.From == "" {
		return errors.Join(ErrMalformed, errors.New("caller is required"))
	}

	unlock := svc.identities.LockPair(req.From, callee)
	defer unlock()

	inv, ok := svc.invitations.Resolve(req.From, callee, memory.InvitationRejected)
	if !ok {
		return ErrNoPending
	}
	svc.send(inv.CallerConn, model.EventCallRejected, model.CallRejected{
		By:     callee,
		Reason: model.RejectReasonDeclined,
	})
	svc.metrics.Calls.WithLabelValues(inv.State.String()).Inc()

	svc.logger.Info().
		Str("caller", inv.Caller).
		Str("callee", callee).
		Msg("call rejected")
	return nil
}

// abandonInvitations resolves every Pending invitation of a vanished
// connection and tells the surviving party.
func (svc *Service) abandonInvitations(id string) {
	for _, inv := range svc.invitations.AbandonByConnection(id) {
		if inv.CallerConn == id {
			svc.send(inv.CalleeConn, model.EventCallRejected, model.CallRejected{
				By:     inv.Caller,
				Reason: model.RejectReasonAbandoned,
			})
		} else {
			svc.send(inv.CallerConn, model.EventCallRejected, model.CallRejected{
				By:     inv.Callee,
				Reason: model.RejectReasonAbandoned,
			})
		}
		svc.metrics.Calls.WithLabelValues(inv.State.String()).Inc()
		svc.logger.Debug().
			Str("connID", id).
			Str("caller", inv.Caller).
			Str("callee", inv.Callee).
			Msg("call abandoned")
	}
}

func (svc *Service) expireInvitation(inv memory.Invitation) {
	svc.send(inv.CallerConn, model.EventCallRejected, model.CallRejected{
		By:     inv.Callee,
		Reason: model.RejectReasonTimeout,
	})
	svc.send(inv.CalleeConn, model.EventCallRejected, model.CallRejected{
		By:     inv.Caller,
		Reason: model.RejectReasonTimeout,
	})
	svc.metrics.Calls.WithLabelValues("timeout").Inc()
	svc.logger.Debug().
		Str("caller", inv.Caller).
		Str("callee", inv.Callee).
		Msg("call timed out")
}
