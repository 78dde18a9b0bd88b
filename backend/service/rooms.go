package service

import (
	"errors"
	"strings"

	"github.com/adwski/zoomlite/backend/model"
	"github.com/oklog/ulid/v2"
)

var (
	ErrNotAMember = errors.New("connection is not a member of this room")
	ErrSpoofedID  = errors.New("peer id does not match the connection")
)

// JoinRoom moves the connection into req.RoomID. A connection belongs to at
// most one room, so joining leaves the current room first. The newcomer
// learns about every existing member and every existing member learns
// about the newcomer, each exactly once.
func (svc *Service) JoinRoom(id string, req model.JoinRequest) error {
	roomID := strings.TrimSpace(req.RoomID)
	if roomID == "" {
		return errors.Join(ErrMalformed, errors.New("room id is required"))
	}
	ep, ok := svc.sw.Lookup(id)
	if !ok {
		return ErrNotConnected
	}
	if cur := ep.RoomID(); cur != "" {
		svc.leaveRoom(id, cur)
	}

	meta := req.Info.Clone()
	svc.rooms.Join(roomID, id, meta, func(existing []model.Peer) {
		newcomer := model.Peer{PeerID: id, Info: meta}
		for _, p := range existing {
			svc.send(p.PeerID, model.EventNewPeer, newcomer)
			svc.send(p.PeerID, model.EventAddContact, meta)
			svc.send(id, model.EventAddContact, p.Info)
		}
		svc.send(id, model.EventExistingPeers, existing)
	})
	svc.sw.SetRoom(id, roomID)
	svc.metrics.Rooms.Set(float64(svc.rooms.Count()))

	svc.logger.Debug().
		Str("connID", id).
		Str("roomID", roomID).
		Str("name", meta.Name()).
		Msg("joined room")
	return nil
}

// LeaveRoom removes the connection from its current room, if any.
func (svc *Service) LeaveRoom(id string) {
	ep, ok := svc.sw.Lookup(id)
	if !ok {
		return
	}
	svc.leaveRoom(id, ep.RoomID())
}

func (svc *Service) leaveRoom(id, roomID string) {
	if roomID == "" {
		return
	}
	left := svc.rooms.Leave(roomID, id, func(remaining []string) {
		for _, dst := range remaining {
			svc.send(dst, model.EventPeerLeft, id)
		}
	})
	svc.sw.SetRoom(id, "")
	if !left {
		return
	}
	svc.metrics.Rooms.Set(float64(svc.rooms.Count()))
	svc.logger.Debug().
		Str("connID", id).
		Str("roomID", roomID).
		Msg("left room")
}

// Signal forwards an opaque negotiation payload to req.To, tagged with the sender id.
func (svc *Service) Signal(id string, req model.SignalRequest) error {
	if req.To == "" {
		return errors.Join(ErrMalformed, errors.New("destination is required"))
	}
	if !svc.send(req.To, model.EventSignal, model.Signal{From: id, Data: req.Data}) {
		svc.logger.Debug().
			Str("connID", id).
			Str("dst", req.To).
			Msg("signal dropped, nowhere to forward")
	}
	return nil
}

// SendChat stamps the message and delivers it to every member of the room,
// the sender included.
func (svc *Service) SendChat(id string, req model.ChatRequest) error {
	if req.RoomID == "" || req.Msg == "" {
		return errors.Join(ErrMalformed, errors.New("room id and message are required"))
	}
	meta, ok := svc.rooms.MemberMetadata(req.RoomID, id)
	if !ok {
		return ErrNotAMember
	}

	sender := req.Sender
	if sender == "" {
		sender = meta.Name()
	}
	if sender == "" {
		sender = id
	}
	chat := model.Chat{
		ID:     ulid.Make().String(),
		Msg:    req.Msg,
		Sender: sender,
		TS:     svc.now().UnixMilli(),
	}

	svc.rooms.Broadcast(req.RoomID, func(members []string) {
		for _, dst := range members {
			svc.send(dst, model.EventChat, chat)
		}
	})
	return nil
}

// VideoStateChange merges the media flags into the sender's metadata and
// relays the new state to the other members of the room.
func (svc *Service) VideoStateChange(id string, req model.VideoStateRequest) error {
	if req.RoomID == "" || req.Enabled == nil {
		return errors.Join(ErrMalformed, errors.New("room id and enabled flag are required"))
	}
	if req.PeerID != "" && req.PeerID != id {
		return ErrSpoofedID
	}

	partial := req.Info.Clone()
	partial[model.MetaVideoEnabled] = *req.Enabled
	if req.Name != "" {
		partial[model.MetaName] = req.Name
	}
	if req.Avatar != nil {
		partial[model.MetaAvatar] = req.Avatar
	}

	updated := svc.rooms.UpdateMetadata(req.RoomID, id, partial, func(others []string, merged model.Metadata) {
		state := model.PeerVideoState{
			PeerID:  id,
			Enabled: *req.Enabled,
			Name:    merged.Name(),
			Avatar:  merged[model.MetaAvatar],
			Info:    merged,
		}
		for _, dst := range others {
			svc.send(dst, model.EventPeerVideoState, state)
		}
	})
	if !updated {
		svc.logger.Debug().
			Str("connID", id).
			Str("roomID", req.RoomID).
			Msg("video state ignored, not a member")
	}
	return nil
}
