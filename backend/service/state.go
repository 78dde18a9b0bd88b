package service

import (
	"github.com/adwski/zoomlite/backend/model"
	"github.com/adwski/zoomlite/backend/storage/memory"
	_switch "github.com/adwski/zoomlite/backend/switch"
)

// State is a point-in-time view of every registry, used by the debug endpoint.
type State struct {
	Connections []_switch.EndpointInfo
	Rooms       []model.RoomInfo
	Online      []string
	Invitations []memory.Invitation
}

func (svc *Service) Rooms() []model.RoomInfo {
	return svc.rooms.Rooms()
}

func (svc *Service) Room(roomID string) ([]model.Peer, error) {
	return svc.rooms.Members(roomID)
}

func (svc *Service) Online() []string {
	return svc.presence.Online()
}

func (svc *Service) Connections() int {
	return svc.sw.Count()
}

func (svc *Service) State() State {
	return State{
		Connections: svc.sw.Snapshot(),
		Rooms:       svc.rooms.Rooms(),
		Online:      svc.presence.Online(),
		Invitations: svc.invitations.List(),
	}
}
