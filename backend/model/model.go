package model

import (
	"encoding/json"
	"maps"
)

// Inbound event types (client -> server).
const (
	EventJoinRoom         = "join-room"
	EventLeaveRoom        = "leave-room"
	EventSignal           = "signal"
	EventSendChat         = "send-chat"
	EventVideoStateChange = "video-state-change"
	EventRegisterUser     = "register-user"
	EventCallUser         = "call-user"
	EventAcceptCall       = "accept-call"
	EventRejectCall       = "reject-call"
)

// Outbound event types (server -> client).
const (
	EventExistingPeers  = "existing-peers"
	EventNewPeer        = "new-peer"
	EventPeerLeft       = "peer-left"
	EventAddContact     = "add-contact"
	EventChat           = "chat"
	EventPeerVideoState = "peer-video-state"
	EventOnlineUsers    = "online-users"
	EventUserOnline     = "user-online"
	EventUserOffline    = "user-offline"
	EventIncomingCall   = "incoming-call"
	EventCallAccepted   = "call-accepted"
	EventCallRejected   = "call-rejected"
	EventCallFailed     = "call-failed"
)

// Reasons attached to call-rejected.
const (
	RejectReasonDeclined  = "rejected"
	RejectReasonAbandoned = "abandoned"
	RejectReasonTimeout   = "timeout"
)

// Message is a named event with a structured payload.
//
// Inbound messages carry the raw payload as sent by the client,
// outbound messages carry one of the payload types below.
type Message struct {
	Type    string `json:"type"`
	SRC     string `json:"src,omitempty"` // for inbound messages server re-assigns this based on the connection
	Payload any    `json:"payload,omitempty"`
}

// Inbound is the decoded form of an inbound envelope.
type Inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Wire is the outbound half of a connection. Transports drain TX with a single writer.
type Wire struct {
	TX chan Message
}

func NewWire(size int) Wire {
	if size < 1 {
		size = 1
	}
	return Wire{
		TX: make(chan Message, size),
	}
}

// Metadata is the participant descriptor attached to room membership
// (display name, avatar, media flags). It is opaque to the server except
// for the keys it merges on video state changes.
type Metadata map[string]any

const (
	MetaName         = "name"
	MetaAvatar       = "avatar"
	MetaVideoEnabled = "videoEnabled"
)

// Merge copies fields of partial into m, leaving unrelated fields intact.
func (m Metadata) Merge(partial Metadata) {
	for k, v := range partial {
		m[k] = v
	}
}

func (m Metadata) Clone() Metadata {
	if m == nil {
		return Metadata{}
	}
	return maps.Clone(m)
}

// Name returns the display name, if any.
func (m Metadata) Name() string {
	name, _ := m[MetaName].(string)
	return name
}

type (
	JoinRequest struct {
		RoomID string   `json:"roomId"`
		Info   Metadata `json:"info"`
	}

	SignalRequest struct {
		To   string          `json:"to"`
		Data json.RawMessage `json:"data"`
	}

	ChatRequest struct {
		RoomID string `json:"roomId"`
		Msg    string `json:"msg"`
		Sender string `json:"sender,omitempty"`
	}

	VideoStateRequest struct {
		RoomID  string   `json:"roomId"`
		PeerID  string   `json:"peerId,omitempty"`
		Enabled *bool    `json:"enabled"`
		Name    string   `json:"name,omitempty"`
		Avatar  any      `json:"avatar,omitempty"`
		Info    Metadata `json:"info,omitempty"`
	}

	RegisterRequest struct {
		Name string `json:"name"`
	}

	CallRequest struct {
		From string `json:"from"`
		To   string `json:"to"`
	}

	AcceptRequest struct {
		From   string `json:"from"`
		RoomID string `json:"roomId"`
	}

	RejectRequest struct {
		From string `json:"from"`
	}
)

type (
	Peer struct {
		PeerID string   `json:"peerId"`
		Info   Metadata `json:"info"`
	}

	Signal struct {
		From string          `json:"from"`
		Data json.RawMessage `json:"data"`
	}

	Chat struct {
		ID     string `json:"id"`
		Msg    string `json:"msg"`
		Sender string `json:"sender"`
		TS     int64  `json:"ts"`
	}

	PeerVideoState struct {
		PeerID  string   `json:"peerId"`
		Enabled bool     `json:"enabled"`
		Name    string   `json:"name,omitempty"`
		Avatar  any      `json:"avatar,omitempty"`
		Info    Metadata `json:"info"`
	}

	IncomingCall struct {
		From string `json:"from"`
	}

	CallAccepted struct {
		RoomID string `json:"roomId"`
		By     string `json:"by"`
	}

	CallRejected struct {
		By     string `json:"by"`
		Reason string `json:"reason,omitempty"`
	}

	CallFailed struct {
		To string `json:"to"`
	}
)

// RoomInfo is a read-only room summary.
type RoomInfo struct {
	ID      string `json:"id"`
	Members int    `json:"members"`
}
