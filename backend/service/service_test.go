package service

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/adwski/zoomlite/backend/metrics"
	"github.com/adwski/zoomlite/backend/model"
	"github.com/adwski/zoomlite/backend/storage/memory"
	_switch "github.com/adwski/zoomlite/backend/switch"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	svc         *Service
	metrics     *metrics.Metrics
	sw          *_switch.Switch
	rooms       *memory.RoomStore
	presence    *memory.PresenceStore
	invitations *memory.InvitationStore
}

type client struct {
	t    *testing.T
	h    *harness
	id   string
	wire model.Wire
}

func newHarness(callTimeout time.Duration) *harness {
	logger := zerolog.Nop()
	h := &harness{
		metrics:     metrics.New(),
		sw:          _switch.NewSwitch(&logger),
		rooms:       memory.NewRoomStore(),
		presence:    memory.NewPresenceStore(),
		invitations: memory.NewInvitationStore(callTimeout),
	}
	h.svc = NewService(Config{
		Switch:      h.sw,
		Rooms:       h.rooms,
		Presence:    h.presence,
		Invitations: h.invitations,
		Metrics:     h.metrics,
		Logger:      &logger,
		Clock:       func() time.Time { return testNow },
	})
	return h
}

func (h *harness) connect(t *testing.T) *client {
	t.Helper()
	wire := model.NewWire(256)
	return &client{t: t, h: h, id: h.svc.Connect(wire), wire: wire}
}

func (c *client) emit(event string, payload any) error {
	c.t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(c.t, err)
	return c.h.svc.Dispatch(c.id, model.Inbound{Type: event, Payload: raw})
}

// drain returns every message queued for the client so far.
func (c *client) drain() []model.Message {
	var out []model.Message
	for {
		select {
		case msg := <-c.wire.TX:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func ofType(msgs []model.Message, event string) []model.Message {
	var out []model.Message
	for _, m := range msgs {
		if m.Type == event {
			out = append(out, m)
		}
	}
	return out
}

func TestService_RoomScenario(t *testing.T) {
	h := newHarness(0)
	x := h.connect(t)
	y := h.connect(t)

	require.NoError(t, x.emit(model.EventJoinRoom, model.JoinRequest{RoomID: "r1", Info: model.Metadata{"name": "Bo"}}))
	msgs := x.drain()
	require.Len(t, msgs, 1)
	assert.Equal(t, model.EventExistingPeers, msgs[0].Type)
	assert.Empty(t, msgs[0].Payload)

	require.NoError(t, y.emit(model.EventJoinRoom, model.JoinRequest{RoomID: "r1", Info: model.Metadata{"name": "Ann"}}))

	existing := ofType(y.drain(), model.EventExistingPeers)
	require.Len(t, existing, 1)
	assert.Equal(t, []model.Peer{{PeerID: x.id, Info: model.Metadata{"name": "Bo"}}}, existing[0].Payload)

	xMsgs := x.drain()
	newPeer := ofType(xMsgs, model.EventNewPeer)
	require.Len(t, newPeer, 1)
	assert.Equal(t, model.Peer{PeerID: y.id, Info: model.Metadata{"name": "Ann"}}, newPeer[0].Payload)

	h.svc.Disconnect(x.id)
	left := ofType(y.drain(), model.EventPeerLeft)
	require.Len(t, left, 1)
	assert.Equal(t, x.id, left[0].Payload)
	assert.True(t, h.rooms.Exists("r1"))

	h.svc.LeaveRoom(y.id)
	assert.False(t, h.rooms.Exists("r1"))
	assert.Empty(t, ofType(y.drain(), model.EventPeerLeft))
}

func TestService_JoinExchangesContacts(t *testing.T) {
	h := newHarness(0)
	x := h.connect(t)
	y := h.connect(t)

	require.NoError(t, x.emit(model.EventJoinRoom, model.JoinRequest{RoomID: "r1", Info: model.Metadata{"name": "Bo"}}))
	x.drain()
	require.NoError(t, y.emit(model.EventJoinRoom, model.JoinRequest{RoomID: "r1", Info: model.Metadata{"name": "Ann"}}))

	yContacts := ofType(y.drain(), model.EventAddContact)
	require.Len(t, yContacts, 1)
	assert.Equal(t, model.Metadata{"name": "Bo"}, yContacts[0].Payload)

	xContacts := ofType(x.drain(), model.EventAddContact)
	require.Len(t, xContacts, 1)
	assert.Equal(t, model.Metadata{"name": "Ann"}, xContacts[0].Payload)
}

func TestService_JoinAnotherRoomLeavesCurrent(t *testing.T) {
	h := newHarness(0)
	x := h.connect(t)
	y := h.connect(t)

	require.NoError(t, x.emit(model.EventJoinRoom, model.JoinRequest{RoomID: "r1"}))
	require.NoError(t, y.emit(model.EventJoinRoom, model.JoinRequest{RoomID: "r1"}))
	y.drain()

	require.NoError(t, x.emit(model.EventJoinRoom, model.JoinRequest{RoomID: "r2"}))
	left := ofType(y.drain(), model.EventPeerLeft)
	require.Len(t, left, 1)
	assert.Equal(t, x.id, left[0].Payload)

	members, err := h.rooms.Members("r1")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, y.id, members[0].PeerID)
	assert.True(t, h.rooms.Exists("r2"))

	ep, ok := h.sw.Lookup(x.id)
	require.True(t, ok)
	assert.Equal(t, "r2", ep.RoomID())
}

func TestService_LeaveIsIdempotent(t *testing.T) {
	h := newHarness(0)
	x := h.connect(t)
	y := h.connect(t)

	require.NoError(t, x.emit(model.EventJoinRoom, model.JoinRequest{RoomID: "r1"}))
	require.NoError(t, y.emit(model.EventJoinRoom, model.JoinRequest{RoomID: "r1"}))
	y.drain()

	require.NoError(t, x.emit(model.EventLeaveRoom, nil))
	require.NoError(t, x.emit(model.EventLeaveRoom, nil))
	assert.Len(t, ofType(y.drain(), model.EventPeerLeft), 1)
}

func TestService_MalformedEventsAreDropped(t *testing.T) {
	h := newHarness(0)
	x := h.connect(t)

	tests := []struct {
		name    string
		event   string
		payload string
	}{
		{"join without room", model.EventJoinRoom, `{"info":{"name":"Bo"}}`},
		{"join with broken json", model.EventJoinRoom, `{"roomId":`},
		{"signal without destination", model.EventSignal, `{"data":{"sdp":"x"}}`},
		{"chat without message", model.EventSendChat, `{"roomId":"r1"}`},
		{"video state without flag", model.EventVideoStateChange, `{"roomId":"r1"}`},
		{"register without name", model.EventRegisterUser, `""`},
		{"call without callee", model.EventCallUser, `{"from":"bob"}`},
		{"accept without identity", model.EventAcceptCall, `{"from":"bob","roomId":"r9"}`},
		{"reject without identity", model.EventRejectCall, `{"from":"bob"}`},
		{"empty payload", model.EventSignal, ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.svc.Dispatch(x.id, model.Inbound{Type: tt.event, Payload: json.RawMessage(tt.payload)})
			assert.Error(t, err)
			assert.Empty(t, x.drain())
		})
	}

	assert.ErrorIs(t, h.svc.Dispatch(x.id, model.Inbound{Type: "bogus"}), ErrUnknownEvent)
	assert.ErrorIs(t, h.svc.Dispatch("ghost", model.Inbound{Type: model.EventLeaveRoom}), ErrNotConnected)

	// the connection is still usable
	require.NoError(t, x.emit(model.EventJoinRoom, model.JoinRequest{RoomID: "r1"}))
	assert.Len(t, ofType(x.drain(), model.EventExistingPeers), 1)
}

func TestService_SignalIsForwardedVerbatim(t *testing.T) {
	h := newHarness(0)
	x := h.connect(t)
	y := h.connect(t)

	payload := `{"to":"` + y.id + `","from":"spoofed","data":{"type":"offer","sdp":"v=0\r\n"}}`
	require.NoError(t, h.svc.Dispatch(x.id, model.Inbound{Type: model.EventSignal, Payload: json.RawMessage(payload)}))

	msgs := y.drain()
	require.Len(t, msgs, 1)
	sig, ok := msgs[0].Payload.(model.Signal)
	require.True(t, ok)
	assert.Equal(t, x.id, sig.From)
	assert.JSONEq(t, `{"type":"offer","sdp":"v=0\r\n"}`, string(sig.Data))

	// unknown destination is a silent no-op
	require.NoError(t, x.emit(model.EventSignal, model.SignalRequest{To: "ghost", Data: json.RawMessage(`{}`)}))
	assert.Empty(t, x.drain())
}

func TestService_ChatIsStampedAndEchoed(t *testing.T) {
	h := newHarness(0)
	x := h.connect(t)
	y := h.connect(t)
	z := h.connect(t)

	require.NoError(t, x.emit(model.EventJoinRoom, model.JoinRequest{RoomID: "r1", Info: model.Metadata{"name": "Bo"}}))
	require.NoError(t, y.emit(model.EventJoinRoom, model.JoinRequest{RoomID: "r1"}))
	x.drain()
	y.drain()

	require.NoError(t, x.emit(model.EventSendChat, model.ChatRequest{RoomID: "r1", Msg: "hi"}))
	for _, c := range []*client{x, y} {
		msgs := ofType(c.drain(), model.EventChat)
		require.Len(t, msgs, 1)
		chat, ok := msgs[0].Payload.(model.Chat)
		require.True(t, ok)
		assert.Equal(t, "hi", chat.Msg)
		assert.Equal(t, "Bo", chat.Sender)
		assert.Equal(t, testNow.UnixMilli(), chat.TS)
		assert.Len(t, chat.ID, 26)
	}

	require.NoError(t, y.emit(model.EventSendChat, model.ChatRequest{RoomID: "r1", Msg: "yo", Sender: "Ann"}))
	chat := ofType(x.drain(), model.EventChat)[0].Payload.(model.Chat)
	assert.Equal(t, "Ann", chat.Sender)

	// outsiders cannot post into the room
	assert.ErrorIs(t, z.emit(model.EventSendChat, model.ChatRequest{RoomID: "r1", Msg: "spam"}), ErrNotAMember)
	assert.Empty(t, x.drain())
}

func TestService_VideoStateMergesMetadata(t *testing.T) {
	h := newHarness(0)
	x := h.connect(t)
	y := h.connect(t)

	require.NoError(t, x.emit(model.EventJoinRoom, model.JoinRequest{RoomID: "r1", Info: model.Metadata{"name": "Bo", "color": "red"}}))
	require.NoError(t, y.emit(model.EventJoinRoom, model.JoinRequest{RoomID: "r1"}))
	x.drain()
	y.drain()

	enabled := false
	require.NoError(t, x.emit(model.EventVideoStateChange, model.VideoStateRequest{
		RoomID:  "r1",
		PeerID:  x.id,
		Enabled: &enabled,
		Avatar:  "cat",
	}))

	msgs := y.drain()
	require.Len(t, msgs, 1)
	state, ok := msgs[0].Payload.(model.PeerVideoState)
	require.True(t, ok)
	assert.Equal(t, x.id, state.PeerID)
	assert.False(t, state.Enabled)
	assert.Equal(t, "Bo", state.Name)
	assert.Equal(t, "cat", state.Avatar)
	assert.Empty(t, x.drain(), "sender does not get its own state back")

	meta, ok := h.rooms.MemberMetadata("r1", x.id)
	require.True(t, ok)
	assert.Equal(t, model.Metadata{"name": "Bo", "color": "red", "videoEnabled": false, "avatar": "cat"}, meta)

	// another connection's id is refused
	assert.ErrorIs(t, y.emit(model.EventVideoStateChange, model.VideoStateRequest{
		RoomID:  "r1",
		PeerID:  x.id,
		Enabled: &enabled,
	}), ErrSpoofedID)

	// not a member: no-op
	require.NoError(t, x.emit(model.EventVideoStateChange, model.VideoStateRequest{RoomID: "r2", Enabled: &enabled}))
	assert.Empty(t, y.drain())
}

func TestService_PresenceBroadcasts(t *testing.T) {
	h := newHarness(0)
	a := h.connect(t)
	b := h.connect(t)

	require.NoError(t, a.emit(model.EventRegisterUser, "alice"))
	for _, c := range []*client{a, b} {
		msgs := c.drain()
		require.Len(t, msgs, 2)
		assert.Equal(t, model.Message{Type: model.EventUserOnline, Payload: "alice"}, msgs[0])
		assert.Equal(t, model.Message{Type: model.EventOnlineUsers, Payload: []string{"alice"}}, msgs[1])
	}

	require.NoError(t, b.emit(model.EventRegisterUser, model.RegisterRequest{Name: "bob"}))
	online := ofType(a.drain(), model.EventOnlineUsers)
	require.Len(t, online, 1)
	assert.Equal(t, []string{"alice", "bob"}, online[0].Payload)
	b.drain()

	h.svc.Disconnect(a.id)
	msgs := b.drain()
	require.Len(t, msgs, 2)
	assert.Equal(t, model.Message{Type: model.EventUserOffline, Payload: "alice"}, msgs[0])
	assert.Equal(t, model.Message{Type: model.EventOnlineUsers, Payload: []string{"bob"}}, msgs[1])
}

func TestService_PresenceSupersession(t *testing.T) {
	h := newHarness(0)
	a := h.connect(t)
	b := h.connect(t)
	watcher := h.connect(t)

	require.NoError(t, a.emit(model.EventRegisterUser, "alice"))
	require.NoError(t, b.emit(model.EventRegisterUser, "alice"))

	id, ok := h.presence.Resolve("alice")
	require.True(t, ok)
	assert.Equal(t, b.id, id)

	watcher.drain()
	h.svc.Disconnect(a.id)

	id, ok = h.presence.Resolve("alice")
	require.True(t, ok)
	assert.Equal(t, b.id, id)
	assert.Empty(t, ofType(watcher.drain(), model.EventUserOffline))

	// the superseded connection is still alive, just unreachable by label
	_, ok = h.sw.Lookup(b.id)
	assert.True(t, ok)
}

func TestService_RenameReleasesOldLabel(t *testing.T) {
	h := newHarness(0)
	a := h.connect(t)
	watcher := h.connect(t)

	require.NoError(t, a.emit(model.EventRegisterUser, "alice"))
	watcher.drain()
	require.NoError(t, a.emit(model.EventRegisterUser, "alicia"))

	msgs := watcher.drain()
	require.Len(t, msgs, 4)
	assert.Equal(t, model.Message{Type: model.EventUserOffline, Payload: "alice"}, msgs[0])
	assert.Equal(t, model.Message{Type: model.EventUserOnline, Payload: "alicia"}, msgs[2])
	assert.Equal(t, []string{"alicia"}, h.presence.Online())
}

func TestService_CallAccepted(t *testing.T) {
	h := newHarness(0)
	alice := h.connect(t)
	bob := h.connect(t)
	require.NoError(t, alice.emit(model.EventRegisterUser, "alice"))
	require.NoError(t, bob.emit(model.EventRegisterUser, "bob"))
	alice.drain()
	bob.drain()

	require.NoError(t, bob.emit(model.EventCallUser, model.CallRequest{From: "bob", To: "alice"}))
	msgs := alice.drain()
	require.Len(t, msgs, 1)
	assert.Equal(t, model.Message{Type: model.EventIncomingCall, Payload: model.IncomingCall{From: "bob"}}, msgs[0])

	require.NoError(t, alice.emit(model.EventAcceptCall, model.AcceptRequest{From: "bob", RoomID: "r9"}))
	msgs = bob.drain()
	require.Len(t, msgs, 1)
	assert.Equal(t, model.Message{
		Type:    model.EventCallAccepted,
		Payload: model.CallAccepted{RoomID: "r9", By: "alice"},
	}, msgs[0])

	// a duplicate accept is a no-op
	assert.ErrorIs(t, alice.emit(model.EventAcceptCall, model.AcceptRequest{From: "bob", RoomID: "r9"}), ErrNoPending)
	assert.Empty(t, bob.drain())
	assert.Equal(t, 0, h.invitations.Len())
}

func TestService_CallRejected(t *testing.T) {
	h := newHarness(0)
	alice := h.connect(t)
	bob := h.connect(t)
	require.NoError(t, alice.emit(model.EventRegisterUser, "alice"))
	require.NoError(t, bob.emit(model.EventRegisterUser, "bob"))

	require.NoError(t, bob.emit(model.EventCallUser, model.CallRequest{To: "alice"}))
	bob.drain()
	require.NoError(t, alice.emit(model.EventRejectCall, model.RejectRequest{From: "bob"}))

	msgs := bob.drain()
	require.Len(t, msgs, 1)
	assert.Equal(t, model.Message{
		Type:    model.EventCallRejected,
		Payload: model.CallRejected{By: "alice", Reason: model.RejectReasonDeclined},
	}, msgs[0])

	assert.ErrorIs(t, alice.emit(model.EventAcceptCall, model.AcceptRequest{From: "bob", RoomID: "r9"}), ErrNoPending)
	assert.Empty(t, bob.drain())
}

func TestService_CallFromSecondDeviceNotifiesFirst(t *testing.T) {
	h := newHarness(0)
	alice := h.connect(t)
	phone := h.connect(t)
	laptop := h.connect(t)
	require.NoError(t, alice.emit(model.EventRegisterUser, "alice"))
	require.NoError(t, phone.emit(model.EventRegisterUser, "bob"))
	require.NoError(t, phone.emit(model.EventCallUser, model.CallRequest{To: "alice"}))
	require.NoError(t, laptop.emit(model.EventRegisterUser, "bob"))
	phone.drain()
	laptop.drain()

	require.NoError(t, laptop.emit(model.EventCallUser, model.CallRequest{To: "alice"}))
	assert.Equal(t, []model.Message{{
		Type:    model.EventCallRejected,
		Payload: model.CallRejected{By: "alice", Reason: model.RejectReasonAbandoned},
	}}, ofType(phone.drain(), model.EventCallRejected))
	assert.Equal(t, 1, h.invitations.Len())

	require.NoError(t, alice.emit(model.EventRejectCall, model.RejectRequest{From: "bob"}))
	assert.Len(t, ofType(laptop.drain(), model.EventCallRejected), 1)
	assert.Empty(t, ofType(phone.drain(), model.EventCallRejected))

	h.svc.Disconnect(alice.id)
	outcomes := func(msgs []model.Message) int {
		return len(ofType(msgs, model.EventCallAccepted)) +
			len(ofType(msgs, model.EventCallRejected)) +
			len(ofType(msgs, model.EventCallFailed))
	}
	assert.Zero(t, outcomes(phone.drain()))
	assert.Zero(t, outcomes(laptop.drain()))
	assert.Equal(t, 0, h.invitations.Len())
}

func TestService_CallFailedForUnknownCallee(t *testing.T) {
	h := newHarness(0)
	carol := h.connect(t)
	require.NoError(t, carol.emit(model.EventRegisterUser, "carol"))
	carol.drain()

	require.NoError(t, carol.emit(model.EventCallUser, model.CallRequest{From: "carol", To: "dave"}))
	msgs := carol.drain()
	require.Len(t, msgs, 1)
	assert.Equal(t, model.Message{Type: model.EventCallFailed, Payload: model.CallFailed{To: "dave"}}, msgs[0])
	assert.Equal(t, 0, h.invitations.Len())
}

func TestService_CalleeDisconnectAbandonsCall(t *testing.T) {
	h := newHarness(0)
	alice := h.connect(t)
	bob := h.connect(t)
	require.NoError(t, alice.emit(model.EventRegisterUser, "alice"))
	require.NoError(t, bob.emit(model.EventRegisterUser, "bob"))
	require.NoError(t, bob.emit(model.EventCallUser, model.CallRequest{To: "alice"}))
	bob.drain()

	h.svc.Disconnect(alice.id)

	rejected := ofType(bob.drain(), model.EventCallRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, model.CallRejected{By: "alice", Reason: model.RejectReasonAbandoned}, rejected[0].Payload)
	assert.Equal(t, 0, h.invitations.Len())
}

func TestService_CallerDisconnectAbandonsCall(t *testing.T) {
	h := newHarness(0)
	alice := h.connect(t)
	bob := h.connect(t)
	require.NoError(t, alice.emit(model.EventRegisterUser, "alice"))
	require.NoError(t, bob.emit(model.EventRegisterUser, "bob"))
	require.NoError(t, bob.emit(model.EventCallUser, model.CallRequest{To: "alice"}))
	alice.drain()

	h.svc.Disconnect(bob.id)

	rejected := ofType(alice.drain(), model.EventCallRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, model.CallRejected{By: "bob", Reason: model.RejectReasonAbandoned}, rejected[0].Payload)

	// a late accept finds nothing
	assert.ErrorIs(t, alice.emit(model.EventAcceptCall, model.AcceptRequest{From: "bob", RoomID: "r9"}), ErrNoPending)
}

func TestService_CallTimeout(t *testing.T) {
	h := newHarness(30 * time.Millisecond)
	alice := h.connect(t)
	bob := h.connect(t)
	require.NoError(t, alice.emit(model.EventRegisterUser, "alice"))
	require.NoError(t, bob.emit(model.EventRegisterUser, "bob"))
	require.NoError(t, bob.emit(model.EventCallUser, model.CallRequest{To: "alice"}))
	alice.drain()
	bob.drain()

	var toBob, toAlice []model.Message
	require.Eventually(t, func() bool {
		toBob = append(toBob, bob.drain()...)
		toAlice = append(toAlice, alice.drain()...)
		return len(toBob) > 0 && len(toAlice) > 0
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []model.Message{{
		Type:    model.EventCallRejected,
		Payload: model.CallRejected{By: "alice", Reason: model.RejectReasonTimeout},
	}}, toBob)
	assert.Equal(t, []model.Message{{
		Type:    model.EventCallRejected,
		Payload: model.CallRejected{By: "bob", Reason: model.RejectReasonTimeout},
	}}, toAlice)
	assert.Equal(t, 0, h.invitations.Len())

	// the expired call cannot be accepted any more
	assert.ErrorIs(t, alice.emit(model.EventAcceptCall, model.AcceptRequest{From: "bob", RoomID: "r9"}), ErrNoPending)
}

func TestService_AcceptRejectRaceDeliversOneOutcome(t *testing.T) {
	for i := 0; i < 30; i++ {
		h := newHarness(0)
		alice := h.connect(t)
		aliceTwo := h.connect(t)
		bob := h.connect(t)
		require.NoError(t, alice.emit(model.EventRegisterUser, "alice"))
		require.NoError(t, bob.emit(model.EventRegisterUser, "bob"))
		require.NoError(t, bob.emit(model.EventCallUser, model.CallRequest{To: "alice"}))
		// second device of the same identity answers concurrently
		_, ok := h.sw.SetLabel(aliceTwo.id, "alice")
		require.True(t, ok)
		bob.drain()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = alice.emit(model.EventAcceptCall, model.AcceptRequest{From: "bob", RoomID: "r9"})
		}()
		go func() {
			defer wg.Done()
			_ = aliceTwo.emit(model.EventRejectCall, model.RejectRequest{From: "bob"})
		}()
		wg.Wait()

		msgs := bob.drain()
		outcomes := len(ofType(msgs, model.EventCallAccepted)) + len(ofType(msgs, model.EventCallRejected))
		assert.Equal(t, 1, outcomes)
	}
}

func TestService_DisconnectCleansAllRegistries(t *testing.T) {
	h := newHarness(0)
	alice := h.connect(t)
	bob := h.connect(t)
	require.NoError(t, alice.emit(model.EventRegisterUser, "alice"))
	require.NoError(t, bob.emit(model.EventRegisterUser, "bob"))
	require.NoError(t, alice.emit(model.EventJoinRoom, model.JoinRequest{RoomID: "r1"}))
	require.NoError(t, bob.emit(model.EventJoinRoom, model.JoinRequest{RoomID: "r1"}))
	require.NoError(t, alice.emit(model.EventCallUser, model.CallRequest{To: "bob"}))
	bob.drain()

	h.svc.Disconnect(alice.id)
	h.svc.Disconnect(alice.id)

	_, ok := h.sw.Lookup(alice.id)
	assert.False(t, ok)
	_, ok = h.presence.Resolve("alice")
	assert.False(t, ok)
	members, err := h.rooms.Members("r1")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, bob.id, members[0].PeerID)
	assert.Equal(t, 0, h.invitations.Len())

	msgs := bob.drain()
	assert.Equal(t, []string{
		model.EventUserOffline,
		model.EventOnlineUsers,
		model.EventPeerLeft,
		model.EventCallRejected,
	}, types(msgs))

	assert.ErrorIs(t, alice.emit(model.EventLeaveRoom, nil), ErrNotConnected)
}

func TestService_State(t *testing.T) {
	h := newHarness(0)
	alice := h.connect(t)
	require.NoError(t, alice.emit(model.EventRegisterUser, "alice"))
	require.NoError(t, alice.emit(model.EventJoinRoom, model.JoinRequest{RoomID: "r1"}))

	st := h.svc.State()
	require.Len(t, st.Connections, 1)
	assert.Equal(t, "alice", st.Connections[0].Label)
	assert.Equal(t, "r1", st.Connections[0].RoomID)
	assert.Equal(t, []model.RoomInfo{{ID: "r1", Members: 1}}, st.Rooms)
	assert.Equal(t, []string{"alice"}, st.Online)
	assert.Equal(t, 1, h.svc.Connections())
}

func types(msgs []model.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Type)
	}
	return out
}

func TestService_DroppedEventReasons(t *testing.T) {
	h := newHarness(0)
	alice := h.connect(t)
	ghost := h.connect(t)
	require.NoError(t, alice.emit(model.EventRegisterUser, "alice"))

	assert.ErrorIs(t, alice.emit(model.EventJoinRoom, map[string]string{}), ErrMalformed)
	assert.ErrorIs(t, alice.emit(model.EventAcceptCall, model.AcceptRequest{From: "bob", RoomID: "r9"}), ErrNoPending)
	assert.ErrorIs(t, alice.emit(model.EventSendChat, model.ChatRequest{RoomID: "r1", Msg: "hi"}), ErrNotAMember)
	assert.ErrorIs(t, ghost.emit(model.EventRejectCall, model.RejectRequest{From: "bob"}), ErrNoIdentity)

	dropped := func(event, reason string) float64 {
		return testutil.ToFloat64(h.metrics.Dropped.WithLabelValues(event, reason))
	}
	assert.InDelta(t, 1, dropped(model.EventJoinRoom, "malformed"), 0)
	assert.InDelta(t, 1, dropped(model.EventAcceptCall, "stale"), 0)
	assert.InDelta(t, 1, dropped(model.EventSendChat, "stale"), 0)
	assert.InDelta(t, 1, dropped(model.EventRejectCall, "stale"), 0)
	assert.InDelta(t, 0, dropped(model.EventAcceptCall, "malformed"), 0)

	// undeliverable outbound messages are counted too
	require.NoError(t, alice.emit(model.EventSignal, model.SignalRequest{To: "nobody", Data: json.RawMessage(`{}`)}))
	assert.InDelta(t, 1, dropped(model.EventSignal, "undeliverable"), 0)
}
