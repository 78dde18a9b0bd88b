// Package socketio serves the signaling protocol over Socket.IO so the
// browser client can talk to the relay with its stock socket.io library.
package socketio

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/adwski/zoomlite/backend/model"
	"github.com/rs/zerolog"
	"github.com/zishang520/engine.io/v2/types"
	sio "github.com/zishang520/socket.io/v2/socket"
)

const (
	defaultPath          = "/socket.io"
	defaultSendBuffer    = 64
	defaultMaxBufferSize = 1_000_000
)

var ErrNoArguments = errors.New("event has no arguments")

// inboundEvents are the client events relayed to the dispatcher.
var inboundEvents = []string{
	model.EventJoinRoom,
	model.EventLeaveRoom,
	model.EventSignal,
	model.EventSendChat,
	model.EventVideoStateChange,
	model.EventRegisterUser,
	model.EventCallUser,
	model.EventAcceptCall,
	model.EventRejectCall,
}

type (
	SignalingService interface {
		Connect(wire model.Wire) string
		Dispatch(id string, in model.Inbound) error
		Disconnect(id string)
	}

	Config struct {
		Logger           *zerolog.Logger
		SignalingService SignalingService
		SendBuffer       int

		// CORSOrigins restricts cross-origin clients, any origin when empty.
		CORSOrigins []string
	}

	Server struct {
		svc        SignalingService
		io         *sio.Server
		sendBuffer int

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}

	opts := sio.DefaultServerOptions()
	opts.SetPath(defaultPath)
	opts.SetMaxHttpBufferSize(defaultMaxBufferSize)
	opts.SetAllowEIO3(true)
	opts.SetCors(&types.Cors{
		Origin:      corsOrigin(cfg.CORSOrigins),
		Credentials: true,
	})

	srv := &Server{
		svc:        cfg.SignalingService,
		io:         sio.NewServer(nil, opts),
		sendBuffer: sendBuffer,
		logger:     cfg.Logger.With().Str("component", "socketio-server").Logger(),
	}

	//nolint:errcheck // handlers registered on the server do not fail
	srv.io.On("connection", func(clients ...any) {
		socket, ok := clients[0].(*sio.Socket)
		if !ok {
			return
		}
		srv.handleSocket(socket)
	})
	return srv
}

func corsOrigin(origins []string) any {
	if len(origins) == 0 {
		return "*"
	}
	out := make([]any, 0, len(origins))
	for _, o := range origins {
		out = append(out, o)
	}
	return out
}

// Handler serves the engine.io endpoint, it must be mounted at /socket.io/.
func (srv *Server) Handler() http.Handler {
	return srv.io.ServeHandler(nil)
}

func (srv *Server) Close() {
	srv.io.Close(nil)
	srv.logger.Debug().Msg("server stopped")
}

func (srv *Server) handleSocket(socket *sio.Socket) {
	wire := model.NewWire(srv.sendBuffer)
	id := srv.svc.Connect(wire)

	logger := srv.logger.With().
		Str("connID", id).
		Str("socketID", string(socket.Id())).
		Logger()
	logger.Debug().Msg("socket connected")

	ctx, cancel := context.WithCancel(context.Background())
	go emitter(ctx, socket, wire.TX, &logger)

	for _, event := range inboundEvents {
		//nolint:errcheck // handlers registered on the socket do not fail
		socket.On(event, func(args ...any) {
			in, err := toInbound(event, args)
			if err != nil {
				logger.Debug().Err(err).Str("type", event).Msg("failed to decode event arguments")
				return
			}
			// dispatcher logs and counts dropped events itself
			_ = srv.svc.Dispatch(id, in)
		})
	}

	//nolint:errcheck // handlers registered on the socket do not fail
	socket.On("disconnect", func(args ...any) {
		cancel()
		srv.svc.Disconnect(id)
		socket.RemoveAllListeners("")

		ev := logger.Debug()
		if len(args) > 0 {
			ev = ev.Any("reason", args[0])
		}
		ev.Msg("socket disconnected")
	})
}

// emitter drains the outbound queue of one connection into its socket.
func emitter(ctx context.Context, socket *sio.Socket, tx <-chan model.Message, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-tx:
			if !ok {
				return
			}
			if err := socket.Emit(msg.Type, msg.Payload); err != nil {
				logger.Warn().Err(err).Str("type", msg.Type).Msg("failed to emit message")
				continue
			}
			logger.Trace().Str("type", msg.Type).Msg("message sent")
		}
	}
}

// toInbound maps a Socket.IO argument list onto the envelope the dispatcher
// understands. join-room is sent as (roomId, userMeta); every other event
// carries a single argument. Acknowledgement callbacks are ignored.
func toInbound(event string, args []any) (model.Inbound, error) {
	args = withoutAcks(args)
	in := model.Inbound{Type: event}

	var payload any
	switch event {
	case model.EventLeaveRoom:
		return in, nil
	case model.EventJoinRoom:
		if len(args) == 0 {
			return in, ErrNoArguments
		}
		roomID, ok := args[0].(string)
		if !ok {
			// already an object shaped like the native envelope
			payload = args[0]
			break
		}
		req := map[string]any{"roomId": strings.TrimSpace(roomID)}
		if len(args) > 1 && args[1] != nil {
			req["info"] = args[1]
		}
		payload = req
	default:
		if len(args) == 0 {
			return in, ErrNoArguments
		}
		payload = args[0]
	}

	// The socket.io parser has already decoded the arguments into Go values, so
	// this re-encodes them: object keys come out sorted and integers above 2^53
	// lose precision. SDP and ICE payloads survive intact, but unlike the native
	// websocket path the relay here is not byte-exact.
	raw, err := json.Marshal(payload)
	if err != nil {
		return in, err
	}
	in.Payload = raw
	return in, nil
}

func withoutAcks(args []any) []any {
	out := args[:0:0]
	for _, a := range args {
		if _, ok := a.(func([]any, error)); ok {
			continue
		}
		if _, ok := a.(func(...any)); ok {
			continue
		}
		out = append(out, a)
	}
	return out
}
