package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/adwski/zoomlite/backend/model"
	"github.com/adwski/zoomlite/backend/service"
	"github.com/adwski/zoomlite/backend/storage/memory"
	"github.com/davecgh/go-spew/spew"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline  = 10 * time.Second
	defaultReadHeaderTimeout = 5 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type RelayService interface {
	Rooms() []model.RoomInfo
	Room(roomID string) ([]model.Peer, error)
	Online() []string
	State() service.State
}

type GenericResponse struct {
	Error string `json:"error,omitempty"`
}

type RoomResponse struct {
	ID      string       `json:"id"`
	Members []model.Peer `json:"members"`
}

type Server struct {
	logger zerolog.Logger
	svc    RelayService
	*http.Server
}

type Config struct {
	Logger       *zerolog.Logger
	RelayService RelayService
	ListenAddr   string

	// Metrics serves /metrics when set.
	Metrics http.Handler
	// SocketIO is mounted at /socket.io/ when set.
	SocketIO http.Handler

	StaticDir      string
	CORSOrigins    []string
	DebugEndpoints bool
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:    cfg.RelayService,
	}

	srv.Server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.router(cfg),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}
	return srv
}

func (srv *Server) router(cfg Config) chi.Router {
	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(srv.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Accept"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/healthz", srv.health)
	r.Route("/api", func(r chi.Router) {
		r.Get("/rooms", srv.listRooms)
		r.Get("/rooms/{roomID}", srv.getRoom)
		r.Get("/users/online", srv.onlineUsers)
		if cfg.DebugEndpoints {
			r.Get("/debug/state", srv.debugState)
		}
	})
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}
	if cfg.SocketIO != nil {
		r.Handle("/socket.io/", cfg.SocketIO)
	}
	if cfg.StaticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(cfg.StaticDir)))
	}
	return r
}

func (srv *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			srv.logger.Trace().
				Str("requestID", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("elapsed", time.Since(start)).
				Msg("request served")
		}()
		next.ServeHTTP(ww, r)
	})
}

func (srv *Server) health(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "ok"})
}

func (srv *Server) listRooms(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, srv.svc.Rooms())
}

func (srv *Server) getRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	members, err := srv.svc.Room(roomID)
	if err != nil {
		if errors.Is(err, memory.ErrRoomNotFound) {
			render.Status(r, http.StatusNotFound)
		} else {
			srv.logger.Error().Err(err).Str("roomID", roomID).Msg("failed to get room")
			render.Status(r, http.StatusInternalServerError)
		}
		render.JSON(w, r, &GenericResponse{Error: err.Error()})
		return
	}
	render.JSON(w, r, &RoomResponse{ID: roomID, Members: members})
}

func (srv *Server) onlineUsers(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, srv.svc.Online())
}

func (srv *Server) debugState(w http.ResponseWriter, _ *http.Request) {
	cfg := spew.ConfigState{
		Indent:                  "  ",
		DisablePointerAddresses: true,
		DisableCapacities:       true,
		SortKeys:                true,
	}
	writeBytes(w, http.StatusOK, "text/plain; charset=utf-8", []byte(cfg.Sdump(srv.svc.State())))
}

func writeBytes(w http.ResponseWriter, code int, contentType string, b []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	_, _ = w.Write(b)
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
