package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"jamchat/internal/auth"
	"jamchat/internal/hub"
	"jamchat/internal/storage"
)

// Server defines fields used in HTTP processing
type Server struct {
	logger     *zap.SugaredLogger
	httpServer *http.Server
	store      *storage.Store
	h          handler
}

// New wires the HTTP surface: every route sits behind the logging,
// authentication and last-seen middlewares
func New(logger *zap.SugaredLogger, store *storage.Store, rt *hub.Hub, authenticator auth.Authenticator, opts ...Option) (*Server, error) {
	srv := &Server{
		logger: logger,
		store:  store,
		h: handler{
			logger: logger,
			store:  store,
			rt:     rt,
			hub:    rt,
			upgrader: websocket.Upgrader{
				ReadBufferSize:  1024,
				WriteBufferSize: 1024,
			},
		},
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/chat/history/{friendId}", srv.h.history).Methods(http.MethodGet)
	r.HandleFunc("/api/users/presence-visibility", srv.h.getVisibility).Methods(http.MethodGet)
	r.HandleFunc("/api/users/presence-visibility", srv.h.putVisibility).Methods(http.MethodPut)
	r.HandleFunc("/api/users/status", srv.h.putStatus).Methods(http.MethodPut)
	r.HandleFunc("/ws", srv.h.serveWs).Methods(http.MethodGet)

	lastSeen := newLastSeenRecorder(store, logger, lastSeenInterval)

	var root http.Handler = r
	root = lastSeen.middleware(root)
	root = authenticate(root, authenticator, logger)
	root = log(root, logger.Desugar())

	httpServer := &http.Server{
		Handler: root,
	}
	for _, opt := range opts {
		opt.apply(httpServer)
	}

	srv.httpServer = httpServer

	return srv, nil
}

// Start calls ListenAndServe on http.Server instance inside Server struct
// and implements graceful shutdown via goroutine waiting for signals
func (s *Server) Start() error {
	idleConnsClosed := make(chan struct{})

	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		s.logger.Info("Shutting down HTTP server")

		if err := s.httpServer.Shutdown(context.Background()); err != nil {
			s.logger.Errorf("srv.Shutdown: %v", err)
		}
		s.logger.Info("HTTP server is stopped")

		close(idleConnsClosed)
	}()

	s.logger.Infof("Starting HTTP server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("s.httpServer.ListenAndServe: %v", err)
	}

	<-idleConnsClosed

	s.logger.Info("Closing store")
	s.store.Close()
	s.logger.Info("Store is closed")

	return nil
}
