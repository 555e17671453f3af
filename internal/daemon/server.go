package daemon

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/threadwell/loom/internal/observability"
	"github.com/threadwell/loom/pkg/notify"
)

// eventServer exposes the notification stream over websocket plus the
// Prometheus metrics endpoint. Outbound only: client frames are read
// solely to detect disconnects.
type eventServer struct {
	srv         *http.Server
	broadcaster *notify.Broadcaster
	upgrader    websocket.Upgrader
	logger      zerolog.Logger
}

func newEventServer(addr string, b *notify.Broadcaster, logger zerolog.Logger) (*eventServer, error) {
	s := &eventServer{
		broadcaster: b,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		logger: logger.With().Str("component", "events").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleEvents)
	mux.Handle("/metrics", observability.MetricsHandler())

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *eventServer) Start() {
	go func() {
		s.logger.Info().Str("addr", s.srv.Addr).Msg("Event server listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Event server failed")
		}
	}()
}

func (s *eventServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Event server shutdown failed")
	}
}

func (s *eventServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	clientID := uuid.NewString()
	s.broadcaster.AddClient(clientID, conn)

	// Drain client frames so pings are answered; any read error means
	// the client is gone.
	go func() {
		defer s.broadcaster.RemoveClient(clientID)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
