package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/harun/reactor/internal/metrics"
	"github.com/harun/reactor/pkg/agent"
)

// Config configures the gateway server
type Config struct {
	Host    string
	Port    int
	Tracker *agent.StateTracker

	// Metrics is optional; when set, /metrics is served
	Metrics *metrics.Metrics
}

// Server exposes run state over HTTP: a websocket feed of state
// transitions, a JSON snapshot endpoint, and optionally Prometheus
// metrics
type Server struct {
	cfg         Config
	broadcaster *Broadcaster
	upgrader    websocket.Upgrader
	httpServer  *http.Server
	unsubscribe func()
}

// New creates a gateway server
func New(cfg Config) (*Server, error) {
	if cfg.Tracker == nil {
		return nil, fmt.Errorf("tracker is required")
	}

	return &Server{
		cfg:         cfg,
		broadcaster: NewBroadcaster(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}, nil
}

// Handler returns the gateway's HTTP handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/status", s.handleStatus)
	if s.cfg.Metrics != nil {
		mux.Handle("/metrics", s.cfg.Metrics.Handler())
	}
	return mux
}

// Start begins serving and forwarding state transitions. It returns
// once the listener is running.
func (s *Server) Start() error {
	ch, cancel := s.cfg.Tracker.Subscribe()
	s.unsubscribe = cancel
	go func() {
		for status := range ch {
			s.broadcaster.Broadcast(status)
		}
	}()

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Gateway server failed")
		}
	}()

	log.Info().Str("addr", addr).Msg("Gateway started")
	return nil
}

// Stop shuts the server down and disconnects all clients
func (s *Server) Stop(ctx context.Context) error {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.broadcaster.CloseAll()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	s.broadcaster.Add(conn)
	log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("Gateway client connected")

	// Read pump: we expect no client messages, but reading is how a
	// close is noticed
	go func() {
		defer s.broadcaster.Remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.cfg.Tracker.Snapshot()); err != nil {
		log.Warn().Err(err).Msg("Failed to encode status")
	}
}
