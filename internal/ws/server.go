// Package ws is the WebSocket gateway between the presentation layer and
// the messaging core. It upgrades HTTP connections, tracks them in a
// registry, runs a read goroutine per connection, and hands complete text
// frames to the registered message handler.
package ws

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/noorcity/messaging/internal/metrics"
)

// ServerConfig holds tunable parameters for the WebSocket gateway.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // max silence on a connection before the read fails
	WriteTimeout   time.Duration // timeout for outbound frame writes
}

// DefaultServerConfig returns sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		MaxConnections: 10000,
		ReadTimeout:    90 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Server accepts WebSocket connections from authenticated clients. The auth
// front in front of this service establishes identity and forwards it in the
// X-User-ID and X-User-Name headers; requests without them are rejected.
type Server struct {
	config       ServerConfig
	conns        *ConnectionManager
	onMessage    func(conn *Connection, data []byte)
	onDisconnect func(conn *Connection)
	httpServer   *http.Server
	done         chan struct{}
}

// NewServer creates a Server with the given configuration and message
// callback. The onMessage function is called from the connection's read
// goroutine whenever a complete text frame arrives.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte)) *Server {
	return &Server{
		config:    config,
		conns:     NewConnectionManager(),
		onMessage: onMessage,
		done:      make(chan struct{}),
	}
}

// SetOnDisconnect registers a callback invoked after a connection is removed.
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// Connections returns the connection registry.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Handler returns the HTTP handler serving the /ws upgrade endpoint and the
// /health probe, so main can mount it next to /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start begins accepting connections and blocks until Shutdown.
func (s *Server) Start() error {
	StartHeartbeat(s, DefaultHeartbeatConfig())

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: s.Handler(),
	}

	log.Printf("ws: gateway listening on %s (max_conns=%d)",
		s.config.ListenAddr, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// Shutdown closes the listener and every live connection.
func (s *Server) Shutdown() error {
	close(s.done)
	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}
	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

// handleUpgrade authenticates the request headers, upgrades to WebSocket
// and starts the connection's read loop.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	userID := r.Header.Get("X-User-ID")
	userName := r.Header.Get("X-User-Name")
	if userID == "" || userName == "" {
		http.Error(w, "missing identity headers", http.StatusUnauthorized)
		return
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed user=%s: %v", userID, err)
		return
	}

	conn := &Connection{
		ID:        uuid.New().String(),
		UserID:    userID,
		UserName:  userName,
		Conn:      netConn,
		CreatedAt: time.Now(),
	}
	conn.Touch()
	s.conns.Add(conn)
	metrics.ConnectionsTotal.Inc()

	log.Printf("ws: connected conn=%s user=%s", conn.ID, userID)
	go s.readLoop(conn)
}

// readLoop reads frames until the connection fails or is closed. The read
// deadline bounds how long a silent connection is kept; the heartbeat pings
// keep healthy clients inside it.
func (s *Server) readLoop(conn *Connection) {
	defer s.RemoveConnection(conn)

	for {
		if s.config.ReadTimeout > 0 {
			if err := conn.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout)); err != nil {
				log.Printf("ws: set read deadline conn=%s: %v", conn.ID, err)
				return
			}
		}
		data, err := wsutil.ReadClientText(conn.Conn)
		if err != nil {
			if !isExpectedClose(err) {
				log.Printf("ws: read conn=%s user=%s: %v", conn.ID, conn.UserID, err)
			}
			return
		}
		conn.Touch()
		if len(data) == 0 {
			continue
		}
		s.onMessage(conn, data)
	}
}

// RemoveConnection unregisters and closes a connection, then fires the
// disconnect callback. Safe to call for an already-removed connection.
func (s *Server) RemoveConnection(conn *Connection) {
	if !s.conns.Remove(conn.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()
	log.Printf("ws: disconnected conn=%s user=%s", conn.ID, conn.UserID)
	if s.onDisconnect != nil {
		s.onDisconnect(conn)
	}
}

// SendMessage writes a text frame to a connection by ID.
func (s *Server) SendMessage(connID string, data []byte) error {
	conn := s.conns.Get(connID)
	if conn == nil {
		return fmt.Errorf("ws: no connection %s", connID)
	}
	if s.config.WriteTimeout > 0 {
		if err := conn.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout)); err != nil {
			return fmt.Errorf("ws: set write deadline: %w", err)
		}
	}
	return conn.WriteMessage(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","connections":%d}`, s.conns.Count())
}

// isExpectedClose reports whether a read error is an ordinary disconnect
// rather than something worth logging.
func isExpectedClose(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var closed wsutil.ClosedError
	return errors.As(err, &closed)
}
