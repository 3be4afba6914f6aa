// Package bolt implements the Neo4j Bolt protocol server for SkaldDB.
//
// The server handles multiple concurrent client connections, each running
// in its own goroutine. It manages the Bolt handshake, chunked message
// framing, PackStream decoding, and authentication; the protocol session
// itself (state transitions, transaction bookkeeping, result streaming)
// is driven by pkg/fsm, which this package feeds with decoded requests.
//
// Example:
//
//	config := bolt.DefaultConfig()
//	manager := tx.NewManager(engine, cypher.New(), "skald")
//	server := bolt.New(config, manager)
//
//	go func() {
//		if err := server.ListenAndServe(); err != nil {
//			log.Printf("Bolt server error: %v", err)
//		}
//	}()
//
// Thread Safety:
//
//	The server is thread-safe and handles concurrent connections safely.
//	Each connection owns its session; sessions never share mutable state.
package bolt

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/orneryd/skalddb/pkg/fsm"
)

// BoltAuthenticator validates credentials from the Bolt HELLO message.
type BoltAuthenticator interface {
	// Authenticate validates credentials from the Bolt HELLO message.
	// Returns auth result on success, error on failure.
	// scheme: "basic" or "none"
	// principal: username (empty for "none")
	// credentials: password (empty for "none")
	Authenticate(scheme, principal, credentials string) (*BoltAuthResult, error)
}

// BoltAuthResult contains the result of Bolt authentication.
type BoltAuthResult struct {
	Authenticated bool     // Whether authentication succeeded
	Username      string   // Authenticated username
	Roles         []string // User roles (admin, editor, viewer, etc.)
}

// HasRole checks if the auth result has a specific role.
func (r *BoltAuthResult) HasRole(role string) bool {
	for _, r2 := range r.Roles {
		if r2 == role {
			return true
		}
	}
	return false
}

// Config holds Bolt protocol server configuration.
//
// All settings have sensible defaults via DefaultConfig(). The
// configuration follows Neo4j Bolt server conventions where applicable.
//
// Authentication:
//   - Set Authenticator to enable auth (nil = no auth, accepts all)
//   - RequireAuth: if true, connections without valid credentials are rejected
//   - AllowAnonymous: if true, "none" auth scheme is accepted (viewer role)
type Config struct {
	Host            string
	Port            int
	MaxConnections  int
	ReadBufferSize  int
	WriteBufferSize int
	LogQueries      bool // Log all queries to stdout (for debugging)

	// ServerAgent is reported to clients in HELLO metadata.
	ServerAgent string

	// DefaultDatabase is used when a client names no database.
	DefaultDatabase string

	// AdvertisedAddress is the address returned in ROUTE responses.
	// Empty means an empty routing table.
	AdvertisedAddress string

	// Authentication
	Authenticator  BoltAuthenticator // Authentication handler (nil = no auth)
	RequireAuth    bool              // Require authentication for all connections
	AllowAnonymous bool              // Allow "none" auth scheme (grants viewer role)
}

// DefaultConfig returns Neo4j-compatible default Bolt server configuration.
//
// Defaults match Neo4j Bolt server settings:
//   - Port 7687 (standard Bolt port)
//   - 100 max concurrent connections
//   - 8KB read/write buffers
func DefaultConfig() *Config {
	return &Config{
		Port:            7687,
		MaxConnections:  100,
		ReadBufferSize:  8192,
		WriteBufferSize: 8192,
		ServerAgent:     "SkaldDB/0.1.0",
		DefaultDatabase: "skald",
	}
}

// Server accepts Bolt connections and runs one Session per connection.
type Server struct {
	config   *Config
	manager  fsm.TransactionManager
	listener net.Listener
	mu       sync.RWMutex
	sessions map[string]*Session
	closed   atomic.Bool
	connSeq  atomic.Int64
}

// New creates a new Bolt protocol server.
//
// Parameters:
//   - config: Server configuration (uses DefaultConfig() if nil)
//   - manager: Transaction manager backing client sessions (required)
func New(config *Config, manager fsm.TransactionManager) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.ServerAgent == "" {
		config.ServerAgent = "SkaldDB/0.1.0"
	}
	if config.DefaultDatabase == "" {
		config.DefaultDatabase = "skald"
	}

	return &Server{
		config:   config,
		manager:  manager,
		sessions: make(map[string]*Session),
	}
}

// ListenAndServe starts the Bolt server and begins accepting connections.
//
// The server listens on the configured host and port and handles incoming
// Bolt connections, each in a separate goroutine. Blocks until Close.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	fmt.Printf("Bolt server listening on bolt://%s:%d\n", s.config.Host, s.config.Port)

	return s.serve()
}

// serve accepts connections in a loop.
func (s *Server) serve() error {
	for {
		if s.closed.Load() {
			return nil
		}

		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil // Clean shutdown
			}
			continue
		}

		if s.config.MaxConnections > 0 && s.sessionCount() >= s.config.MaxConnections {
			conn.Close()
			continue
		}

		go s.handleConnection(conn)
	}
}

// Close stops the Bolt server. Open transactions are terminated and every
// session is interrupted so in-flight requests are answered with IGNORED
// before the connections drain.
func (s *Server) Close() error {
	s.closed.Store(true)

	s.mu.RLock()
	for _, session := range s.sessions {
		session.Interrupt()
	}
	s.mu.RUnlock()

	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// IsClosed returns whether the server is closed.
func (s *Server) IsClosed() bool {
	return s.closed.Load()
}

func (s *Server) sessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Server) register(session *Session) {
	s.mu.Lock()
	s.sessions[session.fsmConn.ID()] = session
	s.mu.Unlock()
}

func (s *Server) unregister(session *Session) {
	s.mu.Lock()
	delete(s.sessions, session.fsmConn.ID())
	s.mu.Unlock()
}

// handleConnection handles a single client connection.
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	// Disable Nagle's algorithm for lower latency. Without this, small
	// packets get delayed up to 40ms.
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	// Recover from panics to prevent crashing the server
	defer func() {
		if r := recover(); r != nil {
			fmt.Printf("Recovered from panic in connection handler: %v\n", r)
		}
	}()

	id := fmt.Sprintf("skald-%d", s.connSeq.Add(1))
	session := newSession(s, conn, id)
	s.register(session)
	defer s.unregister(session)
	defer session.closeTransaction()

	if err := session.handshake(); err != nil {
		fmt.Printf("[BOLT] Handshake failed from %s: %v\n", conn.RemoteAddr(), err)
		return
	}

	// Handle messages synchronously; Bolt is strictly request-response
	// within a connection.
	for {
		if s.closed.Load() {
			return
		}
		if err := session.handleMessage(); err != nil {
			if errors.Is(err, fsm.ErrConnectionClosed) {
				return // GOODBYE, clean shutdown
			}
			if errors.Is(err, fsm.ErrConnectionFatality) {
				if s.config.LogQueries {
					fmt.Printf("[BOLT] Closing %s after protocol violation: %v\n", id, err)
				}
				return
			}
			if isDisconnect(err) {
				return
			}
			fmt.Printf("[BOLT] Message handling error on %s: %v\n", id, err)
			return
		}
	}
}

// isDisconnect reports whether an error is an ordinary client disconnect
// rather than a server-side failure worth logging.
func isDisconnect(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr *net.OpError
	return errors.As(err, &netErr)
}
