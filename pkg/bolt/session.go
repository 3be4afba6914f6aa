package bolt

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"

	"github.com/orneryd/skalddb/pkg/fsm"
)

// Session represents a client connection: the framing buffers, the
// authentication state, and the protocol state machine driving it.
type Session struct {
	conn   net.Conn
	reader *bufio.Reader // Buffered reader for reduced syscalls
	writer *bufio.Writer // Buffered writer for reduced syscalls
	server *Server
	ctx    context.Context

	version uint32

	fsmConn *fsm.Connection
	machine *fsm.StateMachine

	// Authentication state
	authenticated bool
	authResult    *BoltAuthResult

	// Reusable buffers to reduce allocations
	headerBuf  [2]byte
	messageBuf []byte
}

func newSession(server *Server, conn net.Conn, id string) *Session {
	fsmConn := fsm.NewConnection(id)
	return &Session{
		conn:    conn,
		reader:  bufio.NewReaderSize(conn, server.config.ReadBufferSize),
		writer:  bufio.NewWriterSize(conn, server.config.WriteBufferSize),
		server:  server,
		ctx:     context.Background(),
		fsmConn: fsmConn,
		machine: fsm.NewStateMachine(fsmConn, server.manager, fsm.Config{
			ServerAgent:       server.config.ServerAgent,
			DefaultDatabase:   server.config.DefaultDatabase,
			AdvertisedAddress: server.config.AdvertisedAddress,
		}),
		messageBuf: make([]byte, 0, 4096),
	}
}

// Interrupt raises the session's interrupt flag and terminates the open
// transaction, if any. Safe from any goroutine; the session answers every
// subsequent request with IGNORED until the client sends RESET.
func (s *Session) Interrupt() {
	s.fsmConn.Interrupt()
	if tx := s.machine.Transaction(); tx != nil {
		tx.Terminate()
	}
}

// closeTransaction rolls back any transaction still attached when the
// connection dies without a GOODBYE.
func (s *Session) closeTransaction() {
	if tx := s.machine.Transaction(); tx != nil {
		_ = tx.Rollback(s.ctx)
	}
}

// handshake performs the Bolt handshake: magic preamble, then version
// negotiation against the four versions the client proposes.
func (s *Session) handshake() error {
	// Read magic number (4 bytes: 0x60 0x60 0xB0 0x17)
	var magic [4]byte
	if _, err := io.ReadFull(s.reader, magic[:]); err != nil {
		return fmt.Errorf("failed to read magic: %w", err)
	}

	if magic[0] != 0x60 || magic[1] != 0x60 || magic[2] != 0xB0 || magic[3] != 0x17 {
		return fmt.Errorf("invalid magic number: %x", magic)
	}

	// Read proposed versions (4 x 4 bytes, preference order)
	var versions [16]byte
	if _, err := io.ReadFull(s.reader, versions[:]); err != nil {
		return fmt.Errorf("failed to read versions: %w", err)
	}

	s.version = selectVersion(versions)
	if s.version == 0 {
		// No overlap; answer with the zero version and hang up.
		s.writer.Write([]byte{0x00, 0x00, 0x00, 0x00})
		s.writer.Flush()
		return fmt.Errorf("no supported version among %x", versions)
	}

	response := []byte{0x00, 0x00, byte(s.version >> 8), byte(s.version)}
	if _, err := s.writer.Write(response); err != nil {
		return fmt.Errorf("failed to send version: %w", err)
	}
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush version: %w", err)
	}

	return nil
}

// selectVersion picks the first client-proposed version this server
// speaks. Entries may carry a range in the third byte (4.4 clients
// propose 4.4-4.1 as one entry).
func selectVersion(proposed [16]byte) uint32 {
	supported := []uint32{BoltV4_4, BoltV4_3, BoltV4_2, BoltV4_1, BoltV4_0}
	for i := 0; i < 16; i += 4 {
		major := uint32(proposed[i+3])
		minor := uint32(proposed[i+2])
		span := uint32(proposed[i+1])
		for _, v := range supported {
			vMajor, vMinor := v>>8, v&0xFF
			if vMajor != major {
				continue
			}
			// The entry covers minors [minor-span, minor].
			if vMinor == minor || (vMinor < minor && minor-vMinor <= span) {
				return v
			}
		}
	}
	return 0
}

// handleMessage reads one message (possibly spanning multiple chunks),
// decodes it, and drives the state machine.
func (s *Session) handleMessage() error {
	msgType, data, err := s.readMessage()
	if err != nil {
		return err
	}
	if msgType == 0 {
		return nil // Empty message (no-op)
	}

	// HELLO authenticates in the wire layer before the state machine is
	// involved; everything else decodes straight into a request.
	if msgType == MsgHello {
		return s.handleHello(data)
	}

	req, err := decodeRequest(msgType, data)
	if err != nil {
		s.sink().OnFailure(fsm.RequestInvalid(err.Error()))
		return fmt.Errorf("%w: %v", fsm.ErrConnectionFatality, err)
	}

	// Impersonation (Bolt 4.4 imp_user) lets a client run work as another
	// user; only admins may do that.
	if imp := impersonatedUser(req); imp != "" {
		if s.authResult == nil || !s.authResult.HasRole("admin") {
			return s.sink().OnFailure(fsm.Status{
				Code:    fsm.CodeForbidden,
				Message: fmt.Sprintf("user %q is not allowed to impersonate %q", s.username(), imp),
			})
		}
	}

	if s.server.config.LogQueries {
		if run, ok := req.(fsm.RunRequest); ok {
			fmt.Printf("[BOLT] %s RUN %s\n", s.fsmConn.ID(), truncateQuery(run.Query, 120))
		}
	}

	return s.machine.Process(s.ctx, req, s.sink())
}

// impersonatedUser extracts the imp_user field from the requests that can
// carry one.
func impersonatedUser(req fsm.Request) string {
	switch r := req.(type) {
	case fsm.BeginRequest:
		return r.ImpersonatedUser
	case fsm.RunRequest:
		return r.Meta.ImpersonatedUser
	}
	return ""
}

func (s *Session) username() string {
	if s.authResult == nil {
		return ""
	}
	return s.authResult.Username
}

// readMessage reads chunks until the zero-size terminator and splits the
// PackStream structure into its signature and field data. A zero msgType
// means an empty (keepalive) message.
func (s *Session) readMessage() (byte, []byte, error) {
	// Reuse message buffer - reset length but keep capacity
	s.messageBuf = s.messageBuf[:0]

	for {
		if _, err := io.ReadFull(s.reader, s.headerBuf[:]); err != nil {
			return 0, nil, err
		}

		size := int(s.headerBuf[0])<<8 | int(s.headerBuf[1])
		if size == 0 {
			break
		}

		oldLen := len(s.messageBuf)
		newLen := oldLen + size
		if cap(s.messageBuf) < newLen {
			grown := make([]byte, newLen, newLen*2)
			copy(grown, s.messageBuf)
			s.messageBuf = grown
		} else {
			s.messageBuf = s.messageBuf[:newLen]
		}

		if _, err := io.ReadFull(s.reader, s.messageBuf[oldLen:newLen]); err != nil {
			return 0, nil, err
		}
	}

	if len(s.messageBuf) == 0 {
		return 0, nil, nil
	}
	if len(s.messageBuf) < 2 {
		return 0, nil, fmt.Errorf("message too short: %d bytes", len(s.messageBuf))
	}

	// Bolt messages are PackStream structures: tiny-struct marker, then
	// the signature byte, then the fields.
	structMarker := s.messageBuf[0]
	if structMarker < 0xB0 || structMarker > 0xBF {
		return 0, nil, fmt.Errorf("not a message structure: 0x%02X", structMarker)
	}

	return s.messageBuf[1], s.messageBuf[2:], nil
}

// handleHello parses HELLO, authenticates, and hands the request to the
// state machine. Authentication failures are reported to the client and
// close the connection.
func (s *Session) handleHello(data []byte) error {
	extra := map[string]any{}
	if len(data) > 0 {
		var err error
		extra, _, err = decodePackStreamMap(data, 0)
		if err != nil {
			s.sink().OnFailure(fsm.RequestInvalid(fmt.Sprintf("failed to parse HELLO: %v", err)))
			return fmt.Errorf("%w: malformed HELLO", fsm.ErrConnectionFatality)
		}
	}

	if err := s.authenticate(extra); err != nil {
		s.sink().OnFailure(fsm.Status{Code: fsm.CodeUnauthorized, Message: err.Error()})
		return fmt.Errorf("%w: %v", fsm.ErrConnectionFatality, err)
	}

	userAgent, _ := extra["user_agent"].(string)
	req := fsm.HelloRequest{
		UserAgent: userAgent,
		PatchBolt: stringList(extra["patch_bolt"]),
		Meta:      extra,
	}

	if s.server.config.LogQueries {
		fmt.Printf("[BOLT] Auth success: user=%s roles=%v from=%s\n",
			s.authResult.Username, s.authResult.Roles, s.conn.RemoteAddr())
	}

	return s.machine.Process(s.ctx, req, s.sink())
}

// authenticate validates HELLO credentials against the configured
// authenticator.
func (s *Session) authenticate(extra map[string]any) error {
	scheme, _ := extra["scheme"].(string)
	principal, _ := extra["principal"].(string)
	credentials, _ := extra["credentials"].(string)

	config := s.server.config
	switch {
	case config.Authenticator != nil:
		if scheme == "none" || scheme == "" {
			if !config.AllowAnonymous {
				return fmt.Errorf("authentication required")
			}
			s.authenticated = true
			s.authResult = &BoltAuthResult{
				Authenticated: true,
				Username:      "anonymous",
				Roles:         []string{"viewer"},
			}
			return nil
		}
		if scheme != "basic" {
			return fmt.Errorf("unsupported auth scheme: %s", scheme)
		}
		result, err := config.Authenticator.Authenticate(scheme, principal, credentials)
		if err != nil {
			fmt.Printf("[BOLT] Auth failed for %q from %s: %v\n", principal, s.conn.RemoteAddr(), err)
			return fmt.Errorf("invalid credentials")
		}
		s.authenticated = true
		s.authResult = result
		return nil

	case config.RequireAuth:
		// Auth required but no authenticator configured - reject all
		return fmt.Errorf("authentication required but not configured")

	default:
		// No auth configured - allow all (development mode)
		s.authenticated = true
		s.authResult = &BoltAuthResult{
			Authenticated: true,
			Username:      "anonymous",
			Roles:         []string{"admin"},
		}
		return nil
	}
}

// truncateQuery shortens a query for log lines.
func truncateQuery(q string, maxLen int) string {
	if len(q) <= maxLen {
		return q
	}
	return q[:maxLen] + "..."
}
