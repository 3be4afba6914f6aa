package bolt

import (
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/orneryd/skalddb/pkg/auth"
	"github.com/orneryd/skalddb/pkg/cypher"
	"github.com/orneryd/skalddb/pkg/fsm"
	"github.com/orneryd/skalddb/pkg/storage"
	"github.com/orneryd/skalddb/pkg/tx"
)

// mockConn implements net.Conn over in-memory buffers.
type mockConn struct {
	readData  []byte
	readPos   int
	writeData []byte
	closed    bool
}

func (m *mockConn) Read(b []byte) (n int, err error) {
	if m.readPos >= len(m.readData) {
		return 0, io.EOF
	}
	n = copy(b, m.readData[m.readPos:])
	m.readPos += n
	return n, nil
}

func (m *mockConn) Write(b []byte) (n int, err error) {
	m.writeData = append(m.writeData, b...)
	return len(b), nil
}

func (m *mockConn) Close() error {
	m.closed = true
	return nil
}

func (m *mockConn) LocalAddr() net.Addr                { return &net.TCPAddr{} }
func (m *mockConn) RemoteAddr() net.Addr               { return &net.TCPAddr{} }
func (m *mockConn) SetDeadline(t time.Time) error      { return nil }
func (m *mockConn) SetReadDeadline(t time.Time) error  { return nil }
func (m *mockConn) SetWriteDeadline(t time.Time) error { return nil }

// newTestServer builds a server over a fresh in-memory database.
func newTestServer(t *testing.T, config *Config) *Server {
	t.Helper()
	engine := storage.NewMemoryEngine()
	t.Cleanup(func() { engine.Close() })
	manager := tx.NewManager(engine, cypher.New(), "skald")
	return New(config, manager)
}

func newTestSession(t *testing.T, config *Config, conn net.Conn) *Session {
	t.Helper()
	return newSession(newTestServer(t, config), conn, "test-1")
}

// frame wraps a message in chunk framing: size header, data, terminator.
func frame(msg []byte) []byte {
	out := []byte{byte(len(msg) >> 8), byte(len(msg))}
	out = append(out, msg...)
	return append(out, 0x00, 0x00)
}

// structMsg builds a PackStream message structure.
func structMsg(sig byte, fields ...[]byte) []byte {
	buf := []byte{0xB0 + byte(len(fields)), sig}
	for _, f := range fields {
		buf = append(buf, f...)
	}
	return buf
}

func helloMsg(extra map[string]any) []byte {
	if extra == nil {
		extra = map[string]any{}
	}
	return structMsg(MsgHello, encodePackStreamMap(extra))
}

func runMsg(query string, extra map[string]any) []byte {
	if extra == nil {
		extra = map[string]any{}
	}
	return structMsg(MsgRun,
		encodePackStreamString(query),
		encodePackStreamMap(map[string]any{}),
		encodePackStreamMap(extra))
}

func pullMsg(n int64) []byte {
	return structMsg(MsgPull, encodePackStreamMap(map[string]any{"n": n}))
}

// response is one decoded server response message.
type response struct {
	sig  byte
	meta map[string]any
	row  []any
}

// parseResponses decodes every message the session wrote.
func parseResponses(t *testing.T, data []byte) []response {
	t.Helper()
	var out []response
	offset := 0
	for offset < len(data) {
		var msg []byte
		for {
			if offset+2 > len(data) {
				t.Fatalf("truncated chunk header at offset %d", offset)
			}
			size := int(data[offset])<<8 | int(data[offset+1])
			offset += 2
			if size == 0 {
				break
			}
			msg = append(msg, data[offset:offset+size]...)
			offset += size
		}
		if len(msg) == 0 {
			continue
		}
		r := response{sig: msg[1]}
		if len(msg) > 2 {
			if r.sig == MsgRecord {
				row, _, err := decodePackStreamList(msg, 2)
				if err != nil {
					t.Fatalf("failed to decode record: %v", err)
				}
				r.row = row
			} else {
				meta, _, err := decodePackStreamMap(msg, 2)
				if err != nil {
					t.Fatalf("failed to decode metadata: %v", err)
				}
				r.meta = meta
			}
		}
		out = append(out, r)
	}
	return out
}

// drive feeds framed messages through the session until input runs out.
func drive(t *testing.T, session *Session, conn *mockConn, msgs ...[]byte) []response {
	t.Helper()
	for _, msg := range msgs {
		conn.readData = append(conn.readData, frame(msg)...)
	}
	for range msgs {
		if err := session.handleMessage(); err != nil {
			t.Fatalf("handleMessage() error = %v", err)
		}
	}
	return parseResponses(t, conn.writeData)
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.Port != 7687 {
		t.Errorf("expected port 7687, got %d", config.Port)
	}
	if config.MaxConnections != 100 {
		t.Errorf("expected 100 max connections, got %d", config.MaxConnections)
	}
	if config.ServerAgent == "" || config.DefaultDatabase == "" {
		t.Error("agent and default database must have defaults")
	}
}

func TestNewNilConfig(t *testing.T) {
	server := newTestServer(t, nil)
	if server.config.Port != 7687 {
		t.Error("should use default config")
	}
}

func TestServerClose(t *testing.T) {
	server := newTestServer(t, nil)

	// Close without starting should not error
	if err := server.Close(); err != nil {
		t.Errorf("Close() without listener should not error: %v", err)
	}
	if !server.IsClosed() {
		t.Error("server should report closed")
	}
}

func TestSessionHandshake(t *testing.T) {
	t.Run("valid handshake", func(t *testing.T) {
		handshakeData := []byte{
			0x60, 0x60, 0xB0, 0x17, // Magic
			0x00, 0x00, 0x04, 0x04, // Version 4.4
			0x00, 0x00, 0x04, 0x03, // Version 4.3
			0x00, 0x00, 0x04, 0x02, // Version 4.2
			0x00, 0x00, 0x04, 0x01, // Version 4.1
		}

		conn := &mockConn{readData: handshakeData}
		session := newTestSession(t, nil, conn)

		if err := session.handshake(); err != nil {
			t.Fatalf("handshake() error = %v", err)
		}
		if session.version != BoltV4_4 {
			t.Errorf("expected version 0x%04X, got 0x%04X", BoltV4_4, session.version)
		}
		if len(conn.writeData) != 4 || conn.writeData[2] != 0x04 || conn.writeData[3] != 0x04 {
			t.Errorf("unexpected version response: %x", conn.writeData)
		}
	})

	t.Run("range proposal", func(t *testing.T) {
		// 4.4 clients propose 4.4 with a span of 3 (covers 4.1-4.4)
		handshakeData := []byte{
			0x60, 0x60, 0xB0, 0x17,
			0x00, 0x03, 0x04, 0x04, // Versions 4.1-4.4
			0x00, 0x00, 0x00, 0x00,
			0x00, 0x00, 0x00, 0x00,
			0x00, 0x00, 0x00, 0x00,
		}

		conn := &mockConn{readData: handshakeData}
		session := newTestSession(t, nil, conn)

		if err := session.handshake(); err != nil {
			t.Fatalf("handshake() error = %v", err)
		}
		if session.version != BoltV4_4 {
			t.Errorf("expected 4.4 from range proposal, got 0x%04X", session.version)
		}
	})

	t.Run("invalid magic", func(t *testing.T) {
		handshakeData := make([]byte, 20)
		conn := &mockConn{readData: handshakeData}
		session := newTestSession(t, nil, conn)

		if err := session.handshake(); err == nil {
			t.Error("expected error for invalid magic")
		}
	})

	t.Run("no version overlap", func(t *testing.T) {
		handshakeData := []byte{
			0x60, 0x60, 0xB0, 0x17,
			0x00, 0x00, 0x00, 0x01, // Bolt 1.0 only
			0x00, 0x00, 0x00, 0x00,
			0x00, 0x00, 0x00, 0x00,
			0x00, 0x00, 0x00, 0x00,
		}
		conn := &mockConn{readData: handshakeData}
		session := newTestSession(t, nil, conn)

		if err := session.handshake(); err == nil {
			t.Error("expected error when no version matches")
		}
		if len(conn.writeData) != 4 || conn.writeData[3] != 0 {
			t.Errorf("expected zero version response, got %x", conn.writeData)
		}
	})
}

func TestAutocommitFlow(t *testing.T) {
	conn := &mockConn{}
	session := newTestSession(t, nil, conn)

	responses := drive(t, session, conn,
		helloMsg(nil),
		runMsg("RETURN 1 AS x", nil),
		pullMsg(-1),
	)

	if len(responses) != 4 {
		t.Fatalf("expected 4 responses, got %d", len(responses))
	}

	hello := responses[0]
	if hello.sig != MsgSuccess {
		t.Fatalf("HELLO answered with 0x%02X", hello.sig)
	}
	if hello.meta["server"] == "" || hello.meta["connection_id"] == "" {
		t.Errorf("HELLO metadata incomplete: %v", hello.meta)
	}

	run := responses[1]
	if run.sig != MsgSuccess {
		t.Fatalf("RUN answered with 0x%02X: %v", run.sig, run.meta)
	}
	fields, _ := run.meta["fields"].([]any)
	if len(fields) != 1 || fields[0] != "x" {
		t.Errorf("unexpected fields: %v", run.meta["fields"])
	}
	if _, ok := run.meta["t_first"]; !ok {
		t.Error("RUN success missing t_first")
	}
	if _, ok := run.meta["qid"]; ok {
		t.Error("autocommit RUN must not report qid")
	}

	record := responses[2]
	if record.sig != MsgRecord || len(record.row) != 1 || record.row[0] != int64(1) {
		t.Errorf("unexpected record: sig=0x%02X row=%v", record.sig, record.row)
	}

	final := responses[3]
	if final.sig != MsgSuccess {
		t.Fatalf("PULL answered with 0x%02X: %v", final.sig, final.meta)
	}
	if _, ok := final.meta["has_more"]; ok {
		t.Error("exhausted stream must not report has_more")
	}
	if final.meta["type"] != "r" || final.meta["db"] != "skald" {
		t.Errorf("unexpected final metadata: %v", final.meta)
	}
	bookmark, _ := final.meta["bookmark"].(string)
	if bookmark == "" {
		t.Error("autocommit exhaustion must produce a bookmark")
	}
	if _, _, err := tx.ParseBookmark(fsm.Bookmark(bookmark)); err != nil {
		t.Errorf("bookmark does not parse: %v", err)
	}
}

func TestExplicitTransactionFlow(t *testing.T) {
	conn := &mockConn{}
	session := newTestSession(t, nil, conn)

	responses := drive(t, session, conn,
		helloMsg(nil),
		structMsg(MsgBegin, encodePackStreamMap(map[string]any{})),
		runMsg("UNWIND [1, 2, 3] AS x RETURN x", nil),
		pullMsg(2),
		structMsg(MsgCommit),
	)

	// HELLO, BEGIN, RUN, 2 records, partial SUCCESS, COMMIT
	if len(responses) != 7 {
		t.Fatalf("expected 7 responses, got %d", len(responses))
	}

	run := responses[2]
	if run.sig != MsgSuccess {
		t.Fatalf("RUN failed: %v", run.meta)
	}
	if qid, ok := run.meta["qid"].(int64); !ok || qid != 0 {
		t.Errorf("expected qid 0 in explicit transaction, got %v", run.meta["qid"])
	}

	if responses[3].sig != MsgRecord || responses[4].sig != MsgRecord {
		t.Fatalf("expected two records, got 0x%02X 0x%02X", responses[3].sig, responses[4].sig)
	}

	partial := responses[5]
	if partial.sig != MsgSuccess || partial.meta["has_more"] != true {
		t.Errorf("partial pull should report has_more only: %v", partial.meta)
	}
	if _, ok := partial.meta["bookmark"]; ok {
		t.Error("partial pull must not carry a bookmark")
	}

	commit := responses[6]
	if commit.sig != MsgSuccess {
		t.Fatalf("COMMIT failed: %v", commit.meta)
	}
	if commit.meta["bookmark"] == "" {
		t.Error("COMMIT must return a bookmark")
	}
}

func TestFailureThenResetFlow(t *testing.T) {
	conn := &mockConn{}
	session := newTestSession(t, nil, conn)

	responses := drive(t, session, conn,
		helloMsg(nil),
		runMsg("THIS IS NOT A QUERY", nil),
		pullMsg(-1),
		structMsg(MsgReset),
		runMsg("RETURN 1", nil),
	)

	if responses[1].sig != MsgFailure {
		t.Fatalf("bad query should fail, got 0x%02X", responses[1].sig)
	}
	code, _ := responses[1].meta["code"].(string)
	if code != fsm.CodeSyntaxError {
		t.Errorf("expected syntax error code, got %q", code)
	}
	if responses[2].sig != MsgIgnored {
		t.Errorf("PULL after failure should be IGNORED, got 0x%02X", responses[2].sig)
	}
	if responses[3].sig != MsgSuccess {
		t.Errorf("RESET should succeed, got 0x%02X", responses[3].sig)
	}
	if responses[4].sig != MsgSuccess {
		t.Errorf("RUN after reset should succeed, got %v", responses[4].meta)
	}
}

func TestGoodbyeClosesCleanly(t *testing.T) {
	conn := &mockConn{readData: frame(structMsg(MsgGoodbye))}
	session := newTestSession(t, nil, conn)

	err := session.handleMessage()
	if !errors.Is(err, fsm.ErrConnectionClosed) {
		t.Errorf("expected ErrConnectionClosed, got %v", err)
	}
}

func TestRunBeforeHelloIsFatal(t *testing.T) {
	conn := &mockConn{readData: frame(runMsg("RETURN 1", nil))}
	session := newTestSession(t, nil, conn)

	err := session.handleMessage()
	if !errors.Is(err, fsm.ErrConnectionFatality) {
		t.Fatalf("expected ErrConnectionFatality, got %v", err)
	}

	responses := parseResponses(t, conn.writeData)
	if len(responses) != 1 || responses[0].sig != MsgFailure {
		t.Fatalf("expected a FAILURE response, got %+v", responses)
	}
	if code, _ := responses[0].meta["code"].(string); code != fsm.CodeRequestInvalid {
		t.Errorf("expected request invalid code, got %q", code)
	}
}

func TestAuthRequired(t *testing.T) {
	authenticator, err := auth.NewAuthenticator(auth.AuthConfig{BcryptCost: 4})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := authenticator.CreateUser("neo4j", "password123", []auth.Role{auth.RoleAdmin}); err != nil {
		t.Fatal(err)
	}

	config := DefaultConfig()
	config.Authenticator = NewAuthenticatorAdapter(authenticator)
	config.RequireAuth = true

	t.Run("valid credentials", func(t *testing.T) {
		conn := &mockConn{readData: frame(helloMsg(map[string]any{
			"scheme":      "basic",
			"principal":   "neo4j",
			"credentials": "password123",
		}))}
		session := newTestSession(t, config, conn)

		if err := session.handleMessage(); err != nil {
			t.Fatalf("HELLO with valid credentials failed: %v", err)
		}
		if !session.authenticated || session.authResult.Username != "neo4j" {
			t.Error("session should be authenticated as neo4j")
		}
	})

	t.Run("bad credentials", func(t *testing.T) {
		conn := &mockConn{readData: frame(helloMsg(map[string]any{
			"scheme":      "basic",
			"principal":   "neo4j",
			"credentials": "wrong",
		}))}
		session := newTestSession(t, config, conn)

		err := session.handleMessage()
		if !errors.Is(err, fsm.ErrConnectionFatality) {
			t.Fatalf("expected fatal error, got %v", err)
		}
		responses := parseResponses(t, conn.writeData)
		if len(responses) != 1 || responses[0].sig != MsgFailure {
			t.Fatal("expected FAILURE response")
		}
		if code, _ := responses[0].meta["code"].(string); code != fsm.CodeUnauthorized {
			t.Errorf("expected unauthorized code, got %q", code)
		}
	})

	t.Run("anonymous rejected", func(t *testing.T) {
		conn := &mockConn{readData: frame(helloMsg(nil))}
		session := newTestSession(t, config, conn)

		if err := session.handleMessage(); !errors.Is(err, fsm.ErrConnectionFatality) {
			t.Fatalf("expected fatal error for anonymous HELLO, got %v", err)
		}
	})
}

func TestInterruptAnswersIgnoredUntilReset(t *testing.T) {
	conn := &mockConn{}
	session := newTestSession(t, nil, conn)

	drive(t, session, conn, helloMsg(nil))

	session.Interrupt()

	responses := drive(t, session, conn,
		runMsg("RETURN 1", nil),
		structMsg(MsgReset),
		runMsg("RETURN 1", nil),
	)

	// responses[0] is the HELLO success from the first drive call.
	if responses[1].sig != MsgIgnored {
		t.Errorf("RUN after interrupt should be IGNORED, got 0x%02X", responses[1].sig)
	}
	if responses[2].sig != MsgSuccess {
		t.Errorf("RESET should succeed, got 0x%02X", responses[2].sig)
	}
	if responses[3].sig != MsgSuccess {
		t.Errorf("RUN after reset should succeed, got 0x%02X", responses[3].sig)
	}
}

func TestRouteResponse(t *testing.T) {
	config := DefaultConfig()
	config.AdvertisedAddress = "localhost:7687"

	conn := &mockConn{}
	session := newTestSession(t, config, conn)

	responses := drive(t, session, conn,
		helloMsg(nil),
		structMsg(MsgRoute,
			encodePackStreamMap(map[string]any{}),
			encodePackStreamList(nil),
			encodePackStreamString("skald")),
	)

	route := responses[1]
	if route.sig != MsgSuccess {
		t.Fatalf("ROUTE failed: %v", route.meta)
	}
	rt, ok := route.meta["rt"].(map[string]any)
	if !ok {
		t.Fatalf("missing rt in %v", route.meta)
	}
	if rt["db"] != "skald" {
		t.Errorf("unexpected rt db: %v", rt["db"])
	}
	servers, _ := rt["servers"].([]any)
	if len(servers) != 3 {
		t.Errorf("expected WRITE/READ/ROUTE entries, got %v", servers)
	}
}

func TestMultiChunkMessage(t *testing.T) {
	// A RUN split across two chunks must reassemble before decoding.
	msg := runMsg("RETURN 'chunked'", nil)
	half := len(msg) / 2

	var data []byte
	data = append(data, byte(half>>8), byte(half))
	data = append(data, msg[:half]...)
	rest := len(msg) - half
	data = append(data, byte(rest>>8), byte(rest))
	data = append(data, msg[half:]...)
	data = append(data, 0x00, 0x00)

	conn := &mockConn{readData: append(frame(helloMsg(nil)), data...)}
	session := newTestSession(t, nil, conn)

	if err := session.handleMessage(); err != nil {
		t.Fatalf("HELLO failed: %v", err)
	}
	if err := session.handleMessage(); err != nil {
		t.Fatalf("chunked RUN failed: %v", err)
	}

	responses := parseResponses(t, conn.writeData)
	if responses[1].sig != MsgSuccess {
		t.Errorf("chunked RUN should succeed, got 0x%02X", responses[1].sig)
	}
}

func TestLargeRecordSpansChunks(t *testing.T) {
	conn := &mockConn{}
	session := newTestSession(t, nil, conn)

	big := strings.Repeat("v", 70000)
	sink := session.sink()
	if err := sink.OnRecord([]any{big}); err != nil {
		t.Fatal(err)
	}
	if err := sink.OnSuccess(nil); err != nil {
		t.Fatal(err)
	}

	// The record's PackStream encoding exceeds what one 2-byte size
	// header can frame; it must arrive as multiple chunks.
	chunks := 0
	offset := 0
	for {
		if offset+2 > len(conn.writeData) {
			t.Fatalf("truncated chunk header at offset %d", offset)
		}
		size := int(conn.writeData[offset])<<8 | int(conn.writeData[offset+1])
		offset += 2 + size
		if size == 0 {
			break
		}
		chunks++
	}
	if chunks < 2 {
		t.Errorf("expected the record to span multiple chunks, got %d", chunks)
	}

	responses := parseResponses(t, conn.writeData)
	if len(responses) != 2 || responses[0].sig != MsgRecord || responses[1].sig != MsgSuccess {
		t.Fatalf("unexpected responses: %+v", responses)
	}
	got, ok := responses[0].row[0].(string)
	if !ok || got != big {
		t.Errorf("large record corrupted in transit: %T, len %d", responses[0].row[0], len(got))
	}
}

func TestImpersonationRequiresAdmin(t *testing.T) {
	config := DefaultConfig()
	config.Authenticator = newAdapter(t)
	config.RequireAuth = true

	conn := &mockConn{}
	session := newTestSession(t, config, conn)

	responses := drive(t, session, conn,
		helloMsg(map[string]any{
			"scheme":      "basic",
			"principal":   "alice",
			"credentials": "password123",
		}),
		runMsg("RETURN 1", map[string]any{"imp_user": "bob"}),
		runMsg("RETURN 1", nil),
		pullMsg(-1),
	)

	if len(responses) != 5 {
		t.Fatalf("expected 5 responses, got %d", len(responses))
	}
	if responses[0].sig != MsgSuccess {
		t.Fatalf("HELLO failed: %+v", responses[0])
	}
	if responses[1].sig != MsgFailure {
		t.Fatalf("expected FAILURE for editor impersonating, got 0x%02X", responses[1].sig)
	}
	if code, _ := responses[1].meta["code"].(string); code != fsm.CodeForbidden {
		t.Errorf("expected %s, got %q", fsm.CodeForbidden, code)
	}

	// The rejection is per-request; the connection keeps working.
	if responses[2].sig != MsgSuccess || responses[3].sig != MsgRecord || responses[4].sig != MsgSuccess {
		t.Errorf("plain RUN after rejection should succeed: %+v", responses[2:])
	}
}
