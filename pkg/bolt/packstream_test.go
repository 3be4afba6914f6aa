package bolt

import (
	"bytes"
	"testing"
	"time"

	"github.com/orneryd/skalddb/pkg/fsm"
	"github.com/orneryd/skalddb/pkg/storage"
)

func TestPackStreamStringSizes(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		marker byte
	}{
		{"tiny", "hello", 0x85},
		{"string8", string(make([]byte, 100)), 0xD0},
		{"string16", string(make([]byte, 1000)), 0xD1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := encodePackStreamString(tt.input)
			if encoded[0] != tt.marker {
				t.Errorf("marker = 0x%02X, want 0x%02X", encoded[0], tt.marker)
			}
			decoded, n, err := decodePackStreamString(encoded, 0)
			if err != nil {
				t.Fatal(err)
			}
			if decoded != tt.input || n != len(encoded) {
				t.Errorf("round trip failed: n=%d len=%d", n, len(encoded))
			}
		})
	}
}

func TestPackStreamIntMarkers(t *testing.T) {
	tests := []struct {
		val    int64
		marker byte
		size   int
	}{
		{0, 0x00, 1},
		{127, 0x7F, 1},
		{-16, 0xF0, 1},
		{-100, 0xC8, 2},
		{1000, 0xC9, 3},
		{100000, 0xCA, 5},
		{5000000000, 0xCB, 9},
	}
	for _, tt := range tests {
		encoded := encodePackStreamInt(tt.val)
		if len(encoded) != tt.size || encoded[0] != tt.marker {
			t.Errorf("encode(%d): marker 0x%02X size %d, want 0x%02X/%d",
				tt.val, encoded[0], len(encoded), tt.marker, tt.size)
		}
		decoded, _, err := decodePackStreamValue(encoded, 0)
		if err != nil {
			t.Fatal(err)
		}
		if decoded != tt.val {
			t.Errorf("round trip of %d gave %v", tt.val, decoded)
		}
	}
}

func TestPackStreamMapRoundTrip(t *testing.T) {
	input := map[string]any{
		"name":   "skald",
		"count":  int64(42),
		"ratio":  0.5,
		"flag":   true,
		"absent": nil,
		"tags":   []any{"a", "b"},
		"nested": map[string]any{"x": int64(1)},
	}

	encoded := encodePackStreamMap(input)
	decoded, n, err := decodePackStreamMap(encoded, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(encoded) {
		t.Errorf("consumed %d of %d bytes", n, len(encoded))
	}
	if decoded["name"] != "skald" || decoded["count"] != int64(42) ||
		decoded["ratio"] != 0.5 || decoded["flag"] != true || decoded["absent"] != nil {
		t.Errorf("round trip mismatch: %v", decoded)
	}
	tags, _ := decoded["tags"].([]any)
	if len(tags) != 2 || tags[1] != "b" {
		t.Errorf("list round trip mismatch: %v", decoded["tags"])
	}
}

func TestEncodeNode(t *testing.T) {
	node := &storage.Node{
		ID:         "user-1",
		Labels:     []string{"User"},
		Properties: map[string]any{"name": "Alice"},
		CreatedAt:  time.Now(),
	}

	encoded := encodePackStreamValue(node)
	if !bytes.HasPrefix(encoded, []byte{0xB3, 0x4E}) {
		t.Fatalf("node must encode as a 3-field struct with signature N, got % x", encoded[:2])
	}

	// The struct fields follow: id, labels, properties.
	offset := 2
	id, n, err := decodePackStreamValue(encoded, offset)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := id.(int64); !ok {
		t.Errorf("node id should be int64, got %T", id)
	}
	offset += n

	labels, n, err := decodePackStreamList(encoded, offset)
	if err != nil {
		t.Fatal(err)
	}
	if len(labels) != 1 || labels[0] != "User" {
		t.Errorf("unexpected labels: %v", labels)
	}
	offset += n

	props, _, err := decodePackStreamMap(encoded, offset)
	if err != nil {
		t.Fatal(err)
	}
	if props["name"] != "Alice" || props["_id"] != "user-1" {
		t.Errorf("unexpected properties: %v", props)
	}
}

func TestDecodeRunRequest(t *testing.T) {
	data := append(encodePackStreamString("RETURN $x"),
		append(encodePackStreamMap(map[string]any{"x": int64(7)}),
			encodePackStreamMap(map[string]any{
				"db":         "skald",
				"mode":       "r",
				"tx_timeout": int64(2500),
				"bookmarks":  []any{"skalddb:bookmark:v1:skald:3"},
			})...)...)

	req, err := decodeRequest(MsgRun, data)
	if err != nil {
		t.Fatal(err)
	}
	run, ok := req.(fsm.RunRequest)
	if !ok {
		t.Fatalf("expected RunRequest, got %T", req)
	}
	if run.Query != "RETURN $x" || run.Params["x"] != int64(7) {
		t.Errorf("unexpected run request: %+v", run)
	}
	if run.Meta.DatabaseName != "skald" || run.Meta.AccessMode != fsm.AccessModeRead {
		t.Errorf("unexpected tx options: %+v", run.Meta)
	}
	if run.Meta.Timeout != 2500*time.Millisecond {
		t.Errorf("tx_timeout not converted: %v", run.Meta.Timeout)
	}
	if len(run.Meta.Bookmarks) != 1 {
		t.Errorf("bookmarks not decoded: %v", run.Meta.Bookmarks)
	}
}

func TestDecodePullDefaults(t *testing.T) {
	// Missing extra map means all records from the last statement.
	req, err := decodeRequest(MsgPull, nil)
	if err != nil {
		t.Fatal(err)
	}
	pull := req.(fsm.PullRequest)
	if pull.N != fsm.AllRecords || pull.Qid != fsm.DefaultStatement {
		t.Errorf("unexpected defaults: %+v", pull)
	}

	req, err = decodeRequest(MsgPull, encodePackStreamMap(map[string]any{"n": int64(10), "qid": int64(2)}))
	if err != nil {
		t.Fatal(err)
	}
	pull = req.(fsm.PullRequest)
	if pull.N != 10 || pull.Qid != 2 {
		t.Errorf("unexpected pull request: %+v", pull)
	}
}

func TestDecodeUnknownMessage(t *testing.T) {
	if _, err := decodeRequest(0x99, nil); err == nil {
		t.Error("expected error for unknown message type")
	}
}

func TestDecodeRejectsStructureParameter(t *testing.T) {
	// A structure value (here a Point2D, signature 0x58) inside the RUN
	// parameter map must fail the decode instead of shifting every
	// following field.
	params := []byte{0xA1}
	params = append(params, encodePackStreamString("p")...)
	params = append(params, 0xB3, 0x58)
	params = append(params, encodePackStreamInt(7203)...)
	params = append(params, encodePackStreamValue(1.5)...)
	params = append(params, encodePackStreamValue(2.5)...)

	data := append(encodePackStreamString("CREATE (n {p: $p})"), params...)
	data = append(data, 0xA0)

	if _, err := decodeRequest(MsgRun, data); err == nil {
		t.Error("expected error for structure parameter")
	}
}
