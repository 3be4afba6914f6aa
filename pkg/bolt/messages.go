// Message decoding: PackStream request payloads into the semantic request
// structs the state machine dispatches on.

package bolt

import (
	"fmt"
	"time"

	"github.com/orneryd/skalddb/pkg/fsm"
)

// Protocol versions supported
const (
	BoltV4_4 = 0x0404 // Bolt 4.4
	BoltV4_3 = 0x0403 // Bolt 4.3
	BoltV4_2 = 0x0402 // Bolt 4.2
	BoltV4_1 = 0x0401 // Bolt 4.1
	BoltV4_0 = 0x0400 // Bolt 4.0
)

// Message types
const (
	MsgHello    byte = 0x01
	MsgGoodbye  byte = 0x02
	MsgReset    byte = 0x0F
	MsgRun      byte = 0x10
	MsgBegin    byte = 0x11
	MsgCommit   byte = 0x12
	MsgRollback byte = 0x13
	MsgDiscard  byte = 0x2F
	MsgPull     byte = 0x3F
	MsgRoute    byte = 0x66

	// Response messages
	MsgSuccess byte = 0x70
	MsgRecord  byte = 0x71
	MsgIgnored byte = 0x7E
	MsgFailure byte = 0x7F
)

// decodeRequest turns a message body (the PackStream fields after the
// struct marker and signature) into a request for the state machine.
// HELLO is decoded by the session itself because authentication happens
// before the state machine sees the request.
func decodeRequest(msgType byte, data []byte) (fsm.Request, error) {
	switch msgType {
	case MsgGoodbye:
		return fsm.GoodbyeRequest{}, nil
	case MsgReset:
		return fsm.ResetRequest{}, nil
	case MsgCommit:
		return fsm.CommitRequest{}, nil
	case MsgRollback:
		return fsm.RollbackRequest{}, nil
	case MsgRun:
		return decodeRun(data)
	case MsgBegin:
		return decodeBegin(data)
	case MsgPull:
		return decodePullDiscard(data, true)
	case MsgDiscard:
		return decodePullDiscard(data, false)
	case MsgRoute:
		return decodeRoute(data)
	default:
		return nil, fmt.Errorf("unknown message type: 0x%02X", msgType)
	}
}

// decodeRun parses RUN: [query: String, parameters: Map, extra: Map].
func decodeRun(data []byte) (fsm.Request, error) {
	offset := 0

	query, n, err := decodePackStreamString(data, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to decode RUN query: %w", err)
	}
	offset += n

	params := map[string]any{}
	if offset < len(data) {
		params, n, err = decodePackStreamMap(data, offset)
		if err != nil {
			return nil, fmt.Errorf("failed to decode RUN parameters: %w", err)
		}
		offset += n
	}

	extra := map[string]any{}
	if offset < len(data) {
		extra, _, err = decodePackStreamMap(data, offset)
		if err != nil {
			return nil, fmt.Errorf("failed to decode RUN extra: %w", err)
		}
	}

	return fsm.RunRequest{Query: query, Params: params, Meta: txOptionsFrom(extra)}, nil
}

// decodeBegin parses BEGIN: [extra: Map].
func decodeBegin(data []byte) (fsm.Request, error) {
	extra := map[string]any{}
	if len(data) > 0 {
		var err error
		extra, _, err = decodePackStreamMap(data, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to decode BEGIN extra: %w", err)
		}
	}
	opts := txOptionsFrom(extra)
	return fsm.BeginRequest{
		Bookmarks:        opts.Bookmarks,
		TxTimeout:        opts.Timeout,
		AccessMode:       opts.AccessMode,
		TxMetadata:       opts.Metadata,
		DatabaseName:     opts.DatabaseName,
		ImpersonatedUser: opts.ImpersonatedUser,
	}, nil
}

// decodePullDiscard parses PULL and DISCARD: [extra: Map] with n and qid.
// n is required by the protocol; a missing n means "all records" for
// compatibility with Bolt 3 clients that had no flow control.
func decodePullDiscard(data []byte, pull bool) (fsm.Request, error) {
	n := fsm.AllRecords
	qid := fsm.DefaultStatement

	if len(data) > 0 {
		extra, _, err := decodePackStreamMap(data, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to decode PULL/DISCARD extra: %w", err)
		}
		if v, ok := extra["n"].(int64); ok {
			n = v
		}
		if v, ok := extra["qid"].(int64); ok {
			qid = v
		}
	}

	if pull {
		return fsm.PullRequest{N: n, Qid: qid}, nil
	}
	return fsm.DiscardRequest{N: n, Qid: qid}, nil
}

// decodeRoute parses ROUTE: [routing: Map, bookmarks: List, db].
// The third field is a database name string in Bolt 4.3 and a map with a
// "db" entry from 4.4 on; both shapes are accepted.
func decodeRoute(data []byte) (fsm.Request, error) {
	offset := 0

	routing := map[string]any{}
	if offset < len(data) {
		var n int
		var err error
		routing, n, err = decodePackStreamMap(data, offset)
		if err != nil {
			return nil, fmt.Errorf("failed to decode ROUTE context: %w", err)
		}
		offset += n
	}

	var bookmarks []fsm.Bookmark
	if offset < len(data) {
		list, n, err := decodePackStreamList(data, offset)
		if err != nil {
			return nil, fmt.Errorf("failed to decode ROUTE bookmarks: %w", err)
		}
		offset += n
		for _, b := range list {
			if s, ok := b.(string); ok {
				bookmarks = append(bookmarks, fsm.Bookmark(s))
			}
		}
	}

	var db string
	if offset < len(data) {
		value, _, err := decodePackStreamValue(data, offset)
		if err != nil {
			return nil, fmt.Errorf("failed to decode ROUTE db: %w", err)
		}
		switch v := value.(type) {
		case string:
			db = v
		case map[string]any:
			if s, ok := v["db"].(string); ok {
				db = s
			}
		}
	}

	return fsm.RouteRequest{Context: routing, Bookmarks: bookmarks, DatabaseName: db}, nil
}

// txOptionsFrom extracts transaction options from a RUN or BEGIN extra map.
func txOptionsFrom(extra map[string]any) fsm.TxOptions {
	var opts fsm.TxOptions

	if list, ok := extra["bookmarks"].([]any); ok {
		for _, b := range list {
			if s, ok := b.(string); ok {
				opts.Bookmarks = append(opts.Bookmarks, fsm.Bookmark(s))
			}
		}
	}
	if ms, ok := extra["tx_timeout"].(int64); ok {
		opts.Timeout = time.Duration(ms) * time.Millisecond
	}
	if mode, ok := extra["mode"].(string); ok && mode == "r" {
		opts.AccessMode = fsm.AccessModeRead
	}
	if meta, ok := extra["tx_metadata"].(map[string]any); ok {
		opts.Metadata = meta
	}
	if db, ok := extra["db"].(string); ok {
		opts.DatabaseName = db
	}
	if user, ok := extra["imp_user"].(string); ok {
		opts.ImpersonatedUser = user
	}

	return opts
}

// stringList converts a decoded PackStream list to strings, dropping
// anything that is not a string.
func stringList(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	var result []string
	for _, item := range list {
		if s, ok := item.(string); ok {
			result = append(result, s)
		}
	}
	return result
}
