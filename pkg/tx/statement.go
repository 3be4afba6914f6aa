package tx

import (
	"context"
	"time"

	"github.com/orneryd/skalddb/pkg/fsm"
)

// Stmt is a buffered result cursor. The executor materializes the full
// result set up front, so Pull and Discard only walk the buffer.
type Stmt struct {
	tx     *Tx
	id     int64
	fields []string
	rows   [][]any
	cursor int
	typ    string

	opened time.Time
	tFirst int64
}

func newStmt(t *Tx, id int64, result *Result, runTime time.Duration) *Stmt {
	typ := "r"
	if result.Writes {
		typ = "w"
		if len(result.Rows) > 0 {
			typ = "rw"
		}
	}
	return &Stmt{
		tx:     t,
		id:     id,
		fields: result.Columns,
		rows:   result.Rows,
		typ:    typ,
		opened: time.Now(),
		tFirst: runTime.Milliseconds(),
	}
}

func (s *Stmt) ID() int64        { return s.id }
func (s *Stmt) Fields() []string { return s.fields }
func (s *Stmt) TFirst() int64    { return s.tFirst }

// HasRemaining reports whether unconsumed records remain in the buffer.
func (s *Stmt) HasRemaining() bool {
	return s.cursor < len(s.rows)
}

// Pull streams up to n records into the writer. fsm.AllRecords streams to
// exhaustion. Once the buffer is drained the statement is removed from
// the transaction's statement table.
func (s *Stmt) Pull(ctx context.Context, n int64, records fsm.RecordWriter) (fsm.StreamSummary, error) {
	if s.tx.Terminated() {
		return fsm.StreamSummary{}, fsm.Terminated()
	}
	end := s.window(n)
	for ; s.cursor < end; s.cursor++ {
		if err := ctx.Err(); err != nil {
			return fsm.StreamSummary{}, err
		}
		if err := records.OnRecord(s.rows[s.cursor]); err != nil {
			return fsm.StreamSummary{}, err
		}
	}
	return s.summary(), nil
}

// Discard drops up to n records without emitting them.
func (s *Stmt) Discard(_ context.Context, n int64) (fsm.StreamSummary, error) {
	if s.tx.Terminated() {
		return fsm.StreamSummary{}, fsm.Terminated()
	}
	s.cursor = s.window(n)
	return s.summary(), nil
}

// window returns the cursor position after consuming up to n records.
func (s *Stmt) window(n int64) int {
	if n == fsm.AllRecords {
		return len(s.rows)
	}
	end := s.cursor + int(n)
	if end > len(s.rows) {
		end = len(s.rows)
	}
	return end
}

func (s *Stmt) summary() fsm.StreamSummary {
	if s.HasRemaining() {
		return fsm.StreamSummary{HasMore: true}
	}
	s.tx.removeStatement(s.id)
	return fsm.StreamSummary{
		TLast: time.Since(s.opened).Milliseconds(),
		Type:  s.typ,
	}
}
