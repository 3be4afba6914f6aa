package bolt

import (
	"github.com/orneryd/skalddb/pkg/fsm"
)

// wireSink encodes response signals onto the session's buffered writer.
// It implements fsm.ResponseSink.
//
// Records are written to the buffer without flushing; the terminal signal
// (SUCCESS, FAILURE, IGNORED) flushes the whole batch. For a 500-record
// stream this turns ~500 syscalls into one.
type wireSink struct {
	s *Session
}

func (s *Session) sink() wireSink {
	return wireSink{s: s}
}

var (
	successHeader = []byte{0xB1, MsgSuccess}
	recordHeader  = []byte{0xB1, MsgRecord}
	failureHeader = []byte{0xB1, MsgFailure}
	ignoredFrame  = []byte{0xB0, MsgIgnored}
)

// OnRecord buffers one RECORD response.
func (w wireSink) OnRecord(values []any) error {
	buf := make([]byte, 0, 128)
	buf = append(buf, recordHeader...)
	buf = append(buf, encodePackStreamList(values)...)
	return w.s.writeChunk(buf, false)
}

// OnSuccess writes a SUCCESS response and flushes the batch. Nil metadata
// encodes as an empty map.
func (w wireSink) OnSuccess(meta map[string]any) error {
	if meta == nil {
		meta = map[string]any{}
	}
	buf := make([]byte, 0, 128)
	buf = append(buf, successHeader...)
	buf = append(buf, encodePackStreamMap(meta)...)
	return w.s.writeChunk(buf, true)
}

// OnFailure writes a FAILURE response carrying the status code and
// message, and flushes.
func (w wireSink) OnFailure(status fsm.Status) error {
	buf := make([]byte, 0, 128)
	buf = append(buf, failureHeader...)
	buf = append(buf, encodePackStreamMap(map[string]any{
		"code":    status.Code,
		"message": status.Message,
	})...)
	return w.s.writeChunk(buf, true)
}

// OnIgnored writes an IGNORED response and flushes.
func (w wireSink) OnIgnored() error {
	return w.s.writeChunk(ignoredFrame, true)
}

// maxChunkSize is the largest body a single chunk can carry; the size
// header is two bytes.
const maxChunkSize = 0xFFFF

// writeChunk frames a message into chunks: one or more 2-byte size
// headers with up to 64 KiB of data each, then the 0x0000 terminator.
// Messages over 64 KiB (a record with one long string property is
// enough) span multiple chunks, mirroring reassembly on the read side.
// Flushing is deferred to the terminal signal of the response batch.
func (s *Session) writeChunk(data []byte, flush bool) error {
	for len(data) > 0 {
		chunk := data
		if len(chunk) > maxChunkSize {
			chunk = chunk[:maxChunkSize]
		}
		s.writer.WriteByte(byte(len(chunk) >> 8))
		s.writer.WriteByte(byte(len(chunk)))
		s.writer.Write(chunk)
		data = data[len(chunk):]
	}
	s.writer.WriteByte(0)
	s.writer.WriteByte(0)

	if flush {
		return s.writer.Flush()
	}
	return nil
}
