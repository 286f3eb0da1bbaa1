package rfidcore

import "encoding/binary"

// TraceLogger serializes TraceRecords into the trace arena in the
// host-visible wire format of spec.md §6: repeating records of
// <uint32 startTime, uint32 endTime, uint16 length, uint8 dir, uint16
// parity-bytes-length, bytes, parity-bytes>. Writing a partial record
// never happens: Append only ever runs once both timestamps are known
// (spec.md §5).
type TraceLogger struct {
	arena *Arena
}

// NewTraceLogger wraps arena for trace serialization.
func NewTraceLogger(arena *Arena) *TraceLogger { return &TraceLogger{arena: arena} }

// Append writes one complete record, returning KindBufferOverrun if
// the arena has no room — the one error path that should abort the
// caller's outer loop, per spec.md §7.
func (l *TraceLogger) Append(rec TraceRecord) error {
	n := 4 + 4 + 2 + 1 + 2 + len(rec.Data) + len(rec.Parity)
	buf, err := l.arena.Alloc(n)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(buf[0:4], rec.Start)
	binary.LittleEndian.PutUint32(buf[4:8], rec.End)
	binary.LittleEndian.PutUint16(buf[8:10], uint16(len(rec.Data)))
	buf[10] = byte(rec.Direction)
	binary.LittleEndian.PutUint16(buf[11:13], uint16(len(rec.Parity)))
	copy(buf[13:13+len(rec.Data)], rec.Data)
	copy(buf[13+len(rec.Data):], rec.Parity)
	return nil
}

// Records decodes every record currently held in the arena, in
// append order, for host-side consumption or tests.
func (l *TraceLogger) Records() ([]TraceRecord, error) {
	var out []TraceRecord
	buf := l.arena.buf[:l.arena.offset]
	for len(buf) > 0 {
		if len(buf) < 13 {
			return nil, newErr(KindProtocolViolation, "truncated trace record header")
		}
		start := binary.LittleEndian.Uint32(buf[0:4])
		end := binary.LittleEndian.Uint32(buf[4:8])
		dataLen := int(binary.LittleEndian.Uint16(buf[8:10]))
		dir := Direction(buf[10])
		parityLen := int(binary.LittleEndian.Uint16(buf[11:13]))
		rest := buf[13:]
		if len(rest) < dataLen+parityLen {
			return nil, newErr(KindProtocolViolation, "truncated trace record body")
		}
		rec := TraceRecord{
			Direction: dir,
			Start:     start,
			End:       end,
			Data:      append([]byte{}, rest[:dataLen]...),
			Parity:    append([]byte{}, rest[dataLen:dataLen+parityLen]...),
		}
		out = append(out, rec)
		buf = rest[dataLen+parityLen:]
	}
	return out, nil
}
