package rfidcore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTraceLoggerRoundTripsMultipleRecords(t *testing.T) {
	arena := NewArena(DefaultTraceArenaSize)
	logger := NewTraceLogger(arena)

	r1 := TraceRecord{Direction: DirReaderToTag, Start: 10, End: 20, Data: []byte{0x93, 0x20}, Parity: []byte{1, 0}}
	r2 := TraceRecord{Direction: DirTagToReader, Start: 30, End: 45, Data: []byte{0x04, 0x00}, Parity: []byte{0, 1}}

	assert.NoError(t, logger.Append(r1))
	assert.NoError(t, logger.Append(r2))

	recs, err := logger.Records()
	assert.NoError(t, err)
	assert.Equal(t, []TraceRecord{r1, r2}, recs)
}

func TestTraceLoggerHandlesEmptyParity(t *testing.T) {
	arena := NewArena(DefaultTraceArenaSize)
	logger := NewTraceLogger(arena)

	rec := TraceRecord{Direction: DirReaderToTag, Start: 1, End: 2, Data: []byte{0xFF}}
	assert.NoError(t, logger.Append(rec))

	recs, err := logger.Records()
	assert.NoError(t, err)
	assert.Len(t, recs, 1)
	assert.Equal(t, rec.Data, recs[0].Data)
	assert.Empty(t, recs[0].Parity)
}

func TestTraceLoggerReturnsBufferOverrunWhenArenaFull(t *testing.T) {
	arena := NewArena(16)
	logger := NewTraceLogger(arena)

	rec := TraceRecord{Direction: DirReaderToTag, Start: 1, End: 2, Data: make([]byte, 32)}
	err := logger.Append(rec)
	assert.True(t, IsBufferOverrun(err))
}

func TestTraceLoggerResetClearsRecords(t *testing.T) {
	arena := NewArena(DefaultTraceArenaSize)
	logger := NewTraceLogger(arena)

	assert.NoError(t, logger.Append(TraceRecord{Direction: DirReaderToTag, Start: 1, End: 2, Data: []byte{0x01}}))
	arena.Reset()

	recs, err := logger.Records()
	assert.NoError(t, err)
	assert.Empty(t, recs)
}
