package rfidcore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ddrummond/rfidcore/internal/config"
)

func newReaderSessionOverFabric(fabric *fakeFabric) *ReaderSession {
	tx := NewTransceiver(fabric, config.DefaultTimingConfig())
	return NewReaderSession(tx)
}

func TestSelectResolvesSingleFourByteUID(t *testing.T) {
	uidFrag := []byte{0x04, 0x12, 0x34, 0x56}
	bcc := uidFrag[0] ^ uidFrag[1] ^ uidFrag[2] ^ uidFrag[3]
	anticoll := append(append([]byte{}, uidFrag...), bcc)
	const sak = byte(0x08) // complete, not 14443-4

	atqaSymbols := NewTagEncoder().EncodeFrame([]byte{0x04, 0x00}, false)
	anticollSymbols := NewTagEncoder().EncodeFrame(anticoll, true)
	sakSymbols := NewTagEncoder().EncodeFrame([]byte{sak}, false)

	var samples []byte
	samples = append(samples, 0x00, 0x00)
	samples = append(samples, atqaSymbols...)
	samples = append(samples, 0x00, 0x00)
	samples = append(samples, anticollSymbols...)
	samples = append(samples, 0x00, 0x00)
	samples = append(samples, sakSymbols...)

	fabric := newFakeFabric(samples)
	r := newReaderSessionOverFabric(fabric)

	sel, err := r.Select(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, uidFrag, sel.UID)
	assert.Equal(t, sak, sel.SAK)
	assert.Equal(t, [2]byte{0x04, 0x00}, sel.ATQA)
	assert.Nil(t, sel.ATS)
	assert.False(t, sel.Proprietary)
}

func TestSelectRunsRATSWhenSAKDeclares14443_4(t *testing.T) {
	uidFrag := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	bcc := uidFrag[0] ^ uidFrag[1] ^ uidFrag[2] ^ uidFrag[3]
	anticoll := append(append([]byte{}, uidFrag...), bcc)
	const sak = byte(0x20) // 14443-4 compliant: RATS required

	ats := AppendCRCA([]byte{0x03, 0x75, 0x77, 0x40}) // carries TB(1), FWI=4

	atqaSymbols := NewTagEncoder().EncodeFrame([]byte{0x44, 0x00}, false)
	anticollSymbols := NewTagEncoder().EncodeFrame(anticoll, true)
	sakSymbols := NewTagEncoder().EncodeFrame([]byte{sak}, false)
	atsSymbols := NewTagEncoder().EncodeFrame(ats, false)

	var samples []byte
	samples = append(samples, 0x00, 0x00)
	samples = append(samples, atqaSymbols...)
	samples = append(samples, 0x00, 0x00)
	samples = append(samples, anticollSymbols...)
	samples = append(samples, 0x00, 0x00)
	samples = append(samples, sakSymbols...)
	samples = append(samples, 0x00, 0x00)
	samples = append(samples, atsSymbols...)

	fabric := newFakeFabric(samples)
	r := newReaderSessionOverFabric(fabric)

	sel, err := r.Select(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, uidFrag, sel.UID)
	assert.Equal(t, ats[:len(ats)-2], sel.ATS)
	assert.Equal(t, uint32(512), r.tx.Timeout())
}

func TestSelectReturnsProprietaryWhenATQALow5BitsZero(t *testing.T) {
	atqaSymbols := NewTagEncoder().EncodeFrame([]byte{0xE0, 0x00}, false)

	var samples []byte
	samples = append(samples, 0x00, 0x00)
	samples = append(samples, atqaSymbols...)

	fabric := newFakeFabric(samples)
	r := newReaderSessionOverFabric(fabric)

	sel, err := r.Select(context.Background())
	assert.NoError(t, err)
	assert.True(t, sel.Proprietary)
	assert.Nil(t, sel.UID)
}

func TestSelectCascadesThroughSevenByteUID(t *testing.T) {
	// Level 0 reports a cascade tag (SAK bit 0x04); level 1 completes.
	level0Frag := []byte{0x88, 0x01, 0x02, 0x03} // 0x88 is the literal cascade-tag byte
	level0BCC := level0Frag[0] ^ level0Frag[1] ^ level0Frag[2] ^ level0Frag[3]
	level0 := append(append([]byte{}, level0Frag...), level0BCC)
	const level0SAK = byte(0x04)

	level1Frag := []byte{0x04, 0x05, 0x06, 0x07}
	level1BCC := level1Frag[0] ^ level1Frag[1] ^ level1Frag[2] ^ level1Frag[3]
	level1 := append(append([]byte{}, level1Frag...), level1BCC)
	const level1SAK = byte(0x00)

	atqaSymbols := NewTagEncoder().EncodeFrame([]byte{0x44, 0x00}, false)
	l0AnticollSymbols := NewTagEncoder().EncodeFrame(level0, true)
	l0SAKSymbols := NewTagEncoder().EncodeFrame([]byte{level0SAK}, false)
	l1AnticollSymbols := NewTagEncoder().EncodeFrame(level1, true)
	l1SAKSymbols := NewTagEncoder().EncodeFrame([]byte{level1SAK}, false)

	var samples []byte
	for _, group := range [][]byte{atqaSymbols, l0AnticollSymbols, l0SAKSymbols, l1AnticollSymbols, l1SAKSymbols} {
		samples = append(samples, 0x00, 0x00)
		samples = append(samples, group...)
	}

	fabric := newFakeFabric(samples)
	r := newReaderSessionOverFabric(fabric)

	sel, err := r.Select(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, append(append([]byte{}, level0Frag[1:]...), level1Frag...), sel.UID)
	assert.Equal(t, level1SAK, sel.SAK)
}
