package rfidcore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// primeManchester feeds two idle samples, the minimum ManchesterDecoder requires
// before it will treat a busy sample as the start of a new frame.
func primeManchester(t *testing.T, d *ManchesterDecoder, tick *uint32) {
	for i := 0; i < 2; i++ {
		f, err := d.ProcessSample(0x00, *tick)
		assert.NoError(t, err)
		assert.Nil(t, f)
		*tick++
	}
}

func feedManchesterSymbols(t *testing.T, d *ManchesterDecoder, symbols []byte, tick *uint32) *Frame {
	var last *Frame
	for _, sym := range symbols {
		f, err := d.ProcessSample(sym, *tick)
		assert.NoError(t, err)
		*tick++
		if f != nil {
			last = f
		}
	}
	return last
}

func TestManchesterRoundTripsFullByteFrame(t *testing.T) {
	data := []byte{0x04, 0x52, 0x7D}
	symbols := NewTagEncoder().EncodeFrame(data, false)

	d := NewManchesterDecoder()
	var tick uint32
	primeManchester(t, d, &tick)
	f := feedManchesterSymbols(t, d, symbols, &tick)

	assert.NotNil(t, f)
	assert.Equal(t, data, f.Data)
	assert.Equal(t, 8*len(data), f.BitLength)
	assert.Equal(t, 0, f.CollisionPos)
	for i, b := range data {
		assert.Equal(t, oddParity8(b), (f.Parity[i/8]>>uint(7-i%8))&1)
	}
}

func TestManchesterRoundTripsShortAckResponse(t *testing.T) {
	symbols := NewTagEncoder().EncodeShortResponse(0x0A)

	d := NewManchesterDecoderRaw()
	var tick uint32
	primeManchester(t, d, &tick)
	f := feedManchesterSymbols(t, d, symbols, &tick)

	assert.NotNil(t, f)
	assert.Equal(t, 4, f.BitLength)
	assert.Equal(t, byte(0x0A), f.Data[0]&0x0F)
}

func TestManchesterDetectsMidFrameCollision(t *testing.T) {
	symbols := NewTagEncoder().EncodeFrame([]byte{0xFF}, true)
	// Force a collision on the third transmitted bit by modulating both
	// halves of that slot.
	symbols[2] = 0xFF

	d := NewManchesterDecoderRaw()
	var tick uint32
	primeManchester(t, d, &tick)
	f := feedManchesterSymbols(t, d, symbols, &tick)

	assert.NotNil(t, f)
	assert.Equal(t, 3, f.CollisionPos)
	assert.Equal(t, 3, d.LastCollisionPos())
}

func TestManchesterActiveTracksFrameLifecycle(t *testing.T) {
	symbols := NewTagEncoder().EncodeFrame([]byte{0x01}, false)
	d := NewManchesterDecoder()
	var tick uint32
	assert.False(t, d.Active())
	primeManchester(t, d, &tick)
	assert.False(t, d.Active())

	for i, sym := range symbols {
		f, err := d.ProcessSample(sym, tick)
		assert.NoError(t, err)
		tick++
		if i < len(symbols)-1 {
			assert.True(t, d.Active(), "decoder should still be mid-frame before the terminating symbol")
		} else {
			assert.NotNil(t, f)
			assert.False(t, d.Active())
		}
	}
}
