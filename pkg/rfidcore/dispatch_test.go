package rfidcore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ddrummond/rfidcore/internal/config"
)

func newTestCore(fabric *fakeFabric) *Core {
	return NewCore(fabric, config.DefaultTimingConfig())
}

func TestDispatchReturnsProtocolViolationForEmptyRequest(t *testing.T) {
	c := newTestCore(newFakeFabric(nil))
	_, err := c.Dispatch(context.Background(), Request{})
	assert.True(t, IsProtocolViolation(err))
}

func TestDispatchReaderSelectsCard(t *testing.T) {
	uidFrag := []byte{0x04, 0x11, 0x22, 0x33}
	var samples []byte
	samples = appendSelectSamples(samples, uidFrag, 0x08)

	c := newTestCore(newFakeFabric(samples))
	resp, err := c.Dispatch(context.Background(), Request{Reader: &ReaderRequest{}})
	assert.NoError(t, err)
	assert.Equal(t, uidFrag, resp.Selection.UID)
	assert.Equal(t, ModeOff, c.Fabric.(*fakeFabric).mode, "mode must be released after dispatch")
}

func TestDispatchReaderRawPayloadAppendsCRC(t *testing.T) {
	uidFrag := []byte{0x04, 0x11, 0x22, 0x33}
	var samples []byte
	samples = appendSelectSamples(samples, uidFrag, 0x08)
	respData := AppendCRCA([]byte{0x90, 0x00})
	respSymbols := NewTagEncoder().EncodeFrame(respData, false)
	samples = append(samples, 0x00, 0x00)
	samples = append(samples, respSymbols...)

	fabric := newFakeFabric(samples)
	c := newTestCore(fabric)
	req := Request{Reader: &ReaderRequest{
		Options: ReaderRaw | ReaderAppendCRC,
		Payload: []byte{0x30, 0x00},
	}}
	resp, err := c.Dispatch(context.Background(), req)
	assert.NoError(t, err)
	assert.Equal(t, respData, resp.APDUReply)

	sentFrame, sentErr := decodeReaderSymbols(t, fabric.written)
	assert.NoError(t, sentErr)
	assert.Equal(t, AppendCRCA([]byte{0x30, 0x00}), sentFrame.Data)
}

// decodeReaderSymbols feeds symbols produced by a reader encoder back
// through a fresh MillerDecoder, for asserting on what Dispatch
// actually transmitted.
func decodeReaderSymbols(t *testing.T, symbols []byte) (*Frame, error) {
	t.Helper()
	dec := NewMillerDecoder()
	var last *Frame
	for i, sym := range symbols {
		f, err := dec.ProcessSample(sym, uint32(i))
		if err != nil {
			return nil, err
		}
		if f != nil {
			last = f
		}
	}
	return last, nil
}

func TestDispatchAlwaysReleasesModeAndLEDsOnError(t *testing.T) {
	fabric := newFakeFabric(nil) // no samples: Select times out
	fabric.leds[LEDA] = true
	fabric.leds[LEDC] = true
	timing := config.DefaultTimingConfig()
	timing.DefaultISO14aTimeoutTicks = 5

	c := NewCore(fabric, timing)
	_, err := c.Dispatch(context.Background(), Request{Reader: &ReaderRequest{}})
	assert.Error(t, err)
	assert.Equal(t, ModeOff, fabric.mode)
	for _, on := range fabric.leds {
		assert.False(t, on)
	}
}

func TestDispatchSniffSwallowsCancellationAndReturnsTrace(t *testing.T) {
	c := newTestCore(newFakeFabric(nil))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, err := c.Dispatch(ctx, Request{Sniff: &SniffRequest{}})
	assert.NoError(t, err)
	assert.Empty(t, resp.Trace)
}

func TestDispatchDarksideReturnsResult(t *testing.T) {
	uidFrag := []byte{0x04, 0x11, 0x22, 0x33}
	samples := buildDarksideRun(uidFrag, 0x08, 0xDEADBEEF, 0x0A)

	c := newTestCore(newFakeFabric(samples))
	resp, err := c.Dispatch(context.Background(), Request{Darkside: &DarksideRequest{FirstTry: true}})
	assert.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), resp.Darkside.AttackedNonce)
}
