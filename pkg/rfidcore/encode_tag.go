package rfidcore

// TagEncoder frames tag bytes into a Manchester symbol sequence
// {D, E, F} per spec.md §4.4. Unlike the reader encoder, tag symbol
// assignment needs no history: '1' is always D, '0' is always E.
type TagEncoder struct {
	symbols []byte
}

// NewTagEncoder returns an encoder ready to frame a new tag response.
func NewTagEncoder() *TagEncoder { return &TagEncoder{} }

func (e *TagEncoder) emit(sym byte) { e.symbols = append(e.symbols, sym) }

func (e *TagEncoder) encodeBit(bit byte) {
	if bit == 1 {
		e.emit(symD)
	} else {
		e.emit(symE)
	}
}

// EncodeFrame appends data's bits, with one odd-parity bit after
// every 8 data bits unless skipParity is set, and terminates with
// Sequence F. It returns the full symbol sequence.
func (e *TagEncoder) EncodeFrame(data []byte, skipParity bool) []byte {
	for _, b := range data {
		for i := 0; i < 8; i++ {
			e.encodeBit((b >> uint(i)) & 1)
		}
		if !skipParity {
			e.encodeBit(oddParity8(b))
		}
	}
	e.emit(symF)
	return e.symbols
}

// EncodeShortResponse encodes a 4-bit ACK/NACK response (spec.md
// §4.4's "4-bit variant exists for NACK/ACK"), no parity, terminated
// with Sequence F.
func (e *TagEncoder) EncodeShortResponse(nibble byte) []byte {
	for i := 0; i < 4; i++ {
		e.encodeBit((nibble >> uint(i)) & 1)
	}
	e.emit(symF)
	return e.symbols
}

// CorrectionPrefix returns the eight stuff-bits (the last being '1')
// prefixed ahead of a tag response for the "correction bit" timing
// alignment described in spec.md §3/§4.4: it lets the transmitter
// align to either of the two legal frame delay times (1172 or 1236
// carrier cycles). It carries no data and is consumed by the timed
// transceiver, never by ManchesterDecoder.
func CorrectionPrefix() []byte {
	prefix := make([]byte, 8)
	for i := 0; i < 7; i++ {
		prefix[i] = symE
	}
	prefix[7] = symD
	return prefix
}

// LastProxToAirDuration returns the airtime of the most recently
// encoded frame in half-ticks, matching the reader encoder's
// accounting: 8 half-ticks per symbol.
func (e *TagEncoder) LastProxToAirDuration() uint32 {
	return uint32(8 * len(e.symbols))
}
