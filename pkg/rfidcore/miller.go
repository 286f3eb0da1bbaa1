package rfidcore

// DecoderState is the coarse decoder state of spec.md §3: a decoder is
// always in exactly one of these three states.
type DecoderState int

const (
	StateUnsynced DecoderState = iota
	StateSyncing
	StateInFrame
)

// millerSymbol tracks which of the four Miller line symbols (plus the
// pseudo-symbol "start of communication") was assigned to the
// previous slot. This is the state that the sequence rules in
// spec.md §4.1 are expressed in terms of.
type millerSymbol int

const (
	symStateStart millerSymbol = iota
	symStateX
	symStateY
	symStateZ
)

// MillerDecoder demodulates a reader→tag (PCD→PICC) sample stream.
// One sample, as delivered by Fabric.ReadSample, represents one full
// bit period (eight 1/fc carrier ticks): its high nibble is nonzero
// iff the front-end detected a modulation pause in the first half of
// the period, its low nibble is nonzero iff it detected one in the
// second half. This is exactly the waveform the reader encoder in
// encode_reader.go produces, so a MillerDecoder fed an encoder's own
// output round-trips exactly.
type MillerDecoder struct {
	state DecoderState
	prev  millerSymbol

	// pending is set when the previous slot was a tentative
	// end-of-communication lead-in (a first-half-only slot seen right
	// after Start or X — see the Design Notes entry in DESIGN.md for
	// why this, rather than an unconditional error, is required to
	// make the empty-payload "Z Y" boundary case in spec.md §8 decode
	// correctly).
	pending     bool
	pendingFrom millerSymbol

	shiftReg       uint16
	bitCount       int
	parityAcc      byte
	parityBitCount int

	data   []byte
	parity []byte

	// rawMode disables 9-bit (8 data + parity) framing, for
	// anticollision SELECT/SELECT_ALL commands received while
	// emulating a tag, which carry no parity and may end mid-byte.
	rawMode   bool
	rawBits   []byte
	totalBits int

	startTime uint32
	curTime   uint32
}

// NewMillerDecoder returns a decoder ready to search for the start of
// a new frame.
func NewMillerDecoder() *MillerDecoder {
	return &MillerDecoder{state: StateUnsynced}
}

// NewMillerDecoderRaw returns a decoder that captures bits verbatim
// with no parity framing, for receiving anticollision SELECT /
// SELECT_ALL commands while emulating a tag (spec.md §4.7).
func NewMillerDecoderRaw() *MillerDecoder {
	return &MillerDecoder{state: StateUnsynced, rawMode: true}
}

// Active reports whether the decoder is mid-frame (used by the
// sniffer to arbitrate between the Miller and Manchester decoders
// sharing one sample stream, per spec.md §4.8).
func (d *MillerDecoder) Active() bool { return d.state == StateInFrame }

// Reset returns the decoder to StateUnsynced and discards any partial
// frame, without emitting a trace record.
func (d *MillerDecoder) Reset() {
	rawMode := d.rawMode
	*d = MillerDecoder{state: StateUnsynced, rawMode: rawMode}
}

func (d *MillerDecoder) appendBit(bit byte) {
	d.totalBits++
	if d.rawMode {
		d.rawBits = append(d.rawBits, bit)
		return
	}
	d.shiftReg |= uint16(bit) << uint(d.bitCount)
	d.bitCount++
	if d.bitCount != 9 {
		return
	}
	dataByte := byte(d.shiftReg & 0xFF)
	parityBit := byte((d.shiftReg >> 8) & 1)
	d.data = append(d.data, dataByte)
	d.parityAcc |= parityBit << uint(7-d.parityBitCount)
	d.parityBitCount++
	if d.parityBitCount == 8 {
		d.parity = append(d.parity, d.parityAcc)
		d.parityAcc = 0
		d.parityBitCount = 0
	}
	d.shiftReg = 0
	d.bitCount = 0
}

func (d *MillerDecoder) finalize(correction uint32) *Frame {
	var f *Frame
	if d.rawMode {
		f = &Frame{
			Data:      packBitsLSBGroups(d.rawBits),
			BitLength: d.totalBits,
			StartTime: d.startTime,
			EndTime:   d.curTime - correction,
		}
	} else {
		if d.parityBitCount > 0 {
			d.parity = append(d.parity, d.parityAcc)
		}
		f = &Frame{
			Data:      d.data,
			Parity:    d.parity,
			BitLength: 8*len(d.data) + d.bitCount,
			StartTime: d.startTime,
			EndTime:   d.curTime - correction,
		}
	}
	d.Reset()
	return f
}

// ProcessSample feeds one sample byte, observed at fabric tick tick,
// into the decoder. It returns a completed Frame once end-of-
// communication is detected; otherwise frame is nil. A non-nil error
// other than KindDecoderDesync should not occur; desync errors leave
// the decoder reset and ready to resync, matching spec.md §7's
// DECODER_DESYNC policy ("drop current frame, keep listening").
func (d *MillerDecoder) ProcessSample(sample byte, tick uint32) (frame *Frame, err error) {
	d.curTime = tick
	firstHalf := sample&0xF0 != 0
	secondHalf := sample&0x0F != 0

	switch d.state {
	case StateUnsynced, StateSyncing:
		if firstHalf && !secondHalf {
			// A first-half-only slot following idle silence is the
			// start-of-communication marker.
			d.state = StateInFrame
			d.startTime = tick
			d.prev = symStateStart
		}
		return nil, nil
	}

	if d.pending {
		d.pending = false
		if !firstHalf && !secondHalf {
			correction := uint32(0)
			if d.pendingFrom == symStateX {
				correction = 2
			}
			return d.finalize(correction), nil
		}
		d.Reset()
		return nil, newErr(KindDecoderDesync, "malformed end-of-communication sequence")
	}

	switch {
	case firstHalf && secondHalf:
		d.Reset()
		return nil, newErr(KindDecoderDesync, "modulation in both halves")
	case secondHalf && !firstHalf: // Sequence X: data '1'
		d.appendBit(1)
		d.prev = symStateX
	case firstHalf && !secondHalf: // Sequence Z-shaped slot
		if d.prev == symStateStart || d.prev == symStateX {
			d.pending = true
			d.pendingFrom = d.prev
			return nil, nil
		}
		d.appendBit(0)
		d.prev = symStateZ
	default: // no modulation
		if d.prev == symStateY || d.prev == symStateZ {
			correction := uint32(0)
			if d.prev == symStateZ {
				correction = 6
			}
			return d.finalize(correction), nil
		}
		d.appendBit(0)
		d.prev = symStateY
	}
	return nil, nil
}
