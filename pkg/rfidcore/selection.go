package rfidcore

import "context"

// CardSelection is the outcome of a full REQA/WUPA → anticollision →
// SELECT → (RATS) run: spec.md §4.6.
type CardSelection struct {
	UID         []byte
	ATQA        [2]byte
	SAK         byte
	ATS         []byte // nil when SAK bit5 (14443-4 compliant) is clear
	Proprietary bool    // ATQA's low 5 bits were zero
}

// cascadeCommands is indexed by cascade level 0..2: SEL bytes 0x93,
// 0x95, 0x97.
var cascadeCommands = [3]byte{0x93, 0x95, 0x97}

// ReaderSession is a reader-mode client bound to one Transceiver: it
// implements spec.md §4.6's REQA/WUPA, anticollision, SELECT and RATS
// procedures, plus the I-block APDU path in apdu.go.
type ReaderSession struct {
	tx *Transceiver
}

// NewReaderSession returns a reader session driving tx.
func NewReaderSession(tx *Transceiver) *ReaderSession { return &ReaderSession{tx: tx} }

func (r *ReaderSession) transmitShort(ctx context.Context, data byte, nbits int) error {
	enc := NewReaderEncoder()
	symbols := enc.EncodeShortFrame(data, nbits)
	_, err := r.tx.ReaderTransmit(ctx, symbols, nil)
	return err
}

func (r *ReaderSession) transmitFrame(ctx context.Context, data []byte, skipParity bool) error {
	enc := NewReaderEncoder()
	symbols := enc.EncodeFrame(data, skipParity)
	_, err := r.tx.ReaderTransmit(ctx, symbols, nil)
	return err
}

func (r *ReaderSession) receive(ctx context.Context) (*Frame, error) {
	dec := NewManchesterDecoder()
	return r.tx.ReceiveFromTag(ctx, dec)
}

func (r *ReaderSession) shortRequest(ctx context.Context, cmd byte) ([2]byte, error) {
	if err := r.transmitShort(ctx, cmd, 7); err != nil {
		return [2]byte{}, err
	}
	frame, err := r.receive(ctx)
	if err != nil {
		return [2]byte{}, err
	}
	if len(frame.Data) < 2 {
		return [2]byte{}, newErr(KindProtocolViolation, "short ATQA response")
	}
	return [2]byte{frame.Data[0], frame.Data[1]}, nil
}

// RequestA sends REQA (0x26) and returns the tag's ATQA.
func (r *ReaderSession) RequestA(ctx context.Context) ([2]byte, error) {
	return r.shortRequest(ctx, 0x26)
}

// WakeupA sends WUPA (0x52) and returns the tag's ATQA — used before
// Select since WUPA, unlike REQA, also wakes a HALTed tag.
func (r *ReaderSession) WakeupA(ctx context.Context) ([2]byte, error) {
	return r.shortRequest(ctx, 0x52)
}

func unpackBitsLSB(data []byte, nbits int) []byte {
	bits := make([]byte, nbits)
	for i := 0; i < nbits; i++ {
		bits[i] = (data[i/8] >> uint(i%8)) & 1
	}
	return bits
}

func setBitAt(buf []byte, idx int, v byte) {
	byteIdx, bitIdx := idx/8, uint(idx%8)
	if v == 1 {
		buf[byteIdx] |= 1 << bitIdx
	} else {
		buf[byteIdx] &^= 1 << bitIdx
	}
}

// selectCascade runs one cascade level's SELECT_ALL / bitwise
// anticollision / final SELECT sequence (spec.md §4.6 step 2) and
// returns the 4-byte UID-or-CT fragment, its BCC, and the SAK.
func (r *ReaderSession) selectCascade(ctx context.Context, cascadeCmd byte) (frag [4]byte, bcc byte, sak byte, err error) {
	var known [5]byte // UID fragment (4) + BCC, filled progressively
	knownBits := 0

	for knownBits < 40 {
		nvb := byte((2+knownBits/8)<<4) | byte(knownBits%8)
		fullBytes := knownBits / 8
		partialBits := knownBits % 8

		bits := make([]byte, 0, 16+knownBits)
		for i := 0; i < 8; i++ {
			bits = append(bits, (cascadeCmd>>uint(i))&1)
		}
		for i := 0; i < 8; i++ {
			bits = append(bits, (nvb>>uint(i))&1)
		}
		for i := 0; i < fullBytes; i++ {
			for b := 0; b < 8; b++ {
				bits = append(bits, (known[i]>>uint(b))&1)
			}
		}
		for b := 0; b < partialBits; b++ {
			bits = append(bits, (known[fullBytes]>>uint(b))&1)
		}

		enc := NewReaderEncoder()
		symbols := enc.EncodeRawBits(bits)
		if _, err = r.tx.ReaderTransmit(ctx, symbols, nil); err != nil {
			return frag, 0, 0, err
		}

		dec := NewManchesterDecoderRaw()
		var respFrame *Frame
		respFrame, err = r.tx.ReceiveFromTag(ctx, dec)
		if err != nil {
			return frag, 0, 0, err
		}

		recvBits := unpackBitsLSB(respFrame.Data, respFrame.BitLength)
		if respFrame.CollisionPos != 0 {
			take := respFrame.CollisionPos - 1
			for i := 0; i < take; i++ {
				setBitAt(known[:], knownBits+i, recvBits[i])
			}
			setBitAt(known[:], knownBits+take, 1) // guess '1' at the colliding bit
			knownBits += take + 1
			continue
		}

		for i := range recvBits {
			setBitAt(known[:], knownBits+i, recvBits[i])
		}
		knownBits += len(recvBits)
	}

	selPayload := AppendCRCA(append([]byte{cascadeCmd, 0x70}, known[:]...))
	if err = r.transmitFrame(ctx, selPayload, false); err != nil {
		return frag, 0, 0, err
	}
	respFrame, err := r.receive(ctx)
	if err != nil {
		return frag, 0, 0, err
	}
	if len(respFrame.Data) < 1 {
		return frag, 0, 0, newErr(KindProtocolViolation, "short SAK response")
	}

	copy(frag[:], known[0:4])
	return frag, known[4], respFrame.Data[0], nil
}

// sendRATS sends RATS(FSD=256,CID=0) and returns the raw ATS bytes
// (CRC stripped).
func (r *ReaderSession) sendRATS(ctx context.Context) ([]byte, error) {
	payload := AppendCRCA([]byte{0xE0, 0x80}) // FSDI=8 (256 bytes), CID=0
	if err := r.transmitFrame(ctx, payload, false); err != nil {
		return nil, err
	}
	frame, err := r.receive(ctx)
	if err != nil {
		return nil, err
	}
	if len(frame.Data) < 3 || !CheckCRCA(frame.Data) {
		return nil, newErr(KindProtocolViolation, "malformed ATS")
	}
	return frame.Data[:len(frame.Data)-2], nil
}

// Select runs the complete REQA-less wakeup/anticollision/SELECT/RATS
// procedure of spec.md §4.6 and returns the resulting card identity.
func (r *ReaderSession) Select(ctx context.Context) (*CardSelection, error) {
	atqa, err := r.WakeupA(ctx)
	if err != nil {
		return nil, err
	}
	if atqa[0]&0x1F == 0 {
		return &CardSelection{ATQA: atqa, Proprietary: true}, nil
	}

	var uid []byte
	var sak byte
	for level := 0; level < 3; level++ {
		frag, _, s, err := r.selectCascade(ctx, cascadeCommands[level])
		if err != nil {
			return nil, err
		}
		sak = s
		if level < 2 && sak&0x04 != 0 {
			uid = append(uid, frag[1:]...) // strip the literal 0x88 cascade tag
			continue
		}
		uid = append(uid, frag[:]...)
		break
	}

	sel := &CardSelection{UID: uid, ATQA: atqa, SAK: sak}
	if sak&0x20 == 0 {
		return sel, nil
	}
	ats, err := r.sendRATS(ctx)
	if err != nil {
		return nil, err
	}
	sel.ATS = ats
	if fwt, ok := DeriveFrameWaitingTime(ats); ok {
		r.tx.SetTimeout(fwt)
	}
	return sel, nil
}
