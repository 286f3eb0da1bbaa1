package rfidcore

import "context"

// APDUSession wraps a selected card's raw transceive path with
// 14443-4 I-block framing and block-number toggling: spec.md §4.6's
// APDU path and Invariant 3 ("the PCB block number toggles exactly
// when an I-block or a positive R(ACK) is received whose low bit
// equals the current local block number").
type APDUSession struct {
	r           *ReaderSession
	blockNumber byte
}

// NewAPDUSession wraps r for I-block exchanges, starting at block
// number 0.
func NewAPDUSession(r *ReaderSession) *APDUSession { return &APDUSession{r: r} }

// BlockNumber returns the current local PCB block number (0 or 1).
func (a *APDUSession) BlockNumber() byte { return a.blockNumber }

// Transceive wraps payload in an I-block (PCB = 0x0A | blockNumber,
// CID = 0x00), appends CRC-A, transmits it, and returns the response
// body with its PCB/CID header and CRC stripped. The local block
// number toggles exactly when the response is an I-block or a
// positive R(ACK) carrying the same block number this request used.
func (a *APDUSession) Transceive(ctx context.Context, payload []byte) ([]byte, error) {
	pcb := byte(0x0A) | a.blockNumber
	req := append([]byte{pcb, 0x00}, payload...)
	req = AppendCRCA(req)
	if err := a.r.transmitFrame(ctx, req, false); err != nil {
		return nil, err
	}

	resp, err := a.r.receive(ctx)
	if err != nil {
		return nil, err
	}
	if len(resp.Data) < 4 || !CheckCRCA(resp.Data) {
		return nil, newErr(KindProtocolViolation, "malformed I-block response")
	}

	respPCB := resp.Data[0]
	isIBlock := respPCB&0xC0 == 0x00
	isRACK := respPCB&0xC0 == 0x80 && respPCB&0x10 == 0
	if (isIBlock || isRACK) && respPCB&1 == a.blockNumber {
		a.blockNumber ^= 1
	}

	return resp.Data[2 : len(resp.Data)-2], nil
}
