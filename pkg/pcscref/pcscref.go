// Package pcscref is a conformance cross-check, not a core dependency:
// it asks a real PC/SC reader for the UID (GET DATA) and SAK (last
// ATR byte) of the card it selected, so a test harness can diff the
// software-decoded UID/SAK against ground truth from an actual reader
// chipset. ATS is not collected. Nothing in pkg/rfidcore imports this
// package.
//
//go:build pcsc

package pcscref

import (
	"fmt"

	"github.com/ebfe/scard"
)

// Connection wraps a PC/SC card connection, grounded on
// pkg/ntag424.Connection's pattern of lazily listing readers and
// connecting to one by index.
type Connection struct {
	ctx       *scard.Context
	card      *scard.Card
	Reader    string
	ReaderIdx int
}

// Connect establishes a PC/SC context and connects to the reader at
// readerIndex.
func Connect(readerIndex int) (*Connection, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("pcscref: EstablishContext: %w", err)
	}

	readers, err := ctx.ListReaders()
	if err != nil || len(readers) == 0 {
		ctx.Release()
		return nil, fmt.Errorf("pcscref: no readers found: %v", err)
	}
	if readerIndex < 0 || readerIndex >= len(readers) {
		ctx.Release()
		return nil, fmt.Errorf("pcscref: reader index out of range (0..%d)", len(readers)-1)
	}

	reader := readers[readerIndex]
	card, err := ctx.Connect(reader, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		ctx.Release()
		return nil, fmt.Errorf("pcscref: connect: %w", err)
	}

	return &Connection{ctx: ctx, card: card, Reader: reader, ReaderIdx: readerIndex}, nil
}

// Close disconnects the card and releases the PC/SC context.
func (c *Connection) Close() {
	if c == nil {
		return
	}
	if c.card != nil {
		_ = c.card.Disconnect(scard.LeaveCard)
	}
	if c.ctx != nil {
		_ = c.ctx.Release()
	}
}

// GroundTruth is what a real PC/SC reader reports for the card
// currently on c, shaped to compare directly against
// rfidcore.CardSelection's UID/SAK/ATS fields.
type GroundTruth struct {
	UID []byte
	SAK byte
	ATS []byte
}

// Status queries the attached card's UID via PC/SC's GET DATA command
// and takes SAK from the last byte of the card's ATR, so a caller can
// diff them against a software Select() run against the same physical
// card. It leaves ATS nil.
func (c *Connection) Status() (*GroundTruth, error) {
	// PC/SC exposes the UID through the PCSC "GET DATA" APDU
	// (FF CA 00 00 00), which every PC/SC-compliant reader firmware
	// implements regardless of the underlying contactless protocol.
	resp, err := c.card.Transmit([]byte{0xFF, 0xCA, 0x00, 0x00, 0x00})
	if err != nil {
		return nil, fmt.Errorf("pcscref: GET DATA: %w", err)
	}
	if len(resp) < 2 {
		return nil, fmt.Errorf("pcscref: short GET DATA response")
	}
	sw1, sw2 := resp[len(resp)-2], resp[len(resp)-1]
	if sw1 != 0x90 || sw2 != 0x00 {
		return nil, fmt.Errorf("pcscref: GET DATA status %02x%02x", sw1, sw2)
	}
	uid := append([]byte{}, resp[:len(resp)-2]...)

	status, err := c.card.Status()
	if err != nil {
		return nil, fmt.Errorf("pcscref: status: %w", err)
	}
	var sak byte
	if len(status.Atr) > 0 {
		sak = status.Atr[len(status.Atr)-1]
	}

	return &GroundTruth{UID: uid, SAK: sak}, nil
}

// Transmit sends a raw APDU to the card, for driving the reader
// through a RATS-equivalent exchange when cross-checking ATS.
func (c *Connection) Transmit(apdu []byte) ([]byte, error) {
	if c == nil || c.card == nil {
		return nil, fmt.Errorf("pcscref: connection not established")
	}
	return c.card.Transmit(apdu)
}
