package rfidcore

import (
	"context"
	"log/slog"

	"github.com/ddrummond/rfidcore/internal/config"
)

// ReaderOption is one of the READER-mode flags of spec.md §6's host
// command surface.
type ReaderOption uint16

const (
	ReaderConnect ReaderOption = 1 << iota
	ReaderNoSelect
	ReaderAPDU
	ReaderRaw
	ReaderAppendCRC
	ReaderRequestTrigger
	ReaderSetTimeout
	ReaderNoDisconnect
	ReaderTopazMode
)

// SimulateFlags is one of the SIMULATE_MIFARE_1K flags of spec.md §6.
type SimulateFlags uint16

const (
	SimulateInteractive SimulateFlags = 1 << iota
	Simulate4BUID
	Simulate7BUID
	Simulate10BUID
	SimulateNrArAttack
	SimulateRandomNonce
)

// ReaderRequest drives reader mode: select a card, optionally send one
// raw/APDU payload, and report the resulting CardSelection plus any
// response bytes.
type ReaderRequest struct {
	Options ReaderOption
	Timeout uint32 // valid when Options&ReaderSetTimeout != 0
	Payload []byte // valid when Options&(ReaderAPDU|ReaderRaw) != 0
}

// SimulateMifare1KRequest drives MIFARE Classic 1K tag emulation.
type SimulateMifare1KRequest struct {
	Flags           SimulateFlags
	UID             []byte
	DefaultKeyA     uint64
	DefaultKeyB     uint64
	ExitAfterNReads int
	FixedNonce      *uint32
}

// SniffRequest drives the sniffer.
type SniffRequest struct {
	TriggerOnTagAnswer   bool // param bit0
	TriggerOnReaderFrame bool // param bit1
}

// DarksideRequest drives the darkside attack driver.
type DarksideRequest struct {
	FirstTry bool
}

// Request is the sum type of spec.md §9 Design Note #2: exactly one
// of the embedded pointers is non-nil, selecting which host command
// this Request carries.
type Request struct {
	Reader   *ReaderRequest
	Simulate *SimulateMifare1KRequest
	Sniff    *SniffRequest
	Darkside *DarksideRequest
}

// Response is the result of Dispatch: only the fields belonging to the
// handled Request variant are populated (reader mode can set both
// Selection and APDUReply).
type Response struct {
	Selection *CardSelection
	APDUReply []byte
	Trace     []TraceRecord
	Darkside  *DarksideResult
}

// Core bundles the long-lived resources one physical device owns: the
// fabric, its timing configuration, and the four bounded arenas.
// Dispatch resets the arenas for the mode it's about to enter, per
// spec.md §5's "big-buffer allocations reset on mode entry" rule.
type Core struct {
	Fabric Fabric
	Timing config.TimingConfig
	Arenas *Arenas
}

// NewCore builds a Core with default arena sizes.
func NewCore(fabric Fabric, timing config.TimingConfig) *Core {
	return &Core{Fabric: fabric, Timing: timing, Arenas: NewArenas()}
}

// Dispatch is the single match of spec.md §9 Design Note #2: it
// switches on which field of req is set and runs the corresponding
// mode to completion (or until ctx is cancelled), always restoring
// the fabric to ModeOff and clearing the LEDs before returning, per
// spec.md §5's guaranteed-release rule.
func (c *Core) Dispatch(ctx context.Context, req Request) (*Response, error) {
	defer c.releaseMode()

	switch {
	case req.Reader != nil:
		slog.Debug("dispatching READER mode", "options", req.Reader.Options)
		return c.dispatchReader(ctx, req.Reader)
	case req.Simulate != nil:
		slog.Debug("dispatching SIMULATE_MIFARE_1K mode", "flags", req.Simulate.Flags)
		return c.dispatchSimulate(ctx, req.Simulate)
	case req.Sniff != nil:
		slog.Debug("dispatching SNIFF mode")
		return c.dispatchSniff(ctx, req.Sniff)
	case req.Darkside != nil:
		slog.Debug("dispatching DARKSIDE mode", "first_try", req.Darkside.FirstTry)
		return c.dispatchDarkside(ctx, req.Darkside)
	default:
		return nil, newErr(KindProtocolViolation, "empty request")
	}
}

func (c *Core) releaseMode() {
	_ = c.Fabric.SetMode(ModeOff)
	for _, led := range []LED{LEDA, LEDB, LEDC, LEDD} {
		_ = c.Fabric.SetLED(led, false)
	}
}

func (c *Core) dispatchReader(ctx context.Context, req *ReaderRequest) (*Response, error) {
	c.Arenas.ResetForMode()
	if err := c.Fabric.SetMode(ModeReaderModulating); err != nil {
		return nil, err
	}
	tx := NewTransceiver(c.Fabric, c.Timing)
	if req.Options&ReaderSetTimeout != 0 {
		tx.SetTimeout(req.Timeout)
	}
	rs := NewReaderSession(tx)

	resp := &Response{}
	if req.Options&ReaderNoSelect == 0 {
		sel, err := rs.Select(ctx)
		if err != nil {
			return nil, err
		}
		resp.Selection = sel
	}

	if req.Options&(ReaderAPDU|ReaderRaw) != 0 && len(req.Payload) > 0 {
		if req.Options&ReaderAPDU != 0 {
			apdu := NewAPDUSession(rs)
			reply, err := apdu.Transceive(ctx, req.Payload)
			if err != nil {
				return nil, err
			}
			resp.APDUReply = reply
		} else {
			payload := req.Payload
			if req.Options&ReaderAppendCRC != 0 {
				payload = AppendCRCA(payload)
			}
			if err := rs.transmitFrame(ctx, payload, false); err != nil {
				return nil, err
			}
			frame, err := rs.receive(ctx)
			if err != nil {
				return nil, err
			}
			resp.APDUReply = frame.Data
		}
	}
	return resp, nil
}

func (c *Core) dispatchSimulate(ctx context.Context, req *SimulateMifare1KRequest) (*Response, error) {
	c.Arenas.ResetForMode()
	if err := c.Fabric.SetMode(ModeTagListening); err != nil {
		return nil, err
	}
	tx := NewTransceiver(c.Fabric, c.Timing)

	var collector *NonceCollector
	if req.Flags&SimulateNrArAttack != 0 {
		collector = NewNonceCollector()
	}

	cfg := EmulatorConfig{
		UID:             req.UID,
		ATQA:            defaultATQAForUID(req.UID),
		SAKIntermediate: 0x04,
		SAKFinal:        0x08,
		DefaultKeyA:     req.DefaultKeyA,
		DefaultKeyB:     req.DefaultKeyB,
		FixedNonce:      req.FixedNonce,
		NrArAttack:      req.Flags&SimulateNrArAttack != 0,
		RandomNonceMode: req.Flags&SimulateRandomNonce != 0,
		ExitAfterNReads: req.ExitAfterNReads,
	}
	emu := NewEmulator(cfg, tx, c.Fabric, collector)
	if err := emu.Run(ctx); err != nil {
		return nil, err
	}
	return &Response{}, nil
}

func defaultATQAForUID(uid []byte) [2]byte {
	switch len(uid) {
	case 7:
		return [2]byte{0x44, 0x00}
	case 10:
		return [2]byte{0x84, 0x00}
	default:
		return [2]byte{0x04, 0x00}
	}
}

func (c *Core) dispatchSniff(ctx context.Context, req *SniffRequest) (*Response, error) {
	c.Arenas.ResetForMode()
	logger := NewTraceLogger(c.Arenas.Trace)

	var trigger TriggerRule
	switch {
	case req.TriggerOnTagAnswer:
		trigger = func(dir Direction, f *Frame) bool { return dir == DirTagToReader }
	case req.TriggerOnReaderFrame:
		trigger = func(dir Direction, f *Frame) bool { return dir == DirReaderToTag && f.BitLength == 7 }
	default:
		trigger = TriggerAlways
	}

	sniffer := NewSniffer(c.Fabric, c.Timing, logger, trigger)
	if err := sniffer.Run(ctx); err != nil {
		if !IsButtonCancel(err) {
			return nil, err
		}
	}
	trace, err := sniffer.Trace()
	if err != nil {
		return nil, err
	}
	return &Response{Trace: trace}, nil
}

func (c *Core) dispatchDarkside(ctx context.Context, req *DarksideRequest) (*Response, error) {
	c.Arenas.ResetForMode()
	if err := c.Fabric.SetMode(ModeReaderModulating); err != nil {
		return nil, err
	}
	tx := NewTransceiver(c.Fabric, c.Timing)
	rs := NewReaderSession(tx)
	driver := NewDarksideDriver(rs, req.FirstTry)
	result, err := driver.Run(ctx)
	if err != nil {
		return nil, err
	}
	return &Response{Darkside: result}, nil
}
