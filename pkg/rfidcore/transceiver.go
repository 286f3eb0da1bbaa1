package rfidcore

import (
	"context"

	"github.com/ddrummond/rfidcore/internal/config"
)

// Transceiver is the single exclusive resource that schedules
// transmissions on the subcarrier clock and measures tag response
// times, per spec.md §4.5. It owns NextTransferTime and
// LastTimeProxToAirStart — the two pieces of mutable timing state the
// original firmware kept as process globals — as fields instead, so a
// caller can run more than one Transceiver side by side.
type Transceiver struct {
	fabric Fabric
	timing config.TimingConfig
	poller SuspensionPoller

	nextTransferTime   uint32
	lastProxToAirStart uint32
	iso14aTimeout      uint32
}

// NewTransceiver builds a Transceiver bound to fabric, using timing
// for its guard/FDT/delay constants.
func NewTransceiver(fabric Fabric, timing config.TimingConfig) *Transceiver {
	return &Transceiver{
		fabric:        fabric,
		timing:        timing,
		poller:        DefaultPoller,
		iso14aTimeout: timing.DefaultISO14aTimeoutTicks,
	}
}

// SetPoller overrides the default context-only SuspensionPoller, e.g.
// with one that also checks a hardware watchdog register.
func (t *Transceiver) SetPoller(p SuspensionPoller) { t.poller = p }

// SetTimeout installs a new frame-waiting timeout, in ticks.
func (t *Transceiver) SetTimeout(ticks uint32) { t.iso14aTimeout = ticks }

// Timeout returns the current frame-waiting timeout, in ticks.
func (t *Transceiver) Timeout() uint32 { return t.iso14aTimeout }

func roundUp8(v uint32) uint32 { return (v + 7) &^ 7 }

func (t *Transceiver) poll(ctx context.Context) error { return t.poller.Poll(ctx) }

func (t *Transceiver) waitUntil(ctx context.Context, target uint32) error {
	for t.fabric.Ticks() < target {
		if err := t.poll(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transceiver) writeSymbols(ctx context.Context, symbols []byte) error {
	for _, sym := range symbols {
		if err := t.poll(ctx); err != nil {
			return err
		}
		if err := t.fabric.WriteSymbol(sym); err != nil {
			return err
		}
	}
	for {
		drained, err := t.fabric.TransmitDrained()
		if err != nil {
			return err
		}
		if drained {
			return nil
		}
		if err := t.poll(ctx); err != nil {
			return err
		}
	}
}

func (t *Transceiver) scheduleDefaultStart() uint32 {
	now := t.fabric.Ticks()
	start := t.nextTransferTime
	if now+8 > start {
		start = now + 8
	}
	start = roundUp8(start)
	if floor := t.lastProxToAirStart + t.timing.RequestGuardTicks; floor > start {
		start = roundUp8(floor)
	}
	return start
}

// ReaderTransmit implements the reader-mode transmit contract of
// spec.md §4.5. startHint follows the *timing pointer semantics of
// the original firmware: nil schedules automatically, a pointed-to
// zero means "transmit immediately and report when", and any other
// pointed-to value is an absolute tick to wait for (with any
// remainder mod 8 absorbed into the symbol stream via
// PrepareDelayedTransfer). On return, if startHint is non-nil it is
// set to the actual start time.
func (t *Transceiver) ReaderTransmit(ctx context.Context, symbols []byte, startHint *uint32) (uint32, error) {
	var start uint32
	toSend := symbols

	switch {
	case startHint == nil:
		start = t.scheduleDefaultStart()
		if err := t.waitUntil(ctx, start); err != nil {
			return 0, err
		}
	case *startHint == 0:
		start = t.fabric.Ticks()
	default:
		base := *startHint
		shift := uint(base % 8)
		toSend = PrepareDelayedTransfer(symbols, shift)
		start = base - uint32(shift)
		if err := t.waitUntil(ctx, start); err != nil {
			return 0, err
		}
	}

	if err := t.writeSymbols(ctx, toSend); err != nil {
		return 0, err
	}
	t.lastProxToAirStart = start
	if floor := start + t.timing.RequestGuardTicks; floor > t.nextTransferTime {
		t.nextTransferTime = floor
	}
	if startHint != nil {
		*startHint = start
	}
	return start, nil
}

// ReceiveFromTag waits for a Manchester end-of-frame from dec, or
// returns a KindTimeout error once iso14a_timeout elapses while dec
// is still unsynced. On success it advances NextTransferTime per
// spec.md §4.5's tag-receive formula.
func (t *Transceiver) ReceiveFromTag(ctx context.Context, dec *ManchesterDecoder) (*Frame, error) {
	deadline := t.fabric.Ticks() + t.iso14aTimeout
	for {
		if err := t.poll(ctx); err != nil {
			return nil, err
		}
		sample, ok, err := t.fabric.ReadSample()
		if err != nil {
			return nil, err
		}
		if !ok {
			if !dec.Active() && t.fabric.Ticks() > deadline {
				return nil, newErr(KindTimeout, "no tag response")
			}
			continue
		}
		tick := t.fabric.Ticks()
		frame, err := dec.ProcessSample(sample, tick)
		if err != nil {
			return nil, err
		}
		if frame == nil {
			continue
		}
		delay := (t.timing.AirToArmAsReaderTicks + t.timing.ArmToAirAsReaderTicks) / 16
		floor := frame.EndTime - delay + t.timing.FrameDelayPICCToPCDTicks
		if floor > t.nextTransferTime {
			t.nextTransferTime = floor
		}
		return frame, nil
	}
}

// ReceiveFromReader waits for a Miller end-of-frame from dec, or
// returns a KindTimeout error once iso14a_timeout elapses while dec is
// still unsynced. Used while emulating a tag.
func (t *Transceiver) ReceiveFromReader(ctx context.Context, dec *MillerDecoder) (*Frame, error) {
	deadline := t.fabric.Ticks() + t.iso14aTimeout
	for {
		if err := t.poll(ctx); err != nil {
			return nil, err
		}
		sample, ok, err := t.fabric.ReadSample()
		if err != nil {
			return nil, err
		}
		if !ok {
			if !dec.Active() && t.fabric.Ticks() > deadline {
				return nil, newErr(KindTimeout, "no reader frame")
			}
			continue
		}
		tick := t.fabric.Ticks()
		frame, err := dec.ProcessSample(sample, tick)
		if err != nil {
			return nil, err
		}
		if frame != nil {
			return frame, nil
		}
	}
}

// frameDelayWindow returns the smallest n*128+offset (offset is 84 for
// the "wide", 1236-cycle slot, 20 for the narrow 1172-cycle slot) that
// is at least minTicks, per spec.md §4.5's tag-emulation transmit
// contract.
func frameDelayWindow(minTicks uint32, wide bool) uint32 {
	offset := uint32(20)
	if wide {
		offset = 84
	}
	var n uint32
	for 128*n+offset < minTicks {
		n++
	}
	return 128*n + offset
}

// TagTransmit implements the tag-emulation transmit contract of
// spec.md §4.5: it aligns the response to the reader's exact frame-
// delay window after readerLastBitTick, injecting the eight-stuff-bit
// correction prefix when wideSlot selects the 1236-cycle window, and
// blocks until the fabric's transmit queue has fully drained before
// returning (so the caller can switch the fabric back to listen).
func (t *Transceiver) TagTransmit(ctx context.Context, readerLastBitTick uint32, symbols []byte, wideSlot bool) (uint32, error) {
	window := frameDelayWindow(t.timing.FrameDelayPICCToPCDTicks, wideSlot)
	start := readerLastBitTick + window

	toSend := symbols
	if wideSlot {
		toSend = append(CorrectionPrefix(), symbols...)
	}

	if err := t.waitUntil(ctx, start); err != nil {
		return 0, err
	}
	if err := t.writeSymbols(ctx, toSend); err != nil {
		return 0, err
	}
	return start, nil
}

// DeriveFrameWaitingTime parses ATS byte TB(1)'s FWI nibble into a
// frame-waiting-time in ticks, exactly matching
// original_source/armsrc/iso14443a.c's iso14a_set_ATS_timeout: TB(1)
// is only present when the ATS has a format byte T0 (ats[0] > 1) and
// T0 declares an interface byte TB(1) (bit 0x20), optionally preceded
// by TA(1) (bit 0x10). Returns ok=false when ATS carries no FWI.
func DeriveFrameWaitingTime(ats []byte) (ticks uint32, ok bool) {
	if len(ats) < 2 || ats[0] <= 1 {
		return 0, false
	}
	if ats[1]&0x20 == 0 {
		return 0, false
	}
	idx := 2
	if ats[1]&0x10 != 0 {
		idx = 3
	}
	if idx >= len(ats) {
		return 0, false
	}
	tb1 := ats[idx]
	fwi := (tb1 >> 4) & 0x0F
	fwt := uint32(256) * 16 * (uint32(1) << fwi)
	return fwt / (8 * 16), true
}
