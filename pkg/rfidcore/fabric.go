package rfidcore

import "context"

// MajorMode selects the logic fabric's overall operating mode.
type MajorMode uint8

const (
	ModeOff MajorMode = iota
	ModeReaderModulating
	ModeReaderListening
	ModeTagListening
	ModeTagModulating
	ModeSniffer
)

// LED identifies one of the four advisory status LEDs.
type LED uint8

const (
	LEDA LED = iota
	LEDB
	LEDC
	LEDD
)

// Fabric is everything the protocol core needs from the radio
// front-end. A real implementation drives an FPGA/SDR front-end over
// some transport (see pkg/hwfabric); tests use an in-memory fake.
type Fabric interface {
	// SetMode switches the logic fabric's major mode. Implementations
	// must make this synchronous: by the time SetMode returns, the
	// fabric is ready to transmit/receive in the new mode.
	SetMode(mode MajorMode) error

	// ReadSample attempts to read one 8-bit sample byte, representing
	// eight 1/fc carrier ticks of demodulated signal. It returns
	// ok == false (without blocking) if no sample is ready yet.
	ReadSample() (sample byte, ok bool, err error)

	// WriteSymbol queues one symbol byte (one of symD/E/F/X/Y/Z) for
	// transmission over one half-bit period. Implementations must be
	// non-blocking; the caller polls TransmitDrained before switching
	// the fabric back to listen.
	WriteSymbol(sym byte) error

	// TransmitDrained reports whether the fabric's transmit queue has
	// been fully sent to the air.
	TransmitDrained() (bool, error)

	// Ticks returns the current value of the free-running subcarrier
	// tick counter (~fc/16).
	Ticks() uint32

	// FieldStrength returns a normalized 0..1 reading of the antenna
	// field-strength ADC channel, averaged by the implementation the
	// way the emulator needs it averaged (32 samples, per §4.7).
	FieldStrength() (float64, error)

	// SetLED sets the advisory state of one status LED. Errors are
	// never fatal to the caller; LEDs are advisory only.
	SetLED(led LED, on bool) error
}

// SuspensionPoller is satisfied by any loop that needs to honor
// cooperative cancellation at its suspension points (spec.md §5): a
// button-check and a watchdog kick consulted between samples, between
// symbol writes, and while busy-waiting on the tick counter.
type SuspensionPoller interface {
	// Poll returns a non-nil error (a KindButtonCancel *CoreError, so
	// IsButtonCancel reports true) if the caller should return
	// immediately without completing the frame/operation in progress.
	Poll(ctx context.Context) error
}

// ctxPoller is the default SuspensionPoller: cooperative cancellation
// driven purely by ctx.Done().
type ctxPoller struct{}

func (ctxPoller) Poll(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return wrapErr(KindButtonCancel, ctx.Err())
	default:
		return nil
	}
}

// DefaultPoller is the SuspensionPoller used when a Transceiver or
// Sniffer is not given a more specific one via SetPoller (e.g. one that also checks a watchdog
// register on real hardware).
var DefaultPoller SuspensionPoller = ctxPoller{}
