package rfidcore

import (
	"context"
	"log/slog"

	"github.com/ddrummond/rfidcore/internal/config"
)

// TriggerRule selects when the sniffer starts logging, per spec.md
// §4.8: by default it logs from the first sample, but a rule can
// defer logging until a specific condition is observed (e.g. the
// first SELECT of a particular UID) to keep the trace arena from
// filling with uninteresting traffic before the interesting exchange
// begins.
type TriggerRule func(dir Direction, frame *Frame) bool

// TriggerAlways is the default TriggerRule: every frame is logged.
func TriggerAlways(Direction, *Frame) bool { return true }

// TriggerOnUID returns a TriggerRule that starts logging (and keeps
// logging from then on) once a reader->tag SELECT response frame
// carrying the given UID bytes anywhere in its payload is observed.
func TriggerOnUID(uid []byte) TriggerRule {
	armed := false
	return func(dir Direction, frame *Frame) bool {
		if armed {
			return true
		}
		if dir == DirReaderToTag && containsSubsequence(frame.Data, uid) {
			armed = true
		}
		return armed
	}
}

func containsSubsequence(hay, needle []byte) bool {
	if len(needle) == 0 || len(needle) > len(hay) {
		return false
	}
	for i := 0; i+len(needle) <= len(hay); i++ {
		if bytesEqual(hay[i:i+len(needle)], needle) {
			return true
		}
	}
	return false
}

// Sniffer passively arbitrates one sample stream between a
// MillerDecoder (reader->tag) and a ManchesterDecoder (tag->reader),
// per spec.md §4.8: each incoming sample is offered to whichever
// decoder is already Active(); if neither is, it's offered to whichever
// direction is due to speak next. Completed frames are
// timestamp-corrected for the sniffer's own pipeline delay and
// appended to the trace arena. After 2 seconds (in ticks) without a
// sample, the sniffer flushes any in-progress decoder state without
// emitting a partial frame.
type Sniffer struct {
	fabric Fabric
	timing config.TimingConfig
	poller SuspensionPoller

	miller     *MillerDecoder
	manchester *ManchesterDecoder

	trigger TriggerRule
	logger  *TraceLogger

	lastSampleTick uint32
	haveSample     bool

	// expect tracks whose turn it is to speak next. ISO 14443-A is
	// strictly half-duplex, but the packed sample alphabet this package
	// shares between Miller and Manchester means the lead-in sample of
	// either direction can satisfy the other decoder's sync condition
	// too; without a turn hint both would sync on the same sample and
	// the loser would shadow the winner with a spurious frame for the
	// rest of the exchange. Initialized to DirReaderToTag since a PICC
	// never transmits unsolicited.
	expect Direction

	slogger *slog.Logger
}

// IdleFlushTicks is spec.md §4.8's 2-second idle threshold, expressed
// in ticks at the nominal ~106kHz tick rate (fc/16 for fc=13.56MHz).
const IdleFlushTicks = 2 * 106000

// NewSniffer returns a sniffer reading from fabric, appending
// trigger-accepted frames to logger (backed by Arenas.Trace; a
// BUFFER_OVERRUN from the arena aborts Run, per spec.md §7).
// TriggerAlways is used if trigger is nil.
func NewSniffer(fabric Fabric, timing config.TimingConfig, logger *TraceLogger, trigger TriggerRule) *Sniffer {
	if trigger == nil {
		trigger = TriggerAlways
	}
	return &Sniffer{
		fabric:     fabric,
		timing:     timing,
		poller:     DefaultPoller,
		miller:     NewMillerDecoder(),
		manchester: NewManchesterDecoder(),
		trigger:    trigger,
		logger:     logger,
		expect:     DirReaderToTag,
		slogger:    slog.Default(),
	}
}

// SetPoller overrides the default context-only SuspensionPoller.
func (s *Sniffer) SetPoller(p SuspensionPoller) { s.poller = p }

// WithLogger overrides the sniffer's slog logger, for tests that want
// to capture trace output or silence it.
func (s *Sniffer) WithLogger(logger *slog.Logger) *Sniffer {
	s.slogger = logger
	return s
}

// Trace returns every TraceRecord logged so far.
func (s *Sniffer) Trace() ([]TraceRecord, error) { return s.logger.Records() }

// Run reads samples from the fabric until ctx is cancelled, dispatching
// each to the appropriate decoder(s) and appending completed,
// trigger-accepted frames to the trace.
func (s *Sniffer) Run(ctx context.Context) error {
	if err := s.fabric.SetMode(ModeSniffer); err != nil {
		return err
	}
	for {
		if err := s.poller.Poll(ctx); err != nil {
			return err
		}
		sample, ok, err := s.fabric.ReadSample()
		if err != nil {
			return err
		}
		if !ok {
			if s.haveSample && s.fabric.Ticks()-s.lastSampleTick >= IdleFlushTicks {
				s.flushIdle()
			}
			continue
		}
		tick := s.fabric.Ticks()
		s.lastSampleTick = tick
		s.haveSample = true
		if err := s.dispatch(sample, tick); err != nil {
			return err
		}
	}
}

// flushIdle resets both decoders without emitting a frame, matching
// spec.md §4.8's 2-second idle rule: a partially-received frame that
// goes quiet is abandoned, not force-completed.
func (s *Sniffer) flushIdle() {
	s.slogger.Debug("idle threshold reached, flushing decoder state")
	s.miller.Reset()
	s.manchester.Reset()
	s.haveSample = false
	// A stalled exchange always restarts with the reader.
	s.expect = DirReaderToTag
}

func (s *Sniffer) dispatch(sample byte, tick uint32) error {
	millerActive := s.miller.Active()
	manchesterActive := s.manchester.Active()

	if millerActive && manchesterActive {
		// Both mid-frame is impossible in valid ISO 14443-A traffic;
		// feed both anyway so each keeps making progress towards its
		// own completion or desync.
		if err := s.feedMiller(sample, tick); err != nil {
			return err
		}
		return s.feedManchester(sample, tick)
	}
	if millerActive {
		return s.feedMiller(sample, tick)
	}
	if manchesterActive {
		return s.feedManchester(sample, tick)
	}

	// Neither decoder is mid-frame: only the side expected to speak
	// next may open a new one on this sample, since a lead-in sample is
	// ambiguous between the two line codes on its own and only turn
	// order breaks the tie.
	if s.expect == DirReaderToTag {
		return s.feedMiller(sample, tick)
	}
	return s.feedManchester(sample, tick)
}

func (s *Sniffer) feedMiller(sample byte, tick uint32) error {
	frame, err := s.miller.ProcessSample(sample, tick)
	if err != nil {
		if IsKind(err, KindDecoderDesync) {
			return nil
		}
		return err
	}
	if frame == nil {
		return nil
	}
	frame.StartTime += s.timing.DelayReaderAir2ArmAsSnifferTicks
	frame.EndTime += s.timing.DelayReaderAir2ArmAsSnifferTicks
	return s.logFrame(DirReaderToTag, frame)
}

func (s *Sniffer) feedManchester(sample byte, tick uint32) error {
	frame, err := s.manchester.ProcessSample(sample, tick)
	if err != nil {
		if IsKind(err, KindDecoderDesync) {
			return nil
		}
		return err
	}
	if frame == nil {
		return nil
	}
	frame.StartTime += s.timing.DelayTagAir2ArmAsSnifferTicks
	frame.EndTime += s.timing.DelayTagAir2ArmAsSnifferTicks
	return s.logFrame(DirTagToReader, frame)
}

func (s *Sniffer) logFrame(dir Direction, frame *Frame) error {
	if dir == DirReaderToTag {
		s.expect = DirTagToReader
	} else {
		s.expect = DirReaderToTag
	}

	if !s.trigger(dir, frame) {
		s.slogger.Debug("frame suppressed by trigger rule", "dir", dir, "bit_length", frame.BitLength)
		return nil
	}
	s.slogger.Debug("frame appended to trace", "dir", dir, "bit_length", frame.BitLength, "start", frame.StartTime)
	return s.logger.Append(TraceRecord{
		Direction: dir,
		Start:     frame.StartTime,
		End:       frame.EndTime,
		Data:      frame.Data,
		Parity:    frame.Parity,
	})
}
