package rfidcore

// The firmware this package reimplements shares a single big-buffer
// bump allocator between frame buffers, modulation buffers, the DMA
// ring and the trace log. Design Notes (spec.md §9) call for recasting
// that as four independent bounded arenas with an explicit
// reset-on-mode-entry contract instead: they may share an underlying
// byte pool, but never their semantics or their reset triggers.

// Arena is a fixed-capacity byte buffer with bump-pointer allocation
// and an explicit Reset. It never grows past its initial capacity;
// Alloc past capacity is a BUFFER_OVERRUN.
type Arena struct {
	buf    []byte
	offset int
}

// NewArena allocates an arena with the given capacity.
func NewArena(capacity int) *Arena {
	return &Arena{buf: make([]byte, capacity)}
}

// Reset rewinds the bump pointer to the start of the arena. Called on
// every mode entry per the Design Notes.
func (a *Arena) Reset() {
	a.offset = 0
}

// Alloc returns a zeroed slice of n bytes carved out of the arena, or
// a BUFFER_OVERRUN error if the arena has no room left.
func (a *Arena) Alloc(n int) ([]byte, error) {
	if a.offset+n > len(a.buf) {
		return nil, newErr(KindBufferOverrun, "arena exhausted")
	}
	s := a.buf[a.offset : a.offset+n]
	for i := range s {
		s[i] = 0
	}
	a.offset += n
	return s, nil
}

// Len reports bytes currently allocated from the arena.
func (a *Arena) Len() int { return a.offset }

// Cap reports the arena's fixed capacity.
func (a *Arena) Cap() int { return len(a.buf) }

// Default arena sizes, grounded in the firmware's own constants: the
// emulator's anticollision responses are precomputed into a 273-byte
// arena (§4.7), and application-layer replies build into a 512-byte
// dynamic buffer.
const (
	DefaultFrameArenaSize      = 256 + 2 // max frame + CRC
	DefaultAnticollisionArena  = 273
	DefaultModulationArenaSize = 512
	DefaultDMAArenaSize        = 8192
	DefaultTraceArenaSize      = 64 * 1024
)

// Arenas bundles the four independently-reset arenas a session owns.
type Arenas struct {
	Frame      *Arena
	Modulation *Arena
	DMA        *Arena
	Trace      *Arena
}

// NewArenas builds the four arenas at their default sizes.
func NewArenas() *Arenas {
	return &Arenas{
		Frame:      NewArena(DefaultFrameArenaSize),
		Modulation: NewArena(DefaultModulationArenaSize),
		DMA:        NewArena(DefaultDMAArenaSize),
		Trace:      NewArena(DefaultTraceArenaSize),
	}
}

// ResetForMode resets every arena. Called whenever the session changes
// major mode (reader/tag/sniffer/off).
func (a *Arenas) ResetForMode() {
	a.Frame.Reset()
	a.Modulation.Reset()
	a.DMA.Reset()
	a.Trace.Reset()
}
