package rfidcore

// fakeFabric is an in-memory Fabric for exercising Transceiver,
// ReaderSession, APDUSession, Emulator, Sniffer, and DarksideDriver
// without real hardware. Ticks advances by one every time Ticks() is
// called, so the blocking wait loops in transceiver.go always make
// forward progress against a preloaded sample queue.
type fakeFabric struct {
	mode MajorMode

	tick uint32

	samples []byte // queued ReadSample return values, consumed in order
	written []byte // every WriteSymbol call, in order

	leds [4]bool

	fieldStrength float64
	modeErr       error
	writeErr      error
}

func newFakeFabric(samples []byte) *fakeFabric {
	return &fakeFabric{samples: samples, fieldStrength: 1.0}
}

func (f *fakeFabric) SetMode(mode MajorMode) error {
	if f.modeErr != nil {
		return f.modeErr
	}
	f.mode = mode
	return nil
}

func (f *fakeFabric) ReadSample() (byte, bool, error) {
	f.tick++
	if len(f.samples) == 0 {
		return 0, false, nil
	}
	s := f.samples[0]
	f.samples = f.samples[1:]
	return s, true, nil
}

func (f *fakeFabric) WriteSymbol(sym byte) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, sym)
	return nil
}

func (f *fakeFabric) TransmitDrained() (bool, error) { return true, nil }

func (f *fakeFabric) Ticks() uint32 {
	f.tick++
	return f.tick
}

func (f *fakeFabric) FieldStrength() (float64, error) { return f.fieldStrength, nil }

func (f *fakeFabric) SetLED(led LED, on bool) error {
	f.leds[led] = on
	return nil
}

// feedIdle prepends n idle (0x00) samples ahead of whatever is already
// queued, for Manchester's 2-sample pre-sync requirement.
func (f *fakeFabric) feedIdle(n int) {
	idle := make([]byte, n)
	f.samples = append(idle, f.samples...)
}
