// Package hwfabric adapts a real, serial-attached logic fabric to
// rfidcore.Fabric. It is never imported by pkg/rfidcore: the protocol
// core only ever sees the Fabric interface, and a test fake can stand
// in for everything here.
package hwfabric

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/tarm/serial"
	"golang.org/x/sys/unix"

	"github.com/ddrummond/rfidcore/pkg/rfidcore"
)

// Wire command bytes exchanged with the attached fabric over the
// serial line. Each is a single header byte followed by a
// fixed-or-length-prefixed payload; the fabric acks every write with a
// single status byte (0x00 ok, non-zero errno-shaped).
const (
	cmdSetMode          = 0x01
	cmdReadSample       = 0x02 // response: 0x00 (none ready) | 0x01 <sample>
	cmdWriteSymbol      = 0x03
	cmdTransmitDrained  = 0x04 // response: 0x00 (not drained) | 0x01 (drained)
	cmdTicks            = 0x05 // response: 4 bytes little-endian
	cmdFieldStrength    = 0x06 // response: 4 bytes little-endian IEEE754 float32
	cmdSetLED           = 0x07
)

// SerialFabric drives an attached logic fabric over a tarm/serial
// connection using the wire commands above. One goroutine owns the
// port; all Fabric methods serialize through a mutex since the
// request/response protocol is not safe for concurrent use.
type SerialFabric struct {
	mu   sync.Mutex
	port *serial.Port
}

// Open opens dev at baud, puts the underlying tty into raw mode via a
// direct termios ioctl (the way Daedaluz-goserial's Port.MakeRaw does
// it, but using golang.org/x/sys/unix's termios helpers instead of a
// hand-rolled ioctl wrapper), and returns a SerialFabric ready to use.
func Open(dev string, baud int) (*SerialFabric, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name:        dev,
		Baud:        baud,
		ReadTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("hwfabric: open %s: %w", dev, err)
	}
	if err := makeRaw(dev); err != nil {
		port.Close()
		return nil, fmt.Errorf("hwfabric: raw mode %s: %w", dev, err)
	}
	return &SerialFabric{port: port}, nil
}

// makeRaw clears the usual cooked-mode termios flags on dev so the
// binary wire protocol isn't mangled by line-discipline processing.
func makeRaw(dev string) error {
	fd, err := unix.Open(dev, unix.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8
	return unix.IoctlSetTermios(fd, unix.TCSETS, t)
}

// Close releases the underlying port.
func (f *SerialFabric) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.port.Close()
}

func (f *SerialFabric) writeCmd(b []byte) error {
	if _, err := f.port.Write(b); err != nil {
		return err
	}
	status := make([]byte, 1)
	if _, err := f.port.Read(status); err != nil {
		return err
	}
	if status[0] != 0 {
		return fmt.Errorf("hwfabric: fabric nacked command 0x%02x: status 0x%02x", b[0], status[0])
	}
	return nil
}

// SetMode implements rfidcore.Fabric.
func (f *SerialFabric) SetMode(mode rfidcore.MajorMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeCmd([]byte{cmdSetMode, byte(mode)})
}

// ReadSample implements rfidcore.Fabric.
func (f *SerialFabric) ReadSample() (byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.port.Write([]byte{cmdReadSample}); err != nil {
		return 0, false, err
	}
	resp := make([]byte, 2)
	n, err := f.port.Read(resp)
	if err != nil {
		return 0, false, err
	}
	if n < 1 || resp[0] == 0 {
		return 0, false, nil
	}
	if n < 2 {
		return 0, false, fmt.Errorf("hwfabric: truncated sample response")
	}
	return resp[1], true, nil
}

// WriteSymbol implements rfidcore.Fabric.
func (f *SerialFabric) WriteSymbol(sym byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeCmd([]byte{cmdWriteSymbol, sym})
}

// TransmitDrained implements rfidcore.Fabric.
func (f *SerialFabric) TransmitDrained() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.port.Write([]byte{cmdTransmitDrained}); err != nil {
		return false, err
	}
	resp := make([]byte, 1)
	if _, err := f.port.Read(resp); err != nil {
		return false, err
	}
	return resp[0] == 1, nil
}

// Ticks implements rfidcore.Fabric.
func (f *SerialFabric) Ticks() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.port.Write([]byte{cmdTicks}); err != nil {
		return 0
	}
	resp := make([]byte, 4)
	if _, err := f.port.Read(resp); err != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(resp)
}

// FieldStrength implements rfidcore.Fabric by reading the fabric's own
// ADC sample over the wire; it is only used as a fallback when no
// periph.io-backed analog pin was configured via WithHostGPIO.
func (f *SerialFabric) FieldStrength() (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.port.Write([]byte{cmdFieldStrength}); err != nil {
		return 0, err
	}
	resp := make([]byte, 4)
	if _, err := f.port.Read(resp); err != nil {
		return 0, err
	}
	bits := binary.LittleEndian.Uint32(resp)
	return float64(math.Float32frombits(bits)), nil
}

// SetLED implements rfidcore.Fabric by round-tripping through the
// fabric's own status LEDs; GPIOFabric overrides this with direct
// periph.io pin control when host GPIO is available.
func (f *SerialFabric) SetLED(led rfidcore.LED, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var v byte
	if on {
		v = 1
	}
	return f.writeCmd([]byte{cmdSetLED, byte(led), v})
}
