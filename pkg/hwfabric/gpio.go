package hwfabric

import (
	"fmt"

	"periph.io/x/conn/v3/analog"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/host/v3"

	"github.com/ddrummond/rfidcore/pkg/rfidcore"
)

// GPIOFabric wraps a SerialFabric and overrides its LED and
// field-strength legs with direct host GPIO/ADC access, the way
// wshat.go drives buttons through bcm283x pins instead of round
// tripping through the attached device. Every other Fabric method
// delegates to the serial transport, since sample streaming and
// symbol transmission stay on the wire.
type GPIOFabric struct {
	*SerialFabric
	leds     [4]gpio.PinIO
	fieldADC analog.PinADC
}

// LEDPins names the four host GPIO pins driving status LEDs A-D.
type LEDPins [4]gpio.PinIO

// WithHostGPIO wraps sf, driving LEDs directly through leds and
// reading field strength from fieldADC (if non-nil; otherwise
// FieldStrength falls back to SerialFabric's wire command). It calls
// host.Init to register the platform's GPIO drivers before driving
// the LED pins low.
func WithHostGPIO(sf *SerialFabric, leds LEDPins, fieldADC analog.PinADC) (*GPIOFabric, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("hwfabric: host.Init: %w", err)
	}
	for i, pin := range leds {
		if pin == nil {
			continue
		}
		if err := pin.Out(gpio.Low); err != nil {
			return nil, fmt.Errorf("hwfabric: configure LED pin %d: %w", i, err)
		}
	}
	return &GPIOFabric{SerialFabric: sf, leds: leds, fieldADC: fieldADC}, nil
}

// SetLED implements rfidcore.Fabric by driving the host pin directly
// when one was configured for led, falling back to the serial wire
// command otherwise.
func (f *GPIOFabric) SetLED(led rfidcore.LED, on bool) error {
	if int(led) >= len(f.leds) || f.leds[led] == nil {
		return f.SerialFabric.SetLED(led, on)
	}
	level := gpio.Low
	if on {
		level = gpio.High
	}
	return f.leds[led].Out(level)
}

// FieldStrength implements rfidcore.Fabric, normalizing the raw ADC
// reading against the pin's reference voltage when a host analog pin
// is configured; otherwise it defers to the wire protocol.
func (f *GPIOFabric) FieldStrength() (float64, error) {
	if f.fieldADC == nil {
		return f.SerialFabric.FieldStrength()
	}
	sample, err := f.fieldADC.Read()
	if err != nil {
		return 0, fmt.Errorf("hwfabric: field ADC read: %w", err)
	}
	_, high := f.fieldADC.Range()
	if high == 0 {
		return 0, nil
	}
	return float64(sample.Raw) / float64(high), nil
}
