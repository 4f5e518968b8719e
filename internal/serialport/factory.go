package serialport

import (
	"fmt"

	"go.bug.st/serial"
)

// RealFactory opens real serial ports via go.bug.st/serial.
type RealFactory struct{}

// Open opens a serial port at the given path using the provided options.
func (RealFactory) Open(path string, opts Options) (Porter, error) {
	mode, err := opts.serialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}

	return port, nil
}

// serialMode converts the options into the serial.Mode structure required by
// go.bug.st/serial when opening a port.
func (o Options) serialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
	}

	switch opts.StopBits {
	case 1:
		mode.StopBits = serial.OneStopBit
	case 2:
		mode.StopBits = serial.TwoStopBits
	}

	switch opts.Parity {
	case "N":
		mode.Parity = serial.NoParity
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	default:
		return nil, fmt.Errorf("unsupported parity %q", opts.Parity)
	}

	return mode, nil
}
