// Package serialport abstracts the serial link to the actuator controller.
// The abstraction enables unit testing the protocol layers without real
// hardware attached.
package serialport

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// Porter defines the minimal interface needed for a serial port.
type Porter interface {
	io.ReadWriter
	io.Closer
}

// TimeoutPorter extends Porter with read timeout control. Real ports
// implement it; the Modbus transport uses it to bound response waits.
type TimeoutPorter interface {
	Porter
	// SetReadTimeout sets the read timeout for the serial port.
	SetReadTimeout(timeout time.Duration) error
}

// Factory defines an interface for creating serial ports. This abstraction
// enables dependency injection of serial port creation.
type Factory interface {
	// Open opens a serial port at the specified path with the given options.
	Open(path string, opts Options) (Porter, error)
}

// Options describes the serial connection parameters used when opening a
// port. The fields mirror the actuator section of the configuration file so
// they can be passed through without additional translation.
type Options struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// DefaultOptions returns the connection parameters the LECP controller is
// fixed to: 38400 8N1.
func DefaultOptions() Options {
	return Options{
		BaudRate: 38400,
		DataBits: 8,
		StopBits: 1,
		Parity:   "N",
	}
}

// Normalize validates the options and applies defaults for any unset values.
func (o Options) Normalize() (Options, error) {
	opts := o

	if opts.BaudRate <= 0 {
		opts.BaudRate = 38400
	}

	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}

	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	parity := strings.TrimSpace(strings.ToUpper(opts.Parity))
	if parity == "" {
		parity = "N"
	}

	switch parity {
	case "N", "NONE":
		parity = "N"
	case "E", "EVEN":
		parity = "E"
	case "O", "ODD":
		parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}

	opts.Parity = parity
	return opts, nil
}

// Equal reports whether two Options describe the same serial configuration.
func (o Options) Equal(other Options) bool {
	normalizedA, errA := o.Normalize()
	normalizedB, errB := other.Normalize()
	if errA != nil || errB != nil {
		return false
	}

	return normalizedA.BaudRate == normalizedB.BaudRate &&
		normalizedA.DataBits == normalizedB.DataBits &&
		normalizedA.StopBits == normalizedB.StopBits &&
		normalizedA.Parity == normalizedB.Parity
}
