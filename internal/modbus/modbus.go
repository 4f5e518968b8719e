// Package modbus implements the subset of Modbus RTU the actuator
// controller speaks: coil and discrete input reads, holding register reads,
// single coil writes, and multi-register writes. It is deliberately not a
// general purpose client; the controller only ever answers these five
// functions.
package modbus

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/simrig-data/motion.rig/internal/serialport"
)

// Function codes used by the controller.
const (
	FuncReadCoils              = 0x01
	FuncReadDiscreteInputs     = 0x02
	FuncReadHoldingRegisters   = 0x03
	FuncWriteSingleCoil        = 0x05
	FuncWriteMultipleRegisters = 0x10
)

// exceptionFlag is set in the function code of an exception response.
const exceptionFlag = 0x80

// Coil write payload values per the Modbus spec.
const (
	coilOn  = 0xFF00
	coilOff = 0x0000
)

var (
	// ErrTimeout indicates the device did not answer within the response
	// timeout.
	ErrTimeout = errors.New("modbus: response timeout")

	// ErrCRC indicates a response failed its CRC check.
	ErrCRC = errors.New("modbus: CRC mismatch")
)

// ExceptionError is returned when the device answers with a Modbus
// exception response instead of data.
type ExceptionError struct {
	Function byte
	Code     byte
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus: exception %#02x from function %#02x", e.Code, e.Function)
}

// Transport frames requests and parses responses over a single serial port.
// The port is singly owned; the internal mutex only guards against a future
// caller multiplexing the transport across goroutines.
type Transport struct {
	mu       sync.Mutex
	port     serialport.Porter
	unitID   byte
	respWait time.Duration
}

// NewTransport creates a Transport addressing the given unit over port.
// A zero responseTimeout defaults to one second, matching the controller's
// worst observed turnaround at 38400 baud.
func NewTransport(port serialport.Porter, unitID byte, responseTimeout time.Duration) *Transport {
	if responseTimeout == 0 {
		responseTimeout = time.Second
	}
	return &Transport{
		port:     port,
		unitID:   unitID,
		respWait: responseTimeout,
	}
}

// ReadCoils reads quantity coils starting at address, typically to verify
// a coil write took effect.
func (t *Transport) ReadCoils(address uint16, quantity uint16) ([]bool, error) {
	req := t.buildRequest(FuncReadCoils, address, quantity, nil)

	byteCount := int(quantity+7) / 8
	resp, err := t.roundTrip(req, 3+byteCount+2)
	if err != nil {
		return nil, err
	}

	if int(resp[2]) != byteCount {
		return nil, fmt.Errorf("modbus: unexpected byte count %d, want %d", resp[2], byteCount)
	}

	bits := make([]bool, quantity)
	for i := range bits {
		bits[i] = resp[3+i/8]&(1<<(i%8)) != 0
	}
	return bits, nil
}

// ReadCoil reads a single coil.
func (t *Transport) ReadCoil(address uint16) (bool, error) {
	bits, err := t.ReadCoils(address, 1)
	if err != nil {
		return false, err
	}
	return bits[0], nil
}

// ReadDiscreteInputs reads quantity single-bit inputs starting at address.
func (t *Transport) ReadDiscreteInputs(address uint16, quantity uint16) ([]bool, error) {
	req := t.buildRequest(FuncReadDiscreteInputs, address, quantity, nil)

	byteCount := int(quantity+7) / 8
	resp, err := t.roundTrip(req, 3+byteCount+2)
	if err != nil {
		return nil, err
	}

	if int(resp[2]) != byteCount {
		return nil, fmt.Errorf("modbus: unexpected byte count %d, want %d", resp[2], byteCount)
	}

	bits := make([]bool, quantity)
	for i := range bits {
		bits[i] = resp[3+i/8]&(1<<(i%8)) != 0
	}
	return bits, nil
}

// ReadDiscreteInput reads a single discrete input.
func (t *Transport) ReadDiscreteInput(address uint16) (bool, error) {
	bits, err := t.ReadDiscreteInputs(address, 1)
	if err != nil {
		return false, err
	}
	return bits[0], nil
}

// ReadHoldingRegisters reads quantity 16-bit registers starting at address.
func (t *Transport) ReadHoldingRegisters(address uint16, quantity uint16) ([]uint16, error) {
	req := t.buildRequest(FuncReadHoldingRegisters, address, quantity, nil)

	byteCount := int(quantity) * 2
	resp, err := t.roundTrip(req, 3+byteCount+2)
	if err != nil {
		return nil, err
	}

	if int(resp[2]) != byteCount {
		return nil, fmt.Errorf("modbus: unexpected byte count %d, want %d", resp[2], byteCount)
	}

	regs := make([]uint16, quantity)
	for i := range regs {
		regs[i] = uint16(resp[3+2*i])<<8 | uint16(resp[4+2*i])
	}
	return regs, nil
}

// WriteSingleCoil writes one coil on or off.
func (t *Transport) WriteSingleCoil(address uint16, on bool) error {
	value := uint16(coilOff)
	if on {
		value = coilOn
	}
	req := t.buildRequest(FuncWriteSingleCoil, address, value, nil)

	// Response echoes the request: addr, fc, address, value, crc.
	resp, err := t.roundTrip(req, 8)
	if err != nil {
		return err
	}

	if got := uint16(resp[2])<<8 | uint16(resp[3]); got != address {
		return fmt.Errorf("modbus: coil write echoed address %#04x, want %#04x", got, address)
	}
	return nil
}

// WriteRegisters writes the given 16-bit values starting at address.
func (t *Transport) WriteRegisters(address uint16, values []uint16) error {
	payload := make([]byte, 1+2*len(values))
	payload[0] = byte(2 * len(values))
	for i, v := range values {
		payload[1+2*i] = byte(v >> 8)
		payload[2+2*i] = byte(v)
	}
	req := t.buildRequest(FuncWriteMultipleRegisters, address, uint16(len(values)), payload)

	// Response: addr, fc, start address, quantity, crc.
	resp, err := t.roundTrip(req, 8)
	if err != nil {
		return err
	}

	if got := uint16(resp[2])<<8 | uint16(resp[3]); got != address {
		return fmt.Errorf("modbus: register write echoed address %#04x, want %#04x", got, address)
	}
	return nil
}

// buildRequest assembles addr + fc + address + count/value [+ payload] + crc.
func (t *Transport) buildRequest(fc byte, address, countOrValue uint16, payload []byte) []byte {
	req := make([]byte, 0, 6+len(payload)+2)
	req = append(req,
		t.unitID,
		fc,
		byte(address>>8), byte(address),
		byte(countOrValue>>8), byte(countOrValue),
	)
	req = append(req, payload...)
	crc := CRC16(req)
	// CRC is transmitted low byte first.
	return append(req, byte(crc), byte(crc>>8))
}

// roundTrip writes the request and reads a response of the expected length,
// handling exception responses and CRC verification.
func (t *Transport) roundTrip(req []byte, respLen int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tp, ok := t.port.(serialport.TimeoutPorter); ok {
		if err := tp.SetReadTimeout(t.respWait); err != nil {
			return nil, fmt.Errorf("modbus: set read timeout: %w", err)
		}
	}

	if _, err := t.port.Write(req); err != nil {
		return nil, fmt.Errorf("modbus: write request: %w", err)
	}

	// Read the address and function bytes first so exception responses,
	// which are shorter than data responses, can be sized correctly.
	head := make([]byte, 2)
	if err := t.readFull(head); err != nil {
		return nil, err
	}

	if head[1]&exceptionFlag != 0 {
		rest := make([]byte, 3) // exception code + crc
		if err := t.readFull(rest); err != nil {
			return nil, err
		}
		full := append(head, rest...)
		if !crcOK(full) {
			return nil, ErrCRC
		}
		return nil, &ExceptionError{Function: head[1] &^ exceptionFlag, Code: rest[0]}
	}

	rest := make([]byte, respLen-2)
	if err := t.readFull(rest); err != nil {
		return nil, err
	}
	full := append(head, rest...)

	if full[0] != t.unitID {
		return nil, fmt.Errorf("modbus: response from unit %d, want %d", full[0], t.unitID)
	}
	if full[1] != req[1] {
		return nil, fmt.Errorf("modbus: response function %#02x, want %#02x", full[1], req[1])
	}
	if !crcOK(full) {
		return nil, ErrCRC
	}
	return full, nil
}

// readFull fills buf from the port, bounded by the response timeout. The
// serial layer reports an expired read timeout as a zero-byte read with a
// nil error, so io.ReadFull would retry it forever; this loop counts such
// reads against a deadline instead.
func (t *Transport) readFull(buf []byte) error {
	deadline := time.Now().Add(t.respWait)
	read := 0
	for read < len(buf) {
		n, err := t.port.Read(buf[read:])
		read += n
		if err != nil {
			if read == 0 && errors.Is(err, io.EOF) {
				return ErrTimeout
			}
			return fmt.Errorf("modbus: read response: %w", err)
		}
		if n == 0 && !time.Now().Before(deadline) {
			if read > 0 {
				return fmt.Errorf("modbus: %w after %d of %d bytes", ErrTimeout, read, len(buf))
			}
			return ErrTimeout
		}
	}
	return nil
}

// crcOK verifies the trailing CRC of a complete frame.
func crcOK(frame []byte) bool {
	if len(frame) < 3 {
		return false
	}
	body := frame[:len(frame)-2]
	crc := CRC16(body)
	return frame[len(frame)-2] == byte(crc) && frame[len(frame)-1] == byte(crc>>8)
}

// CRC16 computes the CRC-16/MODBUS checksum of data.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
