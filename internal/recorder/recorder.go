// Package recorder captures raw telemetry datagrams to a file and reads
// them back for replay. The format is a single JSON header line followed
// by binary records: 8-byte receive timestamp (unix nanoseconds), 4-byte
// payload length, payload bytes, all big-endian.
package recorder

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/simrig-data/motion.rig/internal/monitoring"
)

const (
	captureMagic   = "rigcap"
	captureVersion = 1

	// maxRecordSize rejects corrupt length prefixes on read.
	maxRecordSize = 64 * 1024
)

// Header identifies a capture file and the session it came from.
type Header struct {
	Magic     string    `json:"magic"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	// Source describes where the packets came from, typically the UDP
	// listen address.
	Source string `json:"source,omitempty"`
}

// Record is one captured datagram.
type Record struct {
	Received time.Time
	Data     []byte
}

// Writer appends captured packets to a file. It implements the telemetry
// listener's raw packet handler, so it can be wired straight into the
// receive path. Safe for use from the listener goroutine plus a closer.
type Writer struct {
	mu      sync.Mutex
	file    *os.File
	buf     *bufio.Writer
	packets uint64
	closed  bool
}

// NewWriter creates a capture file at path, truncating any existing file,
// and writes the header.
func NewWriter(path, source string) (*Writer, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create capture file: %w", err)
	}

	buf := bufio.NewWriter(file)
	header, err := json.Marshal(Header{
		Magic:     captureMagic,
		Version:   captureVersion,
		CreatedAt: time.Now().UTC(),
		Source:    source,
	})
	if err != nil {
		file.Close()
		return nil, err
	}
	header = append(header, '\n')
	if _, err := buf.Write(header); err != nil {
		file.Close()
		return nil, fmt.Errorf("write capture header: %w", err)
	}

	return &Writer{file: file, buf: buf}, nil
}

// HandlePacket appends one datagram. Write failures are logged and
// swallowed; capture must never take down the receive path.
func (w *Writer) HandlePacket(data []byte, received time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}

	var prefix [12]byte
	binary.BigEndian.PutUint64(prefix[0:], uint64(received.UnixNano()))
	binary.BigEndian.PutUint32(prefix[8:], uint32(len(data)))

	if _, err := w.buf.Write(prefix[:]); err != nil {
		monitoring.Logf("recorder: write failed: %v", err)
		return
	}
	if _, err := w.buf.Write(data); err != nil {
		monitoring.Logf("recorder: write failed: %v", err)
		return
	}
	w.packets++
}

// Packets returns the number of records written so far.
func (w *Writer) Packets() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.packets
}

// Close flushes and closes the capture file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.buf.Flush(); err != nil {
		w.file.Close()
		return fmt.Errorf("flush capture file: %w", err)
	}
	return w.file.Close()
}

// Reader iterates over a capture file.
type Reader struct {
	file   *os.File
	buf    *bufio.Reader
	header Header
}

// OpenReader opens a capture file and validates its header.
func OpenReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture file: %w", err)
	}

	buf := bufio.NewReader(file)
	line, err := buf.ReadBytes('\n')
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("read capture header: %w", err)
	}

	var header Header
	if err := json.Unmarshal(line, &header); err != nil {
		file.Close()
		return nil, fmt.Errorf("parse capture header: %w", err)
	}
	if header.Magic != captureMagic {
		file.Close()
		return nil, fmt.Errorf("not a capture file (magic %q)", header.Magic)
	}
	if header.Version != captureVersion {
		file.Close()
		return nil, fmt.Errorf("unsupported capture version %d", header.Version)
	}

	return &Reader{file: file, buf: buf, header: header}, nil
}

// Header returns the capture file header.
func (r *Reader) Header() Header { return r.header }

// Next returns the next record, or io.EOF at the end of the file.
func (r *Reader) Next() (*Record, error) {
	var prefix [12]byte
	if _, err := io.ReadFull(r.buf, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read record prefix: %w", err)
	}

	nanos := int64(binary.BigEndian.Uint64(prefix[0:]))
	size := binary.BigEndian.Uint32(prefix[8:])
	if size > maxRecordSize {
		return nil, fmt.Errorf("record size %d exceeds limit", size)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r.buf, data); err != nil {
		return nil, fmt.Errorf("read record payload: %w", err)
	}

	return &Record{Received: time.Unix(0, nanos), Data: data}, nil
}

// Close closes the capture file.
func (r *Reader) Close() error {
	return r.file.Close()
}
