package telemetry

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/simrig-data/motion.rig/internal/monitoring"
)

// FrameHandler receives each decoded motion frame. Handlers run on the
// listener goroutine and must not block.
type FrameHandler interface {
	HandleFrame(frame *Frame)
}

// RawPacketHandler optionally receives every raw datagram before decoding
// (used by the capture recorder).
type RawPacketHandler interface {
	HandlePacket(data []byte, received time.Time)
}

// ListenerStats counts receive outcomes.
type ListenerStats struct {
	PacketsReceived uint64
	BytesReceived   uint64
	ReadErrors      uint64
}

// ListenerConfig contains configuration options for the UDP listener.
type ListenerConfig struct {
	Address     string
	RcvBuf      int
	LogInterval time.Duration
	Handler     FrameHandler
	RawHandler  RawPacketHandler
}

// Listener receives game telemetry datagrams and dispatches decoded frames.
type Listener struct {
	address     string
	rcvBuf      int
	logInterval time.Duration
	handler     FrameHandler
	rawHandler  RawPacketHandler
	parser      *Parser
	stats       ListenerStats
}

// NewListener creates a Listener with the provided configuration.
func NewListener(config ListenerConfig) *Listener {
	logInterval := config.LogInterval
	if logInterval == 0 {
		logInterval = time.Minute
	}
	rcvBuf := config.RcvBuf
	if rcvBuf == 0 {
		rcvBuf = 1 << 20
	}

	return &Listener{
		address:     config.Address,
		rcvBuf:      rcvBuf,
		logInterval: logInterval,
		handler:     config.Handler,
		rawHandler:  config.RawHandler,
		parser:      NewParser(),
	}
}

// Stats returns a copy of the receive counters.
func (l *Listener) Stats() ListenerStats { return l.stats }

// ParserStats returns a copy of the decode counters.
func (l *Listener) ParserStats() ParserStats { return l.parser.Stats() }

// Start begins listening for UDP packets and dispatching frames. It blocks
// until the context is cancelled or the socket fails to open.
func (l *Listener) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	defer conn.Close()

	if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
		monitoring.Logf("telemetry: failed to set UDP receive buffer to %d: %v", l.rcvBuf, err)
	}

	monitoring.Logf("telemetry: listening on %s with receive buffer %d bytes", l.address, l.rcvBuf)

	go l.startStatsLogging(ctx)

	// Motion packets are 1349 bytes; leave margin for other packet types.
	buffer := make([]byte, 2048)

	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("telemetry: listener stopping")
			return ctx.Err()
		default:
			// Short read deadline so context cancellation is noticed
			// promptly.
			conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

			n, _, err := conn.ReadFromUDP(buffer)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				l.stats.ReadErrors++
				monitoring.Logf("telemetry: UDP read error: %v", err)
				continue
			}

			l.handlePacket(buffer[:n])
		}
	}
}

// handlePacket decodes one datagram and dispatches the frame, if any.
func (l *Listener) handlePacket(packet []byte) {
	l.stats.PacketsReceived++
	l.stats.BytesReceived += uint64(len(packet))

	if l.rawHandler != nil {
		l.rawHandler.HandlePacket(packet, time.Now())
	}

	frame, err := l.parser.ParseMotionPacket(packet)
	if err != nil {
		// Malformed packets are logged and skipped; a lossy feed must not
		// stop the control loop.
		monitoring.Logf("telemetry: decode failed: %v", err)
		return
	}
	if frame == nil {
		return // valid packet of another type
	}

	if l.handler != nil {
		l.handler.HandleFrame(frame)
	}
}

// startStatsLogging periodically logs receive statistics.
func (l *Listener) startStatsLogging(ctx context.Context) {
	// Report shortly after startup to avoid a long first-run silence.
	select {
	case <-ctx.Done():
		return
	case <-time.After(2 * time.Second):
		l.logStats()
	}

	ticker := time.NewTicker(l.logInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.logStats()
		}
	}
}

func (l *Listener) logStats() {
	ps := l.parser.Stats()
	monitoring.Logf("telemetry: %d packets (%d bytes), %d motion frames, %d invalid, %d read errors",
		l.stats.PacketsReceived, l.stats.BytesReceived,
		ps.MotionPacketsParsed, ps.InvalidPackets, l.stats.ReadErrors)
}
