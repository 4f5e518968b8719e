// Package telemetry receives and decodes F1 2024 UDP motion packets.
//
// The game broadcasts fixed-layout little-endian packets at up to 60 Hz.
// A motion packet is a 29-byte header followed by one 60-byte CarMotionData
// block per car (22 cars, 1349 bytes total); the player's block is selected
// by the header's car index.
package telemetry

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/simrig-data/motion.rig/internal/monitoring"
)

// Wire layout constants.
const (
	// ExpectedPacketFormat is the format year the decoder understands.
	ExpectedPacketFormat = 2024

	// HeaderSize is the packet header length in bytes.
	HeaderSize = 29

	// MotionDataSize is the per-car CarMotionData length in bytes.
	MotionDataSize = 60

	// MaxCars is the number of car slots in every motion packet.
	MaxCars = 22

	// MotionPacketSize is the total length of a motion packet.
	MotionPacketSize = HeaderSize + MaxCars*MotionDataSize

	// directionScale normalises the int16 direction vectors.
	directionScale = 32767.0
)

// PacketID identifies the packet type carried in a header.
type PacketID uint8

// Packet types the game emits. Only Motion is decoded; the rest are
// recognised so they can be counted and skipped cheaply.
const (
	PacketMotion PacketID = iota
	PacketSession
	PacketLapData
	PacketEvent
	PacketParticipants
	PacketCarSetups
	PacketCarTelemetry
	PacketCarStatus
	PacketFinalClassification
	PacketLobbyInfo
	PacketCarDamage
	PacketSessionHistory
	PacketTyreSets
	PacketMotionEx
)

// Header is the 29-byte packet header common to every packet type.
type Header struct {
	PacketFormat            uint16
	GameYear                uint8
	GameMajorVersion        uint8
	GameMinorVersion        uint8
	PacketVersion           uint8
	PacketID                PacketID
	SessionUID              uint64
	SessionTime             float32
	FrameIdentifier         uint32
	OverallFrameIdentifier  uint32
	PlayerCarIndex          uint8
	SecondaryPlayerCarIndex uint8
}

// Frame is the decoded per-sample physics state of the player car. It is
// produced once per motion packet and read-only to everything downstream.
type Frame struct {
	// G-forces in g units. Vertical includes the +1.0 gravity baseline at
	// rest. Positive longitudinal = acceleration, negative = braking;
	// positive lateral = right turn.
	GForceLateral      float64
	GForceLongitudinal float64
	GForceVertical     float64

	// Orientation in radians.
	Yaw   float64
	Pitch float64
	Roll  float64

	// World position (m) and velocity (m/s), kept for trace analysis.
	WorldPositionX float64
	WorldPositionY float64
	WorldPositionZ float64
	WorldVelocityX float64
	WorldVelocityY float64
	WorldVelocityZ float64

	FrameIdentifier uint32
	SessionTime     float64
}

func (f *Frame) String() string {
	return fmt.Sprintf("Frame(g_lat=%+.2f, g_long=%+.2f, g_vert=%.2f, yaw=%.2f, pitch=%.2f, roll=%.2f)",
		f.GForceLateral, f.GForceLongitudinal, f.GForceVertical, f.Yaw, f.Pitch, f.Roll)
}

// ParserStats counts decode outcomes.
type ParserStats struct {
	PacketsParsed       uint64
	MotionPacketsParsed uint64
	InvalidPackets      uint64
}

// Parser decodes raw UDP payloads into Frames. Not safe for concurrent
// use; the listener owns one.
type Parser struct {
	stats           ParserStats
	formatWarnEvery uint64
}

// NewParser creates a Parser.
func NewParser() *Parser {
	return &Parser{formatWarnEvery: 1000}
}

// Stats returns a copy of the decode counters.
func (p *Parser) Stats() ParserStats { return p.stats }

// ParseHeader decodes the packet header. Returns an error for short or
// malformed packets.
func (p *Parser) ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("packet too small for header: %d < %d", len(data), HeaderSize)
	}

	h := &Header{
		PacketFormat:            binary.LittleEndian.Uint16(data[0:2]),
		GameYear:                data[2],
		GameMajorVersion:        data[3],
		GameMinorVersion:        data[4],
		PacketVersion:           data[5],
		PacketID:                PacketID(data[6]),
		SessionUID:              binary.LittleEndian.Uint64(data[7:15]),
		SessionTime:             math.Float32frombits(binary.LittleEndian.Uint32(data[15:19])),
		FrameIdentifier:         binary.LittleEndian.Uint32(data[19:23]),
		OverallFrameIdentifier:  binary.LittleEndian.Uint32(data[23:27]),
		PlayerCarIndex:          data[27],
		SecondaryPlayerCarIndex: data[28],
	}

	if h.PacketFormat != ExpectedPacketFormat && p.stats.PacketsParsed%p.formatWarnEvery == 0 {
		monitoring.Logf("telemetry: packet format %d, expected %d", h.PacketFormat, ExpectedPacketFormat)
	}

	return h, nil
}

// ParseMotionPacket decodes a motion packet and extracts the player car's
// frame. Returns (nil, nil) for valid packets of other types.
func (p *Parser) ParseMotionPacket(data []byte) (*Frame, error) {
	p.stats.PacketsParsed++

	header, err := p.ParseHeader(data)
	if err != nil {
		p.stats.InvalidPackets++
		return nil, err
	}

	if header.PacketID != PacketMotion {
		return nil, nil
	}

	if len(data) < MotionPacketSize {
		p.stats.InvalidPackets++
		return nil, fmt.Errorf("motion packet too small: %d < %d", len(data), MotionPacketSize)
	}

	if header.PlayerCarIndex >= MaxCars {
		p.stats.InvalidPackets++
		return nil, fmt.Errorf("invalid player car index: %d", header.PlayerCarIndex)
	}

	offset := HeaderSize + int(header.PlayerCarIndex)*MotionDataSize
	car := data[offset : offset+MotionDataSize]

	f32 := func(off int) float64 {
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(car[off : off+4])))
	}

	frame := &Frame{
		WorldPositionX: f32(0),
		WorldPositionY: f32(4),
		WorldPositionZ: f32(8),
		WorldVelocityX: f32(12),
		WorldVelocityY: f32(16),
		WorldVelocityZ: f32(20),
		// Bytes 24-35 are the int16 forward/right direction vectors
		// (normalised by /32767); the motion pipeline has no use for
		// them, so they are skipped rather than decoded.
		GForceLateral:      f32(36),
		GForceLongitudinal: f32(40),
		GForceVertical:     f32(44),
		Yaw:                f32(48),
		Pitch:              f32(52),
		Roll:               f32(56),
		FrameIdentifier:    header.FrameIdentifier,
		SessionTime:        float64(header.SessionTime),
	}

	p.stats.MotionPacketsParsed++
	return frame, nil
}
