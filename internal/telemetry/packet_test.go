package telemetry

import (
	"encoding/binary"
	"math"
	"testing"
)

// motionPacketOpts controls the synthetic packet builder.
type motionPacketOpts struct {
	packetFormat   uint16
	packetID       PacketID
	playerCarIndex uint8
	frameID        uint32
	sessionTime    float32
	gLat           float32
	gLong          float32
	gVert          float32
	yaw            float32
	pitch          float32
	roll           float32
	truncate       int // if >0, cut the packet to this length
}

// buildMotionPacket assembles a wire-format packet with the player car's
// motion block populated from opts.
func buildMotionPacket(opts motionPacketOpts) []byte {
	if opts.packetFormat == 0 {
		opts.packetFormat = ExpectedPacketFormat
	}

	packet := make([]byte, MotionPacketSize)
	binary.LittleEndian.PutUint16(packet[0:2], opts.packetFormat)
	packet[2] = 24 // game year
	packet[5] = 1  // packet version
	packet[6] = byte(opts.packetID)
	binary.LittleEndian.PutUint64(packet[7:15], 0xDEADBEEF)
	binary.LittleEndian.PutUint32(packet[15:19], math.Float32bits(opts.sessionTime))
	binary.LittleEndian.PutUint32(packet[19:23], opts.frameID)
	binary.LittleEndian.PutUint32(packet[23:27], opts.frameID)
	packet[27] = opts.playerCarIndex

	offset := HeaderSize + int(opts.playerCarIndex)*MotionDataSize
	putF32 := func(off int, v float32) {
		binary.LittleEndian.PutUint32(packet[offset+off:offset+off+4], math.Float32bits(v))
	}
	putF32(36, opts.gLat)
	putF32(40, opts.gLong)
	putF32(44, opts.gVert)
	putF32(48, opts.yaw)
	putF32(52, opts.pitch)
	putF32(56, opts.roll)

	if opts.truncate > 0 {
		return packet[:opts.truncate]
	}
	return packet
}

func TestParseHeader(t *testing.T) {
	parser := NewParser()
	packet := buildMotionPacket(motionPacketOpts{
		playerCarIndex: 3,
		frameID:        42,
		sessionTime:    12.5,
	})

	header, err := parser.ParseHeader(packet)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if header.PacketFormat != ExpectedPacketFormat {
		t.Errorf("packet format = %d, want %d", header.PacketFormat, ExpectedPacketFormat)
	}
	if header.PacketID != PacketMotion {
		t.Errorf("packet id = %d, want motion", header.PacketID)
	}
	if header.PlayerCarIndex != 3 {
		t.Errorf("player car index = %d, want 3", header.PlayerCarIndex)
	}
	if header.FrameIdentifier != 42 {
		t.Errorf("frame id = %d, want 42", header.FrameIdentifier)
	}
	if math.Abs(float64(header.SessionTime)-12.5) > 1e-6 {
		t.Errorf("session time = %f, want 12.5", header.SessionTime)
	}
}

func TestParseHeaderTooShort(t *testing.T) {
	parser := NewParser()
	if _, err := parser.ParseHeader(make([]byte, HeaderSize-1)); err == nil {
		t.Error("expected error for short header")
	}
}

func TestParseMotionPacket(t *testing.T) {
	parser := NewParser()
	packet := buildMotionPacket(motionPacketOpts{
		playerCarIndex: 7,
		gLat:           0.5,
		gLong:          -2.0,
		gVert:          1.02,
		yaw:            0.1,
		pitch:          -0.05,
		roll:           0.02,
	})

	frame, err := parser.ParseMotionPacket(packet)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if frame == nil {
		t.Fatal("expected a frame")
	}

	const eps = 1e-6
	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"lateral g", frame.GForceLateral, 0.5},
		{"longitudinal g", frame.GForceLongitudinal, -2.0},
		{"vertical g", frame.GForceVertical, 1.02},
		{"yaw", frame.Yaw, 0.1},
		{"pitch", frame.Pitch, -0.05},
		{"roll", frame.Roll, 0.02},
	}
	for _, c := range checks {
		if math.Abs(c.got-c.want) > eps {
			t.Errorf("%s = %f, want %f", c.name, c.got, c.want)
		}
	}

	stats := parser.Stats()
	if stats.MotionPacketsParsed != 1 {
		t.Errorf("motion packets parsed = %d, want 1", stats.MotionPacketsParsed)
	}
}

func TestParseMotionPacketSelectsPlayerCar(t *testing.T) {
	parser := NewParser()

	// Player in slot 0 sees zero g; the packet for slot 5 carries data.
	packet := buildMotionPacket(motionPacketOpts{
		playerCarIndex: 5,
		gLong:          -1.5,
	})

	frame, err := parser.ParseMotionPacket(packet)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(frame.GForceLongitudinal-(-1.5)) > 1e-6 {
		t.Errorf("longitudinal g = %f, want -1.5", frame.GForceLongitudinal)
	}
}

func TestParseMotionPacketSkipsOtherTypes(t *testing.T) {
	parser := NewParser()
	packet := buildMotionPacket(motionPacketOpts{packetID: PacketLapData})

	frame, err := parser.ParseMotionPacket(packet)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if frame != nil {
		t.Error("non-motion packet should not yield a frame")
	}
}

func TestParseMotionPacketValidation(t *testing.T) {
	t.Run("truncated packet", func(t *testing.T) {
		parser := NewParser()
		packet := buildMotionPacket(motionPacketOpts{truncate: 500})
		if _, err := parser.ParseMotionPacket(packet); err == nil {
			t.Error("expected validation error")
		}
	})

	t.Run("car index out of range", func(t *testing.T) {
		parser := NewParser()
		packet := buildMotionPacket(motionPacketOpts{})
		packet[27] = MaxCars
		if _, err := parser.ParseMotionPacket(packet); err == nil {
			t.Error("expected validation error")
		}
	})
}
