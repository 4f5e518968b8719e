// Command telemetry-replay resends a recorded telemetry capture over UDP at
// its original pacing, so the controller can be exercised without the game
// running. It reads the controller's own capture files, or PCAP files when
// built with the pcap tag.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/simrig-data/motion.rig/internal/recorder"
)

var (
	captureFile = flag.String("capture", "", "Capture file to replay")
	pcapFile    = flag.String("pcap", "", "PCAP file to replay (requires pcap build tag)")
	target      = flag.String("target", "127.0.0.1:20777", "UDP destination")
	speed       = flag.Float64("speed", 1.0, "Replay speed multiplier (1.0 = recorded pacing)")
	loop        = flag.Bool("loop", false, "Restart from the beginning at end of file")
	udpPort     = flag.Int("port", 20777, "UDP port filter for PCAP input")
)

func main() {
	flag.Parse()

	if (*captureFile == "") == (*pcapFile == "") {
		log.Fatal("exactly one of -capture or -pcap is required")
	}
	if *speed <= 0 {
		log.Fatal("-speed must be positive")
	}

	conn, err := net.Dial("udp", *target)
	if err != nil {
		log.Fatalf("failed to dial %s: %v", *target, err)
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for {
		var sent int
		if *pcapFile != "" {
			sent, err = replayPCAP(ctx, *pcapFile, *udpPort, conn, *speed)
		} else {
			sent, err = replayCapture(ctx, *captureFile, conn, *speed)
		}
		if err != nil {
			if err == context.Canceled {
				return
			}
			log.Fatalf("replay failed: %v", err)
		}
		log.Printf("replay complete: %d packets sent", sent)

		if !*loop || ctx.Err() != nil {
			return
		}
		log.Print("looping")
	}
}

// replayCapture streams one pass of a controller capture file, pacing each
// packet by the recorded inter-packet gap divided by the speed multiplier.
func replayCapture(ctx context.Context, path string, conn net.Conn, speed float64) (int, error) {
	r, err := recorder.OpenReader(path)
	if err != nil {
		return 0, fmt.Errorf("open capture: %w", err)
	}
	defer r.Close()

	log.Printf("replaying %s (source=%s, recorded %s) at %.1fx",
		path, r.Header().Source, r.Header().CreatedAt.Format(time.RFC3339), speed)

	var lastReceived time.Time
	sent := 0
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return sent, nil
		}
		if err != nil {
			return sent, fmt.Errorf("read record %d: %w", sent, err)
		}

		if !lastReceived.IsZero() {
			if err := pace(ctx, rec.Received.Sub(lastReceived), speed); err != nil {
				return sent, err
			}
		}
		lastReceived = rec.Received

		if _, err := conn.Write(rec.Data); err != nil {
			return sent, fmt.Errorf("send packet %d: %w", sent, err)
		}
		sent++
	}
}

// pace sleeps for the scaled inter-packet delay, or returns early when the
// context is cancelled.
func pace(ctx context.Context, gap time.Duration, speed float64) error {
	scaled := time.Duration(float64(gap) / speed)
	if scaled <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(scaled):
		return nil
	}
}
