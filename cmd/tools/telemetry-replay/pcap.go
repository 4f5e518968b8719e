//go:build pcap
// +build pcap

package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
)

// replayPCAP streams one pass of a PCAP file, forwarding the UDP payloads of
// packets on udpPort and pacing by capture timestamps.
func replayPCAP(ctx context.Context, path string, udpPort int, conn net.Conn, speed float64) (int, error) {
	handle, err := pcap.OpenOffline(path)
	if err != nil {
		return 0, fmt.Errorf("open pcap %s: %w", path, err)
	}
	defer handle.Close()

	filter := fmt.Sprintf("udp port %d", udpPort)
	if err := handle.SetBPFFilter(filter); err != nil {
		return 0, fmt.Errorf("set BPF filter %q: %w", filter, err)
	}
	log.Printf("replaying %s (filter %q) at %.1fx", path, filter, speed)

	packetSource := gopacket.NewPacketSource(handle, handle.LinkType())

	var lastCapture time.Time
	sent := 0
	for {
		select {
		case <-ctx.Done():
			return sent, ctx.Err()
		case packet := <-packetSource.Packets():
			if packet == nil {
				return sent, nil
			}

			udpLayer := packet.Layer(layers.LayerTypeUDP)
			if udpLayer == nil {
				continue
			}
			udp, ok := udpLayer.(*layers.UDP)
			if !ok || len(udp.Payload) == 0 {
				continue
			}

			captureTime := packet.Metadata().Timestamp
			if !lastCapture.IsZero() {
				if err := pace(ctx, captureTime.Sub(lastCapture), speed); err != nil {
					return sent, err
				}
			}
			lastCapture = captureTime

			if _, err := conn.Write(udp.Payload); err != nil {
				return sent, fmt.Errorf("send packet %d: %w", sent, err)
			}
			sent++
		}
	}
}
