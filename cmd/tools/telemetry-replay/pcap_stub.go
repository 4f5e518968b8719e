//go:build !pcap
// +build !pcap

package main

import (
	"context"
	"fmt"
	"net"
)

// replayPCAP is a stub that returns an error when pcap support is not
// compiled in.
func replayPCAP(ctx context.Context, path string, udpPort int, conn net.Conn, speed float64) (int, error) {
	return 0, fmt.Errorf("PCAP replay support not compiled in (requires pcap build tag)")
}
