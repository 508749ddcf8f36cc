package testutil

import (
	"net"
	"testing"
	"time"
)

// FreeUDPAddr returns a loopback host:port that was free a moment ago.
// The socket is closed before returning, so a parallel test can still
// race for it; callers bind immediately.
func FreeUDPAddr(t testing.TB) string {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve udp port: %v", err)
	}
	addr := conn.LocalAddr().String()
	if err := conn.Close(); err != nil {
		t.Fatalf("release udp port: %v", err)
	}
	return addr
}

// Eventually polls cond until it returns true or the deadline passes.
func Eventually(t testing.TB, within time.Duration, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(within)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf(format, args...)
		}
		time.Sleep(25 * time.Millisecond)
	}
}
