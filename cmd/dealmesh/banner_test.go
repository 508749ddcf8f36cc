package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"

	"dealmesh/internal/config"
	"dealmesh/internal/peer"
)

func TestBannerFields(t *testing.T) {
	color.NoColor = true
	self, _, err := peer.NewSelf("127.0.0.1:9000", 50, 1.5)
	if err != nil {
		t.Fatalf("self: %v", err)
	}
	cfg := config.Default()
	cfg.ListenAddr = "0.0.0.0:9000"

	var buf bytes.Buffer
	banner(&buf, cfg, self)
	out := buf.String()
	if !ordered(out, "dealmesh agent", "Node: "+self.ID.String(), "Offer: spare=50MiB price=1.5/MiB", "Listen:", "Discovery: multicast "+config.DefaultGroupAddr, "Timers:", "Trust: system roots") {
		t.Fatalf("expected ordered banner fields, got: %s", out)
	}

	buf.Reset()
	cfg.DiscoveryBind, cfg.DiscoveryDest = "127.0.0.1:1", "127.0.0.1:2"
	cfg.Insecure = true
	banner(&buf, cfg, self)
	out = buf.String()
	if !strings.Contains(out, "unicast 127.0.0.1:1 -> 127.0.0.1:2") || !strings.Contains(out, "any certificate (insecure)") {
		t.Fatalf("expected unicast insecure banner, got: %s", out)
	}
}

func ordered(s string, parts ...string) bool {
	last := -1
	for _, p := range parts {
		idx := strings.Index(s, p)
		if idx == -1 || idx <= last {
			return false
		}
		last = idx
	}
	return true
}
