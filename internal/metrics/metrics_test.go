package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestMetricsCounters(t *testing.T) {
	m := New()
	m.IncAnnounceSent()
	m.IncAnnounceSent()
	m.IncAnnounceFailed()
	m.IncDatagramReceived()
	m.IncDatagramDropped()
	m.IncPeerJoined()
	m.AddPeersEvicted(3)
	m.AddPeersEvicted(-1)
	m.SetPeerTableSize(4)
	m.IncDealReceived()
	m.IncDealReceiveFailed()
	m.IncDealMatched()
	m.IncDealMatched()
	m.IncDealDelivered()
	m.IncDealSendFailed()
	snap := m.Snapshot()
	if snap.Discovery.AnnouncesSent != 2 || snap.Discovery.AnnouncesFailed != 1 {
		t.Fatalf("unexpected announce counts: %+v", snap.Discovery)
	}
	if snap.Discovery.DatagramsReceived != 1 || snap.Discovery.DatagramsDropped != 1 {
		t.Fatalf("unexpected datagram counts: %+v", snap.Discovery)
	}
	if snap.Discovery.PeersJoined != 1 || snap.Discovery.PeersEvicted != 3 || snap.Discovery.PeerTableSize != 4 {
		t.Fatalf("unexpected peer counts: %+v", snap.Discovery)
	}
	if snap.Deals.Received != 1 || snap.Deals.ReceiveFailed != 1 || snap.Deals.Matched != 2 ||
		snap.Deals.Delivered != 1 || snap.Deals.SendFailed != 1 {
		t.Fatalf("unexpected deal counts: %+v", snap.Deals)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.IncAnnounceSent()
	m.IncDealMatched()
	m.SetPeerTableSize(1)
	m.Recent().Add(DealHeader{From: "x"})
	if got := m.Snapshot(); got.Deals.Matched != 0 {
		t.Fatalf("expected zero snapshot, got %+v", got)
	}
}

func TestDealRecentRing(t *testing.T) {
	r := NewDealRecent(2)
	r.Add(DealHeader{From: "a"})
	r.Add(DealHeader{From: "b"})
	r.Add(DealHeader{From: "c"})
	list := r.List()
	if len(list) != 2 || list[0].From != "b" || list[1].From != "c" {
		t.Fatalf("unexpected ring contents: %+v", list)
	}
}

func TestWriteSnapshot(t *testing.T) {
	m := New()
	m.IncDealReceived()
	m.Recent().Add(DealHeader{From: "127.0.0.1:1", Size: 5})
	path := filepath.Join(t.TempDir(), "metrics.json")
	if err := m.WriteSnapshot(path); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Deals.Received != 1 || len(snap.Recent) != 1 || snap.Recent[0].Size != 5 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if err := m.WriteSnapshot(""); err != nil {
		t.Fatalf("empty path should be a no-op: %v", err)
	}
}
