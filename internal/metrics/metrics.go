package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

type Snapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Discovery   DiscoveryMetrics `json:"discovery"`
	Deals       DealMetrics      `json:"deals"`
	Recent      []DealHeader     `json:"recent"`
}

type DiscoveryMetrics struct {
	AnnouncesSent     uint64 `json:"announces_sent"`
	AnnouncesFailed   uint64 `json:"announces_failed"`
	DatagramsReceived uint64 `json:"datagrams_received"`
	DatagramsDropped  uint64 `json:"datagrams_dropped"`
	PeersJoined       uint64 `json:"peers_joined"`
	PeersEvicted      uint64 `json:"peers_evicted"`
	PeerTableSize     uint64 `json:"peer_table_size"`
}

type DealMetrics struct {
	Received      uint64 `json:"received"`
	ReceiveFailed uint64 `json:"receive_failed"`
	Matched       uint64 `json:"matched"`
	Delivered     uint64 `json:"delivered"`
	SendFailed    uint64 `json:"send_failed"`
}

// DealHeader summarises one inbound deal for the snapshot file.
type DealHeader struct {
	From        string    `json:"from"`
	NodeID      string    `json:"node_id"`
	Size        uint64    `json:"size"`
	PricePerMiB float32   `json:"price_per_mib"`
	At          time.Time `json:"at"`
}

type Metrics struct {
	announcesSent     atomic.Uint64
	announcesFailed   atomic.Uint64
	datagramsReceived atomic.Uint64
	datagramsDropped  atomic.Uint64
	peersJoined       atomic.Uint64
	peersEvicted      atomic.Uint64
	peerTableSize     atomic.Uint64
	dealsReceived     atomic.Uint64
	dealsRecvFailed   atomic.Uint64
	dealsMatched      atomic.Uint64
	dealsDelivered    atomic.Uint64
	dealsSendFailed   atomic.Uint64
	recent            *DealRecent
}

func New() *Metrics {
	return &Metrics{recent: NewDealRecent(64)}
}

// All Inc/Set methods are no-ops on a nil *Metrics so components can run
// without one.

func (m *Metrics) Recent() *DealRecent {
	if m == nil {
		return nil
	}
	return m.recent
}

func (m *Metrics) IncAnnounceSent() {
	if m != nil {
		m.announcesSent.Add(1)
	}
}

func (m *Metrics) IncAnnounceFailed() {
	if m != nil {
		m.announcesFailed.Add(1)
	}
}

func (m *Metrics) IncDatagramReceived() {
	if m != nil {
		m.datagramsReceived.Add(1)
	}
}

func (m *Metrics) IncDatagramDropped() {
	if m != nil {
		m.datagramsDropped.Add(1)
	}
}

func (m *Metrics) IncPeerJoined() {
	if m != nil {
		m.peersJoined.Add(1)
	}
}

func (m *Metrics) AddPeersEvicted(n int) {
	if m != nil && n > 0 {
		m.peersEvicted.Add(uint64(n))
	}
}

func (m *Metrics) SetPeerTableSize(n int) {
	if m != nil && n >= 0 {
		m.peerTableSize.Store(uint64(n))
	}
}

func (m *Metrics) IncDealReceived() {
	if m != nil {
		m.dealsReceived.Add(1)
	}
}

func (m *Metrics) IncDealReceiveFailed() {
	if m != nil {
		m.dealsRecvFailed.Add(1)
	}
}

func (m *Metrics) IncDealMatched() {
	if m != nil {
		m.dealsMatched.Add(1)
	}
}

func (m *Metrics) IncDealDelivered() {
	if m != nil {
		m.dealsDelivered.Add(1)
	}
}

func (m *Metrics) IncDealSendFailed() {
	if m != nil {
		m.dealsSendFailed.Add(1)
	}
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{GeneratedAt: time.Now().UTC(), Recent: []DealHeader{}}
	}
	recent := []DealHeader{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Discovery: DiscoveryMetrics{
			AnnouncesSent:     m.announcesSent.Load(),
			AnnouncesFailed:   m.announcesFailed.Load(),
			DatagramsReceived: m.datagramsReceived.Load(),
			DatagramsDropped:  m.datagramsDropped.Load(),
			PeersJoined:       m.peersJoined.Load(),
			PeersEvicted:      m.peersEvicted.Load(),
			PeerTableSize:     m.peerTableSize.Load(),
		},
		Deals: DealMetrics{
			Received:      m.dealsReceived.Load(),
			ReceiveFailed: m.dealsRecvFailed.Load(),
			Matched:       m.dealsMatched.Load(),
			Delivered:     m.dealsDelivered.Load(),
			SendFailed:    m.dealsSendFailed.Load(),
		},
		Recent: recent,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

type DealRecent struct {
	mu   sync.Mutex
	cap  int
	list []DealHeader
}

func NewDealRecent(capacity int) *DealRecent {
	if capacity <= 0 {
		capacity = 64
	}
	return &DealRecent{cap: capacity}
}

func (r *DealRecent) Add(h DealHeader) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = h
		return
	}
	r.list = append(r.list, h)
}

func (r *DealRecent) List() []DealHeader {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DealHeader, len(r.list))
	copy(out, r.list)
	return out
}
