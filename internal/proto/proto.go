// internal/proto/proto.go
package proto

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	// BytesPerMiB converts advertised capacity (MiB) into deal sizes (bytes).
	BytesPerMiB uint64 = 1 << 20

	// MaxDatagramSize bounds one discovery announcement.
	MaxDatagramSize = 1024
	// MaxDealSize bounds one deal stream.
	MaxDealSize = 1024

	NodeIDSize = 32
)

var (
	ErrEmpty     = errors.New("empty payload")
	ErrTooLarge  = errors.New("payload too large")
	ErrMalformed = errors.New("malformed payload")
)

// PeerInfoWire is what a peer announces about itself: where its deal
// listener is, who it is, and what it offers.
type PeerInfoWire struct {
	_msgpack struct{} `msgpack:",as_array"`

	Addr     string  `msgpack:"addr"`
	NodeID   []byte  `msgpack:"node_id"`
	SpareMiB uint64  `msgpack:"spare_mib"`
	Price    float32 `msgpack:"price"`
}

func (w PeerInfoWire) Clone() PeerInfoWire {
	out := w
	if w.NodeID != nil {
		out.NodeID = append([]byte(nil), w.NodeID...)
	}
	return out
}

// Deal is an offer: the origin restates its own peer info, Size is in
// bytes and PricePerMiB is the ceiling the offer pays.
type Deal struct {
	_msgpack struct{} `msgpack:",as_array"`

	Origin      PeerInfoWire `msgpack:"origin"`
	Size        uint64       `msgpack:"size"`
	PricePerMiB float32      `msgpack:"price_per_mib"`
}

func (d Deal) Clone() Deal {
	out := d
	out.Origin = d.Origin.Clone()
	return out
}

func EncodePeerInfo(w PeerInfoWire) ([]byte, error) {
	return encodeCapped(w, MaxDatagramSize)
}

func DecodePeerInfo(data []byte) (PeerInfoWire, error) {
	var w PeerInfoWire
	if err := decodeCapped(data, MaxDatagramSize, &w); err != nil {
		return PeerInfoWire{}, err
	}
	return w, nil
}

func EncodeDeal(d Deal) ([]byte, error) {
	return encodeCapped(d, MaxDealSize)
}

func DecodeDeal(data []byte) (Deal, error) {
	var d Deal
	if err := decodeCapped(data, MaxDealSize, &d); err != nil {
		return Deal{}, err
	}
	return d, nil
}

func encodeCapped(v any, max int) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(b) > max {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooLarge, len(b), max)
	}
	return b, nil
}

func decodeCapped(data []byte, max int, v any) error {
	if len(data) == 0 {
		return ErrEmpty
	}
	if len(data) > max {
		return fmt.Errorf("%w: %d > %d", ErrTooLarge, len(data), max)
	}
	r := bytes.NewReader(data)
	if err := msgpack.NewDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	// One record per buffer.
	if n := r.Len(); n != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformed, n)
	}
	return nil
}
