package peer

import (
	"errors"
	"fmt"
	"math"
	"net/netip"

	"dealmesh/internal/crypto"
	"dealmesh/internal/proto"
)

var (
	ErrInvalidAddr  = errors.New("invalid peer addr")
	ErrInvalidPrice = errors.New("invalid price")
)

// Info is what the directory knows about one peer.
type Info struct {
	Addr     string
	ID       NodeID
	SpareMiB uint64
	Price    float32
}

// NewSelf builds the local peer info under a freshly generated identity.
func NewSelf(addr string, spareMiB uint64, price float32) (Info, *crypto.Identity, error) {
	ident, err := crypto.GenerateIdentity()
	if err != nil {
		return Info{}, nil, fmt.Errorf("generate identity: %w", err)
	}
	return Info{
		Addr:     addr,
		ID:       DeriveNodeID(ident.Public),
		SpareMiB: spareMiB,
		Price:    price,
	}, ident, nil
}

// SpareBytes converts the advertised capacity to bytes, saturating at the
// uint64 limit.
func (i Info) SpareBytes() uint64 {
	if i.SpareMiB > math.MaxUint64/proto.BytesPerMiB {
		return math.MaxUint64
	}
	return i.SpareMiB * proto.BytesPerMiB
}

func (i Info) Wire() proto.PeerInfoWire {
	return proto.PeerInfoWire{
		Addr:     i.Addr,
		NodeID:   i.ID.Bytes(),
		SpareMiB: i.SpareMiB,
		Price:    i.Price,
	}
}

func (i Info) Validate() error {
	if i.ID.IsZero() {
		return fmt.Errorf("%w: zero", ErrInvalidNodeID)
	}
	if err := ValidateAddr(i.Addr); err != nil {
		return err
	}
	if math.IsNaN(float64(i.Price)) {
		return ErrInvalidPrice
	}
	return nil
}

// FromWire is the fallible inverse of Info.Wire.
func FromWire(w proto.PeerInfoWire) (Info, error) {
	id, err := ParseNodeID(w.NodeID)
	if err != nil {
		return Info{}, err
	}
	info := Info{
		Addr:     w.Addr,
		ID:       id,
		SpareMiB: w.SpareMiB,
		Price:    w.Price,
	}
	if err := info.Validate(); err != nil {
		return Info{}, err
	}
	return info, nil
}

// ValidateAddr accepts only dialable ip:port literals.
func ValidateAddr(addr string) error {
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidAddr, addr)
	}
	if ap.Port() == 0 || ap.Addr().IsUnspecified() {
		return fmt.Errorf("%w: %q not dialable", ErrInvalidAddr, addr)
	}
	return nil
}
