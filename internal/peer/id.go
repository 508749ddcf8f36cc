package peer

import (
	"encoding/hex"
	"errors"
	"fmt"

	"dealmesh/internal/crypto"
	"dealmesh/internal/proto"
)

const nodeIDLabel = "dealmesh:nodeid:v1"

var ErrInvalidNodeID = errors.New("invalid node id")

// NodeID identifies a peer. It is the SHA3-256 of the peer's identity key.
type NodeID [proto.NodeIDSize]byte

func DeriveNodeID(pub []byte) NodeID {
	var id NodeID
	copy(id[:], crypto.KDF(nodeIDLabel, pub))
	return id
}

// ParseNodeID validates raw identity bytes from the wire.
func ParseNodeID(b []byte) (NodeID, error) {
	var id NodeID
	if len(b) != len(id) {
		return NodeID{}, fmt.Errorf("%w: length %d", ErrInvalidNodeID, len(b))
	}
	copy(id[:], b)
	if id.IsZero() {
		return NodeID{}, fmt.Errorf("%w: zero", ErrInvalidNodeID)
	}
	return id, nil
}

func ParseNodeIDHex(s string) (NodeID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return NodeID{}, fmt.Errorf("%w: %v", ErrInvalidNodeID, err)
	}
	return ParseNodeID(b)
}

func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

func (id NodeID) Bytes() []byte {
	out := make([]byte, len(id))
	copy(out, id[:])
	return out
}

func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// Short is the first eight hex digits, enough to tell peers apart in logs.
func (id NodeID) Short() string {
	return hex.EncodeToString(id[:4])
}
