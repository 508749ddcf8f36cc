// internal/crypto/crypto.go
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"

	"golang.org/x/crypto/sha3"
)

// -----------------------------------------------------------------------------
// SHA-3
// -----------------------------------------------------------------------------

func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

// KDF hashes a domain label followed by every part. Labels keep digests
// from different contexts apart.
func KDF(label string, parts ...[]byte) []byte {
	h := sha3.New256()
	_, _ = h.Write([]byte(label))
	for _, p := range parts {
		_, _ = h.Write(p)
	}
	return h.Sum(nil)
}

// -----------------------------------------------------------------------------
// Identity keys
// -----------------------------------------------------------------------------

// Identity is the per-process signing key an agent derives its node id from.
// It is generated fresh on every start and never written to disk.
type Identity struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

func (i *Identity) String() string {
	return "Identity{REDACTED}"
}

func (i *Identity) GoString() string {
	return "crypto.Identity{REDACTED}"
}

func (i *Identity) PrivateKey() ed25519.PrivateKey {
	if i == nil {
		return nil
	}
	return i.private
}

func GenerateIdentity() (*Identity, error) {
	return GenerateIdentityFrom(rand.Reader)
}

func GenerateIdentityFrom(r io.Reader) (*Identity, error) {
	if r == nil {
		return nil, errors.New("nil entropy source")
	}
	pub, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return nil, err
	}
	return &Identity{Public: pub, private: priv}, nil
}
