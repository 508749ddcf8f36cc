package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/x509"
	"strings"
	"testing"
)

func TestKDFSeparatesLabels(t *testing.T) {
	a := KDF("dealmesh:a", []byte("x"))
	b := KDF("dealmesh:b", []byte("x"))
	if bytes.Equal(a, b) {
		t.Fatalf("expected different digests for different labels")
	}
	if !bytes.Equal(a, KDF("dealmesh:a", []byte("x"))) {
		t.Fatalf("KDF not deterministic")
	}
	if !bytes.Equal(KDF("ab", []byte("c")), SHA3_256([]byte("abc"))) {
		t.Fatalf("KDF should hash label||parts")
	}
}

func TestGenerateIdentity(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	if len(id.Public) != ed25519.PublicKeySize {
		t.Fatalf("unexpected public key size %d", len(id.Public))
	}
	msg := []byte("deal")
	sig := ed25519.Sign(id.PrivateKey(), msg)
	if !ed25519.Verify(id.Public, msg, sig) {
		t.Fatalf("signature did not verify")
	}
	if strings.Contains(id.String(), "priv") || strings.Contains(id.GoString(), "priv") {
		t.Fatalf("identity formatting leaks key material")
	}
	other, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	if bytes.Equal(id.Public, other.Public) {
		t.Fatalf("expected fresh keys per call")
	}
	if _, err := GenerateIdentityFrom(nil); err == nil {
		t.Fatalf("expected error for nil entropy source")
	}
}

func TestEphemeralCertificate(t *testing.T) {
	cert, err := EphemeralCertificate()
	if err != nil {
		t.Fatalf("ephemeral cert: %v", err)
	}
	if cert.Leaf == nil {
		t.Fatalf("expected parsed leaf")
	}
	if err := cert.Leaf.VerifyHostname(PlaceholderServerName); err != nil {
		t.Fatalf("hostname: %v", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert.Leaf)
	if _, err := cert.Leaf.Verify(x509.VerifyOptions{Roots: pool, DNSName: PlaceholderServerName}); err != nil {
		t.Fatalf("self-signed chain should verify against itself: %v", err)
	}

	again, err := EphemeralCertificate()
	if err != nil {
		t.Fatalf("ephemeral cert: %v", err)
	}
	if CertFingerprint(cert) == CertFingerprint(again) {
		t.Fatalf("expected a fresh certificate per call")
	}
}

func TestIdentityCertificateUsesIdentityKey(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	cert, err := IdentityCertificate(id)
	if err != nil {
		t.Fatalf("identity cert: %v", err)
	}
	pub, ok := cert.Leaf.PublicKey.(ed25519.PublicKey)
	if !ok || !bytes.Equal(pub, id.Public) {
		t.Fatalf("certificate key is not the identity key")
	}
	fp := CertFingerprint(cert)
	if !bytes.Equal(fp[:], SHA3_256(cert.Certificate[0])) {
		t.Fatalf("fingerprint should be sha3 of the leaf")
	}
	if _, err := IdentityCertificate(nil); err == nil {
		t.Fatalf("expected nil identity to fail")
	}
}
