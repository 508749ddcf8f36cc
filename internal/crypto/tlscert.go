package crypto

import (
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// PlaceholderServerName is the only name deal certificates are issued for.
// Dialers verify against it regardless of which peer they reach.
const PlaceholderServerName = "localhost"

const certLifetime = 24 * time.Hour

// EphemeralCertificate builds a self-signed certificate under a throwaway
// key, for receivers that have no identity of their own.
func EphemeralCertificate() (tls.Certificate, error) {
	id, err := GenerateIdentity()
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate cert key: %w", err)
	}
	return IdentityCertificate(id)
}

// IdentityCertificate self-signs a certificate for PlaceholderServerName
// with the identity key, so the certificate's public key is the one the
// node id is derived from.
func IdentityCertificate(id *Identity) (tls.Certificate, error) {
	priv := id.PrivateKey()
	if priv == nil {
		return tls.Certificate{}, errors.New("missing identity key")
	}
	pub := id.Public
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial: %w", err)
	}
	now := time.Now()
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: PlaceholderServerName},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(certLifetime),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{PlaceholderServerName},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse certificate: %w", err)
	}
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
		Leaf:        leaf,
	}, nil
}

// CertFingerprint is the SHA3-256 of the leaf DER, for logs.
func CertFingerprint(cert tls.Certificate) [32]byte {
	var fp [32]byte
	if len(cert.Certificate) == 0 {
		return fp
	}
	copy(fp[:], SHA3_256(cert.Certificate[0]))
	return fp
}
