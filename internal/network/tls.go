package network

import (
	"crypto/tls"
	"crypto/x509"
	"time"

	quic "github.com/quic-go/quic-go"

	"dealmesh/internal/crypto"
)

// ALPN is negotiated on every deal connection.
const ALPN = "dealmesh/1"

const (
	maxIdleTimeout       = 30 * time.Second
	handshakeIdleTimeout = 5 * time.Second
)

// Trust selects how a Sender verifies the receiver's certificate.
type Trust int

const (
	// TrustSystem verifies against SenderOptions.RootCAs, or the platform
	// trust store when that is nil.
	TrustSystem Trust = iota
	// TrustAnyCertificate skips verification. Encryption still applies but
	// the receiver is not authenticated at all. Tests and --insecure only.
	TrustAnyCertificate
)

func (t Trust) String() string {
	switch t {
	case TrustSystem:
		return "system"
	case TrustAnyCertificate:
		return "any"
	default:
		return "unknown"
	}
}

func serverTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPN},
		MinVersion:   tls.VersionTLS13,
	}
}

func clientTLSConfig(trust Trust, roots *x509.CertPool) *tls.Config {
	conf := &tls.Config{
		ServerName: crypto.PlaceholderServerName,
		NextProtos: []string{ALPN},
		MinVersion: tls.VersionTLS13,
	}
	if trust == TrustAnyCertificate {
		conf.InsecureSkipVerify = true
		return conf
	}
	conf.RootCAs = roots
	return conf
}

// A receiver takes exactly one unidirectional stream per connection and
// never opens streams of its own.
func serverQUICConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:        maxIdleTimeout,
		HandshakeIdleTimeout:  handshakeIdleTimeout,
		MaxIncomingStreams:    -1,
		MaxIncomingUniStreams: 1,
	}
}

func clientQUICConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:        maxIdleTimeout,
		HandshakeIdleTimeout:  handshakeIdleTimeout,
		MaxIncomingStreams:    -1,
		MaxIncomingUniStreams: -1,
	}
}
