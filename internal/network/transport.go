package network

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"time"

	quic "github.com/quic-go/quic-go"

	"dealmesh/internal/crypto"
	"dealmesh/internal/debuglog"
	"dealmesh/internal/peer"
	"dealmesh/internal/proto"
)

// Close codes sent by the receiver once it has read the stream.
const (
	codeAccepted  quic.ApplicationErrorCode = 0
	codeMalformed quic.ApplicationErrorCode = 1
	codeAborted   quic.ApplicationErrorCode = 2
)

var (
	ErrAccept       = errors.New("accept connection")
	ErrAcceptStream = errors.New("accept stream")
	ErrRead         = errors.New("read deal")
	ErrDecode       = errors.New("decode deal")

	ErrEncode     = errors.New("encode deal")
	ErrHandshake  = errors.New("handshake")
	ErrOpenStream = errors.New("open stream")
	ErrWrite      = errors.New("write deal")
	ErrFinish     = errors.New("finish stream")
	ErrRejected   = errors.New("deal rejected by peer")
	ErrClosed     = errors.New("connection closed")
)

// IsClosed reports whether err comes from an endpoint that was closed
// locally, which ends a receive loop rather than being a per-deal failure.
func IsClosed(err error) bool {
	return errors.Is(err, quic.ErrServerClosed) || errors.Is(err, net.ErrClosed)
}

type ReceiverOptions struct {
	// StreamTimeout bounds how long one accepted connection may take to
	// deliver its deal. Zero waits until the connection idles out.
	StreamTimeout time.Duration
	// Identity signs the listener certificate. Nil uses a throwaway key.
	Identity *crypto.Identity
}

// Receiver is the listening side. One Receive call consumes one
// connection, one stream and one deal; the listener is reused.
type Receiver struct {
	ln      *quic.Listener
	cert    tls.Certificate
	timeout time.Duration
}

func OpenReceiver(listenAddr string, opts ReceiverOptions) (*Receiver, error) {
	if listenAddr == "" {
		return nil, errors.New("missing listen addr")
	}
	var (
		cert tls.Certificate
		err  error
	)
	if opts.Identity != nil {
		cert, err = crypto.IdentityCertificate(opts.Identity)
	} else {
		cert, err = crypto.EphemeralCertificate()
	}
	if err != nil {
		return nil, fmt.Errorf("receiver certificate: %w", err)
	}
	ln, err := quic.ListenAddr(listenAddr, serverTLSConfig(cert), serverQUICConfig())
	if err != nil {
		return nil, fmt.Errorf("quic listen %s: %w", listenAddr, err)
	}
	fp := crypto.CertFingerprint(cert)
	debuglog.Debugf("quic listen ready: %s cert=%x", ln.Addr(), fp[:8])
	return &Receiver{ln: ln, cert: cert, timeout: opts.StreamTimeout}, nil
}

func (r *Receiver) Addr() net.Addr {
	return r.ln.Addr()
}

// Certificate returns the receiver's self-signed leaf, for callers that
// want to pin it.
func (r *Receiver) Certificate() *x509.Certificate {
	return r.cert.Leaf
}

func (r *Receiver) Close() error {
	return r.ln.Close()
}

func (r *Receiver) Receive(ctx context.Context) (proto.Deal, error) {
	conn, err := r.ln.Accept(ctx)
	if err != nil {
		return proto.Deal{}, fmt.Errorf("%w: %w", ErrAccept, err)
	}
	remote := conn.RemoteAddr().String()
	debuglog.Debugf("accepted connection from %s", remote)

	sctx, cancel := ctx, context.CancelFunc(func() {})
	if r.timeout > 0 {
		sctx, cancel = context.WithTimeout(ctx, r.timeout)
	}
	defer cancel()

	stream, err := conn.AcceptUniStream(sctx)
	if err != nil {
		_ = conn.CloseWithError(codeAborted, "no stream")
		return proto.Deal{}, fmt.Errorf("%w: %s: %w", ErrAcceptStream, remote, err)
	}
	if deadline, ok := sctx.Deadline(); ok {
		_ = stream.SetReadDeadline(deadline)
	}
	data, err := proto.ReadAllCapped(stream, proto.MaxDealSize)
	if err != nil {
		stream.CancelRead(quic.StreamErrorCode(codeMalformed))
		_ = conn.CloseWithError(codeMalformed, "unreadable deal")
		return proto.Deal{}, fmt.Errorf("%w: %s: %w", ErrRead, remote, err)
	}
	deal, err := proto.DecodeDeal(data)
	if err == nil {
		_, err = peer.FromWire(deal.Origin)
	}
	if err != nil {
		_ = conn.CloseWithError(codeMalformed, "malformed deal")
		return proto.Deal{}, fmt.Errorf("%w: %s: %w", ErrDecode, remote, err)
	}
	_ = conn.CloseWithError(codeAccepted, "")
	debuglog.Debugf("read %d byte deal from %s origin=%s", len(data), remote, deal.Origin.Addr)
	return deal, nil
}

type SenderOptions struct {
	Trust Trust
	// RootCAs replaces the platform trust store under TrustSystem.
	RootCAs *x509.CertPool
	// BindAddr is the local UDP address; empty picks an ephemeral port.
	BindAddr string
}

// Sender dials deals out of a single UDP socket. It is safe for concurrent
// use; every Send runs its own connection.
type Sender struct {
	conn    *net.UDPConn
	tr      *quic.Transport
	tlsConf *tls.Config
}

func OpenSender(opts SenderOptions) (*Sender, error) {
	bind := opts.BindAddr
	if bind == "" {
		bind = "0.0.0.0:0"
	}
	laddr, err := net.ResolveUDPAddr("udp", bind)
	if err != nil {
		return nil, fmt.Errorf("sender bind %s: %w", bind, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("sender listen %s: %w", bind, err)
	}
	debuglog.Debugf("quic sender ready: %s trust=%s", conn.LocalAddr(), opts.Trust)
	return &Sender{
		conn:    conn,
		tr:      &quic.Transport{Conn: conn},
		tlsConf: clientTLSConfig(opts.Trust, opts.RootCAs),
	}, nil
}

func (s *Sender) Addr() net.Addr {
	return s.conn.LocalAddr()
}

func (s *Sender) Close() error {
	err := s.tr.Close()
	if cerr := s.conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) && err == nil {
		err = cerr
	}
	return err
}

// Send delivers one deal to addr and returns once the receiver has closed
// the connection. Nothing is retried.
func (s *Sender) Send(ctx context.Context, addr string, deal proto.Deal) error {
	data, err := proto.EncodeDeal(deal)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEncode, err)
	}
	return s.sendRaw(ctx, addr, data)
}

func (s *Sender) sendRaw(ctx context.Context, addr string, data []byte) error {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrHandshake, addr, err)
	}
	debuglog.Debugf("quic dial to %s", addr)
	conn, err := s.tr.Dial(ctx, raddr, s.tlsConf, clientQUICConfig())
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrHandshake, addr, err)
	}
	stream, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(codeAborted, "open stream failed")
		return fmt.Errorf("%w: %s: %w", ErrOpenStream, addr, err)
	}
	if _, err := stream.Write(data); err != nil {
		_ = conn.CloseWithError(codeAborted, "write failed")
		return fmt.Errorf("%w: %s: %w", ErrWrite, addr, err)
	}
	if err := stream.Close(); err != nil {
		_ = conn.CloseWithError(codeAborted, "finish failed")
		return fmt.Errorf("%w: %s: %w", ErrFinish, addr, err)
	}
	debuglog.Debugf("wrote %d bytes to %s", len(data), addr)

	select {
	case <-conn.Context().Done():
	case <-ctx.Done():
		_ = conn.CloseWithError(codeAborted, "send cancelled")
		return fmt.Errorf("%w: %s: %w", ErrClosed, addr, ctx.Err())
	}
	return closeOutcome(addr, context.Cause(conn.Context()))
}

func closeOutcome(addr string, cause error) error {
	var appErr *quic.ApplicationError
	if errors.As(cause, &appErr) && appErr.Remote {
		if appErr.ErrorCode == codeAccepted {
			return nil
		}
		return fmt.Errorf("%w: %s: code=%d %s", ErrRejected, addr, appErr.ErrorCode, appErr.ErrorMessage)
	}
	return fmt.Errorf("%w: %s: %w", ErrClosed, addr, cause)
}
