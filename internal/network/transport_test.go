package network

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"dealmesh/internal/crypto"
	"dealmesh/internal/peer"
	"dealmesh/internal/proto"
)

type receiveResult struct {
	deal proto.Deal
	err  error
}

func newReceiver(t *testing.T) *Receiver {
	t.Helper()
	r, err := OpenReceiver("127.0.0.1:0", ReceiverOptions{StreamTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("open receiver: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func newSender(t *testing.T, opts SenderOptions) *Sender {
	t.Helper()
	s, err := OpenSender(opts)
	if err != nil {
		t.Fatalf("open sender: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func receiveAsync(ctx context.Context, r *Receiver) <-chan receiveResult {
	ch := make(chan receiveResult, 1)
	go func() {
		d, err := r.Receive(ctx)
		ch <- receiveResult{deal: d, err: err}
	}()
	return ch
}

func testDeal(t *testing.T, size uint64, price float32) proto.Deal {
	t.Helper()
	origin, _, err := peer.NewSelf("127.0.0.1:41000", 14, 15.0)
	if err != nil {
		t.Fatalf("origin: %v", err)
	}
	return proto.Deal{Origin: origin.Wire(), Size: size, PricePerMiB: price}
}

func TestSendReceiveRoundTrip(t *testing.T) {
	r := newReceiver(t)
	s := newSender(t, SenderOptions{Trust: TrustAnyCertificate})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	want := testDeal(t, 40*proto.BytesPerMiB, 10.0)
	got := receiveAsync(ctx, r)
	if err := s.Send(ctx, r.Addr().String(), want); err != nil {
		t.Fatalf("send: %v", err)
	}
	res := <-got
	if res.err != nil {
		t.Fatalf("receive: %v", res.err)
	}
	if res.deal.Size != want.Size || res.deal.PricePerMiB != want.PricePerMiB {
		t.Fatalf("deal mismatch: got %+v want %+v", res.deal, want)
	}
	if res.deal.Origin.Addr != want.Origin.Addr || !bytes.Equal(res.deal.Origin.NodeID, want.Origin.NodeID) {
		t.Fatalf("origin mismatch: got %+v", res.deal.Origin)
	}
}

func TestReceiverIsReusable(t *testing.T) {
	r := newReceiver(t)
	s := newSender(t, SenderOptions{Trust: TrustAnyCertificate})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := 1; i <= 3; i++ {
		got := receiveAsync(ctx, r)
		if err := s.Send(ctx, r.Addr().String(), testDeal(t, uint64(i), 1)); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		res := <-got
		if res.err != nil {
			t.Fatalf("receive %d: %v", i, res.err)
		}
		if res.deal.Size != uint64(i) {
			t.Fatalf("receive %d: size %d", i, res.deal.Size)
		}
	}
}

func TestConcurrentSendsShareSocket(t *testing.T) {
	r := newReceiver(t)
	s := newSender(t, SenderOptions{Trust: TrustAnyCertificate})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const n = 5
	var recvWG sync.WaitGroup
	recvWG.Add(1)
	sizes := make(map[uint64]bool)
	go func() {
		defer recvWG.Done()
		for i := 0; i < n; i++ {
			d, err := r.Receive(ctx)
			if err != nil {
				t.Errorf("receive: %v", err)
				return
			}
			sizes[d.Size] = true
		}
	}()

	var sendWG sync.WaitGroup
	for i := 0; i < n; i++ {
		sendWG.Add(1)
		go func(size uint64) {
			defer sendWG.Done()
			if err := s.Send(ctx, r.Addr().String(), testDeal(t, size, 1)); err != nil {
				t.Errorf("send %d: %v", size, err)
			}
		}(uint64(i + 1))
	}
	sendWG.Wait()
	recvWG.Wait()
	if len(sizes) != n {
		t.Fatalf("expected %d distinct deals, got %v", n, sizes)
	}
}

func TestMalformedDealIsRejected(t *testing.T) {
	r := newReceiver(t)
	s := newSender(t, SenderOptions{Trust: TrustAnyCertificate})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := receiveAsync(ctx, r)
	err := s.sendRaw(ctx, r.Addr().String(), []byte{0xc1, 0x00, 0x01})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if res := <-got; !errors.Is(res.err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", res.err)
	}
}

func TestInvalidOriginIsRejected(t *testing.T) {
	r := newReceiver(t)
	s := newSender(t, SenderOptions{Trust: TrustAnyCertificate})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bad := testDeal(t, 1, 1)
	bad.Origin.NodeID = []byte{1, 2, 3}
	got := receiveAsync(ctx, r)
	if err := s.Send(ctx, r.Addr().String(), bad); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if res := <-got; !errors.Is(res.err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", res.err)
	}
}

func TestOversizeStreamIsRejected(t *testing.T) {
	r := newReceiver(t)
	s := newSender(t, SenderOptions{Trust: TrustAnyCertificate})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := receiveAsync(ctx, r)
	err := s.sendRaw(ctx, r.Addr().String(), bytes.Repeat([]byte{0x90}, proto.MaxDealSize+512))
	if err == nil {
		t.Fatalf("expected oversize stream to fail")
	}
	res := <-got
	if !errors.Is(res.err, ErrRead) || !errors.Is(res.err, proto.ErrTooLarge) {
		t.Fatalf("expected ErrRead wrapping ErrTooLarge, got %v", res.err)
	}
}

func TestEncodeFailureSkipsNetwork(t *testing.T) {
	s := newSender(t, SenderOptions{Trust: TrustAnyCertificate})
	d := testDeal(t, 1, 1)
	d.Origin.Addr = strings.Repeat("x", proto.MaxDealSize)
	err := s.Send(context.Background(), "127.0.0.1:1", d)
	if !errors.Is(err, ErrEncode) {
		t.Fatalf("expected ErrEncode, got %v", err)
	}
}

func TestSystemTrustRejectsSelfSigned(t *testing.T) {
	r := newReceiver(t)
	s := newSender(t, SenderOptions{Trust: TrustSystem, RootCAs: x509.NewCertPool()})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := s.Send(ctx, r.Addr().String(), testDeal(t, 1, 1))
	if !errors.Is(err, ErrHandshake) {
		t.Fatalf("expected ErrHandshake, got %v", err)
	}
}

func TestPinnedCertificateIsTrusted(t *testing.T) {
	r := newReceiver(t)
	pool := x509.NewCertPool()
	pool.AddCert(r.Certificate())
	s := newSender(t, SenderOptions{Trust: TrustSystem, RootCAs: pool})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := receiveAsync(ctx, r)
	if err := s.Send(ctx, r.Addr().String(), testDeal(t, 7, 1)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if res := <-got; res.err != nil || res.deal.Size != 7 {
		t.Fatalf("receive: %+v", res)
	}
}

func TestSendToSilentAddrTimesOut(t *testing.T) {
	s := newSender(t, SenderOptions{Trust: TrustAnyCertificate})
	silent := newSender(t, SenderOptions{BindAddr: "127.0.0.1:0"})
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	err := s.Send(ctx, silent.Addr().String(), testDeal(t, 1, 1))
	if !errors.Is(err, ErrHandshake) {
		t.Fatalf("expected ErrHandshake, got %v", err)
	}
}

func TestReceiveAfterClose(t *testing.T) {
	r, err := OpenReceiver("127.0.0.1:0", ReceiverOptions{})
	if err != nil {
		t.Fatalf("open receiver: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_, err = r.Receive(context.Background())
	if !errors.Is(err, ErrAccept) || !IsClosed(err) {
		t.Fatalf("expected closed accept error, got %v", err)
	}
}

func TestReceiveHonorsContext(t *testing.T) {
	r := newReceiver(t)
	ctx, cancel := context.WithCancel(context.Background())
	got := receiveAsync(ctx, r)
	cancel()
	select {
	case res := <-got:
		if !errors.Is(res.err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", res.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("receive did not return after cancel")
	}
}

func TestTrustString(t *testing.T) {
	if TrustSystem.String() != "system" || TrustAnyCertificate.String() != "any" || Trust(9).String() != "unknown" {
		t.Fatalf("unexpected trust names")
	}
}

func TestReceiverCertificateCarriesIdentity(t *testing.T) {
	id, err := crypto.GenerateIdentity()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	r, err := OpenReceiver("127.0.0.1:0", ReceiverOptions{Identity: id})
	if err != nil {
		t.Fatalf("open receiver: %v", err)
	}
	defer r.Close()
	pub, ok := r.Certificate().PublicKey.(ed25519.PublicKey)
	if !ok || peer.DeriveNodeID(pub) != peer.DeriveNodeID(id.Public) {
		t.Fatalf("receiver certificate is not signed by the identity key")
	}
}
