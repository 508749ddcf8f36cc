// Package agent ties discovery and the deal transport together. An Agent
// announces itself, keeps the latest deal offered by each origin, and
// offers deals to the peers whose advertised capacity and price fit.
package agent

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"dealmesh/internal/crypto"
	"dealmesh/internal/debuglog"
	"dealmesh/internal/discovery"
	"dealmesh/internal/metrics"
	"dealmesh/internal/network"
	"dealmesh/internal/peer"
	"dealmesh/internal/proto"
	"dealmesh/internal/store"
)

const (
	defaultSnapshotInterval = time.Second
	receiveLogInterval      = 5 * time.Second
)

type Options struct {
	// ListenAddr is where the deal receiver binds; empty means self.Addr.
	ListenAddr string

	// GroupAddr is used unless DiscoveryBind and DiscoveryDest are both
	// set, in which case discovery runs over plain unicast.
	GroupAddr     string
	DiscoveryBind string
	DiscoveryDest string

	AnnounceInterval time.Duration
	SweepInterval    time.Duration
	PeerTTL          time.Duration

	Trust   network.Trust
	RootCAs *x509.CertPool
	// Identity signs the receiver certificate so peers can derive the
	// node id from it. It must match self.ID.
	Identity *crypto.Identity

	ReceiveTimeout time.Duration
	SendTimeout    time.Duration
	// FanoutLimit caps concurrent sends per offer; zero is unbounded.
	FanoutLimit int

	Metrics *metrics.Metrics
	Journal *store.Journal
	// OnDeal runs on the receive loop after a deal is stored.
	OnDeal func(addr string, d proto.Deal)

	MetricsPath      string
	SnapshotInterval time.Duration
}

// FanoutResult counts one SendMatchedDeals call. Delivered means the
// receiver closed the connection cleanly, nothing more.
type FanoutResult struct {
	Matched   int
	Delivered int
	Failed    int
}

type Agent struct {
	self peer.Info

	dir  *discovery.Directory
	recv *network.Receiver
	send *network.Sender

	metrics     *metrics.Metrics
	journal     *store.Journal
	onDeal      func(addr string, d proto.Deal)
	sendTimeout time.Duration
	fanoutLimit int

	metricsPath string
	snapEvery   time.Duration

	mu      sync.RWMutex
	inbound map[string]proto.Deal

	closeOnce sync.Once
	closeErr  error
}

// New opens the discovery socket, the deal receiver and the sender.
// Anything already opened is closed again if a later step fails.
func New(self peer.Info, opts Options) (*Agent, error) {
	if err := self.Validate(); err != nil {
		return nil, fmt.Errorf("self info: %w", err)
	}
	if opts.Identity != nil && peer.DeriveNodeID(opts.Identity.Public) != self.ID {
		return nil, errors.New("identity does not match self node id")
	}
	dopts := discovery.Options{
		GroupAddr:        opts.GroupAddr,
		AnnounceInterval: opts.AnnounceInterval,
		SweepInterval:    opts.SweepInterval,
		TTL:              opts.PeerTTL,
		Metrics:          opts.Metrics,
	}
	var (
		dir *discovery.Directory
		err error
	)
	if opts.DiscoveryBind != "" && opts.DiscoveryDest != "" {
		dir, err = discovery.NewWithAddrs(self, opts.DiscoveryBind, opts.DiscoveryDest, dopts)
	} else {
		dir, err = discovery.New(self, dopts)
	}
	if err != nil {
		return nil, fmt.Errorf("discovery: %w", err)
	}

	listen := opts.ListenAddr
	if listen == "" {
		listen = self.Addr
	}
	recv, err := network.OpenReceiver(listen, network.ReceiverOptions{
		StreamTimeout: opts.ReceiveTimeout,
		Identity:      opts.Identity,
	})
	if err != nil {
		_ = dir.Close()
		return nil, fmt.Errorf("receiver: %w", err)
	}
	send, err := network.OpenSender(network.SenderOptions{Trust: opts.Trust, RootCAs: opts.RootCAs})
	if err != nil {
		_ = recv.Close()
		_ = dir.Close()
		return nil, fmt.Errorf("sender: %w", err)
	}

	a := &Agent{
		self:        self,
		dir:         dir,
		recv:        recv,
		send:        send,
		metrics:     opts.Metrics,
		journal:     opts.Journal,
		onDeal:      opts.OnDeal,
		sendTimeout: opts.SendTimeout,
		fanoutLimit: opts.FanoutLimit,
		metricsPath: opts.MetricsPath,
		snapEvery:   opts.SnapshotInterval,
		inbound:     make(map[string]proto.Deal),
	}
	if a.snapEvery <= 0 {
		a.snapEvery = defaultSnapshotInterval
	}
	if a.journal != nil {
		latest, err := a.journal.LatestAll()
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("load journal: %w", err)
		}
		for addr, d := range latest {
			a.inbound[addr] = d
		}
		debuglog.Debugf("loaded %d deals from journal", len(latest))
	}
	return a, nil
}

// Run blocks until ctx is cancelled or a loop fails, then closes every
// endpoint.
func (a *Agent) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.dir.Run(gctx)
	})
	g.Go(func() error {
		return a.receiveLoop(gctx)
	})
	if a.metricsPath != "" {
		g.Go(func() error {
			a.snapshotLoop(gctx)
			return nil
		})
	}
	err := g.Wait()
	if cerr := a.Close(); err == nil {
		err = cerr
	}
	return err
}

func (a *Agent) receiveLoop(ctx context.Context) error {
	for {
		deal, err := a.recv.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || network.IsClosed(err) {
				return nil
			}
			a.metrics.IncDealReceiveFailed()
			debuglog.RateLimitedf("agent.receive", receiveLogInterval, "receive deal: %v", err)
			continue
		}
		a.handleDeal(deal, time.Now())
	}
}

func (a *Agent) handleDeal(deal proto.Deal, at time.Time) {
	addr := deal.Origin.Addr
	a.mu.Lock()
	a.inbound[addr] = deal.Clone()
	a.mu.Unlock()

	a.metrics.IncDealReceived()
	id, _ := peer.ParseNodeID(deal.Origin.NodeID)
	a.metrics.Recent().Add(metrics.DealHeader{
		From:        addr,
		NodeID:      id.String(),
		Size:        deal.Size,
		PricePerMiB: deal.PricePerMiB,
		At:          at.UTC(),
	})
	debuglog.Debugf("deal from %s (%s): size=%d price=%g", addr, id.Short(), deal.Size, deal.PricePerMiB)

	if a.journal != nil {
		if _, err := a.journal.Record(addr, deal, at); err != nil {
			debuglog.Logf("journal deal from %s: %v", addr, err)
		}
	}
	if a.onDeal != nil {
		a.onDeal(addr, deal.Clone())
	}
}

func (a *Agent) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(a.snapEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = a.metrics.WriteSnapshot(a.metricsPath)
			return
		case <-ticker.C:
			if err := a.metrics.WriteSnapshot(a.metricsPath); err != nil {
				debuglog.RateLimitedf("agent.snapshot", time.Minute, "write metrics snapshot: %v", err)
			}
		}
	}
}

// Matches reports whether p can take d: enough spare capacity and an
// asking price no higher than the deal pays. Both bounds are inclusive.
func Matches(p peer.Info, d proto.Deal) bool {
	return p.SpareBytes() >= d.Size && p.Price <= d.PricePerMiB
}

// NewDeal builds a deal originating from this agent.
func (a *Agent) NewDeal(size uint64, pricePerMiB float32) proto.Deal {
	return proto.Deal{Origin: a.self.Wire(), Size: size, PricePerMiB: pricePerMiB}
}

// SendMatchedDeals offers d to every currently known peer that matches,
// concurrently. A failed send is logged and counted; it never stops the
// other sends.
func (a *Agent) SendMatchedDeals(ctx context.Context, d proto.Deal) FanoutResult {
	var matched []peer.Info
	for _, p := range a.dir.Peers() {
		if Matches(p, d) {
			matched = append(matched, p)
		}
	}
	res := FanoutResult{Matched: len(matched)}
	if len(matched) == 0 {
		debuglog.Debugf("no peer matches deal size=%d price=%g", d.Size, d.PricePerMiB)
		return res
	}

	var delivered, failed atomic.Int64
	var g errgroup.Group
	if a.fanoutLimit > 0 {
		g.SetLimit(a.fanoutLimit)
	}
	for _, p := range matched {
		p := p
		a.metrics.IncDealMatched()
		g.Go(func() error {
			if err := a.sendOne(ctx, p, d); err != nil {
				failed.Add(1)
				a.metrics.IncDealSendFailed()
				debuglog.Logf("send deal to %s (%s): %v", p.Addr, p.ID.Short(), err)
				return nil
			}
			delivered.Add(1)
			a.metrics.IncDealDelivered()
			return nil
		})
	}
	_ = g.Wait()
	res.Delivered = int(delivered.Load())
	res.Failed = int(failed.Load())
	return res
}

func (a *Agent) sendOne(ctx context.Context, p peer.Info, d proto.Deal) error {
	if a.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.sendTimeout)
		defer cancel()
	}
	return a.send.Send(ctx, p.Addr, d)
}

// InboundDeals returns a copy of the latest deal per origin address.
func (a *Agent) InboundDeals() map[string]proto.Deal {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]proto.Deal, len(a.inbound))
	for addr, d := range a.inbound {
		out[addr] = d.Clone()
	}
	return out
}

func (a *Agent) InboundDeal(addr string) (proto.Deal, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	d, ok := a.inbound[addr]
	if !ok {
		return proto.Deal{}, false
	}
	return d.Clone(), true
}

func (a *Agent) Peers() []peer.Info {
	return a.dir.Peers()
}

func (a *Agent) Self() peer.Info {
	return a.self
}

func (a *Agent) Metrics() *metrics.Metrics {
	return a.metrics
}

func (a *Agent) ReceiverAddr() net.Addr {
	return a.recv.Addr()
}

func (a *Agent) ReceiverCertificate() *x509.Certificate {
	return a.recv.Certificate()
}

func (a *Agent) DiscoveryAddr() net.Addr {
	return a.dir.LocalAddr()
}

// Close releases all three endpoints. The journal belongs to the caller.
func (a *Agent) Close() error {
	a.closeOnce.Do(func() {
		a.closeErr = errors.Join(
			ignoreClosed(a.dir.Close()),
			ignoreClosed(a.recv.Close()),
			ignoreClosed(a.send.Close()),
		)
	})
	return a.closeErr
}

func ignoreClosed(err error) error {
	if err == nil || errors.Is(err, net.ErrClosed) || network.IsClosed(err) {
		return nil
	}
	return err
}
