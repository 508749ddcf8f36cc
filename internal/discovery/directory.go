// Package discovery keeps the table of peers seen on the local network.
// Every node periodically announces its own record to a multicast group
// and listens for everyone else's.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sync/errgroup"

	"dealmesh/internal/debuglog"
	"dealmesh/internal/metrics"
	"dealmesh/internal/peer"
	"dealmesh/internal/proto"
)

const (
	DefaultGroupAddr        = "224.0.0.167:47800"
	DefaultAnnounceInterval = 2 * time.Second
	DefaultSweepInterval    = 1 * time.Second

	multicastTTL    = 1
	dropLogInterval = 5 * time.Second
)

var (
	ErrNotMulticast  = errors.New("group address is not ipv4 multicast")
	ErrNoInterface   = errors.New("no multicast interface joined")
	ErrSelfAnnounce  = errors.New("own announcement")
	errListenStopped = errors.New("listen loop stopped")
)

type Options struct {
	// GroupAddr is the multicast group and port; New only.
	GroupAddr        string
	AnnounceInterval time.Duration
	SweepInterval    time.Duration
	TTL              time.Duration

	Metrics *metrics.Metrics
	Now     func() time.Time
}

func (o Options) withDefaults() Options {
	if o.GroupAddr == "" {
		o.GroupAddr = DefaultGroupAddr
	}
	if o.AnnounceInterval <= 0 {
		o.AnnounceInterval = DefaultAnnounceInterval
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.TTL <= 0 {
		o.TTL = peer.DefaultTTL
	}
	return o
}

// Directory owns one UDP socket used both to announce and to listen.
type Directory struct {
	self    peer.Info
	payload []byte

	conn *net.UDPConn
	dest *net.UDPAddr

	table   *peer.Table
	metrics *metrics.Metrics

	announceEvery time.Duration
	sweepEvery    time.Duration

	closeOnce sync.Once
	closeErr  error
}

// New joins the multicast group on every interface that is up and
// multicast capable. Failing to bind or to join any interface is fatal.
func New(self peer.Info, opts Options) (*Directory, error) {
	opts = opts.withDefaults()
	group, err := net.ResolveUDPAddr("udp4", opts.GroupAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve group %s: %w", opts.GroupAddr, err)
	}
	if group.IP.To4() == nil || !group.IP.IsMulticast() {
		return nil, fmt.Errorf("%w: %s", ErrNotMulticast, opts.GroupAddr)
	}
	conn, err := listenUDP(fmt.Sprintf("0.0.0.0:%d", group.Port))
	if err != nil {
		return nil, err
	}
	if err := joinGroup(conn, group); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return newDirectory(self, conn, group, opts)
}

// NewWithAddrs binds bindAddr and announces to destAddr with plain
// unicast. The message format is the same as with New.
func NewWithAddrs(self peer.Info, bindAddr, destAddr string, opts Options) (*Directory, error) {
	opts = opts.withDefaults()
	dest, err := net.ResolveUDPAddr("udp4", destAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve dest %s: %w", destAddr, err)
	}
	conn, err := listenUDP(bindAddr)
	if err != nil {
		return nil, err
	}
	return newDirectory(self, conn, dest, opts)
}

func newDirectory(self peer.Info, conn *net.UDPConn, dest *net.UDPAddr, opts Options) (*Directory, error) {
	if err := self.Validate(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("self info: %w", err)
	}
	payload, err := proto.EncodePeerInfo(self.Wire())
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("encode self info: %w", err)
	}
	table := peer.NewTable(peer.TableOptions{TTL: opts.TTL, Now: opts.Now})
	debuglog.Debugf("discovery ready: bind=%s dest=%s self=%s ttl=%s", conn.LocalAddr(), dest, self.ID.Short(), table.TTL())
	return &Directory{
		self:          self,
		payload:       payload,
		conn:          conn,
		dest:          dest,
		table:         table,
		metrics:       opts.Metrics,
		announceEvery: opts.AnnounceInterval,
		sweepEvery:    opts.SweepInterval,
	}, nil
}

func listenUDP(addr string) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: reuseControl}
	pc, err := lc.ListenPacket(context.Background(), "udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("discovery listen %s: %w", addr, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, fmt.Errorf("discovery listen %s: not a UDPConn", addr)
	}
	return conn, nil
}

func joinGroup(conn *net.UDPConn, group *net.UDPAddr) error {
	p := ipv4.NewPacketConn(conn)
	ifaces, err := net.Interfaces()
	if err != nil {
		return fmt.Errorf("list interfaces: %w", err)
	}
	joined := 0
	for i := range ifaces {
		ifi := &ifaces[i]
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := p.JoinGroup(ifi, &net.UDPAddr{IP: group.IP}); err != nil {
			debuglog.Debugf("join %s on %s failed: %v", group.IP, ifi.Name, err)
			continue
		}
		joined++
	}
	if joined == 0 {
		return fmt.Errorf("%w: %s", ErrNoInterface, group.IP)
	}
	if err := p.SetMulticastLoopback(true); err != nil {
		return fmt.Errorf("multicast loopback: %w", err)
	}
	if err := p.SetMulticastTTL(multicastTTL); err != nil {
		return fmt.Errorf("multicast ttl: %w", err)
	}
	debuglog.Debugf("joined %s on %d interfaces", group.IP, joined)
	return nil
}

// Run drives the announce, listen and sweep loops until ctx is done.
// Cancelling ctx closes the socket.
func (d *Directory) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = d.Close() })
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.announceLoop(gctx)
		return nil
	})
	g.Go(func() error {
		return d.listenLoop(gctx)
	})
	g.Go(func() error {
		d.sweepLoop(gctx)
		return nil
	})
	err := g.Wait()
	if errors.Is(err, errListenStopped) {
		return nil
	}
	return err
}

func (d *Directory) announceLoop(ctx context.Context) {
	ticker := time.NewTicker(d.announceEvery)
	defer ticker.Stop()
	for {
		if err := d.Announce(); err != nil && ctx.Err() == nil {
			debuglog.RateLimitedf("discovery.announce", dropLogInterval, "announce failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// listenLoop returns only once the socket is closed.
func (d *Directory) listenLoop(ctx context.Context) error {
	buf := make([]byte, proto.MaxDatagramSize+1)
	for {
		n, from, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return errListenStopped
			}
			debuglog.RateLimitedf("discovery.read", dropLogInterval, "discovery read: %v", err)
			continue
		}
		d.metrics.IncDatagramReceived()
		if err := d.HandleDatagram(buf[:n]); err != nil {
			if errors.Is(err, ErrSelfAnnounce) {
				continue
			}
			d.metrics.IncDatagramDropped()
			debuglog.RateLimitedf("discovery.drop", dropLogInterval, "drop datagram from %s (%d bytes): %v", from, n, err)
		}
	}
}

func (d *Directory) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(d.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Sweep()
		}
	}
}

// Announce sends one copy of the local record.
func (d *Directory) Announce() error {
	if _, err := d.conn.WriteToUDP(d.payload, d.dest); err != nil {
		d.metrics.IncAnnounceFailed()
		return fmt.Errorf("announce to %s: %w", d.dest, err)
	}
	d.metrics.IncAnnounceSent()
	return nil
}

// HandleDatagram decodes one announcement and records the sender.
// Announcements carrying the local id return ErrSelfAnnounce and are not
// stored.
func (d *Directory) HandleDatagram(b []byte) error {
	w, err := proto.DecodePeerInfo(b)
	if err != nil {
		return fmt.Errorf("decode announcement: %w", err)
	}
	info, err := peer.FromWire(w)
	if err != nil {
		return fmt.Errorf("invalid announcement: %w", err)
	}
	if info.ID == d.self.ID {
		return ErrSelfAnnounce
	}
	prev, known := d.table.Get(info.ID)
	if d.table.Upsert(info) {
		d.metrics.IncPeerJoined()
		debuglog.Debugf("peer joined: %s addr=%s spare=%dMiB price=%g", info.ID.Short(), info.Addr, info.SpareMiB, info.Price)
	} else if known && prev != info {
		debuglog.Debugf("peer updated: %s addr=%s spare=%dMiB price=%g", info.ID.Short(), info.Addr, info.SpareMiB, info.Price)
	}
	d.metrics.SetPeerTableSize(d.table.Len())
	return nil
}

// Sweep evicts stale entries and reports how many went.
func (d *Directory) Sweep() int {
	evicted := d.table.Sweep()
	for _, info := range evicted {
		debuglog.Debugf("peer expired: %s addr=%s", info.ID.Short(), info.Addr)
	}
	d.metrics.AddPeersEvicted(len(evicted))
	d.metrics.SetPeerTableSize(d.table.Len())
	return len(evicted)
}

func (d *Directory) Peers() []peer.Info {
	return d.table.List()
}

func (d *Directory) Self() peer.Info {
	return d.self
}

func (d *Directory) LocalAddr() net.Addr {
	return d.conn.LocalAddr()
}

func (d *Directory) Close() error {
	d.closeOnce.Do(func() {
		d.closeErr = d.conn.Close()
	})
	return d.closeErr
}
