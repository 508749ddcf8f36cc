package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"dealmesh/internal/agent"
	"dealmesh/internal/config"
	"dealmesh/internal/crypto"
	"dealmesh/internal/debughttp"
	"dealmesh/internal/metrics"
	"dealmesh/internal/network"
	"dealmesh/internal/peer"
	"dealmesh/internal/proto"
	"dealmesh/internal/store"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runAgent(args[1:], stdout, stderr)
	case "offer":
		return runOffer(args[1:], stdout, stderr)
	case "id":
		return runID(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	case "deals":
		return runDeals(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: dealmesh <run|offer|id|status|deals> [args]")
	fmt.Fprintln(w, "  run    --addr <ip:port> [--spare <MiB>] [--price <per MiB>] [--offer-size <MiB> --offer-price <per MiB> --offer-every 10s]")
	fmt.Fprintln(w, "  offer  --addr <ip:port> --size <MiB> --price-per-mib <n> [--wait 3s]")
	fmt.Fprintln(w, "  id")
	fmt.Fprintln(w, "  status --metrics <path>")
	fmt.Fprintln(w, "  deals  --journal <path> [--n 20] [--from <addr>] [--node <hex>]")
	fmt.Fprintln(w, "common: [--group ip:port] [--discovery-bind ip:port --discovery-dest ip:port] [--insecure] [--journal path] [--metrics path] [--debug]")
}

// agentFlags binds the settings shared by run and offer over cfg, which
// already carries defaults and environment overrides.
type agentFlags struct {
	cfg   *config.Config
	price float64
}

func bindAgentFlags(fs *flag.FlagSet, cfg *config.Config) *agentFlags {
	af := &agentFlags{cfg: cfg, price: float64(cfg.Price)}
	fs.StringVar(&cfg.ListenAddr, "addr", cfg.ListenAddr, "deal listener addr (ip:port)")
	fs.StringVar(&cfg.AdvertiseAddr, "advertise", cfg.AdvertiseAddr, "addr announced to peers (default --addr)")
	fs.StringVar(&cfg.GroupAddr, "group", cfg.GroupAddr, "discovery multicast group")
	fs.StringVar(&cfg.DiscoveryBind, "discovery-bind", cfg.DiscoveryBind, "unicast discovery bind addr")
	fs.StringVar(&cfg.DiscoveryDest, "discovery-dest", cfg.DiscoveryDest, "unicast discovery destination addr")
	fs.Uint64Var(&cfg.SpareMiB, "spare", cfg.SpareMiB, "spare capacity to advertise (MiB)")
	fs.Float64Var(&af.price, "price", af.price, "asking price per MiB")
	fs.DurationVar(&cfg.AnnounceInterval, "announce-every", cfg.AnnounceInterval, "announce interval")
	fs.DurationVar(&cfg.SweepInterval, "sweep-every", cfg.SweepInterval, "peer sweep interval")
	fs.DurationVar(&cfg.PeerTTL, "peer-ttl", cfg.PeerTTL, "peer expiry")
	fs.DurationVar(&cfg.ReceiveTimeout, "receive-timeout", cfg.ReceiveTimeout, "per-connection receive bound (0 disables)")
	fs.DurationVar(&cfg.SendTimeout, "send-timeout", cfg.SendTimeout, "per-peer send bound (0 disables)")
	fs.IntVar(&cfg.FanoutLimit, "fanout", cfg.FanoutLimit, "max concurrent sends per offer (0 unbounded)")
	fs.BoolVar(&cfg.Insecure, "insecure", cfg.Insecure, "accept any receiver certificate (unsafe)")
	fs.StringVar(&cfg.JournalPath, "journal", cfg.JournalPath, "bbolt journal of received deals")
	fs.StringVar(&cfg.MetricsPath, "metrics", cfg.MetricsPath, "metrics snapshot file")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logging")
	return af
}

func (af *agentFlags) finish() error {
	af.cfg.Price = float32(af.price)
	if af.cfg.Debug {
		_ = os.Setenv("DEALMESH_DEBUG", "1")
	}
	return af.cfg.Validate()
}

func loadConfig(stderr io.Writer) (config.Config, bool) {
	cfg := config.Default()
	if err := cfg.ApplyEnv(); err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return cfg, false
	}
	return cfg, true
}

// session is an agent plus what the CLI opened for it.
type session struct {
	agent   *agent.Agent
	journal *store.Journal
}

func (s *session) close() {
	_ = s.agent.Close()
	if s.journal != nil {
		_ = s.journal.Close()
	}
}

func openSession(cfg config.Config, onDeal func(string, proto.Deal)) (*session, error) {
	self, ident, err := peer.NewSelf(cfg.Advertised(), cfg.SpareMiB, cfg.Price)
	if err != nil {
		return nil, fmt.Errorf("self: %w", err)
	}
	var journal *store.Journal
	if cfg.JournalPath != "" {
		journal, err = store.Open(cfg.JournalPath)
		if err != nil {
			return nil, err
		}
	}
	trust := network.TrustSystem
	if cfg.Insecure {
		trust = network.TrustAnyCertificate
	}
	ag, err := agent.New(self, agent.Options{
		ListenAddr:       cfg.ListenAddr,
		GroupAddr:        cfg.GroupAddr,
		DiscoveryBind:    cfg.DiscoveryBind,
		DiscoveryDest:    cfg.DiscoveryDest,
		AnnounceInterval: cfg.AnnounceInterval,
		SweepInterval:    cfg.SweepInterval,
		PeerTTL:          cfg.PeerTTL,
		Trust:            trust,
		Identity:         ident,
		ReceiveTimeout:   cfg.ReceiveTimeout,
		SendTimeout:      cfg.SendTimeout,
		FanoutLimit:      cfg.FanoutLimit,
		Metrics:          metrics.New(),
		Journal:          journal,
		OnDeal:           onDeal,
		MetricsPath:      cfg.MetricsPath,
	})
	if err != nil {
		if journal != nil {
			_ = journal.Close()
		}
		return nil, err
	}
	return &session{agent: ag, journal: journal}, nil
}

type statusView struct {
	Self     peerView         `json:"self"`
	Peers    []peerView       `json:"peers"`
	Inbound  int              `json:"inbound_deals"`
	Metrics  metrics.Snapshot `json:"metrics"`
	Receiver string           `json:"receiver"`
}

type peerView struct {
	Addr     string  `json:"addr"`
	NodeID   string  `json:"node_id"`
	SpareMiB uint64  `json:"spare_mib"`
	Price    float32 `json:"price"`
}

func viewPeer(p peer.Info) peerView {
	return peerView{Addr: p.Addr, NodeID: p.ID.String(), SpareMiB: p.SpareMiB, Price: p.Price}
}

func statusOf(ag *agent.Agent) func() any {
	return func() any {
		peers := ag.Peers()
		views := make([]peerView, 0, len(peers))
		for _, p := range peers {
			views = append(views, viewPeer(p))
		}
		return statusView{
			Self:     viewPeer(ag.Self()),
			Peers:    views,
			Inbound:  len(ag.InboundDeals()),
			Metrics:  ag.Metrics().Snapshot(),
			Receiver: ag.ReceiverAddr().String(),
		}
	}
}

func runAgent(args []string, stdout, stderr io.Writer) int {
	cfg, ok := loadConfig(stderr)
	if !ok {
		return 1
	}
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	af := bindAgentFlags(fs, &cfg)
	offerSize := fs.Uint64("offer-size", 0, "re-offer a deal of this many MiB (0 disables)")
	offerPrice := fs.Float64("offer-price", 0, "price per MiB paid by the re-offered deal")
	offerEvery := fs.Duration("offer-every", 10*time.Second, "re-offer interval")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if err := af.finish(); err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	if *offerSize > 0 && *offerEvery <= 0 {
		fmt.Fprintln(stderr, "--offer-every must be positive")
		return 1
	}
	if cfg.Insecure {
		fmt.Fprintln(stderr, "WARNING: accepting any receiver certificate")
	}

	var outMu sync.Mutex
	s, err := openSession(cfg, func(addr string, d proto.Deal) {
		outMu.Lock()
		defer outMu.Unlock()
		fmt.Fprintf(stdout, "DEAL from=%s size=%d price_per_mib=%g\n", addr, d.Size, d.PricePerMiB)
	})
	if err != nil {
		fmt.Fprintf(stderr, "start agent failed: %v\n", err)
		return 1
	}
	defer s.close()

	dbg, err := debughttp.StartFromEnv(stderr, statusOf(s.agent))
	if err != nil {
		fmt.Fprintf(stderr, "debug http: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	banner(stdout, cfg, s.agent.Self())
	outMu.Lock()
	fmt.Fprintf(stdout, "READY addr=%s node_id=%s\n", s.agent.ReceiverAddr(), s.agent.Self().ID)
	outMu.Unlock()

	if *offerSize > 0 {
		deal := s.agent.NewDeal(*offerSize*proto.BytesPerMiB, float32(*offerPrice))
		go offerLoop(ctx, s.agent, deal, *offerEvery, func(res agent.FanoutResult) {
			outMu.Lock()
			defer outMu.Unlock()
			printResult(stdout, res)
		})
	}

	err = s.agent.Run(ctx)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = dbg.Shutdown(shutdownCtx)
	if err != nil {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	return 0
}

func offerLoop(ctx context.Context, ag *agent.Agent, deal proto.Deal, every time.Duration, report func(agent.FanoutResult)) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report(ag.SendMatchedDeals(ctx, deal))
		}
	}
}

func printResult(w io.Writer, res agent.FanoutResult) {
	fmt.Fprintf(w, "OFFER matched=%d delivered=%d failed=%d\n", res.Matched, res.Delivered, res.Failed)
}

func runOffer(args []string, stdout, stderr io.Writer) int {
	cfg, ok := loadConfig(stderr)
	if !ok {
		return 1
	}
	fs := flag.NewFlagSet("offer", flag.ContinueOnError)
	fs.SetOutput(stderr)
	af := bindAgentFlags(fs, &cfg)
	size := fs.Uint64("size", 0, "deal size (MiB)")
	pricePer := fs.Float64("price-per-mib", 0, "price per MiB the deal pays")
	wait := fs.Duration("wait", 3*time.Second, "how long to listen for peers before offering")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if err := af.finish(); err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	if *size == 0 {
		fmt.Fprintln(stderr, "missing --size")
		return 1
	}
	if *wait < 0 {
		fmt.Fprintln(stderr, "--wait must not be negative")
		return 1
	}

	s, err := openSession(cfg, nil)
	if err != nil {
		fmt.Fprintf(stderr, "start agent failed: %v\n", err)
		return 1
	}
	defer s.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runCtx, cancelRun := context.WithCancel(ctx)
	runErr := make(chan error, 1)
	go func() { runErr <- s.agent.Run(runCtx) }()

	select {
	case <-time.After(*wait):
	case <-ctx.Done():
	}
	res := s.agent.SendMatchedDeals(ctx, s.agent.NewDeal(*size*proto.BytesPerMiB, float32(*pricePer)))
	printResult(stdout, res)
	cancelRun()
	if err := <-runErr; err != nil {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	if res.Failed > 0 && res.Delivered == 0 {
		return 1
	}
	return 0
}

func runID(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("id", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	id, err := crypto.GenerateIdentity()
	if err != nil {
		fmt.Fprintf(stderr, "generate identity: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "node_id=%s\n", peer.DeriveNodeID(id.Public))
	fmt.Fprintf(stdout, "pubkey=%s\n", hex.EncodeToString(id.Public))
	return 0
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("metrics", os.Getenv("DEALMESH_METRICS_PATH"), "metrics snapshot file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *path == "" {
		fmt.Fprintln(stderr, "missing --metrics")
		return 1
	}
	snap, err := readMetricsSnapshot(*path)
	if err != nil {
		fmt.Fprintf(stderr, "status: %v\n", err)
		return 1
	}
	d, m := snap.Discovery, snap.Deals
	fmt.Fprintf(stdout, "Snapshot at %s\n", snap.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(stdout, "  peers: %d (joined=%d evicted=%d)\n", d.PeerTableSize, d.PeersJoined, d.PeersEvicted)
	fmt.Fprintf(stdout, "  announces: sent=%d failed=%d\n", d.AnnouncesSent, d.AnnouncesFailed)
	fmt.Fprintf(stdout, "  datagrams: received=%d dropped=%d\n", d.DatagramsReceived, d.DatagramsDropped)
	fmt.Fprintf(stdout, "  deals in: received=%d failed=%d\n", m.Received, m.ReceiveFailed)
	fmt.Fprintf(stdout, "  deals out: matched=%d delivered=%d failed=%d\n", m.Matched, m.Delivered, m.SendFailed)
	return 0
}

func readMetricsSnapshot(path string) (metrics.Snapshot, error) {
	var snap metrics.Snapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("parse %s: %w", path, err)
	}
	return snap, nil
}

func runDeals(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("deals", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("journal", os.Getenv("DEALMESH_JOURNAL"), "bbolt journal of received deals")
	n := fs.Int("n", 20, "number of entries")
	from := fs.String("from", "", "print only the latest deal from this origin addr")
	node := fs.String("node", "", "keep only entries whose origin has this hex node id")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *path == "" {
		fmt.Fprintln(stderr, "missing --journal")
		return 1
	}
	var want *peer.NodeID
	if *node != "" {
		id, err := peer.ParseNodeIDHex(*node)
		if err != nil {
			fmt.Fprintf(stderr, "deals: --node: %v\n", err)
			return 1
		}
		want = &id
	}
	if _, err := os.Stat(*path); errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(stderr, "deals: no journal at %s\n", *path)
		return 1
	}
	j, err := store.Open(*path)
	if err != nil {
		fmt.Fprintf(stderr, "deals: %v\n", err)
		return 1
	}
	defer j.Close()

	if *from != "" {
		d, err := j.Latest(*from)
		if errors.Is(err, store.ErrNotFound) {
			fmt.Fprintf(stderr, "deals: nothing recorded from %s\n", *from)
			return 1
		}
		if err != nil {
			fmt.Fprintf(stderr, "deals: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "latest from=%s id=%s size=%d price_per_mib=%g\n",
			*from, shortHex(d.Origin.NodeID), d.Size, d.PricePerMiB)
		return 0
	}

	entries, err := j.Recent(*n)
	if err != nil {
		fmt.Fprintf(stderr, "deals: %v\n", err)
		return 1
	}
	printed := 0
	for _, e := range entries {
		if want != nil && !bytes.Equal(e.Deal.Origin.NodeID, want[:]) {
			continue
		}
		fmt.Fprintf(stdout, "%d %s from=%s id=%s size=%d price_per_mib=%g\n",
			e.Seq, e.Time().UTC().Format(time.RFC3339), e.From, shortHex(e.Deal.Origin.NodeID), e.Deal.Size, e.Deal.PricePerMiB)
		printed++
	}
	if printed == 0 {
		fmt.Fprintln(stdout, "no deals recorded")
	}
	return 0
}

func shortHex(b []byte) string {
	id := hex.EncodeToString(b)
	if len(id) > 8 {
		id = id[:8]
	}
	return id
}
