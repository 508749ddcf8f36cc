package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"dealmesh/internal/config"
	"dealmesh/internal/peer"
)

func banner(w io.Writer, cfg config.Config, self peer.Info) {
	title := color.New(color.FgCyan, color.Bold)
	label := color.New(color.FgHiBlack)
	warn := color.New(color.FgYellow)

	title.Fprintln(w, "dealmesh agent")
	label.Fprint(w, "Node: ")
	fmt.Fprintln(w, self.ID)
	label.Fprint(w, "Offer: ")
	fmt.Fprintf(w, "spare=%dMiB price=%g/MiB\n", self.SpareMiB, self.Price)
	label.Fprint(w, "Listen: ")
	fmt.Fprintf(w, "%s (advertised %s)\n", cfg.ListenAddr, self.Addr)
	label.Fprint(w, "Discovery: ")
	if cfg.DiscoveryBind != "" && cfg.DiscoveryDest != "" {
		fmt.Fprintf(w, "unicast %s -> %s\n", cfg.DiscoveryBind, cfg.DiscoveryDest)
	} else {
		fmt.Fprintf(w, "multicast %s\n", cfg.GroupAddr)
	}
	label.Fprint(w, "Timers: ")
	fmt.Fprintf(w, "announce=%s sweep=%s ttl=%s\n", cfg.AnnounceInterval, cfg.SweepInterval, cfg.PeerTTL)
	label.Fprint(w, "Trust: ")
	if cfg.Insecure {
		warn.Fprintln(w, "any certificate (insecure)")
	} else {
		fmt.Fprintln(w, "system roots")
	}
}
