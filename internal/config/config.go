// Package config holds agent settings. Defaults come from Default, the
// environment overrides them via ApplyEnv, and command-line flags override
// both.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultGroupAddr        = "224.0.0.167:47800"
	DefaultAnnounceInterval = 2 * time.Second
	DefaultSweepInterval    = 1 * time.Second
	DefaultPeerTTL          = 5 * time.Second
	DefaultReceiveTimeout   = 10 * time.Second
	DefaultSendTimeout      = 10 * time.Second
)

type Config struct {
	// ListenAddr is where the deal receiver binds.
	ListenAddr string
	// AdvertiseAddr is what peers dial; empty means ListenAddr.
	AdvertiseAddr string
	GroupAddr     string
	// DiscoveryBind and DiscoveryDest switch discovery to unicast when both
	// are set.
	DiscoveryBind string
	DiscoveryDest string

	SpareMiB uint64
	Price    float32

	AnnounceInterval time.Duration
	SweepInterval    time.Duration
	PeerTTL          time.Duration
	ReceiveTimeout   time.Duration
	SendTimeout      time.Duration
	FanoutLimit      int

	Insecure    bool
	JournalPath string
	MetricsPath string
	Debug       bool
}

func Default() Config {
	return Config{
		GroupAddr:        DefaultGroupAddr,
		AnnounceInterval: DefaultAnnounceInterval,
		SweepInterval:    DefaultSweepInterval,
		PeerTTL:          DefaultPeerTTL,
		ReceiveTimeout:   DefaultReceiveTimeout,
		SendTimeout:      DefaultSendTimeout,
	}
}

// Advertised returns the address announced to peers.
func (c Config) Advertised() string {
	if c.AdvertiseAddr != "" {
		return c.AdvertiseAddr
	}
	return c.ListenAddr
}

// ApplyEnv overrides fields from DEALMESH_* variables. Unset variables leave
// the field alone; malformed ones are reported.
func (c *Config) ApplyEnv() error {
	var errs []error
	str := func(name string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) {
		v := strings.TrimSpace(os.Getenv(name))
		if v == "" {
			return
		}
		d, err := parseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		*dst = d
	}
	boolean := func(name string, dst *bool) {
		v := strings.TrimSpace(os.Getenv(name))
		if v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		*dst = b
	}

	str("DEALMESH_LISTEN_ADDR", &c.ListenAddr)
	str("DEALMESH_ADVERTISE_ADDR", &c.AdvertiseAddr)
	str("DEALMESH_GROUP_ADDR", &c.GroupAddr)
	str("DEALMESH_DISCOVERY_BIND", &c.DiscoveryBind)
	str("DEALMESH_DISCOVERY_DEST", &c.DiscoveryDest)
	str("DEALMESH_JOURNAL", &c.JournalPath)
	str("DEALMESH_METRICS_PATH", &c.MetricsPath)
	dur("DEALMESH_ANNOUNCE_INTERVAL", &c.AnnounceInterval)
	dur("DEALMESH_SWEEP_INTERVAL", &c.SweepInterval)
	dur("DEALMESH_PEER_TTL", &c.PeerTTL)
	dur("DEALMESH_RECEIVE_TIMEOUT", &c.ReceiveTimeout)
	dur("DEALMESH_SEND_TIMEOUT", &c.SendTimeout)
	boolean("DEALMESH_INSECURE", &c.Insecure)
	boolean("DEALMESH_DEBUG", &c.Debug)

	if v := strings.TrimSpace(os.Getenv("DEALMESH_SPARE_MIB")); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("DEALMESH_SPARE_MIB: %w", err))
		} else {
			c.SpareMiB = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("DEALMESH_PRICE")); v != "" {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			errs = append(errs, fmt.Errorf("DEALMESH_PRICE: %w", err))
		} else {
			c.Price = float32(f)
		}
	}
	if v := strings.TrimSpace(os.Getenv("DEALMESH_FANOUT_LIMIT")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("DEALMESH_FANOUT_LIMIT: %w", err))
		} else {
			c.FanoutLimit = n
		}
	}
	return errors.Join(errs...)
}

// parseDuration accepts Go durations ("1500ms") or plain seconds ("2").
func parseDuration(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("missing listen addr")
	}
	if (c.DiscoveryBind == "") != (c.DiscoveryDest == "") {
		return errors.New("discovery bind and dest must be set together")
	}
	if c.DiscoveryBind == "" && c.GroupAddr == "" {
		return errors.New("missing group addr")
	}
	if c.AnnounceInterval <= 0 || c.SweepInterval <= 0 || c.PeerTTL <= 0 {
		return errors.New("intervals and ttl must be positive")
	}
	if c.PeerTTL < c.AnnounceInterval {
		return fmt.Errorf("peer ttl %s shorter than announce interval %s", c.PeerTTL, c.AnnounceInterval)
	}
	if c.ReceiveTimeout < 0 || c.SendTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	if c.FanoutLimit < 0 {
		return errors.New("fanout limit must not be negative")
	}
	if math.IsNaN(float64(c.Price)) || c.Price < 0 {
		return fmt.Errorf("invalid price %v", c.Price)
	}
	return nil
}
