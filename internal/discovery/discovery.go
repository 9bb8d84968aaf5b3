// Package discovery advertises the sync server on the local network over
// mDNS and finds other servers that do the same.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/grandcat/zeroconf"
	"github.com/pkg/errors"
)

const (
	DefaultService = "_collabtext._tcp"
	domain         = "local."
)

type Options struct {
	// Instance is the advertised instance name. Empty means
	// "CollabText-<hostname>".
	Instance string
	Service  string
	// Addr is the server listen address; only its port is advertised.
	Addr   string
	Logger *slog.Logger
}

// Advertiser keeps a registration alive until Shutdown.
type Advertiser struct {
	server *zeroconf.Server
	logger *slog.Logger
}

func Advertise(opts Options) (*Advertiser, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Service == "" {
		opts.Service = DefaultService
	}
	port, err := portFromAddr(opts.Addr)
	if err != nil {
		return nil, err
	}
	instance := opts.Instance
	if instance == "" {
		instance = defaultInstance()
	}
	server, err := zeroconf.Register(instance, opts.Service, domain, port,
		[]string{"txtv=0", "path=/ws"}, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to register mDNS service")
	}
	logger.Info("mDNS service registered", "instance", instance, "service", opts.Service, "port", port)
	return &Advertiser{server: server, logger: logger}, nil
}

func (a *Advertiser) Shutdown() {
	a.server.Shutdown()
	a.logger.Info("mDNS service withdrawn")
}

// Peer is another server found on the network.
type Peer struct {
	Instance string
	Addrs    []net.IP
	Port     int
}

// Browse collects the servers advertising service until ctx is done.
func Browse(ctx context.Context, service string) ([]Peer, error) {
	if service == "" {
		service = DefaultService
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize mDNS resolver")
	}
	entries := make(chan *zeroconf.ServiceEntry)
	var (
		mu    sync.Mutex
		peers []Peer
	)
	go func() {
		for e := range entries {
			mu.Lock()
			peers = append(peers, Peer{
				Instance: e.Instance,
				Addrs:    append(append([]net.IP(nil), e.AddrIPv4...), e.AddrIPv6...),
				Port:     e.Port,
			})
			mu.Unlock()
		}
	}()
	if err := resolver.Browse(ctx, service, domain, entries); err != nil {
		return nil, errors.Wrap(err, "failed to browse for mDNS services")
	}
	<-ctx.Done()
	mu.Lock()
	defer mu.Unlock()
	return append([]Peer(nil), peers...), nil
}

func defaultInstance() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("CollabText-%s", host)
}

func portFromAddr(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid listen address %q", addr)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return 0, errors.Errorf("invalid port in listen address %q", addr)
	}
	return port, nil
}
