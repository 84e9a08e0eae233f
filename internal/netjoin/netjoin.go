// Package netjoin brings the node onto the network before the servers bind.
//
// Association itself is owned by the host (wpa_supplicant, NetworkManager or
// the image's network config). The joiner checks the credentials are present
// and waits until the interface carries a routable IPv4 address.
package netjoin

import (
	"context"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/logitemp/logitemp/internal/config"
	"github.com/logitemp/logitemp/internal/logging"
)

// ErrTimeout is returned when no usable address appears in time.
var ErrTimeout = errors.New("network join timed out")

// ErrNoCredentials is returned when the SSID is missing.
var ErrNoCredentials = errors.New("wifi credentials missing")

const pollInterval = 250 * time.Millisecond

// Joiner connects the node and returns the address it got.
type Joiner interface {
	Join(ctx context.Context, cfg config.WiFiConfig) (net.IP, error)
}

// AddrSource lists the addresses of iface, or of every interface when iface
// is empty.
type AddrSource func(iface string) ([]net.Addr, error)

// InterfaceAddrs is the AddrSource backed by the host's interfaces.
func InterfaceAddrs(iface string) ([]net.Addr, error) {
	if iface == "" {
		return net.InterfaceAddrs()
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, err
	}
	return ifi.Addrs()
}

// HostJoiner waits for the host network stack to configure an address.
type HostJoiner struct {
	addrs  AddrSource
	clock  clock.Clock
	logger logging.Logger
}

// NewHostJoiner returns a joiner polling addrs. A nil addrs uses
// InterfaceAddrs and a nil clk the wall clock.
func NewHostJoiner(addrs AddrSource, clk clock.Clock, logger logging.Logger) *HostJoiner {
	if addrs == nil {
		addrs = InterfaceAddrs
	}
	if clk == nil {
		clk = clock.New()
	}
	return &HostJoiner{addrs: addrs, clock: clk, logger: logger}
}

// Join blocks until a routable IPv4 address is present, cfg.JoinTimeout
// passes or ctx is done.
func (j *HostJoiner) Join(ctx context.Context, cfg config.WiFiConfig) (net.IP, error) {
	if cfg.SSID == "" {
		return nil, ErrNoCredentials
	}
	j.logger.Infow("joining network", "ssid", cfg.SSID, "interface", cfg.Interface, "timeout", cfg.JoinTimeout)

	var deadline <-chan time.Time
	if cfg.JoinTimeout > 0 {
		timer := j.clock.Timer(cfg.JoinTimeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := j.clock.Ticker(pollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		addrs, err := j.addrs(cfg.Interface)
		if err != nil {
			if lastErr == nil || lastErr.Error() != err.Error() {
				j.logger.Debugw("interface not ready", "interface", cfg.Interface, "error", err)
			}
			lastErr = err
		} else if ip := Routable(addrs); ip != nil {
			j.logger.Infow("network joined", "ssid", cfg.SSID, "ip", ip.String())
			return ip, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			if lastErr != nil {
				return nil, errors.Wrapf(ErrTimeout, "after %v: %v", cfg.JoinTimeout, lastErr)
			}
			return nil, errors.Wrapf(ErrTimeout, "after %v", cfg.JoinTimeout)
		case <-ticker.C:
		}
	}
}

// Routable returns the first IPv4 address that is neither loopback nor
// link local.
func Routable(addrs []net.Addr) net.IP {
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		default:
			continue
		}
		ip4 := ip.To4()
		if ip4 == nil || ip4.IsLoopback() || ip4.IsLinkLocalUnicast() || ip4.IsUnspecified() {
			continue
		}
		return ip4
	}
	return nil
}

// Static is a Joiner that returns a fixed result. It stands in for the host
// joiner when the node runs on fake drivers.
type Static struct {
	IP  net.IP
	Err error
}

// Join returns the configured result.
func (s Static) Join(ctx context.Context, _ config.WiFiConfig) (net.IP, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.IP, s.Err
}
