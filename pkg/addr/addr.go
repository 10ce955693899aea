// Package addr discovers this node's own routable address: resolve a
// configured DNS name, enumerate local non-loopback interfaces, and pick
// the IPv4 address that appears in both sets.
package addr

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/mcm/pkg/log"
)

// pollInterval and maxWait match spec: "retried for up to 5 minutes at 1s
// intervals before giving up".
const pollInterval = 1 * time.Second
const maxWait = 5 * time.Minute

// Resolver discovers this node's address against a bootstrap DNS name.
type Resolver struct {
	serviceName string
	lookupHost  func(ctx context.Context, name string) ([]string, error)
	interfaces  func() ([]net.Interface, error)
	logger      zerolog.Logger
}

// New creates a Resolver for the given DNS name (e.g. "tasks.mcm").
func New(serviceName string) *Resolver {
	return &Resolver{
		serviceName: serviceName,
		lookupHost:  net.DefaultResolver.LookupHost,
		interfaces:  net.Interfaces,
		logger:      log.WithComponent("addr"),
	}
}

// Resolve blocks (bounded by maxWait) until it can find a local IPv4
// address that is also returned by resolving serviceName.
func (r *Resolver) Resolve(ctx context.Context) (string, error) {
	deadline := time.Now().Add(maxWait)
	for {
		if addr, ok := r.tryResolve(ctx); ok {
			return addr, nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("addr: resolve: timed out after %s looking up %q", maxWait, r.serviceName)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (r *Resolver) tryResolve(ctx context.Context) (string, bool) {
	dnsAddrs, err := r.lookupHost(ctx, r.serviceName)
	if err != nil {
		r.logger.Debug().Err(err).Str("service", r.serviceName).Msg("dns lookup not yet successful")
		return "", false
	}
	dnsSet := make(map[string]bool, len(dnsAddrs))
	for _, a := range dnsAddrs {
		dnsSet[a] = true
	}

	ifaces, err := r.interfaces()
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to enumerate local interfaces")
		return "", false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ip, _, err := net.ParseCIDR(a.String())
			if err != nil {
				continue
			}
			ip4 := ip.To4()
			if ip4 == nil {
				continue
			}
			if dnsSet[ip4.String()] {
				return ip4.String(), true
			}
		}
	}
	return "", false
}

// FallbackIdentity returns a unique identity to use as a session name
// suffix when no hostname is resolvable and no stable address is
// available, e.g. while debugging outside the deployed environment.
func FallbackIdentity() string {
	return uuid.NewString()
}
