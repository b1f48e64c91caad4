// Package network brings the network up before the first upload.
package network

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Prober checks once whether the network is usable and returns the
// address it found.
type Prober interface {
	Probe(ctx context.Context) (net.IP, error)
}

// Policy bounds the bring-up retries.
type Policy struct {
	MaxAttempts int
	Backoff     Backoff
}

// Establish probes until it succeeds, MaxAttempts is exhausted or ctx ends.
func Establish(ctx context.Context, p Prober, policy Policy, log logrus.FieldLogger) (net.IP, error) {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.Backoff == nil {
		policy.Backoff = Constant(0)
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		ip, err := p.Probe(ctx)
		if err == nil {
			log.WithField("attempts", attempt).Infof("Network up, IP Address: %s", ip)
			return ip, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == policy.MaxAttempts {
			break
		}

		delay := policy.Backoff.Next(attempt)
		log.WithError(err).WithField("attempt", attempt).Debugf("Network not ready, retrying in %s", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return nil, errors.Wrapf(lastErr, "network not up after %d attempts", policy.MaxAttempts)
}

// InterfaceProber succeeds once the named interface is up and holds a
// unicast address, i.e. the wireless link is associated and configured.
type InterfaceProber struct {
	Name string

	lookup func(name string) (*net.Interface, error)
	addrs  func(iface *net.Interface) ([]net.Addr, error)
}

// Probe implements Prober.
func (p InterfaceProber) Probe(context.Context) (net.IP, error) {
	lookup := p.lookup
	if lookup == nil {
		lookup = net.InterfaceByName
	}
	addrs := p.addrs
	if addrs == nil {
		addrs = func(iface *net.Interface) ([]net.Addr, error) { return iface.Addrs() }
	}

	iface, err := lookup(p.Name)
	if err != nil {
		return nil, fmt.Errorf("interface %s: %w", p.Name, err)
	}
	if iface.Flags&net.FlagUp == 0 {
		return nil, fmt.Errorf("interface %s is down", p.Name)
	}

	list, err := addrs(iface)
	if err != nil {
		return nil, fmt.Errorf("interface %s addresses: %w", p.Name, err)
	}
	for _, a := range list {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip != nil && ip.IsGlobalUnicast() {
			return ip, nil
		}
	}

	return nil, fmt.Errorf("interface %s has no usable address", p.Name)
}

// ResolveProber succeeds once Host resolves.
type ResolveProber struct {
	Host     string
	Resolver *net.Resolver
}

// Probe implements Prober.
func (p ResolveProber) Probe(ctx context.Context) (net.IP, error) {
	r := p.Resolver
	if r == nil {
		r = net.DefaultResolver
	}

	ips, err := r.LookupIP(ctx, "ip", p.Host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses for %s", p.Host)
	}
	return ips[0], nil
}
