/*
Copyright 2025 Google LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	https://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package netif implements the NetInterface facade (C8): it composes
// ChipIO, the socket engine, the DHCP client, and the DNS resolver into
// the single object a caller (or the pkg/bsdsock shim) constructs and
// drives. Construction performs the reset/detect/link-wait/DHCP
// sequence described for the original's WIZNET5K.__init__.
package netif

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
	"k8s.io/klog/v2"

	"github.com/wiznet-go/w5kstack/pkg/apis"
	"github.com/wiznet-go/w5kstack/pkg/chipio"
	"github.com/wiznet-go/w5kstack/pkg/dhcp"
	"github.com/wiznet-go/w5kstack/pkg/dns"
	"github.com/wiznet-go/w5kstack/pkg/socket"
)

// ResetLine is the minimum reset-pin surface NetInterface needs. It is
// optional: a chip wired without a controllable reset pin passes nil
// and relies on power-on reset alone.
type ResetLine interface {
	// Assert drives the reset pin to its active level.
	Assert(ctx context.Context) error
	// Deassert releases the reset pin.
	Deassert(ctx context.Context) error
}

// Metrics holds the Prometheus collectors NetInterface reports into a
// caller-supplied registry. A NetInterface built without a registry
// (RegisterMetrics never called) pays nothing: every field stays nil
// and the helper methods that touch them short-circuit.
type Metrics struct {
	dhcpLeasesAcquired prometheus.Counter
	dhcpLeasesRenewed  prometheus.Counter
	dhcpLeasesExpired  prometheus.Counter
	dnsQueriesIssued   prometheus.Counter
	dnsQueriesFailed   prometheus.Counter
	socketsOpened      prometheus.Counter
	socketsClosed      prometheus.Counter
}

func newMetrics() *Metrics {
	return &Metrics{
		dhcpLeasesAcquired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "w5k_dhcp_leases_acquired_total", Help: "DHCP leases freshly acquired (not renewed).",
		}),
		dhcpLeasesRenewed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "w5k_dhcp_leases_renewed_total", Help: "DHCP leases renewed or rebound.",
		}),
		dhcpLeasesExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "w5k_dhcp_leases_expired_total", Help: "DHCP leases that expired without renewal.",
		}),
		dnsQueriesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "w5k_dns_queries_issued_total", Help: "DNS A-record queries sent.",
		}),
		dnsQueriesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "w5k_dns_queries_failed_total", Help: "DNS A-record queries that never got a usable answer.",
		}),
		socketsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "w5k_sockets_opened_total", Help: "Hardware sockets opened.",
		}),
		socketsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "w5k_sockets_closed_total", Help: "Hardware sockets closed.",
		}),
	}
}

func (m *Metrics) registerInto(reg *prometheus.Registry) error {
	for _, c := range []prometheus.Collector{
		m.dhcpLeasesAcquired, m.dhcpLeasesRenewed, m.dhcpLeasesExpired,
		m.dnsQueriesIssued, m.dnsQueriesFailed, m.socketsOpened, m.socketsClosed,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// NetInterface is the top-level facade composing C1-C7. It owns the
// chip, the socket engine, and (optionally) a DHCP client; the DNS
// resolver is built lazily against whatever DNS server is currently
// configured, since that address can change across a DHCP renewal.
type NetInterface struct {
	chip *chipio.ChipIO
	eng  *socket.Engine
	cfg  apis.Config

	reset ResetLine
	dhcpC *dhcp.Client

	dnsServer   [4]byte
	maintainLim *rate.Limiter
	metrics     *Metrics
}

// New performs the full bring-up sequence: optional reset pulse,
// variant detection, MAC write, link wait, and (if useDHCP) a blocking
// lease acquisition, mirroring WIZNET5K.__init__.
func New(ctx context.Context, bus chipio.Bus, reset ResetLine, mac [6]byte, cfg apis.Config, useDHCP bool) (*NetInterface, error) {
	merged, err := apis.WithDefaults(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "merging configuration")
	}
	if err := apis.ValidateConfig(merged); err != nil {
		return nil, err
	}
	if err := apis.ValidateMAC(mac[:]); err != nil {
		return nil, err
	}

	if reset != nil {
		if err := reset.Assert(ctx); err != nil {
			return nil, errors.Wrap(err, "asserting reset line")
		}
		time.Sleep(100 * time.Millisecond)
		if err := reset.Deassert(ctx); err != nil {
			return nil, errors.Wrap(err, "deasserting reset line")
		}
		time.Sleep(5 * time.Second)
	}

	chip, err := chipio.Detect(ctx, bus)
	if err != nil {
		return nil, err
	}
	if err := chip.SetMACAddress(ctx, mac); err != nil {
		return nil, errors.Wrap(err, "writing MAC address")
	}

	n := &NetInterface{
		chip:        chip,
		eng:         socket.NewEngine(chip),
		cfg:         merged,
		reset:       reset,
		maintainLim: rate.NewLimiter(rate.Every(merged.MaintainRateLimit), 1),
	}

	if err := n.waitForLink(ctx, 5*time.Second); err != nil {
		return nil, err
	}

	if useDHCP {
		n.dhcpC = dhcp.NewClient(n.eng, chip, mac, merged.Hostname, merged)
		if err := n.dhcpC.RequestLease(ctx); err != nil {
			return nil, errors.Wrap(err, "acquiring initial DHCP lease")
		}
		n.dnsServer = n.dhcpC.Lease().DNSServer
		if n.metrics != nil {
			n.metrics.dhcpLeasesAcquired.Inc()
		}
	}

	klog.Infof("netif: %s ready, mac=%s", chip.Variant(), apis.PrettyMAC(mac))
	return n, nil
}

func (n *NetInterface) waitForLink(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		up, err := n.chip.LinkStatus(ctx)
		if err != nil {
			return err
		}
		if up {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Wrap(apis.ErrLinkDown, "PHY link did not come up within timeout")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// RegisterMetrics wires this interface's Prometheus counters into reg.
// Never calling it is fine: Metrics() reports nil until it has been
// called. Each call registers a fresh set of counters, so a second call
// with the same registry fails with the registry's
// duplicate-registration error.
func (n *NetInterface) RegisterMetrics(reg *prometheus.Registry) error {
	m := newMetrics()
	if err := m.registerInto(reg); err != nil {
		return errors.Wrap(err, "registering w5k metrics")
	}
	n.metrics = m
	return nil
}

// Metrics returns the currently registered metrics, or nil if
// RegisterMetrics was never called.
func (n *NetInterface) Metrics() *Metrics { return n.metrics }

// Chip reports which chip variant this interface is driving.
func (n *NetInterface) Chip() apis.ChipVariant { return n.chip.Variant() }

// MaxSockets reports how many hardware sockets the chip exposes.
func (n *NetInterface) MaxSockets() int { return n.chip.MaxSockets() }

// LinkStatus reports whether the PHY currently reports a link.
func (n *NetInterface) LinkStatus(ctx context.Context) (bool, error) {
	return n.chip.LinkStatus(ctx)
}

// MACAddress reads back SHAR.
func (n *NetInterface) MACAddress(ctx context.Context) ([6]byte, error) {
	return n.chip.MACAddress(ctx)
}

// SetMACAddress writes a new SHAR value.
func (n *NetInterface) SetMACAddress(ctx context.Context, mac [6]byte) error {
	return n.chip.SetMACAddress(ctx, mac)
}

// Ifconfig returns the (ip, mask, gateway, dns) 4-tuple.
func (n *NetInterface) Ifconfig(ctx context.Context) (ip, mask, gw, dnsSrv [4]byte, err error) {
	ip, mask, gw, err = n.chip.Ifconfig(ctx)
	dnsSrv = n.dnsServer
	return
}

// SetIfconfig statically configures ip/mask/gw/dns. It does not stop an
// active DHCP client: the next MaintainDHCPLease pass sets the DNS
// server back to the lease's, and a fresh lease rewrites ip/mask/gw (a
// caller that mixes static configuration with DHCP is responsible for
// not racing the two).
func (n *NetInterface) SetIfconfig(ctx context.Context, ip, mask, gw, dnsSrv [4]byte) error {
	if err := n.chip.SetIfconfig(ctx, ip, mask, gw); err != nil {
		return err
	}
	n.dnsServer = dnsSrv
	return nil
}

// RCR / SetRCR and RTR / SetRTR expose the chip's own TCP
// retry-count/retry-time registers.
func (n *NetInterface) RCR(ctx context.Context) (byte, error)       { return n.chip.RCR(ctx) }
func (n *NetInterface) SetRCR(ctx context.Context, v byte) error    { return n.chip.SetRCR(ctx, v) }
func (n *NetInterface) RTR(ctx context.Context) (uint16, error)     { return n.chip.RTR(ctx) }
func (n *NetInterface) SetRTR(ctx context.Context, v uint16) error  { return n.chip.SetRTR(ctx, v) }

// GetSocket / ReleaseSocket expose the socket allocator.
func (n *NetInterface) GetSocket(ctx context.Context, reserve bool) (int, error) {
	sock, err := n.eng.GetSocket(ctx, reserve)
	if err == nil && n.metrics != nil {
		n.metrics.socketsOpened.Inc()
	}
	return sock, err
}

func (n *NetInterface) ReleaseSocket(sock int) error {
	if n.metrics != nil {
		n.metrics.socketsClosed.Inc()
	}
	return n.eng.ReleaseSocket(sock)
}

// Engine exposes the underlying socket engine for pkg/bsdsock, which
// needs the full Open/Connect/Listen/Accept/Recv/Write/Close surface
// rather than a narrowed facade subset.
func (n *NetInterface) Engine() *socket.Engine { return n.eng }

// GetHostByName resolves host against the interface's currently
// configured DNS server.
func (n *NetInterface) GetHostByName(ctx context.Context, host string) ([4]byte, error) {
	if n.maintainLim != nil && !n.maintainLim.Allow() {
		return [4]byte{}, errors.New("dns: query rate limit exceeded, retry later")
	}
	resolver := dns.NewResolver(n.eng, n.dnsServer, n.cfg.DnsMaxAttempts, n.cfg.DnsAttemptTimeout)
	if n.metrics != nil {
		n.metrics.dnsQueriesIssued.Inc()
	}
	ip, err := resolver.GetHostByName(ctx, host)
	if err != nil && n.metrics != nil {
		n.metrics.dnsQueriesFailed.Inc()
	}
	return ip, err
}

// MaintainDHCPLease drives one non-blocking pass of the DHCP FSM. It is
// a no-op if the interface was not configured to use DHCP. Rate
// limiting protects against a caller that polls this in a tight loop.
// If the PHY link is down, the lease and static ifconfig are dropped
// and the FSM is forced back to INIT; it resumes from there once the
// link returns (spec.md 4.5's link-state integration).
func (n *NetInterface) MaintainDHCPLease(ctx context.Context) error {
	if n.dhcpC == nil {
		return nil
	}
	if n.maintainLim != nil && !n.maintainLim.Allow() {
		return nil
	}

	up, err := n.chip.LinkStatus(ctx)
	if err != nil {
		return err
	}
	if !up {
		if n.dhcpC.State() != apis.DhcpInit {
			klog.Infof("dhcp: link down, dropping lease and resetting to INIT")
			wasBound := n.dhcpC.State() == apis.DhcpBound
			n.dhcpC.ResetLink()
			if err := n.chip.SetIfconfig(ctx, [4]byte{}, [4]byte{}, [4]byte{}); err != nil {
				return err
			}
			n.dnsServer = [4]byte{}
			if wasBound && n.metrics != nil {
				n.metrics.dhcpLeasesExpired.Inc()
			}
		}
		return nil
	}

	before := n.dhcpC.State()
	beforeT1 := n.dhcpC.Lease().T1
	if err := n.dhcpC.MaintainLease(ctx); err != nil {
		return err
	}
	after := n.dhcpC.State()
	n.dnsServer = n.dhcpC.Lease().DNSServer
	if n.metrics != nil {
		switch {
		case before != apis.DhcpBound && after == apis.DhcpBound:
			n.metrics.dhcpLeasesRenewed.Inc()
		case before == apis.DhcpBound && after == apis.DhcpBound && !n.dhcpC.Lease().T1.Equal(beforeT1):
			// A renew/rebind pass starts and ends in BOUND; a new T1
			// shows that it obtained an ACK.
			n.metrics.dhcpLeasesRenewed.Inc()
		case before == apis.DhcpBound && after == apis.DhcpInit:
			n.metrics.dhcpLeasesExpired.Inc()
		}
	}
	return nil
}

// SoftReset re-runs chip detection and re-applies the MAC address,
// without touching an established DHCP lease, mirroring the original's
// standalone sw_reset entry point (spec.md 6.2's Detect, exposed here
// for callers that already own a NetInterface).
func (n *NetInterface) SoftReset(ctx context.Context, bus chipio.Bus) error {
	mac, err := n.chip.MACAddress(ctx)
	if err != nil {
		return err
	}
	if n.reset != nil {
		if err := n.reset.Assert(ctx); err != nil {
			return errors.Wrap(err, "asserting reset line")
		}
		time.Sleep(100 * time.Millisecond)
		if err := n.reset.Deassert(ctx); err != nil {
			return errors.Wrap(err, "deasserting reset line")
		}
		time.Sleep(5 * time.Second)
	}
	chip, err := chipio.Detect(ctx, bus)
	if err != nil {
		return err
	}
	if err := chip.SetMACAddress(ctx, mac); err != nil {
		return err
	}
	n.chip = chip
	n.eng = socket.NewEngine(chip)
	return nil
}
