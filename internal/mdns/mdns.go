// Package mdns announces the spectrum web server on the local network and
// finds other instances.
package mdns

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// Service is the DNS-SD service type of the web UI.
	Service = "_fdmspectrum._tcp"
	Domain  = "local."
)

// Host represents a discovered spectrum server.
type Host struct {
	Instance  string // Advertised name: "FDM-DUO T1234"
	Hostname  string // DNS hostname: "shack.local."
	Addresses []net.IP
	Port      int
	TXT       []string
}

// URL returns an http URL for the first address, or "" without one.
func (h Host) URL() string {
	if len(h.Addresses) == 0 {
		return ""
	}
	return fmt.Sprintf("http://%s", net.JoinHostPort(h.Addresses[0].String(), fmt.Sprint(h.Port)))
}

// Advertiser keeps a registration alive until Shutdown.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers instance on port with the given TXT records.
func Advertise(instance string, port int, txt []string) (*Advertiser, error) {
	if port <= 0 {
		return nil, fmt.Errorf("advertise %q: invalid port %d", instance, port)
	}
	server, err := zeroconf.Register(instance, Service, Domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("advertise %q: %w", instance, err)
	}
	return &Advertiser{server: server}, nil
}

// Shutdown withdraws the registration.
func (a *Advertiser) Shutdown() {
	if a != nil && a.server != nil {
		a.server.Shutdown()
	}
}

// Discover performs a blocking browse for Service until timeout or ctx
// ends. It returns cleaned, deduplicated hosts sorted by instance.
func Discover(ctx context.Context, timeout time.Duration) ([]Host, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("resolver error: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	resultMap := make(map[string]Host)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case e, ok := <-entries:
				if !ok {
					return
				}
				if e == nil {
					continue
				}
				h := hostFromEntry(e)
				resultMap[fmt.Sprintf("%s|%d", h.Hostname, h.Port)] = h
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return nil, fmt.Errorf("browse error: %w", err)
	}

	<-done

	out := make([]Host, 0, len(resultMap))
	for _, h := range resultMap {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out, nil
}

func hostFromEntry(e *zeroconf.ServiceEntry) Host {
	addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
	addrs = append(addrs, e.AddrIPv4...)
	addrs = append(addrs, e.AddrIPv6...)
	return Host{
		Instance:  cleanInstance(e.Instance),
		Hostname:  e.HostName,
		Addresses: addrs,
		Port:      e.Port,
		TXT:       append([]string{}, e.Text...),
	}
}

// cleanInstance removes Zeroconf escape sequences: "\ " => " "
func cleanInstance(s string) string {
	return strings.ReplaceAll(s, `\ `, " ")
}

// InstanceName builds the advertised name from the device serial.
func InstanceName(serial string) string {
	serial = strings.TrimSpace(serial)
	if serial == "" {
		return "FDM-DUO spectrum"
	}
	return "FDM-DUO " + serial
}
