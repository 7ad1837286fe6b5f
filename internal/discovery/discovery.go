// Package discovery advertises and finds chat servers on the local network
// over multicast DNS.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"

	"github.com/danmuck/edgechat/internal/observability"
)

const (
	Service = "_edgechat._tcp"
	Domain  = "local."

	DefaultLookupTimeout = 2 * time.Second
)

var ErrInvalidInstance = errors.New("discovery: invalid instance")

// Instance is what a server advertises about itself.
type Instance struct {
	ID   string
	Name string
	Port int
	Path string
	IPs  []net.IP
}

// Endpoint is one server found by Lookup.
type Endpoint struct {
	ID   string
	Name string
	Host string
	Addr string
	Path string
}

// URL is the WebSocket address for the endpoint.
func (e Endpoint) URL(secure bool) string {
	scheme := "ws"
	if secure {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s%s", scheme, e.Addr, e.Path)
}

func (e Endpoint) String() string {
	if e.Name != "" && e.Name != e.ID {
		return fmt.Sprintf("%s (%s) %s", e.Name, e.ID, e.Addr)
	}
	return fmt.Sprintf("%s %s", e.ID, e.Addr)
}

type Advertiser struct {
	server *mdns.Server
}

// Advertise answers mDNS queries for inst until Close.
func Advertise(inst Instance) (*Advertiser, error) {
	if strings.TrimSpace(inst.ID) == "" || inst.Port <= 0 || inst.Port > 65535 {
		return nil, fmt.Errorf("%w: id=%q port=%d", ErrInvalidInstance, inst.ID, inst.Port)
	}
	svc, err := mdns.NewMDNSService(inst.ID, Service, Domain, "", inst.Port, inst.IPs, txtRecords(inst))
	if err != nil {
		return nil, fmt.Errorf("discovery: create service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: svc})
	if err != nil {
		return nil, fmt.Errorf("discovery: start responder: %w", err)
	}
	logger := observability.Component("discovery")
	logger.Info().
		Str("id", inst.ID).
		Int("port", inst.Port).
		Str("service", Service).
		Msg("advertising")
	return &Advertiser{server: server}, nil
}

func (a *Advertiser) Close() error {
	if a == nil || a.server == nil {
		return nil
	}
	return a.server.Shutdown()
}

// Lookup queries the local network for chat servers and returns them sorted
// by name. A zero timeout uses DefaultLookupTimeout.
func Lookup(ctx context.Context, timeout time.Duration) ([]Endpoint, error) {
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	entries := make(chan *mdns.ServiceEntry, 16)
	done := make(chan []Endpoint, 1)
	go func() {
		seen := make(map[string]Endpoint)
		for entry := range entries {
			if ep, ok := parseEntry(entry); ok {
				seen[ep.ID+"|"+ep.Addr] = ep
			}
		}
		out := make([]Endpoint, 0, len(seen))
		for _, ep := range seen {
			out = append(out, ep)
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].Name != out[j].Name {
				return out[i].Name < out[j].Name
			}
			return out[i].Addr < out[j].Addr
		})
		done <- out
	}()

	timeout = queryTimeout(ctx, timeout)
	if timeout <= 0 {
		close(entries)
		return <-done, nil
	}
	err := mdns.Query(&mdns.QueryParam{
		Service:     Service,
		Domain:      Domain,
		Timeout:     timeout,
		Entries:     entries,
		DisableIPv6: true,
	})
	close(entries)
	found := <-done
	if err != nil {
		return found, fmt.Errorf("discovery: query: %w", err)
	}
	return found, nil
}

// queryTimeout clips timeout to the time left on ctx. It is zero once ctx is
// done.
func queryTimeout(ctx context.Context, timeout time.Duration) time.Duration {
	if ctx.Err() != nil {
		return 0
	}
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			return left
		}
	}
	return timeout
}

func txtRecords(inst Instance) []string {
	name := inst.Name
	if strings.TrimSpace(name) == "" {
		name = inst.ID
	}
	path := inst.Path
	if path == "" {
		path = "/ws"
	}
	return []string{"id=" + inst.ID, "name=" + name, "path=" + path}
}

func parseEntry(entry *mdns.ServiceEntry) (Endpoint, bool) {
	if entry == nil || entry.AddrV4 == nil || entry.Port <= 0 {
		return Endpoint{}, false
	}
	if !strings.Contains(entry.Name, Service) {
		return Endpoint{}, false
	}
	ep := Endpoint{
		Host: strings.TrimSuffix(entry.Host, "."),
		Addr: net.JoinHostPort(entry.AddrV4.String(), strconv.Itoa(entry.Port)),
		Path: "/ws",
	}
	for _, field := range entry.InfoFields {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case "id":
			ep.ID = value
		case "name":
			ep.Name = value
		case "path":
			if strings.HasPrefix(value, "/") {
				ep.Path = value
			}
		}
	}
	if ep.ID == "" {
		ep.ID = strings.TrimSuffix(strings.SplitN(entry.Name, ".", 2)[0], ".")
	}
	if ep.Name == "" {
		ep.Name = ep.ID
	}
	return ep, true
}
