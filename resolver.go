package jaxmpp

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"github.com/miekg/dns"
)

const clientService = "_xmpp-client._tcp."

type HostEntry struct {
	Host string
	Port int
}

func (h HostEntry) String() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

// Resolver maps a domain to ordered connection candidates. Hosts reported
// through HostFailure are tried last in later resolutions.
type Resolver interface {
	Resolve(ctx context.Context, domain string) ([]HostEntry, error)
	HostFailure(host string)
}

// penalties remembers recently failed hosts.
type penalties struct {
	failed *lru.Cache
}

func newPenalties(size int) *penalties {
	if size <= 0 {
		size = DefaultFailedHostCache
	}
	cache, err := lru.New(size)
	if err != nil {
		panic(err)
	}
	return &penalties{failed: cache}
}

func (p *penalties) add(host string) {
	p.failed.Add(normalizeHost(host), struct{}{})
}

// has matches either the bare host or the exact host:port that failed.
func (p *penalties) has(h HostEntry) bool {
	return p.failed.Contains(normalizeHost(h.Host)) || p.failed.Contains(normalizeHost(h.String()))
}

// demote moves penalized entries behind the others, keeping order within
// both groups.
func (p *penalties) demote(entries []HostEntry) []HostEntry {
	out := make([]HostEntry, 0, len(entries))
	var late []HostEntry
	for _, e := range entries {
		if p.has(e) {
			late = append(late, e)
			continue
		}
		out = append(out, e)
	}
	return append(out, late...)
}

func normalizeHost(host string) string {
	if h, port, err := net.SplitHostPort(host); err == nil {
		return net.JoinHostPort(strings.ToLower(strings.TrimSuffix(h, ".")), port)
	}
	return strings.ToLower(strings.TrimSuffix(host, "."))
}

// DNSResolver looks up _xmpp-client._tcp SRV records.
type DNSResolver struct {
	// Server is host:port of the DNS server. Empty means the first
	// nameserver from /etc/resolv.conf.
	Server string
	client *dns.Client
	pen    *penalties
	logger Logger
}

func NewDNSResolver(server string, cacheSize int, logger Logger) *DNSResolver {
	return &DNSResolver{
		Server: server,
		client: new(dns.Client),
		pen:    newPenalties(cacheSize),
		logger: loggerOrNop(logger),
	}
}

func (r *DNSResolver) HostFailure(host string) {
	r.logger.Printf(Info, "resolver: penalizing host %s", host)
	r.pen.add(host)
}

func (r *DNSResolver) Resolve(ctx context.Context, domain string) ([]HostEntry, error) {
	server, err := r.server()
	if err != nil {
		return nil, err
	}
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(clientService+domain), dns.TypeSRV)
	m.RecursionDesired = true
	ret, _, err := r.client.ExchangeContext(ctx, m, server)
	if err != nil {
		return nil, fmt.Errorf("srv lookup for %s: %w", domain, err)
	}
	if ret.Rcode == dns.RcodeNameError {
		r.logger.Printf(Debug, "resolver: no srv records for %s, using fallback", domain)
		return r.pen.demote(fallbackEntries(domain)), nil
	}
	if ret.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("srv lookup for %s: %s", domain, dns.RcodeToString[ret.Rcode])
	}
	var records []*dns.SRV
	for _, a := range ret.Answer {
		if srv, ok := a.(*dns.SRV); ok {
			records = append(records, srv)
		}
	}
	entries, err := srvEntries(records)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		entries = fallbackEntries(domain)
	}
	return r.pen.demote(entries), nil
}

func (r *DNSResolver) server() (string, error) {
	if r.Server != "" {
		return r.Server, nil
	}
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", fmt.Errorf("reading resolver config: %w", err)
	}
	if len(conf.Servers) == 0 {
		return "", fmt.Errorf("no nameserver configured")
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}

// srvEntries orders records by priority, then by descending weight. A
// single "." target means the service is decidedly not available.
func srvEntries(records []*dns.SRV) ([]HostEntry, error) {
	if len(records) == 1 && records[0].Target == "." {
		return nil, ErrServiceUnavailable
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Priority != records[j].Priority {
			return records[i].Priority < records[j].Priority
		}
		return records[i].Weight > records[j].Weight
	})
	entries := make([]HostEntry, 0, len(records))
	for _, srv := range records {
		if srv.Target == "." {
			continue
		}
		entries = append(entries, HostEntry{Host: strings.TrimSuffix(srv.Target, "."), Port: int(srv.Port)})
	}
	return entries, nil
}

func fallbackEntries(domain string) []HostEntry {
	return []HostEntry{{Host: domain, Port: DefaultPort}}
}

// StaticResolver always returns the same candidates.
type StaticResolver struct {
	entries []HostEntry
	pen     *penalties
}

func NewStaticResolver(entries ...HostEntry) *StaticResolver {
	return &StaticResolver{entries: entries, pen: newPenalties(0)}
}

func (r *StaticResolver) Resolve(_ context.Context, domain string) ([]HostEntry, error) {
	if len(r.entries) == 0 {
		return r.pen.demote(fallbackEntries(domain)), nil
	}
	entries := make([]HostEntry, len(r.entries))
	copy(entries, r.entries)
	return r.pen.demote(entries), nil
}

func (r *StaticResolver) HostFailure(host string) {
	r.pen.add(host)
}
