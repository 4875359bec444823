package jaxmpp

import (
	"context"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func srv(target string, port, prio, weight uint16) *dns.SRV {
	return &dns.SRV{Target: target, Port: port, Priority: prio, Weight: weight}
}

func TestSrvEntriesOrder(t *testing.T) {
	entries, err := srvEntries([]*dns.SRV{
		srv("c.example.org.", 5222, 20, 0),
		srv("a.example.org.", 5222, 10, 5),
		srv("b.example.org.", 5223, 10, 50),
	})
	require.NoError(t, err)
	assert.Equal(t, []HostEntry{
		{Host: "b.example.org", Port: 5223},
		{Host: "a.example.org", Port: 5222},
		{Host: "c.example.org", Port: 5222},
	}, entries)
}

func TestSrvEntriesServiceUnavailable(t *testing.T) {
	_, err := srvEntries([]*dns.SRV{srv(".", 0, 0, 0)})
	assert.ErrorIs(t, err, ErrServiceUnavailable)
}

func TestStaticResolverPenalties(t *testing.T) {
	a := HostEntry{Host: "a.example.org", Port: 5222}
	b := HostEntry{Host: "b.example.org", Port: 5222}
	r := NewStaticResolver(a, b)

	entries, err := r.Resolve(context.Background(), "example.org")
	require.NoError(t, err)
	assert.Equal(t, []HostEntry{a, b}, entries)

	r.HostFailure("A.example.org.")
	entries, err = r.Resolve(context.Background(), "example.org")
	require.NoError(t, err)
	assert.Equal(t, []HostEntry{b, a}, entries)
}

func TestStaticResolverPortPenalty(t *testing.T) {
	a := HostEntry{Host: "h.example.org", Port: 5222}
	b := HostEntry{Host: "h.example.org", Port: 5223}
	r := NewStaticResolver(a, b)
	r.HostFailure(a.String())

	entries, err := r.Resolve(context.Background(), "example.org")
	require.NoError(t, err)
	assert.Equal(t, []HostEntry{b, a}, entries)
}

func TestStaticResolverFallback(t *testing.T) {
	entries, err := NewStaticResolver().Resolve(context.Background(), "example.org")
	require.NoError(t, err)
	assert.Equal(t, []HostEntry{{Host: "example.org", Port: DefaultPort}}, entries)
}

func TestSplitTarget(t *testing.T) {
	host, port := splitTarget("other.example.org:5223")
	assert.Equal(t, "other.example.org", host)
	assert.Equal(t, 5223, port)

	host, port = splitTarget("other.example.org")
	assert.Equal(t, "other.example.org", host)
	assert.Equal(t, DefaultPort, port)

	host, port = splitTarget("[::1]:5269")
	assert.Equal(t, "::1", host)
	assert.Equal(t, 5269, port)
}
