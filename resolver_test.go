package sdns

import (
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

// testUpstream is a loopback DNS server listening on the same port over
// UDP and TCP. It counts the exchanges seen per transport.
type testUpstream struct {
	addr     string
	udpCount int32
	tcpCount int32
}

func newTestUpstream(t *testing.T, handler func(q *dns.Msg, viaTCP bool) *dns.Msg) *testUpstream {
	t.Helper()
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	addr := pc.LocalAddr().String()
	l, err := net.Listen("tcp4", addr)
	require.NoError(t, err)

	u := &testUpstream{addr: addr}
	h := func(w dns.ResponseWriter, q *dns.Msg) {
		viaTCP := w.LocalAddr().Network() == "tcp"
		if viaTCP {
			atomic.AddInt32(&u.tcpCount, 1)
		} else {
			atomic.AddInt32(&u.udpCount, 1)
		}
		a := handler(q, viaTCP)
		if a == nil {
			return // drop the query
		}
		_ = w.WriteMsg(a)
	}
	udpSrv := &dns.Server{PacketConn: pc, Handler: dns.HandlerFunc(h)}
	tcpSrv := &dns.Server{Listener: l, Handler: dns.HandlerFunc(h)}
	go func() { _ = udpSrv.ActivateAndServe() }()
	go func() { _ = tcpSrv.ActivateAndServe() }()
	t.Cleanup(func() {
		_ = udpSrv.Shutdown()
		_ = tcpSrv.Shutdown()
	})
	return u
}

func (u *testUpstream) udp() int { return int(atomic.LoadInt32(&u.udpCount)) }
func (u *testUpstream) tcp() int { return int(atomic.LoadInt32(&u.tcpCount)) }

// answerA builds a response with one A record per address.
func answerA(q *dns.Msg, ttl uint32, addrs ...string) *dns.Msg {
	a := new(dns.Msg)
	a.SetReply(q)
	for _, addr := range addrs {
		rr, _ := dns.NewRR(fmt.Sprintf("%s %d IN A %s", q.Question[0].Name, ttl, addr))
		a.Answer = append(a.Answer, rr)
	}
	return a
}

func newTestResolver(t *testing.T) (*Resolver, *memoryBackend) {
	t.Helper()
	backend := NewMemoryBackend(MemoryBackendOptions{})
	r := New(ResolverOptions{
		Cache:        backend,
		HostsLoader:  StaticHostsLoader{},
		ConfigLoader: StaticConfigLoader{Config: SystemConfig{Timeout: 3 * time.Second}},
	})
	t.Cleanup(func() {
		r.Close()
		backend.Close()
	})
	return r, backend
}

func TestResolveIPLiteral(t *testing.T) {
	r, _ := newTestResolver(t)

	answers, err := r.Resolve("127.0.0.1", ResolveOptions{})
	require.NoError(t, err)
	require.Equal(t, []Answer{{Data: "127.0.0.1", Type: dns.TypeA, Permanent: true}}, answers)

	answers, err = r.Resolve("::1", ResolveOptions{})
	require.NoError(t, err)
	require.Equal(t, []Answer{{Data: "::1", Type: dns.TypeAAAA, Permanent: true}}, answers)

	// No sockets are touched
	require.Nil(t, r.udp4)
	require.Nil(t, r.udp6)
	require.Empty(t, r.servers)
}

func TestResolveInvalidName(t *testing.T) {
	r, _ := newTestResolver(t)

	_, err := r.Resolve("bad..name", ResolveOptions{})
	require.Error(t, err)
	require.IsType(t, InvalidNameError{}, err)
	require.Empty(t, r.servers)
}

func TestResolveInvalidType(t *testing.T) {
	r, _ := newTestResolver(t)

	_, err := r.Resolve("example.com", ResolveOptions{Types: []uint16{dns.TypeMX}})
	require.Error(t, err)
	require.IsType(t, InvalidTypeError{}, err)
}

func TestResolveFromHosts(t *testing.T) {
	backend := NewMemoryBackend(MemoryBackendOptions{})
	r := New(ResolverOptions{
		Cache: backend,
		HostsLoader: StaticHostsLoader{Table: HostsTable{
			V4: map[string]string{"foo": "192.168.1.1"},
		}},
		ConfigLoader: StaticConfigLoader{},
	})
	defer r.Close()
	defer backend.Close()

	answers, err := r.Resolve("foo", ResolveOptions{Types: []uint16{dns.TypeA}})
	require.NoError(t, err)
	require.Equal(t, []Answer{{Data: "192.168.1.1", Type: dns.TypeA, Permanent: true}}, answers)

	// Satisfied from hosts data, no network activity
	require.Empty(t, r.servers)
	require.Nil(t, r.udp4)
}

func TestResolveUpstream(t *testing.T) {
	u := newTestUpstream(t, func(q *dns.Msg, viaTCP bool) *dns.Msg {
		if q.Question[0].Qtype == dns.TypeA {
			return answerA(q, 3600, "10.0.0.1")
		}
		a := new(dns.Msg)
		a.SetReply(q)
		return a
	})
	r, _ := newTestResolver(t)

	answers, err := r.Resolve("test.example", ResolveOptions{Server: u.addr})
	require.NoError(t, err)
	require.Equal(t, []Answer{{Data: "10.0.0.1", Type: dns.TypeA, TTL: 3600}}, answers)
}

func TestResolveUnderscoreName(t *testing.T) {
	u := newTestUpstream(t, func(q *dns.Msg, viaTCP bool) *dns.Msg {
		return answerA(q, 300, "10.0.0.1")
	})
	r, _ := newTestResolver(t)

	answers, err := r.Resolve("has-underscores_ok.example", ResolveOptions{Types: []uint16{dns.TypeA}, Server: u.addr})
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1", answers[0].Data)
}

func TestResolvePartialCachedResult(t *testing.T) {
	// The cache holds an A answer, AAAA needs the network and every
	// server fails. The partial result is still returned successfully.
	bad := newTestUpstream(t, func(q *dns.Msg, viaTCP bool) *dns.Msg {
		a := new(dns.Msg)
		a.SetReply(q)
		a.SetRcode(q, dns.RcodeServerFailure)
		return a
	})
	r, backend := newTestResolver(t)
	backend.Set(cacheKey("partial.example", dns.TypeA), []Answer{{Data: "10.0.0.7", Type: dns.TypeA, TTL: 3600}}, time.Hour)

	answers, err := r.Resolve("partial.example", ResolveOptions{Server: bad.addr})
	require.NoError(t, err)
	require.Equal(t, "10.0.0.7", answers[0].Data)
}

func TestResolveUsesCache(t *testing.T) {
	u := newTestUpstream(t, func(q *dns.Msg, viaTCP bool) *dns.Msg {
		return answerA(q, 3600, "10.0.0.1")
	})
	r, _ := newTestResolver(t)

	opt := ResolveOptions{Types: []uint16{dns.TypeA}, Server: u.addr}
	first, err := r.Resolve("cached.example", opt)
	require.NoError(t, err)
	require.Equal(t, 1, u.udp()+u.tcp())

	// Repeated lookups inside the TTL are answered from the cache
	for i := 0; i < 3; i++ {
		answers, err := r.Resolve("cached.example", opt)
		require.NoError(t, err)
		require.Equal(t, first[0].Data, answers[0].Data)
	}
	require.Equal(t, 1, u.udp()+u.tcp())
}

func TestResolveNXDOMAIN(t *testing.T) {
	u := newTestUpstream(t, func(q *dns.Msg, viaTCP bool) *dns.Msg {
		a := new(dns.Msg)
		a.SetReply(q)
		a.SetRcode(q, dns.RcodeNameError)
		return a
	})
	r, backend := newTestResolver(t)

	_, err := r.Resolve("nope.invalid", ResolveOptions{Server: u.addr})
	require.Error(t, err)
	require.IsType(t, NoRecordError{}, err)

	// Both types got a negative cache entry
	answers, ok := backend.Get(cacheKey("nope.invalid", dns.TypeA))
	require.True(t, ok)
	require.Empty(t, answers)
	answers, ok = backend.Get(cacheKey("nope.invalid", dns.TypeAAAA))
	require.True(t, ok)
	require.Empty(t, answers)

	// The repeat comes from the cache
	count := u.udp() + u.tcp()
	_, err = r.Resolve("nope.invalid", ResolveOptions{Server: u.addr})
	require.IsType(t, NoRecordError{}, err)
	require.Contains(t, err.Error(), "cached result")
	require.Equal(t, count, u.udp()+u.tcp())
}

func TestResolveTruncatedRetry(t *testing.T) {
	u := newTestUpstream(t, func(q *dns.Msg, viaTCP bool) *dns.Msg {
		if q.Question[0].Qtype != dns.TypeA {
			a := new(dns.Msg)
			a.SetReply(q)
			return a
		}
		if !viaTCP {
			a := new(dns.Msg)
			a.SetReply(q)
			a.Truncated = true
			return a
		}
		return answerA(q, 300, "1.2.3.4")
	})
	r, _ := newTestResolver(t)

	answers, err := r.Resolve("big.example", ResolveOptions{Types: []uint16{dns.TypeA}, Server: u.addr})
	require.NoError(t, err)
	require.Equal(t, "1.2.3.4", answers[0].Data)

	// Exactly one UDP exchange followed by exactly one TCP exchange
	require.Equal(t, 1, u.udp())
	require.Equal(t, 1, u.tcp())
}

func TestResolveTruncatedOverTCP(t *testing.T) {
	u := newTestUpstream(t, func(q *dns.Msg, viaTCP bool) *dns.Msg {
		a := new(dns.Msg)
		a.SetReply(q)
		a.Truncated = true
		return a
	})
	r, _ := newTestResolver(t)

	_, err := r.Resolve("big.example", ResolveOptions{Types: []uint16{dns.TypeA}, Server: "tcp://" + u.addr})
	require.Error(t, err)
	require.Contains(t, err.Error(), "truncated")
}

func TestResolveCoalescing(t *testing.T) {
	release := make(chan struct{})
	u := newTestUpstream(t, func(q *dns.Msg, viaTCP bool) *dns.Msg {
		<-release
		return answerA(q, 3600, "10.0.0.1")
	})
	r, _ := newTestResolver(t)

	type result struct {
		answers []Answer
		err     error
	}
	opt := ResolveOptions{Types: []uint16{dns.TypeA}, Server: u.addr}
	results := make(chan result, 10)
	for i := 0; i < 10; i++ {
		go func() {
			answers, err := r.Resolve("shared.example", opt)
			results <- result{answers, err}
		}()
	}
	time.Sleep(200 * time.Millisecond)
	close(release)
	for i := 0; i < 10; i++ {
		res := <-results
		require.NoError(t, res.err)
		require.Equal(t, "10.0.0.1", res.answers[0].Data)
	}

	// All concurrent lookups shared a single upstream exchange
	require.Equal(t, 1, u.udp()+u.tcp())
}

func TestResolveWalkToNextServer(t *testing.T) {
	// First server always fails, second one answers
	bad := newTestUpstream(t, func(q *dns.Msg, viaTCP bool) *dns.Msg {
		a := new(dns.Msg)
		a.SetReply(q)
		a.SetRcode(q, dns.RcodeServerFailure)
		return a
	})
	good := newTestUpstream(t, func(q *dns.Msg, viaTCP bool) *dns.Msg {
		return answerA(q, 3600, "10.0.0.2")
	})

	backend := NewMemoryBackend(MemoryBackendOptions{})
	r := New(ResolverOptions{
		Cache:       backend,
		HostsLoader: StaticHostsLoader{},
		ConfigLoader: StaticConfigLoader{Config: SystemConfig{
			Nameservers: []string{bad.addr, good.addr},
			Timeout:     3 * time.Second,
		}},
	})
	defer r.Close()
	defer backend.Close()

	answers, err := r.Resolve("walk.example", ResolveOptions{Types: []uint16{dns.TypeA}})
	require.NoError(t, err)
	require.Equal(t, "10.0.0.2", answers[0].Data)
	require.GreaterOrEqual(t, bad.udp()+bad.tcp(), 1)
	require.GreaterOrEqual(t, good.udp()+good.tcp(), 1)
}

func TestResolveAllServersFail(t *testing.T) {
	bad := newTestUpstream(t, func(q *dns.Msg, viaTCP bool) *dns.Msg {
		a := new(dns.Msg)
		a.SetReply(q)
		a.SetRcode(q, dns.RcodeRefused)
		return a
	})
	r, _ := newTestResolver(t)

	_, err := r.Resolve("fail.example", ResolveOptions{Types: []uint16{dns.TypeA}, Server: bad.addr})
	require.Error(t, err)
	require.IsType(t, ResolutionError{}, err)
}

func TestResolveInvalidServer(t *testing.T) {
	r, _ := newTestResolver(t)

	_, err := r.Resolve("example.com", ResolveOptions{Server: "ftp://1.2.3.4"})
	require.Error(t, err)
	require.IsType(t, ResolutionError{}, err)
	require.Contains(t, err.Error(), "Invalid server")
}

func TestQueryRecurseCNAME(t *testing.T) {
	u := newTestUpstream(t, func(q *dns.Msg, viaTCP bool) *dns.Msg {
		a := new(dns.Msg)
		a.SetReply(q)
		switch q.Question[0].Name {
		case "a.example.":
			rr, _ := dns.NewRR("a.example. 300 IN CNAME b.example.")
			a.Answer = []dns.RR{rr}
		case "b.example.":
			rr, _ := dns.NewRR("b.example. 300 IN A 10.0.0.2")
			a.Answer = []dns.RR{rr}
		}
		return a
	})
	r, _ := newTestResolver(t)

	answers, err := r.Query("a.example", dns.TypeA, QueryOptions{Server: u.addr, Recurse: true})
	require.NoError(t, err)
	require.Equal(t, "10.0.0.2", answers[0].Data)
	require.Equal(t, uint16(dns.TypeA), answers[0].Type)

	// Exactly two upstream round trips
	require.Equal(t, 2, u.udp()+u.tcp())
}

func TestQueryRecurseChainTooLong(t *testing.T) {
	var count int32
	u := newTestUpstream(t, func(q *dns.Msg, viaTCP bool) *dns.Msg {
		n := atomic.AddInt32(&count, 1)
		a := new(dns.Msg)
		a.SetReply(q)
		rr, _ := dns.NewRR(fmt.Sprintf("%s 300 IN CNAME hop%d.example.", q.Question[0].Name, n))
		a.Answer = []dns.RR{rr}
		return a
	})
	r, _ := newTestResolver(t)

	_, err := r.Query("hop0.example", dns.TypeA, QueryOptions{Server: u.addr, Recurse: true})
	require.Error(t, err)
	require.IsType(t, ResolutionError{}, err)
	require.Contains(t, err.Error(), "chain too long")
}

func TestQueryNoRecurseOnAliasTypes(t *testing.T) {
	u := newTestUpstream(t, func(q *dns.Msg, viaTCP bool) *dns.Msg {
		a := new(dns.Msg)
		a.SetReply(q)
		rr, _ := dns.NewRR(q.Question[0].Name + " 300 IN CNAME other.example.")
		a.Answer = []dns.RR{rr}
		return a
	})
	r, _ := newTestResolver(t)

	answers, err := r.Query("a.example", dns.TypeCNAME, QueryOptions{Server: u.addr, Recurse: true})
	require.NoError(t, err)
	require.Equal(t, "other.example", answers[0].Data)
	require.Equal(t, 1, u.udp()+u.tcp())
}

func TestQueryTimeout(t *testing.T) {
	u := newTestUpstream(t, func(q *dns.Msg, viaTCP bool) *dns.Msg {
		return nil // never respond
	})
	r, _ := newTestResolver(t)

	start := time.Now()
	_, err := r.Query("slow.example", dns.TypeA, QueryOptions{Server: u.addr, Timeout: 200 * time.Millisecond})
	require.Error(t, err)
	require.IsType(t, TimeoutError{}, err)
	require.Less(t, time.Since(start), 3*time.Second)
}

func TestQueryUDPTimeoutRetriesTCP(t *testing.T) {
	u := newTestUpstream(t, func(q *dns.Msg, viaTCP bool) *dns.Msg {
		if !viaTCP {
			return nil // drop UDP queries
		}
		return answerA(q, 300, "10.0.0.3")
	})
	r, _ := newTestResolver(t)

	answers, err := r.Query("udpdead.example", dns.TypeA, QueryOptions{Server: u.addr, Timeout: 300 * time.Millisecond})
	require.NoError(t, err)
	require.Equal(t, "10.0.0.3", answers[0].Data)
	require.GreaterOrEqual(t, u.udp(), 1)
	require.GreaterOrEqual(t, u.tcp(), 1)
}
