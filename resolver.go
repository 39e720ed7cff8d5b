package sdns

import (
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// Maximum number of CNAME/DNAME hops followed by Query with Recurse set.
const maxChainHops = 30

// ResolverOptions configures a Resolver. The zero value selects an
// in-memory cache, the platform hosts file and resolv.conf discovery.
type ResolverOptions struct {
	// Cache holds completed answers. Defaults to an unbounded
	// in-memory backend.
	Cache CacheBackend

	// HostsLoader provides the static host table. Defaults to the
	// platform hosts file.
	HostsLoader HostsLoader

	// ConfigLoader discovers the upstream nameserver list. Defaults to
	// reading /etc/resolv.conf, with public defaults as fallback.
	ConfigLoader SystemConfigLoader

	// Timeout overrides the per-request timeout from the system
	// configuration.
	Timeout time.Duration
}

// ResolveOptions are the per-call options of Resolve.
type ResolveOptions struct {
	// Record types to resolve, a subset of {A, AAAA}. Defaults to both.
	Types []uint16

	// Server overrides the configured upstream list with a single
	// endpoint of the form [udp://|tcp://]host[:port].
	Server string

	// Per-request timeout. Defaults to the resolver's timeout.
	Timeout time.Duration

	// NoHosts disables the hosts table for this call.
	NoHosts bool

	// NoCache disables cache reads and writes for this call.
	NoCache bool

	// ReloadHosts forces a re-read of the hosts file.
	ReloadHosts bool
}

// QueryOptions are the per-call options of Query.
type QueryOptions struct {
	Server  string
	Timeout time.Duration
	NoCache bool

	// Recurse follows CNAME and DNAME chains until an answer of the
	// requested type is found, up to 30 hops.
	Recurse bool
}

// Resolver is an asynchronous DNS stub resolver. All methods are safe
// for concurrent use. A Resolver holds at most one UDP socket per
// address family and one TCP connection per upstream server, shared by
// all in-flight questions.
type Resolver struct {
	opt         ResolverOptions
	cache       CacheBackend
	ownsCache   bool
	hostsLoader HostsLoader
	cfgLoader   SystemConfigLoader

	cfgOnce sync.Once
	cfg     SystemConfig
	specs   []serverSpec

	// mu guards the server registry, the request table and socket
	// creation.
	mu           sync.Mutex
	servers      map[string]*server
	requests     map[uint16]*pendingRequest
	idCounter    uint16
	idleScanning bool
	udp4, udp6   *udpMux
	udp4Err      error
	udp6Err      error

	// dmu guards the coalescer.
	dmu      sync.Mutex
	inflight map[string]*inflightLookup

	closed chan struct{}
}

// New returns a new Resolver.
func New(opt ResolverOptions) *Resolver {
	r := &Resolver{
		opt:         opt,
		cache:       opt.Cache,
		hostsLoader: opt.HostsLoader,
		cfgLoader:   opt.ConfigLoader,
		servers:     make(map[string]*server),
		requests:    make(map[uint16]*pendingRequest),
		inflight:    make(map[string]*inflightLookup),
		closed:      make(chan struct{}),
	}
	if r.cache == nil {
		r.cache = NewMemoryBackend(MemoryBackendOptions{})
		r.ownsCache = true
	}
	if r.hostsLoader == nil {
		r.hostsLoader = NewHostsFileLoader("")
	}
	if r.cfgLoader == nil {
		r.cfgLoader = ResolvConfLoader{}
	}
	return r
}

// Close releases the resolver's sockets. In-flight requests fail.
func (r *Resolver) Close() error {
	select {
	case <-r.closed:
		return nil
	default:
	}
	close(r.closed)

	r.mu.Lock()
	servers := make([]*server, 0, len(r.servers))
	for _, srv := range r.servers {
		servers = append(servers, srv)
	}
	udp4, udp6 := r.udp4, r.udp6
	r.mu.Unlock()

	for _, srv := range servers {
		r.unloadServer(srv, ResolutionError{"resolver closed"})
	}
	if udp4 != nil {
		udp4.close()
	}
	if udp6 != nil {
		udp6.close()
	}
	if r.ownsCache {
		return r.cache.Close()
	}
	return nil
}

// Resolve looks up the A and/or AAAA records for a host name, consulting
// the hosts table, the cache, and the configured upstream servers in
// that order. IP literals are answered synthetically without touching
// sockets or cache. Concurrent identical lookups share one upstream
// exchange.
func (r *Resolver) Resolve(name string, opt ResolveOptions) ([]Answer, error) {
	if ip := net.ParseIP(name); ip != nil {
		t := uint16(dns.TypeA)
		if ip.To4() == nil {
			t = dns.TypeAAAA
		}
		return []Answer{{Data: name, Type: t, Permanent: true}}, nil
	}
	if err := validateName(name); err != nil {
		return nil, err
	}
	types := opt.Types
	if len(types) == 0 {
		types = []uint16{dns.TypeA, dns.TypeAAAA}
	}
	for _, t := range types {
		if t != dns.TypeA && t != dns.TypeAAAA {
			return nil, InvalidTypeError{t}
		}
	}
	lname := strings.ToLower(strings.TrimSuffix(name, "."))

	return r.coalesce(dedupKey(lname, types), func() ([]Answer, error) {
		return r.doResolve(lname, types, opt)
	})
}

func (r *Resolver) doResolve(name string, types []uint16, opt ResolveOptions) ([]Answer, error) {
	rs := newResultSet()
	satisfied := make(map[uint16]bool, len(types))
	anyFound := false

	if !opt.NoHosts {
		table, err := r.hostsLoader.Load(opt.ReloadHosts)
		if err != nil {
			Log.WithError(err).Debug("hosts data unavailable")
		} else {
			for _, t := range types {
				if ip, ok := table.lookup(name, t); ok {
					rs.add(Answer{Data: ip, Type: t, Permanent: true})
					satisfied[t] = true
					anyFound = true
				}
			}
		}
	}
	if !opt.NoCache {
		for _, t := range types {
			if satisfied[t] {
				continue
			}
			if answers, ok := r.cache.Get(cacheKey(name, t)); ok {
				// An empty list is a negative entry: the type is
				// satisfied but contributes no answers.
				satisfied[t] = true
				if len(answers) > 0 {
					rs.addAll(t, answers)
					anyFound = true
				}
				Log.WithFields(logrus.Fields{
					"qname": name,
					"qtype": dns.Type(t).String(),
				}).Debug("cache-hit")
			}
		}
	}

	var pending []uint16
	for _, t := range types {
		if !satisfied[t] {
			pending = append(pending, t)
		}
	}
	if len(pending) == 0 {
		if anyFound {
			return rs.flatten(types), nil
		}
		return nil, NoRecordError{Name: name, Cached: true}
	}

	specs, err := r.serverSpecs(opt.Server)
	if err != nil {
		return nil, err
	}
	timeout := r.timeout(opt.Timeout)
	useCache := !opt.NoCache

	// Walk the upstream list in order. Definitive responses, positive
	// or empty, settle a question; transport and server errors leave it
	// pending for the next server.
	var walkErr error
	for _, spec := range specs {
		if len(pending) == 0 {
			break
		}
		srv := r.getServer(spec)

		type outcome struct {
			qtype uint16
			rs    *resultSet
			err   error
		}
		results := make([]outcome, len(pending))
		var wg sync.WaitGroup
		for i, t := range pending {
			wg.Add(1)
			go func(i int, t uint16) {
				defer wg.Done()
				msg, err := r.exchange(srv, spec.proto, name, t, timeout)
				if err != nil {
					results[i] = outcome{t, nil, err}
					return
				}
				res, err := r.processResponse(name, t, msg, useCache)
				results[i] = outcome{t, res, err}
			}(i, t)
		}
		wg.Wait()

		var next []uint16
		for _, o := range results {
			switch {
			case o.err == nil:
				rs.merge(o.rs)
				anyFound = true
			case isNoRecord(o.err):
				// Proven absence, the question is answered.
			default:
				if _, fatal := o.err.(SocketError); fatal {
					return nil, o.err
				}
				walkErr = o.err
				next = append(next, o.qtype)
			}
		}
		pending = next
	}

	if anyFound {
		return rs.flatten(types), nil
	}
	if len(pending) == 0 {
		// Every question was answered with an empty record set.
		return nil, NoRecordError{Name: name}
	}
	if walkErr == nil {
		return nil, ResolutionError{"no upstream servers configured"}
	}
	if _, ok := walkErr.(TimeoutError); ok {
		return nil, walkErr
	}
	return nil, ResolutionError{"All name resolution requests failed, last error: " + walkErr.Error()}
}

// Query looks up a single record type for a name. Unlike Resolve it
// accepts arbitrary types, never consults the hosts table, and can
// follow CNAME/DNAME chains when Recurse is set. If a UDP query times
// out on all servers the query is retried once over TCP; a second
// timeout is fatal.
func (r *Resolver) Query(name string, qtype uint16, opt QueryOptions) ([]Answer, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	lname := strings.ToLower(strings.TrimSuffix(name, "."))

	return r.coalesce(dedupKey(lname, []uint16{qtype}), func() ([]Answer, error) {
		return r.doQuery(lname, qtype, opt, 0)
	})
}

func (r *Resolver) doQuery(name string, qtype uint16, opt QueryOptions, hops int) ([]Answer, error) {
	useCache := !opt.NoCache
	if useCache {
		if answers, ok := r.cache.Get(cacheKey(name, qtype)); ok {
			if len(answers) == 0 {
				return nil, NoRecordError{Name: name, Cached: true}
			}
			rs := newResultSet()
			rs.addAll(qtype, answers)
			return rs.flatten([]uint16{qtype}), nil
		}
	}

	specs, err := r.serverSpecs(opt.Server)
	if err != nil {
		return nil, err
	}
	timeout := r.timeout(opt.Timeout)

	msg, err := r.queryUpstream(specs, name, qtype, timeout, protocolAny)
	if err != nil {
		// Low-level retry policy: a UDP timeout rewrites the query to
		// TCP and tries the walk once more.
		if _, ok := err.(TimeoutError); ok {
			msg, err = r.queryUpstream(specs, name, qtype, timeout, protocolTCP)
		}
		if err != nil {
			return nil, err
		}
	}

	rs, err := r.processResponse(name, qtype, msg, useCache)
	if err != nil {
		return nil, err
	}

	if opt.Recurse && qtype != dns.TypeCNAME && qtype != dns.TypeDNAME && len(rs.get(qtype)) == 0 {
		target := chainTarget(msg, name)
		if target == "" {
			return nil, NoRecordError{Name: name}
		}
		if hops >= maxChainHops {
			return nil, ResolutionError{"CNAME or DNAME chain too long"}
		}
		Log.WithFields(logrus.Fields{
			"qname":  name,
			"target": target,
		}).Debug("following alias chain")
		return r.doQuery(target, qtype, opt, hops+1)
	}
	return rs.flatten([]uint16{qtype}), nil
}

// queryUpstream walks the server list in order with one question,
// stopping at the first response.
func (r *Resolver) queryUpstream(specs []serverSpec, name string, qtype uint16, timeout time.Duration, allowed protocol) (*dns.Msg, error) {
	var walkErr error
	for _, spec := range specs {
		srv := r.getServer(spec)
		msg, err := r.exchange(srv, spec.proto&allowed, name, qtype, timeout)
		if err != nil {
			if _, fatal := err.(SocketError); fatal {
				return nil, err
			}
			walkErr = err
			continue
		}
		return msg, nil
	}
	if walkErr == nil {
		walkErr = ResolutionError{"no upstream servers configured"}
	}
	if _, ok := walkErr.(TimeoutError); ok {
		return nil, walkErr
	}
	return nil, ResolutionError{"All name resolution requests failed, last error: " + walkErr.Error()}
}

// chainTarget resolves the CNAME/DNAME chain contained in one response
// as far as it goes and returns the final target, or "" if the response
// holds no alias for the name.
func chainTarget(msg *dns.Msg, name string) string {
	cur := strings.ToLower(dns.Fqdn(name))
	start := cur
	// Each pass can advance the chain by at least one record, cap the
	// iterations to guard against alias loops within one response.
	for i := 0; i <= len(msg.Answer); i++ {
		advanced := false
		for _, rr := range msg.Answer {
			switch v := rr.(type) {
			case *dns.CNAME:
				if strings.ToLower(v.Hdr.Name) == cur {
					cur = strings.ToLower(v.Target)
					advanced = true
				}
			case *dns.DNAME:
				owner := strings.ToLower(v.Hdr.Name)
				if strings.HasSuffix(cur, "."+owner) {
					prefix := cur[:len(cur)-len(owner)-1]
					cur = prefix + "." + strings.ToLower(v.Target)
					advanced = true
				}
			}
			if advanced {
				break
			}
		}
		if !advanced {
			break
		}
	}
	if cur == start {
		return ""
	}
	return strings.TrimSuffix(cur, ".")
}

// serverSpecs returns the upstream endpoints to walk: the parsed
// override if one is given, otherwise the memoized system list.
func (r *Resolver) serverSpecs(override string) ([]serverSpec, error) {
	if override != "" {
		spec, err := parseServerAddr(override)
		if err != nil {
			return nil, err
		}
		return []serverSpec{spec}, nil
	}
	r.loadSystemConfig()
	return r.specs, nil
}

func (r *Resolver) timeout(override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	if r.opt.Timeout > 0 {
		return r.opt.Timeout
	}
	r.loadSystemConfig()
	return r.cfg.Timeout
}

// loadSystemConfig triggers system-server discovery on first need. The
// load is coalesced, concurrent callers block on the single load.
// Nameservers that do not parse as IPs are dropped, IPv6 servers are
// dropped when the IPv6 socket is unavailable.
func (r *Resolver) loadSystemConfig() {
	r.cfgOnce.Do(func() {
		r.cfg = r.cfgLoader.Load()
		if r.cfg.Timeout == 0 {
			r.cfg.Timeout = DefaultSystemConfig().Timeout
		}
		for _, ns := range r.cfg.Nameservers {
			spec, err := parseServerAddr(ns)
			if err != nil {
				Log.WithField("server", ns).Debug("skipping invalid nameserver")
				continue
			}
			if spec.family == 6 {
				if _, err := r.mux(6); err != nil {
					Log.WithField("server", ns).Debug("skipping IPv6 nameserver, no IPv6 socket")
					continue
				}
			}
			r.specs = append(r.specs, spec)
		}
		Log.WithField("servers", len(r.specs)).Debug("system server configuration loaded")
	})
}

func isNoRecord(err error) bool {
	_, ok := err.(NoRecordError)
	return ok
}
