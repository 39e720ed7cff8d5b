package sdns

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// protocol is the allowed-protocol mask of a server entry.
type protocol uint8

const (
	protocolUDP protocol = 1 << iota
	protocolTCP

	protocolAny = protocolUDP | protocolTCP
)

// tcpState tracks the stream connection of a server entry.
type tcpState uint8

const (
	tcpNone tcpState = iota
	tcpConnecting
	tcpEstablished
	tcpFailed
)

// Tear down a server entry if it has had no pending requests for this long.
const idleTimeout = 10 * time.Second

// server is the resolver-side bookkeeping for one upstream endpoint.
type server struct {
	endpoint string // normalized host:port, IPv6 hosts bracketed
	family   int    // 4 or 6
	proto    protocol

	mu      sync.Mutex
	pending map[uint16]struct{}
	// Zero while requests are pending, otherwise the idle deadline.
	idleExpiry time.Time

	tcpState   tcpState
	tcp        *tcpConn
	tcpWaiters []chan error

	// First-contact gate: only one UDP probe is outstanding per server
	// until the first reply proves reachability.
	udpProbed  bool
	udpProbeCh chan struct{}
}

func newServer(spec serverSpec) *server {
	return &server{
		endpoint:   spec.endpoint,
		family:     spec.family,
		proto:      spec.proto,
		pending:    make(map[uint16]struct{}),
		idleExpiry: time.Now().Add(idleTimeout),
	}
}

func (s *server) addPending(id uint16) {
	s.mu.Lock()
	s.pending[id] = struct{}{}
	s.idleExpiry = time.Time{}
	s.mu.Unlock()
}

func (s *server) removePending(id uint16) {
	s.mu.Lock()
	delete(s.pending, id)
	if len(s.pending) == 0 {
		s.idleExpiry = time.Now().Add(idleTimeout)
	}
	s.mu.Unlock()
}

func (s *server) idleSince(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.idleExpiry.IsZero() && now.After(s.idleExpiry)
}

// beginUDP implements the first-contact gate. It returns a channel to
// wait on before retrying, or nil when the caller may send: either the
// server is proven reachable, or the caller became the probe (first=true).
func (s *server) beginUDP() (wait <-chan struct{}, first bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.udpProbed {
		return nil, false
	}
	if s.udpProbeCh == nil {
		s.udpProbeCh = make(chan struct{})
		return nil, true
	}
	return s.udpProbeCh, false
}

// markReachable lifts the first-contact gate permanently.
func (s *server) markReachable() {
	s.mu.Lock()
	if !s.udpProbed {
		s.udpProbed = true
		if s.udpProbeCh != nil {
			close(s.udpProbeCh)
		}
	}
	s.mu.Unlock()
}

// resetProbe releases gate waiters after a failed probe so one of them
// can become the next probe.
func (s *server) resetProbe() {
	s.mu.Lock()
	if !s.udpProbed && s.udpProbeCh != nil {
		close(s.udpProbeCh)
		s.udpProbeCh = nil
	}
	s.mu.Unlock()
}

func (s *server) tcpFailedSticky() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tcpState == tcpFailed
}

func (s *server) tcpUp() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tcpState == tcpEstablished
}

// getServer returns the registry entry for the endpoint, creating it on
// first use. The idle scanner is started with the first entry.
func (r *Resolver) getServer(spec serverSpec) *server {
	r.mu.Lock()
	defer r.mu.Unlock()
	srv, ok := r.servers[spec.endpoint]
	if ok {
		return srv
	}
	srv = newServer(spec)
	r.servers[spec.endpoint] = srv
	if !r.idleScanning {
		r.idleScanning = true
		go r.idleScan()
	}
	return srv
}

func (r *Resolver) findServer(endpoint string) *server {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.servers[endpoint]
}

// idleScan unloads servers whose idle window has passed. It runs at 1 Hz
// and disables itself when no servers are loaded.
func (r *Resolver) idleScan() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.closed:
			return
		case now := <-ticker.C:
			var expired []*server
			r.mu.Lock()
			for _, srv := range r.servers {
				if srv.idleSince(now) {
					expired = append(expired, srv)
				}
			}
			r.mu.Unlock()
			for _, srv := range expired {
				r.unloadServer(srv, nil)
			}
			r.mu.Lock()
			if len(r.servers) == 0 {
				r.idleScanning = false
				r.mu.Unlock()
				return
			}
			r.mu.Unlock()
		}
	}
}

// unloadServer removes a server entry, closes its stream connection and
// fails all requests still pending on it. A nil reason means an idle
// unload with nothing in flight.
func (r *Resolver) unloadServer(srv *server, reason error) {
	srv.mu.Lock()
	if reason == nil && len(srv.pending) > 0 {
		// A request slipped in after the idle window expired, the
		// server is in use again.
		srv.mu.Unlock()
		return
	}
	pending := make([]uint16, 0, len(srv.pending))
	for id := range srv.pending {
		pending = append(pending, id)
	}
	srv.pending = make(map[uint16]struct{})
	conn := srv.tcp
	srv.tcp = nil
	if srv.tcpState == tcpEstablished || srv.tcpState == tcpConnecting {
		srv.tcpState = tcpNone
	}
	srv.mu.Unlock()

	r.mu.Lock()
	if cur, ok := r.servers[srv.endpoint]; ok && cur == srv {
		delete(r.servers, srv.endpoint)
	}
	var failed []*pendingRequest
	for _, id := range pending {
		if req, ok := r.requests[id]; ok && req.srv == srv {
			delete(r.requests, id)
			failed = append(failed, req)
		}
	}
	r.mu.Unlock()
	if conn != nil {
		conn.close()
	}

	if reason != nil {
		Log.WithFields(logrus.Fields{
			"server": srv.endpoint,
			"error":  reason,
		}).Debug("unloading server")
	}
	for _, req := range failed {
		if reason == nil {
			reason = ResolutionError{"server " + srv.endpoint + " unloaded"}
		}
		req.settle(nil, reason)
	}
}

// failPending fails every request pending on the server but keeps the
// entry loaded. Used when the TCP connect fails: the sticky tcpFailed
// flag must survive so later requests stay on UDP.
func (r *Resolver) failPending(srv *server, reason error) {
	srv.mu.Lock()
	pending := make([]uint16, 0, len(srv.pending))
	for id := range srv.pending {
		pending = append(pending, id)
	}
	srv.mu.Unlock()

	r.mu.Lock()
	var failed []*pendingRequest
	for _, id := range pending {
		if req, ok := r.requests[id]; ok && req.srv == srv {
			delete(r.requests, id)
			failed = append(failed, req)
		}
	}
	r.mu.Unlock()
	for _, req := range failed {
		srv.removePending(req.id)
		req.settle(nil, reason)
	}
}
