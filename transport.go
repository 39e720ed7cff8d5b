package sdns

import (
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// exchange sends one question to the server and returns the decoded
// response, choosing transports according to the allowed-protocol mask:
//
//   - TCP not allowed: UDP only.
//   - UDP not allowed: TCP only.
//   - TCP previously failed on this server: UDP only.
//   - TCP connection already established: TCP, falling back to UDP.
//   - Otherwise: UDP, falling back to TCP; on UDP success a TCP connect
//     is started in the background for future requests.
//
// A truncated UDP response is retransmitted over TCP at the same server.
// A truncated TCP response is an error.
func (r *Resolver) exchange(srv *server, allowed protocol, name string, qtype uint16, timeout time.Duration) (*dns.Msg, error) {
	allowed &= srv.proto
	if srv.tcpFailedSticky() {
		allowed &^= protocolTCP
	}
	if allowed == 0 {
		return nil, ResolutionError{"no usable transport for " + srv.endpoint}
	}

	Log.WithFields(logrus.Fields{
		"qname":  name,
		"qtype":  dns.Type(qtype).String(),
		"server": srv.endpoint,
	}).Debug("querying upstream server")

	var (
		msg    *dns.Msg
		viaTCP bool
		err    error
	)
	switch {
	case allowed == protocolUDP:
		msg, err = r.exchangeUDP(srv, name, qtype, timeout)
	case allowed == protocolTCP:
		msg, err = r.exchangeTCP(srv, name, qtype, timeout)
		viaTCP = true
	case srv.tcpUp():
		msg, err = r.exchangeTCP(srv, name, qtype, timeout)
		viaTCP = true
		if err != nil {
			msg, err = r.exchangeUDP(srv, name, qtype, timeout)
			viaTCP = false
		}
	default:
		msg, err = r.exchangeUDP(srv, name, qtype, timeout)
		if err != nil {
			msg, err = r.exchangeTCP(srv, name, qtype, timeout)
			viaTCP = true
		} else if !srv.tcpUp() && !srv.tcpFailedSticky() {
			// Warm up the stream connection for future requests.
			go func() { _, _ = r.tcpFor(srv) }()
		}
	}
	if err != nil {
		return nil, err
	}

	if msg.Truncated {
		if viaTCP {
			return nil, ResolutionError{"Server returned truncated response"}
		}
		Log.WithFields(logrus.Fields{
			"qname":  name,
			"server": srv.endpoint,
		}).Debug("truncated response, retrying over tcp")
		msg, err = r.exchangeTCP(srv, name, qtype, timeout)
		if err != nil {
			return nil, err
		}
		if msg.Truncated {
			return nil, ResolutionError{"Server returned truncated response"}
		}
	}
	return msg, nil
}

func (r *Resolver) exchangeUDP(srv *server, name string, qtype uint16, timeout time.Duration) (*dns.Msg, error) {
	mux, err := r.mux(srv.family)
	if err != nil {
		return nil, err
	}
	addr, err := net.ResolveUDPAddr("udp", srv.endpoint)
	if err != nil {
		return nil, ResolutionError{"Invalid server " + srv.endpoint}
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	// First-contact gate: until the first reply proves the server
	// reachable only one probe may be outstanding, later senders wait
	// for its completion.
	var first bool
	for {
		wait, f := srv.beginUDP()
		if wait == nil {
			first = f
			break
		}
		select {
		case <-wait:
		case <-deadline.C:
			return nil, TimeoutError{timeout}
		}
	}

	req := r.register(srv, name, qtype)
	defer r.complete(req)

	payload, err := newQuery(req.id, name, qtype).Pack()
	if err != nil {
		return nil, ResolutionError{"failed to encode query: " + err.Error()}
	}
	mux.send(payload, addr)

	select {
	case <-req.done:
		if req.err != nil && first {
			srv.resetProbe()
		}
		return req.answer, req.err
	case <-deadline.C:
		if first {
			srv.resetProbe()
		}
		return nil, TimeoutError{timeout}
	}
}

func (r *Resolver) exchangeTCP(srv *server, name string, qtype uint16, timeout time.Duration) (*dns.Msg, error) {
	conn, err := r.tcpFor(srv)
	if err != nil {
		return nil, err
	}

	req := r.register(srv, name, qtype)
	defer r.complete(req)

	payload, err := newQuery(req.id, name, qtype).Pack()
	if err != nil {
		return nil, ResolutionError{"failed to encode query: " + err.Error()}
	}
	if err := conn.send(payload); err != nil {
		if r.findServer(srv.endpoint) == srv {
			r.unloadServer(srv, ResolutionError{"failed to send to " + srv.endpoint + ": " + err.Error()})
		}
		return nil, ResolutionError{"failed to send to " + srv.endpoint + ": " + err.Error()}
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	select {
	case <-req.done:
		return req.answer, req.err
	case <-deadline.C:
		return nil, TimeoutError{timeout}
	}
}
