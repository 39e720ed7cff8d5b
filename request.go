package sdns

import (
	"fmt"
	"sync"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// pendingRequest is one in-flight question. The done channel is closed
// at most once, when a response arrives or the request fails. A request
// that times out is removed from the table without being settled.
type pendingRequest struct {
	id    uint16
	name  string
	qtype uint16
	srv   *server

	once   sync.Once
	done   chan struct{}
	answer *dns.Msg
	err    error
}

func (req *pendingRequest) settle(a *dns.Msg, err error) {
	req.once.Do(func() {
		req.answer = a
		req.err = err
		close(req.done)
	})
}

// register allocates a request ID and tracks the question in the global
// request table and the server's pending set. IDs advance monotonically,
// wrap at the 16-bit boundary and skip any ID currently in use.
func (r *Resolver) register(srv *server, name string, qtype uint16) *pendingRequest {
	req := &pendingRequest{
		name:  name,
		qtype: qtype,
		srv:   srv,
		done:  make(chan struct{}),
	}
	r.mu.Lock()
	for {
		r.idCounter++
		if _, inUse := r.requests[r.idCounter]; !inUse {
			break
		}
	}
	req.id = r.idCounter
	r.requests[req.id] = req
	r.mu.Unlock()
	srv.addPending(req.id)
	return req
}

// complete removes the request from the table and the server's pending
// set. Any response arriving later with this ID is discarded.
func (r *Resolver) complete(req *pendingRequest) {
	r.mu.Lock()
	if cur, ok := r.requests[req.id]; ok && cur == req {
		delete(r.requests, req.id)
	}
	r.mu.Unlock()
	req.srv.removePending(req.id)
}

// dispatch hands an inbound packet from one of the transports to the
// request it answers. Packets with unknown IDs are discarded silently:
// they may belong to a cancelled or timed-out request. A packet that
// does not decode, or that is not a response, is a server-connection
// fault and unloads the server.
func (r *Resolver) dispatch(srv *server, payload []byte) {
	msg := new(dns.Msg)
	if err := msg.Unpack(payload); err != nil {
		r.unloadServer(srv, ResolutionError{fmt.Sprintf("malformed packet from %s: %v", srv.endpoint, err)})
		return
	}
	if !msg.Response {
		r.unloadServer(srv, ResolutionError{"Invalid server reply"})
		return
	}

	r.mu.Lock()
	req, ok := r.requests[msg.Id]
	if ok && req.srv == srv {
		delete(r.requests, msg.Id)
	} else {
		ok = false
	}
	r.mu.Unlock()
	if !ok {
		Log.WithFields(logrus.Fields{
			"server": srv.endpoint,
			"id":     msg.Id,
		}).Debug("unexpected answer received, ignoring")
		return
	}
	srv.removePending(req.id)
	req.settle(msg, nil)
}

// processResponse turns a decoded response into per-type answers and
// performs the cache write-back. A response with no answer records at
// all yields a negative cache entry and a NoRecordError. Positive
// results are cached per type with the minimum positive TTL among that
// type's records.
func (r *Resolver) processResponse(name string, qtype uint16, msg *dns.Msg, useCache bool) (*resultSet, error) {
	if msg.Rcode != dns.RcodeSuccess && msg.Rcode != dns.RcodeNameError {
		return nil, ResolutionError{fmt.Sprintf("Server returned error code: %d", msg.Rcode)}
	}

	rs := newResultSet()
	for _, rr := range msg.Answer {
		rs.add(answerFromRR(rr))
	}

	if rs.empty() {
		if useCache {
			r.cache.Set(cacheKey(name, qtype), []Answer{}, negativeTTL)
		}
		return nil, NoRecordError{Name: name}
	}
	if useCache {
		for _, t := range rs.order {
			answers := rs.get(t)
			r.cache.Set(cacheKey(name, t), answers, minPositiveTTL(answers))
		}
	}
	return rs, nil
}
