package sdns

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"
)

// How long to wait for the stream connection to an upstream server.
const tcpConnectTimeout = 5 * time.Second

// tcpConn is the lazily-opened stream connection to one server. All
// requests to the server are multiplexed over the single connection
// using the DNS 2-byte big-endian length prefix. Writes are serialized,
// the reader reassembles frames from the byte stream.
type tcpConn struct {
	conn net.Conn
	wmu  sync.Mutex
}

func dialTCP(endpoint string) (*tcpConn, error) {
	conn, err := net.DialTimeout("tcp", endpoint, tcpConnectTimeout)
	if err != nil {
		return nil, err
	}
	return &tcpConn{conn: conn}, nil
}

// send writes one length-prefixed message, preserving application order
// in the stream.
func (c *tcpConn) send(payload []byte) error {
	frame := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(frame, uint16(len(payload)))
	copy(frame[2:], payload)

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.conn.Write(frame)
	return err
}

func (c *tcpConn) close() {
	c.conn.Close()
}

// readLoop is the stateful inbound framer: it tracks the current frame
// length (unknown between frames) and a rolling buffer, dispatching a
// frame whenever enough bytes have accumulated. A closed or failing
// connection is fatal for the server entry and all its in-flight
// requests.
func (c *tcpConn) readLoop(r *Resolver, srv *server) {
	var (
		buf      []byte
		frameLen = -1
	)
	chunk := make([]byte, 4096)
	for {
		n, err := c.conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				if frameLen < 0 {
					if len(buf) < 2 {
						break
					}
					frameLen = int(binary.BigEndian.Uint16(buf))
					buf = buf[2:]
				}
				if len(buf) < frameLen {
					break
				}
				frame := make([]byte, frameLen)
				copy(frame, buf[:frameLen])
				buf = buf[frameLen:]
				frameLen = -1
				srv.markReachable()
				r.dispatch(srv, frame)
			}
		}
		if err != nil {
			if r.findServer(srv.endpoint) == srv {
				r.unloadServer(srv, ResolutionError{fmt.Sprintf("connection to %s closed: %v", srv.endpoint, err)})
			}
			return
		}
	}
}

// tcpFor returns the server's established stream connection, opening it
// on first use. Concurrent callers during the connect share the one
// attempt. A connect failure fails every request pending on the server
// and marks it TCP-unusable until the entry is unloaded.
func (r *Resolver) tcpFor(srv *server) (*tcpConn, error) {
	for {
		srv.mu.Lock()
		switch srv.tcpState {
		case tcpEstablished:
			conn := srv.tcp
			srv.mu.Unlock()
			return conn, nil
		case tcpFailed:
			srv.mu.Unlock()
			return nil, ResolutionError{"TCP connection failed to " + srv.endpoint}
		case tcpConnecting:
			ch := make(chan error, 1)
			srv.tcpWaiters = append(srv.tcpWaiters, ch)
			srv.mu.Unlock()
			if err := <-ch; err != nil {
				return nil, err
			}
			// Re-check the state, the connection may have failed again.
			continue
		case tcpNone:
			srv.tcpState = tcpConnecting
			srv.mu.Unlock()
			r.connectTCP(srv)
			continue
		}
	}
}

func (r *Resolver) connectTCP(srv *server) {
	conn, err := dialTCP(srv.endpoint)

	srv.mu.Lock()
	waiters := srv.tcpWaiters
	srv.tcpWaiters = nil
	if err != nil {
		srv.tcpState = tcpFailed
	} else {
		srv.tcpState = tcpEstablished
		srv.tcp = conn
	}
	srv.mu.Unlock()

	var notify error
	if err != nil {
		notify = ResolutionError{fmt.Sprintf("TCP connection failed to %s: %v", srv.endpoint, err)}
		r.failPending(srv, notify)
	} else if r.findServer(srv.endpoint) != srv {
		// The entry was unloaded while the connect was in flight.
		notify = ResolutionError{"server " + srv.endpoint + " unloaded"}
		srv.mu.Lock()
		srv.tcpState = tcpNone
		srv.tcp = nil
		srv.mu.Unlock()
		conn.close()
	} else {
		go conn.readLoop(r, srv)
	}
	for _, ch := range waiters {
		ch <- notify
	}
}
