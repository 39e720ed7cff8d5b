package sdns

import (
	"net"
	"strconv"

	"github.com/sirupsen/logrus"
)

// Inbound datagrams are read into a buffer of this size. Plain DNS
// responses that need more set the TC bit and are retried over TCP.
const udpReadBufSize = 1024

// udpMux is one shared, unconnected UDP socket serving all servers of
// one address family. Outbound packets pass through a FIFO send queue,
// inbound datagrams are demultiplexed back to the originating server
// entry by peer address.
type udpMux struct {
	family int
	conn   *net.UDPConn
	sendCh chan udpPacket
	closed chan struct{}
}

type udpPacket struct {
	payload []byte
	addr    *net.UDPAddr
}

func newUDPMux(r *Resolver, family int) (*udpMux, error) {
	network := "udp4"
	if family == 6 {
		network = "udp6"
	}
	conn, err := net.ListenUDP(network, nil)
	if err != nil {
		return nil, SocketError{err}
	}
	m := &udpMux{
		family: family,
		conn:   conn,
		sendCh: make(chan udpPacket, 64),
		closed: make(chan struct{}),
	}
	go m.sendLoop()
	go m.readLoop(r)
	return m, nil
}

// send queues a datagram for delivery. The queue is drained in FIFO
// order by a single writer.
func (m *udpMux) send(payload []byte, addr *net.UDPAddr) {
	select {
	case m.sendCh <- udpPacket{payload, addr}:
	case <-m.closed:
	}
}

func (m *udpMux) sendLoop() {
	for {
		select {
		case <-m.closed:
			return
		case pkt := <-m.sendCh:
			if _, err := m.conn.WriteToUDP(pkt.payload, pkt.addr); err != nil {
				Log.WithFields(logrus.Fields{
					"addr":  pkt.addr,
					"error": err,
				}).Debug("failed sending datagram")
			}
		}
	}
}

func (m *udpMux) readLoop(r *Resolver) {
	buf := make([]byte, udpReadBufSize)
	for {
		n, addr, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-m.closed:
			default:
				Log.WithError(err).Debug("udp read failed")
			}
			return
		}
		endpoint := normalizeUDPAddr(addr)
		srv := r.findServer(endpoint)
		if srv == nil {
			// Not a known upstream, drop it.
			continue
		}
		// Any inbound datagram proves the server reachable and lifts
		// the first-contact gate.
		srv.markReachable()
		payload := make([]byte, n)
		copy(payload, buf[:n])
		r.dispatch(srv, payload)
	}
}

func (m *udpMux) close() {
	select {
	case <-m.closed:
		return
	default:
	}
	close(m.closed)
	m.conn.Close()
}

// normalizeUDPAddr renders a peer address as the endpoint form used to
// key server entries: host:port with IPv6 hosts bracketed.
func normalizeUDPAddr(addr *net.UDPAddr) string {
	return net.JoinHostPort(addr.IP.String(), strconv.Itoa(addr.Port))
}

// mux returns the shared socket for the family, creating it on first
// use. An IPv4 socket failure is fatal, IPv6 failures are remembered and
// make IPv6 servers unreachable.
func (r *Resolver) mux(family int) (*udpMux, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.muxLocked(family)
}

func (r *Resolver) muxLocked(family int) (*udpMux, error) {
	if family == 6 {
		if r.udp6 == nil && r.udp6Err == nil {
			r.udp6, r.udp6Err = newUDPMux(r, 6)
			if r.udp6Err != nil {
				Log.WithError(r.udp6Err).Debug("IPv6 socket unavailable")
			}
		}
		return r.udp6, r.udp6Err
	}
	if r.udp4 == nil && r.udp4Err == nil {
		r.udp4, r.udp4Err = newUDPMux(r, 4)
	}
	return r.udp4, r.udp4Err
}
