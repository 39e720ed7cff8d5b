package sdns

import (
	"fmt"
	"time"

	"github.com/miekg/dns"
)

// InvalidNameError is returned when a name fails host-name validation.
type InvalidNameError struct {
	Name   string
	Reason string
}

func (e InvalidNameError) Error() string {
	return fmt.Sprintf("invalid host name %q: %s", e.Name, e.Reason)
}

// InvalidTypeError is returned when Resolve is passed a record type other
// than A or AAAA. Query accepts arbitrary types.
type InvalidTypeError struct {
	Type uint16
}

func (e InvalidTypeError) Error() string {
	return fmt.Sprintf("record type %s is not supported by Resolve", dns.Type(e.Type))
}

// NoRecordError is returned when the upstream or the cache holds no
// records of any requested type for the name.
type NoRecordError struct {
	Name   string
	Cached bool
}

func (e NoRecordError) Error() string {
	if e.Cached {
		return fmt.Sprintf("No records returned for %s (cached result)", e.Name)
	}
	return fmt.Sprintf("No records returned for %s", e.Name)
}

// TimeoutError is returned when a request exceeded its timeout budget on
// all tried transports and servers.
type TimeoutError struct {
	Timeout time.Duration
}

func (e TimeoutError) Error() string {
	return fmt.Sprintf("Request timed out after %dms", e.Timeout.Milliseconds())
}

// ResolutionError covers upstream failures: non-zero response codes,
// truncated TCP responses, malformed packets, socket failures, invalid
// custom server addresses, TCP connect failures and recursion limits.
type ResolutionError struct {
	Reason string
}

func (e ResolutionError) Error() string {
	return e.Reason
}

// SocketError is returned when a local socket can not be created. An
// unavailable IPv4 UDP socket is fatal, IPv6 failures are tolerated.
type SocketError struct {
	Err error
}

func (e SocketError) Error() string {
	return fmt.Sprintf("failed to create socket: %v", e.Err)
}

func (e SocketError) Unwrap() error {
	return e.Err
}
