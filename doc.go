/*
Package sdns implements an asynchronous DNS stub resolver. Given a host
name and a set of record types, it returns answers by consulting a static
host table, a local answer cache, and one or more recursive upstream name
servers over UDP with TCP fallback.

Concurrent questions are multiplexed over a small pool of shared sockets:
one UDP socket per address family plus one lazily-opened TCP connection
per upstream server. Duplicate in-flight lookups are coalesced, answers
are cached with TTL bounds and negative-cache semantics, and CNAME/DNAME
chains are followed on request.

	r := sdns.New(sdns.ResolverOptions{})
	defer r.Close()
	answers, err := r.Resolve("example.com", sdns.ResolveOptions{})

The cache, the hosts table, and the system-configuration discovery are
pluggable via the CacheBackend, HostsLoader, and SystemConfigLoader
interfaces.
*/
package sdns
