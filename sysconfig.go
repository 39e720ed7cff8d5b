package sdns

import (
	"net"
	"strconv"
	"time"

	"github.com/miekg/dns"
)

// SystemConfig is the system's resolver configuration: the upstream
// nameserver endpoints in order, the per-request timeout, and the
// configured attempt count.
type SystemConfig struct {
	Nameservers []string
	Timeout     time.Duration
	Attempts    int
}

// SystemConfigLoader discovers the upstream nameserver list. Loaders
// must not fail hard: on any problem they return DefaultSystemConfig.
type SystemConfigLoader interface {
	Load() SystemConfig
}

// DefaultSystemConfig is used when discovery fails.
func DefaultSystemConfig() SystemConfig {
	return SystemConfig{
		Nameservers: []string{"8.8.8.8:53", "8.8.4.4:53"},
		Timeout:     3 * time.Second,
		Attempts:    2,
	}
}

// ResolvConfLoader reads a resolv.conf-style file.
type ResolvConfLoader struct {
	Path string
}

func (l ResolvConfLoader) Load() SystemConfig {
	path := l.Path
	if path == "" {
		path = "/etc/resolv.conf"
	}
	cfg, err := dns.ClientConfigFromFile(path)
	if err != nil {
		Log.WithError(err).WithField("path", path).Debug("falling back to default nameservers")
		return DefaultSystemConfig()
	}

	sc := DefaultSystemConfig()
	if len(cfg.Servers) > 0 {
		sc.Nameservers = make([]string, 0, len(cfg.Servers))
		for _, host := range cfg.Servers {
			sc.Nameservers = append(sc.Nameservers, net.JoinHostPort(host, cfg.Port))
		}
	}
	if cfg.Timeout > 0 {
		sc.Timeout = time.Duration(cfg.Timeout) * time.Second
	}
	if cfg.Attempts > 0 {
		sc.Attempts = cfg.Attempts
	}
	return sc
}

// StaticConfigLoader serves a fixed configuration, mostly used in tests.
type StaticConfigLoader struct {
	Config SystemConfig
}

func (l StaticConfigLoader) Load() SystemConfig {
	return l.Config
}

// serverSpec is one parsed upstream endpoint with its allowed protocols.
type serverSpec struct {
	endpoint string
	proto    protocol
	family   int
}

// parseServerAddr parses a custom server address of the form
// [udp://|tcp://]host[:port]. The scheme restricts the allowed protocols
// to one, no scheme allows both; the port defaults to 53. The host must
// be an IP address, IPv6 hosts may be bracketed.
func parseServerAddr(addr string) (serverSpec, error) {
	spec := serverSpec{proto: protocolAny}
	rest := addr
	if i := indexScheme(rest); i >= 0 {
		switch rest[:i] {
		case "udp":
			spec.proto &^= protocolTCP
		case "tcp":
			spec.proto &^= protocolUDP
		default:
			return spec, ResolutionError{"Invalid server " + addr}
		}
		rest = rest[i+3:]
	}

	host, port, err := net.SplitHostPort(rest)
	if err != nil {
		host, port = rest, "53"
		// A bare IPv6 address contains colons and fails SplitHostPort.
		host = trimBrackets(host)
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return spec, ResolutionError{"Invalid server " + addr}
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return spec, ResolutionError{"Invalid server " + addr}
	}
	if ip.To4() != nil {
		spec.family = 4
	} else {
		spec.family = 6
	}
	spec.endpoint = net.JoinHostPort(ip.String(), port)
	return spec, nil
}

func indexScheme(s string) int {
	for i := 0; i+3 <= len(s); i++ {
		if s[i] == ':' && s[i+1] == '/' && s[i+2] == '/' {
			return i
		}
	}
	return -1
}

func trimBrackets(s string) string {
	if len(s) >= 2 && s[0] == '[' && s[len(s)-1] == ']' {
		return s[1 : len(s)-1]
	}
	return s
}
