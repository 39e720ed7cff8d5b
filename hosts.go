package sdns

import (
	"net"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// HostsTable holds the static address records that are consulted before
// the cache and any upstream server. Both maps are keyed by lowercased
// host name.
type HostsTable struct {
	V4 map[string]string
	V6 map[string]string
}

// lookup returns the address for a lowercased name, if any.
func (t HostsTable) lookup(name string, qtype uint16) (string, bool) {
	switch qtype {
	case dns.TypeA:
		ip, ok := t.V4[name]
		return ip, ok
	case dns.TypeAAAA:
		ip, ok := t.V6[name]
		return ip, ok
	}
	return "", false
}

// HostsLoader provides the hosts table. Load is called on every lookup
// that consults hosts data, implementations are expected to cache and
// only re-read when the underlying source changed or force is set.
type HostsLoader interface {
	Load(force bool) (HostsTable, error)
}

// HostsFileLoader reads hosts-file syntax from a local file. The parsed
// table is cached and re-read when the file's modification timestamp
// advances or when a load is forced.
type HostsFileLoader struct {
	Path string

	mu      sync.Mutex
	loaded  bool
	modTime time.Time
	table   HostsTable
}

// NewHostsFileLoader returns a loader for the given file. An empty path
// selects the platform's default hosts file.
func NewHostsFileLoader(path string) *HostsFileLoader {
	if path == "" {
		path = defaultHostsPath()
	}
	return &HostsFileLoader{Path: path}
}

func defaultHostsPath() string {
	if runtime.GOOS == "windows" {
		root := os.Getenv("SystemRoot")
		if root == "" {
			root = `C:\Windows`
		}
		return root + `\System32\Drivers\etc\hosts`
	}
	return "/etc/hosts"
}

func (l *HostsFileLoader) Load(force bool) (HostsTable, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	fi, err := os.Stat(l.Path)
	if err != nil {
		if l.loaded {
			return l.table, nil
		}
		return HostsTable{}, err
	}
	if l.loaded && !force && !fi.ModTime().After(l.modTime) {
		return l.table, nil
	}

	b, err := os.ReadFile(l.Path)
	if err != nil {
		if l.loaded {
			return l.table, nil
		}
		return HostsTable{}, err
	}

	table := parseHosts(string(b))
	if runtime.GOOS == "windows" {
		injectLocalhost(&table)
	}

	l.table = table
	l.modTime = fi.ModTime()
	l.loaded = true
	Log.WithField("path", l.Path).Debug("loaded hosts file")
	return table, nil
}

// parseHosts reads hosts-file lines: an address followed by one or more
// names, with '#' starting a comment.
func parseHosts(s string) HostsTable {
	table := HostsTable{
		V4: make(map[string]string),
		V6: make(map[string]string),
	}
	for _, line := range strings.Split(s, "\n") {
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		ip := net.ParseIP(fields[0])
		if ip == nil {
			continue
		}
		isIP4 := ip.To4() != nil
		for _, name := range fields[1:] {
			name = strings.ToLower(strings.TrimSuffix(name, "."))
			if isIP4 {
				table.V4[name] = ip.String()
			} else {
				table.V6[name] = ip.String()
			}
		}
	}
	return table
}

// Windows hosts files frequently lack a localhost entry since the OS
// resolver special-cases the name. Inject one so lookups behave the same
// on all platforms: IPv4 from a system lookup (127.0.0.1 if the lookup
// yields no IPv4 address) and IPv6 ::1.
func injectLocalhost(table *HostsTable) {
	_, ok4 := table.V4["localhost"]
	_, ok6 := table.V6["localhost"]
	if ok4 || ok6 {
		return
	}
	table.V6["localhost"] = "::1"
	ips, err := net.LookupIP("localhost")
	if err != nil {
		table.V4["localhost"] = "127.0.0.1"
		return
	}
	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			table.V4["localhost"] = ip4.String()
			return
		}
	}
	table.V4["localhost"] = "127.0.0.1"
}

// StaticHostsLoader serves a fixed table, mostly used in tests and for
// callers that manage hosts data themselves.
type StaticHostsLoader struct {
	Table HostsTable
}

func (l StaticHostsLoader) Load(bool) (HostsTable, error) {
	return l.Table, nil
}
