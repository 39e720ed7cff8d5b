package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/miekg/dns"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	sdns "github.com/stubdns/stubdns"
)

type options struct {
	logLevel uint32
	config   string
	server   string
	types    []string
	timeout  time.Duration
	noCache  bool
	noHosts  bool
	recurse  bool
}

func main() {
	var opt options
	cmd := &cobra.Command{
		Use:   "sdns <name> [<name>..]",
		Short: "DNS stub resolver",
		Long: `DNS stub resolver.

Resolves host names against a static host table, a local answer
cache and the system's recursive upstream name servers over UDP
with TCP fallback. Record types other than A and AAAA are queried
directly, optionally following CNAME/DNAME chains.
`,
		Example: `  sdns example.com
  sdns -t MX -r example.com
  sdns --server tcp://9.9.9.9 example.com`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opt, args)
		},
		SilenceUsage: true,
	}

	cmd.Flags().Uint32VarP(&opt.logLevel, "log-level", "l", 2, "log level; 0=None .. 6=Trace")
	cmd.Flags().StringVarP(&opt.config, "config", "c", "", "config file (TOML)")
	cmd.Flags().StringVarP(&opt.server, "server", "s", "", "upstream server, [udp://|tcp://]host[:port]")
	cmd.Flags().StringSliceVarP(&opt.types, "type", "t", []string{"A", "AAAA"}, "record types to query")
	cmd.Flags().DurationVar(&opt.timeout, "timeout", 0, "per-request timeout")
	cmd.Flags().BoolVar(&opt.noCache, "no-cache", false, "bypass the answer cache")
	cmd.Flags().BoolVar(&opt.noHosts, "no-hosts", false, "bypass the hosts file")
	cmd.Flags().BoolVarP(&opt.recurse, "recurse", "r", false, "follow CNAME/DNAME chains for non-address types")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(opt options, args []string) error {
	if opt.logLevel > 6 {
		return fmt.Errorf("invalid log level: %d", opt.logLevel)
	}
	sdns.Log.SetLevel(logrus.Level(opt.logLevel))

	config, err := loadConfig(opt.config)
	if err != nil {
		return err
	}

	ropt := sdns.ResolverOptions{Timeout: opt.timeout}
	if config.HostsFile != "" {
		ropt.HostsLoader = sdns.NewHostsFileLoader(config.HostsFile)
	}
	if config.ResolvConf != "" {
		ropt.ConfigLoader = sdns.ResolvConfLoader{Path: config.ResolvConf}
	}
	if len(config.Servers) > 0 && opt.server == "" {
		opt.server = config.Servers[0]
	}

	switch config.Cache.Backend {
	case "", "memory":
		ropt.Cache = sdns.NewMemoryBackend(sdns.MemoryBackendOptions{
			Capacity: config.Cache.Capacity,
		})
	case "redis":
		ropt.Cache = sdns.NewRedisBackend(sdns.RedisBackendOptions{
			RedisOptions: redis.Options{
				Network:  config.Cache.Redis.Network,
				Addr:     config.Cache.Redis.Address,
				Username: config.Cache.Redis.Username,
				Password: config.Cache.Redis.Password,
				DB:       config.Cache.Redis.DB,
			},
			KeyPrefix: config.Cache.Redis.KeyPrefix,
		})
	default:
		return fmt.Errorf("unsupported cache backend %q", config.Cache.Backend)
	}

	r := sdns.New(ropt)
	defer r.Close()

	types, addressOnly, err := parseTypes(opt.types)
	if err != nil {
		return err
	}

	var failed bool
	for _, name := range args {
		var answers []sdns.Answer
		if addressOnly {
			answers, err = r.Resolve(name, sdns.ResolveOptions{
				Types:   types,
				Server:  opt.server,
				NoCache: opt.noCache,
				NoHosts: opt.noHosts,
			})
		} else {
			answers, err = query(r, name, types, opt)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
			failed = true
			continue
		}
		printAnswers(name, answers)
	}
	if failed {
		return errors.New("some lookups failed")
	}
	return nil
}

func query(r *sdns.Resolver, name string, types []uint16, opt options) ([]sdns.Answer, error) {
	var answers []sdns.Answer
	for _, t := range types {
		a, err := r.Query(name, t, sdns.QueryOptions{
			Server:  opt.server,
			NoCache: opt.noCache,
			Recurse: opt.recurse,
		})
		if err != nil {
			return nil, err
		}
		answers = append(answers, a...)
	}
	return answers, nil
}

// parseTypes maps the type flags to record types. Lookups limited to
// A/AAAA go through Resolve and see the hosts table, everything else
// uses the low-level query path.
func parseTypes(names []string) ([]uint16, bool, error) {
	types := make([]uint16, 0, len(names))
	addressOnly := true
	for _, n := range names {
		t, ok := dns.StringToType[n]
		if !ok {
			return nil, false, fmt.Errorf("unsupported record type %q", n)
		}
		if t != dns.TypeA && t != dns.TypeAAAA {
			addressOnly = false
		}
		types = append(types, t)
	}
	return types, addressOnly, nil
}

func printAnswers(name string, answers []sdns.Answer) {
	for _, a := range answers {
		ttl := "-"
		if !a.Permanent {
			ttl = fmt.Sprintf("%d", a.TTL)
		}
		fmt.Printf("%s\t%s\t%s\t%s\n", name, ttl, dns.Type(a.Type), a.Data)
	}
}
