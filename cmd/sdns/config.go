package main

import (
	"os"

	"github.com/BurntSushi/toml"
)

// config is the optional TOML configuration of the CLI.
type config struct {
	// Upstream servers, [udp://|tcp://]host[:port]. Only the first entry
	// is used, as the upstream server when --server is not given; further
	// entries are ignored.
	Servers []string `toml:"servers"`

	// Paths for the static host table and the system resolver config.
	HostsFile  string `toml:"hosts-file"`
	ResolvConf string `toml:"resolv-conf"`

	Cache cacheConfig `toml:"cache"`
}

type cacheConfig struct {
	// "memory" (default) or "redis".
	Backend  string      `toml:"backend"`
	Capacity int         `toml:"capacity"`
	Redis    redisConfig `toml:"redis"`
}

type redisConfig struct {
	Network   string `toml:"network"`
	Address   string `toml:"address"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	KeyPrefix string `toml:"key-prefix"`
}

func loadConfig(path string) (config, error) {
	var c config
	if path == "" {
		return c, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	err = toml.Unmarshal(b, &c)
	return c, err
}
