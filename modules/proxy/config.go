package proxy

import (
	"flag"
	"time"

	"github.com/zachfi/zkit/pkg/util"
)

const (
	defaultDialTimeout           = 5 * time.Second
	defaultResponseHeaderTimeout = 10 * time.Second
	defaultBufferSize            = 32 * 1024
)

type Config struct {
	MaxConnections        int           `yaml:"max-connections,omitempty"` // 0 is unlimited
	DialTimeout           time.Duration `yaml:"dial-timeout,omitempty"`
	ResponseHeaderTimeout time.Duration `yaml:"response-header-timeout,omitempty"`
	BufferSize            int           `yaml:"buffer-size,omitempty"` // bytes read from upstream per write
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.MaxConnections, util.PrefixConfig(prefix, "max-connections"), 0,
		"Maximum concurrent proxied streams. Further requests get 503. 0 is unlimited.")
	f.DurationVar(&cfg.DialTimeout, util.PrefixConfig(prefix, "dial-timeout"), defaultDialTimeout,
		"Timeout for connecting to a station.")
	f.DurationVar(&cfg.ResponseHeaderTimeout, util.PrefixConfig(prefix, "response-header-timeout"), defaultResponseHeaderTimeout,
		"Timeout waiting for a station to answer once connected.")
	f.IntVar(&cfg.BufferSize, util.PrefixConfig(prefix, "buffer-size"), defaultBufferSize,
		"Bytes relayed per write to the client.")
}
