package broadcast

import (
	"flag"

	"github.com/zachfi/zkit/pkg/util"
)

const defaultQueueSize = 64

type Config struct {
	QueueSize int `yaml:"queue-size,omitempty"` // outgoing messages held per subscriber
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.QueueSize, util.PrefixConfig(prefix, "queue-size"), defaultQueueSize,
		"Outgoing messages held for one subscriber on top of a full snapshot. A subscriber that falls further behind is disconnected.")
}
