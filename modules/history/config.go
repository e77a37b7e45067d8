package history

import (
	"flag"

	"github.com/zachfi/zkit/pkg/util"
)

const (
	defaultDSN       = "sqlite://nowplaying.db"
	defaultQueueSize = 256

	// DefaultLimit is the number of rows returned when a query names no limit.
	DefaultLimit = 100
	// MaxLimit caps the rows returned by a single query.
	MaxLimit = 500
)

type Config struct {
	DSN       string `yaml:"dsn,omitempty"`        // sqlite://path or postgres://...
	QueueSize int    `yaml:"queue-size,omitempty"` // pending writes before new entries are dropped
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.DSN, util.PrefixConfig(prefix, "dsn"), defaultDSN,
		"Durable history database, either sqlite://<path> or a postgres:// connection URL.")
	f.IntVar(&cfg.QueueSize, util.PrefixConfig(prefix, "queue-size"), defaultQueueSize,
		"Number of history writes held in memory while the database catches up. Writes beyond this are dropped.")
}
