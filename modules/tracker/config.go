package tracker

import (
	"flag"
	"time"

	"github.com/zachfi/zkit/pkg/util"
)

const (
	defaultStationFile      = "streams.txt"
	defaultInterval         = 5 * time.Second
	defaultReconnectInitial = 1 * time.Second
	defaultReconnectMax     = 60 * time.Second
	defaultMailboxSize      = 16
	defaultChangesSize      = 256
)

type Config struct {
	StationFile         string        `yaml:"station-file,omitempty"`
	Ingest              bool          `yaml:"ingest,omitempty"`                // run a metadata reader per station
	Interval            time.Duration `yaml:"interval,omitempty"`              // how often the latest title is forwarded
	RecentSize          int           `yaml:"recent-size,omitempty"`           // recent tracks kept in memory per station
	ReconnectBackoff    time.Duration `yaml:"reconnect-backoff,omitempty"`     // initial delay before reconnecting after disconnect
	ReconnectBackoffMax time.Duration `yaml:"reconnect-backoff-max,omitempty"` // cap on reconnect delay (exponential backoff)
	WarmFromHistory     bool          `yaml:"warm-from-history,omitempty"`
	MailboxSize         int           `yaml:"mailbox-size,omitempty"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.StationFile, util.PrefixConfig(prefix, "station-file"), defaultStationFile,
		"File listing the stations, one name|url|description per line.")
	f.BoolVar(&cfg.Ingest, util.PrefixConfig(prefix, "ingest"), true,
		"Connect to every station and follow its now playing metadata.")
	f.DurationVar(&cfg.Interval, util.PrefixConfig(prefix, "interval"), defaultInterval,
		"How often the most recent stream title of a station is checked for a track change.")
	f.IntVar(&cfg.RecentSize, util.PrefixConfig(prefix, "recent-size"), 50,
		"Number of recent tracks kept in memory per station.")
	f.DurationVar(&cfg.ReconnectBackoff, util.PrefixConfig(prefix, "reconnect-backoff"), defaultReconnectInitial,
		"Initial delay before reconnecting to a station. Exponential backoff with jitter is used up to reconnect-backoff-max.")
	f.DurationVar(&cfg.ReconnectBackoffMax, util.PrefixConfig(prefix, "reconnect-backoff-max"), defaultReconnectMax,
		"Maximum delay between reconnection attempts.")
	f.BoolVar(&cfg.WarmFromHistory, util.PrefixConfig(prefix, "warm-from-history"), true,
		"Restore the current track and recent tracks of each station from durable history at startup.")
	f.IntVar(&cfg.MailboxSize, util.PrefixConfig(prefix, "mailbox-size"), defaultMailboxSize,
		"Pending observations per station before the ingest path waits.")
}
