package app

import (
	"flag"
	"os"
	"path/filepath"

	"github.com/grafana/dskit/flagext"
	"github.com/grafana/dskit/server"
	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/zachfi/zkit/pkg/tracing"

	"github.com/zachfi/nowplaying/modules/broadcast"
	"github.com/zachfi/nowplaying/modules/enrich"
	"github.com/zachfi/nowplaying/modules/history"
	"github.com/zachfi/nowplaying/modules/proxy"
	"github.com/zachfi/nowplaying/modules/tracker"
)

type Config struct {
	Target    string           `yaml:"target"`
	Tracing   tracing.Config   `yaml:"tracing,omitempty"`
	Server    server.Config    `yaml:"server,omitempty"`
	Tracker   tracker.Config   `yaml:"tracker,omitempty"`
	History   history.Config   `yaml:"history,omitempty"`
	Enrich    enrich.Config    `yaml:"enrich,omitempty"`
	Broadcast broadcast.Config `yaml:"broadcast,omitempty"`
	Proxy     proxy.Config     `yaml:"proxy,omitempty"`
}

// LoadConfig receives a file path for a configuration to load.
func LoadConfig(file string) (Config, error) {
	filename, _ := filepath.Abs(file)

	config := Config{}
	err := loadYamlFile(filename, &config)
	if err != nil {
		return config, errors.Wrap(err, "failed to load yaml file")
	}

	return config, nil
}

// loadYamlFile unmarshals a YAML file into the received interface{} or returns an error.
func loadYamlFile(filename string, d interface{}) error {
	yamlFile, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.UnmarshalStrict(yamlFile, d)
}

func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&c.Target, "target", All, "The module to run.")

	flagext.DefaultValues(&c.Server)
	f.IntVar(&c.Server.HTTPListenPort, "server.http-listen-port", 3000, "HTTP server listen port.")
	f.IntVar(&c.Server.GRPCListenPort, "server.grpc-listen-port", 9090, "gRPC server listen port.")

	c.Tracing.RegisterFlagsAndApplyDefaults("tracing", f)
	c.Tracker.RegisterFlagsAndApplyDefaults("tracker", f)
	c.History.RegisterFlagsAndApplyDefaults("history", f)
	c.Enrich.RegisterFlagsAndApplyDefaults("enrich", f)
	c.Broadcast.RegisterFlagsAndApplyDefaults("broadcast", f)
	c.Proxy.RegisterFlagsAndApplyDefaults("proxy", f)
}
