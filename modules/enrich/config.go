package enrich

import (
	"flag"
	"os"
	"time"

	"github.com/zachfi/zkit/pkg/util"
)

const (
	defaultTimeout  = 4 * time.Second
	defaultTokenURL = "https://accounts.spotify.com/api/token"
	defaultAPIURL   = "https://api.spotify.com/v1"

	// DefaultImage is shown for tracks without album art.
	DefaultImage = "data:image/svg+xml;base64,PHN2ZyB4bWxucz0iaHR0cDovL3d3dy53My5vcmcvMjAwMC9zdmciIHZpZXdCb3g9IjAgMCAyNCAyNCIgZmlsbD0iIzU1NSI+PHBhdGggZD0iTTEyIDJDNi40OCAyIDIgNi40OCAyIDEyczQuNDggMTAgMTAgMTAgMTAtNC40OCAxMC0xMFMxNy41MiAyIDEyIDJ6bTAgMTQuNWMtMi40OSAwLTQuNS0yLjAxLTQuNS00LjVTOS41MSA3LjUgMTIgNy41czQuNSAyLjAxIDQuNSA0LjUtMi4wMSA0LjUtNC41IDQuNXptMC01LjVjLS41NSAwLTEgLjQ1LTEgMXMuNDUgMSAxIDEgMS0uNDUgMS0xLS40NS0xLTEtMXoiLz48L3N2Zz4="
)

type Config struct {
	ClientID     string        `yaml:"client-id,omitempty"`
	ClientSecret string        `yaml:"client-secret,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty"`
	DefaultImage string        `yaml:"default-image,omitempty"`
	TokenURL     string        `yaml:"token-url,omitempty"`
	APIURL       string        `yaml:"api-url,omitempty"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.ClientID, util.PrefixConfig(prefix, "client-id"), os.Getenv("SPOTIFY_CLIENT_ID"),
		"Spotify client ID. Enrichment is disabled unless both the ID and secret are set. Defaults to $SPOTIFY_CLIENT_ID.")
	f.StringVar(&cfg.ClientSecret, util.PrefixConfig(prefix, "client-secret"), os.Getenv("SPOTIFY_CLIENT_SECRET"),
		"Spotify client secret. Defaults to $SPOTIFY_CLIENT_SECRET.")
	f.DurationVar(&cfg.Timeout, util.PrefixConfig(prefix, "timeout"), defaultTimeout,
		"Upper bound for one track lookup. On timeout the track is recorded with the default image.")
	f.StringVar(&cfg.DefaultImage, util.PrefixConfig(prefix, "default-image"), DefaultImage,
		"Image URL used when no album art is found.")
	f.StringVar(&cfg.TokenURL, util.PrefixConfig(prefix, "token-url"), defaultTokenURL, "OAuth2 token endpoint.")
	f.StringVar(&cfg.APIURL, util.PrefixConfig(prefix, "api-url"), defaultAPIURL, "Spotify Web API base URL.")
}

func (cfg *Config) enabled() bool {
	return cfg.ClientID != "" && cfg.ClientSecret != ""
}
