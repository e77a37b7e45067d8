package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const module = "enrich"

var tracer = otel.Tracer("nowplaying/enrich")

var metricLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "nowplaying",
	Subsystem: module,
	Name:      "lookups_total",
	Help:      "Track lookups by result.",
}, []string{"result"})

// Result is the display data found for a track. Empty fields mean nothing was found.
type Result struct {
	ImageURL     string
	ExternalLink string
}

// Client looks up display data for a track. Lookup never fails: on any error it
// returns the default image and no link.
type Client interface {
	Lookup(ctx context.Context, artist, title string) Result
}

// New returns a Spotify client when credentials are configured, otherwise a client
// that always answers with the default image.
func New(cfg Config, logger slog.Logger) Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.DefaultImage == "" {
		cfg.DefaultImage = DefaultImage
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = defaultTokenURL
	}
	if cfg.APIURL == "" {
		cfg.APIURL = defaultAPIURL
	}

	l := logger.With("module", module)
	if !cfg.enabled() {
		l.Info("no spotify credentials, track enrichment disabled")
		return Noop{DefaultImage: cfg.DefaultImage}
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
	}

	// The token endpoint gets the same bound as a lookup.
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: cfg.Timeout})

	return &Spotify{
		cfg:    &cfg,
		logger: l,
		client: cc.Client(tokenCtx),
	}
}

// Noop returns the default image for every track.
type Noop struct {
	DefaultImage string
}

func (n Noop) Lookup(_ context.Context, _, _ string) Result {
	return Result{ImageURL: n.DefaultImage}
}

// Spotify searches the Spotify Web API using client credentials.
type Spotify struct {
	cfg    *Config
	logger *slog.Logger
	client *http.Client
}

type searchResponse struct {
	Tracks struct {
		Items []struct {
			ExternalURLs struct {
				Spotify string `json:"spotify"`
			} `json:"external_urls"`
			Album struct {
				Images []struct {
					URL string `json:"url"`
				} `json:"images"`
			} `json:"album"`
		} `json:"items"`
	} `json:"tracks"`
}

func (s *Spotify) Lookup(ctx context.Context, artist, title string) Result {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "Spotify.Lookup", trace.WithAttributes(
		attribute.String("artist", artist),
		attribute.String("title", title),
	))
	defer span.End()

	artist, title = Clean(artist), Clean(title)

	var (
		res Result
		err error
	)
	for _, q := range []string{
		fmt.Sprintf("track:%s artist:%s", title, artist),
		fmt.Sprintf("%s %s", title, artist),
	} {
		res, err = s.search(ctx, q)
		if err != nil || res.ImageURL != "" {
			break
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("spotify lookup failed", "artist", artist, "title", title, "err", err)
	}

	switch {
	case err != nil:
		metricLookups.WithLabelValues("error").Inc()
		return Result{ImageURL: s.cfg.DefaultImage}
	case res.ImageURL == "":
		metricLookups.WithLabelValues("miss").Inc()
		res.ImageURL = s.cfg.DefaultImage
		return res
	}

	metricLookups.WithLabelValues("hit").Inc()
	return res
}

func (s *Spotify) search(ctx context.Context, q string) (Result, error) {
	u := strings.TrimSuffix(s.cfg.APIURL, "/") + "/search?" + url.Values{
		"q":     {q},
		"type":  {"track"},
		"limit": {"1"},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Result{}, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("spotify search returned %s", resp.Status)
	}

	var body searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Result{}, fmt.Errorf("failed to decode spotify response: %w", err)
	}

	if len(body.Tracks.Items) == 0 {
		return Result{}, nil
	}

	item := body.Tracks.Items[0]
	res := Result{ExternalLink: item.ExternalURLs.Spotify}
	if len(item.Album.Images) > 0 {
		res.ImageURL = item.Album.Images[0].URL
	}

	return res, nil
}

var bracketed = regexp.MustCompile(`\s*(\([^)]*\)|\[[^\]]*\])`)

// Clean removes bracketed and parenthetical parts such as "(Live)" or "[Remix]",
// which tend to spoil search matches.
func Clean(s string) string {
	cleaned := strings.TrimSpace(bracketed.ReplaceAllString(s, ""))
	if cleaned == "" {
		return strings.TrimSpace(s)
	}
	return cleaned
}
