package shoutcast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const userAgent = "nowplaying/1.0"

// ErrNoMetadata is returned when a server does not announce an ICY metadata interval.
var ErrNoMetadata = errors.New("stream does not provide icy metadata")

// MetadataCallbackFunc is the type of the function called when the stream metadata changes
type MetadataCallbackFunc func(m *Metadata)

// Stream represents an open shoutcast stream.
type Stream struct {
	// The name of the server
	Name string

	// What category the server falls under
	Genre string

	// The description of the stream
	Description string

	// Homepage of the server
	URL string

	// Bitrate of the server
	Bitrate int

	// Optional function to be executed when stream metadata changes
	MetadataCallbackFunc MetadataCallbackFunc

	// Amount of bytes to read before expecting a metadata block
	metaint int

	// Stream metadata
	metadata *Metadata

	// The number of bytes read since last metadata block
	pos int

	// The underlying data stream
	rc io.ReadCloser
}

// DefaultClient has a connect timeout but no overall timeout, so a stream can be
// read indefinitely.
var DefaultClient = &http.Client{
	Transport: &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		ResponseHeaderTimeout: 10 * time.Second,
	},
}

// Open establishes a connection to a remote server using DefaultClient.
// Playlist files (.pls, .m3u) are resolved to the stream they point at.
// Cancelling ctx closes the stream.
func Open(ctx context.Context, url string) (*Stream, error) {
	return OpenWithClient(ctx, DefaultClient, url)
}

func OpenWithClient(ctx context.Context, client *http.Client, url string) (*Stream, error) {
	resp, err := get(ctx, client, url)
	if err != nil {
		return nil, err
	}

	if kind := detectPlaylist(url, resp.Header.Get("Content-Type")); kind != notPlaylist {
		streamURL, err := resolvePlaylist(kind, resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve playlist %s: %w", url, err)
		}

		resp, err = get(ctx, client, streamURL)
		if err != nil {
			return nil, err
		}
	}

	var bitrate int
	if rawBitrate := resp.Header.Get("icy-br"); rawBitrate != "" {
		// Some servers send "128,128"; the first value is enough.
		first, _, _ := strings.Cut(rawBitrate, ",")
		bitrate, _ = strconv.Atoi(first)
	}

	rawMetaint := resp.Header.Get("icy-metaint")
	if rawMetaint == "" {
		resp.Body.Close()
		return nil, ErrNoMetadata
	}
	metaint, err := strconv.Atoi(rawMetaint)
	if err != nil || metaint <= 0 {
		resp.Body.Close()
		return nil, fmt.Errorf("cannot parse metaint %q", rawMetaint)
	}

	return &Stream{
		Name:        resp.Header.Get("icy-name"),
		Genre:       resp.Header.Get("icy-genre"),
		Description: resp.Header.Get("icy-description"),
		URL:         resp.Header.Get("icy-url"),
		Bitrate:     bitrate,
		metaint:     metaint,
		rc:          resp.Body,
	}, nil
}

func get(ctx context.Context, client *http.Client, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Add("accept", "*/*")
	req.Header.Add("user-agent", userAgent)
	req.Header.Add("icy-metadata", "1")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status from %s: %s", url, resp.Status)
	}

	return resp, nil
}

// Metadata returns the most recently received metadata, or nil before the first block.
func (s *Stream) Metadata() *Metadata {
	return s.metadata
}

// Read implements io.Reader, returning audio bytes only. A single call never
// reads past the next metadata block.
func (s *Stream) Read(buf []byte) (int, error) {
	if s.pos == s.metaint {
		if err := s.readMetadata(); err != nil {
			return 0, err
		}
		s.pos = 0
	}

	n := len(buf)
	if remaining := s.metaint - s.pos; n > remaining {
		n = remaining
	}

	n, err := s.rc.Read(buf[:n])
	s.pos += n
	return n, err
}

// readMetadata consumes one metadata block: a length byte (in units of 16 bytes)
// followed by the block itself. An empty block means the metadata is unchanged.
func (s *Stream) readMetadata() error {
	var lenByte [1]byte
	if _, err := io.ReadFull(s.rc, lenByte[:]); err != nil {
		return err
	}

	blockLen := int(lenByte[0]) * 16
	if blockLen == 0 {
		return nil
	}

	block := make([]byte, blockLen)
	if _, err := io.ReadFull(s.rc, block); err != nil {
		if errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
		return err
	}

	if m := NewMetadata(block); !m.Equals(s.metadata) {
		s.metadata = m
		if s.MetadataCallbackFunc != nil {
			s.MetadataCallbackFunc(m)
		}
	}

	return nil
}

// Close closes the stream
func (s *Stream) Close() error {
	return s.rc.Close()
}

