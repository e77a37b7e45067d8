package shoutcast

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// maxPlaylistSize bounds how much of a playlist response is read.
const maxPlaylistSize = 64 * 1024

// parsePLS parses a PLS playlist file and returns the first stream URL
func parsePLS(body io.Reader) (string, error) {
	scanner := bufio.NewScanner(io.LimitReader(body, maxPlaylistSize))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "File") && strings.Contains(line, "=") {
			parts := strings.SplitN(line, "=", 2)
			if url := strings.TrimSpace(parts[1]); url != "" {
				return url, nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("failed to read playlist: %w", err)
	}

	return "", fmt.Errorf("no stream URL found in PLS playlist")
}

// parseM3U parses an M3U playlist file and returns the first stream URL
func parseM3U(body io.Reader) (string, error) {
	scanner := bufio.NewScanner(io.LimitReader(body, maxPlaylistSize))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		// Skip comments and empty lines
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "http://") || strings.HasPrefix(line, "https://") {
			return line, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("failed to read playlist: %w", err)
	}

	return "", fmt.Errorf("no stream URL found in M3U playlist")
}

type playlistKind int

const (
	notPlaylist playlistKind = iota
	plsPlaylist
	m3uPlaylist
)

// detectPlaylist decides from the URL and response content type whether the
// response is a playlist rather than an audio stream.
func detectPlaylist(url, contentType string) playlistKind {
	contentType = strings.ToLower(contentType)
	lowerURL := strings.ToLower(url)

	switch {
	case strings.Contains(contentType, "audio/x-scpls"),
		strings.Contains(contentType, "application/pls+xml"),
		strings.HasSuffix(lowerURL, ".pls"):
		return plsPlaylist
	case strings.Contains(contentType, "mpegurl"),
		strings.HasSuffix(lowerURL, ".m3u"),
		strings.HasSuffix(lowerURL, ".m3u8"):
		return m3uPlaylist
	}

	return notPlaylist
}

func resolvePlaylist(kind playlistKind, body io.Reader) (string, error) {
	switch kind {
	case plsPlaylist:
		return parsePLS(body)
	case m3uPlaylist:
		return parseM3U(body)
	}
	return "", fmt.Errorf("not a playlist")
}
