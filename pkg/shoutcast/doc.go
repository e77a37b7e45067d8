// Package shoutcast provides ICY/Shoutcast stream reading with metadata extraction and playlist resolution.
//
// It started as a fork of github.com/romantomjak/shoutcast and was reworked for metadata tracking:
//   - Playlist resolution: .pls and .m3u URLs are resolved to the actual stream URL
//   - Metadata stripping: ICY metadata blocks are parsed and removed so only audio bytes are returned
//   - Context-aware connect so callers can abandon a stream at any time
package shoutcast
