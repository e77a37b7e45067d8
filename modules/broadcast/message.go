package broadcast

import (
	"encoding/json"

	"github.com/zachfi/nowplaying/pkg/track"
)

// Event names on the live channel.
const (
	EventMetadataUpdate = "metadataUpdate"
	EventHistoryUpdate  = "historyUpdate"
	EventRequestUpdate  = "requestUpdate"
)

// Message is the envelope of every message on the live channel.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type metadataUpdate struct {
	Station    string      `json:"station"`
	TrackState track.State `json:"trackState"`
}

type historyUpdate struct {
	Station       string        `json:"station"`
	RecentHistory []track.Entry `json:"recentHistory"`
}

func encode(event string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Event: event, Data: raw})
}

// encodeSnapshot renders the two messages describing one station.
func encodeSnapshot(snap track.Snapshot) ([][]byte, error) {
	recent := snap.Recent
	if recent == nil {
		recent = []track.Entry{}
	}

	meta, err := encode(EventMetadataUpdate, metadataUpdate{Station: snap.Station, TrackState: snap.State})
	if err != nil {
		return nil, err
	}
	hist, err := encode(EventHistoryUpdate, historyUpdate{Station: snap.Station, RecentHistory: recent})
	if err != nil {
		return nil, err
	}

	return [][]byte{meta, hist}, nil
}
