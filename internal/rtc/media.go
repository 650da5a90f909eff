package rtc

import (
	"errors"
	"log"

	"github.com/pion/mediadevices"
)

// ErrMediaAccessDenied means the platform refused camera/microphone access
// or no usable capture device exists. The call is aborted — no retry.
var ErrMediaAccessDenied = errors.New("rtc: media access denied")

// Media owns the local capture tracks for one call. It is handed to exactly
// one Peer, which attaches the tracks and releases them on teardown.
type Media struct {
	selector *mediadevices.CodecSelector
	tracks   []mediadevices.Track
	closed   bool
}

// Tracks returns the captured local tracks.
func (m *Media) Tracks() []mediadevices.Track {
	if m == nil {
		return nil
	}
	return m.tracks
}

// Close stops every captured track. Safe to call multiple times.
func (m *Media) Close() {
	if m == nil || m.closed {
		return
	}
	m.closed = true
	for _, t := range m.tracks {
		if err := t.Close(); err != nil {
			log.Printf("MEDIA: closing local track: %v", err)
		}
	}
	m.tracks = nil
}
