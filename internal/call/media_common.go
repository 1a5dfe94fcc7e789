package call

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// MediaConfig limits local capture.
type MediaConfig struct {
	MaxWidth     int
	MaxHeight    int
	VideoBitrate int
}

func (c MediaConfig) withDefaults() MediaConfig {
	if c.MaxWidth <= 0 {
		c.MaxWidth = 640
	}
	if c.MaxHeight <= 0 {
		c.MaxHeight = 480
	}
	if c.VideoBitrate <= 0 {
		c.VideoBitrate = 1_500_000
	}
	return c
}

// localTrack is a captured track that mutes by detaching itself from its
// RTP sender.
type localTrack struct {
	track webrtc.TrackLocal
	kind  TrackKind
	close func()

	mu      sync.Mutex
	sender  *webrtc.RTPSender
	enabled bool
}

func newLocalTrack(t webrtc.TrackLocal, kind TrackKind, closeFn func()) *localTrack {
	return &localTrack{track: t, kind: kind, close: closeFn, enabled: true}
}

func (t *localTrack) ID() string               { return t.track.ID() }
func (t *localTrack) Kind() TrackKind          { return t.kind }
func (t *localTrack) local() webrtc.TrackLocal { return t.track }

func (t *localTrack) bindSender(s *webrtc.RTPSender) {
	t.mu.Lock()
	t.sender = s
	enabled := t.enabled
	t.mu.Unlock()
	if !enabled {
		t.replace(s, nil)
	}
}

func (t *localTrack) setEnabled(on bool) {
	t.mu.Lock()
	if t.enabled == on {
		t.mu.Unlock()
		return
	}
	t.enabled = on
	sender := t.sender
	t.mu.Unlock()
	if sender == nil {
		return
	}
	if on {
		t.replace(sender, t.track)
	} else {
		t.replace(sender, nil)
	}
}

func (t *localTrack) replace(s *webrtc.RTPSender, next webrtc.TrackLocal) {
	if err := s.ReplaceTrack(next); err != nil {
		log.Warnf("CALL: %s track %s enabled=%v: %v", t.kind, t.ID(), next != nil, err)
	}
}

// localStream groups the tracks of one capture.
type localStream struct {
	tracks []*localTrack
	once   sync.Once
}

func (s *localStream) Tracks() []Track {
	out := make([]Track, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

func (s *localStream) SetEnabled(kind TrackKind, on bool) {
	for _, t := range s.tracks {
		if t.kind == kind {
			t.setEnabled(on)
		}
	}
}

func (s *localStream) Stop() {
	s.once.Do(func() {
		for _, t := range s.tracks {
			if t.close != nil {
				t.close()
			}
		}
	})
}

var (
	_ pionTrack    = (*localTrack)(nil)
	_ senderBinder = (*localTrack)(nil)
	_ LocalStream  = (*localStream)(nil)
)
