//go:build linux

package call

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// DeviceMedia captures the local camera and microphone through
// pion/mediadevices (V4L2 + malgo) and encodes VP8 and Opus.
type DeviceMedia struct {
	cfg      MediaConfig
	selector *mediadevices.CodecSelector
}

func NewDeviceMedia(cfg MediaConfig) (*DeviceMedia, error) {
	cfg = cfg.withDefaults()

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = cfg.VideoBitrate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &DeviceMedia{
		cfg: cfg,
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// Populate registers the capture codecs; use it as PionDialer.Populate.
func (d *DeviceMedia) Populate(me *webrtc.MediaEngine) {
	d.selector.Populate(me)
}

// Acquire opens the devices. GetUserMedia fails as a unit if either track
// cannot be opened, so a video call falls back to video-only and then
// audio-only before giving up.
func (d *DeviceMedia) Acquire(ctx context.Context, wantsVideo bool) (LocalStream, error) {
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		return nil, errors.New("no media devices found")
	}
	for _, dev := range devices {
		log.Debugf("CALL: media device kind=%v label=%q", dev.Kind, dev.Label)
	}

	type attempt struct {
		video bool
		audio bool
		label string
	}
	attempts := []attempt{{false, true, "audio-only"}}
	if wantsVideo {
		attempts = []attempt{
			{true, true, "video+audio"},
			{true, false, "video-only"},
			{false, true, "audio-only"},
		}
	}

	var lastErr error
	for _, a := range attempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Raw formats only; some cameras emit malformed MJPEG.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: d.cfg.MaxWidth}
				c.Height = prop.IntRanged{Max: d.cfg.MaxHeight}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warnf("CALL: GetUserMedia (%s) failed: %v", a.label, err)
			lastErr = err
			continue
		}

		ls := &localStream{}
		for _, t := range stream.GetTracks() {
			t := t
			t.OnEnded(func(err error) {
				if err != nil {
					log.Warnf("CALL: local %s track ended: %v", t.Kind(), err)
				}
			})
			ls.tracks = append(ls.tracks, newLocalTrack(t, trackKind(t.Kind()), func() { _ = t.Close() }))
		}
		log.Infof("CALL: local media captured (%s), %d tracks", a.label, len(ls.tracks))
		return ls, nil
	}
	return nil, fmt.Errorf("all capture attempts failed: %w", lastErr)
}

var _ Media = (*DeviceMedia)(nil)
