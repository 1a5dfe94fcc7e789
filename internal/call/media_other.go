//go:build !linux

package call

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

// DeviceMedia has no capture drivers on this platform. Pair it with
// Options.ReceiveOnlyFallback to still take calls.
type DeviceMedia struct {
	cfg MediaConfig
}

func NewDeviceMedia(cfg MediaConfig) (*DeviceMedia, error) {
	return &DeviceMedia{cfg: cfg.withDefaults()}, nil
}

// Populate registers pion's default codecs.
func (d *DeviceMedia) Populate(me *webrtc.MediaEngine) {
	if err := me.RegisterDefaultCodecs(); err != nil {
		log.Errorf("CALL: register codecs: %v", err)
	}
}

func (d *DeviceMedia) Acquire(_ context.Context, _ bool) (LocalStream, error) {
	return nil, errors.New("local capture is not supported on this platform")
}

var _ Media = (*DeviceMedia)(nil)
