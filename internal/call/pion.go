package call

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// PionDialer builds one pion PeerConnection per call attempt.
type PionDialer struct {
	// Populate registers codecs on the media engine. Nil registers pion's
	// defaults.
	Populate func(*webrtc.MediaEngine)

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

func (d *PionDialer) Dial(_ context.Context, callID string, ice []ICEServer) (Conn, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if d.Populate != nil {
		d.Populate(mediaEngine)
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// Generous ICE timeouts so a brief NAT hiccup does not end the call.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(
		orDefault(d.DisconnectedTimeout, 30*time.Second),
		orDefault(d.FailedTimeout, 120*time.Second),
		orDefault(d.KeepAliveInterval, 2*time.Second),
	)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	servers := make([]webrtc.ICEServer, 0, len(ice))
	for _, s := range ice {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, err
	}
	log.Debugf("CALL [%s]: peer connection ready (%d ICE servers)", callID, len(servers))
	return &pionConn{callID: callID, pc: pc}, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// pionTrack is a local Track backed by a pion TrackLocal.
type pionTrack interface {
	Track
	local() webrtc.TrackLocal
}

// senderBinder is implemented by tracks that mute by swapping the sender's
// track.
type senderBinder interface {
	bindSender(*webrtc.RTPSender)
}

type pionConn struct {
	callID string
	pc     *webrtc.PeerConnection
}

func (c *pionConn) AddTrack(t Track) error {
	pt, ok := t.(pionTrack)
	if !ok {
		return fmt.Errorf("track %s cannot be sent over pion", t.ID())
	}
	sender, err := c.pc.AddTrack(pt.local())
	if err != nil {
		return err
	}
	if b, ok := t.(senderBinder); ok {
		b.bindSender(sender)
	}
	// RTCP must be read for interceptors such as NACK to work.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (c *pionConn) AddReceiver(kind TrackKind) error {
	_, err := c.pc.AddTransceiverFromKind(codecType(kind), webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}

func (c *pionConn) CreateOffer(_ context.Context) (Description, error) {
	sd, err := c.pc.CreateOffer(nil)
	if err != nil {
		return Description{}, err
	}
	return Description{Type: sd.Type.String(), SDP: sd.SDP}, nil
}

func (c *pionConn) CreateAnswer(_ context.Context) (Description, error) {
	sd, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return Description{}, err
	}
	return Description{Type: sd.Type.String(), SDP: sd.SDP}, nil
}

func (c *pionConn) SetLocalDescription(d Description) error {
	return c.pc.SetLocalDescription(toPionDescription(d))
}

func (c *pionConn) SetRemoteDescription(d Description) error {
	return c.pc.SetRemoteDescription(toPionDescription(d))
}

func (c *pionConn) AddICECandidate(cand Candidate) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(cand, &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	return c.pc.AddICECandidate(init)
}

func (c *pionConn) OnICECandidate(fn func(Candidate)) {
	c.pc.OnICECandidate(func(ic *webrtc.ICECandidate) {
		if ic == nil {
			return // gathering complete
		}
		b, err := json.Marshal(ic.ToJSON())
		if err != nil {
			log.Warnf("CALL [%s]: encode candidate: %v", c.callID, err)
			return
		}
		fn(Candidate(b))
	})
}

func (c *pionConn) OnTrack(fn func(RemoteTrack)) {
	c.pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		rt := &remoteTrack{
			id:    tr.ID(),
			kind:  trackKind(tr.Kind()),
			codec: tr.Codec().MimeType,
		}
		if rt.kind == KindVideo {
			// Ask for a keyframe so the first picture arrives promptly.
			pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(tr.SSRC())}}
			if err := c.pc.WriteRTCP(pli); err != nil {
				log.Debugf("CALL [%s]: PLI: %v", c.callID, err)
			}
		}
		go rt.readLoop(tr)
		fn(rt)
	})
}

func (c *pionConn) OnStateChange(fn func(string)) {
	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(s.String())
	})
}

func (c *pionConn) Close() error { return c.pc.Close() }

func toPionDescription(d Description) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}

func codecType(k TrackKind) webrtc.RTPCodecType {
	if k == KindVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}

func trackKind(t webrtc.RTPCodecType) TrackKind {
	if t == webrtc.RTPCodecTypeVideo {
		return KindVideo
	}
	return KindAudio
}

// remoteTrack counts the RTP traffic of one received track.
type remoteTrack struct {
	id    string
	kind  TrackKind
	codec string

	packets atomic.Uint64
	bytes   atomic.Uint64

	mu   sync.Mutex
	last time.Time
}

func (t *remoteTrack) ID() string      { return t.id }
func (t *remoteTrack) Kind() TrackKind { return t.kind }

func (t *remoteTrack) Stats() TrackStats {
	t.mu.Lock()
	last := t.last
	t.mu.Unlock()
	return TrackStats{
		ID:         t.id,
		Kind:       t.kind,
		Codec:      t.codec,
		Packets:    t.packets.Load(),
		Bytes:      t.bytes.Load(),
		LastPacket: last,
	}
}

func (t *remoteTrack) readLoop(tr *webrtc.TrackRemote) {
	for {
		pkt, _, err := tr.ReadRTP()
		if err != nil {
			return
		}
		t.count(pkt)
	}
}

func (t *remoteTrack) count(pkt *rtp.Packet) {
	t.packets.Add(1)
	t.bytes.Add(uint64(len(pkt.Payload)))
	t.mu.Lock()
	t.last = time.Now()
	t.mu.Unlock()
}
