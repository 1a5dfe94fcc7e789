package call

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type CallType string

const (
	Voice CallType = "voice"
	Video CallType = "video"
)

func (t CallType) Valid() bool { return t == Voice || t == Video }

// Status is the shared status field of a call record.
type Status string

const (
	StatusRinging  Status = "ringing"
	StatusActive   Status = "active"
	StatusEnded    Status = "ended"
	StatusRejected Status = "rejected"
	StatusMissed   Status = "missed"
)

// Terminal reports whether no further transition is expected.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusRejected || s == StatusMissed
}

// Role is the local party's side of a call.
type Role int

const (
	RoleCaller Role = iota
	RoleCallee
)

func (r Role) String() string {
	if r == RoleCaller {
		return "caller"
	}
	return "callee"
}

// Description is a session description. The SDP is passed through
// untouched.
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is an opaque connectivity candidate as produced by the
// connection primitive.
type Candidate []byte

func (c Candidate) MarshalJSON() ([]byte, error) {
	if c == nil {
		return []byte("null"), nil
	}
	return c, nil
}

func (c *Candidate) UnmarshalJSON(b []byte) error {
	if c == nil {
		return errors.New("call: UnmarshalJSON on nil Candidate")
	}
	*c = append((*c)[0:0], b...)
	return nil
}

// Record is the shared call record stored at <root>/<id>. Candidate lists
// live next to it under offerCandidates and answerCandidates.
type Record struct {
	ID        string       `json:"id"`
	CallerID  string       `json:"callerId"`
	CalleeID  string       `json:"calleeId"`
	Type      CallType     `json:"type"`
	Offer     *Description `json:"offer,omitempty"`
	Answer    *Description `json:"answer,omitempty"`
	Status    Status       `json:"status"`
	StartTime int64        `json:"startTime"`
	EndTime   int64        `json:"endTime,omitempty"`
}

// ICEServer mirrors the usual STUN/TURN server entry.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type TrackKind string

const (
	KindAudio TrackKind = "audio"
	KindVideo TrackKind = "video"
)

// Track is one local media track.
type Track interface {
	ID() string
	Kind() TrackKind
}

// LocalStream is the captured local media of one attempt.
type LocalStream interface {
	Tracks() []Track
	SetEnabled(kind TrackKind, on bool)
	Stop()
}

// Media acquires local capture devices.
type Media interface {
	Acquire(ctx context.Context, wantsVideo bool) (LocalStream, error)
}

// RemoteTrack is a track received from the peer.
type RemoteTrack interface {
	ID() string
	Kind() TrackKind
	Stats() TrackStats
}

type TrackStats struct {
	ID         string    `json:"id"`
	Kind       TrackKind `json:"kind"`
	Codec      string    `json:"codec,omitempty"`
	Packets    uint64    `json:"packets"`
	Bytes      uint64    `json:"bytes"`
	LastPacket time.Time `json:"last_packet,omitempty"`
}

// Conn is the peer connection primitive. Implementations need not guard
// against out-of-order calls; the Engine does.
type Conn interface {
	AddTrack(t Track) error
	AddReceiver(kind TrackKind) error
	CreateOffer(ctx context.Context) (Description, error)
	CreateAnswer(ctx context.Context) (Description, error)
	SetLocalDescription(d Description) error
	SetRemoteDescription(d Description) error
	AddICECandidate(c Candidate) error
	OnICECandidate(fn func(Candidate))
	OnTrack(fn func(RemoteTrack))
	OnStateChange(fn func(state string))
	Close() error
}

// Dialer creates one Conn per call attempt.
type Dialer interface {
	Dial(ctx context.Context, callID string, ice []ICEServer) (Conn, error)
}

type Tone int

const (
	ToneRingback Tone = iota // caller hears while waiting
	ToneRingtone             // callee hears while ringing
)

func (t Tone) String() string {
	if t == ToneRingback {
		return "ringback"
	}
	return "ringtone"
}

// ToneHandle stops a playing tone. Stop is idempotent.
type ToneHandle interface {
	Stop()
}

// Tones plays call progress tones.
type Tones interface {
	Play(t Tone) ToneHandle
}

// Deps are the collaborators a Manager drives.
type Deps struct {
	Dialer Dialer
	Media  Media
	Tones  Tones // nil plays nothing
}

// Options tune call behaviour. Changes apply to calls started afterwards.
type Options struct {
	Root                string
	ICEServers          []ICEServer
	RingTimeout         time.Duration // 0 disables
	TeardownGrace       time.Duration
	WriteRetryDelay     time.Duration
	MaxPending          int
	ReceiveOnlyFallback bool
}

func DefaultOptions() Options {
	return Options{
		Root: "calls",
		ICEServers: []ICEServer{
			{URLs: []string{"stun:stun1.l.google.com:19302", "stun:stun2.l.google.com:19302"}},
		},
		RingTimeout:     45 * time.Second,
		TeardownGrace:   2 * time.Second,
		WriteRetryDelay: 250 * time.Millisecond,
		MaxPending:      8,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Root == "" {
		o.Root = d.Root
	}
	if o.TeardownGrace < 0 {
		o.TeardownGrace = 0
	}
	if o.MaxPending <= 0 {
		o.MaxPending = d.MaxPending
	}
	return o
}

// IncomingKind tells what happened to a pending incoming call.
type IncomingKind string

const (
	IncomingRinging IncomingKind = "ringing" // newly surfaced
	IncomingGone    IncomingKind = "gone"    // no longer ringing
	IncomingDropped IncomingKind = "dropped" // evicted from a full queue
	IncomingExpired IncomingKind = "expired" // still ringing past the ring timeout
)

type IncomingEvent struct {
	Kind IncomingKind `json:"kind"`
	Call Record       `json:"call"`
}

// SessionStatus is a point-in-time view of a session for debugging.
type SessionStatus struct {
	CallID            string       `json:"call_id"`
	Role              string       `json:"role"`
	RemoteID          string       `json:"remote_id"`
	Type              CallType     `json:"type"`
	State             string       `json:"state"`
	RecordStatus      Status       `json:"record_status,omitempty"`
	ConnectionState   string       `json:"connection_state,omitempty"`
	AudioMuted        bool         `json:"audio_muted"`
	VideoDisabled     bool         `json:"video_disabled"`
	ReceiveOnly       bool         `json:"receive_only,omitempty"`
	CandidateFailures int          `json:"candidate_failures,omitempty"`
	Degraded          string       `json:"degraded,omitempty"`
	RemoteTracks      []TrackStats `json:"remote_tracks"`
	StartedAt         time.Time    `json:"started_at"`
}

var _ json.Marshaler = Candidate(nil)
