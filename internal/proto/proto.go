
package proto

import (
	"encoding/json"
	"time"
)

const (
	// websocket endpoint served by the relay
	RelayPath = "/v1/signal"

	// HTTP endpoint listing the call records held by the relay
	CallsPath = "/api/calls"

	// handshake response header carrying the relay's ping interval in
	// milliseconds
	PingIntervalHeader = "X-Relay-Ping-Interval"
)

// Store operations carried in Request.Op
const (
	OpWrite         = "write"
	OpUpdate        = "update"
	OpGuardedUpdate = "guarded_update"
	OpRead          = "read"
	OpSubscribe     = "subscribe"
	OpUnsubscribe   = "unsubscribe"
	OpAppend        = "append"
	OpDelete        = "delete"
)

const (
	EventChange = "change"
	EventError  = "error"
)

type Guard struct {
	Field string   `json:"field"`
	OneOf []string `json:"one_of"`
}

// Request is sent by a client. ID is echoed in the matching Frame; Sub is
// chosen by the client for subscribe/unsubscribe.
type Request struct {
	ID     uint64                     `json:"id"`
	Op     string                     `json:"op"`
	Path   string                     `json:"path"`
	Value  json.RawMessage            `json:"value,omitempty"`
	Fields map[string]json.RawMessage `json:"fields,omitempty"`
	Guard  *Guard                     `json:"guard,omitempty"`
	Sub    uint64                     `json:"sub,omitempty"`
}

type Snapshot struct {
	Path   string          `json:"path"`
	Exists bool            `json:"exists"`
	Value  json.RawMessage `json:"value,omitempty"`
}

// Frame is sent by the relay. Event is empty for responses, in which case
// ID matches a Request; change and error events carry Sub instead.
type Frame struct {
	Event    string    `json:"event,omitempty"`
	ID       uint64    `json:"id,omitempty"`
	OK       bool      `json:"ok,omitempty"`
	Error    string    `json:"error,omitempty"`
	Key      string    `json:"key,omitempty"`
	Applied  bool      `json:"applied,omitempty"`
	Sub      uint64    `json:"sub,omitempty"`
	Snapshot *Snapshot `json:"snapshot,omitempty"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
