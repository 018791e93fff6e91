package hub

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is the closed set of realtime notifications the hub emits.
// Internal dispatch works on these variants; the envelope with the
// wire-level event name is produced only at the transport edge.
type Event interface {
	EventName() string
	wirePayload() interface{}
}

// UserOnline signals the user's first live connection came up.
type UserOnline struct {
	UserID uuid.UUID
}

func (e UserOnline) EventName() string        { return "UserOnline" }
func (e UserOnline) wirePayload() interface{} { return e.UserID.String() }

// UserOffline signals the user's last live connection went away.
type UserOffline struct {
	UserID uuid.UUID
}

func (e UserOffline) EventName() string        { return "UserOffline" }
func (e UserOffline) wirePayload() interface{} { return e.UserID.String() }

// DirectMessage carries a persisted direct message to the participants'
// connections.
type DirectMessage struct {
	SenderID uuid.UUID
	Text     string
	SentAt   time.Time
}

func (e DirectMessage) EventName() string { return "ReceiveDirectMessage" }

func (e DirectMessage) wirePayload() interface{} {
	return struct {
		SenderID uuid.UUID `json:"senderId"`
		Text     string    `json:"text"`
		SentAt   time.Time `json:"sentAt"`
	}{e.SenderID, e.Text, e.SentAt}
}

// Envelope is the wire encoding of a single frame sent to a client
type Envelope struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}

// Encode serializes an event into its wire envelope
func Encode(e Event) ([]byte, error) {
	return json.Marshal(Envelope{Event: e.EventName(), Payload: e.wirePayload()})
}

func encodeEnvelope(event string, payload interface{}) ([]byte, error) {
	return json.Marshal(Envelope{Event: event, Payload: payload})
}

// Frame is a scoped, already-encoded event as it travels across the
// fan-out backplane between process instances. Users narrows delivery
// to the listed user ids; an empty Users means everyone, optionally
// excluding one local connection.
type Frame struct {
	Origin     string   `json:"origin"`
	Users      []string `json:"users,omitempty"`
	ExceptConn string   `json:"exceptConn,omitempty"`
	Data       []byte   `json:"data"`
}
