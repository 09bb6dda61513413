package eventlog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

// SentinelClientSeq is the last accepted sequence of a client that has not had any submission accepted yet.
const SentinelClientSeq ClientSeq = -1

var (
	// ErrInvalidRoomID indicates that a room identifier is empty or exceeds storage bounds.
	ErrInvalidRoomID = errors.New("eventlog: invalid room id")
	// ErrInvalidClientID indicates that a client identifier is empty or exceeds storage bounds.
	ErrInvalidClientID = errors.New("eventlog: invalid client id")
	// ErrInvalidClientSeq indicates that a client sequence number is not positive.
	ErrInvalidClientSeq = errors.New("eventlog: invalid client sequence")
	// ErrInvalidLogPosition indicates that a log position is negative.
	ErrInvalidLogPosition = errors.New("eventlog: invalid log position")
	// ErrInvalidPayload indicates that an event payload is not a JSON array of domain events.
	ErrInvalidPayload = errors.New("eventlog: invalid payload")
	// ErrInvalidPresence indicates that a presence value is not valid JSON.
	ErrInvalidPresence = errors.New("eventlog: invalid presence")
)

// RoomID represents a validated collaboration room identifier.
type RoomID string

// NewRoomID validates raw input and returns a RoomID.
func NewRoomID(rawInput string) (RoomID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRoomID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRoomID, maxIdentifierLength)
	}
	return RoomID(trimmed), nil
}

// String returns the underlying string identifier.
func (id RoomID) String() string {
	return string(id)
}

// ClientID represents a validated client identity within a room.
type ClientID string

// NewClientID validates raw input and returns a ClientID.
func NewClientID(rawInput string) (ClientID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidClientID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidClientID, maxIdentifierLength)
	}
	return ClientID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ClientID) String() string {
	return string(id)
}

// ClientSeq is the client-assigned sequence number of a submission.
type ClientSeq int64

// NewClientSeq validates the value and returns a ClientSeq.
func NewClientSeq(value int64) (ClientSeq, error) {
	if value < 1 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidClientSeq, value)
	}
	return ClientSeq(value), nil
}

// Int64 returns the sequence as an int64.
func (seq ClientSeq) Int64() int64 {
	return int64(seq)
}

// LogPosition is the durable position of an accepted event within its room.
type LogPosition int64

// NewLogPosition validates the value and returns a LogPosition.
func NewLogPosition(value int64) (LogPosition, error) {
	if value < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidLogPosition, value)
	}
	return LogPosition(value), nil
}

// Int64 returns the position as an int64.
func (position LogPosition) Int64() int64 {
	return int64(position)
}

// Payload is a JSON array of opaque domain events.
type Payload json.RawMessage

// NewPayload validates raw JSON input and returns a Payload.
func NewPayload(raw []byte) (Payload, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPayload)
	}
	if trimmed[0] != '[' || !json.Valid(trimmed) {
		return nil, fmt.Errorf("%w: expected json array", ErrInvalidPayload)
	}
	return Payload(append([]byte(nil), trimmed...)), nil
}

// Events splits the payload into its domain events.
func (payload Payload) Events() ([]json.RawMessage, error) {
	var events []json.RawMessage
	if err := json.Unmarshal(payload, &events); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return events, nil
}

// MarshalJSON emits the payload verbatim.
func (payload Payload) MarshalJSON() ([]byte, error) {
	if len(payload) == 0 {
		return []byte("[]"), nil
	}
	return payload, nil
}

// Presence is ephemeral, last-write-wins client state such as a cursor location.
type Presence json.RawMessage

// NewPresence validates raw JSON input and returns a Presence.
func NewPresence(raw []byte) (Presence, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return nil, fmt.Errorf("%w: expected json value", ErrInvalidPresence)
	}
	return Presence(append([]byte(nil), trimmed...)), nil
}

// MarshalJSON emits the presence verbatim.
func (presence Presence) MarshalJSON() ([]byte, error) {
	if len(presence) == 0 {
		return []byte("null"), nil
	}
	return presence, nil
}

// Event is an accepted, immutable log entry.
type Event struct {
	roomID           RoomID
	clientID         ClientID
	clientSeq        ClientSeq
	payload          Payload
	logPosition      LogPosition
	appliedAtSeconds int64
}

// NewCommittedEvent assembles an event that has already been assigned a log position.
func NewCommittedEvent(roomID RoomID, clientID ClientID, clientSeq ClientSeq, payload Payload, position LogPosition, appliedAtSeconds int64) Event {
	return Event{
		roomID:           roomID,
		clientID:         clientID,
		clientSeq:        clientSeq,
		payload:          payload,
		logPosition:      position,
		appliedAtSeconds: appliedAtSeconds,
	}
}

// RoomID returns the event's room.
func (event Event) RoomID() RoomID {
	return event.roomID
}

// ClientID returns the submitting client.
func (event Event) ClientID() ClientID {
	return event.clientID
}

// ClientSeq returns the client-assigned sequence number.
func (event Event) ClientSeq() ClientSeq {
	return event.clientSeq
}

// Payload returns the event's domain events.
func (event Event) Payload() Payload {
	return event.payload
}

// LogPosition returns the position assigned at commit.
func (event Event) LogPosition() LogPosition {
	return event.logPosition
}

// AppliedAtSeconds returns the commit time in unix seconds.
func (event Event) AppliedAtSeconds() int64 {
	return event.appliedAtSeconds
}

// ClientPresence pairs a client with its latest presence value.
type ClientPresence struct {
	clientID         ClientID
	presence         Presence
	updatedAtSeconds int64
}

// NewClientPresence pairs a client with a presence value.
func NewClientPresence(clientID ClientID, presence Presence, updatedAtSeconds int64) ClientPresence {
	return ClientPresence{clientID: clientID, presence: presence, updatedAtSeconds: updatedAtSeconds}
}

// ClientID returns the client the presence belongs to.
func (record ClientPresence) ClientID() ClientID {
	return record.clientID
}

// Presence returns the latest presence value.
func (record ClientPresence) Presence() Presence {
	return record.presence
}

// UpdatedAtSeconds returns when the presence was last written.
func (record ClientPresence) UpdatedAtSeconds() int64 {
	return record.updatedAtSeconds
}

// Checkpoint is a persisted, advisory copy of a room's folded state.
type Checkpoint struct {
	RoomID        RoomID
	State         []byte
	HighWaterMark LogPosition
}
