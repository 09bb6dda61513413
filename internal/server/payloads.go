package server

import (
	"encoding/json"

	"github.com/MarcoPoloResearchLab/roomsync/internal/eventlog"
	"github.com/MarcoPoloResearchLab/roomsync/internal/snapshot"
)

type submitRequestPayload struct {
	ClientSeq int64           `json:"client_seq"`
	Payload   json.RawMessage `json:"payload"`
}

type submitResponsePayload struct {
	Accepted    bool   `json:"accepted"`
	Duplicate   bool   `json:"duplicate"`
	LogPosition *int64 `json:"log_position,omitempty"`
}

type eventPayload struct {
	RoomID           string           `json:"room_id"`
	ClientID         string           `json:"client_id"`
	ClientSeq        int64            `json:"client_seq"`
	LogPosition      int64            `json:"log_position"`
	AppliedAtSeconds int64            `json:"applied_at_s,omitempty"`
	Payload          eventlog.Payload `json:"payload"`
}

type eventsResponsePayload struct {
	RoomID string         `json:"room_id"`
	Events []eventPayload `json:"events"`
}

type snapshotResponsePayload struct {
	RoomID        string          `json:"room_id"`
	State         json.RawMessage `json:"state"`
	HighWaterMark int64           `json:"high_water_mark"`
}

type presenceRequestPayload struct {
	Presence json.RawMessage `json:"presence"`
}

type presencePayload struct {
	ClientID         string            `json:"client_id"`
	Presence         eventlog.Presence `json:"presence"`
	UpdatedAtSeconds int64             `json:"updated_at_s,omitempty"`
	Online           bool              `json:"online"`
}

type presenceListPayload struct {
	RoomID   string            `json:"room_id"`
	Presence []presencePayload `json:"presence"`
}

type cursorResponsePayload struct {
	RoomID          string `json:"room_id"`
	ClientID        string `json:"client_id"`
	LastAcceptedSeq int64  `json:"last_accepted_seq"`
	RoomPosition    int64  `json:"room_position"`
}

type membershipResponsePayload struct {
	RoomID    string `json:"room_id"`
	ClientID  string `json:"client_id"`
	Forgotten bool   `json:"forgotten"`
}

type clientLeftPayload struct {
	ClientID string `json:"client_id"`
}

func newEventPayload(event eventlog.Event) eventPayload {
	return eventPayload{
		RoomID:           event.RoomID().String(),
		ClientID:         event.ClientID().String(),
		ClientSeq:        event.ClientSeq().Int64(),
		LogPosition:      event.LogPosition().Int64(),
		AppliedAtSeconds: event.AppliedAtSeconds(),
		Payload:          event.Payload(),
	}
}

func newEventsResponse(roomID eventlog.RoomID, events []eventlog.Event) eventsResponsePayload {
	response := eventsResponsePayload{RoomID: roomID.String(), Events: make([]eventPayload, 0, len(events))}
	for _, event := range events {
		response.Events = append(response.Events, newEventPayload(event))
	}
	return response
}

func newSnapshotResponse(current snapshot.Snapshot) snapshotResponsePayload {
	return snapshotResponsePayload{
		RoomID:        current.RoomID.String(),
		State:         json.RawMessage(current.State),
		HighWaterMark: current.HighWaterMark.Int64(),
	}
}

func newPresencePayload(record eventlog.ClientPresence) presencePayload {
	return presencePayload{
		ClientID:         record.ClientID().String(),
		Presence:         record.Presence(),
		UpdatedAtSeconds: record.UpdatedAtSeconds(),
	}
}
