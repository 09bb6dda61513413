package syncengine

import (
	"testing"

	"github.com/MarcoPoloResearchLab/roomsync/internal/eventlog"
)

func mustRoomID(t *testing.T, value string) eventlog.RoomID {
	t.Helper()
	id, err := eventlog.NewRoomID(value)
	if err != nil {
		t.Fatalf("unexpected room id error: %v", err)
	}
	return id
}

func mustClientID(t *testing.T, value string) eventlog.ClientID {
	t.Helper()
	id, err := eventlog.NewClientID(value)
	if err != nil {
		t.Fatalf("unexpected client id error: %v", err)
	}
	return id
}

func mustPayload(t *testing.T, value string) eventlog.Payload {
	t.Helper()
	payload, err := eventlog.NewPayload([]byte(value))
	if err != nil {
		t.Fatalf("unexpected payload error: %v", err)
	}
	return payload
}

func mustPresence(t *testing.T, value string) eventlog.Presence {
	t.Helper()
	presence, err := eventlog.NewPresence([]byte(value))
	if err != nil {
		t.Fatalf("unexpected presence error: %v", err)
	}
	return presence
}

func mustRequest(t *testing.T, roomID eventlog.RoomID, clientID eventlog.ClientID, seq int64, payload string) SubmitRequest {
	t.Helper()
	clientSeq, err := eventlog.NewClientSeq(seq)
	if err != nil {
		t.Fatalf("unexpected client seq error: %v", err)
	}
	return SubmitRequest{
		RoomID:    roomID,
		ClientID:  clientID,
		ClientSeq: clientSeq,
		Payload:   mustPayload(t, payload),
	}
}
