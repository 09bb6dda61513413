package eventlog

import "testing"

func mustRoomID(t *testing.T, value string) RoomID {
	t.Helper()
	id, err := NewRoomID(value)
	if err != nil {
		t.Fatalf("unexpected room id error: %v", err)
	}
	return id
}

func mustClientID(t *testing.T, value string) ClientID {
	t.Helper()
	id, err := NewClientID(value)
	if err != nil {
		t.Fatalf("unexpected client id error: %v", err)
	}
	return id
}

func mustPayload(t *testing.T, value string) Payload {
	t.Helper()
	payload, err := NewPayload([]byte(value))
	if err != nil {
		t.Fatalf("unexpected payload error: %v", err)
	}
	return payload
}

func mustPresence(t *testing.T, value string) Presence {
	t.Helper()
	presence, err := NewPresence([]byte(value))
	if err != nil {
		t.Fatalf("unexpected presence error: %v", err)
	}
	return presence
}
