package server

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/roomsync/internal/auth"
	"github.com/MarcoPoloResearchLab/roomsync/internal/eventlog"
	"github.com/MarcoPoloResearchLab/roomsync/internal/rooms"
	"github.com/MarcoPoloResearchLab/roomsync/internal/snapshot"
	"github.com/MarcoPoloResearchLab/roomsync/internal/syncengine"
)

// The actions below are shared by the HTTP routes and the websocket stream.
// excludeSession names the stream session that originated the change, if any.

func (h *httpHandler) submit(ctx context.Context, identity auth.Identity, excludeSession string, request submitRequestPayload) (submitResponsePayload, error) {
	clientSeq, err := eventlog.NewClientSeq(request.ClientSeq)
	if err != nil {
		return submitResponsePayload{}, err
	}
	payload, err := eventlog.NewPayload(request.Payload)
	if err != nil {
		return submitResponsePayload{}, err
	}

	outcome, err := h.engine.Submit(ctx, syncengine.SubmitRequest{
		RoomID:    identity.RoomID,
		ClientID:  identity.ClientID,
		ClientSeq: clientSeq,
		Payload:   payload,
	})
	if err != nil {
		return submitResponsePayload{}, err
	}

	accepted, committed := outcome.Event()
	if !committed {
		return submitResponsePayload{Accepted: true, Duplicate: outcome.Duplicate()}, nil
	}
	h.broadcast(ctx, identity, excludeSession, rooms.MessageTypeEvents, []eventPayload{newEventPayload(accepted)})

	value := accepted.LogPosition().Int64()
	return submitResponsePayload{Accepted: true, LogPosition: &value}, nil
}

func (h *httpHandler) querySince(ctx context.Context, roomID eventlog.RoomID, since int64) (eventsResponsePayload, error) {
	position, err := eventlog.NewLogPosition(since)
	if err != nil {
		return eventsResponsePayload{}, err
	}
	events, err := h.engine.Query(ctx, roomID, position)
	if err != nil {
		return eventsResponsePayload{}, err
	}
	return newEventsResponse(roomID, events), nil
}

func (h *httpHandler) fetchSnapshot(ctx context.Context, roomID eventlog.RoomID) (snapshotResponsePayload, error) {
	current, err := h.snapshots.Get(ctx, roomID)
	if err != nil {
		h.logger.Error("snapshot fetch failed", zap.String("room_id", roomID.String()), zap.Error(err))
		// A failed fold drops the room's entry; the next read rebuilds it from the checkpoint or the log.
		if errors.Is(err, snapshot.ErrFoldFailed) {
			h.snapshots.Invalidate(roomID)
		}
		return snapshotResponsePayload{}, err
	}
	return newSnapshotResponse(current), nil
}

func (h *httpHandler) updatePresence(ctx context.Context, identity auth.Identity, excludeSession string, raw json.RawMessage) error {
	presence, err := eventlog.NewPresence(raw)
	if err != nil {
		return err
	}
	if err := h.engine.UpdatePresence(ctx, identity.RoomID, identity.ClientID, presence); err != nil {
		return err
	}
	h.broadcast(ctx, identity, excludeSession, rooms.MessageTypePresence, presencePayload{
		ClientID: identity.ClientID.String(),
		Presence: presence,
	})
	return nil
}

// fetchPresence returns one client's presence when clientID is set, otherwise the whole room's.
func (h *httpHandler) fetchPresence(ctx context.Context, roomID eventlog.RoomID, rawClientID string) (presenceListPayload, error) {
	response := presenceListPayload{RoomID: roomID.String(), Presence: []presencePayload{}}
	if strings.TrimSpace(rawClientID) == "" {
		records, err := h.engine.ListPresence(ctx, roomID)
		if err != nil {
			return presenceListPayload{}, err
		}
		for _, record := range records {
			response.Presence = append(response.Presence, h.presenceOf(roomID, record))
		}
		return response, nil
	}

	clientID, err := eventlog.NewClientID(rawClientID)
	if err != nil {
		return presenceListPayload{}, err
	}
	record, found, err := h.engine.FetchPresence(ctx, roomID, clientID)
	if err != nil {
		return presenceListPayload{}, err
	}
	if found {
		response.Presence = append(response.Presence, h.presenceOf(roomID, record))
	}
	return response, nil
}

func (h *httpHandler) presenceOf(roomID eventlog.RoomID, record eventlog.ClientPresence) presencePayload {
	payload := newPresencePayload(record)
	payload.Online = h.registry.ClientSessions(roomID, record.ClientID()) > 0
	return payload
}

func (h *httpHandler) cursor(ctx context.Context, identity auth.Identity) (cursorResponsePayload, error) {
	seq, err := h.engine.Cursor(ctx, identity.RoomID, identity.ClientID)
	if err != nil {
		return cursorResponsePayload{}, err
	}
	head, err := h.engine.Head(ctx, identity.RoomID)
	if err != nil {
		return cursorResponsePayload{}, err
	}
	return cursorResponsePayload{
		RoomID:          identity.RoomID.String(),
		ClientID:        identity.ClientID.String(),
		LastAcceptedSeq: seq.Int64(),
		RoomPosition:    head.Int64(),
	}, nil
}

// leave forgets the client's cursor and presence and tells the room.
func (h *httpHandler) leave(ctx context.Context, identity auth.Identity, excludeSession string) (membershipResponsePayload, error) {
	forgotten, err := h.engine.Forget(ctx, identity.RoomID, identity.ClientID)
	if err != nil {
		return membershipResponsePayload{}, err
	}
	if forgotten {
		h.broadcast(ctx, identity, excludeSession, rooms.MessageTypeClientLeft, clientLeftPayload{ClientID: identity.ClientID.String()})
	}
	return membershipResponsePayload{
		RoomID:    identity.RoomID.String(),
		ClientID:  identity.ClientID.String(),
		Forgotten: forgotten,
	}, nil
}

func (h *httpHandler) broadcast(ctx context.Context, identity auth.Identity, excludeSession, messageType string, body any) {
	encoded, err := json.Marshal(body)
	if err != nil {
		h.logger.Error("broadcast encode failed", zap.String("message_type", messageType), zap.Error(err))
		return
	}
	h.registry.Broadcast(ctx, rooms.Message{
		RoomID:         identity.RoomID,
		Type:           messageType,
		ClientID:       identity.ClientID,
		ExcludeSession: excludeSession,
		Body:           encoded,
	})
}

func parseSince(raw string) (int64, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, eventlog.ErrInvalidLogPosition
	}
	return value, nil
}
