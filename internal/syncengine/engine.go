// Package syncengine validates client submissions against the per-client cursor,
// commits accepted events to the room log, and serves range queries over it.
package syncengine

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/roomsync/internal/eventlog"
	"go.uber.org/zap"
)

const (
	opNew            = "syncengine.new"
	opSubmit         = "syncengine.submit"
	opQuery          = "syncengine.query"
	opCursor         = "syncengine.cursor"
	opForget         = "syncengine.forget"
	opUpdatePresence = "syncengine.update_presence"
	opFetchPresence  = "syncengine.fetch_presence"
	opListPresence   = "syncengine.list_presence"
	opHead           = "syncengine.head"

	reasonMissingStore     = "missing_store"
	reasonInvalidRoomID    = "invalid_room_id"
	reasonInvalidClientID  = "invalid_client_id"
	reasonInvalidClientSeq = "invalid_client_seq"
	reasonInvalidPayload   = "invalid_payload"
	reasonInvalidPosition  = "invalid_position"
	reasonInvalidPresence  = "invalid_presence"
	reasonOutOfOrder       = "out_of_order"
	reasonCursorConflict   = "cursor_conflict"
	reasonStoreFailed      = "store_failed"
	fieldRoomID            = "room_id"
	fieldClientID          = "client_id"
	fieldClientSeq         = "client_seq"
	fieldLogPosition       = "log_position"
)

var noOpLogger = zap.NewNop()

// PayloadValidator rejects payloads the room's interpreter could never fold.
type PayloadValidator interface {
	Validate(payload eventlog.Payload) error
}

// Config describes the dependencies of an Engine. Validator is optional.
type Config struct {
	Store     eventlog.Store
	Validator PayloadValidator
	Logger    *zap.Logger
}

// Engine orders client submissions into per-room logs.
type Engine struct {
	store       eventlog.Store
	validator   PayloadValidator
	logger      *zap.Logger
	clientLocks *keyedMutex
}

// NewEngine validates the configuration and returns an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opNew, reasonMissingStore, errMissingStore)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Engine{
		store:       cfg.Store,
		validator:   cfg.Validator,
		logger:      logger,
		clientLocks: newKeyedMutex(),
	}, nil
}

// SubmitRequest is a client-proposed change.
type SubmitRequest struct {
	RoomID    eventlog.RoomID
	ClientID  eventlog.ClientID
	ClientSeq eventlog.ClientSeq
	Payload   eventlog.Payload
}

// SubmitOutcome describes a successful submission.
type SubmitOutcome struct {
	event     eventlog.Event
	duplicate bool
}

// LogPosition returns the position assigned to the event. The boolean is false for a replayed submission.
func (outcome SubmitOutcome) LogPosition() (eventlog.LogPosition, bool) {
	if outcome.duplicate {
		return 0, false
	}
	return outcome.event.LogPosition(), true
}

// Event returns the committed event. The boolean is false for a replayed submission.
func (outcome SubmitOutcome) Event() (eventlog.Event, bool) {
	if outcome.duplicate {
		return eventlog.Event{}, false
	}
	return outcome.event, true
}

// Duplicate reports whether the submission had already been accepted.
func (outcome SubmitOutcome) Duplicate() bool {
	return outcome.duplicate
}

// Submit accepts the next submission of a client, acknowledges a replay of an accepted
// one without writing, and rejects a submission that skips ahead with ErrOutOfOrder.
func (engine *Engine) Submit(ctx context.Context, request SubmitRequest) (SubmitOutcome, error) {
	if request.RoomID == "" {
		return SubmitOutcome{}, newServiceError(opSubmit, reasonInvalidRoomID, eventlog.ErrInvalidRoomID)
	}
	if request.ClientID == "" {
		return SubmitOutcome{}, newServiceError(opSubmit, reasonInvalidClientID, eventlog.ErrInvalidClientID)
	}
	if request.ClientSeq < 1 {
		return SubmitOutcome{}, newServiceError(opSubmit, reasonInvalidClientSeq, eventlog.ErrInvalidClientSeq)
	}
	if len(request.Payload) == 0 {
		return SubmitOutcome{}, newServiceError(opSubmit, reasonInvalidPayload, eventlog.ErrInvalidPayload)
	}
	if engine.validator != nil {
		if err := engine.validator.Validate(request.Payload); err != nil {
			return SubmitOutcome{}, newServiceError(opSubmit, reasonInvalidPayload, fmt.Errorf("%w: %v", eventlog.ErrInvalidPayload, err))
		}
	}

	unlock := engine.clientLocks.Lock(clientKey(request.RoomID, request.ClientID))
	defer unlock()

	var outcome SubmitOutcome
	var rejection *OutOfOrderError
	err := engine.store.Transaction(ctx, func(transaction eventlog.Store) error {
		lastAccepted, err := transaction.EnsureCursor(ctx, request.RoomID, request.ClientID)
		if err != nil {
			return err
		}
		expected := nextClientSeq(lastAccepted)
		switch {
		case request.ClientSeq == expected:
			event, err := transaction.AppendEvent(ctx, request.RoomID, request.ClientID, request.ClientSeq, request.Payload)
			if err != nil {
				return err
			}
			if err := transaction.AdvanceCursor(ctx, request.RoomID, request.ClientID, lastAccepted, request.ClientSeq); err != nil {
				return err
			}
			outcome = SubmitOutcome{event: event}
		case request.ClientSeq < expected:
			outcome = SubmitOutcome{duplicate: true}
		default:
			rejection = &OutOfOrderError{
				RoomID:   request.RoomID,
				ClientID: request.ClientID,
				Expected: expected,
				Received: request.ClientSeq,
			}
		}
		return nil
	})
	if errors.Is(err, eventlog.ErrCursorConflict) {
		engine.logger.Info("submission lost a cursor race",
			zap.String("operation", opSubmit),
			zap.String(fieldRoomID, request.RoomID.String()),
			zap.String(fieldClientID, request.ClientID.String()),
			zap.Int64(fieldClientSeq, request.ClientSeq.Int64()))
		return SubmitOutcome{}, newServiceError(opSubmit, reasonCursorConflict, err)
	}
	if err != nil {
		engine.logError(opSubmit, reasonStoreFailed, err,
			zap.String(fieldRoomID, request.RoomID.String()),
			zap.String(fieldClientID, request.ClientID.String()),
			zap.Int64(fieldClientSeq, request.ClientSeq.Int64()))
		return SubmitOutcome{}, newServiceError(opSubmit, reasonStoreFailed, err)
	}
	if rejection != nil {
		engine.logger.Info("submission rejected",
			zap.String("operation", opSubmit),
			zap.String("reason", reasonOutOfOrder),
			zap.String(fieldRoomID, request.RoomID.String()),
			zap.String(fieldClientID, request.ClientID.String()),
			zap.Int64("expected_client_seq", rejection.Expected.Int64()),
			zap.Int64(fieldClientSeq, request.ClientSeq.Int64()))
		return SubmitOutcome{}, newServiceError(opSubmit, reasonOutOfOrder, rejection)
	}
	engine.logger.Debug("submission committed",
		zap.String(fieldRoomID, request.RoomID.String()),
		zap.String(fieldClientID, request.ClientID.String()),
		zap.Int64(fieldClientSeq, request.ClientSeq.Int64()),
		zap.Int64(fieldLogPosition, outcome.event.LogPosition().Int64()),
		zap.Bool("duplicate", outcome.duplicate))
	return outcome, nil
}

// Query returns every event of the room after since, in log order.
func (engine *Engine) Query(ctx context.Context, roomID eventlog.RoomID, since eventlog.LogPosition) ([]eventlog.Event, error) {
	if roomID == "" {
		return nil, newServiceError(opQuery, reasonInvalidRoomID, eventlog.ErrInvalidRoomID)
	}
	if since < 0 {
		return nil, newServiceError(opQuery, reasonInvalidPosition, eventlog.ErrInvalidLogPosition)
	}
	events, err := engine.store.QueryEvents(ctx, roomID, since)
	if err != nil {
		engine.logError(opQuery, reasonStoreFailed, err,
			zap.String(fieldRoomID, roomID.String()),
			zap.Int64(fieldLogPosition, since.Int64()))
		return nil, newServiceError(opQuery, reasonStoreFailed, err)
	}
	return events, nil
}

// Cursor returns the client's last accepted sequence, the sentinel for an unknown client.
func (engine *Engine) Cursor(ctx context.Context, roomID eventlog.RoomID, clientID eventlog.ClientID) (eventlog.ClientSeq, error) {
	if err := validateMember(opCursor, roomID, clientID); err != nil {
		return eventlog.SentinelClientSeq, err
	}
	seq, _, err := engine.store.GetCursor(ctx, roomID, clientID)
	if err != nil {
		engine.logError(opCursor, reasonStoreFailed, err,
			zap.String(fieldRoomID, roomID.String()),
			zap.String(fieldClientID, clientID.String()))
		return eventlog.SentinelClientSeq, newServiceError(opCursor, reasonStoreFailed, err)
	}
	return seq, nil
}

// Forget removes the client's cursor and presence from the room. The client's events stay in the log
// and its next submission must start again at sequence 1.
func (engine *Engine) Forget(ctx context.Context, roomID eventlog.RoomID, clientID eventlog.ClientID) (bool, error) {
	if err := validateMember(opForget, roomID, clientID); err != nil {
		return false, err
	}
	unlock := engine.clientLocks.Lock(clientKey(roomID, clientID))
	defer unlock()

	deleted, err := engine.store.DeleteCursor(ctx, roomID, clientID)
	if err != nil {
		engine.logError(opForget, reasonStoreFailed, err,
			zap.String(fieldRoomID, roomID.String()),
			zap.String(fieldClientID, clientID.String()))
		return false, newServiceError(opForget, reasonStoreFailed, err)
	}
	return deleted, nil
}

// UpdatePresence overwrites the client's presence. Presence never enters the event log.
func (engine *Engine) UpdatePresence(ctx context.Context, roomID eventlog.RoomID, clientID eventlog.ClientID, presence eventlog.Presence) error {
	if err := validateMember(opUpdatePresence, roomID, clientID); err != nil {
		return err
	}
	if len(presence) == 0 {
		return newServiceError(opUpdatePresence, reasonInvalidPresence, eventlog.ErrInvalidPresence)
	}
	if err := engine.store.UpsertPresence(ctx, roomID, clientID, presence); err != nil {
		engine.logError(opUpdatePresence, reasonStoreFailed, err,
			zap.String(fieldRoomID, roomID.String()),
			zap.String(fieldClientID, clientID.String()))
		return newServiceError(opUpdatePresence, reasonStoreFailed, err)
	}
	return nil
}

// FetchPresence returns one client's latest presence. The boolean is false when none is recorded.
func (engine *Engine) FetchPresence(ctx context.Context, roomID eventlog.RoomID, clientID eventlog.ClientID) (eventlog.ClientPresence, bool, error) {
	if err := validateMember(opFetchPresence, roomID, clientID); err != nil {
		return eventlog.ClientPresence{}, false, err
	}
	record, found, err := engine.store.GetPresence(ctx, roomID, clientID)
	if err != nil {
		engine.logError(opFetchPresence, reasonStoreFailed, err,
			zap.String(fieldRoomID, roomID.String()),
			zap.String(fieldClientID, clientID.String()))
		return eventlog.ClientPresence{}, false, newServiceError(opFetchPresence, reasonStoreFailed, err)
	}
	return record, found, nil
}

// ListPresence returns the latest presence of every client in the room.
func (engine *Engine) ListPresence(ctx context.Context, roomID eventlog.RoomID) ([]eventlog.ClientPresence, error) {
	if roomID == "" {
		return nil, newServiceError(opListPresence, reasonInvalidRoomID, eventlog.ErrInvalidRoomID)
	}
	records, err := engine.store.ListPresence(ctx, roomID)
	if err != nil {
		engine.logError(opListPresence, reasonStoreFailed, err, zap.String(fieldRoomID, roomID.String()))
		return nil, newServiceError(opListPresence, reasonStoreFailed, err)
	}
	return records, nil
}

// Head returns the last log position assigned in the room, zero for a room without history.
func (engine *Engine) Head(ctx context.Context, roomID eventlog.RoomID) (eventlog.LogPosition, error) {
	if roomID == "" {
		return 0, newServiceError(opHead, reasonInvalidRoomID, eventlog.ErrInvalidRoomID)
	}
	position, err := engine.store.LastPosition(ctx, roomID)
	if err != nil {
		engine.logError(opHead, reasonStoreFailed, err, zap.String(fieldRoomID, roomID.String()))
		return 0, newServiceError(opHead, reasonStoreFailed, err)
	}
	return position, nil
}

func validateMember(operation string, roomID eventlog.RoomID, clientID eventlog.ClientID) error {
	if roomID == "" {
		return newServiceError(operation, reasonInvalidRoomID, eventlog.ErrInvalidRoomID)
	}
	if clientID == "" {
		return newServiceError(operation, reasonInvalidClientID, eventlog.ErrInvalidClientID)
	}
	return nil
}

// nextClientSeq returns the only sequence the client may submit next.
// A client without accepted submissions starts at 1.
func nextClientSeq(lastAccepted eventlog.ClientSeq) eventlog.ClientSeq {
	if lastAccepted < 1 {
		return 1
	}
	return lastAccepted + 1
}

func clientKey(roomID eventlog.RoomID, clientID eventlog.ClientID) string {
	return roomID.String() + "\x00" + clientID.String()
}

func (engine *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	engine.logger.Error("sync engine error", attrs...)
}
