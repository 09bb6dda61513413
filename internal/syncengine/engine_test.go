package syncengine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/roomsync/internal/eventlog"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func TestSubmitScenario(testContext *testing.T) {
	engine := mustEngine(testContext)
	ctx := context.Background()
	room := mustRoomID(testContext, "room-scenario")
	client := mustClientID(testContext, "client-a")

	first, err := engine.Submit(ctx, mustRequest(testContext, room, client, 1, `["x"]`))
	if err != nil {
		testContext.Fatalf("first submit failed: %v", err)
	}
	position, ok := first.LogPosition()
	if !ok || position != 1 || first.Duplicate() {
		testContext.Fatalf("expected position 1, got %d ok=%t duplicate=%t", position, ok, first.Duplicate())
	}

	replay, err := engine.Submit(ctx, mustRequest(testContext, room, client, 1, `["x"]`))
	if err != nil {
		testContext.Fatalf("replay submit failed: %v", err)
	}
	if _, ok := replay.LogPosition(); ok || !replay.Duplicate() {
		testContext.Fatalf("expected replay to be a no-op duplicate")
	}

	_, err = engine.Submit(ctx, mustRequest(testContext, room, client, 3, `["z"]`))
	if !errors.Is(err, ErrOutOfOrder) {
		testContext.Fatalf("expected out of order rejection, got %v", err)
	}
	var outOfOrder *OutOfOrderError
	if !errors.As(err, &outOfOrder) || outOfOrder.Expected != 2 || outOfOrder.Received != 3 {
		testContext.Fatalf("expected rejection to carry expected sequence 2, got %v", err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "syncengine.submit.out_of_order" {
		testContext.Fatalf("expected out_of_order code, got %v", err)
	}

	second, err := engine.Submit(ctx, mustRequest(testContext, room, client, 2, `["y"]`))
	if err != nil {
		testContext.Fatalf("second submit failed: %v", err)
	}
	position, ok = second.LogPosition()
	if !ok || position != 2 {
		testContext.Fatalf("expected position 2, got %d ok=%t", position, ok)
	}

	events, err := engine.Query(ctx, room, 0)
	if err != nil {
		testContext.Fatalf("query failed: %v", err)
	}
	if len(events) != 2 {
		testContext.Fatalf("expected 2 events, got %d", len(events))
	}
	if string(events[0].Payload()) != `["x"]` || string(events[1].Payload()) != `["y"]` {
		testContext.Fatalf("unexpected payload order: %s, %s", events[0].Payload(), events[1].Payload())
	}
}

func TestSubmitReplayDoesNotChangeLog(testContext *testing.T) {
	engine := mustEngine(testContext)
	ctx := context.Background()
	room := mustRoomID(testContext, "room-replay")
	client := mustClientID(testContext, "client-replay")

	for seq := int64(1); seq <= 3; seq++ {
		if _, err := engine.Submit(ctx, mustRequest(testContext, room, client, seq, fmt.Sprintf(`[%d]`, seq))); err != nil {
			testContext.Fatalf("submit %d failed: %v", seq, err)
		}
	}
	before, err := engine.Query(ctx, room, 0)
	if err != nil {
		testContext.Fatalf("query failed: %v", err)
	}

	for seq := int64(1); seq <= 3; seq++ {
		outcome, err := engine.Submit(ctx, mustRequest(testContext, room, client, seq, `["different"]`))
		if err != nil {
			testContext.Fatalf("replay %d failed: %v", seq, err)
		}
		if !outcome.Duplicate() {
			testContext.Fatalf("expected replay %d to be a duplicate", seq)
		}
	}

	after, err := engine.Query(ctx, room, 0)
	if err != nil {
		testContext.Fatalf("query failed: %v", err)
	}
	if len(after) != len(before) {
		testContext.Fatalf("expected replays to leave the log unchanged, got %d events instead of %d", len(after), len(before))
	}
	for index := range before {
		if string(before[index].Payload()) != string(after[index].Payload()) {
			testContext.Fatalf("payload at %d changed after replay", index)
		}
	}
}

func TestSubmitRejectsGapWithoutWriting(testContext *testing.T) {
	engine := mustEngine(testContext)
	ctx := context.Background()
	room := mustRoomID(testContext, "room-gap")
	client := mustClientID(testContext, "client-gap")

	_, err := engine.Submit(ctx, mustRequest(testContext, room, client, 2, `["early"]`))
	if !errors.Is(err, ErrOutOfOrder) {
		testContext.Fatalf("expected out of order for first contact at 2, got %v", err)
	}
	var outOfOrder *OutOfOrderError
	if !errors.As(err, &outOfOrder) || outOfOrder.Expected != 1 {
		testContext.Fatalf("expected first contact to expect sequence 1, got %v", err)
	}
	seq, err := engine.Cursor(ctx, room, client)
	if err != nil {
		testContext.Fatalf("cursor failed: %v", err)
	}
	if seq != eventlog.SentinelClientSeq {
		testContext.Fatalf("expected sentinel cursor after rejection, got %d", seq)
	}

	if _, err := engine.Submit(ctx, mustRequest(testContext, room, client, 1, `["a"]`)); err != nil {
		testContext.Fatalf("submit 1 failed: %v", err)
	}
	_, err = engine.Submit(ctx, mustRequest(testContext, room, client, 3, `["c"]`))
	if !errors.Is(err, ErrOutOfOrder) {
		testContext.Fatalf("expected out of order for N+2, got %v", err)
	}
	events, err := engine.Query(ctx, room, 0)
	if err != nil {
		testContext.Fatalf("query failed: %v", err)
	}
	if len(events) != 1 {
		testContext.Fatalf("expected rejected submissions to leave one event, got %d", len(events))
	}
}

func TestSubmitRejectsInvalidRequests(testContext *testing.T) {
	engine := mustEngine(testContext)
	room := mustRoomID(testContext, "room-invalid")
	client := mustClientID(testContext, "client-invalid")
	payload := mustPayload(testContext, `[]`)

	testCases := []struct {
		name    string
		request SubmitRequest
		target  error
		code    string
	}{
		{
			name:    "zero sequence",
			request: SubmitRequest{RoomID: room, ClientID: client, ClientSeq: 0, Payload: payload},
			target:  eventlog.ErrInvalidClientSeq,
			code:    "syncengine.submit.invalid_client_seq",
		},
		{
			name:    "missing room",
			request: SubmitRequest{ClientID: client, ClientSeq: 1, Payload: payload},
			target:  eventlog.ErrInvalidRoomID,
			code:    "syncengine.submit.invalid_room_id",
		},
		{
			name:    "missing client",
			request: SubmitRequest{RoomID: room, ClientSeq: 1, Payload: payload},
			target:  eventlog.ErrInvalidClientID,
			code:    "syncengine.submit.invalid_client_id",
		},
		{
			name:    "missing payload",
			request: SubmitRequest{RoomID: room, ClientID: client, ClientSeq: 1},
			target:  eventlog.ErrInvalidPayload,
			code:    "syncengine.submit.invalid_payload",
		},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(t *testing.T) {
			_, err := engine.Submit(context.Background(), testCase.request)
			if !errors.Is(err, testCase.target) {
				t.Fatalf("expected %v, got %v", testCase.target, err)
			}
			var serviceErr *ServiceError
			if !errors.As(err, &serviceErr) || serviceErr.Code() != testCase.code {
				t.Fatalf("expected code %s, got %v", testCase.code, err)
			}
		})
	}
}

func TestSubmitConcurrentClientsKeepPerClientOrder(testContext *testing.T) {
	engine := mustEngine(testContext)
	ctx := context.Background()
	room := mustRoomID(testContext, "room-concurrent")
	const clientCount = 4
	const submissionsPerClient = 5

	var waitGroup sync.WaitGroup
	errs := make(chan error, clientCount)
	positions := make([][]eventlog.LogPosition, clientCount)
	for clientIndex := 0; clientIndex < clientCount; clientIndex++ {
		waitGroup.Add(1)
		go func(clientIndex int) {
			defer waitGroup.Done()
			client := eventlog.ClientID(fmt.Sprintf("client-%d", clientIndex))
			for seq := 1; seq <= submissionsPerClient; seq++ {
				payload, err := eventlog.NewPayload([]byte(fmt.Sprintf(`["%d-%d"]`, clientIndex, seq)))
				if err != nil {
					errs <- err
					return
				}
				outcome, err := engine.Submit(ctx, SubmitRequest{
					RoomID:    room,
					ClientID:  client,
					ClientSeq: eventlog.ClientSeq(seq),
					Payload:   payload,
				})
				if err != nil {
					errs <- err
					return
				}
				position, ok := outcome.LogPosition()
				if !ok {
					errs <- fmt.Errorf("client %d seq %d unexpectedly duplicate", clientIndex, seq)
					return
				}
				positions[clientIndex] = append(positions[clientIndex], position)
			}
		}(clientIndex)
	}
	waitGroup.Wait()
	close(errs)
	for err := range errs {
		testContext.Fatalf("concurrent submit failed: %v", err)
	}

	for clientIndex, clientPositions := range positions {
		for index := 1; index < len(clientPositions); index++ {
			if clientPositions[index] <= clientPositions[index-1] {
				testContext.Fatalf("client %d positions not strictly increasing: %v", clientIndex, clientPositions)
			}
		}
	}

	events, err := engine.Query(ctx, room, 0)
	if err != nil {
		testContext.Fatalf("query failed: %v", err)
	}
	if len(events) != clientCount*submissionsPerClient {
		testContext.Fatalf("expected %d events, got %d", clientCount*submissionsPerClient, len(events))
	}
	nextSeq := make(map[eventlog.ClientID]eventlog.ClientSeq)
	for index, event := range events {
		if event.LogPosition() != eventlog.LogPosition(index+1) {
			testContext.Fatalf("expected gapless positions, got %d at index %d", event.LogPosition(), index)
		}
		nextSeq[event.ClientID()]++
		if event.ClientSeq() != nextSeq[event.ClientID()] {
			testContext.Fatalf("client %s sequences not contiguous at position %d", event.ClientID(), event.LogPosition())
		}
	}
}

func TestSubmitRacingDuplicatesAcceptOnce(testContext *testing.T) {
	engine := mustEngine(testContext)
	ctx := context.Background()
	room := mustRoomID(testContext, "room-race")
	client := mustClientID(testContext, "client-race")
	const attempts = 8

	var waitGroup sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	duplicates := 0
	for attempt := 0; attempt < attempts; attempt++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			outcome, err := engine.Submit(ctx, SubmitRequest{
				RoomID:    room,
				ClientID:  client,
				ClientSeq: 1,
				Payload:   eventlog.Payload(`["once"]`),
			})
			if err != nil {
				testContext.Errorf("submit failed: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if outcome.Duplicate() {
				duplicates++
			} else {
				accepted++
			}
		}()
	}
	waitGroup.Wait()

	if accepted != 1 || duplicates != attempts-1 {
		testContext.Fatalf("expected exactly one acceptance, got %d accepted and %d duplicates", accepted, duplicates)
	}
	if size := engine.clientLocks.size(); size != 0 {
		testContext.Fatalf("expected client locks to be released, %d remain", size)
	}
}

func TestForgetRestartsSequenceNegotiation(testContext *testing.T) {
	engine := mustEngine(testContext)
	ctx := context.Background()
	room := mustRoomID(testContext, "room-forget")
	client := mustClientID(testContext, "client-forget")

	for seq := int64(1); seq <= 2; seq++ {
		if _, err := engine.Submit(ctx, mustRequest(testContext, room, client, seq, `["before"]`)); err != nil {
			testContext.Fatalf("submit %d failed: %v", seq, err)
		}
	}
	if err := engine.UpdatePresence(ctx, room, client, mustPresence(testContext, `{"block":"b1"}`)); err != nil {
		testContext.Fatalf("update presence failed: %v", err)
	}

	forgotten, err := engine.Forget(ctx, room, client)
	if err != nil {
		testContext.Fatalf("forget failed: %v", err)
	}
	if !forgotten {
		testContext.Fatalf("expected cursor to be forgotten")
	}
	if _, found, err := engine.FetchPresence(ctx, room, client); err != nil || found {
		testContext.Fatalf("expected presence to be cleared, found=%t err=%v", found, err)
	}

	outcome, err := engine.Submit(ctx, mustRequest(testContext, room, client, 1, `["after"]`))
	if err != nil {
		testContext.Fatalf("submit after forget failed: %v", err)
	}
	position, ok := outcome.LogPosition()
	if !ok || position != 3 {
		testContext.Fatalf("expected rejoined client to append at position 3, got %d ok=%t", position, ok)
	}
	events, err := engine.Query(ctx, room, 0)
	if err != nil {
		testContext.Fatalf("query failed: %v", err)
	}
	if len(events) != 3 {
		testContext.Fatalf("expected history to survive forget, got %d events", len(events))
	}
}

func TestPresenceRoundTrip(testContext *testing.T) {
	engine := mustEngine(testContext)
	ctx := context.Background()
	room := mustRoomID(testContext, "room-presence")
	clientA := mustClientID(testContext, "client-a")
	clientB := mustClientID(testContext, "client-b")

	if err := engine.UpdatePresence(ctx, room, clientA, mustPresence(testContext, `{"x":1}`)); err != nil {
		testContext.Fatalf("update presence failed: %v", err)
	}
	if err := engine.UpdatePresence(ctx, room, clientB, mustPresence(testContext, `{"x":2}`)); err != nil {
		testContext.Fatalf("update presence failed: %v", err)
	}
	if err := engine.UpdatePresence(ctx, room, clientA, mustPresence(testContext, `{"x":5}`)); err != nil {
		testContext.Fatalf("update presence failed: %v", err)
	}

	record, found, err := engine.FetchPresence(ctx, room, clientA)
	if err != nil || !found {
		testContext.Fatalf("expected presence for client-a, found=%t err=%v", found, err)
	}
	if string(record.Presence()) != `{"x":5}` {
		testContext.Fatalf("expected latest presence, got %s", record.Presence())
	}
	records, err := engine.ListPresence(ctx, room)
	if err != nil {
		testContext.Fatalf("list presence failed: %v", err)
	}
	if len(records) != 2 {
		testContext.Fatalf("expected 2 presence records, got %d", len(records))
	}

	events, err := engine.Query(ctx, room, 0)
	if err != nil {
		testContext.Fatalf("query failed: %v", err)
	}
	if len(events) != 0 {
		testContext.Fatalf("expected presence to bypass the event log, got %d events", len(events))
	}

	if _, err := engine.Submit(ctx, mustRequest(testContext, room, clientA, 1, `["x"]`)); err != nil {
		testContext.Fatalf("expected presence-created cursor to accept sequence 1: %v", err)
	}
}

func TestStoreFailuresSurfaceUnavailable(testContext *testing.T) {
	driverErr := errors.New("disk I/O error")
	engine, err := NewEngine(Config{Store: failingStore{err: driverErr}})
	if err != nil {
		testContext.Fatalf("failed to build engine: %v", err)
	}
	ctx := context.Background()
	room := mustRoomID(testContext, "room-failing")
	client := mustClientID(testContext, "client-failing")

	_, err = engine.Submit(ctx, mustRequest(testContext, room, client, 1, `["x"]`))
	if !errors.Is(err, eventlog.ErrStoreUnavailable) {
		testContext.Fatalf("expected store unavailable, got %v", err)
	}
	if !errors.Is(err, driverErr) {
		testContext.Fatalf("expected driver error to be preserved, got %v", err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "syncengine.submit.store_failed" {
		testContext.Fatalf("expected store_failed code, got %v", err)
	}

	_, err = engine.Query(ctx, room, 0)
	if !errors.Is(err, eventlog.ErrStoreUnavailable) {
		testContext.Fatalf("expected query store unavailable, got %v", err)
	}
}

func TestSubmitRejectsPayloadTheValidatorRefuses(testContext *testing.T) {
	engine, err := NewEngine(Config{
		Store:     mustStore(testContext),
		Validator: rejectingValidator{err: errors.New("unknown event type")},
	})
	if err != nil {
		testContext.Fatalf("failed to create engine: %v", err)
	}
	ctx := context.Background()
	room := mustRoomID(testContext, "room-validate")
	client := mustClientID(testContext, "client-validate")

	_, err = engine.Submit(ctx, mustRequest(testContext, room, client, 1, `[{"type":"bogus"}]`))
	if !errors.Is(err, eventlog.ErrInvalidPayload) {
		testContext.Fatalf("expected invalid payload, got %v", err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "syncengine.submit.invalid_payload" {
		testContext.Fatalf("expected invalid_payload code, got %v", err)
	}

	events, err := engine.Query(ctx, room, 0)
	if err != nil {
		testContext.Fatalf("query failed: %v", err)
	}
	if len(events) != 0 {
		testContext.Fatalf("expected a refused payload to stay out of the log, got %d events", len(events))
	}
	seq, err := engine.Cursor(ctx, room, client)
	if err != nil {
		testContext.Fatalf("cursor failed: %v", err)
	}
	if seq != eventlog.SentinelClientSeq {
		testContext.Fatalf("expected cursor untouched by a refused payload, got %d", seq)
	}
}

func TestSubmitLosingCursorRaceCommitsNothing(testContext *testing.T) {
	store := mustStore(testContext)
	engine, err := NewEngine(Config{Store: racingStore{GormStore: store}})
	if err != nil {
		testContext.Fatalf("failed to create engine: %v", err)
	}
	ctx := context.Background()
	room := mustRoomID(testContext, "room-race")
	client := mustClientID(testContext, "client-race")

	_, err = engine.Submit(ctx, mustRequest(testContext, room, client, 1, `["x"]`))
	if !errors.Is(err, eventlog.ErrCursorConflict) {
		testContext.Fatalf("expected cursor conflict, got %v", err)
	}
	if errors.Is(err, eventlog.ErrStoreUnavailable) {
		testContext.Fatalf("expected a lost race to stay distinct from store failures")
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "syncengine.submit.cursor_conflict" {
		testContext.Fatalf("expected cursor_conflict code, got %v", err)
	}

	events, err := store.QueryEvents(ctx, room, 0)
	if err != nil {
		testContext.Fatalf("query failed: %v", err)
	}
	if len(events) != 0 {
		testContext.Fatalf("expected the losing append to roll back, got %d events", len(events))
	}
}

func TestSubmitOutcomeCarriesCommittedEvent(testContext *testing.T) {
	engine := mustEngine(testContext)
	ctx := context.Background()
	room := mustRoomID(testContext, "room-outcome")
	client := mustClientID(testContext, "client-outcome")

	outcome, err := engine.Submit(ctx, mustRequest(testContext, room, client, 1, `["x"]`))
	if err != nil {
		testContext.Fatalf("submit failed: %v", err)
	}
	event, ok := outcome.Event()
	if !ok {
		testContext.Fatalf("expected an accepted submission to carry its event")
	}
	if event.LogPosition() != 1 || event.ClientSeq() != 1 || event.AppliedAtSeconds() != 1700000000 {
		testContext.Fatalf("unexpected committed event %+v", event)
	}

	replay, err := engine.Submit(ctx, mustRequest(testContext, room, client, 1, `["x"]`))
	if err != nil {
		testContext.Fatalf("replay failed: %v", err)
	}
	if _, ok := replay.Event(); ok {
		testContext.Fatalf("expected a duplicate to carry no event")
	}

	head, err := engine.Head(ctx, room)
	if err != nil {
		testContext.Fatalf("head failed: %v", err)
	}
	if head != 1 {
		testContext.Fatalf("expected room head 1, got %d", head)
	}
	empty, err := engine.Head(ctx, mustRoomID(testContext, "room-empty"))
	if err != nil {
		testContext.Fatalf("head failed: %v", err)
	}
	if empty != 0 {
		testContext.Fatalf("expected head 0 for a room without history, got %d", empty)
	}
}

func TestNewEngineRequiresStore(testContext *testing.T) {
	_, err := NewEngine(Config{})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "syncengine.new.missing_store" {
		testContext.Fatalf("expected missing store error, got %v", err)
	}
}

func mustEngine(testContext *testing.T) *Engine {
	testContext.Helper()
	engine, err := NewEngine(Config{Store: mustStore(testContext)})
	if err != nil {
		testContext.Fatalf("failed to create engine: %v", err)
	}
	return engine
}

func mustStore(testContext *testing.T) *eventlog.GormStore {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "sync.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	testContext.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := database.AutoMigrate(eventlog.Models()...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := eventlog.NewGormStore(eventlog.StoreConfig{
		Database: database,
		Clock: func() time.Time {
			return time.Unix(1700000000, 0).UTC()
		},
	})
	if err != nil {
		testContext.Fatalf("failed to create store: %v", err)
	}
	return store
}

type failingStore struct {
	err error
}

func (store failingStore) fail(operation string) error {
	return &eventlog.StoreError{Operation: operation, Err: store.err}
}

func (store failingStore) Transaction(ctx context.Context, fn func(eventlog.Store) error) error {
	return fn(store)
}

func (store failingStore) AppendEvent(context.Context, eventlog.RoomID, eventlog.ClientID, eventlog.ClientSeq, eventlog.Payload) (eventlog.Event, error) {
	return eventlog.Event{}, store.fail("append_event")
}

func (store failingStore) QueryEvents(context.Context, eventlog.RoomID, eventlog.LogPosition) ([]eventlog.Event, error) {
	return nil, store.fail("query_events")
}

func (store failingStore) GetCursor(context.Context, eventlog.RoomID, eventlog.ClientID) (eventlog.ClientSeq, bool, error) {
	return eventlog.SentinelClientSeq, false, store.fail("get_cursor")
}

func (store failingStore) EnsureCursor(context.Context, eventlog.RoomID, eventlog.ClientID) (eventlog.ClientSeq, error) {
	return eventlog.SentinelClientSeq, store.fail("ensure_cursor")
}

func (store failingStore) AdvanceCursor(context.Context, eventlog.RoomID, eventlog.ClientID, eventlog.ClientSeq, eventlog.ClientSeq) error {
	return store.fail("advance_cursor")
}

func (store failingStore) DeleteCursor(context.Context, eventlog.RoomID, eventlog.ClientID) (bool, error) {
	return false, store.fail("delete_cursor")
}

func (store failingStore) UpsertPresence(context.Context, eventlog.RoomID, eventlog.ClientID, eventlog.Presence) error {
	return store.fail("upsert_presence")
}

func (store failingStore) GetPresence(context.Context, eventlog.RoomID, eventlog.ClientID) (eventlog.ClientPresence, bool, error) {
	return eventlog.ClientPresence{}, false, store.fail("get_presence")
}

func (store failingStore) ListPresence(context.Context, eventlog.RoomID) ([]eventlog.ClientPresence, error) {
	return nil, store.fail("list_presence")
}

func (store failingStore) LastPosition(context.Context, eventlog.RoomID) (eventlog.LogPosition, error) {
	return 0, store.fail("last_position")
}

func (store failingStore) LoadCheckpoint(context.Context, eventlog.RoomID) (eventlog.Checkpoint, bool, error) {
	return eventlog.Checkpoint{}, false, store.fail("load_checkpoint")
}

func (store failingStore) SaveCheckpoint(context.Context, eventlog.Checkpoint) error {
	return store.fail("save_checkpoint")
}

type rejectingValidator struct {
	err error
}

func (validator rejectingValidator) Validate(eventlog.Payload) error {
	return validator.err
}

// racingStore lets a second writer advance the cursor right after the engine read it.
type racingStore struct {
	*eventlog.GormStore
}

func (store racingStore) Transaction(ctx context.Context, fn func(eventlog.Store) error) error {
	return store.GormStore.Transaction(ctx, func(transaction eventlog.Store) error {
		return fn(racingTransaction{Store: transaction})
	})
}

type racingTransaction struct {
	eventlog.Store
}

func (transaction racingTransaction) EnsureCursor(ctx context.Context, roomID eventlog.RoomID, clientID eventlog.ClientID) (eventlog.ClientSeq, error) {
	lastAccepted, err := transaction.Store.EnsureCursor(ctx, roomID, clientID)
	if err != nil {
		return lastAccepted, err
	}
	if err := transaction.Store.AdvanceCursor(ctx, roomID, clientID, lastAccepted, nextClientSeq(lastAccepted)); err != nil {
		return lastAccepted, err
	}
	return lastAccepted, nil
}
