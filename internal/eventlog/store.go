package eventlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opAppendEvent     = "eventlog.append_event"
	opQueryEvents     = "eventlog.query_events"
	opGetCursor       = "eventlog.get_cursor"
	opEnsureCursor    = "eventlog.ensure_cursor"
	opAdvanceCursor   = "eventlog.advance_cursor"
	opDeleteCursor    = "eventlog.delete_cursor"
	opUpsertPresence  = "eventlog.upsert_presence"
	opGetPresence     = "eventlog.get_presence"
	opListPresence    = "eventlog.list_presence"
	opLastPosition    = "eventlog.last_position"
	opLoadCheckpoint  = "eventlog.load_checkpoint"
	opSaveCheckpoint  = "eventlog.save_checkpoint"
	opRepairCursors   = "eventlog.repair_cursors"
	opTransaction     = "eventlog.transaction"
	fieldRoomID       = "room_id"
	fieldClientID     = "client_id"
	columnLogPosition = "log_position"
	queryRoom         = fieldRoomID + " = ?"
	queryRoomClient   = fieldRoomID + " = ? AND " + fieldClientID + " = ?"
	queryRoomSince    = fieldRoomID + " = ? AND " + columnLogPosition + " > ?"
	orderPositionAsc  = columnLogPosition + " ASC"
	orderClientAsc    = fieldClientID + " ASC"
	queryRoomClientAt = queryRoomClient + " AND last_accepted_seq = ?"
)

const repairCursorsSQL = `
UPDATE client_cursors SET last_accepted_seq = (
	SELECT MAX(e.client_seq) FROM room_events e
	WHERE e.room_id = client_cursors.room_id
	  AND e.client_id = client_cursors.client_id
	  AND e.log_position > client_cursors.base_position
)
WHERE last_accepted_seq < (
	SELECT COALESCE(MAX(e.client_seq), -1) FROM room_events e
	WHERE e.room_id = client_cursors.room_id
	  AND e.client_id = client_cursors.client_id
	  AND e.log_position > client_cursors.base_position
)`

// Store is the persistence contract the sync engine and snapshot cache depend on.
type Store interface {
	// Transaction runs fn against a store bound to a single durable transaction.
	Transaction(ctx context.Context, fn func(Store) error) error
	AppendEvent(ctx context.Context, roomID RoomID, clientID ClientID, clientSeq ClientSeq, payload Payload) (Event, error)
	QueryEvents(ctx context.Context, roomID RoomID, since LogPosition) ([]Event, error)
	GetCursor(ctx context.Context, roomID RoomID, clientID ClientID) (ClientSeq, bool, error)
	// EnsureCursor returns the client's last accepted sequence, creating the row with the sentinel when absent.
	// Inside a transaction the row stays locked until commit.
	EnsureCursor(ctx context.Context, roomID RoomID, clientID ClientID) (ClientSeq, error)
	// AdvanceCursor moves the cursor from one sequence to the next and fails with ErrCursorConflict
	// when the row no longer holds from.
	AdvanceCursor(ctx context.Context, roomID RoomID, clientID ClientID, from, to ClientSeq) error
	DeleteCursor(ctx context.Context, roomID RoomID, clientID ClientID) (bool, error)
	UpsertPresence(ctx context.Context, roomID RoomID, clientID ClientID, presence Presence) error
	GetPresence(ctx context.Context, roomID RoomID, clientID ClientID) (ClientPresence, bool, error)
	ListPresence(ctx context.Context, roomID RoomID) ([]ClientPresence, error)
	LastPosition(ctx context.Context, roomID RoomID) (LogPosition, error)
	LoadCheckpoint(ctx context.Context, roomID RoomID) (Checkpoint, bool, error)
	SaveCheckpoint(ctx context.Context, checkpoint Checkpoint) error
}

// StoreConfig describes the dependencies of a GormStore.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// GormStore implements Store on top of a gorm database handle.
type GormStore struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewGormStore validates the configuration and returns a GormStore.
func NewGormStore(cfg StoreConfig) (*GormStore, error) {
	if cfg.Database == nil {
		return nil, ErrMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &GormStore{db: cfg.Database, clock: clock}, nil
}

// Transaction runs fn inside a database transaction. Returning an error rolls every write back.
func (store *GormStore) Transaction(ctx context.Context, fn func(Store) error) error {
	var callbackErr error
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		callbackErr = fn(&GormStore{db: transaction, clock: store.clock})
		return callbackErr
	})
	if err == nil {
		return nil
	}
	if callbackErr != nil {
		return callbackErr
	}
	return newStoreError(opTransaction, err)
}

// AppendEvent assigns the next log position of the room and returns the committed event.
func (store *GormStore) AppendEvent(ctx context.Context, roomID RoomID, clientID ClientID, clientSeq ClientSeq, payload Payload) (Event, error) {
	var position int64
	appliedAt := store.clock().UTC().Unix()
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := transaction.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&RoomSequence{RoomID: roomID.String()}).Error; err != nil {
			return err
		}
		var sequence RoomSequence
		if err := transaction.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryRoom, roomID.String()).
			Take(&sequence).Error; err != nil {
			return err
		}
		position = sequence.LastPosition + 1
		if err := transaction.Model(&RoomSequence{}).
			Where(queryRoom, roomID.String()).
			Update("last_position", position).Error; err != nil {
			return err
		}
		return transaction.Create(&RoomEvent{
			RoomID:           roomID.String(),
			LogPosition:      position,
			ClientID:         clientID.String(),
			ClientSeq:        clientSeq.Int64(),
			PayloadJSON:      string(payload),
			AppliedAtSeconds: appliedAt,
		}).Error
	})
	if err != nil {
		return Event{}, newStoreError(opAppendEvent, err)
	}
	return NewCommittedEvent(roomID, clientID, clientSeq, payload, LogPosition(position), appliedAt), nil
}

// QueryEvents returns the room's events with a position greater than since, ascending.
func (store *GormStore) QueryEvents(ctx context.Context, roomID RoomID, since LogPosition) ([]Event, error) {
	var rows []RoomEvent
	if err := store.db.WithContext(ctx).
		Where(queryRoomSince, roomID.String(), since.Int64()).
		Order(orderPositionAsc).
		Find(&rows).Error; err != nil {
		return nil, newStoreError(opQueryEvents, err)
	}
	events := make([]Event, 0, len(rows))
	for _, row := range rows {
		events = append(events, NewCommittedEvent(
			RoomID(row.RoomID),
			ClientID(row.ClientID),
			ClientSeq(row.ClientSeq),
			Payload(row.PayloadJSON),
			LogPosition(row.LogPosition),
			row.AppliedAtSeconds,
		))
	}
	return events, nil
}

// GetCursor returns the client's last accepted sequence, or the sentinel and false when no row exists.
func (store *GormStore) GetCursor(ctx context.Context, roomID RoomID, clientID ClientID) (ClientSeq, bool, error) {
	cursor, found, err := store.takeCursor(store.db.WithContext(ctx), roomID, clientID)
	if err != nil {
		return SentinelClientSeq, false, newStoreError(opGetCursor, err)
	}
	if !found {
		return SentinelClientSeq, false, nil
	}
	return ClientSeq(cursor.LastAcceptedSeq), true, nil
}

// EnsureCursor returns the client's last accepted sequence, creating the cursor row on first contact.
func (store *GormStore) EnsureCursor(ctx context.Context, roomID RoomID, clientID ClientID) (ClientSeq, error) {
	db := store.db.WithContext(ctx)
	cursor, found, err := store.takeCursor(lockForUpdate(db), roomID, clientID)
	if err != nil {
		return SentinelClientSeq, newStoreError(opEnsureCursor, err)
	}
	if found {
		return ClientSeq(cursor.LastAcceptedSeq), nil
	}
	if err := store.createCursor(db, roomID, clientID, ""); err != nil {
		return SentinelClientSeq, newStoreError(opEnsureCursor, err)
	}
	cursor, _, err = store.takeCursor(lockForUpdate(db), roomID, clientID)
	if err != nil {
		return SentinelClientSeq, newStoreError(opEnsureCursor, err)
	}
	return ClientSeq(cursor.LastAcceptedSeq), nil
}

// AdvanceCursor records the client's next accepted sequence as a compare-and-swap on the cursor row.
func (store *GormStore) AdvanceCursor(ctx context.Context, roomID RoomID, clientID ClientID, from, to ClientSeq) error {
	result := store.db.WithContext(ctx).Model(&ClientCursor{}).
		Where(queryRoomClientAt, roomID.String(), clientID.String(), from.Int64()).
		Update("last_accepted_seq", to.Int64())
	if result.Error != nil {
		return newStoreError(opAdvanceCursor, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: room %s client %s expected %d", ErrCursorConflict, roomID, clientID, from)
	}
	return nil
}

// DeleteCursor forgets the client's ordering history and presence. Events stay in the log.
func (store *GormStore) DeleteCursor(ctx context.Context, roomID RoomID, clientID ClientID) (bool, error) {
	result := store.db.WithContext(ctx).
		Where(queryRoomClient, roomID.String(), clientID.String()).
		Delete(&ClientCursor{})
	if result.Error != nil {
		return false, newStoreError(opDeleteCursor, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// UpsertPresence overwrites the client's presence, creating the cursor row when absent.
func (store *GormStore) UpsertPresence(ctx context.Context, roomID RoomID, clientID ClientID, presence Presence) error {
	db := store.db.WithContext(ctx)
	updates := map[string]any{
		"presence_json":         string(presence),
		"presence_updated_at_s": store.clock().UTC().Unix(),
	}
	result := db.Model(&ClientCursor{}).
		Where(queryRoomClient, roomID.String(), clientID.String()).
		Updates(updates)
	if result.Error != nil {
		return newStoreError(opUpsertPresence, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	if err := store.createCursor(db, roomID, clientID, string(presence)); err != nil {
		return newStoreError(opUpsertPresence, err)
	}
	if err := db.Model(&ClientCursor{}).
		Where(queryRoomClient, roomID.String(), clientID.String()).
		Updates(updates).Error; err != nil {
		return newStoreError(opUpsertPresence, err)
	}
	return nil
}

// GetPresence returns the client's latest presence. The boolean is false when none was ever recorded.
func (store *GormStore) GetPresence(ctx context.Context, roomID RoomID, clientID ClientID) (ClientPresence, bool, error) {
	cursor, found, err := store.takeCursor(store.db.WithContext(ctx), roomID, clientID)
	if err != nil {
		return ClientPresence{}, false, newStoreError(opGetPresence, err)
	}
	if !found || cursor.PresenceJSON == "" {
		return ClientPresence{}, false, nil
	}
	return presenceFromCursor(cursor), true, nil
}

// ListPresence returns the presence of every client in the room that has one, ordered by client id.
func (store *GormStore) ListPresence(ctx context.Context, roomID RoomID) ([]ClientPresence, error) {
	var cursors []ClientCursor
	if err := store.db.WithContext(ctx).
		Where(queryRoom+" AND presence_json <> ''", roomID.String()).
		Order(orderClientAsc).
		Find(&cursors).Error; err != nil {
		return nil, newStoreError(opListPresence, err)
	}
	records := make([]ClientPresence, 0, len(cursors))
	for _, cursor := range cursors {
		records = append(records, presenceFromCursor(cursor))
	}
	return records, nil
}

// LastPosition returns the highest position assigned in the room, zero for an unknown room.
func (store *GormStore) LastPosition(ctx context.Context, roomID RoomID) (LogPosition, error) {
	position, err := lastPosition(store.db.WithContext(ctx), roomID)
	if err != nil {
		return 0, newStoreError(opLastPosition, err)
	}
	return LogPosition(position), nil
}

// LoadCheckpoint returns the persisted checkpoint of the room, if any.
func (store *GormStore) LoadCheckpoint(ctx context.Context, roomID RoomID) (Checkpoint, bool, error) {
	var row SnapshotCheckpoint
	err := store.db.WithContext(ctx).Where(queryRoom, roomID.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, newStoreError(opLoadCheckpoint, err)
	}
	return Checkpoint{
		RoomID:        RoomID(row.RoomID),
		State:         []byte(row.StateJSON),
		HighWaterMark: LogPosition(row.HighWaterMark),
	}, true, nil
}

// SaveCheckpoint persists the checkpoint unless a newer one is already stored.
func (store *GormStore) SaveCheckpoint(ctx context.Context, checkpoint Checkpoint) error {
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var existing SnapshotCheckpoint
		err := transaction.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryRoom, checkpoint.RoomID.String()).
			Take(&existing).Error
		updatedAt := store.clock().UTC().Unix()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return transaction.Create(&SnapshotCheckpoint{
				RoomID:           checkpoint.RoomID.String(),
				StateJSON:        string(checkpoint.State),
				HighWaterMark:    checkpoint.HighWaterMark.Int64(),
				UpdatedAtSeconds: updatedAt,
			}).Error
		}
		if err != nil {
			return err
		}
		if checkpoint.HighWaterMark.Int64() < existing.HighWaterMark {
			return nil
		}
		existing.StateJSON = string(checkpoint.State)
		existing.HighWaterMark = checkpoint.HighWaterMark.Int64()
		existing.UpdatedAtSeconds = updatedAt
		return transaction.Save(&existing).Error
	})
	if err != nil {
		return newStoreError(opSaveCheckpoint, err)
	}
	return nil
}

// RepairCursors raises every cursor that lags behind the events its client has in the log
// since the cursor was created, and reports how many rows changed.
func (store *GormStore) RepairCursors(ctx context.Context) (int64, error) {
	result := store.db.WithContext(ctx).Exec(repairCursorsSQL)
	if result.Error != nil {
		return 0, newStoreError(opRepairCursors, result.Error)
	}
	return result.RowsAffected, nil
}

func lockForUpdate(db *gorm.DB) *gorm.DB {
	return db.Clauses(clause.Locking{Strength: "UPDATE"})
}

func (store *GormStore) takeCursor(db *gorm.DB, roomID RoomID, clientID ClientID) (ClientCursor, bool, error) {
	var cursor ClientCursor
	err := db.Where(queryRoomClient, roomID.String(), clientID.String()).Take(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ClientCursor{}, false, nil
	}
	if err != nil {
		return ClientCursor{}, false, err
	}
	return cursor, true, nil
}

func (store *GormStore) createCursor(db *gorm.DB, roomID RoomID, clientID ClientID, presenceJSON string) error {
	basePosition, err := lastPosition(db, roomID)
	if err != nil {
		return err
	}
	cursor := ClientCursor{
		RoomID:          roomID.String(),
		ClientID:        clientID.String(),
		LastAcceptedSeq: SentinelClientSeq.Int64(),
		BasePosition:    basePosition,
		PresenceJSON:    presenceJSON,
	}
	if presenceJSON != "" {
		cursor.PresenceUpdatedAtSeconds = store.clock().UTC().Unix()
	}
	return db.Clauses(clause.OnConflict{DoNothing: true}).Create(&cursor).Error
}

func lastPosition(db *gorm.DB, roomID RoomID) (int64, error) {
	var sequence RoomSequence
	err := db.Where(queryRoom, roomID.String()).Take(&sequence).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return sequence.LastPosition, nil
}

func presenceFromCursor(cursor ClientCursor) ClientPresence {
	return ClientPresence{
		clientID:         ClientID(cursor.ClientID),
		presence:         Presence(cursor.PresenceJSON),
		updatedAtSeconds: cursor.PresenceUpdatedAtSeconds,
	}
}
