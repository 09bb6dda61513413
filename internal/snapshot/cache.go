// Package snapshot keeps a per-room folded copy of the event log so new sessions can
// bootstrap without replaying the full history.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/roomsync/internal/eventlog"
	"go.uber.org/zap"
)

const (
	opGet              = "snapshot.get"
	reasonQueryFailed  = "query_failed"
	reasonFoldFailed   = "fold_failed"
	reasonEncodeFailed = "encode_failed"
	reasonInitFailed   = "initial_encode_failed"
)

var (
	// ErrFoldFailed indicates that the interpreter rejected an event payload.
	ErrFoldFailed = errors.New("snapshot: fold failed")

	errMissingSource      = errors.New("snapshot: event source is required")
	errMissingInterpreter = errors.New("snapshot: interpreter is required")
)

// EventSource serves ordered range queries over a room's log.
type EventSource interface {
	Query(ctx context.Context, roomID eventlog.RoomID, since eventlog.LogPosition) ([]eventlog.Event, error)
}

// CheckpointStore persists advisory snapshot checkpoints.
type CheckpointStore interface {
	LoadCheckpoint(ctx context.Context, roomID eventlog.RoomID) (eventlog.Checkpoint, bool, error)
	SaveCheckpoint(ctx context.Context, checkpoint eventlog.Checkpoint) error
}

// Snapshot is a room's folded state and the last log position folded into it.
type Snapshot struct {
	RoomID        eventlog.RoomID
	State         []byte
	HighWaterMark eventlog.LogPosition
}

// CacheConfig describes the dependencies of a Cache.
type CacheConfig struct {
	Source      EventSource
	Interpreter Interpreter
	Checkpoints CheckpointStore
	Logger      *zap.Logger
}

// Cache holds one snapshot entry per room and folds new events into it on read.
type Cache struct {
	source      EventSource
	interpreter Interpreter
	checkpoints CheckpointStore
	logger      *zap.Logger

	mu      sync.Mutex
	entries map[eventlog.RoomID]*entry
}

type entry struct {
	mu            sync.Mutex
	loaded        bool
	state         State
	encoded       []byte
	highWaterMark eventlog.LogPosition
}

// NewCache validates the configuration and returns an empty Cache.
func NewCache(cfg CacheConfig) (*Cache, error) {
	if cfg.Source == nil {
		return nil, errMissingSource
	}
	if cfg.Interpreter == nil {
		return nil, errMissingInterpreter
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		source:      cfg.Source,
		interpreter: cfg.Interpreter,
		checkpoints: cfg.Checkpoints,
		logger:      logger,
		entries:     make(map[eventlog.RoomID]*entry),
	}, nil
}

// Get catches the room's snapshot up with the log and returns it.
// A room without history yields the interpreter's initial state at position zero.
func (cache *Cache) Get(ctx context.Context, roomID eventlog.RoomID) (Snapshot, error) {
	current := cache.entryFor(roomID)
	current.mu.Lock()
	defer current.mu.Unlock()

	if !current.loaded {
		if err := cache.load(ctx, roomID, current); err != nil {
			return Snapshot{}, err
		}
	}

	events, err := cache.source.Query(ctx, roomID, current.highWaterMark)
	if err != nil {
		cache.logError(reasonQueryFailed, err, roomID)
		return Snapshot{}, err
	}
	if len(events) == 0 {
		return current.snapshot(roomID), nil
	}

	state := current.state
	for _, event := range events {
		state, err = cache.interpreter.Apply(state, event.Payload())
		if err != nil {
			cache.logError(reasonFoldFailed, err, roomID, zap.Int64("log_position", event.LogPosition().Int64()))
			return Snapshot{}, fmt.Errorf("%w: room %s position %d: %v", ErrFoldFailed, roomID, event.LogPosition(), err)
		}
	}
	encoded, err := cache.interpreter.Encode(state)
	if err != nil {
		cache.logError(reasonEncodeFailed, err, roomID)
		return Snapshot{}, err
	}

	current.state = state
	current.encoded = encoded
	current.highWaterMark = events[len(events)-1].LogPosition()
	cache.saveCheckpoint(ctx, roomID, current)
	return current.snapshot(roomID), nil
}

// Invalidate drops the cached entry of a room. The next Get rebuilds it.
func (cache *Cache) Invalidate(roomID eventlog.RoomID) {
	cache.mu.Lock()
	delete(cache.entries, roomID)
	cache.mu.Unlock()
}

func (cache *Cache) entryFor(roomID eventlog.RoomID) *entry {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	current, ok := cache.entries[roomID]
	if !ok {
		current = &entry{}
		cache.entries[roomID] = current
	}
	return current
}

func (cache *Cache) load(ctx context.Context, roomID eventlog.RoomID, target *entry) error {
	if cache.checkpoints != nil {
		checkpoint, found, err := cache.checkpoints.LoadCheckpoint(ctx, roomID)
		switch {
		case err != nil:
			cache.logger.Warn("snapshot checkpoint load failed", zap.String("room_id", roomID.String()), zap.Error(err))
		case found:
			state, decodeErr := cache.interpreter.Decode(checkpoint.State)
			if decodeErr == nil {
				target.state = state
				target.encoded = append([]byte(nil), checkpoint.State...)
				target.highWaterMark = checkpoint.HighWaterMark
				target.loaded = true
				return nil
			}
			cache.logger.Warn("snapshot checkpoint discarded", zap.String("room_id", roomID.String()), zap.Error(decodeErr))
		}
	}

	state := cache.interpreter.Initial()
	encoded, err := cache.interpreter.Encode(state)
	if err != nil {
		cache.logError(reasonInitFailed, err, roomID)
		return err
	}
	target.state = state
	target.encoded = encoded
	target.highWaterMark = 0
	target.loaded = true
	return nil
}

func (cache *Cache) saveCheckpoint(ctx context.Context, roomID eventlog.RoomID, source *entry) {
	if cache.checkpoints == nil {
		return
	}
	err := cache.checkpoints.SaveCheckpoint(ctx, eventlog.Checkpoint{
		RoomID:        roomID,
		State:         source.encoded,
		HighWaterMark: source.highWaterMark,
	})
	if err != nil {
		cache.logger.Warn("snapshot checkpoint save failed",
			zap.String("room_id", roomID.String()),
			zap.Int64("high_water_mark", source.highWaterMark.Int64()),
			zap.Error(err))
	}
}

func (current *entry) snapshot(roomID eventlog.RoomID) Snapshot {
	return Snapshot{
		RoomID:        roomID,
		State:         append([]byte(nil), current.encoded...),
		HighWaterMark: current.highWaterMark,
	}
}

func (cache *Cache) logError(reason string, err error, roomID eventlog.RoomID, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", opGet),
		zap.String("reason", reason),
		zap.String("room_id", roomID.String()),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	cache.logger.Error("snapshot cache error", attrs...)
}
