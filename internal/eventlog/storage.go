package eventlog

// RoomEvent stores an append-only accepted event.
type RoomEvent struct {
	EventID          int64  `gorm:"column:event_id;primaryKey;autoIncrement"`
	RoomID           string `gorm:"column:room_id;size:190;not null;uniqueIndex:idx_room_events_position,priority:1;index:idx_room_events_client,priority:1"`
	LogPosition      int64  `gorm:"column:log_position;not null;uniqueIndex:idx_room_events_position,priority:2"`
	ClientID         string `gorm:"column:client_id;size:190;not null;index:idx_room_events_client,priority:2"`
	ClientSeq        int64  `gorm:"column:client_seq;not null"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RoomEvent) TableName() string {
	return "room_events"
}

// RoomSequence stores the last log position assigned in a room.
type RoomSequence struct {
	RoomID       string `gorm:"column:room_id;primaryKey;size:190;not null"`
	LastPosition int64  `gorm:"column:last_position;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (RoomSequence) TableName() string {
	return "room_sequences"
}

// ClientCursor stores the highest accepted client sequence and the client's presence.
type ClientCursor struct {
	RoomID                   string `gorm:"column:room_id;primaryKey;size:190;not null"`
	ClientID                 string `gorm:"column:client_id;primaryKey;size:190;not null"`
	LastAcceptedSeq          int64  `gorm:"column:last_accepted_seq;not null;default:-1"`
	BasePosition             int64  `gorm:"column:base_position;not null;default:0"`
	PresenceJSON             string `gorm:"column:presence_json;type:text;not null;default:''"`
	PresenceUpdatedAtSeconds int64  `gorm:"column:presence_updated_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (ClientCursor) TableName() string {
	return "client_cursors"
}

// SnapshotCheckpoint stores an advisory folded state per room.
type SnapshotCheckpoint struct {
	RoomID           string `gorm:"column:room_id;primaryKey;size:190;not null"`
	StateJSON        string `gorm:"column:state_json;type:text;not null"`
	HighWaterMark    int64  `gorm:"column:high_water_mark;not null;default:0"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SnapshotCheckpoint) TableName() string {
	return "room_snapshot_checkpoints"
}

// Models lists every table owned by the event log, in migration order.
func Models() []any {
	return []any{&RoomEvent{}, &RoomSequence{}, &ClientCursor{}, &SnapshotCheckpoint{}}
}
