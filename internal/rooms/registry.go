// Package rooms tracks the transport sessions attached to each room and fans
// broadcast messages out to them.
package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/roomsync/internal/eventlog"
)

const (
	// MessageTypeEvents carries newly accepted log entries.
	MessageTypeEvents = "events"
	// MessageTypePresence carries a presence update.
	MessageTypePresence = "presence"
	// MessageTypeClientLeft announces that a client forgot its membership.
	MessageTypeClientLeft = "client-left"

	defaultSessionBuffer = 32
)

var errMissingSessionID = errors.New("rooms: session id generator returned empty id")

// Message is a broadcast addressed to every session of a room.
type Message struct {
	RoomID         eventlog.RoomID
	Type           string
	ClientID       eventlog.ClientID
	ExcludeSession string
	Body           json.RawMessage
}

// Subscription is one attached session.
type Subscription struct {
	SessionID string
	RoomID    eventlog.RoomID
	ClientID  eventlog.ClientID
	Messages  <-chan Message
}

// Departure describes a session that left.
type Departure struct {
	ClientID    eventlog.ClientID
	LastSession bool
}

// Relay forwards broadcasts to registries on other nodes.
type Relay interface {
	Publish(ctx context.Context, message Message) error
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	SessionBuffer int
	Relay         Relay
	Logger        *zap.Logger
	NewSessionID  func() (string, error)
}

// Registry maps rooms to attached sessions. Safe for concurrent use.
type Registry struct {
	mu           sync.RWMutex
	rooms        map[eventlog.RoomID]map[string]*session
	bufferSize   int
	relay        Relay
	logger       *zap.Logger
	newSessionID func() (string, error)
}

type session struct {
	clientID eventlog.ClientID
	stream   chan Message
}

// NewRegistry builds an empty Registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	bufferSize := cfg.SessionBuffer
	if bufferSize <= 0 {
		bufferSize = defaultSessionBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	newSessionID := cfg.NewSessionID
	if newSessionID == nil {
		newSessionID = newUUIDv7
	}
	return &Registry{
		rooms:        make(map[eventlog.RoomID]map[string]*session),
		bufferSize:   bufferSize,
		relay:        cfg.Relay,
		logger:       logger,
		newSessionID: newSessionID,
	}
}

// Join attaches a new session for the client. The session is detached when ctx
// ends or when the returned cleanup runs, whichever happens first.
func (registry *Registry) Join(ctx context.Context, roomID eventlog.RoomID, clientID eventlog.ClientID) (Subscription, func(), error) {
	sessionID, err := registry.newSessionID()
	if err != nil {
		return Subscription{}, nil, err
	}
	if sessionID == "" {
		return Subscription{}, nil, errMissingSessionID
	}
	attached := &session{
		clientID: clientID,
		stream:   make(chan Message, registry.bufferSize),
	}

	registry.mu.Lock()
	sessions, ok := registry.rooms[roomID]
	if !ok {
		sessions = make(map[string]*session)
		registry.rooms[roomID] = sessions
	}
	sessions[sessionID] = attached
	registry.mu.Unlock()

	var once sync.Once
	detached := make(chan struct{})
	cleanup := func() {
		once.Do(func() {
			close(detached)
			registry.Leave(roomID, sessionID)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-detached:
		}
	}()

	return Subscription{
		SessionID: sessionID,
		RoomID:    roomID,
		ClientID:  clientID,
		Messages:  attached.stream,
	}, cleanup, nil
}

// Leave detaches the session and closes its stream. Leaving twice reports false.
func (registry *Registry) Leave(roomID eventlog.RoomID, sessionID string) (Departure, bool) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	sessions := registry.rooms[roomID]
	departing, ok := sessions[sessionID]
	if !ok {
		return Departure{}, false
	}
	delete(sessions, sessionID)
	close(departing.stream)

	lastSession := true
	for _, remaining := range sessions {
		if remaining.clientID == departing.clientID {
			lastSession = false
			break
		}
	}
	if len(sessions) == 0 {
		delete(registry.rooms, roomID)
	}
	return Departure{ClientID: departing.clientID, LastSession: lastSession}, true
}

// Broadcast delivers the message to local sessions and, when configured, to the relay.
// Relay failures are logged and do not affect local delivery.
func (registry *Registry) Broadcast(ctx context.Context, message Message) {
	registry.Deliver(message)
	if registry.relay == nil {
		return
	}
	if err := registry.relay.Publish(ctx, message); err != nil {
		registry.logger.Warn("room broadcast relay failed",
			zap.String("room_id", message.RoomID.String()),
			zap.String("message_type", message.Type),
			zap.Error(err))
	}
}

// Deliver fans the message out to local sessions only and reports how many received it.
// Sessions whose buffer is full miss the message.
func (registry *Registry) Deliver(message Message) int {
	if message.Type == "" {
		return 0
	}
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	delivered := 0
	for sessionID, attached := range registry.rooms[message.RoomID] {
		if sessionID == message.ExcludeSession {
			continue
		}
		select {
		case attached.stream <- message:
			delivered++
		default:
			registry.logger.Debug("room session buffer full",
				zap.String("room_id", message.RoomID.String()),
				zap.String("session_id", sessionID))
		}
	}
	return delivered
}

// ClientSessions counts the client's attached sessions in the room.
func (registry *Registry) ClientSessions(roomID eventlog.RoomID, clientID eventlog.ClientID) int {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	count := 0
	for _, attached := range registry.rooms[roomID] {
		if attached.clientID == clientID {
			count++
		}
	}
	return count
}

// Members lists the distinct clients attached to the room, ordered by id.
func (registry *Registry) Members(roomID eventlog.RoomID) []eventlog.ClientID {
	registry.mu.RLock()
	seen := make(map[eventlog.ClientID]struct{})
	for _, attached := range registry.rooms[roomID] {
		seen[attached.clientID] = struct{}{}
	}
	registry.mu.RUnlock()

	members := make([]eventlog.ClientID, 0, len(seen))
	for clientID := range seen {
		members = append(members, clientID)
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	return members
}

func newUUIDv7() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
