package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/roomsync/internal/eventlog"
)

const defaultChannelPrefix = "roomsync"

var (
	errMissingRedisClient = errors.New("rooms: redis client is required")
	errMissingNodeID      = errors.New("rooms: relay node id is required")
)

// Deliverer receives messages published by other nodes.
type Deliverer interface {
	Deliver(message Message) int
}

// RedisRelayConfig configures a RedisRelay.
type RedisRelayConfig struct {
	Client        redis.UniversalClient
	ChannelPrefix string
	NodeID        string
	Logger        *zap.Logger
}

// RedisRelay mirrors room broadcasts across nodes through Redis pub/sub.
type RedisRelay struct {
	client        redis.UniversalClient
	channelPrefix string
	nodeID        string
	logger        *zap.Logger
}

type relayEnvelope struct {
	NodeID         string          `json:"node_id"`
	RoomID         string          `json:"room_id"`
	Type           string          `json:"type"`
	ClientID       string          `json:"client_id,omitempty"`
	ExcludeSession string          `json:"exclude_session,omitempty"`
	Body           json.RawMessage `json:"body,omitempty"`
}

// NewRedisRelay validates the configuration and builds a relay.
func NewRedisRelay(cfg RedisRelayConfig) (*RedisRelay, error) {
	if cfg.Client == nil {
		return nil, errMissingRedisClient
	}
	if strings.TrimSpace(cfg.NodeID) == "" {
		return nil, errMissingNodeID
	}
	prefix := strings.TrimSpace(cfg.ChannelPrefix)
	if prefix == "" {
		prefix = defaultChannelPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRelay{
		client:        cfg.Client,
		channelPrefix: prefix,
		nodeID:        cfg.NodeID,
		logger:        logger,
	}, nil
}

// Channel returns the pub/sub channel of a room.
func (relay *RedisRelay) Channel(roomID eventlog.RoomID) string {
	return relay.channelPrefix + ":" + roomID.String()
}

// Publish sends the message to every other node.
func (relay *RedisRelay) Publish(ctx context.Context, message Message) error {
	encoded, err := json.Marshal(relayEnvelope{
		NodeID:         relay.nodeID,
		RoomID:         message.RoomID.String(),
		Type:           message.Type,
		ClientID:       message.ClientID.String(),
		ExcludeSession: message.ExcludeSession,
		Body:           message.Body,
	})
	if err != nil {
		return err
	}
	return relay.client.Publish(ctx, relay.Channel(message.RoomID), encoded).Err()
}

// Run delivers messages published by other nodes until ctx ends.
func (relay *RedisRelay) Run(ctx context.Context, target Deliverer) error {
	pubsub := relay.client.PSubscribe(ctx, relay.channelPrefix+":*")
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case received, ok := <-messages:
			if !ok {
				return nil
			}
			message, remote := relay.decode(received.Payload)
			if !remote {
				continue
			}
			target.Deliver(message)
		}
	}
}

func (relay *RedisRelay) decode(payload string) (Message, bool) {
	var envelope relayEnvelope
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		relay.logger.Warn("room relay message discarded", zap.Error(err))
		return Message{}, false
	}
	if envelope.NodeID == relay.nodeID || envelope.RoomID == "" || envelope.Type == "" {
		return Message{}, false
	}
	return Message{
		RoomID:         eventlog.RoomID(envelope.RoomID),
		Type:           envelope.Type,
		ClientID:       eventlog.ClientID(envelope.ClientID),
		ExcludeSession: envelope.ExcludeSession,
		Body:           envelope.Body,
	}, true
}
