package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/roomsync/internal/auth"
	"github.com/MarcoPoloResearchLab/roomsync/internal/eventlog"
	"github.com/MarcoPoloResearchLab/roomsync/internal/rooms"
)

const (
	frameSubmit         = "submit"
	frameFetchSince     = "fetch_since"
	frameFetchSnapshot  = "fetch_snapshot"
	frameUpdatePresence = "update_presence"
	frameFetchPresence  = "fetch_presence"
	frameFetchCursor    = "fetch_cursor"
	frameLeave          = "leave"
	frameReply          = "reply"
	frameWelcome        = "welcome"

	streamWriteTimeout = 10 * time.Second
	streamPongTimeout  = 60 * time.Second
	streamPingInterval = 25 * time.Second
	streamReplyBuffer  = 16
	streamReadLimit    = 1 << 20
)

var errUnknownFrameType = errors.New("unknown frame type")

type streamRequestFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	ClientSeq int64           `json:"client_seq,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Since     int64           `json:"since,omitempty"`
	Presence  json.RawMessage `json:"presence,omitempty"`
	ClientID  string          `json:"client_id,omitempty"`
}

type streamReplyFrame struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id,omitempty"`
	OK        bool           `json:"ok"`
	Result    any            `json:"result,omitempty"`
	Error     *errorResponse `json:"error,omitempty"`
}

type streamPushFrame struct {
	Type     string          `json:"type"`
	ClientID string          `json:"client_id,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

type streamWelcomeFrame struct {
	Type      string   `json:"type"`
	SessionID string   `json:"session_id"`
	RoomID    string   `json:"room_id"`
	ClientID  string   `json:"client_id"`
	Members   []string `json:"members"`
}

func (h *httpHandler) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
}

func (h *httpHandler) checkOrigin(r *http.Request) bool {
	if len(h.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range h.allowedOrigins {
		if strings.EqualFold(strings.TrimSuffix(allowed, "/"), parsed.Scheme+"://"+parsed.Host) {
			return true
		}
	}
	return false
}

// handleStream attaches a websocket session to the room. Requests are answered in order on the
// same socket; room broadcasts are pushed between replies.
func (h *httpHandler) handleStream(c *gin.Context) {
	identity, ok := h.requireIdentity(c)
	if !ok {
		return
	}
	conn, err := h.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("stream upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// The request context outlives the loops below; detachStream runs before it ends.
	subscription, _, err := h.registry.Join(c.Request.Context(), identity.RoomID, identity.ClientID)
	if err != nil {
		h.logger.Error("stream join failed", zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "join failed"),
			time.Now().Add(streamWriteTimeout))
		return
	}
	logger := h.logger.With(
		zap.String("room_id", identity.RoomID.String()),
		zap.String("client_id", identity.ClientID.String()),
		zap.String("session_id", subscription.SessionID))
	logger.Debug("stream attached")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	replies := make(chan any, streamReplyBuffer)
	replies <- streamWelcomeFrame{
		Type:      frameWelcome,
		SessionID: subscription.SessionID,
		RoomID:    identity.RoomID.String(),
		ClientID:  identity.ClientID.String(),
		Members:   memberNames(h.registry.Members(identity.RoomID)),
	}
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeStream(ctx, conn, subscription, replies, logger)
	}()

	h.readStream(ctx, conn, identity, subscription.SessionID, replies, logger)
	cancel()
	<-writerDone
	h.detachStream(identity, subscription.SessionID, logger)
}

func (h *httpHandler) readStream(ctx context.Context, conn *websocket.Conn, identity auth.Identity, sessionID string, replies chan<- any, logger *zap.Logger) {
	conn.SetReadLimit(streamReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongTimeout))
	})

	for {
		var frame streamRequestFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info("stream closed unexpectedly", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(streamPongTimeout))

		reply := h.dispatchFrame(ctx, identity, sessionID, frame)
		select {
		case replies <- reply:
		case <-ctx.Done():
			return
		}
		if frame.Type == frameLeave && reply.OK {
			return
		}
	}
}

func (h *httpHandler) dispatchFrame(ctx context.Context, identity auth.Identity, sessionID string, frame streamRequestFrame) streamReplyFrame {
	var (
		result any
		err    error
	)
	switch frame.Type {
	case frameSubmit:
		result, err = h.submit(ctx, identity, sessionID, submitRequestPayload{ClientSeq: frame.ClientSeq, Payload: frame.Payload})
	case frameFetchSince:
		result, err = h.querySince(ctx, identity.RoomID, frame.Since)
	case frameFetchSnapshot:
		result, err = h.fetchSnapshot(ctx, identity.RoomID)
	case frameUpdatePresence:
		err = h.updatePresence(ctx, identity, sessionID, frame.Presence)
	case frameFetchPresence:
		result, err = h.fetchPresence(ctx, identity.RoomID, frame.ClientID)
	case frameFetchCursor:
		result, err = h.cursor(ctx, identity)
	case frameLeave:
		result, err = h.leave(ctx, identity, sessionID)
	default:
		return streamReplyFrame{
			Type:      frameReply,
			RequestID: frame.RequestID,
			Error:     &errorResponse{Error: errorInvalidRequest, Code: errUnknownFrameType.Error()},
		}
	}
	if err != nil {
		_, response := classifyError(err)
		return streamReplyFrame{Type: frameReply, RequestID: frame.RequestID, Error: &response}
	}
	return streamReplyFrame{Type: frameReply, RequestID: frame.RequestID, OK: true, Result: result}
}

func (h *httpHandler) writeStream(ctx context.Context, conn *websocket.Conn, subscription rooms.Subscription, replies <-chan any, logger *zap.Logger) {
	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	write := func(frame any) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		if err := conn.WriteJSON(frame); err != nil {
			logger.Debug("stream write failed", zap.Error(err))
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			drainReplies(replies, write)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(streamWriteTimeout))
			return
		case reply := <-replies:
			if !write(reply) {
				_ = conn.Close()
				return
			}
		case message, open := <-subscription.Messages:
			if !open {
				return
			}
			if !write(streamPushFrame{Type: message.Type, ClientID: message.ClientID.String(), Data: message.Body}) {
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout)); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func memberNames(members []eventlog.ClientID) []string {
	names := make([]string, 0, len(members))
	for _, member := range members {
		names = append(names, member.String())
	}
	return names
}

func drainReplies(replies <-chan any, write func(any) bool) {
	for {
		select {
		case reply := <-replies:
			if !write(reply) {
				return
			}
		default:
			return
		}
	}
}

// detachStream removes the session; closing a client's last socket in a room forgets its cursor.
func (h *httpHandler) detachStream(identity auth.Identity, sessionID string, logger *zap.Logger) {
	departure, left := h.registry.Leave(identity.RoomID, sessionID)
	if !left || !departure.LastSession {
		logger.Debug("stream detached")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), streamWriteTimeout)
	defer cancel()
	if _, err := h.leave(ctx, identity, sessionID); err != nil {
		logger.Warn("stream disconnect cleanup failed", zap.Error(err))
		return
	}
	logger.Debug("stream detached", zap.Bool("forgotten", true))
}
