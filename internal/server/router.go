package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/roomsync/internal/auth"
	"github.com/MarcoPoloResearchLab/roomsync/internal/eventlog"
	"github.com/MarcoPoloResearchLab/roomsync/internal/rooms"
	"github.com/MarcoPoloResearchLab/roomsync/internal/snapshot"
	"github.com/MarcoPoloResearchLab/roomsync/internal/syncengine"
)

const (
	identityContextKey = "roomsync_identity"
	roomIDParam        = "room_id"
	tokenTypeBearer    = "Bearer"
)

var (
	errMissingEngine    = errors.New("sync engine dependency required")
	errMissingSnapshots = errors.New("snapshot cache dependency required")
	errMissingRegistry  = errors.New("room registry dependency required")
	errMissingIssuer    = errors.New("session token issuer dependency required")
	errMissingValidator = errors.New("session token validator dependency required")
)

// SyncEngine orders, stores and replays room events.
type SyncEngine interface {
	Submit(ctx context.Context, request syncengine.SubmitRequest) (syncengine.SubmitOutcome, error)
	Query(ctx context.Context, roomID eventlog.RoomID, since eventlog.LogPosition) ([]eventlog.Event, error)
	Cursor(ctx context.Context, roomID eventlog.RoomID, clientID eventlog.ClientID) (eventlog.ClientSeq, error)
	Forget(ctx context.Context, roomID eventlog.RoomID, clientID eventlog.ClientID) (bool, error)
	UpdatePresence(ctx context.Context, roomID eventlog.RoomID, clientID eventlog.ClientID, presence eventlog.Presence) error
	FetchPresence(ctx context.Context, roomID eventlog.RoomID, clientID eventlog.ClientID) (eventlog.ClientPresence, bool, error)
	ListPresence(ctx context.Context, roomID eventlog.RoomID) ([]eventlog.ClientPresence, error)
	Head(ctx context.Context, roomID eventlog.RoomID) (eventlog.LogPosition, error)
}

// SnapshotReader serves folded room state.
type SnapshotReader interface {
	Get(ctx context.Context, roomID eventlog.RoomID) (snapshot.Snapshot, error)
	Invalidate(roomID eventlog.RoomID)
}

// SessionIssuer issues session tokens.
type SessionIssuer interface {
	IssueSessionToken(ctx context.Context, identity auth.Identity) (string, int64, error)
}

// SessionValidator validates session tokens.
type SessionValidator interface {
	ValidateToken(token string) (auth.Identity, error)
}

// Dependencies wires the HTTP surface to the room services.
type Dependencies struct {
	Engine         SyncEngine
	Snapshots      SnapshotReader
	Registry       *rooms.Registry
	Issuer         SessionIssuer
	Validator      SessionValidator
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router serving the room API and stream.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Snapshots == nil {
		return nil, errMissingSnapshots
	}
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}
	if deps.Issuer == nil {
		return nil, errMissingIssuer
	}
	if deps.Validator == nil {
		return nil, errMissingValidator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		engine:         deps.Engine,
		snapshots:      deps.Snapshots,
		registry:       deps.Registry,
		issuer:         deps.Issuer,
		validator:      deps.Validator,
		allowedOrigins: deps.AllowedOrigins,
		logger:         logger,
	}

	router.POST("/sessions", handler.handleCreateSession)

	room := router.Group("/rooms/:" + roomIDParam)
	room.Use(handler.authorizeRequest)
	room.POST("/events", handler.handleSubmitEvent)
	room.GET("/events", handler.handleQueryEvents)
	room.GET("/snapshot", handler.handleFetchSnapshot)
	room.PUT("/presence", handler.handleUpdatePresence)
	room.GET("/presence", handler.handleFetchPresence)
	room.GET("/cursor", handler.handleFetchCursor)
	room.DELETE("/membership", handler.handleLeaveRoom)
	room.GET("/stream", handler.handleStream)

	return router, nil
}

type httpHandler struct {
	engine         SyncEngine
	snapshots      SnapshotReader
	registry       *rooms.Registry
	issuer         SessionIssuer
	validator      SessionValidator
	allowedOrigins []string
	logger         *zap.Logger
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = allowedOrigins
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}

type sessionRequestPayload struct {
	RoomID   string `json:"room_id"`
	ClientID string `json:"client_id"`
}

type sessionResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	RoomID      string `json:"room_id"`
	ClientID    string `json:"client_id"`
}

func (h *httpHandler) handleCreateSession(c *gin.Context) {
	var request sessionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: errorInvalidRequest})
		return
	}
	roomID, err := eventlog.NewRoomID(request.RoomID)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: errorInvalidRequest})
		return
	}
	clientID, err := eventlog.NewClientID(request.ClientID)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: errorInvalidRequest})
		return
	}

	identity := auth.Identity{RoomID: roomID, ClientID: clientID}
	token, expiresIn, err := h.issuer.IssueSessionToken(c.Request.Context(), identity)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: errorTokenIssueFailed})
		return
	}

	c.JSON(http.StatusOK, sessionResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   tokenTypeBearer,
		RoomID:      roomID.String(),
		ClientID:    clientID.String(),
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := auth.RequestToken(c.Request)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: errorUnauthorized})
		return
	}
	identity, err := h.validator.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: errorUnauthorized})
		return
	}
	if identity.RoomID.String() != c.Param(roomIDParam) {
		c.AbortWithStatusJSON(http.StatusForbidden, errorResponse{Error: errorRoomMismatch})
		return
	}
	c.Set(identityContextKey, identity)
	c.Next()
}

func identityFromContext(c *gin.Context) (auth.Identity, bool) {
	value, ok := c.Get(identityContextKey)
	if !ok {
		return auth.Identity{}, false
	}
	identity, ok := value.(auth.Identity)
	return identity, ok
}

func (h *httpHandler) writeError(c *gin.Context, err error) {
	status, response := classifyError(err)
	c.JSON(status, response)
}
