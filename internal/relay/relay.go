package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/atelierhq/atelier-collab/internal/auth"
	"github.com/atelierhq/atelier-collab/internal/ident"
	"github.com/atelierhq/atelier-collab/internal/notify"
	"github.com/atelierhq/atelier-collab/internal/scene"
	"github.com/atelierhq/atelier-collab/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var (
	errMissingStore      = errors.New("scene store is required")
	errMissingRegistry   = errors.New("session registry is required")
	errMissingValidator  = errors.New("token validator is required")
	errMissingIDProvider = errors.New("id provider is required")
)

// TokenValidator checks the token presented on the websocket handshake.
type TokenValidator interface {
	ValidateToken(token string) (auth.Claims, error)
}

// Config describes the dependencies of the relay.
type Config struct {
	Store         *scene.Store
	Sessions      *session.Registry
	Tokens        TokenValidator
	Notifications *notify.Dispatcher
	IDProvider    ident.Provider
	Logger        *zap.Logger
}

// Relay upgrades authenticated connections to websockets and moves scene
// deltas, presence events, and notifications between them.
type Relay struct {
	store         *scene.Store
	sessions      *session.Registry
	tokens        TokenValidator
	notifications *notify.Dispatcher
	idProvider    ident.Provider
	logger        *zap.Logger
	upgrader      websocket.Upgrader
}

// NewRelay validates the configuration and returns a Relay.
func NewRelay(cfg Config) (*Relay, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Sessions == nil {
		return nil, errMissingRegistry
	}
	if cfg.Tokens == nil {
		return nil, errMissingValidator
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		store:         cfg.Store,
		sessions:      cfg.Sessions,
		tokens:        cfg.Tokens,
		notifications: cfg.Notifications,
		idProvider:    cfg.IDProvider,
		logger:        logger,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			// The query token is the authentication gate; origins are
			// not restricted.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

// HandleConnection authenticates the handshake, upgrades it, and runs the
// connection's read loop until the client disconnects or is aborted.
func (r *Relay) HandleConnection(c *gin.Context) {
	claims, err := r.tokens.ValidateToken(c.Query("token"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
		return
	}

	conn, err := r.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed",
			zap.String("operation", "relay.connect"),
			zap.Error(err))
		return
	}

	connectionID, err := r.idProvider.NewID()
	if err != nil {
		r.logger.Error("connection id generation failed",
			zap.String("operation", "relay.connect"),
			zap.Error(err))
		_ = conn.Close()
		return
	}

	sess, err := r.sessions.Register(session.RegisterConfig{
		ConnectionID: connectionID,
		UserID:       claims.UserID,
		DisplayName:  claims.DisplayName,
		Abort:        func() { _ = conn.Close() },
	})
	if err != nil {
		r.logger.Error("session registration failed",
			zap.String("operation", "relay.connect"),
			zap.String("connection_id", connectionID),
			zap.Error(err))
		_ = conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	var notifStream <-chan notify.Message
	if r.notifications != nil {
		stream, cleanup := r.notifications.Subscribe(ctx, claims.UserID)
		defer cleanup()
		notifStream = stream
	}

	client := &client{
		relay:   r,
		conn:    conn,
		sess:    sess,
		handles: make(map[string]*scene.Handle),
	}

	r.logger.Info("connection established",
		zap.String("connection_id", connectionID),
		zap.String("user_id", claims.UserID))

	go client.writePump(ctx, notifStream)
	client.readPump(ctx)
	client.teardown(cancel)
}

// client is the per-connection state. The handles map is owned by the read
// loop and must not be touched from other goroutines.
type client struct {
	relay   *Relay
	conn    *websocket.Conn
	sess    *session.Session
	handles map[string]*scene.Handle
}

func (c *client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var envelope Envelope
		if err := json.Unmarshal(raw, &envelope); err != nil {
			c.sendError("malformed_envelope", "message is not a valid event envelope")
			continue
		}
		c.dispatch(ctx, envelope)
	}
}

func (c *client) dispatch(ctx context.Context, envelope Envelope) {
	switch envelope.Event {
	case EventJoin:
		c.handleJoin(ctx, envelope.Data)
	case EventLeave:
		c.handleLeave(envelope.Data)
	case EventUpdate:
		c.handleUpdate(envelope.Data)
	case EventCursorMove:
		c.handleCursorMove(envelope.Data)
	case EventSelectionChange:
		c.handleSelectionChange(envelope.Data)
	case EventTypingStart:
		c.handleTyping(envelope.Data, EventTypingStarted)
	case EventTypingStop:
		c.handleTyping(envelope.Data, EventTypingStopped)
	default:
		c.sendError("unknown_event", "unrecognized event type")
	}
}

func (c *client) handleJoin(ctx context.Context, data json.RawMessage) {
	var payload RoomPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.sendError("malformed_payload", "join payload is invalid")
		return
	}
	docID, err := scene.NewDocumentID(payload.RoomID)
	if err != nil {
		c.sendError("invalid_room", "room id is invalid")
		return
	}
	roomID := docID.String()

	handle, held := c.handles[roomID]
	if !held {
		handle, err = c.relay.store.GetOrCreate(ctx, docID)
		if err != nil {
			c.relay.logger.Error("document attach failed",
				zap.String("operation", "relay.join"),
				zap.String("doc_id", roomID),
				zap.Error(err))
			c.sendError("document_unavailable", "scene document could not be loaded")
			return
		}
		c.handles[roomID] = handle
	}

	newlyJoined, err := c.relay.sessions.Join(c.sess.ConnectionID(), roomID)
	if err != nil {
		c.sendError("join_failed", "session is no longer registered")
		return
	}

	// The joining session learns the current roster, then receives the
	// complete scene state as its sync base.
	for _, member := range c.relay.sessions.Members(roomID) {
		if member.ConnectionID() == c.sess.ConnectionID() {
			continue
		}
		c.sendEvent(EventUserJoined, PresencePayload{
			RoomID:      roomID,
			UserID:      member.UserID(),
			DisplayName: member.DisplayName(),
			Color:       member.PresenceColor(),
		}, false)
	}
	state := handle.Document().EncodeFullState()
	c.sendEvent(EventSyncInitial, SyncInitialPayload{
		RoomID: roomID,
		State:  base64.StdEncoding.EncodeToString(state),
	}, false)

	// A re-join only refreshes the joining side; peers already saw the
	// arrival and never saw a departure.
	if newlyJoined {
		c.broadcast(roomID, EventUserJoined, PresencePayload{
			RoomID:      roomID,
			UserID:      c.sess.UserID(),
			DisplayName: c.sess.DisplayName(),
			Color:       c.sess.PresenceColor(),
		}, false)
	}
}

func (c *client) handleLeave(data json.RawMessage) {
	var payload RoomPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.sendError("malformed_payload", "leave payload is invalid")
		return
	}
	roomID := payload.RoomID
	if !c.relay.sessions.Leave(c.sess.ConnectionID(), roomID) {
		return
	}
	if handle, ok := c.handles[roomID]; ok {
		handle.Release()
		delete(c.handles, roomID)
	}
	c.broadcast(roomID, EventUserLeft, UserLeftPayload{
		RoomID: roomID,
		UserID: c.sess.UserID(),
	}, false)
}

func (c *client) handleUpdate(data json.RawMessage) {
	var payload UpdatePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.sendError("malformed_payload", "update payload is invalid")
		return
	}
	handle, ok := c.handles[payload.RoomID]
	if !ok {
		c.sendError("not_joined", "join the room before sending updates")
		return
	}
	delta, err := base64.StdEncoding.DecodeString(payload.Delta)
	if err != nil {
		c.sendError("malformed_delta", "delta is not valid base64")
		return
	}
	if err := handle.Document().ApplyRemoteDelta(delta); err != nil {
		c.relay.logger.Warn("malformed delta dropped",
			zap.String("operation", "relay.update"),
			zap.String("doc_id", payload.RoomID),
			zap.String("user_id", c.sess.UserID()),
			zap.Error(err))
		c.sendError("malformed_delta", "delta could not be applied")
		return
	}
	c.broadcast(payload.RoomID, EventUpdate, ServerUpdatePayload{
		RoomID: payload.RoomID,
		UserID: c.sess.UserID(),
		Delta:  payload.Delta,
	}, false)
}

func (c *client) handleCursorMove(data json.RawMessage) {
	var payload CursorPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.sendError("malformed_payload", "cursor payload is invalid")
		return
	}
	if !c.relay.sessions.Joined(c.sess.ConnectionID(), payload.RoomID) {
		return
	}
	c.broadcast(payload.RoomID, EventCursorUpdate, CursorUpdatePayload{
		RoomID:      payload.RoomID,
		UserID:      c.sess.UserID(),
		DisplayName: c.sess.DisplayName(),
		Color:       c.sess.PresenceColor(),
		X:           payload.X,
		Y:           payload.Y,
		Page:        payload.Page,
	}, true)
}

func (c *client) handleSelectionChange(data json.RawMessage) {
	var payload SelectionPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.sendError("malformed_payload", "selection payload is invalid")
		return
	}
	if !c.relay.sessions.Joined(c.sess.ConnectionID(), payload.RoomID) {
		return
	}
	c.broadcast(payload.RoomID, EventSelectionUpdate, SelectionUpdatePayload{
		RoomID:    payload.RoomID,
		UserID:    c.sess.UserID(),
		ObjectIDs: payload.ObjectIDs,
	}, true)
}

func (c *client) handleTyping(data json.RawMessage, outEvent string) {
	var payload TypingPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.sendError("malformed_payload", "typing payload is invalid")
		return
	}
	if !c.relay.sessions.Joined(c.sess.ConnectionID(), payload.RoomID) {
		return
	}
	typingContext := payload.Context
	if outEvent == EventTypingStopped {
		typingContext = ""
	}
	c.broadcast(payload.RoomID, outEvent, TypingUpdatePayload{
		RoomID:  payload.RoomID,
		UserID:  c.sess.UserID(),
		Context: typingContext,
	}, true)
}

// teardown runs after the read loop exits, in the same goroutine that owned
// the handles map.
func (c *client) teardown(cancel context.CancelFunc) {
	roomIDs := c.relay.sessions.Unregister(c.sess.ConnectionID())
	for _, roomID := range roomIDs {
		c.broadcast(roomID, EventUserLeft, UserLeftPayload{
			RoomID: roomID,
			UserID: c.sess.UserID(),
		}, false)
	}
	for _, handle := range c.handles {
		handle.Release()
	}
	cancel()
	_ = c.conn.Close()

	c.relay.logger.Info("connection closed",
		zap.String("connection_id", c.sess.ConnectionID()),
		zap.String("user_id", c.sess.UserID()))
}

// sendEvent enqueues an event for this session only.
func (c *client) sendEvent(event string, payload any, droppable bool) {
	raw, err := marshalEvent(event, payload)
	if err != nil {
		c.relay.logger.Error("event encoding failed",
			zap.String("operation", "relay.send"),
			zap.String("event", event),
			zap.Error(err))
		return
	}
	c.sess.Deliver(session.Frame{Payload: raw, Droppable: droppable})
}

// broadcast fans an event out to every other member of the room.
func (c *client) broadcast(roomID, event string, payload any, droppable bool) {
	raw, err := marshalEvent(event, payload)
	if err != nil {
		c.relay.logger.Error("event encoding failed",
			zap.String("operation", "relay.broadcast"),
			zap.String("event", event),
			zap.Error(err))
		return
	}
	c.relay.sessions.Broadcast(roomID, c.sess.ConnectionID(), session.Frame{
		Payload:   raw,
		Droppable: droppable,
	})
}

func (c *client) sendError(code, message string) {
	c.sendEvent(EventError, ErrorPayload{Code: code, Message: message}, true)
}

// writePump is the single writer for the connection. It drains the session
// stream and the notification stream, and keeps the connection alive with
// pings.
func (c *client) writePump(ctx context.Context, notifications <-chan notify.Message) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.sess.Stream():
			if !c.write(websocket.TextMessage, frame.Payload) {
				return
			}
		case message, ok := <-notifications:
			if !ok {
				notifications = nil
				continue
			}
			raw, err := marshalEvent(EventNotification, NotificationPayload{
				NotificationID:   message.NotificationID,
				Type:             message.Type,
				Title:            message.Title,
				Body:             message.Body,
				Link:             message.Link,
				CreatedAtSeconds: message.CreatedAt.Unix(),
			})
			if err != nil {
				continue
			}
			if !c.write(websocket.TextMessage, raw) {
				return
			}
		case <-ticker.C:
			if !c.write(websocket.PingMessage, nil) {
				return
			}
		case <-ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *client) write(messageType int, payload []byte) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(messageType, payload); err != nil {
		c.sess.Abort()
		return false
	}
	return true
}
