package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/access"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/documents"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/metrics"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/rooms"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/telemetry"
	"github.com/gorilla/websocket"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Application close codes sent before the server drops a connection.
const (
	CloseUnauthenticated = 4401
	CloseForbidden       = 4403
	CloseInvalidRoom     = 4400
)

const (
	defaultMessagesPerSecond = 50
	defaultBurst             = 100
	defaultMaxMessageBytes   = 1 << 20
	defaultSendBuffer        = 256

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var (
	errMissingDocuments = errors.New("realtime: document source is required")
	errMissingVerifier  = errors.New("realtime: verifier is required")
	errMissingAccess    = errors.New("realtime: access policy is required")
)

// DocumentSource hands out live documents.
type DocumentSource interface {
	Acquire(ctx context.Context, resolution rooms.Resolution) (*documents.Document, error)
}

// CredentialVerifier authenticates the handshake token.
type CredentialVerifier interface {
	VerifyCredential(token string) (auth.Identity, error)
}

// AccessPolicy resolves the level of a user in a room.
type AccessPolicy interface {
	LevelFor(ctx context.Context, identity auth.Identity, roomID string) (access.Level, error)
}

// HubConfig wires the hub's collaborators.
type HubConfig struct {
	Documents         DocumentSource
	Verifier          CredentialVerifier
	Access            AccessPolicy
	Logger            *zap.Logger
	Metrics           *metrics.Metrics
	MessagesPerSecond float64
	Burst             int
	MaxMessageBytes   int64
	SendBuffer        int
	CheckOrigin       func(r *http.Request) bool
}

// Hub accepts websocket connections and tracks the participants of every room.
type Hub struct {
	documents         DocumentSource
	verifier          CredentialVerifier
	access            AccessPolicy
	logger            *zap.Logger
	metrics           *metrics.Metrics
	messagesPerSecond float64
	burst             int
	maxMessageBytes   int64
	sendBuffer        int
	upgrader          websocket.Upgrader

	mu       sync.RWMutex
	rooms    map[string]map[*Session]struct{}
	presence map[string]map[*Session]json.RawMessage
	closed   bool
}

// NewHub constructs a Hub.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Documents == nil {
		return nil, errMissingDocuments
	}
	if cfg.Verifier == nil {
		return nil, errMissingVerifier
	}
	if cfg.Access == nil {
		return nil, errMissingAccess
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	messagesPerSecond := cfg.MessagesPerSecond
	if messagesPerSecond <= 0 {
		messagesPerSecond = defaultMessagesPerSecond
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	maxMessageBytes := cfg.MaxMessageBytes
	if maxMessageBytes <= 0 {
		maxMessageBytes = defaultMaxMessageBytes
	}
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		documents:         cfg.Documents,
		verifier:          cfg.Verifier,
		access:            cfg.Access,
		logger:            logger,
		metrics:           cfg.Metrics,
		messagesPerSecond: messagesPerSecond,
		burst:             burst,
		maxMessageBytes:   maxMessageBytes,
		sendBuffer:        sendBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		rooms:    make(map[string]map[*Session]struct{}),
		presence: make(map[string]map[*Session]json.RawMessage),
	}, nil
}

// ServeRoom upgrades the request and runs the connection until it closes.
// Authentication and room checks happen before the document is touched; failures
// are reported to the client as close codes.
func (hub *Hub) ServeRoom(w http.ResponseWriter, r *http.Request, roomKey string) {
	session := hub.accept(w, r, roomKey)
	if session == nil {
		return
	}
	hub.run(session)
}

func (hub *Hub) accept(w http.ResponseWriter, r *http.Request, roomKey string) *Session {
	ctx, span := telemetry.StartSpan(r.Context(), "realtime.connect", attribute.String("room.key", roomKey))
	defer span.End()

	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		telemetry.AddSpanError(ctx, err)
		hub.logger.Warn("websocket upgrade failed", zap.String("room_key", roomKey), zap.Error(err))
		return nil
	}

	identity, err := hub.verifier.VerifyCredential(auth.ExtractToken(r))
	if err != nil {
		telemetry.AddSpanError(ctx, err)
		hub.reject(conn, CloseUnauthenticated, "authentication required", err)
		return nil
	}
	resolution, err := rooms.Resolve(roomKey)
	if err != nil {
		telemetry.AddSpanError(ctx, err)
		hub.reject(conn, CloseInvalidRoom, "invalid room", err)
		return nil
	}
	level, err := hub.access.LevelFor(ctx, identity, resolution.StorageKey)
	if err != nil {
		telemetry.AddSpanError(ctx, err)
		hub.reject(conn, websocket.CloseInternalServerErr, "access lookup failed", err)
		return nil
	}
	if !level.CanRead() {
		hub.reject(conn, CloseForbidden, "access denied", access.ErrAccessDenied)
		return nil
	}

	document, err := hub.documents.Acquire(ctx, resolution)
	if err != nil {
		telemetry.AddSpanError(ctx, err)
		hub.reject(conn, websocket.CloseInternalServerErr, "document unavailable", err)
		return nil
	}
	return newSession(hub, conn, identity, document, level.CanEdit())
}

// Participants returns the connections currently in the room, oldest first.
func (hub *Hub) Participants(storageKey string) []Participant {
	hub.mu.RLock()
	participants := make([]Participant, 0, len(hub.rooms[storageKey]))
	for session := range hub.rooms[storageKey] {
		participants = append(participants, session.participant())
	}
	hub.mu.RUnlock()
	sort.Slice(participants, func(i, j int) bool { return participants[i].SessionID < participants[j].SessionID })
	return participants
}

// Close disconnects every session and refuses new ones.
func (hub *Hub) Close() {
	hub.mu.Lock()
	hub.closed = true
	sessions := make([]*Session, 0)
	for _, members := range hub.rooms {
		for session := range members {
			sessions = append(sessions, session)
		}
	}
	hub.mu.Unlock()
	for _, session := range sessions {
		session.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}

func (hub *Hub) run(session *Session) {
	if !hub.join(session) {
		session.closeWith(websocket.CloseGoingAway, "server shutting down")
		return
	}
	hub.metrics.ConnectionOpened()
	hub.logger.Info("participant joined",
		zap.String("session_id", session.id),
		zap.String("room_id", session.document.StorageKey()),
		zap.String("user_id", session.identity.UserID),
		zap.Bool("can_edit", session.canEdit))

	session.document.Subscribe(session)
	go session.writePump()
	session.sendInitialState(hub.siblingsOf(session))
	session.readPump()

	remaining := session.document.Unsubscribe(session)
	hub.leave(session)
	hub.metrics.ConnectionClosed()
	hub.logger.Info("participant left",
		zap.String("session_id", session.id),
		zap.String("room_id", session.document.StorageKey()),
		zap.Int("remaining_subscribers", remaining))
}

func (hub *Hub) join(session *Session) bool {
	storageKey := session.document.StorageKey()
	hub.mu.Lock()
	if hub.closed {
		hub.mu.Unlock()
		return false
	}
	members, ok := hub.rooms[storageKey]
	if !ok {
		members = make(map[*Session]struct{})
		hub.rooms[storageKey] = members
	}
	members[session] = struct{}{}
	hub.mu.Unlock()

	hub.broadcast(session, FrameJoin, session.participant())
	return true
}

func (hub *Hub) leave(session *Session) {
	storageKey := session.document.StorageKey()
	hub.mu.Lock()
	if members, ok := hub.rooms[storageKey]; ok {
		delete(members, session)
		if len(members) == 0 {
			delete(hub.rooms, storageKey)
		}
	}
	if states, ok := hub.presence[storageKey]; ok {
		delete(states, session)
		if len(states) == 0 {
			delete(hub.presence, storageKey)
		}
	}
	hub.mu.Unlock()

	hub.broadcast(session, FrameLeave, session.participant())
}

// updatePresence records the session's awareness state and relays it to siblings.
func (hub *Hub) updatePresence(session *Session, state json.RawMessage) {
	storageKey := session.document.StorageKey()
	hub.mu.Lock()
	states, ok := hub.presence[storageKey]
	if !ok {
		states = make(map[*Session]json.RawMessage)
		hub.presence[storageKey] = states
	}
	states[session] = append(json.RawMessage(nil), state...)
	hub.mu.Unlock()

	hub.broadcast(session, FramePresence, PresenceMessage{Participant: session.participant(), State: state})
}

type siblingState struct {
	participant Participant
	presence    json.RawMessage
}

func (hub *Hub) siblingsOf(session *Session) []siblingState {
	storageKey := session.document.StorageKey()
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	siblings := make([]siblingState, 0, len(hub.rooms[storageKey]))
	for member := range hub.rooms[storageKey] {
		if member == session {
			continue
		}
		siblings = append(siblings, siblingState{
			participant: member.participant(),
			presence:    hub.presence[storageKey][member],
		})
	}
	return siblings
}

// broadcast sends a frame to every session of the sender's room except the sender.
func (hub *Hub) broadcast(sender *Session, frameType FrameType, payload any) {
	frame, err := EncodeFrame(frameType, payload)
	if err != nil {
		hub.logger.Error("failed to encode frame", zap.Stringer("frame_type", frameType), zap.Error(err))
		return
	}
	storageKey := sender.document.StorageKey()
	hub.mu.RLock()
	recipients := make([]*Session, 0, len(hub.rooms[storageKey]))
	for member := range hub.rooms[storageKey] {
		if member != sender {
			recipients = append(recipients, member)
		}
	}
	hub.mu.RUnlock()
	for _, recipient := range recipients {
		recipient.enqueue(frame)
	}
}

func (hub *Hub) reject(conn *websocket.Conn, code int, reason string, cause error) {
	hub.logger.Info("websocket connection rejected",
		zap.Int("close_code", code),
		zap.String("reason", reason),
		zap.Error(cause))
	message := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(writeWait))
	_ = conn.Close()
}

func (hub *Hub) newLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(hub.messagesPerSecond), hub.burst)
}

func newSessionID() string {
	return ksuid.New().String()
}
