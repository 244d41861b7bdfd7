package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/documents"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/telemetry"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Session is one authenticated websocket connection subscribed to a document.
type Session struct {
	id       string
	hub      *Hub
	conn     *websocket.Conn
	identity auth.Identity
	document *documents.Document
	canEdit  bool
	limiter  *rate.Limiter
	logger   *zap.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(hub *Hub, conn *websocket.Conn, identity auth.Identity, document *documents.Document, canEdit bool) *Session {
	id := newSessionID()
	return &Session{
		id:       id,
		hub:      hub,
		conn:     conn,
		identity: identity,
		document: document,
		canEdit:  canEdit,
		limiter:  hub.newLimiter(),
		logger: hub.logger.With(
			zap.String("session_id", id),
			zap.String("room_id", document.StorageKey()),
			zap.String("user_id", identity.UserID)),
		send: make(chan []byte, hub.sendBuffer),
		done: make(chan struct{}),
	}
}

// DocumentChanged forwards deltas produced by other origins to the client.
func (session *Session) DocumentChanged(_ *documents.Document, delta crdt.Delta, origin documents.Observer) {
	if origin == documents.Observer(session) {
		return
	}
	session.sendFrame(FrameUpdate, delta)
}

func (session *Session) participant() Participant {
	return Participant{
		SessionID: session.id,
		UserID:    session.identity.UserID,
		Name:      session.identity.DisplayName,
	}
}

func (session *Session) sendInitialState(siblings []siblingState) {
	session.sendFrame(FrameSync, session.document.DiffSince(nil))
	for _, sibling := range siblings {
		session.sendFrame(FrameJoin, sibling.participant)
		if sibling.presence != nil {
			session.sendFrame(FramePresence, PresenceMessage{Participant: sibling.participant, State: sibling.presence})
		}
	}
}

func (session *Session) sendFrame(frameType FrameType, payload any) {
	frame, err := EncodeFrame(frameType, payload)
	if err != nil {
		session.logger.Error("failed to encode frame", zap.Stringer("frame_type", frameType), zap.Error(err))
		return
	}
	session.enqueue(frame)
}

func (session *Session) sendError(code, message string) {
	session.sendFrame(FrameError, ErrorMessage{Code: code, Message: message})
}

// enqueue never blocks. A client that cannot keep up is disconnected.
func (session *Session) enqueue(frame []byte) {
	select {
	case <-session.done:
		return
	default:
	}
	select {
	case session.send <- frame:
	default:
		session.logger.Warn("send buffer full, closing connection")
		go session.closeWith(websocket.CloseTryAgainLater, "send buffer full")
	}
}

func (session *Session) closeWith(code int, reason string) {
	session.closeOnce.Do(func() {
		close(session.done)
		message := websocket.FormatCloseMessage(code, reason)
		_ = session.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(writeWait))
		_ = session.conn.Close()
	})
}

func (session *Session) readPump() {
	defer session.closeWith(websocket.CloseNormalClosure, "")

	session.conn.SetReadLimit(session.hub.maxMessageBytes)
	_ = session.conn.SetReadDeadline(time.Now().Add(pongWait))
	session.conn.SetPongHandler(func(string) error {
		return session.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, message, err := session.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				session.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}
		_ = session.conn.SetReadDeadline(time.Now().Add(pongWait))

		if !session.limiter.Allow() {
			session.hub.metrics.FrameRateLimited()
			session.sendError(ErrorCodeRateLimited, "too many frames")
			continue
		}
		if messageType != websocket.BinaryMessage {
			session.sendError(ErrorCodeUnsupported, "frames must be binary")
			continue
		}
		session.handleFrame(message)
	}
}

func (session *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-session.done:
			return
		case frame := <-session.send:
			_ = session.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := session.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				session.closeWith(websocket.CloseGoingAway, "")
				return
			}
		case <-ticker.C:
			_ = session.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := session.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				session.closeWith(websocket.CloseGoingAway, "")
				return
			}
		}
	}
}

func (session *Session) handleFrame(message []byte) {
	frameType, payload, err := DecodeFrame(message)
	if err != nil {
		session.rejectMalformed(err)
		return
	}

	ctx, span := telemetry.StartSpan(context.Background(), "realtime.frame",
		attribute.String("session.id", session.id),
		attribute.String("room.id", session.document.StorageKey()),
		attribute.String("frame.type", frameType.String()),
		attribute.Int("frame.size", len(message)))
	defer span.End()

	switch frameType {
	case FrameSync:
		var request SyncRequest
		if err := decodePayload(payload, &request); err != nil {
			telemetry.AddSpanError(ctx, err)
			session.rejectMalformed(err)
			return
		}
		session.sendFrame(FrameSync, session.document.DiffSince(request.Vector))
	case FrameUpdate:
		if !session.canEdit {
			session.sendError(ErrorCodeReadOnly, "connection is read-only")
			return
		}
		delta, err := crdt.DecodeDelta(payload)
		if err == nil {
			delta, err = session.document.ApplyUpdate(delta, session)
		}
		if err != nil {
			telemetry.AddSpanError(ctx, err)
			session.rejectMalformed(err)
			return
		}
		if !delta.Empty() {
			session.hub.metrics.UpdateApplied()
		}
	case FrameEdit:
		if !session.canEdit {
			session.sendError(ErrorCodeReadOnly, "connection is read-only")
			return
		}
		var request EditRequest
		if err := decodePayload(payload, &request); err != nil {
			telemetry.AddSpanError(ctx, err)
			session.rejectMalformed(err)
			return
		}
		// The sender has no local ops for a positional edit, so the resulting delta
		// is echoed back to it as well.
		if _, err := session.document.ApplyEdit(request.Position, request.Length, request.Text, nil); err != nil {
			telemetry.AddSpanError(ctx, err)
			if errors.Is(err, crdt.ErrEditOutOfRange) {
				session.sendError(ErrorCodeOutOfRange, err.Error())
				return
			}
			session.rejectMalformed(err)
			return
		}
		session.hub.metrics.UpdateApplied()
	case FramePresence:
		if !json.Valid(payload) {
			session.rejectMalformed(ErrMalformedFrame)
			return
		}
		session.hub.updatePresence(session, json.RawMessage(payload))
	default:
		session.sendError(ErrorCodeUnsupported, "frame type "+frameType.String()+" is server-only")
	}
}

func (session *Session) rejectMalformed(err error) {
	session.hub.metrics.MalformedUpdate()
	session.logger.Warn("dropping malformed frame", zap.Error(err))
	session.sendError(ErrorCodeMalformed, err.Error())
}
