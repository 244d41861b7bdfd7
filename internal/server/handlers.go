package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/access"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/history"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/realtime"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/rooms"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/store"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var errInvalidTime = errors.New("time must be RFC3339 or unix seconds")

type createSnapshotPayload struct {
	Note string `json:"note"`
}

type snapshotListPayload struct {
	Snapshots []history.Snapshot `json:"snapshots"`
}

type changePayload struct {
	Kind      string `json:"kind"`
	Position  int64  `json:"position"`
	Length    int64  `json:"length"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

type changeBatchPayload struct {
	Changes []changePayload `json:"changes"`
}

type changeBatchResultPayload struct {
	Stored int `json:"stored"`
}

type changeListPayload struct {
	Changes []history.ChangeEvent `json:"changes"`
}

type participantListPayload struct {
	Participants []realtime.Participant `json:"participants"`
}

type grantPayload struct {
	Level string `json:"level"`
}

func (h *httpHandler) handleListSnapshots(c *gin.Context) {
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
		return
	}
	snapshots, err := h.history.ListSnapshots(c.Request.Context(), identityFrom(c), c.Param("room"), limit)
	if err != nil {
		h.writeError(c, "list_snapshots", err)
		return
	}
	c.JSON(http.StatusOK, snapshotListPayload{Snapshots: snapshots})
}

func (h *httpHandler) handleCreateSnapshot(c *gin.Context) {
	var request createSnapshotPayload
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}
	snapshot, err := h.history.CreateSnapshot(c.Request.Context(), identityFrom(c), c.Param("room"), request.Note)
	if err != nil {
		h.writeError(c, "create_snapshot", err)
		return
	}
	c.JSON(http.StatusCreated, snapshot)
}

func (h *httpHandler) handleGetSnapshot(c *gin.Context) {
	snapshot, err := h.history.GetSnapshot(c.Request.Context(), identityFrom(c), c.Param("room"), c.Param("snapshot"))
	if err != nil {
		h.writeError(c, "get_snapshot", err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (h *httpHandler) handleRestoreSnapshot(c *gin.Context) {
	result, err := h.history.RestoreSnapshot(c.Request.Context(), identityFrom(c), c.Param("room"), c.Param("snapshot"))
	if err != nil {
		h.writeError(c, "restore_snapshot", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleDiff(c *gin.Context) {
	from := strings.TrimSpace(c.Query("from"))
	to := strings.TrimSpace(c.Query("to"))
	if from == "" || to == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from_and_to_required"})
		return
	}
	diff, err := h.history.Diff(c.Request.Context(), identityFrom(c), c.Param("room"), from, to)
	if err != nil {
		h.writeError(c, "diff", err)
		return
	}
	c.JSON(http.StatusOK, diff)
}

func (h *httpHandler) handleQueryChanges(c *gin.Context) {
	from, err := parseTime(c.Query("from"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_from"})
		return
	}
	to, err := parseTime(c.Query("to"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_to"})
		return
	}
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
		return
	}
	changes, err := h.history.QueryChanges(c.Request.Context(), identityFrom(c), c.Param("room"), history.ChangeQuery{
		From:  from,
		To:    to,
		Limit: limit,
	})
	if err != nil {
		h.writeError(c, "query_changes", err)
		return
	}
	c.JSON(http.StatusOK, changeListPayload{Changes: changes})
}

func (h *httpHandler) handleRecordChange(c *gin.Context) {
	var request changePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	event, err := request.toEvent()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_timestamp"})
		return
	}
	stored, err := h.history.RecordChange(c.Request.Context(), identityFrom(c), c.Param("room"), event)
	if err != nil {
		h.writeError(c, "record_change", err)
		return
	}
	c.JSON(http.StatusCreated, stored)
}

func (h *httpHandler) handleRecordChangesBatch(c *gin.Context) {
	var request changeBatchPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	events := make([]history.ChangeEvent, 0, len(request.Changes))
	for _, change := range request.Changes {
		event, err := change.toEvent()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_timestamp"})
			return
		}
		events = append(events, event)
	}
	stored, err := h.history.RecordChangesBatch(c.Request.Context(), identityFrom(c), c.Param("room"), events)
	if err != nil {
		h.writeError(c, "record_changes_batch", err)
		return
	}
	c.JSON(http.StatusCreated, changeBatchResultPayload{Stored: stored})
}

func (h *httpHandler) handleSetGrant(c *gin.Context) {
	var request grantPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	level, err := access.ParseLevel(request.Level)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_level"})
		return
	}
	resolution, err := rooms.Resolve(c.Param("room"))
	if err != nil {
		h.writeError(c, "set_grant", err)
		return
	}
	if err := h.grants.SetGrant(c.Request.Context(), identityFrom(c), resolution.StorageKey, c.Param("user"), level); err != nil {
		h.writeError(c, "set_grant", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": resolution.RoomKey, "user": c.Param("user"), "level": level})
}

func (h *httpHandler) handleListParticipants(c *gin.Context) {
	resolution, err := rooms.Resolve(c.Param("room"))
	if err != nil {
		h.writeError(c, "list_participants", err)
		return
	}
	if err := h.grants.RequireRead(c.Request.Context(), identityFrom(c), resolution.StorageKey); err != nil {
		h.writeError(c, "list_participants", err)
		return
	}
	c.JSON(http.StatusOK, participantListPayload{Participants: h.realtime.Participants(resolution.StorageKey)})
}

// writeError maps domain errors onto HTTP statuses.
func (h *httpHandler) writeError(c *gin.Context, operation string, err error) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("operation", operation), zap.String("room_key", c.Param("room")), zap.Error(err))
	} else {
		h.logger.Debug("request rejected", zap.String("operation", operation), zap.Int("status", status), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code})
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrMissingSessionToken),
		errors.Is(err, auth.ErrInvalidSessionToken),
		errors.Is(err, auth.ErrExpiredSessionToken):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, access.ErrAccessDenied):
		return http.StatusForbidden, "access_denied"
	case errors.Is(err, history.ErrSnapshotNotFound):
		return http.StatusNotFound, "snapshot_not_found"
	case errors.Is(err, rooms.ErrInvalidRoomKey):
		return http.StatusBadRequest, "invalid_room"
	case errors.Is(err, history.ErrEphemeralRoom):
		return http.StatusBadRequest, "ephemeral_room"
	case errors.Is(err, history.ErrInvalidChange),
		errors.Is(err, history.ErrInvalidSnapshotNote),
		errors.Is(err, access.ErrInvalidGrant),
		errors.Is(err, access.ErrInvalidLevel):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, store.ErrPersistence):
		return http.StatusInternalServerError, "persistence_failed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (payload changePayload) toEvent() (history.ChangeEvent, error) {
	timestamp, err := parseTime(payload.Timestamp)
	if err != nil {
		return history.ChangeEvent{}, err
	}
	return history.ChangeEvent{
		Kind:      history.ChangeKind(strings.ToLower(strings.TrimSpace(payload.Kind))),
		Position:  payload.Position,
		Length:    payload.Length,
		Content:   payload.Content,
		Timestamp: timestamp,
	}, nil
}

// parseTime accepts RFC3339 or unix seconds; empty means unset.
func parseTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, errInvalidTime
	}
	return parsed.UTC(), nil
}

func parseLimit(value string) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(value)
	if err != nil || limit < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return limit, nil
}
