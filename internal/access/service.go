package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrAccessDenied indicates that the actor lacks the level an operation needs.
	ErrAccessDenied = errors.New("access: denied")
	// ErrInvalidLevel indicates an unknown access level.
	ErrInvalidLevel = errors.New("access: invalid level")
	// ErrInvalidGrant indicates a grant without a room or user.
	ErrInvalidGrant = errors.New("access: invalid grant")
)

// ServiceConfig describes the dependencies required for access resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Service resolves room access levels. A room without grants is open for editing to
// every authenticated user; once a room has grants, only granted users get access.
// Identities carrying the admin role always edit.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
	cache  sync.Map
}

// NewService constructs the access service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("access: database connection required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, logger: logger}, nil
}

// LevelFor returns the identity's access level on the room.
func (s *Service) LevelFor(ctx context.Context, identity auth.Identity, roomID string) (Level, error) {
	if identity.HasRole(auth.RoleAdmin) {
		return LevelEdit, nil
	}
	grants, err := s.roomGrants(ctx, roomID)
	if err != nil {
		return LevelNone, err
	}
	if len(grants) == 0 {
		return LevelEdit, nil
	}
	level, ok := grants[identity.UserID]
	if !ok {
		return LevelNone, nil
	}
	return level, nil
}

// RequireRead fails with ErrAccessDenied unless the identity can read the room.
func (s *Service) RequireRead(ctx context.Context, identity auth.Identity, roomID string) error {
	level, err := s.LevelFor(ctx, identity, roomID)
	if err != nil {
		return err
	}
	if !level.CanRead() {
		return fmt.Errorf("%w: read on %s", ErrAccessDenied, roomID)
	}
	return nil
}

// RequireEdit fails with ErrAccessDenied unless the identity can edit the room.
func (s *Service) RequireEdit(ctx context.Context, identity auth.Identity, roomID string) error {
	level, err := s.LevelFor(ctx, identity, roomID)
	if err != nil {
		return err
	}
	if !level.CanEdit() {
		return fmt.Errorf("%w: edit on %s", ErrAccessDenied, roomID)
	}
	return nil
}

// SetGrant creates or updates the user's level on a room. Only admins may change grants.
func (s *Service) SetGrant(ctx context.Context, actor auth.Identity, roomID, userID string, level Level) error {
	if !actor.HasRole(auth.RoleAdmin) {
		return fmt.Errorf("%w: grants require the %s role", ErrAccessDenied, auth.RoleAdmin)
	}
	roomID = strings.TrimSpace(roomID)
	userID = strings.TrimSpace(userID)
	if roomID == "" || userID == "" {
		return ErrInvalidGrant
	}
	if _, err := ParseLevel(string(level)); err != nil {
		return err
	}

	grant := Grant{RoomID: roomID, UserID: userID, Level: string(level)}
	upsert := clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"level", "updated_at"}),
	}
	if err := s.db.WithContext(ctx).Clauses(upsert).Create(&grant).Error; err != nil {
		s.logger.Error("grant upsert failed", zap.String("room_id", roomID), zap.String("user_id", userID), zap.Error(err))
		return err
	}
	s.cache.Delete(roomID)
	s.logger.Info("grant updated",
		zap.String("room_id", roomID),
		zap.String("user_id", userID),
		zap.String("level", string(level)),
		zap.String("actor_id", actor.UserID))
	return nil
}

func (s *Service) roomGrants(ctx context.Context, roomID string) (map[string]Level, error) {
	if cached, ok := s.cache.Load(roomID); ok {
		if grants, ok := cached.(map[string]Level); ok {
			return grants, nil
		}
	}
	var rows []Grant
	if err := s.db.WithContext(ctx).Where("room_id = ?", roomID).Find(&rows).Error; err != nil {
		s.logger.Error("grant lookup failed", zap.String("room_id", roomID), zap.Error(err))
		return nil, err
	}
	grants := make(map[string]Level, len(rows))
	for _, row := range rows {
		level, err := ParseLevel(row.Level)
		if err != nil {
			s.logger.Warn("ignoring grant with unknown level", zap.String("room_id", roomID), zap.String("user_id", row.UserID), zap.String("level", row.Level))
			continue
		}
		grants[row.UserID] = level
	}
	s.cache.Store(roomID, grants)
	return grants, nil
}
