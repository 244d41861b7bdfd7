package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	lookupTimeout       = 2 * time.Second
	lastSeenGranularity = time.Minute
)

// ErrInvalidIdentity indicates an identity without a user id.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// DirectoryConfig describes the dependencies of the profile directory.
type DirectoryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Directory records who connects and supplies display names that tokens omit.
type Directory struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

type cachedProfile struct {
	displayName string
	seenAt      time.Time
}

// NewDirectory constructs the directory.
func NewDirectory(cfg DirectoryConfig) (*Directory, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{db: cfg.Database, now: clock, logger: logger}, nil
}

// Resolve records the identity and returns it with a display name filled in from
// the stored profile when the token carried none.
func (d *Directory) Resolve(ctx context.Context, identity auth.Identity) (auth.Identity, error) {
	userID := normalize(identity.UserID)
	if userID == "" {
		return auth.Identity{}, ErrInvalidIdentity
	}
	identity.UserID = userID
	displayName := normalize(identity.DisplayName)
	now := d.now().UTC()

	if cached, ok := d.cache.Load(userID); ok {
		entry := cached.(cachedProfile)
		if (displayName == "" || displayName == entry.displayName) && now.Sub(entry.seenAt) < lastSeenGranularity {
			identity.DisplayName = entry.displayName
			return identity, nil
		}
	}

	var profile Profile
	err := d.db.WithContext(ctx).Where("user_id = ?", userID).Take(&profile).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		profile = Profile{UserID: userID}
	case err != nil:
		return auth.Identity{}, err
	}
	if displayName != "" {
		profile.DisplayName = displayName
	}
	profile.LastSeenAt = now

	upsert := clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_display_name", "last_seen_at", "updated_at"}),
	}
	if err := d.db.WithContext(ctx).Clauses(upsert).Create(&profile).Error; err != nil {
		return auth.Identity{}, err
	}
	d.cache.Store(userID, cachedProfile{displayName: profile.DisplayName, seenAt: now})

	identity.DisplayName = profile.DisplayName
	return identity, nil
}

// Lookup returns the stored profile of a user.
func (d *Directory) Lookup(ctx context.Context, userID string) (Profile, bool, error) {
	var profile Profile
	err := d.db.WithContext(ctx).Where("user_id = ?", normalize(userID)).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, false, nil
	}
	if err != nil {
		return Profile{}, false, err
	}
	return profile, true, nil
}

// CredentialVerifier authenticates raw tokens.
type CredentialVerifier interface {
	VerifyCredential(token string) (auth.Identity, error)
}

// ResolvingVerifier verifies tokens and passes the identity through the directory.
// Directory failures are logged and never fail authentication.
type ResolvingVerifier struct {
	verifier  CredentialVerifier
	directory *Directory
}

// NewResolvingVerifier wraps verifier with the directory.
func NewResolvingVerifier(verifier CredentialVerifier, directory *Directory) *ResolvingVerifier {
	return &ResolvingVerifier{verifier: verifier, directory: directory}
}

// VerifyCredential implements the verifier contract used by the HTTP and websocket layers.
func (v *ResolvingVerifier) VerifyCredential(token string) (auth.Identity, error) {
	identity, err := v.verifier.VerifyCredential(token)
	if err != nil {
		return auth.Identity{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	resolved, err := v.directory.Resolve(ctx, identity)
	if err != nil {
		v.directory.logger.Warn("profile lookup failed", zap.String("user_id", identity.UserID), zap.Error(err))
		return identity, nil
	}
	return resolved, nil
}
