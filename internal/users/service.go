package users

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/teamforge/internal/auth"
	"github.com/MarcoPoloResearchLab/teamforge/internal/svcerror"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew         = "users.service.new"
	opResolveMemberID    = "users.resolve_member_id"
	defaultProvider      = "default"
	queryProviderSubject = "provider = ? AND subject = ?"
	defaultCacheSize     = 4096
)

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceConfig describes the dependencies required for member identity resolution.
// CacheSize bounds the resolved identities kept in memory.
type ServiceConfig struct {
	Database  *gorm.DB
	Clock     func() time.Time
	Logger    *zap.Logger
	CacheSize int
}

// Service maps session claims to canonical member ids.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  *lru.Cache
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, svcerror.New(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	cacheSize := cfg.CacheSize
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, svcerror.New(opServiceNew, "cache_init_failed", err)
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
		cache:  cache,
	}, nil
}

// ResolveMemberID returns the canonical member id for the session claims. The
// first login of a provider+subject pair fixes the id: the lowercased email when
// present, otherwise the subject. Later logins refresh the profile fields only.
func (s *Service) ResolveMemberID(ctx context.Context, claims auth.SessionClaims) (string, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return "", svcerror.New(opResolveMemberID, "invalid_identity", ErrInvalidIdentity)
	}

	cacheKey := provider + ":" + subject
	if cached, ok := s.cache.Get(cacheKey); ok {
		if memberID, ok := cached.(string); ok {
			return memberID, nil
		}
	}

	var identity Identity
	err := s.db.WithContext(ctx).
		Where(queryProviderSubject, provider, subject).
		First(&identity).
		Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			MemberID:    deriveMemberID(claims, subject),
			Email:       canonical(claims.UserEmail),
			DisplayName: normalize(claims.UserDisplayName),
			LastSeenAt:  s.now(),
		}
		// A concurrent first login may win the insert; its member id stands.
		created := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&identity)
		if created.Error != nil {
			s.loggerOrDefault().Error("users service error",
				zap.String("operation", opResolveMemberID),
				zap.String("reason", "insert_failed"),
				zap.Error(created.Error))
			return "", svcerror.New(opResolveMemberID, "insert_failed", created.Error)
		}
		if created.RowsAffected == 0 {
			var existing Identity
			if err := s.db.WithContext(ctx).
				Where(queryProviderSubject, provider, subject).
				First(&existing).
				Error; err != nil {
				s.loggerOrDefault().Error("users service error",
					zap.String("operation", opResolveMemberID),
					zap.String("reason", "query_failed"),
					zap.Error(err))
				return "", svcerror.New(opResolveMemberID, "query_failed", err)
			}
			identity = existing
			break
		}
		s.loggerOrDefault().Info("member identity created",
			zap.String("provider", provider),
			zap.String("member_id", identity.MemberID))
	case err != nil:
		s.loggerOrDefault().Error("users service error",
			zap.String("operation", opResolveMemberID),
			zap.String("reason", "query_failed"),
			zap.Error(err))
		return "", svcerror.New(opResolveMemberID, "query_failed", err)
	default:
		updates := map[string]interface{}{"last_seen_at": s.now()}
		if email := canonical(claims.UserEmail); email != "" && email != identity.Email {
			updates["member_email"] = email
		}
		if display := normalize(claims.UserDisplayName); display != "" && display != identity.DisplayName {
			updates["member_display_name"] = display
		}
		if err := s.db.WithContext(ctx).Model(&Identity{}).
			Where(queryProviderSubject, provider, subject).
			Updates(updates).
			Error; err != nil {
			s.loggerOrDefault().Warn("member identity refresh failed",
				zap.String("member_id", identity.MemberID),
				zap.Error(err))
		}
	}

	s.cache.Add(cacheKey, identity.MemberID)
	return identity.MemberID, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func deriveMemberID(claims auth.SessionClaims, subject string) string {
	if email := canonical(claims.UserEmail); email != "" {
		return email
	}
	return canonical(subject)
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := defaultProvider
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = canonical(segments[0])
				subject = normalize(segments[1])
			}
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = canonical(claims.UserEmail)
	}

	return provider, subject
}
