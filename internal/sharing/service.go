// Package sharing is the collaborator grant registry. Grants are the only
// source of non-owner access, so every mutation here feeds straight into the
// access resolver; downgrades and removals also clear any edit lock the
// affected user still holds.
package sharing

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"threatdesk/api/internal/access"
	"threatdesk/api/internal/apperr"
	"threatdesk/api/internal/lock"
	"threatdesk/api/internal/store"
)

type Store interface {
	GetGrant(ctx context.Context, threatModelID, userID string) (store.SharingGrant, error)
	UpsertGrant(ctx context.Context, grant store.SharingGrant) error
	DeleteGrant(ctx context.Context, threatModelID, userID string) (bool, error)
	ListGrantsByThreatModel(ctx context.Context, threatModelID string) ([]store.SharingGrant, error)
	ListGrantsByUser(ctx context.Context, userID string) ([]store.SharingGrant, error)
	BatchGetThreatModels(ctx context.Context, ids []string) (map[string]store.ThreatModel, error)
}

type Locks interface {
	Status(ctx context.Context, threatModelID string) (lock.Status, error)
	ForceRelease(ctx context.Context, threatModelID string) (string, error)
}

type NameResolver interface {
	DisplayName(ctx context.Context, userID string) string
}

type Service struct {
	store  Store
	access *access.Resolver
	locks  Locks
	names  NameResolver
	logger *zap.Logger
	now    func() time.Time
}

func NewService(s Store, resolver *access.Resolver, locks Locks, names NameResolver, logger *zap.Logger) *Service {
	return &Service{store: s, access: resolver, locks: locks, names: names, logger: logger, now: time.Now}
}

type Collaborator struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AccessLevel string `json:"accessLevel"`
	SharedBy    string `json:"sharedBy"`
	SharedAt    string `json:"sharedAt"`
}

type SharedModel struct {
	ThreatModelID  string `json:"threatModelId"`
	Title          string `json:"title"`
	Owner          string `json:"owner"`
	AccessLevel    string `json:"accessLevel"`
	LastModifiedAt string `json:"lastModifiedAt"`
}

// Share grants a user leveled access. Owner-only; grants never target the
// owner, who outranks any level.
func (s *Service) Share(ctx context.Context, threatModelID, owner, targetUserID, level string) (store.SharingGrant, error) {
	if err := validLevel(level); err != nil {
		return store.SharingGrant{}, err
	}
	if _, err := s.access.RequireOwner(ctx, threatModelID, owner); err != nil {
		return store.SharingGrant{}, err
	}
	if targetUserID == owner {
		return store.SharingGrant{}, apperr.Validation("cannot share a threat model with its owner")
	}
	grant := store.SharingGrant{
		ThreatModelID: threatModelID,
		UserID:        targetUserID,
		AccessLevel:   level,
		SharedBy:      owner,
		SharedAt:      s.now(),
	}
	if err := s.store.UpsertGrant(ctx, grant); err != nil {
		return store.SharingGrant{}, apperr.FromStore(err)
	}
	return grant, nil
}

// Collaborators lists the grants on a model with display names resolved
// best-effort.
func (s *Service) Collaborators(ctx context.Context, threatModelID, requester string) ([]Collaborator, error) {
	if _, err := s.access.RequireAccess(ctx, threatModelID, requester, store.LevelReadOnly); err != nil {
		return nil, err
	}
	grants, err := s.store.ListGrantsByThreatModel(ctx, threatModelID)
	if err != nil {
		return nil, apperr.FromStore(err)
	}
	collaborators := make([]Collaborator, 0, len(grants))
	for _, grant := range grants {
		collaborators = append(collaborators, Collaborator{
			UserID:      grant.UserID,
			DisplayName: s.names.DisplayName(ctx, grant.UserID),
			AccessLevel: grant.AccessLevel,
			SharedBy:    grant.SharedBy,
			SharedAt:    grant.SharedAt.UTC().Format(time.RFC3339),
		})
	}
	return collaborators, nil
}

// UpdateAccess changes a collaborator's level. A downgrade to READ_ONLY
// force-clears any lock they hold, since a reader must not keep editing.
func (s *Service) UpdateAccess(ctx context.Context, threatModelID, owner, targetUserID, level string) (store.SharingGrant, error) {
	if err := validLevel(level); err != nil {
		return store.SharingGrant{}, err
	}
	if _, err := s.access.RequireOwner(ctx, threatModelID, owner); err != nil {
		return store.SharingGrant{}, err
	}
	current, err := s.store.GetGrant(ctx, threatModelID, targetUserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.SharingGrant{}, apperr.NotFound("collaborator not found")
		}
		return store.SharingGrant{}, apperr.FromStore(err)
	}

	current.AccessLevel = level
	current.SharedBy = owner
	current.SharedAt = s.now()
	if err := s.store.UpsertGrant(ctx, current); err != nil {
		return store.SharingGrant{}, apperr.FromStore(err)
	}

	if level == store.LevelReadOnly {
		s.clearLockHeldBy(ctx, threatModelID, targetUserID)
	}
	return current, nil
}

// Remove revokes a collaborator's grant and clears any lock they hold.
func (s *Service) Remove(ctx context.Context, threatModelID, owner, targetUserID string) error {
	if _, err := s.access.RequireOwner(ctx, threatModelID, owner); err != nil {
		return err
	}
	removed, err := s.store.DeleteGrant(ctx, threatModelID, targetUserID)
	if err != nil {
		return apperr.FromStore(err)
	}
	if !removed {
		return apperr.NotFound("collaborator not found")
	}
	s.clearLockHeldBy(ctx, threatModelID, targetUserID)
	return nil
}

// SharedWith lists the models shared with a user, joined with the parents'
// headline fields through one batched read.
func (s *Service) SharedWith(ctx context.Context, userID string) ([]SharedModel, error) {
	grants, err := s.store.ListGrantsByUser(ctx, userID)
	if err != nil {
		return nil, apperr.FromStore(err)
	}
	if len(grants) == 0 {
		return []SharedModel{}, nil
	}

	ids := make([]string, 0, len(grants))
	for _, grant := range grants {
		ids = append(ids, grant.ThreatModelID)
	}
	models, err := s.store.BatchGetThreatModels(ctx, ids)
	if err != nil {
		return nil, apperr.FromStore(err)
	}

	shared := make([]SharedModel, 0, len(grants))
	for _, grant := range grants {
		tm, ok := models[grant.ThreatModelID]
		if !ok {
			// Grant outlived its model; skip rather than fail the listing.
			continue
		}
		shared = append(shared, SharedModel{
			ThreatModelID:  tm.ID,
			Title:          tm.Title,
			Owner:          tm.Owner,
			AccessLevel:    grant.AccessLevel,
			LastModifiedAt: tm.LastModifiedAt.UTC().Format(time.RFC3339),
		})
	}
	return shared, nil
}

// clearLockHeldBy force-releases the model's lock only when the given user
// holds it. Best-effort: a failure here must not fail the grant mutation
// that triggered it.
func (s *Service) clearLockHeldBy(ctx context.Context, threatModelID, userID string) {
	status, err := s.locks.Status(ctx, threatModelID)
	if err != nil || !status.Locked || status.HolderID != userID {
		return
	}
	if _, err := s.locks.ForceRelease(ctx, threatModelID); err != nil && s.logger != nil {
		s.logger.Warn("failed to clear lock after access change",
			zap.String("threat_model_id", threatModelID),
			zap.String("user_id", userID),
			zap.Error(err))
	}
}

func validLevel(level string) error {
	if level != store.LevelReadOnly && level != store.LevelEdit {
		return apperr.Validation("access level must be READ_ONLY or EDIT")
	}
	return nil
}
