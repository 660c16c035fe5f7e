// Package access resolves a user's relationship to a threat model: owner,
// collaborator with a leveled grant, or no access at all. Every other write
// path in the service goes through this resolver first.
package access

import (
	"context"
	"database/sql"
	"errors"

	"threatdesk/api/internal/apperr"
	"threatdesk/api/internal/store"
)

type Info struct {
	HasAccess   bool   `json:"hasAccess"`
	IsOwner     bool   `json:"isOwner"`
	AccessLevel string `json:"accessLevel,omitempty"`
}

type Store interface {
	GetThreatModel(ctx context.Context, threatModelID string) (store.ThreatModel, error)
	GetGrant(ctx context.Context, threatModelID, userID string) (store.SharingGrant, error)
	BatchGetThreatModels(ctx context.Context, ids []string) (map[string]store.ThreatModel, error)
	ListGrantsByUser(ctx context.Context, userID string) ([]store.SharingGrant, error)
}

type Resolver struct {
	store Store
}

func NewResolver(s Store) *Resolver {
	return &Resolver{store: s}
}

// CheckAccess reports the caller's relationship to the threat model. A missing
// threat model is NotFound; a missing grant is simply no access.
func (r *Resolver) CheckAccess(ctx context.Context, threatModelID, userID string) (Info, error) {
	tm, err := r.store.GetThreatModel(ctx, threatModelID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Info{}, apperr.NotFound("threat model not found")
		}
		return Info{}, apperr.FromStore(err)
	}

	if tm.Owner == userID {
		return Info{HasAccess: true, IsOwner: true, AccessLevel: store.LevelOwner}, nil
	}

	grant, err := r.store.GetGrant(ctx, threatModelID, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Info{}, nil
		}
		return Info{}, apperr.FromStore(err)
	}
	return Info{HasAccess: true, AccessLevel: grant.AccessLevel}, nil
}

// RequireAccess enforces a minimum level. Owners satisfy any level; a
// non-owner needs an EDIT grant when EDIT is required. The resolved Info is
// returned so callers can embed it in responses.
func (r *Resolver) RequireAccess(ctx context.Context, threatModelID, userID, requiredLevel string) (Info, error) {
	info, err := r.CheckAccess(ctx, threatModelID, userID)
	if err != nil {
		return Info{}, err
	}
	if !info.HasAccess {
		return Info{}, apperr.Unauthorized("no access to this threat model")
	}
	if info.IsOwner {
		return info, nil
	}
	if requiredLevel == store.LevelEdit && info.AccessLevel != store.LevelEdit {
		return Info{}, apperr.Unauthorized("edit access required")
	}
	return info, nil
}

func (r *Resolver) RequireOwner(ctx context.Context, threatModelID, userID string) (Info, error) {
	info, err := r.CheckAccess(ctx, threatModelID, userID)
	if err != nil {
		return Info{}, err
	}
	if !info.IsOwner {
		return Info{}, apperr.Unauthorized("only the owner may do this")
	}
	return info, nil
}

// AccessMap is a prefetched view used by bulk operations so each item resolves
// from memory instead of its own store round trip.
type AccessMap struct {
	models map[string]store.ThreatModel
	grants map[string]store.SharingGrant
	userID string
}

// Prefetch batch-loads the given threat models plus all of the user's grants.
// Missing IDs stay missing in the map; resolution reports them per item.
func (r *Resolver) Prefetch(ctx context.Context, threatModelIDs []string, userID string) (*AccessMap, error) {
	models, err := r.store.BatchGetThreatModels(ctx, threatModelIDs)
	if err != nil {
		return nil, apperr.FromStore(err)
	}
	grants, err := r.store.ListGrantsByUser(ctx, userID)
	if err != nil {
		return nil, apperr.FromStore(err)
	}
	byModel := make(map[string]store.SharingGrant, len(grants))
	for _, grant := range grants {
		byModel[grant.ThreatModelID] = grant
	}
	return &AccessMap{models: models, grants: byModel, userID: userID}, nil
}

// Resolve answers for one item out of the prefetched set.
func (m *AccessMap) Resolve(threatModelID string) (Info, store.ThreatModel, error) {
	tm, ok := m.models[threatModelID]
	if !ok {
		return Info{}, store.ThreatModel{}, apperr.NotFound("threat model not found")
	}
	if tm.Owner == m.userID {
		return Info{HasAccess: true, IsOwner: true, AccessLevel: store.LevelOwner}, tm, nil
	}
	if grant, ok := m.grants[threatModelID]; ok {
		return Info{HasAccess: true, AccessLevel: grant.AccessLevel}, tm, nil
	}
	return Info{}, store.ThreatModel{}, apperr.Unauthorized("no access to this threat model")
}
