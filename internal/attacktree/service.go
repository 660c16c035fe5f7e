// Package attacktree manages the dependent artifacts of a threat model:
// per-threat attack trees addressed by a deterministic composite ID, their
// lifecycle status records, and the best-effort cascade that removes them
// when the parent goes away.
package attacktree

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"threatdesk/api/internal/access"
	"threatdesk/api/internal/apperr"
	"threatdesk/api/internal/store"
)

type Store interface {
	GetThreatModel(ctx context.Context, threatModelID string) (store.ThreatModel, error)
	GetTreeStatus(ctx context.Context, treeID string) (store.AttackTreeStatus, error)
	PutTreeStatus(ctx context.Context, status store.AttackTreeStatus) error
	GetTreeData(ctx context.Context, treeID string) (store.AttackTreeData, error)
	PutTreeData(ctx context.Context, data store.AttackTreeData) error
	DeleteTreeStatus(ctx context.Context, treeID string) error
	DeleteTreeData(ctx context.Context, treeID string) error
}

// Invoker starts an agent run. Fire-and-forget: completion is observed later
// through the status record, never through a return value.
type Invoker interface {
	Invoke(ctx context.Context, sessionID string, payload map[string]any) error
}

type Service struct {
	store  Store
	access *access.Resolver
	agent  Invoker
	logger *zap.Logger
	now    func() time.Time
}

func NewService(s Store, resolver *access.Resolver, agent Invoker, logger *zap.Logger) *Service {
	return &Service{store: s, access: resolver, agent: agent, logger: logger, now: time.Now}
}

// Generate kicks off tree generation for one named threat of the model. The
// status record flips to in_progress before the agent is invoked; if the
// invocation itself fails, the record is flipped to failed best-effort.
func (s *Service) Generate(ctx context.Context, threatModelID, threatName, requester string) (string, error) {
	if _, err := s.access.RequireAccess(ctx, threatModelID, requester, store.LevelEdit); err != nil {
		return "", err
	}
	tm, err := s.store.GetThreatModel(ctx, threatModelID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", apperr.NotFound("threat model not found")
		}
		return "", apperr.FromStore(err)
	}
	if !threatExists(tm, threatName) {
		return "", apperr.NotFound("threat not found in this model")
	}

	treeID, err := DeriveID(threatModelID, threatName)
	if err != nil {
		return "", err
	}

	if err := s.store.PutTreeStatus(ctx, store.AttackTreeStatus{
		ID:        treeID,
		State:     store.TreeInProgress,
		UpdatedAt: s.now(),
	}); err != nil {
		return "", apperr.FromStore(err)
	}

	payload := map[string]any{
		"threatModelId": threatModelID,
		"threatName":    threatName,
		"threat":        threatByName(tm, threatName),
		"architecture":  tm.Architecture,
		"assets":        tm.Assets,
	}
	if err := s.agent.Invoke(ctx, treeID, payload); err != nil {
		// Secondary failure must not mask the primary one.
		s.MarkFailed(ctx, treeID, "agent invocation failed")
		return "", apperr.Internal("agent invocation failed")
	}
	return treeID, nil
}

// StatusFor re-derives the composite ID and reads the status record. A
// missing record reads as the not_found state rather than an error.
func (s *Service) StatusFor(ctx context.Context, threatModelID, threatName, requester string) (store.AttackTreeStatus, error) {
	if _, err := s.access.RequireAccess(ctx, threatModelID, requester, store.LevelReadOnly); err != nil {
		return store.AttackTreeStatus{}, err
	}
	treeID, err := DeriveID(threatModelID, threatName)
	if err != nil {
		return store.AttackTreeStatus{}, err
	}
	status, err := s.store.GetTreeStatus(ctx, treeID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.AttackTreeStatus{ID: treeID, State: store.TreeNotFound}, nil
	}
	if err != nil {
		return store.AttackTreeStatus{}, apperr.FromStore(err)
	}
	return status, nil
}

// Tree returns the stored graph for one threat.
func (s *Service) Tree(ctx context.Context, threatModelID, threatName, requester string) (store.AttackTreeData, error) {
	if _, err := s.access.RequireAccess(ctx, threatModelID, requester, store.LevelReadOnly); err != nil {
		return store.AttackTreeData{}, err
	}
	treeID, err := DeriveID(threatModelID, threatName)
	if err != nil {
		return store.AttackTreeData{}, err
	}
	data, err := s.store.GetTreeData(ctx, treeID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.AttackTreeData{}, apperr.NotFound("attack tree not found")
	}
	if err != nil {
		return store.AttackTreeData{}, apperr.FromStore(err)
	}
	return data, nil
}

// StoreResult accepts a generated tree from the agent callback: validate
// first, then persist data and flip the status to completed. A structurally
// invalid tree marks the run failed with the first violation.
func (s *Service) StoreResult(ctx context.Context, treeID string, raw json.RawMessage) error {
	var tree Tree
	if err := json.Unmarshal(raw, &tree); err != nil {
		return s.failResult(ctx, treeID, "tree payload is not valid JSON")
	}
	if ok, violation := Validate(tree); !ok {
		return s.failResult(ctx, treeID, violation)
	}

	if err := s.store.PutTreeData(ctx, store.AttackTreeData{
		ID:        treeID,
		Tree:      raw,
		UpdatedAt: s.now(),
	}); err != nil {
		return apperr.FromStore(err)
	}
	if err := s.store.PutTreeStatus(ctx, store.AttackTreeStatus{
		ID:        treeID,
		State:     store.TreeCompleted,
		UpdatedAt: s.now(),
	}); err != nil {
		return apperr.FromStore(err)
	}
	return nil
}

// MarkFailed records a failed generation run reported by the agent pipeline.
// Best-effort: a store failure here is logged, not propagated, since the run
// is already failing.
func (s *Service) MarkFailed(ctx context.Context, treeID, detail string) {
	if err := s.store.PutTreeStatus(ctx, store.AttackTreeStatus{
		ID:        treeID,
		State:     store.TreeFailed,
		Detail:    detail,
		UpdatedAt: s.now(),
	}); err != nil && s.logger != nil {
		s.logger.Warn("failed to mark tree generation as failed",
			zap.String("tree_id", treeID), zap.Error(err))
	}
}

func (s *Service) failResult(ctx context.Context, treeID, violation string) error {
	if err := s.store.PutTreeStatus(ctx, store.AttackTreeStatus{
		ID:        treeID,
		State:     store.TreeFailed,
		Detail:    violation,
		UpdatedAt: s.now(),
	}); err != nil && s.logger != nil {
		s.logger.Warn("failed to record tree validation failure",
			zap.String("tree_id", treeID), zap.Error(err))
	}
	return apperr.Validation(violation)
}

// CascadeDelete removes every dependent tree of the parent, enumerated from
// the parent's own threat list. Best-effort by design: individual failures
// are logged and counted but never abort the batch — losing a dependent is
// preferable to leaving the parent undeletable.
func (s *Service) CascadeDelete(ctx context.Context, tm store.ThreatModel) (deleted, failed int) {
	for _, threat := range tm.Threats {
		treeID, err := DeriveID(tm.ID, threat.Name)
		if err != nil {
			failed++
			if s.logger != nil {
				s.logger.Warn("cascade: cannot derive tree id",
					zap.String("threat_model_id", tm.ID),
					zap.String("threat_name", threat.Name),
					zap.Error(err))
			}
			continue
		}
		if err := s.deleteTree(ctx, treeID); err != nil {
			failed++
			if s.logger != nil {
				s.logger.Warn("cascade: delete failed",
					zap.String("tree_id", treeID), zap.Error(err))
			}
			continue
		}
		deleted++
	}
	return deleted, failed
}

func (s *Service) deleteTree(ctx context.Context, treeID string) error {
	if err := s.store.DeleteTreeStatus(ctx, treeID); err != nil {
		return err
	}
	return s.store.DeleteTreeData(ctx, treeID)
}

func threatExists(tm store.ThreatModel, name string) bool {
	for _, threat := range tm.Threats {
		if threat.Name == name {
			return true
		}
	}
	return false
}

func threatByName(tm store.ThreatModel, name string) store.Threat {
	for _, threat := range tm.Threats {
		if threat.Name == name {
			return threat
		}
	}
	return store.Threat{}
}
