// Package threatmodel wraps threat model reads and writes with optimistic
// concurrency: a content hash over the semantic fields plus timestamp-based
// conflict detection. It detects conflicting writes, it does not resolve
// them; the full server state travels back so the client can reconcile.
package threatmodel

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"threatdesk/api/internal/access"
	"threatdesk/api/internal/apperr"
	"threatdesk/api/internal/lock"
	"threatdesk/api/internal/store"
)

// SentinelMCP marks the trusted service-to-service caller that bypasses
// per-user authorization and response enrichment.
const SentinelMCP = "mcp"

type Store interface {
	GetThreatModel(ctx context.Context, threatModelID string) (store.ThreatModel, error)
	UpdateThreatModelContent(ctx context.Context, tm store.ThreatModel) (bool, error)
	SetBackup(ctx context.Context, threatModelID string, backup json.RawMessage) error
	UpdateJobStatus(ctx context.Context, threatModelID, status string) error
}

type LockReader interface {
	Status(ctx context.Context, threatModelID string) (lock.Status, error)
}

type Service struct {
	store  Store
	access *access.Resolver
	locks  LockReader
	logger *zap.Logger
	now    func() time.Time
}

func NewService(s Store, resolver *access.Resolver, locks LockReader, logger *zap.Logger) *Service {
	return &Service{store: s, access: resolver, locks: locks, logger: logger, now: time.Now}
}

type FetchResult struct {
	ThreatModel store.ThreatModel
	IsOwner     bool
	AccessLevel string
	Enriched    bool
}

// Fetch returns the threat model, enriched with the requester's access info.
// The MCP sentinel skips both the per-user check and the enrichment.
func (s *Service) Fetch(ctx context.Context, threatModelID, requester string) (FetchResult, error) {
	if requester == SentinelMCP {
		tm, err := s.get(ctx, threatModelID)
		if err != nil {
			return FetchResult{}, err
		}
		return FetchResult{ThreatModel: tm}, nil
	}

	info, err := s.access.RequireAccess(ctx, threatModelID, requester, store.LevelReadOnly)
	if err != nil {
		return FetchResult{}, err
	}
	tm, err := s.get(ctx, threatModelID)
	if err != nil {
		return FetchResult{}, err
	}
	return FetchResult{
		ThreatModel: tm,
		IsOwner:     info.IsOwner,
		AccessLevel: info.AccessLevel,
		Enriched:    true,
	}, nil
}

// Update performs the guarded write path: authorize, verify the lock holder,
// detect a timestamp conflict, hash the semantic content, then persist with a
// conditional write over the immutable attributes. The MCP sentinel skips the
// per-user and lock gates; the hash and conflict logic still apply.
func (s *Service) Update(ctx context.Context, threatModelID string, payload UpdatePayload, requester, lockToken string) (store.ThreatModel, error) {
	if requester != SentinelMCP {
		if _, err := s.access.RequireAccess(ctx, threatModelID, requester, store.LevelEdit); err != nil {
			return store.ThreatModel{}, err
		}
		if err := s.verifyLock(ctx, threatModelID, requester, lockToken); err != nil {
			return store.ThreatModel{}, err
		}
	}

	current, err := s.get(ctx, threatModelID)
	if err != nil {
		return store.ThreatModel{}, err
	}

	if payload.LastModifiedAt != nil && current.LastModifiedAt.After(*payload.LastModifiedAt) {
		return store.ThreatModel{}, apperr.Conflict("threat model was modified by someone else", map[string]any{
			"clientTimestamp": payload.LastModifiedAt.UTC().Format(time.RFC3339Nano),
			"serverTimestamp": current.LastModifiedAt.UTC().Format(time.RFC3339Nano),
			"current":         View(current),
		})
	}

	next := payload.apply(ContentOf(current))
	return s.persist(ctx, current, next, requester)
}

// Restore overwrites the live document with the pre-replay backup snapshot
// and resets the job status.
func (s *Service) Restore(ctx context.Context, threatModelID, requester string) (store.ThreatModel, error) {
	if _, err := s.access.RequireAccess(ctx, threatModelID, requester, store.LevelEdit); err != nil {
		return store.ThreatModel{}, err
	}
	current, err := s.get(ctx, threatModelID)
	if err != nil {
		return store.ThreatModel{}, err
	}
	if len(current.Backup) == 0 {
		return store.ThreatModel{}, apperr.NotFound("no backup snapshot to restore")
	}

	var snapshot Content
	if err := json.Unmarshal(current.Backup, &snapshot); err != nil {
		return store.ThreatModel{}, apperr.Internal("backup snapshot is corrupt")
	}

	restored, err := s.persist(ctx, current, snapshot, requester)
	if err != nil {
		return store.ThreatModel{}, err
	}
	if err := s.store.UpdateJobStatus(ctx, threatModelID, store.JobComplete); err != nil {
		return store.ThreatModel{}, apperr.FromStore(err)
	}
	restored.JobStatus = store.JobComplete
	return restored, nil
}

// Snapshot captures the current semantic content into the backup field.
// Called before a destructive replay run.
func (s *Service) Snapshot(ctx context.Context, threatModelID string) error {
	current, err := s.get(ctx, threatModelID)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(ContentOf(current))
	if err != nil {
		return apperr.Internal("encode backup snapshot")
	}
	if err := s.store.SetBackup(ctx, threatModelID, encoded); err != nil {
		return apperr.FromStore(err)
	}
	return nil
}

// persist hashes the candidate content and writes it conditionally. An
// unchanged hash keeps the stored timestamp and author so no-op saves never
// bump the version.
func (s *Service) persist(ctx context.Context, current store.ThreatModel, next Content, requester string) (store.ThreatModel, error) {
	newHash := Hash(next)

	updated := current
	updated.Title = next.Title
	updated.Description = next.Description
	updated.Assumptions = next.Assumptions
	updated.Threats = next.Threats
	updated.Assets = next.Assets
	updated.Architecture = next.Architecture
	if newHash != current.ContentHash {
		updated.ContentHash = newHash
		// Truncated to Postgres timestamptz precision so the stamp survives a
		// storage round trip byte-for-byte; a client echoing a fetched
		// timestamp must compare equal, never "older".
		updated.LastModifiedAt = s.now().UTC().Truncate(time.Microsecond)
		updated.LastModifiedBy = requester
	}

	ok, err := s.store.UpdateThreatModelContent(ctx, updated)
	if err != nil {
		return store.ThreatModel{}, apperr.FromStore(err)
	}
	if !ok {
		// The conditional predicate re-validates owner, diagram key and
		// primary key; a failure means they changed underneath us.
		return store.ThreatModel{}, apperr.Unauthorized("threat model ownership changed or record is gone")
	}
	return updated, nil
}

// verifyLock lets the write proceed when no live lock exists; when one does,
// it must belong to the requester and, if a token was supplied, match it.
func (s *Service) verifyLock(ctx context.Context, threatModelID, requester, lockToken string) error {
	status, err := s.locks.Status(ctx, threatModelID)
	if err != nil {
		return err
	}
	if !status.Locked {
		return nil
	}
	if status.HolderID != requester {
		return apperr.Unauthorized("lock is held by another user")
	}
	if lockToken != "" && status.Token != lockToken {
		return apperr.Unauthorized("invalid lock token")
	}
	return nil
}

func (s *Service) get(ctx context.Context, threatModelID string) (store.ThreatModel, error) {
	tm, err := s.store.GetThreatModel(ctx, threatModelID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ThreatModel{}, apperr.NotFound("threat model not found")
		}
		return store.ThreatModel{}, apperr.FromStore(err)
	}
	return tm, nil
}

// View is the wire shape of a threat model.
func View(tm store.ThreatModel) map[string]any {
	view := map[string]any{
		"id":             tm.ID,
		"owner":          tm.Owner,
		"title":          tm.Title,
		"description":    tm.Description,
		"assumptions":    tm.Assumptions,
		"threats":        tm.Threats,
		"assets":         tm.Assets,
		"architecture":   tm.Architecture,
		"contentHash":    tm.ContentHash,
		"jobStatus":      tm.JobStatus,
		"diagramKey":     tm.DiagramKey,
		"createdAt":      tm.CreatedAt.UTC().Format(time.RFC3339Nano),
		"lastModifiedAt": tm.LastModifiedAt.UTC().Format(time.RFC3339Nano),
		"lastModifiedBy": tm.LastModifiedBy,
	}
	if len(tm.Backup) > 0 {
		view["hasBackup"] = true
	}
	return view
}
