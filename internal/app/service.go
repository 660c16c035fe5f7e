// Package app wires the component services together and exposes them to the
// HTTP layer. Construction happens once at process start; every dependency is
// injected, nothing is package-global.
package app

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"threatdesk/api/internal/access"
	"threatdesk/api/internal/apperr"
	"threatdesk/api/internal/attacktree"
	"threatdesk/api/internal/auth"
	"threatdesk/api/internal/config"
	"threatdesk/api/internal/identity"
	"threatdesk/api/internal/lock"
	"threatdesk/api/internal/session"
	"threatdesk/api/internal/sharing"
	"threatdesk/api/internal/store"
	"threatdesk/api/internal/threatmodel"
	"threatdesk/api/internal/util"
)

// Store is everything the service layer needs from the record store. The
// Postgres store satisfies it; tests use an in-memory fake.
type Store interface {
	access.Store
	threatmodel.Store
	sharing.Store
	attacktree.Store
	identity.Store

	InsertThreatModel(ctx context.Context, tm store.ThreatModel) error
	ListThreatModelsByOwner(ctx context.Context, owner string) ([]store.ThreatModel, error)
	DeleteThreatModel(ctx context.Context, threatModelID, owner string) (bool, error)
	DeleteGrantsByThreatModel(ctx context.Context, threatModelID string) error
	Ping(ctx context.Context) error
}

// Blob is the diagram object store: presigned URL issuance plus delete-by-key.
type Blob interface {
	PresignDownload(ctx context.Context, key string) (string, error)
	PresignUpload(ctx context.Context, key string) (string, error)
	Remove(ctx context.Context, key string) error
}

// Invoker starts an agent run, fire-and-forget.
type Invoker interface {
	Invoke(ctx context.Context, sessionID string, payload map[string]any) error
}

// Sessions stores refresh-token sessions.
type Sessions interface {
	Save(ctx context.Context, tokenHash string, data session.TokenData) error
	Lookup(ctx context.Context, tokenHash string) (session.TokenData, error)
	Revoke(ctx context.Context, tokenHash string) error
}

type Session struct {
	UserID string
	Name   string
}

type SessionTokens struct {
	AccessToken  string
	RefreshToken string
	UserID       string
	UserName     string
	ExpiresAt    time.Time
}

type Service struct {
	cfg      config.Config
	store    Store
	locks    *lock.Manager
	blob     Blob
	agent    Invoker
	sessions Sessions
	logger   *zap.Logger

	access   *access.Resolver
	identity *identity.Service
	models   *threatmodel.Service
	sharing  *sharing.Service
	trees    *attacktree.Service

	now func() time.Time
}

func New(cfg config.Config, dataStore Store, locks *lock.Manager, blob Blob, agent Invoker, sessions Sessions, logger *zap.Logger) *Service {
	resolver := access.NewResolver(dataStore)
	identitySvc := identity.NewService(dataStore, logger)
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		locks:    locks,
		blob:     blob,
		agent:    agent,
		sessions: sessions,
		logger:   logger,
		access:   resolver,
		identity: identitySvc,
		models:   threatmodel.NewService(dataStore, resolver, locks, logger),
		sharing:  sharing.NewService(dataStore, resolver, locks, identitySvc, logger),
		trees:    attacktree.NewService(dataStore, resolver, agent, logger),
		now:      time.Now,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) CallbackToken() string {
	return s.cfg.CallbackToken
}

// --- sessions ---

func (s *Service) SignUp(ctx context.Context, email, password, displayName string) (SessionTokens, error) {
	user, err := s.identity.SignUp(ctx, email, password, displayName)
	if err != nil {
		return SessionTokens{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (SessionTokens, error) {
	user, err := s.identity.SignIn(ctx, email, password)
	if err != nil {
		return SessionTokens{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (SessionTokens, error) {
	expiresAt := s.now().Add(s.cfg.AccessTTL)
	accessToken, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return SessionTokens{}, apperr.Internal("issue access token")
	}

	refreshToken := util.NewID("")
	if err := s.sessions.Save(ctx, session.HashToken(refreshToken), session.TokenData{
		UserID:      user.ID,
		DisplayName: user.DisplayName,
	}); err != nil {
		return SessionTokens{}, apperr.Internal("persist refresh session")
	}

	return SessionTokens{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{UserID: claims.Sub, Name: claims.Name}, nil
}

// RefreshSession rotates the refresh token: the presented one is revoked and a
// fresh pair is issued.
func (s *Service) RefreshSession(ctx context.Context, refreshToken string) (SessionTokens, error) {
	hash := session.HashToken(refreshToken)
	data, err := s.sessions.Lookup(ctx, hash)
	if err != nil {
		return SessionTokens{}, apperr.Unauthorized("refresh token invalid")
	}
	_ = s.sessions.Revoke(ctx, hash)
	return s.issueSession(ctx, store.User{ID: data.UserID, DisplayName: data.DisplayName})
}

func (s *Service) Logout(ctx context.Context, refreshToken string) {
	if refreshToken == "" {
		return
	}
	if err := s.sessions.Revoke(ctx, session.HashToken(refreshToken)); err != nil {
		s.logger.Warn("refresh session revoke failed", zap.Error(err))
	}
}

// --- threat models ---

type CreateThreatModelInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// CreateThreatModel inserts the new document and kicks off the agent pipeline
// that fills in the catalog. The record exists immediately with job status
// IN_PROGRESS; the agent reports back through the callback route.
func (s *Service) CreateThreatModel(ctx context.Context, userID string, input CreateThreatModelInput) (map[string]any, error) {
	if input.Title == "" {
		return nil, apperr.Validation("title is required")
	}
	if input.Description == "" {
		return nil, apperr.Validation("description is required")
	}

	id := util.NewID("tm")
	now := s.now().UTC().Truncate(time.Microsecond)
	tm := store.ThreatModel{
		ID:             id,
		Owner:          userID,
		Title:          input.Title,
		Description:    input.Description,
		Assumptions:    []string{},
		Threats:        []store.Threat{},
		Assets:         []store.Asset{},
		JobStatus:      store.JobInProgress,
		DiagramKey:     "diagrams/" + id + ".png",
		CreatedAt:      now,
		LastModifiedAt: now,
		LastModifiedBy: userID,
	}
	tm.ContentHash = threatmodel.Hash(threatmodel.ContentOf(tm))

	if err := s.store.InsertThreatModel(ctx, tm); err != nil {
		return nil, apperr.FromStore(err)
	}

	if err := s.agent.Invoke(ctx, id, map[string]any{
		"kind":        "threat_model",
		"title":       input.Title,
		"description": input.Description,
	}); err != nil {
		s.markJobFailed(ctx, id)
		return nil, apperr.Internal("agent invocation failed")
	}
	return threatmodel.View(tm), nil
}

func (s *Service) ListThreatModels(ctx context.Context, userID string) (map[string]any, error) {
	owned, err := s.store.ListThreatModelsByOwner(ctx, userID)
	if err != nil {
		return nil, apperr.FromStore(err)
	}
	ownedViews := make([]map[string]any, 0, len(owned))
	for _, tm := range owned {
		ownedViews = append(ownedViews, threatmodel.View(tm))
	}

	shared, err := s.sharing.SharedWith(ctx, userID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"owned": ownedViews, "shared": shared}, nil
}

func (s *Service) FetchThreatModel(ctx context.Context, threatModelID, requester string) (map[string]any, error) {
	result, err := s.models.Fetch(ctx, threatModelID, requester)
	if err != nil {
		return nil, err
	}
	view := threatmodel.View(result.ThreatModel)
	if result.Enriched {
		view["isOwner"] = result.IsOwner
		view["accessLevel"] = result.AccessLevel
	}
	return view, nil
}

func (s *Service) UpdateThreatModel(ctx context.Context, threatModelID string, payload threatmodel.UpdatePayload, requester, lockToken string) (map[string]any, error) {
	updated, err := s.models.Update(ctx, threatModelID, payload, requester, lockToken)
	if err != nil {
		return nil, err
	}
	return threatmodel.View(updated), nil
}

func (s *Service) RestoreThreatModel(ctx context.Context, threatModelID, requester string) (map[string]any, error) {
	restored, err := s.models.Restore(ctx, threatModelID, requester)
	if err != nil {
		return nil, err
	}
	return threatmodel.View(restored), nil
}

// ReplayThreatModel re-runs the agent pipeline over an existing document. The
// current semantic content is snapshotted first so Restore can undo the run.
func (s *Service) ReplayThreatModel(ctx context.Context, threatModelID, requester string) error {
	if _, err := s.access.RequireAccess(ctx, threatModelID, requester, store.LevelEdit); err != nil {
		return err
	}
	if err := s.models.Snapshot(ctx, threatModelID); err != nil {
		return err
	}
	if err := s.store.UpdateJobStatus(ctx, threatModelID, store.JobInProgress); err != nil {
		return apperr.FromStore(err)
	}
	if err := s.agent.Invoke(ctx, threatModelID, map[string]any{"kind": "replay"}); err != nil {
		s.markJobFailed(ctx, threatModelID)
		return apperr.Internal("agent invocation failed")
	}
	return nil
}

// DeleteThreatModel removes the document and everything hanging off it:
// lock, attack trees, sharing grants, diagram object, then the row itself.
// The dependent cleanup is best-effort; only the final row delete can fail
// the operation. No transaction spans these records, so a concurrent lock
// acquisition can race the delete; last deleter wins.
func (s *Service) DeleteThreatModel(ctx context.Context, threatModelID, requester string) (map[string]any, error) {
	if _, err := s.access.RequireOwner(ctx, threatModelID, requester); err != nil {
		return nil, err
	}
	tm, err := s.models.Fetch(ctx, threatModelID, threatmodel.SentinelMCP)
	if err != nil {
		return nil, err
	}

	if holder, err := s.locks.ForceRelease(ctx, threatModelID); err == nil && holder != "" {
		s.logger.Info("lock cleared by delete",
			zap.String("threat_model_id", threatModelID),
			zap.String("previous_holder", holder))
	}

	deleted, failed := s.trees.CascadeDelete(ctx, tm.ThreatModel)

	if err := s.store.DeleteGrantsByThreatModel(ctx, threatModelID); err != nil {
		s.logger.Warn("failed to delete sharing grants",
			zap.String("threat_model_id", threatModelID), zap.Error(err))
	}
	if tm.ThreatModel.DiagramKey != "" {
		if err := s.blob.Remove(ctx, tm.ThreatModel.DiagramKey); err != nil {
			s.logger.Warn("failed to delete diagram object",
				zap.String("key", tm.ThreatModel.DiagramKey), zap.Error(err))
		}
	}

	ok, err := s.store.DeleteThreatModel(ctx, threatModelID, requester)
	if err != nil {
		return nil, apperr.FromStore(err)
	}
	if !ok {
		return nil, apperr.Unauthorized("threat model ownership changed or record is gone")
	}
	return map[string]any{
		"deleted":      true,
		"deletedTrees": deleted,
		"failedTrees":  failed,
	}, nil
}

func (s *Service) markJobFailed(ctx context.Context, threatModelID string) {
	if err := s.store.UpdateJobStatus(ctx, threatModelID, store.JobFailed); err != nil {
		s.logger.Warn("failed to mark job as failed",
			zap.String("threat_model_id", threatModelID), zap.Error(err))
	}
}

// --- locks ---

func (s *Service) AcquireLock(ctx context.Context, threatModelID, userID string) (lock.AcquireResult, error) {
	if _, err := s.access.RequireAccess(ctx, threatModelID, userID, store.LevelEdit); err != nil {
		return lock.AcquireResult{}, err
	}
	return s.locks.Acquire(ctx, threatModelID, userID)
}

func (s *Service) RefreshLock(ctx context.Context, threatModelID, userID, token string) (lock.RefreshResult, error) {
	return s.locks.Refresh(ctx, threatModelID, userID, token)
}

func (s *Service) ReleaseLock(ctx context.Context, threatModelID, userID, token string) error {
	return s.locks.Release(ctx, threatModelID, userID, token)
}

func (s *Service) LockStatus(ctx context.Context, threatModelID, userID string) (lock.Status, error) {
	if _, err := s.access.RequireAccess(ctx, threatModelID, userID, store.LevelReadOnly); err != nil {
		return lock.Status{}, err
	}
	return s.locks.Status(ctx, threatModelID)
}

func (s *Service) ForceReleaseLock(ctx context.Context, threatModelID, userID string) (string, error) {
	if _, err := s.access.RequireOwner(ctx, threatModelID, userID); err != nil {
		return "", err
	}
	return s.locks.ForceRelease(ctx, threatModelID)
}

// --- sharing ---

func (s *Service) ShareThreatModel(ctx context.Context, threatModelID, owner, targetUserID, level string) (store.SharingGrant, error) {
	return s.sharing.Share(ctx, threatModelID, owner, targetUserID, level)
}

func (s *Service) Collaborators(ctx context.Context, threatModelID, requester string) ([]sharing.Collaborator, error) {
	return s.sharing.Collaborators(ctx, threatModelID, requester)
}

func (s *Service) UpdateCollaboratorAccess(ctx context.Context, threatModelID, owner, targetUserID, level string) (store.SharingGrant, error) {
	return s.sharing.UpdateAccess(ctx, threatModelID, owner, targetUserID, level)
}

func (s *Service) RemoveCollaborator(ctx context.Context, threatModelID, owner, targetUserID string) error {
	return s.sharing.Remove(ctx, threatModelID, owner, targetUserID)
}

// --- attack trees ---

func (s *Service) GenerateAttackTree(ctx context.Context, threatModelID, threatName, requester string) (string, error) {
	return s.trees.Generate(ctx, threatModelID, threatName, requester)
}

func (s *Service) AttackTreeStatus(ctx context.Context, threatModelID, threatName, requester string) (store.AttackTreeStatus, error) {
	return s.trees.StatusFor(ctx, threatModelID, threatName, requester)
}

func (s *Service) AttackTree(ctx context.Context, threatModelID, threatName, requester string) (store.AttackTreeData, error) {
	return s.trees.Tree(ctx, threatModelID, threatName, requester)
}

// --- agent callback ---

type CallbackInput struct {
	Kind      string          `json:"kind"`
	SessionID string          `json:"sessionId"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// HandleAgentCallback ingests a completed or failed agent run. For threat
// model runs the session ID is the document ID and the result is applied
// through the versioned store under the MCP sentinel; for attack tree runs it
// is the derived tree ID and the result goes through structural validation.
func (s *Service) HandleAgentCallback(ctx context.Context, input CallbackInput) error {
	switch input.Kind {
	case "threat_model":
		if input.Status != "completed" {
			s.markJobFailed(ctx, input.SessionID)
			return nil
		}
		var payload threatmodel.UpdatePayload
		if err := json.Unmarshal(input.Result, &payload); err != nil {
			s.markJobFailed(ctx, input.SessionID)
			return apperr.Validation("threat model result is not valid JSON")
		}
		if _, err := s.models.Update(ctx, input.SessionID, payload, threatmodel.SentinelMCP, ""); err != nil {
			return err
		}
		if err := s.store.UpdateJobStatus(ctx, input.SessionID, store.JobComplete); err != nil {
			return apperr.FromStore(err)
		}
		return nil

	case "attack_tree":
		if input.Status != "completed" {
			detail := input.Error
			if detail == "" {
				detail = "agent run failed"
			}
			s.trees.MarkFailed(ctx, input.SessionID, detail)
			return nil
		}
		return s.trees.StoreResult(ctx, input.SessionID, input.Result)

	default:
		return apperr.Validation("unknown callback kind")
	}
}
