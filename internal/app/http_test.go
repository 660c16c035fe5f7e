package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"threatdesk/api/internal/auth"
	"threatdesk/api/internal/config"
	"threatdesk/api/internal/identity"
	"threatdesk/api/internal/lock"
	"threatdesk/api/internal/session"
	"threatdesk/api/internal/store"
	"threatdesk/api/internal/threatmodel"
)

// --- in-memory store fake ---

type fakeAppStore struct {
	mu       sync.Mutex
	users    map[string]store.User
	models   map[string]store.ThreatModel
	grants   map[string]store.SharingGrant
	statuses map[string]store.AttackTreeStatus
	trees    map[string]store.AttackTreeData
}

func newFakeAppStore() *fakeAppStore {
	return &fakeAppStore{
		users:    map[string]store.User{},
		models:   map[string]store.ThreatModel{},
		grants:   map[string]store.SharingGrant{},
		statuses: map[string]store.AttackTreeStatus{},
		trees:    map[string]store.AttackTreeData{},
	}
}

func grantKey(threatModelID, userID string) string { return threatModelID + "|" + userID }

func (f *fakeAppStore) Ping(context.Context) error { return nil }

func (f *fakeAppStore) CreateUser(_ context.Context, user store.User) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user.ID = "usr_" + user.Email
	user.CreatedAt = time.Now()
	f.users[user.ID] = user
	return user, nil
}

func (f *fakeAppStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.Email == email {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeAppStore) GetUserByID(_ context.Context, userID string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeAppStore) InsertThreatModel(_ context.Context, tm store.ThreatModel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.models[tm.ID] = tm
	return nil
}

func (f *fakeAppStore) GetThreatModel(_ context.Context, id string) (store.ThreatModel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tm, ok := f.models[id]
	if !ok {
		return store.ThreatModel{}, sql.ErrNoRows
	}
	return tm, nil
}

func (f *fakeAppStore) ListThreatModelsByOwner(_ context.Context, owner string) ([]store.ThreatModel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []store.ThreatModel
	for _, tm := range f.models {
		if tm.Owner == owner {
			items = append(items, tm)
		}
	}
	return items, nil
}

func (f *fakeAppStore) BatchGetThreatModels(_ context.Context, ids []string) (map[string]store.ThreatModel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := map[string]store.ThreatModel{}
	for _, id := range ids {
		if tm, ok := f.models[id]; ok {
			result[id] = tm
		}
	}
	return result, nil
}

func (f *fakeAppStore) UpdateThreatModelContent(_ context.Context, tm store.ThreatModel) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.models[tm.ID]
	if !ok || current.Owner != tm.Owner || current.DiagramKey != tm.DiagramKey {
		return false, nil
	}
	f.models[tm.ID] = tm
	return true, nil
}

func (f *fakeAppStore) SetBackup(_ context.Context, id string, backup json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tm := f.models[id]
	tm.Backup = backup
	f.models[id] = tm
	return nil
}

func (f *fakeAppStore) UpdateJobStatus(_ context.Context, id, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tm := f.models[id]
	tm.JobStatus = status
	f.models[id] = tm
	return nil
}

func (f *fakeAppStore) DeleteThreatModel(_ context.Context, id, owner string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tm, ok := f.models[id]
	if !ok || tm.Owner != owner {
		return false, nil
	}
	delete(f.models, id)
	return true, nil
}

func (f *fakeAppStore) GetGrant(_ context.Context, threatModelID, userID string) (store.SharingGrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	grant, ok := f.grants[grantKey(threatModelID, userID)]
	if !ok {
		return store.SharingGrant{}, sql.ErrNoRows
	}
	return grant, nil
}

func (f *fakeAppStore) UpsertGrant(_ context.Context, grant store.SharingGrant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grants[grantKey(grant.ThreatModelID, grant.UserID)] = grant
	return nil
}

func (f *fakeAppStore) DeleteGrant(_ context.Context, threatModelID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := grantKey(threatModelID, userID)
	if _, ok := f.grants[key]; !ok {
		return false, nil
	}
	delete(f.grants, key)
	return true, nil
}

func (f *fakeAppStore) ListGrantsByThreatModel(_ context.Context, threatModelID string) ([]store.SharingGrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var grants []store.SharingGrant
	for _, grant := range f.grants {
		if grant.ThreatModelID == threatModelID {
			grants = append(grants, grant)
		}
	}
	return grants, nil
}

func (f *fakeAppStore) ListGrantsByUser(_ context.Context, userID string) ([]store.SharingGrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var grants []store.SharingGrant
	for _, grant := range f.grants {
		if grant.UserID == userID {
			grants = append(grants, grant)
		}
	}
	return grants, nil
}

func (f *fakeAppStore) DeleteGrantsByThreatModel(_ context.Context, threatModelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, grant := range f.grants {
		if grant.ThreatModelID == threatModelID {
			delete(f.grants, key)
		}
	}
	return nil
}

func (f *fakeAppStore) GetTreeStatus(_ context.Context, treeID string) (store.AttackTreeStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.statuses[treeID]
	if !ok {
		return store.AttackTreeStatus{}, sql.ErrNoRows
	}
	return status, nil
}

func (f *fakeAppStore) PutTreeStatus(_ context.Context, status store.AttackTreeStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[status.ID] = status
	return nil
}

func (f *fakeAppStore) GetTreeData(_ context.Context, treeID string) (store.AttackTreeData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.trees[treeID]
	if !ok {
		return store.AttackTreeData{}, sql.ErrNoRows
	}
	return data, nil
}

func (f *fakeAppStore) PutTreeData(_ context.Context, data store.AttackTreeData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trees[data.ID] = data
	return nil
}

func (f *fakeAppStore) DeleteTreeStatus(_ context.Context, treeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.statuses, treeID)
	return nil
}

func (f *fakeAppStore) DeleteTreeData(_ context.Context, treeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.trees, treeID)
	return nil
}

// --- blob and agent fakes ---

type fakeBlob struct {
	mu      sync.Mutex
	removed []string
}

func (f *fakeBlob) PresignDownload(_ context.Context, key string) (string, error) {
	return "https://blob.test/get/" + key, nil
}

func (f *fakeBlob) PresignUpload(_ context.Context, key string) (string, error) {
	return "https://blob.test/put/" + key, nil
}

func (f *fakeBlob) Remove(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, key)
	return nil
}

type fakeAgent struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeAgent) Invoke(_ context.Context, sessionID string, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, sessionID)
	return nil
}

// --- harness ---

type testEnv struct {
	handler http.Handler
	store   *fakeAppStore
	blob    *fakeBlob
	agent   *fakeAgent
	cfg     config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Config{
		JWTSecret:     "test-secret",
		AccessTTL:     time.Hour,
		LockWindow:    180 * time.Second,
		CallbackToken: "cb-token",
		CORSOrigin:    "*",
	}
	log := zap.NewNop()
	fake := newFakeAppStore()
	names := identity.NewService(fake, log)
	locks := lock.NewManager(client, names, cfg.LockWindow, log)
	sessions := session.NewRedisStore(client, time.Hour)
	blob := &fakeBlob{}
	agentClient := &fakeAgent{}

	service := New(cfg, fake, locks, blob, agentClient, sessions, log)
	return &testEnv{
		handler: NewHTTPServer(service, cfg.CORSOrigin, log).Handler(),
		store:   fake,
		blob:    blob,
		agent:   agentClient,
		cfg:     cfg,
	}
}

func (e *testEnv) addUser(t *testing.T, id, name string) string {
	t.Helper()
	e.store.users[id] = store.User{ID: id, Email: id + "@example.com", DisplayName: name}
	token, err := auth.IssueToken([]byte(e.cfg.JWTSecret), auth.Claims{
		Sub: id, Name: name, Exp: time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func (e *testEnv) addModel(tm store.ThreatModel) store.ThreatModel {
	if tm.DiagramKey == "" {
		tm.DiagramKey = "diagrams/" + tm.ID + ".png"
	}
	if tm.JobStatus == "" {
		tm.JobStatus = store.JobComplete
	}
	tm.ContentHash = threatmodel.Hash(threatmodel.ContentOf(tm))
	e.store.models[tm.ID] = tm
	return tm
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return payload
}

// --- tests ---

func TestUnauthenticatedRequestsAreRejected(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/threat-models", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestSignUpSignInSessionFlow(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/auth/signup", "", map[string]any{
		"email": "alice@example.com", "password": "hunter2hunter2", "displayName": "Alice",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("signup: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	payload := decodeMap(t, rec)
	accessToken, _ := payload["accessToken"].(string)
	refreshToken, _ := payload["refreshToken"].(string)
	if accessToken == "" || refreshToken == "" {
		t.Fatalf("expected both tokens, got %v", payload)
	}

	rec = env.do(t, http.MethodGet, "/api/session", accessToken, nil)
	session := decodeMap(t, rec)
	if session["authenticated"] != true {
		t.Fatalf("expected authenticated session, got %v", session)
	}

	rec = env.do(t, http.MethodPost, "/api/session/refresh", "", map[string]any{"refreshToken": refreshToken})
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d", rec.Code)
	}

	// Rotation invalidated the old refresh token.
	rec = env.do(t, http.MethodPost, "/api/session/refresh", "", map[string]any{"refreshToken": refreshToken})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("reused refresh token: expected 401, got %d", rec.Code)
	}
}

// The collaboration scenario: owner shares with Alice at EDIT, Alice locks,
// Bob has nothing, a downgrade clears Alice's lock and her heartbeat is gone.
func TestLockCollaborationScenario(t *testing.T) {
	env := newTestEnv(t)
	ownerToken := env.addUser(t, "usr_owner", "Owner")
	aliceToken := env.addUser(t, "usr_alice", "Alice")
	bobToken := env.addUser(t, "usr_bob", "Bob")
	env.addModel(store.ThreatModel{ID: "tm-1", Owner: "usr_owner", Title: "Payments"})

	rec := env.do(t, http.MethodPost, "/api/threat-models/tm-1/collaborators", ownerToken, map[string]any{
		"userId": "usr_alice", "accessLevel": "EDIT",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("share: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/api/threat-models/tm-1/lock", aliceToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("alice acquire: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	aliceLock := decodeMap(t, rec)
	lockToken, _ := aliceLock["lockToken"].(string)
	if lockToken == "" {
		t.Fatalf("expected lock token, got %v", aliceLock)
	}

	// Bob has no access at all: Unauthorized, not a lock conflict.
	rec = env.do(t, http.MethodPost, "/api/threat-models/tm-1/lock", bobToken, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("bob acquire: expected 403, got %d", rec.Code)
	}

	// Owner sees the conflict with Alice's display name.
	rec = env.do(t, http.MethodPost, "/api/threat-models/tm-1/lock", ownerToken, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("owner acquire: expected 409, got %d", rec.Code)
	}
	conflict := decodeMap(t, rec)
	if conflict["holderId"] != "usr_alice" || conflict["holderName"] != "Alice" {
		t.Fatalf("unexpected conflict payload %v", conflict)
	}

	// Downgrade to READ_ONLY force-clears Alice's lock.
	rec = env.do(t, http.MethodPut, "/api/threat-models/tm-1/collaborators/usr_alice", ownerToken, map[string]any{
		"accessLevel": "READ_ONLY",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("downgrade: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPut, "/api/threat-models/tm-1/lock", aliceToken, map[string]any{
		"lockToken": lockToken,
	})
	if rec.Code != http.StatusGone {
		t.Fatalf("alice refresh after downgrade: expected 410, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestUpdateConflictCarriesServerState(t *testing.T) {
	env := newTestEnv(t)
	ownerToken := env.addUser(t, "usr_owner", "Owner")
	serverTime := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	env.addModel(store.ThreatModel{
		ID: "tm-1", Owner: "usr_owner", Title: "Payments",
		LastModifiedAt: serverTime, LastModifiedBy: "usr_owner",
	})

	stale := serverTime.Add(-time.Minute).Format(time.RFC3339)
	rec := env.do(t, http.MethodPut, "/api/threat-models/tm-1", ownerToken, map[string]any{
		"lastModifiedAt": stale,
		"title":          "clobbering edit",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	payload := decodeMap(t, rec)
	details, ok := payload["details"].(map[string]any)
	if !ok {
		t.Fatalf("expected reconciliation details, got %v", payload)
	}
	if details["serverTimestamp"] == nil || details["clientTimestamp"] == nil || details["current"] == nil {
		t.Fatalf("details missing reconciliation fields: %v", details)
	}
}

func TestCreateThreatModelStartsAgentRun(t *testing.T) {
	env := newTestEnv(t)
	ownerToken := env.addUser(t, "usr_owner", "Owner")

	rec := env.do(t, http.MethodPost, "/api/threat-models", ownerToken, map[string]any{
		"title": "Payments", "description": "card processing",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	payload := decodeMap(t, rec)
	id, _ := payload["id"].(string)
	if id == "" {
		t.Fatalf("expected model id, got %v", payload)
	}
	if payload["jobStatus"] != store.JobInProgress {
		t.Fatalf("expected IN_PROGRESS, got %v", payload["jobStatus"])
	}
	if len(env.agent.calls) != 1 || env.agent.calls[0] != id {
		t.Fatalf("expected one agent invocation for %q, got %v", id, env.agent.calls)
	}
}

func TestDeleteCascadesEverything(t *testing.T) {
	env := newTestEnv(t)
	ownerToken := env.addUser(t, "usr_owner", "Owner")
	aliceToken := env.addUser(t, "usr_alice", "Alice")

	tm := env.addModel(store.ThreatModel{
		ID: "tm-1", Owner: "usr_owner", Title: "Payments",
		Threats: []store.Threat{{Name: "SQL Injection"}, {Name: "XSS"}},
	})
	env.store.grants[grantKey("tm-1", "usr_alice")] = store.SharingGrant{
		ThreatModelID: "tm-1", UserID: "usr_alice", AccessLevel: store.LevelEdit,
	}
	env.store.statuses["tm-1_sql_injection"] = store.AttackTreeStatus{ID: "tm-1_sql_injection", State: store.TreeCompleted}
	env.store.trees["tm-1_sql_injection"] = store.AttackTreeData{ID: "tm-1_sql_injection", Tree: json.RawMessage(`{}`)}

	// A collaborator must not be able to delete.
	rec := env.do(t, http.MethodDelete, "/api/threat-models/tm-1", aliceToken, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("collaborator delete: expected 403, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodDelete, "/api/threat-models/tm-1", ownerToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("owner delete: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	payload := decodeMap(t, rec)
	if payload["deletedTrees"] != float64(2) || payload["failedTrees"] != float64(0) {
		t.Fatalf("unexpected cascade counts %v", payload)
	}
	if len(env.store.models) != 0 || len(env.store.grants) != 0 || len(env.store.statuses) != 0 || len(env.store.trees) != 0 {
		t.Fatal("expected all dependent records gone")
	}
	if len(env.blob.removed) != 1 || env.blob.removed[0] != tm.DiagramKey {
		t.Fatalf("expected diagram object removed, got %v", env.blob.removed)
	}
}

func TestBatchPresignPreservesOrderAndIsolatesFailures(t *testing.T) {
	env := newTestEnv(t)
	aliceToken := env.addUser(t, "usr_alice", "Alice")

	env.addModel(store.ThreatModel{ID: "tm-mine", Owner: "usr_alice", Title: "Mine"})
	env.addModel(store.ThreatModel{ID: "tm-other", Owner: "usr_other", Title: "Not shared"})

	rec := env.do(t, http.MethodPost, "/api/diagrams/presign/batch", aliceToken, map[string]any{
		"items": []map[string]any{
			{"threatModelId": "tm-mine", "op": "download"},
			{"threatModelId": "tm-missing", "op": "download"},
			{"threatModelId": "tm-other", "op": "download"},
			{"threatModelId": "tm-mine", "op": "upload"},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	payload := decodeMap(t, rec)
	results, ok := payload["results"].([]any)
	if !ok || len(results) != 4 {
		t.Fatalf("expected 4 results in input order, got %v", payload)
	}

	first := results[0].(map[string]any)
	if first["threatModelId"] != "tm-mine" || first["url"] == nil {
		t.Fatalf("expected first item presigned, got %v", first)
	}
	second := results[1].(map[string]any)
	if second["threatModelId"] != "tm-missing" || second["error"] == nil {
		t.Fatalf("expected second item to fail in place, got %v", second)
	}
	third := results[2].(map[string]any)
	if third["threatModelId"] != "tm-other" || third["error"] == nil {
		t.Fatalf("expected third item unauthorized, got %v", third)
	}
	fourth := results[3].(map[string]any)
	if fourth["threatModelId"] != "tm-mine" || fourth["url"] == nil {
		t.Fatalf("expected fourth item presigned for upload, got %v", fourth)
	}
}

func TestAgentCallbackIsTokenGuarded(t *testing.T) {
	env := newTestEnv(t)
	env.addModel(store.ThreatModel{ID: "tm-1", Owner: "usr_owner", JobStatus: store.JobInProgress})

	body := map[string]any{
		"kind": "threat_model", "sessionId": "tm-1", "status": "completed",
		"result": map[string]any{"title": "Generated"},
	}
	encoded, _ := json.Marshal(body)

	req := httptest.NewRequest(http.MethodPost, "/api/internal/agent/callback", bytes.NewReader(encoded))
	req.Header.Set("x-threatdesk-callback-token", "wrong")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: expected 401, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/internal/agent/callback", bytes.NewReader(encoded))
	req.Header.Set("x-threatdesk-callback-token", "cb-token")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid callback: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	tm := env.store.models["tm-1"]
	if tm.Title != "Generated" {
		t.Fatalf("expected agent result applied, got title %q", tm.Title)
	}
	if tm.JobStatus != store.JobComplete {
		t.Fatalf("expected COMPLETE, got %q", tm.JobStatus)
	}
	if tm.LastModifiedBy != threatmodel.SentinelMCP {
		t.Fatalf("expected sentinel author, got %q", tm.LastModifiedBy)
	}
}

func TestAttackTreeGenerateAndFetch(t *testing.T) {
	env := newTestEnv(t)
	ownerToken := env.addUser(t, "usr_owner", "Owner")
	env.addModel(store.ThreatModel{
		ID: "tm-1", Owner: "usr_owner",
		Threats: []store.Threat{{Name: "SQL Injection"}},
	})

	rec := env.do(t, http.MethodPost, "/api/threat-models/tm-1/attack-trees", ownerToken, map[string]any{
		"threatName": "SQL Injection",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("generate: expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/api/threat-models/tm-1/attack-trees?threat=SQL+Injection&view=status", ownerToken, nil)
	status := decodeMap(t, rec)
	if status["state"] != store.TreeInProgress {
		t.Fatalf("expected in_progress, got %v", status)
	}

	// The agent delivers a valid tree through the callback.
	tree := map[string]any{
		"nodes": []map[string]any{{"id": "a", "type": "root", "data": map[string]any{"label": "x"}}},
		"edges": []map[string]any{},
	}
	encoded, _ := json.Marshal(map[string]any{
		"kind": "attack_tree", "sessionId": "tm-1_sql_injection", "status": "completed", "result": tree,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/internal/agent/callback", bytes.NewReader(encoded))
	req.Header.Set("x-threatdesk-callback-token", "cb-token")
	cbRec := httptest.NewRecorder()
	env.handler.ServeHTTP(cbRec, req)
	if cbRec.Code != http.StatusOK {
		t.Fatalf("callback: expected 200, got %d: %s", cbRec.Code, cbRec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/api/threat-models/tm-1/attack-trees?threat=SQL+Injection", ownerToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("fetch tree: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	payload := decodeMap(t, rec)
	if payload["treeId"] != "tm-1_sql_injection" || payload["tree"] == nil {
		t.Fatalf("unexpected tree payload %v", payload)
	}
}
