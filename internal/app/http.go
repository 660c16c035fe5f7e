package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"threatdesk/api/internal/apperr"
	"threatdesk/api/internal/auth"
	"threatdesk/api/internal/lock"
	"threatdesk/api/internal/store"
	"threatdesk/api/internal/threatmodel"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *zap.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, logger *zap.Logger) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.service.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signup" {
		s.handleSignUp(w, r)
		return
	}
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin" {
		s.handleSignIn(w, r)
		return
	}
	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userId":        session.UserID,
			"userName":      session.Name,
		})
		return
	}
	if r.Method == http.MethodPost && r.URL.Path == "/api/session/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		tokens, err := s.service.RefreshSession(r.Context(), body.RefreshToken)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(tokens))
		return
	}
	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		s.service.Logout(r.Context(), body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/internal/agent/callback" {
		s.handleAgentCallback(w, r)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) == 2 && parts[0] == "api" && parts[1] == "threat-models" {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.ListThreatModels(r.Context(), session.UserID)
			s.respond(w, payload, err)
		case http.MethodPost:
			var body CreateThreatModelInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.CreateThreatModel(r.Context(), session.UserID, body)
			if err != nil {
				s.respond(w, nil, err)
				return
			}
			writeJSON(w, http.StatusCreated, payload)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) == 3 && parts[0] == "api" && parts[1] == "diagrams" && parts[2] == "presign" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		var body PresignItem
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		url, err := s.service.PresignDiagram(r.Context(), body.ThreatModelID, session.UserID, body.Op)
		if err != nil {
			s.respond(w, nil, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"url": url})
		return
	}

	if len(parts) == 4 && parts[0] == "api" && parts[1] == "diagrams" && parts[2] == "presign" && parts[3] == "batch" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		var body struct {
			Items []PresignItem `json:"items"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		results, err := s.service.PresignDiagramBatch(r.Context(), session.UserID, body.Items)
		if err != nil {
			s.respond(w, nil, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": results})
		return
	}

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "threat-models" {
		s.handleThreatModel(w, r, session, parts[2], parts)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleThreatModel(w http.ResponseWriter, r *http.Request, session Session, threatModelID string, parts []string) {
	if len(parts) == 3 {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.FetchThreatModel(r.Context(), threatModelID, session.UserID)
			s.respond(w, payload, err)
		case http.MethodPut:
			var body threatmodel.UpdatePayload
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.UpdateThreatModel(r.Context(), threatModelID, body, session.UserID, r.Header.Get("x-lock-token"))
			s.respond(w, payload, err)
		case http.MethodDelete:
			payload, err := s.service.DeleteThreatModel(r.Context(), threatModelID, session.UserID)
			s.respond(w, payload, err)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) == 4 && parts[3] == "restore" && r.Method == http.MethodPost {
		payload, err := s.service.RestoreThreatModel(r.Context(), threatModelID, session.UserID)
		s.respond(w, payload, err)
		return
	}

	if len(parts) == 4 && parts[3] == "replay" && r.Method == http.MethodPost {
		if err := s.service.ReplayThreatModel(r.Context(), threatModelID, session.UserID); err != nil {
			s.respond(w, nil, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
		return
	}

	if len(parts) == 4 && parts[3] == "lock" {
		s.handleLock(w, r, session, threatModelID)
		return
	}

	if len(parts) == 5 && parts[3] == "lock" && parts[4] == "force" && r.Method == http.MethodPost {
		holder, err := s.service.ForceReleaseLock(r.Context(), threatModelID, session.UserID)
		if err != nil {
			s.respond(w, nil, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "previousHolder": holder})
		return
	}

	if len(parts) == 4 && parts[3] == "collaborators" {
		switch r.Method {
		case http.MethodGet:
			collaborators, err := s.service.Collaborators(r.Context(), threatModelID, session.UserID)
			if err != nil {
				s.respond(w, nil, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"collaborators": collaborators})
		case http.MethodPost:
			var body struct {
				UserID      string `json:"userId"`
				AccessLevel string `json:"accessLevel"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			grant, err := s.service.ShareThreatModel(r.Context(), threatModelID, session.UserID, body.UserID, body.AccessLevel)
			if err != nil {
				s.respond(w, nil, err)
				return
			}
			writeJSON(w, http.StatusCreated, grantPayload(grant))
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) == 5 && parts[3] == "collaborators" {
		targetUserID := parts[4]
		switch r.Method {
		case http.MethodPut:
			var body struct {
				AccessLevel string `json:"accessLevel"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			grant, err := s.service.UpdateCollaboratorAccess(r.Context(), threatModelID, session.UserID, targetUserID, body.AccessLevel)
			if err != nil {
				s.respond(w, nil, err)
				return
			}
			writeJSON(w, http.StatusOK, grantPayload(grant))
		case http.MethodDelete:
			if err := s.service.RemoveCollaborator(r.Context(), threatModelID, session.UserID, targetUserID); err != nil {
				s.respond(w, nil, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) == 4 && parts[3] == "attack-trees" {
		s.handleAttackTrees(w, r, session, threatModelID)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleLock(w http.ResponseWriter, r *http.Request, session Session, threatModelID string) {
	switch r.Method {
	case http.MethodGet:
		status, err := s.service.LockStatus(r.Context(), threatModelID, session.UserID)
		if err != nil {
			s.respond(w, nil, err)
			return
		}
		writeJSON(w, http.StatusOK, lockStatusPayload(status))

	case http.MethodPost:
		result, err := s.service.AcquireLock(r.Context(), threatModelID, session.UserID)
		if err != nil {
			s.respond(w, nil, err)
			return
		}
		if !result.Acquired {
			// Expected negative outcome, not a fault: somebody else holds it.
			writeJSON(w, http.StatusConflict, map[string]any{
				"acquired":   false,
				"holderId":   result.HolderID,
				"holderName": result.HolderName,
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"acquired":      true,
			"lockToken":     result.Lock.Token,
			"acquiredAt":    result.Lock.AcquiredAt,
			"lockTimestamp": result.Lock.LockTimestamp,
			"ttl":           result.Lock.TTL,
		})

	case http.MethodPut:
		var body struct {
			LockToken string `json:"lockToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.RefreshLock(r.Context(), threatModelID, session.UserID, body.LockToken)
		if err != nil {
			s.respond(w, nil, err)
			return
		}
		if !result.OK {
			writeJSON(w, http.StatusGone, map[string]any{"ok": false, "reason": result.Reason})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case http.MethodDelete:
		var body struct {
			LockToken string `json:"lockToken"`
		}
		_ = decodeBody(r, &body)
		if err := s.service.ReleaseLock(r.Context(), threatModelID, session.UserID, body.LockToken); err != nil {
			s.respond(w, nil, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleAttackTrees(w http.ResponseWriter, r *http.Request, session Session, threatModelID string) {
	switch r.Method {
	case http.MethodPost:
		var body struct {
			ThreatName string `json:"threatName"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		treeID, err := s.service.GenerateAttackTree(r.Context(), threatModelID, body.ThreatName, session.UserID)
		if err != nil {
			s.respond(w, nil, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"treeId": treeID, "state": "in_progress"})

	case http.MethodGet:
		threatName := strings.TrimSpace(r.URL.Query().Get("threat"))
		if threatName == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "threat query parameter is required", nil)
			return
		}
		if r.URL.Query().Get("view") == "status" {
			status, err := s.service.AttackTreeStatus(r.Context(), threatModelID, threatName, session.UserID)
			if err != nil {
				s.respond(w, nil, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"treeId": status.ID,
				"state":  status.State,
				"detail": status.Detail,
			})
			return
		}
		data, err := s.service.AttackTree(r.Context(), threatModelID, threatName, session.UserID)
		if err != nil {
			s.respond(w, nil, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"treeId": data.ID, "tree": data.Tree})

	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleAgentCallback(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.Header.Get("x-threatdesk-callback-token"))
	if token == "" || token != s.service.CallbackToken() {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	var body CallbackInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.SessionID) == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "sessionId is required", nil)
		return
	}
	if err := s.service.HandleAgentCallback(r.Context(), body); err != nil {
		s.respond(w, nil, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	tokens, err := s.service.SignUp(r.Context(), body.Email, body.Password, body.DisplayName)
	if err != nil {
		s.respond(w, nil, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionPayload(tokens))
}

func (s *HTTPServer) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	tokens, err := s.service.SignIn(r.Context(), body.Email, body.Password)
	if err != nil {
		s.respond(w, nil, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(tokens))
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	return session, true
}

// respond writes payload on success or maps the error onto the wire taxonomy.
func (s *HTTPServer) respond(w http.ResponseWriter, payload any, err error) {
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, x-lock-token")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr.Status, appErr.Code, appErr.Message, appErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func sessionPayload(tokens SessionTokens) map[string]any {
	return map[string]any{
		"accessToken":  tokens.AccessToken,
		"refreshToken": tokens.RefreshToken,
		"userId":       tokens.UserID,
		"userName":     tokens.UserName,
		"expiresAt":    tokens.ExpiresAt.Unix(),
	}
}

func grantPayload(grant store.SharingGrant) map[string]any {
	return map[string]any{
		"threatModelId": grant.ThreatModelID,
		"userId":        grant.UserID,
		"accessLevel":   grant.AccessLevel,
		"sharedBy":      grant.SharedBy,
		"sharedAt":      grant.SharedAt.UTC().Format(time.RFC3339),
	}
}

func lockStatusPayload(status lock.Status) map[string]any {
	if !status.Locked {
		return map[string]any{"locked": false}
	}
	return map[string]any{
		"locked":        true,
		"holderId":      status.HolderID,
		"holderName":    status.HolderName,
		"lockTimestamp": status.LockTimestamp,
		"acquiredAt":    status.AcquiredAt,
		"ttl":           status.TTL,
	}
}
