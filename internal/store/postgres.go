package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// batchSize bounds a single batch-get round trip.
const batchSize = 100

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	const query = `
		INSERT INTO users (email, display_name, password_hash)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`
	err := s.db.QueryRowContext(ctx, query, user.Email, user.DisplayName, user.PasswordHash).
		Scan(&user.ID, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	const query = `SELECT id, email, display_name, password_hash, created_at FROM users WHERE email = $1`
	var user User
	err := s.db.QueryRowContext(ctx, query, email).
		Scan(&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	const query = `SELECT id, email, display_name, password_hash, created_at FROM users WHERE id = $1`
	var user User
	err := s.db.QueryRowContext(ctx, query, userID).
		Scan(&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// --- threat models ---

const threatModelColumns = `
	id, owner, title, description, assumptions, threats, assets, architecture,
	content_hash, backup, job_status, diagram_key,
	created_at, last_modified_at, last_modified_by
`

func (s *PostgresStore) InsertThreatModel(ctx context.Context, tm ThreatModel) error {
	assumptions, threats, assets, architecture, err := marshalContent(tm)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO threat_models (
			id, owner, title, description, assumptions, threats, assets, architecture,
			content_hash, job_status, diagram_key, last_modified_at, last_modified_by
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err = s.db.ExecContext(ctx, query,
		tm.ID, tm.Owner, tm.Title, tm.Description, assumptions, threats, assets, architecture,
		tm.ContentHash, tm.JobStatus, tm.DiagramKey, tm.LastModifiedAt, tm.LastModifiedBy,
	)
	if err != nil {
		return fmt.Errorf("insert threat model: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetThreatModel(ctx context.Context, threatModelID string) (ThreatModel, error) {
	query := `SELECT ` + threatModelColumns + ` FROM threat_models WHERE id = $1`
	return scanThreatModel(s.db.QueryRowContext(ctx, query, threatModelID))
}

func (s *PostgresStore) ListThreatModelsByOwner(ctx context.Context, owner string) ([]ThreatModel, error) {
	query := `SELECT ` + threatModelColumns + ` FROM threat_models WHERE owner = $1 ORDER BY last_modified_at DESC`
	rows, err := s.db.QueryContext(ctx, query, owner)
	if err != nil {
		return nil, fmt.Errorf("list threat models: %w", err)
	}
	defer rows.Close()

	var items []ThreatModel
	for rows.Next() {
		tm, err := scanThreatModel(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, tm)
	}
	return items, rows.Err()
}

// BatchGetThreatModels fetches a set of threat models in bounded chunks and
// returns them keyed by ID. Missing IDs are simply absent from the map.
func (s *PostgresStore) BatchGetThreatModels(ctx context.Context, ids []string) (map[string]ThreatModel, error) {
	result := make(map[string]ThreatModel, len(ids))
	for start := 0; start < len(ids); start += batchSize {
		end := start + batchSize
		if end > len(ids) {
			end = len(ids)
		}
		query := `SELECT ` + threatModelColumns + ` FROM threat_models WHERE id = ANY($1)`
		rows, err := s.db.QueryContext(ctx, query, ids[start:end])
		if err != nil {
			return nil, fmt.Errorf("batch get threat models: %w", err)
		}
		for rows.Next() {
			tm, err := scanThreatModel(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			result[tm.ID] = tm
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return result, nil
}

// UpdateThreatModelContent persists new semantic content conditionally: the
// row's owner and diagram key must still match the caller-observed values.
// Returns false when the condition fails, which callers treat as an
// ownership violation rather than a generic error.
func (s *PostgresStore) UpdateThreatModelContent(ctx context.Context, tm ThreatModel) (bool, error) {
	assumptions, threats, assets, architecture, err := marshalContent(tm)
	if err != nil {
		return false, err
	}
	const query = `
		UPDATE threat_models
		SET title = $1, description = $2, assumptions = $3, threats = $4, assets = $5,
			architecture = $6, content_hash = $7, last_modified_at = $8, last_modified_by = $9
		WHERE id = $10 AND owner = $11 AND diagram_key = $12
	`
	res, err := s.db.ExecContext(ctx, query,
		tm.Title, tm.Description, assumptions, threats, assets, architecture,
		tm.ContentHash, tm.LastModifiedAt, tm.LastModifiedBy,
		tm.ID, tm.Owner, tm.DiagramKey,
	)
	if err != nil {
		return false, fmt.Errorf("update threat model: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *PostgresStore) SetBackup(ctx context.Context, threatModelID string, backup json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE threat_models SET backup = $1 WHERE id = $2`, []byte(backup), threatModelID)
	if err != nil {
		return fmt.Errorf("set backup: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, threatModelID, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE threat_models SET job_status = $1 WHERE id = $2`, status, threatModelID)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return nil
}

// DeleteThreatModel is conditional on ownership; false means the row was
// missing or owned by someone else.
func (s *PostgresStore) DeleteThreatModel(ctx context.Context, threatModelID, owner string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM threat_models WHERE id = $1 AND owner = $2`, threatModelID, owner)
	if err != nil {
		return false, fmt.Errorf("delete threat model: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// --- sharing grants ---

func (s *PostgresStore) GetGrant(ctx context.Context, threatModelID, userID string) (SharingGrant, error) {
	const query = `
		SELECT threat_model_id, user_id, access_level, shared_by, shared_at
		FROM sharing_grants WHERE threat_model_id = $1 AND user_id = $2
	`
	var grant SharingGrant
	err := s.db.QueryRowContext(ctx, query, threatModelID, userID).
		Scan(&grant.ThreatModelID, &grant.UserID, &grant.AccessLevel, &grant.SharedBy, &grant.SharedAt)
	if err != nil {
		return SharingGrant{}, err
	}
	return grant, nil
}

func (s *PostgresStore) ListGrantsByThreatModel(ctx context.Context, threatModelID string) ([]SharingGrant, error) {
	const query = `
		SELECT threat_model_id, user_id, access_level, shared_by, shared_at
		FROM sharing_grants WHERE threat_model_id = $1 ORDER BY shared_at
	`
	return s.listGrants(ctx, query, threatModelID)
}

func (s *PostgresStore) ListGrantsByUser(ctx context.Context, userID string) ([]SharingGrant, error) {
	const query = `
		SELECT threat_model_id, user_id, access_level, shared_by, shared_at
		FROM sharing_grants WHERE user_id = $1 ORDER BY shared_at
	`
	return s.listGrants(ctx, query, userID)
}

func (s *PostgresStore) listGrants(ctx context.Context, query string, arg string) ([]SharingGrant, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()

	var grants []SharingGrant
	for rows.Next() {
		var grant SharingGrant
		if err := rows.Scan(&grant.ThreatModelID, &grant.UserID, &grant.AccessLevel, &grant.SharedBy, &grant.SharedAt); err != nil {
			return nil, err
		}
		grants = append(grants, grant)
	}
	return grants, rows.Err()
}

func (s *PostgresStore) UpsertGrant(ctx context.Context, grant SharingGrant) error {
	const query = `
		INSERT INTO sharing_grants (threat_model_id, user_id, access_level, shared_by, shared_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (threat_model_id, user_id)
		DO UPDATE SET access_level = EXCLUDED.access_level, shared_by = EXCLUDED.shared_by, shared_at = EXCLUDED.shared_at
	`
	_, err := s.db.ExecContext(ctx, query,
		grant.ThreatModelID, grant.UserID, grant.AccessLevel, grant.SharedBy, grant.SharedAt)
	if err != nil {
		return fmt.Errorf("upsert grant: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteGrant(ctx context.Context, threatModelID, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sharing_grants WHERE threat_model_id = $1 AND user_id = $2`, threatModelID, userID)
	if err != nil {
		return false, fmt.Errorf("delete grant: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *PostgresStore) DeleteGrantsByThreatModel(ctx context.Context, threatModelID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sharing_grants WHERE threat_model_id = $1`, threatModelID)
	if err != nil {
		return fmt.Errorf("delete grants: %w", err)
	}
	return nil
}

// --- attack trees ---

func (s *PostgresStore) GetTreeStatus(ctx context.Context, treeID string) (AttackTreeStatus, error) {
	const query = `SELECT id, state, detail, updated_at FROM attack_tree_status WHERE id = $1`
	var status AttackTreeStatus
	err := s.db.QueryRowContext(ctx, query, treeID).
		Scan(&status.ID, &status.State, &status.Detail, &status.UpdatedAt)
	if err != nil {
		return AttackTreeStatus{}, err
	}
	return status, nil
}

func (s *PostgresStore) PutTreeStatus(ctx context.Context, status AttackTreeStatus) error {
	const query = `
		INSERT INTO attack_tree_status (id, state, detail, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, detail = EXCLUDED.detail, updated_at = EXCLUDED.updated_at
	`
	_, err := s.db.ExecContext(ctx, query, status.ID, status.State, status.Detail, status.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put tree status: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTreeData(ctx context.Context, treeID string) (AttackTreeData, error) {
	const query = `SELECT id, tree, updated_at FROM attack_tree_data WHERE id = $1`
	var data AttackTreeData
	var raw []byte
	err := s.db.QueryRowContext(ctx, query, treeID).Scan(&data.ID, &raw, &data.UpdatedAt)
	if err != nil {
		return AttackTreeData{}, err
	}
	data.Tree = json.RawMessage(raw)
	return data, nil
}

func (s *PostgresStore) PutTreeData(ctx context.Context, data AttackTreeData) error {
	const query = `
		INSERT INTO attack_tree_data (id, tree, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET tree = EXCLUDED.tree, updated_at = EXCLUDED.updated_at
	`
	_, err := s.db.ExecContext(ctx, query, data.ID, []byte(data.Tree), data.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put tree data: %w", err)
	}
	return nil
}

// DeleteTreeStatus treats an already-absent row as success.
func (s *PostgresStore) DeleteTreeStatus(ctx context.Context, treeID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM attack_tree_status WHERE id = $1`, treeID)
	if err != nil {
		return fmt.Errorf("delete tree status: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteTreeData(ctx context.Context, treeID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM attack_tree_data WHERE id = $1`, treeID)
	if err != nil {
		return fmt.Errorf("delete tree data: %w", err)
	}
	return nil
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThreatModel(row rowScanner) (ThreatModel, error) {
	var tm ThreatModel
	var assumptions, threats, assets, architecture []byte
	var backup []byte
	err := row.Scan(
		&tm.ID, &tm.Owner, &tm.Title, &tm.Description,
		&assumptions, &threats, &assets, &architecture,
		&tm.ContentHash, &backup, &tm.JobStatus, &tm.DiagramKey,
		&tm.CreatedAt, &tm.LastModifiedAt, &tm.LastModifiedBy,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ThreatModel{}, err
		}
		return ThreatModel{}, fmt.Errorf("scan threat model: %w", err)
	}
	if err := json.Unmarshal(assumptions, &tm.Assumptions); err != nil {
		return ThreatModel{}, fmt.Errorf("decode assumptions: %w", err)
	}
	if err := json.Unmarshal(threats, &tm.Threats); err != nil {
		return ThreatModel{}, fmt.Errorf("decode threats: %w", err)
	}
	if err := json.Unmarshal(assets, &tm.Assets); err != nil {
		return ThreatModel{}, fmt.Errorf("decode assets: %w", err)
	}
	if err := json.Unmarshal(architecture, &tm.Architecture); err != nil {
		return ThreatModel{}, fmt.Errorf("decode architecture: %w", err)
	}
	if backup != nil {
		tm.Backup = json.RawMessage(backup)
	}
	return tm, nil
}

func marshalContent(tm ThreatModel) (assumptions, threats, assets, architecture []byte, err error) {
	if tm.Assumptions == nil {
		tm.Assumptions = []string{}
	}
	if tm.Threats == nil {
		tm.Threats = []Threat{}
	}
	if tm.Assets == nil {
		tm.Assets = []Asset{}
	}
	if assumptions, err = json.Marshal(tm.Assumptions); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode assumptions: %w", err)
	}
	if threats, err = json.Marshal(tm.Threats); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode threats: %w", err)
	}
	if assets, err = json.Marshal(tm.Assets); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode assets: %w", err)
	}
	if architecture, err = json.Marshal(tm.Architecture); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode architecture: %w", err)
	}
	return assumptions, threats, assets, architecture, nil
}
