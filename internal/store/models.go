package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	CreatedAt    time.Time
}

// Threat is one entry of a threat model's catalog. The threat name doubles as
// the seed for the derived attack-tree ID, so it is never paired with a stored
// foreign key.
type Threat struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Stride      []string `json:"stride,omitempty"`
	Target      string   `json:"target,omitempty"`
	Likelihood  string   `json:"likelihood,omitempty"`
	Impact      string   `json:"impact,omitempty"`
	Mitigations []string `json:"mitigations,omitempty"`
}

type Asset struct {
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Criticality string `json:"criticality,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

type DataFlow struct {
	Source      string `json:"source"`
	Target      string `json:"target"`
	Protocol    string `json:"protocol,omitempty"`
	Description string `json:"description,omitempty"`
}

type Architecture struct {
	Description     string     `json:"description,omitempty"`
	DataFlows       []DataFlow `json:"dataFlows,omitempty"`
	TrustBoundaries []string   `json:"trustBoundaries,omitempty"`
}

// Job states for the asynchronous agent pipeline.
const (
	JobInProgress = "IN_PROGRESS"
	JobComplete   = "COMPLETE"
	JobFailed     = "FAILED"
)

type ThreatModel struct {
	ID           string
	Owner        string
	Title        string
	Description  string
	Assumptions  []string
	Threats      []Threat
	Assets       []Asset
	Architecture Architecture

	// ContentHash covers only the semantic fields above, never metadata.
	ContentHash string

	// Backup holds a pre-replay snapshot of the semantic content, nil when no
	// replay has been started.
	Backup json.RawMessage

	JobStatus  string
	DiagramKey string

	CreatedAt      time.Time
	LastModifiedAt time.Time
	LastModifiedBy string
}

// Sharing access levels. OWNER is computed, never stored in a grant.
const (
	LevelReadOnly = "READ_ONLY"
	LevelEdit     = "EDIT"
	LevelOwner    = "OWNER"
)

type SharingGrant struct {
	ThreatModelID string
	UserID        string
	AccessLevel   string
	SharedBy      string
	SharedAt      time.Time
}

// Attack tree lifecycle states.
const (
	TreeInProgress = "in_progress"
	TreeCompleted  = "completed"
	TreeFailed     = "failed"
	TreeNotFound   = "not_found"
)

// AttackTreeStatus and AttackTreeData are both keyed by the derived composite
// ID {threat_model_id}_{normalized threat name}.
type AttackTreeStatus struct {
	ID        string
	State     string
	Detail    string
	UpdatedAt time.Time
}

type AttackTreeData struct {
	ID        string
	Tree      json.RawMessage
	UpdatedAt time.Time
}
