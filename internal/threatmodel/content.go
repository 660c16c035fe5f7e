package threatmodel

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"threatdesk/api/internal/store"
)

// Content is the semantically meaningful subset of a threat model: the fields
// a human edit actually changes. Timestamps, lock metadata and ownership are
// deliberately excluded so metadata churn never reads as a content change.
type Content struct {
	Title        string             `json:"title"`
	Description  string             `json:"description"`
	Assumptions  []string           `json:"assumptions"`
	Threats      []store.Threat     `json:"threats"`
	Assets       []store.Asset      `json:"assets"`
	Architecture store.Architecture `json:"architecture"`
}

func ContentOf(tm store.ThreatModel) Content {
	return Content{
		Title:        tm.Title,
		Description:  tm.Description,
		Assumptions:  tm.Assumptions,
		Threats:      tm.Threats,
		Assets:       tm.Assets,
		Architecture: tm.Architecture,
	}
}

// Hash returns the hex SHA-256 of the canonical JSON encoding of the content.
// Nil and empty collections hash identically, so a round-trip through storage
// never produces a spurious version bump.
func Hash(content Content) string {
	if content.Assumptions == nil {
		content.Assumptions = []string{}
	}
	if content.Threats == nil {
		content.Threats = []store.Threat{}
	}
	if content.Assets == nil {
		content.Assets = []store.Asset{}
	}
	encoded, err := json.Marshal(content)
	if err != nil {
		// Content is plain data; Marshal cannot fail on it.
		return ""
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

// UpdatePayload is the closed update vocabulary. Absent fields leave the
// current value untouched; LastModifiedAt is the client-observed server
// timestamp used for conflict detection.
type UpdatePayload struct {
	LastModifiedAt *time.Time          `json:"lastModifiedAt,omitempty"`
	Title          *string             `json:"title,omitempty"`
	Description    *string             `json:"description,omitempty"`
	Assumptions    *[]string           `json:"assumptions,omitempty"`
	Threats        *[]store.Threat     `json:"threats,omitempty"`
	Assets         *[]store.Asset      `json:"assets,omitempty"`
	Architecture   *store.Architecture `json:"architecture,omitempty"`
}

func (p UpdatePayload) apply(content Content) Content {
	if p.Title != nil {
		content.Title = *p.Title
	}
	if p.Description != nil {
		content.Description = *p.Description
	}
	if p.Assumptions != nil {
		content.Assumptions = *p.Assumptions
	}
	if p.Threats != nil {
		content.Threats = *p.Threats
	}
	if p.Assets != nil {
		content.Assets = *p.Assets
	}
	if p.Architecture != nil {
		content.Architecture = *p.Architecture
	}
	return content
}
