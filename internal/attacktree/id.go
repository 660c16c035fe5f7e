package attacktree

import (
	"strings"

	"threatdesk/api/internal/apperr"
)

// DeriveID builds the deterministic composite ID for a threat's attack tree:
// {threat_model_id}_{normalized threat name}. The ID is never stored on the
// threat itself; it is recomputed from the pair at every lookup, which rules
// out dangling-reference bugs at the cost of a little CPU.
func DeriveID(threatModelID, threatName string) (string, error) {
	parent := strings.TrimSpace(threatModelID)
	if parent == "" {
		return "", apperr.Validation("threat model id must not be empty")
	}
	name := strings.TrimSpace(threatName)
	if name == "" {
		return "", apperr.Validation("threat name must not be empty")
	}

	normalized := normalizeName(name)
	if !hasAlphanumeric(normalized) {
		return "", apperr.Validation("threat name contains no usable characters")
	}
	return parent + "_" + normalized, nil
}

// normalizeName lowercases, maps spaces to underscores and drops everything
// outside [a-z0-9_-].
func normalizeName(name string) string {
	lowered := strings.ToLower(name)
	var b strings.Builder
	b.Grow(len(lowered))
	for _, r := range lowered {
		switch {
		case r == ' ':
			b.WriteByte('_')
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}

func hasAlphanumeric(s string) bool {
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return true
		}
	}
	return false
}
