// Package capture is the durable store for operator-confirmed payloads.
//
// Records are immutable: they are inserted, listed, searched and deleted,
// never updated. The store assigns the id and the creation time.
package capture

import (
	"strings"
	"time"
)

// TimeLayout is how CreatedAt is rendered for display and for search
// matching.
const TimeLayout = time.RFC3339

// Record is a saved capture.
type Record struct {
	ID        int64     `json:"id"`
	Payload   string    `json:"payload"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"created_at"`
}

// matches reports whether q occurs, case-insensitively, in the payload, the
// label, or the rendered creation time. q must already be lower-cased.
func (r *Record) matches(q string) bool {
	return strings.Contains(strings.ToLower(r.Payload), q) ||
		strings.Contains(strings.ToLower(r.Label), q) ||
		strings.Contains(strings.ToLower(r.CreatedAt.Format(TimeLayout)), q)
}

// Normalize trims payload and label and rejects empty values. It is the
// single validation rule shared by the store, the pipeline and the manual
// entry surfaces.
func Normalize(payload, label string) (string, string, error) {
	payload = strings.TrimSpace(payload)
	label = strings.TrimSpace(label)
	if payload == "" {
		return "", "", &ValidationError{Field: "payload", Reason: "must not be empty"}
	}
	if label == "" {
		return "", "", &ValidationError{Field: "label", Reason: "must not be empty"}
	}
	return payload, label, nil
}

// ValidateLabel applies the label half of Normalize.
func ValidateLabel(label string) (string, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return "", &ValidationError{Field: "label", Reason: "must not be empty"}
	}
	return label, nil
}
