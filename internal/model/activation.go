package model

import (
	"fmt"
	"strings"
	"time"
)

// ActivationStatus is the persisted state of an activation code.  The
// stored and wire values are the strings ON and OFF.
type ActivationStatus string

const (
	// StatusActive means the code can currently satisfy an activation
	// requirement (subject to ActivateAt).
	StatusActive ActivationStatus = "ON"
	// StatusDisabled means the code was consumed or turned off by an admin.
	StatusDisabled ActivationStatus = "OFF"
)

// ParseStatus converts a wire value into an ActivationStatus.  Only the
// exact strings ON and OFF are accepted.
func ParseStatus(s string) (ActivationStatus, error) {
	switch ActivationStatus(s) {
	case StatusActive, StatusDisabled:
		return ActivationStatus(s), nil
	}
	return "", fmt.Errorf("invalid activation status %q", s)
}

// Activation represents a row in the `activations` table.
//
// Fields:
//
//	ID         – opaque identifier assigned at creation, immutable.
//	Code       – case-sensitive shared secret, unique across all rows.
//	Status     – ON or OFF.
//	ActivateAt – when set, the code is not usable before this instant.
//	CreatedAt  – timestamp of creation.
//	UpdatedAt  – bumped on every status or ActivateAt mutation.
type Activation struct {
	ID         string           // activations.id
	Code       string           // activations.code
	Status     ActivationStatus // activations.status
	ActivateAt *time.Time       // activations.activate_at (nullable)
	CreatedAt  time.Time        // activations.created_at
	UpdatedAt  time.Time        // activations.updated_at
}

// Phase is the derived position of a code in its lifecycle.  It is never
// stored; it depends on the server time it is evaluated at.
type Phase int

const (
	// PhaseDormant: disabled, only an admin can bring it back.
	PhaseDormant Phase = iota
	// PhasePending: active but ActivateAt lies in the future.
	PhasePending
	// PhaseUsable: active and ActivateAt absent or reached.
	PhaseUsable
)

func (p Phase) String() string {
	switch p {
	case PhaseDormant:
		return "dormant"
	case PhasePending:
		return "pending"
	case PhaseUsable:
		return "usable"
	}
	return "unknown"
}

// PhaseAt evaluates the record against the server time now.
func (a Activation) PhaseAt(now time.Time) Phase {
	if a.Status != StatusActive {
		return PhaseDormant
	}
	if a.ActivateAt != nil && a.ActivateAt.After(now) {
		return PhasePending
	}
	return PhaseUsable
}

// BlankCode reports whether code is empty or whitespace only.  Codes are
// otherwise matched byte for byte: no trimming, no case folding.
func BlankCode(code string) bool {
	return strings.TrimSpace(code) == ""
}

// StoreTime converts t into the form every timestamp is persisted in: UTC
// with microsecond precision (MySQL DATETIME(6)).
func StoreTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// WireTimeLayout is the ISO-8601 form timestamps take in JSON responses and
// events: UTC, millisecond precision, literal Z.
const WireTimeLayout = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in WireTimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(WireTimeLayout)
}
