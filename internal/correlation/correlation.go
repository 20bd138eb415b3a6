// Package correlation defines the typed correlation IDs used as the idempotency
// and audit key for every logical operation in the control plane.
package correlation

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Kind is the typed prefix of a correlation ID. The prefix makes the intent of
// an ID visible in audit exports and prevents IDs minted for one class of
// operation from being replayed against another.
type Kind string

const (
	KindDeployment Kind = "deploy"
	KindRollback   Kind = "rollback"
	KindCAB        Kind = "cab"
	KindEvidence   Kind = "evidence"
)

var knownKinds = map[Kind]bool{
	KindDeployment: true,
	KindRollback:   true,
	KindCAB:        true,
	KindEvidence:   true,
}

// ID is an opaque correlation identifier of the form "<kind>-<uuid>".
type ID string

// New mints a fresh correlation ID for the given kind.
func New(kind Kind) ID {
	return ID(fmt.Sprintf("%s-%s", kind, uuid.New().String()))
}

// Kind returns the typed prefix of the ID, or "" if the ID is malformed.
func (id ID) Kind() Kind {
	idx := strings.Index(string(id), "-")
	if idx <= 0 {
		return ""
	}
	return Kind(string(id)[:idx])
}

func (id ID) String() string { return string(id) }

// Validate checks the "<kind>-<uuid>" shape. Malformed IDs must be rejected
// before any store access, so callers treat this as a permanent error.
func (id ID) Validate() error {
	s := string(id)
	idx := strings.Index(s, "-")
	if idx <= 0 {
		return fmt.Errorf("correlation id %q: missing kind prefix", s)
	}
	kind := Kind(s[:idx])
	if !knownKinds[kind] {
		return fmt.Errorf("correlation id %q: unknown kind %q", s, kind)
	}
	if _, err := uuid.Parse(s[idx+1:]); err != nil {
		return fmt.Errorf("correlation id %q: invalid uuid part: %w", s, err)
	}
	return nil
}

// Parse validates s and returns it as an ID.
func Parse(s string) (ID, error) {
	id := ID(s)
	if err := id.Validate(); err != nil {
		return "", err
	}
	return id, nil
}
