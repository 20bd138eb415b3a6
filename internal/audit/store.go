package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/ringops/ringway/internal/correlation"
)

// Store defines the persistence abstraction for idempotency registration and
// the append-only audit log. Connectors never keep duplicate-suppression state
// of their own; Register here is the single source of truth.
type Store interface {
	// Register atomically records the (correlationID, operationKey) pair.
	// Exactly one caller observes isNew=true for a given pair, no matter how
	// many submit concurrently. The operation key distinguishes e.g. a publish
	// from a later rollback sharing one correlation ID.
	Register(ctx context.Context, id correlation.ID, operationKey string) (isNew bool, err error)

	// Append chains and persists an audit event. The store fills ID, PrevHash,
	// Hash and Ts when unset.
	Append(ctx context.Context, ev *Event) error

	// QueryByCorrelation returns all events for a correlation ID in append order.
	QueryByCorrelation(ctx context.Context, id correlation.ID) ([]*Event, error)

	// QueryRange returns events with from <= ts < to in append order.
	QueryRange(ctx context.Context, from, to time.Time) ([]*Event, error)

	// Ping validates the store is reachable/healthy.
	Ping(ctx context.Context) error
}

// HashBytes computes the SHA-256 digest bytes for input data.
func HashBytes(b []byte) []byte {
	h := sha256.Sum256(b)
	return h[:]
}

// HashHex returns the hex-encoded SHA-256 of the input bytes.
func HashHex(b []byte) string {
	return hex.EncodeToString(HashBytes(b))
}

// chainHash computes the event hash: sha256(canonical(payload) || prevHashBytes).
func chainHash(payload interface{}, prevHex string) (string, error) {
	canon, err := MarshalCanonical(payload)
	if err != nil {
		return "", err
	}
	var concat []byte
	concat = append(concat, canon...)
	if prevHex != "" {
		prevBytes, err := hex.DecodeString(prevHex)
		if err != nil {
			return "", err
		}
		concat = append(concat, prevBytes...)
	}
	return HashHex(concat), nil
}
