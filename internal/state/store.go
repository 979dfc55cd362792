package state

import (
	"context"
	"errors"

	"escalation/internal/domain"
)

var (
	// ErrNotFound indicates absent record key.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates revision mismatch for CAS update.
	ErrConflict = errors.New("revision conflict")
)

// Store provides escalation record persistence operations.
// Params: revision-CAS record CRUD and full-set listing.
// Returns: backend persistence behavior behind which a real datastore can be substituted.
type Store interface {
	Get(ctx context.Context, id string) (domain.Record, uint64, error)
	Put(ctx context.Context, id string, record domain.Record) (uint64, error)
	Update(ctx context.Context, id string, expectedRevision uint64, record domain.Record) (uint64, error)
	List(ctx context.Context) ([]domain.Record, error)
	Close() error
}
