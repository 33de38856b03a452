package credential

import (
	"context"

	log "github.com/stephnangue/keygate/logger"
)

// ListFilter narrows and pages a listing. Zero values mean "no filter"
// and default paging.
type ListFilter struct {
	Status *Status
	Page   int
	Size   int
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Normalize clamps paging parameters into their allowed ranges.
func (f *ListFilter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Size < 1 {
		f.Size = DefaultPageSize
	}
	if f.Size > MaxPageSize {
		f.Size = MaxPageSize
	}
}

// Page is one page of a listing plus the total match count.
type Page struct {
	Records []*Record
	Total   int
	Page    int
	Size    int
}

// MetadataUpdate carries the mutable non-secret fields. Nil pointers
// leave the field untouched.
type MetadataUpdate struct {
	DisplayName *string
	Status      *Status
}

// Store persists credential records. Every operation is scoped to an
// owner: a record belonging to another owner behaves exactly like a
// record that does not exist, and implementations return ErrNotFound for
// both. Secret and test-result writes are atomic per record.
type Store interface {
	// Init prepares backing resources (tables, pools).
	Init(ctx context.Context) error

	// Create inserts a new record. A duplicate display name within the
	// owner and kind scope returns ErrConflict.
	Create(ctx context.Context, record *Record) error

	// Get returns the record, or ErrNotFound.
	Get(ctx context.Context, ownerID, id string) (*Record, error)

	// List returns the owner's records of a kind, newest first.
	List(ctx context.Context, ownerID string, kind Kind, filter ListFilter) (*Page, error)

	// UpdateMetadata applies a metadata update and returns the fresh
	// record. Renaming onto an existing name returns ErrConflict.
	UpdateMetadata(ctx context.Context, ownerID, id string, update MetadataUpdate) (*Record, error)

	// UpdateSecret replaces the at-rest ciphertext and preview, and
	// clears prior test results since they describe the old secret.
	UpdateSecret(ctx context.Context, ownerID, id string, ciphertext []byte, preview string) (*Record, error)

	// UpdateTestResult writes all test fields of a check in one atomic
	// step, with usage accounting folded into the same write when
	// result.RecordUse is set. Concurrent writers serialize; the record
	// always reflects exactly one complete result.
	UpdateTestResult(ctx context.Context, ownerID, id string, result *TestResult) error

	// Delete removes the record, or returns ErrNotFound.
	Delete(ctx context.Context, ownerID, id string) error

	// Stop releases backing resources.
	Stop() error
}

// Factory builds a Store from its configuration map.
type Factory func(conf map[string]string, logger log.Logger) (Store, error)
