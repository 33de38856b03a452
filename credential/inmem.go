package credential

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/armon/go-radix"
	log "github.com/stephnangue/keygate/logger"
)

// InmemStore is an in-memory Store backed by a radix tree, keyed by
// "<owner>/<id>". Useful for testing and development; nothing survives a
// restart.
type InmemStore struct {
	sync.RWMutex
	root   *radix.Tree
	logger log.Logger
}

var _ Store = (*InmemStore)(nil)

// NewInmemStore satisfies Factory. The conf map is accepted for factory
// symmetry and ignored.
func NewInmemStore(conf map[string]string, logger log.Logger) (Store, error) {
	return &InmemStore{
		root:   radix.New(),
		logger: logger,
	}, nil
}

func inmemKey(ownerID, id string) string {
	return ownerID + "/" + id
}

func (s *InmemStore) Init(ctx context.Context) error {
	return nil
}

func (s *InmemStore) Stop() error {
	return nil
}

func (s *InmemStore) Create(ctx context.Context, record *Record) error {
	s.Lock()
	defer s.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	if _, ok := s.root.Get(inmemKey(record.OwnerID, record.ID)); ok {
		return fmt.Errorf("credential %q already exists", record.ID)
	}

	var conflict bool
	s.root.WalkPrefix(record.OwnerID+"/", func(key string, value any) bool {
		existing := value.(*Record)
		if existing.Kind == record.Kind && existing.DisplayName == record.DisplayName {
			conflict = true
			return true
		}
		return false
	})
	if conflict {
		return fmt.Errorf("display name %q: %w", record.DisplayName, ErrConflict)
	}

	s.root.Insert(inmemKey(record.OwnerID, record.ID), record.Clone())
	return nil
}

func (s *InmemStore) Get(ctx context.Context, ownerID, id string) (*Record, error) {
	s.RLock()
	defer s.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	value, ok := s.root.Get(inmemKey(ownerID, id))
	if !ok {
		return nil, ErrNotFound
	}
	return value.(*Record).Clone(), nil
}

func (s *InmemStore) List(ctx context.Context, ownerID string, kind Kind, filter ListFilter) (*Page, error) {
	s.RLock()
	defer s.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	filter.Normalize()

	var matches []*Record
	s.root.WalkPrefix(ownerID+"/", func(key string, value any) bool {
		record := value.(*Record)
		if record.Kind != kind {
			return false
		}
		if filter.Status != nil && record.Status != *filter.Status {
			return false
		}
		matches = append(matches, record)
		return false
	})

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].ID > matches[j].ID
		}
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})

	page := &Page{
		Total: len(matches),
		Page:  filter.Page,
		Size:  filter.Size,
	}
	start := (filter.Page - 1) * filter.Size
	if start < len(matches) {
		end := start + filter.Size
		if end > len(matches) {
			end = len(matches)
		}
		for _, record := range matches[start:end] {
			page.Records = append(page.Records, record.Clone())
		}
	}
	return page, nil
}

func (s *InmemStore) UpdateMetadata(ctx context.Context, ownerID, id string, update MetadataUpdate) (*Record, error) {
	s.Lock()
	defer s.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	value, ok := s.root.Get(inmemKey(ownerID, id))
	if !ok {
		return nil, ErrNotFound
	}
	record := value.(*Record)

	if update.DisplayName != nil && *update.DisplayName != record.DisplayName {
		var conflict bool
		s.root.WalkPrefix(ownerID+"/", func(key string, v any) bool {
			existing := v.(*Record)
			if existing.ID != record.ID && existing.Kind == record.Kind &&
				existing.DisplayName == *update.DisplayName {
				conflict = true
				return true
			}
			return false
		})
		if conflict {
			return nil, fmt.Errorf("display name %q: %w", *update.DisplayName, ErrConflict)
		}
		record.DisplayName = *update.DisplayName
	}
	if update.Status != nil {
		record.Status = *update.Status
	}
	record.UpdatedAt = time.Now().UTC()

	return record.Clone(), nil
}

func (s *InmemStore) UpdateSecret(ctx context.Context, ownerID, id string, ciphertext []byte, preview string) (*Record, error) {
	s.Lock()
	defer s.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	value, ok := s.root.Get(inmemKey(ownerID, id))
	if !ok {
		return nil, ErrNotFound
	}
	record := value.(*Record)

	record.SecretCiphertext = append([]byte(nil), ciphertext...)
	record.SecretPreview = preview
	record.LastTestedAt = nil
	record.TestStatus = nil
	record.TestMessage = nil
	record.TestLatencyMS = nil
	record.UpdatedAt = time.Now().UTC()

	return record.Clone(), nil
}

func (s *InmemStore) UpdateTestResult(ctx context.Context, ownerID, id string, result *TestResult) error {
	s.Lock()
	defer s.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	value, ok := s.root.Get(inmemKey(ownerID, id))
	if !ok {
		return ErrNotFound
	}
	record := value.(*Record)

	// All fields of one result land together under the lock, so readers
	// never observe a torn mix of two checks.
	testedAt := result.TestedAt
	status := result.Status
	message := result.Message
	latency := result.LatencyMS
	record.LastTestedAt = &testedAt
	record.TestStatus = &status
	record.TestMessage = &message
	record.TestLatencyMS = &latency
	if result.RecordUse {
		record.UsageCount++
		record.LastUsedAt = &testedAt
	}
	record.UpdatedAt = testedAt

	return nil
}

func (s *InmemStore) Delete(ctx context.Context, ownerID, id string) error {
	s.Lock()
	defer s.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	if _, ok := s.root.Delete(inmemKey(ownerID, id)); !ok {
		return ErrNotFound
	}
	return nil
}
