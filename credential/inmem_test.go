package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stephnangue/keygate/logger"
)

func testStore(t *testing.T) Store {
	t.Helper()
	log, _ := logger.NewGatedLogger(logger.DefaultConfig(), logger.GatedWriterConfig{})
	store, err := NewInmemStore(nil, log)
	if err != nil {
		t.Fatalf("NewInmemStore failed: %v", err)
	}
	return store
}

func testRecord(ownerID, name string) *Record {
	now := time.Now().UTC()
	return &Record{
		ID:               uuid.NewString(),
		OwnerID:          ownerID,
		Kind:             KindVectorDB,
		DisplayName:      name,
		ProviderTag:      "milvus",
		Endpoint:         "http://localhost:19530",
		SecretCiphertext: []byte("opaque-blob"),
		SecretPreview:    "se***23",
		Status:           StatusActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func TestInmemStore_CreateAndGet(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	record := testRecord("owner-a", "prod milvus")
	if err := store.Create(ctx, record); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "owner-a", record.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.DisplayName != "prod milvus" {
		t.Errorf("DisplayName = %q", got.DisplayName)
	}

	// Mutating the returned record must not touch stored state.
	got.DisplayName = "mutated"
	again, err := store.Get(ctx, "owner-a", record.ID)
	if err != nil {
		t.Fatal(err)
	}
	if again.DisplayName != "prod milvus" {
		t.Error("store returned aliased state")
	}
}

func TestInmemStore_OwnerIsolation(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	record := testRecord("owner-a", "prod milvus")
	if err := store.Create(ctx, record); err != nil {
		t.Fatal(err)
	}

	if _, err := store.Get(ctx, "owner-b", record.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-owner Get: got %v, want ErrNotFound", err)
	}
	if err := store.Delete(ctx, "owner-b", record.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-owner Delete: got %v, want ErrNotFound", err)
	}
	if err := store.UpdateTestResult(ctx, "owner-b", record.ID, &TestResult{
		Status: TestSuccess, TestedAt: time.Now().UTC(),
	}); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-owner UpdateTestResult: got %v, want ErrNotFound", err)
	}

	// Same display name under another owner is fine.
	if err := store.Create(ctx, testRecord("owner-b", "prod milvus")); err != nil {
		t.Errorf("same name, different owner: %v", err)
	}
}

func TestInmemStore_DisplayNameConflict(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, testRecord("owner-a", "prod milvus")); err != nil {
		t.Fatal(err)
	}
	err := store.Create(ctx, testRecord("owner-a", "prod milvus"))
	if !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate name: got %v, want ErrConflict", err)
	}

	// Same name under a different kind does not collide.
	other := testRecord("owner-a", "prod milvus")
	other.Kind = KindModelProvider
	other.ProviderTag = "openai"
	if err := store.Create(ctx, other); err != nil {
		t.Errorf("same name, different kind: %v", err)
	}
}

func TestInmemStore_UpdateMetadata(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	record := testRecord("owner-a", "old name")
	if err := store.Create(ctx, record); err != nil {
		t.Fatal(err)
	}
	if err := store.Create(ctx, testRecord("owner-a", "taken")); err != nil {
		t.Fatal(err)
	}

	t.Run("rename", func(t *testing.T) {
		name := "new name"
		updated, err := store.UpdateMetadata(ctx, "owner-a", record.ID, MetadataUpdate{DisplayName: &name})
		if err != nil {
			t.Fatalf("UpdateMetadata failed: %v", err)
		}
		if updated.DisplayName != "new name" {
			t.Errorf("DisplayName = %q", updated.DisplayName)
		}
	})

	t.Run("rename onto existing name conflicts", func(t *testing.T) {
		name := "taken"
		_, err := store.UpdateMetadata(ctx, "owner-a", record.ID, MetadataUpdate{DisplayName: &name})
		if !errors.Is(err, ErrConflict) {
			t.Errorf("got %v, want ErrConflict", err)
		}
	})

	t.Run("status toggle", func(t *testing.T) {
		status := StatusInactive
		updated, err := store.UpdateMetadata(ctx, "owner-a", record.ID, MetadataUpdate{Status: &status})
		if err != nil {
			t.Fatal(err)
		}
		if updated.Status != StatusInactive {
			t.Errorf("Status = %q", updated.Status)
		}
	})
}

func TestInmemStore_UpdateSecretClearsTestFields(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	record := testRecord("owner-a", "prod milvus")
	if err := store.Create(ctx, record); err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateTestResult(ctx, "owner-a", record.ID, &TestResult{
		Status:    TestSuccess,
		Message:   "connection succeeded",
		LatencyMS: 42,
		TestedAt:  time.Now().UTC(),
		RecordUse: true,
	}); err != nil {
		t.Fatal(err)
	}

	updated, err := store.UpdateSecret(ctx, "owner-a", record.ID, []byte("new-blob"), "ne***ob")
	if err != nil {
		t.Fatalf("UpdateSecret failed: %v", err)
	}

	if string(updated.SecretCiphertext) != "new-blob" {
		t.Error("ciphertext not replaced")
	}
	if updated.SecretPreview != "ne***ob" {
		t.Errorf("preview = %q", updated.SecretPreview)
	}
	if updated.TestStatus != nil || updated.TestMessage != nil ||
		updated.TestLatencyMS != nil || updated.LastTestedAt != nil {
		t.Error("test fields survived a secret rotation")
	}
	if updated.UsageCount != 1 {
		t.Errorf("usage count = %d, rotation must not reset accounting", updated.UsageCount)
	}
}

func TestInmemStore_UpdateTestResult(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	record := testRecord("owner-a", "prod milvus")
	if err := store.Create(ctx, record); err != nil {
		t.Fatal(err)
	}

	testedAt := time.Now().UTC()
	if err := store.UpdateTestResult(ctx, "owner-a", record.ID, &TestResult{
		Status:    TestSuccess,
		Message:   "connection succeeded",
		LatencyMS: 42,
		TestedAt:  testedAt,
		RecordUse: true,
	}); err != nil {
		t.Fatalf("UpdateTestResult failed: %v", err)
	}

	got, err := store.Get(ctx, "owner-a", record.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.TestStatus == nil || *got.TestStatus != TestSuccess {
		t.Error("test status not recorded")
	}
	if got.TestMessage == nil || *got.TestMessage != "connection succeeded" {
		t.Error("test message not recorded")
	}
	if got.TestLatencyMS == nil || *got.TestLatencyMS != 42 {
		t.Error("latency not recorded")
	}
	if got.UsageCount != 1 || got.LastUsedAt == nil {
		t.Error("usage accounting not updated on success")
	}

	// A failure overwrites the whole result and leaves usage alone.
	if err := store.UpdateTestResult(ctx, "owner-a", record.ID, &TestResult{
		Status:    TestFailure,
		Message:   "timeout after 10s",
		LatencyMS: 10000,
		TestedAt:  time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}
	got, err = store.Get(ctx, "owner-a", record.ID)
	if err != nil {
		t.Fatal(err)
	}
	if *got.TestStatus != TestFailure || *got.TestMessage != "timeout after 10s" {
		t.Error("failure result not recorded")
	}
	if got.UsageCount != 1 {
		t.Errorf("usage count = %d after a failed check", got.UsageCount)
	}
}

// Concurrent checks may interleave in any order, but the stored fields
// must always describe a single check.
func TestInmemStore_TestResultAtomicity(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	record := testRecord("owner-a", "prod milvus")
	if err := store.Create(ctx, record); err != nil {
		t.Fatal(err)
	}

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			status := TestSuccess
			if n%2 == 1 {
				status = TestFailure
			}
			store.UpdateTestResult(ctx, "owner-a", record.ID, &TestResult{
				Status:    status,
				Message:   fmt.Sprintf("result-%d", n),
				LatencyMS: int64(n),
				TestedAt:  time.Now().UTC(),
			})
		}(i)
	}
	wg.Wait()

	got, err := store.Get(ctx, "owner-a", record.ID)
	if err != nil {
		t.Fatal(err)
	}

	var n int
	if _, err := fmt.Sscanf(*got.TestMessage, "result-%d", &n); err != nil {
		t.Fatalf("unexpected message %q", *got.TestMessage)
	}
	wantStatus := TestSuccess
	if n%2 == 1 {
		wantStatus = TestFailure
	}
	if *got.TestStatus != wantStatus {
		t.Errorf("message %q paired with status %q", *got.TestMessage, *got.TestStatus)
	}
	if *got.TestLatencyMS != int64(n) {
		t.Errorf("message %q paired with latency %d", *got.TestMessage, *got.TestLatencyMS)
	}
}

func TestInmemStore_List(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 25; i++ {
		record := testRecord("owner-a", fmt.Sprintf("cred-%02d", i))
		record.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if i%5 == 0 {
			record.Status = StatusInactive
		}
		if err := store.Create(ctx, record); err != nil {
			t.Fatal(err)
		}
	}
	// Noise from another owner and kind.
	if err := store.Create(ctx, testRecord("owner-b", "other owner")); err != nil {
		t.Fatal(err)
	}
	mp := testRecord("owner-a", "model cred")
	mp.Kind = KindModelProvider
	if err := store.Create(ctx, mp); err != nil {
		t.Fatal(err)
	}

	t.Run("newest first with paging", func(t *testing.T) {
		page, err := store.List(ctx, "owner-a", KindVectorDB, ListFilter{Page: 1, Size: 10})
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if page.Total != 25 {
			t.Errorf("Total = %d, want 25", page.Total)
		}
		if len(page.Records) != 10 {
			t.Fatalf("got %d records, want 10", len(page.Records))
		}
		if page.Records[0].DisplayName != "cred-24" {
			t.Errorf("first record = %q, want newest", page.Records[0].DisplayName)
		}
		for i := 1; i < len(page.Records); i++ {
			if page.Records[i].CreatedAt.After(page.Records[i-1].CreatedAt) {
				t.Fatal("records not sorted newest first")
			}
		}
	})

	t.Run("status filter", func(t *testing.T) {
		status := StatusInactive
		page, err := store.List(ctx, "owner-a", KindVectorDB, ListFilter{Status: &status})
		if err != nil {
			t.Fatal(err)
		}
		if page.Total != 5 {
			t.Errorf("Total = %d, want 5", page.Total)
		}
	})

	t.Run("page past the end", func(t *testing.T) {
		page, err := store.List(ctx, "owner-a", KindVectorDB, ListFilter{Page: 9, Size: 10})
		if err != nil {
			t.Fatal(err)
		}
		if len(page.Records) != 0 {
			t.Errorf("got %d records past the end", len(page.Records))
		}
		if page.Total != 25 {
			t.Errorf("Total = %d", page.Total)
		}
	})

	t.Run("oversized page clamped", func(t *testing.T) {
		page, err := store.List(ctx, "owner-a", KindVectorDB, ListFilter{Size: 1000})
		if err != nil {
			t.Fatal(err)
		}
		if page.Size != MaxPageSize {
			t.Errorf("Size = %d, want %d", page.Size, MaxPageSize)
		}
	})
}

func TestInmemStore_CancelledContext(t *testing.T) {
	store := testStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := store.Create(ctx, testRecord("owner-a", "x")); !errors.Is(err, context.Canceled) {
		t.Errorf("Create: got %v, want context.Canceled", err)
	}
	if _, err := store.Get(ctx, "owner-a", "id"); !errors.Is(err, context.Canceled) {
		t.Errorf("Get: got %v, want context.Canceled", err)
	}
}
