package credential

import (
	"context"
	"time"
)

// Kind partitions credentials into independent namespaces. Records of
// different kinds never collide on display name and are listed separately.
type Kind string

const (
	KindVectorDB      Kind = "VECTOR_DB"
	KindModelProvider Kind = "MODEL_PROVIDER"
)

// ParseKind maps a URL path segment to a Kind.
func ParseKind(pathValue string) (Kind, error) {
	switch pathValue {
	case "vector-db":
		return KindVectorDB, nil
	case "model-provider":
		return KindModelProvider, nil
	}
	return "", ErrBadRequestf("unknown credential kind %q", pathValue)
}

// PathValue returns the URL path segment for a Kind.
func (k Kind) PathValue() string {
	switch k {
	case KindVectorDB:
		return "vector-db"
	case KindModelProvider:
		return "model-provider"
	}
	return ""
}

// Status gates whether a credential may be used or tested.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusInactive Status = "INACTIVE"
)

// ParseStatus validates a client-supplied status value.
func ParseStatus(value string) (Status, error) {
	switch Status(value) {
	case StatusActive, StatusInactive:
		return Status(value), nil
	}
	return "", ErrBadRequestf("status must be %q or %q", StatusActive, StatusInactive)
}

// TestStatus is the outcome of the most recent connectivity check.
type TestStatus string

const (
	TestSuccess TestStatus = "SUCCESS"
	TestFailure TestStatus = "FAILURE"
)

// Record is a stored credential. The secret exists only as at-rest
// ciphertext; the plaintext is recovered transiently for validation and
// never leaves the process.
type Record struct {
	ID          string
	OwnerID     string
	Kind        Kind
	DisplayName string
	ProviderTag string
	Endpoint    string
	Database    string

	SecretCiphertext []byte
	SecretPreview    string

	Status     Status
	UsageCount int64
	LastUsedAt *time.Time

	LastTestedAt  *time.Time
	TestStatus    *TestStatus
	TestMessage   *string
	TestLatencyMS *int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsActive reports whether the record may be used for live traffic.
func (r *Record) IsActive() bool {
	return r.Status == StatusActive
}

// Clone returns a deep copy so store internals never alias caller state.
func (r *Record) Clone() *Record {
	out := *r
	if r.SecretCiphertext != nil {
		out.SecretCiphertext = make([]byte, len(r.SecretCiphertext))
		copy(out.SecretCiphertext, r.SecretCiphertext)
	}
	out.LastUsedAt = cloneTime(r.LastUsedAt)
	out.LastTestedAt = cloneTime(r.LastTestedAt)
	if r.TestStatus != nil {
		s := *r.TestStatus
		out.TestStatus = &s
	}
	if r.TestMessage != nil {
		m := *r.TestMessage
		out.TestMessage = &m
	}
	if r.TestLatencyMS != nil {
		l := *r.TestLatencyMS
		out.TestLatencyMS = &l
	}
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// PublicRecord is the external projection of a Record. It carries the
// masked preview and never the ciphertext.
type PublicRecord struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	DisplayName string `json:"display_name"`
	ProviderTag string `json:"provider_tag"`
	Endpoint    string `json:"endpoint"`
	Database    string `json:"database,omitempty"`

	SecretPreview string `json:"secret_preview"`

	Status     string     `json:"status"`
	UsageCount int64      `json:"usage_count"`
	LastUsedAt *time.Time `json:"last_used_at"`

	LastTestedAt  *time.Time `json:"last_tested_at"`
	TestStatus    *string    `json:"test_status"`
	TestMessage   *string    `json:"test_message"`
	TestLatencyMS *int64     `json:"test_latency_ms"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Public projects the record into its external form.
func (r *Record) Public() *PublicRecord {
	out := &PublicRecord{
		ID:            r.ID,
		Kind:          string(r.Kind),
		DisplayName:   r.DisplayName,
		ProviderTag:   r.ProviderTag,
		Endpoint:      r.Endpoint,
		Database:      r.Database,
		SecretPreview: r.SecretPreview,
		Status:        string(r.Status),
		UsageCount:    r.UsageCount,
		LastUsedAt:    cloneTime(r.LastUsedAt),
		LastTestedAt:  cloneTime(r.LastTestedAt),
		TestMessage:   r.TestMessage,
		TestLatencyMS: r.TestLatencyMS,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.TestStatus != nil {
		s := string(*r.TestStatus)
		out.TestStatus = &s
	}
	return out
}

// TestResult is the set of fields a connectivity check writes back onto a
// record. Stores must apply all of them in a single write.
type TestResult struct {
	Status    TestStatus
	Message   string
	LatencyMS int64
	TestedAt  time.Time

	// RecordUse increments usage accounting alongside the test fields.
	// Set on successful checks only.
	RecordUse bool
}

// TestOutcome is what a connectivity check reports back to its caller,
// independent of whether the result was persisted.
type TestOutcome struct {
	Success   bool              `json:"success"`
	Message   string            `json:"message"`
	LatencyMS int64             `json:"latency_ms"`
	TestedAt  time.Time         `json:"tested_at"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// Tester runs a connectivity check against a stored credential and
// persists the outcome. Implemented by the validation engine.
type Tester interface {
	Run(ctx context.Context, ownerID, id string, timeout time.Duration) (*TestOutcome, error)
}
