package credential

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/stephnangue/keygate/barrier"
	log "github.com/stephnangue/keygate/logger"
	"github.com/stephnangue/keygate/transit"
)

const maxDisplayNameLength = 120

// TagRegistry answers which provider tags have a live adapter behind
// them. Implemented by the adapter registry.
type TagRegistry interface {
	Supports(tag string) bool
	Tags() []string
}

// ServiceConfig wires the service's collaborators.
type ServiceConfig struct {
	Store    Store
	Barrier  *barrier.Barrier
	Transit  *transit.Keypair
	Tags     TagRegistry
	Tester   Tester
	Logger   log.Logger

	// DefaultEndpoints maps provider tags to endpoints used when a
	// create request supplies none.
	DefaultEndpoints map[string]string

	// InitialTestTimeout bounds the background check fired after a
	// vector database credential is created.
	InitialTestTimeout time.Duration
}

// Service owns the credential lifecycle. It is the only place plaintext
// secrets exist between transport decryption and at-rest encryption,
// and it zeroes them as soon as the ciphertext is produced.
type Service struct {
	store            Store
	barrier          *barrier.Barrier
	transit          *transit.Keypair
	tags             TagRegistry
	tester           Tester
	defaultEndpoints map[string]string
	initialTimeout   time.Duration
	logger           log.Logger
}

func NewService(cfg ServiceConfig) *Service {
	if cfg.InitialTestTimeout <= 0 {
		cfg.InitialTestTimeout = 10 * time.Second
	}
	if cfg.DefaultEndpoints == nil {
		cfg.DefaultEndpoints = map[string]string{}
	}
	return &Service{
		store:            cfg.Store,
		barrier:          cfg.Barrier,
		transit:          cfg.Transit,
		tags:             cfg.Tags,
		tester:           cfg.Tester,
		defaultEndpoints: cfg.DefaultEndpoints,
		initialTimeout:   cfg.InitialTestTimeout,
		logger:           cfg.Logger,
	}
}

// TransportPublicKey returns the PEM clients seal secrets against.
func (s *Service) TransportPublicKey() (string, error) {
	return s.transit.PublicKeyPEM()
}

// CreateInput is a create request after HTTP decoding.
type CreateInput struct {
	OwnerID     string
	Kind        Kind
	DisplayName string
	ProviderTag string
	Endpoint    string
	Database    string

	// EncryptedSecret is the base64 transport ciphertext of the secret.
	EncryptedSecret string
}

func (s *Service) validateCreate(input *CreateInput) error {
	var merr *multierror.Error

	input.DisplayName = strings.TrimSpace(input.DisplayName)
	input.Endpoint = strings.TrimSpace(input.Endpoint)
	input.ProviderTag = strings.TrimSpace(input.ProviderTag)

	if input.OwnerID == "" {
		merr = multierror.Append(merr, errors.New("owner is required"))
	}
	if input.DisplayName == "" {
		merr = multierror.Append(merr, errors.New("display_name is required"))
	} else if len(input.DisplayName) > maxDisplayNameLength {
		merr = multierror.Append(merr, errors.New("display_name is too long"))
	}
	if input.EncryptedSecret == "" {
		merr = multierror.Append(merr, errors.New("encrypted_secret is required"))
	}

	switch input.Kind {
	case KindVectorDB:
		if input.ProviderTag == "" {
			input.ProviderTag = "milvus"
		}
		if input.Endpoint == "" {
			merr = multierror.Append(merr, errors.New("endpoint is required for vector database credentials"))
		}
	case KindModelProvider:
		if input.ProviderTag == "" {
			merr = multierror.Append(merr, errors.New("provider_tag is required for model provider credentials"))
		}
		if input.Endpoint == "" {
			input.Endpoint = s.defaultEndpoints[input.ProviderTag]
		}
	default:
		merr = multierror.Append(merr, errors.New("unknown credential kind"))
	}

	if input.ProviderTag != "" && !s.tags.Supports(input.ProviderTag) {
		merr = multierror.Append(merr, errors.New(
			"unknown provider_tag, supported: "+strings.Join(s.tags.Tags(), ", ")))
	}

	if err := merr.ErrorOrNil(); err != nil {
		return ErrBadRequest(err.Error())
	}
	return nil
}

// Create validates the request, recovers the secret from its transport
// ciphertext, seals it at rest, and stores the record. Vector database
// credentials get a background connectivity check after the write.
func (s *Service) Create(ctx context.Context, input *CreateInput) (*PublicRecord, error) {
	if err := s.validateCreate(input); err != nil {
		return nil, err
	}

	secret, err := s.decryptTransport(input.EncryptedSecret)
	if err != nil {
		return nil, err
	}
	defer wipeBytes(secret)

	id := uuid.NewString()
	ciphertext, err := s.barrier.Encrypt(ctx, secret, []byte(id))
	if err != nil {
		s.logger.Error("failed to seal secret at rest", log.Err(err))
		return nil, ErrInternal("failed to protect the supplied secret")
	}

	now := time.Now().UTC()
	record := &Record{
		ID:               id,
		OwnerID:          input.OwnerID,
		Kind:             input.Kind,
		DisplayName:      input.DisplayName,
		ProviderTag:      input.ProviderTag,
		Endpoint:         input.Endpoint,
		Database:         input.Database,
		SecretCiphertext: ciphertext,
		SecretPreview:    Preview(string(secret)),
		Status:           StatusActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.store.Create(ctx, record); err != nil {
		return nil, err
	}

	s.logger.Info("credential created",
		log.String("credential_id", record.ID),
		log.String("kind", string(record.Kind)),
		log.String("provider", record.ProviderTag),
	)

	// Vector database endpoints are customer infrastructure; probe them
	// right away so a bad endpoint shows up in the UI without a manual
	// test. The check runs detached from the request.
	if record.Kind == KindVectorDB && s.tester != nil {
		go s.runInitialTest(record.OwnerID, record.ID)
	}

	return record.Public(), nil
}

func (s *Service) runInitialTest(ownerID, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.initialTimeout+5*time.Second)
	defer cancel()

	if _, err := s.tester.Run(ctx, ownerID, id, s.initialTimeout); err != nil {
		s.logger.Warn("initial connectivity check failed to run",
			log.String("credential_id", id), log.Err(err))
	}
}

// decryptTransport maps transit failures onto the external error shape:
// the client learns only that the secret could not be processed.
func (s *Service) decryptTransport(encryptedSecret string) ([]byte, error) {
	secret, err := s.transit.Decrypt(encryptedSecret)
	if err != nil {
		var decryptErr *transit.DecryptionError
		if errors.As(err, &decryptErr) {
			s.logger.Warn("transport decryption failed", log.Err(err))
			return nil, ErrBadRequest("unable to process the supplied secret")
		}
		return nil, err
	}
	if len(secret) == 0 {
		return nil, ErrBadRequest("secret must not be empty")
	}
	return secret, nil
}

// Get returns one credential in its external form.
func (s *Service) Get(ctx context.Context, ownerID, id string) (*PublicRecord, error) {
	record, err := s.store.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	return record.Public(), nil
}

// PublicPage is one page of listing results.
type PublicPage struct {
	Records []*PublicRecord `json:"records"`
	Total   int             `json:"total"`
	Page    int             `json:"page"`
	Size    int             `json:"size"`
}

// List returns the owner's credentials of a kind, newest first.
func (s *Service) List(ctx context.Context, ownerID string, kind Kind, filter ListFilter) (*PublicPage, error) {
	page, err := s.store.List(ctx, ownerID, kind, filter)
	if err != nil {
		return nil, err
	}

	out := &PublicPage{
		Records: make([]*PublicRecord, 0, len(page.Records)),
		Total:   page.Total,
		Page:    page.Page,
		Size:    page.Size,
	}
	for _, record := range page.Records {
		out.Records = append(out.Records, record.Public())
	}
	return out, nil
}

// UpdateInput carries a metadata update request. Nil fields stay
// untouched.
type UpdateInput struct {
	DisplayName *string
	Status      *string
}

// Update applies metadata changes and returns the fresh record.
func (s *Service) Update(ctx context.Context, ownerID, id string, input *UpdateInput) (*PublicRecord, error) {
	update := MetadataUpdate{}

	if input.DisplayName != nil {
		name := strings.TrimSpace(*input.DisplayName)
		if name == "" {
			return nil, ErrBadRequest("display_name must not be empty")
		}
		if len(name) > maxDisplayNameLength {
			return nil, ErrBadRequest("display_name is too long")
		}
		update.DisplayName = &name
	}
	if input.Status != nil {
		status, err := ParseStatus(*input.Status)
		if err != nil {
			return nil, err
		}
		update.Status = &status
	}
	if update.DisplayName == nil && update.Status == nil {
		return nil, ErrBadRequest("no fields to update")
	}

	record, err := s.store.UpdateMetadata(ctx, ownerID, id, update)
	if err != nil {
		return nil, err
	}
	return record.Public(), nil
}

// RotateSecret replaces the stored secret with freshly supplied
// transport ciphertext. Prior test results are cleared since they no
// longer describe the stored secret.
func (s *Service) RotateSecret(ctx context.Context, ownerID, id, encryptedSecret string) (*PublicRecord, error) {
	if encryptedSecret == "" {
		return nil, ErrBadRequest("encrypted_secret is required")
	}

	// Resolve the record first so a bad id reads as 404, not 400.
	record, err := s.store.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}

	secret, err := s.decryptTransport(encryptedSecret)
	if err != nil {
		return nil, err
	}
	defer wipeBytes(secret)

	ciphertext, err := s.barrier.Encrypt(ctx, secret, []byte(record.ID))
	if err != nil {
		s.logger.Error("failed to seal rotated secret", log.Err(err))
		return nil, ErrInternal("failed to protect the supplied secret")
	}

	updated, err := s.store.UpdateSecret(ctx, ownerID, id, ciphertext, Preview(string(secret)))
	if err != nil {
		return nil, err
	}

	s.logger.Info("credential secret rotated", log.String("credential_id", id))
	return updated.Public(), nil
}

// Test runs a connectivity check and returns its outcome. The timeout
// is clamped by the engine.
func (s *Service) Test(ctx context.Context, ownerID, id string, timeout time.Duration) (*TestOutcome, error) {
	if s.tester == nil {
		return nil, ErrInternal("validation engine is not configured")
	}
	return s.tester.Run(ctx, ownerID, id, timeout)
}

// Delete removes a credential permanently.
func (s *Service) Delete(ctx context.Context, ownerID, id string) error {
	if err := s.store.Delete(ctx, ownerID, id); err != nil {
		return err
	}
	s.logger.Info("credential deleted", log.String("credential_id", id))
	return nil
}

func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
