package http

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stephnangue/keygate/barrier"
	"github.com/stephnangue/keygate/credential"
	"github.com/stephnangue/keygate/logger"
	"github.com/stephnangue/keygate/transit"
)

type staticTags struct{}

func (staticTags) Supports(tag string) bool {
	return tag == "milvus" || tag == "openai"
}

func (staticTags) Tags() []string { return []string{"milvus", "openai"} }

type fixedTester struct {
	outcome *credential.TestOutcome
}

func (f *fixedTester) Run(ctx context.Context, ownerID, id string, timeout time.Duration) (*credential.TestOutcome, error) {
	return f.outcome, nil
}

func newTestHandler(t *testing.T) (http.Handler, string) {
	t.Helper()

	log, _ := logger.NewGatedLogger(logger.DefaultConfig(), logger.GatedWriterConfig{})

	store, err := credential.NewInmemStore(nil, log)
	if err != nil {
		t.Fatal(err)
	}

	key := make([]byte, barrier.KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	atRest, err := barrier.NewBarrier(key)
	if err != nil {
		t.Fatal(err)
	}

	keypair, err := transit.Generate(transit.DefaultKeyBits)
	if err != nil {
		t.Fatal(err)
	}
	publicPEM, err := keypair.PublicKeyPEM()
	if err != nil {
		t.Fatal(err)
	}

	service := credential.NewService(credential.ServiceConfig{
		Store:   store,
		Barrier: atRest,
		Transit: keypair,
		Tags:    staticTags{},
		Tester: &fixedTester{outcome: &credential.TestOutcome{
			Success:   true,
			Message:   "connection succeeded (collections=3)",
			LatencyMS: 42,
			TestedAt:  time.Now().UTC(),
		}},
		Logger: log,
	})

	handler := Handler(&HandlerProperties{Service: service, Logger: log})
	return handler, publicPEM
}

func doJSON(t *testing.T, handler http.Handler, method, path, owner string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if owner != "" {
		req.Header.Set(OwnerHeader, owner)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	return recorder
}

func TestHandler_PublicKey(t *testing.T) {
	handler, publicPEM := newTestHandler(t)

	resp := doJSON(t, handler, http.MethodGet, "/v1/transport/public-key", "", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d", resp.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["public_key"] != publicPEM {
		t.Error("served a different public key")
	}
	if body["algorithm"] != "RSA-OAEP-SHA256" {
		t.Errorf("algorithm = %q", body["algorithm"])
	}
}

// Onboarding flow: fetch the public key, seal the secret client-side,
// create the credential, and confirm the response shows only a preview.
func TestHandler_CreateFlow(t *testing.T) {
	handler, publicPEM := newTestHandler(t)

	sealed, err := transit.EncryptForTransport(publicPEM, []byte("secret-123"))
	if err != nil {
		t.Fatal(err)
	}

	resp := doJSON(t, handler, http.MethodPost, "/v1/credentials/vector-db/", "owner-a", map[string]string{
		"display_name":     "prod milvus",
		"endpoint":         "http://localhost:19530",
		"database":         "rag",
		"encrypted_secret": sealed,
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", resp.Code, resp.Body.String())
	}

	var record credential.PublicRecord
	if err := json.Unmarshal(resp.Body.Bytes(), &record); err != nil {
		t.Fatal(err)
	}
	if record.SecretPreview != "se***23" {
		t.Errorf("preview = %q, want se***23", record.SecretPreview)
	}
	if record.Status != "ACTIVE" {
		t.Errorf("status = %q", record.Status)
	}

	// Neither the secret nor any ciphertext appears on the wire.
	raw := resp.Body.String()
	if strings.Contains(raw, "secret-123") || strings.Contains(raw, "ciphertext") {
		t.Errorf("response leaks secret material: %s", raw)
	}

	t.Run("appears in listing", func(t *testing.T) {
		resp := doJSON(t, handler, http.MethodGet, "/v1/credentials/vector-db/", "owner-a", nil)
		if resp.Code != http.StatusOK {
			t.Fatalf("status = %d", resp.Code)
		}
		var page credential.PublicPage
		if err := json.Unmarshal(resp.Body.Bytes(), &page); err != nil {
			t.Fatal(err)
		}
		if page.Total != 1 || len(page.Records) != 1 {
			t.Fatalf("page = %+v", page)
		}
		if page.Records[0].SecretPreview != "se***23" {
			t.Errorf("listed preview = %q", page.Records[0].SecretPreview)
		}
	})

	t.Run("invisible to other owners", func(t *testing.T) {
		resp := doJSON(t, handler, http.MethodGet, "/v1/credentials/vector-db/"+record.ID, "owner-b", nil)
		if resp.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", resp.Code)
		}
	})

	t.Run("test endpoint returns the outcome", func(t *testing.T) {
		resp := doJSON(t, handler, http.MethodPost, "/v1/credentials/vector-db/"+record.ID+"/test", "owner-a",
			map[string]float64{"timeout_seconds": 5})
		if resp.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", resp.Code, resp.Body.String())
		}
		var outcome credential.TestOutcome
		if err := json.Unmarshal(resp.Body.Bytes(), &outcome); err != nil {
			t.Fatal(err)
		}
		if !outcome.Success || outcome.LatencyMS != 42 {
			t.Errorf("outcome = %+v", outcome)
		}
	})

	t.Run("delete", func(t *testing.T) {
		resp := doJSON(t, handler, http.MethodDelete, "/v1/credentials/vector-db/"+record.ID, "owner-a", nil)
		if resp.Code != http.StatusNoContent {
			t.Fatalf("status = %d", resp.Code)
		}
		resp = doJSON(t, handler, http.MethodGet, "/v1/credentials/vector-db/"+record.ID, "owner-a", nil)
		if resp.Code != http.StatusNotFound {
			t.Errorf("status = %d after delete", resp.Code)
		}
	})
}

func TestHandler_Errors(t *testing.T) {
	handler, publicPEM := newTestHandler(t)

	sealed, err := transit.EncryptForTransport(publicPEM, []byte("secret-123"))
	if err != nil {
		t.Fatal(err)
	}

	t.Run("missing owner header", func(t *testing.T) {
		resp := doJSON(t, handler, http.MethodGet, "/v1/credentials/vector-db/", "", nil)
		if resp.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.Code)
		}
	})

	t.Run("unknown kind segment", func(t *testing.T) {
		resp := doJSON(t, handler, http.MethodGet, "/v1/credentials/graph-db/", "owner-a", nil)
		if resp.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.Code)
		}
	})

	t.Run("duplicate display name", func(t *testing.T) {
		body := map[string]string{
			"display_name":     "dupe",
			"endpoint":         "http://localhost:19530",
			"encrypted_secret": sealed,
		}
		if resp := doJSON(t, handler, http.MethodPost, "/v1/credentials/vector-db/", "owner-a", body); resp.Code != http.StatusCreated {
			t.Fatalf("first create: %d", resp.Code)
		}
		resp := doJSON(t, handler, http.MethodPost, "/v1/credentials/vector-db/", "owner-a", body)
		if resp.Code != http.StatusConflict {
			t.Errorf("status = %d, want 409", resp.Code)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/credentials/vector-db/", strings.NewReader("{nope"))
		req.Header.Set(OwnerHeader, "owner-a")
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, req)
		if recorder.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", recorder.Code)
		}
	})

	t.Run("errors use the shared envelope", func(t *testing.T) {
		resp := doJSON(t, handler, http.MethodGet, "/v1/credentials/vector-db/nope", "owner-a", nil)
		if resp.Code != http.StatusNotFound {
			t.Fatalf("status = %d", resp.Code)
		}
		var body ErrorResponse
		if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
			t.Fatal(err)
		}
		if len(body.Errors) != 1 {
			t.Errorf("errors = %v", body.Errors)
		}
	})
}
