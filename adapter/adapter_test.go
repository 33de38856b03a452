package adapter

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stephnangue/keygate/logger"
)

func testLogger(t *testing.T) logger.Logger {
	t.Helper()
	log, _ := logger.NewGatedLogger(logger.DefaultConfig(), logger.GatedWriterConfig{})
	return log
}

func TestDecodeEndpointConfig(t *testing.T) {
	cfg, err := DecodeEndpointConfig(map[string]any{
		"endpoint": "http://localhost:19530",
		"database": "rag",
	})
	if err != nil {
		t.Fatalf("DecodeEndpointConfig failed: %v", err)
	}
	if cfg.Endpoint != "http://localhost:19530" || cfg.Database != "rag" {
		t.Errorf("decoded %+v", cfg)
	}
}

func TestRegistry(t *testing.T) {
	registry := DefaultRegistry(testLogger(t))

	want := []string{"milvus", "mistral", "ollama", "openai", "qianfan"}
	got := registry.Tags()
	if len(got) != len(want) {
		t.Fatalf("Tags = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Tags = %v, want %v", got, want)
		}
	}

	if !registry.Supports("milvus") {
		t.Error("milvus not supported")
	}
	if registry.Supports("acme-llm") {
		t.Error("unknown tag supported")
	}

	if err := registry.Register(NewMilvusAdapter(testLogger(t))); err == nil {
		t.Error("duplicate registration accepted")
	}
}

func TestMilvusAdapter(t *testing.T) {
	t.Run("lists collections", func(t *testing.T) {
		var gotAuth, gotBody string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/v2/vectordb/collections/list" {
				t.Errorf("path = %q", r.URL.Path)
			}
			gotAuth = r.Header.Get("Authorization")
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			gotBody = body["dbName"]
			json.NewEncoder(w).Encode(map[string]any{
				"code": 0,
				"data": []string{"docs", "chunks", "embeddings"},
			})
		}))
		defer server.Close()

		outcome, err := NewMilvusAdapter(testLogger(t)).Validate(context.Background(),
			"root:Milvus", &EndpointConfig{Endpoint: server.URL, Database: "rag"})
		if err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if !outcome.Success {
			t.Fatalf("check failed: %s", outcome.Message)
		}
		if outcome.Extra["collections"] != "3" {
			t.Errorf("collections = %q", outcome.Extra["collections"])
		}
		if gotAuth != "Bearer root:Milvus" {
			t.Errorf("auth header = %q", gotAuth)
		}
		if gotBody != "rag" {
			t.Errorf("dbName = %q", gotBody)
		}
	})

	t.Run("in-band auth error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{
				"code":    1800,
				"message": "auth check failure",
			})
		}))
		defer server.Close()

		outcome, err := NewMilvusAdapter(testLogger(t)).Validate(context.Background(),
			"bad", &EndpointConfig{Endpoint: server.URL})
		if err != nil {
			t.Fatal(err)
		}
		if outcome.Success {
			t.Error("auth error reported as success")
		}
		if !strings.Contains(outcome.Message, "authentication failed") {
			t.Errorf("message = %q", outcome.Message)
		}
	})

	t.Run("unreachable endpoint", func(t *testing.T) {
		_, err := NewMilvusAdapter(testLogger(t)).Validate(context.Background(),
			"x", &EndpointConfig{Endpoint: "http://127.0.0.1:1"})
		if err == nil {
			t.Error("unreachable endpoint produced no error")
		}
	})

	t.Run("honors context deadline", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(2 * time.Second)
		}))
		defer server.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		start := time.Now()
		_, err := NewMilvusAdapter(testLogger(t)).Validate(ctx, "x", &EndpointConfig{Endpoint: server.URL})
		if err == nil {
			t.Error("deadline produced no error")
		}
		if time.Since(start) > time.Second {
			t.Error("adapter outlived its deadline")
		}
	})
}

func TestOpenAIAdapter(t *testing.T) {
	t.Run("lists models", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/v1/models" {
				t.Errorf("path = %q", r.URL.Path)
			}
			if r.Header.Get("Authorization") != "Bearer sk-test" {
				t.Errorf("auth = %q", r.Header.Get("Authorization"))
			}
			json.NewEncoder(w).Encode(map[string]any{
				"data": []map[string]string{{"id": "gpt-4o"}, {"id": "gpt-4o-mini"}},
			})
		}))
		defer server.Close()

		outcome, err := NewOpenAIAdapter(testLogger(t)).Validate(context.Background(),
			"sk-test", &EndpointConfig{Endpoint: server.URL + "/v1"})
		if err != nil {
			t.Fatal(err)
		}
		if !outcome.Success {
			t.Fatalf("check failed: %s", outcome.Message)
		}
		if outcome.Extra["models"] != "2" {
			t.Errorf("models = %q", outcome.Extra["models"])
		}
	})

	t.Run("rejected key", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer server.Close()

		outcome, err := NewOpenAIAdapter(testLogger(t)).Validate(context.Background(),
			"sk-bad", &EndpointConfig{Endpoint: server.URL + "/v1"})
		if err != nil {
			t.Fatal(err)
		}
		if outcome.Success {
			t.Error("401 reported as success")
		}
		if !strings.Contains(outcome.Message, "authentication failed") {
			t.Errorf("message = %q", outcome.Message)
		}
		if strings.Contains(outcome.Message, "sk-bad") {
			t.Error("message leaks the secret")
		}
	})
}

func TestOllamaAdapter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"models": []map[string]string{{"name": "llama3:8b"}},
		})
	}))
	defer server.Close()

	outcome, err := NewOllamaAdapter(testLogger(t)).Validate(context.Background(),
		"", &EndpointConfig{Endpoint: server.URL})
	if err != nil {
		t.Fatal(err)
	}
	if !outcome.Success {
		t.Fatalf("check failed: %s", outcome.Message)
	}
	if outcome.Extra["models"] != "1" {
		t.Errorf("models = %q", outcome.Extra["models"])
	}
}

func TestQianfanAdapter(t *testing.T) {
	t.Run("token exchange succeeds", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/oauth/2.0/token" {
				t.Errorf("path = %q", r.URL.Path)
			}
			q := r.URL.Query()
			if q.Get("grant_type") != "client_credentials" ||
				q.Get("client_id") != "ak" || q.Get("client_secret") != "sk" {
				t.Errorf("query = %v", q)
			}
			json.NewEncoder(w).Encode(map[string]any{
				"access_token": "token-abc",
				"expires_in":   2592000,
			})
		}))
		defer server.Close()

		outcome, err := NewQianfanAdapter(testLogger(t)).Validate(context.Background(),
			"ak:sk", &EndpointConfig{Endpoint: server.URL})
		if err != nil {
			t.Fatal(err)
		}
		if !outcome.Success {
			t.Fatalf("check failed: %s", outcome.Message)
		}
	})

	t.Run("rejected credentials", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]string{
				"error":             "invalid_client",
				"error_description": "unknown client id",
			})
		}))
		defer server.Close()

		outcome, err := NewQianfanAdapter(testLogger(t)).Validate(context.Background(),
			"ak:bad", &EndpointConfig{Endpoint: server.URL})
		if err != nil {
			t.Fatal(err)
		}
		if outcome.Success {
			t.Error("rejection reported as success")
		}
		if !strings.Contains(outcome.Message, "unknown client id") {
			t.Errorf("message = %q", outcome.Message)
		}
	})

	t.Run("malformed secret", func(t *testing.T) {
		outcome, err := NewQianfanAdapter(testLogger(t)).Validate(context.Background(),
			"no-separator", &EndpointConfig{})
		if err != nil {
			t.Fatal(err)
		}
		if outcome.Success {
			t.Error("malformed secret accepted")
		}
		if !strings.Contains(outcome.Message, "api_key:secret_key") {
			t.Errorf("message = %q", outcome.Message)
		}
	})
}

// The shared client must pick up the tuned pooled transport during
// package initialization; a client holding a nil transport would fail
// every outbound check.
func TestSharedClientTransport(t *testing.T) {
	transport, ok := httpClient.Transport.(*http.Transport)
	if !ok || transport == nil {
		t.Fatalf("client transport = %T, want *http.Transport", httpClient.Transport)
	}
	if transport != sharedTransport {
		t.Error("client does not use the shared transport")
	}
	if transport.TLSClientConfig == nil || transport.TLSClientConfig.MinVersion != tls.VersionTLS12 {
		t.Error("TLS 1.2 floor not applied")
	}
}

func TestAdapterLogsCheckBoundary(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"models": []map[string]string{}})
	}))
	defer server.Close()

	var out bytes.Buffer
	conf := logger.DefaultConfig()
	conf.Level = logger.DebugLevel
	log, _ := logger.NewGatedLogger(conf, logger.GatedWriterConfig{Underlying: &out})
	if err := log.OpenGate(); err != nil {
		t.Fatal(err)
	}

	if _, err := NewOllamaAdapter(log).Validate(context.Background(),
		"top-secret", &EndpointConfig{Endpoint: server.URL}); err != nil {
		t.Fatal(err)
	}

	logged := out.String()
	if !strings.Contains(logged, server.URL) {
		t.Error("check endpoint not logged")
	}
	if strings.Contains(logged, "top-secret") {
		t.Error("log output leaks the secret")
	}
}

func TestJoinURL(t *testing.T) {
	cases := []struct {
		endpoint string
		path     string
		want     string
		wantErr  bool
	}{
		{"http://localhost:19530", "/v2/x", "http://localhost:19530/v2/x", false},
		{"http://localhost:19530/", "/v2/x", "http://localhost:19530/v2/x", false},
		{"https://api.openai.com/v1", "/models", "https://api.openai.com/v1/models", false},
		{"ftp://example.com", "/x", "", true},
	}
	for _, tc := range cases {
		got, err := joinURL(tc.endpoint, tc.path)
		if tc.wantErr {
			if err == nil {
				t.Errorf("joinURL(%q) accepted", tc.endpoint)
			}
			continue
		}
		if err != nil {
			t.Errorf("joinURL(%q) failed: %v", tc.endpoint, err)
			continue
		}
		if got != tc.want {
			t.Errorf("joinURL(%q, %q) = %q, want %q", tc.endpoint, tc.path, got, tc.want)
		}
	}
}
