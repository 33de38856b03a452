package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	log "github.com/stephnangue/keygate/logger"
)

// OllamaAdapter checks a local or self-hosted Ollama instance. Ollama
// has no authentication; listing the installed models proves liveness.
type OllamaAdapter struct {
	logger log.Logger
}

var _ Adapter = (*OllamaAdapter)(nil)

func NewOllamaAdapter(logger log.Logger) *OllamaAdapter {
	return &OllamaAdapter{logger: logger}
}

func (a *OllamaAdapter) Tag() string { return "ollama" }

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

func (a *OllamaAdapter) Validate(ctx context.Context, secret string, cfg *EndpointConfig) (*Outcome, error) {
	a.logger.Debug("checking ollama connectivity", log.String("endpoint", cfg.Endpoint))

	target, err := joinURL(cfg.Endpoint, "/api/tags")
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	// Some deployments front Ollama with a bearer-auth proxy.
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return &Outcome{Message: fmt.Sprintf("server returned HTTP %d", resp.StatusCode)}, nil
	}

	var parsed ollamaTagsResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return &Outcome{Message: "server returned an unreadable tag list"}, nil
	}

	return &Outcome{
		Success: true,
		Message: "connection succeeded",
		Extra:   map[string]string{"models": strconv.Itoa(len(parsed.Models))},
	}, nil
}
