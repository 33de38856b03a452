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

// OpenAIAdapter checks an OpenAI-compatible API by listing models, the
// cheapest authenticated call the surface offers. The endpoint is the
// API base including its version prefix, e.g. https://api.openai.com/v1.
type OpenAIAdapter struct {
	logger log.Logger
}

var _ Adapter = (*OpenAIAdapter)(nil)

func NewOpenAIAdapter(logger log.Logger) *OpenAIAdapter {
	return &OpenAIAdapter{logger: logger}
}

func (a *OpenAIAdapter) Tag() string { return "openai" }

func (a *OpenAIAdapter) Validate(ctx context.Context, secret string, cfg *EndpointConfig) (*Outcome, error) {
	a.logger.Debug("checking openai connectivity", log.String("endpoint", cfg.Endpoint))
	return checkModelListing(ctx, secret, cfg.Endpoint)
}

type modelListResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// checkModelListing is shared by the OpenAI-compatible adapters.
func checkModelListing(ctx context.Context, secret, endpoint string) (*Outcome, error) {
	target, err := joinURL(endpoint, "/models")
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+secret)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &Outcome{Message: fmt.Sprintf("authentication failed (HTTP %d)", resp.StatusCode)}, nil
	case resp.StatusCode != http.StatusOK:
		return &Outcome{Message: fmt.Sprintf("server returned HTTP %d", resp.StatusCode)}, nil
	}

	var parsed modelListResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return &Outcome{Message: "server returned an unreadable model list"}, nil
	}

	return &Outcome{
		Success: true,
		Message: "connection succeeded",
		Extra:   map[string]string{"models": strconv.Itoa(len(parsed.Data))},
	}, nil
}
