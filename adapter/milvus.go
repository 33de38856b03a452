package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	log "github.com/stephnangue/keygate/logger"
)

// MilvusAdapter checks a Milvus deployment through its RESTful v2 API.
// Listing collections exercises both reachability and authentication in
// one round trip.
type MilvusAdapter struct {
	logger log.Logger
}

var _ Adapter = (*MilvusAdapter)(nil)

func NewMilvusAdapter(logger log.Logger) *MilvusAdapter {
	return &MilvusAdapter{logger: logger}
}

func (a *MilvusAdapter) Tag() string { return "milvus" }

type milvusListResponse struct {
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Data    []string `json:"data"`
}

func (a *MilvusAdapter) Validate(ctx context.Context, secret string, cfg *EndpointConfig) (*Outcome, error) {
	a.logger.Debug("checking milvus connectivity",
		log.String("endpoint", cfg.Endpoint), log.String("database", cfg.Database))

	target, err := joinURL(cfg.Endpoint, "/v2/vectordb/collections/list")
	if err != nil {
		return nil, err
	}

	payload := map[string]string{}
	if cfg.Database != "" {
		payload["dbName"] = cfg.Database
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
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

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &Outcome{Message: fmt.Sprintf("authentication failed (HTTP %d)", resp.StatusCode)}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return &Outcome{Message: fmt.Sprintf("server returned HTTP %d", resp.StatusCode)}, nil
	}

	var parsed milvusListResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return &Outcome{Message: "server returned an unreadable response"}, nil
	}

	// The REST API reports auth and database errors through its own code
	// field on an HTTP 200.
	if parsed.Code != 0 {
		message := parsed.Message
		if message == "" {
			message = fmt.Sprintf("server returned code %d", parsed.Code)
		}
		if strings.Contains(strings.ToLower(message), "auth") {
			message = "authentication failed: " + message
		}
		return &Outcome{Message: message}, nil
	}

	return &Outcome{
		Success: true,
		Message: "connection succeeded",
		Extra:   map[string]string{"collections": strconv.Itoa(len(parsed.Data))},
	}, nil
}
