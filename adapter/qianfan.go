package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	log "github.com/stephnangue/keygate/logger"
)

// DefaultQianfanEndpoint is Baidu's OAuth host for Qianfan.
const DefaultQianfanEndpoint = "https://aip.baidubce.com"

// QianfanAdapter checks a Baidu Qianfan credential by exchanging it for
// an OAuth access token. The stored secret is the pair
// "api_key:secret_key".
type QianfanAdapter struct {
	logger log.Logger
}

var _ Adapter = (*QianfanAdapter)(nil)

func NewQianfanAdapter(logger log.Logger) *QianfanAdapter {
	return &QianfanAdapter{logger: logger}
}

func (a *QianfanAdapter) Tag() string { return "qianfan" }

type qianfanTokenResponse struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int64  `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (a *QianfanAdapter) Validate(ctx context.Context, secret string, cfg *EndpointConfig) (*Outcome, error) {
	apiKey, secretKey, ok := strings.Cut(secret, ":")
	if !ok || apiKey == "" || secretKey == "" {
		return &Outcome{Message: "secret must be in api_key:secret_key form"}, nil
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultQianfanEndpoint
	}
	a.logger.Debug("checking qianfan connectivity", log.String("endpoint", endpoint))

	target, err := joinURL(endpoint, "/oauth/2.0/token")
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("grant_type", "client_credentials")
	query.Set("client_id", apiKey)
	query.Set("client_secret", secretKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var parsed qianfanTokenResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return &Outcome{Message: fmt.Sprintf("server returned an unreadable response (HTTP %d)", resp.StatusCode)}, nil
	}

	// The token endpoint reports credential errors in-band, usually on
	// an HTTP 200.
	if parsed.AccessToken == "" {
		message := parsed.ErrorDescription
		if message == "" {
			message = parsed.Error
		}
		if message == "" {
			message = fmt.Sprintf("token exchange failed (HTTP %d)", resp.StatusCode)
		}
		return &Outcome{Message: "authentication failed: " + message}, nil
	}

	return &Outcome{
		Success: true,
		Message: "connection succeeded",
		Extra:   map[string]string{"token_obtained": "true"},
	}, nil
}
