package adapter

import (
	"context"

	log "github.com/stephnangue/keygate/logger"
)

// DefaultMistralEndpoint is the hosted Mistral API base.
const DefaultMistralEndpoint = "https://api.mistral.ai/v1"

// MistralAdapter checks the Mistral platform API. The surface is
// OpenAI-compatible, so the check is the same model listing.
type MistralAdapter struct {
	logger log.Logger
}

var _ Adapter = (*MistralAdapter)(nil)

func NewMistralAdapter(logger log.Logger) *MistralAdapter {
	return &MistralAdapter{logger: logger}
}

func (a *MistralAdapter) Tag() string { return "mistral" }

func (a *MistralAdapter) Validate(ctx context.Context, secret string, cfg *EndpointConfig) (*Outcome, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultMistralEndpoint
	}
	a.logger.Debug("checking mistral connectivity", log.String("endpoint", endpoint))
	return checkModelListing(ctx, secret, endpoint)
}
