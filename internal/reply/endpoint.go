// Package reply turns a conversation into a model reply, trying an ordered
// list of model endpoints until one answers.
package reply

import (
	"strings"
	"time"

	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/linarealestate/linabot/internal/config"
)

// providerCacheTTL keeps one client per endpoint for the life of the process.
const providerCacheTTL = 24 * time.Hour

// Endpoint describes one model backend.
type Endpoint struct {
	Name    string
	Type    string // "openai" or "anthropic"
	BaseURL string
	Model   string
	APIKey  string
}

func (e Endpoint) String() string {
	if e.Name != "" && e.Name != e.Model {
		return e.Name + "(" + e.Model + ")"
	}
	return e.Model
}

// EndpointsFromConfig converts the resolved config list into descriptors.
func EndpointsFromConfig(cfg *config.Config) []Endpoint {
	resolved := cfg.ResolvedEndpoints()
	out := make([]Endpoint, 0, len(resolved))
	for _, ep := range resolved {
		out = append(out, Endpoint{
			Name:    ep.Name,
			Type:    strings.ToLower(strings.TrimSpace(ep.Type)),
			BaseURL: strings.TrimSpace(ep.BaseURL),
			Model:   strings.TrimSpace(ep.Model),
			APIKey:  strings.TrimSpace(ep.APIKey),
		})
	}
	return out
}

// ProviderFactory builds the model provider for one endpoint.
type ProviderFactory func(ep Endpoint, maxTokens int, temperature float64) model.Provider

// DefaultProviderFactory returns an agentsdk-go provider for the endpoint.
// Retries inside the SDK are limited to one so the endpoint timeout, not
// the SDK backoff, decides when to move on.
func DefaultProviderFactory(ep Endpoint, maxTokens int, temperature float64) model.Provider {
	temp := temperature
	switch ep.Type {
	case "anthropic":
		return &model.AnthropicProvider{
			APIKey:      ep.APIKey,
			BaseURL:     ep.BaseURL,
			ModelName:   ep.Model,
			MaxTokens:   maxTokens,
			MaxRetries:  1,
			Temperature: &temp,
			CacheTTL:    providerCacheTTL,
		}
	default: // "openai" or empty; Gemini speaks the same protocol
		return &model.OpenAIProvider{
			APIKey:      ep.APIKey,
			BaseURL:     ep.BaseURL,
			ModelName:   ep.Model,
			MaxTokens:   maxTokens,
			MaxRetries:  1,
			Temperature: &temp,
			CacheTTL:    providerCacheTTL,
		}
	}
}
