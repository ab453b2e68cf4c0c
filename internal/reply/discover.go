package reply

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const discoverTimeout = 10 * time.Second

// ModelLister returns the model ids a provider serves.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

type openaiLister struct {
	client openai.Client
}

// NewOpenAILister lists models through the OpenAI-compatible /models route
// of the endpoint.
func NewOpenAILister(ep Endpoint) ModelLister {
	opts := []option.RequestOption{
		option.WithAPIKey(ep.APIKey),
		option.WithMaxRetries(0),
	}
	if ep.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(ep.BaseURL))
	}
	return &openaiLister{client: openai.NewClient(opts...)}
}

func (l *openaiLister) ListModels(ctx context.Context) ([]string, error) {
	page, err := l.client.Models.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	ids := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// DiscoveryLister picks the first OpenAI-type endpoint with a key.
func DiscoveryLister(endpoints []Endpoint) (ModelLister, bool) {
	for _, ep := range endpoints {
		if ep.APIKey == "" {
			continue
		}
		if ep.Type == "" || ep.Type == "openai" {
			return NewOpenAILister(ep), true
		}
	}
	return nil, false
}

// Discover drops endpoints whose model the provider does not list. Any
// failure leaves the configured list as it is.
func Discover(ctx context.Context, g *Generator, lister ModelLister) {
	ctx, cancel := context.WithTimeout(ctx, discoverTimeout)
	defer cancel()

	ids, err := lister.ListModels(ctx)
	if err != nil {
		log.Printf("[reply] model discovery failed, keeping configured endpoints: %v", err)
		return
	}

	allowed := make(map[string]bool, len(ids))
	for _, id := range ids {
		allowed[normalizeModelID(id)] = true
	}
	before := len(g.Endpoints())
	after := g.Restrict(allowed)
	log.Printf("[reply] model discovery: %d listed, %d/%d endpoints kept", len(ids), after, before)
}

// normalizeModelID strips the "models/" prefix Gemini puts on its ids.
func normalizeModelID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	return strings.TrimPrefix(id, "models/")
}
