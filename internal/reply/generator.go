package reply

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/linarealestate/linabot/internal/memory"
)

var (
	ErrNoEndpoints = errors.New("no model endpoints configured")
	errEmptyReply  = errors.New("empty reply")
	errNoAPIKey    = errors.New("endpoint has no api key")
)

const defaultRequestTimeout = 12 * time.Second

// Options tune a Generator. Zero values pick sensible defaults.
type Options struct {
	MaxTokens      int
	Temperature    float64
	RequestTimeout time.Duration
	Sticky         bool
	Markers        []string
	Fallback       string
	NewProvider    ProviderFactory
}

// Generator asks an ordered list of endpoints for a reply and falls back to
// a fixed string when none of them answers.
type Generator struct {
	endpoints []Endpoint
	providers []model.Provider
	opts      Options

	mu      sync.Mutex
	current int
}

func NewGenerator(endpoints []Endpoint, opts Options) *Generator {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.NewProvider == nil {
		opts.NewProvider = DefaultProviderFactory
	}

	g := &Generator{
		endpoints: append([]Endpoint(nil), endpoints...),
		providers: make([]model.Provider, len(endpoints)),
		opts:      opts,
	}
	for i, ep := range g.endpoints {
		if ep.APIKey != "" {
			g.providers[i] = opts.NewProvider(ep, opts.MaxTokens, opts.Temperature)
		}
	}
	return g
}

// Configured reports whether at least one endpoint has credentials.
func (g *Generator) Configured() bool {
	for _, p := range g.providers {
		if p != nil {
			return true
		}
	}
	return false
}

// Endpoints returns the configured endpoints in order.
func (g *Generator) Endpoints() []Endpoint {
	return append([]Endpoint(nil), g.endpoints...)
}

// Fallback is the reply used when every endpoint fails.
func (g *Generator) Fallback() string {
	return g.opts.Fallback
}

// Generate never fails: errors are logged and answered with the fallback.
func (g *Generator) Generate(ctx context.Context, system string, history []memory.Turn, text string) string {
	reply, err := g.Complete(ctx, system, history, text)
	if err != nil {
		log.Printf("[reply] all endpoints failed, using fallback: %v", err)
		return g.opts.Fallback
	}
	return reply
}

// Complete tries each endpoint once, starting from the last one that
// answered when sticky selection is on.
func (g *Generator) Complete(ctx context.Context, system string, history []memory.Turn, text string) (string, error) {
	if len(g.endpoints) == 0 {
		return "", ErrNoEndpoints
	}

	req := BuildRequest(system, history, text)
	var errs []error
	for _, idx := range g.order() {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		ep := g.endpoints[idx]
		reply, err := g.attempt(ctx, idx, req)
		if err != nil {
			log.Printf("[reply] endpoint %s failed: %v", ep, err)
			errs = append(errs, fmt.Errorf("%s: %w", ep, err))
			continue
		}
		g.remember(idx)
		return reply, nil
	}
	return "", fmt.Errorf("%d endpoints tried: %w", len(errs), errors.Join(errs...))
}

func (g *Generator) attempt(ctx context.Context, idx int, req model.Request) (string, error) {
	provider := g.providers[idx]
	if provider == nil {
		return "", errNoAPIKey
	}

	ctx, cancel := context.WithTimeout(ctx, g.opts.RequestTimeout)
	defer cancel()

	mdl, err := provider.Model(ctx)
	if err != nil {
		return "", fmt.Errorf("create model: %w", err)
	}
	req.Model = g.endpoints[idx].Model
	resp, err := mdl.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", errEmptyReply
	}

	reply := Sanitize(resp.Message.Content, g.opts.Markers)
	if strings.TrimSpace(reply) == "" {
		return "", errEmptyReply
	}
	return reply, nil
}

// order lists endpoint indexes: the sticky one first, the rest in
// configured order.
func (g *Generator) order() []int {
	start := 0
	if g.opts.Sticky {
		g.mu.Lock()
		start = g.current
		g.mu.Unlock()
	}

	out := make([]int, 0, len(g.endpoints))
	out = append(out, start)
	for i := range g.endpoints {
		if i != start {
			out = append(out, i)
		}
	}
	return out
}

func (g *Generator) remember(idx int) {
	if !g.opts.Sticky {
		return
	}
	g.mu.Lock()
	g.current = idx
	g.mu.Unlock()
}

// Current is the index tried first on the next call.
func (g *Generator) Current() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// Restrict keeps only endpoints whose model is in the allowed set. The list
// is left untouched when nothing would remain. Call it before the generator
// starts serving.
func (g *Generator) Restrict(allowed map[string]bool) int {
	var (
		endpoints []Endpoint
		providers []model.Provider
	)
	for i, ep := range g.endpoints {
		if allowed[normalizeModelID(ep.Model)] {
			endpoints = append(endpoints, ep)
			providers = append(providers, g.providers[i])
		}
	}
	if len(endpoints) == 0 {
		return len(g.endpoints)
	}

	g.mu.Lock()
	g.endpoints = endpoints
	g.providers = providers
	g.current = 0
	g.mu.Unlock()
	return len(endpoints)
}
