package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/rlm/internal/contextobj"
	"github.com/vinayprograms/rlm/internal/invocation"
)

// CompletionRequest is one model call.
type CompletionRequest struct {
	Class  invocation.Class
	System string
	Prompt string
	Handle contextobj.Handle // rendered into the prompt when set
}

// Completion is the model's reply.
type Completion struct {
	Text         string
	Class        invocation.Class
	Model        string
	InputTokens  int
	OutputTokens int
	Duration     time.Duration
}

type backend struct {
	provider llm.Provider
	serial   *sync.Mutex // non-nil for providers that take one request at a time
}

// Gateway sends prompts to the provider registered for each class.
// Unregistered domain and fast classes fall back to the capable provider.
type Gateway struct {
	router   *Router
	registry *contextobj.Registry
	logger   *logging.Logger

	mu       sync.RWMutex
	backends map[invocation.Class]*backend
}

// NewGateway creates a gateway. registry resolves handles for prompts.
func NewGateway(router *Router, registry *contextobj.Registry) *Gateway {
	return &Gateway{
		router:   router,
		registry: registry,
		logger:   logging.New().WithComponent("gateway"),
		backends: make(map[invocation.Class]*backend),
	}
}

// Register binds a provider to a class. serialize limits the class to one
// in-flight request, for local models that cannot serve concurrently.
func (g *Gateway) Register(class invocation.Class, provider llm.Provider, serialize bool) {
	b := &backend{provider: provider}
	if serialize {
		b.serial = &sync.Mutex{}
	}
	g.mu.Lock()
	g.backends[class] = b
	g.mu.Unlock()
}

func (g *Gateway) lookup(class invocation.Class) (*backend, invocation.Class) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if b, ok := g.backends[class]; ok {
		return b, class
	}
	if b, ok := g.backends[invocation.ClassCapable]; ok {
		return b, invocation.ClassCapable
	}
	return nil, class
}

// Complete sends req to the provider for its class. Failures are returned as
// *invocation.Error with kind ProviderError or Timeout, or SandboxError when
// the context handle cannot be resolved.
func (g *Gateway) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	b, served := g.lookup(req.Class)
	if b == nil {
		return nil, invocation.NewError(invocation.ProviderError, "no provider for class %s", req.Class)
	}

	system := req.System
	if p, ok := g.router.Persona(req.Class); ok && p.Instructions != "" {
		system = strings.TrimSpace(p.Instructions + "\n\n" + system)
	}

	prompt := req.Prompt
	if !req.Handle.IsZero() && g.registry != nil {
		snap, err := g.registry.Resolve(req.Handle)
		if err != nil {
			return nil, invocation.NewError(invocation.SandboxError, "context unavailable: %v", err)
		}
		prompt = snap.Render() + "\n\n" + prompt
	}

	var messages []llm.Message
	if system != "" {
		messages = append(messages, llm.Message{Role: "system", Content: system})
	}
	messages = append(messages, llm.Message{Role: "user", Content: prompt})

	if b.serial != nil {
		b.serial.Lock()
		defer b.serial.Unlock()
	}

	start := time.Now()
	resp, err := b.provider.Chat(ctx, llm.ChatRequest{Messages: messages})
	dur := time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, invocation.NewError(invocation.Timeout, "provider call for %s exceeded deadline", served)
		}
		g.logger.Warn("provider call failed", map[string]interface{}{
			"class": string(served),
			"error": err.Error(),
		})
		return nil, invocation.NewError(invocation.ProviderError, "%v", err)
	}
	if resp == nil {
		return nil, invocation.NewError(invocation.ProviderError, "empty response from %s", served)
	}

	g.logger.Debug("completion", map[string]interface{}{
		"class":      string(req.Class),
		"served_by":  string(served),
		"duration":   dur.String(),
		"tokens_in":  resp.InputTokens,
		"tokens_out": resp.OutputTokens,
	})
	return &Completion{
		Text:         resp.Content,
		Class:        served,
		Model:        resp.Model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		Duration:     dur,
	}, nil
}

// HasClass reports whether a provider is registered for class itself.
func (g *Gateway) HasClass(class invocation.Class) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.backends[class]
	return ok
}

// String describes the registered classes, for startup logs.
func (g *Gateway) String() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.backends))
	for c := range g.backends {
		names = append(names, string(c))
	}
	return fmt.Sprintf("gateway(%s)", strings.Join(names, ","))
}
