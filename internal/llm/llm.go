// Package llm provides streaming text-generation backends selected by a
// platform tag.
package llm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/user/sentinel/internal/errs"
)

// Delta is one streamed fragment. A non-nil Err ends the stream.
type Delta struct {
	Content string
	Err     error
}

// Backend generates text from a system prompt and a question.
type Backend interface {
	Name() string
	Complete(ctx context.Context, system, prompt string) (string, error)
	// Stream returns a channel of fragments that is closed when generation
	// ends or ctx is cancelled.
	Stream(ctx context.Context, system, prompt string) (<-chan Delta, error)
}

// Config selects and configures a backend.
type Config struct {
	Platform    string
	Model       string
	BaseURL     string
	APIKey      string
	Temperature float64
	Timeout     time.Duration
}

// Factory constructs a backend for a platform.
type Factory func(cfg Config, client *http.Client) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{
		"openai": newOpenAI,
		"ollama": newOllama,
	}
)

// Register adds or replaces the factory for platform.
func Register(platform string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(platform)] = f
}

// Platforms lists the registered platform tags.
func Platforms() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// New resolves cfg.Platform through the registry. An empty platform means no
// backend is configured and returns nil, nil.
func New(cfg Config) (Backend, error) {
	platform := strings.ToLower(strings.TrimSpace(cfg.Platform))
	if platform == "" {
		return nil, nil
	}

	registryMu.RLock()
	factory, ok := registry[platform]
	registryMu.RUnlock()
	if !ok {
		return nil, errs.Validation("unknown llm platform %q (valid: %s)", cfg.Platform, strings.Join(Platforms(), ", "))
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return factory(cfg, &http.Client{Timeout: timeout})
}

// Collect drains a stream into a single string.
func Collect(ch <-chan Delta) (string, error) {
	var b strings.Builder
	for d := range ch {
		if d.Err != nil {
			return b.String(), d.Err
		}
		b.WriteString(d.Content)
	}
	return b.String(), nil
}

// statusError turns a non-2xx response into an error. Client errors other
// than 429 are permanent.
func statusError(platform string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	err := fmt.Errorf("%s returned status %d: %s", platform, resp.StatusCode, strings.TrimSpace(string(body)))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return errs.Permanent(err)
	}
	return err
}

// send delivers d unless ctx is done.
func send(ctx context.Context, ch chan<- Delta, d Delta) bool {
	select {
	case ch <- d:
		return true
	case <-ctx.Done():
		return false
	}
}
