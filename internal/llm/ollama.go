package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

type ollamaProvider struct {
	model       string
	baseURL     string
	temperature float64
	client      *http.Client
}

func newOllama(cfg Config, client *http.Client) (Backend, error) {
	model := cfg.Model
	if model == "" {
		model = "llama3.1"
	}
	base := cfg.BaseURL
	if base == "" {
		base = "http://localhost:11434"
	}
	return &ollamaProvider{
		model:       model,
		baseURL:     strings.TrimSuffix(base, "/"),
		temperature: cfg.Temperature,
		client:      client,
	}, nil
}

func (p *ollamaProvider) Name() string { return "ollama" }

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
	Error   string        `json:"error,omitempty"`
}

func (p *ollamaProvider) post(ctx context.Context, system, prompt string, stream bool) (*http.Response, error) {
	reqBody := ollamaChatRequest{
		Model: p.model,
		Messages: []ollamaMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		},
		Stream: stream,
	}
	if p.temperature > 0 {
		reqBody.Options = map[string]any{"temperature": p.temperature}
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama unavailable: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError("ollama", resp)
	}
	return resp, nil
}

func (p *ollamaProvider) Complete(ctx context.Context, system, prompt string) (string, error) {
	resp, err := p.post(ctx, system, prompt, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var parsed ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decoding ollama response: %w", err)
	}
	if parsed.Error != "" {
		return "", fmt.Errorf("ollama: %s", parsed.Error)
	}
	return parsed.Message.Content, nil
}

// Stream reads newline-delimited JSON objects until done.
func (p *ollamaProvider) Stream(ctx context.Context, system, prompt string) (<-chan Delta, error) {
	resp, err := p.post(ctx, system, prompt, true)
	if err != nil {
		return nil, err
	}

	ch := make(chan Delta)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var chunk ollamaChatResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				send(ctx, ch, Delta{Err: fmt.Errorf("decoding ollama stream: %w", err)})
				return
			}
			if chunk.Error != "" {
				send(ctx, ch, Delta{Err: fmt.Errorf("ollama: %s", chunk.Error)})
				return
			}
			if chunk.Message.Content != "" {
				if !send(ctx, ch, Delta{Content: chunk.Message.Content}) {
					return
				}
			}
			if chunk.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			send(ctx, ch, Delta{Err: fmt.Errorf("reading ollama stream: %w", err)})
		}
	}()
	return ch, nil
}
