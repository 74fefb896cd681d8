package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/user/sentinel/internal/errs"
)

type openaiProvider struct {
	apiKey      string
	model       string
	baseURL     string
	temperature float64
	client      *http.Client
}

func newOpenAI(cfg Config, client *http.Client) (Backend, error) {
	if cfg.APIKey == "" {
		return nil, errs.Validation("openai platform requires an api key")
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	return &openaiProvider{
		apiKey:      cfg.APIKey,
		model:       model,
		baseURL:     strings.TrimSuffix(base, "/"),
		temperature: cfg.Temperature,
		client:      client,
	}, nil
}

func (p *openaiProvider) Name() string { return "openai" }

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	Temperature float64         `json:"temperature,omitempty"`
	Stream      bool            `json:"stream"`
}

type openaiResponse struct {
	Choices []struct {
		Message openaiMessage `json:"message"`
		Delta   openaiMessage `json:"delta"`
	} `json:"choices"`
}

func (p *openaiProvider) post(ctx context.Context, system, prompt string, stream bool) (*http.Response, error) {
	body, err := json.Marshal(openaiRequest{
		Model: p.model,
		Messages: []openaiMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		},
		Temperature: p.temperature,
		Stream:      stream,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling openai: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError("openai", resp)
	}
	return resp, nil
}

func (p *openaiProvider) Complete(ctx context.Context, system, prompt string) (string, error) {
	resp, err := p.post(ctx, system, prompt, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result openaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding openai response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("empty response from openai")
	}
	return result.Choices[0].Message.Content, nil
}

// Stream reads server-sent events until the [DONE] sentinel.
func (p *openaiProvider) Stream(ctx context.Context, system, prompt string) (<-chan Delta, error) {
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
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}
			var chunk openaiResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				send(ctx, ch, Delta{Err: fmt.Errorf("decoding openai stream: %w", err)})
				return
			}
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			if !send(ctx, ch, Delta{Content: chunk.Choices[0].Delta.Content}) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			send(ctx, ch, Delta{Err: fmt.Errorf("reading openai stream: %w", err)})
		}
	}()
	return ch, nil
}
