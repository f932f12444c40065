package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrEmptyCompletion indica resposta 2xx sem nenhuma escolha com conteúdo.
var ErrEmptyCompletion = errors.New("ai: empty completion")

// ChatMessage segue o formato da API /chat/completions.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AIClient chama um backend compatível com a API de chat da OpenAI
// (Gemini via endpoint OpenAI, OpenAI, servidor local de validação).
type AIClient struct {
	http    *http.Client
	baseURL string
	apiKey  string
	model   string
}

func NewAIClient(httpClient *http.Client, baseURL, apiKey, model string) *AIClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &AIClient{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
	}
}

type completionRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
}

type completionResponse struct {
	Choices []struct {
		Message ChatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete devolve o texto da primeira escolha. O prazo vem do ctx.
func (c *AIClient) Complete(ctx context.Context, messages []ChatMessage) (string, error) {
	body, err := json.Marshal(completionRequest{Model: c.model, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("ai: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("ai: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("ai: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("ai: read response: %w", err)
	}

	var out completionResponse
	decodeErr := json.Unmarshal(raw, &out)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(raw))
		if decodeErr == nil && out.Error != nil && out.Error.Message != "" {
			msg = out.Error.Message
		}
		return "", fmt.Errorf("ai: status %d: %s", resp.StatusCode, msg)
	}
	if decodeErr != nil {
		return "", fmt.Errorf("ai: decode response: %w", decodeErr)
	}
	for _, ch := range out.Choices {
		if text := strings.TrimSpace(ch.Message.Content); text != "" {
			return text, nil
		}
	}
	return "", ErrEmptyCompletion
}
