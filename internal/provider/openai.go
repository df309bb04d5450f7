package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/verdikta/arbiter/internal/model"
)

// OpenAI speaks the chat completions surface. xAI exposes the same wire
// protocol, so the adapter serves both vendors with a different base URL
// and registry name.
type OpenAI struct {
	name       string
	baseURL    string
	apiKey     string
	matrix     *Matrix
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAI creates the OpenAI adapter.
func NewOpenAI(matrix *Matrix, apiKey, baseURL string, logger *slog.Logger) *OpenAI {
	return &OpenAI{
		name:       "openai",
		baseURL:    baseURL,
		apiKey:     apiKey,
		matrix:     matrix,
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// NewXAI creates the xAI adapter on the same chat completions protocol.
func NewXAI(matrix *Matrix, apiKey, baseURL string, logger *slog.Logger) *OpenAI {
	return &OpenAI{
		name:       "xai",
		baseURL:    baseURL,
		apiKey:     apiKey,
		matrix:     matrix,
		httpClient: &http.Client{},
		logger:     logger,
	}
}

func (p *OpenAI) Name() string { return p.name }

func (p *OpenAI) Capabilities(mdl string) Capabilities {
	return p.matrix.Lookup(p.name, mdl)
}

type chatRequest struct {
	Model               string        `json:"model"`
	Messages            []chatMessage `json:"messages"`
	MaxTokens           int           `json:"max_tokens,omitempty"`
	MaxCompletionTokens int           `json:"max_completion_tokens,omitempty"`
	ReasoningEffort     string        `json:"reasoning_effort,omitempty"`
	Verbosity           string        `json:"verbosity,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []contentPart
}

type contentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *imageURLPart `json:"image_url,omitempty"`
	File     *filePart     `json:"file,omitempty"`
}

type imageURLPart struct {
	URL string `json:"url"`
}

type filePart struct {
	Filename string `json:"filename"`
	FileData string `json:"file_data"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Generate runs a text-only completion.
func (p *OpenAI) Generate(ctx context.Context, mdl, prompt string, opts Options) (string, error) {
	return p.complete(ctx, mdl, []chatMessage{{Role: "user", Content: prompt}}, opts)
}

// GenerateWithAttachments runs a completion with multimodal content
// parts. Text attachments are inlined after the prompt; images and
// documents travel as data URLs.
func (p *OpenAI) GenerateWithAttachments(ctx context.Context, mdl, prompt string, atts []model.Attachment, opts Options) (string, error) {
	parts := []contentPart{{Type: "text", Text: prompt}}
	for _, att := range atts {
		switch att.Kind {
		case model.AttachmentText:
			parts = append(parts, contentPart{
				Type: "text",
				Text: fmt.Sprintf("\n\nAttached file %q:\n%s", att.Name, att.Content),
			})
		case model.AttachmentImage:
			parts = append(parts, contentPart{
				Type:     "image_url",
				ImageURL: &imageURLPart{URL: dataURL(att)},
			})
		case model.AttachmentDocument:
			parts = append(parts, contentPart{
				Type: "file",
				File: &filePart{Filename: att.Name, FileData: dataURL(att)},
			})
		}
	}
	return p.complete(ctx, mdl, []chatMessage{{Role: "user", Content: parts}}, opts)
}

func dataURL(att model.Attachment) string {
	return "data:" + att.MediaType + ";base64," + att.Content
}

func (p *OpenAI) complete(ctx context.Context, mdl string, messages []chatMessage, opts Options) (string, error) {
	reqPayload := chatRequest{Model: mdl, Messages: messages}
	if p.Capabilities(mdl).Reasoning {
		reqPayload.MaxCompletionTokens = opts.MaxTokens
		reqPayload.ReasoningEffort = opts.ReasoningEffort
		reqPayload.Verbosity = opts.Verbosity
	} else {
		reqPayload.MaxTokens = opts.MaxTokens
	}

	reqBody, err := json.Marshal(reqPayload)
	if err != nil {
		return "", fmt.Errorf("%s: marshal request: %w", p.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("%s: create request: %w", p.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("%s: generate %s: %w", p.name, mdl, ErrTimeout)
		}
		return "", fmt.Errorf("%s: generate %s: %w: %w", p.name, mdl, ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%s: read response: %w", p.name, err)
	}

	if err := classifyStatus(p.name, mdl, resp.StatusCode, body); err != nil {
		return "", err
	}

	var result chatResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("%s: unmarshal response: %w", p.name, err)
	}
	if result.Error != nil {
		return "", fmt.Errorf("%s: api error: %s: %s", p.name, result.Error.Type, result.Error.Message)
	}
	if len(result.Choices) == 0 || result.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("%s: generate %s: empty response", p.name, mdl)
	}
	return result.Choices[0].Message.Content, nil
}

// classifyStatus folds an HTTP status into the adapter error surface.
func classifyStatus(name, mdl string, status int, body []byte) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return model.E(model.KindProviderAuth, "%s rejected credentials for %s (status %d)", name, mdl, status)
	case status == http.StatusBadRequest || status == http.StatusNotFound ||
		status == http.StatusRequestEntityTooLarge || status == http.StatusUnprocessableEntity:
		return model.E(model.KindProviderInvalidInput, "%s rejected the request for %s (status %d): %s", name, mdl, status, truncateBody(body))
	case status == http.StatusRequestTimeout:
		return fmt.Errorf("%s: generate %s (status %d): %w", name, mdl, status, ErrTimeout)
	default:
		return fmt.Errorf("%s: generate %s (status %d): %w", name, mdl, status, ErrUnavailable)
	}
}

func truncateBody(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
