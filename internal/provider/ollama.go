package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"

	"github.com/verdikta/arbiter/internal/model"
)

// Ollama adapts a local Ollama server for open-source models. Clients
// are bound to one model each, so they are built lazily per model name
// and cached for the life of the process.
type Ollama struct {
	baseURL string
	matrix  *Matrix
	logger  *slog.Logger

	mu      sync.Mutex
	clients map[string]*ollama.LLM
}

func NewOllama(matrix *Matrix, baseURL string, logger *slog.Logger) *Ollama {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &Ollama{
		baseURL: baseURL,
		matrix:  matrix,
		logger:  logger,
		clients: make(map[string]*ollama.LLM),
	}
}

func (p *Ollama) Name() string { return "ollama" }

func (p *Ollama) Capabilities(mdl string) Capabilities {
	return p.matrix.Lookup(p.Name(), mdl)
}

func (p *Ollama) client(mdl string) (*ollama.LLM, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if llm, ok := p.clients[mdl]; ok {
		return llm, nil
	}
	llm, err := ollama.New(ollama.WithServerURL(p.baseURL), ollama.WithModel(mdl))
	if err != nil {
		return nil, fmt.Errorf("ollama: create client for %s: %w", mdl, err)
	}
	p.clients[mdl] = llm
	return llm, nil
}

func (p *Ollama) Generate(ctx context.Context, mdl, prompt string, opts Options) (string, error) {
	return p.generate(ctx, mdl, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}, opts)
}

func (p *Ollama) GenerateWithAttachments(ctx context.Context, mdl, prompt string, atts []model.Attachment, opts Options) (string, error) {
	parts := []llms.ContentPart{llms.TextPart(prompt)}
	for _, att := range atts {
		switch att.Kind {
		case model.AttachmentText:
			parts = append(parts, llms.TextPart(
				fmt.Sprintf("\n\nAttached file %q:\n%s", att.Name, att.Content)))
		case model.AttachmentImage:
			raw, err := base64.StdEncoding.DecodeString(att.Content)
			if err != nil {
				return "", fmt.Errorf("ollama: decode image %q: %w", att.Name, err)
			}
			parts = append(parts, llms.BinaryPart(att.MediaType, raw))
		case model.AttachmentDocument:
			// Local models take no binary documents; the processor
			// extracts text before we get here.
			p.logger.Warn("ollama cannot take document natively, dropping",
				"name", att.Name, "mediaType", att.MediaType)
		}
	}
	return p.generate(ctx, mdl, []llms.MessageContent{
		{Role: llms.ChatMessageTypeHuman, Parts: parts},
	}, opts)
}

func (p *Ollama) generate(ctx context.Context, mdl string, messages []llms.MessageContent, opts Options) (string, error) {
	llm, err := p.client(mdl)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	resp, err := llm.GenerateContent(ctx, messages, llms.WithMaxTokens(opts.MaxTokens))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("ollama: generate %s: %w", mdl, ErrTimeout)
		}
		return "", fmt.Errorf("ollama: generate %s: %w: %w", mdl, ErrUnavailable, err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Content == "" {
		return "", fmt.Errorf("ollama: generate %s: empty response", mdl)
	}
	return resp.Choices[0].Content, nil
}
