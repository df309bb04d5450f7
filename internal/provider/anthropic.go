package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/verdikta/arbiter/internal/model"
)

// Anthropic adapts the messages API. Documents are sent natively as
// PDFs; the capability matrix steers other formats to text extraction
// before they reach this adapter.
type Anthropic struct {
	client anthropic.Client
	matrix *Matrix
	logger *slog.Logger
}

func NewAnthropic(matrix *Matrix, apiKey string, logger *slog.Logger) *Anthropic {
	return &Anthropic{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		matrix: matrix,
		logger: logger,
	}
}

func (p *Anthropic) Name() string { return "anthropic" }

func (p *Anthropic) Capabilities(mdl string) Capabilities {
	return p.matrix.Lookup(p.Name(), mdl)
}

func (p *Anthropic) Generate(ctx context.Context, mdl, prompt string, opts Options) (string, error) {
	return p.send(ctx, mdl, opts, anthropic.NewTextBlock(prompt))
}

func (p *Anthropic) GenerateWithAttachments(ctx context.Context, mdl, prompt string, atts []model.Attachment, opts Options) (string, error) {
	blocks := []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(prompt)}
	for _, att := range atts {
		switch att.Kind {
		case model.AttachmentText:
			blocks = append(blocks, anthropic.NewTextBlock(
				fmt.Sprintf("\n\nAttached file %q:\n%s", att.Name, att.Content)))
		case model.AttachmentImage:
			blocks = append(blocks, anthropic.NewImageBlockBase64(att.MediaType, att.Content))
		case model.AttachmentDocument:
			if att.MediaType != "application/pdf" {
				p.logger.Warn("anthropic cannot take document natively, dropping",
					"name", att.Name, "mediaType", att.MediaType)
				continue
			}
			blocks = append(blocks, anthropic.NewDocumentBlock(anthropic.Base64PDFSourceParam{
				Data: att.Content,
			}))
		}
	}
	return p.send(ctx, mdl, opts, blocks...)
}

func (p *Anthropic) send(ctx context.Context, mdl string, opts Options, blocks ...anthropic.ContentBlockParamUnion) (string, error) {
	msg, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(mdl),
		MaxTokens: int64(opts.MaxTokens),
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(blocks...)},
	})
	if err != nil {
		return "", p.translate(mdl, err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("anthropic: generate %s: empty response", mdl)
	}
	return b.String(), nil
}

func (p *Anthropic) translate(mdl string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("anthropic: generate %s: %w", mdl, ErrTimeout)
	}
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		switch apierr.StatusCode {
		case 401, 403:
			return model.E(model.KindProviderAuth, "anthropic rejected credentials for %s (status %d)", mdl, apierr.StatusCode)
		case 400, 404, 413, 422:
			return model.E(model.KindProviderInvalidInput, "anthropic rejected the request for %s (status %d)", mdl, apierr.StatusCode)
		}
	}
	return fmt.Errorf("anthropic: generate %s: %w: %w", mdl, ErrUnavailable, err)
}
