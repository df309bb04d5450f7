// Package attachments normalizes manifest-referenced files into the
// payloads handed to model providers. Images pass through untouched;
// documents either pass through natively or are reduced to plain text,
// depending on what the first jury slot's model accepts.
package attachments

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/verdikta/arbiter/internal/manifest"
	"github.com/verdikta/arbiter/internal/model"
)

const (
	maxImageBytes         = 20 << 20
	maxDocumentBytes      = 50 << 20
	maxExtractedChars     = 100_000
	defaultExtractTimeout = 60 * time.Second

	sniffBytes  = 5000
	maxNulBytes = 5
)

// Capabilities answers whether a model accepts document binaries natively.
// Satisfied by the provider capability table.
type Capabilities interface {
	SupportsNativeDocument(provider, mdl string) bool
}

// Skipped records an attachment dropped during processing and why. Skips
// are not errors; the deliberation proceeds without the file.
type Skipped struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

type format int

const (
	formatUnknown format = iota
	formatImage
	formatText
	formatHTML
	formatRTF
	formatPDF
	formatDOCX
	formatDOC
)

// Processor turns local files into provider-ready attachments.
type Processor struct {
	caps           Capabilities
	logger         *slog.Logger
	extractTimeout time.Duration
}

func New(caps Capabilities, logger *slog.Logger) *Processor {
	return &Processor{
		caps:           caps,
		logger:         logger,
		extractTimeout: defaultExtractTimeout,
	}
}

// Process normalizes every file for the jury. The processing mode is
// decided once, from the first jury slot, and applied to all documents.
func (p *Processor) Process(ctx context.Context, files []manifest.LocalFile, firstSlot model.JurySlot) ([]model.Attachment, []Skipped, error) {
	native := p.caps.SupportsNativeDocument(firstSlot.Provider, firstSlot.Model)

	var out []model.Attachment
	var skipped []Skipped
	for _, f := range files {
		att, skip, err := p.processOne(ctx, f, native)
		if err != nil {
			return nil, nil, err
		}
		if skip != nil {
			p.logger.Warn("skipping attachment", "name", skip.Name, "reason", skip.Reason)
			skipped = append(skipped, *skip)
			continue
		}
		out = append(out, *att)
	}
	return out, skipped, nil
}

func (p *Processor) processOne(ctx context.Context, f manifest.LocalFile, native bool) (*model.Attachment, *Skipped, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, nil, model.Wrap(model.KindAttachmentUnreadable, err, "attachment %q is unreadable", f.Name)
	}

	kind, mediaType := classify(f)
	switch kind {
	case formatImage:
		if len(data) > maxImageBytes {
			return nil, nil, model.E(model.KindAttachmentTooLarge,
				"image %q is %d bytes; limit is %d", f.Name, len(data), maxImageBytes)
		}
		return &model.Attachment{
			Kind:      model.AttachmentImage,
			Name:      f.Name,
			MediaType: mediaType,
			Content:   base64.StdEncoding.EncodeToString(data),
		}, nil, nil

	case formatText:
		return p.textAttachment(f.Name, string(data)), nil, nil

	case formatUnknown:
		if looksBinary(data) {
			return nil, &Skipped{Name: f.Name, Reason: "unrecognized binary content"}, nil
		}
		return p.textAttachment(f.Name, string(data)), nil, nil

	default:
		return p.processDocument(ctx, f, data, kind, mediaType, native)
	}
}

func (p *Processor) processDocument(ctx context.Context, f manifest.LocalFile, data []byte, kind format, mediaType string, native bool) (*model.Attachment, *Skipped, error) {
	if len(data) > maxDocumentBytes {
		return nil, nil, model.E(model.KindAttachmentTooLarge,
			"document %q is %d bytes; limit is %d", f.Name, len(data), maxDocumentBytes)
	}

	// Markup formats always reduce to text. Binary documents pass
	// through when the model takes them natively.
	if native && (kind == formatPDF || kind == formatDOCX || kind == formatDOC) {
		return &model.Attachment{
			Kind:      model.AttachmentDocument,
			Name:      f.Name,
			MediaType: mediaType,
			Content:   base64.StdEncoding.EncodeToString(data),
		}, nil, nil
	}

	text, err := p.extractWithTimeout(ctx, kind, data)
	if err != nil {
		return nil, &Skipped{Name: f.Name, Reason: "text extraction failed: " + err.Error()}, nil
	}
	return p.textAttachment(f.Name, text), nil, nil
}

func (p *Processor) textAttachment(name, text string) *model.Attachment {
	runes := []rune(text)
	if len(runes) > maxExtractedChars {
		p.logger.Warn("truncating extracted text", "name", name,
			"chars", len(runes), "limit", maxExtractedChars)
		text = string(runes[:maxExtractedChars])
	}
	return &model.Attachment{Kind: model.AttachmentText, Name: name, Content: text}
}

// extractWithTimeout runs the format extractor under the per-file deadline.
// Extraction runs in its own goroutine so a stuck parser cannot hold the
// request past its budget.
func (p *Processor) extractWithTimeout(ctx context.Context, kind format, data []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.extractTimeout)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		text, err := extractText(kind, data)
		ch <- result{text, err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		return r.text, r.err
	}
}

func extractText(kind format, data []byte) (string, error) {
	switch kind {
	case formatHTML:
		return extractHTML(data)
	case formatRTF:
		return extractRTF(data)
	case formatPDF:
		return extractPDF(data)
	case formatDOCX:
		return extractDOCX(data)
	case formatDOC:
		return extractDOC(data)
	}
	return "", errors.New("no extractor for format")
}

// classify decides the processing format from the declared type, falling
// back to the filename extension. CID-referenced entries arrive with the
// placeholder type "ipfs/cid" and classify by extension or content.
func classify(f manifest.LocalFile) (format, string) {
	declared := strings.ToLower(strings.TrimSpace(f.Type))
	switch {
	case strings.HasPrefix(declared, "image/"):
		return formatImage, declared
	case declared == "utf8" || declared == "text/plain" || declared == "text/markdown":
		return formatText, declared
	case declared == "text/html":
		return formatHTML, declared
	case declared == "application/rtf" || declared == "text/rtf":
		return formatRTF, declared
	case declared == "application/pdf":
		return formatPDF, declared
	case declared == "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return formatDOCX, declared
	case declared == "application/msword":
		return formatDOC, declared
	}

	name := f.Path
	if name == "" {
		name = f.Name
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		return formatImage, "image/jpeg"
	case ".png":
		return formatImage, "image/png"
	case ".gif":
		return formatImage, "image/gif"
	case ".webp":
		return formatImage, "image/webp"
	case ".txt", ".md", ".markdown":
		return formatText, "text/plain"
	case ".html", ".htm":
		return formatHTML, "text/html"
	case ".rtf":
		return formatRTF, "application/rtf"
	case ".pdf":
		return formatPDF, "application/pdf"
	case ".docx":
		return formatDOCX, "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".doc":
		return formatDOC, "application/msword"
	}
	return formatUnknown, ""
}

// looksBinary applies the null-byte heuristic over the leading window.
func looksBinary(data []byte) bool {
	window := data
	if len(window) > sniffBytes {
		window = window[:sniffBytes]
	}
	nuls := 0
	for _, b := range window {
		if b == 0 {
			nuls++
			if nuls > maxNulBytes {
				return true
			}
		}
	}
	return false
}
