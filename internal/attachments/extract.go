package attachments

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// extractHTML walks the token stream and keeps text nodes, dropping
// script and style bodies. Block-level tags become line breaks.
func extractHTML(data []byte) (string, error) {
	tok := html.NewTokenizer(bytes.NewReader(data))
	var b strings.Builder
	skip := 0
	for {
		switch tok.Next() {
		case html.ErrorToken:
			if errors.Is(tok.Err(), io.EOF) {
				return collapseLines(b.String()), nil
			}
			return "", fmt.Errorf("tokenize html: %w", tok.Err())
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := tok.TagName()
			switch string(name) {
			case "script", "style":
				skip++
			case "p", "br", "div", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6":
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := tok.TagName()
			if n := string(name); n == "script" || n == "style" {
				if skip > 0 {
					skip--
				}
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(tok.Text())
			}
		}
	}
}

func collapseLines(s string) string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

// extractRTF strips control words and groups, keeping the document text.
// Font, color, stylesheet, info, and picture destinations are dropped
// wholesale, as are {\* ...} ignorable destinations.
func extractRTF(data []byte) (string, error) {
	if !bytes.HasPrefix(data, []byte(`{\rtf`)) {
		return "", errors.New("not an RTF document")
	}

	var b strings.Builder
	depth, skipDepth := 0, 0
	emit := func(c byte) {
		if skipDepth == 0 {
			b.WriteByte(c)
		}
	}

	i := 0
	for i < len(data) {
		switch c := data[i]; c {
		case '{':
			depth++
			i++
			if skipDepth == 0 && i+1 < len(data) && data[i] == '\\' && data[i+1] == '*' {
				skipDepth = depth
				i += 2
			}
		case '}':
			if skipDepth == depth {
				skipDepth = 0
			}
			depth--
			i++
		case '\\':
			i++
			if i >= len(data) {
				break
			}
			switch c := data[i]; {
			case c == '\'':
				if i+2 < len(data) {
					if v, err := strconv.ParseUint(string(data[i+1:i+3]), 16, 8); err == nil {
						emit(byte(v))
					}
					i += 3
				} else {
					i = len(data)
				}
			case isRTFAlpha(c):
				j := i
				for j < len(data) && isRTFAlpha(data[j]) {
					j++
				}
				word := string(data[i:j])
				for j < len(data) && (data[j] == '-' || data[j] >= '0' && data[j] <= '9') {
					j++
				}
				if j < len(data) && data[j] == ' ' {
					j++
				}
				if skipDepth == 0 {
					switch word {
					case "par", "line":
						b.WriteByte('\n')
					case "tab":
						b.WriteByte('\t')
					case "fonttbl", "colortbl", "stylesheet", "info", "pict":
						skipDepth = depth
					}
				}
				i = j
			default:
				if c == '{' || c == '}' || c == '\\' {
					emit(c)
				}
				i++
			}
		case '\r', '\n':
			i++
		default:
			emit(c)
			i++
		}
	}
	return strings.TrimSpace(b.String()), nil
}

func isRTFAlpha(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

// extractPDF tries the structured reader first and falls back to a raw
// printable-run scan when the reader fails or yields nothing.
func extractPDF(data []byte) (string, error) {
	text, err := pdfPlainText(data)
	if err == nil && strings.TrimSpace(text) != "" {
		return text, nil
	}
	return printableRuns(data)
}

// pdfPlainText isolates the third-party reader, which panics on some
// malformed files.
func pdfPlainText(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf reader panic: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	var b strings.Builder
	if _, err := io.Copy(&b, plain); err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	return b.String(), nil
}

// extractDOCX reads word/document.xml from the OOXML container. Text
// nodes live in <w:t>; paragraphs and breaks become newlines.
func extractDOCX(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open docx container: %w", err)
	}
	var doc *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			doc = f
			break
		}
	}
	if doc == nil {
		return "", errors.New("docx has no word/document.xml")
	}

	rc, err := doc.Open()
	if err != nil {
		return "", fmt.Errorf("open document.xml: %w", err)
	}
	defer rc.Close()

	dec := xml.NewDecoder(rc)
	var b strings.Builder
	inText := false
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parse document.xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				b.WriteByte('\t')
			case "br":
				b.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				b.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				b.Write(t)
			}
		}
	}
	return strings.TrimSpace(b.String()), nil
}

// extractDOC handles legacy binary Word files heuristically: the text
// stream is usually either UTF-16LE or latin-1 runs inside the OLE
// container. Too little recovered text counts as failure so the caller
// skips the attachment instead of feeding garbage to the jury.
func extractDOC(data []byte) (string, error) {
	if text := utf16Runs(data); len(text) >= 32 {
		return text, nil
	}
	text, err := printableRuns(data)
	if err != nil || len(text) < 32 {
		return "", errors.New("legacy document yielded no text")
	}
	return text, nil
}

// printableRuns keeps runs of printable ASCII at least four bytes long.
func printableRuns(data []byte) (string, error) {
	var b strings.Builder
	run := make([]byte, 0, 128)
	flush := func() {
		if len(run) >= 4 {
			b.Write(run)
			b.WriteByte('\n')
		}
		run = run[:0]
	}
	for _, c := range data {
		if c >= 0x20 && c < 0x7f || c == '\t' {
			run = append(run, c)
		} else {
			flush()
		}
	}
	flush()

	out := strings.TrimSpace(b.String())
	if out == "" {
		return "", errors.New("no extractable text")
	}
	return out, nil
}

// utf16Runs recovers printable ASCII encoded as UTF-16LE pairs.
func utf16Runs(data []byte) string {
	var b strings.Builder
	run := make([]byte, 0, 128)
	flush := func() {
		if len(run) >= 4 {
			b.Write(run)
			b.WriteByte('\n')
		}
		run = run[:0]
	}
	for i := 0; i+1 < len(data); i += 2 {
		c, hi := data[i], data[i+1]
		if hi == 0 && (c >= 0x20 && c < 0x7f || c == '\t') {
			run = append(run, c)
		} else {
			flush()
		}
	}
	flush()
	return strings.TrimSpace(b.String())
}
