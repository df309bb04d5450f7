package provider

import (
	"regexp"
	"strings"
)

var (
	thinkClosedRE = regexp.MustCompile(`(?is)<think>.*?</think>`)
	thinkOpenRE   = regexp.MustCompile(`(?is)<think>.*$`)
)

// StripThinking removes the interleaved <think> blocks reasoning models
// emit before their answer. An unterminated block, which happens when a
// model runs out of tokens mid-thought, is stripped to its opening tag.
func StripThinking(s string) string {
	if !strings.Contains(strings.ToLower(s), "<think>") {
		return s
	}
	s = thinkClosedRE.ReplaceAllString(s, "")
	s = thinkOpenRE.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}
