package agent

import (
	"log/slog"
	"regexp"
	"strings"
)

// SanitizeReply cleans model output before it is committed to a pair and sent.
// Steps run in order: reasoning blocks, <final> wrappers, echoed speaker labels,
// echoed [System Message] blocks, repeated paragraphs, leading blank lines.
func SanitizeReply(content, botName string) string {
	if content == "" {
		return content
	}
	original := content

	content = stripThinkingTags(content)
	content = stripFinalTags(content)
	content = stripSpeakerLabel(content, botName)
	content = stripEchoedSystemMessages(content)
	content = collapseRepeatedBlocks(content)
	content = leadingBlankLines.ReplaceAllString(content, "")
	content = strings.TrimSpace(content)

	if content != original {
		slog.Debug("agent: sanitized reply", "original_len", len(original), "cleaned_len", len(content))
	}
	return content
}

// Go regexp has no backreferences, so one pattern per tag.
var thinkingTagPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<think>.*?</think>`),
	regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?is)<thought>.*?</thought>`),
	regexp.MustCompile(`(?is)<reasoning>.*?</reasoning>`),
}

// unterminated reasoning at the end of a truncated response
var openThinkingTag = regexp.MustCompile(`(?is)<(?:think|thinking|thought|reasoning)>.*$`)

func stripThinkingTags(content string) string {
	lower := strings.ToLower(content)
	if !strings.Contains(lower, "<think") && !strings.Contains(lower, "<thought") &&
		!strings.Contains(lower, "<reasoning") {
		return content
	}
	for _, pat := range thinkingTagPatterns {
		content = pat.ReplaceAllString(content, "")
	}
	content = openThinkingTag.ReplaceAllString(content, "")
	return strings.TrimSpace(content)
}

var finalTagPattern = regexp.MustCompile(`(?i)<\s*/?\s*final\s*>`)

func stripFinalTags(content string) string {
	if !strings.Contains(strings.ToLower(content), "final") {
		return content
	}
	return finalTagPattern.ReplaceAllString(content, "")
}

// stripSpeakerLabel removes a leading "Name:" the model copied from the transcript format.
func stripSpeakerLabel(content, botName string) string {
	if botName == "" {
		return content
	}
	trimmed := strings.TrimLeft(content, " \t")
	for _, sep := range []string{":", "："} {
		prefix := botName + sep
		if len(trimmed) >= len(prefix) && strings.EqualFold(trimmed[:len(prefix)], prefix) {
			return strings.TrimLeft(trimmed[len(prefix):], " \t")
		}
	}
	return content
}

func stripEchoedSystemMessages(content string) string {
	if !strings.Contains(content, "[System Message]") {
		return content
	}
	var kept []string
	skipping := false
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "[System Message]") {
			skipping = true
			continue
		}
		if skipping {
			// a blank line ends the block
			if strings.TrimSpace(line) == "" {
				skipping = false
			}
			continue
		}
		kept = append(kept, line)
	}
	cleaned := strings.TrimSpace(strings.Join(kept, "\n"))
	slog.Warn("agent: stripped echoed system message", "original_len", len(content), "cleaned_len", len(cleaned))
	return cleaned
}

func collapseRepeatedBlocks(content string) string {
	blocks := strings.Split(content, "\n\n")
	if len(blocks) <= 1 {
		return content
	}
	var kept []string
	for _, block := range blocks {
		trimmed := strings.TrimSpace(block)
		if trimmed == "" {
			continue
		}
		if len(kept) > 0 && trimmed == strings.TrimSpace(kept[len(kept)-1]) {
			continue
		}
		kept = append(kept, block)
	}
	return strings.Join(kept, "\n\n")
}

var leadingBlankLines = regexp.MustCompile(`^(?:[ \t]*\r?\n)+`)

// SilentToken is the reply a model gives when it decides not to speak.
const SilentToken = "NO_REPLY"

// IsSilentReply reports whether text is, starts with, or ends with the silent token as a word.
func IsSilentReply(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	if trimmed == SilentToken {
		return true
	}
	if rest, ok := strings.CutPrefix(trimmed, SilentToken); ok && !isWordChar(rune(rest[0])) {
		return true
	}
	if before, ok := strings.CutSuffix(trimmed, SilentToken); ok && !isWordChar(rune(before[len(before)-1])) {
		return true
	}
	return false
}

func isWordChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
}
