// Package repair recovers parseable JSON documents from raw model output
// that may be wrapped in markdown fences or cut off mid-stream. Repair is
// purely syntactic closure: callers must still parse the result and treat a
// parse failure as a hard job failure.
package repair

import "strings"

// ExtractDocument strips markdown code fences from raw model output and
// returns the span from the first opening delimiter to its matching closing
// delimiter. When the document was truncated and no matching closer exists,
// the remainder of the text is returned as-is for RepairTruncated to close.
func ExtractDocument(raw string) string {
	text := stripFences(raw)

	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return strings.TrimSpace(text)
	}
	text = text[start:]

	if end := matchingCloser(text); end >= 0 {
		return text[:end+1]
	}
	return strings.TrimSpace(text)
}

// RepairTruncated closes a document that was cut off mid-stream: it scans
// nesting depth of braces and brackets while respecting escapes inside
// quoted strings, then appends the missing closing quote (if a string was
// left open) followed by the missing closers in reverse nesting order.
// Well-formed input is returned unchanged, which makes the repair idempotent.
func RepairTruncated(text string) string {
	var (
		stack    []byte
		inString bool
		escaped  bool
	)
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
		}
	}

	if !inString && len(stack) == 0 {
		return text
	}

	var b strings.Builder
	b.Grow(len(text) + len(stack) + 1)
	b.WriteString(text)
	if inString {
		if escaped {
			// A trailing lone backslash would escape the quote we add.
			b.WriteByte('\\')
		}
		b.WriteByte('"')
	}
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	return b.String()
}

// matchingCloser returns the index of the closer matching the delimiter at
// position 0, or -1 when the document ends before the nesting closes.
func matchingCloser(text string) int {
	var (
		depth    int
		inString bool
		escaped  bool
	)
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func stripFences(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```JSON")
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return strings.TrimSpace(trimmed)
}
