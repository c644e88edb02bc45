package provider

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"genforge/internal/domain"
)

// Fallback synthesizes a deterministic placeholder result for a failed
// provider call. Jobs completed this way are always flagged degraded and
// settled at zero cost; the placeholder is never passed off as real output.
func Fallback(req Request) *Result {
	seed := fallbackSeed(req.JobID, req.Kind, req.Prompt)
	title := fallbackTitle(req.Prompt)

	switch req.Kind {
	case domain.JobKindImageGenerate:
		return &Result{
			URL:        fmt.Sprintf("https://assets.genforge.local/fallback/%s.png", seed),
			StopReason: StopReasonStop,
			Provider:   "fallback",
		}
	case domain.JobKindAppGenerate:
		doc := map[string]any{
			"name":        title,
			"placeholder": true,
			"files": []map[string]string{
				{"path": "README.md", "content": "# " + title + "\n\nPlaceholder scaffold; generation was degraded."},
			},
		}
		payload, _ := json.Marshal(doc)
		return &Result{
			Payload:    payload,
			StopReason: StopReasonStop,
			Provider:   "fallback",
		}
	default:
		return &Result{
			Text:       fmt.Sprintf("%s (placeholder %s)", title, seed[:8]),
			StopReason: StopReasonStop,
			Provider:   "fallback",
		}
	}
}

func fallbackTitle(prompt string) string {
	words := strings.Fields(prompt)
	if len(words) > 6 {
		words = words[:6]
	}
	if len(words) == 0 {
		return "Untitled Artifact"
	}
	return cases.Title(language.Und).String(strings.Join(words, " "))
}

func fallbackSeed(parts ...any) string {
	hasher := sha256.New()
	for _, part := range parts {
		hasher.Write([]byte(fmt.Sprintf("%v", part)))
		hasher.Write([]byte{'|'})
	}
	return hex.EncodeToString(hasher.Sum(nil))[:16]
}
