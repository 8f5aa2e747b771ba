package compute

import (
	"encoding/json"
	"strings"

	"github.com/MimeLyc/flashcard-pipeline/internal/errs"
	"github.com/MimeLyc/flashcard-pipeline/internal/vocab"
)

// extractObject returns the text between the first '{' and the last '}'.
// Models occasionally wrap JSON in prose or code fences.
func extractObject(content string) (string, bool) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return content[start : end+1], true
}

// decodeObject parses model output into v. Unparseable output is reported as
// an API error so the item is retried.
func decodeObject(content string, v any) error {
	raw, ok := extractObject(content)
	if !ok {
		return errs.New(errs.ErrAPI, "no JSON object in model response").WithContext("response", truncate(content, 200))
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return errs.NewWithCause(errs.ErrAPI, "malformed JSON in model response", err).WithContext("response", truncate(content, 200))
	}
	return nil
}

func parseAnalysis(content string) (vocab.SemanticAnalysis, error) {
	var analysis vocab.SemanticAnalysis
	if err := decodeObject(content, &analysis); err != nil {
		return vocab.SemanticAnalysis{}, err
	}
	if strings.TrimSpace(analysis.PrimaryMeaning) == "" {
		return vocab.SemanticAnalysis{}, errs.New(errs.ErrAPI, "model response missing primary_meaning")
	}
	return analysis, nil
}

func parseFlashcard(content, deck string) (vocab.Flashcard, error) {
	var card vocab.Flashcard
	if err := decodeObject(content, &card); err != nil {
		return vocab.Flashcard{}, err
	}
	if strings.TrimSpace(card.Front.Primary) == "" || strings.TrimSpace(card.Back.Primary) == "" {
		return vocab.Flashcard{}, errs.New(errs.ErrAPI, "model response missing card front or back")
	}
	if card.DeckName == "" {
		card.DeckName = deck
	}
	if card.CardType == "" {
		card.CardType = "basic"
	}
	for i, tag := range card.Tags {
		card.Tags[i] = strings.ToLower(strings.Join(strings.Fields(tag), "_"))
	}
	return card, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
