package compute

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/abadojack/whatlanggo"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"github.com/MimeLyc/flashcard-pipeline/internal/vocab"
)

const stage1System = "You are a lexicographer who writes precise nuance analyses of vocabulary for language learners. Reply with a single JSON object and nothing else."

const stage2System = "You write concise, accurate spaced-repetition flashcards. Reply with a single JSON object and nothing else."

// termLanguage names the language the term is written in. Single words are
// often too short for reliable detection, in which case Hangul decides.
func termLanguage(item *vocab.Item) string {
	sample := item.Term
	if item.Example != nil {
		sample += " " + *item.Example
	}
	info := whatlanggo.Detect(sample)
	if info.IsReliable() {
		return info.Lang.String()
	}
	for _, r := range item.Term {
		if unicode.Is(unicode.Hangul, r) {
			return whatlanggo.Kor.String()
		}
	}
	return "foreign"
}

func languageName(tag language.Tag) string {
	if name := display.English.Languages().Name(tag); name != "" {
		return name
	}
	return tag.String()
}

func buildStage1Prompt(item *vocab.Item, explain language.Tag) string {
	var prompt strings.Builder

	prompt.WriteString(fmt.Sprintf("Analyse the %s term below for a learner whose explanation language is %s.\n\n",
		termLanguage(item), languageName(explain)))

	prompt.WriteString("=== TERM ===\n")
	prompt.WriteString(fmt.Sprintf("Term: %s\n", item.Term))
	prompt.WriteString(fmt.Sprintf("Given meaning: %s\n", item.Meaning))
	if item.Category != "" {
		prompt.WriteString(fmt.Sprintf("Category: %s\n", item.Category))
	}
	if item.Hanja != nil && *item.Hanja != "" {
		prompt.WriteString(fmt.Sprintf("Hanja: %s\n", *item.Hanja))
	}
	if item.Example != nil && *item.Example != "" {
		prompt.WriteString(fmt.Sprintf("Example: %s\n", *item.Example))
	}

	prompt.WriteString("\n=== ANALYSIS ===\n")
	prompt.WriteString("1. Primary meaning and common alternative meanings\n")
	prompt.WriteString("2. Connotations and register\n")
	prompt.WriteString("3. Typical usage contexts\n")
	prompt.WriteString("4. Cultural notes where relevant\n")
	prompt.WriteString("5. Frequency and formality\n")

	prompt.WriteString("\n=== OUTPUT FORMAT ===\n")
	prompt.WriteString(`{"primary_meaning": string, "alternative_meanings": [string], "connotations": [string], ` +
		`"register": string, "usage_contexts": [string], "cultural_notes": string or null, ` +
		`"frequency": string, "formality": string}` + "\n")

	return prompt.String()
}

func buildStage2Prompt(item *vocab.Item, stage1 *vocab.Stage1Result, explain language.Tag, deck string) (string, error) {
	analysis, err := json.Marshal(stage1.Analysis)
	if err != nil {
		return "", err
	}

	var prompt strings.Builder
	prompt.WriteString(fmt.Sprintf("Create one flashcard for the term %q using the analysis below. Explanations are written in %s.\n\n",
		item.Term, languageName(explain)))

	prompt.WriteString("=== TERM ===\n")
	prompt.WriteString(fmt.Sprintf("Term: %s\n", item.Term))
	prompt.WriteString(fmt.Sprintf("Meaning: %s\n", item.Meaning))
	if item.Hanja != nil && *item.Hanja != "" {
		prompt.WriteString(fmt.Sprintf("Hanja: %s\n", *item.Hanja))
	}

	prompt.WriteString("\n=== ANALYSIS ===\n")
	prompt.Write(analysis)
	prompt.WriteString("\n")

	prompt.WriteString("\n=== CARD RULES ===\n")
	prompt.WriteString("1. The front shows the term only\n")
	prompt.WriteString("2. The back leads with the primary meaning\n")
	prompt.WriteString("3. Add one natural example sentence when possible\n")
	prompt.WriteString("4. Tags are lowercase single words\n")

	prompt.WriteString("\n=== OUTPUT FORMAT ===\n")
	prompt.WriteString(`{"front": {"primary_content": string, "pronunciation": string or null}, ` +
		`"back": {"primary_content": string, "secondary_content": string or null, "example": string or null, "notes": string or null}, ` +
		`"tags": [string], "deck_name": "` + deck + `", "card_type": "basic"}` + "\n")

	return prompt.String(), nil
}
