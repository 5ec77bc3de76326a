package llm

import (
	"regexp"
	"strings"

	"github.com/xhad/lexqa/internal/models"
	"github.com/xhad/lexqa/pkg/processor"
)

const (
	FilingRefusal = "I can explain what the Act says, but I cannot draft complaints, petitions, applications or other legal filings. " +
		"A lawyer, a Protection Officer or a legal aid service can help you prepare them."
	PredictionRefusal = "I can explain what the Act says, but I cannot predict how a court will decide a case. " +
		"A lawyer can assess the facts of your situation."
	NotFoundAnswer = "I could not find this in the provided text of the Act."
)

var (
	filingRequest     = regexp.MustCompile(`(?i)\b(draft|write|prepare|compose)\b.{0,40}\b(complaint|petition|application|affidavit|plaint|fir|legal notice|filing)s?\b`)
	predictionRequest = regexp.MustCompile(`(?i)(\bwill i win\b|\bchances? of (winning|success)\b|\bpredict\b|\bwhat will the (court|judge|magistrate) (decide|rule|do)\b|\boutcome of (my|the|this) case\b)`)
)

// CheckRequest returns a refusal when the question asks for a legal filing or an
// outcome prediction.
func CheckRequest(question string) (string, bool) {
	switch {
	case filingRequest.MatchString(question):
		return FilingRefusal, true
	case predictionRequest.MatchString(question):
		return PredictionRefusal, true
	}
	return "", false
}

// AllowedSections collects the section numbers present in the retrieved content:
// section headings, references in the text and the chunk's stored sections.
func AllowedSections(records []models.ScoredRecord) map[string]bool {
	allowed := make(map[string]bool)
	for _, rec := range records {
		for _, s := range processor.StatuteSections(rec.Content) {
			allowed[s] = true
		}
		for _, s := range storedSections(rec.Metadata[models.MetaSections]) {
			allowed[strings.ToUpper(s)] = true
		}
	}
	return allowed
}

// storedSections reads the sections metadata as written by the processor or as
// decoded back from jsonb.
func storedSections(v any) []string {
	switch v := v.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

// EnforceCitations drops every sentence that cites a section not in allowed.
// It returns the cleaned answer and the rejected section numbers.
func EnforceCitations(answer string, allowed map[string]bool) (string, []string) {
	var (
		kept     strings.Builder
		rejected []string
		seen     = make(map[string]bool)
	)

	for _, sentence := range splitSentences(answer) {
		ok := true
		for _, s := range processor.SectionNumbers(sentence) {
			if !allowed[s] {
				ok = false
				if !seen[s] {
					seen[s] = true
					rejected = append(rejected, s)
				}
			}
		}
		if ok {
			kept.WriteString(sentence)
		}
	}

	cleaned := strings.TrimSpace(kept.String())
	if cleaned == "" {
		cleaned = NotFoundAnswer
	}
	return cleaned, rejected
}

// Citations returns the allowed section numbers cited in text, in order.
func Citations(text string, allowed map[string]bool) []string {
	var out []string
	for _, s := range processor.SectionNumbers(text) {
		if allowed[s] {
			out = append(out, s)
		}
	}
	return out
}

// WithDisclaimer appends disclaimer unless text already ends with it.
func WithDisclaimer(text, disclaimer string) string {
	if disclaimer == "" {
		disclaimer = DefaultDisclaimer
	}
	text = strings.TrimSpace(text)
	if strings.HasSuffix(text, disclaimer) {
		return text
	}
	return text + "\n\n" + disclaimer
}

var abbreviations = map[string]bool{"s": true, "sec": true, "ss": true, "no": true, "cl": true, "u/s": true}

// splitSentences splits on sentence punctuation and newlines, keeping the delimiters
// so that concatenating the pieces gives back the input. "s. 3" and "Sec. 18" do not split.
func splitSentences(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		c := text[i]
		end := c == '\n'
		if c == '.' || c == '!' || c == '?' {
			end = i+1 == len(text) || text[i+1] == ' ' || text[i+1] == '\n'
			if end && c == '.' && isAbbreviation(text[start:i]) {
				end = false
			}
		}
		if end {
			out = append(out, text[start:i+1])
			start = i + 1
		}
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}

func isAbbreviation(s string) bool {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return false
	}
	last := strings.ToLower(strings.TrimLeft(fields[len(fields)-1], "(\"'"))
	return abbreviations[last]
}
