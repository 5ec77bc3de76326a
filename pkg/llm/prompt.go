package llm

import (
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/xhad/lexqa/internal/models"
)

const DefaultSystemTemplate = `You are a legal information assistant. You explain the provisions of a single statute to members of the public in plain language.

Rules you must always follow:
1. Answer only from the numbered excerpts of the Act given with the question. If they do not contain the answer, say that you could not find it in the Act.
2. Never cite, quote or describe a section that does not appear in the excerpts.
3. Whenever the excerpts contain section numbers, cite them (for example "Section 3").
4. Do not draft complaints, petitions, applications or any other legal filing, and do not predict the outcome of any case.
5. Be brief, factual and neutral.`

const DefaultContextTemplate = "Excerpts from the Act:\n\n%s\n\nQuestion: %s"

const DefaultDisclaimer = "Disclaimer: This is general legal information, not legal advice. For advice about your situation, please consult a lawyer, a Protection Officer or a legal aid service."

const (
	noExcerpts      = "(no matching excerpts were found)"
	budgetExhausted = "error: search budget exhausted, answer from the excerpts already retrieved"
)

// FormatContext renders retrieved records as numbered excerpts, in the order given.
func FormatContext(records []models.ScoredRecord) string {
	if len(records) == 0 {
		return noExcerpts
	}

	var b strings.Builder
	for i, rec := range records {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%d] Source: %s", i+1, rec.Metadata.Source())
		if idx, ok := rec.Metadata[models.MetaChunkIndex]; ok {
			fmt.Fprintf(&b, ", part %v", idx)
		}
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(rec.Content))
	}
	return b.String()
}

// BuildPrompt assembles the chat messages for one question: system instructions,
// the conversation history oldest first, then the excerpts and the question.
func BuildPrompt(systemTemplate, contextTemplate string, history []models.SessionTurn, retrieved []models.ScoredRecord, question string) []llms.MessageContent {
	if systemTemplate == "" {
		systemTemplate = DefaultSystemTemplate
	}
	if contextTemplate == "" {
		contextTemplate = DefaultContextTemplate
	}

	messages := make([]llms.MessageContent, 0, len(history)+2)
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, systemTemplate))

	for _, turn := range history {
		role := llms.ChatMessageTypeHuman
		if turn.Role == models.RoleAssistant {
			role = llms.ChatMessageTypeAI
		}
		messages = append(messages, llms.TextParts(role, turn.Text))
	}

	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman,
		fmt.Sprintf(contextTemplate, FormatContext(retrieved), question)))

	return messages
}
