package llm

import (
	"context"
	"fmt"
	"strings"

	"docforge/internal/collaborator"
	"docforge/internal/doctype"
	"docforge/internal/entity"
)

const suggestSystemPrompt = `You help founders fill in planning questionnaires.
Answer the question in two to four plain sentences, consistent with the earlier answers.
Return only the answer text.`

// Suggester drafts answers with an LLM.
type Suggester struct {
	provider LLMProvider
}

var _ collaborator.AnswerSuggester = (*Suggester)(nil)

func NewSuggester(provider LLMProvider) *Suggester {
	return &Suggester{provider: provider}
}

func (s *Suggester) SuggestAnswer(ctx context.Context, docType doctype.Type, q entity.Question, answered []entity.Question) (string, error) {
	title := string(docType)
	if d, ok := doctype.Lookup(docType); ok {
		title = d.Title
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Document: %s\n", title)
	for _, a := range answered {
		if a.Answered() && a.Ordinal != q.Ordinal {
			fmt.Fprintf(&b, "Q: %s\nA: %s\n", a.Prompt, a.Answer)
		}
	}
	fmt.Fprintf(&b, "\nQuestion: %s", q.Prompt)

	answer, err := s.provider.Chat(ctx, []Message{
		{Role: "system", Content: suggestSystemPrompt},
		{Role: "user", Content: b.String()},
	}, WithTemperature(0.4), WithMaxTokens(300))
	if err != nil {
		return "", fmt.Errorf("suggest answer: %w", err)
	}
	return strings.TrimSpace(answer), nil
}
