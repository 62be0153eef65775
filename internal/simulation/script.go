// Package simulation plays the generation backend for the dev server: it
// extracts answers from uploaded text and streams a scripted document.
package simulation

import (
	"fmt"
	"strings"

	"docforge/internal/doctype"
	"docforge/internal/entity"
	"docforge/pkg/protocol"
)

const placeholder = "To be completed."

// DefaultQuestions is the question set a project starts with, one per section.
func DefaultQuestions(t doctype.Type) []entity.Question {
	d, ok := doctype.Lookup(t)
	if !ok {
		return nil
	}
	qs := make([]entity.Question, len(d.Sections))
	for i, section := range d.Sections {
		qs[i] = entity.Question{Ordinal: i + 1, Prompt: prompt(section)}
	}
	return qs
}

func prompt(section string) string {
	return fmt.Sprintf("Describe your %s.", strings.ToLower(section))
}

// Extract answers the default questions from "Section: answer" lines in text.
// Questions without a matching line map to protocol.NotFound.
func Extract(t doctype.Type, text string) map[string]string {
	d, ok := doctype.Lookup(t)
	if !ok {
		return nil
	}
	results := make(map[string]string, len(d.Sections))
	for _, section := range d.Sections {
		results[prompt(section)] = protocol.NotFound
	}

	for _, line := range strings.Split(text, "\n") {
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		for _, section := range d.Sections {
			if strings.EqualFold(strings.TrimSpace(name), section) {
				results[prompt(section)] = value
			}
		}
	}
	return results
}

// Render builds the document body from the answered questions.
func Render(t doctype.Type, questions []entity.Question) string {
	d, ok := doctype.Lookup(t)
	if !ok {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", d.Title)
	for _, q := range questions {
		heading := q.Prompt
		if q.Ordinal >= 1 && q.Ordinal <= len(d.Sections) {
			heading = d.Sections[q.Ordinal-1]
		}
		answer := strings.TrimSpace(q.Answer)
		if answer == "" {
			answer = placeholder
		}
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", heading, answer)
	}
	return b.String()
}
