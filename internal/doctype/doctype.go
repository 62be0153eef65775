// Package doctype is the dictionary of document types the generation core serves.
// Every per-type difference lives here so the rest of the code stays generic.
package doctype

import (
	"fmt"
	"sort"
)

type Type string

const (
	BusinessPlan        Type = "business_plan"
	MarketingPlan       Type = "marketing_plan"
	PitchDeck           Type = "pitch_deck"
	FinancialProjection Type = "financial_projection"
	SalesPlaybook       Type = "sales_playbook"
)

// Descriptor carries the per-type settings.
type Descriptor struct {
	Type         Type
	Title        string
	ArtifactName string
	// Sections drives the scripted document on the dev server and the
	// default question set.
	Sections []string
}

var registry = map[Type]Descriptor{
	BusinessPlan: {
		Type:         BusinessPlan,
		Title:        "Business Plan",
		ArtifactName: "business-plan.md",
		Sections:     []string{"Company overview", "Target market", "Products and services", "Operations", "Milestones"},
	},
	MarketingPlan: {
		Type:         MarketingPlan,
		Title:        "Marketing Plan",
		ArtifactName: "marketing-plan.md",
		Sections:     []string{"Audience", "Positioning", "Channels", "Budget"},
	},
	PitchDeck: {
		Type:         PitchDeck,
		Title:        "Pitch Deck",
		ArtifactName: "pitch-deck.md",
		Sections:     []string{"Problem", "Solution", "Traction", "Team", "Ask"},
	},
	FinancialProjection: {
		Type:         FinancialProjection,
		Title:        "Financial Projection",
		ArtifactName: "financial-projection.md",
		Sections:     []string{"Revenue model", "Cost structure", "Funding needs"},
	},
	SalesPlaybook: {
		Type:         SalesPlaybook,
		Title:        "Sales Playbook",
		ArtifactName: "sales-playbook.md",
		Sections:     []string{"Ideal customer", "Qualification", "Objection handling", "Closing"},
	},
}

// Lookup returns the descriptor for t.
func Lookup(t Type) (Descriptor, bool) {
	d, ok := registry[t]
	return d, ok
}

// Parse validates a raw type name.
func Parse(raw string) (Type, error) {
	t := Type(raw)
	if _, ok := registry[t]; !ok {
		return "", fmt.Errorf("unknown document type %q", raw)
	}
	return t, nil
}

// All returns every registered type in a stable order.
func All() []Type {
	out := make([]Type, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (t Type) String() string { return string(t) }
