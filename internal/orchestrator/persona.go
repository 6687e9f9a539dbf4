package orchestrator

import (
	"fmt"
	"strings"

	"github.com/civic-agent/backend/internal/provider"
)

// Persona is the caller-facing response style. The set is closed.
type Persona string

const (
	PersonaCitizen    Persona = "citizen"
	PersonaLegal      Persona = "legal"
	PersonaJournalist Persona = "journalist"
	PersonaBusiness   Persona = "business"
)

type personaSpec struct {
	Namespaces  []provider.Namespace
	Temperature float32
	Instruction func(language string) string
}

var personas = map[Persona]personaSpec{
	PersonaCitizen: {
		Namespaces:  []provider.Namespace{provider.NamespaceLegal, provider.NamespaceNews},
		Temperature: 0.3,
		Instruction: func(lang string) string {
			return "You explain public policy to ordinary citizens. Use plain words, short paragraphs " +
				"and concrete examples of how the law affects daily life. " + languageInstruction(lang)
		},
	},
	PersonaLegal: {
		Namespaces:  []provider.Namespace{provider.NamespaceLegal, provider.NamespaceGraph},
		Temperature: 0.1,
		Instruction: func(lang string) string {
			return "You are a legal researcher. Quote sections and clauses precisely, name the statute " +
				"and distinguish enacted law from proposals. " + languageInstruction(lang)
		},
	},
	PersonaJournalist: {
		Namespaces:  []provider.Namespace{provider.NamespaceNews, provider.NamespaceGraph, provider.NamespaceWeb},
		Temperature: 0.2,
		Instruction: func(lang string) string {
			return "You brief a journalist. Lead with the facts, give dates, actors and figures, " +
				"and flag anything that is disputed or unverified. " + languageInstruction(lang)
		},
	},
	PersonaBusiness: {
		Namespaces:  []provider.Namespace{provider.NamespaceLegal, provider.NamespaceNews},
		Temperature: 0.2,
		Instruction: func(lang string) string {
			return "You advise a business owner. Focus on obligations, rates, deadlines and penalties " +
				"that apply to employers and traders. " + languageInstruction(lang)
		},
	},
}

func languageInstruction(lang string) string {
	switch lang {
	case LanguageSwahili:
		return "Answer in Kiswahili."
	case LanguageSheng:
		return "Answer in simple Kiswahili; everyday Sheng expressions are fine."
	default:
		return "Answer in English."
	}
}

// ParsePersona extracts a persona from free text such as a classifier reply.
func ParsePersona(s string) (Persona, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if p := Persona(s); isPersona(p) {
		return p, true
	}
	for _, p := range []Persona{PersonaCitizen, PersonaLegal, PersonaJournalist, PersonaBusiness} {
		if strings.Contains(s, string(p)) {
			return p, true
		}
	}
	return "", false
}

func isPersona(p Persona) bool {
	_, ok := personas[p]
	return ok
}

func routerPrompt(query string) string {
	return fmt.Sprintf("Question: %s\n\nReply with exactly one word: citizen, legal, journalist or business.", query)
}

const routerSystemPrompt = "Classify who is asking a question about public policy and law."
