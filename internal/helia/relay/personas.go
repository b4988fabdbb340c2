package relay

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed personas.yaml
var personasYAML []byte

// Persona is one of the fixed set of assistant personalities. The role and
// suggestion lines feed the synthesized decline message when a turn is
// rejected by the provider's content policy.
type Persona struct {
	ID         string `yaml:"-"`
	Name       string `yaml:"name"`
	System     string `yaml:"system"`
	Role       string `yaml:"role"`
	Suggestion string `yaml:"suggestion"`
}

// personaFile mirrors the embedded personas.yaml layout.
type personaFile struct {
	Default  Persona            `yaml:"default"`
	Personas map[string]Persona `yaml:"personas"`
}

// Registry resolves persona selectors. Resolution is total: an unrecognized
// selector yields the default persona, never an error.
type Registry struct {
	fallback Persona
	personas map[string]Persona
}

// LoadPersonas parses the embedded persona definitions.
func LoadPersonas() (*Registry, error) {
	var pf personaFile
	if err := yaml.Unmarshal(personasYAML, &pf); err != nil {
		return nil, fmt.Errorf("relay: parse personas: %w", err)
	}
	if pf.Default.System == "" {
		return nil, fmt.Errorf("relay: personas file has no default system prompt")
	}

	pf.Default.ID = "default"
	personas := make(map[string]Persona, len(pf.Personas))
	for id, p := range pf.Personas {
		p.ID = id
		personas[id] = p
	}
	return &Registry{fallback: pf.Default, personas: personas}, nil
}

// Resolve returns the persona for the given selector, falling back to the
// default persona for anything unrecognized (including the empty string).
func (r *Registry) Resolve(id string) Persona {
	if p, ok := r.personas[id]; ok {
		return p
	}
	return r.fallback
}

// categoryExplanations maps provider filter categories to the user-facing
// phrasing used in decline messages.
var categoryExplanations = map[string]string{
	"hate":             "content that promotes hate speech or discrimination",
	"self_harm":        "content related to self-harm or unsafe behaviors",
	"sexual":           "inappropriate or sexual content",
	"violence":         "content that may involve violence or harm",
	"jailbreak":        "attempts to bypass safety measures",
	"illegal_activity": "illegal or unethical activities, such as drug-related requests",
}

const fallbackExplanation = "content that violates our safety guidelines"

// DeclineMessage synthesizes the fixed, persona-appropriate reply used when
// the provider rejects a turn on content-policy grounds. The result is
// streamed and persisted in place of a model reply.
func DeclineMessage(p Persona, category string) string {
	explanation, ok := categoryExplanations[category]
	if !ok {
		explanation = fallbackExplanation
	}
	return fmt.Sprintf(
		"I'm sorry, but I can't assist with requests that involve %s. My role is to %s. %s What would you like to explore instead?",
		explanation, p.Role, p.Suggestion,
	)
}
