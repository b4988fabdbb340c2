package relay

import (
	"encoding/json"
	"strings"
)

// Profile is the closed set of optional descriptive fields from the user's
// account that personalize the system prompt. Empty fields are omitted from
// the prompt entirely.
type Profile struct {
	Name            string `json:"name,omitempty"`
	Age             string `json:"age,omitempty"`
	Occupation      string `json:"occupation,omitempty"`
	TonePreference  string `json:"tone_preference,omitempty"`
	TechFamiliarity string `json:"tech_familiarity,omitempty"`
	ParentType      string `json:"parent_type,omitempty"`
	TimeWithKids    string `json:"time_with_kids,omitempty"`
	// Children is a free-form JSON fragment describing the user's children.
	// It is treated as opaque text here.
	Children string `json:"children,omitempty"`
}

// IsEmpty reports whether no profile field is set.
func (p Profile) IsEmpty() bool {
	return p == Profile{}
}

// sanitizer neutralizes characters that downstream prompt-template engines
// or the fenced-block framing could misinterpret. Profile values are data:
// a value must not be able to open a template action or close the fence
// around the profile context.
var sanitizer = strings.NewReplacer(
	"{", "(",
	"}", ")",
	"`", "'",
)

// profileContext serializes the non-empty profile fields into the fenced
// "User Info" block appended to the persona system prompt. Returns "" when
// the profile is empty.
func profileContext(p Profile) string {
	if p.IsEmpty() {
		return ""
	}

	clean := Profile{
		Name:            sanitizer.Replace(p.Name),
		Age:             sanitizer.Replace(p.Age),
		Occupation:      sanitizer.Replace(p.Occupation),
		TonePreference:  sanitizer.Replace(p.TonePreference),
		TechFamiliarity: sanitizer.Replace(p.TechFamiliarity),
		ParentType:      sanitizer.Replace(p.ParentType),
		TimeWithKids:    sanitizer.Replace(p.TimeWithKids),
		Children:        sanitizer.Replace(p.Children),
	}

	data, err := json.Marshal(clean)
	if err != nil {
		// Profile is a flat struct of strings; Marshal cannot fail on it.
		return ""
	}
	return "\nUser Info: ```" + string(data) + "```\n"
}
