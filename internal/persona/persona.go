// Package persona models the active conversational identity: named trait
// vector, style parameters and guidelines that shape generated context
// prompts and greetings. Profiles are YAML-loadable and swappable at
// runtime; a swap affects only future prompt generation.
package persona

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Style holds tone parameters applied to generated context.
type Style struct {
	Tone      string `yaml:"tone"`
	Verbosity string `yaml:"verbosity"`
	Formality string `yaml:"formality"`
}

// Profile is one persona definition.
type Profile struct {
	Name       string             `yaml:"name"`
	Traits     map[string]float64 `yaml:"traits"`
	Style      Style              `yaml:"style"`
	Guidelines []string           `yaml:"guidelines"`
	Greeting   string             `yaml:"greeting"`
}

// Default returns the builtin fallback persona used when no profile file is
// configured.
func Default(name, greeting string) Profile {
	if name == "" {
		name = "Jarvis"
	}
	if greeting == "" {
		greeting = "At your service. How can I help?"
	}
	return Profile{
		Name: name,
		Traits: map[string]float64{
			"wit":       0.7,
			"curiosity": 0.6,
			"composure": 0.9,
		},
		Style: Style{Tone: "dry", Verbosity: "concise", Formality: "polished"},
		Guidelines: []string{
			"Answer directly before elaborating.",
			"Stay understated; never gush.",
		},
		Greeting: greeting,
	}
}

// Load reads and validates a persona profile from a YAML file.
func Load(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read persona profile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("parse persona profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// Validate checks profile invariants: a name is required and trait weights
// must lie in [0,1].
func (p Profile) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("persona name must not be empty")
	}
	for trait, weight := range p.Traits {
		if weight < 0 || weight > 1 {
			return fmt.Errorf("trait %q weight %v outside [0,1]", trait, weight)
		}
	}
	return nil
}

// ContextPrompt composes the persona's identity, traits, style and
// guidelines into a text block for the model.
func (p Profile) ContextPrompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s.", p.Name)

	if len(p.Traits) > 0 {
		names := make([]string, 0, len(p.Traits))
		for name := range p.Traits {
			names = append(names, name)
		}
		sort.Strings(names)
		descriptors := make([]string, 0, len(names))
		for _, name := range names {
			descriptors = append(descriptors, fmt.Sprintf("%s %s", traitDegree(p.Traits[name]), name))
		}
		fmt.Fprintf(&b, " Your character: %s.", strings.Join(descriptors, ", "))
	}

	if p.Style != (Style{}) {
		parts := make([]string, 0, 3)
		if p.Style.Tone != "" {
			parts = append(parts, "tone: "+p.Style.Tone)
		}
		if p.Style.Verbosity != "" {
			parts = append(parts, "verbosity: "+p.Style.Verbosity)
		}
		if p.Style.Formality != "" {
			parts = append(parts, "formality: "+p.Style.Formality)
		}
		if len(parts) > 0 {
			fmt.Fprintf(&b, " Speaking style: %s.", strings.Join(parts, "; "))
		}
	}

	if len(p.Guidelines) > 0 {
		b.WriteString("\nGuidelines:\n")
		for _, g := range p.Guidelines {
			fmt.Fprintf(&b, "- %s\n", g)
		}
	}
	return b.String()
}

// GreetingLine returns the persona's opening line. A missing greeting falls
// back to a derived one so the line is never empty.
func (p Profile) GreetingLine() string {
	if p.Greeting != "" {
		return p.Greeting
	}
	return fmt.Sprintf("Hello, %s here.", p.Name)
}

func traitDegree(weight float64) string {
	switch {
	case weight >= 0.8:
		return "strong"
	case weight >= 0.5:
		return "moderate"
	default:
		return "mild"
	}
}
