// Package character loads the bot persona: trigger phrase, model prompt,
// reply templates and action examples.
package character

import (
	"fmt"
	"os"
	"strings"

	"uniqua/internal/domain"

	"gopkg.in/yaml.v3"
)

// Template keys, one per pipeline stage that talks to the user.
const (
	TemplateStart           = "start"
	TemplateSuccess         = "success"
	TemplateUserNotFound    = "user_not_found"
	TemplateTransformFailed = "transform_failed"
	TemplateFailure         = "failure"
)

// Character is the persona definition read from YAML.
type Character struct {
	Name          string                   `yaml:"name"`
	Username      string                   `yaml:"username"`
	TriggerPhrase string                   `yaml:"trigger_phrase"`
	Description   string                   `yaml:"description"`
	Similes       []string                 `yaml:"similes"`
	Prompt        string                   `yaml:"prompt"`
	Caption       string                   `yaml:"caption"`
	Templates     map[string]string        `yaml:"templates"`
	Examples      [][]domain.ActionExample `yaml:"examples"`
}

// Default returns the built-in persona.
func Default() *Character {
	return &Character{
		Name:          "Uniqua",
		Username:      "uniqua",
		TriggerPhrase: "uniquafy me",
		Description:   "Turn the sender's profile picture into a pink, polka-dotted adventurer with antennae",
		Similes:       []string{"TRANSFORM", "MAKEOVER", "CONVERT"},
		Prompt: "Restyle the person in this picture as a cheerful 3D animated character: " +
			"pink skin with darker pink polka dots, two small antennae, big friendly eyes, " +
			"soft studio lighting. Keep the pose, framing and background of the original.",
		Caption: "Spotted and pink, just like you asked.",
		Templates: map[string]string{
			TemplateStart:           "On it, {{user}}! Grabbing your picture and adding the spots.",
			TemplateSuccess:         "Done, {{user}}! Welcome to the spotted side.",
			TemplateUserNotFound:    "I couldn't find your profile picture, {{user}}. Mention me from your own account and try again.",
			TemplateTransformFailed: "The makeover didn't take this time, {{user}}. Give it another try in a bit.",
			TemplateFailure:         "Something went wrong on my side, {{user}}. Please try again later.",
		},
		Examples: [][]domain.ActionExample{
			{
				{User: "{{user1}}", Text: "@uniqua uniquafy me!"},
				{User: "Uniqua", Text: "On it! Grabbing your picture and adding the spots.", Action: "UNIQUAFY"},
			},
			{
				{User: "{{user1}}", Text: "hey @uniqua can you uniquafy me please?"},
				{User: "Uniqua", Text: "Of course! Hold still.", Action: "UNIQUAFY"},
			},
		},
	}
}

// Load reads a YAML character file and fills unset fields from Default.
func Load(path string) (*Character, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read character file: %w", err)
	}

	var c Character
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse character file %s: %w", path, err)
	}
	c.fillDefaults(Default())

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("character %s: %w", path, err)
	}
	return &c, nil
}

// LoadOrDefault loads path when set, otherwise returns Default.
func LoadOrDefault(path string) (*Character, error) {
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

// Save writes the character as YAML.
func Save(path string, c *Character) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal character: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func (c *Character) fillDefaults(d *Character) {
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.Username == "" {
		c.Username = d.Username
	}
	if c.TriggerPhrase == "" {
		c.TriggerPhrase = d.TriggerPhrase
	}
	if c.Description == "" {
		c.Description = d.Description
	}
	if len(c.Similes) == 0 {
		c.Similes = d.Similes
	}
	if c.Prompt == "" {
		c.Prompt = d.Prompt
	}
	if c.Caption == "" {
		c.Caption = d.Caption
	}
	if c.Templates == nil {
		c.Templates = make(map[string]string, len(d.Templates))
	}
	for k, v := range d.Templates {
		if strings.TrimSpace(c.Templates[k]) == "" {
			c.Templates[k] = v
		}
	}
	if len(c.Examples) == 0 {
		c.Examples = d.Examples
	}
}

// Validate checks the fields the action cannot work without.
func (c *Character) Validate() error {
	var errs []string
	if strings.TrimSpace(c.TriggerPhrase) == "" {
		errs = append(errs, "trigger_phrase is required")
	}
	if strings.TrimSpace(c.Prompt) == "" {
		errs = append(errs, "prompt is required")
	}
	for _, key := range []string{TemplateStart, TemplateSuccess, TemplateUserNotFound, TemplateTransformFailed, TemplateFailure} {
		if strings.TrimSpace(c.Templates[key]) == "" {
			errs = append(errs, "templates."+key+" is required")
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid character: %s", strings.Join(errs, "; "))
	}
	return nil
}
