package character

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefault_IsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default character should validate: %v", err)
	}
}

func TestLoad_PartialFileFallsBackToDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uniqua.yaml")
	content := `
name: Spotty
trigger_phrase: spot me
templates:
  start: "Here we go, {{user}}"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Name != "Spotty" || c.TriggerPhrase != "spot me" {
		t.Errorf("file values not applied: %+v", c)
	}
	if c.Templates[TemplateStart] != "Here we go, {{user}}" {
		t.Errorf("start template not overridden: %q", c.Templates[TemplateStart])
	}
	if c.Templates[TemplateSuccess] != Default().Templates[TemplateSuccess] {
		t.Errorf("missing template should fall back to default")
	}
	if c.Prompt == "" || len(c.Similes) != 3 {
		t.Errorf("expected default prompt and similes, got %+v", c)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("name: [unclosed"), 0o644)
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadOrDefault_EmptyPath(t *testing.T) {
	c, err := LoadOrDefault("")
	if err != nil {
		t.Fatal(err)
	}
	if c.TriggerPhrase != "uniquafy me" {
		t.Fatalf("unexpected default phrase %q", c.TriggerPhrase)
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	c := Default()
	c.Caption = "fresh spots"
	if err := Save(path, c); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Caption != "fresh spots" {
		t.Fatalf("caption lost: %q", loaded.Caption)
	}
	if len(loaded.Examples) != len(c.Examples) {
		t.Fatalf("examples lost: %d", len(loaded.Examples))
	}
}

func TestValidate_ReportsMissingFields(t *testing.T) {
	c := &Character{Templates: map[string]string{}}
	err := c.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "trigger_phrase") || !strings.Contains(err.Error(), "templates.failure") {
		t.Fatalf("error should list missing fields: %v", err)
	}
}
