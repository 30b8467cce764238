package skills

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validSkill = `---
name: deploy-checks
description: Pre-deploy verification guidance
keywords:
  - deploy
  - release
---

Run the smoke suite before any deploy.
`

func TestParseValidSkill(t *testing.T) {
	skill, err := Parse([]byte(validSkill), "/skills/deploy-checks")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if skill.Name != "deploy-checks" {
		t.Errorf("name = %q", skill.Name)
	}
	if skill.Description != "Pre-deploy verification guidance" {
		t.Errorf("description = %q", skill.Description)
	}
	if len(skill.Keywords) != 2 || skill.Keywords[0] != "deploy" {
		t.Errorf("keywords = %v", skill.Keywords)
	}
	if skill.Content != "Run the smoke suite before any deploy." {
		t.Errorf("content = %q", skill.Content)
	}
	if skill.Path != "/skills/deploy-checks" {
		t.Errorf("path = %q", skill.Path)
	}
}

func TestParseRejectsMalformedManifests(t *testing.T) {
	cases := map[string]string{
		"empty":            "",
		"no opening":       "name: x\n---\nbody",
		"no closing":       "---\nname: x\ndescription: y",
		"missing name":     "---\ndescription: y\n---\nbody",
		"missing desc":     "---\nname: ok-name\n---\nbody",
		"uppercase name":   "---\nname: BadName\ndescription: y\n---\nbody",
		"underscore name":  "---\nname: bad_name\ndescription: y\n---\nbody",
		"broken yaml":      "---\nname: [unclosed\n---\nbody",
	}
	for label, content := range cases {
		if _, err := Parse([]byte(content), ""); err == nil {
			t.Errorf("%s: Parse should fail", label)
		}
	}
}

func writeSkill(t *testing.T, root, dir, content string) {
	t.Helper()
	path := filepath.Join(root, dir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(path, SkillFilename), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadSkipsInvalidSkills(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "zeta", "---\nname: zeta\ndescription: last alphabetically\n---\nz body")
	writeSkill(t, root, "alpha", "---\nname: alpha\ndescription: first alphabetically\n---\na body")
	writeSkill(t, root, "broken", "not a manifest")
	// Directory without SKILL.md is ignored silently.
	if err := os.MkdirAll(filepath.Join(root, "empty"), 0o755); err != nil {
		t.Fatal(err)
	}
	// Loose file at the top level is ignored.
	os.WriteFile(filepath.Join(root, "README.md"), []byte("x"), 0o644)

	m := NewManager(root)
	n, err := m.Load()
	if n != 2 {
		t.Fatalf("loaded %d skills, want 2", n)
	}
	if err == nil || !strings.Contains(err.Error(), "skipped 1 invalid") {
		t.Errorf("want invalid-skill warning, got %v", err)
	}
	if m.Count() != 2 {
		t.Errorf("Count = %d", m.Count())
	}
}

func TestLoadMissingDirectory(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "nope"))
	if _, err := m.Load(); err == nil {
		t.Error("missing directory should fail")
	}
}

func TestSelectRanksByRelevance(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "deploy", "---\nname: deploy-checks\ndescription: verification before deploy\nkeywords: [deploy]\n---\ndeploy body")
	writeSkill(t, root, "billing", "---\nname: billing-audit\ndescription: reconcile invoices\nkeywords: [invoice, billing]\n---\nbilling body")
	writeSkill(t, root, "cooking", "---\nname: sourdough\ndescription: bread starter care\n---\nbread body")

	m := NewManager(root)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	selected := m.Select("please deploy the new billing service", 3)
	if len(selected) != 2 {
		t.Fatalf("selected %d skills: %+v", len(selected), selected)
	}
	names := []string{selected[0].Name, selected[1].Name}
	if names[0] != "deploy-checks" && names[0] != "billing-audit" {
		t.Errorf("selection = %v", names)
	}
	for _, n := range names {
		if n == "sourdough" {
			t.Error("irrelevant skill selected")
		}
	}

	if got := m.Select("please deploy the new billing service", 1); len(got) != 1 {
		t.Errorf("max=1 returned %d skills", len(got))
	}
	if got := m.Select("completely unrelated text about weather", 3); len(got) != 0 {
		t.Errorf("no-match objective returned %d skills", len(got))
	}
}

func TestOverlayFormatsSelectedSkills(t *testing.T) {
	if Overlay(nil) != "" {
		t.Error("empty selection should render nothing")
	}
	out := Overlay([]Skill{
		{Name: "deploy-checks", Content: "Run the smoke suite."},
		{Name: "billing-audit", Content: "Check the ledger."},
	})
	if !strings.HasPrefix(out, "Relevant skills:") {
		t.Errorf("overlay header missing:\n%s", out)
	}
	for _, want := range []string{"## deploy-checks", "Run the smoke suite.", "## billing-audit", "Check the ledger."} {
		if !strings.Contains(out, want) {
			t.Errorf("overlay missing %q:\n%s", want, out)
		}
	}
}
