// Package skills loads skill manifests from a directory and selects the
// ones relevant to a run objective. Selected skill bodies become part of
// the planner's global prompt overlay.
//
// A skill is a directory containing a SKILL.md file: YAML frontmatter
// (name, description, keywords) followed by a markdown body with the
// guidance text.
package skills

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// SkillFilename is the expected manifest filename inside a skill directory.
const SkillFilename = "SKILL.md"

const frontmatterDelimiter = "---"

// Skill is one parsed skill manifest.
type Skill struct {
	// Name is the skill identifier: lowercase alphanumeric with hyphens.
	Name string `yaml:"name"`

	// Description is a one-line summary used for relevance matching.
	Description string `yaml:"description"`

	// Keywords extend matching beyond the name and description.
	Keywords []string `yaml:"keywords"`

	// Content is the markdown body injected into the prompt overlay.
	Content string `yaml:"-"`

	// Path is the skill's directory.
	Path string `yaml:"-"`
}

// Validate checks the manifest's required fields and name format.
func (s *Skill) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("skill name is required")
	}
	for _, r := range s.Name {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-') {
			return fmt.Errorf("skill name must be lowercase alphanumeric with hyphens: got %q", s.Name)
		}
	}
	if s.Description == "" {
		return fmt.Errorf("skill description is required")
	}
	return nil
}

// Parse parses SKILL.md content.
func Parse(data []byte, path string) (*Skill, error) {
	frontmatter, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, fmt.Errorf("split frontmatter: %w", err)
	}
	var skill Skill
	if err := yaml.Unmarshal(frontmatter, &skill); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	if err := skill.Validate(); err != nil {
		return nil, err
	}
	skill.Content = strings.TrimSpace(string(body))
	skill.Path = path
	return &skill, nil
}

func splitFrontmatter(data []byte) ([]byte, []byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("empty file")
	}
	if strings.TrimSpace(scanner.Text()) != frontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var frontmatter []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontmatterDelimiter {
			closed = true
			break
		}
		frontmatter = append(frontmatter, line)
	}
	if !closed {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}

	var body []string
	for scanner.Scan() {
		body = append(body, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	return []byte(strings.Join(frontmatter, "\n")), []byte(strings.Join(body, "\n")), nil
}

// Manager holds the loaded skill set.
type Manager struct {
	dir string

	mu     sync.RWMutex
	skills []Skill
}

// NewManager creates a manager over the given skills directory.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir}
}

// Load discovers and parses every skill under the directory. Invalid
// manifests are skipped, not fatal. Returns the number of loaded skills.
func (m *Manager) Load() (int, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return 0, fmt.Errorf("read skills directory: %w", err)
	}

	var loaded []Skill
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(m.dir, entry.Name())
		data, err := os.ReadFile(filepath.Join(path, SkillFilename))
		if err != nil {
			continue
		}
		skill, err := Parse(data, path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", entry.Name(), err))
			continue
		}
		loaded = append(loaded, *skill)
	}
	sort.Slice(loaded, func(i, j int) bool { return loaded[i].Name < loaded[j].Name })

	m.mu.Lock()
	m.skills = loaded
	m.mu.Unlock()

	if len(errs) > 0 {
		return len(loaded), fmt.Errorf("skipped %d invalid skill(s): %v", len(errs), errs[0])
	}
	return len(loaded), nil
}

// Count returns the number of loaded skills.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.skills)
}

// Select returns up to max skills relevant to the objective, best match
// first. Relevance is token overlap between the objective and the skill's
// name, description, and keywords.
func (m *Manager) Select(objective string, max int) []Skill {
	if max <= 0 {
		max = 3
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	tokens := tokenize(objective)
	type scored struct {
		skill Skill
		score int
	}
	var candidates []scored
	for _, skill := range m.skills {
		score := matchScore(tokens, skill)
		if score > 0 {
			candidates = append(candidates, scored{skill: skill, score: score})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	if len(candidates) > max {
		candidates = candidates[:max]
	}
	out := make([]Skill, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.skill)
	}
	return out
}

// Overlay renders the selected skills as a prompt overlay block.
func Overlay(selected []Skill) string {
	if len(selected) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant skills:\n")
	for _, skill := range selected {
		fmt.Fprintf(&b, "## %s\n%s\n\n", skill.Name, skill.Content)
	}
	return strings.TrimSpace(b.String())
}

func tokenize(text string) map[string]bool {
	out := map[string]bool{}
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && r < 0x80
	}) {
		if len(tok) >= 3 {
			out[tok] = true
		}
	}
	return out
}

func matchScore(tokens map[string]bool, skill Skill) int {
	score := 0
	for _, kw := range skill.Keywords {
		if tokens[strings.ToLower(kw)] {
			score += 3
		}
	}
	for tok := range tokenize(skill.Name) {
		if tokens[tok] {
			score += 2
		}
	}
	for tok := range tokenize(skill.Description) {
		if tokens[tok] {
			score++
		}
	}
	return score
}
