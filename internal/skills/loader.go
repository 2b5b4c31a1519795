// Package skills loads skill descriptors advertised in the system
// prompt. Each skill lives in its own directory holding a SKILL.md whose
// YAML frontmatter names and describes it.
package skills

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileName is the descriptor file expected in every skill directory.
const FileName = "SKILL.md"

// Skill is one loaded skill descriptor.
type Skill struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Path        string `json:"path"` // directory holding SKILL.md
}

// Loader reads skills from a directory.
type Loader struct {
	dir    string
	logger *slog.Logger
}

// NewLoader creates a loader for dir. A nil logger uses slog.Default.
func NewLoader(dir string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{dir: dir, logger: logger}
}

// Load returns the skills under the loader's directory, sorted by name.
// A missing directory yields no skills. Subdirectories without a
// SKILL.md are ignored, and ones whose frontmatter cannot be parsed are
// skipped with a warning.
func (l *Loader) Load() ([]Skill, error) {
	if l.dir == "" {
		return nil, nil
	}

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read skills dir: %w", err)
	}

	var skills []Skill
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(l.dir, e.Name())
		data, err := os.ReadFile(filepath.Join(dir, FileName))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read skill %s: %w", e.Name(), err)
		}

		skill, err := parse(string(data))
		if err != nil {
			l.logger.Warn("skipping skill with malformed frontmatter",
				"skill", e.Name(),
				"error", err,
			)
			continue
		}
		if skill.Name == "" {
			skill.Name = e.Name()
		}
		skill.Path = dir
		skills = append(skills, skill)
	}

	sort.Slice(skills, func(i, j int) bool { return skills[i].Name < skills[j].Name })
	return skills, nil
}

type frontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// parse reads the frontmatter of a SKILL.md. A file without
// frontmatter is a skill with no metadata.
func parse(raw string) (Skill, error) {
	block, ok := splitFrontmatter(raw)
	if !ok {
		return Skill{}, nil
	}

	var fm frontmatter
	if err := yaml.Unmarshal([]byte(block), &fm); err != nil {
		return Skill{}, fmt.Errorf("parse frontmatter: %w", err)
	}
	return Skill{
		Name:        strings.TrimSpace(fm.Name),
		Description: strings.TrimSpace(fm.Description),
	}, nil
}

// splitFrontmatter returns the text between a leading "---" line and
// the next "---" line.
func splitFrontmatter(raw string) (string, bool) {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	rest, ok := strings.CutPrefix(raw, "---\n")
	if !ok {
		return "", false
	}
	if strings.HasPrefix(rest, "---") {
		return "", true
	}
	block, _, ok := strings.Cut(rest, "\n---")
	if !ok {
		return "", false
	}
	return block, true
}
