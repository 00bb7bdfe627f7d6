package source

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Dir reads skills from a directory tree. A skill lives either in
// <root>/<name>/SKILL.md or as a flat <root>/<name>.md; pinned historical
// versions sit next to the main file as SKILL@<version>.md (or
// <name>@<version>.md). Files may open with a YAML frontmatter block
// declaring name, description and version.
type Dir struct {
	root string
}

// NewDir creates a directory-backed source rooted at root. The directory
// does not have to exist; a missing root just serves nothing.
func NewDir(root string) *Dir {
	return &Dir{root: root}
}

// frontmatter is the optional YAML header of a skill file.
type frontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Version     string `yaml:"version"`
}

// Fetch resolves a skill file. A version-pinned fetch is served by a pinned
// file or by a main file declaring exactly that version.
func (d *Dir) Fetch(ctx context.Context, name, version string) (*Content, error) {
	var candidates []string
	if version != "" {
		candidates = append(candidates,
			filepath.Join(d.root, name, "SKILL@"+version+".md"),
			filepath.Join(d.root, name+"@"+version+".md"),
		)
	}
	candidates = append(candidates,
		filepath.Join(d.root, name, "SKILL.md"),
		filepath.Join(d.root, name+".md"),
	)

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read skill %s: %w", name, err)
		}
		c, err := parseSkillFile(name, data)
		if err != nil {
			return nil, fmt.Errorf("skill %s: %w", name, err)
		}
		if version != "" && c.DeclaredVersion != version {
			continue
		}
		return c, nil
	}
	return nil, ErrNotFound
}

// List enumerates skill names under the root: subdirectories containing a
// SKILL.md plus flat .md files (version-pinned copies excluded). A missing
// root returns an empty list, not an error.
func (d *Dir) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read skill directory %s: %w", d.root, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			if _, err := os.Stat(filepath.Join(d.root, entry.Name(), "SKILL.md")); err == nil {
				names = append(names, entry.Name())
			}
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".md") || strings.Contains(name, "@") {
			continue
		}
		names = append(names, strings.TrimSuffix(name, ".md"))
	}
	sort.Strings(names)
	return names, nil
}

var frontmatterDelim = []byte("---\n")

// parseSkillFile splits an optional YAML frontmatter block from the body.
// A file without frontmatter is all body with no declared version.
func parseSkillFile(name string, data []byte) (*Content, error) {
	c := &Content{Name: name}
	if !bytes.HasPrefix(data, frontmatterDelim) {
		c.Text = strings.TrimSpace(string(data))
		return c, nil
	}

	rest := data[len(frontmatterDelim):]
	end := bytes.Index(rest, frontmatterDelim)
	if end < 0 {
		return nil, fmt.Errorf("unterminated frontmatter")
	}

	var fm frontmatter
	if err := yaml.Unmarshal(rest[:end], &fm); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	if fm.Name != "" {
		c.Name = fm.Name
	}
	c.Description = fm.Description
	c.DeclaredVersion = fm.Version
	c.Text = strings.TrimSpace(string(rest[end+len(frontmatterDelim):]))
	return c, nil
}
