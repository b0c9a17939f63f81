package router

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// PersonaFile is the file that defines a persona inside its directory.
const PersonaFile = "PERSONA.md"

// Persona is a domain-specialised model class: a system prompt plus the LLM
// profile that serves it.
type Persona struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Profile     string   `yaml:"profile,omitempty"` // config profile name; empty = capable model
	Domains     []string `yaml:"domains,omitempty"` // hint keywords routed to this persona

	Instructions string `yaml:"-"`
	Path         string `yaml:"-"`
}

var nameFormat = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// LoadPersona loads a persona from a directory containing PERSONA.md.
func LoadPersona(dir string) (*Persona, error) {
	content, err := os.ReadFile(filepath.Join(dir, PersonaFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", PersonaFile, err)
	}
	p, err := ParsePersona(string(content))
	if err != nil {
		return nil, err
	}
	p.Path = dir
	if base := filepath.Base(dir); p.Name != base {
		return nil, fmt.Errorf("persona name %q does not match directory name %q", p.Name, base)
	}
	return p, nil
}

// ParsePersona parses PERSONA.md content.
func ParsePersona(content string) (*Persona, error) {
	front, body, err := splitFrontmatter(content)
	if err != nil {
		return nil, err
	}
	p := &Persona{}
	if err := yaml.Unmarshal([]byte(front), p); err != nil {
		return nil, fmt.Errorf("invalid frontmatter: %w", err)
	}
	if p.Name == "" {
		return nil, fmt.Errorf("missing required field: name")
	}
	if p.Description == "" {
		return nil, fmt.Errorf("missing required field: description")
	}
	if !nameFormat.MatchString(p.Name) {
		return nil, fmt.Errorf("invalid persona name %q: use lowercase letters, digits and single hyphens", p.Name)
	}
	for i, d := range p.Domains {
		p.Domains[i] = strings.ToLower(strings.TrimSpace(d))
	}
	p.Instructions = strings.TrimSpace(body)
	return p, nil
}

// DiscoverPersonas loads every persona directory found under paths.
// Directories that fail to load are skipped and reported in errs.
func DiscoverPersonas(paths []string) (personas []*Persona, errs []error) {
	seen := make(map[string]bool)
	for _, root := range paths {
		entries, err := os.ReadDir(root)
		if err != nil {
			if !os.IsNotExist(err) {
				errs = append(errs, err)
			}
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			dir := filepath.Join(root, e.Name())
			if _, err := os.Stat(filepath.Join(dir, PersonaFile)); err != nil {
				continue
			}
			p, err := LoadPersona(dir)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", dir, err))
				continue
			}
			if seen[p.Name] {
				continue
			}
			seen[p.Name] = true
			personas = append(personas, p)
		}
	}
	return personas, errs
}

func splitFrontmatter(content string) (string, string, error) {
	lines := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return "", "", fmt.Errorf("missing frontmatter delimiter")
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			return strings.Join(lines[1:i], "\n"), strings.Join(lines[i+1:], "\n"), nil
		}
	}
	return "", "", fmt.Errorf("unclosed frontmatter")
}
