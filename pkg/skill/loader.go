package skill

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader loads skills from a directory tree. Each skill is either a
// <name>.md file or a <name>/SKILL.md file under the root.
type Loader struct {
	root string
}

// NewLoader creates a loader rooted at dir.
func NewLoader(dir string) *Loader {
	return &Loader{root: dir}
}

// Load walks the root and parses every skill file. Skills are returned in
// lexicographic name order; a name collision keeps the first and reports a
// diagnostic for the loser.
func (l *Loader) Load() *LoadResult {
	result := &LoadResult{}

	entries, err := os.ReadDir(l.root)
	if err != nil {
		if os.IsNotExist(err) {
			return result
		}
		result.Diagnostics = append(result.Diagnostics, Diagnostic{
			Message: fmt.Sprintf("failed to read skills directory: %v", err),
			Path:    l.root,
		})
		return result
	}

	seen := make(map[string]string) // name -> winner path
	for _, entry := range entries {
		path := filepath.Join(l.root, entry.Name())
		if entry.IsDir() {
			path = filepath.Join(path, "SKILL.md")
		} else if !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}

		sk, diag := l.loadFile(path)
		if diag != nil {
			result.Diagnostics = append(result.Diagnostics, *diag)
			continue
		}
		if winner, dup := seen[sk.Name]; dup {
			result.Diagnostics = append(result.Diagnostics, Diagnostic{
				Message: fmt.Sprintf("skill name %q already loaded from %s", sk.Name, winner),
				Path:    path,
			})
			continue
		}
		seen[sk.Name] = path
		result.Skills = append(result.Skills, *sk)
	}

	sort.Slice(result.Skills, func(i, j int) bool {
		return result.Skills[i].Name < result.Skills[j].Name
	})
	return result
}

func (l *Loader) loadFile(path string) (*Skill, *Diagnostic) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Diagnostic{Message: fmt.Sprintf("failed to read skill file: %v", err), Path: path}
	}

	fm, body, err := parseFrontmatter(data)
	if err != nil {
		return nil, &Diagnostic{Message: fmt.Sprintf("invalid frontmatter: %v", err), Path: path}
	}

	name := strings.TrimSpace(fm.Name)
	if name == "" {
		// Fall back to the file/directory name.
		base := filepath.Base(path)
		if base == "SKILL.md" {
			name = filepath.Base(filepath.Dir(path))
		} else {
			name = strings.TrimSuffix(base, ".md")
		}
	}

	return &Skill{
		Name:        name,
		Description: strings.TrimSpace(fm.Description),
		FilePath:    path,
		BaseDir:     filepath.Dir(path),
		Content:     strings.TrimSpace(string(body)),
		LoadedAt:    time.Now(),
	}, nil
}

// parseFrontmatter splits "---\n...\n---\n" YAML frontmatter from the body.
// A file without frontmatter is all body.
func parseFrontmatter(content []byte) (*Frontmatter, []byte, error) {
	fm := &Frontmatter{}
	if !bytes.HasPrefix(content, []byte("---\n")) {
		return fm, content, nil
	}

	rest := content[4:]
	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		return nil, nil, fmt.Errorf("unterminated frontmatter")
	}

	if err := yaml.Unmarshal(rest[:end], fm); err != nil {
		return nil, nil, err
	}

	body := rest[end+4:]
	return fm, bytes.TrimLeft(body, "\n"), nil
}
