// Package skill loads named prompt templates from markdown files and
// expands /skill:name commands into free-form input for the turn executor.
package skill

import "time"

// Skill represents a loaded skill template.
type Skill struct {
	Name        string    // Skill name (e.g., "summarize-thread")
	Description string    // Skill description from frontmatter
	FilePath    string    // Path to the skill markdown file
	BaseDir     string    // Directory containing the skill file
	Content     string    // Markdown body with frontmatter stripped
	LoadedAt    time.Time // When the skill was loaded
}

// Frontmatter is the YAML frontmatter of a skill file.
type Frontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Diagnostic represents a loading warning.
type Diagnostic struct {
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

// LoadResult contains loaded skills plus any diagnostics.
type LoadResult struct {
	Skills      []Skill
	Diagnostics []Diagnostic
}
