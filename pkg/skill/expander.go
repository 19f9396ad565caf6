package skill

import (
	"fmt"
	"strings"
)

// attrEscaper sanitizes values placed inside skill block attributes. Skill
// content itself is passed through untouched.
var attrEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
)

// Expand renders the named skill as a tagged block the turn executor can
// reason over, with any arguments appended after the block:
//
//	<skill name="skill-name" location="/path/to/skill.md">
//	References are relative to /path/to/skill/dir.
//
//	[skill content]
//	</skill>
//
//	arguments
//
// The boolean reports whether the skill exists.
func Expand(name, args string, skills []Skill) (string, bool) {
	var sk *Skill
	for i := range skills {
		if skills[i].Name == name {
			sk = &skills[i]
			break
		}
	}
	if sk == nil {
		return "", false
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<skill name=\"%s\" location=\"%s\">\n",
		attrEscaper.Replace(sk.Name), attrEscaper.Replace(sk.FilePath))
	fmt.Fprintf(&b, "References are relative to %s.\n\n", attrEscaper.Replace(sk.BaseDir))
	b.WriteString(sk.Content)
	b.WriteString("\n</skill>")
	if args != "" {
		b.WriteString("\n\n")
		b.WriteString(args)
	}
	return b.String(), true
}
