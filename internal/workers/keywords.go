package workers

import (
	"fmt"
	"os"
	"strings"

	"go.yaml.in/yaml/v3"
)

// DefaultSpecialization is the bucket used when no keyword matches.
const DefaultSpecialization = "fullstack"

// Specialization maps a specialization tag to the keywords that signal it
// in a task's title or description.
type Specialization struct {
	Name     string   `yaml:"name" mapstructure:"name"`
	Keywords []string `yaml:"keywords" mapstructure:"keywords"`
}

// Table is the specialization to keyword table. Order matters: when a
// specialist is spawned, the first bucket with a matching keyword wins.
type Table []Specialization

// DefaultTable is the built-in table. More specific buckets come first so
// that, for example, "write API tests" spawns a testing specialist.
var DefaultTable = Table{
	{Name: "testing", Keywords: []string{"test", "coverage", "qa", "assert", "e2e", "regression"}},
	{Name: "documentation", Keywords: []string{"document", "docs", "readme", "guide", "tutorial", "changelog"}},
	{Name: "security", Keywords: []string{"security", "auth", "encrypt", "vulnerab", "permission", "credential", "secret"}},
	{Name: "devops", Keywords: []string{"deploy", "docker", "kubernetes", "ci/cd", "pipeline", "infrastructure", "terraform", "helm"}},
	{Name: "data", Keywords: []string{"data", "analytics", "etl", "schema", "migration", "sql", "query"}},
	{Name: "backend", Keywords: []string{"api", "server", "endpoint", "backend", "service", "handler", "grpc", "rest"}},
	{Name: "frontend", Keywords: []string{"ui", "component", "react", "css", "html", "frontend", "layout", "style", "page"}},
	{Name: "debugging", Keywords: []string{"debug", "bug", "fix", "crash", "stack trace", "leak"}},
	{Name: "research", Keywords: []string{"research", "investigate", "analy", "explore", "evaluate", "compare", "spike"}},
	{Name: DefaultSpecialization, Keywords: []string{"fullstack", "full-stack", "feature", "end-to-end", "integrat"}},
}

// Keywords returns the keywords for a specialization tag. A tag that is not
// in the table is its own keyword.
func (t Table) Keywords(tag string) []string {
	tag = strings.ToLower(tag)
	for _, s := range t {
		if strings.ToLower(s.Name) == tag {
			return s.Keywords
		}
	}
	return []string{tag}
}

// Matches reports whether any keyword for tag occurs in text
// (case-insensitive substring match).
func (t Table) Matches(tag, text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range t.Keywords(tag) {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// Classify returns the first specialization whose keywords occur in text,
// or DefaultSpecialization.
func (t Table) Classify(text string) string {
	for _, s := range t {
		if t.Matches(s.Name, text) {
			return s.Name
		}
	}
	return DefaultSpecialization
}

// Validate checks that every bucket has a name and at least one keyword.
func (t Table) Validate() error {
	seen := make(map[string]bool)
	for i, s := range t {
		if s.Name == "" {
			return fmt.Errorf("specialization %d has no name", i)
		}
		if len(s.Keywords) == 0 {
			return fmt.Errorf("specialization %s has no keywords", s.Name)
		}
		if seen[strings.ToLower(s.Name)] {
			return fmt.Errorf("specialization %s listed twice", s.Name)
		}
		seen[strings.ToLower(s.Name)] = true
	}
	return nil
}

// LoadTable reads a specialization table from a YAML file of the form:
//
//	specializations:
//	  - name: testing
//	    keywords: [test, coverage]
func LoadTable(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read specialization table: %w", err)
	}
	var doc struct {
		Specializations Table `yaml:"specializations"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse specialization table: %w", err)
	}
	if err := doc.Specializations.Validate(); err != nil {
		return nil, err
	}
	return doc.Specializations, nil
}
