// Package plan loads task graphs from YAML or JSON files.
//
// A plan file looks like:
//
//	name: release
//	tasks:
//	  - id: schema
//	    title: Design the schema
//	    category: analysis
//	    priority: 8
//	    complexity: 4
//	    estimate: 45m
//	  - id: api
//	    title: Implement the API
//	    depends_on: [schema]
//	edges:
//	  - task: api
//	    depends_on: schema
//
// JSON files use the same field names.
package plan

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/autopilot/pkg/models"
)

// Defaults applied to fields a plan leaves out.
const (
	DefaultPriority   = models.DefaultPriority
	DefaultComplexity = models.DefaultComplexity
)

// ErrEmptyPlan indicates a plan without tasks.
var ErrEmptyPlan = errors.New("plan has no tasks")

// Plan is a parsed plan file.
type Plan struct {
	Name  string
	Tasks []*models.Task
	Edges []models.Edge
}

type fileTask struct {
	ID          string   `yaml:"id"`
	Title       string   `yaml:"title"`
	Description string   `yaml:"description"`
	Category    string   `yaml:"category"`
	Priority    int      `yaml:"priority"`
	Complexity  int      `yaml:"complexity"`
	Estimate    string   `yaml:"estimate"`
	Skills      []string `yaml:"skills"`
	DependsOn   []string `yaml:"depends_on"`
}

type fileEdge struct {
	Task      string `yaml:"task"`
	DependsOn string `yaml:"depends_on"`
}

type file struct {
	Name  string     `yaml:"name"`
	Tasks []fileTask `yaml:"tasks"`
	Edges []fileEdge `yaml:"edges"`
}

// Load reads a plan from path.
func Load(path string) (*Plan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plan: %w", err)
	}
	defer f.Close()
	p, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Decode parses a plan. YAML is a superset of JSON, so one decoder reads
// both. Unknown fields are rejected to catch typos.
func Decode(r io.Reader) (*Plan, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc file
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyPlan
		}
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if len(doc.Tasks) == 0 {
		return nil, ErrEmptyPlan
	}

	p := &Plan{Name: doc.Name}
	seen := make(map[string]bool, len(doc.Tasks))
	for i, ft := range doc.Tasks {
		t, err := ft.task()
		if err != nil {
			return nil, fmt.Errorf("task %d: %w", i+1, err)
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("task %d: duplicate id %q", i+1, t.ID)
		}
		seen[t.ID] = true
		p.Tasks = append(p.Tasks, t)
	}
	for i, fe := range doc.Edges {
		if fe.Task == "" || fe.DependsOn == "" {
			return nil, fmt.Errorf("edge %d: task and depends_on are required", i+1)
		}
		p.Edges = append(p.Edges, models.Edge{TaskID: fe.Task, DependsOn: fe.DependsOn})
	}
	return p, nil
}

func (ft fileTask) task() (*models.Task, error) {
	t := &models.Task{
		ID:             strings.TrimSpace(ft.ID),
		Title:          strings.TrimSpace(ft.Title),
		Description:    ft.Description,
		Category:       models.Category(strings.ToLower(ft.Category)),
		Priority:       ft.Priority,
		Complexity:     ft.Complexity,
		RequiredSkills: ft.Skills,
		DependsOn:      ft.DependsOn,
		Status:         models.TaskStatusPending,
	}
	t.ApplyDefaults()
	if ft.Estimate != "" {
		d, err := time.ParseDuration(ft.Estimate)
		if err != nil {
			return nil, fmt.Errorf("estimate %q: %w", ft.Estimate, err)
		}
		t.EstimatedDuration = d
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}
