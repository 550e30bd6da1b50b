package prompts

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/xaenox/mailmate/internal/models"
	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultPrompts []byte

// Example is a past email and the output the user rated negatively.
type Example struct {
	Body   string
	Output string
}

// Input is the data available to generation templates.
type Input struct {
	EmailThread string
	UserEmail   string
	Examples    []Example
}

type criteriaInput struct {
	EmailThread string
	Candidates  []string
}

type file struct {
	Default   map[string]string `yaml:"default"`
	Alternate map[string]string `yaml:"alternate"`
	Criteria  map[string]string `yaml:"criteria"`
}

// Set holds compiled generation and ranking templates per task.
type Set struct {
	templates map[models.Strategy]map[models.Task]*template.Template
	criteria  map[models.Task]*template.Template
}

var funcs = template.FuncMap{
	"inc": func(i int) int { return i + 1 },
}

// Load reads templates from path, or the built-in set when path is empty.
func Load(path string) (*Set, error) {
	if path == "" {
		return Parse(defaultPrompts)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompts file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Set, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse prompts: %w", err)
	}

	s := &Set{
		templates: make(map[models.Strategy]map[models.Task]*template.Template),
	}
	var err error
	if s.templates[models.StrategyDefault], err = compile("default", f.Default); err != nil {
		return nil, err
	}
	if s.templates[models.StrategyAlternate], err = compile("alternate", f.Alternate); err != nil {
		return nil, err
	}
	if s.criteria, err = compile("criteria", f.Criteria); err != nil {
		return nil, err
	}

	for _, task := range models.Tasks {
		for strategy, byTask := range s.templates {
			if byTask[task] == nil {
				return nil, fmt.Errorf("missing %s template for task %s", strategy, task)
			}
		}
		if s.criteria[task] == nil {
			return nil, fmt.Errorf("missing criteria template for task %s", task)
		}
	}
	return s, nil
}

func compile(group string, raw map[string]string) (map[models.Task]*template.Template, error) {
	out := make(map[models.Task]*template.Template, len(raw))
	for name, body := range raw {
		tmpl, err := template.New(group + "/" + name).Funcs(funcs).Option("missingkey=error").Parse(body)
		if err != nil {
			return nil, fmt.Errorf("compile %s template %s: %w", group, name, err)
		}
		out[models.Task(name)] = tmpl
	}
	return out, nil
}

// Render builds the generation prompt for task under strategy.
func (s *Set) Render(task models.Task, strategy models.Strategy, in Input) (string, error) {
	byTask, ok := s.templates[strategy]
	if !ok {
		return "", fmt.Errorf("unknown strategy %q", strategy)
	}
	tmpl, ok := byTask[task]
	if !ok {
		return "", fmt.Errorf("no %s template for task %q", strategy, task)
	}
	return execute(tmpl, in)
}

// RenderCriteria builds the ranking prompt for candidates of task.
func (s *Set) RenderCriteria(task models.Task, candidates []string, emailThread string) (string, error) {
	tmpl, ok := s.criteria[task]
	if !ok {
		return "", fmt.Errorf("no criteria template for task %q", task)
	}
	return execute(tmpl, criteriaInput{EmailThread: emailThread, Candidates: candidates})
}

func execute(tmpl *template.Template, data any) (string, error) {
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render %s: %w", tmpl.Name(), err)
	}
	return strings.TrimSpace(sb.String()), nil
}
