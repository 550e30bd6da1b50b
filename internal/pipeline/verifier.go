package pipeline

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/xaenox/mailmate/internal/models"
	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRules []byte

// RuleSet is the structural contract for one task. Empty lists impose no
// constraint.
type RuleSet struct {
	BulletPatterns    []string `yaml:"bullet_patterns"`
	ProhibitedPhrases []string `yaml:"prohibited_phrases"`
	RequiredPhrases   []string `yaml:"required_phrases"`
	SignOffPhrases    []string `yaml:"sign_off_phrases"`
	// ShapePatterns are checked against unstructured model responses before
	// they become candidates.
	ShapePatterns []string `yaml:"shape_patterns"`
}

type compiledRules struct {
	bullets    []*regexp.Regexp
	shapes     []*regexp.Regexp
	prohibited []string
	required   []string
	signOffs   []string
}

// Verifier checks outputs against per-task rule data.
type Verifier struct {
	rules map[models.Task]compiledRules
}

// LoadRules reads rules from path, or the built-in rules when path is empty.
func LoadRules(path string) (*Verifier, error) {
	data := defaultRules
	if path != "" {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("read rules file: %w", err)
		}
	}

	var raw map[models.Task]RuleSet
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	return NewVerifier(raw)
}

func NewVerifier(rules map[models.Task]RuleSet) (*Verifier, error) {
	v := &Verifier{rules: make(map[models.Task]compiledRules, len(rules))}
	for task, rs := range rules {
		bullets, err := compileAll(rs.BulletPatterns)
		if err != nil {
			return nil, fmt.Errorf("task %s bullet_patterns: %w", task, err)
		}
		shapes, err := compileAll(rs.ShapePatterns)
		if err != nil {
			return nil, fmt.Errorf("task %s shape_patterns: %w", task, err)
		}
		v.rules[task] = compiledRules{
			bullets:    bullets,
			shapes:     shapes,
			prohibited: lowerAll(rs.ProhibitedPhrases),
			required:   lowerAll(rs.RequiredPhrases),
			signOffs:   lowerAll(rs.SignOffPhrases),
		}
	}
	return v, nil
}

// Verify reports whether text satisfies the rule set of task. Tasks
// without rules never pass. Phrase checks ignore case.
func (v *Verifier) Verify(task models.Task, text string) bool {
	r, ok := v.rules[task]
	if !ok {
		return false
	}
	lower := strings.ToLower(text)

	if len(r.bullets) > 0 && !anyMatch(r.bullets, text) {
		return false
	}
	for _, p := range r.prohibited {
		if strings.Contains(lower, p) {
			return false
		}
	}
	for _, p := range r.required {
		if !strings.Contains(lower, p) {
			return false
		}
	}
	if len(r.signOffs) > 0 && !anyContains(lower, r.signOffs) {
		return false
	}
	return true
}

// MatchesShape reports whether an unstructured response looks like output
// for task. Tasks without shape patterns accept anything non-empty.
func (v *Verifier) MatchesShape(task models.Task, text string) bool {
	r, ok := v.rules[task]
	if !ok {
		return false
	}
	if len(r.shapes) == 0 {
		return strings.TrimSpace(text) != ""
	}
	return anyMatch(r.shapes, text)
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("(?m)" + p)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func anyMatch(res []*regexp.Regexp, text string) bool {
	for _, re := range res {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func anyContains(text string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}
