package pipeline

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/xaenox/mailmate/internal/llm"
	"github.com/xaenox/mailmate/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var listItem = regexp.MustCompile(`^\s*([-*•]|\d+[.)])\s+`)

// Generator produces a CandidateSet from the generation capability.
type Generator struct {
	llm      llm.TextGenerator
	verifier *Verifier
	logger   *zap.Logger
}

func NewGenerator(gen llm.TextGenerator, verifier *Verifier, logger *zap.Logger) *Generator {
	return &Generator{llm: gen, verifier: verifier, logger: logger}
}

// Generate calls the capability CandidateCount times with the same prompt.
// Unparseable responses and failed calls become malformed candidates, so
// the set always holds CandidateCount entries. The round fails only when
// every call fails or ctx is done.
func (g *Generator) Generate(ctx context.Context, task models.Task, prompt string) ([]Candidate, error) {
	raw := make([]string, CandidateCount)
	errs := make([]error, CandidateCount)

	var eg errgroup.Group
	for i := range raw {
		eg.Go(func() error {
			raw[i], errs[i] = g.llm.Generate(ctx, prompt)
			return nil
		})
	}
	_ = eg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	failed := 0
	candidates := make([]Candidate, CandidateCount)
	for i, r := range raw {
		if errs[i] != nil {
			failed++
			g.logger.Warn("Generation call failed",
				zap.String("task", string(task)),
				zap.Int("index", i),
				zap.Error(errs[i]))
			candidates[i] = malformedCandidate(task, "capability error: "+errs[i].Error())
			continue
		}
		candidates[i] = g.parse(task, r)
		if candidates[i].Malformed {
			g.logger.Debug("Malformed candidate",
				zap.String("task", string(task)),
				zap.Int("index", i),
				zap.String("reason", candidates[i].Reason))
		}
	}
	if failed == CandidateCount {
		return nil, errs[0]
	}
	return candidates, nil
}

func (g *Generator) parse(task models.Task, raw string) Candidate {
	text := stripFences(raw)
	if text == "" {
		return malformedCandidate(task, "empty response")
	}

	if strings.HasPrefix(text, "{") {
		out, reason := extractJSON(task, text)
		if reason != "" {
			return malformedCandidate(task, reason)
		}
		return validCandidate(out)
	}

	text = stripTaskPrefix(task, text)
	if text == "" {
		return malformedCandidate(task, "empty response")
	}
	if !g.verifier.MatchesShape(task, text) {
		return malformedCandidate(task, "unexpected shape")
	}
	return validCandidate(text)
}

func extractJSON(task models.Task, text string) (string, string) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return "", "invalid JSON"
	}
	value, ok := payload[string(task)]
	if !ok {
		return "", "missing " + string(task) + " key"
	}

	var s string
	if err := json.Unmarshal(value, &s); err == nil {
		if s = strings.TrimSpace(s); s == "" {
			return "", "empty " + string(task)
		}
		return s, ""
	}

	var items []string
	if err := json.Unmarshal(value, &items); err == nil {
		lines := make([]string, 0, len(items))
		for _, item := range items {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			if !listItem.MatchString(item) {
				item = "- " + item
			}
			lines = append(lines, item)
		}
		if len(lines) == 0 {
			return "", "empty " + string(task)
		}
		return strings.Join(lines, "\n"), ""
	}

	return "", "unsupported " + string(task) + " value"
}

// stripFences removes a surrounding markdown code block.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func stripTaskPrefix(task models.Task, text string) string {
	marker := string(task) + ":"
	if idx := strings.Index(strings.ToLower(text), marker); idx >= 0 {
		text = text[idx+len(marker):]
	}
	return strings.TrimSpace(text)
}
