package pipeline

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/xaenox/mailmate/internal/llm"
	"github.com/xaenox/mailmate/internal/models"
	"github.com/xaenox/mailmate/internal/prompts"
	"go.uber.org/zap"
)

var bracketList = regexp.MustCompile(`\[[\d\s,]*\]`)

// Ranker orders candidates using the ranking capability.
type Ranker struct {
	llm     llm.TextGenerator
	prompts *prompts.Set
	logger  *zap.Logger
}

func NewRanker(gen llm.TextGenerator, set *prompts.Set, logger *zap.Logger) *Ranker {
	return &Ranker{llm: gen, prompts: set, logger: logger}
}

// Rank returns a permutation of candidate indices, best first. It never
// fails: any problem yields generation order.
func (r *Ranker) Rank(ctx context.Context, task models.Task, candidates []Candidate, emailThread string) []int {
	n := len(candidates)

	prompt, err := r.prompts.RenderCriteria(task, texts(candidates), emailThread)
	if err != nil {
		r.logger.Warn("Failed to render ranking prompt", zap.String("task", string(task)), zap.Error(err))
		return identity(n)
	}

	raw, err := r.llm.Generate(ctx, prompt)
	if err != nil {
		r.logger.Warn("Ranking capability failed", zap.String("task", string(task)), zap.Error(err))
		return identity(n)
	}

	order, ok := parseRanking(task, raw, n)
	if !ok {
		r.logger.Warn("Unusable ranking response",
			zap.String("task", string(task)),
			zap.String("response", raw))
		return identity(n)
	}
	return order
}

func parseRanking(task models.Task, raw string, n int) ([]int, bool) {
	text := stripFences(raw)

	var order []int
	if strings.HasPrefix(text, "{") {
		var payload map[string]json.RawMessage
		if err := json.Unmarshal([]byte(text), &payload); err != nil {
			return nil, false
		}
		value, ok := payload[string(task)]
		if !ok {
			value, ok = payload["ranked_indices"]
		}
		if !ok {
			return nil, false
		}
		order, ok = decodeIndices(value)
		if !ok {
			return nil, false
		}
	} else {
		for _, line := range strings.Split(text, "\n") {
			line = strings.TrimSpace(line)
			if rest, found := strings.CutPrefix(strings.ToLower(line), "ranked_indices:"); found {
				order = parseIndexList(rest)
				break
			}
		}
		if order == nil {
			if m := bracketList.FindString(text); m != "" {
				order = parseIndexList(m)
			}
		}
	}

	if !isPermutation(order, n) {
		return nil, false
	}
	return order, true
}

// decodeIndices accepts a JSON list of ints or a string holding one.
func decodeIndices(value json.RawMessage) ([]int, bool) {
	var order []int
	if err := json.Unmarshal(value, &order); err == nil {
		return order, true
	}
	var s string
	if err := json.Unmarshal(value, &s); err == nil {
		if order = parseIndexList(s); order != nil {
			return order, true
		}
	}
	return nil, false
}

func parseIndexList(s string) []int {
	s = strings.Trim(strings.TrimSpace(s), "[]")
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' })
	if len(fields) == 0 {
		return nil
	}
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		i, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return nil
		}
		out = append(out, i)
	}
	return out
}

func isPermutation(order []int, n int) bool {
	if len(order) != n {
		return false
	}
	seen := make([]bool, n)
	for _, i := range order {
		if i < 0 || i >= n || seen[i] {
			return false
		}
		seen[i] = true
	}
	return true
}

func identity(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
