package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/mailmate/internal/llm"
	"github.com/xaenox/mailmate/internal/models"
)

func TestGenerateAlwaysReturnsThree(t *testing.T) {
	gen := newScripted(ok("{not json"), ok(""), ok("Plain prose without any list."))
	g := NewGenerator(gen, testVerifier(t), nopLogger())

	cands, err := g.Generate(context.Background(), models.TaskSummary, "prompt")
	require.NoError(t, err)
	require.Len(t, cands, CandidateCount)
	assert.Equal(t, 3, gen.callCount())

	for _, c := range cands {
		assert.True(t, c.Malformed)
		assert.True(t, strings.HasPrefix(c.Text, "No usable summary output ("), c.Text)
	}
}

func TestGenerateKeepsCandidatesWhenOneCallFails(t *testing.T) {
	gen := newScripted(ok(`{"summary": "- a"}`), fail(&llm.CapabilityError{Provider: "test", Err: errors.New("quota exceeded")}), ok(`{"summary": "- b"}`))
	g := NewGenerator(gen, testVerifier(t), nopLogger())

	cands, err := g.Generate(context.Background(), models.TaskSummary, "prompt")
	require.NoError(t, err)
	require.Len(t, cands, CandidateCount)

	var valid []string
	malformed := 0
	for _, c := range cands {
		if c.Malformed {
			malformed++
			assert.Contains(t, c.Reason, "capability error")
			assert.Contains(t, c.Reason, "quota exceeded")
			continue
		}
		valid = append(valid, c.Text)
	}
	assert.Equal(t, 1, malformed)
	assert.ElementsMatch(t, []string{"- a", "- b"}, valid)
}

func TestGenerateFailsWhenEveryCallFails(t *testing.T) {
	gen := newScripted(times(3, fail(&llm.CapabilityError{Provider: "test", Err: errors.New("down")}))...)
	g := NewGenerator(gen, testVerifier(t), nopLogger())

	_, err := g.Generate(context.Background(), models.TaskSummary, "prompt")
	var ce *llm.CapabilityError
	assert.ErrorAs(t, err, &ce)
	assert.Equal(t, 3, gen.callCount())
}

func TestGenerateStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	gen := newScripted(times(3, ok(`{"summary": "- a"}`))...)
	g := NewGenerator(gen, testVerifier(t), nopLogger())

	_, err := g.Generate(ctx, models.TaskSummary, "prompt")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGeneratorParse(t *testing.T) {
	g := NewGenerator(nil, testVerifier(t), nopLogger())

	cases := []struct {
		name      string
		task      models.Task
		raw       string
		want      string
		malformed bool
	}{
		{"json string", models.TaskSummary, `{"summary": "- one\n- two"}`, "- one\n- two", false},
		{"json list", models.TaskActionItems, `{"action_items": ["call Ann", "- book room"]}`, "- call Ann\n- book room", false},
		{"fenced json", models.TaskSummary, "```json\n{\"summary\": \"- x\"}\n```", "- x", false},
		{"missing key", models.TaskSummary, `{"draft_reply": "Hi"}`, "", true},
		{"empty value", models.TaskSummary, `{"summary": "  "}`, "", true},
		{"number value", models.TaskSummary, `{"summary": 3}`, "", true},
		{"invalid json", models.TaskSummary, `{"summary": `, "", true},
		{"prefixed text", models.TaskSummary, "Summary:\n- one\n- two", "- one\n- two", false},
		{"salutation reply", models.TaskDraftReply, "Hi Ann,\nSure.\nBest regards", "Hi Ann,\nSure.\nBest regards", false},
		{"reply without greeting", models.TaskDraftReply, "Sure, Friday works.", "", true},
		{"list without marker", models.TaskActionItems, "Call Ann.", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := g.parse(tc.task, tc.raw)
			assert.Equal(t, tc.malformed, c.Malformed)
			if tc.malformed {
				assert.NotEmpty(t, c.Reason)
				assert.Contains(t, c.Text, "No usable "+string(tc.task)+" output")
			} else {
				assert.Equal(t, tc.want, c.Text)
			}
		})
	}
}
