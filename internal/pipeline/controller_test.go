package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/mailmate/internal/llm"
	"github.com/xaenox/mailmate/internal/models"
)

const (
	goodSummary  = `{"summary": "- Budget approved\n- Launch in May"}`
	proseSummary = `{"summary": "The budget was approved and launch is in May."}`
)

func newTestController(t *testing.T, gen, rank llm.TextGenerator, cfg ControllerConfig) *Controller {
	t.Helper()
	v := testVerifier(t)
	return NewController(
		NewGenerator(gen, v, nopLogger()),
		NewRanker(rank, testPrompts(t), nopLogger()),
		v, nil, cfg, nopLogger(),
	)
}

func capErr() reply {
	return fail(&llm.CapabilityError{Provider: "test", Err: errors.New("upstream unavailable")})
}

func TestControllerAcceptsFirstRound(t *testing.T) {
	gen := newScripted(times(3, ok(goodSummary))...)
	rank := newScripted(ok(`{"ranked_indices": [2, 0, 1]}`))
	c := newTestController(t, gen, rank, ControllerConfig{})

	res, err := c.Run(context.Background(), models.TaskSummary, "prompt", "body")
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeAccepted, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "- Budget approved\n- Launch in May", res.Text)
	assert.Equal(t, 3, gen.callCount())
	assert.Equal(t, 1, rank.callCount())
}

func TestControllerFollowsRankOrder(t *testing.T) {
	gen := newScripted(ok(`{"summary": "- other"}`), ok(`{"summary": "- preferred"}`), ok(proseSummary))

	// Put whichever slot holds "- preferred" first, regardless of the order
	// the concurrent calls landed in.
	rank := llm.GeneratorFunc(func(_ context.Context, prompt string) (string, error) {
		for i := 0; i < CandidateCount; i++ {
			if strings.Contains(prompt, fmt.Sprintf("Output %d:\n- preferred", i)) {
				rest := []int{}
				for j := 0; j < CandidateCount; j++ {
					if j != i {
						rest = append(rest, j)
					}
				}
				return fmt.Sprintf(`{"ranked_indices": [%d, %d, %d]}`, i, rest[0], rest[1]), nil
			}
		}
		return "", errors.New("preferred candidate not in prompt")
	})
	c := newTestController(t, gen, rank, ControllerConfig{})

	res, err := c.Run(context.Background(), models.TaskSummary, "prompt", "body")
	require.NoError(t, err)
	assert.Equal(t, "- preferred", res.Text)
	assert.Equal(t, models.OutcomeAccepted, res.Outcome)
}

func TestControllerRegeneratesThenAccepts(t *testing.T) {
	gen := newScripted(join(times(3, ok(proseSummary)), times(3, ok(goodSummary)))...)
	rank := newScripted(ok(`{"ranked_indices": [0, 1, 2]}`), ok(`{"ranked_indices": [0, 1, 2]}`))
	c := newTestController(t, gen, rank, ControllerConfig{})

	res, err := c.Run(context.Background(), models.TaskSummary, "prompt", "body")
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeAccepted, res.Outcome)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 6, gen.callCount())
	assert.Equal(t, 2, rank.callCount())
}

func TestControllerFallbackAfterMaxAttempts(t *testing.T) {
	second := `{"summary": "Second round prose."}`
	gen := newScripted(join(times(3, ok(proseSummary)), times(3, ok(second)))...)
	rank := newScripted(ok("[1,0,2]"), ok("[2,1,0]"))
	c := newTestController(t, gen, rank, ControllerConfig{MaxAttempts: 2})

	res, err := c.Run(context.Background(), models.TaskSummary, "prompt", "body")
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeFallbackAccepted, res.Outcome)
	assert.Equal(t, "Second round prose.", res.Text)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 6, gen.callCount())
	assert.Equal(t, 2, rank.callCount())
}

func TestControllerAllMalformedFallsBackToSentinel(t *testing.T) {
	gen := newScripted(times(6, ok("nothing useful"))...)
	rank := newScripted(ok("no ranking here"), ok("still nothing"))
	c := newTestController(t, gen, rank, ControllerConfig{})

	res, err := c.Run(context.Background(), models.TaskActionItems, "prompt", "body")
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeFallbackAccepted, res.Outcome)
	assert.True(t, strings.HasPrefix(res.Text, "No usable action_items output"))
}

func TestControllerAcceptsDespiteOneFailedCall(t *testing.T) {
	gen := newScripted(join([]reply{capErr(), ok(goodSummary), ok(goodSummary)}, []reply{capErr(), ok(goodSummary), ok(goodSummary)})...)
	rank := newScripted(ok(`{"ranked_indices": [0, 1, 2]}`), ok(`{"ranked_indices": [0, 1, 2]}`))
	c := newTestController(t, gen, rank, ControllerConfig{})

	res, err := c.Run(context.Background(), models.TaskSummary, "prompt", "body")
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeAccepted, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "- Budget approved\n- Launch in May", res.Text)
	assert.Equal(t, 3, gen.callCount())
	assert.Equal(t, 1, rank.callCount())
}

func TestControllerRecoversFromFailedRound(t *testing.T) {
	gen := newScripted(join(times(3, capErr()), times(3, ok(goodSummary)))...)
	rank := newScripted(ok(`{"ranked_indices": [0, 1, 2]}`))
	c := newTestController(t, gen, rank, ControllerConfig{})

	res, err := c.Run(context.Background(), models.TaskSummary, "prompt", "body")
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeAccepted, res.Outcome)
	assert.Equal(t, 2, res.Attempts)
}

func TestControllerFallbackUsesLastSuccessfulRound(t *testing.T) {
	gen := newScripted(join(times(3, ok(proseSummary)), times(3, capErr()))...)
	rank := newScripted(ok(`{"ranked_indices": [0, 1, 2]}`))
	c := newTestController(t, gen, rank, ControllerConfig{})

	res, err := c.Run(context.Background(), models.TaskSummary, "prompt", "body")
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeFallbackAccepted, res.Outcome)
	assert.Equal(t, "The budget was approved and launch is in May.", res.Text)
}

func TestControllerGenerationFailure(t *testing.T) {
	gen := newScripted(times(6, capErr())...)
	rank := newScripted()
	c := newTestController(t, gen, rank, ControllerConfig{})

	_, err := c.Run(context.Background(), models.TaskSummary, "prompt", "body")
	require.Error(t, err)

	assert.ErrorIs(t, err, ErrGenerationFailure)
	var ce *llm.CapabilityError
	assert.ErrorAs(t, err, &ce)
	assert.Equal(t, 0, rank.callCount())
}

func TestControllerAttemptTimeout(t *testing.T) {
	slow := llm.GeneratorFunc(func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "", &llm.CapabilityError{Provider: "test", Err: ctx.Err()}
	})
	c := newTestController(t, slow, newScripted(), ControllerConfig{AttemptTimeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := c.Run(context.Background(), models.TaskSummary, "prompt", "body")

	assert.ErrorIs(t, err, ErrGenerationFailure)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestControllerCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gen := llm.GeneratorFunc(func(ctx context.Context, _ string) (string, error) {
		cancel()
		return "", &llm.CapabilityError{Provider: "test", Err: context.Canceled}
	})
	c := newTestController(t, gen, newScripted(), ControllerConfig{})

	_, err := c.Run(ctx, models.TaskSummary, "prompt", "body")
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrGenerationFailure)
}
