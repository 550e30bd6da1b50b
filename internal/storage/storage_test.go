package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/mailmate/internal/models"
)

func strPtr(s string) *string { return &s }

var zeroTime time.Time

func record(user, thread string, count int, created time.Time, results map[models.Task]models.TaskResult) *models.FeedbackRecord {
	return &models.FeedbackRecord{
		UserEmail:     user,
		MessageID:     "msg-" + thread,
		ThreadID:      thread,
		Subject:       "Quarterly plan",
		Body:          "body of " + thread,
		MessagesCount: count,
		Results:       results,
		CreatedAt:     created,
	}
}

// storeContract runs the behaviour every Storage implementation shares.
func storeContract(t *testing.T, newStore func(t *testing.T) Storage) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	t.Run("latest record per key", func(t *testing.T) {
		s := newStore(t)

		first, err := s.SaveRecord(ctx, record("ann@example.com", "t1", 2, now, map[models.Task]models.TaskResult{
			models.TaskSummary: {Output: strPtr("- old"), Strategy: models.StrategyDefault, Outcome: models.OutcomeAccepted},
		}))
		require.NoError(t, err)
		second, err := s.SaveRecord(ctx, record("ann@example.com", "t1", 2, now, map[models.Task]models.TaskResult{
			models.TaskSummary:    {Output: strPtr("- new"), Strategy: models.StrategyAlternate, Outcome: models.OutcomeFallbackAccepted},
			models.TaskDraftReply: {Output: strPtr("Hi"), Strategy: models.StrategyDefault, Outcome: models.OutcomeAccepted},
		}))
		require.NoError(t, err)
		assert.Greater(t, second, first)

		latest, err := s.LatestRecord(ctx, "ann@example.com", "t1", 2)
		require.NoError(t, err)
		assert.Equal(t, second, latest.ID)
		assert.Equal(t, "- new", *latest.Results[models.TaskSummary].Output)
		assert.Equal(t, models.StrategyAlternate, latest.Results[models.TaskSummary].Strategy)
		assert.Equal(t, models.OutcomeFallbackAccepted, latest.Results[models.TaskSummary].Outcome)
		assert.Equal(t, "Quarterly plan", latest.Subject)
		_, hasActions := latest.Results[models.TaskActionItems]
		assert.False(t, hasActions)

		_, err = s.LatestRecord(ctx, "ann@example.com", "t1", 3)
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("feedback and recent rated", func(t *testing.T) {
		s := newStore(t)

		var ids []int64
		for i := 0; i < 5; i++ {
			id, err := s.SaveRecord(ctx, record("ann@example.com", "t", i+1, now, map[models.Task]models.TaskResult{
				models.TaskSummary: {Output: strPtr("- out"), Strategy: models.StrategyDefault},
			}))
			require.NoError(t, err)
			ids = append(ids, id)
		}
		_, err := s.SaveRecord(ctx, record("bob@example.com", "t", 1, now, map[models.Task]models.TaskResult{
			models.TaskSummary: {Output: strPtr("- bob"), Feedback: models.RatingNegative},
		}))
		require.NoError(t, err)

		require.NoError(t, s.SetFeedback(ctx, ids[0], models.TaskSummary, models.RatingNegative))
		require.NoError(t, s.SetFeedback(ctx, ids[1], models.TaskSummary, models.RatingPositive))
		require.NoError(t, s.SetFeedback(ctx, ids[3], models.TaskSummary, models.RatingNegative))

		rated, err := s.RecentRated(ctx, "ann@example.com", models.TaskSummary, 3)
		require.NoError(t, err)
		require.Len(t, rated, 3)
		assert.Equal(t, ids[3], rated[0].RecordID)
		assert.Equal(t, models.RatingNegative, rated[0].Feedback)
		assert.Equal(t, ids[1], rated[1].RecordID)
		assert.Equal(t, ids[0], rated[2].RecordID)
		assert.Equal(t, "body of t", rated[0].Body)

		err = s.SetFeedback(ctx, 9999, models.TaskSummary, models.RatingPositive)
		assert.True(t, errors.Is(err, ErrNotFound))

		err = s.SetFeedback(ctx, ids[0], models.TaskDraftReply, models.RatingPositive)
		assert.True(t, errors.Is(err, ErrNoOutput))
		rec, err := s.LatestRecord(ctx, "ann@example.com", "t", 1)
		require.NoError(t, err)
		assert.Equal(t, models.RatingUnset, rec.Results[models.TaskDraftReply].Feedback)
	})

	t.Run("feedback since", func(t *testing.T) {
		s := newStore(t)

		old := now.Add(-40 * 24 * time.Hour)
		_, err := s.SaveRecord(ctx, record("ann@example.com", "old", 1, old, map[models.Task]models.TaskResult{
			models.TaskSummary: {Output: strPtr("- x"), Feedback: models.RatingPositive},
		}))
		require.NoError(t, err)
		_, err = s.SaveRecord(ctx, record("ann@example.com", "new", 1, now, map[models.Task]models.TaskResult{
			models.TaskSummary:     {Output: strPtr("- x"), Feedback: models.RatingNegative},
			models.TaskActionItems: {Output: strPtr("- y")},
			models.TaskDraftReply:  {Output: strPtr("Hi"), Feedback: models.RatingPositive},
		}))
		require.NoError(t, err)
		_, err = s.SaveRecord(ctx, record("bob@example.com", "new", 1, now, map[models.Task]models.TaskResult{
			models.TaskSummary: {Output: strPtr("- z"), Feedback: models.RatingPositive},
		}))
		require.NoError(t, err)

		all, err := s.FeedbackSince(ctx, now.Add(-30*24*time.Hour), "")
		require.NoError(t, err)
		assert.Len(t, all, 3)

		ann, err := s.FeedbackSince(ctx, now.Add(-30*24*time.Hour), "ann@example.com")
		require.NoError(t, err)
		require.Len(t, ann, 2)
		for _, sample := range ann {
			assert.Equal(t, "ann@example.com", sample.UserEmail)
		}
	})

	t.Run("promotion is one-directional and audited", func(t *testing.T) {
		s := newStore(t)

		p, err := s.GetPolicy(ctx, "ann@example.com")
		require.NoError(t, err)
		assert.Equal(t, models.StrategyDefault, p.For(models.TaskSummary))

		change, err := s.PromoteToAlternate(ctx, "ann@example.com", models.TaskSummary, "performance below threshold", now)
		require.NoError(t, err)
		require.NotNil(t, change)
		assert.Equal(t, models.StrategyDefault, change.OldStrategy)
		assert.Equal(t, models.StrategyAlternate, change.NewStrategy)
		assert.NotZero(t, change.ID)

		again, err := s.PromoteToAlternate(ctx, "ann@example.com", models.TaskSummary, "scheduled optimization", now.Add(time.Minute))
		require.NoError(t, err)
		assert.Nil(t, again)

		_, err = s.PromoteToAlternate(ctx, "ann@example.com", models.TaskDraftReply, "scheduled optimization", now.Add(time.Hour))
		require.NoError(t, err)
		_, err = s.PromoteToAlternate(ctx, "bob@example.com", models.TaskActionItems, "scheduled optimization", now.Add(2*time.Hour))
		require.NoError(t, err)

		p, err = s.GetPolicy(ctx, "ann@example.com")
		require.NoError(t, err)
		assert.Equal(t, models.StrategyAlternate, p.For(models.TaskSummary))
		assert.Equal(t, models.StrategyDefault, p.For(models.TaskActionItems))
		assert.Equal(t, models.StrategyAlternate, p.For(models.TaskDraftReply))

		history, err := s.ListStrategyChanges(ctx, "ann@example.com")
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, models.TaskDraftReply, history[0].Task)
		assert.Equal(t, models.TaskSummary, history[1].Task)
		assert.Equal(t, "performance below threshold", history[1].Reason)

		all, err := s.ListStrategyChanges(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 3)
		assert.Equal(t, "bob@example.com", all[0].UserEmail)

		policies, err := s.ListPolicies(ctx)
		require.NoError(t, err)
		require.Len(t, policies, 2)
		assert.Equal(t, "ann@example.com", policies[0].UserEmail)
	})

	t.Run("concurrent promotion records one change", func(t *testing.T) {
		s := newStore(t)

		var wg sync.WaitGroup
		var mu sync.Mutex
		changes := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				c, err := s.PromoteToAlternate(ctx, "ann@example.com", models.TaskActionItems, "performance below threshold", now)
				assert.NoError(t, err)
				if c != nil {
					mu.Lock()
					changes++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, changes)
		history, err := s.ListStrategyChanges(ctx, "ann@example.com")
		require.NoError(t, err)
		assert.Len(t, history, 1)
	})
}

func TestMemoryStorage(t *testing.T) {
	storeContract(t, func(t *testing.T) Storage { return NewMemoryStorage() })
}

func TestMemoryStorageReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	_, err := s.SaveRecord(ctx, record("ann@example.com", "t", 1, time.Time{}, map[models.Task]models.TaskResult{
		models.TaskSummary: {Output: strPtr("- a")},
	}))
	require.NoError(t, err)

	got, err := s.LatestRecord(ctx, "ann@example.com", "t", 1)
	require.NoError(t, err)
	assert.False(t, got.CreatedAt.IsZero())
	*got.Results[models.TaskSummary].Output = "mutated"

	again, err := s.LatestRecord(ctx, "ann@example.com", "t", 1)
	require.NoError(t, err)
	assert.Equal(t, "- a", *again.Results[models.TaskSummary].Output)

	_, err = s.PromoteToAlternate(ctx, "ann@example.com", "translation", "r", time.Now())
	assert.Error(t, err)
}
