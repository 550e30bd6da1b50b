package storage

import (
	"context"
	"errors"
	"time"

	"github.com/xaenox/mailmate/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrNoOutput rejects a rating for a task the record holds no output for.
	ErrNoOutput = errors.New("no output to rate")
)

// FeedbackStore persists processed requests and their ratings.
type FeedbackStore interface {
	// SaveRecord inserts rec and returns its id.
	SaveRecord(ctx context.Context, rec *models.FeedbackRecord) (int64, error)
	// LatestRecord returns the newest record for the key or ErrNotFound.
	LatestRecord(ctx context.Context, userEmail, threadID string, messagesCount int) (*models.FeedbackRecord, error)
	// RecentRated returns up to limit newest records of task that have both
	// an output and a rating.
	RecentRated(ctx context.Context, userEmail string, task models.Task, limit int) ([]models.RatedOutput, error)
	// SetFeedback records a rating, returning ErrNotFound for unknown ids and
	// ErrNoOutput when the task produced nothing for that record.
	SetFeedback(ctx context.Context, id int64, task models.Task, rating models.Rating) error
	// FeedbackSince lists every non-null rating created at or after since.
	// An empty userEmail means all users.
	FeedbackSince(ctx context.Context, since time.Time, userEmail string) ([]models.FeedbackSample, error)
}

// StrategyStore persists strategy policies and their audit trail.
type StrategyStore interface {
	// GetPolicy returns the user's policy, or the default one when none is stored.
	GetPolicy(ctx context.Context, userEmail string) (models.StrategyPolicy, error)
	ListPolicies(ctx context.Context) ([]models.StrategyPolicy, error)
	// PromoteToAlternate switches task to the alternate strategy and appends
	// a change record in one atomic step. It returns nil when the task is
	// already alternate.
	PromoteToAlternate(ctx context.Context, userEmail string, task models.Task, reason string, at time.Time) (*models.StrategyChange, error)
	// ListStrategyChanges returns changes newest first. An empty userEmail
	// means all users.
	ListStrategyChanges(ctx context.Context, userEmail string) ([]models.StrategyChange, error)
}

type Storage interface {
	FeedbackStore
	StrategyStore
	Close() error
}
