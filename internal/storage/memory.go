package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xaenox/mailmate/internal/models"
)

type MemoryStorage struct {
	mu       sync.RWMutex
	records  []*models.FeedbackRecord
	policies map[string]*models.StrategyPolicy
	changes  []models.StrategyChange
	now      func() time.Time
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		policies: make(map[string]*models.StrategyPolicy),
		now:      time.Now,
	}
}

// Feedback methods
func (s *MemoryStorage) SaveRecord(ctx context.Context, rec *models.FeedbackRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := rec.Clone()
	cp.ID = int64(len(s.records) + 1)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now().UTC()
	}
	s.records = append(s.records, cp)
	return cp.ID, nil
}

func (s *MemoryStorage) LatestRecord(ctx context.Context, userEmail, threadID string, messagesCount int) (*models.FeedbackRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.records) - 1; i >= 0; i-- {
		r := s.records[i]
		if r.UserEmail == userEmail && r.ThreadID == threadID && r.MessagesCount == messagesCount {
			return r.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStorage) RecentRated(ctx context.Context, userEmail string, task models.Task, limit int) ([]models.RatedOutput, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.RatedOutput
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		r := s.records[i]
		if r.UserEmail != userEmail {
			continue
		}
		res, ok := r.Results[task]
		if !ok || res.Output == nil || res.Feedback == models.RatingUnset {
			continue
		}
		out = append(out, models.RatedOutput{
			RecordID: r.ID,
			Body:     r.Body,
			Output:   *res.Output,
			Feedback: res.Feedback,
			Strategy: res.Strategy,
		})
	}
	return out, nil
}

func (s *MemoryStorage) SetFeedback(ctx context.Context, id int64, task models.Task, rating models.Rating) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id < 1 || id > int64(len(s.records)) {
		return fmt.Errorf("record %d: %w", id, ErrNotFound)
	}
	r := s.records[id-1]
	res, ok := r.Results[task]
	if !ok || res.Output == nil {
		return fmt.Errorf("record %d %s: %w", id, task, ErrNoOutput)
	}
	res.Feedback = rating
	r.Results[task] = res
	return nil
}

func (s *MemoryStorage) FeedbackSince(ctx context.Context, since time.Time, userEmail string) ([]models.FeedbackSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.FeedbackSample
	for _, r := range s.records {
		if r.CreatedAt.Before(since) || (userEmail != "" && r.UserEmail != userEmail) {
			continue
		}
		for _, task := range models.Tasks {
			res, ok := r.Results[task]
			if !ok || res.Feedback == models.RatingUnset {
				continue
			}
			out = append(out, models.FeedbackSample{
				UserEmail: r.UserEmail,
				Task:      task,
				Rating:    res.Feedback,
				CreatedAt: r.CreatedAt,
			})
		}
	}
	return out, nil
}

// Strategy methods
func (s *MemoryStorage) GetPolicy(ctx context.Context, userEmail string) (models.StrategyPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.policies[userEmail]; ok {
		return clonePolicy(p), nil
	}
	return models.DefaultPolicy(userEmail), nil
}

func (s *MemoryStorage) ListPolicies(ctx context.Context) ([]models.StrategyPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.StrategyPolicy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, clonePolicy(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserEmail < out[j].UserEmail })
	return out, nil
}

func (s *MemoryStorage) PromoteToAlternate(ctx context.Context, userEmail string, task models.Task, reason string, at time.Time) (*models.StrategyChange, error) {
	if !task.Valid() {
		return nil, fmt.Errorf("unknown task %q", task)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.policies[userEmail]
	if !ok {
		def := models.DefaultPolicy(userEmail)
		p = &def
		s.policies[userEmail] = p
	}

	old := p.For(task)
	if old == models.StrategyAlternate {
		return nil, nil
	}

	p.Strategies[task] = models.StrategyAlternate
	p.LastUpdated = at

	change := models.StrategyChange{
		ID:          int64(len(s.changes) + 1),
		UserEmail:   userEmail,
		Task:        task,
		OldStrategy: old,
		NewStrategy: models.StrategyAlternate,
		Reason:      reason,
		Timestamp:   at,
	}
	s.changes = append(s.changes, change)
	return &change, nil
}

func (s *MemoryStorage) ListStrategyChanges(ctx context.Context, userEmail string) ([]models.StrategyChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.StrategyChange
	for i := len(s.changes) - 1; i >= 0; i-- {
		if userEmail == "" || s.changes[i].UserEmail == userEmail {
			out = append(out, s.changes[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

func (s *MemoryStorage) Close() error {
	return nil
}

func clonePolicy(p *models.StrategyPolicy) models.StrategyPolicy {
	cp := *p
	cp.Strategies = make(map[models.Task]models.Strategy, len(p.Strategies))
	for k, v := range p.Strategies {
		cp.Strategies[k] = v
	}
	return cp
}
