package models

import "time"

// TaskResult is the stored output of one task within a FeedbackRecord.
type TaskResult struct {
	Output   *string  `json:"output"`
	Feedback Rating   `json:"feedback,omitempty"`
	Strategy Strategy `json:"strategy,omitempty"`
	Outcome  Outcome  `json:"outcome,omitempty"`
}

// FeedbackRecord is one processed request for an email thread.
type FeedbackRecord struct {
	ID            int64               `json:"id"`
	UserEmail     string              `json:"user_email"`
	MessageID     string              `json:"message_id"`
	ThreadID      string              `json:"thread_id"`
	Date          string              `json:"date,omitempty"`
	FromEmail     string              `json:"from_email,omitempty"`
	ToEmail       string              `json:"to_email,omitempty"`
	Subject       string              `json:"subject,omitempty"`
	Body          string              `json:"body"`
	MessagesCount int                 `json:"messages_count"`
	Results       map[Task]TaskResult `json:"results"`
	CreatedAt     time.Time           `json:"created_at"`
}

// Reusable reports whether the stored output for task can be returned
// again without generating: it must exist and must not be rated negative.
func (r *FeedbackRecord) Reusable(task Task) bool {
	if r == nil {
		return false
	}
	res, ok := r.Results[task]
	if !ok || res.Output == nil {
		return false
	}
	return res.Feedback != RatingNegative
}

// Clone returns a deep copy so callers can't mutate stored state.
func (r *FeedbackRecord) Clone() *FeedbackRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Results = make(map[Task]TaskResult, len(r.Results))
	for task, res := range r.Results {
		if res.Output != nil {
			out := *res.Output
			res.Output = &out
		}
		cp.Results[task] = res
	}
	return &cp
}

// RatedOutput is a past output with feedback attached, used to build
// contrastive prompt examples.
type RatedOutput struct {
	RecordID int64
	Body     string
	Output   string
	Feedback Rating
	Strategy Strategy
}

// FeedbackSample is a single non-null rating, the unit the monitor counts.
type FeedbackSample struct {
	UserEmail string
	Task      Task
	Rating    Rating
	CreatedAt time.Time
}
