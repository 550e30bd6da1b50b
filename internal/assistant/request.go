package assistant

import (
	"strings"

	"github.com/xaenox/mailmate/internal/models"
)

// ThreadRequest asks for task outputs for one email thread.
type ThreadRequest struct {
	UserEmail     string   `json:"userEmail"`
	MessageID     string   `json:"messageId"`
	ThreadID      string   `json:"threadId"`
	MessagesCount int      `json:"messagesCount"`
	Body          string   `json:"body"`
	From          string   `json:"from"`
	To            string   `json:"to"`
	Subject       string   `json:"subject"`
	Date          string   `json:"date"`
	Tasks         []string `json:"tasks"`
}

// ThreadResponse maps each requested task to its output and how it was made.
type ThreadResponse struct {
	ThreadID       string                          `json:"threadId"`
	UserEmail      string                          `json:"userEmail"`
	DocID          int64                           `json:"docId"`
	RequestID      string                          `json:"requestId"`
	Result         map[models.Task]string          `json:"result"`
	PromptStrategy map[models.Task]models.Strategy `json:"promptStrategy"`
	StrategySource map[models.Task]StrategySource  `json:"strategySource"`
	Outcome        map[models.Task]models.Outcome  `json:"outcome"`
}

// StrategySource says where the strategy for a task came from.
type StrategySource string

const (
	SourcePolicy         StrategySource = "policy"
	SourceRecentFeedback StrategySource = "recent_feedback"
	SourceReused         StrategySource = "reused"
)

type FeedbackRequest struct {
	DocID  int64  `json:"docId"`
	Task   string `json:"task"`
	Rating string `json:"rating"`
}

func (r *ThreadRequest) validate() ([]models.Task, error) {
	required := []struct {
		field string
		value string
	}{
		{"userEmail", r.UserEmail},
		{"messageId", r.MessageID},
		{"threadId", r.ThreadID},
		{"body", r.Body},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return nil, &ValidationError{Field: f.field, Message: "is required"}
		}
	}
	if r.MessagesCount < 1 {
		return nil, &ValidationError{Field: "messagesCount", Message: "must be a positive integer"}
	}
	if len(r.Tasks) == 0 {
		return nil, &ValidationError{Field: "tasks", Message: "at least one task is required"}
	}

	seen := make(map[models.Task]bool, len(r.Tasks))
	tasks := make([]models.Task, 0, len(r.Tasks))
	for _, raw := range r.Tasks {
		task, err := models.ParseTask(raw)
		if err != nil {
			return nil, &ValidationError{Field: "tasks", Message: err.Error()}
		}
		if !seen[task] {
			seen[task] = true
			tasks = append(tasks, task)
		}
	}
	return tasks, nil
}

func (r *FeedbackRequest) validate() (models.Task, models.Rating, error) {
	if r.DocID < 1 {
		return "", "", &ValidationError{Field: "docId", Message: "is required"}
	}
	task, err := models.ParseTask(r.Task)
	if err != nil {
		return "", "", &ValidationError{Field: "task", Message: err.Error()}
	}
	rating, err := models.ParseRating(r.Rating)
	if err != nil {
		return "", "", &ValidationError{Field: "rating", Message: err.Error()}
	}
	return task, rating, nil
}
