package models

import (
	"fmt"
	"strings"
)

// Task identifies one kind of generated output for an email thread.
type Task string

const (
	TaskSummary     Task = "summary"
	TaskActionItems Task = "action_items"
	TaskDraftReply  Task = "draft_reply"
)

// Tasks lists every supported task in a stable order.
var Tasks = []Task{TaskSummary, TaskActionItems, TaskDraftReply}

func (t Task) Valid() bool {
	switch t {
	case TaskSummary, TaskActionItems, TaskDraftReply:
		return true
	}
	return false
}

func ParseTask(s string) (Task, error) {
	t := Task(strings.TrimSpace(s))
	if !t.Valid() {
		return "", fmt.Errorf("unknown task %q", s)
	}
	return t, nil
}

// Strategy selects which prompt template family is used for a task.
type Strategy string

const (
	StrategyDefault   Strategy = "default"
	StrategyAlternate Strategy = "alternate"
)

func (s Strategy) Valid() bool {
	return s == StrategyDefault || s == StrategyAlternate
}

// Rating is user feedback on a single generated output.
type Rating string

const (
	RatingUnset    Rating = ""
	RatingPositive Rating = "positive"
	RatingNegative Rating = "negative"
)

// ParseRating accepts both the thumbs_up/thumbs_down wire values and the
// positive/negative names.
func ParseRating(s string) (Rating, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "thumbs_up", "positive", "up", "1":
		return RatingPositive, nil
	case "thumbs_down", "negative", "down", "0":
		return RatingNegative, nil
	}
	return RatingUnset, fmt.Errorf("unknown rating %q", s)
}

// DBValue maps the rating onto the stored integer column (1, 0 or NULL).
func (r Rating) DBValue() *int {
	var v int
	switch r {
	case RatingPositive:
		v = 1
	case RatingNegative:
		v = 0
	default:
		return nil
	}
	return &v
}

func RatingFromDB(v *int) Rating {
	if v == nil {
		return RatingUnset
	}
	if *v == 0 {
		return RatingNegative
	}
	return RatingPositive
}

// Outcome records how a task output was produced.
type Outcome string

const (
	OutcomeAccepted         Outcome = "accepted"
	OutcomeFallbackAccepted Outcome = "fallback_accepted"
	OutcomeReused           Outcome = "reused"
)
