package models

import "time"

// StrategyPolicy holds the persisted strategy per task for one user.
type StrategyPolicy struct {
	UserEmail   string            `json:"user_email"`
	Strategies  map[Task]Strategy `json:"strategies"`
	LastUpdated time.Time         `json:"last_updated"`
}

func DefaultPolicy(userEmail string) StrategyPolicy {
	p := StrategyPolicy{
		UserEmail:  userEmail,
		Strategies: make(map[Task]Strategy, len(Tasks)),
	}
	for _, t := range Tasks {
		p.Strategies[t] = StrategyDefault
	}
	return p
}

// For returns the strategy for task, defaulting when unset.
func (p StrategyPolicy) For(task Task) Strategy {
	if s, ok := p.Strategies[task]; ok && s.Valid() {
		return s
	}
	return StrategyDefault
}

// StrategyChange is an append-only audit entry for a policy transition.
type StrategyChange struct {
	ID          int64     `json:"id" db:"id"`
	UserEmail   string    `json:"user_email" db:"user_email"`
	Task        Task      `json:"task" db:"task"`
	OldStrategy Strategy  `json:"old_strategy" db:"old_strategy"`
	NewStrategy Strategy  `json:"new_strategy" db:"new_strategy"`
	Reason      string    `json:"change_reason" db:"change_reason"`
	Timestamp   time.Time `json:"timestamp" db:"timestamp"`
}
