package pipeline

import (
	"fmt"

	"github.com/xaenox/mailmate/internal/models"
)

// CandidateCount is the number of candidates produced per round.
const CandidateCount = 3

// Candidate is one generated output. Malformed candidates keep their slot
// in the set and carry a sentinel text instead of model output.
type Candidate struct {
	Text      string `json:"text"`
	Malformed bool   `json:"malformed,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func validCandidate(text string) Candidate {
	return Candidate{Text: text}
}

func malformedCandidate(task models.Task, reason string) Candidate {
	return Candidate{
		Text:      fmt.Sprintf("No usable %s output (%s)", task, reason),
		Malformed: true,
		Reason:    reason,
	}
}

func texts(cs []Candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Text
	}
	return out
}
