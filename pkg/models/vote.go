package models

import "time"

// VoteState is the lifecycle of a vote. Closing is final.
type VoteState string

// Vote states.
const (
	VoteOpen   VoteState = "open"
	VoteClosed VoteState = "closed"
)

// Vote is a proposal with options and one ballot per agent.
type Vote struct {
	ID            string            `json:"vote_id"`
	Proposer      string            `json:"proposer"`
	Topic         string            `json:"topic"`
	Options       []string          `json:"options"`
	RequiredVotes int               `json:"required_votes"`
	Ballots       map[string]string `json:"ballots"`
	State         VoteState         `json:"state"`
	Result        string            `json:"result,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	ClosedAt      time.Time         `json:"closed_at,omitzero"`
}

// HasOption reports whether opt is one of the vote's options.
func (v *Vote) HasOption(opt string) bool {
	for _, o := range v.Options {
		if o == opt {
			return true
		}
	}
	return false
}

// Tally returns per-option ballot counts.
func (v *Vote) Tally() map[string]int {
	counts := make(map[string]int, len(v.Options))
	for _, opt := range v.Ballots {
		counts[opt]++
	}
	return counts
}
