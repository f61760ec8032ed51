package room

import (
	"context"

	"github.com/google/uuid"

	"github.com/masc-io/masc/pkg/models"
	"github.com/masc-io/masc/pkg/storage"
)

// VoteCreate opens a vote on behalf of the proposer. requiredVotes <= 0
// means "close when every active agent has voted".
func (e *Engine) VoteCreate(ctx context.Context, proposer, topic string, options []string, requiredVotes int) (*models.Vote, error) {
	if err := e.requireUnpaused(ctx); err != nil {
		return nil, err
	}
	if _, err := e.getAgent(ctx, proposer); err != nil {
		return nil, err
	}
	if topic == "" {
		return nil, &SchemaError{Detail: "vote topic must not be empty"}
	}
	if len(options) < 2 {
		return nil, &SchemaError{Detail: "vote needs at least two options"}
	}
	seen := make(map[string]bool, len(options))
	for _, o := range options {
		if o == "" || seen[o] {
			return nil, &SchemaError{Detail: "vote options must be non-empty and unique"}
		}
		seen[o] = true
	}

	vote := &models.Vote{
		ID:            uuid.NewString(),
		Proposer:      proposer,
		Topic:         topic,
		Options:       options,
		RequiredVotes: requiredVotes,
		Ballots:       make(map[string]string),
		State:         models.VoteOpen,
		CreatedAt:     e.clock.Now(),
	}
	if err := e.putJSON(ctx, storage.PrefixVotes+vote.ID, vote); err != nil {
		return nil, err
	}
	if _, err := e.appendMessage(ctx, "", models.MessageSystem, proposer+" opened a vote: "+topic, ""); err != nil {
		e.logger.Warn("Vote system message failed", "vote", vote.ID, "error", err)
	}
	e.notify(EventBroadcast, proposer, map[string]any{"event": "vote_created", "vote_id": vote.ID, "topic": topic})
	e.logger.Info("Vote created", "vote", vote.ID, "proposer", proposer)
	return vote, nil
}

// VoteCast records one ballot. Re-voting overwrites the caller's prior
// ballot while the vote is open. When the ballot count reaches the
// required threshold the vote closes and the plurality option wins.
func (e *Engine) VoteCast(ctx context.Context, caller, voteID, option string) (*models.Vote, error) {
	if err := e.requireUnpaused(ctx); err != nil {
		return nil, err
	}
	if _, err := e.getAgent(ctx, caller); err != nil {
		return nil, err
	}

	var vote models.Vote
	ok, err := e.getJSON(ctx, storage.PrefixVotes+voteID, &vote)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &VoteNotFoundError{ID: voteID}
	}
	if vote.State == models.VoteClosed {
		return nil, &VoteClosedError{ID: voteID}
	}
	if !vote.HasOption(option) {
		return nil, &SchemaError{Detail: "unknown vote option: " + option}
	}

	vote.Ballots[caller] = option

	required := vote.RequiredVotes
	if required <= 0 {
		agents, err := e.GetAgents(ctx)
		if err != nil {
			return nil, err
		}
		for _, a := range agents {
			if a.Status != models.AgentInactive {
				required++
			}
		}
	}
	if len(vote.Ballots) >= required {
		e.closeVote(&vote)
	}

	if err := e.putJSON(ctx, storage.PrefixVotes+voteID, &vote); err != nil {
		return nil, err
	}
	if vote.State == models.VoteClosed {
		if _, err := e.appendMessage(ctx, "", models.MessageSystem, "vote closed: "+vote.Topic+" -> "+vote.Result, ""); err != nil {
			e.logger.Warn("Vote close message failed", "vote", voteID, "error", err)
		}
		e.notify(EventBroadcast, caller, map[string]any{"event": "vote_closed", "vote_id": voteID, "result": vote.Result})
	}
	return &vote, nil
}

// VotesStatus returns a snapshot of every vote.
func (e *Engine) VotesStatus(ctx context.Context) ([]*models.Vote, error) {
	if _, err := e.loadRoom(ctx); err != nil {
		return nil, err
	}
	keys, err := e.backend.List(ctx, storage.PrefixVotes)
	if err != nil {
		return nil, err
	}
	votes := make([]*models.Vote, 0, len(keys))
	for _, key := range keys {
		var v models.Vote
		ok, err := e.getJSON(ctx, key, &v)
		if err != nil {
			return nil, err
		}
		if ok {
			votes = append(votes, &v)
		}
	}
	return votes, nil
}

// closeVote finalizes the result as the plurality option; ties resolve to
// the option listed first.
func (e *Engine) closeVote(vote *models.Vote) {
	tally := vote.Tally()
	best, bestCount := "", -1
	for _, opt := range vote.Options {
		if tally[opt] > bestCount {
			best, bestCount = opt, tally[opt]
		}
	}
	vote.State = models.VoteClosed
	vote.Result = best
	vote.ClosedAt = e.clock.Now()
}
