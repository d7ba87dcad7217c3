package votes

import "fmt"

type transition struct {
	next      State
	action    Action
	upDelta   int64
	downDelta int64
}

// resolveVote maps the current state and a requested vote to the next state
// and the counter deltas that keep reports in step with the vote rows.
func resolveVote(current State, requested VoteType) (transition, error) {
	if requested != VoteTypeUpvote && requested != VoteTypeDownvote {
		return transition{}, fmt.Errorf("unknown vote type %q", requested)
	}
	target := stateFor(requested)

	switch current {
	case StateNone:
		if requested == VoteTypeUpvote {
			return transition{next: target, action: ActionCast, upDelta: 1}, nil
		}
		return transition{next: target, action: ActionCast, downDelta: 1}, nil
	case target:
		if requested == VoteTypeUpvote {
			return transition{next: StateNone, action: ActionRetract, upDelta: -1}, nil
		}
		return transition{next: StateNone, action: ActionRetract, downDelta: -1}, nil
	case StateUpvoted:
		return transition{next: StateDownvoted, action: ActionSwitch, upDelta: -1, downDelta: 1}, nil
	case StateDownvoted:
		return transition{next: StateUpvoted, action: ActionSwitch, upDelta: 1, downDelta: -1}, nil
	default:
		return transition{}, fmt.Errorf("unknown vote state %q", current)
	}
}
