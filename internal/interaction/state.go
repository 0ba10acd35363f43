package interaction

// State is a step of the per-write state machine.
type State int

const (
	StateLocking State = iota
	StateValidating
	StateMutating
	StateAwaitingCommit
	StatePostCommitApply
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StateLocking:         "locking",
	StateValidating:      "validating",
	StateMutating:        "mutating",
	StateAwaitingCommit:  "awaiting_commit",
	StatePostCommitApply: "post_commit_apply",
	StateDone:            "done",
	StateFailed:          "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transitions follow s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}
