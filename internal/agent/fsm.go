package agent

import "github.com/nugget/sidekick/internal/memory"

// State is a node of the turn state machine.
type State int

// Turn states. A turn starts in StateAgent and ends in StateDone.
const (
	StateAgent State = iota // ask the model
	StateTools              // run requested tool calls
	StateDone               // reply is ready
)

func (s State) String() string {
	switch s {
	case StateAgent:
		return "agent"
	case StateTools:
		return "tools"
	case StateDone:
		return "done"
	}
	return "unknown"
}

// Transition is the outcome of one state: the state to enter next.
type Transition struct {
	Next State
}

// Route decides what follows an assistant message: tool execution when
// it requests tool calls, otherwise the end of the turn.
func Route(msg memory.Message) Transition {
	if ShouldContinue(msg) {
		return Transition{Next: StateTools}
	}
	return Transition{Next: StateDone}
}

// ShouldContinue reports whether msg requests tool calls.
func ShouldContinue(msg memory.Message) bool {
	return len(msg.ToolCalls) > 0
}
