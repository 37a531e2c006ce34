package agent

import (
	"errors"

	"github.com/nugget/sidekick/internal/prompts"
)

var (
	// ErrModelUnavailable means the LLM backend could not be reached or
	// failed on its side. Turns are not retried automatically.
	ErrModelUnavailable = errors.New("model unavailable")

	// ErrToolLoopExceeded means the model kept requesting tools past
	// the configured number of round trips.
	ErrToolLoopExceeded = errors.New("tool loop exceeded")
)

// UserMessage maps a turn error to the text shown to the user.
func UserMessage(err error) string {
	if errors.Is(err, ErrToolLoopExceeded) {
		return prompts.LoopLimitMessage
	}
	return prompts.ApologyMessage
}
