package prompts

import (
	"fmt"
	"strings"
)

// summaryTemplate asks for a rolling summary of a conversation. The
// format verb is the conversation text.
const summaryTemplate = `Summarize this conversation concisely. Focus on:
1. Key topics discussed
2. Decisions made or preferences expressed
3. Actions taken (tasks, schedules, calendar changes)
4. Any open items or things to remember

Keep the summary under 200 words. Use bullet points.

Conversation:
%s

Summary:`

// previousSummarySection is appended when an earlier summary exists so
// the new one carries it forward.
const previousSummarySection = `

## Earlier summary
%s

Fold anything still relevant from the earlier summary into the new one.`

// SummaryPrompt returns the prompt that summarizes conversationText
// (role: content lines). previous, if non-empty, is the summary it
// replaces.
func SummaryPrompt(conversationText, previous string) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf(summaryTemplate, conversationText))
	if strings.TrimSpace(previous) != "" {
		sb.WriteString(fmt.Sprintf(previousSummarySection, previous))
	}
	return sb.String()
}
