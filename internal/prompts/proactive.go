package prompts

import (
	"fmt"
	"strings"
	"time"
)

// NothingToReport is the reply a proactive check-in gives when nothing
// is worth interrupting the user for. Callers suppress delivery when
// the model answers with it.
const NothingToReport = "NOTHING_TO_REPORT"

// proactiveTemplate drives the periodic check-in. Format verbs: (1)
// current time, (2) sentinel.
const proactiveTemplate = `You are running on a schedule to check in, anticipate needs, and surface useful information without waiting to be asked.
The current time is %s.

## What to do
1. Review the calendar for the next 48-72 hours. Flag anything that needs preparation, travel time, or follow-up. Notice conflicts and back-to-back meetings.
2. Check the weather. Alert if it affects upcoming plans, travel, or what to wear.
3. Check open tasks for anything due soon or overdue.
4. If an upcoming meeting has a topic, company, or person, search the web for recent relevant news.
5. Connect the dots across calendar, weather, tasks, and news. Prioritize by urgency and relevance.

## Output
Lead with a short "Today's Briefing" (2-4 sentences), then list suggestions as:
🔔 <b>[Category]</b> — [What you found] → [Suggested action]

## Rules
- Only surface things that are genuinely actionable or worth knowing. Do not invent urgency.
- Never ask clarifying questions in this mode; act and report.
- If there is nothing worth reporting, reply with exactly %s and nothing else.`

// ProactivePrompt returns the proactive check-in prompt for now.
func ProactivePrompt(now time.Time) string {
	return fmt.Sprintf(proactiveTemplate, now.Format("Monday, January 2, 2006 15:04 MST"), NothingToReport)
}

// IsNothingToReport reports whether a proactive reply is the sentinel,
// tolerating surrounding whitespace, punctuation, and formatting.
func IsNothingToReport(reply string) bool {
	s := strings.Trim(strings.TrimSpace(reply), ".*`_ \n")
	return s == "" || strings.EqualFold(s, NothingToReport)
}

// scheduledTemplate wraps a generated schedule's content. Format
// verbs: (1) current time, (2) the stored prompt.
const scheduledTemplate = `This message was scheduled by the user earlier and is running now (%s). Respond to it directly as a message to the user; do not mention that it was scheduled unless that helps.

%s`

// ScheduledPrompt returns the user message for a generated schedule.
func ScheduledPrompt(content string, now time.Time) string {
	return fmt.Sprintf(scheduledTemplate, now.Format("Monday, January 2, 2006 15:04"), strings.TrimSpace(content))
}
