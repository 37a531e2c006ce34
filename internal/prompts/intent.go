package prompts

import (
	"fmt"
	"strings"
	"time"
)

// intentTemplate classifies a message into a schedule intent. Format
// verbs: (1) current time, (2) the owner's schedules, (3) recent
// history, (4) the message.
const intentTemplate = `Analyze the message and decide whether the user wants to manage a scheduled task or reminder.

The current time is %s.

The user's active schedules:
%s

Recent conversation:
%s

Message: %q

Reply ONLY with a JSON object, no other text:
{
  "intent": "create_schedule" | "edit_schedule" | "delete_schedule" | "list_schedules" | "chat",

  // create_schedule:
  "kind": "generated" (content is a prompt to answer at that time) | "static" (content is sent verbatim),
  "frequency": "once" | "daily" | "weekly" | "monthly",
  "day_of_week": 0-6 (0 = Sunday) or null,
  "day_of_month": 1-31 or null,
  "scheduled_date": "YYYY-MM-DD" or null,
  "time": "HH:mm",
  "content": "the task or reminder text",

  // edit_schedule and delete_schedule:
  "schedule_id": number or null,
  "updates": {"time", "content", "frequency", "day_of_week", "day_of_month", "scheduled_date", "kind"} (edit only; omit unchanged fields)
}

Time interpretation: "morning" = 09:00, "afternoon" = 14:00, "evening" = 18:00, "night" = 20:00.
"it", "that", or "the reminder" refer to the schedule mentioned most recently in the conversation.
Use "chat" for anything that is not about managing schedules.`

// IntentPrompt returns the classification prompt for message.
func IntentPrompt(message, schedules, history string, now time.Time) string {
	if strings.TrimSpace(schedules) == "" {
		schedules = "(none)"
	}
	if strings.TrimSpace(history) == "" {
		history = "(none)"
	}
	return fmt.Sprintf(intentTemplate, now.Format("Monday, January 2, 2006 15:04"), schedules, history, message)
}

// IntentRetry is sent after output that failed validation.
const IntentRetry = "That reply was not valid. Reply again with ONLY the JSON object described above. Error: %s"
