package prompts

// ApologyMessage is the user-facing reply when a turn fails.
const ApologyMessage = "Sorry, something went wrong. Please try again."

// LoopLimitMessage is the user-facing reply when a turn stops because
// the model kept calling tools.
const LoopLimitMessage = "I got stuck going back and forth with my tools and stopped. Could you rephrase or narrow the request?"

// EmptyResponseNudge is the prompt injected when the model returns no
// content after executing tool calls. It gives the model one more
// chance to produce a user-visible response.
const EmptyResponseNudge = "You executed tool calls but did not provide a response to the user. Please respond now."

// EmptyResponseFallback is the user-facing message returned when the
// model fails to produce content even after being nudged.
const EmptyResponseFallback = "I processed your request but wasn't able to compose a response. Please try again."
