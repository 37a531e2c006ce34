// Package prompts contains the LLM prompt templates Sidekick sends.
//
// Prompt text is Go code rather than config files because it is program logic:
// templates use fmt.Sprintf interpolation and can be validated by tests.
// User-facing configuration lives in config.yaml; this package holds the
// instructions we send to models (the conversation system prompt, the
// proactive check-in, intent classification, summaries).
//
// Convention: each prompt category gets its own file (system.go,
// proactive.go, intent.go) with an exported function that accepts the
// dynamic parts and returns the fully interpolated prompt string.
package prompts
