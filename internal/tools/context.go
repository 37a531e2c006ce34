package tools

import "context"

type contextKey string

const (
	conversationIDKey contextKey = "conversation_id"
	ownerKey          contextKey = "owner_id"
)

// WithConversationID adds the conversation ID to the context.
func WithConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, conversationIDKey, id)
}

// ConversationIDFromContext extracts the conversation ID from the context.
// Returns "default" if not set.
func ConversationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(conversationIDKey).(string); ok && id != "" {
		return id
	}
	return "default"
}

// WithOwner records the user a turn runs on behalf of. Owner-scoped
// tools (schedules, tasks, calendar) read it with [OwnerFrom].
func WithOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerKey, ownerID)
}

// OwnerFrom returns the owner set by [WithOwner].
func OwnerFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ownerKey).(string)
	return id, ok && id != ""
}
