package models

// ConversationSummary is the denormalized per-conversation record kept in
// the durable store and used for the agent-facing conversation list.
type ConversationSummary struct {
	Key             string `json:"key"` // the conversation key, e.g. a phone number
	LastMessageBody string `json:"last_message_body,omitempty"`
	LastMessageAt   int64  `json:"last_message_at"` // Unix ms
	Archived        bool   `json:"archived"`
	MessageCount    int64  `json:"message_count"`
	Unread          int    `json:"unread"` // derived, not stored
}
