package gateway

import (
	"encoding/json"
	"regexp"
)

// Inbound events.
const (
	EventRegister            = "register"
	EventSendUserMessage     = "send_user_message"
	EventSendAgentMessage    = "send_agent_message"
	EventAgentLogin          = "agent_login"
	EventAdminConnect        = "admin_connect"
	EventJoinConversation    = "join_conversation"
	EventMarkRead            = "mark_read"
	EventDeleteMessage       = "delete_message"
	EventToggleMute          = "toggle_mute"
	EventArchiveConversation = "archive_conversation"
	EventDeleteConversation  = "delete_conversation"
	EventGetMessages         = "get_messages"
)

// Outbound events.
const (
	EventRegistered           = "registered"
	EventNewMessage           = "new_message"
	EventMessageHistory       = "message_history"
	EventConversationList     = "conversation_list"
	EventMessageDeleted       = "message_deleted"
	EventConversationArchived = "conversation_archived"
	EventConversationDeleted  = "conversation_deleted"
	EventReadReceiptUpdate    = "read_receipt_update"
	EventAgentStatus          = "agent_status"
	EventError                = "error"
)

// Envelope is the wire frame for inbound events. Payload stays raw until
// the event type selects a concrete payload struct.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type registerPayload struct {
	ConversationKey string `json:"conversation_key"`
}

type userMessagePayload struct {
	Body           string `json:"body"`
	AttachmentURL  string `json:"attachment_url,omitempty"`
	AttachmentMime string `json:"attachment_mime,omitempty"`
}

type agentMessagePayload struct {
	ConversationKey string `json:"conversation_key,omitempty"`
	Body            string `json:"body"`
	AttachmentURL   string `json:"attachment_url,omitempty"`
	AttachmentMime  string `json:"attachment_mime,omitempty"`
	Broadcast       bool   `json:"broadcast,omitempty"`
}

type loginPayload struct {
	Name   string `json:"name"`
	Secret string `json:"secret"`
}

type adminConnectPayload struct {
	Token string `json:"token"`
}

type joinPayload struct {
	ConversationKey string `json:"conversation_key"`
}

type markReadPayload struct {
	ConversationKey string   `json:"conversation_key,omitempty"`
	IDs             []string `json:"ids"`
}

type toggleMutePayload struct {
	AgentID string `json:"agent_id"`
}

type deleteMessagePayload struct {
	ConversationKey string `json:"conversation_key,omitempty"`
	ID              string `json:"id"`
	ForAll          bool   `json:"for_all,omitempty"`
}

type archivePayload struct {
	ConversationKey string `json:"conversation_key"`
	Archived        bool   `json:"archived"`
}

type conversationPayload struct {
	ConversationKey string `json:"conversation_key"`
}

type getMessagesPayload struct {
	ConversationKey string `json:"conversation_key,omitempty"`
	Limit           int    `json:"limit,omitempty"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type registeredPayload struct {
	ConversationKey string `json:"conversation_key,omitempty"`
	AgentID         string `json:"agent_id,omitempty"`
	Name            string `json:"name,omitempty"`
	Role            string `json:"role"`
}

type historyPayload struct {
	ConversationKey string `json:"conversation_key,omitempty"`
	Messages        any    `json:"messages"`
}

type readReceiptPayload struct {
	ConversationKey string   `json:"conversation_key"`
	IDs             []string `json:"ids"`
	ReaderID        string   `json:"reader_id"`
}

type messageDeletedPayload struct {
	ConversationKey string `json:"conversation_key"`
	ID              string `json:"id"`
}

type agentStatusPayload struct {
	AgentID    string `json:"agent_id"`
	Name       string `json:"name"`
	Online     bool   `json:"online"`
	Muted      bool   `json:"muted,omitempty"`
	Monitoring string `json:"monitoring,omitempty"`
}

// Conversation keys come straight off the wire and end up in store queries
// and room names, so the alphabet is kept tight.
var conversationKeyPattern = regexp.MustCompile(`^[A-Za-z0-9+][A-Za-z0-9_:.-]{0,127}$`)

func validConversationKey(key string) bool {
	return conversationKeyPattern.MatchString(key)
}
