package models

// SenderRole identifies who authored a message.
type SenderRole string

const (
	RoleUser   SenderRole = "user"
	RoleAgent  SenderRole = "agent"
	RoleSystem SenderRole = "system"
)

// Attachment is a descriptor for an already-uploaded file.
// Uploading itself happens outside the relay; we only carry the reference.
type Attachment struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
}

// Message is the atomic unit of the relay.
type Message struct {
	ID              string      `json:"id"` // ULID, assigned at creation
	ConversationKey string      `json:"conversation_key"`
	SenderRole      SenderRole  `json:"sender_role"`
	SenderID        string      `json:"sender_id,omitempty"` // agent UUID when role is agent
	Body            string      `json:"body,omitempty"`
	Attachment      *Attachment `json:"attachment,omitempty"`
	CreatedAt       int64       `json:"created_at"` // Unix ms, stamped once
	Read            bool        `json:"read"`
	ReadBy          []string    `json:"read_by,omitempty"`
	IsBroadcast     bool        `json:"is_broadcast"`
	Persisted       bool        `json:"persisted"`
}

// Clone returns a deep copy so callers can hand messages across goroutine
// boundaries without aliasing cache-owned state.
func (m *Message) Clone() *Message {
	cp := *m
	if m.Attachment != nil {
		att := *m.Attachment
		cp.Attachment = &att
	}
	if m.ReadBy != nil {
		cp.ReadBy = append([]string(nil), m.ReadBy...)
	}
	return &cp
}
