package models

import "time"

type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageAudio  MessageType = "audio"
	MessageVideo  MessageType = "video"
	MessageCall   MessageType = "call"
	MessageSystem MessageType = "system"
)

// IsMedia reports whether the type carries an attachment.
func (t MessageType) IsMedia() bool {
	switch t {
	case MessageImage, MessageFile, MessageAudio, MessageVideo:
		return true
	}
	return false
}

type MessageStatus string

const (
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageDeleted   MessageStatus = "deleted"
)

// Content is the type-dependent payload of a message.
type Content struct {
	Text     string         `json:"text,omitempty"`
	URL      string         `json:"url,omitempty"`
	FileName string         `json:"file_name,omitempty"`
	MimeType string         `json:"mime_type,omitempty"`
	Size     int64          `json:"size,omitempty"`
	Duration int            `json:"duration,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// Edit is one entry of a message's append-only edit history.
type Edit struct {
	Content  Content   `json:"content"`
	EditedAt time.Time `json:"edited_at"`
	EditedBy string    `json:"edited_by"`
}

type Reaction struct {
	Type      string    `json:"type"`
	ReactedAt time.Time `json:"reacted_at"`
}

// Message represents a message sent in a group.
type Message struct {
	ID          string               `json:"id"`
	SenderID    string               `json:"sender_id"`
	GroupID     string               `json:"group_id"`
	Type        MessageType          `json:"type"`
	Content     Content              `json:"content"`
	ReplyTo     string               `json:"reply_to,omitempty"`
	Status      MessageStatus        `json:"status"`
	Edited      bool                 `json:"edited"`
	EditHistory []Edit               `json:"edit_history,omitempty"`
	ReadBy      map[string]time.Time `json:"read_by,omitempty"`
	Reactions   map[string]Reaction  `json:"reactions,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

func (m *Message) IsDeleted() bool {
	return m.Status == MessageDeleted
}

// Redacted strips content from a deleted message for read views.
func (m Message) Redacted() Message {
	if !m.IsDeleted() {
		return m
	}
	m.Content = Content{}
	m.EditHistory = nil
	return m
}

// MessageQuery pages through a group's history, newest first.
type MessageQuery struct {
	GroupID        string
	Before         time.Time
	Limit          int
	IncludeDeleted bool
}
