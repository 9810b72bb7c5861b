package entity

import "gorm.io/datatypes"

// Message represents a message in a conversation.
// read_at is null until the non-sender participant marks the conversation
// read; once set it is never cleared. deleted_for mirrors the conversation
// mask at message granularity so hidden history stays hidden even after the
// conversation itself is restored.
type Message struct {
	Id             string                      `json:"id" gorm:"column:id;primaryKey"`
	ConversationId string                      `json:"conversation_id" gorm:"column:conversation_id;index:idx_conv_created,priority:1"`
	ClientMsgId    string                      `json:"client_msg_id" gorm:"column:client_msg_id"`
	SenderId       string                      `json:"sender_id" gorm:"column:sender_id;index:idx_sender_client"`
	MsgType        string                      `json:"msg_type" gorm:"column:msg_type"`
	Content        string                      `json:"content" gorm:"column:content"`
	Metadata       datatypes.JSONMap           `json:"metadata" gorm:"column:metadata"`
	ReadAt         *int64                      `json:"read_at" gorm:"column:read_at"`
	DeletedFor     datatypes.JSONSlice[string] `json:"deleted_for" gorm:"column:deleted_for"`
	CreatedAt      int64                       `json:"created_at" gorm:"column:created_at;index:idx_conv_created,priority:2"`
	UpdatedAt      int64                       `json:"updated_at" gorm:"column:updated_at"`
}

// TableName returns the table name for Message
func (Message) TableName() string {
	return "messages"
}

// IsRead checks if the message has been marked read
func (m *Message) IsRead() bool {
	return m.ReadAt != nil
}

// HiddenFor checks if the message is soft-deleted for userId
func (m *Message) HiddenFor(userId string) bool {
	return containsId(m.DeletedFor, userId)
}

// UnreadBy checks if the message counts against userId's unread badge,
// ignoring conversation-level visibility.
func (m *Message) UnreadBy(userId string) bool {
	return m.SenderId != userId && !m.IsRead() && !m.HiddenFor(userId)
}

// MessageInfo represents message info for API responses
type MessageInfo struct {
	Id             string            `json:"id"`
	ConversationId string            `json:"conversation_id"`
	ClientMsgId    string            `json:"client_msg_id,omitempty"`
	SenderId       string            `json:"sender_id"`
	MsgType        string            `json:"msg_type"`
	Content        string            `json:"content"`
	Metadata       datatypes.JSONMap `json:"metadata,omitempty"`
	ReadAt         *int64            `json:"read_at,omitempty"`
	CreatedAt      int64             `json:"created_at"`
}

// ToMessageInfo converts Message to MessageInfo
func (m *Message) ToMessageInfo() *MessageInfo {
	return &MessageInfo{
		Id:             m.Id,
		ConversationId: m.ConversationId,
		ClientMsgId:    m.ClientMsgId,
		SenderId:       m.SenderId,
		MsgType:        m.MsgType,
		Content:        m.Content,
		Metadata:       m.Metadata,
		ReadAt:         m.ReadAt,
		CreatedAt:      m.CreatedAt,
	}
}
