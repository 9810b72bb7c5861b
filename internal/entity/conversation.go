package entity

import "gorm.io/datatypes"

// Conversation represents a persistent thread between a fixed pair of users.
// pair_key is the canonical sorted-participant key and carries a unique index;
// deleted_for is the per-user soft-delete mask and only ever grows, except for
// the self-initiated restore in find-or-create.
type Conversation struct {
	Id             string                      `json:"id" gorm:"column:id;primaryKey"`
	PairKey        string                      `json:"pair_key" gorm:"column:pair_key;uniqueIndex:uk_pair_key"`
	ParticipantIds datatypes.JSONSlice[string] `json:"participant_ids" gorm:"column:participant_ids"`
	LastMessageAt  int64                       `json:"last_message_at" gorm:"column:last_message_at"`
	DeletedFor     datatypes.JSONSlice[string] `json:"deleted_for" gorm:"column:deleted_for"`
	CreatedAt      int64                       `json:"created_at" gorm:"column:created_at;autoCreateTime:milli"`
	UpdatedAt      int64                       `json:"updated_at" gorm:"column:updated_at;autoUpdateTime:milli"`
}

// TableName returns the table name for Conversation
func (Conversation) TableName() string {
	return "conversations"
}

// HasParticipant checks if userId belongs to the conversation
func (c *Conversation) HasParticipant(userId string) bool {
	return containsId(c.ParticipantIds, userId)
}

// HiddenFor checks if the conversation is soft-deleted for userId
func (c *Conversation) HiddenFor(userId string) bool {
	return containsId(c.DeletedFor, userId)
}

// PeerOf returns the other participant of a two-party conversation,
// or "" when userId is not a participant.
func (c *Conversation) PeerOf(userId string) string {
	if !c.HasParticipant(userId) {
		return ""
	}
	for _, id := range c.ParticipantIds {
		if id != userId {
			return id
		}
	}
	return ""
}

// ConversationInfo represents a viewer-scoped conversation for API responses
type ConversationInfo struct {
	Id            string       `json:"id"`
	PeerUserId    string       `json:"peer_user_id"`
	LastMessageAt int64        `json:"last_message_at"`
	UnreadCount   int64        `json:"unread_count"`
	LastMessage   *MessageInfo `json:"last_message,omitempty"`
	CreatedAt     int64        `json:"created_at"`
	UpdatedAt     int64        `json:"updated_at"`
}
