package gateway

import "time"

// WebSocket protocol constants
const (
	// Request identifiers
	WSWatchConv   = 1001 // Watch conversations for update cues
	WSUnwatchConv = 1002 // Stop watching conversations
	WSMarkRead    = 1003 // Mark a conversation read
	WSGetUnread   = 1004 // Get the total unread badge

	// Response identifiers
	WSPushInvalidate = 2001 // Server push: something the client shows changed
	WSKickOnlineMsg  = 2002 // Kick user offline
)

// Timeout constants
const (
	// WriteWait is time allowed to write a message to the peer
	WriteWait = 10 * time.Second

	// PongWait is time allowed to read the next pong message from the peer
	PongWait = 30 * time.Second

	// PingPeriod is period between pings. Must be less than PongWait
	PingPeriod = (PongWait * 9) / 10

	// MaxMessageSize is maximum message size allowed from peer
	MaxMessageSize = 51200
)

// Query parameter keys
const (
	QueryToken      = "token"
	QuerySendId     = "send_id"
	QueryPlatformId = "platform_id"
)
