package gateway

import "encoding/json"

// The wire protocol is deliberately thin: the server never pushes message
// payloads, only cues that a conversation (or the badge) changed. Clients
// fetch the actual state over HTTP, which keeps visibility filtering in one
// place.

// WSRequest represents a WebSocket request message
type WSRequest struct {
	ReqIdentifier int32  `json:"req_identifier"` // Request type
	MsgIncr       string `json:"msg_incr"`       // Client message counter/trace Id
	OperationId   string `json:"operation_id"`   // Operation Id
	SendId        string `json:"send_id"`        // Sender user Id
	Data          []byte `json:"data"`           // Business data
}

// WSResponse represents a WebSocket response or push message
type WSResponse struct {
	ReqIdentifier int32  `json:"req_identifier"` // Request type (echo back)
	MsgIncr       string `json:"msg_incr"`       // Message counter (echo back)
	OperationId   string `json:"operation_id"`   // Operation Id (echo back)
	ErrCode       int    `json:"err_code"`       // Error code, 0 = success
	ErrMsg        string `json:"err_msg"`        // Error message
	Data          []byte `json:"data"`           // Response data
}

// WatchReq represents watch/unwatch request data. Watching with an empty
// list resets the session to receive every cue addressed to the user.
type WatchReq struct {
	ConversationIds []string `json:"conversation_ids"`
}

// MarkReadReq represents mark read request data
type MarkReadReq struct {
	ConversationId string `json:"conversation_id"`
}

// MarkReadResp represents mark read response data
type MarkReadResp struct {
	MarkedCount int64 `json:"marked_count"`
}

// UnreadResp represents the unread badge response data
type UnreadResp struct {
	TotalUnread int64 `json:"total_unread"`
}

// InvalidateData is the push payload: which conversation changed.
// Empty conversation_id means something badge-level changed (a block, a
// restored thread) and the client should refresh its listing.
type InvalidateData struct {
	ConversationId string `json:"conversation_id,omitempty"`
}

// Encode encodes data to JSON bytes
func Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// Decode decodes JSON bytes to struct
func Decode(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
