package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/mbeoliero/kit/log"
)

// Client represents a connected WebSocket session. A session starts in
// watch-all mode: every cue addressed to the user is delivered. Once the
// client sends a watch request the session only receives cues for the watched
// conversations plus badge-level cues, which is what a thread screen wants.
type Client struct {
	mu         sync.Mutex
	conn       ClientConn
	UserId     string
	PlatformId int
	Token      string
	ConnId     string
	server     *WsServer
	closed     atomic.Bool
	closedErr  error
	ctx        context.Context
	cancel     context.CancelFunc

	watchMu  sync.RWMutex
	watchAll bool
	watched  map[string]struct{}
}

// NewClient creates a new client
func NewClient(conn ClientConn, userId string, platformId int, token, connId string, server *WsServer) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		conn:       conn,
		UserId:     userId,
		PlatformId: platformId,
		Token:      token,
		ConnId:     connId,
		server:     server,
		ctx:        ctx,
		cancel:     cancel,
		watchAll:   true,
		watched:    make(map[string]struct{}),
	}
}

// Start starts the client message handling
func (c *Client) Start() {
	go c.readLoop()
}

// readLoop continuously reads messages from the connection
func (c *Client) readLoop() {
	defer func() {
		if r := recover(); r != nil {
			c.closedErr = ErrPanic
			log.CtxError(c.ctx, "client read loop panic: user_id=%s, error=%v", c.UserId, r)
		}
		c.close()
	}()

	for {
		message, err := c.conn.ReadMessage()
		if err != nil {
			log.CtxDebug(c.ctx, "read message error: user_id=%s, error=%v", c.UserId, err)
			c.closedErr = err
			return
		}

		if c.closed.Load() {
			c.closedErr = ErrConnClosed
			return
		}

		if err := c.handleMessage(message); err != nil {
			log.CtxWarn(c.ctx, "handle message error: user_id=%s, error=%v", c.UserId, err)
			c.closedErr = err
			return
		}
	}
}

// handleMessage handles a single incoming message
func (c *Client) handleMessage(message []byte) error {
	var req WSRequest
	if err := json.Unmarshal(message, &req); err != nil {
		return c.replyError(&req, ErrInvalidProtocol)
	}

	// Validate sender Id matches authenticated user
	if req.SendId != "" && req.SendId != c.UserId {
		return c.replyError(&req, ErrUserIdMismatch)
	}

	log.CtxDebug(c.ctx, "received message: req_identifier=%d, user_id=%s", req.ReqIdentifier, c.UserId)

	var resp []byte
	var err error

	switch req.ReqIdentifier {
	case WSWatchConv:
		resp, err = c.server.HandleWatch(c.ctx, c, &req)
	case WSUnwatchConv:
		resp, err = c.server.HandleUnwatch(c.ctx, c, &req)
	case WSMarkRead:
		resp, err = c.server.HandleMarkRead(c.ctx, c, &req)
	case WSGetUnread:
		resp, err = c.server.HandleGetUnread(c.ctx, c, &req)
	default:
		return c.replyError(&req, ErrInvalidProtocol)
	}

	return c.reply(&req, err, resp)
}

// Watch narrows the session to the given conversations; an empty list resets
// the session to watch-all.
func (c *Client) Watch(conversationIds []string) {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()

	if len(conversationIds) == 0 {
		c.watchAll = true
		c.watched = make(map[string]struct{})
		return
	}

	c.watchAll = false
	for _, id := range conversationIds {
		c.watched[id] = struct{}{}
	}
}

// Unwatch removes conversations from the watched set
func (c *Client) Unwatch(conversationIds []string) {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	for _, id := range conversationIds {
		delete(c.watched, id)
	}
}

// WantsCue reports whether this session should receive a cue for the given
// conversation. Badge-level cues (empty id) are always wanted.
func (c *Client) WantsCue(conversationId string) bool {
	if conversationId == "" {
		return true
	}

	c.watchMu.RLock()
	defer c.watchMu.RUnlock()
	if c.watchAll {
		return true
	}
	_, ok := c.watched[conversationId]
	return ok
}

// reply sends a response to the client
func (c *Client) reply(req *WSRequest, err error, data []byte) error {
	resp := WSResponse{
		ReqIdentifier: req.ReqIdentifier,
		MsgIncr:       req.MsgIncr,
		OperationId:   req.OperationId,
		Data:          data,
	}

	if err != nil {
		resp.ErrCode = 1
		resp.ErrMsg = err.Error()
	}

	return c.writeResponse(resp)
}

// replyError sends an error response
func (c *Client) replyError(req *WSRequest, err error) error {
	resp := WSResponse{
		ReqIdentifier: req.ReqIdentifier,
		MsgIncr:       req.MsgIncr,
		OperationId:   req.OperationId,
		ErrCode:       1,
		ErrMsg:        err.Error(),
	}
	return c.writeResponse(resp)
}

// writeResponse writes a response to the connection
func (c *Client) writeResponse(resp WSResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return nil
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}

	return c.conn.WriteMessage(data)
}

// PushInvalidate pushes a change cue to the client
func (c *Client) PushInvalidate(ctx context.Context, conversationId string) error {
	if c.closed.Load() {
		return ErrConnClosed
	}

	data, err := json.Marshal(&InvalidateData{ConversationId: conversationId})
	if err != nil {
		return err
	}

	return c.writeResponse(WSResponse{
		ReqIdentifier: WSPushInvalidate,
		Data:          data,
	})
}

// KickOnline sends kick message and closes connection
func (c *Client) KickOnline() error {
	resp := WSResponse{
		ReqIdentifier: WSKickOnlineMsg,
	}
	c.writeResponse(resp)
	return c.Close()
}

// Close closes the client connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return nil
	}

	c.closed.Store(true)
	c.cancel()
	return c.conn.Close()
}

// close handles cleanup when connection is closed
func (c *Client) close() {
	c.Close()
	c.server.UnregisterClient(c)
}

// IsClosed returns whether the client is closed
func (c *Client) IsClosed() bool {
	return c.closed.Load()
}
