package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mbeoliero/kit/log"
	"github.com/mbeoliero/parley/internal/config"
	"github.com/mbeoliero/parley/internal/realtime"
	"github.com/mbeoliero/parley/internal/service"
	"github.com/mbeoliero/parley/pkg/errcode"
	"github.com/mbeoliero/parley/pkg/jwt"
	"github.com/redis/go-redis/v9"
)

// TokenValidator checks a presented token against both its signature and the
// server-side session state, so a logged-out or kicked token cannot open a
// socket even while its JWT is still within its expiry window.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*jwt.Claims, error)
}

// WsServer fans conversation change cues out to connected sessions. It sits
// between the realtime hub and the sockets: the hub says which users care,
// the server finds their live connections and pushes the cue. Offline users
// miss nothing, the next HTTP poll reflects the same state.
type WsServer struct {
	upgrader       *websocket.Upgrader
	cfg            *config.Config
	auth           TokenValidator
	userMap        *UserMap
	registerChan   chan *Client
	unregisterChan chan *Client
	pushChan       chan realtime.Event
	convService    *service.ConversationService
	unreadService  *service.UnreadService
	onlineUserNum  atomic.Int64
	onlineConnNum  atomic.Int64
	maxConnNum     int64
}

// NewWsServer creates a new WebSocket server
func NewWsServer(cfg *config.Config, rdb *redis.Client, auth TokenValidator, convService *service.ConversationService, unreadService *service.UnreadService) *WsServer {
	upgrader := &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	return &WsServer{
		upgrader:       upgrader,
		cfg:            cfg,
		auth:           auth,
		userMap:        NewUserMap(rdb),
		registerChan:   make(chan *Client, 1000),
		unregisterChan: make(chan *Client, 1000),
		pushChan:       make(chan realtime.Event, cfg.WebSocket.PushChannelSize),
		convService:    convService,
		unreadService:  unreadService,
		maxConnNum:     cfg.WebSocket.MaxConnNum,
	}
}

// Run attaches the server to the hub and starts its workers
func (s *WsServer) Run(ctx context.Context, hub *realtime.Hub) {
	cancel := hub.SubscribeGlobal(func(ev realtime.Event) {
		select {
		case s.pushChan <- ev:
		default:
			log.Warn("push channel full, cue dropped: conversation_id=%s", ev.ConversationId)
		}
	})
	go func() {
		<-ctx.Done()
		cancel()
	}()

	go s.eventLoop(ctx)

	workerNum := s.cfg.WebSocket.PushWorkerNum
	if workerNum <= 0 {
		workerNum = 10
	}
	for i := 0; i < workerNum; i++ {
		go s.pushLoop(ctx)
	}
	log.Info("started %d push workers", workerNum)
}

// eventLoop handles client registration and unregistration
func (s *WsServer) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-s.registerChan:
			s.registerClient(ctx, client)
		case client := <-s.unregisterChan:
			s.unregisterClient(ctx, client)
		}
	}
}

// pushLoop delivers queued cues
func (s *WsServer) pushLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.pushChan:
			s.deliverCue(ctx, ev)
		}
	}
}

// deliverCue pushes one cue to every live session of the targeted users
func (s *WsServer) deliverCue(ctx context.Context, ev realtime.Event) {
	for _, userId := range ev.UserIds {
		clients, ok := s.userMap.GetAll(userId)
		if !ok {
			continue
		}

		for _, client := range clients {
			if !client.WantsCue(ev.ConversationId) {
				continue
			}
			if err := client.PushInvalidate(ctx, ev.ConversationId); err != nil {
				log.CtxDebug(ctx, "push to client failed: user_id=%s, conn_id=%s, error=%v", userId, client.ConnId, err)
			}
		}
	}
}

// registerClient registers a client
func (s *WsServer) registerClient(ctx context.Context, client *Client) {
	existingClients, exists := s.userMap.GetAll(client.UserId)
	if !exists {
		s.onlineUserNum.Add(1)
	}

	s.userMap.Register(ctx, client)
	s.onlineConnNum.Add(1)

	log.CtxInfo(ctx, "client registered: user_id=%s, platform_id=%d, conn_id=%s, existing_conns=%d, online_users=%d, online_conns=%d",
		client.UserId, client.PlatformId, client.ConnId, len(existingClients), s.onlineUserNum.Load(), s.onlineConnNum.Load())
}

// unregisterClient unregisters a client
func (s *WsServer) unregisterClient(ctx context.Context, client *Client) {
	isUserOffline := s.userMap.Unregister(ctx, client)
	s.onlineConnNum.Add(-1)

	if isUserOffline {
		s.onlineUserNum.Add(-1)
	}

	log.CtxInfo(ctx, "client unregistered: user_id=%s, platform_id=%d, conn_id=%s, user_offline=%v, online_users=%d, online_conns=%d",
		client.UserId, client.PlatformId, client.ConnId, isUserOffline, s.onlineUserNum.Load(), s.onlineConnNum.Load())
}

// UnregisterClient queues client for unregistration
func (s *WsServer) UnregisterClient(client *Client) {
	select {
	case s.unregisterChan <- client:
	default:
		log.Warn("unregister channel full: user_id=%s", client.UserId)
	}
}

// HandleConnection handles a new WebSocket connection on a plain net/http
// endpoint, for deployments that terminate websockets outside hertz.
func (s *WsServer) HandleConnection(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	if s.onlineConnNum.Load() >= s.maxConnNum {
		http.Error(w, "connection limit exceeded", http.StatusServiceUnavailable)
		return
	}

	token := r.URL.Query().Get(QueryToken)
	sendId := r.URL.Query().Get(QuerySendId)
	platformIdStr := r.URL.Query().Get(QueryPlatformId)

	if token == "" || sendId == "" {
		http.Error(w, "missing required parameters", http.StatusBadRequest)
		return
	}

	platformId := 0
	if platformIdStr != "" {
		platformId, _ = strconv.Atoi(platformIdStr)
	}

	claims, err := s.validateSession(ctx, token, sendId, platformId)
	if err != nil {
		log.CtxDebug(ctx, "token validation failed: send_id=%s, error=%v", sendId, err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.CtxWarn(ctx, "websocket upgrade failed: %v", err)
		return
	}

	connId := uuid.New().String()
	wsConn := NewWebSocketClientConn(conn, s.cfg.WebSocket.MaxMessageSize, PongWait, PingPeriod)
	client := NewClient(wsConn, claims.UserId, claims.PlatformId, token, connId, s)

	s.registerChan <- client
	client.Start()
}

// validateSession authenticates a handshake: the token must be live in the
// session store and must belong to the identity the connection claims.
func (s *WsServer) validateSession(ctx context.Context, token, sendId string, platformId int) (*jwt.Claims, error) {
	claims, err := s.auth.ValidateToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if claims.UserId != sendId || claims.PlatformId != platformId {
		return nil, errcode.ErrTokenMismatch
	}
	return claims, nil
}

// GetOnlineUserCount returns online user count
func (s *WsServer) GetOnlineUserCount() int64 {
	return s.onlineUserNum.Load()
}

// GetOnlineConnCount returns online connection count
func (s *WsServer) GetOnlineConnCount() int64 {
	return s.onlineConnNum.Load()
}

// ========== Request Handlers ==========

// HandleWatch handles a watch request
func (s *WsServer) HandleWatch(ctx context.Context, client *Client, req *WSRequest) ([]byte, error) {
	var watchReq WatchReq
	if err := json.Unmarshal(req.Data, &watchReq); err != nil {
		return nil, errcode.ErrInvalidParam
	}

	client.Watch(watchReq.ConversationIds)
	s.userMap.RefreshOnlineStatus(ctx, client.UserId)
	return nil, nil
}

// HandleUnwatch handles an unwatch request
func (s *WsServer) HandleUnwatch(ctx context.Context, client *Client, req *WSRequest) ([]byte, error) {
	var watchReq WatchReq
	if err := json.Unmarshal(req.Data, &watchReq); err != nil {
		return nil, errcode.ErrInvalidParam
	}

	client.Unwatch(watchReq.ConversationIds)
	return nil, nil
}

// HandleMarkRead handles mark read over the socket, so a thread screen can
// acknowledge without an HTTP round trip.
func (s *WsServer) HandleMarkRead(ctx context.Context, client *Client, req *WSRequest) ([]byte, error) {
	var markReq MarkReadReq
	if err := json.Unmarshal(req.Data, &markReq); err != nil {
		return nil, errcode.ErrInvalidParam
	}

	count, err := s.convService.MarkRead(ctx, client.UserId, markReq.ConversationId)
	if err != nil {
		return nil, err
	}

	return json.Marshal(&MarkReadResp{MarkedCount: count})
}

// HandleGetUnread handles an unread badge request
func (s *WsServer) HandleGetUnread(ctx context.Context, client *Client, req *WSRequest) ([]byte, error) {
	total := s.unreadService.TotalUnread(ctx, client.UserId)
	return json.Marshal(&UnreadResp{TotalUnread: total})
}
