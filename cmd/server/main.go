package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/mbeoliero/kit/log"
	"github.com/mbeoliero/parley/internal/config"
	"github.com/mbeoliero/parley/internal/gateway"
	"github.com/mbeoliero/parley/internal/handler"
	"github.com/mbeoliero/parley/internal/realtime"
	"github.com/mbeoliero/parley/internal/repository"
	"github.com/mbeoliero/parley/internal/router"
	"github.com/mbeoliero/parley/internal/service"
	"github.com/mbeoliero/parley/pkg/constant"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := config.Load("config/config.yaml")
	if err != nil {
		log.CtxError(ctx, "failed to load config: %v", err)
		panic(err)
	}

	log.CtxInfo(ctx, "config loaded: mode=%s", cfg.Server.Mode)

	// Initialize Redis key prefix
	constant.InitRedisKeyPrefix(cfg.Redis.KeyPrefix)
	log.CtxInfo(ctx, "redis key prefix: %s", constant.GetRedisKeyPrefix())

	// Initialize repositories
	repos, err := repository.NewRepositories(cfg)
	if err != nil {
		log.CtxError(ctx, "failed to initialize repositories: %v", err)
		panic(err)
	}
	defer repos.Close()

	// Check database connection
	if err := repos.CheckConnection(ctx); err != nil {
		log.CtxError(ctx, "database connection check failed: %v", err)
		panic(err)
	}
	log.CtxInfo(ctx, "database connection established")

	// Realtime plumbing: the in-process hub dispatches cues, the redis bus
	// replicates them across instances.
	hub := realtime.NewHub(cfg.Realtime.QueueSize, cfg.Realtime.WorkerNum)
	hub.Run(ctx)
	bus := realtime.NewBus(repos.Redis, hub)
	bus.Run(ctx)

	// Initialize services
	authService := service.NewAuthService(repos.User, cfg, repos.Redis)
	userService := service.NewUserService(repos.User)
	blockService := service.NewBlockService(repos, bus)
	convService := service.NewConversationService(repos, bus)
	msgService := service.NewMessageService(repos, convService, bus)
	unreadService := service.NewUnreadService(repos, cfg.Unread.PollInterval, cfg.Unread.QueryTimeout)
	unreadService.Start(ctx, hub)

	// Initialize WebSocket server
	wsServer := gateway.NewWsServer(cfg, repos.Redis, authService, convService, unreadService)
	wsServer.Run(ctx, hub)
	log.CtxInfo(ctx, "websocket server started")

	// Initialize handlers
	handlers := &router.Handlers{
		Auth:         handler.NewAuthHandler(authService),
		User:         handler.NewUserHandler(userService),
		Block:        handler.NewBlockHandler(blockService),
		Message:      handler.NewMessageHandler(msgService),
		Conversation: handler.NewConversationHandler(convService, unreadService),
	}

	// Create Hertz server
	h := server.Default(
		server.WithHostPorts(fmt.Sprintf(":%d", cfg.Server.HTTPPort)),
	)

	// Setup routes
	router.SetupRouter(h, handlers, wsServer)

	log.CtxInfo(ctx, "server starting on port %d", cfg.Server.HTTPPort)

	go func() {
		h.Spin()
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.CtxInfo(ctx, "shutting down server...")

	cancel()
	if err := h.Shutdown(context.Background()); err != nil {
		log.CtxError(ctx, "server shutdown error: %v", err)
	}

	log.CtxInfo(ctx, "server stopped")
}
