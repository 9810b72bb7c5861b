package handler

import (
	"context"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/mbeoliero/parley/internal/middleware"
	"github.com/mbeoliero/parley/internal/service"
	"github.com/mbeoliero/parley/pkg/errcode"
	"github.com/mbeoliero/parley/pkg/response"
)

// BlockHandler handles block list requests
type BlockHandler struct {
	blockService *service.BlockService
}

// NewBlockHandler creates a new BlockHandler
func NewBlockHandler(blockService *service.BlockService) *BlockHandler {
	return &BlockHandler{blockService: blockService}
}

// BlockRequest represents a block/unblock request
type BlockRequest struct {
	UserId string `json:"user_id"`
}

// Block handles block user request
func (h *BlockHandler) Block(ctx context.Context, c *app.RequestContext) {
	userId := middleware.GetUserId(c)
	if userId == "" {
		response.ErrorWithCode(ctx, c, errcode.ErrUnauthorized)
		return
	}

	var req BlockRequest
	if err := c.BindAndValidate(&req); err != nil {
		response.ErrorWithCode(ctx, c, errcode.ErrInvalidParam)
		return
	}

	if err := h.blockService.Block(ctx, userId, req.UserId); err != nil {
		response.Error(ctx, c, err)
		return
	}

	response.Success(ctx, c, nil)
}

// Unblock handles unblock user request
func (h *BlockHandler) Unblock(ctx context.Context, c *app.RequestContext) {
	userId := middleware.GetUserId(c)
	if userId == "" {
		response.ErrorWithCode(ctx, c, errcode.ErrUnauthorized)
		return
	}

	var req BlockRequest
	if err := c.BindAndValidate(&req); err != nil {
		response.ErrorWithCode(ctx, c, errcode.ErrInvalidParam)
		return
	}

	if err := h.blockService.Unblock(ctx, userId, req.UserId); err != nil {
		response.Error(ctx, c, err)
		return
	}

	response.Success(ctx, c, nil)
}

// ListBlocked handles list blocked users request
func (h *BlockHandler) ListBlocked(ctx context.Context, c *app.RequestContext) {
	userId := middleware.GetUserId(c)
	if userId == "" {
		response.ErrorWithCode(ctx, c, errcode.ErrUnauthorized)
		return
	}

	ids, err := h.blockService.ListBlocked(ctx, userId)
	if err != nil {
		response.Error(ctx, c, err)
		return
	}

	response.Success(ctx, c, map[string]interface{}{
		"blocked_user_ids": ids,
	})
}
